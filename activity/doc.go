// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

// Package activity reconstructs per-conversation agent activity from
// the backend event stream.
//
// A [Conversation] is a single-writer state machine: events for one
// conversation are applied strictly in arrival order, never
// concurrently. It derives an ordered activity log, one [Entry] per
// observable happening, plus a coarse [Status] for rendering.
//
// Open-ended activities (a running tool, a thinking block, growing
// response text) are spans: the entry is appended when the span opens
// and amended in place until its terminal event seals it. The log is
// an append-only arena with an index from span ID to arena position,
// so amendment is O(1) and entries never reorder after append.
//
// The event stream can silently drop events (reconnect gaps). That is
// not an error condition; it is detected structurally: a span still
// open when the terminal event arrives means a completion was missed.
// The conversation then issues exactly one authoritative message-
// history fetch and substitutes the recovered outputs and final text.
// If the fetch itself fails or recovers nothing, the log gets an
// explicit error entry rather than hanging.
//
// Finalization is unconditional: side effects (usage persistence,
// message-id mapping persistence, the final flush) are best-effort and
// logged, and the conversation is torn down and its busy flag released
// regardless of their outcome.
//
// [Tracker] is the per-conversation mutual exclusion map: a prompt is
// accepted only if StartProcessing succeeds, and StopProcessing is
// always reached through a deferred call.
package activity
