// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

// Package retry provides exponential-backoff retry loops for transient
// failures: chat-surface rate limits and network errors, backend health
// probe hiccups, and event-stream disconnects.
//
// [Do] is the bounded form: a fixed number of attempts with a
// transient/permanent classifier, used for chat-surface calls where a
// 4xx means the request itself is wrong and retrying is pointless.
//
// [Forever] is the unbounded form, used by the event multiplexer's
// reconnect loop. It retries until the context is cancelled; the
// operation resets the attempt counter after any successful delivery so
// a long-lived stream that drops once does not pay accumulated backoff.
//
// Both forms compute delay as min(MaxDelay, BaseDelay << attempt) plus
// a random jitter fraction, and both sleep on an injected clock so
// tests drive them deterministically.
package retry
