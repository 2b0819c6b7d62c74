// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

// Package store persists the bridge's local state in SQLite: which
// backend session a conversation maps to, which surface messages a
// conversation posted, per-turn usage stats, and compressed transcript
// archives of finished turns.
//
// Everything here is supporting state, not the source of truth. The
// chat surface holds the rendered conversation and the backend holds
// the session; a lost database loses permalinks and stats, nothing a
// running turn depends on. Finalization calls into the store
// best-effort for the same reason.
//
// Transcripts are archived as deterministic CBOR (lib/codec)
// compressed with zstd, one blob per finished turn.
package store
