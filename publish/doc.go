// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

// Package publish batches conversation activity into chat messages.
//
// Batcher is the aggregator's sink. Entries accumulate in a pending
// set where a later entry for the same span supersedes the earlier one,
// so an in-place amendment is published at most once per flush. Flush
// snapshots and clears the pending set before any network call; a
// failed publish puts the snapshot back without clobbering entries
// that arrived during the call.
//
// Each conversation renders into one chat message that is edited in
// place as the turn progresses. When the rendered text outgrows the
// segment limit, the batcher seals that message and posts a fresh one,
// so long turns scroll across several messages instead of hitting the
// surface's size ceiling.
package publish
