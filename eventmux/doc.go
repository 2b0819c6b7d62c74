// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

// Package eventmux maintains one resilient event-stream subscription
// per backend and fans decoded events out to any number of
// subscribers.
//
// The first subscriber for a tenant opens the underlying stream; later
// subscribers share it. Unsubscribing removes only that callback; when
// the last subscriber leaves, the in-flight transport read is aborted
// immediately rather than waiting for the next event.
//
// The stream is long-lived, so any termination (network error, backend
// restart, clean EOF) is treated as a disconnect and recovered with
// exponential backoff. Reconnection retries without
// bound until the subscription is torn down: process-level fatality is
// the pool's concern (restart/eviction), not the multiplexer's. The
// backoff attempt counter resets after any successful delivery.
//
// Fan-out preserves transport order and carries no buffer or replay: a
// subscriber that joins late misses earlier events and must reconcile
// through the aggregator's authoritative fetch.
package eventmux
