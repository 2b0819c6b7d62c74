// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for the bridge's timer-driven machinery.
//
// Health probing, idle eviction, reconnect backoff, and batch flushing
// are all timer-driven. Testing them against the real time package makes
// tests slow and flaky. Production code injects [Real]; tests inject a
// [FakeClock] and call Advance to fire pending timers deterministically.
//
// Every function in this module that would call time.Now, time.After,
// time.NewTicker, or time.Sleep takes a Clock instead (usually as a
// struct field populated at construction).
package clock
