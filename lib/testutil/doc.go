// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds small helpers shared across package tests:
// channel receive/send with timeout safety valves, so individual tests
// never hang forever on a bug and never call time.After directly.
package testutil
