// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool opens SQLite connection pools with the pragmas
// the bridge runs everywhere: WAL journaling, NORMAL synchronous, a
// busy timeout instead of immediate SQLITE_BUSY, and in-memory temp
// storage. It is a thin wrapper over zombiezen's sqlitex.Pool; callers
// Take a connection, run plain SQL through sqlitex, and Put it back.
// Connections are not safe for concurrent use, the pool is.
//
// There is deliberately no query builder and no ORM layer. The store
// writes SQL directly; this package only guarantees that every
// connection in the process was opened the same way.
package sqlitepool
