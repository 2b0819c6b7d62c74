// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

// Package backend manages locally spawned agent backend processes and
// the client side of their control API.
//
// A backend is an agent runtime (Claude Code, Codex, and similar)
// wrapped in a small server that exposes a session-oriented HTTP
// control API plus a long-lived server-sent-event stream of session
// activity. The bridge spawns one backend per tenant (channel), shares
// it across tenants on request, and supervises it for the life of the
// conversation traffic it carries.
//
//   - [Process] spawns and supervises one backend child process on a
//     loopback port.
//
//   - [Client] is the HTTP client for the control API: session
//     create/fork/delete, async prompt dispatch, abort, permission
//     responses, the health probe, and the authoritative message
//     fetch used for event-gap reconciliation.
//
//   - [Event] is the closed tagged union the SSE stream decodes into.
//     Dynamic payload shapes exist only at the [ReadStream] boundary;
//     everything downstream switches exhaustively on [EventKind].
//
//   - [Pool] owns process lifecycle keyed by tenant: idempotent
//     get-or-create, explicit multi-tenant attach/detach, periodic
//     health probing with in-place restart, and idle eviction.
package backend
