// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

// Package chat abstracts the chat surface the bridge publishes to.
//
// Surface is the transport boundary: post a thread message, edit it in
// place, upload an attachment. Renderer turns an activity snapshot into
// the text a surface can display; TextRenderer is the plain-text
// implementation. Retrying wraps any Surface with the bridge's standard
// backoff policy, classifying rate limits and server errors as
// transient and other client errors as permanent.
package chat
