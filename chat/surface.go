// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/parley-dev/parley/activity"
)

// Surface is a chat backend the bridge can publish activity to.
// Message IDs are opaque surface-assigned strings; an empty threadID
// posts to the channel top level.
type Surface interface {
	// PostMessage posts a new message and returns its surface ID.
	PostMessage(ctx context.Context, channelID, threadID, text string) (string, error)

	// UpdateMessage replaces an existing message's text in place.
	UpdateMessage(ctx context.Context, channelID, messageID, text string) error

	// UploadAttachment attaches a file to the thread.
	UploadAttachment(ctx context.Context, channelID, threadID, filename string, content []byte) error
}

// Snapshot is the renderable view of a conversation at one instant.
type Snapshot struct {
	Status       activity.Status
	CustomStatus string
	Entries      []activity.Entry
	Todos        []activity.TodoItem
}

// Renderer turns a snapshot into surface text.
type Renderer interface {
	Render(snapshot Snapshot) (string, error)
}

// SurfaceError is a structured failure from a chat surface.
type SurfaceError struct {
	// StatusCode is the HTTP status, zero for non-HTTP failures.
	StatusCode int

	// Code is the surface's machine-readable error code, if any.
	Code string

	// RetryAfter is the surface-requested backoff on rate limits,
	// zero when the surface gave none.
	RetryAfter time.Duration
}

func (e *SurfaceError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("chat surface error %d (%s)", e.StatusCode, e.Code)
	}
	return fmt.Sprintf("chat surface error %d", e.StatusCode)
}

// IsRateLimited reports whether the error is a surface rate limit.
func IsRateLimited(err error) bool {
	var surfaceErr *SurfaceError
	if !errors.As(err, &surfaceErr) {
		return false
	}
	return surfaceErr.StatusCode == http.StatusTooManyRequests || surfaceErr.Code == "rate_limited"
}

// Transient reports whether a surface call is worth retrying: rate
// limits, server errors, and anything that never produced a structured
// surface response (connection failures). Other 4xx responses are
// permanent.
func Transient(err error) bool {
	var surfaceErr *SurfaceError
	if !errors.As(err, &surfaceErr) {
		return true
	}
	if IsRateLimited(err) {
		return true
	}
	return surfaceErr.StatusCode >= 500
}
