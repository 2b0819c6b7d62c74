// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"errors"
	"fmt"
)

// Error is a structured error from the backend control API.
type Error struct {
	// StatusCode is the HTTP status of the failed call.
	StatusCode int

	// Code is the backend's machine-readable error code
	// (e.g. "session_not_found", "session_busy").
	Code string

	// Message is the human-readable description.
	Message string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("backend: %s (HTTP %d): %s", e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("backend: HTTP %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a backend error for a missing
// resource (session or permission request).
func IsNotFound(err error) bool {
	var backendError *Error
	return errors.As(err, &backendError) && backendError.StatusCode == 404
}
