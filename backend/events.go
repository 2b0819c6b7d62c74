// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind classifies stream events. The set is closed: the decoder
// rejects unknown kinds at the stream boundary so downstream consumers
// can switch exhaustively.
type EventKind string

const (
	// KindReasoningStart opens a thinking span.
	KindReasoningStart EventKind = "reasoning.start"

	// KindReasoningDelta extends the open thinking span.
	KindReasoningDelta EventKind = "reasoning.delta"

	// KindReasoningEnd seals the open thinking span.
	KindReasoningEnd EventKind = "reasoning.end"

	// KindToolState reports a tool call entering a new state
	// (running, completed, error).
	KindToolState EventKind = "tool.state"

	// KindTextDelta extends the response text being generated.
	KindTextDelta EventKind = "text.delta"

	// KindSessionCompacted reports a context compaction.
	KindSessionCompacted EventKind = "session.compacted"

	// KindModeChanged reports a permission-mode change.
	KindModeChanged EventKind = "session.mode_changed"

	// KindContextCleared reports an explicit context reset.
	KindContextCleared EventKind = "session.context_cleared"

	// KindSessionChanged reports that the backend rotated the
	// session identifier (fork, resume).
	KindSessionChanged EventKind = "session.changed"

	// KindSessionIdle is the terminal event for a successful turn.
	KindSessionIdle EventKind = "session.idle"

	// KindSessionError is the terminal event for a failed turn.
	KindSessionError EventKind = "session.error"

	// KindSessionAborted is the terminal event for a user abort.
	KindSessionAborted EventKind = "session.aborted"
)

// Terminal reports whether the kind ends a turn.
func (k EventKind) Terminal() bool {
	switch k {
	case KindSessionIdle, KindSessionError, KindSessionAborted:
		return true
	}
	return false
}

// ToolState values carried by KindToolState events.
const (
	ToolStateRunning   = "running"
	ToolStateCompleted = "completed"
	ToolStateError     = "error"
)

// Event is one decoded stream event. Exactly one payload pointer is
// non-nil, matching Kind.
type Event struct {
	// Kind classifies the event.
	Kind EventKind `json:"kind"`

	// SessionID scopes the event to a backend session.
	SessionID string `json:"session_id"`

	// Timestamp is the backend's event time. Zero if the backend
	// omitted it; consumers substitute arrival time.
	Timestamp time.Time `json:"timestamp,omitzero"`

	// Reasoning is set for the three reasoning kinds.
	Reasoning *ReasoningPayload `json:"reasoning,omitempty"`

	// Tool is set for KindToolState.
	Tool *ToolPayload `json:"tool,omitempty"`

	// Text is set for KindTextDelta.
	Text *TextPayload `json:"text,omitempty"`

	// Mode is set for KindModeChanged.
	Mode *ModePayload `json:"mode,omitempty"`

	// Session is set for KindSessionChanged.
	Session *SessionPayload `json:"session,omitempty"`

	// Error is set for KindSessionError.
	Error *ErrorPayload `json:"error,omitempty"`
}

// ReasoningPayload carries thinking text.
type ReasoningPayload struct {
	// SpanID correlates start, delta, and end events for one
	// reasoning block.
	SpanID string `json:"span_id"`

	// Text is the delta (for delta events) or the full final text
	// (for end events, when the backend sends it).
	Text string `json:"text,omitempty"`
}

// ToolPayload carries a tool call state transition.
type ToolPayload struct {
	// ID is the tool call identifier, stable across its running and
	// completed/error events.
	ID string `json:"id"`

	// Name is the tool name (e.g. "Bash", "Edit", "TodoWrite").
	Name string `json:"name,omitempty"`

	// State is one of the ToolState constants.
	State string `json:"state"`

	// Input is the tool input, preserved as raw JSON. Set on the
	// running event.
	Input json.RawMessage `json:"input,omitempty"`

	// Output is the tool result text. Set on completed/error events.
	Output string `json:"output,omitempty"`
}

// TextPayload carries a response text delta.
type TextPayload struct {
	// Delta is the appended text fragment.
	Delta string `json:"delta"`
}

// ModePayload carries a permission-mode change.
type ModePayload struct {
	// Mode is the new mode label (e.g. "plan", "acceptEdits").
	Mode string `json:"mode"`
}

// SessionPayload carries a session identifier rotation.
type SessionPayload struct {
	// NewSessionID is the identifier replacing Event.SessionID.
	NewSessionID string `json:"new_session_id"`
}

// ErrorPayload carries the terminal error description.
type ErrorPayload struct {
	// Message is the error description.
	Message string `json:"message"`
}

// DecodeEvent parses one SSE frame (event name + data bytes) into an
// Event. Unknown event names are an error: the stream protocol is
// versioned with the backend, and silently dropping frames here would
// look identical to a network gap downstream.
func DecodeEvent(name string, data []byte) (Event, error) {
	kind := EventKind(name)
	switch kind {
	case KindReasoningStart, KindReasoningDelta, KindReasoningEnd,
		KindToolState, KindTextDelta,
		KindSessionCompacted, KindModeChanged, KindContextCleared,
		KindSessionChanged,
		KindSessionIdle, KindSessionError, KindSessionAborted:
	default:
		return Event{}, fmt.Errorf("backend: unknown stream event %q", name)
	}

	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return Event{}, fmt.Errorf("backend: decoding %s event: %w", name, err)
	}
	event.Kind = kind

	if err := event.validatePayload(); err != nil {
		return Event{}, err
	}
	return event, nil
}

// validatePayload checks that the payload required by the kind is
// present, so consumers never nil-check.
func (e Event) validatePayload() error {
	switch e.Kind {
	case KindReasoningStart, KindReasoningDelta, KindReasoningEnd:
		if e.Reasoning == nil {
			return fmt.Errorf("backend: %s event missing reasoning payload", e.Kind)
		}
	case KindToolState:
		if e.Tool == nil {
			return fmt.Errorf("backend: tool.state event missing tool payload")
		}
		switch e.Tool.State {
		case ToolStateRunning, ToolStateCompleted, ToolStateError:
		default:
			return fmt.Errorf("backend: tool.state event with unknown state %q", e.Tool.State)
		}
	case KindTextDelta:
		if e.Text == nil {
			return fmt.Errorf("backend: text.delta event missing text payload")
		}
	case KindModeChanged:
		if e.Mode == nil {
			return fmt.Errorf("backend: session.mode_changed event missing mode payload")
		}
	case KindSessionChanged:
		if e.Session == nil {
			return fmt.Errorf("backend: session.changed event missing session payload")
		}
	case KindSessionError:
		if e.Error == nil {
			return fmt.Errorf("backend: session.error event missing error payload")
		}
	}
	return nil
}
