// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package activity

import (
	"encoding/json"
	"fmt"
	"time"
)

// Key identifies a conversation: a tenant (channel) plus an optional
// thread within it.
type Key struct {
	TenantKey string
	ThreadID  string
}

// String renders the key for logging and map display.
func (k Key) String() string {
	if k.ThreadID == "" {
		return k.TenantKey
	}
	return k.TenantKey + ":" + k.ThreadID
}

// EntryKind classifies activity log entries.
type EntryKind string

const (
	// EntryStarting marks the dispatch of a prompt.
	EntryStarting EntryKind = "starting"

	// EntryThinking is a reasoning block, in progress until sealed.
	EntryThinking EntryKind = "thinking"

	// EntryToolStart is a tool call that has not completed yet.
	EntryToolStart EntryKind = "tool_start"

	// EntryToolComplete is a sealed tool call with output and
	// duration. An EntryToolStart becomes this in place when its
	// completion arrives.
	EntryToolComplete EntryKind = "tool_complete"

	// EntryGenerating is response text being produced, in progress
	// until sealed.
	EntryGenerating EntryKind = "generating"

	// EntryError records a turn-level error.
	EntryError EntryKind = "error"

	// EntryAborted records a user abort.
	EntryAborted EntryKind = "aborted"

	// EntryModeChanged records a permission-mode change.
	EntryModeChanged EntryKind = "mode_changed"

	// EntryContextCleared records an explicit context reset.
	EntryContextCleared EntryKind = "context_cleared"

	// EntrySessionChanged records a backend session rotation.
	EntrySessionChanged EntryKind = "session_changed"
)

// Entry is one activity log record. Entries for open spans are amended
// in place (Text grows, tool results land) and are immutable once
// sealed. CBOR tags support transcript archiving.
type Entry struct {
	// Timestamp is when the span opened (or, for point events, when
	// the event arrived).
	Timestamp time.Time `json:"timestamp" cbor:"1,keyasint"`

	// Kind classifies the entry.
	Kind EntryKind `json:"kind" cbor:"2,keyasint"`

	// SpanID is non-empty for span entries (thinking, tool,
	// generating) and correlates amendments with the original
	// append. Point entries leave it empty.
	SpanID string `json:"span_id,omitempty" cbor:"3,keyasint,omitempty"`

	// InProgress is true while the span is open.
	InProgress bool `json:"in_progress,omitempty" cbor:"4,keyasint,omitempty"`

	// Text is the reasoning or generated text for thinking and
	// generating entries, and the message for error entries.
	Text string `json:"text,omitempty" cbor:"5,keyasint,omitempty"`

	// ToolName, ToolInput, ToolOutput, ToolErrored describe tool
	// entries. ToolID is the backend's tool call identifier.
	ToolID      string          `json:"tool_id,omitempty" cbor:"6,keyasint,omitempty"`
	ToolName    string          `json:"tool_name,omitempty" cbor:"7,keyasint,omitempty"`
	ToolInput   json.RawMessage `json:"tool_input,omitempty" cbor:"8,keyasint,omitempty"`
	ToolOutput  string          `json:"tool_output,omitempty" cbor:"9,keyasint,omitempty"`
	ToolErrored bool            `json:"tool_errored,omitempty" cbor:"10,keyasint,omitempty"`

	// Duration is the sealed tool span's wall time. Never negative.
	Duration time.Duration `json:"duration,omitempty" cbor:"11,keyasint,omitempty"`

	// Mode is the new mode label for mode_changed entries.
	Mode string `json:"mode,omitempty" cbor:"12,keyasint,omitempty"`

	// SessionID is the new session identifier for session_changed
	// entries.
	SessionID string `json:"session_id,omitempty" cbor:"13,keyasint,omitempty"`
}

// Sealed reports whether the entry is final (no further amendment).
func (e Entry) Sealed() bool {
	return !e.InProgress
}

// Log is the append-only activity arena plus the open-span index.
// Entries never reorder after append; open spans are amended in place
// at their original position.
type Log struct {
	entries []Entry
	open    map[string]int
}

// NewLog creates an empty log.
func NewLog() *Log {
	return &Log{open: make(map[string]int)}
}

// Append adds an entry. When the entry carries a SpanID and is in
// progress, the span is registered as open.
func (l *Log) Append(entry Entry) int {
	index := len(l.entries)
	l.entries = append(l.entries, entry)
	if entry.SpanID != "" && entry.InProgress {
		l.open[entry.SpanID] = index
	}
	return index
}

// Amend applies fn to the open span's entry in place. Returns false
// when no span with that ID is open.
func (l *Log) Amend(spanID string, fn func(*Entry)) bool {
	index, ok := l.open[spanID]
	if !ok {
		return false
	}
	fn(&l.entries[index])
	return true
}

// Seal closes the span: applies fn, marks the entry no longer in
// progress, and removes the open-span registration. Returns false when
// no span with that ID is open.
func (l *Log) Seal(spanID string, fn func(*Entry)) bool {
	index, ok := l.open[spanID]
	if !ok {
		return false
	}
	entry := &l.entries[index]
	if fn != nil {
		fn(entry)
	}
	entry.InProgress = false
	delete(l.open, spanID)
	return true
}

// OpenSpans returns the IDs of spans still open, in arena order.
func (l *Log) OpenSpans() []string {
	ids := make([]string, 0, len(l.open))
	for _, entry := range l.entries {
		if entry.SpanID != "" && entry.InProgress {
			ids = append(ids, entry.SpanID)
		}
	}
	return ids
}

// Get returns the open span's entry by value.
func (l *Log) Get(spanID string) (Entry, bool) {
	index, ok := l.open[spanID]
	if !ok {
		return Entry{}, false
	}
	return l.entries[index], true
}

// Entries returns the full log. The slice is the arena itself; callers
// must not mutate it.
func (l *Log) Entries() []Entry {
	return l.entries
}

// Len returns the entry count.
func (l *Log) Len() int { return len(l.entries) }

// toolSpanID namespaces tool call IDs in the span index so a backend
// tool ID can never collide with a reasoning span ID.
func toolSpanID(toolID string) string { return "tool:" + toolID }

// thinkingSpanID namespaces reasoning span IDs.
func thinkingSpanID(spanID string) string { return "think:" + spanID }

// generatingSpanID is the single growing response-text span per turn.
const generatingSpanID = "generating"

// TodoItem is one item of a TodoWrite tool call, extracted for
// display.
type TodoItem struct {
	Content string `json:"content"`
	Status  string `json:"status"`
}

// parseTodos extracts the todo list from a TodoWrite tool input.
func parseTodos(input json.RawMessage) ([]TodoItem, error) {
	var payload struct {
		Todos []TodoItem `json:"todos"`
	}
	if err := json.Unmarshal(input, &payload); err != nil {
		return nil, fmt.Errorf("activity: parsing TodoWrite input: %w", err)
	}
	return payload.Todos, nil
}
