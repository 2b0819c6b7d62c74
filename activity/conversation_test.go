// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package activity

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/parley-dev/parley/backend"
	"github.com/parley-dev/parley/lib/clock"
)

// recordingSink records enqueues and flushes; Flush can be scripted to
// fail.
type recordingSink struct {
	mu       sync.Mutex
	enqueued []Entry
	flushes  []FlushReason
	flushErr error
}

func (s *recordingSink) Enqueue(_ Key, entry Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enqueued = append(s.enqueued, entry)
}

func (s *recordingSink) Flush(_ context.Context, _ Key, reason FlushReason) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes = append(s.flushes, reason)
	return s.flushErr
}

func (s *recordingSink) flushReasons() []FlushReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]FlushReason{}, s.flushes...)
}

// scriptedFetcher returns scripted messages and counts calls.
type scriptedFetcher struct {
	messages []backend.Message
	err      error
	calls    int
}

func (f *scriptedFetcher) GetMessages(context.Context, string) ([]backend.Message, error) {
	f.calls++
	return f.messages, f.err
}

func newTestConversation(t *testing.T, sink Sink, fetcher MessageFetcher, options ...func(*Config)) (*Conversation, *clock.FakeClock) {
	t.Helper()
	fake := clock.Fake(time.Unix(1700000000, 0))
	config := Config{
		Key:       Key{TenantKey: "C1", ThreadID: "ts1"},
		SessionID: "sess-1",
		Sink:      sink,
		Fetcher:   fetcher,
		Clock:     fake,
	}
	for _, option := range options {
		option(&config)
	}
	conversation, err := NewConversation(config)
	if err != nil {
		t.Fatalf("NewConversation: %v", err)
	}
	return conversation, fake
}

func toolRunning(id, name string, input string) backend.Event {
	return backend.Event{
		Kind:      backend.KindToolState,
		SessionID: "sess-1",
		Tool:      &backend.ToolPayload{ID: id, Name: name, State: backend.ToolStateRunning, Input: json.RawMessage(input)},
	}
}

func toolCompleted(id, output string) backend.Event {
	return backend.Event{
		Kind:      backend.KindToolState,
		SessionID: "sess-1",
		Tool:      &backend.ToolPayload{ID: id, State: backend.ToolStateCompleted, Output: output},
	}
}

func sessionIdle() backend.Event {
	return backend.Event{Kind: backend.KindSessionIdle, SessionID: "sess-1"}
}

// Scenario A: a cleanly completed tool needs no reconciliation.
func TestCompletedToolSealsWithoutFetch(t *testing.T) {
	sink := &recordingSink{}
	fetcher := &scriptedFetcher{}
	conversation, fake := newTestConversation(t, sink, fetcher)
	ctx := context.Background()

	conversation.Apply(ctx, toolRunning("t1", "Bash", `{"command":"ls"}`))
	fake.Advance(3 * time.Second)
	conversation.Apply(ctx, toolCompleted("t1", "done"))
	conversation.Apply(ctx, sessionIdle())

	if fetcher.calls != 0 {
		t.Errorf("reconciliation fetches = %d, want 0", fetcher.calls)
	}
	var toolEntries []Entry
	for _, entry := range conversation.Entries() {
		if entry.ToolID == "t1" {
			toolEntries = append(toolEntries, entry)
		}
	}
	if len(toolEntries) != 1 {
		t.Fatalf("entries for t1 = %d, want exactly 1", len(toolEntries))
	}
	sealed := toolEntries[0]
	if sealed.Kind != EntryToolComplete || sealed.ToolOutput != "done" {
		t.Errorf("sealed entry = %+v", sealed)
	}
	if sealed.Duration != 3*time.Second {
		t.Errorf("Duration = %v, want 3s", sealed.Duration)
	}
	if conversation.Status() != StatusComplete {
		t.Errorf("Status = %q", conversation.Status())
	}
}

// Scenario B: a dropped completion is recovered from the authoritative
// message history with exactly one fetch.
func TestDroppedCompletionIsReconciled(t *testing.T) {
	sink := &recordingSink{}
	fetcher := &scriptedFetcher{
		messages: []backend.Message{
			{Role: "assistant", Parts: []backend.MessagePart{
				{Type: "tool_use", ToolID: "t1", ToolName: "Bash"},
			}},
			{Role: "user", Parts: []backend.MessagePart{
				{Type: "tool_result", ToolID: "t1", Output: "done"},
			}},
		},
	}
	conversation, _ := newTestConversation(t, sink, fetcher)
	ctx := context.Background()

	conversation.Apply(ctx, toolRunning("t1", "Bash", `{}`))
	conversation.Apply(ctx, sessionIdle())

	if fetcher.calls != 1 {
		t.Fatalf("reconciliation fetches = %d, want exactly 1", fetcher.calls)
	}
	var sealed *Entry
	for i, entry := range conversation.Entries() {
		if entry.ToolID == "t1" {
			if sealed != nil {
				t.Fatal("multiple entries for t1")
			}
			sealed = &conversation.Entries()[i]
		}
	}
	if sealed == nil {
		t.Fatal("no entry for t1")
	}
	if sealed.Kind != EntryToolComplete || sealed.ToolOutput != "done" || sealed.InProgress {
		t.Errorf("sealed = %+v", sealed)
	}
	if sealed.Duration < 0 {
		t.Errorf("Duration = %v, want non-negative", sealed.Duration)
	}
}

func TestFailedReconciliationLeavesErrorEntry(t *testing.T) {
	sink := &recordingSink{}
	fetcher := &scriptedFetcher{err: errors.New("backend gone")}
	conversation, _ := newTestConversation(t, sink, fetcher)
	ctx := context.Background()

	conversation.Apply(ctx, toolRunning("t1", "Bash", `{}`))
	conversation.Apply(ctx, sessionIdle())

	var found bool
	for _, entry := range conversation.Entries() {
		if entry.Kind == EntryError && entry.Text == "final response text missing" {
			found = true
		}
	}
	if !found {
		t.Error("missing explicit error entry after failed fetch")
	}
	if conversation.Status() != StatusComplete {
		t.Errorf("Status = %q, want complete (finalization not blocked)", conversation.Status())
	}
}

func TestMissedToolStartAppendsSyntheticEntry(t *testing.T) {
	sink := &recordingSink{}
	conversation, _ := newTestConversation(t, sink, &scriptedFetcher{})
	ctx := context.Background()

	conversation.Apply(ctx, toolCompleted("t9", "output"))

	var entry *Entry
	for i := range conversation.Entries() {
		if conversation.Entries()[i].ToolID == "t9" {
			entry = &conversation.Entries()[i]
		}
	}
	if entry == nil {
		t.Fatal("no synthetic entry")
	}
	if entry.Kind != EntryToolComplete || entry.InProgress {
		t.Errorf("synthetic = %+v", entry)
	}
}

func TestThinkingSpanAccumulatesAndSeals(t *testing.T) {
	sink := &recordingSink{}
	conversation, _ := newTestConversation(t, sink, &scriptedFetcher{})
	ctx := context.Background()

	reasoning := func(kind backend.EventKind, text string) backend.Event {
		return backend.Event{
			Kind:      kind,
			SessionID: "sess-1",
			Reasoning: &backend.ReasoningPayload{SpanID: "r1", Text: text},
		}
	}
	conversation.Apply(ctx, reasoning(backend.KindReasoningStart, ""))
	if conversation.Status() != StatusThinking {
		t.Errorf("Status = %q", conversation.Status())
	}
	conversation.Apply(ctx, reasoning(backend.KindReasoningDelta, "part one, "))
	conversation.Apply(ctx, reasoning(backend.KindReasoningDelta, "part two"))
	conversation.Apply(ctx, reasoning(backend.KindReasoningEnd, ""))

	var thinking *Entry
	for i := range conversation.Entries() {
		if conversation.Entries()[i].Kind == EntryThinking {
			thinking = &conversation.Entries()[i]
		}
	}
	if thinking == nil {
		t.Fatal("no thinking entry")
	}
	if thinking.Text != "part one, part two" {
		t.Errorf("Text = %q", thinking.Text)
	}
	if thinking.InProgress {
		t.Error("thinking span not sealed")
	}
}

func TestTextDeltasGrowSingleGeneratingEntry(t *testing.T) {
	sink := &recordingSink{}
	conversation, _ := newTestConversation(t, sink, &scriptedFetcher{})
	ctx := context.Background()

	delta := func(text string) backend.Event {
		return backend.Event{Kind: backend.KindTextDelta, SessionID: "sess-1", Text: &backend.TextPayload{Delta: text}}
	}
	conversation.Apply(ctx, delta("Hello"))
	conversation.Apply(ctx, delta(", world"))

	count := 0
	var generating Entry
	for _, entry := range conversation.Entries() {
		if entry.Kind == EntryGenerating {
			count++
			generating = entry
		}
	}
	if count != 1 {
		t.Fatalf("generating entries = %d, want 1", count)
	}
	if generating.Text != "Hello, world" {
		t.Errorf("Text = %q", generating.Text)
	}
	if conversation.Status() != StatusGenerating {
		t.Errorf("Status = %q", conversation.Status())
	}
}

func TestLongContentTriggersSynchronousFlush(t *testing.T) {
	sink := &recordingSink{}
	conversation, _ := newTestConversation(t, sink, &scriptedFetcher{},
		func(config *Config) { config.LongContentThreshold = 10 })
	ctx := context.Background()

	grow := func(text string) {
		conversation.Apply(ctx, backend.Event{
			Kind: backend.KindTextDelta, SessionID: "sess-1",
			Text: &backend.TextPayload{Delta: text},
		})
	}
	grow("12345")
	if len(sink.flushReasons()) != 0 {
		t.Fatal("flushed below threshold")
	}
	grow("67890ab") // crosses 10 bytes
	reasons := sink.flushReasons()
	if len(reasons) != 1 || reasons[0] != FlushLongContent {
		t.Fatalf("flushes = %v, want one long_content", reasons)
	}
	grow("x") // just past the last flush mark, below the next threshold
	if len(sink.flushReasons()) != 1 {
		t.Error("flushed again before regrowing past threshold")
	}
}

func TestTodoWriteExtractsTodos(t *testing.T) {
	sink := &recordingSink{}
	conversation, _ := newTestConversation(t, sink, &scriptedFetcher{})
	ctx := context.Background()

	conversation.Apply(ctx, toolRunning("t1", "TodoWrite",
		`{"todos":[{"content":"first","status":"pending"}]}`))

	todos := conversation.Todos()
	if len(todos) != 1 || todos[0].Content != "first" {
		t.Errorf("todos = %+v", todos)
	}
}

func TestSessionLifecycleEvents(t *testing.T) {
	sink := &recordingSink{}
	conversation, _ := newTestConversation(t, sink, &scriptedFetcher{})
	ctx := context.Background()

	conversation.Apply(ctx, backend.Event{
		Kind: backend.KindModeChanged, SessionID: "sess-1",
		Mode: &backend.ModePayload{Mode: "plan"},
	})
	conversation.Apply(ctx, backend.Event{Kind: backend.KindSessionCompacted, SessionID: "sess-1"})
	conversation.Apply(ctx, backend.Event{
		Kind: backend.KindSessionChanged, SessionID: "sess-1",
		Session: &backend.SessionPayload{NewSessionID: "sess-2"},
	})

	if conversation.CustomStatus() != "Compacted" {
		t.Errorf("CustomStatus = %q", conversation.CustomStatus())
	}
	if conversation.SessionID() != "sess-2" {
		t.Errorf("SessionID = %q", conversation.SessionID())
	}

	kinds := make(map[EntryKind]bool)
	for _, entry := range conversation.Entries() {
		kinds[entry.Kind] = true
	}
	if !kinds[EntryModeChanged] || !kinds[EntrySessionChanged] {
		t.Errorf("entry kinds = %v", kinds)
	}
}

func TestEventsForOtherSessionsAreIgnored(t *testing.T) {
	sink := &recordingSink{}
	conversation, _ := newTestConversation(t, sink, &scriptedFetcher{})
	ctx := context.Background()

	conversation.Apply(ctx, backend.Event{
		Kind: backend.KindTextDelta, SessionID: "someone-else",
		Text: &backend.TextPayload{Delta: "not ours"},
	})
	for _, entry := range conversation.Entries() {
		if entry.Kind == EntryGenerating {
			t.Fatal("applied an event for another session")
		}
	}
}

func TestErrorTerminalAppendsErrorEntry(t *testing.T) {
	sink := &recordingSink{}
	conversation, _ := newTestConversation(t, sink, &scriptedFetcher{})
	ctx := context.Background()

	conversation.Apply(ctx, backend.Event{
		Kind: backend.KindSessionError, SessionID: "sess-1",
		Error: &backend.ErrorPayload{Message: "model overloaded"},
	})

	if conversation.Status() != StatusError {
		t.Fatalf("Status = %q", conversation.Status())
	}
	last := conversation.Entries()[len(conversation.Entries())-1]
	if last.Kind != EntryError || last.Text != "model overloaded" {
		t.Errorf("last entry = %+v", last)
	}
}

func TestEventsAfterTerminalAreDropped(t *testing.T) {
	sink := &recordingSink{}
	conversation, _ := newTestConversation(t, sink, &scriptedFetcher{})
	ctx := context.Background()

	conversation.Apply(ctx, sessionIdle())
	before := len(conversation.Entries())
	conversation.Apply(ctx, toolRunning("t1", "Bash", `{}`))
	if len(conversation.Entries()) != before {
		t.Error("event applied after terminal status")
	}
}

// P3: cleanup runs regardless of side-effect failures, in every
// combination of persistence and chat-update outcomes.
func TestFinalizationSurvivesSideEffectFailures(t *testing.T) {
	cases := []struct {
		name       string
		persistErr error
		flushErr   error
	}{
		{"both succeed", nil, nil},
		{"persistence fails", errors.New("db locked"), nil},
		{"flush fails", nil, errors.New("rate limited")},
		{"both fail", errors.New("db locked"), errors.New("rate limited")},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			tracker := NewTracker()
			manager := NewManager(tracker)
			sink := &recordingSink{flushErr: c.flushErr}

			key := Key{TenantKey: "C1", ThreadID: "ts1"}
			conversation, err := manager.Begin(Config{
				Key:       key,
				SessionID: "sess-1",
				Sink:      sink,
				Fetcher:   &scriptedFetcher{},
				OnFinalize: []func(context.Context) error{
					func(context.Context) error { return c.persistErr },
				},
				Clock: clock.Fake(time.Unix(0, 0)),
			})
			if err != nil {
				t.Fatalf("Begin: %v", err)
			}

			conversation.Apply(context.Background(), sessionIdle())
			select {
			case <-conversation.Done():
			default:
				t.Fatal("Done not closed after terminal event")
			}
			manager.Finish(key)

			if tracker.Busy(key) {
				t.Fatal("busy flag still set after finalization")
			}
			if !tracker.StartProcessing(key) {
				t.Fatal("next prompt rejected after finalization")
			}
		})
	}
}

func TestManagerEnforcesSingleConversationPerKey(t *testing.T) {
	manager := NewManager(NewTracker())
	key := Key{TenantKey: "C1"}
	config := Config{
		Key:       key,
		SessionID: "sess-1",
		Sink:      &recordingSink{},
		Fetcher:   &scriptedFetcher{},
		Clock:     clock.Fake(time.Unix(0, 0)),
	}
	if _, err := manager.Begin(config); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := manager.Begin(config); err == nil {
		t.Fatal("second Begin accepted while busy")
	}
	manager.Finish(key)
	if _, err := manager.Begin(config); err != nil {
		t.Fatalf("Begin after Finish: %v", err)
	}
}

func TestCompleteFlushIssuedExactlyOnce(t *testing.T) {
	sink := &recordingSink{}
	conversation, _ := newTestConversation(t, sink, &scriptedFetcher{})
	conversation.Apply(context.Background(), sessionIdle())

	completes := 0
	for _, reason := range sink.flushReasons() {
		if reason == FlushComplete {
			completes++
		}
	}
	if completes != 1 {
		t.Errorf("complete flushes = %d, want exactly 1", completes)
	}
}
