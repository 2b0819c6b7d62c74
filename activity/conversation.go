// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package activity

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/parley-dev/parley/backend"
	"github.com/parley-dev/parley/lib/clock"
)

// Status is the conversation's coarse state, for rendering.
type Status string

const (
	StatusStarting   Status = "starting"
	StatusThinking   Status = "thinking"
	StatusTool       Status = "tool"
	StatusGenerating Status = "generating"
	StatusComplete   Status = "complete"
	StatusError      Status = "error"
	StatusAborted    Status = "aborted"
)

// Terminal reports whether the status ends the conversation's turn.
func (s Status) Terminal() bool {
	switch s {
	case StatusComplete, StatusError, StatusAborted:
		return true
	}
	return false
}

// FlushReason tags why a flush was requested.
type FlushReason string

const (
	// FlushTimer is the periodic flush while a turn is running.
	FlushTimer FlushReason = "timer"

	// FlushLongContent is the synchronous flush issued when a single
	// growing entry exceeds the size threshold.
	FlushLongContent FlushReason = "long_content"

	// FlushComplete is the final flush at conversation finalization.
	FlushComplete FlushReason = "complete"
)

// Sink receives the aggregator's output. The batch publisher
// implements it; enqueued entries are copies and later enqueues with
// the same span ID supersede pending ones.
type Sink interface {
	// Enqueue buffers one entry snapshot for publishing.
	Enqueue(key Key, entry Entry)

	// Flush publishes pending entries now. Errors are the sink's to
	// absorb; the aggregator treats Flush as best-effort.
	Flush(ctx context.Context, key Key, reason FlushReason) error
}

// MessageFetcher is the authoritative message-history source used for
// event-gap reconciliation. backend.Client satisfies it.
type MessageFetcher interface {
	GetMessages(ctx context.Context, sessionID string) ([]backend.Message, error)
}

// Config configures a Conversation.
type Config struct {
	// Key identifies the conversation.
	Key Key

	// SessionID is the backend session the conversation drives.
	SessionID string

	// Sink receives entries and flush triggers. Required.
	Sink Sink

	// Fetcher performs the reconciliation fetch. Required.
	Fetcher MessageFetcher

	// LongContentThreshold triggers a synchronous flush when a single
	// growing entry gains this many bytes since its last flush. Zero
	// disables the trigger.
	LongContentThreshold int

	// OnFinalize hooks run at finalization, in order, best-effort:
	// a failing hook is logged and the rest still run.
	OnFinalize []func(ctx context.Context) error

	// Clock supplies entry timestamps. Nil means the real clock.
	Clock clock.Clock

	// Logger receives aggregation logs. Nil means slog.Default.
	Logger *slog.Logger
}

// Conversation aggregates one conversation's activity. Not safe for
// concurrent use: the caller applies events strictly in arrival order
// from a single goroutine.
type Conversation struct {
	key       Key
	sessionID string
	sink      Sink
	fetcher   MessageFetcher
	threshold int
	finalize  []func(ctx context.Context) error
	clock     clock.Clock
	logger    *slog.Logger

	log          *Log
	status       Status
	customStatus string
	todos        []TodoItem

	// longFlushed tracks how much of each growing span was already
	// covered by a long_content flush.
	longFlushed map[string]int

	done chan struct{}
}

// NewConversation creates the conversation in the starting state and
// enqueues its first entry. The caller has already claimed the
// conversation's busy flag via [Tracker].
func NewConversation(config Config) (*Conversation, error) {
	if config.Sink == nil {
		return nil, fmt.Errorf("activity: conversation requires a sink")
	}
	if config.Fetcher == nil {
		return nil, fmt.Errorf("activity: conversation requires a message fetcher")
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	conversation := &Conversation{
		key:         config.Key,
		sessionID:   config.SessionID,
		sink:        config.Sink,
		fetcher:     config.Fetcher,
		threshold:   config.LongContentThreshold,
		finalize:    config.OnFinalize,
		clock:       config.Clock,
		logger:      config.Logger.With("conversation", config.Key.String()),
		log:         NewLog(),
		status:      StatusStarting,
		longFlushed: make(map[string]int),
		done:        make(chan struct{}),
	}

	entry := Entry{Timestamp: conversation.clock.Now(), Kind: EntryStarting}
	conversation.log.Append(entry)
	conversation.sink.Enqueue(conversation.key, entry)
	return conversation, nil
}

// Key returns the conversation key.
func (c *Conversation) Key() Key { return c.key }

// SessionID returns the current backend session identifier, which may
// rotate mid-conversation via session.changed events.
func (c *Conversation) SessionID() string { return c.sessionID }

// Status returns the coarse status.
func (c *Conversation) Status() Status { return c.status }

// CustomStatus returns the free-form status label (e.g. "Compacted"),
// empty when unset.
func (c *Conversation) CustomStatus() string { return c.customStatus }

// Todos returns the most recent TodoWrite list.
func (c *Conversation) Todos() []TodoItem { return c.todos }

// Entries returns the activity log.
func (c *Conversation) Entries() []Entry { return c.log.Entries() }

// Done is closed when the conversation reaches a terminal status.
func (c *Conversation) Done() <-chan struct{} { return c.done }

// Apply processes one stream event. Events for other sessions are
// ignored (a shared backend carries several conversations' sessions on
// one stream).
func (c *Conversation) Apply(ctx context.Context, event backend.Event) {
	if c.status.Terminal() {
		return
	}
	if event.SessionID != "" && event.SessionID != c.sessionID {
		return
	}
	now := event.Timestamp
	if now.IsZero() {
		now = c.clock.Now()
	}

	switch event.Kind {
	case backend.KindReasoningStart:
		c.openThinking(now, event.Reasoning)
	case backend.KindReasoningDelta:
		c.amendThinking(ctx, event.Reasoning)
	case backend.KindReasoningEnd:
		c.sealThinking(event.Reasoning)
	case backend.KindToolState:
		c.applyTool(now, event.Tool)
	case backend.KindTextDelta:
		c.applyTextDelta(ctx, now, event.Text)
	case backend.KindSessionCompacted:
		c.customStatus = "Compacted"
	case backend.KindModeChanged:
		c.appendPoint(Entry{Timestamp: now, Kind: EntryModeChanged, Mode: event.Mode.Mode})
	case backend.KindContextCleared:
		c.appendPoint(Entry{Timestamp: now, Kind: EntryContextCleared})
	case backend.KindSessionChanged:
		c.sessionID = event.Session.NewSessionID
		c.appendPoint(Entry{Timestamp: now, Kind: EntrySessionChanged, SessionID: c.sessionID})
	case backend.KindSessionIdle:
		c.finalizeTurn(ctx, StatusComplete, "")
	case backend.KindSessionError:
		c.finalizeTurn(ctx, StatusError, event.Error.Message)
	case backend.KindSessionAborted:
		c.finalizeTurn(ctx, StatusAborted, "")
	}
}

func (c *Conversation) appendPoint(entry Entry) {
	c.log.Append(entry)
	c.sink.Enqueue(c.key, entry)
}

func (c *Conversation) openThinking(now time.Time, payload *backend.ReasoningPayload) {
	c.status = StatusThinking
	entry := Entry{
		Timestamp:  now,
		Kind:       EntryThinking,
		SpanID:     thinkingSpanID(payload.SpanID),
		InProgress: true,
		Text:       payload.Text,
	}
	c.log.Append(entry)
	c.sink.Enqueue(c.key, entry)
}

func (c *Conversation) amendThinking(ctx context.Context, payload *backend.ReasoningPayload) {
	spanID := thinkingSpanID(payload.SpanID)
	if !c.log.Amend(spanID, func(entry *Entry) {
		entry.Text += payload.Text
	}) {
		// Missed the start event; open the span now with what we have.
		c.openThinking(c.clock.Now(), payload)
		return
	}
	c.enqueueSpan(spanID)
	c.maybeFlushLongContent(ctx, spanID)
}

func (c *Conversation) sealThinking(payload *backend.ReasoningPayload) {
	spanID := thinkingSpanID(payload.SpanID)
	if !c.log.Seal(spanID, func(entry *Entry) {
		// The end event may carry the full final text; prefer it over
		// the delta accumulation when present.
		if payload.Text != "" {
			entry.Text = payload.Text
		}
	}) {
		return
	}
	c.enqueueSealed(spanID)
}

func (c *Conversation) applyTool(now time.Time, payload *backend.ToolPayload) {
	spanID := toolSpanID(payload.ID)
	switch payload.State {
	case backend.ToolStateRunning:
		c.status = StatusTool
		entry := Entry{
			Timestamp:  now,
			Kind:       EntryToolStart,
			SpanID:     spanID,
			InProgress: true,
			ToolID:     payload.ID,
			ToolName:   payload.Name,
			ToolInput:  payload.Input,
		}
		c.log.Append(entry)
		c.sink.Enqueue(c.key, entry)

		if payload.Name == "TodoWrite" {
			todos, err := parseTodos(payload.Input)
			if err != nil {
				c.logger.Warn("unparseable TodoWrite input", "error", err)
			} else {
				c.todos = todos
			}
		}

	case backend.ToolStateCompleted, backend.ToolStateError:
		errored := payload.State == backend.ToolStateError
		sealed := c.log.Seal(spanID, func(entry *Entry) {
			entry.Kind = EntryToolComplete
			entry.ToolOutput = payload.Output
			entry.ToolErrored = errored
			entry.Duration = max(now.Sub(entry.Timestamp), 0)
		})
		if !sealed {
			// The start event was dropped: record a synthetic
			// completed-only entry so the log still shows the call.
			c.appendPoint(Entry{
				Timestamp:   now,
				Kind:        EntryToolComplete,
				SpanID:      spanID,
				ToolID:      payload.ID,
				ToolName:    payload.Name,
				ToolOutput:  payload.Output,
				ToolErrored: errored,
			})
			return
		}
		c.enqueueSealed(spanID)
	}
}

func (c *Conversation) applyTextDelta(ctx context.Context, now time.Time, payload *backend.TextPayload) {
	c.status = StatusGenerating
	if !c.log.Amend(generatingSpanID, func(entry *Entry) {
		entry.Text += payload.Delta
	}) {
		entry := Entry{
			Timestamp:  now,
			Kind:       EntryGenerating,
			SpanID:     generatingSpanID,
			InProgress: true,
			Text:       payload.Delta,
		}
		c.log.Append(entry)
		c.sink.Enqueue(c.key, entry)
		return
	}
	c.enqueueSpan(generatingSpanID)
	c.maybeFlushLongContent(ctx, generatingSpanID)
}

// enqueueSpan pushes the open span's current value to the sink.
func (c *Conversation) enqueueSpan(spanID string) {
	if entry, ok := c.log.Get(spanID); ok {
		c.sink.Enqueue(c.key, entry)
	}
}

// enqueueSealed pushes the just-sealed span's final value. Seal
// removed it from the open index, so scan by identity.
func (c *Conversation) enqueueSealed(spanID string) {
	entries := c.log.Entries()
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].SpanID == spanID {
			c.sink.Enqueue(c.key, entries[i])
			return
		}
	}
}

// maybeFlushLongContent triggers a synchronous flush when the span has
// grown past the threshold since its last long-content flush, so one
// oversized in-place edit never reaches the chat surface.
func (c *Conversation) maybeFlushLongContent(ctx context.Context, spanID string) {
	if c.threshold <= 0 {
		return
	}
	entry, ok := c.log.Get(spanID)
	if !ok {
		return
	}
	if len(entry.Text)-c.longFlushed[spanID] < c.threshold {
		return
	}
	c.longFlushed[spanID] = len(entry.Text)
	if err := c.sink.Flush(ctx, c.key, FlushLongContent); err != nil {
		c.logger.Warn("long-content flush failed", "error", err)
	}
}

// finalizeTurn drives the terminal transition: seal spans, reconcile
// dropped tool completions against the authoritative message history,
// record the terminal entry, run best-effort side effects, and issue
// the final flush. The done channel closes no matter which of those
// steps fail.
func (c *Conversation) finalizeTurn(ctx context.Context, terminal Status, errorMessage string) {
	defer close(c.done)

	// Tool spans still open at terminal time mean their completion
	// events were dropped somewhere between backend and bridge.
	var missedTools []string
	for _, spanID := range c.log.OpenSpans() {
		if entry, ok := c.log.Get(spanID); ok && entry.Kind == EntryToolStart {
			missedTools = append(missedTools, spanID)
		}
	}

	if len(missedTools) > 0 {
		c.reconcile(ctx, missedTools)
	}

	// Seal whatever remains open (thinking, generating, and any tool
	// span reconciliation could not repair).
	for _, spanID := range c.log.OpenSpans() {
		c.log.Seal(spanID, nil)
		c.enqueueSealed(spanID)
	}

	switch terminal {
	case StatusError:
		if errorMessage == "" {
			errorMessage = "session ended with an unspecified error"
		}
		c.appendPoint(Entry{Timestamp: c.clock.Now(), Kind: EntryError, Text: errorMessage})
	case StatusAborted:
		c.appendPoint(Entry{Timestamp: c.clock.Now(), Kind: EntryAborted})
	}
	c.status = terminal

	for _, hook := range c.finalize {
		if err := hook(ctx); err != nil {
			c.logger.Warn("finalization side effect failed", "error", err)
		}
	}

	if err := c.sink.Flush(ctx, c.key, FlushComplete); err != nil {
		c.logger.Warn("final flush failed", "error", err)
	}
}

// reconcile issues the single authoritative message-history fetch and
// repairs unterminated tool spans (and a missing final response) from
// it. A failed or empty fetch leaves an explicit error entry; it never
// blocks finalization.
func (c *Conversation) reconcile(ctx context.Context, missedTools []string) {
	c.logger.Info("reconciling dropped events", "open_tool_spans", len(missedTools))

	messages, err := c.fetcher.GetMessages(ctx, c.sessionID)
	if err != nil || len(messages) == 0 {
		if err != nil {
			c.logger.Warn("reconciliation fetch failed", "error", err)
		}
		c.appendPoint(Entry{
			Timestamp: c.clock.Now(),
			Kind:      EntryError,
			Text:      "final response text missing",
		})
		return
	}

	results := make(map[string]backend.MessagePart)
	var finalText string
	for _, message := range messages {
		for _, part := range message.Parts {
			switch part.Type {
			case "tool_result":
				results[part.ToolID] = part
			case "text":
				if message.Role == "assistant" {
					finalText = part.Text
				}
			}
		}
	}

	now := c.clock.Now()
	for _, spanID := range missedTools {
		entry, ok := c.log.Get(spanID)
		if !ok {
			continue
		}
		part, recovered := results[entry.ToolID]
		if !recovered {
			continue
		}
		c.log.Seal(spanID, func(entry *Entry) {
			entry.Kind = EntryToolComplete
			entry.ToolOutput = part.Output
			entry.ToolErrored = part.IsError
			entry.Duration = max(now.Sub(entry.Timestamp), 0)
		})
		c.enqueueSealed(spanID)
	}

	// If the stream also lost the response text, substitute the
	// authoritative version.
	if _, generating := c.log.Get(generatingSpanID); !generating && finalText != "" && !c.hasGeneratedText() {
		c.appendPoint(Entry{
			Timestamp: now,
			Kind:      EntryGenerating,
			Text:      finalText,
		})
	}
}

// hasGeneratedText reports whether any generating entry carries text.
func (c *Conversation) hasGeneratedText() bool {
	for _, entry := range c.log.Entries() {
		if entry.Kind == EntryGenerating && entry.Text != "" {
			return true
		}
	}
	return false
}
