// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package publish

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/parley-dev/parley/activity"
	"github.com/parley-dev/parley/chat"
	"github.com/parley-dev/parley/lib/clock"
)

// ConversationView exposes the rendering state the batcher needs beyond
// the entries themselves. activity.Conversation satisfies it.
type ConversationView interface {
	Status() activity.Status
	CustomStatus() string
	Todos() []activity.TodoItem
}

// Target addresses the chat destination for one conversation.
type Target struct {
	ChannelID string
	ThreadID  string
}

// Config configures a Batcher.
type Config struct {
	// Surface posts and edits messages. Required.
	Surface chat.Surface

	// Renderer turns snapshots into surface text. Required.
	Renderer chat.Renderer

	// FlushInterval is the periodic flush cadence while a conversation
	// is tracked. Zero disables the timer; flushes then happen only on
	// long-content and complete triggers.
	FlushInterval time.Duration

	// SegmentLimit is the rendered byte size past which the batcher
	// posts a new message instead of editing the current one. Zero
	// means no rollover.
	SegmentLimit int

	// Clock drives the flush timer. Nil means the real clock.
	Clock clock.Clock

	// Logger receives publish logs. Nil means slog.Default.
	Logger *slog.Logger
}

// segment is one posted chat message and the entries rendered into it.
type segment struct {
	messageID string
	entries   []activity.Entry
	index     map[string]int
}

func newSegment() *segment {
	return &segment{index: make(map[string]int)}
}

// merge folds entries into the segment, superseding by span ID.
func (s *segment) merge(entries []activity.Entry) {
	for _, entry := range entries {
		if entry.SpanID != "" {
			if i, ok := s.index[entry.SpanID]; ok {
				s.entries[i] = entry
				continue
			}
			s.index[entry.SpanID] = len(s.entries)
		}
		s.entries = append(s.entries, entry)
	}
}

// conversationState is the batcher's per-conversation bookkeeping,
// guarded by the batcher mutex. Network calls run outside the lock;
// snapshot-then-clear keeps concurrent flushes from overlapping.
type conversationState struct {
	view   ConversationView
	target Target
	stop   chan struct{}

	pending      []activity.Entry
	pendingIndex map[string]int

	segments []*segment
}

func (s *conversationState) enqueue(entry activity.Entry) {
	if entry.SpanID != "" {
		if i, ok := s.pendingIndex[entry.SpanID]; ok {
			s.pending[i] = entry
			return
		}
		s.pendingIndex[entry.SpanID] = len(s.pending)
	}
	s.pending = append(s.pending, entry)
}

// requeue puts a failed snapshot back at the head of pending. Entries
// enqueued during the failed call stay behind it, and an entry that was
// superseded in the meantime is dropped in favor of the newer value.
func (s *conversationState) requeue(snapshot []activity.Entry) {
	current := s.pending
	s.pending = nil
	s.pendingIndex = make(map[string]int)
	for _, entry := range snapshot {
		if entry.SpanID != "" {
			if spanPresent(current, entry.SpanID) {
				continue
			}
		}
		s.enqueue(entry)
	}
	for _, entry := range current {
		s.enqueue(entry)
	}
}

func spanPresent(entries []activity.Entry, spanID string) bool {
	for _, entry := range entries {
		if entry.SpanID == spanID {
			return true
		}
	}
	return false
}

func (s *conversationState) currentSegment() *segment {
	if len(s.segments) == 0 {
		s.segments = append(s.segments, newSegment())
	}
	return s.segments[len(s.segments)-1]
}

// Batcher buffers activity entries per conversation and publishes them
// to the chat surface in batches. It implements activity.Sink.
type Batcher struct {
	surface       chat.Surface
	renderer      chat.Renderer
	flushInterval time.Duration
	segmentLimit  int
	clock         clock.Clock
	logger        *slog.Logger

	mu     sync.Mutex
	states map[activity.Key]*conversationState
}

// NewBatcher creates a Batcher.
func NewBatcher(config Config) (*Batcher, error) {
	if config.Surface == nil {
		return nil, fmt.Errorf("publish: batcher requires a surface")
	}
	if config.Renderer == nil {
		return nil, fmt.Errorf("publish: batcher requires a renderer")
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Batcher{
		surface:       config.Surface,
		renderer:      config.Renderer,
		flushInterval: config.FlushInterval,
		segmentLimit:  config.SegmentLimit,
		clock:         config.Clock,
		logger:        config.Logger,
		states:        make(map[activity.Key]*conversationState),
	}, nil
}

// stateLocked returns the key's state, creating it if needed. Entries
// can be enqueued before Track attaches the view and target.
func (b *Batcher) stateLocked(key activity.Key) *conversationState {
	if s, ok := b.states[key]; ok {
		return s
	}
	s := &conversationState{pendingIndex: make(map[string]int)}
	b.states[key] = s
	return s
}

// Track attaches the conversation's view and chat target and starts the
// periodic flush timer. The returned function stops the timer and
// discards the conversation's publish state; call it after the final
// complete flush.
func (b *Batcher) Track(ctx context.Context, key activity.Key, view ConversationView, target Target) func() {
	b.mu.Lock()
	s := b.stateLocked(key)
	s.view = view
	s.target = target
	s.stop = make(chan struct{})
	stop := s.stop
	b.mu.Unlock()

	if b.flushInterval > 0 {
		go b.timerLoop(ctx, key, stop)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			b.mu.Lock()
			delete(b.states, key)
			b.mu.Unlock()
		})
	}
}

func (b *Batcher) timerLoop(ctx context.Context, key activity.Key, stop <-chan struct{}) {
	ticker := b.clock.NewTicker(b.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if err := b.Flush(ctx, key, activity.FlushTimer); err != nil {
				b.logger.Warn("timer flush failed",
					"conversation", key.String(), "error", err)
			}
		}
	}
}

// Enqueue implements activity.Sink. A later entry with the same span ID
// supersedes the pending one, so only the newest value of a growing
// span reaches the surface.
func (b *Batcher) Enqueue(key activity.Key, entry activity.Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stateLocked(key).enqueue(entry)
}

// Flush implements activity.Sink. The pending set is snapshotted and
// cleared before the network call, so a concurrent flush sees only
// entries enqueued after this snapshot. The snapshot is merged into the
// current segment's entries and the segment message is posted or
// updated in place; on failure the snapshot goes back onto pending in
// original order.
func (b *Batcher) Flush(ctx context.Context, key activity.Key, reason activity.FlushReason) error {
	b.mu.Lock()
	s, ok := b.states[key]
	if !ok || s.view == nil {
		b.mu.Unlock()
		return fmt.Errorf("publish: conversation %s is not tracked", key)
	}

	snapshot := s.pending
	s.pending = nil
	s.pendingIndex = make(map[string]int)

	// A complete flush with nothing pending still re-renders, so the
	// final message drops its in-progress status line.
	if len(snapshot) == 0 && reason != activity.FlushComplete {
		b.mu.Unlock()
		return nil
	}

	view, target := s.view, s.target
	seg := s.currentSegment()
	updateID := seg.messageID
	committed := append([]activity.Entry{}, seg.entries...)
	b.mu.Unlock()

	trial := newSegment()
	trial.merge(committed)
	trial.merge(snapshot)
	text, err := b.render(view, trial.entries)
	if err != nil {
		b.restore(s, snapshot)
		return fmt.Errorf("rendering conversation %s: %w", key, err)
	}

	// Rollover: an oversized edit becomes a fresh message carrying only
	// the new entries; the old message keeps its last rendered text.
	rollover := updateID != "" && b.segmentLimit > 0 && len(text) > b.segmentLimit
	if rollover {
		trial = newSegment()
		trial.merge(snapshot)
		text, err = b.render(view, trial.entries)
		if err != nil {
			b.restore(s, snapshot)
			return fmt.Errorf("rendering conversation %s: %w", key, err)
		}
		updateID = ""
	}

	var messageID string
	if updateID == "" {
		messageID, err = b.surface.PostMessage(ctx, target.ChannelID, target.ThreadID, text)
	} else {
		messageID = updateID
		err = b.surface.UpdateMessage(ctx, target.ChannelID, updateID, text)
	}
	if err != nil {
		b.restore(s, snapshot)
		return fmt.Errorf("publishing conversation %s: %w", key, err)
	}

	b.mu.Lock()
	current := s.currentSegment()
	switch {
	case rollover, current.messageID != "" && current.messageID != messageID:
		// Either a deliberate rollover, or a concurrent flush posted
		// the segment's first message while ours was in flight. Both
		// become a new segment.
		trial.messageID = messageID
		s.segments = append(s.segments, trial)
	default:
		// Merge this snapshot into the live segment instead of
		// replacing it: a concurrent flush may have committed entries
		// here after our committed copy was taken, and those must
		// survive. The next render publishes the union.
		current.messageID = messageID
		current.merge(snapshot)
	}
	segmentCount := len(s.segments)
	b.mu.Unlock()

	b.logger.Debug("published batch",
		"conversation", key.String(),
		"reason", string(reason),
		"entries", len(snapshot),
		"segment", segmentCount,
	)
	return nil
}

func (b *Batcher) render(view ConversationView, entries []activity.Entry) (string, error) {
	return b.renderer.Render(chat.Snapshot{
		Status:       view.Status(),
		CustomStatus: view.CustomStatus(),
		Entries:      entries,
		Todos:        view.Todos(),
	})
}

func (b *Batcher) restore(s *conversationState, snapshot []activity.Entry) {
	b.mu.Lock()
	s.requeue(snapshot)
	b.mu.Unlock()
}

// MessageIDs returns the surface message IDs posted for the
// conversation, oldest first. Used at finalization to persist the
// conversation-to-message mapping.
func (b *Batcher) MessageIDs(key activity.Key) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.states[key]
	if !ok {
		return nil
	}
	var ids []string
	for _, seg := range s.segments {
		if seg.messageID != "" {
			ids = append(ids, seg.messageID)
		}
	}
	return ids
}
