// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/parley-dev/parley/activity"
	"github.com/parley-dev/parley/backend"
	"github.com/parley-dev/parley/eventmux"
	"github.com/parley-dev/parley/lib/clock"
	"github.com/parley-dev/parley/publish"
	"github.com/parley-dev/parley/store"
)

// Prompt is one inbound chat message to run against a backend session.
type Prompt struct {
	ChannelID string `json:"channel_id"`
	ThreadID  string `json:"thread_id,omitempty"`
	Text      string `json:"text"`

	// Model and Mode optionally override the session defaults for this
	// prompt.
	Model string `json:"model,omitempty"`
	Mode  string `json:"mode,omitempty"`
}

// DispatcherConfig wires a Dispatcher.
type DispatcherConfig struct {
	Pool    *backend.Pool
	Mux     *eventmux.Mux
	Manager *activity.Manager
	Batcher *publish.Batcher

	// Store is optional; nil disables persistence side effects.
	Store *store.Store

	// BaseContext bounds the lifetime of every turn: the bridge's run
	// context, cancelled only at shutdown. HTTP request contexts must
	// not leak into a turn, because net/http cancels them the moment
	// the handler returns. Nil means context.Background.
	BaseContext context.Context

	// LongContentThreshold is handed to each conversation.
	LongContentThreshold int

	Clock  clock.Clock
	Logger *slog.Logger
}

// Dispatcher turns an inbound prompt into one running conversation:
// claim the busy flag, resolve a backend and session, subscribe to the
// event stream, dispatch the prompt, and drive the aggregator until
// its terminal event. One goroutine per conversation.
type Dispatcher struct {
	pool      *backend.Pool
	mux       *eventmux.Mux
	manager   *activity.Manager
	batcher   *publish.Batcher
	store     *store.Store
	baseCtx   context.Context
	threshold int
	models    *modelCache
	clock     clock.Clock
	logger    *slog.Logger

	wg sync.WaitGroup
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(config DispatcherConfig) *Dispatcher {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.BaseContext == nil {
		config.BaseContext = context.Background()
	}
	return &Dispatcher{
		pool:      config.Pool,
		mux:       config.Mux,
		manager:   config.Manager,
		batcher:   config.Batcher,
		store:     config.Store,
		baseCtx:   config.BaseContext,
		threshold: config.LongContentThreshold,
		models:    newModelCache(5*time.Minute, config.Clock),
		clock:     config.Clock,
		logger:    config.Logger,
	}
}

// Models returns the backend model list for the channel's backend,
// served from a bridge-wide TTL cache.
func (d *Dispatcher) Models(ctx context.Context, channelID string) ([]backend.ModelInfo, error) {
	return d.models.Get(ctx, func(ctx context.Context) ([]backend.ModelInfo, error) {
		handle, err := d.pool.GetOrCreate(ctx, channelID)
		if err != nil {
			return nil, fmt.Errorf("models %s: %w", channelID, err)
		}
		return handle.Client().ListModels(ctx)
	})
}

// Dispatch starts processing a prompt. It returns once the backend has
// accepted the prompt; the turn itself runs in a background goroutine
// until the conversation's terminal event. activity.ErrBusy means the
// conversation is mid-turn and the caller should reject the message.
func (d *Dispatcher) Dispatch(ctx context.Context, prompt Prompt) error {
	if prompt.ChannelID == "" || prompt.Text == "" {
		return fmt.Errorf("dispatch: channel_id and text are required")
	}
	key := activity.Key{TenantKey: prompt.ChannelID, ThreadID: prompt.ThreadID}
	startedAt := d.clock.Now()

	handle, err := d.pool.GetOrCreate(ctx, key.TenantKey)
	if err != nil {
		return fmt.Errorf("dispatch %s: %w", key, err)
	}
	handle.Touch(startedAt)
	client := handle.Client()

	sessionID, err := d.resolveSession(ctx, key, client, prompt)
	if err != nil {
		return fmt.Errorf("dispatch %s: %w", key, err)
	}

	conversation, err := d.manager.Begin(activity.Config{
		Key:                  key,
		SessionID:            sessionID,
		Sink:                 d.batcher,
		Fetcher:              client,
		LongContentThreshold: d.threshold,
		OnFinalize:           d.finalizeHooks(key, sessionID, startedAt),
		Clock:                d.clock,
		Logger:               d.logger,
	})
	if err != nil {
		return err
	}

	// The request context covers only the synchronous setup above; the
	// turn itself outlives the HTTP handler and runs on the bridge's
	// context, cancelled only at shutdown.
	turnCtx := d.baseCtx
	untrack := d.batcher.Track(turnCtx, key, conversation, publish.Target{
		ChannelID: prompt.ChannelID,
		ThreadID:  prompt.ThreadID,
	})
	unsubscribe := d.mux.Subscribe(key.TenantKey, func(event backend.Event) {
		conversation.Apply(turnCtx, event)
	})

	parts := []backend.PromptPart{{Type: "text", Text: prompt.Text}}
	options := backend.PromptOptions{Model: prompt.Model, Mode: prompt.Mode}
	if err := client.PromptAsync(ctx, sessionID, parts, options); err != nil {
		unsubscribe()
		untrack()
		d.manager.Finish(key)
		return fmt.Errorf("dispatch %s: %w", key, err)
	}

	d.wg.Add(1)
	go d.drive(turnCtx, key, conversation, client, unsubscribe, untrack)
	return nil
}

// drive waits out the turn and tears the conversation down. Teardown
// runs unconditionally; persistence failures are logged, never allowed
// to keep the busy flag held.
func (d *Dispatcher) drive(ctx context.Context, key activity.Key, conversation *activity.Conversation, client *backend.Client, unsubscribe, untrack func()) {
	defer d.wg.Done()
	defer d.manager.Finish(key)
	defer untrack()
	defer unsubscribe()

	select {
	case <-conversation.Done():
	case <-ctx.Done():
		// Shutdown mid-turn: ask the backend to abort, then give the
		// terminal event a moment to arrive so the final flush runs.
		abortCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Abort(abortCtx, conversation.SessionID()); err != nil {
			d.logger.Warn("abort on shutdown failed", "conversation", key.String(), "error", err)
		}
		select {
		case <-conversation.Done():
		case <-abortCtx.Done():
			return
		}
	}

	d.persistTurn(key, conversation)
}

// persistTurn records the finished turn's artifacts: surface message
// mapping, a rotated session ID if the backend switched sessions, and
// the compressed transcript.
func (d *Dispatcher) persistTurn(key activity.Key, conversation *activity.Conversation) {
	if d.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if ids := d.batcher.MessageIDs(key); len(ids) > 0 {
		if err := d.store.RecordMessageIDs(ctx, key, ids); err != nil {
			d.logger.Warn("recording message ids failed", "conversation", key.String(), "error", err)
		}
	}
	if err := d.store.SaveSession(ctx, store.SessionRecord{
		Key:       key,
		SessionID: conversation.SessionID(),
	}); err != nil {
		d.logger.Warn("saving session failed", "conversation", key.String(), "error", err)
	}
	if err := d.store.ArchiveTranscript(ctx, key, conversation.SessionID(), conversation.Entries()); err != nil {
		d.logger.Warn("archiving transcript failed", "conversation", key.String(), "error", err)
	}
}

// resolveSession reuses the conversation's persisted backend session or
// creates a fresh one.
func (d *Dispatcher) resolveSession(ctx context.Context, key activity.Key, client *backend.Client, prompt Prompt) (string, error) {
	if d.store != nil {
		record, found, err := d.store.LookupSession(ctx, key)
		if err != nil {
			d.logger.Warn("session lookup failed", "conversation", key.String(), "error", err)
		} else if found {
			return record.SessionID, nil
		}
	}

	info, err := client.CreateSession(ctx, backend.CreateSessionRequest{
		Model: prompt.Model,
		Mode:  prompt.Mode,
	})
	if err != nil {
		return "", fmt.Errorf("creating session: %w", err)
	}
	if d.store != nil {
		if err := d.store.SaveSession(ctx, store.SessionRecord{
			Key:       key,
			SessionID: info.SessionID,
			Mode:      info.Mode,
			Model:     info.Model,
		}); err != nil {
			d.logger.Warn("saving session failed", "conversation", key.String(), "error", err)
		}
	}
	return info.SessionID, nil
}

// finalizeHooks are the side effects the aggregator runs at terminal
// transition, before its final flush. All best-effort.
func (d *Dispatcher) finalizeHooks(key activity.Key, sessionID string, startedAt time.Time) []func(context.Context) error {
	if d.store == nil {
		return nil
	}
	return []func(context.Context) error{
		func(ctx context.Context) error {
			return d.store.RecordUsage(ctx, store.UsageRecord{
				Key:       key,
				SessionID: sessionID,
				Duration:  d.clock.Now().Sub(startedAt),
			})
		},
	}
}

// Abort interrupts the conversation's in-flight turn, if any.
func (d *Dispatcher) Abort(ctx context.Context, channelID, threadID string) error {
	key := activity.Key{TenantKey: channelID, ThreadID: threadID}
	conversation, ok := d.manager.Lookup(key)
	if !ok {
		return fmt.Errorf("abort %s: no turn in flight", key)
	}
	handle, ok := d.pool.Lookup(key.TenantKey)
	if !ok {
		return fmt.Errorf("abort %s: no backend attached", key)
	}
	return handle.Client().Abort(ctx, conversation.SessionID())
}

// Release detaches the channel from its backend and deletes every
// persisted session mapping under it, thread sessions included. The
// backend itself ages out through idle eviction once no tenants remain.
func (d *Dispatcher) Release(ctx context.Context, channelID string) error {
	if d.store != nil {
		records, err := d.store.SessionsForTenant(ctx, channelID)
		if err != nil {
			return fmt.Errorf("release %s: %w", channelID, err)
		}
		if handle, ok := d.pool.Lookup(channelID); ok {
			client := handle.Client()
			for _, record := range records {
				if err := client.DeleteSession(ctx, record.SessionID); err != nil {
					d.logger.Warn("deleting backend session failed",
						"channel", channelID, "session", record.SessionID, "error", err)
				}
			}
		}
		if err := d.store.DeleteTenantSessions(ctx, channelID); err != nil {
			return fmt.Errorf("release %s: %w", channelID, err)
		}
	}
	d.pool.Detach(channelID)
	return nil
}

// Wait blocks until every in-flight conversation goroutine has
// finished. Called during shutdown after the context is cancelled.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
