// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/parley-dev/parley/activity"
	"github.com/parley-dev/parley/backend"
	"github.com/parley-dev/parley/chat"
	"github.com/parley-dev/parley/eventmux"
	"github.com/parley-dev/parley/lib/clock"
	"github.com/parley-dev/parley/lib/retry"
	"github.com/parley-dev/parley/lib/testutil"
	"github.com/parley-dev/parley/publish"
)

// fakeBackend is an in-process backend control API recording the calls
// the dispatcher makes against it.
type fakeBackend struct {
	server *httptest.Server

	mu      sync.Mutex
	prompts int
	aborts  int
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	f := &fakeBackend{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sessions", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"session_id": "s1"})
	})
	mux.HandleFunc("POST /v1/sessions/{id}/prompt", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.prompts++
		f.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("POST /v1/sessions/{id}/abort", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.aborts++
		f.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("GET /v1/sessions/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"messages": []any{}})
	})
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeBackend) promptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prompts
}

func (f *fakeBackend) abortCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.aborts
}

// stubLauncher hands the pool a pre-started backend endpoint.
type stubLauncher struct{ endpoint string }

func (l *stubLauncher) Launch(context.Context, string) (backend.Runtime, error) {
	return &stubRuntime{endpoint: l.endpoint}, nil
}

type stubRuntime struct{ endpoint string }

func (r *stubRuntime) Endpoint() string                  { return r.endpoint }
func (r *stubRuntime) HealthCheck(context.Context) error { return nil }
func (r *stubRuntime) Restart(context.Context) error     { return nil }
func (r *stubRuntime) Stop() error                       { return nil }

// recordSurface records every publish call's text.
type recordSurface struct {
	mu    sync.Mutex
	texts []string
}

func (s *recordSurface) PostMessage(_ context.Context, _, _ string, text string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
	return "m1", nil
}

func (s *recordSurface) UpdateMessage(_ context.Context, _, _ string, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
	return nil
}

func (s *recordSurface) UploadAttachment(context.Context, string, string, string, []byte) error {
	return nil
}

func (s *recordSurface) recorded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.texts...)
}

type kindRenderer struct{}

func (kindRenderer) Render(snapshot chat.Snapshot) (string, error) {
	var kinds []string
	for _, entry := range snapshot.Entries {
		kinds = append(kinds, string(entry.Kind))
	}
	return strings.Join(kinds, " "), nil
}

func newTestDispatcher(t *testing.T, fb *fakeBackend) (*Dispatcher, *recordSurface, chan backend.Event, *activity.Manager) {
	t.Helper()
	clk := clock.Fake(time.Unix(1700000000, 0))

	pool, err := backend.NewPool(backend.PoolConfig{
		Launcher: &stubLauncher{endpoint: fb.server.URL},
		Clock:    clk,
	})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	t.Cleanup(pool.ShutdownAll)

	events := make(chan backend.Event)
	mux, err := eventmux.New(eventmux.Config{
		Endpoint: func(string) (string, error) { return fb.server.URL, nil },
		Backoff:  retry.Policy{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		ReadStream: func(ctx context.Context, _ *http.Client, _ string, deliver func(backend.Event)) error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case event := <-events:
					deliver(event)
				}
			}
		},
		Clock: clk,
	})
	if err != nil {
		t.Fatalf("eventmux.New: %v", err)
	}
	t.Cleanup(mux.CloseAll)

	surface := &recordSurface{}
	batcher, err := publish.NewBatcher(publish.Config{
		Surface:  surface,
		Renderer: kindRenderer{},
		Clock:    clk,
	})
	if err != nil {
		t.Fatalf("NewBatcher: %v", err)
	}

	manager := activity.NewManager(activity.NewTracker())
	dispatcher := NewDispatcher(DispatcherConfig{
		Pool:        pool,
		Mux:         mux,
		Manager:     manager,
		Batcher:     batcher,
		BaseContext: context.Background(),
		Clock:       clk,
	})
	return dispatcher, surface, events, manager
}

// A turn must outlive the HTTP request that started it: the handler
// returns 202 and its request context dies immediately, yet the backend
// sees no abort, the events drive the conversation to its terminal, the
// final flush reaches the surface, and the busy flag is released.
func TestDispatchDrivesTurnToCompletion(t *testing.T) {
	fb := newFakeBackend(t)
	dispatcher, surface, events, manager := newTestDispatcher(t, fb)
	key := activity.Key{TenantKey: "C1", ThreadID: "ts1"}
	prompt := Prompt{ChannelID: "C1", ThreadID: "ts1", Text: "hello"}

	requestCtx, cancelRequest := context.WithCancel(context.Background())
	if err := dispatcher.Dispatch(requestCtx, prompt); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	cancelRequest()

	if _, ok := manager.Lookup(key); !ok {
		t.Fatal("no conversation in flight after Dispatch")
	}
	if err := dispatcher.Dispatch(context.Background(), prompt); !errors.Is(err, activity.ErrBusy) {
		t.Fatalf("second dispatch mid-turn = %v, want ErrBusy", err)
	}

	send := func(event backend.Event) {
		testutil.RequireSend(t, events, event, 5*time.Second, "event delivery")
	}
	send(backend.Event{Kind: backend.KindToolState, SessionID: "s1",
		Tool: &backend.ToolPayload{ID: "t1", Name: "Bash", State: backend.ToolStateRunning}})
	send(backend.Event{Kind: backend.KindToolState, SessionID: "s1",
		Tool: &backend.ToolPayload{ID: "t1", State: backend.ToolStateCompleted, Output: "done"}})
	send(backend.Event{Kind: backend.KindTextDelta, SessionID: "s1",
		Text: &backend.TextPayload{Delta: "answer"}})
	send(backend.Event{Kind: backend.KindSessionIdle, SessionID: "s1"})

	dispatcher.Wait()

	if got := fb.abortCount(); got != 0 {
		t.Errorf("backend abort called %d times during a normal turn", got)
	}
	if got := fb.promptCount(); got != 1 {
		t.Errorf("prompts dispatched = %d, want 1", got)
	}
	posts := surface.recorded()
	if len(posts) == 0 {
		t.Fatal("final flush never reached the surface")
	}
	final := posts[len(posts)-1]
	if !strings.Contains(final, string(activity.EntryGenerating)) {
		t.Errorf("final message missing the generated text entry: %q", final)
	}
	if _, ok := manager.Lookup(key); ok {
		t.Error("conversation state survives finalization")
	}

	// The busy flag is released: the next prompt is accepted and runs.
	if err := dispatcher.Dispatch(context.Background(), prompt); err != nil {
		t.Fatalf("dispatch after completion: %v", err)
	}
	send(backend.Event{Kind: backend.KindSessionIdle, SessionID: "s1"})
	dispatcher.Wait()
	if got := fb.promptCount(); got != 2 {
		t.Errorf("prompts dispatched = %d, want 2", got)
	}
}
