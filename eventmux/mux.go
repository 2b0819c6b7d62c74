// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package eventmux

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/parley-dev/parley/backend"
	"github.com/parley-dev/parley/lib/clock"
	"github.com/parley-dev/parley/lib/retry"
)

// Config configures a Mux.
type Config struct {
	// Endpoint resolves a tenant's current backend endpoint. Called
	// once per connection attempt so that a backend restart (which
	// may move the port) is picked up on the next reconnect.
	// Required.
	Endpoint func(tenantKey string) (string, error)

	// Backoff bounds the reconnect delays.
	Backoff retry.Policy

	// HTTPClient carries stream connections. Nil uses a client with
	// no timeout (the read is long-lived by design).
	HTTPClient *http.Client

	// ReadStream opens and drains one stream connection. Nil uses
	// backend.ReadStream; tests inject a scripted reader.
	ReadStream func(ctx context.Context, httpClient *http.Client, endpoint string, deliver func(backend.Event)) error

	// Clock paces reconnect backoff. Nil means the real clock.
	Clock clock.Clock

	// Logger receives reconnect and lifecycle logs. Nil means
	// slog.Default.
	Logger *slog.Logger
}

// Mux multiplexes one event-stream subscription per tenant across any
// number of subscribers.
type Mux struct {
	config Config
	clock  clock.Clock
	logger *slog.Logger

	mu    sync.Mutex
	feeds map[string]*feed
}

// feed is one tenant's shared subscription.
type feed struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu          sync.Mutex
	subscribers []subscriber
	nextID      int

	// closed is set under mu before the feed is cancelled. A Subscribe
	// that finds it set lost a race with the teardown and must start a
	// fresh feed instead of attaching to this one.
	closed bool
}

type subscriber struct {
	id       int
	callback func(backend.Event)
}

// New creates a Mux.
func New(config Config) (*Mux, error) {
	if config.Endpoint == nil {
		return nil, fmt.Errorf("eventmux: Endpoint resolver is required")
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}
	if config.ReadStream == nil {
		config.ReadStream = backend.ReadStream
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Mux{
		config: config,
		clock:  config.Clock,
		logger: config.Logger,
		feeds:  make(map[string]*feed),
	}, nil
}

// Subscribe registers callback for the tenant's events and returns an
// unsubscribe function. The first subscriber opens the transport;
// unsubscribing the last one aborts it immediately. Unsubscribe is
// idempotent.
func (m *Mux) Subscribe(tenantKey string, callback func(backend.Event)) func() {
	for {
		m.mu.Lock()
		f, ok := m.feeds[tenantKey]
		if !ok {
			f = &feed{done: make(chan struct{})}
			ctx, cancel := context.WithCancel(context.Background())
			f.cancel = cancel
			m.feeds[tenantKey] = f
			go m.run(ctx, tenantKey, f)
		}

		// Registering under both locks closes the race with the last
		// unsubscriber's teardown: either this callback lands before
		// the subscriber count is judged empty, or the feed is already
		// marked closed and a fresh one is started.
		f.mu.Lock()
		if f.closed {
			f.mu.Unlock()
			if m.feeds[tenantKey] == f {
				delete(m.feeds, tenantKey)
			}
			m.mu.Unlock()
			continue
		}
		id := f.nextID
		f.nextID++
		f.subscribers = append(f.subscribers, subscriber{id: id, callback: callback})
		f.mu.Unlock()
		m.mu.Unlock()

		var once sync.Once
		return func() {
			once.Do(func() { m.unsubscribe(tenantKey, f, id) })
		}
	}
}

// Close tears down the tenant's subscription regardless of remaining
// subscribers. Used when the pool destroys the tenant's entry.
func (m *Mux) Close(tenantKey string) {
	m.mu.Lock()
	f, ok := m.feeds[tenantKey]
	if ok {
		delete(m.feeds, tenantKey)
	}
	m.mu.Unlock()
	if ok {
		f.close()
	}
}

// CloseAll tears down every subscription.
func (m *Mux) CloseAll() {
	m.mu.Lock()
	feeds := m.feeds
	m.feeds = make(map[string]*feed)
	m.mu.Unlock()
	for _, f := range feeds {
		f.close()
	}
}

// close marks the feed dead, cancels its connection loop, and waits for
// the loop to exit.
func (f *feed) close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.cancel()
	<-f.done
}

func (m *Mux) unsubscribe(tenantKey string, f *feed, id int) {
	f.mu.Lock()
	for i, s := range f.subscribers {
		if s.id == id {
			f.subscribers = append(f.subscribers[:i], f.subscribers[i+1:]...)
			break
		}
	}
	if len(f.subscribers) > 0 {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.mu.Unlock()

	m.mu.Lock()
	// Only tear down if this feed is still the registered one; a
	// concurrent Close/resubscribe may have replaced it.
	if m.feeds[tenantKey] == f {
		delete(m.feeds, tenantKey)
	}
	m.mu.Unlock()

	f.cancel()
	<-f.done
}

// run is the feed's connection loop: resolve the endpoint, read the
// stream, and on any termination back off and reconnect. Exits only
// when the feed is cancelled.
func (m *Mux) run(ctx context.Context, tenantKey string, f *feed) {
	defer close(f.done)

	err := retry.Forever(ctx, m.clock, m.config.Backoff, m.logger, "event stream "+tenantKey,
		func(ctx context.Context, reset func()) error {
			endpoint, err := m.config.Endpoint(tenantKey)
			if err != nil {
				return fmt.Errorf("resolving endpoint: %w", err)
			}
			return m.config.ReadStream(ctx, m.config.HTTPClient, endpoint, func(event backend.Event) {
				// Any delivered event proves the connection works;
				// the next disconnect backs off from the base delay.
				reset()
				f.dispatch(event)
			})
		})
	if err != nil && ctx.Err() == nil {
		m.logger.Error("event stream loop exited", "tenant_key", tenantKey, "error", err)
	}
}

// dispatch delivers one event to all subscribers in registration
// order. Errors never propagate to subscribers; they only ever see
// events.
func (f *feed) dispatch(event backend.Event) {
	f.mu.Lock()
	current := make([]subscriber, len(f.subscribers))
	copy(current, f.subscribers)
	f.mu.Unlock()

	for _, s := range current {
		s.callback(event)
	}
}
