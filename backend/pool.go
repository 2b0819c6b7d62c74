// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/parley-dev/parley/lib/clock"
)

// Handle is a live reference to a supervised backend. Handles are
// owned by the Pool; callers dispatch through them but never stop them
// directly.
type Handle struct {
	runtime Runtime

	mu              sync.Mutex
	createdAt       time.Time
	lastUsedAt      time.Time
	tenants         map[string]struct{}
	restartAttempts int
}

// Endpoint returns the backend's current control URL.
func (h *Handle) Endpoint() string { return h.runtime.Endpoint() }

// Client returns a control client for the backend's current endpoint.
// Built fresh per call because a restart may have moved the endpoint.
func (h *Handle) Client() *Client { return NewClient(h.runtime.Endpoint(), nil) }

// Touch refreshes the handle's last-used time. Called by the dispatch
// path after a successful request; health probes do not count as use.
func (h *Handle) Touch(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastUsedAt = now
}

// Tenants returns the tenant keys currently attached to the handle.
func (h *Handle) Tenants() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	keys := make([]string, 0, len(h.tenants))
	for key := range h.tenants {
		keys = append(keys, key)
	}
	return keys
}

func (h *Handle) attach(tenantKey string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tenants[tenantKey] = struct{}{}
}

func (h *Handle) detach(tenantKey string) (empty bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.tenants, tenantKey)
	return len(h.tenants) == 0
}

func (h *Handle) idleSince(now time.Time) (time.Duration, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return now.Sub(h.lastUsedAt), len(h.tenants) == 0
}

// PoolConfig configures a Pool.
type PoolConfig struct {
	// Launcher spawns backends. Required.
	Launcher Launcher

	// HealthInterval is the period of the health/eviction tick.
	// Zero disables the background loop (tests drive tick directly).
	HealthInterval time.Duration

	// IdleTimeout evicts handles unused this long with no tenants.
	IdleTimeout time.Duration

	// MaxRestartAttempts evicts a handle after this many consecutive
	// failed restarts. Zero means 3.
	MaxRestartAttempts int

	// Clock drives timers. Nil means the real clock.
	Clock clock.Clock

	// Logger receives pool lifecycle logs. Nil means slog.Default.
	Logger *slog.Logger
}

// Pool owns backend process lifecycle keyed by tenant. GetOrCreate is
// idempotent and serialized per key; the health loop restarts unhealthy
// backends in place and evicts idle, tenant-less ones.
type Pool struct {
	config PoolConfig
	clock  clock.Clock
	logger *slog.Logger

	mu       sync.Mutex
	byTenant map[string]*Handle
	handles  map[*Handle]struct{}
	spawning map[string]chan struct{}
	closed   bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewPool creates a Pool and, when HealthInterval is non-zero, starts
// its background health loop.
func NewPool(config PoolConfig) (*Pool, error) {
	if config.Launcher == nil {
		return nil, fmt.Errorf("backend: pool requires a launcher")
	}
	if config.MaxRestartAttempts <= 0 {
		config.MaxRestartAttempts = 3
	}
	pool := &Pool{
		config:   config,
		clock:    config.Clock,
		logger:   config.Logger,
		byTenant: make(map[string]*Handle),
		handles:  make(map[*Handle]struct{}),
		spawning: make(map[string]chan struct{}),
	}
	if pool.clock == nil {
		pool.clock = clock.Real()
	}
	if pool.logger == nil {
		pool.logger = slog.Default()
	}

	if config.HealthInterval > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		pool.cancel = cancel
		pool.done = make(chan struct{})
		go pool.run(ctx)
	}
	return pool, nil
}

// GetOrCreate returns the tenant's handle, spawning a backend when the
// tenant has none. Creation is serialized per key: concurrent calls
// for the same tenant share one spawn. Spawn failure is returned
// synchronously; retry is the caller's concern.
func (p *Pool) GetOrCreate(ctx context.Context, tenantKey string) (*Handle, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, fmt.Errorf("backend: pool is shut down")
		}
		if handle, ok := p.byTenant[tenantKey]; ok {
			p.mu.Unlock()
			return handle, nil
		}
		if inflight, ok := p.spawning[tenantKey]; ok {
			p.mu.Unlock()
			select {
			case <-inflight:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			// The winning spawner registered a handle or failed;
			// loop to observe the outcome.
			continue
		}
		inflight := make(chan struct{})
		p.spawning[tenantKey] = inflight
		p.mu.Unlock()

		runtime, err := p.config.Launcher.Launch(ctx, tenantKey)

		p.mu.Lock()
		delete(p.spawning, tenantKey)
		close(inflight)
		if err != nil {
			p.mu.Unlock()
			return nil, fmt.Errorf("backend: spawning backend for %s: %w", tenantKey, err)
		}
		now := p.clock.Now()
		handle := &Handle{
			runtime:    runtime,
			createdAt:  now,
			lastUsedAt: now,
			tenants:    map[string]struct{}{tenantKey: {}},
		}
		p.byTenant[tenantKey] = handle
		p.handles[handle] = struct{}{}
		p.mu.Unlock()

		p.logger.Info("backend registered",
			"tenant_key", tenantKey,
			"endpoint", runtime.Endpoint(),
		)
		return handle, nil
	}
}

// Lookup returns the tenant's current handle without spawning,
// reporting whether one exists. Reconnecting readers use it to resolve
// the endpoint fresh on every attempt, since a restart can move the
// backend to a new port.
func (p *Pool) Lookup(tenantKey string) (*Handle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	handle, ok := p.byTenant[tenantKey]
	return handle, ok
}

// AttachChannel shares an existing handle with an additional tenant.
// Used when a conversation splits into a new tenant that should reuse
// the same backend compute.
func (p *Pool) AttachChannel(tenantKey string, handle *Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("backend: pool is shut down")
	}
	if _, ok := p.handles[handle]; !ok {
		return fmt.Errorf("backend: handle not owned by this pool")
	}
	if existing, ok := p.byTenant[tenantKey]; ok && existing != handle {
		return fmt.Errorf("backend: tenant %s already attached to a different backend", tenantKey)
	}
	p.byTenant[tenantKey] = handle
	handle.attach(tenantKey)
	return nil
}

// Detach removes a tenant's membership without stopping the backend.
// A handle with no remaining tenants ages out via idle eviction.
func (p *Pool) Detach(tenantKey string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	handle, ok := p.byTenant[tenantKey]
	if !ok {
		return
	}
	delete(p.byTenant, tenantKey)
	handle.detach(tenantKey)
}

// Shutdown stops the tenant's backend. Other tenants sharing the
// handle lose it too. Shutdown is for explicit teardown, not detach.
func (p *Pool) Shutdown(tenantKey string) {
	p.mu.Lock()
	handle, ok := p.byTenant[tenantKey]
	if ok {
		p.removeLocked(handle)
	}
	p.mu.Unlock()
	if ok {
		p.stopHandle(handle, "shutdown")
	}
}

// ShutdownAll stops every backend and the health loop. The pool
// rejects further GetOrCreate calls.
func (p *Pool) ShutdownAll() {
	p.mu.Lock()
	p.closed = true
	stopping := make([]*Handle, 0, len(p.handles))
	for handle := range p.handles {
		stopping = append(stopping, handle)
	}
	p.byTenant = make(map[string]*Handle)
	p.handles = make(map[*Handle]struct{})
	p.mu.Unlock()

	for _, handle := range stopping {
		p.stopHandle(handle, "shutdown_all")
	}

	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
}

// removeLocked unregisters a handle and every tenant key pointing at
// it. Caller holds p.mu.
func (p *Pool) removeLocked(handle *Handle) {
	delete(p.handles, handle)
	for _, tenantKey := range handle.Tenants() {
		if p.byTenant[tenantKey] == handle {
			delete(p.byTenant, tenantKey)
		}
	}
}

func (p *Pool) stopHandle(handle *Handle, reason string) {
	if err := handle.runtime.Stop(); err != nil {
		p.logger.Warn("backend stop failed",
			"reason", reason,
			"error", err,
		)
	} else {
		p.logger.Info("backend stopped", "reason", reason)
	}
}

// run is the background health loop.
func (p *Pool) run(ctx context.Context) {
	defer close(p.done)
	ticker := p.clock.NewTicker(p.config.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// tick runs one health and idle-eviction pass. Exported to tests via
// pool_test.go's direct call; production traffic arrives via run.
func (p *Pool) tick(ctx context.Context) {
	p.mu.Lock()
	snapshot := make([]*Handle, 0, len(p.handles))
	for handle := range p.handles {
		snapshot = append(snapshot, handle)
	}
	p.mu.Unlock()

	now := p.clock.Now()
	for _, handle := range snapshot {
		if idle, noTenants := handle.idleSince(now); noTenants && p.config.IdleTimeout > 0 && idle >= p.config.IdleTimeout {
			p.mu.Lock()
			p.removeLocked(handle)
			p.mu.Unlock()
			p.logger.Info("evicting idle backend", "idle", idle)
			p.stopHandle(handle, "idle_eviction")
			continue
		}
		p.probe(ctx, handle)
	}
}

// probe health-checks one handle, restarting in place on failure.
// Restart failure increments the attempt counter and leaves the entry
// for the next tick; only sustained restart failure evicts.
func (p *Pool) probe(ctx context.Context, handle *Handle) {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err := handle.runtime.HealthCheck(probeCtx)
	cancel()
	if err == nil {
		handle.mu.Lock()
		handle.restartAttempts = 0
		handle.mu.Unlock()
		return
	}

	p.logger.Warn("backend health probe failed, restarting", "error", err)
	restartErr := handle.runtime.Restart(ctx)
	if restartErr == nil {
		handle.mu.Lock()
		handle.restartAttempts = 0
		handle.mu.Unlock()
		p.logger.Info("backend restarted", "endpoint", handle.runtime.Endpoint())
		return
	}

	handle.mu.Lock()
	handle.restartAttempts++
	attempts := handle.restartAttempts
	handle.mu.Unlock()

	p.logger.Error("backend restart failed",
		"attempts", attempts,
		"max_attempts", p.config.MaxRestartAttempts,
		"error", restartErr,
	)
	if attempts >= p.config.MaxRestartAttempts {
		p.mu.Lock()
		p.removeLocked(handle)
		p.mu.Unlock()
		p.stopHandle(handle, "restart_failure")
	}
}
