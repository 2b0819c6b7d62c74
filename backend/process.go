// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/parley-dev/parley/lib/clock"
)

// Runtime is a live backend under pool supervision. Process is the
// production implementation; pool tests substitute fakes.
type Runtime interface {
	// Endpoint returns the backend's current control URL. The value
	// may change across Restart.
	Endpoint() string

	// HealthCheck probes the backend.
	HealthCheck(ctx context.Context) error

	// Restart stops the backend and starts it again in place,
	// preserving the handle's identity.
	Restart(ctx context.Context) error

	// Stop terminates the backend process.
	Stop() error
}

// Launcher spawns backends. ProcessLauncher is the production
// implementation.
type Launcher interface {
	// Launch spawns a backend for the tenant and returns once it
	// answers its health probe. Spawn failure is fatal to the caller:
	// no retry happens inside Launch.
	Launch(ctx context.Context, tenantKey string) (Runtime, error)
}

// ProcessLauncher spawns backend child processes.
type ProcessLauncher struct {
	// Command is the backend binary. Required.
	Command string

	// Args are passed before the generated --port flag.
	Args []string

	// ListenHost is the loopback host the backend binds. Empty means
	// "127.0.0.1".
	ListenHost string

	// StartupTimeout bounds the wait for the first successful health
	// probe after spawn. Zero means 30 seconds.
	StartupTimeout time.Duration

	// Clock paces startup probing. Nil means the real clock.
	Clock clock.Clock

	// Logger receives process lifecycle logs. Nil means slog.Default.
	Logger *slog.Logger
}

// Launch spawns one backend process on a fresh loopback port.
func (l *ProcessLauncher) Launch(ctx context.Context, tenantKey string) (Runtime, error) {
	if l.Command == "" {
		return nil, fmt.Errorf("backend: launcher has no command configured")
	}
	process := &Process{
		launcher:  l,
		tenantKey: tenantKey,
	}
	if err := process.start(ctx); err != nil {
		return nil, err
	}
	return process, nil
}

func (l *ProcessLauncher) clock() clock.Clock {
	if l.Clock != nil {
		return l.Clock
	}
	return clock.Real()
}

func (l *ProcessLauncher) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

// Process is one spawned backend child process.
type Process struct {
	launcher  *ProcessLauncher
	tenantKey string

	mu       sync.Mutex
	cmd      *exec.Cmd
	endpoint string
	waitDone chan struct{}
}

// Endpoint returns the current control URL.
func (p *Process) Endpoint() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.endpoint
}

// PID returns the child's process ID, or 0 when not running.
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// start allocates a port, spawns the child, and waits for the health
// probe to answer. Called with p.mu NOT held.
func (p *Process) start(ctx context.Context) error {
	host := p.launcher.ListenHost
	if host == "" {
		host = "127.0.0.1"
	}
	port, err := freePort(host)
	if err != nil {
		return fmt.Errorf("backend: allocating port: %w", err)
	}

	args := append(append([]string{}, p.launcher.Args...), "--port", fmt.Sprint(port))
	cmd := exec.Command(p.launcher.Command, args...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("backend: spawning %s: %w", p.launcher.Command, err)
	}

	waitDone := make(chan struct{})
	go func() {
		// Reap the child so it never lingers as a zombie.
		cmd.Wait()
		close(waitDone)
	}()

	endpoint := fmt.Sprintf("http://%s:%d", host, port)
	p.mu.Lock()
	p.cmd = cmd
	p.endpoint = endpoint
	p.waitDone = waitDone
	p.mu.Unlock()

	if err := p.awaitReady(ctx, endpoint, waitDone); err != nil {
		p.Stop()
		return err
	}

	p.launcher.logger().Info("backend process started",
		"tenant_key", p.tenantKey,
		"pid", cmd.Process.Pid,
		"endpoint", endpoint,
	)
	return nil
}

// awaitReady polls the health endpoint until it answers, the startup
// timeout lapses, or the child exits.
func (p *Process) awaitReady(ctx context.Context, endpoint string, waitDone chan struct{}) error {
	timeout := p.launcher.StartupTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	clk := p.launcher.clock()
	deadline := clk.Now().Add(timeout)
	client := NewClient(endpoint, nil)

	for {
		probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := client.Health(probeCtx)
		cancel()
		if err == nil {
			return nil
		}
		if clk.Now().After(deadline) {
			return fmt.Errorf("backend: not ready after %v: %w", timeout, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-waitDone:
			return fmt.Errorf("backend: process exited during startup")
		case <-clk.After(250 * time.Millisecond):
		}
	}
}

// HealthCheck probes the backend's health endpoint.
func (p *Process) HealthCheck(ctx context.Context) error {
	endpoint := p.Endpoint()
	if endpoint == "" {
		return fmt.Errorf("backend: process not running")
	}
	return NewClient(endpoint, nil).Health(ctx)
}

// Restart stops the child and starts a fresh one. The handle identity
// is preserved; the endpoint may change.
func (p *Process) Restart(ctx context.Context) error {
	if err := p.Stop(); err != nil {
		p.launcher.logger().Warn("stop during restart failed",
			"tenant_key", p.tenantKey,
			"error", err,
		)
	}
	return p.start(ctx)
}

// Stop terminates the child: SIGTERM, a short grace period, then
// SIGKILL. Idempotent.
func (p *Process) Stop() error {
	p.mu.Lock()
	cmd := p.cmd
	waitDone := p.waitDone
	p.cmd = nil
	p.endpoint = ""
	p.waitDone = nil
	p.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	cmd.Process.Signal(os.Interrupt)
	select {
	case <-waitDone:
		return nil
	case <-p.launcher.clock().After(5 * time.Second):
	}

	if err := cmd.Process.Kill(); err != nil {
		return fmt.Errorf("backend: killing pid %d: %w", cmd.Process.Pid, err)
	}
	<-waitDone
	return nil
}

// freePort asks the kernel for an unused TCP port on host. The
// listener is closed immediately; the small window before the child
// binds is acceptable on a loopback interface we control.
func freePort(host string) (int, error) {
	listener, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, err
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}

// loopbackHTTPClient is the shared transport for control calls. Kept
// separate from http.DefaultClient so stream connections (no timeout)
// and control calls (short timeout) do not share limits.
var loopbackHTTPClient = &http.Client{Timeout: 30 * time.Second}
