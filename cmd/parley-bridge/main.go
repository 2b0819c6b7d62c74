// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

// parley-bridge connects chat conversations to locally spawned agent
// backend processes. Inbound prompts arrive on a small HTTP API; the
// bridge spawns or reuses a backend per channel, streams its events,
// aggregates them into an activity log, and publishes batched updates
// back to the chat surface gateway.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/parley-dev/parley/activity"
	"github.com/parley-dev/parley/backend"
	"github.com/parley-dev/parley/chat"
	"github.com/parley-dev/parley/eventmux"
	"github.com/parley-dev/parley/lib/clock"
	"github.com/parley-dev/parley/lib/config"
	"github.com/parley-dev/parley/lib/process"
	"github.com/parley-dev/parley/lib/retry"
	"github.com/parley-dev/parley/lib/version"
	"github.com/parley-dev/parley/publish"
	"github.com/parley-dev/parley/store"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var configFlag string
	var verbose, showVersion bool
	pflag.StringVar(&configFlag, "config", "", "path to the bridge configuration file")
	pflag.BoolVar(&verbose, "verbose", false, "enable debug logging")
	pflag.BoolVar(&showVersion, "version", false, "print version information and exit")
	pflag.Parse()

	if showVersion {
		os.Stdout.WriteString("parley-bridge " + version.Info() + "\n")
		return nil
	}

	configPath, err := config.Path(configFlag)
	if err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel, verbose),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.Real()

	var st *store.Store
	if cfg.Store.Path != "" {
		st, err = store.Open(store.Config{Path: cfg.Store.Path, Clock: clk, Logger: logger})
		if err != nil {
			return err
		}
		defer st.Close()
	} else {
		logger.Warn("no store path configured, persistence disabled")
	}

	pool, err := backend.NewPool(backend.PoolConfig{
		Launcher: &backend.ProcessLauncher{
			Command:    cfg.Backend.Command,
			Args:       cfg.Backend.Args,
			ListenHost: cfg.Backend.ListenHost,
			Clock:      clk,
			Logger:     logger,
		},
		HealthInterval:     cfg.Backend.HealthInterval,
		IdleTimeout:        cfg.Backend.IdleTimeout,
		MaxRestartAttempts: cfg.Backend.MaxRestartAttempts,
		Clock:              clk,
		Logger:             logger,
	})
	if err != nil {
		return err
	}
	defer pool.ShutdownAll()

	mux, err := eventmux.New(eventmux.Config{
		Endpoint: func(tenantKey string) (string, error) {
			// Resolved fresh per connection attempt: a restart may have
			// moved the backend, and an evicted one is respawned.
			handle, err := pool.GetOrCreate(ctx, tenantKey)
			if err != nil {
				return "", err
			}
			return handle.Endpoint(), nil
		},
		Backoff: retry.Policy{
			BaseDelay: cfg.Backend.ReconnectBaseDelay,
			MaxDelay:  cfg.Backend.ReconnectMaxDelay,
			Jitter:    0.2,
		},
		Clock:  clk,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer mux.CloseAll()

	surface := chat.NewRetrying(
		chat.NewGateway(cfg.Surface.BaseURL, cfg.Surface.Token, nil),
		retry.Policy{
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    10 * time.Second,
			MaxAttempts: cfg.Surface.MaxAttempts,
			Jitter:      0.2,
		},
		clk, logger,
	)
	batcher, err := publish.NewBatcher(publish.Config{
		Surface:       surface,
		Renderer:      &chat.TextRenderer{},
		FlushInterval: cfg.Publish.FlushInterval,
		SegmentLimit:  cfg.Publish.SegmentLimit,
		Clock:         clk,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	dispatcher := NewDispatcher(DispatcherConfig{
		Pool:                 pool,
		Mux:                  mux,
		Manager:              activity.NewManager(activity.NewTracker()),
		Batcher:              batcher,
		Store:                st,
		BaseContext:          ctx,
		LongContentThreshold: cfg.Publish.LongContentThreshold,
		Clock:                clk,
		Logger:               logger,
	})

	server := newServer(cfg.Listen, dispatcher, logger)
	serverDone := make(chan error, 1)
	go func() { serverDone <- server.ListenAndServe() }()

	logger.Info("parley bridge running",
		"listen", cfg.Listen,
		"backend_command", cfg.Backend.Command,
		"surface", cfg.Surface.BaseURL,
	)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if err := <-serverDone; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "error", err)
	}

	// In-flight conversations get their abort-and-final-flush window
	// before the pool and mux come down via the deferred teardown.
	dispatcher.Wait()
	return nil
}

func logLevel(configured string, verbose bool) slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	switch configured {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
