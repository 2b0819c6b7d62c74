// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "parley.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadFillsDefaults(t *testing.T) {
	path := writeConfig(t, `
backend:
  command: /usr/local/bin/agentd
surface:
  base_url: http://gateway.internal
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backend.HealthInterval != DefaultHealthInterval {
		t.Errorf("HealthInterval = %v, want default %v", cfg.Backend.HealthInterval, DefaultHealthInterval)
	}
	if cfg.Backend.ListenHost != "127.0.0.1" {
		t.Errorf("ListenHost = %q, want loopback default", cfg.Backend.ListenHost)
	}
	if cfg.Publish.FlushInterval != DefaultFlushInterval {
		t.Errorf("FlushInterval = %v, want default %v", cfg.Publish.FlushInterval, DefaultFlushInterval)
	}
}

func TestLoadParsesDurations(t *testing.T) {
	path := writeConfig(t, `
backend:
  command: /usr/local/bin/agentd
  health_interval: 10s
  idle_timeout: 5m
  reconnect_base_delay: 500ms
  reconnect_max_delay: 20s
publish:
  flush_interval: 1s
surface:
  base_url: http://gateway.internal
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backend.HealthInterval != 10*time.Second {
		t.Errorf("HealthInterval = %v, want 10s", cfg.Backend.HealthInterval)
	}
	if cfg.Backend.IdleTimeout != 5*time.Minute {
		t.Errorf("IdleTimeout = %v, want 5m", cfg.Backend.IdleTimeout)
	}
	if cfg.Backend.ReconnectBaseDelay != 500*time.Millisecond {
		t.Errorf("ReconnectBaseDelay = %v, want 500ms", cfg.Backend.ReconnectBaseDelay)
	}
}

func TestLoadRequiresBackendCommand(t *testing.T) {
	path := writeConfig(t, `
publish:
  flush_interval: 1s
`)
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "backend.command") {
		t.Fatalf("err = %v, want backend.command requirement", err)
	}
}

func TestLoadRejectsInvertedBackoffBounds(t *testing.T) {
	path := writeConfig(t, `
backend:
  command: /usr/local/bin/agentd
  reconnect_base_delay: 1m
  reconnect_max_delay: 1s
surface:
  base_url: http://gateway.internal
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for base delay > max delay")
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, `
environment: development
log_level: info
backend:
  command: /usr/local/bin/agentd
surface:
  base_url: http://gateway.internal
store:
  path: /var/lib/parley/parley.db
development:
  log_level: debug
  store:
    path: ""
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want development override", cfg.LogLevel)
	}
	if cfg.Store.Path != "" {
		t.Errorf("Store.Path = %q, want override to empty", cfg.Store.Path)
	}
}

func TestLoadRequiresSurfaceBaseURL(t *testing.T) {
	path := writeConfig(t, `
backend:
  command: /usr/local/bin/agentd
`)
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "surface.base_url") {
		t.Fatalf("err = %v, want surface.base_url requirement", err)
	}
}

func TestLoadFillsSurfaceAndListenDefaults(t *testing.T) {
	path := writeConfig(t, `
backend:
  command: /usr/local/bin/agentd
surface:
  base_url: http://gateway.internal
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Surface.MaxAttempts != DefaultSurfaceMaxAttempts {
		t.Errorf("MaxAttempts = %d, want default %d", cfg.Surface.MaxAttempts, DefaultSurfaceMaxAttempts)
	}
	if cfg.Listen != DefaultListen {
		t.Errorf("Listen = %q, want default %q", cfg.Listen, DefaultListen)
	}
}

func TestPathPrefersFlag(t *testing.T) {
	t.Setenv(EnvVar, "/from/env.yaml")
	got, err := Path("/from/flag.yaml")
	if err != nil {
		t.Fatalf("Path: %v", err)
	}
	if got != "/from/flag.yaml" {
		t.Errorf("Path = %q, want flag value", got)
	}
}

func TestPathErrorsWhenUnset(t *testing.T) {
	t.Setenv(EnvVar, "")
	if _, err := Path(""); err == nil {
		t.Fatal("expected error when no config source is set")
	}
}
