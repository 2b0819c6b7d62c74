// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"sync"
	"time"

	"github.com/parley-dev/parley/backend"
	"github.com/parley-dev/parley/lib/clock"
)

// modelCache caches the backend model list with a TTL. The list is the
// same for every backend process (they run the same binary), so one
// cache serves the whole bridge. A failed refresh serves the stale list
// when one exists.
type modelCache struct {
	ttl   time.Duration
	clock clock.Clock

	mu        sync.Mutex
	models    []backend.ModelInfo
	refreshed time.Time
}

func newModelCache(ttl time.Duration, clk clock.Clock) *modelCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &modelCache{ttl: ttl, clock: clk}
}

// Get returns the cached model list, refreshing through fetch when the
// TTL has lapsed. Concurrent callers during a refresh serialize on the
// cache mutex; the winner fetches, the rest get its result.
func (c *modelCache) Get(ctx context.Context, fetch func(context.Context) ([]backend.ModelInfo, error)) ([]backend.ModelInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if c.models != nil && now.Sub(c.refreshed) < c.ttl {
		return c.models, nil
	}

	models, err := fetch(ctx)
	if err != nil {
		if c.models != nil {
			return c.models, nil
		}
		return nil, err
	}
	c.models = models
	c.refreshed = now
	return models, nil
}
