// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"context"
	"errors"
	"log/slog"

	"github.com/parley-dev/parley/lib/clock"
	"github.com/parley-dev/parley/lib/retry"
)

// Retrying wraps a Surface with the bridge's backoff policy. Transient
// failures (rate limits, 5xx, connection errors) are retried; other
// client errors return immediately. When a rate limit carries a
// Retry-After hint, the wrapper honors it before the policy backoff.
type Retrying struct {
	surface Surface
	policy  retry.Policy
	clock   clock.Clock
	logger  *slog.Logger
}

// NewRetrying wraps surface. A nil clk means the real clock.
func NewRetrying(surface Surface, policy retry.Policy, clk clock.Clock, logger *slog.Logger) *Retrying {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrying{surface: surface, policy: policy, clock: clk, logger: logger}
}

func (r *Retrying) do(ctx context.Context, operation string, fn func(context.Context) error) error {
	return retry.Do(ctx, r.clock, r.policy, r.logger, operation, Transient, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		var surfaceErr *SurfaceError
		if errors.As(err, &surfaceErr) && IsRateLimited(err) && surfaceErr.RetryAfter > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-r.clock.After(surfaceErr.RetryAfter):
			}
		}
		return err
	})
}

func (r *Retrying) PostMessage(ctx context.Context, channelID, threadID, text string) (string, error) {
	var messageID string
	err := r.do(ctx, "chat post", func(ctx context.Context) error {
		var postErr error
		messageID, postErr = r.surface.PostMessage(ctx, channelID, threadID, text)
		return postErr
	})
	return messageID, err
}

func (r *Retrying) UpdateMessage(ctx context.Context, channelID, messageID, text string) error {
	return r.do(ctx, "chat update", func(ctx context.Context) error {
		return r.surface.UpdateMessage(ctx, channelID, messageID, text)
	})
}

func (r *Retrying) UploadAttachment(ctx context.Context, channelID, threadID, filename string, content []byte) error {
	return r.do(ctx, "chat upload", func(ctx context.Context) error {
		return r.surface.UploadAttachment(ctx, channelID, threadID, filename, content)
	})
}
