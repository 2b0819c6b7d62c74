// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package retry

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/parley-dev/parley/lib/clock"
)

// Policy describes a backoff schedule.
type Policy struct {
	// BaseDelay is the delay before the first retry. Doubles per
	// attempt up to MaxDelay.
	BaseDelay time.Duration

	// MaxDelay caps the computed delay.
	MaxDelay time.Duration

	// MaxAttempts bounds Do. Ignored by Forever. If zero, Do makes a
	// single attempt.
	MaxAttempts int

	// Jitter is the fraction of the computed delay added as random
	// spread (0 disables jitter, 0.2 adds up to 20%).
	Jitter float64

	// Rand supplies jitter randomness in [0, 1). Nil uses math/rand.
	// Tests inject a fixed source for deterministic delays.
	Rand func() float64
}

// Delay returns the backoff delay for a zero-based attempt number.
func (p Policy) Delay(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	delay := p.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.Jitter > 0 {
		random := p.Rand
		if random == nil {
			random = rand.Float64
		}
		delay += time.Duration(float64(delay) * p.Jitter * random())
	}
	return delay
}

// Do runs fn up to MaxAttempts times, sleeping the policy delay between
// attempts. The transient classifier decides whether an error is worth
// retrying; permanent errors are returned immediately. A nil classifier
// treats every error as transient.
//
// Returns nil on the first success, ctx.Err() if the context is
// cancelled mid-backoff, or the last error once attempts are exhausted.
func Do(ctx context.Context, clk clock.Clock, policy Policy, logger *slog.Logger, operation string, transient func(error) bool, fn func(context.Context) error) error {
	if logger == nil {
		logger = slog.Default()
	}
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastError error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-clk.After(policy.Delay(attempt - 1)):
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastError = err

		if transient != nil && !transient(err) {
			return err
		}
		logger.Warn("transient failure, retrying",
			"operation", operation,
			"attempt", attempt+1,
			"max_attempts", attempts,
			"error", err,
		)
	}
	return fmt.Errorf("%s failed after %d attempts: %w", operation, attempts, lastError)
}

// Forever runs fn until it returns nil or ctx is cancelled. Every error
// return is followed by a backoff sleep with an incrementing attempt
// counter. fn receives a reset function; calling it zeroes the counter
// so that the next failure backs off from BaseDelay again. The reset
// belongs immediately after a successful unit of work (a delivered
// event), not after a successful connection: a stream that connects
// but dies before delivering anything keeps escalating.
//
// There is no attempt bound. The loop exits only on success or context
// cancellation; process-level fatality is the pool's concern.
func Forever(ctx context.Context, clk clock.Clock, policy Policy, logger *slog.Logger, operation string, fn func(ctx context.Context, reset func()) error) error {
	if logger == nil {
		logger = slog.Default()
	}

	attempt := 0
	reset := func() { attempt = 0 }
	for {
		err := fn(ctx, reset)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := policy.Delay(attempt)
		logger.Warn("retrying after failure",
			"operation", operation,
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)
		attempt++

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clk.After(delay):
		}
	}
}
