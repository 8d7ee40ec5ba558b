// Copyright 2025 Squadron Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"log"
	"math"
	"math/rand"
	"sync/atomic"
	"time"
)

// RetrySettings tunes the per-dispatch retry loop.
type RetrySettings struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// RetrySettingsFromConfig extracts retry settings from a Config.
func RetrySettingsFromConfig(c Config) RetrySettings {
	return RetrySettings{
		MaxAttempts: c.RetryMaxAttempts,
		BaseDelay:   c.RetryBaseDelay,
		MaxDelay:    c.RetryMaxDelay,
	}
}

// RetryBudget caps how many concurrent attempts across the whole
// process may be retries, preventing retry storms from amplifying an
// outage. It is injected, not global, so independent instances can run
// side by side in tests.
//
// The cap is ceil(fraction * in-flight dispatches), so a lone dispatch
// is still allowed one concurrent retry.
type RetryBudget struct {
	fraction float64
	inflight atomic.Int64
	retries  atomic.Int64
}

// NewRetryBudget creates a budget allowing the given fraction of
// in-flight dispatches to be retries.
func NewRetryBudget(fraction float64) *RetryBudget {
	return &RetryBudget{fraction: fraction}
}

// StartDispatch marks one logical dispatch in flight.
func (b *RetryBudget) StartDispatch() { b.inflight.Add(1) }

// EndDispatch marks one logical dispatch finished.
func (b *RetryBudget) EndDispatch() { b.inflight.Add(-1) }

// TryStartRetry reserves a retry slot. It returns false when the budget
// is exhausted; the caller then fails fast instead of waiting.
func (b *RetryBudget) TryStartRetry() bool {
	for {
		current := b.retries.Load()
		allowed := int64(math.Ceil(b.fraction * float64(b.inflight.Load())))
		if current+1 > allowed {
			return false
		}
		if b.retries.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

// EndRetry releases a retry slot.
func (b *RetryBudget) EndRetry() { b.retries.Add(-1) }

// InFlight returns the current dispatch and retry counts.
func (b *RetryBudget) InFlight() (dispatches, retries int64) {
	return b.inflight.Load(), b.retries.Load()
}

// AttemptFunc performs one dispatch attempt. The attempt number starts
// at 1.
type AttemptFunc func(ctx context.Context, attempt int) (*TaskResult, error)

// RetryPolicy wraps one logical dispatch in up to MaxAttempts tries
// with bounded exponential backoff and jitter.
type RetryPolicy struct {
	settings RetrySettings
	budget   *RetryBudget
}

// NewRetryPolicy creates a retry policy sharing the given budget.
func NewRetryPolicy(settings RetrySettings, budget *RetryBudget) *RetryPolicy {
	return &RetryPolicy{settings: settings, budget: budget}
}

// Execute runs the attempt function until it succeeds, a non-transient
// error occurs, attempts are exhausted, the retry budget trips, or ctx
// is cancelled. It returns the last result, the number of attempts
// made, and the terminal error if any.
//
// Only transient failures are retried; ErrValidation and ErrCircuitOpen
// propagate immediately.
func (p *RetryPolicy) Execute(ctx context.Context, taskID string, attempt AttemptFunc) (*TaskResult, int, error) {
	var lastErr error

	// A retry slot is held from the moment a retry is admitted until
	// that attempt finishes, covering the backoff wait as well.
	holding := false
	release := func() {
		if holding {
			p.budget.EndRetry()
			holding = false
		}
	}
	defer release()

	for n := 1; n <= p.settings.MaxAttempts; n++ {
		if ctx.Err() != nil {
			return nil, n - 1, ErrCancelled
		}

		result, err := attempt(ctx, n)
		release()
		if err == nil {
			return result, n, nil
		}
		lastErr = err

		if !IsTransient(err) {
			return nil, n, err
		}
		if n == p.settings.MaxAttempts {
			break
		}

		if !p.budget.TryStartRetry() {
			log.Printf("[Retry] Task %s: retry budget exhausted after attempt %d", taskID, n)
			return nil, n, ErrRetryBudgetExhausted
		}
		holding = true

		delay := p.backoff(n - 1)
		log.Printf("[Retry] Task %s: attempt %d failed (%v), retrying in %s", taskID, n, err, delay)
		if err := sleepContext(ctx, delay); err != nil {
			return nil, n, ErrCancelled
		}
	}

	return nil, p.settings.MaxAttempts, lastErr
}

// backoff computes the delay before attempt k+2 (0-indexed k):
// base * 2^k * (1 + jitter), jitter uniform in [-0.2, 0.2], capped at
// MaxDelay. The doubling dominates the jitter so delays never shrink
// between consecutive retries.
func (p *RetryPolicy) backoff(k int) time.Duration {
	jitter := (rand.Float64() - 0.5) * 0.4
	delay := time.Duration(float64(p.settings.BaseDelay) * math.Pow(2, float64(k)) * (1 + jitter))
	if delay > p.settings.MaxDelay {
		delay = p.settings.MaxDelay
	}
	if delay < 0 {
		delay = p.settings.MaxDelay
	}
	return delay
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
