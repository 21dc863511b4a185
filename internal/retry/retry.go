// Package retry implements bounded retries with exponential backoff and
// jitter. The policy is explicit at every call site; nothing is hidden in a
// transport layer.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy controls how Do spaces its attempts.
type Policy struct {
	MaxRetries int           // retries after the first attempt
	BaseDelay  time.Duration // delay before the first retry
	MaxDelay   time.Duration // cap on any single delay
	Multiplier float64       // growth factor between retries
	Jitter     float64       // fraction of the delay randomized, e.g. 0.25 for ±25%
	MaxElapsed time.Duration // abort once total elapsed exceeds this (0 = unbounded)
}

// DefaultPolicy matches the orchestrator's trade retry wrapper: two retries,
// 500ms base doubling to a 2s cap, ±25% jitter, 30s total budget.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 2,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   2 * time.Second,
		Multiplier: 2,
		Jitter:     0.25,
		MaxElapsed: 30 * time.Second,
	}
}

// Do runs fn until it succeeds, the retries are exhausted, the elapsed budget
// runs out, or ctx is cancelled. retryable decides per-error whether another
// attempt is worth making; a nil retryable retries every error.
func Do(ctx context.Context, p Policy, retryable func(error) bool, fn func() error) error {
	start := time.Now()
	delay := p.BaseDelay

	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if attempt >= p.MaxRetries {
			return err
		}
		if p.MaxElapsed > 0 && time.Since(start) >= p.MaxElapsed {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(withJitter(delay, p.Jitter)):
		}

		delay = time.Duration(float64(delay) * p.Multiplier)
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
}

// withJitter spreads d by ±frac.
func withJitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	spread := (rand.Float64()*2 - 1) * frac // [-frac, +frac)
	return time.Duration(float64(d) * (1 + spread))
}
