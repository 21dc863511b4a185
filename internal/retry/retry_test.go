package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastPolicy() Policy {
	return Policy{
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		MaxDelay:   4 * time.Millisecond,
		Multiplier: 2,
	}
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(), nil, func() error {
		calls++
		return nil
	})
	if err != nil || calls != 1 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestDoRetriesUntilExhausted(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := Do(context.Background(), fastPolicy(), nil, func() error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected final error, got %v", err)
	}
	if calls != 3 { // initial attempt + 2 retries
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDoRecoversMidway(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(), nil, func() error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	fatal := errors.New("fatal")
	calls := 0
	err := Do(context.Background(), fastPolicy(), func(err error) bool {
		return !errors.Is(err, fatal)
	}, func() error {
		calls++
		return fatal
	})
	if !errors.Is(err, fatal) || calls != 1 {
		t.Fatalf("non-retryable error must not be retried: err=%v calls=%d", err, calls)
	}
}

func TestDoObservesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, Policy{MaxRetries: 5, BaseDelay: time.Second, Multiplier: 2}, nil, func() error {
		return errors.New("always")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestDoHonorsElapsedBudget(t *testing.T) {
	p := Policy{
		MaxRetries: 100,
		BaseDelay:  5 * time.Millisecond,
		Multiplier: 1,
		MaxElapsed: 15 * time.Millisecond,
	}
	start := time.Now()
	calls := 0
	_ = Do(context.Background(), p, nil, func() error {
		calls++
		return errors.New("always")
	})
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("budget not honored, elapsed %v", elapsed)
	}
	if calls >= 100 {
		t.Fatalf("elapsed budget should have cut retries short, calls=%d", calls)
	}
}

func TestWithJitterBounds(t *testing.T) {
	d := 100 * time.Millisecond
	for i := 0; i < 200; i++ {
		got := withJitter(d, 0.25)
		if got < 75*time.Millisecond || got > 125*time.Millisecond {
			t.Fatalf("jittered delay %v outside ±25%% of %v", got, d)
		}
	}
	if withJitter(d, 0) != d {
		t.Fatal("zero jitter must return the delay unchanged")
	}
}
