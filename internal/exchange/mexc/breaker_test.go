package mexc

import (
	"testing"
	"time"

	"mexc-sniper/internal/common"
)

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := newBreaker()

	for i := 0; i < breakerThreshold-1; i++ {
		b.recordFailure()
		if err := b.allow(); err != nil {
			t.Fatalf("breaker opened after %d failures", i+1)
		}
	}

	b.recordFailure()
	err := b.allow()
	if err == nil {
		t.Fatal("breaker should be open after threshold failures")
	}
	if common.CodeOf(err) != common.CodeServiceUnavailable {
		t.Fatalf("expected SERVICE_UNAVAILABLE, got %s", common.CodeOf(err))
	}
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	b := newBreaker()

	for i := 0; i < breakerThreshold-1; i++ {
		b.recordFailure()
	}
	b.recordSuccess()
	for i := 0; i < breakerThreshold-1; i++ {
		b.recordFailure()
	}
	if err := b.allow(); err != nil {
		t.Fatal("success must reset the consecutive failure count")
	}
}

func TestBreakerProbeAfterCooldown(t *testing.T) {
	now := time.Now()
	b := newBreaker()
	b.now = func() time.Time { return now }

	for i := 0; i < breakerThreshold; i++ {
		b.recordFailure()
	}
	if err := b.allow(); err == nil {
		t.Fatal("breaker should be open")
	}

	// cooldown elapsed: exactly one probe is allowed
	now = now.Add(breakerCooldown)
	if err := b.allow(); err != nil {
		t.Fatal("probe should be allowed after cooldown")
	}
	if err := b.allow(); err == nil {
		t.Fatal("only a single probe may pass while half-open")
	}

	// the successful probe closes the breaker
	b.recordSuccess()
	if err := b.allow(); err != nil {
		t.Fatal("breaker should close after a successful probe")
	}
}

func TestBreakerFailedProbeRestartsCooldown(t *testing.T) {
	now := time.Now()
	b := newBreaker()
	b.now = func() time.Time { return now }

	for i := 0; i < breakerThreshold; i++ {
		b.recordFailure()
	}
	now = now.Add(breakerCooldown)
	if err := b.allow(); err != nil {
		t.Fatal("probe should be allowed")
	}
	b.recordFailure()

	// still open immediately after the failed probe
	if err := b.allow(); err == nil {
		t.Fatal("failed probe must re-open the breaker")
	}
	// a fresh cooldown is required
	now = now.Add(breakerCooldown)
	if err := b.allow(); err != nil {
		t.Fatal("probe should be allowed after the second cooldown")
	}
}
