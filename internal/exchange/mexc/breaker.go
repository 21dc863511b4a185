package mexc

import (
	"sync"
	"time"

	"mexc-sniper/internal/common"
)

const (
	breakerThreshold = 5
	breakerCooldown  = 60 * time.Second
)

// breaker is the client-side circuit breaker guarding order placement.
// After breakerThreshold consecutive failures it opens for breakerCooldown;
// once the cooldown elapses a single probe call is let through, and its
// success closes the breaker again.
type breaker struct {
	mu       sync.Mutex
	failures int
	openedAt time.Time
	probing  bool
	now      func() time.Time
}

func newBreaker() *breaker {
	return &breaker{now: time.Now}
}

// allow returns nil when a call may proceed, or a SERVICE_UNAVAILABLE error
// while the breaker is open.
func (b *breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failures < breakerThreshold {
		return nil
	}
	if b.now().Sub(b.openedAt) >= breakerCooldown && !b.probing {
		b.probing = true
		return nil
	}
	return common.NewError(common.KindTransientExchange, common.CodeServiceUnavailable,
		"circuit breaker open")
}

func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probing = false
}

func (b *breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.probing = false
	if b.failures == breakerThreshold {
		b.openedAt = b.now()
	}
	if b.failures > breakerThreshold {
		// failed probe: restart the cooldown window
		b.failures = breakerThreshold
		b.openedAt = b.now()
	}
}
