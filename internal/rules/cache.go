// Package rules caches per-symbol trading rules and validates orders against
// them. The cache is a projection of the exchangeInfo endpoint refreshed on a
// TTL; the validator enforces quantity, price and notional constraints before
// any order reaches the exchange.
package rules

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"mexc-sniper/internal/exchange/mexc"
)

const cacheTTL = time.Hour

// Fetcher loads the full rule set, normally mexc.Client.ExchangeInfo.
type Fetcher func(ctx context.Context) ([]mexc.SymbolRules, error)

// Cache holds the per-symbol rules with TTL refresh. The map is replaced
// atomically on refresh so readers never observe a half-filled set.
type Cache struct {
	mu        sync.RWMutex
	rules     map[string]mexc.SymbolRules
	fetchedAt time.Time

	fetch Fetcher
	ttl   time.Duration
	now   func() time.Time
}

func NewCache(fetch Fetcher) *Cache {
	return &Cache{
		fetch: fetch,
		ttl:   cacheTTL,
		now:   time.Now,
	}
}

// Rules returns the rules for symbol, refreshing the cache first when it is
// empty or stale. found is false when the symbol is unknown to the exchange.
func (c *Cache) Rules(ctx context.Context, symbol string) (r mexc.SymbolRules, found bool, err error) {
	c.mu.RLock()
	fresh := c.rules != nil && c.now().Sub(c.fetchedAt) <= c.ttl
	if fresh {
		r, found = c.rules[symbol]
		c.mu.RUnlock()
		return r, found, nil
	}
	c.mu.RUnlock()

	if err := c.Refresh(ctx); err != nil {
		// serve stale data if we have any; the refresh failure is logged
		c.mu.RLock()
		defer c.mu.RUnlock()
		if c.rules != nil {
			log.Warn().Err(err).Msg("rules refresh failed, serving stale cache")
			r, found = c.rules[symbol]
			return r, found, nil
		}
		return mexc.SymbolRules{}, false, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	r, found = c.rules[symbol]
	return r, found, nil
}

// Refresh reloads the full rule set and swaps the map in one step.
func (c *Cache) Refresh(ctx context.Context) error {
	all, err := c.fetch(ctx)
	if err != nil {
		return err
	}

	next := make(map[string]mexc.SymbolRules, len(all))
	for _, r := range all {
		next[r.Symbol] = r
	}

	c.mu.Lock()
	c.rules = next
	c.fetchedAt = c.now()
	c.mu.Unlock()

	log.Debug().Int("symbols", len(next)).Msg("exchange rules refreshed")
	return nil
}

// Invalidate forces the next read to refresh.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.fetchedAt = time.Time{}
	c.mu.Unlock()
}
