// Package tracker keeps the authoritative in-memory view of open positions.
// The map is a projection: it can always be rebuilt from the durable BUY log
// and the exchange's account balances, which happens automatically when the
// rebuild TTL lapses.
package tracker

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"mexc-sniper/internal/common"
	"mexc-sniper/internal/exchange/mexc"
	"mexc-sniper/internal/storage"
)

const rebuildTTL = 5 * time.Second

// Position is one open long exposure.
type Position struct {
	Symbol               string          `json:"symbol"`
	Quantity             decimal.Decimal `json:"quantity"`
	EntryPrice           decimal.Decimal `json:"entryPrice"`
	EntryTime            time.Time       `json:"entryTime"`
	CurrentPrice         decimal.Decimal `json:"currentPrice"`
	UnrealizedPnL        decimal.Decimal `json:"unrealizedPnL"`
	UnrealizedPnLPercent decimal.Decimal `json:"unrealizedPnLPercent"`
	BuyOrderID           string          `json:"buyOrderId"`
	TradeAttemptID       string          `json:"tradeAttemptId"`
}

// reprice recomputes the PnL fields from CurrentPrice.
func (p *Position) reprice() {
	p.UnrealizedPnL = p.CurrentPrice.Sub(p.EntryPrice).Mul(p.Quantity)
	if p.EntryPrice.IsPositive() {
		p.UnrealizedPnLPercent = p.CurrentPrice.Div(p.EntryPrice).
			Sub(decimal.NewFromInt(1)).Mul(decimal.NewFromInt(100))
	} else {
		p.UnrealizedPnLPercent = decimal.Zero
	}
}

// Store is the slice of the persistence adapter the rebuild reads.
type Store interface {
	OpenBuyOrders(ctx context.Context, limit int) ([]storage.TradeAttempt, error)
}

// Exchange is the slice of the exchange client the rebuild reads.
type Exchange interface {
	Account(ctx context.Context) (mexc.Account, error)
	Ticker(ctx context.Context, symbol string) (mexc.Ticker, error)
}

// Tracker owns the position map. All mutation goes through AddPosition,
// UpdatePosition and RemovePosition; reads go through Get and Snapshot.
type Tracker struct {
	mu        sync.Mutex
	positions map[string]Position
	rebuiltAt time.Time

	store    Store
	exchange Exchange
	now      func() time.Time
}

func New(store Store, exchange Exchange) *Tracker {
	return &Tracker{
		positions: make(map[string]Position),
		store:     store,
		exchange:  exchange,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// AddPosition records a freshly opened position. Non-positive quantities are
// rejected; the map never holds an empty position.
func (t *Tracker) AddPosition(p Position) error {
	if !p.Quantity.IsPositive() {
		return common.NewError(common.KindInternal, "EMPTY_POSITION",
			"position quantity must be positive")
	}
	p.reprice()

	t.mu.Lock()
	t.positions[p.Symbol] = p
	t.mu.Unlock()

	log.Info().
		Str("symbol", p.Symbol).
		Str("qty", p.Quantity.String()).
		Str("entry", p.EntryPrice.String()).
		Msg("position opened")
	return nil
}

// RemovePosition drops the position for symbol, if any.
func (t *Tracker) RemovePosition(symbol string) {
	t.mu.Lock()
	_, existed := t.positions[symbol]
	delete(t.positions, symbol)
	t.mu.Unlock()

	if existed {
		log.Info().Str("symbol", symbol).Msg("position closed")
	}
}

// UpdatePosition overwrites current price and/or quantity for symbol and
// recomputes PnL. Zero-valued arguments leave the field untouched; a
// negative quantity removes the position.
func (t *Tracker) UpdatePosition(symbol string, currentPrice, quantity decimal.Decimal) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.positions[symbol]
	if !ok {
		return false
	}
	if currentPrice.IsPositive() {
		p.CurrentPrice = currentPrice
	}
	if quantity.IsPositive() {
		p.Quantity = quantity
	} else if !quantity.IsZero() {
		// negative means drained below zero; treat as closed
		delete(t.positions, symbol)
		return true
	}
	p.reprice()
	t.positions[symbol] = p
	return true
}

// Get returns the position for symbol.
func (t *Tracker) Get(symbol string) (Position, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.positions[symbol]
	return p, ok
}

// Snapshot returns a copy of all open positions, rebuilding from durable
// state first when the TTL has lapsed or the map is empty.
func (t *Tracker) Snapshot(ctx context.Context) ([]Position, error) {
	t.mu.Lock()
	stale := len(t.positions) == 0 || t.now().Sub(t.rebuiltAt) > rebuildTTL
	t.mu.Unlock()

	if stale {
		if err := t.Rebuild(ctx); err != nil {
			return nil, err
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Position, 0, len(t.positions))
	for _, p := range t.positions {
		out = append(out, p)
	}
	return out, nil
}

// Rebuild reconstructs the map from SUCCESS BUY rows and live balances:
// the free base-asset balance is the position quantity, the most recent
// buy's executed price the entry. Ticker failures fall back to the entry
// price rather than aborting the rebuild.
func (t *Tracker) Rebuild(ctx context.Context) error {
	buys, err := t.store.OpenBuyOrders(ctx, 200)
	if err != nil {
		return err
	}
	acct, err := t.exchange.Account(ctx)
	if err != nil {
		return err
	}

	next := make(map[string]Position)
	for _, buy := range buys {
		if _, dup := next[buy.Symbol]; dup {
			// rows are newest-first; the first buy per symbol wins
			continue
		}
		base := baseAsset(buy.Symbol)
		if base == "" {
			continue
		}
		free := acct.FreeBalance(base)
		if !free.IsPositive() {
			continue
		}

		p := Position{
			Symbol:         buy.Symbol,
			Quantity:       free,
			EntryPrice:     buy.ExecutedPrice,
			EntryTime:      buy.CompletedAt,
			CurrentPrice:   buy.ExecutedPrice,
			BuyOrderID:     buy.OrderID,
			TradeAttemptID: buy.ID,
		}
		if ticker, err := t.exchange.Ticker(ctx, buy.Symbol); err == nil && ticker.Price.IsPositive() {
			p.CurrentPrice = ticker.Price
		}
		p.reprice()
		next[buy.Symbol] = p
	}

	t.mu.Lock()
	t.positions = next
	t.rebuiltAt = t.now()
	t.mu.Unlock()

	log.Debug().Int("positions", len(next)).Msg("position map rebuilt")
	return nil
}

// baseAsset strips the quote suffix from a symbol, trying the known quote
// assets in order. Unknown quotes yield "".
func baseAsset(symbol string) string {
	for _, q := range common.QuoteSuffixes {
		if strings.HasSuffix(symbol, q) && len(symbol) > len(q) {
			return strings.TrimSuffix(symbol, q)
		}
	}
	return ""
}
