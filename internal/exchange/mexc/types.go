package mexc

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Order sides and types accepted by the spot order endpoint.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"

	TypeMarket = "MARKET"
	TypeLimit  = "LIMIT"
)

// Symbol trading status values from exchangeInfo.
const (
	StatusEnabled  = "ENABLED"
	StatusDisabled = "DISABLED"
)

// Ticker is the last traded price for a symbol.
type Ticker struct {
	Symbol string
	Price  decimal.Decimal
}

// SymbolRules carries the per-symbol trading constraints from exchangeInfo.
type SymbolRules struct {
	Symbol      string
	Status      string
	BaseAsset   string
	QuoteAsset  string
	MinQty      decimal.Decimal
	MaxQty      decimal.Decimal
	StepSize    decimal.Decimal
	TickSize    decimal.Decimal
	MinNotional decimal.Decimal
}

// CalendarEntry is one upcoming listing from the new-coin calendar.
type CalendarEntry struct {
	VcoinID       string
	VcoinName     string
	VcoinNameFull string
	FirstOpenTime time.Time
	Zone          string
}

// Symbol derives the USDT trading pair for the calendar entry.
func (c CalendarEntry) Symbol() string {
	return c.VcoinName + "USDT"
}

// Balance is a single asset balance from the account endpoint.
type Balance struct {
	Asset  string
	Free   decimal.Decimal
	Locked decimal.Decimal
}

// Account is the spot account snapshot.
type Account struct {
	CanTrade bool
	Balances []Balance
}

// FreeBalance returns the free amount for asset, zero if absent.
func (a Account) FreeBalance(asset string) decimal.Decimal {
	for _, b := range a.Balances {
		if b.Asset == asset {
			return b.Free
		}
	}
	return decimal.Zero
}

// Fill is a single execution inside an order response.
type Fill struct {
	Price           decimal.Decimal `json:"price"`
	Qty             decimal.Decimal `json:"qty"`
	Commission      decimal.Decimal `json:"commission"`
	CommissionAsset string          `json:"commissionAsset"`
}

// Order is the exchange's view of a placed order. Raw preserves the exact
// response body for the immutable trade log.
type Order struct {
	OrderID       string
	Symbol        string
	Side          string
	Type          string
	Status        string
	Price         decimal.Decimal
	OrigQty       decimal.Decimal
	ExecutedQty   decimal.Decimal
	QuoteQty      decimal.Decimal
	Fills         []Fill
	TransactTime  time.Time
	Raw           json.RawMessage
}

// AvgPrice is the volume-weighted execution price, falling back to the
// order's limit price when nothing has executed yet.
func (o Order) AvgPrice() decimal.Decimal {
	if o.ExecutedQty.IsPositive() && o.QuoteQty.IsPositive() {
		return o.QuoteQty.Div(o.ExecutedQty)
	}
	return o.Price
}

// Commission sums commissions across fills. Mixed commission assets are
// summed as-is; the executor only records the total.
func (o Order) Commission() decimal.Decimal {
	total := decimal.Zero
	for _, f := range o.Fills {
		total = total.Add(f.Commission)
	}
	return total
}

// PriceUpdate is one tick from the WebSocket miniTicker stream.
type PriceUpdate struct {
	Symbol string
	Price  decimal.Decimal
	Ts     time.Time
}
