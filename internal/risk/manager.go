// Package risk enforces the position-size and loss caps that gate every
// order, and keeps the process-local realized PnL ledger the daily-loss cap
// is computed from.
package risk

import (
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"mexc-sniper/internal/common"
)

// Config carries the risk limits. Percent fields are fractions, not bps.
type Config struct {
	MaxPositionSizePercent decimal.Decimal // cap on order value / portfolio value
	MaxDailyLossPercent    decimal.Decimal // cap on |dailyPnL| / portfolio value
	MaxLeverage            int
	RequireStopLoss        bool
}

// DefaultConfig mirrors the production limits: 2% position cap, 5% daily
// loss cap, stop-loss mandatory on buys.
func DefaultConfig() Config {
	return Config{
		MaxPositionSizePercent: decimal.NewFromFloat(0.02),
		MaxDailyLossPercent:    decimal.NewFromFloat(0.05),
		MaxLeverage:            2,
		RequireStopLoss:        true,
	}
}

// OrderRequest is the order under risk review. A non-positive StopLoss means
// no stop-loss was supplied.
type OrderRequest struct {
	Symbol         string
	Side           string
	Quantity       decimal.Decimal
	Price          decimal.Decimal
	StopLoss       decimal.Decimal
	PortfolioValue decimal.Decimal
}

// Metrics exposes the numbers behind a verdict.
type Metrics struct {
	PositionValue    decimal.Decimal `json:"positionValue"`
	PortfolioPercent decimal.Decimal `json:"portfolioPercent"`
	MaxLoss          decimal.Decimal `json:"maxLoss"`
	DailyPnL         decimal.Decimal `json:"dailyPnL"`
}

// Verdict is the outcome of ValidateOrder. When the position size was capped,
// Adjusted is true and AdjustedQuantity holds the reduced quantity (possibly
// zero, in which case the order must not be placed).
type Verdict struct {
	Approved         bool
	Adjusted         bool
	AdjustedQuantity decimal.Decimal
	Reason           string
	Metrics          Metrics
}

// Manager is the process-wide risk gate. dailyPnL accumulates realized PnL
// from every closed trade and resets at the operator's discretion.
type Manager struct {
	mu       sync.Mutex
	cfg      Config
	dailyPnL decimal.Decimal
}

func NewManager(cfg Config) *Manager {
	return &Manager{cfg: cfg}
}

// ValidateOrder applies the risk checks in their fixed order: daily loss cap,
// position size cap, stop-loss requirement.
func (m *Manager) ValidateOrder(req OrderRequest) Verdict {
	m.mu.Lock()
	pnl := m.dailyPnL
	m.mu.Unlock()

	value := req.Quantity.Mul(req.Price)
	metrics := Metrics{
		PositionValue: value,
		DailyPnL:      pnl,
	}
	if req.PortfolioValue.IsPositive() {
		metrics.PortfolioPercent = value.Div(req.PortfolioValue)
	}

	if req.PortfolioValue.IsPositive() &&
		pnl.Abs().Div(req.PortfolioValue).GreaterThanOrEqual(m.cfg.MaxDailyLossPercent) {
		return Verdict{Approved: false, Reason: common.CodeDailyLossLimit, Metrics: metrics}
	}

	if req.PortfolioValue.IsPositive() &&
		metrics.PortfolioPercent.GreaterThan(m.cfg.MaxPositionSizePercent) {
		adjusted := req.PortfolioValue.Mul(m.cfg.MaxPositionSizePercent).Div(req.Price).Floor()
		metrics.PositionValue = adjusted.Mul(req.Price)
		metrics.PortfolioPercent = metrics.PositionValue.Div(req.PortfolioValue)
		log.Debug().
			Str("symbol", req.Symbol).
			Str("requested", req.Quantity.String()).
			Str("adjusted", adjusted.String()).
			Msg("position size capped")
		return Verdict{
			Approved:         adjusted.IsPositive(),
			Adjusted:         true,
			AdjustedQuantity: adjusted,
			Reason:           common.CodePositionSizeAdjusted,
			Metrics:          metrics,
		}
	}

	if req.Side == "BUY" && m.cfg.RequireStopLoss && !req.StopLoss.IsPositive() {
		return Verdict{Approved: false, Reason: common.CodeStopLossRequired, Metrics: metrics}
	}

	if req.StopLoss.IsPositive() {
		metrics.MaxLoss = req.Quantity.Mul(req.Price.Sub(req.StopLoss).Abs())
	} else {
		metrics.MaxLoss = value
	}
	return Verdict{Approved: true, Metrics: metrics}
}

// RecordTrade accumulates realized PnL into the daily ledger.
func (m *Manager) RecordTrade(pnl decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dailyPnL = m.dailyPnL.Add(pnl)
}

// DailyPnL returns the accumulated realized PnL since the last reset.
func (m *Manager) DailyPnL() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dailyPnL
}

// ResetDailyPnL zeroes the ledger. Calling it repeatedly is harmless.
func (m *Manager) ResetDailyPnL() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dailyPnL = decimal.Zero
}

// CalculateKellyPosition sizes a position from the Kelly criterion:
// f = p - (1-p)/r, clipped to [0, maxPositionSizePercent]. The returned
// quantity risks balance*f across the entry-to-stop distance.
func (m *Manager) CalculateKellyPosition(winRate, rewardRisk float64, balance, entry, stop decimal.Decimal) (decimal.Decimal, error) {
	if winRate < 0 || winRate > 1 || rewardRisk <= 0 {
		return decimal.Zero, common.NewError(common.KindRisk, common.CodeInvalidParams,
			"win rate must be within [0,1] and reward/risk positive")
	}
	if !balance.IsPositive() || !entry.IsPositive() {
		return decimal.Zero, common.NewError(common.KindRisk, common.CodeInvalidParams,
			"balance and entry price must be positive")
	}
	riskPerUnit := entry.Sub(stop).Abs()
	if !riskPerUnit.IsPositive() {
		return decimal.Zero, common.NewError(common.KindRisk, common.CodeInvalidParams,
			"stop price must differ from entry price")
	}

	p := decimal.NewFromFloat(winRate)
	q := decimal.NewFromInt(1).Sub(p)
	r := decimal.NewFromFloat(rewardRisk)

	fraction := p.Sub(q.Div(r))
	if fraction.IsNegative() {
		fraction = decimal.Zero
	}
	if fraction.GreaterThan(m.cfg.MaxPositionSizePercent) {
		fraction = m.cfg.MaxPositionSizePercent
	}

	return balance.Mul(fraction).Div(riskPerUnit), nil
}
