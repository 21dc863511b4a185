// Package monitor re-prices open positions on a fixed cadence and decides
// when they should be sold according to the active configuration's sell
// strategy. It only emits sell intents; order placement stays with the
// trade executor.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"mexc-sniper/internal/common"
	"mexc-sniper/internal/exchange/mexc"
	"mexc-sniper/internal/storage"
	"mexc-sniper/internal/tracker"
)

const tickInterval = 2 * time.Second

// Sell reasons carried on the SELL trade attempt.
const (
	ReasonProfitTarget = "PROFIT_TARGET"
	ReasonStopLoss     = "STOP_LOSS"
	ReasonTimeBased    = "TIME_BASED"
)

// SellIntent asks the orchestrator to close (part of) a position.
type SellIntent struct {
	Symbol   string
	Quantity decimal.Decimal
	Reason   string
}

// Positions is the slice of the tracker the monitor uses.
type Positions interface {
	Snapshot(ctx context.Context) ([]tracker.Position, error)
	UpdatePosition(symbol string, currentPrice, quantity decimal.Decimal) bool
}

// ConfigSource loads the active trading configuration.
type ConfigSource interface {
	ActiveConfiguration(ctx context.Context) (*storage.TradingConfiguration, error)
}

// Ticker fetches the current price for a symbol.
type Ticker interface {
	Ticker(ctx context.Context, symbol string) (mexc.Ticker, error)
}

// Monitor runs the 2-second evaluation loop.
type Monitor struct {
	positions Positions
	configs   ConfigSource
	exchange  Ticker
	onSell    func(context.Context, SellIntent)

	mu          sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
	trailWarned bool

	now func() time.Time
}

// New creates a monitor. onSell receives every sell intent; it must be safe
// for concurrent use.
func New(positions Positions, configs ConfigSource, exchange Ticker, onSell func(context.Context, SellIntent)) *Monitor {
	return &Monitor{
		positions: positions,
		configs:   configs,
		exchange:  exchange,
		onSell:    onSell,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// StartMonitoring launches the loop. A second start while running fails
// with MONITOR_ALREADY_RUNNING.
func (m *Monitor) StartMonitoring(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		return common.NewError(common.KindConfig, common.CodeMonitorRunning,
			"position monitor is already running")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go m.loop(loopCtx, m.done)
	log.Info().Dur("interval", tickInterval).Msg("position monitor started")
	return nil
}

// StopMonitoring cancels the loop and waits for it to drain. Stopping a
// stopped monitor is a no-op.
func (m *Monitor) StopMonitoring() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	log.Info().Msg("position monitor stopped")
}

func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Tick(ctx); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("monitor tick failed")
			}
		}
	}
}

// Tick runs one evaluation pass: snapshot positions, load the active
// configuration, refresh prices, evaluate sell conditions.
func (m *Monitor) Tick(ctx context.Context) error {
	positions, err := m.positions.Snapshot(ctx)
	if err != nil {
		return err
	}
	if len(positions) == 0 {
		return nil
	}

	cfg, err := m.configs.ActiveConfiguration(ctx)
	if err != nil {
		return err
	}
	if cfg == nil {
		return nil
	}

	if cfg.SellStrategy == storage.StrategyTrailingStop && !m.trailWarned {
		m.trailWarned = true
		log.Warn().Msg("TRAILING_STOP is reserved and never triggers sells")
	}

	now := m.now()
	for _, p := range positions {
		if ticker, err := m.exchange.Ticker(ctx, p.Symbol); err == nil && ticker.Price.IsPositive() {
			m.positions.UpdatePosition(p.Symbol, ticker.Price, decimal.Zero)
			p.CurrentPrice = ticker.Price
		}

		reason, sell := Evaluate(p, cfg, now)
		if !sell {
			continue
		}
		log.Info().
			Str("symbol", p.Symbol).
			Str("reason", reason).
			Str("entry", p.EntryPrice.String()).
			Str("current", p.CurrentPrice.String()).
			Msg("sell condition met")
		m.onSell(ctx, SellIntent{Symbol: p.Symbol, Quantity: p.Quantity, Reason: reason})
	}
	return nil
}

// ApplyPriceUpdate feeds a WebSocket tick into the tracker. It is the fast
// path; the REST ticker in Tick remains the fallback.
func (m *Monitor) ApplyPriceUpdate(u mexc.PriceUpdate) {
	if u.Price.IsPositive() {
		m.positions.UpdatePosition(u.Symbol, u.Price, decimal.Zero)
	}
}

var (
	bpsDenominator = decimal.NewFromInt(10000)
	one            = decimal.NewFromInt(1)
)

// Evaluate decides whether position p should be sold under cfg at now.
// For COMBINED the first condition met wins in the order profit target,
// stop loss, time based. TRAILING_STOP never fires.
func Evaluate(p tracker.Position, cfg *storage.TradingConfiguration, now time.Time) (reason string, sell bool) {
	profitTarget := p.EntryPrice.Mul(one.Add(decimal.NewFromInt(cfg.ProfitTargetBps).Div(bpsDenominator)))
	stopLoss := p.EntryPrice.Mul(one.Sub(decimal.NewFromInt(cfg.StopLossBps).Div(bpsDenominator)))
	timeExit := !p.EntryTime.IsZero() &&
		!now.Before(p.EntryTime.Add(time.Duration(cfg.TimeBasedExitMinutes)*time.Minute))

	profitMet := p.CurrentPrice.GreaterThanOrEqual(profitTarget)
	stopMet := p.CurrentPrice.LessThanOrEqual(stopLoss)

	switch cfg.SellStrategy {
	case storage.StrategyProfitTarget:
		if profitMet {
			return ReasonProfitTarget, true
		}
	case storage.StrategyStopLoss:
		if stopMet {
			return ReasonStopLoss, true
		}
	case storage.StrategyTimeBased:
		if timeExit {
			return ReasonTimeBased, true
		}
	case storage.StrategyCombined:
		switch {
		case profitMet:
			return ReasonProfitTarget, true
		case stopMet:
			return ReasonStopLoss, true
		case timeExit:
			return ReasonTimeBased, true
		}
	case storage.StrategyTrailingStop:
		// reserved: watermark semantics are not defined yet
	}
	return "", false
}
