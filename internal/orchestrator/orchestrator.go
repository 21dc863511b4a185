// Package orchestrator owns the bot lifecycle: the BotRun state machine, the
// detection/execution loop, the position monitor and the heartbeat. It is
// the only component that starts or stops background work, and it enforces
// at-most-one non-terminal run per configuration.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"mexc-sniper/internal/common"
	"mexc-sniper/internal/executor"
	"mexc-sniper/internal/metrics"
	"mexc-sniper/internal/monitor"
	"mexc-sniper/internal/retry"
	"mexc-sniper/internal/storage"
)

const (
	heartbeatInterval  = 5 * time.Second
	heartbeatStale     = 15 * time.Second
	readinessLead      = 5 * time.Second
	internalErrorLimit = 3
	internalErrorWin   = 60 * time.Second
)

// Store is the slice of the persistence adapter the orchestrator drives.
type Store interface {
	GetConfiguration(ctx context.Context, id string) (*storage.TradingConfiguration, error)
	ActiveConfiguration(ctx context.Context) (*storage.TradingConfiguration, error)
	InsertBotRun(ctx context.Context, r *storage.BotRun) error
	TransitionBotRun(ctx context.Context, runID, to, errorMessage string) error
	GetBotRun(ctx context.Context, id string) (*storage.BotRun, error)
	ActiveBotRun(ctx context.Context, configurationID string) (*storage.BotRun, error)
	TouchHeartbeat(ctx context.Context, runID string, at time.Time) error
	UpsertBotStatus(ctx context.Context, s *storage.BotStatus) error
	GetBotStatus(ctx context.Context) (*storage.BotStatus, error)
	UnprocessedSignals(ctx context.Context, now time.Time) ([]storage.ListingEvent, error)
	ReadyCalendarSignals(ctx context.Context, now time.Time, lead time.Duration) ([]storage.ListingEvent, error)
	MarkSignalProcessed(ctx context.Context, id string) (bool, error)
}

// TradeExecutor is the slice of the executor the loops call.
type TradeExecutor interface {
	ExecuteTrade(ctx context.Context, req executor.BuyRequest) executor.Result
	ExecuteSellTrade(ctx context.Context, req executor.SellRequest) executor.Result
}

// ListingDetector produces signals in the background.
type ListingDetector interface {
	Initialize(ctx context.Context) error
	Run(ctx context.Context)
}

// PositionMonitor is the sell-condition loop.
type PositionMonitor interface {
	StartMonitoring(ctx context.Context) error
	StopMonitoring()
}

// retryableCodes are trade failures worth a second attempt inside one
// detection cycle.
var retryableCodes = map[string]struct{}{
	"EXCHANGE_UNREACHABLE":        {},
	"RATE_LIMITED":                {},
	"EXCHANGE_ERROR":              {},
	"ORDER_TIMEOUT":               {},
	common.CodeServiceUnavailable: {},
}

// Orchestrator runs at most one bot lifecycle at a time within the process.
type Orchestrator struct {
	store    Store
	detector ListingDetector
	executor TradeExecutor
	monitor  PositionMonitor
	metrics  *metrics.Metrics

	mu             sync.Mutex
	run            *storage.BotRun
	cfg            *storage.TradingConfiguration
	cancel         context.CancelFunc
	wg             sync.WaitGroup
	consecErrors   int
	lastError      string
	internalErrors []time.Time

	now func() time.Time
}

func New(store Store, det ListingDetector, exec TradeExecutor, m *metrics.Metrics) *Orchestrator {
	return &Orchestrator{
		store:    store,
		detector: det,
		executor: exec,
		metrics:  m,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetMonitor wires the position monitor. It must be called before
// StartTradingBot; the monitor's sell intents come back through
// HandleSellIntent.
func (o *Orchestrator) SetMonitor(m PositionMonitor) { o.monitor = m }

// StartTradingBot creates a BotRun for configurationID and launches the
// background loops. A second start while a run is non-terminal fails with
// BOT_ALREADY_RUNNING; the partial unique index on bot_runs closes the race
// between concurrent callers.
func (o *Orchestrator) StartTradingBot(ctx context.Context, configurationID, operatorID string) (*storage.BotRun, error) {
	cfg, err := o.store.GetConfiguration(ctx, configurationID)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, common.NewError(common.KindConfig, common.CodeNoConfiguration,
			"configuration "+configurationID+" not found")
	}

	if active, err := o.store.ActiveBotRun(ctx, configurationID); err != nil {
		return nil, err
	} else if active != nil {
		return nil, common.NewError(common.KindConfig, common.CodeBotAlreadyRunning,
			"run "+active.ID+" is already "+active.Status)
	}

	if err := o.detector.Initialize(ctx); err != nil {
		return nil, err
	}

	now := o.now()
	run := &storage.BotRun{
		ID:              uuid.NewString(),
		ConfigurationID: configurationID,
		OperatorID:      operatorID,
		Status:          storage.RunStarting,
		StartedAt:       now,
		LastHeartbeat:   now,
	}
	if err := o.store.InsertBotRun(ctx, run); err != nil {
		return nil, err
	}

	if err := o.store.TransitionBotRun(ctx, run.ID, storage.RunRunning, ""); err != nil {
		_ = o.store.TransitionBotRun(ctx, run.ID, storage.RunFailed, err.Error())
		return nil, err
	}
	run.Status = storage.RunRunning

	// Loops live on their own context, detached from the request that
	// started the bot.
	loopCtx, cancel := context.WithCancel(context.Background())

	o.mu.Lock()
	o.run = run
	o.cfg = cfg
	o.cancel = cancel
	o.consecErrors = 0
	o.internalErrors = nil
	o.mu.Unlock()

	o.persistStatus(ctx, true, "")

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.detector.Run(loopCtx)
	}()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.detectionLoop(loopCtx, cfg)
	}()

	if err := o.monitor.StartMonitoring(loopCtx); err != nil {
		cancel()
		o.wg.Wait()
		_ = o.store.TransitionBotRun(ctx, run.ID, storage.RunFailed, err.Error())
		o.mu.Lock()
		o.run = nil
		o.cancel = nil
		o.mu.Unlock()
		return nil, err
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.heartbeatLoop(loopCtx, run.ID)
	}()

	log.Info().
		Str("runId", run.ID).
		Str("configurationId", configurationID).
		Msg("trading bot started")
	return run, nil
}

// StopTradingBot transitions the current run to stopping, cancels the loops
// cooperatively, waits for them to drain and finalizes the run as stopped.
// Stopping an already stopped bot returns the terminal run unchanged.
func (o *Orchestrator) StopTradingBot(ctx context.Context, runID string) (*storage.BotRun, error) {
	o.mu.Lock()
	run := o.run
	cancel := o.cancel
	o.mu.Unlock()

	if run == nil || (runID != "" && runID != run.ID) {
		if runID != "" {
			if r, err := o.store.GetBotRun(ctx, runID); err == nil && r != nil && r.Terminal() {
				return r, nil
			}
		}
		return nil, common.NewError(common.KindConfig, common.CodeBotNotRunning, "no active run")
	}

	if err := o.store.TransitionBotRun(ctx, run.ID, storage.RunStopping, ""); err != nil {
		return nil, err
	}

	if cancel != nil {
		cancel()
	}
	o.wg.Wait()
	o.monitor.StopMonitoring()

	if err := o.store.TransitionBotRun(ctx, run.ID, storage.RunStopped, ""); err != nil {
		return nil, err
	}
	o.persistStatus(ctx, false, "")

	o.mu.Lock()
	o.run = nil
	o.cancel = nil
	o.mu.Unlock()

	log.Info().Str("runId", run.ID).Msg("trading bot stopped")
	return o.store.GetBotRun(ctx, run.ID)
}

// ExecuteManualTrade places a buy outside the detection loop. The bot must
// be running; the enabledPairs check is bypassed but every other gate runs.
func (o *Orchestrator) ExecuteManualTrade(ctx context.Context, symbol, strategy string) (executor.Result, error) {
	o.mu.Lock()
	running := o.run != nil && o.run.Status == storage.RunRunning
	o.mu.Unlock()

	if !running {
		return executor.Result{}, common.NewError(common.KindConfig, common.CodeBotNotRunning,
			"bot is not running")
	}

	res := o.executor.ExecuteTrade(ctx, executor.BuyRequest{
		Symbol:     symbol,
		Strategy:   strategy,
		DetectedAt: o.now(),
		Manual:     true,
	})
	return res, nil
}

// HandleSellIntent dispatches a monitor sell decision into the executor.
func (o *Orchestrator) HandleSellIntent(ctx context.Context, intent monitor.SellIntent) {
	res := o.executor.ExecuteSellTrade(ctx, executor.SellRequest{
		Symbol:     intent.Symbol,
		Quantity:   intent.Quantity,
		Strategy:   storage.TypeMarket,
		SellReason: intent.Reason,
	})
	if !res.Success && res.ErrorCode != common.CodeInFlight && res.ErrorCode != common.CodeNoPosition {
		log.Warn().
			Str("symbol", intent.Symbol).
			Str("code", res.ErrorCode).
			Msg("sell intent failed: " + res.Error)
	}
	if res.Success && o.metrics != nil {
		o.metrics.OrdersTotal.WithLabelValues(storage.SideSell).Inc()
	}
}

// CurrentRun returns the in-memory run, nil when idle.
func (o *Orchestrator) CurrentRun() *storage.BotRun {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.run == nil {
		return nil
	}
	r := *o.run
	return &r
}

// detectionLoop picks up fresh signals every polling interval and feeds them
// into the executor. Failures are logged and counted; the loop only exits on
// cancellation.
func (o *Orchestrator) detectionLoop(ctx context.Context, cfg *storage.TradingConfiguration) {
	ticker := time.NewTicker(cfg.PollingInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if o.metrics != nil {
				o.metrics.DetectionCycles.Inc()
			}
			if err := o.detectionCycle(ctx, cfg); err != nil && ctx.Err() == nil {
				o.recordLoopError(ctx, err)
			} else if err == nil {
				o.clearLoopError()
			}
		}
	}
}

// detectionCycle gathers tradable signals, deduplicates by symbol and trades
// each enabled one with a bounded retry.
func (o *Orchestrator) detectionCycle(ctx context.Context, cfg *storage.TradingConfiguration) error {
	now := o.now()

	unprocessed, err := o.store.UnprocessedSignals(ctx, now)
	if err != nil {
		return err
	}
	ready, err := o.store.ReadyCalendarSignals(ctx, now, readinessLead)
	if err != nil {
		return err
	}

	// union, one signal per symbol, ready ones first
	bySymbol := make(map[string]storage.ListingEvent)
	for _, s := range ready {
		bySymbol[s.Symbol] = s
	}
	for _, s := range unprocessed {
		if !signalReady(s, now) {
			continue
		}
		if _, ok := bySymbol[s.Symbol]; !ok {
			bySymbol[s.Symbol] = s
		}
	}

	for symbol, signal := range bySymbol {
		if !cfg.PairEnabled(symbol) {
			continue
		}

		var res executor.Result
		err := retry.Do(ctx, retry.DefaultPolicy(), func(err error) bool {
			code := common.CodeOf(err)
			_, ok := retryableCodes[code]
			return ok
		}, func() error {
			res = o.executor.ExecuteTrade(ctx, executor.BuyRequest{
				Symbol:         symbol,
				Strategy:       storage.TypeMarket,
				ListingEventID: signal.ID,
				DetectedAt:     signal.DetectedAt,
			})
			if res.Success {
				return nil
			}
			return common.NewError(common.KindTransientExchange, res.ErrorCode, res.Error)
		})

		if err == nil && res.Success {
			if o.metrics != nil {
				o.metrics.OrdersTotal.WithLabelValues(storage.SideBuy).Inc()
				o.metrics.SignalsProcessed.Inc()
			}
			o.markSymbolProcessed(ctx, symbol, append(unprocessed, ready...))
		} else {
			if o.metrics != nil && res.ErrorCode != "" {
				o.metrics.TradesFailed.WithLabelValues(res.ErrorCode).Inc()
			}
			log.Debug().
				Str("symbol", symbol).
				Str("code", res.ErrorCode).
				Msg("signal not traded")
		}
	}
	return nil
}

// signalReady applies the per-source readiness rule: symbol-diff signals are
// immediately tradable, calendar signals only within the lead window before
// their listing time.
func signalReady(s storage.ListingEvent, now time.Time) bool {
	if s.DetectionSource == storage.SourceSymbolComparison {
		return true
	}
	return !s.ListingTime.After(now.Add(readinessLead))
}

// markSymbolProcessed flips every gathered signal for symbol. The UPDATE is
// guarded on processed=0, so each signal is consumed at most once.
func (o *Orchestrator) markSymbolProcessed(ctx context.Context, symbol string, signals []storage.ListingEvent) {
	seen := make(map[string]struct{})
	for _, s := range signals {
		if s.Symbol != symbol {
			continue
		}
		if _, dup := seen[s.ID]; dup {
			continue
		}
		seen[s.ID] = struct{}{}
		if _, err := o.store.MarkSignalProcessed(ctx, s.ID); err != nil {
			log.Warn().Err(err).Str("signalId", s.ID).Msg("failed to mark signal processed")
		}
	}
}

// heartbeatLoop writes liveness every 5s and watches for staleness: a
// heartbeat older than 15s marks the run failed.
func (o *Orchestrator) heartbeatLoop(ctx context.Context, runID string) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := o.now()

			run, err := o.store.GetBotRun(ctx, runID)
			if err == nil && run != nil && !run.Terminal() &&
				now.Sub(run.LastHeartbeat) > heartbeatStale {
				log.Error().
					Str("runId", runID).
					Time("lastHeartbeat", run.LastHeartbeat).
					Msg("heartbeat stale, failing run")
				_ = o.store.TransitionBotRun(ctx, runID, storage.RunFailed, "heartbeat stale")
				return
			}

			if err := o.store.TouchHeartbeat(ctx, runID, now); err != nil {
				log.Warn().Err(err).Msg("heartbeat write failed")
				continue
			}
			if o.metrics != nil {
				o.metrics.Heartbeats.Inc()
			}
			o.persistStatus(ctx, true, "")
		}
	}
}

// recordLoopError counts a background failure. Internal errors recurring
// three times inside a minute escalate to a failed run.
func (o *Orchestrator) recordLoopError(ctx context.Context, err error) {
	o.mu.Lock()
	o.consecErrors++
	o.lastError = err.Error()
	consec := o.consecErrors
	var escalate bool
	var runID string
	if common.KindOf(err) == common.KindInternal {
		now := o.now()
		kept := o.internalErrors[:0]
		for _, t := range o.internalErrors {
			if now.Sub(t) <= internalErrorWin {
				kept = append(kept, t)
			}
		}
		o.internalErrors = append(kept, now)
		if len(o.internalErrors) >= internalErrorLimit && o.run != nil {
			escalate = true
			runID = o.run.ID
		}
	}
	cancel := o.cancel
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.ConsecutiveErrors.Set(float64(consec))
	}
	log.Error().Err(err).Int("consecutive", consec).Msg("detection loop error")
	o.persistStatus(ctx, true, err.Error())

	if escalate {
		log.Error().Str("runId", runID).Msg("recurring internal errors, failing run")
		_ = o.store.TransitionBotRun(ctx, runID, storage.RunFailed, "recurring internal errors")
		if cancel != nil {
			cancel()
		}
	}
}

func (o *Orchestrator) clearLoopError() {
	o.mu.Lock()
	o.consecErrors = 0
	o.mu.Unlock()
	if o.metrics != nil {
		o.metrics.ConsecutiveErrors.Set(0)
	}
}

func (o *Orchestrator) persistStatus(ctx context.Context, running bool, lastError string) {
	o.mu.Lock()
	consec := o.consecErrors
	if lastError == "" {
		lastError = o.lastError
	}
	o.mu.Unlock()

	now := o.now()
	status := &storage.BotStatus{
		ID:                storage.BotStatusID,
		IsRunning:         running,
		LastHeartbeat:     now,
		ExchangeAPIStatus: "ok",
		ConsecutiveErrors: consec,
		LastErrorMessage:  lastError,
		UpdatedAt:         now,
	}
	if err := o.store.UpsertBotStatus(ctx, status); err != nil {
		log.Warn().Err(err).Msg("bot status write failed")
	}
}
