// Package executor orchestrates individual trades: configuration lookup,
// the validation/risk/safety gates, order submission, durable trade-attempt
// records and position updates. One buy and one sell may be in flight per
// symbol at a time; different symbols trade concurrently.
package executor

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"mexc-sniper/internal/common"
	"mexc-sniper/internal/exchange/mexc"
	"mexc-sniper/internal/risk"
	"mexc-sniper/internal/rules"
	"mexc-sniper/internal/safety"
	"mexc-sniper/internal/storage"
	"mexc-sniper/internal/tracker"
)

// Micro-position sizing: a tenth of the configured purchase budget, never
// more than 10 quote units on a brand-new pair.
var (
	sizingFraction = decimal.NewFromFloat(0.1)
	sizingCap      = decimal.NewFromInt(10)

	limitBuyMarkup    = decimal.NewFromFloat(1.01)
	limitSellMarkdown = decimal.NewFromFloat(0.99)

	bpsDenominator = decimal.NewFromInt(10000)
)

// Exchange is the slice of the exchange client the executor drives.
type Exchange interface {
	Ticker(ctx context.Context, symbol string) (mexc.Ticker, error)
	Account(ctx context.Context) (mexc.Account, error)
	PlaceMarketBuy(ctx context.Context, symbol string, qty decimal.Decimal) (mexc.Order, error)
	PlaceLimitBuy(ctx context.Context, symbol string, qty, price decimal.Decimal) (mexc.Order, error)
	PlaceMarketSell(ctx context.Context, symbol string, qty decimal.Decimal) (mexc.Order, error)
	PlaceLimitSell(ctx context.Context, symbol string, qty, price decimal.Decimal) (mexc.Order, error)
}

// Store is the slice of the persistence adapter the executor writes through.
type Store interface {
	ActiveConfiguration(ctx context.Context) (*storage.TradingConfiguration, error)
	InsertTradeAttempt(ctx context.Context, t *storage.TradeAttempt) error
	AppendTradeLog(ctx context.Context, l *storage.TradeLog) error
	GetTradeAttempt(ctx context.Context, id string) (*storage.TradeAttempt, error)
	ValidateSellQuantity(ctx context.Context, parentID, symbol string, sellQty decimal.Decimal) error
}

// Validator is the order-rule gate.
type Validator interface {
	Validate(ctx context.Context, symbol string, price, qty decimal.Decimal) (rules.Result, error)
	AdjustQuantity(ctx context.Context, symbol string, qty decimal.Decimal) (decimal.Decimal, error)
}

// Risk is the risk-manager gate plus the realized PnL ledger.
type Risk interface {
	ValidateOrder(req risk.OrderRequest) risk.Verdict
	RecordTrade(pnl decimal.Decimal)
}

// Safety is the hourly/daily cap gate.
type Safety interface {
	Check(ctx context.Context, quoteAmount decimal.Decimal, limits safety.Limits) safety.Result
}

// Positions is the slice of the position tracker the executor mutates.
type Positions interface {
	Get(symbol string) (tracker.Position, bool)
	AddPosition(p tracker.Position) error
	RemovePosition(symbol string)
	UpdatePosition(symbol string, currentPrice, quantity decimal.Decimal) bool
}

// BuyRequest describes one buy attempt.
type BuyRequest struct {
	Symbol         string
	Strategy       string // MARKET or LIMIT
	ListingEventID string
	DetectedAt     time.Time
	Manual         bool // manual trades bypass the enabledPairs check only
}

// SellRequest describes one sell attempt.
type SellRequest struct {
	Symbol        string
	Quantity      decimal.Decimal
	Strategy      string // MARKET or LIMIT
	SellReason    string
	ParentTradeID string
}

// Result is the outcome of one executed trade.
type Result struct {
	Success          bool            `json:"success"`
	TradeAttemptID   string          `json:"tradeAttemptId,omitempty"`
	OrderID          string          `json:"orderId,omitempty"`
	ExecutedPrice    decimal.Decimal `json:"executedPrice"`
	ExecutedQuantity decimal.Decimal `json:"executedQuantity"`
	ExecutionTime    time.Duration   `json:"executionTime"`
	ErrorCode        string          `json:"errorCode,omitempty"`
	Error            string          `json:"error,omitempty"`
}

// Executor runs the buy and sell pipelines.
type Executor struct {
	exchange  Exchange
	store     Store
	validator Validator
	risk      Risk
	safety    Safety
	positions Positions

	inflight *inflight
	now      func() time.Time
}

func New(exchange Exchange, store Store, validator Validator, riskMgr Risk, safetyChk Safety, positions Positions) *Executor {
	return &Executor{
		exchange:  exchange,
		store:     store,
		validator: validator,
		risk:      riskMgr,
		safety:    safetyChk,
		positions: positions,
		inflight:  newInflight(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// ExecuteTrade runs the buy pipeline for req. Exactly one buy per symbol is
// in flight at a time; a concurrent caller gets IN_FLIGHT without the
// exchange being contacted.
func (e *Executor) ExecuteTrade(ctx context.Context, req BuyRequest) Result {
	start := e.now()

	if !e.inflight.acquire(storage.SideBuy, req.Symbol) {
		return Result{ErrorCode: common.CodeInFlight,
			Error: "a buy for " + req.Symbol + " is already in flight"}
	}
	defer e.inflight.release(storage.SideBuy, req.Symbol)

	cfg, err := e.store.ActiveConfiguration(ctx)
	if err != nil {
		return e.failBuy(ctx, req, nil, start, decimal.Zero, decimal.Zero,
			common.KindInternal, "CONFIG_LOAD_FAILED", err.Error())
	}
	if cfg == nil || (!req.Manual && !cfg.PairEnabled(req.Symbol)) {
		return e.failBuy(ctx, req, cfg, start, decimal.Zero, decimal.Zero,
			common.KindConfig, common.CodeNoConfiguration,
			"no active configuration enables "+req.Symbol)
	}

	// Sizing: a micro-position in quote units, converted at the live price.
	tradeQuote := decimal.Min(cfg.MaxPurchaseAmount.Mul(sizingFraction), sizingCap)
	ticker, err := e.exchange.Ticker(ctx, req.Symbol)
	if err != nil {
		return e.failBuy(ctx, req, cfg, start, decimal.Zero, decimal.Zero,
			common.KindOf(err), firstNonEmpty(common.CodeOf(err), common.CodeInvalidPrice), err.Error())
	}
	price := ticker.Price
	if !price.IsPositive() {
		return e.failBuy(ctx, req, cfg, start, decimal.Zero, decimal.Zero,
			common.KindValidation, common.CodeInvalidPrice, "ticker returned non-positive price")
	}
	qty := tradeQuote.Div(price)
	if adjusted, err := e.validator.AdjustQuantity(ctx, req.Symbol, qty); err == nil && adjusted.IsPositive() {
		qty = adjusted
	}

	// Gate 1: safety caps from the durable trade log.
	if cfg.SafetyEnabled {
		check := e.safety.Check(ctx, qty.Mul(price), safety.Limits{
			MaxTradesPerHour:   cfg.MaxTradesPerHour,
			DailySpendingLimit: cfg.DailySpendingLimit,
		})
		if !check.CanTrade {
			return e.failBuy(ctx, req, cfg, start, qty, price,
				common.KindSafety, check.Reason, "safety check rejected trade: "+check.Reason)
		}
	}

	// Gate 2: exchange rules.
	validation, err := e.validator.Validate(ctx, req.Symbol, price, qty)
	if err != nil {
		return e.failBuy(ctx, req, cfg, start, qty, price,
			common.KindOf(err), common.CodeRulesUnknown, err.Error())
	}
	if !validation.Valid {
		return e.failBuy(ctx, req, cfg, start, qty, price,
			common.KindValidation, "ORDER_VALIDATION_FAILED", strings.Join(validation.Errors, "; "))
	}

	// Gate 3: risk limits, with the configured stop-loss distance.
	portfolio := e.portfolioValue(ctx)
	stopLoss := price.Mul(decimal.NewFromInt(1).Sub(decimal.NewFromInt(cfg.StopLossBps).Div(bpsDenominator)))
	verdict := e.risk.ValidateOrder(risk.OrderRequest{
		Symbol:         req.Symbol,
		Side:           storage.SideBuy,
		Quantity:       qty,
		Price:          price,
		StopLoss:       stopLoss,
		PortfolioValue: portfolio,
	})
	if verdict.Adjusted && verdict.AdjustedQuantity.IsPositive() {
		qty = verdict.AdjustedQuantity
	}
	if !verdict.Approved || (verdict.Adjusted && !verdict.AdjustedQuantity.IsPositive()) {
		return e.failBuy(ctx, req, cfg, start, qty, price,
			common.KindRisk, verdict.Reason, "Risk validation failed: "+verdict.Reason)
	}

	// Submission.
	submittedAt := e.now()
	var order mexc.Order
	if req.Strategy == storage.TypeLimit {
		order, err = e.exchange.PlaceLimitBuy(ctx, req.Symbol, qty, price.Mul(limitBuyMarkup))
	} else {
		order, err = e.exchange.PlaceMarketBuy(ctx, req.Symbol, qty)
	}
	if err != nil {
		return e.failBuy(ctx, req, cfg, start, qty, price,
			common.KindOf(err), firstNonEmpty(common.CodeOf(err), "ORDER_FAILED"), err.Error())
	}

	execPrice := order.AvgPrice()
	execQty := order.ExecutedQty
	if !execQty.IsPositive() {
		execQty = qty
	}
	if !execPrice.IsPositive() {
		execPrice = price
	}

	attempt := e.newAttempt(req.Symbol, storage.SideBuy, req.Strategy, qty, price, cfg, req.ListingEventID, req.DetectedAt, submittedAt)
	attempt.Status = storage.TradeSuccess
	attempt.OrderID = order.OrderID
	attempt.ExecutedQuantity = execQty
	attempt.ExecutedPrice = execPrice
	attempt.Commission = order.Commission()
	attempt.CompletedAt = e.now()
	if err := e.store.InsertTradeAttempt(ctx, attempt); err != nil {
		log.Error().Err(err).Str("symbol", req.Symbol).Msg("failed to persist buy attempt")
	}
	e.appendLog(ctx, attempt.ID, order)

	// The position becomes visible only after the buy row is durable.
	if err := e.positions.AddPosition(tracker.Position{
		Symbol:         req.Symbol,
		Quantity:       execQty,
		EntryPrice:     execPrice,
		EntryTime:      attempt.CompletedAt,
		CurrentPrice:   execPrice,
		BuyOrderID:     order.OrderID,
		TradeAttemptID: attempt.ID,
	}); err != nil {
		log.Error().Err(err).Str("symbol", req.Symbol).Msg("failed to track position")
	}

	log.Info().
		Str("symbol", req.Symbol).
		Str("orderId", order.OrderID).
		Str("qty", execQty.String()).
		Str("price", execPrice.String()).
		Int64("latencyMs", attempt.LatencyMs).
		Msg("buy executed")

	return Result{
		Success:          true,
		TradeAttemptID:   attempt.ID,
		OrderID:          order.OrderID,
		ExecutedPrice:    execPrice,
		ExecutedQuantity: execQty,
		ExecutionTime:    e.now().Sub(start),
	}
}

// ExecuteSellTrade runs the sell pipeline: position lookup, quantity check,
// order, linked trade attempt, position drain and realized PnL.
func (e *Executor) ExecuteSellTrade(ctx context.Context, req SellRequest) Result {
	start := e.now()

	if !e.inflight.acquire(storage.SideSell, req.Symbol) {
		return Result{ErrorCode: common.CodeInFlight,
			Error: "a sell for " + req.Symbol + " is already in flight"}
	}
	defer e.inflight.release(storage.SideSell, req.Symbol)

	pos, ok := e.positions.Get(req.Symbol)
	if !ok {
		return Result{ErrorCode: common.CodeNoPosition,
			Error: "no open position for " + req.Symbol}
	}

	sellQty := req.Quantity
	if !sellQty.IsPositive() {
		sellQty = pos.Quantity
	}
	if sellQty.GreaterThan(pos.Quantity) {
		return Result{ErrorCode: common.CodeInsufficientQuantity,
			Error: "sell quantity exceeds position quantity"}
	}

	// Resolve the parent BUY; the sell row inherits its signal and
	// configuration linkage.
	parentID := req.ParentTradeID
	if parentID == "" {
		parentID = pos.TradeAttemptID
	}
	var parent *storage.TradeAttempt
	if parentID != "" {
		var err error
		parent, err = e.store.GetTradeAttempt(ctx, parentID)
		if err != nil {
			return Result{ErrorCode: "PARENT_LOOKUP_FAILED", Error: err.Error()}
		}
		if err := e.store.ValidateSellQuantity(ctx, parentID, req.Symbol, sellQty); err != nil {
			return Result{ErrorCode: common.CodeOf(err), Error: err.Error()}
		}
	}

	submittedAt := e.now()
	var (
		order mexc.Order
		err   error
	)
	if req.Strategy == storage.TypeLimit {
		order, err = e.exchange.PlaceLimitSell(ctx, req.Symbol, sellQty, pos.CurrentPrice.Mul(limitSellMarkdown))
	} else {
		order, err = e.exchange.PlaceMarketSell(ctx, req.Symbol, sellQty)
	}

	attempt := &storage.TradeAttempt{
		ID:            uuid.NewString(),
		Symbol:        req.Symbol,
		Side:          storage.SideSell,
		Type:          orderType(req.Strategy),
		Quantity:      sellQty,
		DetectedAt:    submittedAt,
		SubmittedAt:   submittedAt,
		ParentTradeID: parentID,
		PositionID:    parentID,
		SellReason:    req.SellReason,
		CreatedAt:     submittedAt,
	}
	if parent != nil {
		attempt.ListingEventID = parent.ListingEventID
		attempt.ConfigurationID = parent.ConfigurationID
		attempt.ConfigSnapshot = parent.ConfigSnapshot
	}

	if err != nil {
		attempt.Status = storage.TradeFailed
		attempt.ErrorCode = firstNonEmpty(common.CodeOf(err), "ORDER_FAILED")
		attempt.ErrorMessage = err.Error()
		attempt.CompletedAt = e.now()
		if perr := e.store.InsertTradeAttempt(ctx, attempt); perr != nil {
			log.Error().Err(perr).Str("symbol", req.Symbol).Msg("failed to persist sell attempt")
		}
		return Result{TradeAttemptID: attempt.ID, ErrorCode: attempt.ErrorCode, Error: err.Error()}
	}

	execPrice := order.AvgPrice()
	execQty := order.ExecutedQty
	if !execQty.IsPositive() {
		execQty = sellQty
	}
	if !execPrice.IsPositive() {
		execPrice = pos.CurrentPrice
	}
	realized := execPrice.Sub(pos.EntryPrice).Mul(execQty)

	attempt.Status = storage.TradeSuccess
	attempt.OrderID = order.OrderID
	attempt.ExecutedQuantity = execQty
	attempt.ExecutedPrice = execPrice
	attempt.Commission = order.Commission()
	attempt.RealizedPnL = realized
	attempt.CompletedAt = e.now()
	if err := e.store.InsertTradeAttempt(ctx, attempt); err != nil {
		log.Error().Err(err).Str("symbol", req.Symbol).Msg("failed to persist sell attempt")
	}
	e.appendLog(ctx, attempt.ID, order)

	if execQty.GreaterThanOrEqual(pos.Quantity) {
		e.positions.RemovePosition(req.Symbol)
	} else {
		e.positions.UpdatePosition(req.Symbol, decimal.Zero, pos.Quantity.Sub(execQty))
	}
	e.risk.RecordTrade(realized)

	log.Info().
		Str("symbol", req.Symbol).
		Str("orderId", order.OrderID).
		Str("qty", execQty.String()).
		Str("price", execPrice.String()).
		Str("realizedPnL", realized.String()).
		Str("reason", req.SellReason).
		Msg("sell executed")

	return Result{
		Success:          true,
		TradeAttemptID:   attempt.ID,
		OrderID:          order.OrderID,
		ExecutedPrice:    execPrice,
		ExecutedQuantity: execQty,
		ExecutionTime:    e.now().Sub(start),
	}
}

// portfolioValue is the free quote balance used for risk sizing. Account
// failures degrade to zero, which disables the portfolio-relative checks
// rather than blocking the trade on a read error.
func (e *Executor) portfolioValue(ctx context.Context) decimal.Decimal {
	acct, err := e.exchange.Account(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("portfolio lookup failed")
		return decimal.Zero
	}
	total := decimal.Zero
	for _, q := range []string{"USDT", "USDC"} {
		total = total.Add(acct.FreeBalance(q))
	}
	return total
}

func (e *Executor) newAttempt(symbol, side, strategy string, qty, price decimal.Decimal,
	cfg *storage.TradingConfiguration, listingEventID string, detectedAt, submittedAt time.Time) *storage.TradeAttempt {

	if detectedAt.IsZero() {
		detectedAt = submittedAt
	}
	latency := submittedAt.Sub(detectedAt).Milliseconds()
	if latency < 0 {
		latency = 0
	}

	attempt := &storage.TradeAttempt{
		ID:             uuid.NewString(),
		ListingEventID: listingEventID,
		Symbol:         symbol,
		Side:           side,
		Type:           orderType(strategy),
		Quantity:       qty,
		Price:          price,
		DetectedAt:     detectedAt,
		SubmittedAt:    submittedAt,
		LatencyMs:      latency,
		CreatedAt:      submittedAt,
	}
	if cfg != nil {
		attempt.ConfigurationID = cfg.ID
		if snap, err := cfg.Snapshot(); err == nil {
			attempt.ConfigSnapshot = snap
		}
	}
	return attempt
}

// failBuy persists a FAILED attempt and returns the error result. No
// position changes, no PnL changes.
func (e *Executor) failBuy(ctx context.Context, req BuyRequest, cfg *storage.TradingConfiguration,
	start time.Time, qty, price decimal.Decimal, kind common.Kind, code, msg string) Result {

	attempt := e.newAttempt(req.Symbol, storage.SideBuy, req.Strategy, qty, price, cfg, req.ListingEventID, req.DetectedAt, e.now())
	attempt.Status = storage.TradeFailed
	attempt.ErrorCode = code
	attempt.ErrorMessage = msg
	attempt.CompletedAt = e.now()
	if err := e.store.InsertTradeAttempt(ctx, attempt); err != nil {
		log.Error().Err(err).Str("symbol", req.Symbol).Msg("failed to persist failed buy attempt")
	}

	log.Warn().
		Str("symbol", req.Symbol).
		Str("kind", string(kind)).
		Str("code", code).
		Msg("buy rejected: " + msg)

	return Result{
		TradeAttemptID: attempt.ID,
		ErrorCode:      code,
		Error:          msg,
		ExecutionTime:  e.now().Sub(start),
	}
}

func (e *Executor) appendLog(ctx context.Context, attemptID string, order mexc.Order) {
	entry := &storage.TradeLog{
		ID:               uuid.NewString(),
		TradeAttemptID:   attemptID,
		OrderID:          order.OrderID,
		QuoteQty:         order.QuoteQty,
		ExchangeResponse: order.Raw,
		CreatedAt:        e.now(),
	}
	if len(entry.ExchangeResponse) == 0 {
		entry.ExchangeResponse = []byte("{}")
	}
	if err := e.store.AppendTradeLog(ctx, entry); err != nil {
		log.Error().Err(err).Str("orderId", order.OrderID).Msg("failed to append trade log")
	}
}

func orderType(strategy string) string {
	if strategy == storage.TypeLimit {
		return storage.TypeLimit
	}
	return storage.TypeMarket
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
