package storage

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Sell strategies accepted by TradingConfiguration.
const (
	StrategyProfitTarget = "PROFIT_TARGET"
	StrategyStopLoss     = "STOP_LOSS"
	StrategyTimeBased    = "TIME_BASED"
	StrategyTrailingStop = "TRAILING_STOP"
	StrategyCombined     = "COMBINED"
)

// Detection sources and confidence levels for listing events.
const (
	SourceCalendar         = "CALENDAR"
	SourceSymbolComparison = "SYMBOL_COMPARISON"

	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

// Trade attempt lifecycle. PENDING moves to exactly one terminal state and
// is never updated afterward.
const (
	TradePending  = "PENDING"
	TradeSuccess  = "SUCCESS"
	TradeFailed   = "FAILED"
	TradeCanceled = "CANCELED"
)

// Order sides and types as persisted.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"

	TypeMarket = "MARKET"
	TypeLimit  = "LIMIT"
)

// Bot run states. stopped and failed are terminal.
const (
	RunStarting = "starting"
	RunRunning  = "running"
	RunStopping = "stopping"
	RunStopped  = "stopped"
	RunFailed   = "failed"
)

// TradingConfiguration is the operator's parameter set. At most one row per
// operator has IsActive set; every trade snapshots the configuration it ran
// under.
type TradingConfiguration struct {
	ID                   string          `json:"id"`
	OperatorID           string          `json:"operatorId"`
	EnabledPairs         []string        `json:"enabledPairs"`
	MaxPurchaseAmount    decimal.Decimal `json:"maxPurchaseAmount"`
	PriceToleranceBps    int64           `json:"priceTolerance"`
	DailySpendingLimit   decimal.Decimal `json:"dailySpendingLimit"`
	MaxTradesPerHour     int             `json:"maxTradesPerHour"`
	PollingIntervalMs    int64           `json:"pollingInterval"`
	OrderTimeoutMs       int64           `json:"orderTimeout"`
	RecvWindowMs         int64           `json:"recvWindow"`
	ProfitTargetBps      int64           `json:"profitTargetPercent"`
	StopLossBps          int64           `json:"stopLossPercent"`
	TimeBasedExitMinutes int             `json:"timeBasedExitMinutes"`
	TrailingStopBps      int64           `json:"trailingStopPercent,omitempty"`
	SellStrategy         string          `json:"sellStrategy"`
	SafetyEnabled        bool            `json:"safetyEnabled"`
	IsActive             bool            `json:"isActive"`
	CreatedAt            time.Time       `json:"createdAt"`
	UpdatedAt            time.Time       `json:"updatedAt"`
}

// PairEnabled reports whether symbol is in the configuration's allow-list.
func (c *TradingConfiguration) PairEnabled(symbol string) bool {
	for _, p := range c.EnabledPairs {
		if p == symbol {
			return true
		}
	}
	return false
}

// PollingInterval returns the detection loop period.
func (c *TradingConfiguration) PollingInterval() time.Duration {
	return time.Duration(c.PollingIntervalMs) * time.Millisecond
}

// OrderTimeout returns the per-order fill timeout.
func (c *TradingConfiguration) OrderTimeout() time.Duration {
	return time.Duration(c.OrderTimeoutMs) * time.Millisecond
}

// Snapshot renders the configuration as the JSON blob embedded into each
// trade attempt. The encoding is stable, so a snapshot round-trips
// byte-for-byte.
func (c *TradingConfiguration) Snapshot() (json.RawMessage, error) {
	return json.Marshal(c)
}

// ListingEvent is one detection signal. FreshnessDeadline is the absolute
// time after which the signal must not trigger an order.
type ListingEvent struct {
	ID                string    `json:"id"`
	Symbol            string    `json:"symbol"`
	VcoinID           string    `json:"vcoinId,omitempty"`
	DetectionSource   string    `json:"detectionSource"`
	Confidence        string    `json:"confidence"`
	ListingTime       time.Time `json:"listingTime"`
	DetectedAt        time.Time `json:"detectedAt"`
	FreshnessDeadline time.Time `json:"freshnessDeadline"`
	Processed         bool      `json:"processed"`
}

// Fresh reports whether the signal may still trigger an order at now.
func (e *ListingEvent) Fresh(now time.Time) bool {
	return now.Before(e.FreshnessDeadline)
}

// TradeAttempt is the durable record of one buy or sell attempt, inserted
// once by the executor already in its terminal state (SUCCESS or FAILED).
type TradeAttempt struct {
	ID               string          `json:"id"`
	ListingEventID   string          `json:"listingEventId,omitempty"`
	ConfigurationID  string          `json:"configurationId"`
	Symbol           string          `json:"symbol"`
	Side             string          `json:"side"`
	Type             string          `json:"type"`
	Quantity         decimal.Decimal `json:"quantity"`
	Price            decimal.Decimal `json:"price,omitempty"`
	Status           string          `json:"status"`
	OrderID          string          `json:"orderId,omitempty"`
	ExecutedQuantity decimal.Decimal `json:"executedQuantity"`
	ExecutedPrice    decimal.Decimal `json:"executedPrice"`
	Commission       decimal.Decimal `json:"commission"`
	DetectedAt       time.Time       `json:"detectedAt"`
	SubmittedAt      time.Time       `json:"submittedAt"`
	CompletedAt      time.Time       `json:"completedAt"`
	LatencyMs        int64           `json:"latencyMs"`
	ErrorCode        string          `json:"errorCode,omitempty"`
	ErrorMessage     string          `json:"errorMessage,omitempty"`
	RetryCount       int             `json:"retryCount"`
	ParentTradeID    string          `json:"parentTradeId,omitempty"`
	PositionID       string          `json:"positionId,omitempty"`
	SellReason       string          `json:"sellReason,omitempty"`
	RealizedPnL      decimal.Decimal `json:"realizedPnL"`
	ConfigSnapshot   json.RawMessage `json:"configurationSnapshot,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
}

// TradeLog is the immutable record of an exchange fill response, one per
// filled order.
type TradeLog struct {
	ID               string          `json:"id"`
	TradeAttemptID   string          `json:"tradeAttemptId"`
	OrderID          string          `json:"orderId"`
	QuoteQty         decimal.Decimal `json:"quoteQty"`
	ExchangeResponse json.RawMessage `json:"exchangeResponse"`
	CreatedAt        time.Time       `json:"createdAt"`
}

// BotRun is one lifecycle of the trading orchestrator for a configuration.
type BotRun struct {
	ID              string    `json:"id"`
	ConfigurationID string    `json:"configurationId"`
	OperatorID      string    `json:"operatorId"`
	Status          string    `json:"status"`
	StartedAt       time.Time `json:"startedAt"`
	StoppedAt       time.Time `json:"stoppedAt,omitempty"`
	LastHeartbeat   time.Time `json:"lastHeartbeat"`
	ErrorMessage    string    `json:"errorMessage,omitempty"`
}

// Terminal reports whether the run can never transition again.
func (r *BotRun) Terminal() bool {
	return r.Status == RunStopped || r.Status == RunFailed
}

// BotStatus is the process-wide snapshot rewritten on every heartbeat.
type BotStatus struct {
	ID                string    `json:"id"`
	IsRunning         bool      `json:"isRunning"`
	LastHeartbeat     time.Time `json:"lastHeartbeat"`
	ExchangeAPIStatus string    `json:"exchangeApiStatus"`
	APIResponseTimeMs int64     `json:"apiResponseTime"`
	ConsecutiveErrors int       `json:"consecutiveErrors"`
	LastErrorMessage  string    `json:"lastErrorMessage,omitempty"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// BotStatusID is the fixed key for the process-wide status row.
const BotStatusID = "process"
