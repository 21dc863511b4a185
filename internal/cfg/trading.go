package cfg

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"mexc-sniper/internal/common"
	"mexc-sniper/internal/storage"
)

// NewTradingConfiguration builds a configuration with the documented
// defaults: 5% profit target, 2% stop loss, 60 minute time exit, combined
// sell strategy, safety caps on.
func NewTradingConfiguration(operatorID string, enabledPairs []string, s Settings) *storage.TradingConfiguration {
	now := time.Now().UTC()
	maxPurchase, _ := decimal.NewFromString(common.DefaultMaxPurchaseAmount)
	dailyLimit, _ := decimal.NewFromString(common.DefaultDailySpendingLimit)

	return &storage.TradingConfiguration{
		ID:                   uuid.NewString(),
		OperatorID:           operatorID,
		EnabledPairs:         enabledPairs,
		MaxPurchaseAmount:    maxPurchase,
		PriceToleranceBps:    common.DefaultPriceToleranceBps,
		DailySpendingLimit:   dailyLimit,
		MaxTradesPerHour:     s.MaxTradesPerHour,
		PollingIntervalMs:    s.PollingInterval.Milliseconds(),
		OrderTimeoutMs:       s.OrderTimeout.Milliseconds(),
		RecvWindowMs:         common.DefaultRecvWindowMs,
		ProfitTargetBps:      common.DefaultProfitTargetBps,
		StopLossBps:          common.DefaultStopLossBps,
		TimeBasedExitMinutes: common.DefaultTimeBasedExitMin,
		SellStrategy:         storage.StrategyCombined,
		SafetyEnabled:        true,
		IsActive:             true,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}
