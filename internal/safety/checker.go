// Package safety enforces the operator's blunt spend limits: trades per hour
// and quote currency spent per day, both computed from the durable trade
// log rather than in-memory counters so restarts cannot reset them.
package safety

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"mexc-sniper/internal/common"
)

// Store is the slice of the persistence adapter the checker reads.
type Store interface {
	CountTradesSince(ctx context.Context, since time.Time) (int, error)
	SumBuySpendSince(ctx context.Context, since time.Time) (decimal.Decimal, error)
}

// Limits are the caps in force for one check.
type Limits struct {
	MaxTradesPerHour   int
	DailySpendingLimit decimal.Decimal
}

// Result reports whether a trade may proceed and the numbers behind the
// decision.
type Result struct {
	CanTrade       bool            `json:"canTrade"`
	Reason         string          `json:"reason,omitempty"`
	TradesThisHour int             `json:"tradesThisHour"`
	SpentToday     decimal.Decimal `json:"spentToday"`
}

// Checker reads the trade log and applies the caps.
type Checker struct {
	store Store
	now   func() time.Time
}

func NewChecker(store Store) *Checker {
	return &Checker{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// Check applies the hourly and daily caps for a prospective trade spending
// quoteAmount. It fails closed: any store error denies the trade with
// SAFETY_CHECK_ERROR rather than letting an unverified trade through.
func (c *Checker) Check(ctx context.Context, quoteAmount decimal.Decimal, limits Limits) Result {
	now := c.now()

	tradesThisHour, err := c.store.CountTradesSince(ctx, now.Add(-time.Hour))
	if err != nil {
		log.Error().Err(err).Msg("safety check query failed")
		return Result{CanTrade: false, Reason: common.CodeSafetyCheckError}
	}

	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	spentToday, err := c.store.SumBuySpendSince(ctx, startOfDay)
	if err != nil {
		log.Error().Err(err).Msg("safety check query failed")
		return Result{CanTrade: false, Reason: common.CodeSafetyCheckError}
	}

	res := Result{TradesThisHour: tradesThisHour, SpentToday: spentToday}

	if limits.MaxTradesPerHour > 0 && tradesThisHour >= limits.MaxTradesPerHour {
		res.Reason = common.CodeHourlyLimit
		return res
	}
	if limits.DailySpendingLimit.IsPositive() && !spentToday.LessThan(limits.DailySpendingLimit) {
		res.Reason = common.CodeDailySpendLimit
		return res
	}
	if limits.DailySpendingLimit.IsPositive() &&
		spentToday.Add(quoteAmount).GreaterThan(limits.DailySpendingLimit) {
		res.Reason = common.CodeDailySpendLimit
		return res
	}

	res.CanTrade = true
	return res
}
