package storage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mexc-sniper/internal/common"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "sniper.db"), 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testConfig() *TradingConfiguration {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &TradingConfiguration{
		ID:                   uuid.NewString(),
		OperatorID:           "op-1",
		EnabledPairs:         []string{"ABCUSDT", "DEFUSDT"},
		MaxPurchaseAmount:    d("100"),
		PriceToleranceBps:    100,
		DailySpendingLimit:   d("1000"),
		MaxTradesPerHour:     10,
		PollingIntervalMs:    5000,
		OrderTimeoutMs:       30000,
		RecvWindowMs:         5000,
		ProfitTargetBps:      500,
		StopLossBps:          200,
		TimeBasedExitMinutes: 60,
		SellStrategy:         StrategyCombined,
		SafetyEnabled:        true,
		IsActive:             true,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}

func TestConfigurationRoundTrip(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	cfg := testConfig()
	require.NoError(t, db.InsertTradingConfiguration(ctx, cfg))

	got, err := db.GetConfiguration(ctx, cfg.ID)
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, cfg.EnabledPairs, got.EnabledPairs)
	assert.True(t, got.MaxPurchaseAmount.Equal(cfg.MaxPurchaseAmount))
	assert.True(t, got.DailySpendingLimit.Equal(cfg.DailySpendingLimit))
	assert.Equal(t, cfg.SellStrategy, got.SellStrategy)
	assert.True(t, got.IsActive)
	assert.Equal(t, cfg.PollingIntervalMs, got.PollingIntervalMs)
}

func TestConfigurationSnapshotRoundTrip(t *testing.T) {
	cfg := testConfig()

	snap, err := cfg.Snapshot()
	require.NoError(t, err)

	var rehydrated TradingConfiguration
	require.NoError(t, json.Unmarshal(snap, &rehydrated))

	again, err := rehydrated.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, string(snap), string(again), "snapshot must be byte-stable across a round trip")
}

func TestOnlyOneActiveConfiguration(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	first := testConfig()
	require.NoError(t, db.InsertTradingConfiguration(ctx, first))

	second := testConfig()
	second.ID = uuid.NewString()
	require.NoError(t, db.InsertTradingConfiguration(ctx, second))

	active, err := db.ActiveConfiguration(ctx)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, second.ID, active.ID)

	old, err := db.GetConfiguration(ctx, first.ID)
	require.NoError(t, err)
	assert.False(t, old.IsActive, "inserting an active config must deactivate the previous one")
}

func testSignal(symbol, source string, detectedAt time.Time) *ListingEvent {
	return &ListingEvent{
		ID:                uuid.NewString(),
		Symbol:            symbol,
		VcoinID:           "V-" + symbol,
		DetectionSource:   source,
		Confidence:        ConfidenceHigh,
		ListingTime:       detectedAt.Add(time.Minute),
		DetectedAt:        detectedAt,
		FreshnessDeadline: detectedAt.Add(5 * time.Minute),
	}
}

func TestSignalLifecycle(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	sig := testSignal("ABCUSDT", SourceCalendar, now)
	require.NoError(t, db.AppendListingEvent(ctx, sig))

	unprocessed, err := db.UnprocessedSignals(ctx, now)
	require.NoError(t, err)
	require.Len(t, unprocessed, 1)
	assert.Equal(t, sig.ID, unprocessed[0].ID)

	// at-most-once consumption
	ok, err := db.MarkSignalProcessed(ctx, sig.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = db.MarkSignalProcessed(ctx, sig.ID)
	require.NoError(t, err)
	assert.False(t, ok, "second mark must report already processed")

	unprocessed, err = db.UnprocessedSignals(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, unprocessed)
}

func TestUnprocessedSignalsSkipsExpired(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	stale := testSignal("OLDUSDT", SourceCalendar, now.Add(-time.Hour))
	stale.FreshnessDeadline = now.Add(-30 * time.Minute)
	require.NoError(t, db.AppendListingEvent(ctx, stale))

	unprocessed, err := db.UnprocessedSignals(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, unprocessed, "signals past their freshness deadline must not surface")
}

func TestHasRecentSignalDedupWindow(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, db.AppendListingEvent(ctx, testSignal("ABCUSDT", SourceCalendar, now)))

	dup, err := db.HasRecentSignal(ctx, "ABCUSDT", SourceCalendar, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.True(t, dup)

	dup, err = db.HasRecentSignal(ctx, "ABCUSDT", SourceSymbolComparison, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.False(t, dup, "dedup is per detection source")

	dup, err = db.HasRecentSignal(ctx, "XYZUSDT", SourceCalendar, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.False(t, dup)
}

func TestReadyCalendarSignals(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	ready := testSignal("NOWUSDT", SourceCalendar, now.Add(-time.Minute))
	ready.ListingTime = now.Add(4 * time.Second)
	require.NoError(t, db.AppendListingEvent(ctx, ready))

	early := testSignal("SOONUSDT", SourceCalendar, now.Add(-time.Minute))
	early.ListingTime = now.Add(6 * time.Second)
	early.FreshnessDeadline = now.Add(10 * time.Minute)
	require.NoError(t, db.AppendListingEvent(ctx, early))

	got, err := db.ReadyCalendarSignals(ctx, now, 5*time.Second)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "NOWUSDT", got[0].Symbol, "only listings within the lead window are ready")
}

func testBuy(symbol string, qty, price string, submittedAt time.Time) *TradeAttempt {
	return &TradeAttempt{
		ID:               uuid.NewString(),
		ConfigurationID:  "cfg-1",
		Symbol:           symbol,
		Side:             SideBuy,
		Type:             TypeMarket,
		Quantity:         d(qty),
		Status:           TradeSuccess,
		OrderID:          "ord-1",
		ExecutedQuantity: d(qty),
		ExecutedPrice:    d(price),
		DetectedAt:       submittedAt.Add(-time.Second),
		SubmittedAt:      submittedAt,
		CompletedAt:      submittedAt.Add(time.Second),
		LatencyMs:        1000,
		CreatedAt:        submittedAt,
	}
}

func TestTradeAttemptRoundTrip(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	buy := testBuy("ABCUSDT", "100.12345678", "0.10000000", now)
	buy.ConfigSnapshot = []byte(`{"id":"cfg-1"}`)
	require.NoError(t, db.InsertTradeAttempt(ctx, buy))

	got, err := db.GetTradeAttempt(ctx, buy.ID)
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.True(t, got.Quantity.Equal(buy.Quantity))
	assert.True(t, got.ExecutedPrice.Equal(buy.ExecutedPrice))
	assert.Equal(t, buy.Status, got.Status)
	assert.Equal(t, buy.LatencyMs, got.LatencyMs)
	assert.JSONEq(t, string(buy.ConfigSnapshot), string(got.ConfigSnapshot))
	assert.True(t, got.SubmittedAt.Equal(buy.SubmittedAt), "submittedAt = %v", got.SubmittedAt)
}

func TestSumBuySpendSince(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, db.InsertTradeAttempt(ctx, testBuy("ABCUSDT", "100", "0.1", now)))
	require.NoError(t, db.InsertTradeAttempt(ctx, testBuy("DEFUSDT", "50", "0.2", now)))

	old := testBuy("OLDUSDT", "1000", "1", now.Add(-48*time.Hour))
	require.NoError(t, db.InsertTradeAttempt(ctx, old))

	failed := testBuy("BADUSDT", "100", "5", now)
	failed.Status = TradeFailed
	require.NoError(t, db.InsertTradeAttempt(ctx, failed))

	total, err := db.SumBuySpendSince(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	// 100*0.1 + 50*0.2 = 20; the old and failed rows do not count
	assert.True(t, total.Equal(d("20")), "total = %s", total)
}

func TestCountTradesSinceIsStrict(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, db.InsertTradeAttempt(ctx, testBuy("ABCUSDT", "1", "1", now)))

	n, err := db.CountTradesSince(ctx, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = db.CountTradesSince(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "submitted_at must be strictly greater than since")
}

func TestValidateSellQuantity(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	buy := testBuy("ABCUSDT", "100", "0.1", now)
	require.NoError(t, db.InsertTradeAttempt(ctx, buy))

	require.NoError(t, db.ValidateSellQuantity(ctx, buy.ID, "ABCUSDT", d("100")))

	// partial sell recorded, the remainder shrinks
	sell := testBuy("ABCUSDT", "60", "0.12", now)
	sell.ID = uuid.NewString()
	sell.Side = SideSell
	sell.ParentTradeID = buy.ID
	require.NoError(t, db.InsertTradeAttempt(ctx, sell))

	require.NoError(t, db.ValidateSellQuantity(ctx, buy.ID, "ABCUSDT", d("40")))
	err := db.ValidateSellQuantity(ctx, buy.ID, "ABCUSDT", d("41"))
	require.Error(t, err, "selling more than the remaining buy quantity must fail")

	// wrong symbol
	err = db.ValidateSellQuantity(ctx, buy.ID, "DEFUSDT", d("1"))
	require.Error(t, err)
}

func TestOpenBuyOrdersNewestFirst(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	older := testBuy("ABCUSDT", "10", "0.1", now.Add(-time.Minute))
	newer := testBuy("ABCUSDT", "20", "0.2", now)
	require.NoError(t, db.InsertTradeAttempt(ctx, older))
	require.NoError(t, db.InsertTradeAttempt(ctx, newer))

	buys, err := db.OpenBuyOrders(ctx, 10)
	require.NoError(t, err)
	require.Len(t, buys, 2)
	assert.Equal(t, newer.ID, buys[0].ID)
}

func TestBotRunStateMachine(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	run := &BotRun{
		ID:              uuid.NewString(),
		ConfigurationID: "cfg-1",
		OperatorID:      "op-1",
		Status:          RunStarting,
		StartedAt:       now,
		LastHeartbeat:   now,
	}
	require.NoError(t, db.InsertBotRun(ctx, run))

	// starting -> stopped is not legal
	err := db.TransitionBotRun(ctx, run.ID, RunStopped, "")
	require.Error(t, err)
	assert.Equal(t, common.CodeInvalidTransition, common.CodeOf(err))

	require.NoError(t, db.TransitionBotRun(ctx, run.ID, RunRunning, ""))
	require.NoError(t, db.TransitionBotRun(ctx, run.ID, RunStopping, ""))
	require.NoError(t, db.TransitionBotRun(ctx, run.ID, RunStopped, ""))

	// idempotent on the terminal state
	require.NoError(t, db.TransitionBotRun(ctx, run.ID, RunStopped, ""))

	// no transitions out of a terminal state
	err = db.TransitionBotRun(ctx, run.ID, RunRunning, "")
	require.Error(t, err)

	got, err := db.GetBotRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStopped, got.Status)
	assert.False(t, got.StoppedAt.IsZero())
}

func TestAtMostOneActiveRunPerConfiguration(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	first := &BotRun{ID: uuid.NewString(), ConfigurationID: "cfg-1", OperatorID: "op-1",
		Status: RunRunning, StartedAt: now, LastHeartbeat: now}
	require.NoError(t, db.InsertBotRun(ctx, first))

	second := &BotRun{ID: uuid.NewString(), ConfigurationID: "cfg-1", OperatorID: "op-1",
		Status: RunStarting, StartedAt: now, LastHeartbeat: now}
	err := db.InsertBotRun(ctx, second)
	require.Error(t, err)
	assert.Equal(t, common.CodeBotAlreadyRunning, common.CodeOf(err))

	// once the first run terminates, a new one may start
	require.NoError(t, db.TransitionBotRun(ctx, first.ID, RunStopping, ""))
	require.NoError(t, db.TransitionBotRun(ctx, first.ID, RunStopped, ""))
	require.NoError(t, db.InsertBotRun(ctx, second))
}

func TestBotStatusUpsert(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, db.UpsertBotStatus(ctx, &BotStatus{
		IsRunning: true, LastHeartbeat: now, ExchangeAPIStatus: "ok", UpdatedAt: now,
	}))
	require.NoError(t, db.UpsertBotStatus(ctx, &BotStatus{
		IsRunning: false, LastHeartbeat: now, ExchangeAPIStatus: "degraded",
		ConsecutiveErrors: 2, LastErrorMessage: "timeout", UpdatedAt: now,
	}))

	got, err := db.GetBotStatus(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.False(t, got.IsRunning)
	assert.Equal(t, "degraded", got.ExchangeAPIStatus)
	assert.Equal(t, 2, got.ConsecutiveErrors)
	assert.Equal(t, "timeout", got.LastErrorMessage)
}

func TestAppendTradeLog(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	buy := testBuy("ABCUSDT", "100", "0.1", now)
	require.NoError(t, db.InsertTradeAttempt(ctx, buy))

	require.NoError(t, db.AppendTradeLog(ctx, &TradeLog{
		ID:               uuid.NewString(),
		TradeAttemptID:   buy.ID,
		OrderID:          "ord-1",
		QuoteQty:         d("10"),
		ExchangeResponse: []byte(`{"status":"FILLED"}`),
		CreatedAt:        now,
	}))
}
