package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"mexc-sniper/internal/common"
	"mexc-sniper/internal/exchange/mexc"
	"mexc-sniper/internal/risk"
	"mexc-sniper/internal/rules"
	"mexc-sniper/internal/safety"
	"mexc-sniper/internal/storage"
	"mexc-sniper/internal/tracker"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeExchange struct {
	mu          sync.Mutex
	price       decimal.Decimal
	orders      int
	orderErr    error
	block       chan struct{} // when set, place calls wait until closed
	lastQty     decimal.Decimal
	fillQtyMul  decimal.Decimal // executedQty = qty * fillQtyMul (1 when zero)
}

func (f *fakeExchange) Ticker(_ context.Context, symbol string) (mexc.Ticker, error) {
	return mexc.Ticker{Symbol: symbol, Price: f.price}, nil
}

func (f *fakeExchange) Account(context.Context) (mexc.Account, error) {
	return mexc.Account{CanTrade: true, Balances: []mexc.Balance{
		{Asset: "USDT", Free: d("10000")},
	}}, nil
}

func (f *fakeExchange) place(qty decimal.Decimal) (mexc.Order, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.orderErr != nil {
		return mexc.Order{}, f.orderErr
	}
	f.orders++
	f.lastQty = qty
	mul := f.fillQtyMul
	if mul.IsZero() {
		mul = decimal.NewFromInt(1)
	}
	execQty := qty.Mul(mul)
	return mexc.Order{
		OrderID:     "ord-1",
		ExecutedQty: execQty,
		QuoteQty:    execQty.Mul(f.price),
		Status:      "FILLED",
		Raw:         []byte(`{"status":"FILLED"}`),
	}, nil
}

func (f *fakeExchange) PlaceMarketBuy(_ context.Context, _ string, qty decimal.Decimal) (mexc.Order, error) {
	return f.place(qty)
}

func (f *fakeExchange) PlaceLimitBuy(_ context.Context, _ string, qty, _ decimal.Decimal) (mexc.Order, error) {
	return f.place(qty)
}

func (f *fakeExchange) PlaceMarketSell(_ context.Context, _ string, qty decimal.Decimal) (mexc.Order, error) {
	return f.place(qty)
}

func (f *fakeExchange) PlaceLimitSell(_ context.Context, _ string, qty, _ decimal.Decimal) (mexc.Order, error) {
	return f.place(qty)
}

func (f *fakeExchange) orderCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.orders
}

type fakeStore struct {
	mu       sync.Mutex
	cfg      *storage.TradingConfiguration
	attempts []*storage.TradeAttempt
	logs     []*storage.TradeLog
	parents  map[string]*storage.TradeAttempt
}

func (f *fakeStore) ActiveConfiguration(context.Context) (*storage.TradingConfiguration, error) {
	return f.cfg, nil
}

func (f *fakeStore) InsertTradeAttempt(_ context.Context, t *storage.TradeAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, t)
	return nil
}

func (f *fakeStore) AppendTradeLog(_ context.Context, l *storage.TradeLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, l)
	return nil
}

func (f *fakeStore) GetTradeAttempt(_ context.Context, id string) (*storage.TradeAttempt, error) {
	if f.parents == nil {
		return nil, nil
	}
	return f.parents[id], nil
}

func (f *fakeStore) ValidateSellQuantity(context.Context, string, string, decimal.Decimal) error {
	return nil
}

func (f *fakeStore) lastAttempt() *storage.TradeAttempt {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.attempts) == 0 {
		return nil
	}
	return f.attempts[len(f.attempts)-1]
}

type passValidator struct{}

func (passValidator) Validate(context.Context, string, decimal.Decimal, decimal.Decimal) (rules.Result, error) {
	return rules.Result{Valid: true}, nil
}

func (passValidator) AdjustQuantity(_ context.Context, _ string, qty decimal.Decimal) (decimal.Decimal, error) {
	return qty, nil
}

type fakeRisk struct {
	mu       sync.Mutex
	verdict  risk.Verdict
	recorded []decimal.Decimal
}

func (f *fakeRisk) ValidateOrder(risk.OrderRequest) risk.Verdict { return f.verdict }

func (f *fakeRisk) RecordTrade(pnl decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded = append(f.recorded, pnl)
}

type passSafety struct{}

func (passSafety) Check(context.Context, decimal.Decimal, safety.Limits) safety.Result {
	return safety.Result{CanTrade: true}
}

type fakePositions struct {
	mu        sync.Mutex
	positions map[string]tracker.Position
}

func newFakePositions() *fakePositions {
	return &fakePositions{positions: make(map[string]tracker.Position)}
}

func (f *fakePositions) Get(symbol string) (tracker.Position, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.positions[symbol]
	return p, ok
}

func (f *fakePositions) AddPosition(p tracker.Position) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positions[p.Symbol] = p
	return nil
}

func (f *fakePositions) RemovePosition(symbol string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.positions, symbol)
}

func (f *fakePositions) UpdatePosition(symbol string, price, qty decimal.Decimal) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.positions[symbol]
	if !ok {
		return false
	}
	if price.IsPositive() {
		p.CurrentPrice = price
	}
	if qty.IsPositive() {
		p.Quantity = qty
	}
	f.positions[symbol] = p
	return true
}

func activeConfig() *storage.TradingConfiguration {
	return &storage.TradingConfiguration{
		ID:                 "cfg-1",
		OperatorID:         "op-1",
		EnabledPairs:       []string{"ABCUSDT"},
		MaxPurchaseAmount:  d("100"),
		DailySpendingLimit: d("1000"),
		MaxTradesPerHour:   10,
		ProfitTargetBps:    500,
		StopLossBps:        200,
		SellStrategy:       storage.StrategyCombined,
		SafetyEnabled:      true,
	}
}

func newTestExecutor(exchange *fakeExchange, store *fakeStore, riskMgr *fakeRisk, positions *fakePositions) *Executor {
	return New(exchange, store, passValidator{}, riskMgr, passSafety{}, positions)
}

func TestExecuteTradeSuccess(t *testing.T) {
	exchange := &fakeExchange{price: d("0.10")}
	store := &fakeStore{cfg: activeConfig()}
	riskMgr := &fakeRisk{verdict: risk.Verdict{Approved: true}}
	positions := newFakePositions()
	e := newTestExecutor(exchange, store, riskMgr, positions)

	detectedAt := time.Now().UTC().Add(-time.Second)
	res := e.ExecuteTrade(context.Background(), BuyRequest{
		Symbol:         "ABCUSDT",
		Strategy:       storage.TypeMarket,
		ListingEventID: "sig-1",
		DetectedAt:     detectedAt,
	})

	if !res.Success {
		t.Fatalf("expected success, got %s: %s", res.ErrorCode, res.Error)
	}
	if exchange.orderCount() != 1 {
		t.Fatalf("orders = %d", exchange.orderCount())
	}

	// sizing: min(100*0.1, 10) = 10 quote units at 0.10 = 100 tokens
	if !exchange.lastQty.Equal(d("100")) {
		t.Errorf("order qty = %s, want 100", exchange.lastQty)
	}

	attempt := store.lastAttempt()
	if attempt == nil || attempt.Status != storage.TradeSuccess {
		t.Fatalf("attempt = %+v", attempt)
	}
	if attempt.ListingEventID != "sig-1" || attempt.ConfigurationID != "cfg-1" {
		t.Errorf("linkage missing: %+v", attempt)
	}
	if attempt.LatencyMs < 0 {
		t.Errorf("latencyMs = %d", attempt.LatencyMs)
	}
	if len(attempt.ConfigSnapshot) == 0 {
		t.Error("configuration snapshot missing")
	}
	if len(store.logs) != 1 {
		t.Errorf("trade log entries = %d", len(store.logs))
	}

	if _, ok := positions.Get("ABCUSDT"); !ok {
		t.Fatal("position not tracked after buy")
	}
}

func TestExecuteTradeSymbolNotEnabled(t *testing.T) {
	exchange := &fakeExchange{price: d("0.10")}
	store := &fakeStore{cfg: activeConfig()}
	e := newTestExecutor(exchange, store, &fakeRisk{verdict: risk.Verdict{Approved: true}}, newFakePositions())

	res := e.ExecuteTrade(context.Background(), BuyRequest{Symbol: "OTHERUSDT", Strategy: storage.TypeMarket})
	if res.Success || res.ErrorCode != common.CodeNoConfiguration {
		t.Fatalf("expected NO_CONFIGURATION_FOUND, got %+v", res)
	}
	if exchange.orderCount() != 0 {
		t.Fatal("no order may be placed")
	}

	// manual trades bypass the enabledPairs check only
	res = e.ExecuteTrade(context.Background(), BuyRequest{Symbol: "OTHERUSDT", Strategy: storage.TypeMarket, Manual: true})
	if !res.Success {
		t.Fatalf("manual trade should pass, got %s", res.Error)
	}
}

func TestExecuteTradeRiskRejected(t *testing.T) {
	exchange := &fakeExchange{price: d("0.10")}
	store := &fakeStore{cfg: activeConfig()}
	riskMgr := &fakeRisk{verdict: risk.Verdict{Approved: false, Reason: common.CodeDailyLossLimit}}
	e := newTestExecutor(exchange, store, riskMgr, newFakePositions())

	res := e.ExecuteTrade(context.Background(), BuyRequest{Symbol: "ABCUSDT", Strategy: storage.TypeMarket})
	if res.Success {
		t.Fatal("risk rejection must fail the trade")
	}
	if res.Error != "Risk validation failed: DAILY_LOSS_LIMIT" {
		t.Fatalf("error = %q", res.Error)
	}
	if exchange.orderCount() != 0 {
		t.Fatal("no order may be placed")
	}
	if attempt := store.lastAttempt(); attempt == nil || attempt.Status != storage.TradeFailed {
		t.Fatalf("failed attempt must be persisted, got %+v", attempt)
	}
}

func TestExecuteTradeAdjustedToZeroIsRejected(t *testing.T) {
	exchange := &fakeExchange{price: d("45000")}
	store := &fakeStore{cfg: activeConfig()}
	riskMgr := &fakeRisk{verdict: risk.Verdict{
		Approved: false, Adjusted: true, AdjustedQuantity: decimal.Zero,
		Reason: common.CodePositionSizeAdjusted,
	}}
	e := newTestExecutor(exchange, store, riskMgr, newFakePositions())

	res := e.ExecuteTrade(context.Background(), BuyRequest{Symbol: "ABCUSDT", Strategy: storage.TypeMarket})
	if res.Success || res.ErrorCode != common.CodePositionSizeAdjusted {
		t.Fatalf("expected POSITION_SIZE_ADJUSTED rejection, got %+v", res)
	}
	if exchange.orderCount() != 0 {
		t.Fatal("no order may be placed when the adjusted quantity is zero")
	}
}

func TestExecuteTradeSerializedPerSymbol(t *testing.T) {
	block := make(chan struct{})
	exchange := &fakeExchange{price: d("0.10"), block: block}
	store := &fakeStore{cfg: activeConfig()}
	e := newTestExecutor(exchange, store, &fakeRisk{verdict: risk.Verdict{Approved: true}}, newFakePositions())

	first := make(chan Result, 1)
	go func() {
		first <- e.ExecuteTrade(context.Background(), BuyRequest{Symbol: "ABCUSDT", Strategy: storage.TypeMarket})
	}()

	// wait for the first call to reach the (blocked) exchange
	deadline := time.After(2 * time.Second)
	for e.inflight.acquire(storage.SideBuy, "ABCUSDT") {
		e.inflight.release(storage.SideBuy, "ABCUSDT")
		select {
		case <-deadline:
			t.Fatal("first trade never took the in-flight slot")
		case <-time.After(time.Millisecond):
		}
	}

	second := e.ExecuteTrade(context.Background(), BuyRequest{Symbol: "ABCUSDT", Strategy: storage.TypeMarket})
	if second.ErrorCode != common.CodeInFlight {
		t.Fatalf("concurrent buy must be refused with IN_FLIGHT, got %+v", second)
	}

	close(block)
	if res := <-first; !res.Success {
		t.Fatalf("winner should succeed, got %s", res.Error)
	}
	if exchange.orderCount() != 1 {
		t.Fatalf("exactly one order may reach the exchange, got %d", exchange.orderCount())
	}
}

func sellSetup(t *testing.T) (*fakeExchange, *fakeStore, *fakeRisk, *fakePositions, *Executor) {
	t.Helper()
	exchange := &fakeExchange{price: d("0.12")}
	store := &fakeStore{cfg: activeConfig(), parents: map[string]*storage.TradeAttempt{
		"buy-1": {
			ID: "buy-1", Symbol: "ABCUSDT", Side: storage.SideBuy, Status: storage.TradeSuccess,
			ListingEventID: "sig-1", ConfigurationID: "cfg-1",
			ExecutedQuantity: d("100"), ExecutedPrice: d("0.10"),
		},
	}}
	riskMgr := &fakeRisk{verdict: risk.Verdict{Approved: true}}
	positions := newFakePositions()
	_ = positions.AddPosition(tracker.Position{
		Symbol:         "ABCUSDT",
		Quantity:       d("100"),
		EntryPrice:     d("0.10"),
		CurrentPrice:   d("0.12"),
		TradeAttemptID: "buy-1",
	})
	return exchange, store, riskMgr, positions, newTestExecutor(exchange, store, riskMgr, positions)
}

func TestExecuteSellTradeFullDrain(t *testing.T) {
	exchange, store, riskMgr, positions, e := sellSetup(t)
	exchange.price = d("0.12")

	res := e.ExecuteSellTrade(context.Background(), SellRequest{
		Symbol:     "ABCUSDT",
		Quantity:   d("100"),
		Strategy:   storage.TypeMarket,
		SellReason: "PROFIT_TARGET",
	})
	if !res.Success {
		t.Fatalf("sell failed: %s", res.Error)
	}

	attempt := store.lastAttempt()
	if attempt.Side != storage.SideSell || attempt.ParentTradeID != "buy-1" {
		t.Fatalf("sell linkage wrong: %+v", attempt)
	}
	if attempt.PositionID != "buy-1" || attempt.SellReason != "PROFIT_TARGET" {
		t.Fatalf("sell metadata wrong: %+v", attempt)
	}
	if attempt.ListingEventID != "sig-1" || attempt.ConfigurationID != "cfg-1" {
		t.Fatal("sell must inherit linkage from the parent buy")
	}

	// realized = (0.12 - 0.10) * 100 = 2
	if !attempt.RealizedPnL.Equal(d("2")) {
		t.Fatalf("realizedPnL = %s", attempt.RealizedPnL)
	}
	if len(riskMgr.recorded) != 1 || !riskMgr.recorded[0].Equal(d("2")) {
		t.Fatalf("risk ledger not updated: %+v", riskMgr.recorded)
	}

	if _, ok := positions.Get("ABCUSDT"); ok {
		t.Fatal("fully drained position must be removed")
	}
}

func TestExecuteSellTradePartialDrain(t *testing.T) {
	_, _, _, positions, e := sellSetup(t)

	res := e.ExecuteSellTrade(context.Background(), SellRequest{
		Symbol:   "ABCUSDT",
		Quantity: d("40"),
		Strategy: storage.TypeMarket,
	})
	if !res.Success {
		t.Fatalf("sell failed: %s", res.Error)
	}

	p, ok := positions.Get("ABCUSDT")
	if !ok {
		t.Fatal("partially drained position must remain")
	}
	if !p.Quantity.Equal(d("60")) {
		t.Fatalf("remaining quantity = %s", p.Quantity)
	}
}

func TestExecuteSellTradeNoPosition(t *testing.T) {
	exchange := &fakeExchange{price: d("0.12")}
	e := newTestExecutor(exchange, &fakeStore{cfg: activeConfig()},
		&fakeRisk{verdict: risk.Verdict{Approved: true}}, newFakePositions())

	res := e.ExecuteSellTrade(context.Background(), SellRequest{Symbol: "ABCUSDT", Quantity: d("1")})
	if res.ErrorCode != common.CodeNoPosition {
		t.Fatalf("expected NO_POSITION, got %+v", res)
	}
	if exchange.orderCount() != 0 {
		t.Fatal("no order may be placed")
	}
}

func TestExecuteSellTradeInsufficientQuantity(t *testing.T) {
	exchange, _, _, _, e := sellSetup(t)

	res := e.ExecuteSellTrade(context.Background(), SellRequest{Symbol: "ABCUSDT", Quantity: d("101")})
	if res.ErrorCode != common.CodeInsufficientQuantity {
		t.Fatalf("expected INSUFFICIENT_QUANTITY, got %+v", res)
	}
	if exchange.orderCount() != 0 {
		t.Fatal("no order may be placed")
	}
}
