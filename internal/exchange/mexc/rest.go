// Package mexc provides the REST and WebSocket client for the MEXC spot
// exchange. It covers market data, the new-coin calendar, the signed account
// and order endpoints, plus the client-side protections the trading core
// depends on: request rate limiting, error classification, and a circuit
// breaker around order placement.
package mexc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"mexc-sniper/internal/common"
)

const (
	headerAPIKey = "X-MEXC-APIKEY"

	pathTime         = "/api/v3/time"
	pathTicker       = "/api/v3/ticker/price"
	pathExchangeInfo = "/api/v3/exchangeInfo"
	pathAccount      = "/api/v3/account"
	pathOrder        = "/api/v3/order"
	pathCalendar     = "/api/operation/new_coin_calendar"

	// requests per second against the public API; MEXC allows far more but
	// the sniper has no reason to get near the ban threshold
	requestRate  = 20
	requestBurst = 40
)

// Client provides REST API access to the MEXC spot exchange.
type Client struct {
	key, secret string
	base        string
	calendarURL string
	recvWindow  int64

	rest    *resty.Client
	limiter *rate.Limiter
	breaker *breaker
	nowMs   func() int64
}

// NewClient creates a REST client with pooled transport. timeout applies to
// every individual request; recvWindowMs is the signing staleness window.
func NewClient(key, secret, base string, timeout time.Duration, recvWindowMs int64) *Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}

	r := resty.New()
	r.SetTransport(transport)
	if timeout > 0 {
		r.SetTimeout(timeout)
	} else {
		r.SetTimeout(10 * time.Second)
	}

	if recvWindowMs <= 0 {
		recvWindowMs = common.DefaultRecvWindowMs
	}

	return &Client{
		key:         key,
		secret:      secret,
		base:        base,
		calendarURL: base + pathCalendar,
		recvWindow:  recvWindowMs,
		rest:        r,
		limiter:     rate.NewLimiter(rate.Limit(requestRate), requestBurst),
		breaker:     newBreaker(),
		nowMs:       func() int64 { return time.Now().UnixMilli() },
	}
}

// SetCalendarURL overrides the unauthenticated calendar endpoint. The
// calendar lives on a different host than the trading API in production.
func (c *Client) SetCalendarURL(u string) { c.calendarURL = u }

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// classify maps a response to the error taxonomy. Transport errors, 5xx and
// the -1003 rate limit are retryable; auth, bad symbol and insufficient
// balance are not.
func classify(resp *resty.Response, err error) error {
	if err != nil {
		return common.WrapError(common.KindTransientExchange, "EXCHANGE_UNREACHABLE", "request failed", err)
	}
	if resp.IsSuccess() {
		return nil
	}

	var ae apiError
	_ = json.Unmarshal(resp.Body(), &ae)

	switch {
	case ae.Code == -1003 || resp.StatusCode() == http.StatusTooManyRequests:
		return common.NewError(common.KindTransientExchange, "RATE_LIMITED", ae.Msg)
	case ae.Code == -2015:
		return common.NewError(common.KindPermanentExchange, "AUTH_FAILED", ae.Msg)
	case ae.Code == -1121:
		return common.NewError(common.KindPermanentExchange, "INVALID_SYMBOL", ae.Msg)
	case ae.Code == -2010:
		return common.NewError(common.KindPermanentExchange, "INSUFFICIENT_BALANCE", ae.Msg)
	case resp.StatusCode() >= 500:
		return common.NewError(common.KindTransientExchange, "EXCHANGE_ERROR",
			fmt.Sprintf("status %d: %s", resp.StatusCode(), ae.Msg))
	default:
		return common.NewError(common.KindPermanentExchange, "EXCHANGE_REJECTED",
			fmt.Sprintf("status %d code %d: %s", resp.StatusCode(), ae.Code, ae.Msg))
	}
}

// ServerTime returns the exchange clock.
func (c *Client) ServerTime(ctx context.Context) (time.Time, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return time.Time{}, err
	}
	var out struct {
		ServerTime int64 `json:"serverTime"`
	}
	resp, err := c.rest.R().SetContext(ctx).SetResult(&out).Get(c.base + pathTime)
	if cerr := classify(resp, err); cerr != nil {
		return time.Time{}, cerr
	}
	return time.UnixMilli(out.ServerTime).UTC(), nil
}

// Ticker returns the last price for symbol.
func (c *Client) Ticker(ctx context.Context, symbol string) (Ticker, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Ticker{}, err
	}
	var out struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	resp, err := c.rest.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&out).
		Get(c.base + pathTicker)
	if cerr := classify(resp, err); cerr != nil {
		return Ticker{}, cerr
	}
	price, err := decimal.NewFromString(out.Price)
	if err != nil {
		return Ticker{}, common.WrapError(common.KindPermanentExchange, common.CodeInvalidPrice,
			"unparseable ticker price "+out.Price, err)
	}
	return Ticker{Symbol: out.Symbol, Price: price}, nil
}

type exchangeInfoSymbol struct {
	Symbol     string `json:"symbol"`
	Status     string `json:"status"`
	BaseAsset  string `json:"baseAsset"`
	QuoteAsset string `json:"quoteAsset"`
	Filters    []struct {
		FilterType  string `json:"filterType"`
		MinQty      string `json:"minQty"`
		MaxQty      string `json:"maxQty"`
		StepSize    string `json:"stepSize"`
		TickSize    string `json:"tickSize"`
		MinNotional string `json:"minNotional"`
	} `json:"filters"`
}

// ExchangeInfo returns the trading rules for every listed symbol.
func (c *Client) ExchangeInfo(ctx context.Context) ([]SymbolRules, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var out struct {
		Symbols []exchangeInfoSymbol `json:"symbols"`
	}
	resp, err := c.rest.R().SetContext(ctx).SetResult(&out).Get(c.base + pathExchangeInfo)
	if cerr := classify(resp, err); cerr != nil {
		return nil, cerr
	}

	rules := make([]SymbolRules, 0, len(out.Symbols))
	for _, s := range out.Symbols {
		r := SymbolRules{
			Symbol:     s.Symbol,
			BaseAsset:  s.BaseAsset,
			QuoteAsset: s.QuoteAsset,
			Status:     normalizeStatus(s.Status),
		}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "LOT_SIZE":
				r.MinQty = parseDecimal(f.MinQty)
				r.MaxQty = parseDecimal(f.MaxQty)
				r.StepSize = parseDecimal(f.StepSize)
			case "PRICE_FILTER":
				r.TickSize = parseDecimal(f.TickSize)
			case "MIN_NOTIONAL", "NOTIONAL":
				r.MinNotional = parseDecimal(f.MinNotional)
			}
		}
		rules = append(rules, r)
	}
	return rules, nil
}

func normalizeStatus(s string) string {
	switch s {
	case "ENABLED", "TRADING", "1":
		return StatusEnabled
	default:
		return StatusDisabled
	}
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Calendar fetches the upcoming new-coin listings. The endpoint is
// unauthenticated; entries missing vcoinId, vcoinName or firstOpenTime are
// dropped.
func (c *Client) Calendar(ctx context.Context) ([]CalendarEntry, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var out struct {
		Data struct {
			NewCoins []struct {
				VcoinID       string `json:"vcoinId"`
				VcoinName     string `json:"vcoinName"`
				VcoinNameFull string `json:"vcoinNameFull"`
				FirstOpenTime int64  `json:"firstOpenTime"`
				Zone          string `json:"zone"`
			} `json:"newCoins"`
		} `json:"data"`
	}
	resp, err := c.rest.R().SetContext(ctx).SetResult(&out).Get(c.calendarURL)
	if cerr := classify(resp, err); cerr != nil {
		return nil, cerr
	}

	entries := make([]CalendarEntry, 0, len(out.Data.NewCoins))
	for _, nc := range out.Data.NewCoins {
		if nc.VcoinID == "" || nc.VcoinName == "" || nc.FirstOpenTime == 0 {
			continue
		}
		entries = append(entries, CalendarEntry{
			VcoinID:       nc.VcoinID,
			VcoinName:     nc.VcoinName,
			VcoinNameFull: nc.VcoinNameFull,
			FirstOpenTime: time.UnixMilli(nc.FirstOpenTime).UTC(),
			Zone:          nc.Zone,
		})
	}
	return entries, nil
}

// Account returns the signed spot account snapshot.
func (c *Client) Account(ctx context.Context) (Account, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Account{}, err
	}
	var out struct {
		CanTrade bool `json:"canTrade"`
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	query := SignedQuery(c.secret, nil, c.nowMs(), c.recvWindow)
	resp, err := c.rest.R().
		SetContext(ctx).
		SetHeader(headerAPIKey, c.key).
		SetQueryString(query).
		SetResult(&out).
		Get(c.base + pathAccount)
	if cerr := classify(resp, err); cerr != nil {
		return Account{}, cerr
	}

	acct := Account{CanTrade: out.CanTrade, Balances: make([]Balance, 0, len(out.Balances))}
	for _, b := range out.Balances {
		acct.Balances = append(acct.Balances, Balance{
			Asset:  b.Asset,
			Free:   parseDecimal(b.Free),
			Locked: parseDecimal(b.Locked),
		})
	}
	return acct, nil
}

// PlaceMarketBuy submits a market buy for qty base units.
func (c *Client) PlaceMarketBuy(ctx context.Context, symbol string, qty decimal.Decimal) (Order, error) {
	return c.placeOrder(ctx, symbol, SideBuy, TypeMarket, qty, decimal.Decimal{})
}

// PlaceLimitBuy submits a limit buy at price.
func (c *Client) PlaceLimitBuy(ctx context.Context, symbol string, qty, price decimal.Decimal) (Order, error) {
	return c.placeOrder(ctx, symbol, SideBuy, TypeLimit, qty, price)
}

// PlaceMarketSell submits a market sell for qty base units.
func (c *Client) PlaceMarketSell(ctx context.Context, symbol string, qty decimal.Decimal) (Order, error) {
	return c.placeOrder(ctx, symbol, SideSell, TypeMarket, qty, decimal.Decimal{})
}

// PlaceLimitSell submits a limit sell at price.
func (c *Client) PlaceLimitSell(ctx context.Context, symbol string, qty, price decimal.Decimal) (Order, error) {
	return c.placeOrder(ctx, symbol, SideSell, TypeLimit, qty, price)
}

type orderResponse struct {
	Symbol       string `json:"symbol"`
	OrderID      json.Number `json:"orderId"`
	Price        string `json:"price"`
	OrigQty      string `json:"origQty"`
	ExecutedQty  string `json:"executedQty"`
	QuoteQty     string `json:"cummulativeQuoteQty"`
	Status       string `json:"status"`
	Type         string `json:"type"`
	Side         string `json:"side"`
	TransactTime int64  `json:"transactTime"`
	Fills        []Fill `json:"fills"`
}

func (r orderResponse) toOrder(raw []byte) Order {
	return Order{
		OrderID:      r.OrderID.String(),
		Symbol:       r.Symbol,
		Side:         r.Side,
		Type:         r.Type,
		Status:       r.Status,
		Price:        parseDecimal(r.Price),
		OrigQty:      parseDecimal(r.OrigQty),
		ExecutedQty:  parseDecimal(r.ExecutedQty),
		QuoteQty:     parseDecimal(r.QuoteQty),
		Fills:        r.Fills,
		TransactTime: time.UnixMilli(r.TransactTime).UTC(),
		Raw:          json.RawMessage(raw),
	}
}

func (c *Client) placeOrder(ctx context.Context, symbol, side, typ string, qty, price decimal.Decimal) (Order, error) {
	if err := c.breaker.allow(); err != nil {
		return Order{}, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return Order{}, err
	}

	params := map[string]string{
		"symbol":   symbol,
		"side":     side,
		"type":     typ,
		"quantity": qty.String(),
	}
	if typ == TypeLimit {
		params["price"] = price.String()
		params["timeInForce"] = "GTC"
	}

	query := SignedQuery(c.secret, params, c.nowMs(), c.recvWindow)
	var out orderResponse
	resp, err := c.rest.R().
		SetContext(ctx).
		SetHeader(headerAPIKey, c.key).
		SetQueryString(query).
		SetResult(&out).
		Post(c.base + pathOrder)
	if cerr := classify(resp, err); cerr != nil {
		c.breaker.recordFailure()
		return Order{}, cerr
	}
	c.breaker.recordSuccess()
	return out.toOrder(resp.Body()), nil
}

// OrderStatus fetches the current state of an order.
func (c *Client) OrderStatus(ctx context.Context, symbol, orderID string) (Order, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Order{}, err
	}
	params := map[string]string{"symbol": symbol, "orderId": orderID}
	query := SignedQuery(c.secret, params, c.nowMs(), c.recvWindow)

	var out orderResponse
	resp, err := c.rest.R().
		SetContext(ctx).
		SetHeader(headerAPIKey, c.key).
		SetQueryString(query).
		SetResult(&out).
		Get(c.base + pathOrder)
	if cerr := classify(resp, err); cerr != nil {
		return Order{}, cerr
	}
	return out.toOrder(resp.Body()), nil
}

// CancelOrder cancels an open order.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) (Order, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Order{}, err
	}
	params := map[string]string{"symbol": symbol, "orderId": orderID}
	query := SignedQuery(c.secret, params, c.nowMs(), c.recvWindow)

	var out orderResponse
	resp, err := c.rest.R().
		SetContext(ctx).
		SetHeader(headerAPIKey, c.key).
		SetQueryString(query).
		SetResult(&out).
		Delete(c.base + pathOrder)
	if cerr := classify(resp, err); cerr != nil {
		return Order{}, cerr
	}
	return out.toOrder(resp.Body()), nil
}

// WaitForFill polls order status until the order leaves NEW/PARTIALLY_FILLED
// or the timeout elapses, in which case the order is cancelled.
func (c *Client) WaitForFill(ctx context.Context, symbol, orderID string, timeout, interval time.Duration) (Order, error) {
	deadline := time.Now().Add(timeout)
	var last Order
	for {
		o, err := c.OrderStatus(ctx, symbol, orderID)
		if err == nil {
			last = o
			switch o.Status {
			case "FILLED", "CANCELED", "REJECTED", "EXPIRED":
				return o, nil
			}
		}
		if time.Now().After(deadline) {
			if canceled, cerr := c.CancelOrder(ctx, symbol, orderID); cerr == nil {
				return canceled, nil
			}
			return last, common.NewError(common.KindTransientExchange, "ORDER_TIMEOUT",
				"order "+orderID+" not filled within timeout")
		}
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-time.After(interval):
		}
	}
}
