package mexc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	wsPingInterval   = 15 * time.Second
	wsReadDeadline   = 60 * time.Second
	wsBackoffInitial = time.Second
	wsBackoffMax     = 30 * time.Second
)

// WS streams miniTicker price updates. It is the optional fast path for
// position pricing; consumers must tolerate it being absent and fall back to
// the REST ticker.
type WS struct {
	url string
}

func NewWS(url string) *WS {
	return &WS{url: url}
}

type wsMessage struct {
	Channel string `json:"c"`
	Symbol  string `json:"s"`
	Data    struct {
		Symbol string `json:"s"`
		Price  string `json:"p"`
	} `json:"d"`
	Ts int64 `json:"t"`
}

// Stream connects and pushes price updates for symbols into out until ctx is
// cancelled. Disconnects are retried with exponential backoff doubling from
// 1s and capped at 30s; a successful connection resets the backoff.
func (w *WS) Stream(ctx context.Context, symbols []string, out chan<- PriceUpdate) error {
	backoff := wsBackoffInitial
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		connected, err := w.streamOnce(ctx, symbols, out)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			backoff = wsBackoffInitial
		}
		log.Warn().Err(err).Dur("backoff", backoff).Msg("websocket disconnected, reconnecting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > wsBackoffMax {
			backoff = wsBackoffMax
		}
	}
}

// streamOnce runs one connection; connected reports whether it got past
// the subscription.
func (w *WS) streamOnce(ctx context.Context, symbols []string, out chan<- PriceUpdate) (connected bool, err error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", w.url, err)
	}
	defer conn.Close()

	params := make([]string, 0, len(symbols))
	for _, s := range symbols {
		params = append(params, "spot@public.miniTicker.v3.api@"+s)
	}
	sub := map[string]interface{}{"method": "SUBSCRIPTION", "params": params}
	if err := conn.WriteJSON(sub); err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}
	log.Info().Strs("symbols", symbols).Msg("websocket subscribed")

	// close the connection when ctx is cancelled so ReadMessage unblocks
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	pingTicker := time.NewTicker(wsPingInterval)
	defer pingTicker.Stop()
	go func() {
		for {
			select {
			case <-pingTicker.C:
				_ = conn.WriteJSON(map[string]string{"method": "PING"})
			case <-done:
				return
			}
		}
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}

		var msg wsMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		if !strings.Contains(msg.Channel, "miniTicker") {
			continue
		}
		price, err := decimal.NewFromString(msg.Data.Price)
		if err != nil {
			continue
		}
		symbol := msg.Data.Symbol
		if symbol == "" {
			symbol = msg.Symbol
		}

		update := PriceUpdate{Symbol: symbol, Price: price, Ts: time.UnixMilli(msg.Ts).UTC()}
		select {
		case out <- update:
		default:
			// consumer lagging; drop the tick, the next one supersedes it
		}
	}
}
