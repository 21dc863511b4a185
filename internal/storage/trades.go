package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"mexc-sniper/internal/common"
)

// InsertTradeAttempt appends one trade attempt. Attempts are written in
// their terminal state by the executor; PENDING rows only exist for orders
// still awaiting their fill.
func (d *DB) InsertTradeAttempt(ctx context.Context, t *TradeAttempt) error {
	ctx, cancel := d.ctx(ctx)
	defer cancel()

	var snapshot interface{}
	if len(t.ConfigSnapshot) > 0 {
		snapshot = string(t.ConfigSnapshot)
	}

	var price interface{}
	if t.Price.IsPositive() {
		price = money(t.Price)
	}

	_, err := d.db.ExecContext(ctx, `
		INSERT INTO trade_attempts (
			id, listing_event_id, configuration_id, symbol, side, type,
			quantity, price, status, order_id, executed_quantity, executed_price,
			commission, detected_at, submitted_at, completed_at, latency_ms,
			error_code, error_message, retry_count, parent_trade_id, position_id,
			sell_reason, realized_pnl, config_snapshot, created_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, nullStr(t.ListingEventID), t.ConfigurationID, t.Symbol, t.Side, t.Type,
		money(t.Quantity), price, t.Status, nullStr(t.OrderID),
		money(t.ExecutedQuantity), money(t.ExecutedPrice),
		money(t.Commission), ms(t.DetectedAt), ms(t.SubmittedAt), ms(t.CompletedAt), t.LatencyMs,
		nullStr(t.ErrorCode), nullStr(t.ErrorMessage), t.RetryCount,
		nullStr(t.ParentTradeID), nullStr(t.PositionID),
		nullStr(t.SellReason), money(t.RealizedPnL), snapshot, ms(t.CreatedAt))
	return err
}

const tradeColumns = `id, listing_event_id, configuration_id, symbol, side, type,
	quantity, price, status, order_id, executed_quantity, executed_price,
	commission, detected_at, submitted_at, completed_at, latency_ms,
	error_code, error_message, retry_count, parent_trade_id, position_id,
	sell_reason, realized_pnl, config_snapshot, created_at`

func scanTradeAttempt(row interface{ Scan(...interface{}) error }) (*TradeAttempt, error) {
	var (
		t                                TradeAttempt
		listingID, qty, price, orderID   sql.NullString
		execQty, execPrice, commission   sql.NullString
		errCode, errMsg, parentID, posID sql.NullString
		sellReason, realized, snapshot   sql.NullString
		detected, submitted, created     int64
		completedNull                    sql.NullInt64
	)
	err := row.Scan(&t.ID, &listingID, &t.ConfigurationID, &t.Symbol, &t.Side, &t.Type,
		&qty, &price, &t.Status, &orderID, &execQty, &execPrice,
		&commission, &detected, &submitted, &completedNull, &t.LatencyMs,
		&errCode, &errMsg, &t.RetryCount, &parentID, &posID,
		&sellReason, &realized, &snapshot, &created)
	if err != nil {
		return nil, err
	}
	var completed int64
	if completedNull.Valid {
		completed = completedNull.Int64
	}
	t.ListingEventID = strOf(listingID)
	t.Quantity = dec(qty)
	t.Price = dec(price)
	t.OrderID = strOf(orderID)
	t.ExecutedQuantity = dec(execQty)
	t.ExecutedPrice = dec(execPrice)
	t.Commission = dec(commission)
	t.DetectedAt = fromMs(detected)
	t.SubmittedAt = fromMs(submitted)
	t.CompletedAt = fromMs(completed)
	t.ErrorCode = strOf(errCode)
	t.ErrorMessage = strOf(errMsg)
	t.ParentTradeID = strOf(parentID)
	t.PositionID = strOf(posID)
	t.SellReason = strOf(sellReason)
	t.RealizedPnL = dec(realized)
	if snapshot.Valid {
		t.ConfigSnapshot = []byte(snapshot.String)
	}
	t.CreatedAt = fromMs(created)
	return &t, nil
}

// GetTradeAttempt returns the attempt with id, or nil when absent.
func (d *DB) GetTradeAttempt(ctx context.Context, id string) (*TradeAttempt, error) {
	ctx, cancel := d.ctx(ctx)
	defer cancel()

	row := d.db.QueryRowContext(ctx,
		`SELECT `+tradeColumns+` FROM trade_attempts WHERE id = ? LIMIT 1`, id)
	t, err := scanTradeAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

// RecentTradeAttempts returns the newest attempts, newest first.
func (d *DB) RecentTradeAttempts(ctx context.Context, limit int) ([]TradeAttempt, error) {
	ctx, cancel := d.ctx(ctx)
	defer cancel()

	if limit <= 0 || limit > queryLimit {
		limit = queryLimit
	}
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+tradeColumns+` FROM trade_attempts ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTrades(rows)
}

// CountTradesSince counts attempts submitted strictly after since. The
// safety checker's hourly cap reads this.
func (d *DB) CountTradesSince(ctx context.Context, since time.Time) (int, error) {
	ctx, cancel := d.ctx(ctx)
	defer cancel()

	var n int
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM trade_attempts WHERE submitted_at > ?`, ms(since)).Scan(&n)
	return n, err
}

// SumBuySpendSince totals executedQuantity*executedPrice over SUCCESS BUY
// rows submitted at or after since. The sum runs over decimals in Go so no
// precision is lost to floating point.
func (d *DB) SumBuySpendSince(ctx context.Context, since time.Time) (decimal.Decimal, error) {
	ctx, cancel := d.ctx(ctx)
	defer cancel()

	rows, err := d.db.QueryContext(ctx, `
		SELECT executed_quantity, executed_price FROM trade_attempts
		WHERE side = ? AND status = ? AND submitted_at >= ?
		LIMIT ?`, SideBuy, TradeSuccess, ms(since), queryLimit*10)
	if err != nil {
		return decimal.Zero, err
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var qty, price sql.NullString
		if err := rows.Scan(&qty, &price); err != nil {
			return decimal.Zero, err
		}
		total = total.Add(dec(qty).Mul(dec(price)))
	}
	return total, rows.Err()
}

// OpenBuyOrders returns SUCCESS BUY attempts newest first; the position
// tracker rebuilds from them.
func (d *DB) OpenBuyOrders(ctx context.Context, limit int) ([]TradeAttempt, error) {
	ctx, cancel := d.ctx(ctx)
	defer cancel()

	if limit <= 0 || limit > queryLimit {
		limit = queryLimit
	}
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+tradeColumns+` FROM trade_attempts
		 WHERE side = ? AND status = ? ORDER BY created_at DESC LIMIT ?`,
		SideBuy, TradeSuccess, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTrades(rows)
}

// SellChildren returns the SELL attempts linked to a BUY.
func (d *DB) SellChildren(ctx context.Context, parentID string) ([]TradeAttempt, error) {
	ctx, cancel := d.ctx(ctx)
	defer cancel()

	rows, err := d.db.QueryContext(ctx,
		`SELECT `+tradeColumns+` FROM trade_attempts
		 WHERE parent_trade_id = ? ORDER BY created_at ASC LIMIT ?`, parentID, queryLimit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTrades(rows)
}

// ValidateSellQuantity enforces the linked-sell invariant before a SELL row
// is written: the parent must be a SUCCESS BUY for the same symbol and the
// children's executed quantity, including the new sell, must not exceed the
// parent's.
func (d *DB) ValidateSellQuantity(ctx context.Context, parentID, symbol string, sellQty decimal.Decimal) error {
	parent, err := d.GetTradeAttempt(ctx, parentID)
	if err != nil {
		return err
	}
	if parent == nil || parent.Side != SideBuy || parent.Status != TradeSuccess || parent.Symbol != symbol {
		return common.NewError(common.KindInternal, "INVALID_PARENT_TRADE",
			"parent trade is not a successful buy for "+symbol)
	}

	children, err := d.SellChildren(ctx, parentID)
	if err != nil {
		return err
	}
	sold := decimal.Zero
	for _, c := range children {
		if c.Status == TradeSuccess {
			sold = sold.Add(c.ExecutedQuantity)
		}
	}
	if sold.Add(sellQty).GreaterThan(parent.ExecutedQuantity) {
		return common.NewError(common.KindInternal, "OVERSELL",
			"sell quantity exceeds remaining buy quantity")
	}
	return nil
}

// AppendTradeLog writes the immutable exchange fill record.
func (d *DB) AppendTradeLog(ctx context.Context, l *TradeLog) error {
	ctx, cancel := d.ctx(ctx)
	defer cancel()

	_, err := d.db.ExecContext(ctx, `
		INSERT INTO trade_logs (id, trade_attempt_id, order_id, quote_qty, exchange_response, created_at)
		VALUES (?,?,?,?,?,?)`,
		l.ID, l.TradeAttemptID, l.OrderID, money(l.QuoteQty), string(l.ExchangeResponse), ms(l.CreatedAt))
	return err
}

func collectTrades(rows *sql.Rows) ([]TradeAttempt, error) {
	var out []TradeAttempt
	for rows.Next() {
		t, err := scanTradeAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}
