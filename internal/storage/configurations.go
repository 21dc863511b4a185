package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// InsertTradingConfiguration persists cfg. When cfg is active, any previously
// active configuration for the same operator is deactivated in the same
// transaction so the one-active invariant holds.
func (d *DB) InsertTradingConfiguration(ctx context.Context, cfg *TradingConfiguration) error {
	ctx, cancel := d.ctx(ctx)
	defer cancel()

	pairs, err := json.Marshal(cfg.EnabledPairs)
	if err != nil {
		return fmt.Errorf("marshal enabled pairs: %w", err)
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if cfg.IsActive {
		if _, err := tx.ExecContext(ctx,
			`UPDATE trading_configurations SET is_active = 0, updated_at = ? WHERE operator_id = ? AND is_active = 1`,
			ms(time.Now().UTC()), cfg.OperatorID); err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO trading_configurations (
			id, operator_id, enabled_pairs, max_purchase_amount, price_tolerance_bps,
			daily_spending_limit, max_trades_per_hour, polling_interval_ms,
			order_timeout_ms, recv_window_ms, profit_target_bps, stop_loss_bps,
			time_based_exit_minutes, trailing_stop_bps, sell_strategy,
			safety_enabled, is_active, created_at, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		cfg.ID, cfg.OperatorID, string(pairs), money(cfg.MaxPurchaseAmount), cfg.PriceToleranceBps,
		money(cfg.DailySpendingLimit), cfg.MaxTradesPerHour, cfg.PollingIntervalMs,
		cfg.OrderTimeoutMs, cfg.RecvWindowMs, cfg.ProfitTargetBps, cfg.StopLossBps,
		cfg.TimeBasedExitMinutes, cfg.TrailingStopBps, cfg.SellStrategy,
		boolInt(cfg.SafetyEnabled), boolInt(cfg.IsActive), ms(cfg.CreatedAt), ms(cfg.UpdatedAt))
	if err != nil {
		return err
	}
	return tx.Commit()
}

const configColumns = `id, operator_id, enabled_pairs, max_purchase_amount, price_tolerance_bps,
	daily_spending_limit, max_trades_per_hour, polling_interval_ms, order_timeout_ms,
	recv_window_ms, profit_target_bps, stop_loss_bps, time_based_exit_minutes,
	trailing_stop_bps, sell_strategy, safety_enabled, is_active, created_at, updated_at`

func scanConfiguration(row interface{ Scan(...interface{}) error }) (*TradingConfiguration, error) {
	var (
		c             TradingConfiguration
		pairs         string
		maxPurchase   sql.NullString
		dailyLimit    sql.NullString
		safety, activ int
		created, upd  int64
	)
	err := row.Scan(&c.ID, &c.OperatorID, &pairs, &maxPurchase, &c.PriceToleranceBps,
		&dailyLimit, &c.MaxTradesPerHour, &c.PollingIntervalMs, &c.OrderTimeoutMs,
		&c.RecvWindowMs, &c.ProfitTargetBps, &c.StopLossBps, &c.TimeBasedExitMinutes,
		&c.TrailingStopBps, &c.SellStrategy, &safety, &activ, &created, &upd)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(pairs), &c.EnabledPairs); err != nil {
		return nil, fmt.Errorf("unmarshal enabled pairs: %w", err)
	}
	c.MaxPurchaseAmount = dec(maxPurchase)
	c.DailySpendingLimit = dec(dailyLimit)
	c.SafetyEnabled = safety == 1
	c.IsActive = activ == 1
	c.CreatedAt = fromMs(created)
	c.UpdatedAt = fromMs(upd)
	return &c, nil
}

// ActiveConfiguration returns the single active configuration, or nil when
// none is active.
func (d *DB) ActiveConfiguration(ctx context.Context) (*TradingConfiguration, error) {
	ctx, cancel := d.ctx(ctx)
	defer cancel()

	row := d.db.QueryRowContext(ctx,
		`SELECT `+configColumns+` FROM trading_configurations WHERE is_active = 1 ORDER BY updated_at DESC LIMIT 1`)
	cfg, err := scanConfiguration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return cfg, err
}

// GetConfiguration returns the configuration with id, or nil when absent.
func (d *DB) GetConfiguration(ctx context.Context, id string) (*TradingConfiguration, error) {
	ctx, cancel := d.ctx(ctx)
	defer cancel()

	row := d.db.QueryRowContext(ctx,
		`SELECT `+configColumns+` FROM trading_configurations WHERE id = ? LIMIT 1`, id)
	cfg, err := scanConfiguration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return cfg, err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
