package storage

import "database/sql"

// The schema mirrors the entity invariants: state enums are CHECK
// constraints, latency is non-negative, at most one active configuration per
// operator and one non-terminal run per configuration are partial unique
// indexes.
const schema = `
CREATE TABLE IF NOT EXISTS trading_configurations (
	id                      TEXT PRIMARY KEY,
	operator_id             TEXT NOT NULL,
	enabled_pairs           TEXT NOT NULL,
	max_purchase_amount     TEXT NOT NULL,
	price_tolerance_bps     INTEGER NOT NULL DEFAULT 100,
	daily_spending_limit    TEXT NOT NULL,
	max_trades_per_hour     INTEGER NOT NULL,
	polling_interval_ms     INTEGER NOT NULL,
	order_timeout_ms        INTEGER NOT NULL,
	recv_window_ms          INTEGER NOT NULL DEFAULT 5000,
	profit_target_bps       INTEGER NOT NULL DEFAULT 500,
	stop_loss_bps           INTEGER NOT NULL DEFAULT 200,
	time_based_exit_minutes INTEGER NOT NULL DEFAULT 60,
	trailing_stop_bps       INTEGER NOT NULL DEFAULT 0,
	sell_strategy           TEXT NOT NULL CHECK (sell_strategy IN
		('PROFIT_TARGET','STOP_LOSS','TIME_BASED','TRAILING_STOP','COMBINED')),
	safety_enabled          INTEGER NOT NULL DEFAULT 1,
	is_active               INTEGER NOT NULL DEFAULT 0,
	created_at              INTEGER NOT NULL,
	updated_at              INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS ux_config_active
	ON trading_configurations(operator_id) WHERE is_active = 1;

CREATE TABLE IF NOT EXISTS listing_events (
	id                 TEXT PRIMARY KEY,
	symbol             TEXT NOT NULL,
	vcoin_id           TEXT,
	detection_source   TEXT NOT NULL CHECK (detection_source IN ('CALENDAR','SYMBOL_COMPARISON')),
	confidence         TEXT NOT NULL CHECK (confidence IN ('high','medium','low')),
	listing_time       INTEGER NOT NULL,
	detected_at        INTEGER NOT NULL,
	freshness_deadline INTEGER NOT NULL CHECK (freshness_deadline >= detected_at),
	processed          INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS ix_listing_events_symbol_detected
	ON listing_events(symbol, detected_at);
CREATE INDEX IF NOT EXISTS ix_listing_events_unprocessed
	ON listing_events(processed, freshness_deadline);

CREATE TABLE IF NOT EXISTS trade_attempts (
	id                TEXT PRIMARY KEY,
	listing_event_id  TEXT REFERENCES listing_events(id),
	configuration_id  TEXT NOT NULL,
	symbol            TEXT NOT NULL,
	side              TEXT NOT NULL CHECK (side IN ('BUY','SELL')),
	type              TEXT NOT NULL CHECK (type IN ('MARKET','LIMIT')),
	quantity          TEXT NOT NULL,
	price             TEXT,
	status            TEXT NOT NULL CHECK (status IN ('PENDING','SUCCESS','FAILED','CANCELED')),
	order_id          TEXT,
	executed_quantity TEXT,
	executed_price    TEXT,
	commission        TEXT,
	detected_at       INTEGER NOT NULL,
	submitted_at      INTEGER NOT NULL,
	completed_at      INTEGER,
	latency_ms        INTEGER NOT NULL DEFAULT 0 CHECK (latency_ms >= 0),
	error_code        TEXT,
	error_message     TEXT,
	retry_count       INTEGER NOT NULL DEFAULT 0,
	parent_trade_id   TEXT REFERENCES trade_attempts(id),
	position_id       TEXT,
	sell_reason       TEXT,
	realized_pnl      TEXT,
	config_snapshot   TEXT,
	created_at        INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS ix_trade_attempts_symbol ON trade_attempts(symbol, created_at);
CREATE INDEX IF NOT EXISTS ix_trade_attempts_submitted ON trade_attempts(submitted_at);
CREATE INDEX IF NOT EXISTS ix_trade_attempts_parent ON trade_attempts(parent_trade_id);

CREATE TABLE IF NOT EXISTS trade_logs (
	id                TEXT PRIMARY KEY,
	trade_attempt_id  TEXT NOT NULL REFERENCES trade_attempts(id),
	order_id          TEXT NOT NULL,
	quote_qty         TEXT NOT NULL,
	exchange_response TEXT NOT NULL,
	created_at        INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS bot_runs (
	id               TEXT PRIMARY KEY,
	configuration_id TEXT NOT NULL,
	operator_id      TEXT NOT NULL,
	status           TEXT NOT NULL CHECK (status IN ('starting','running','stopping','stopped','failed')),
	started_at       INTEGER NOT NULL,
	stopped_at       INTEGER,
	last_heartbeat   INTEGER NOT NULL,
	error_message    TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS ux_bot_runs_active
	ON bot_runs(configuration_id) WHERE status IN ('starting','running','stopping');

CREATE TABLE IF NOT EXISTS bot_status (
	id                   TEXT PRIMARY KEY,
	is_running           INTEGER NOT NULL,
	last_heartbeat       INTEGER NOT NULL,
	exchange_api_status  TEXT NOT NULL DEFAULT 'unknown',
	api_response_time_ms INTEGER NOT NULL DEFAULT 0,
	consecutive_errors   INTEGER NOT NULL DEFAULT 0,
	last_error_message   TEXT,
	updated_at           INTEGER NOT NULL
);
`

func applySchema(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}
