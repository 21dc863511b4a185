// Package storage is the persistence adapter. It owns every durable write:
// trading configurations, listing events (the signal log), trade attempts,
// trade logs, bot runs and the bot status snapshot, all in one SQLite
// database accessed through database/sql.
//
// Conventions: timestamps are stored as UTC unix milliseconds, money as
// fixed-point TEXT (scale 8 for quantities and prices), percent-like values
// as integer basis points, and every query is bounded.
package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

// moneyScale fixes the stored decimal precision for quantities and prices.
// Percent-like values are stored as integer basis points instead.
const moneyScale = 8

// queryLimit bounds every unpaged query.
const queryLimit = 1000

// DB wraps the SQLite handle and the per-query timeout.
type DB struct {
	db           *sql.DB
	queryTimeout time.Duration
}

// Open connects to databaseURL and applies the schema. The URL accepts an
// optional sqlite:// prefix; WAL and a busy timeout are always enabled.
func Open(databaseURL string, queryTimeout time.Duration) (*DB, error) {
	dsn := strings.TrimPrefix(databaseURL, "sqlite://")
	dsn = strings.TrimPrefix(dsn, "sqlite:")
	if !strings.Contains(dsn, "?") {
		dsn += "?"
	} else {
		dsn += "&"
	}
	dsn += "_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}

	if queryTimeout <= 0 {
		queryTimeout = 5 * time.Second
	}

	log.Info().Str("dsn", dsn).Msg("database initialized")
	return &DB{db: db, queryTimeout: queryTimeout}, nil
}

// Close releases the underlying handle.
func (d *DB) Close() error { return d.db.Close() }

// ctx returns a bounded context for one query.
func (d *DB) ctx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, d.queryTimeout)
}

// ms converts a time to its stored form. Zero times store as 0.
func ms(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// fromMs converts a stored timestamp back. 0 yields the zero time.
func fromMs(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}

// money renders d at the fixed money scale.
func money(d decimal.Decimal) string {
	return d.StringFixed(moneyScale)
}

// dec parses a stored decimal, treating NULL/empty as zero.
func dec(s sql.NullString) decimal.Decimal {
	if !s.Valid || s.String == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s.String)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// nullStr stores "" as NULL so foreign keys on optional references hold.
func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func strOf(s sql.NullString) string {
	if !s.Valid {
		return ""
	}
	return s.String
}
