package storage

import (
	"context"
	"database/sql"
	"time"
)

// unprocessedLimit caps how many signals one detection cycle can pick up.
const unprocessedLimit = 100

// AppendListingEvent writes one detection signal.
func (d *DB) AppendListingEvent(ctx context.Context, e *ListingEvent) error {
	ctx, cancel := d.ctx(ctx)
	defer cancel()

	_, err := d.db.ExecContext(ctx, `
		INSERT INTO listing_events (
			id, symbol, vcoin_id, detection_source, confidence,
			listing_time, detected_at, freshness_deadline, processed
		) VALUES (?,?,?,?,?,?,?,?,?)`,
		e.ID, e.Symbol, nullStr(e.VcoinID), e.DetectionSource, e.Confidence,
		ms(e.ListingTime), ms(e.DetectedAt), ms(e.FreshnessDeadline), boolInt(e.Processed))
	return err
}

// MarkSignalProcessed flips processed on id exactly once. It returns false
// when the signal was already processed (or unknown), which callers use to
// guarantee at-most-once consumption.
func (d *DB) MarkSignalProcessed(ctx context.Context, id string) (bool, error) {
	ctx, cancel := d.ctx(ctx)
	defer cancel()

	res, err := d.db.ExecContext(ctx,
		`UPDATE listing_events SET processed = 1 WHERE id = ? AND processed = 0`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// UnprocessedSignals returns the newest unprocessed signals whose freshness
// deadline has not passed, newest first.
func (d *DB) UnprocessedSignals(ctx context.Context, now time.Time) ([]ListingEvent, error) {
	ctx, cancel := d.ctx(ctx)
	defer cancel()

	rows, err := d.db.QueryContext(ctx, `
		SELECT id, symbol, vcoin_id, detection_source, confidence,
		       listing_time, detected_at, freshness_deadline, processed
		FROM listing_events
		WHERE processed = 0 AND freshness_deadline > ?
		ORDER BY detected_at DESC
		LIMIT ?`, ms(now), unprocessedLimit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanListingEvents(rows)
}

// HasRecentSignal reports whether a signal for (symbol, source) was detected
// at or after since. The detector uses it for the 60s dedup window.
func (d *DB) HasRecentSignal(ctx context.Context, symbol, source string, since time.Time) (bool, error) {
	ctx, cancel := d.ctx(ctx)
	defer cancel()

	var n int
	err := d.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM (
			SELECT 1 FROM listing_events
			WHERE symbol = ? AND detection_source = ? AND detected_at >= ?
			LIMIT 1
		)`, symbol, source, ms(since)).Scan(&n)
	return n > 0, err
}

// HasSeenVcoin reports whether a calendar signal for vcoinId was ever
// written; vcoin ids are stable across symbol renames.
func (d *DB) HasSeenVcoin(ctx context.Context, vcoinID string) (bool, error) {
	ctx, cancel := d.ctx(ctx)
	defer cancel()

	var n int
	err := d.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM (
			SELECT 1 FROM listing_events WHERE vcoin_id = ? LIMIT 1
		)`, vcoinID).Scan(&n)
	return n > 0, err
}

// ReadyCalendarSignals returns unprocessed calendar signals whose listing
// time falls within the lead window ending at now+lead.
func (d *DB) ReadyCalendarSignals(ctx context.Context, now time.Time, lead time.Duration) ([]ListingEvent, error) {
	ctx, cancel := d.ctx(ctx)
	defer cancel()

	rows, err := d.db.QueryContext(ctx, `
		SELECT id, symbol, vcoin_id, detection_source, confidence,
		       listing_time, detected_at, freshness_deadline, processed
		FROM listing_events
		WHERE processed = 0
		  AND detection_source = ?
		  AND listing_time <= ?
		  AND freshness_deadline > ?
		ORDER BY listing_time ASC
		LIMIT ?`, SourceCalendar, ms(now.Add(lead)), ms(now), unprocessedLimit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanListingEvents(rows)
}

// RecentListings returns signals detected within the window, optionally
// filtered by symbol, newest first.
func (d *DB) RecentListings(ctx context.Context, since time.Time, symbol string, limit int) ([]ListingEvent, error) {
	ctx, cancel := d.ctx(ctx)
	defer cancel()

	if limit <= 0 || limit > queryLimit {
		limit = queryLimit
	}

	var (
		rows *sql.Rows
		err  error
	)
	base := `SELECT id, symbol, vcoin_id, detection_source, confidence,
		listing_time, detected_at, freshness_deadline, processed FROM listing_events`
	if symbol != "" {
		rows, err = d.db.QueryContext(ctx,
			base+` WHERE detected_at >= ? AND symbol = ? ORDER BY detected_at DESC LIMIT ?`,
			ms(since), symbol, limit)
	} else {
		rows, err = d.db.QueryContext(ctx,
			base+` WHERE detected_at >= ? ORDER BY detected_at DESC LIMIT ?`,
			ms(since), limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanListingEvents(rows)
}

// UpcomingListings returns calendar signals whose listing time lies between
// now and now+window, soonest first.
func (d *DB) UpcomingListings(ctx context.Context, now time.Time, window time.Duration, limit int) ([]ListingEvent, error) {
	ctx, cancel := d.ctx(ctx)
	defer cancel()

	if limit <= 0 || limit > queryLimit {
		limit = queryLimit
	}
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, symbol, vcoin_id, detection_source, confidence,
		       listing_time, detected_at, freshness_deadline, processed
		FROM listing_events
		WHERE detection_source = ? AND listing_time BETWEEN ? AND ?
		ORDER BY listing_time ASC
		LIMIT ?`, SourceCalendar, ms(now), ms(now.Add(window)), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanListingEvents(rows)
}

func scanListingEvents(rows *sql.Rows) ([]ListingEvent, error) {
	var out []ListingEvent
	for rows.Next() {
		var (
			e                         ListingEvent
			vcoin                     sql.NullString
			listing, detected, fresh  int64
			processed                 int
		)
		if err := rows.Scan(&e.ID, &e.Symbol, &vcoin, &e.DetectionSource, &e.Confidence,
			&listing, &detected, &fresh, &processed); err != nil {
			return nil, err
		}
		e.VcoinID = strOf(vcoin)
		e.ListingTime = fromMs(listing)
		e.DetectedAt = fromMs(detected)
		e.FreshnessDeadline = fromMs(fresh)
		e.Processed = processed == 1
		out = append(out, e)
	}
	return out, rows.Err()
}
