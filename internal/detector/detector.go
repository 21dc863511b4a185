// Package detector watches for new listings on two independent sources: the
// exchange's new-coin calendar and a diff of the live symbol list. Each
// source runs on its own timer and produces confidence-scored, deduplicated
// listing events into the signal store.
package detector

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"mexc-sniper/internal/exchange/mexc"
	"mexc-sniper/internal/storage"
)

const (
	// ReadinessLead is how far before firstOpenTime a calendar listing
	// counts as tradable, so the order reaches the book the moment the
	// pair goes live.
	ReadinessLead = 5 * time.Second

	symbolPollInterval = 5 * time.Second
	dedupWindow        = 60 * time.Second
	calendarHorizon    = 7 * 24 * time.Hour
	calendarFreshness  = 5 * time.Minute
	symbolFreshness    = 60 * time.Second
)

// Exchange is the slice of the exchange client the detector needs.
type Exchange interface {
	Calendar(ctx context.Context) ([]mexc.CalendarEntry, error)
	ExchangeInfo(ctx context.Context) ([]mexc.SymbolRules, error)
}

// SignalStore is the slice of the persistence adapter the detector writes
// through.
type SignalStore interface {
	AppendListingEvent(ctx context.Context, e *storage.ListingEvent) error
	HasRecentSignal(ctx context.Context, symbol, source string, since time.Time) (bool, error)
	HasSeenVcoin(ctx context.Context, vcoinID string) (bool, error)
}

// Detector runs the two listing pollers.
type Detector struct {
	exchange Exchange
	store    SignalStore

	calendarInterval time.Duration
	now              func() time.Time

	mu          sync.Mutex
	prevSymbols map[string]struct{}
	primed      bool
}

// New creates a detector. calendarInterval is the configuration's polling
// interval; the symbol-diff poller always runs at its fixed 5s period.
func New(exchange Exchange, store SignalStore, calendarInterval time.Duration) *Detector {
	if calendarInterval <= 0 {
		calendarInterval = 5 * time.Second
	}
	return &Detector{
		exchange:         exchange,
		store:            store,
		calendarInterval: calendarInterval,
		now:              func() time.Time { return time.Now().UTC() },
	}
}

// Initialize primes the symbol snapshot so the first diff poll does not
// flood the signal log with every listed pair.
func (d *Detector) Initialize(ctx context.Context) error {
	rules, err := d.exchange.ExchangeInfo(ctx)
	if err != nil {
		return err
	}

	snapshot := make(map[string]struct{}, len(rules))
	for _, r := range rules {
		snapshot[r.Symbol] = struct{}{}
	}

	d.mu.Lock()
	d.prevSymbols = snapshot
	d.primed = true
	d.mu.Unlock()

	log.Info().Int("symbols", len(snapshot)).Msg("detector initialized")
	return nil
}

// Run drives both pollers until ctx is cancelled. Poll failures are logged
// and counted; the loops never die.
func (d *Detector) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		ticker := time.NewTicker(d.calendarInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := d.PollCalendar(ctx); err != nil && ctx.Err() == nil {
					log.Warn().Err(err).Msg("calendar poll failed")
				}
			}
		}
	}()

	go func() {
		defer wg.Done()
		ticker := time.NewTicker(symbolPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := d.PollSymbols(ctx); err != nil && ctx.Err() == nil {
					log.Warn().Err(err).Msg("symbol diff poll failed")
				}
			}
		}
	}()

	wg.Wait()
}

// PollCalendar fetches the new-coin calendar and writes a high-confidence
// signal for every unseen listing opening within the next 7 days.
func (d *Detector) PollCalendar(ctx context.Context) error {
	entries, err := d.exchange.Calendar(ctx)
	if err != nil {
		return err
	}
	now := d.now()

	for _, e := range entries {
		if e.FirstOpenTime.Before(now.Add(-calendarFreshness)) || e.FirstOpenTime.After(now.Add(calendarHorizon)) {
			continue
		}
		seen, err := d.store.HasSeenVcoin(ctx, e.VcoinID)
		if err != nil {
			return err
		}
		if seen {
			continue
		}

		symbol := e.Symbol()
		dup, err := d.store.HasRecentSignal(ctx, symbol, storage.SourceCalendar, now.Add(-dedupWindow))
		if err != nil {
			return err
		}
		if dup {
			continue
		}

		event := &storage.ListingEvent{
			ID:                uuid.NewString(),
			Symbol:            symbol,
			VcoinID:           e.VcoinID,
			DetectionSource:   storage.SourceCalendar,
			Confidence:        storage.ConfidenceHigh,
			ListingTime:       e.FirstOpenTime,
			DetectedAt:        now,
			FreshnessDeadline: e.FirstOpenTime.Add(calendarFreshness),
		}
		if err := d.store.AppendListingEvent(ctx, event); err != nil {
			return err
		}
		log.Info().
			Str("symbol", symbol).
			Str("vcoinId", e.VcoinID).
			Time("firstOpenTime", e.FirstOpenTime).
			Msg("calendar listing detected")
	}
	return nil
}

// PollSymbols diffs the live symbol list against the previous snapshot and
// writes a medium-confidence signal for every brand-new symbol. The first
// poll after start only primes the snapshot.
func (d *Detector) PollSymbols(ctx context.Context) error {
	rules, err := d.exchange.ExchangeInfo(ctx)
	if err != nil {
		return err
	}
	now := d.now()

	current := make(map[string]struct{}, len(rules))
	for _, r := range rules {
		current[r.Symbol] = struct{}{}
	}

	d.mu.Lock()
	prev := d.prevSymbols
	primed := d.primed
	d.prevSymbols = current
	d.primed = true
	d.mu.Unlock()

	if !primed {
		return nil
	}

	for symbol := range current {
		if _, ok := prev[symbol]; ok {
			continue
		}
		dup, err := d.store.HasRecentSignal(ctx, symbol, storage.SourceSymbolComparison, now.Add(-dedupWindow))
		if err != nil {
			return err
		}
		if dup {
			continue
		}

		event := &storage.ListingEvent{
			ID:                uuid.NewString(),
			Symbol:            symbol,
			DetectionSource:   storage.SourceSymbolComparison,
			Confidence:        storage.ConfidenceMedium,
			ListingTime:       now,
			DetectedAt:        now,
			FreshnessDeadline: now.Add(symbolFreshness),
		}
		if err := d.store.AppendListingEvent(ctx, event); err != nil {
			return err
		}
		log.Info().Str("symbol", symbol).Msg("new symbol detected")
	}
	return nil
}
