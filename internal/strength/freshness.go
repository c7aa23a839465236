package strength

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Markmu/sector-strength-sub001/internal/store"
)

// Readiness is the outcome of a freshness check.
type Readiness struct {
	Ready    bool
	Expected time.Time
	Latest   *time.Time
	Reason   string
}

// Freshness decides whether daily price data is complete enough to
// classify a trading day.
type Freshness struct {
	sync     SyncStatus
	calendar *Calendar
}

// NewFreshness returns a Freshness over the daily price sync status.
func NewFreshness(sync SyncStatus, calendar *Calendar) *Freshness {
	return &Freshness{sync: sync, calendar: calendar}
}

// Check reports whether data for the latest closed trading day at now is
// available.
func (f *Freshness) Check(ctx context.Context, now time.Time) (Readiness, error) {
	return f.CheckDate(ctx, f.calendar.LatestTradingDay(now))
}

// CheckDate reports whether daily prices for tradeDate are available. A
// failed sync never counts as fresh.
func (f *Freshness) CheckDate(ctx context.Context, tradeDate time.Time) (Readiness, error) {
	expected := f.calendar.Date(tradeDate)
	r := Readiness{Expected: expected}

	rec, err := f.sync.LatestSync(ctx, DatasetDailyPrices)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			r.Reason = "no daily price sync recorded"
			return r, nil
		}
		return r, fmt.Errorf("read sync status: %w", err)
	}

	latest := sameDate(rec.TradeDate, f.calendar.Location())
	r.Latest = &latest
	switch {
	case rec.Status == SyncStatusFailed:
		r.Reason = fmt.Sprintf("last daily price sync for %s failed", latest.Format(time.DateOnly))
	case latest.Before(expected):
		r.Reason = fmt.Sprintf("daily prices synced through %s, expected %s",
			latest.Format(time.DateOnly), expected.Format(time.DateOnly))
	default:
		r.Ready = true
	}
	return r, nil
}

// sameDate reinterprets the calendar date of t in loc. Sync dates are
// stored as bare dates.
func sameDate(t time.Time, loc *time.Location) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}
