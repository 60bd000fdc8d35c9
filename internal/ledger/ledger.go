// Package ledger holds the append-only log of executed trade fragments and
// the per-day price aggregates computed over it.
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/crossex/cross/internal/models"
)

// TradeStore is the persistence collaborator. StoreTrades receives the full
// fragment set so far, not just the new fragments.
type TradeStore interface {
	StoreTrades(ctx context.Context, fragments []models.Fragment) error
}

// Ledger is an append-ordered collection of executed fragments. Fragments are
// never mutated after append. The ledger's own lock covers the in-memory
// append only; it is only ever acquired after the book mutation that produced
// the fragments has committed, and never held across a store call.
type Ledger struct {
	store TradeStore
	log   zerolog.Logger

	mu        sync.Mutex
	fragments []models.Fragment
}

// New creates a ledger seeded with fragments loaded from the store at startup.
func New(store TradeStore, initial []models.Fragment, logger zerolog.Logger) *Ledger {
	return &Ledger{
		store:     store,
		log:       logger,
		fragments: append([]models.Fragment(nil), initial...),
	}
}

// Append records the fragments of one committed match and hands the full set
// to the store before returning. The in-memory append always succeeds; a store
// failure is returned so the caller can log it, but is never rolled back.
// The lock covers only the append and the snapshot, never the store's network
// round-trip. Concurrent appends may therefore reach the store out of order;
// the store's full-set insert is idempotent, so the later snapshot always
// supersedes the earlier one.
func (l *Ledger) Append(ctx context.Context, fragments []models.Fragment) error {
	if len(fragments) == 0 {
		return nil
	}
	l.mu.Lock()
	l.fragments = append(l.fragments, fragments...)
	var snapshot []models.Fragment
	if l.store != nil {
		snapshot = append([]models.Fragment(nil), l.fragments...)
	}
	l.mu.Unlock()

	if l.store == nil {
		return nil
	}
	if err := l.store.StoreTrades(ctx, snapshot); err != nil {
		return fmt.Errorf("store trades: %w", err)
	}
	return nil
}

// Len returns the number of recorded fragments.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.fragments)
}

// Fragments returns a snapshot of all recorded fragments in append order.
func (l *Ledger) Fragments() []models.Fragment {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.Fragment(nil), l.fragments...)
}

// MaxID returns the highest fragment id recorded, or 0 when the ledger is
// empty. The engine seeds its id counter from it at startup.
func (l *Ledger) MaxID() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var max int64
	for _, f := range l.fragments {
		if f.ID > max {
			max = f.ID
		}
	}
	return max
}

// DayStats aggregates executed prices over the calendar day containing day, in
// the local zone: open is the price of the earliest fragment that day, close
// the latest, min and max over all of the day's prices. A day with no
// executions yields Empty set.
func (l *Ledger) DayStats(day time.Time) models.DayStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dayStatsLocked(day)
}

func (l *Ledger) dayStatsLocked(day time.Time) models.DayStats {
	stats := models.DayStats{Day: day.Day(), Empty: true}
	var earliest, latest time.Time
	for _, f := range l.fragments {
		y, m, d := f.ExecutedAt.Date()
		if y != day.Year() || m != day.Month() || d != day.Day() {
			continue
		}
		if stats.Empty {
			stats.Empty = false
			stats.Min, stats.Max = f.Price, f.Price
			stats.Open, stats.Close = f.Price, f.Price
			earliest, latest = f.ExecutedAt, f.ExecutedAt
			continue
		}
		if f.Price < stats.Min {
			stats.Min = f.Price
		}
		if f.Price > stats.Max {
			stats.Max = f.Price
		}
		if f.ExecutedAt.Before(earliest) {
			earliest = f.ExecutedAt
			stats.Open = f.Price
		}
		if !f.ExecutedAt.Before(latest) {
			latest = f.ExecutedAt
			stats.Close = f.Price
		}
	}
	return stats
}

// MonthHistory returns one DayStats per calendar day of the given month, in
// day order, including empty days.
func (l *Ledger) MonthHistory(year int, month time.Month) []models.DayStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	first := time.Date(year, month, 1, 0, 0, 0, 0, time.Local)
	days := first.AddDate(0, 1, -1).Day()
	history := make([]models.DayStats, 0, days)
	for d := 1; d <= days; d++ {
		history = append(history, l.dayStatsLocked(time.Date(year, month, d, 0, 0, 0, 0, time.Local)))
	}
	return history
}
