// Package risk enforces the daily bankroll cap across engine cycles.
//
// The sizer caps each individual position, but the engine revisits the
// same event day every cycle; without a cross-cycle ledger of commitments
// the agent would re-risk the full bankroll every interval. The tracker
// records USD committed per event day and hands the sizer only what
// remains under DAILY_BANKROLL_CAP.
package risk

import (
	"log/slog"
	"sync"

	"tempedge/pkg/types"
)

// Tracker is the process-local record of per-day commitments.
type Tracker struct {
	cap    float64
	logger *slog.Logger

	mu        sync.Mutex
	committed map[string]float64 // event day → USD placed
}

// NewTracker creates a tracker with the given daily cap.
func NewTracker(dailyCap float64, logger *slog.Logger) *Tracker {
	return &Tracker{
		cap:       dailyCap,
		logger:    logger.With("component", "risk"),
		committed: make(map[string]float64),
	}
}

// Available returns the USD still placeable against an event day.
func (t *Tracker) Available(day types.Day) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	remaining := t.cap - t.committed[day.String()]
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Commit records placed size against an event day. Called after the paper
// broker accepts a batch.
func (t *Tracker) Commit(day types.Day, amount float64) {
	if amount <= 0 {
		return
	}
	t.mu.Lock()
	t.committed[day.String()] += amount
	total := t.committed[day.String()]
	t.mu.Unlock()

	if total >= t.cap {
		t.logger.Warn("daily bankroll cap reached",
			"event_day", day.String(),
			"committed", total,
			"cap", t.cap,
		)
	}
}

// Snapshot returns a copy of all per-day commitments.
func (t *Tracker) Snapshot() map[string]float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]float64, len(t.committed))
	for day, usd := range t.committed {
		out[day] = usd
	}
	return out
}

// Committed returns the USD already placed against an event day.
func (t *Tracker) Committed(day types.Day) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.committed[day.String()]
}
