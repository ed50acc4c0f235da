// Package resolver settles pending ledger rows against final market
// outcomes.
//
// For one event day it groups ledger rows by station, asks the venue for
// the event's outcome prices, and upgrades each pending row to win or
// loss. The whole ledger file is rewritten under the broker's lock, so a
// concurrently running engine never interleaves half-resolved state.
// Re-running is safe: rows already in a terminal outcome are left alone.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"tempedge/internal/ledger"
	"tempedge/internal/polymarket"
	"tempedge/internal/station"
	"tempedge/pkg/types"
)

// Report summarizes one resolve run.
type Report struct {
	EventDay types.Day     `json:"event_day"`
	Groups   []GroupResult `json:"groups"`
}

// GroupResult is the outcome of settling one station's rows.
type GroupResult struct {
	Station       string `json:"station"`
	City          string `json:"city"`
	WinnerBracket string `json:"winner_bracket,omitempty"`
	Wins          int    `json:"wins"`
	Losses        int    `json:"losses"`
	Pending       int    `json:"pending"`
	AlreadyDone   int    `json:"already_done"`
}

// Resolver joins the ledger with venue outcomes.
type Resolver struct {
	ledger   *ledger.Ledger
	markets  *polymarket.Client
	registry *station.Registry
	logger   *slog.Logger
}

// New creates a resolver.
func New(lg *ledger.Ledger, markets *polymarket.Client, registry *station.Registry, logger *slog.Logger) *Resolver {
	return &Resolver{
		ledger:   lg,
		markets:  markets,
		registry: registry,
		logger:   logger.With("component", "resolver"),
	}
}

// Resolve settles the event day's ledger. stationCode narrows the run to
// one station; empty means all stations present in the file. An
// unresolved event leaves its group pending for a later run.
func (r *Resolver) Resolve(ctx context.Context, eventDay types.Day, stationCode string) (*Report, error) {
	report := &Report{EventDay: eventDay}

	found, err := r.ledger.Update(eventDay, func(records []ledger.TradeRecord) ([]ledger.TradeRecord, error) {
		changed := false
		for _, code := range stationOrder(records) {
			if stationCode != "" && code != stationCode {
				continue
			}
			res, didChange, err := r.resolveGroup(ctx, records, code, eventDay)
			if err != nil {
				return nil, err
			}
			report.Groups = append(report.Groups, res)
			changed = changed || didChange
		}
		if !changed {
			return nil, nil
		}
		return records, nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		r.logger.Info("no ledger for event day", "event_day", eventDay.String())
	}
	return report, nil
}

// resolveGroup settles one station's rows in place.
func (r *Resolver) resolveGroup(ctx context.Context, records []ledger.TradeRecord, code string, eventDay types.Day) (GroupResult, bool, error) {
	res := GroupResult{Station: code}

	pending := 0
	for i := range records {
		if records[i].Station != code {
			continue
		}
		if records[i].Pending() {
			pending++
		} else {
			res.AlreadyDone++
		}
	}
	if pending == 0 {
		return res, false, nil
	}

	st, err := r.registry.Get(code)
	if err != nil {
		r.logger.Warn("ledger references unknown station", "station", code)
		res.Pending = pending
		return res, false, nil
	}
	res.City = st.City

	set, err := r.markets.Discover(ctx, st.City, eventDay)
	if err != nil {
		if errors.Is(err, polymarket.ErrNotFound) {
			r.logger.Warn("event not found for resolution",
				"station", code, "event_day", eventDay.String())
			res.Pending = pending
			return res, false, nil
		}
		return res, false, fmt.Errorf("discover %s %s: %w", st.City, eventDay.String(), err)
	}

	prices, err := r.markets.OutcomePrices(ctx, set.Slug)
	if err != nil {
		if errors.Is(err, polymarket.ErrUnresolved) {
			r.logger.Info("event still unresolved",
				"station", code, "event_day", eventDay.String())
			res.Pending = pending
			return res, false, nil
		}
		return res, false, fmt.Errorf("outcome prices %s: %w", set.Slug, err)
	}

	winnerID, winnerName := winner(set, prices)
	if winnerID == "" {
		r.logger.Warn("resolved event has no winning bracket",
			"station", code, "event_day", eventDay.String(), "slug", set.Slug)
		res.Pending = pending
		return res, false, nil
	}
	res.WinnerBracket = winnerName

	resolvedAt := time.Now().UTC().Format(time.RFC3339)
	for i := range records {
		rec := &records[i]
		if rec.Station != code || !rec.Pending() {
			continue
		}
		rec.Venue = string(st.Venue)
		rec.ResolvedAt = resolvedAt
		rec.WinnerBracket = winnerName
		if rec.MarketID == winnerID {
			rec.Outcome = ledger.OutcomeWin
			rec.RealizedPnL = winPnL(rec.Size, rec.PMarket)
			res.Wins++
		} else {
			rec.Outcome = ledger.OutcomeLoss
			rec.RealizedPnL = rec.Size.Neg()
			res.Losses++
		}
	}

	r.logger.Info("group resolved",
		"station", code,
		"event_day", eventDay.String(),
		"winner", winnerName,
		"wins", res.Wins,
		"losses", res.Losses,
	)
	return res, true, nil
}

// winner scans the event's markets for the one whose YES outcome settled
// at "1".
func winner(set *types.BracketSet, prices map[string]string) (id, name string) {
	for _, b := range set.Brackets {
		if prices[b.MarketID] == "1" {
			return b.MarketID, b.Name
		}
	}
	return "", ""
}

// winPnL is the payout of a winning YES position of the given size bought
// at probability q: size × (1/q − 1). A missing entry price falls back to
// 0.5 rather than dividing by zero.
func winPnL(size decimal.Decimal, q float64) decimal.Decimal {
	if q <= 0 || q >= 1 {
		q = 0.5
	}
	return size.Mul(decimal.NewFromFloat(1/q - 1)).Round(2)
}

// stationOrder returns the distinct station codes in first-appearance
// order, so the report is stable across runs.
func stationOrder(records []ledger.TradeRecord) []string {
	seen := make(map[string]bool)
	var out []string
	for i := range records {
		code := records[i].Station
		if !seen[code] {
			seen[code] = true
			out = append(out, code)
		}
	}
	return out
}
