// Package strategy turns model-vs-market probability gaps into sized
// paper orders.
//
// Per bracket with a known market price:
//
//  1. Microstructure adjustments shift the raw model probability
//     (adjust.go), clamped back into [0, 1].
//  2. Edge = p_adjusted − p_market − fee − slippage.
//  3. Brackets below the edge floor, closed, or under the liquidity floor
//     are discarded.
//  4. Kelly fraction for a binary contract at price q:
//     b = 1/q − 1, f* = (b·p − (1−p)) / b, clamped ≥ 0.
//  5. Size = min(f*·bankroll, kelly_cap·bankroll, per_market_cap,
//     liquidity available); the reason tag records which cap bound.
//
// Emitted decisions carry full provenance and are sorted by edge
// descending — the order the ledger preserves.
package strategy

import (
	"log/slog"
	"sort"
	"time"

	"tempedge/internal/config"
	"tempedge/pkg/types"
)

// adjustLogThreshold is the total adjustment magnitude above which the
// shift is worth a structured log line.
const adjustLogThreshold = 0.05

// Context is the per-(station, day) state the sizer evaluates against.
type Context struct {
	Now          time.Time
	Station      types.Station
	EventDay     types.Day
	ExpectedHigh float64 // model μ in settlement °F
	// RawHigh is the forecast's unrounded Fahrenheit high. The settlement
	// chain snaps μ to whole degrees, so boundary distance must be measured
	// here or rounding risk would fire on every cycle.
	RawHigh      float64
	Observations []types.Observation
	PriorHigh    float64 // prior event day's observed high
	HasPriorHigh bool
}

// Sizer computes decisions from bracket probabilities.
type Sizer struct {
	cfg    config.TradingConfig
	logger *slog.Logger
}

// NewSizer creates a sizer.
func NewSizer(cfg config.TradingConfig, logger *slog.Logger) *Sizer {
	return &Sizer{
		cfg:    cfg,
		logger: logger.With("component", "sizer"),
	}
}

// Decide evaluates every priced bracket and returns the positive-edge,
// positive-size decisions, sorted by edge descending. bankroll is the USD
// still available for the event day after earlier cycles' commitments.
func (s *Sizer) Decide(probs []types.BracketProbability, bankroll float64, ctx Context) []types.Decision {
	actx := adjustContext{
		now:          ctx.Now,
		station:      ctx.Station,
		eventDay:     ctx.EventDay,
		expectedHigh: ctx.ExpectedHigh,
		rawHigh:      ctx.RawHigh,
		observations: ctx.Observations,
		priorHigh:    ctx.PriorHigh,
		hasPriorHigh: ctx.HasPriorHigh,
	}

	var out []types.Decision
	for _, bp := range probs {
		if bp.Bracket.Closed {
			s.logger.Debug("bracket skipped", "bracket", bp.Bracket.Name, "reason", types.ReasonSkippedClosed)
			continue
		}
		if !bp.HasPrice {
			s.logger.Debug("bracket skipped", "bracket", bp.Bracket.Name, "reason", types.ReasonSkippedNoPrice)
			continue
		}

		pAdj := s.adjusted(bp, actx)
		edge := pAdj - bp.PMarket - s.cfg.FeeRate() - s.cfg.SlippageRate()
		if edge < s.cfg.EdgeMin {
			s.logger.Debug("bracket skipped",
				"bracket", bp.Bracket.Name,
				"reason", types.ReasonBelowEdgeMin,
				"edge", edge,
			)
			continue
		}
		if bp.Bracket.Liquidity < s.cfg.LiquidityMin {
			s.logger.Debug("bracket skipped",
				"bracket", bp.Bracket.Name,
				"reason", types.ReasonLiquidityCapped,
				"liquidity", bp.Bracket.Liquidity,
			)
			continue
		}

		kelly := kellyFraction(pAdj, bp.PMarket)
		if kelly <= 0 {
			continue
		}

		size, reason := s.size(kelly, bankroll, bp.Bracket.Liquidity)
		if size <= 0 {
			continue
		}

		out = append(out, types.Decision{
			Bracket:       bp.Bracket,
			Edge:          edge,
			KellyFraction: kelly,
			Size:          size,
			PModel:        pAdj,
			PMarket:       bp.PMarket,
			Sigma:         bp.Sigma,
			Reason:        reason,
		})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Edge > out[j].Edge })
	return out
}

// adjusted applies the microstructure adjustments to one bracket's model
// probability and clamps the result into [0, 1].
func (s *Sizer) adjusted(bp types.BracketProbability, actx adjustContext) float64 {
	adjs := adjustments(bp.Bracket, actx)
	if len(adjs) == 0 {
		return bp.PModel
	}

	total := 0.0
	reasons := make([]string, 0, len(adjs))
	for _, a := range adjs {
		total += a.delta
		reasons = append(reasons, a.reason)
	}

	p := bp.PModel + total
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}

	if total > adjustLogThreshold || total < -adjustLogThreshold {
		s.logger.Info("model probability adjusted",
			"bracket", bp.Bracket.Name,
			"p_raw", bp.PModel,
			"p_adjusted", p,
			"total_delta", total,
			"reasons", reasons,
		)
	}
	return p
}

// kellyFraction is the optimal bankroll fraction for a binary contract
// bought at price q with win probability p. Negative-edge inputs clamp
// to 0.
func kellyFraction(p, q float64) float64 {
	if q <= 0 || q >= 1 {
		return 0
	}
	b := 1/q - 1
	f := (b*p - (1 - p)) / b
	if f < 0 {
		return 0
	}
	return f
}

// size applies the sizing caps in order and reports which one bound.
func (s *Sizer) size(kelly, bankroll, liquidity float64) (float64, types.Reason) {
	size := kelly * bankroll
	reason := types.ReasonOK

	if capped := s.cfg.KellyCap * bankroll; size > capped {
		size = capped
		reason = types.ReasonKellyCapped
	}
	if size > s.cfg.PerMarketCap {
		size = s.cfg.PerMarketCap
		reason = types.ReasonMarketCapped
	}
	if size > liquidity {
		size = liquidity
		reason = types.ReasonLiquidityCapped
	}
	return size, reason
}
