// adjust.go implements the microstructure adjustments applied to the raw
// model probability before edge computation. Each adjustment captures a
// way the market's settlement mechanics or information flow can make the
// clean Normal model systematically wrong near specific instants:
//
//   - Rounding risk: the venue settles on whole degrees, so an expected
//     high sitting on an integer boundary is a coin flip between the two
//     adjacent brackets.
//   - Observation window: the observation provider publishes at fixed
//     minute marks; right before a mark, a strong temperature trend is
//     about to become public information.
//   - Cross-day bleed: in the early local morning the most recent reading
//     on the board is effectively yesterday's high, and markets anchored
//     on it underprice a model that expects today to run warmer.
package strategy

import (
	"fmt"
	"math"
	"sort"
	"time"

	"tempedge/pkg/types"
)

// Adjustment magnitude caps.
const (
	roundingRiskMax = 0.15
	obsWindowMax    = 0.15
	bleedMax        = 0.10

	// roundingBand is how close (°F) μ must sit to an integer boundary for
	// rounding risk to apply.
	roundingBand = 0.1

	// obsWindowLead is how close (minutes) to the next publication mark the
	// observation-window adjustment activates.
	obsWindowLead = 5.0

	// bleedProximity is how close (°F) the latest reading must be to the
	// prior day's high for bleed confusion to be plausible.
	bleedProximity = 1.0
)

// adjustment is one signed correction with its provenance tag.
type adjustment struct {
	delta  float64
	reason string
}

// adjustContext carries everything the adjustments read. Built once per
// (station, day) step by the engine.
type adjustContext struct {
	now          time.Time
	station      types.Station
	eventDay     types.Day
	expectedHigh float64 // model μ in settlement °F
	rawHigh      float64 // unrounded °F high, for boundary distance
	observations []types.Observation
	priorHigh    float64
	hasPriorHigh bool
}

// adjustments computes all applicable corrections for one bracket.
func adjustments(b types.Bracket, actx adjustContext) []adjustment {
	var out []adjustment
	if a, ok := roundingRisk(b, actx.rawHigh); ok {
		out = append(out, a)
	}
	if a, ok := obsWindow(b, actx); ok {
		out = append(out, a)
	}
	if a, ok := crossDayBleed(b, actx); ok {
		out = append(out, a)
	}
	return out
}

// roundingRisk subtracts up to roundingRiskMax when the unrounded forecast
// high sits within roundingBand of an integer boundary and the bracket
// borders that boundary. The closer the high is to the boundary, the larger
// the haircut. The settlement-space μ is always a whole degree on venues
// that round, so the distance is only meaningful on the raw high.
func roundingRisk(b types.Bracket, mu float64) (adjustment, bool) {
	boundary := math.Round(mu)
	dist := math.Abs(mu - boundary)
	if dist > roundingBand {
		return adjustment{}, false
	}
	bi := int(boundary)
	if b.LowerF != bi && b.UpperF != bi {
		return adjustment{}, false
	}
	delta := -roundingRiskMax * (1 - dist/roundingBand)
	return adjustment{
		delta:  delta,
		reason: fmt.Sprintf("rounding_risk boundary=%d dist=%.2f", bi, dist),
	}, true
}

// obsWindow nudges the probability when the next observation publication is
// imminent and the recent trend points into the bracket's interior. The
// nudge scales with trend strength and proximity to the mark, and flips
// sign when the trend is carrying the temperature out of the bracket.
func obsWindow(b types.Bracket, actx adjustContext) (adjustment, bool) {
	marks := actx.station.ObsUpdateMinutes
	if len(marks) == 0 || len(actx.observations) < 2 {
		return adjustment{}, false
	}

	toMark := minutesToNextMark(actx.now.In(actx.station.Location()), marks)
	if toMark > obsWindowLead {
		return adjustment{}, false
	}

	trend := recentTrend(actx.observations) // °F per hour, signed
	if trend == 0 {
		return adjustment{}, false
	}

	latest := actx.observations[len(actx.observations)-1].TempF
	direction := trendDirection(b, latest, trend)
	if direction == 0 {
		return adjustment{}, false
	}

	strength := math.Min(1, math.Abs(trend)/2.0)
	proximity := 1 - toMark/obsWindowLead
	delta := float64(direction) * obsWindowMax * strength * proximity
	return adjustment{
		delta:  delta,
		reason: fmt.Sprintf("obs_window trend=%.2f to_mark=%.1fm", trend, toMark),
	}, true
}

// trendDirection reports whether the trend carries the temperature toward
// (+1) or away from (-1) the bracket interior, or neither (0).
func trendDirection(b types.Bracket, latest, trend float64) int {
	switch {
	case latest < float64(b.LowerF) && b.LowerF > types.OpenLower:
		if trend > 0 {
			return 1
		}
		return -1
	case latest >= float64(b.UpperF) && b.UpperF < types.OpenUpper:
		if trend < 0 {
			return 1
		}
		return -1
	default:
		// Already inside: a strong trend in either direction is about to
		// carry the running max through the upper bound; only an upward
		// trend matters for a daily-high contract.
		if trend > 0 && b.UpperF < types.OpenUpper && latest+trend/2 >= float64(b.UpperF) {
			return -1
		}
		return 0
	}
}

// crossDayBleed adds up to bleedMax to the bracket holding the model's
// expected high during the local 00:00–06:00 window, when the latest
// reading is still within bleedProximity of the prior day's high and the
// model expects today to print higher. Scale is the prediction premium,
// discounted as the morning progresses.
func crossDayBleed(b types.Bracket, actx adjustContext) (adjustment, bool) {
	if !actx.hasPriorHigh || len(actx.observations) == 0 {
		return adjustment{}, false
	}
	local := actx.now.In(actx.station.Location())
	if types.DayOf(local) != actx.eventDay {
		return adjustment{}, false
	}
	hour := local.Hour()
	if hour >= 6 {
		return adjustment{}, false
	}

	latest := actx.observations[len(actx.observations)-1].TempF
	if math.Abs(latest-actx.priorHigh) > bleedProximity {
		return adjustment{}, false
	}
	premium := actx.expectedHigh - actx.priorHigh
	if premium <= 0 {
		return adjustment{}, false
	}
	if !b.Contains(int(math.Round(actx.expectedHigh))) {
		return adjustment{}, false
	}

	scale := math.Min(1, premium/5.0)
	hourFade := float64(6-hour) / 6.0
	delta := bleedMax * scale * hourFade
	return adjustment{
		delta:  delta,
		reason: fmt.Sprintf("cross_day_bleed premium=%.1f hour=%d", premium, hour),
	}, true
}

// minutesToNextMark returns fractional minutes until the next publication
// minute mark, wrapping into the next hour.
func minutesToNextMark(local time.Time, marks []int) float64 {
	cur := float64(local.Minute()) + float64(local.Second())/60
	best := math.MaxFloat64
	for _, m := range marks {
		d := float64(m) - cur
		if d < 0 {
			d += 60
		}
		if d < best {
			best = d
		}
	}
	return best
}

// recentTrend estimates °F/hour from the last three observations via a
// first/last difference. Providers occasionally deliver late corrections
// out of order, so the window is re-sorted by time first.
func recentTrend(observations []types.Observation) float64 {
	n := len(observations)
	if n < 2 {
		return 0
	}
	window := make([]types.Observation, n)
	copy(window, observations)
	sort.Slice(window, func(i, j int) bool { return window[i].Time.Before(window[j].Time) })
	if n > 3 {
		window = window[n-3:]
	}

	first, last := window[0], window[len(window)-1]
	hours := last.Time.Sub(first.Time).Hours()
	if hours <= 0 {
		return 0
	}
	return (last.TempF - first.TempF) / hours
}
