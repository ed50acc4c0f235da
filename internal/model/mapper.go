// Package model converts an hourly forecast into per-bracket probabilities.
//
// The daily high is modeled as Normal(μ, σ²) where μ is the maximum of the
// venue-transformed hourly samples and σ is derived from their dispersion.
// Each bracket's probability is the Normal mass over its [a, b) interval,
// normalized across the offered bracket set.
//
// Venue-specific settlement rounding is applied to each hourly sample
// BEFORE taking the max: a venue that settles on whole degrees can flip a
// 0.4° forecast miss into a whole-bracket miss, and the model must live in
// the same rounded space the contract resolves in.
package model

import (
	"fmt"
	"math"

	"tempedge/pkg/types"
)

// Sigma parameters in °F. The √2 inflation reflects that the realized
// daily high disperses more than any single hourly sample.
const (
	DefaultSigma = 2.0
	SigmaMin     = 0.5
	SigmaMax     = 10.0
)

// normalCDF is the standard Φ evaluated at (x-mean)/stdDev, computed from
// the error function at full double precision.
func normalCDF(x, mean, stdDev float64) float64 {
	return 0.5 * (1 + math.Erf((x-mean)/(stdDev*math.Sqrt2)))
}

// KelvinToF converts Kelvin to Fahrenheit with no rounding.
func KelvinToF(k float64) float64 {
	return (k-273.15)*9/5 + 32
}

// RoundChain returns the venue's per-sample resolution transform from
// Kelvin to the Fahrenheit space the contract settles in. Other venues
// substitute their own chain here; everything downstream is venue-agnostic.
func RoundChain(venue types.Venue) func(kelvin float64) float64 {
	switch venue {
	case types.VenuePolymarket:
		// Kelvin → Celsius → whole °C → Fahrenheit → whole °F, matching the
		// venue's settlement source which reports integer Celsius.
		return func(k float64) float64 {
			c := math.Round(k - 273.15)
			return math.Round(c*9/5 + 32)
		}
	default:
		return KelvinToF
	}
}

// MapDailyHigh converts a forecast and bracket set into model probabilities.
// The returned slice parallels brackets; probabilities are non-negative and
// sum to 1 (uniform fallback when every bracket is far from μ).
func MapDailyHigh(forecast *types.Forecast, brackets []types.Bracket, venue types.Venue) ([]types.BracketProbability, error) {
	if forecast == nil || len(forecast.Points) == 0 {
		return nil, fmt.Errorf("empty forecast")
	}
	if len(brackets) == 0 {
		return nil, fmt.Errorf("empty bracket set")
	}

	chain := RoundChain(venue)
	samples := make([]float64, len(forecast.Points))
	for i, p := range forecast.Points {
		samples[i] = chain(p.TempK)
	}

	mu := samples[0]
	for _, s := range samples[1:] {
		if s > mu {
			mu = s
		}
	}
	sigma := sigmaOf(samples)

	probs := make([]float64, len(brackets))
	total := 0.0
	for i, b := range brackets {
		probs[i] = intervalMass(b, mu, sigma)
		total += probs[i]
	}

	out := make([]types.BracketProbability, len(brackets))
	for i, b := range brackets {
		p := 0.0
		if total > 0 {
			p = probs[i] / total
		} else {
			// All brackets far from μ: no information, spread evenly.
			p = 1.0 / float64(len(brackets))
		}
		out[i] = types.BracketProbability{
			Bracket: b,
			PModel:  p,
			Sigma:   sigma,
		}
	}
	return out, nil
}

// ExpectedHigh returns the model's μ for a forecast under a venue's chain.
// With VenueNone the chain is the identity Kelvin → °F conversion, giving
// the unrounded high the sizer measures boundary distance on.
func ExpectedHigh(forecast *types.Forecast, venue types.Venue) float64 {
	chain := RoundChain(venue)
	mu := math.Inf(-1)
	for _, p := range forecast.Points {
		if s := chain(p.TempK); s > mu {
			mu = s
		}
	}
	return mu
}

// sigmaOf derives the daily-high uncertainty from sample dispersion:
// max(DefaultSigma/2, stdev·√2), clamped into [SigmaMin, SigmaMax].
func sigmaOf(samples []float64) float64 {
	sigma := stdev(samples) * math.Sqrt2
	if floor := DefaultSigma * 0.5; sigma < floor {
		sigma = floor
	}
	if sigma < SigmaMin {
		sigma = SigmaMin
	}
	if sigma > SigmaMax {
		sigma = SigmaMax
	}
	return sigma
}

// stdev is the sample standard deviation.
func stdev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	mean := 0.0
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))

	ss := 0.0
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(xs)-1))
}

// intervalMass is Φ((b−μ)/σ) − Φ((a−μ)/σ) with open tails treated as ±∞.
func intervalMass(b types.Bracket, mu, sigma float64) float64 {
	upper := 1.0
	if b.UpperF < types.OpenUpper {
		upper = normalCDF(float64(b.UpperF), mu, sigma)
	}
	lower := 0.0
	if b.LowerF > types.OpenLower {
		lower = normalCDF(float64(b.LowerF), mu, sigma)
	}
	p := upper - lower
	if p < 0 {
		p = 0
	}
	return p
}
