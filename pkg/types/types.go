// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the agent — stations, forecasts,
// temperature brackets, model probabilities, and trading decisions. It has no
// dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Venues
// ————————————————————————————————————————————————————————————————————————

// Venue identifies the market venue a bracket contract trades on. The venue
// determines the temperature resolution chain the probability mapper applies.
type Venue string

const (
	// VenueNone applies no venue-specific rounding (plain Kelvin → Fahrenheit).
	VenueNone Venue = ""
	// VenuePolymarket resolves daily highs through whole-Celsius then
	// whole-Fahrenheit rounding.
	VenuePolymarket Venue = "polymarket"
)

// ————————————————————————————————————————————————————————————————————————
// Calendar days
// ————————————————————————————————————————————————————————————————————————

// Day is a calendar date with no time component. Event days are always
// evaluated in the owning station's local timezone; Day deliberately carries
// no zone so it cannot be silently shifted by UTC conversion.
type Day struct {
	Year  int
	Month time.Month
	Dom   int
}

// DayOf extracts the calendar date of t in t's own location.
func DayOf(t time.Time) Day {
	y, m, d := t.Date()
	return Day{Year: y, Month: m, Dom: d}
}

// ParseDay parses a YYYY-MM-DD string.
func ParseDay(s string) (Day, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return Day{}, fmt.Errorf("parse day %q: %w", s, err)
	}
	return DayOf(t), nil
}

// String formats the day as YYYY-MM-DD.
func (d Day) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Dom)
}

// Midnight returns 00:00:00 of the day in the given location. The result
// carries loc's offset — callers must not normalize it to UTC before handing
// it to the forecast provider.
func (d Day) Midnight(loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Dom, 0, 0, 0, 0, loc)
}

// AddDays returns the day n calendar days later.
func (d Day) AddDays(n int) Day {
	return DayOf(time.Date(d.Year, d.Month, d.Dom+n, 12, 0, 0, 0, time.UTC))
}

// Before reports whether d is earlier than other.
func (d Day) Before(other Day) bool {
	if d.Year != other.Year {
		return d.Year < other.Year
	}
	if d.Month != other.Month {
		return d.Month < other.Month
	}
	return d.Dom < other.Dom
}

// MarshalJSON encodes the day as a YYYY-MM-DD string.
func (d Day) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON decodes a YYYY-MM-DD string.
func (d *Day) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseDay(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Stations
// ————————————————————————————————————————————————————————————————————————

// Station is one weather observation station with an associated market venue.
// Stations are immutable: the registry builds them at startup and hands out
// values, never pointers into mutable state.
type Station struct {
	Code     string  // short code, e.g. "LAX"
	City     string  // display city, e.g. "Los Angeles"
	Lat      float64 // decimal degrees
	Lon      float64 // decimal degrees
	Timezone string  // IANA zone name, e.g. "America/Los_Angeles"
	Venue    Venue   // primary venue for this station's markets

	// ObsUpdateMinutes are the minute marks within each hour at which the
	// station's observation provider publishes new readings (e.g. {20, 50}).
	// Used by the observation-window microstructure adjustment.
	ObsUpdateMinutes []int

	loc *time.Location
}

// NewStation builds a station, resolving its timezone. Returns an error for
// unknown zones so registry loading can fail fast.
func NewStation(code, city string, lat, lon float64, tz string, venue Venue, obsMinutes []int) (Station, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return Station{}, fmt.Errorf("station %s: unknown timezone %q: %w", code, tz, err)
	}
	return Station{
		Code:             code,
		City:             city,
		Lat:              lat,
		Lon:              lon,
		Timezone:         tz,
		Venue:            venue,
		ObsUpdateMinutes: obsMinutes,
		loc:              loc,
	}, nil
}

// Location returns the station's resolved timezone.
func (s Station) Location() *time.Location {
	if s.loc == nil {
		return time.UTC
	}
	return s.loc
}

// Today returns the current calendar date in the station's local zone.
func (s Station) Today(now time.Time) Day {
	return DayOf(now.In(s.Location()))
}

// LocalMidnight returns the event day's local midnight with the station's
// offset intact.
func (s Station) LocalMidnight(day Day) time.Time {
	return day.Midnight(s.Location())
}

// ————————————————————————————————————————————————————————————————————————
// Forecasts
// ————————————————————————————————————————————————————————————————————————

// ForecastPoint is one hourly forecast sample.
type ForecastPoint struct {
	Time  time.Time `json:"time"`
	TempK float64   `json:"temperature_kelvin"`
}

// Forecast is an ordered sequence of hourly samples starting at the event
// day's local midnight, plus retrieval metadata.
type Forecast struct {
	StationCode string          `json:"station_code"`
	EventDay    Day             `json:"event_day"`
	StartLocal  time.Time       `json:"start_local"` // local midnight, offset preserved
	FetchTime   time.Time       `json:"fetch_time"`
	Points      []ForecastPoint `json:"points"`

	// Raw is the provider's response body, retained for snapshotting.
	Raw json.RawMessage `json:"-"`
}

// Temps returns the Kelvin samples in order.
func (f *Forecast) Temps() []float64 {
	out := make([]float64, len(f.Points))
	for i, p := range f.Points {
		out[i] = p.TempK
	}
	return out
}

// ————————————————————————————————————————————————————————————————————————
// Brackets and probabilities
// ————————————————————————————————————————————————————————————————————————

// Open-ended bracket sentinels. Tail brackets ("57 or below", "64 or above")
// use these bounds; the probability mapper treats them as ±∞.
const (
	OpenLower = -999
	OpenUpper = 999
)

// Bracket is one temperature bracket contract: the half-open interval
// [LowerF, UpperF) in whole degrees Fahrenheit.
type Bracket struct {
	MarketID string `json:"market_id"`
	TokenID  string `json:"token_id,omitempty"` // YES outcome token, used by the price feed
	Name     string `json:"name"`               // venue label, e.g. "58-59°F"
	LowerF   int    `json:"lower_f"`
	UpperF   int    `json:"upper_f"` // exclusive
	Closed   bool   `json:"closed"`

	// Liquidity is the venue-reported USD liquidity on the bracket's book,
	// used by the sizer's liquidity floor and availability cap.
	Liquidity float64 `json:"liquidity"`
}

// Contains reports whether a whole-degree high lands in this bracket.
func (b Bracket) Contains(highF int) bool {
	return highF >= b.LowerF && highF < b.UpperF
}

// BracketSet is the ordered set of brackets offered for one (city, event day)
// on one venue. Brackets are disjoint and sorted by LowerF.
type BracketSet struct {
	City     string    `json:"city"`
	EventDay Day       `json:"event_day"`
	Slug     string    `json:"slug"` // event identifier that resolved during discovery
	Brackets []Bracket `json:"brackets"`
}

// AnyOpen reports whether at least one bracket is still accepting orders.
// When every bracket has closed the event is finished and the engine stops
// producing snapshots for it.
func (bs *BracketSet) AnyOpen() bool {
	for _, b := range bs.Brackets {
		if !b.Closed {
			return true
		}
	}
	return false
}

// BracketProbability pairs a bracket with the model's and the market's view.
type BracketProbability struct {
	Bracket Bracket `json:"bracket"`
	PModel  float64 `json:"p_model"`
	// PMarket is the market-implied probability (mid in [0,1]). Valid only
	// when HasPrice is true; closed or unpriced brackets have no market view.
	PMarket  float64 `json:"p_market"`
	HasPrice bool    `json:"has_price"`
	// Sigma is the forecast uncertainty (°F) used by the model, kept for
	// introspection and snapshot audit.
	Sigma float64 `json:"sigma"`
}

// ————————————————————————————————————————————————————————————————————————
// Decisions
// ————————————————————————————————————————————————————————————————————————

// Reason tags why a decision was emitted at its size, or why a bracket was
// passed over.
type Reason string

const (
	ReasonOK              Reason = "ok"
	ReasonBelowEdgeMin    Reason = "below_edge_min"
	ReasonKellyCapped     Reason = "kelly_capped"
	ReasonMarketCapped    Reason = "market_capped"
	ReasonLiquidityCapped Reason = "liquidity_capped"
	ReasonSkippedClosed   Reason = "skipped_closed"
	ReasonSkippedNoPrice  Reason = "skipped_no_price"
)

// Decision is one sized trading opportunity, with full provenance for the
// ledger and the decisions snapshot.
type Decision struct {
	Bracket       Bracket `json:"bracket"`
	Edge          float64 `json:"edge"`           // post-cost, signed
	KellyFraction float64 `json:"kelly_fraction"` // ≥ 0
	Size          float64 `json:"size"`           // USD, ≥ 0
	PModel        float64 `json:"p_model"`        // adjusted model probability
	PMarket       float64 `json:"p_market"`
	Sigma         float64 `json:"sigma"`
	Reason        Reason  `json:"reason"`
}

// ————————————————————————————————————————————————————————————————————————
// Observations
// ————————————————————————————————————————————————————————————————————————

// Observation is one actual temperature reading at a station.
type Observation struct {
	Time  time.Time `json:"time"`
	TempF float64   `json:"temp_f"`
}
