// Package obs implements the hourly observation provider client.
//
// Observations are the ground truth the brackets settle against: actual
// per-station temperature readings, timestamped in UTC, in Fahrenheit. The
// engine uses them for the microstructure adjustments (recent trend,
// cross-day bleed) and the resolver sanity-checks settled outcomes against
// the observed daily high.
package obs

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"tempedge/internal/config"
	"tempedge/pkg/types"
)

// ErrNone is returned when the provider has no observations for the
// requested station/day.
var ErrNone = fmt.Errorf("no observations")

// Client fetches hourly observations.
type Client struct {
	http   *resty.Client
	logger *slog.Logger
}

// NewClient creates an observation client.
func NewClient(cfg config.ObsConfig, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(30 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(2 * time.Second).
		SetRetryMaxWaitTime(8 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		})
	return &Client{
		http:   httpClient,
		logger: logger.With("component", "obs"),
	}
}

type obsRecord struct {
	Time  time.Time `json:"time"`
	TempF float64   `json:"temp_f"`
}

// Observations returns the station's readings overlapping the event day,
// ordered by time. The provider is queried for the local day plus a few
// hours either side so callers can see the prior evening (bleed detection)
// without a second request.
func (c *Client) Observations(ctx context.Context, station types.Station, eventDay types.Day) ([]types.Observation, error) {
	var records []obsRecord
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"station": station.Code,
			"date":    eventDay.String(),
			"tz":      station.Timezone,
		}).
		SetResult(&records).
		Get("/observations/hourly")
	if err != nil {
		return nil, fmt.Errorf("fetch observations: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s %s", ErrNone, station.Code, eventDay.String())
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("fetch observations: status %d", resp.StatusCode())
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s %s", ErrNone, station.Code, eventDay.String())
	}

	out := make([]types.Observation, len(records))
	for i, r := range records {
		out[i] = types.Observation{Time: r.Time, TempF: r.TempF}
	}
	return out, nil
}

// DailyHigh returns the maximum temperature over observations whose instant
// falls inside the event day's local 24-hour window [00:00, 24:00). A
// reading stamped 23:59 local of the prior day belongs to the prior day and
// is excluded — letting it bleed in is exactly the cross-day confusion the
// strategy layer prices against.
//
// For VenuePolymarket the high is rounded to the nearest whole degree, the
// venue's settlement precision.
func (c *Client) DailyHigh(ctx context.Context, station types.Station, eventDay types.Day, venue types.Venue) (float64, error) {
	observations, err := c.Observations(ctx, station, eventDay)
	if err != nil {
		return 0, err
	}
	return DailyHighOf(observations, station, eventDay, venue)
}

// DailyHighOf computes the event day's high from an observation slice.
// Split out so the resolver and tests can reuse the window logic without a
// network client.
func DailyHighOf(observations []types.Observation, station types.Station, eventDay types.Day, venue types.Venue) (float64, error) {
	loc := station.Location()
	start := eventDay.Midnight(loc)
	end := start.Add(24 * time.Hour)

	high := math.Inf(-1)
	found := false
	for _, o := range observations {
		t := o.Time.In(loc)
		if t.Before(start) || !t.Before(end) {
			continue
		}
		found = true
		if o.TempF > high {
			high = o.TempF
		}
	}
	if !found {
		return 0, fmt.Errorf("%w: %s %s (window empty)", ErrNone, station.Code, eventDay.String())
	}

	if venue == types.VenuePolymarket {
		high = math.Round(high)
	}
	return high, nil
}
