// Package zeus implements the hourly forecast provider client.
//
// Zeus serves hourly temperature forecasts in Kelvin, addressed by
// coordinates and a start instant. The start instant is the event day's
// local midnight in the station's timezone and is emitted WITH its offset
// (e.g. 2025-11-17T00:00:00-05:00) — never converted to Zulu. The provider
// keys forecast runs on the local calendar day, so normalizing to UTC would
// silently request the wrong day for any station east of Greenwich's evening.
//
// Transient network failures and 5xx responses are retried with exponential
// backoff (base 2s, cap 8s, 3 attempts) under a 30s per-attempt deadline;
// 4xx responses fail immediately.
package zeus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"tempedge/internal/config"
	"tempedge/internal/toggle"
	"tempedge/pkg/types"
)

// ErrNaiveTime is returned when the start instant carries no usable local
// zone. Every station lives in a named IANA zone; a UTC start instant means
// the caller already normalized away the offset this client must preserve.
var ErrNaiveTime = fmt.Errorf("start instant must carry the station's local zone")

const (
	attemptTimeout = 30 * time.Second
	retryBase      = 2 * time.Second
	retryCap       = 8 * time.Second
	retryCount     = 2 // attempts = retryCount + 1
)

// startTimeLayout keeps the trailing numeric offset.
const startTimeLayout = "2006-01-02T15:04:05-07:00"

// Client fetches hourly forecasts and applies the optional station bias
// calibration before returning them.
type Client struct {
	http       *resty.Client
	togglePath string
	calibrator *Calibrator
	logger     *slog.Logger

	// warnedMissingBias tracks stations already warned about an absent bias
	// table, so the warning fires once per session per station.
	warnedMu          sync.Mutex
	warnedMissingBias map[string]bool
}

// NewClient creates a forecast client.
func NewClient(cfg config.ZeusConfig, store config.StoreConfig, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(attemptTimeout).
		SetRetryCount(retryCount).
		SetRetryWaitTime(retryBase).
		SetRetryMaxWaitTime(retryCap).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Accept", "application/json")
	if cfg.Token != "" {
		httpClient.SetAuthToken(cfg.Token)
	}

	return &Client{
		http:              httpClient,
		togglePath:        store.TogglePath(),
		calibrator:        NewCalibrator(store.BiasDir()),
		logger:            logger.With("component", "zeus"),
		warnedMissingBias: make(map[string]bool),
	}
}

// zeusResponse is the provider's JSON envelope.
type zeusResponse struct {
	Hourly []struct {
		Time  time.Time `json:"time"`
		TempK float64   `json:"temperature_kelvin"`
	} `json:"hourly"`
}

// Fetch retrieves an hourly forecast starting at startLocal.
//
// startLocal must be a zone-aware local instant (the station's local
// midnight); it is formatted with its offset intact. A UTC instant is
// rejected with ErrNaiveTime.
func (c *Client) Fetch(ctx context.Context, lat, lon float64, startLocal time.Time, hours int, stationCode string) (*types.Forecast, error) {
	if startLocal.IsZero() || startLocal.Location() == time.UTC {
		return nil, fmt.Errorf("%w: got %v", ErrNaiveTime, startLocal)
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"latitude":      fmt.Sprintf("%.4f", lat),
			"longitude":     fmt.Sprintf("%.4f", lon),
			"start_time":    startLocal.Format(startTimeLayout),
			"predict_hours": fmt.Sprintf("%d", hours),
		}).
		Get("/forecast/hourly")
	if err != nil {
		return nil, fmt.Errorf("fetch forecast: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("fetch forecast: status %d: %s", resp.StatusCode(), resp.String())
	}

	raw := resp.Body()
	var parsed zeusResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse forecast: %w", err)
	}
	if len(parsed.Hourly) == 0 {
		return nil, fmt.Errorf("parse forecast: empty hourly series")
	}

	points := make([]types.ForecastPoint, len(parsed.Hourly))
	for i, h := range parsed.Hourly {
		points[i] = types.ForecastPoint{Time: h.Time, TempK: h.TempK}
	}

	fc := &types.Forecast{
		StationCode: stationCode,
		EventDay:    types.DayOf(startLocal),
		StartLocal:  startLocal,
		FetchTime:   time.Now(),
		Points:      points,
		Raw:         json.RawMessage(raw),
	}

	c.applyCalibration(fc, startLocal.Location())
	return fc, nil
}

// applyCalibration offsets each point's temperature by the station's
// (month, local hour) bias when the station_calibration toggle is on.
// The toggle file is re-read on every fetch, so flips take effect on the
// next cycle without a restart.
func (c *Client) applyCalibration(fc *types.Forecast, loc *time.Location) {
	state, err := toggle.Load(c.togglePath)
	if err != nil {
		c.logger.Warn("toggle state unreadable, calibration skipped", "error", err)
		return
	}
	if !state.Enabled(toggle.StationCalibration) {
		return
	}

	table, err := c.calibrator.Table(fc.StationCode)
	if err != nil {
		c.logger.Warn("bias table unreadable", "station", fc.StationCode, "error", err)
		return
	}
	if table == nil {
		c.warnedMu.Lock()
		if !c.warnedMissingBias[fc.StationCode] {
			c.warnedMissingBias[fc.StationCode] = true
			c.warnedMu.Unlock()
			c.logger.Warn("calibration on but no bias table for station", "station", fc.StationCode)
		} else {
			c.warnedMu.Unlock()
		}
		return
	}

	table.Apply(fc, loc)
	c.logger.Debug("calibration applied", "station", fc.StationCode)
}
