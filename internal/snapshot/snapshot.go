// Package snapshot persists immutable per-cycle state for replay
// backtesting.
//
// Each cycle that produces decisions writes three files — forecast, market
// state, decisions — sharing one cycle timestamp as filename prefix:
//
//	<root>/dynamic/zeus/<station>/<event_day>/<cycle_time>.json
//	<root>/dynamic/polymarket/<city-slug>/<event_day>/<cycle_time>.json
//	<root>/dynamic/decisions/<station>/<event_day>/<cycle_time>.json
//
// Snapshots are append-only: a cycle time is never rewritten, and writes
// go through a temp file and rename so a crash never leaves a partial
// file. A failed file leaves the cycle's snapshot set incomplete; the
// engine logs it and moves on.
package snapshot

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tempedge/pkg/types"
)

// CycleTimeLayout is the sortable filename prefix format.
const CycleTimeLayout = "2006-01-02_15-04-05"

// ErrExists is returned when a cycle file would be rewritten.
var ErrExists = fmt.Errorf("snapshot already exists")

// Writer persists cycle snapshots under a root directory.
type Writer struct {
	root   string
	logger *slog.Logger
}

// NewWriter creates a snapshot writer rooted at dir (e.g. data/snapshots).
func NewWriter(dir string, logger *slog.Logger) *Writer {
	return &Writer{
		root:   dir,
		logger: logger.With("component", "snapshot"),
	}
}

// forecastSnapshot is the stored forecast shape. The provider's raw
// response rides along so replays can re-parse with future code.
type forecastSnapshot struct {
	StationCode string                `json:"station_code"`
	EventDay    types.Day             `json:"event_day"`
	StartLocal  string                `json:"start_local"` // offset-preserving ISO-8601
	FetchTime   time.Time             `json:"fetch_time"`
	Points      []types.ForecastPoint `json:"points"`
	Raw         json.RawMessage       `json:"raw,omitempty"`
}

// marketSnapshot is the stored market-state shape.
type marketSnapshot struct {
	City     string                     `json:"city"`
	EventDay types.Day                  `json:"event_day"`
	Slug     string                     `json:"slug"`
	Brackets []types.BracketProbability `json:"brackets"`
}

// decisionsSnapshot is the stored decisions shape.
type decisionsSnapshot struct {
	StationCode string           `json:"station_code"`
	EventDay    types.Day        `json:"event_day"`
	CycleTime   time.Time        `json:"cycle_time"`
	Decisions   []types.Decision `json:"decisions"`
}

// SaveCycle writes the cycle's snapshot triple. The decisions file is only
// written for a non-empty decision set; forecast and market files are
// written whenever includeState is true (the engine sets it for deciding
// cycles, and for all cycles under SNAPSHOT_ALWAYS).
//
// A failure on one file does not abort the others; the first error is
// returned after all three are attempted.
func (w *Writer) SaveCycle(
	forecast *types.Forecast,
	quoted []types.BracketProbability,
	decisions []types.Decision,
	station types.Station,
	eventDay types.Day,
	cycleTime time.Time,
	includeState bool,
) error {
	prefix := cycleTime.Format(CycleTimeLayout)
	var firstErr error

	if includeState {
		fs := forecastSnapshot{
			StationCode: forecast.StationCode,
			EventDay:    forecast.EventDay,
			StartLocal:  forecast.StartLocal.Format("2006-01-02T15:04:05-07:00"),
			FetchTime:   forecast.FetchTime,
			Points:      forecast.Points,
			Raw:         forecast.Raw,
		}
		path := filepath.Join(w.root, "dynamic", "zeus", station.Code, eventDay.String(), prefix+".json")
		if err := w.writeOnce(path, fs); err != nil {
			firstErr = err
			w.logger.Error("forecast snapshot failed", "path", path, "error", err)
		}

		ms := marketSnapshot{
			City:     station.City,
			EventDay: eventDay,
			Slug:     slugOf(station.City),
			Brackets: quoted,
		}
		path = filepath.Join(w.root, "dynamic", "polymarket", slugOf(station.City), eventDay.String(), prefix+".json")
		if err := w.writeOnce(path, ms); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			w.logger.Error("market snapshot failed", "path", path, "error", err)
		}
	}

	if len(decisions) > 0 {
		ds := decisionsSnapshot{
			StationCode: station.Code,
			EventDay:    eventDay,
			CycleTime:   cycleTime,
			Decisions:   decisions,
		}
		path := filepath.Join(w.root, "dynamic", "decisions", station.Code, eventDay.String(), prefix+".json")
		if err := w.writeOnce(path, ds); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			w.logger.Error("decisions snapshot failed", "path", path, "error", err)
		}
	}

	return firstErr
}

// writeOnce marshals v and atomically creates path. An existing target is
// a contract violation (the same cycle time written twice) and is refused.
func (w *Writer) writeOnce(path string, v any) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", ErrExists, path)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

// slugOf converts a display city to its directory slug
// ("New York City" → "new-york-city").
func slugOf(city string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(city)), " ", "-")
}
