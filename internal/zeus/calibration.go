package zeus

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tempedge/pkg/types"
)

// BiasTable holds per-(month, local hour) forecast corrections for one
// station, in degrees Fahrenheit. A positive entry means the provider runs
// cold for that month/hour and the forecast is shifted up.
//
// File format (data/config/bias/<code>.json): keys are "MM-HH", values °F:
//
//	{"11-06": -0.8, "11-14": 1.2}
type BiasTable struct {
	entries map[string]float64
}

// Correction returns the °F offset for the given instant, evaluated in the
// station's local zone. Missing entries are zero.
func (t *BiasTable) Correction(at time.Time, loc *time.Location) float64 {
	local := at.In(loc)
	key := fmt.Sprintf("%02d-%02d", int(local.Month()), local.Hour())
	return t.entries[key]
}

// Apply shifts every forecast point by its (month, hour) correction. The
// table is in °F; samples are Kelvin, so the delta is scaled by 5/9.
func (t *BiasTable) Apply(fc *types.Forecast, loc *time.Location) {
	for i := range fc.Points {
		df := t.Correction(fc.Points[i].Time, loc)
		if df != 0 {
			fc.Points[i].TempK += df * 5.0 / 9.0
		}
	}
}

// Calibrator loads bias tables from a directory, one JSON file per station
// code. Tables are cached after first read; they change only by operator
// action and a restart is acceptable to pick up edits.
type Calibrator struct {
	dir string

	mu     sync.Mutex
	tables map[string]*BiasTable // nil entry = known-absent
}

// NewCalibrator creates a calibrator rooted at dir.
func NewCalibrator(dir string) *Calibrator {
	return &Calibrator{dir: dir, tables: make(map[string]*BiasTable)}
}

// Table returns the bias table for a station, or nil when none exists.
func (c *Calibrator) Table(stationCode string) (*BiasTable, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.tables[stationCode]; ok {
		return t, nil
	}

	path := filepath.Join(c.dir, stationCode+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			c.tables[stationCode] = nil
			return nil, nil
		}
		return nil, fmt.Errorf("read bias table %s: %w", path, err)
	}

	var entries map[string]float64
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse bias table %s: %w", path, err)
	}
	t := &BiasTable{entries: entries}
	c.tables[stationCode] = t
	return t, nil
}
