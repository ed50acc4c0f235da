package zeus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"tempedge/internal/config"
	"tempedge/internal/toggle"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func nycMidnight(t *testing.T) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("LoadLocation: %v", err)
	}
	return time.Date(2025, 11, 16, 0, 0, 0, 0, loc)
}

func forecastServer(t *testing.T, check func(r *http.Request)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			check(r)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"hourly": [
				{"time": "2025-11-16T00:00:00-05:00", "temperature_kelvin": 283.15},
				{"time": "2025-11-16T14:00:00-05:00", "temperature_kelvin": 290.15}
			]
		}`)
	}))
}

func TestFetchRejectsNaiveStart(t *testing.T) {
	t.Parallel()

	c := NewClient(config.ZeusConfig{BaseURL: "http://unused"}, config.StoreConfig{DataDir: t.TempDir()}, testLogger())
	ctx := context.Background()

	if _, err := c.Fetch(ctx, 40.78, -73.97, time.Time{}, 24, "NYC"); !errors.Is(err, ErrNaiveTime) {
		t.Errorf("zero start: expected ErrNaiveTime, got %v", err)
	}

	utcMidnight := time.Date(2025, 11, 16, 0, 0, 0, 0, time.UTC)
	if _, err := c.Fetch(ctx, 40.78, -73.97, utcMidnight, 24, "NYC"); !errors.Is(err, ErrNaiveTime) {
		t.Errorf("UTC start: expected ErrNaiveTime, got %v", err)
	}
}

func TestFetchPreservesLocalOffset(t *testing.T) {
	t.Parallel()

	var gotStart, gotHours string
	ts := forecastServer(t, func(r *http.Request) {
		gotStart = r.URL.Query().Get("start_time")
		gotHours = r.URL.Query().Get("predict_hours")
	})
	defer ts.Close()

	c := NewClient(config.ZeusConfig{BaseURL: ts.URL}, config.StoreConfig{DataDir: t.TempDir()}, testLogger())
	fc, err := c.Fetch(context.Background(), 40.78, -73.97, nycMidnight(t), 24, "NYC")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	if gotStart != "2025-11-16T00:00:00-05:00" {
		t.Errorf("start_time = %q, want the offset-preserving local midnight", gotStart)
	}
	if gotHours != "24" {
		t.Errorf("predict_hours = %q, want 24", gotHours)
	}

	if fc.StationCode != "NYC" {
		t.Errorf("station = %q", fc.StationCode)
	}
	if fc.EventDay.String() != "2025-11-16" {
		t.Errorf("event day = %s", fc.EventDay)
	}
	if len(fc.Points) != 2 || fc.Points[1].TempK != 290.15 {
		t.Errorf("points = %v", fc.Points)
	}
	if len(fc.Raw) == 0 {
		t.Error("raw provider body not retained")
	}
}

func TestFetchRejectsEmptySeries(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"hourly": []}`)
	}))
	defer ts.Close()

	c := NewClient(config.ZeusConfig{BaseURL: ts.URL}, config.StoreConfig{DataDir: t.TempDir()}, testLogger())
	if _, err := c.Fetch(context.Background(), 40.78, -73.97, nycMidnight(t), 24, "NYC"); err == nil {
		t.Error("expected error for empty hourly series")
	}
}

func TestFetchRejectsClientError(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad coordinates", http.StatusBadRequest)
	}))
	defer ts.Close()

	c := NewClient(config.ZeusConfig{BaseURL: ts.URL}, config.StoreConfig{DataDir: t.TempDir()}, testLogger())
	if _, err := c.Fetch(context.Background(), 91.0, 0, nycMidnight(t), 24, "NYC"); err == nil {
		t.Error("expected error for 4xx response")
	}
}

func TestFetchAppliesCalibrationWhenToggled(t *testing.T) {
	t.Parallel()

	ts := forecastServer(t, nil)
	defer ts.Close()

	store := config.StoreConfig{DataDir: t.TempDir()}
	if _, err := toggle.Set(store.TogglePath(), toggle.StationCalibration, true); err != nil {
		t.Fatalf("enable calibration: %v", err)
	}
	if err := os.MkdirAll(store.BiasDir(), 0o755); err != nil {
		t.Fatalf("mkdir bias: %v", err)
	}
	// November, 14:00 local runs 0.9°F cold.
	bias := []byte(`{"11-14": 0.9}`)
	if err := os.WriteFile(filepath.Join(store.BiasDir(), "NYC.json"), bias, 0o644); err != nil {
		t.Fatalf("write bias table: %v", err)
	}

	c := NewClient(config.ZeusConfig{BaseURL: ts.URL}, store, testLogger())
	fc, err := c.Fetch(context.Background(), 40.78, -73.97, nycMidnight(t), 24, "NYC")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	// Midnight has no table entry and stays raw; 14:00 shifts by 0.9°F in Kelvin.
	if fc.Points[0].TempK != 283.15 {
		t.Errorf("midnight temp = %f, want untouched 283.15", fc.Points[0].TempK)
	}
	want := 290.15 + 0.9*5.0/9.0
	if math.Abs(fc.Points[1].TempK-want) > 1e-9 {
		t.Errorf("14:00 temp = %f, want %f", fc.Points[1].TempK, want)
	}
}

func TestFetchSkipsCalibrationWhenToggledOff(t *testing.T) {
	t.Parallel()

	ts := forecastServer(t, nil)
	defer ts.Close()

	store := config.StoreConfig{DataDir: t.TempDir()}
	if err := os.MkdirAll(store.BiasDir(), 0o755); err != nil {
		t.Fatalf("mkdir bias: %v", err)
	}
	if err := os.WriteFile(filepath.Join(store.BiasDir(), "NYC.json"), []byte(`{"11-14": 5.0}`), 0o644); err != nil {
		t.Fatalf("write bias table: %v", err)
	}

	c := NewClient(config.ZeusConfig{BaseURL: ts.URL}, store, testLogger())
	fc, err := c.Fetch(context.Background(), 40.78, -73.97, nycMidnight(t), 24, "NYC")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if fc.Points[1].TempK != 290.15 {
		t.Errorf("temp = %f, calibration applied with the toggle off", fc.Points[1].TempK)
	}
}

func TestFetchMissingBiasTableLeavesForecast(t *testing.T) {
	t.Parallel()

	ts := forecastServer(t, nil)
	defer ts.Close()

	store := config.StoreConfig{DataDir: t.TempDir()}
	if _, err := toggle.Set(store.TogglePath(), toggle.StationCalibration, true); err != nil {
		t.Fatalf("enable calibration: %v", err)
	}

	c := NewClient(config.ZeusConfig{BaseURL: ts.URL}, store, testLogger())
	fc, err := c.Fetch(context.Background(), 40.78, -73.97, nycMidnight(t), 24, "NYC")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if fc.Points[1].TempK != 290.15 {
		t.Errorf("temp = %f, want untouched without a bias table", fc.Points[1].TempK)
	}
}

func TestBiasTableCorrection(t *testing.T) {
	t.Parallel()

	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("LoadLocation: %v", err)
	}
	table := &BiasTable{entries: map[string]float64{"11-14": 1.2, "11-06": -0.8}}

	// The instant is UTC; the correction key comes from the local clock.
	at := time.Date(2025, 11, 16, 19, 0, 0, 0, time.UTC) // 14:00 in New York
	if got := table.Correction(at, loc); got != 1.2 {
		t.Errorf("Correction = %f, want 1.2", got)
	}
	if got := table.Correction(at.Add(time.Hour), loc); got != 0 {
		t.Errorf("missing entry = %f, want 0", got)
	}
}

func TestCalibratorCachesAbsence(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cal := NewCalibrator(dir)

	table, err := cal.Table("NYC")
	if err != nil {
		t.Fatalf("Table: %v", err)
	}
	if table != nil {
		t.Fatal("expected nil table for absent file")
	}

	// A file written after the first lookup is not picked up; absence is cached.
	if err := os.WriteFile(filepath.Join(dir, "NYC.json"), []byte(`{"11-14": 1.0}`), 0o644); err != nil {
		t.Fatalf("write bias: %v", err)
	}
	table, err = cal.Table("NYC")
	if err != nil {
		t.Fatalf("Table second: %v", err)
	}
	if table != nil {
		t.Error("absence should be cached for the session")
	}
}
