package obs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"tempedge/internal/config"
	"tempedge/pkg/types"
)

func testStation(t *testing.T) types.Station {
	t.Helper()
	st, err := types.NewStation("NYC", "New York City", 40.78, -73.97, "America/New_York", types.VenuePolymarket, []int{20, 50})
	if err != nil {
		t.Fatalf("NewStation: %v", err)
	}
	return st
}

func TestDailyHighExcludesPriorDayReading(t *testing.T) {
	t.Parallel()

	st := testStation(t)
	day := types.Day{Year: 2025, Month: 11, Dom: 16}
	loc := st.Location()

	observations := []types.Observation{
		// 23:50 local on Nov 15: warmer than anything on the 16th, but
		// outside the event day's window.
		{Time: time.Date(2025, 11, 15, 23, 50, 0, 0, loc), TempF: 51.8},
		{Time: time.Date(2025, 11, 16, 10, 0, 0, 0, loc), TempF: 47.2},
		{Time: time.Date(2025, 11, 16, 14, 0, 0, 0, loc), TempF: 50.0},
		{Time: time.Date(2025, 11, 16, 18, 0, 0, 0, loc), TempF: 48.5},
	}

	high, err := DailyHighOf(observations, st, day, types.VenuePolymarket)
	if err != nil {
		t.Fatalf("DailyHighOf: %v", err)
	}
	if high != 50.0 {
		t.Errorf("daily high = %f, want 50.0", high)
	}
}

func TestDailyHighUsesLocalWindowForUTCStamps(t *testing.T) {
	t.Parallel()

	st := testStation(t)
	day := types.Day{Year: 2025, Month: 11, Dom: 16}

	// 2025-11-15T23:50:00Z is 18:50 on Nov 15 in New York: excluded.
	// 2025-11-16T23:50:00Z is 18:50 on Nov 16: included.
	observations := []types.Observation{
		{Time: time.Date(2025, 11, 15, 23, 50, 0, 0, time.UTC), TempF: 60.0},
		{Time: time.Date(2025, 11, 16, 23, 50, 0, 0, time.UTC), TempF: 50.0},
	}

	high, err := DailyHighOf(observations, st, day, types.VenueNone)
	if err != nil {
		t.Fatalf("DailyHighOf: %v", err)
	}
	if high != 50.0 {
		t.Errorf("daily high = %f, want 50.0", high)
	}
}

func TestDailyHighEmptyWindow(t *testing.T) {
	t.Parallel()

	st := testStation(t)
	day := types.Day{Year: 2025, Month: 11, Dom: 16}
	observations := []types.Observation{
		{Time: time.Date(2025, 11, 15, 12, 0, 0, 0, st.Location()), TempF: 55.0},
	}

	_, err := DailyHighOf(observations, st, day, types.VenueNone)
	if !errors.Is(err, ErrNone) {
		t.Errorf("expected ErrNone for empty window, got %v", err)
	}
}

func TestDailyHighPolymarketRounding(t *testing.T) {
	t.Parallel()

	st := testStation(t)
	day := types.Day{Year: 2025, Month: 11, Dom: 16}
	observations := []types.Observation{
		{Time: time.Date(2025, 11, 16, 14, 0, 0, 0, st.Location()), TempF: 52.6},
	}

	high, err := DailyHighOf(observations, st, day, types.VenuePolymarket)
	if err != nil {
		t.Fatalf("DailyHighOf: %v", err)
	}
	if high != 53.0 {
		t.Errorf("rounded daily high = %f, want 53", high)
	}

	raw, err := DailyHighOf(observations, st, day, types.VenueNone)
	if err != nil {
		t.Fatalf("DailyHighOf: %v", err)
	}
	if raw != 52.6 {
		t.Errorf("unrounded daily high = %f, want 52.6", raw)
	}
}

func TestObservationsFetch(t *testing.T) {
	t.Parallel()

	st := testStation(t)
	day := types.Day{Year: 2025, Month: 11, Dom: 16}

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/observations/hourly" {
			http.NotFound(w, r)
			return
		}
		if got := r.URL.Query().Get("station"); got != "NYC" {
			t.Errorf("station query = %q, want NYC", got)
		}
		if got := r.URL.Query().Get("date"); got != "2025-11-16" {
			t.Errorf("date query = %q, want 2025-11-16", got)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode([]map[string]any{
			{"time": "2025-11-16T15:00:00Z", "temp_f": 49.1},
			{"time": "2025-11-16T16:00:00Z", "temp_f": 50.3},
		})
	}))
	defer ts.Close()

	c := NewClient(config.ObsConfig{BaseURL: ts.URL}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	observations, err := c.Observations(context.Background(), st, day)
	if err != nil {
		t.Fatalf("Observations: %v", err)
	}
	if len(observations) != 2 {
		t.Fatalf("got %d observations, want 2", len(observations))
	}
	if observations[1].TempF != 50.3 {
		t.Errorf("temp = %f, want 50.3", observations[1].TempF)
	}
}

func TestObservationsNotFound(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer ts.Close()

	c := NewClient(config.ObsConfig{BaseURL: ts.URL}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	_, err := c.Observations(context.Background(), testStation(t), types.Day{Year: 2025, Month: 11, Dom: 16})
	if !errors.Is(err, ErrNone) {
		t.Errorf("expected ErrNone for 404, got %v", err)
	}
}
