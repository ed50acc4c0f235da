package resolver

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tempedge/internal/config"
	"tempedge/internal/ledger"
	"tempedge/internal/polymarket"
	"tempedge/internal/station"
	"tempedge/pkg/types"
)

const eventSlug = "highest-temperature-in-nyc-on-november-16"

var eventDay = types.Day{Year: 2025, Month: 11, Dom: 16}

func testRegistry(t *testing.T) *station.Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stations.csv")
	csv := "code,city,latitude,longitude,timezone,primary_venue,obs_update_minutes\n" +
		"NYC,New York City,40.78,-73.97,America/New_York,polymarket,20|50\n"
	if err := os.WriteFile(path, []byte(csv), 0o644); err != nil {
		t.Fatalf("write stations: %v", err)
	}
	reg, err := station.Load(path)
	if err != nil {
		t.Fatalf("load stations: %v", err)
	}
	return reg
}

// gammaServer serves the settled event: two brackets, 51-52°F won.
// outcomeYes overrides the winning market's YES price string.
func gammaServer(t *testing.T, outcomeYes string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/events" || r.URL.Query().Get("slug") != eventSlug {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, "[]")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `[{
			"id": "ev1",
			"slug": %q,
			"title": "Highest temperature in NYC on November 16?",
			"closed": true,
			"markets": [
				{
					"id": "mkt-1",
					"groupItemTitle": "51-52°F",
					"closed": true,
					"acceptingOrders": false,
					"clobTokenIds": "[\"tok-1a\", \"tok-1b\"]",
					"outcomePrices": "[\"%s\", \"0\"]",
					"liquidity": "5000"
				},
				{
					"id": "mkt-2",
					"groupItemTitle": "52-53°F",
					"closed": true,
					"acceptingOrders": false,
					"clobTokenIds": "[\"tok-2a\", \"tok-2b\"]",
					"outcomePrices": "[\"0\", \"1\"]",
					"liquidity": "5000"
				}
			]
		}]`, eventSlug, outcomeYes)
	}))
}

func testResolver(t *testing.T, gammaURL string) (*Resolver, *ledger.Ledger) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	lg := ledger.New(t.TempDir(), logger)
	markets := polymarket.NewClient(config.MarketConfig{
		GammaBaseURL: gammaURL,
		CLOBBaseURL:  gammaURL,
	}, nil, logger)
	return New(lg, markets, testRegistry(t), logger), lg
}

func placeTrade(t *testing.T, lg *ledger.Ledger, marketID, name string, lower int, size, pMarket float64) {
	t.Helper()
	st, err := types.NewStation("NYC", "New York City", 40.78, -73.97, "America/New_York", types.VenuePolymarket, []int{20, 50})
	if err != nil {
		t.Fatalf("NewStation: %v", err)
	}
	d := types.Decision{
		Bracket: types.Bracket{
			MarketID: marketID,
			Name:     name,
			LowerF:   lower,
			UpperF:   lower + 1,
		},
		Edge:          0.09,
		KellyFraction: 0.2,
		Size:          size,
		PModel:        0.6,
		PMarket:       pMarket,
		Sigma:         2.0,
		Reason:        types.ReasonOK,
	}
	if _, err := lg.Place([]types.Decision{d}, st, eventDay, time.Date(2025, 11, 16, 14, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("Place: %v", err)
	}
}

func TestResolveWin(t *testing.T) {
	t.Parallel()

	ts := gammaServer(t, "1")
	defer ts.Close()
	r, lg := testResolver(t, ts.URL)
	placeTrade(t, lg, "mkt-1", "51-52°F", 51, 100, 0.20)

	report, err := r.Resolve(context.Background(), eventDay, "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(report.Groups) != 1 {
		t.Fatalf("got %d groups, want 1", len(report.Groups))
	}
	g := report.Groups[0]
	if g.Wins != 1 || g.Losses != 0 || g.Pending != 0 {
		t.Errorf("group = %+v, want 1 win", g)
	}
	if g.WinnerBracket != "51-52°F" {
		t.Errorf("winner = %q, want 51-52°F", g.WinnerBracket)
	}

	records, err := lg.Read(eventDay)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	rec := records[0]
	if rec.Outcome != ledger.OutcomeWin {
		t.Errorf("outcome = %q, want win", rec.Outcome)
	}
	// 100 × (1/0.20 − 1) = 400.00
	if !rec.RealizedPnL.Equal(decimal.RequireFromString("400.00")) {
		t.Errorf("pnl = %s, want 400.00", rec.RealizedPnL)
	}
	if rec.WinnerBracket != "51-52°F" {
		t.Errorf("winner_bracket = %q, want 51-52°F", rec.WinnerBracket)
	}
	if rec.ResolvedAt == "" {
		t.Error("resolved_at not set")
	}
}

func TestResolveLoss(t *testing.T) {
	t.Parallel()

	ts := gammaServer(t, "1")
	defer ts.Close()
	r, lg := testResolver(t, ts.URL)
	placeTrade(t, lg, "mkt-2", "52-53°F", 52, 75, 0.30)

	report, err := r.Resolve(context.Background(), eventDay, "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if report.Groups[0].Losses != 1 {
		t.Errorf("group = %+v, want 1 loss", report.Groups[0])
	}

	records, _ := lg.Read(eventDay)
	if records[0].Outcome != ledger.OutcomeLoss {
		t.Errorf("outcome = %q, want loss", records[0].Outcome)
	}
	if !records[0].RealizedPnL.Equal(decimal.RequireFromString("-75.00")) {
		t.Errorf("pnl = %s, want -75.00", records[0].RealizedPnL)
	}
	// The losing row still records the winner for audit.
	if records[0].WinnerBracket != "51-52°F" {
		t.Errorf("winner_bracket = %q, want 51-52°F", records[0].WinnerBracket)
	}
}

func TestResolveUnresolvedLeavesPending(t *testing.T) {
	t.Parallel()

	ts := gammaServer(t, "0.65")
	defer ts.Close()
	r, lg := testResolver(t, ts.URL)
	placeTrade(t, lg, "mkt-1", "51-52°F", 51, 100, 0.20)

	report, err := r.Resolve(context.Background(), eventDay, "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if report.Groups[0].Pending != 1 {
		t.Errorf("group = %+v, want 1 pending", report.Groups[0])
	}

	records, _ := lg.Read(eventDay)
	if !records[0].Pending() {
		t.Error("trade should stay pending for an unresolved event")
	}
}

func TestResolveIdempotent(t *testing.T) {
	t.Parallel()

	ts := gammaServer(t, "1")
	defer ts.Close()
	r, lg := testResolver(t, ts.URL)
	placeTrade(t, lg, "mkt-1", "51-52°F", 51, 100, 0.20)

	if _, err := r.Resolve(context.Background(), eventDay, ""); err != nil {
		t.Fatalf("first Resolve: %v", err)
	}
	first, _ := lg.Read(eventDay)

	report, err := r.Resolve(context.Background(), eventDay, "")
	if err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if report.Groups[0].AlreadyDone != 1 || report.Groups[0].Wins != 0 {
		t.Errorf("second run group = %+v, want 1 already_done", report.Groups[0])
	}

	second, _ := lg.Read(eventDay)
	if first[0].ResolvedAt != second[0].ResolvedAt {
		t.Error("second resolve rewrote the terminal row")
	}
}

func TestResolveStationFilter(t *testing.T) {
	t.Parallel()

	ts := gammaServer(t, "1")
	defer ts.Close()
	r, lg := testResolver(t, ts.URL)
	placeTrade(t, lg, "mkt-1", "51-52°F", 51, 100, 0.20)

	// A filter naming a different station leaves everything pending.
	report, err := r.Resolve(context.Background(), eventDay, "LAX")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(report.Groups) != 0 {
		t.Errorf("got %d groups with non-matching filter, want 0", len(report.Groups))
	}
	records, _ := lg.Read(eventDay)
	if !records[0].Pending() {
		t.Error("filtered-out trade should stay pending")
	}
}

func TestResolveMissingLedger(t *testing.T) {
	t.Parallel()

	ts := gammaServer(t, "1")
	defer ts.Close()
	r, _ := testResolver(t, ts.URL)

	report, err := r.Resolve(context.Background(), eventDay, "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(report.Groups) != 0 {
		t.Errorf("got %d groups for missing ledger, want 0", len(report.Groups))
	}
}

func TestWinPnL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		size float64
		q    float64
		want string
	}{
		{100, 0.20, "400.00"},
		{100, 0.50, "100.00"},
		{100, 0, "100.00"}, // missing price falls back to 0.5
		{33, 0.30, "77.00"},
	}
	for _, c := range cases {
		got := winPnL(decimal.NewFromFloat(c.size), c.q)
		if !got.Equal(decimal.RequireFromString(c.want)) {
			t.Errorf("winPnL(%f, %f) = %s, want %s", c.size, c.q, got, c.want)
		}
	}
}
