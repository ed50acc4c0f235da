package ledger

import (
	"encoding/csv"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tempedge/pkg/types"
)

func testLedger(t *testing.T) *Ledger {
	t.Helper()
	return New(t.TempDir(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func testStation(t *testing.T) types.Station {
	t.Helper()
	st, err := types.NewStation("NYC", "New York City", 40.78, -73.97, "America/New_York", types.VenuePolymarket, []int{20, 50})
	if err != nil {
		t.Fatalf("NewStation: %v", err)
	}
	return st
}

func testDecision() types.Decision {
	return types.Decision{
		Bracket: types.Bracket{
			MarketID: "mkt-1",
			Name:     "51-52°F",
			LowerF:   51,
			UpperF:   52,
		},
		Edge:          0.092,
		KellyFraction: 0.20,
		Size:          100,
		PModel:        0.60,
		PMarket:       0.20,
		Sigma:         2.0,
		Reason:        types.ReasonOK,
	}
}

func TestPlaceCreatesHeaderAndAppends(t *testing.T) {
	t.Parallel()

	l := testLedger(t)
	st := testStation(t)
	day := types.Day{Year: 2025, Month: 11, Dom: 16}
	now := time.Date(2025, 11, 16, 14, 0, 0, 0, time.UTC)

	path, err := l.Place([]types.Decision{testDecision()}, st, day, now)
	if err != nil {
		t.Fatalf("Place: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want header + 1 trade", len(rows))
	}
	if rows[0][0] != "timestamp" || rows[0][len(rows[0])-1] != "winner_bracket" {
		t.Errorf("unexpected header: %v", rows[0])
	}

	// Second batch appends without a second header.
	if _, err := l.Place([]types.Decision{testDecision()}, st, day, now.Add(time.Hour)); err != nil {
		t.Fatalf("Place second batch: %v", err)
	}
	records, err := l.Read(day)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
}

func TestPlaceEmptyBatchWritesNothing(t *testing.T) {
	t.Parallel()

	l := testLedger(t)
	day := types.Day{Year: 2025, Month: 11, Dom: 16}

	path, err := l.Place(nil, testStation(t), day, time.Now())
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("empty batch should not create a ledger file")
	}
}

func TestReadRoundTrip(t *testing.T) {
	t.Parallel()

	l := testLedger(t)
	day := types.Day{Year: 2025, Month: 11, Dom: 16}
	now := time.Date(2025, 11, 16, 14, 0, 0, 0, time.UTC)

	if _, err := l.Place([]types.Decision{testDecision()}, testStation(t), day, now); err != nil {
		t.Fatalf("Place: %v", err)
	}

	records, err := l.Read(day)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}

	r := records[0]
	if r.Station != "NYC" || r.BracketName != "51-52°F" || r.MarketID != "mkt-1" {
		t.Errorf("unexpected record identity: %+v", r)
	}
	if r.LowerF != 51 || r.UpperF != 52 {
		t.Errorf("bounds = [%d, %d), want [51, 52)", r.LowerF, r.UpperF)
	}
	if !r.Size.Equal(decimal.NewFromInt(100)) {
		t.Errorf("size = %s, want 100", r.Size)
	}
	if r.PMarket != 0.20 {
		t.Errorf("p_market = %f, want 0.20", r.PMarket)
	}
	if !r.Pending() {
		t.Error("fresh trade should be pending")
	}
	if !r.Timestamp.Equal(now) {
		t.Errorf("timestamp = %v, want %v", r.Timestamp, now)
	}
}

func TestReadMissingLedger(t *testing.T) {
	t.Parallel()

	l := testLedger(t)
	records, err := l.Read(types.Day{Year: 2025, Month: 11, Dom: 16})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if records != nil {
		t.Errorf("expected nil records for missing ledger, got %v", records)
	}
}

func TestUpdateRewritesAtomically(t *testing.T) {
	t.Parallel()

	l := testLedger(t)
	day := types.Day{Year: 2025, Month: 11, Dom: 16}
	now := time.Date(2025, 11, 16, 14, 0, 0, 0, time.UTC)

	if _, err := l.Place([]types.Decision{testDecision()}, testStation(t), day, now); err != nil {
		t.Fatalf("Place: %v", err)
	}

	found, err := l.Update(day, func(records []TradeRecord) ([]TradeRecord, error) {
		records[0].Outcome = OutcomeWin
		records[0].RealizedPnL = decimal.NewFromInt(400)
		records[0].ResolvedAt = now.Format(time.RFC3339)
		records[0].WinnerBracket = "51-52°F"
		return records, nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !found {
		t.Fatal("Update reported no ledger")
	}

	records, err := l.Read(day)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if records[0].Outcome != OutcomeWin {
		t.Errorf("outcome = %q, want win", records[0].Outcome)
	}
	if !records[0].RealizedPnL.Equal(decimal.NewFromInt(400)) {
		t.Errorf("pnl = %s, want 400", records[0].RealizedPnL)
	}
	if records[0].Pending() {
		t.Error("resolved trade should not be pending")
	}
}

func TestUpdateMissingLedger(t *testing.T) {
	t.Parallel()

	l := testLedger(t)
	called := false
	found, err := l.Update(types.Day{Year: 2025, Month: 11, Dom: 16}, func(records []TradeRecord) ([]TradeRecord, error) {
		called = true
		return records, nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if found || called {
		t.Error("Update on a missing ledger should not invoke fn")
	}
}

func TestUpdateNilLeavesFileUntouched(t *testing.T) {
	t.Parallel()

	l := testLedger(t)
	day := types.Day{Year: 2025, Month: 11, Dom: 16}
	if _, err := l.Place([]types.Decision{testDecision()}, testStation(t), day, time.Now()); err != nil {
		t.Fatalf("Place: %v", err)
	}

	before, _ := os.ReadFile(l.Path(day))
	if _, err := l.Update(day, func(records []TradeRecord) ([]TradeRecord, error) {
		return nil, nil
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	after, _ := os.ReadFile(l.Path(day))
	if string(before) != string(after) {
		t.Error("nil update rewrote the file")
	}
}
