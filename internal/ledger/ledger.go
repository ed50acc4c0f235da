// Package ledger implements the paper broker's trade ledger.
//
// One CSV file per event day (data/trades/<event_day>/paper_trades.csv)
// holds every simulated order. Rows are append-only; the only permitted
// rewrite is the resolver's pending → terminal transition, done as a
// locked read-modify-write of the whole file. The broker (appends) and the
// resolver (rewrites) both take an exclusive advisory lock on the file, so
// a resolve run never sees a half-appended batch.
package ledger

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gofrs/flock"
	"github.com/shopspring/decimal"

	"tempedge/pkg/types"
)

// Outcome values for the resolution column.
const (
	OutcomePending = "pending"
	OutcomeWin     = "win"
	OutcomeLoss    = "loss"
)

const fileName = "paper_trades.csv"

// header is the fixed column order. The last five columns are resolution
// fields, empty until the resolver fills them.
var header = []string{
	"timestamp", "station", "bracket_name", "lower_f", "upper_f", "market_id",
	"edge", "kelly_fraction", "size", "p_model", "p_market", "sigma", "reason",
	"outcome", "realized_pnl", "venue", "resolved_at", "winner_bracket",
}

// TradeRecord is one ledger row. Immutable once written, except for the
// resolution fields which transition exactly once from pending.
type TradeRecord struct {
	Timestamp   time.Time
	Station     string
	BracketName string
	LowerF      int
	UpperF      int
	MarketID    string
	Edge        float64
	Kelly       float64
	Size        decimal.Decimal
	PModel      float64
	PMarket     float64
	Sigma       float64
	Reason      string

	Outcome       string // "", "pending", "win", "loss"
	RealizedPnL   decimal.Decimal
	Venue         string
	ResolvedAt    string // RFC 3339, empty until resolved
	WinnerBracket string
}

// Pending reports whether the row still awaits resolution.
func (r *TradeRecord) Pending() bool {
	return r.Outcome == "" || r.Outcome == OutcomePending
}

// Ledger manages per-event-day trade files under a root directory.
type Ledger struct {
	root   string
	logger *slog.Logger
}

// New creates a ledger rooted at dir (e.g. data/trades).
func New(dir string, logger *slog.Logger) *Ledger {
	return &Ledger{
		root:   dir,
		logger: logger.With("component", "ledger"),
	}
}

// Path returns the ledger file location for an event day.
func (l *Ledger) Path(eventDay types.Day) string {
	return filepath.Join(l.root, eventDay.String(), fileName)
}

// Place appends one row per decision, in the order given (the sizer's
// edge-descending order). The file is created with a header row on first
// use. The whole batch is written under one lock acquisition and flushed
// before the lock is released.
func (l *Ledger) Place(decisions []types.Decision, station types.Station, eventDay types.Day, placedAt time.Time) (string, error) {
	path := l.Path(eventDay)
	if len(decisions) == 0 {
		return path, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create ledger dir: %w", err)
	}

	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return "", fmt.Errorf("lock ledger: %w", err)
	}
	defer lock.Unlock()

	_, statErr := os.Stat(path)
	fresh := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if fresh {
		if err := w.Write(header); err != nil {
			return "", fmt.Errorf("write ledger header: %w", err)
		}
	}

	for _, d := range decisions {
		rec := TradeRecord{
			Timestamp:   placedAt,
			Station:     station.Code,
			BracketName: d.Bracket.Name,
			LowerF:      d.Bracket.LowerF,
			UpperF:      d.Bracket.UpperF,
			MarketID:    d.Bracket.MarketID,
			Edge:        d.Edge,
			Kelly:       d.KellyFraction,
			Size:        decimal.NewFromFloat(d.Size).Round(2),
			PModel:      d.PModel,
			PMarket:     d.PMarket,
			Sigma:       d.Sigma,
			Reason:      string(d.Reason),
			Outcome:     OutcomePending,
		}
		if err := w.Write(rec.row()); err != nil {
			return "", fmt.Errorf("append trade: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("flush ledger: %w", err)
	}
	if err := f.Sync(); err != nil {
		return "", fmt.Errorf("sync ledger: %w", err)
	}

	l.logger.Info("trades placed",
		"station", station.Code,
		"event_day", eventDay.String(),
		"count", len(decisions),
		"ledger", path,
	)
	return path, nil
}

// Update applies fn to the complete row set of one event day under an
// exclusive lock, then atomically rewrites the file. fn returning an error
// leaves the file untouched. A missing ledger is reported as (false, nil)
// without invoking fn.
func (l *Ledger) Update(eventDay types.Day, fn func([]TradeRecord) ([]TradeRecord, error)) (bool, error) {
	path := l.Path(eventDay)

	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return false, fmt.Errorf("lock ledger: %w", err)
	}
	defer lock.Unlock()

	records, err := readFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}

	updated, err := fn(records)
	if err != nil {
		return false, err
	}
	if updated == nil {
		return true, nil // no change requested
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return false, fmt.Errorf("create ledger tmp: %w", err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		f.Close()
		return false, fmt.Errorf("write ledger header: %w", err)
	}
	for i := range updated {
		if err := w.Write(updated[i].row()); err != nil {
			f.Close()
			return false, fmt.Errorf("write trade: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return false, fmt.Errorf("flush ledger: %w", err)
	}
	if err := f.Close(); err != nil {
		return false, fmt.Errorf("close ledger tmp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return false, fmt.Errorf("replace ledger: %w", err)
	}
	return true, nil
}

// Read returns the rows for one event day without holding the lock beyond
// the read. A missing file yields an empty slice.
func (l *Ledger) Read(eventDay types.Day) ([]TradeRecord, error) {
	path := l.Path(eventDay)

	lock := flock.New(path + ".lock")
	if err := lock.RLock(); err != nil {
		return nil, fmt.Errorf("lock ledger: %w", err)
	}
	defer lock.Unlock()

	records, err := readFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return records, nil
}

func readFile(path string) ([]TradeRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	out := make([]TradeRecord, 0, len(rows)-1)
	for i, row := range rows[1:] {
		rec, err := fromRow(row)
		if err != nil {
			return nil, fmt.Errorf("ledger row %d: %w", i+2, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *TradeRecord) row() []string {
	return []string{
		r.Timestamp.UTC().Format(time.RFC3339),
		r.Station,
		r.BracketName,
		strconv.Itoa(r.LowerF),
		strconv.Itoa(r.UpperF),
		r.MarketID,
		formatFloat(r.Edge),
		formatFloat(r.Kelly),
		r.Size.StringFixed(2),
		formatFloat(r.PModel),
		formatFloat(r.PMarket),
		formatFloat(r.Sigma),
		r.Reason,
		r.Outcome,
		pnlString(r),
		r.Venue,
		r.ResolvedAt,
		r.WinnerBracket,
	}
}

// pnlString keeps the realized_pnl column empty while the row is pending,
// matching the "initially-empty resolution columns" contract.
func pnlString(r *TradeRecord) string {
	if r.Pending() {
		return ""
	}
	return r.RealizedPnL.StringFixed(2)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', 6, 64)
}

func fromRow(row []string) (TradeRecord, error) {
	if len(row) != len(header) {
		return TradeRecord{}, fmt.Errorf("expected %d columns, got %d", len(header), len(row))
	}

	ts, err := time.Parse(time.RFC3339, row[0])
	if err != nil {
		return TradeRecord{}, fmt.Errorf("timestamp: %w", err)
	}
	lower, err := strconv.Atoi(row[3])
	if err != nil {
		return TradeRecord{}, fmt.Errorf("lower_f: %w", err)
	}
	upper, err := strconv.Atoi(row[4])
	if err != nil {
		return TradeRecord{}, fmt.Errorf("upper_f: %w", err)
	}
	size, err := decimal.NewFromString(row[8])
	if err != nil {
		return TradeRecord{}, fmt.Errorf("size: %w", err)
	}

	rec := TradeRecord{
		Timestamp:     ts,
		Station:       row[1],
		BracketName:   row[2],
		LowerF:        lower,
		UpperF:        upper,
		MarketID:      row[5],
		Edge:          parseFloat(row[6]),
		Kelly:         parseFloat(row[7]),
		Size:          size,
		PModel:        parseFloat(row[9]),
		PMarket:       parseFloat(row[10]),
		Sigma:         parseFloat(row[11]),
		Reason:        row[12],
		Outcome:       row[13],
		Venue:         row[15],
		ResolvedAt:    row[16],
		WinnerBracket: row[17],
	}
	if row[14] != "" {
		pnl, err := decimal.NewFromString(row[14])
		if err != nil {
			return TradeRecord{}, fmt.Errorf("realized_pnl: %w", err)
		}
		rec.RealizedPnL = pnl
	}
	return rec, nil
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
