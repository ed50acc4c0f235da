// Package engine is the central scheduler of the trading agent.
//
// It wires together all subsystems:
//
//  1. The market client discovers bracket events and quotes mid prices.
//  2. The forecast client fetches hourly Kelvin series per station.
//  3. The observation client supplies recent readings and prior-day highs.
//  4. The mapper turns a forecast into per-bracket probabilities; the sizer
//     turns probability gaps into paper orders.
//  5. The snapshotter and ledger persist every deciding cycle.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"tempedge/internal/api"
	"tempedge/internal/config"
	"tempedge/internal/ledger"
	"tempedge/internal/metrics"
	"tempedge/internal/model"
	"tempedge/internal/obs"
	"tempedge/internal/polymarket"
	"tempedge/internal/risk"
	"tempedge/internal/snapshot"
	"tempedge/internal/station"
	"tempedge/internal/strategy"
	"tempedge/internal/toggle"
	"tempedge/internal/zeus"
	"tempedge/pkg/types"
)

// State is the engine lifecycle phase.
type State int32

const (
	StateInitialized State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// forecastHours is the prediction horizon requested per event day.
const forecastHours = 24

// priorHighKey caches prior-day observed highs per (station, event day) so
// the bleed adjustment doesn't refetch yesterday's observations every
// cycle.
type priorHighKey struct {
	station string
	day     types.Day
}

type priorHighEntry struct {
	high float64
	ok   bool
}

// Engine runs the cycle loop over (station × event day) pairs.
type Engine struct {
	cfg      config.Config
	stations []types.Station

	zeus      *zeus.Client
	markets   *polymarket.Client
	feed      *polymarket.Feed
	obs       *obs.Client
	sizer     *strategy.Sizer
	bankroll  *risk.Tracker
	snapshots *snapshot.Writer
	ledger    *ledger.Ledger
	metrics   *metrics.Metrics
	logger    *slog.Logger

	state atomic.Int32

	priorMu    sync.Mutex
	priorHighs map[priorHighKey]priorHighEntry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all engine components. stationCodes selects the
// subset of the registry to trade; empty means every station.
func New(cfg config.Config, registry *station.Registry, stationCodes []string, m *metrics.Metrics, logger *slog.Logger) (*Engine, error) {
	stations := registry.All()
	if len(stationCodes) > 0 {
		var err error
		stations, err = registry.Subset(stationCodes)
		if err != nil {
			return nil, err
		}
	}
	if len(stations) == 0 {
		return nil, fmt.Errorf("no stations configured")
	}

	var feed *polymarket.Feed
	if cfg.Market.FeedEnabled && cfg.Market.WSMarketURL != "" {
		feed = polymarket.NewFeed(cfg.Market.WSMarketURL, logger)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		cfg:        cfg,
		stations:   stations,
		zeus:       zeus.NewClient(cfg.Zeus, cfg.Store, logger),
		markets:    polymarket.NewClient(cfg.Market, feed, logger),
		feed:       feed,
		obs:        obs.NewClient(cfg.Obs, logger),
		sizer:      strategy.NewSizer(cfg.Trading, logger),
		bankroll:   risk.NewTracker(cfg.Trading.DailyBankrollCap, logger),
		snapshots:  snapshot.NewWriter(cfg.Store.SnapshotRoot(), logger),
		ledger:     ledger.New(cfg.Store.TradesRoot(), logger),
		metrics:    m,
		logger:     logger.With("component", "engine"),
		priorHighs: make(map[priorHighKey]priorHighEntry),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// State returns the current lifecycle phase.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// Status implements api.StatusProvider.
func (e *Engine) Status() api.EngineStatus {
	codes := make([]string, len(e.stations))
	for i, st := range e.stations {
		codes[i] = st.Code
	}
	return api.EngineStatus{
		State:           e.State().String(),
		Stations:        codes,
		IntervalSeconds: e.cfg.Engine.IntervalSeconds,
		LookaheadDays:   e.cfg.Engine.LookaheadDays,
		Committed:       e.bankroll.Snapshot(),
	}
}

// Start launches the price feed (if configured) and the cycle loop.
func (e *Engine) Start() error {
	if !e.state.CompareAndSwap(int32(StateInitialized), int32(StateRunning)) {
		return fmt.Errorf("engine already started (state %s)", e.State())
	}

	if e.feed != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.feed.Run(e.ctx); err != nil && e.ctx.Err() == nil {
				e.logger.Error("market feed error", "error", err)
			}
		}()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runLoop()
	}()

	e.logger.Info("engine started",
		"stations", len(e.stations),
		"interval", e.cfg.Engine.Interval(),
		"lookahead_days", e.cfg.Engine.LookaheadDays,
	)
	return nil
}

// Stop cancels the loop, lets the in-flight (station, day) step drain, and
// waits for all goroutines.
func (e *Engine) Stop() {
	e.state.Store(int32(StateStopping))
	e.logger.Info("shutting down...")
	e.cancel()
	e.wg.Wait()
	e.state.Store(int32(StateStopped))
	e.logger.Info("shutdown complete")
}

// runLoop runs cycles until cancellation. The end-of-cycle sleep absorbs
// the cycle's own duration so the cadence holds at interval_seconds.
func (e *Engine) runLoop() {
	for {
		if e.ctx.Err() != nil {
			return
		}

		cycleStart := time.Now()
		status := e.runCycle(cycleStart)
		elapsed := time.Since(cycleStart)
		e.metrics.RecordCycle(status, elapsed.Seconds())

		sleep := e.cfg.Engine.Interval() - elapsed
		if sleep < 0 {
			sleep = 0
		}
		e.logger.Debug("cycle complete",
			"status", status,
			"duration", elapsed.Round(time.Millisecond),
			"sleep", sleep.Round(time.Second),
		)

		select {
		case <-e.ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

// runCycle processes every (station, event day) pair once. Per-pair
// failures are contained; only cancellation ends the cycle early.
func (e *Engine) runCycle(cycleStart time.Time) string {
	toggles, err := toggle.Load(e.cfg.Store.TogglePath())
	if err != nil {
		e.logger.Warn("toggle state unreadable, proceeding without", "error", err)
		toggles = toggle.State{}
	}

	e.logger.Info("cycle begin",
		"cycle_time", cycleStart.Format(snapshot.CycleTimeLayout),
		"calibration", toggles.Enabled(toggle.StationCalibration),
	)

	status := "ok"
	seen := make(map[priorHighKey]bool)
	for _, st := range e.stations {
		today := st.Today(cycleStart)
		for offset := 0; offset < e.cfg.Engine.LookaheadDays; offset++ {
			if e.ctx.Err() != nil {
				return "cancelled"
			}
			day := today.AddDays(offset)
			key := priorHighKey{station: st.Code, day: day}
			if seen[key] {
				continue
			}
			seen[key] = true

			if err := e.step(e.ctx, st, day, cycleStart); err != nil {
				status = "degraded"
				e.logger.Error("step failed",
					"station", st.Code,
					"event_day", day.String(),
					"error", err,
				)
			}
		}
	}
	return status
}

// step runs the full pipeline for one (station, event day) pair:
// discover → forecast → observe → map → price → decide → place → snapshot.
func (e *Engine) step(ctx context.Context, st types.Station, day types.Day, cycleStart time.Time) error {
	set, err := e.markets.Discover(ctx, st.City, day)
	if err != nil {
		if errors.Is(err, polymarket.ErrNotFound) {
			e.logger.Debug("no event", "station", st.Code, "event_day", day.String())
			return nil
		}
		e.metrics.RecordStepError("discover", st.Code)
		return fmt.Errorf("discover: %w", err)
	}
	if !set.AnyOpen() {
		e.logger.Debug("all brackets closed", "station", st.Code, "event_day", day.String())
		return nil
	}
	e.subscribeFeed(set)

	forecast, err := e.zeus.Fetch(ctx, st.Lat, st.Lon, st.LocalMidnight(day), forecastHours, st.Code)
	if err != nil {
		e.metrics.RecordStepError("forecast", st.Code)
		return fmt.Errorf("forecast: %w", err)
	}

	// Observations feed the microstructure adjustments; a provider outage
	// degrades the model rather than skipping the pair.
	observations, err := e.obs.Observations(ctx, st, day)
	if err != nil {
		e.metrics.RecordStepError("observations", st.Code)
		e.logger.Warn("observations unavailable",
			"station", st.Code, "event_day", day.String(), "error", err)
		observations = nil
	}

	probs, err := model.MapDailyHigh(forecast, set.Brackets, st.Venue)
	if err != nil {
		e.metrics.RecordStepError("map", st.Code)
		return fmt.Errorf("map daily high: %w", err)
	}
	e.attachPrices(ctx, st, probs)

	priorHigh, hasPrior := e.priorHigh(ctx, st, day)
	available := e.bankroll.Available(day)
	decisions := e.sizer.Decide(probs, available, strategy.Context{
		Now:          cycleStart,
		Station:      st,
		EventDay:     day,
		ExpectedHigh: model.ExpectedHigh(forecast, st.Venue),
		RawHigh:      model.ExpectedHigh(forecast, types.VenueNone),
		Observations: observations,
		PriorHigh:    priorHigh,
		HasPriorHigh: hasPrior,
	})

	if len(decisions) > 0 {
		if _, err := e.ledger.Place(decisions, st, day, cycleStart); err != nil {
			e.metrics.RecordStepError("place", st.Code)
			return fmt.Errorf("place: %w", err)
		}
		total := 0.0
		for _, d := range decisions {
			total += d.Size
		}
		e.bankroll.Commit(day, total)
		e.metrics.RecordDecisions(st.Code, decisions)
		e.metrics.SetCommitted(day, e.bankroll.Committed(day))
	}

	includeState := len(decisions) > 0 || e.cfg.Engine.SnapshotAlways
	if includeState {
		if err := e.snapshots.SaveCycle(forecast, probs, decisions, st, day, cycleStart, includeState); err != nil {
			e.metrics.RecordStepError("snapshot", st.Code)
			return fmt.Errorf("snapshot: %w", err)
		}
	}
	return nil
}

// attachPrices fills PMarket for every open bracket. A bracket without a
// usable mid keeps HasPrice false and is skipped by the sizer.
func (e *Engine) attachPrices(ctx context.Context, st types.Station, probs []types.BracketProbability) {
	for i := range probs {
		if probs[i].Bracket.Closed {
			continue
		}
		mid, err := e.markets.MidProb(ctx, probs[i].Bracket)
		if err != nil {
			if errors.Is(err, polymarket.ErrNoPrice) {
				e.logger.Warn("bracket has no price",
					"station", st.Code,
					"bracket", probs[i].Bracket.Name,
					"error", err,
				)
			} else {
				e.metrics.RecordStepError("midprob", st.Code)
				e.logger.Warn("mid price unavailable",
					"station", st.Code,
					"bracket", probs[i].Bracket.Name,
					"error", err,
				)
			}
			continue
		}
		probs[i].PMarket = mid
		probs[i].HasPrice = true
	}
}

// subscribeFeed registers the set's open tokens with the live feed so the
// next cycle's mids come from the socket instead of polling.
func (e *Engine) subscribeFeed(set *types.BracketSet) {
	if e.feed == nil {
		return
	}
	var tokens []string
	for _, b := range set.Brackets {
		if !b.Closed && b.TokenID != "" {
			tokens = append(tokens, b.TokenID)
		}
	}
	if len(tokens) > 0 {
		e.feed.Subscribe(tokens)
	}
}

// priorHigh returns the previous event day's observed high, cached for the
// life of the process. An absent high (no observations yet) is cached too;
// yesterday's record no longer changes.
func (e *Engine) priorHigh(ctx context.Context, st types.Station, day types.Day) (float64, bool) {
	key := priorHighKey{station: st.Code, day: day}

	e.priorMu.Lock()
	if entry, ok := e.priorHighs[key]; ok {
		e.priorMu.Unlock()
		return entry.high, entry.ok
	}
	e.priorMu.Unlock()

	high, err := e.obs.DailyHigh(ctx, st, day.AddDays(-1), st.Venue)
	entry := priorHighEntry{high: high, ok: err == nil}
	if err != nil && !errors.Is(err, obs.ErrNone) {
		// Transient failure: report absent but don't cache it.
		return 0, false
	}

	e.priorMu.Lock()
	e.priorHighs[key] = entry
	e.priorMu.Unlock()
	return entry.high, entry.ok
}
