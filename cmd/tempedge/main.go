// Tempedge — an automated paper-trading agent for daily-high temperature
// bracket markets.
//
// Architecture:
//
//	main.go               — entry point: cobra CLI, config, logger, signal handling
//	engine/engine.go      — scheduler: cycles over (station × event day), wires the pipeline
//	zeus/client.go        — hourly forecast client (Kelvin series, bearer auth, calibration gate)
//	polymarket/client.go  — event discovery by slug, mid prices, settlement outcomes
//	polymarket/feed.go    — WebSocket price feed with auto-reconnect (optional)
//	obs/client.go         — hourly station observations, local-window daily high
//	model/mapper.go       — Normal model over the daily high → per-bracket probabilities
//	strategy/sizer.go     — edge filter, microstructure adjustments, Kelly sizing with caps
//	risk/bankroll.go      — per-event-day bankroll commitments across cycles
//	snapshot/snapshot.go  — append-only per-cycle state for replay backtesting
//	ledger/ledger.go      — paper broker: locked CSV trade ledger per event day
//	resolver/resolver.go  — settles pending trades against final market outcomes
//
// How it trades:
//
//	Each cycle the engine fetches an hourly forecast per station, fits a
//	Normal distribution over the day's high, and compares the model's
//	bracket probabilities against market mid prices. When the model sees
//	more probability than the market charges (net of fees and slippage),
//	it sizes a paper position by fractional Kelly and records it. Trades
//	resolve to win/loss once the venue settles the event.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"tempedge/internal/api"
	"tempedge/internal/config"
	"tempedge/internal/engine"
	"tempedge/internal/ledger"
	"tempedge/internal/metrics"
	"tempedge/internal/polymarket"
	"tempedge/internal/resolver"
	"tempedge/internal/station"
	"tempedge/internal/toggle"
	"tempedge/pkg/types"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app holds everything the subcommands share once config is loaded.
type app struct {
	cfg      *config.Config
	registry *station.Registry
	logger   *slog.Logger
}

func rootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:           "tempedge",
		Short:         "Weather bracket paper-trading agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", defaultConfigPath(), "config file path")

	root.AddCommand(dynamicPaperCmd(&cfgPath))
	root.AddCommand(resolveCmd(&cfgPath))
	root.AddCommand(toggleCmd(&cfgPath))
	return root
}

func defaultConfigPath() string {
	if p := os.Getenv("TEMPEDGE_CONFIG"); p != "" {
		return p
	}
	return "configs/config.yaml"
}

// setup loads and validates config, builds the logger and station
// registry. Every subcommand starts here; a failure is a config_error and
// exits non-zero through cobra.
func setup(cfgPath string) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	registry, err := station.Load(cfg.Stations.File)
	if err != nil {
		return nil, fmt.Errorf("load stations: %w", err)
	}

	return &app{cfg: cfg, registry: registry, logger: logger}, nil
}

func dynamicPaperCmd(cfgPath *string) *cobra.Command {
	var stationList string
	var apiAddr string

	cmd := &cobra.Command{
		Use:   "dynamic-paper",
		Short: "Run the trading loop until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(*cfgPath)
			if err != nil {
				return err
			}

			var codes []string
			if stationList != "" {
				codes = splitCodes(stationList)
			}

			m := metrics.New()
			eng, err := engine.New(*a.cfg, a.registry, codes, m, a.logger)
			if err != nil {
				return fmt.Errorf("create engine: %w", err)
			}

			var apiServer *api.Server
			if apiAddr != "" {
				apiServer = api.NewServer(apiAddr, eng, a.cfg.Store.TogglePath(), m.Registry(), a.logger)
				go func() {
					if err := apiServer.Start(); err != nil {
						a.logger.Error("operator api failed", "error", err)
					}
				}()
			}

			if err := eng.Start(); err != nil {
				return fmt.Errorf("start engine: %w", err)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			a.logger.Info("received shutdown signal", "signal", sig.String())

			if apiServer != nil {
				if err := apiServer.Stop(); err != nil {
					a.logger.Error("failed to stop operator api", "error", err)
				}
			}
			eng.Stop()
			return nil
		},
	}

	cmd.Flags().StringVar(&stationList, "stations", "", "comma-separated station codes (default: all)")
	cmd.Flags().StringVar(&apiAddr, "api-addr", "", "address for the operator API (empty disables)")
	return cmd
}

func resolveCmd(cfgPath *string) *cobra.Command {
	var date string
	var stationCode string

	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Settle one event day's paper trades against market outcomes",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(*cfgPath)
			if err != nil {
				return err
			}
			day, err := types.ParseDay(date)
			if err != nil {
				return fmt.Errorf("invalid --date: %w", err)
			}
			if stationCode != "" {
				if _, err := a.registry.Get(stationCode); err != nil {
					return fmt.Errorf("invalid --station: %w", err)
				}
			}

			lg := ledger.New(a.cfg.Store.TradesRoot(), a.logger)
			markets := polymarket.NewClient(a.cfg.Market, nil, a.logger)
			res := resolver.New(lg, markets, a.registry, a.logger)

			report, err := res.Resolve(cmd.Context(), day, stationCode)
			if err != nil {
				return fmt.Errorf("resolve: %w", err)
			}
			for _, g := range report.Groups {
				fmt.Printf("%s %s: winner=%q wins=%d losses=%d pending=%d already_done=%d\n",
					g.Station, report.EventDay.String(), g.WinnerBracket,
					g.Wins, g.Losses, g.Pending, g.AlreadyDone)
			}
			if len(report.Groups) == 0 {
				fmt.Println("no trades to resolve")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&date, "date", "", "event day (YYYY-MM-DD)")
	cmd.Flags().StringVar(&stationCode, "station", "", "restrict to one station code")
	cmd.MarkFlagRequired("date")
	return cmd
}

func toggleCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "toggle <flag> <on|off>",
		Short: "Flip a feature toggle",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(*cfgPath)
			if err != nil {
				return err
			}
			var value bool
			switch args[1] {
			case "on":
				value = true
			case "off":
				value = false
			default:
				return fmt.Errorf("value must be on or off, got %q", args[1])
			}

			state, err := toggle.Set(a.cfg.Store.TogglePath(), args[0], value)
			if err != nil {
				return fmt.Errorf("set toggle: %w", err)
			}
			for flag, v := range state {
				fmt.Printf("%s=%v\n", flag, v)
			}
			return nil
		},
	}
}

func splitCodes(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if code := strings.TrimSpace(part); code != "" {
			out = append(out, strings.ToUpper(code))
		}
	}
	return out
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
