// Package main runs a single backtest or a parameter grid search from the
// command line and prints the report as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/atlas-desktop/signal-trader/internal/app"
	"github.com/atlas-desktop/signal-trader/internal/backtester"
	"github.com/atlas-desktop/signal-trader/internal/config"
	"github.com/atlas-desktop/signal-trader/internal/optimization"
	"go.uber.org/zap"
)

// axisFlags collects repeated -axis name=start:end:step flags.
type axisFlags []optimization.Axis

func (a *axisFlags) String() string {
	parts := make([]string, len(*a))
	for i, ax := range *a {
		parts[i] = fmt.Sprintf("%s=%g:%g:%g", ax.Name, ax.Start, ax.End, ax.Step)
	}
	return strings.Join(parts, ",")
}

func (a *axisFlags) Set(v string) error {
	name, bounds, ok := strings.Cut(v, "=")
	if !ok {
		return fmt.Errorf("axis %q: want name=start:end:step", v)
	}
	fields := strings.Split(bounds, ":")
	if len(fields) != 3 {
		return fmt.Errorf("axis %q: want name=start:end:step", v)
	}
	var nums [3]float64
	for i, f := range fields {
		n, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return fmt.Errorf("axis %q: %w", v, err)
		}
		nums[i] = n
	}
	*a = append(*a, optimization.Axis{Name: name, Start: nums[0], End: nums[1], Step: nums[2]})
	return nil
}

func parseDate(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", v)
}

func main() {
	var axes axisFlags
	configPath := flag.String("config", "", "Path to a YAML config file")
	symbol := flag.String("symbol", "", "Override backtest.symbol")
	start := flag.String("start", "", "Override backtest.start (YYYY-MM-DD or RFC3339)")
	end := flag.String("end", "", "Override backtest.end (YYYY-MM-DD or RFC3339)")
	cost := flag.Float64("cost", -1, "Override backtest.trading_cost")
	importCSV := flag.String("import", "", "Import a wide CSV (time column plus one column per symbol) before running")
	top := flag.Int("top", 10, "Number of grid entries to print when optimizing")
	mcIterations := flag.Int("mc", 0, "Bootstrap the single-run returns this many times")
	flag.Var(&axes, "axis", "Grid axis name=start:end:step (repeatable); enables optimization")
	var wf backtester.WalkForwardConfig
	flag.IntVar(&wf.InSample, "wf-in", 0, "Walk-forward in-sample bars; with -axis runs a walk-forward analysis")
	flag.IntVar(&wf.OutOfSample, "wf-out", 0, "Walk-forward out-of-sample bars")
	flag.IntVar(&wf.Step, "wf-step", 0, "Walk-forward window step in bars (default: -wf-out)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	if *symbol != "" {
		cfg.Backtest.Symbol = *symbol
	}
	if *start != "" {
		cfg.Backtest.Start = *start
	}
	if *end != "" {
		cfg.Backtest.End = *end
	}
	if *cost >= 0 {
		cfg.Backtest.TradingCost = *cost
	}

	logger := app.NewLogger(cfg.Log.Level)
	defer logger.Sync()

	if err := run(logger, cfg, *importCSV, axes, wf, *top, *mcIterations); err != nil {
		logger.Error("Backtest failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(logger *zap.Logger, cfg *config.Config, importCSV string, axes []optimization.Axis, wf backtester.WalkForwardConfig, top, mcIterations int) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Backtest.Timeout)
	defer cancel()

	sources, err := app.OpenSources(ctx, logger, cfg)
	if err != nil {
		return err
	}
	defer sources.Close()

	if importCSV != "" {
		symbols, err := sources.ImportCSV(ctx, importCSV)
		if err != nil {
			return fmt.Errorf("import %s: %w", importCSV, err)
		}
		logger.Info("Imported series", zap.Strings("symbols", symbols))
	}

	startDate, err := parseDate(cfg.Backtest.Start)
	if err != nil {
		return err
	}
	endDate, err := parseDate(cfg.Backtest.End)
	if err != nil {
		return err
	}
	strategyCfg, err := cfg.Strategy.Build()
	if err != nil {
		return err
	}

	series, err := sources.Historical().Fetch(ctx, cfg.Backtest.Symbol, startDate, endDate)
	if err != nil {
		return err
	}

	optimizer := optimization.NewOptimizer(logger, &optimization.OptimizerConfig{
		Timeout:         cfg.Backtest.Timeout,
		ParallelWorkers: cfg.Backtest.Workers,
	})
	bt, err := backtester.New(logger, series, strategyCfg, cfg.Backtest.TradingCost, backtester.WithOptimizer(optimizer))
	if err != nil {
		return err
	}

	out := json.NewEncoder(os.Stdout)
	out.SetIndent("", "  ")

	if len(axes) == 0 {
		res, err := bt.Test(ctx)
		if err != nil {
			return err
		}
		if mcIterations <= 0 {
			return out.Encode(res.Report())
		}
		mc, err := backtester.MonteCarlo(res, backtester.MonteCarloConfig{Iterations: mcIterations})
		if err != nil {
			return err
		}
		return out.Encode(map[string]interface{}{
			"report":      res.Report(),
			"monte_carlo": mc,
		})
	}

	if wf.InSample > 0 {
		result, err := bt.WalkForward(ctx, axes, wf)
		if err != nil {
			return err
		}
		return out.Encode(result)
	}

	opt, res, err := bt.Optimize(ctx, axes)
	if err != nil {
		return err
	}
	return out.Encode(map[string]interface{}{
		"best_params": opt.BestParams,
		"best_score":  opt.BestScore,
		"iterations":  opt.Iterations,
		"duration":    opt.Duration.String(),
		"top":         opt.Top(top),
		"report":      res.Report(),
	})
}
