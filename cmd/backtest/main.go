// Package main provides the walk-forward backtest runner. It loads
// candle data from the local store, steps one or more strategies through
// the configured date windows and prints the cumulative results.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/quantkit/tradeledger/internal/backtest"
	"github.com/quantkit/tradeledger/internal/checkpoint"
	"github.com/quantkit/tradeledger/internal/config"
	"github.com/quantkit/tradeledger/internal/data"
	"github.com/quantkit/tradeledger/internal/orchestrator"
	"github.com/quantkit/tradeledger/internal/telemetry"
	"github.com/quantkit/tradeledger/pkg/types"
)

func main() {
	configPath := flag.String("config", "", "Config file path")
	symbol := flag.String("symbol", "BTC", "Symbol to trade")
	logLevel := flag.String("log-level", "", "Log level override (debug, info, warn, error)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	level := cfg.Log.Level
	if *logLevel != "" {
		level = *logLevel
	}

	logger := setupLogger(level)
	defer logger.Sync()

	if err := run(logger, cfg, *symbol); err != nil {
		logger.Fatal("backtest failed", zap.Error(err))
	}
}

func run(logger *zap.Logger, cfg *config.Config, symbol string) error {
	ctx := context.Background()

	store, err := data.NewStore(logger, cfg.Data.Dir)
	if err != nil {
		return fmt.Errorf("open data store: %w", err)
	}

	checkpoints, err := checkpoint.Open(cfg.Data.CheckpointDB)
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}
	defer checkpoints.Close()

	metrics := telemetry.New(prometheus.DefaultRegisterer)

	start, end := cfg.Backtest.Start, cfg.Backtest.End
	if start.IsZero() || end.IsZero() {
		return fmt.Errorf("backtest.start and backtest.end must be set")
	}

	portfolio := types.PortfolioConfiguration{
		Identifier:     cfg.Portfolio.Identifier,
		Market:         cfg.Portfolio.Market,
		TradingSymbol:  cfg.Portfolio.TradingSymbol,
		InitialBalance: decimal.NewFromFloat(cfg.Portfolio.InitialBalance),
	}
	source := types.DataSource{
		Symbol:    symbol,
		Market:    cfg.Portfolio.Market,
		TimeFrame: types.TimeUnitDay,
		Interval:  1,
	}

	candidate := buildCandidate(logger, cfg, store, metrics, portfolio, source)
	windows := splitWindows(start, end, cfg.Batch.Windows)

	logger.Info("starting batch",
		zap.String("engine", cfg.Backtest.Engine),
		zap.String("symbol", symbol),
		zap.Int("windows", len(windows)),
	)

	began := time.Now()
	batch := orchestrator.New(logger, checkpoints)
	results, err := batch.RunBatch(ctx, []orchestrator.Candidate{candidate}, windows, orchestrator.Options{
		ContinueOnError: cfg.Batch.ContinueOnError,
		Workers:         cfg.Batch.Workers,
	})
	if err != nil {
		metrics.BacktestCompleted("error", time.Since(began))
		return err
	}
	metrics.BacktestCompleted("ok", time.Since(began))

	for id, run := range results {
		m := run.Metrics
		logger.Info("result",
			zap.String("algorithm", id),
			zap.String("initial", m.InitialBalance.String()),
			zap.String("final", m.FinalValue.String()),
			zap.String("growth", m.Growth.String()),
			zap.Int("orders", m.OrdersCreated),
			zap.Int("trades", m.TotalTrades),
			zap.Int("closed", m.ClosedTrades),
		)
	}
	return nil
}

func buildCandidate(logger *zap.Logger, cfg *config.Config, store *data.Store, metrics *telemetry.Metrics, portfolio types.PortfolioConfiguration, source types.DataSource) orchestrator.Candidate {
	algorithmID := "sma-cross-" + source.Symbol
	btCfg := func(window types.DateRange) types.BacktestConfig {
		return types.BacktestConfig{
			AlgorithmID:   algorithmID,
			Portfolio:     portfolio,
			Range:         window,
			Sizing:        types.PositionSizingMode(cfg.Backtest.Sizing),
			MaxOpenTrades: cfg.Backtest.MaxOpenTrades,
		}
	}

	if cfg.Backtest.Engine == "vector" {
		engine := backtest.NewVectorEngine(logger, store)
		engine.SetObserver(metrics)
		strategy := &vectorCrossover{symbol: source.Symbol, source: source, fast: 10, slow: 30}
		return orchestrator.Candidate{
			AlgorithmID: algorithmID,
			Run: func(ctx context.Context, window types.DateRange, resume *types.BacktestRun) (types.BacktestRun, error) {
				return engine.RunResumed(ctx, strategy, btCfg(window), resume)
			},
		}
	}

	engine := backtest.NewEventEngine(logger, store)
	engine.SetObserver(metrics)
	strategy := &eventCrossover{symbol: source.Symbol, source: source, fast: 10, slow: 30}
	return orchestrator.Candidate{
		AlgorithmID: algorithmID,
		Run: func(ctx context.Context, window types.DateRange, resume *types.BacktestRun) (types.BacktestRun, error) {
			return engine.RunResumed(ctx, strategy, nil, btCfg(window), resume)
		},
	}
}

// splitWindows divides [start, end] into n consecutive windows of equal
// duration.
func splitWindows(start, end time.Time, n int) []types.DateRange {
	if n < 1 {
		n = 1
	}
	total := end.Sub(start)
	step := total / time.Duration(n)
	windows := make([]types.DateRange, 0, n)
	for i := 0; i < n; i++ {
		ws := start.Add(step * time.Duration(i))
		we := ws.Add(step)
		if i == n-1 {
			we = end
		}
		windows = append(windows, types.DateRange{Start: ws, End: we})
	}
	return windows
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		panic(err)
	}

	return logger
}
