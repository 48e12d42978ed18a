package backtest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantkit/tradeledger/internal/data"
	"github.com/quantkit/tradeledger/internal/ledger"
	"github.com/quantkit/tradeledger/pkg/types"
)

// VectorEngine runs strategies that compute all of their signals up
// front. Signals are replayed bar by bar against the same ledger the
// event engine uses, so both engines produce runs of identical shape.
// Every raw signal is recorded as a SignalEvent whether it executed or
// not; the reason field explains each suppression.
type VectorEngine struct {
	logger   *zap.Logger
	provider data.Provider
	observer ledger.OrderObserver
}

// NewVectorEngine creates a vectorized backtest engine.
func NewVectorEngine(logger *zap.Logger, provider data.Provider) *VectorEngine {
	return &VectorEngine{
		logger:   logger.Named("vector-engine"),
		provider: provider,
	}
}

// SetObserver installs an order lifecycle observer on every run.
func (e *VectorEngine) SetObserver(o ledger.OrderObserver) { e.observer = o }

// Run simulates one window from scratch.
func (e *VectorEngine) Run(ctx context.Context, strategy VectorStrategy, cfg types.BacktestConfig) (types.BacktestRun, error) {
	return e.RunResumed(ctx, strategy, cfg, nil)
}

// RunResumed simulates one window starting from the terminal state of a
// previous window. resume may be nil.
func (e *VectorEngine) RunResumed(ctx context.Context, strategy VectorStrategy, cfg types.BacktestConfig, resume *types.BacktestRun) (types.BacktestRun, error) {
	sources := strategy.DataSources()
	series, err := loadSeries(ctx, e.provider, sources, cfg.Range.Start, cfg.Range.End)
	if err != nil {
		return types.BacktestRun{}, fmt.Errorf("load market data: %w", err)
	}

	timeline := buildTimeline(sources, series, cfg.Range)
	signals, err := strategy.Signals(timeline, series.byKey)
	if err != nil {
		return types.BacktestRun{}, fmt.Errorf("compute signals: %w", err)
	}
	symbols := make([]string, 0, len(signals))
	for symbol := range signals {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	rt, err := newRuntime(e.logger, cfg, series, simExecutor{}, e.observer)
	if err != nil {
		return types.BacktestRun{}, err
	}
	if err := rt.resume(resume); err != nil {
		return types.BacktestRun{}, fmt.Errorf("resume window state: %w", err)
	}

	e.logger.Info("starting vectorized backtest",
		zap.String("algorithm", cfg.AlgorithmID),
		zap.Int("bars", len(timeline)),
		zap.Int("symbols", len(symbols)),
	)

	sizer := newSizer(cfg, len(symbols))
	var events []types.SignalEvent

	for i, t := range timeline {
		if err := ctx.Err(); err != nil {
			return types.BacktestRun{}, err
		}
		rt.clock.Set(t)

		for _, symbol := range symbols {
			s := signals[symbol]
			buy := i < len(s.Buy) && s.Buy[i]
			sell := i < len(s.Sell) && s.Sell[i]
			if !buy && !sell {
				continue
			}

			inPosition := len(rt.trades.ListOpen(rt.portfolioID, symbol)) > 0

			if sell {
				ev, err := e.closePosition(ctx, rt, symbol, t, inPosition)
				if err != nil {
					return types.BacktestRun{}, err
				}
				events = append(events, ev)
				inPosition = false
			}
			if buy {
				if sell {
					// A bar signaling both directions never opens: the
					// sell wins and the entry is suppressed.
					events = append(events, types.SignalEvent{
						Timestamp: t,
						Symbol:    symbol,
						Side:      types.OrderSideBuy,
						Reason:    types.SignalReasonSellPriority,
					})
					continue
				}
				ev, err := e.openPosition(ctx, rt, sizer, symbol, t, inPosition)
				if err != nil {
					return types.BacktestRun{}, err
				}
				events = append(events, ev)
			}
		}
	}

	run := rt.collect(cfg, events)
	e.logger.Info("vectorized backtest finished",
		zap.String("algorithm", cfg.AlgorithmID),
		zap.Int("signals", len(events)),
		zap.Int("trades", len(run.Trades)),
	)
	return run, nil
}

func (e *VectorEngine) openPosition(ctx context.Context, rt *runtime, sizer *sizer, symbol string, t time.Time, inPosition bool) (types.SignalEvent, error) {
	ev := types.SignalEvent{Timestamp: t, Symbol: symbol, Side: types.OrderSideBuy}
	if inPosition {
		ev.Reason = types.SignalReasonAlreadyInPosition
		return ev, nil
	}
	price, ok := rt.series.lastClose(symbol, t)
	if !ok || !price.IsPositive() {
		ev.Reason = types.SignalReasonInsufficientCapital
		return ev, nil
	}
	capital, err := sizer.capitalFor(rt, t)
	if err != nil {
		return ev, err
	}
	portfolio, err := rt.portfolios.Get(rt.portfolioID)
	if err != nil {
		return ev, err
	}
	if !capital.IsPositive() || portfolio.Unallocated.LessThan(capital) {
		ev.Reason = types.SignalReasonInsufficientCapital
		return ev, nil
	}

	order, err := rt.orders.Create(ctx, ledger.CreateOrderRequest{
		PortfolioID:  rt.portfolioID,
		TargetSymbol: symbol,
		Side:         types.OrderSideBuy,
		Type:         types.OrderTypeMarket,
		Amount:       capital.Div(price),
		Price:        price,
	}, ledger.DefaultCreateOptions())
	if errors.Is(err, ledger.ErrInsufficientFunds) {
		ev.Reason = types.SignalReasonInsufficientCapital
		return ev, nil
	}
	if err != nil {
		return ev, fmt.Errorf("open %s at %s: %w", symbol, t, err)
	}
	ev.Executed = true
	ev.Reason = types.SignalReasonExecuted
	ev.OrderID = order.ID
	return ev, nil
}

func (e *VectorEngine) closePosition(ctx context.Context, rt *runtime, symbol string, t time.Time, inPosition bool) (types.SignalEvent, error) {
	ev := types.SignalEvent{Timestamp: t, Symbol: symbol, Side: types.OrderSideSell}
	if !inPosition {
		ev.Reason = types.SignalReasonNoPositionToClose
		return ev, nil
	}
	price, ok := rt.series.lastClose(symbol, t)
	if !ok {
		ev.Reason = types.SignalReasonNoPositionToClose
		return ev, nil
	}

	amount := decimal.Zero
	for _, trade := range rt.trades.ListOpen(rt.portfolioID, symbol) {
		amount = amount.Add(trade.AvailableAmount)
	}
	if !amount.IsPositive() {
		ev.Reason = types.SignalReasonNoPositionToClose
		return ev, nil
	}

	order, err := rt.orders.Create(ctx, ledger.CreateOrderRequest{
		PortfolioID:  rt.portfolioID,
		TargetSymbol: symbol,
		Side:         types.OrderSideSell,
		Type:         types.OrderTypeMarket,
		Amount:       amount,
		Price:        price,
	}, ledger.DefaultCreateOptions())
	if err != nil {
		return ev, fmt.Errorf("close %s at %s: %w", symbol, t, err)
	}
	ev.Executed = true
	ev.Reason = types.SignalReasonExecuted
	ev.OrderID = order.ID
	return ev, nil
}

// buildTimeline returns the bar timestamps of the most granular declared
// source, restricted to the window. Coarser series align to it through
// last-bar-at-or-before lookups.
func buildTimeline(sources []types.DataSource, series *seriesIndex, window types.DateRange) []time.Time {
	var best []types.OHLCV
	bestStep := time.Duration(0)
	for _, src := range sources {
		step := src.TimeFrame.Duration(src.Interval)
		if best == nil || step < bestStep {
			best = series.byKey[src.Key()]
			bestStep = step
		}
	}
	timeline := make([]time.Time, 0, len(best))
	for _, bar := range best {
		if window.Contains(bar.Timestamp) {
			timeline = append(timeline, bar.Timestamp)
		}
	}
	return timeline
}

// sizer computes capital per entry. Static sizing divides the initial
// balance once and never revisits it; dynamic sizing re-divides current
// equity at every entry, capped at what is actually unallocated.
type sizer struct {
	mode   types.PositionSizingMode
	slots  decimal.Decimal
	static decimal.Decimal
}

func newSizer(cfg types.BacktestConfig, symbolCount int) *sizer {
	slots := cfg.MaxOpenTrades
	if slots <= 0 {
		slots = symbolCount
	}
	if slots <= 0 {
		slots = 1
	}
	d := decimal.NewFromInt(int64(slots))
	return &sizer{
		mode:   cfg.Sizing,
		slots:  d,
		static: cfg.Portfolio.InitialBalance.Div(d),
	}
}

func (s *sizer) capitalFor(rt *runtime, t time.Time) (decimal.Decimal, error) {
	if s.mode != types.SizingDynamic {
		return s.static, nil
	}

	portfolio, err := rt.portfolios.Get(rt.portfolioID)
	if err != nil {
		return decimal.Zero, err
	}
	equity := portfolio.Unallocated
	for _, trade := range rt.tradeRepo.ListByPortfolio(rt.portfolioID) {
		if trade.Status != types.TradeStatusOpen {
			continue
		}
		price, ok := rt.series.lastClose(trade.TargetSymbol, t)
		if !ok {
			price = trade.OpenPrice
		}
		equity = equity.Add(price.Mul(trade.AvailableAmount))
	}
	capital := equity.Div(s.slots)
	if capital.GreaterThan(portfolio.Unallocated) {
		capital = portfolio.Unallocated
	}
	return capital, nil
}
