package backtest

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantkit/tradeledger/internal/data"
	"github.com/quantkit/tradeledger/internal/ledger"
	"github.com/quantkit/tradeledger/pkg/types"
)

// EventEngine steps a strategy through historical data one scheduled
// timestamp at a time. At every step the engine first settles the world
// the strategy left behind, resting limit orders and protective guards
// are evaluated against the bars since the previous step, and only then
// is the strategy woken up. The resulting ledger state is
// indistinguishable in shape from a live run.
type EventEngine struct {
	logger   *zap.Logger
	provider data.Provider
	observer ledger.OrderObserver
}

// NewEventEngine creates an event-stepped backtest engine.
func NewEventEngine(logger *zap.Logger, provider data.Provider) *EventEngine {
	return &EventEngine{
		logger:   logger.Named("event-engine"),
		provider: provider,
	}
}

// SetObserver installs an order lifecycle observer on every run.
func (e *EventEngine) SetObserver(o ledger.OrderObserver) { e.observer = o }

// Run simulates one window from scratch.
func (e *EventEngine) Run(ctx context.Context, strategy Strategy, tasks []Task, cfg types.BacktestConfig) (types.BacktestRun, error) {
	return e.RunResumed(ctx, strategy, tasks, cfg, nil)
}

// RunResumed simulates one window starting from the terminal state of a
// previous window. resume may be nil.
func (e *EventEngine) RunResumed(ctx context.Context, strategy Strategy, tasks []Task, cfg types.BacktestConfig, resume *types.BacktestRun) (types.BacktestRun, error) {
	profile := strategy.Profile()
	series, err := loadSeries(ctx, e.provider, profile.DataSources, cfg.Range.Start, cfg.Range.End)
	if err != nil {
		return types.BacktestRun{}, fmt.Errorf("load market data: %w", err)
	}

	rt, err := newRuntime(e.logger, cfg, series, simExecutor{}, e.observer)
	if err != nil {
		return types.BacktestRun{}, err
	}
	if err := rt.resume(resume); err != nil {
		return types.BacktestRun{}, fmt.Errorf("resume window state: %w", err)
	}

	schedule := GenerateSchedule([]Strategy{strategy}, tasks, cfg.Range.Start, cfg.Range.End)
	session := rt.session()

	e.logger.Info("starting event backtest",
		zap.String("algorithm", cfg.AlgorithmID),
		zap.Time("start", cfg.Range.Start),
		zap.Time("end", cfg.Range.End),
		zap.Int("steps", len(schedule)),
	)

	taskByID := make(map[string]Task, len(tasks))
	for _, t := range tasks {
		taskByID[t.ID()] = t
	}

	prev := cfg.Range.Start
	for _, entry := range schedule {
		if err := ctx.Err(); err != nil {
			return types.BacktestRun{}, err
		}
		rt.clock.Set(entry.Time)

		if err := e.settle(ctx, rt, prev, entry.Time); err != nil {
			return types.BacktestRun{}, err
		}
		for _, id := range entry.TaskIDs {
			if err := taskByID[id].Run(ctx, session); err != nil {
				return types.BacktestRun{}, fmt.Errorf("task %s at %s: %w", id, entry.Time, err)
			}
		}
		for range entry.StrategyIDs {
			if err := strategy.Run(ctx, session); err != nil {
				return types.BacktestRun{}, fmt.Errorf("strategy %s at %s: %w", strategy.ID(), entry.Time, err)
			}
		}
		prev = entry.Time
	}

	// Settle whatever the last strategy invocation left resting.
	rt.clock.Set(cfg.Range.End)
	if err := e.settle(ctx, rt, prev, cfg.Range.End); err != nil {
		return types.BacktestRun{}, err
	}

	run := rt.collect(cfg, nil)
	e.logger.Info("event backtest finished",
		zap.String("algorithm", cfg.AlgorithmID),
		zap.Int("orders", len(run.Orders)),
		zap.Int("trades", len(run.Trades)),
	)
	return run, nil
}

// settle applies the bars in (prev, now] to resting orders and active
// guards. Orders fill before guards so a limit sell that crossed does not
// race its own stop loss.
func (e *EventEngine) settle(ctx context.Context, rt *runtime, prev, now time.Time) error {
	for _, order := range rt.orderRepo.ListOpen(rt.portfolioID) {
		bars := rt.series.barsBetween(order.TargetSymbol, prev, now)
		at, ok := crossed(order.Side, order.Price, bars)
		if !ok {
			continue
		}
		filled := order.Amount
		status := types.OrderStatusClosed
		if _, err := rt.orders.Update(ctx, order.ID, ledger.OrderUpdateData{
			Filled:    &filled,
			Status:    &status,
			Timestamp: at,
		}); err != nil {
			return fmt.Errorf("fill order %s: %w", order.ID, err)
		}
	}

	for _, guard := range rt.trades.ListActiveGuards(rt.portfolioID) {
		trade, err := rt.trades.Get(guard.TradeID)
		if err != nil {
			return err
		}
		if trade.Status != types.TradeStatusOpen {
			continue
		}
		amount := guard.SellAmount.Sub(guard.SoldAmount)
		if amount.GreaterThan(trade.AvailableAmount) {
			amount = trade.AvailableAmount
		}
		if !amount.IsPositive() {
			continue
		}
		bars := rt.series.barsBetween(trade.TargetSymbol, prev, now)
		at, ok := triggered(guard.Kind, guard.TriggerPrice, bars)
		if !ok {
			continue
		}
		rt.clock.Set(at)
		req := ledger.CreateOrderRequest{
			PortfolioID:  rt.portfolioID,
			TargetSymbol: trade.TargetSymbol,
			Side:         types.OrderSideSell,
			Type:         types.OrderTypeMarket,
			Amount:       amount,
			Price:        guard.TriggerPrice,
			Trades:       []types.TradeAllocation{{TradeID: trade.ID, Amount: amount}},
		}
		alloc := types.GuardAllocation{GuardID: guard.ID, Amount: amount}
		if guard.Kind == types.GuardKindStopLoss {
			req.StopLosses = []types.GuardAllocation{alloc}
		} else {
			req.TakeProfits = []types.GuardAllocation{alloc}
		}
		if _, err := rt.orders.Create(ctx, req, ledger.DefaultCreateOptions()); err != nil {
			return fmt.Errorf("guard %s sell: %w", guard.ID, err)
		}
		rt.clock.Set(now)
	}
	return nil
}

// crossed reports whether a resting limit order would have filled within
// bars, and at which bar. A buy fills once price trades at or below its
// limit, a sell once price trades at or above it.
func crossed(side types.OrderSide, price decimal.Decimal, bars []types.OHLCV) (time.Time, bool) {
	for _, bar := range bars {
		if side == types.OrderSideBuy && bar.Low.LessThanOrEqual(price) {
			return bar.Timestamp, true
		}
		if side == types.OrderSideSell && bar.High.GreaterThanOrEqual(price) {
			return bar.Timestamp, true
		}
	}
	return time.Time{}, false
}

// triggered reports whether a guard fired within bars. Stop losses fire
// on price trading at or below the trigger, take profits at or above.
func triggered(kind types.GuardKind, trigger decimal.Decimal, bars []types.OHLCV) (time.Time, bool) {
	for _, bar := range bars {
		if kind == types.GuardKindStopLoss && bar.Low.LessThanOrEqual(trigger) {
			return bar.Timestamp, true
		}
		if kind == types.GuardKindTakeProfit && bar.High.GreaterThanOrEqual(trigger) {
			return bar.Timestamp, true
		}
	}
	return time.Time{}, false
}
