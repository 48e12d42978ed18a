package backtest

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/quantkit/tradeledger/internal/ledger"
	"github.com/quantkit/tradeledger/pkg/types"
)

// runtime is one simulation's private ledger: its own repositories,
// services, simulated clock and sequence id generator. Nothing leaks
// between runs, which is what makes them reproducible.
type runtime struct {
	clock *ledger.SimulatedClock
	ids   *ledger.SequenceGenerator

	orderRepo     *ledger.OrderRepository
	portfolioRepo *ledger.PortfolioRepository
	positionRepo  *ledger.PositionRepository
	tradeRepo     *ledger.TradeRepository
	guardRepo     *ledger.GuardRepository
	snapshotRepo  *ledger.SnapshotRepository

	portfolios *ledger.PortfolioService
	positions  *ledger.PositionService
	trades     *ledger.TradeService
	snapshots  *ledger.PortfolioSnapshotService
	orders     *ledger.OrderService

	portfolioID string
	series      *seriesIndex
}

func newRuntime(logger *zap.Logger, cfg types.BacktestConfig, series *seriesIndex, executor ledger.OrderExecutor, observer ledger.OrderObserver) (*runtime, error) {
	// The window start is part of the id prefix so ids from consecutive
	// checkpointed windows can never collide when state carries over.
	prefix := fmt.Sprintf("%s-%s", cfg.AlgorithmID, cfg.Range.Start.UTC().Format("20060102T1504"))
	rt := &runtime{
		clock:         ledger.NewSimulatedClock(cfg.Range.Start),
		ids:           ledger.NewSequenceGenerator(prefix),
		orderRepo:     ledger.NewOrderRepository(),
		portfolioRepo: ledger.NewPortfolioRepository(),
		positionRepo:  ledger.NewPositionRepository(),
		tradeRepo:     ledger.NewTradeRepository(),
		guardRepo:     ledger.NewGuardRepository(),
		snapshotRepo:  ledger.NewSnapshotRepository(),
		series:        series,
	}

	rt.portfolios = ledger.NewPortfolioService(logger, rt.portfolioRepo, rt.positionRepo, rt.ids, rt.clock)
	rt.positions = ledger.NewPositionService(logger, rt.positionRepo, rt.ids)
	rt.trades = ledger.NewTradeService(logger, rt.tradeRepo, rt.guardRepo, rt.ids, rt.clock)
	rt.snapshots = ledger.NewPortfolioSnapshotService(logger, rt.portfolioRepo, rt.positionRepo, rt.orderRepo, rt.snapshotRepo, series, rt.ids)
	rt.orders = ledger.NewOrderService(logger, rt.orderRepo, rt.portfolios, rt.positions, rt.trades, rt.snapshots, executor, rt.ids, rt.clock)
	if observer != nil {
		rt.orders.SetObserver(observer)
	}

	p, err := rt.portfolios.CreatePortfolioFromConfiguration(cfg.Portfolio)
	if err != nil {
		return nil, fmt.Errorf("create portfolio: %w", err)
	}
	rt.portfolioID = p.ID
	return rt, nil
}

// resume seeds the runtime with the terminal state of a previous window:
// remaining cash, held positions and still-open trades. Closed entities
// stay in the previous run; only what the next window can act on crosses
// the boundary.
func (rt *runtime) resume(prior *types.BacktestRun) error {
	if prior == nil {
		return nil
	}

	p, err := rt.portfolioRepo.Get(rt.portfolioID)
	if err != nil {
		return err
	}
	if n := len(prior.PortfolioSnapshots); n > 0 {
		last := prior.PortfolioSnapshots[n-1]
		p.Realized = last.Realized
		p.TotalCost = last.TotalCost
		p.TotalRevenue = last.TotalRevenue
		p.TotalTradeVolume = last.TotalTradeVolume
		delta := last.Unallocated.Sub(p.Unallocated)
		p.Unallocated = last.Unallocated
		if err := rt.portfolioRepo.Update(p); err != nil {
			return err
		}
		// Keep the cash position mirroring unallocated.
		cash, err := rt.positionRepo.Find(p.ID, p.TradingSymbol)
		if err != nil {
			return err
		}
		cash.Amount = cash.Amount.Add(delta)
		cash.Cost = cash.Cost.Add(delta)
		if err := rt.positionRepo.Update(cash); err != nil {
			return err
		}
	}

	for _, pos := range prior.Positions {
		if pos.Symbol == p.TradingSymbol {
			continue
		}
		if pos.Amount.IsZero() && pos.Cost.IsZero() {
			continue
		}
		rt.positionRepo.Save(types.Position{
			ID:          pos.ID,
			PortfolioID: p.ID,
			Symbol:      pos.Symbol,
			Amount:      pos.Amount,
			Cost:        pos.Cost,
		})
	}

	for _, t := range prior.Trades {
		if t.Status != types.TradeStatusOpen {
			continue
		}
		carried := t
		carried.PortfolioID = p.ID
		rt.tradeRepo.Save(carried)
	}
	return nil
}

// collect assembles the run produced so far. CreatedAt is the window end,
// not wall clock, so identical runs serialize identically.
func (rt *runtime) collect(cfg types.BacktestConfig, signals []types.SignalEvent) types.BacktestRun {
	run := types.BacktestRun{
		AlgorithmID:        cfg.AlgorithmID,
		StartDate:          cfg.Range.Start,
		EndDate:            cfg.Range.End,
		Orders:             rt.orderRepo.ListByPortfolio(rt.portfolioID),
		Trades:             rt.tradeRepo.ListByPortfolio(rt.portfolioID),
		Positions:          rt.positionRepo.ListByPortfolio(rt.portfolioID),
		PortfolioSnapshots: rt.snapshotRepo.ListByPortfolio(rt.portfolioID),
		SignalEvents:       signals,
		CreatedAt:          cfg.Range.End,
	}
	run.Metrics = ComputeMetrics(cfg.Portfolio.InitialBalance, run)
	return run
}

// session returns the strategy-facing view of this runtime.
func (rt *runtime) session() *Session {
	return &Session{
		orders:      rt.orders,
		portfolios:  rt.portfolios,
		positions:   rt.positions,
		trades:      rt.trades,
		clock:       rt.clock,
		prices:      rt.series,
		portfolioID: rt.portfolioID,
	}
}

// simExecutor is the exchange stand-in for backtests. Market orders fill
// in full immediately at the order price; limit orders rest OPEN until
// the engine's bar evaluation fills them. External ids reuse the order id
// so round-trips through the executor stay deterministic.
type simExecutor struct{}

func (simExecutor) ExecuteOrder(_ context.Context, _ types.Portfolio, order types.Order) (types.Order, error) {
	order.ExternalID = order.ID
	if order.Type == types.OrderTypeMarket {
		order.Filled = order.Amount
		order.Remaining = order.Amount.Sub(order.Filled)
		order.Status = types.OrderStatusClosed
		return order, nil
	}
	order.Status = types.OrderStatusOpen
	return order, nil
}

func (simExecutor) GetOrder(_ context.Context, _ types.Portfolio, order types.Order) (types.Order, error) {
	return order, nil
}

func (simExecutor) CancelOrder(_ context.Context, _ types.Portfolio, order types.Order) (types.Order, error) {
	order.Status = types.OrderStatusCanceled
	return order, nil
}
