package backtest

import (
	"github.com/shopspring/decimal"

	"github.com/quantkit/tradeledger/pkg/types"
)

// ComputeMetrics summarizes a run from its snapshots and trades. The
// final value is the last snapshot's total value; a run that never
// produced a snapshot reports the initial balance unchanged.
func ComputeMetrics(initialBalance decimal.Decimal, run types.BacktestRun) types.BacktestMetrics {
	final := initialBalance
	if n := len(run.PortfolioSnapshots); n > 0 {
		final = run.PortfolioSnapshots[n-1].TotalValue
	}

	m := types.BacktestMetrics{
		InitialBalance: initialBalance,
		FinalValue:     final,
		Growth:         final.Sub(initialBalance),
		OrdersCreated:  len(run.Orders),
	}
	if initialBalance.IsPositive() {
		m.GrowthRate = m.Growth.Div(initialBalance)
	}
	for _, t := range run.Trades {
		m.TotalTrades++
		if t.Status == types.TradeStatusClosed {
			m.ClosedTrades++
		}
		m.TotalNetGain = m.TotalNetGain.Add(t.NetGain)
	}
	return m
}

// CombineRuns stitches consecutive checkpointed windows of the same
// strategy into one cumulative run. Windows must be passed in
// chronological order. Trades and positions that crossed a window
// boundary appear in several runs; the latest version wins.
func CombineRuns(runs []types.BacktestRun) types.BacktestRun {
	if len(runs) == 0 {
		return types.BacktestRun{}
	}
	if len(runs) == 1 {
		return runs[0]
	}

	combined := types.BacktestRun{
		AlgorithmID: runs[0].AlgorithmID,
		StartDate:   runs[0].StartDate,
		EndDate:     runs[len(runs)-1].EndDate,
		CreatedAt:   runs[len(runs)-1].CreatedAt,
	}

	tradeIdx := make(map[string]int)
	positionIdx := make(map[string]int)
	for _, run := range runs {
		combined.Orders = append(combined.Orders, run.Orders...)
		combined.PortfolioSnapshots = append(combined.PortfolioSnapshots, run.PortfolioSnapshots...)
		combined.SignalEvents = append(combined.SignalEvents, run.SignalEvents...)

		for _, t := range run.Trades {
			if i, ok := tradeIdx[t.ID]; ok {
				combined.Trades[i] = t
				continue
			}
			tradeIdx[t.ID] = len(combined.Trades)
			combined.Trades = append(combined.Trades, t)
		}
		// Positions are identified by symbol across windows: the carried
		// position and the next window's cash position have fresh ids but
		// describe the same holding.
		for _, p := range run.Positions {
			if i, ok := positionIdx[p.Symbol]; ok {
				combined.Positions[i] = p
				continue
			}
			positionIdx[p.Symbol] = len(combined.Positions)
			combined.Positions = append(combined.Positions, p)
		}
	}

	combined.Metrics = ComputeMetrics(runs[0].Metrics.InitialBalance, combined)
	return combined
}
