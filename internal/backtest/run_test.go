package backtest_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantkit/tradeledger/internal/backtest"
	"github.com/quantkit/tradeledger/pkg/types"
)

func TestCombineRunsLatestEntityWins(t *testing.T) {
	openedAt := windowStart.Add(time.Hour)
	closedAt := windowStart.Add(3 * time.Hour)

	w1 := types.BacktestRun{
		AlgorithmID: "algo",
		StartDate:   windowStart,
		EndDate:     windowStart.Add(2 * time.Hour),
		Trades: []types.Trade{{
			ID:       "trade-1",
			Status:   types.TradeStatusOpen,
			OpenedAt: openedAt,
			Amount:   decimal.NewFromInt(5),
		}},
		Positions: []types.Position{
			{ID: "w1-eur", Symbol: "EUR", Amount: decimal.NewFromInt(500)},
			{ID: "w1-btc", Symbol: "BTC", Amount: decimal.NewFromInt(5)},
		},
		Orders:  []types.Order{{ID: "order-1"}},
		Metrics: types.BacktestMetrics{InitialBalance: decimal.NewFromInt(1000)},
	}
	w2 := types.BacktestRun{
		AlgorithmID: "algo",
		StartDate:   windowStart.Add(2 * time.Hour),
		EndDate:     windowStart.Add(4 * time.Hour),
		Trades: []types.Trade{{
			ID:       "trade-1",
			Status:   types.TradeStatusClosed,
			OpenedAt: openedAt,
			ClosedAt: &closedAt,
			Amount:   decimal.NewFromInt(5),
			NetGain:  decimal.NewFromInt(100),
		}},
		Positions: []types.Position{
			{ID: "w2-eur", Symbol: "EUR", Amount: decimal.NewFromInt(1100)},
			{ID: "w2-btc", Symbol: "BTC", Amount: decimal.Zero},
		},
		Orders: []types.Order{{ID: "order-2"}},
	}

	combined := backtest.CombineRuns([]types.BacktestRun{w1, w2})

	if combined.StartDate != w1.StartDate || combined.EndDate != w2.EndDate {
		t.Errorf("range = %s..%s, want full span", combined.StartDate, combined.EndDate)
	}
	if len(combined.Orders) != 2 {
		t.Errorf("orders = %d, want 2", len(combined.Orders))
	}
	if len(combined.Trades) != 1 {
		t.Fatalf("trades = %d, want deduplicated 1", len(combined.Trades))
	}
	if combined.Trades[0].Status != types.TradeStatusClosed {
		t.Errorf("trade status = %s, want latest window's CLOSED", combined.Trades[0].Status)
	}
	if len(combined.Positions) != 2 {
		t.Fatalf("positions = %d, want one per symbol", len(combined.Positions))
	}
	for _, p := range combined.Positions {
		if p.Symbol == "EUR" && !p.Amount.Equal(decimal.NewFromInt(1100)) {
			t.Errorf("EUR amount = %s, want latest 1100", p.Amount)
		}
	}
	if combined.Metrics.ClosedTrades != 1 {
		t.Errorf("closed trades = %d, want 1", combined.Metrics.ClosedTrades)
	}
	if want := decimal.NewFromInt(100); !combined.Metrics.TotalNetGain.Equal(want) {
		t.Errorf("net gain = %s, want %s", combined.Metrics.TotalNetGain, want)
	}
}

func TestComputeMetricsWithoutSnapshots(t *testing.T) {
	m := backtest.ComputeMetrics(decimal.NewFromInt(1000), types.BacktestRun{})
	if !m.FinalValue.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("final = %s, want initial balance", m.FinalValue)
	}
	if !m.Growth.IsZero() {
		t.Errorf("growth = %s, want 0", m.Growth)
	}
}

// A strategy whose signals are anchored to absolute timestamps must
// produce the same cumulative result whether it runs over one window or
// over checkpointed halves stitched back together.
func TestSplitWindowsMatchSingleRun(t *testing.T) {
	src := hourlySource("BTC")
	provider := stubProvider{series: map[string][]types.OHLCV{
		src.Key(): flatBars(windowStart, time.Hour, 100, 110, 115, 120),
	}}
	newStrategy := func() *timedVector {
		return &timedVector{
			id:      "round-trip",
			sources: []types.DataSource{src},
			buys:    map[string][]time.Time{"BTC": {windowStart.Add(time.Hour)}},
			sells:   map[string][]time.Time{"BTC": {windowStart.Add(4 * time.Hour)}},
		}
	}
	mid := windowStart.Add(2 * time.Hour)
	end := windowStart.Add(4 * time.Hour)

	engine := backtest.NewVectorEngine(zap.NewNop(), provider)

	full, err := engine.Run(context.Background(), newStrategy(), testConfig("round-trip", windowStart, end))
	if err != nil {
		t.Fatalf("full run: %v", err)
	}

	first, err := engine.Run(context.Background(), newStrategy(), testConfig("round-trip", windowStart, mid))
	if err != nil {
		t.Fatalf("first window: %v", err)
	}
	second, err := engine.RunResumed(context.Background(), newStrategy(), testConfig("round-trip", mid, end), &first)
	if err != nil {
		t.Fatalf("second window: %v", err)
	}
	combined := backtest.CombineRuns([]types.BacktestRun{first, second})

	if !combined.Metrics.FinalValue.Equal(full.Metrics.FinalValue) {
		t.Errorf("final value = %s, single run %s", combined.Metrics.FinalValue, full.Metrics.FinalValue)
	}
	if !combined.Metrics.TotalNetGain.Equal(full.Metrics.TotalNetGain) {
		t.Errorf("net gain = %s, single run %s", combined.Metrics.TotalNetGain, full.Metrics.TotalNetGain)
	}
	if combined.Metrics.ClosedTrades != full.Metrics.ClosedTrades {
		t.Errorf("closed trades = %d, single run %d", combined.Metrics.ClosedTrades, full.Metrics.ClosedTrades)
	}
	if len(combined.Trades) != len(full.Trades) {
		t.Errorf("trades = %d, single run %d", len(combined.Trades), len(full.Trades))
	}
	if combined.Metrics.ClosedTrades != 1 {
		t.Errorf("closed trades = %d, want the round trip closed", combined.Metrics.ClosedTrades)
	}
	if want := decimal.NewFromInt(200); !combined.Metrics.TotalNetGain.Equal(want) {
		t.Errorf("net gain = %s, want %s", combined.Metrics.TotalNetGain, want)
	}
}
