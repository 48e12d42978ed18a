package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantkit/tradeledger/internal/ledger"
	"github.com/quantkit/tradeledger/pkg/types"
)

func TestFailedExplicitSellLeavesLedgerUntouched(t *testing.T) {
	f := newFixture(t, 1000)

	o1 := f.buy(t, 5, 10)
	o1 = f.fill(t, o1.ID, 5, types.OrderStatusClosed)
	o2 := f.buy(t, 5, 10)
	o2 = f.fill(t, o2.ID, 5, types.OrderStatusClosed)

	// Position holds 10, but the named trade only has 5 available.
	_, err := f.orders.Create(context.Background(), ledger.CreateOrderRequest{
		PortfolioID:  f.portfolioID,
		TargetSymbol: "BTC",
		Side:         types.OrderSideSell,
		Type:         types.OrderTypeLimit,
		Amount:       decimal.NewFromInt(8),
		Price:        decimal.NewFromInt(20),
		Trades: []types.TradeAllocation{
			{TradeID: o1.TradeID, Amount: decimal.NewFromInt(8)},
		},
	}, ledger.DefaultCreateOptions())
	if !errors.Is(err, ledger.ErrInsufficientPosition) {
		t.Fatalf("err = %v, want ErrInsufficientPosition", err)
	}

	pos, err := f.positions.Find(f.portfolioID, "BTC")
	if err != nil {
		t.Fatalf("find position: %v", err)
	}
	if !pos.Amount.Equal(decimal.NewFromInt(10)) {
		t.Errorf("position amount = %s, want 10 untouched", pos.Amount)
	}

	for _, id := range []string{o1.TradeID, o2.TradeID} {
		trade, err := f.trades.Get(id)
		if err != nil {
			t.Fatalf("get trade %s: %v", id, err)
		}
		if !trade.AvailableAmount.Equal(decimal.NewFromInt(5)) {
			t.Errorf("trade %s available = %s, want 5 untouched", id, trade.AvailableAmount)
		}
	}
	if got := f.unallocated(t); !got.Equal(decimal.NewFromInt(900)) {
		t.Errorf("unallocated = %s, want 900 untouched", got)
	}
}

func TestFailedGuardSellRestoresReservations(t *testing.T) {
	f := newFixture(t, 1000)

	order := f.buy(t, 10, 10)
	order = f.fill(t, order.ID, 10, types.OrderStatusClosed)

	// The unknown guard makes the reservation fail after trade volume
	// has already been taken; everything must roll back.
	_, err := f.orders.Create(context.Background(), ledger.CreateOrderRequest{
		PortfolioID:  f.portfolioID,
		TargetSymbol: "BTC",
		Side:         types.OrderSideSell,
		Type:         types.OrderTypeMarket,
		Amount:       decimal.NewFromInt(4),
		Price:        decimal.NewFromInt(20),
		StopLosses: []types.GuardAllocation{
			{GuardID: "missing-guard", Amount: decimal.NewFromInt(4)},
		},
	}, ledger.DefaultCreateOptions())
	if err == nil {
		t.Fatal("expected an error for the unknown guard")
	}

	trade, err := f.trades.Get(order.TradeID)
	if err != nil {
		t.Fatalf("get trade: %v", err)
	}
	if !trade.AvailableAmount.Equal(decimal.NewFromInt(10)) {
		t.Errorf("trade available = %s, want 10 restored", trade.AvailableAmount)
	}
	pos, err := f.positions.Find(f.portfolioID, "BTC")
	if err != nil {
		t.Fatalf("find position: %v", err)
	}
	if !pos.Amount.Equal(decimal.NewFromInt(10)) {
		t.Errorf("position amount = %s, want 10 restored", pos.Amount)
	}
}

func TestCloseTradesRecordsSliceHistory(t *testing.T) {
	svc, _ := newTradeService(t)
	trade := openTrade(svc, 10, 10, testStart)

	allocs, err := svc.AllocateSell("p1", "BTC", decimal.NewFromInt(10))
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	order := types.Order{ID: "sell-1", Trades: allocs}

	first := testStart.Add(time.Hour)
	if _, _, _, err := svc.CloseTrades(&order, decimal.NewFromInt(4), decimal.NewFromInt(25), first); err != nil {
		t.Fatalf("close first: %v", err)
	}
	second := testStart.Add(2 * time.Hour)
	if _, _, _, err := svc.CloseTrades(&order, decimal.NewFromInt(6), decimal.NewFromInt(30), second); err != nil {
		t.Fatalf("close second: %v", err)
	}

	got, err := svc.Get(trade.ID)
	if err != nil {
		t.Fatalf("get trade: %v", err)
	}
	if len(got.Slices) != 2 {
		t.Fatalf("slices = %d, want 2", len(got.Slices))
	}
	s0, s1 := got.Slices[0], got.Slices[1]
	if s0.SellOrderID != "sell-1" || !s0.Amount.Equal(decimal.NewFromInt(4)) ||
		!s0.ClosePrice.Equal(decimal.NewFromInt(25)) || !s0.NetGain.Equal(decimal.NewFromInt(60)) {
		t.Errorf("first slice = %+v", s0)
	}
	if !s1.Amount.Equal(decimal.NewFromInt(6)) || !s1.ClosePrice.Equal(decimal.NewFromInt(30)) ||
		!s1.NetGain.Equal(decimal.NewFromInt(120)) || !s1.ClosedAt.Equal(second) {
		t.Errorf("second slice = %+v", s1)
	}
	if got.Status != types.TradeStatusClosed {
		t.Errorf("status = %s, want CLOSED", got.Status)
	}
	if !got.NetGain.Equal(decimal.NewFromInt(180)) {
		t.Errorf("net gain = %s, want 180", got.NetGain)
	}
}

// rejectingExecutor fails every dispatch, simulating an exchange outage.
type rejectingExecutor struct{}

func (rejectingExecutor) ExecuteOrder(context.Context, types.Portfolio, types.Order) (types.Order, error) {
	return types.Order{}, errors.New("exchange unavailable")
}

func (rejectingExecutor) GetOrder(_ context.Context, _ types.Portfolio, o types.Order) (types.Order, error) {
	return o, nil
}

func (rejectingExecutor) CancelOrder(_ context.Context, _ types.Portfolio, o types.Order) (types.Order, error) {
	return o, nil
}

func TestRejectedUnsyncedOrderDoesNotCredit(t *testing.T) {
	logger := zap.NewNop()
	clock := ledger.NewSimulatedClock(testStart)
	ids := ledger.NewSequenceGenerator("unsynced")

	orderRepo := ledger.NewOrderRepository()
	portfolioRepo := ledger.NewPortfolioRepository()
	positionRepo := ledger.NewPositionRepository()
	snapshotRepo := ledger.NewSnapshotRepository()

	portfolios := ledger.NewPortfolioService(logger, portfolioRepo, positionRepo, ids, clock)
	positions := ledger.NewPositionService(logger, positionRepo, ids)
	trades := ledger.NewTradeService(logger, ledger.NewTradeRepository(), ledger.NewGuardRepository(), ids, clock)
	snapshots := ledger.NewPortfolioSnapshotService(logger, portfolioRepo, positionRepo, orderRepo, snapshotRepo, stubTicker{}, ids)
	orders := ledger.NewOrderService(logger, orderRepo, portfolios, positions, trades, snapshots, rejectingExecutor{}, ids, clock)

	p, err := portfolios.CreatePortfolioFromConfiguration(types.PortfolioConfiguration{
		Identifier:     "unsynced-1",
		Market:         "BINANCE",
		TradingSymbol:  "EUR",
		InitialBalance: decimal.NewFromInt(1000),
	})
	if err != nil {
		t.Fatalf("create portfolio: %v", err)
	}

	order, err := orders.Create(context.Background(), ledger.CreateOrderRequest{
		PortfolioID:  p.ID,
		TargetSymbol: "BTC",
		Side:         types.OrderSideBuy,
		Type:         types.OrderTypeLimit,
		Amount:       decimal.NewFromInt(2),
		Price:        decimal.NewFromInt(100),
	}, ledger.CreateOptions{Validate: true, Execute: true, Sync: false})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if order.Status != types.OrderStatusRejected {
		t.Fatalf("status = %s, want REJECTED", order.Status)
	}

	got, err := portfolios.Get(p.ID)
	if err != nil {
		t.Fatalf("get portfolio: %v", err)
	}
	// No reservation ever happened, so the rejection must not credit.
	if !got.Unallocated.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("unallocated = %s, want 1000 unchanged", got.Unallocated)
	}
}
