package ledger_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantkit/tradeledger/internal/execution"
	"github.com/quantkit/tradeledger/internal/ledger"
	"github.com/quantkit/tradeledger/pkg/types"
)

// Wires the paper executor behind the order service and verifies that
// polling pulls exchange-side fills into the ledger.
func TestCheckPendingOrdersSyncsExchangeFills(t *testing.T) {
	logger := zap.NewNop()
	clock := ledger.NewSimulatedClock(testStart)
	ids := ledger.NewSequenceGenerator("pending")

	orderRepo := ledger.NewOrderRepository()
	portfolioRepo := ledger.NewPortfolioRepository()
	positionRepo := ledger.NewPositionRepository()
	tradeRepo := ledger.NewTradeRepository()
	guardRepo := ledger.NewGuardRepository()
	snapshotRepo := ledger.NewSnapshotRepository()

	portfolios := ledger.NewPortfolioService(logger, portfolioRepo, positionRepo, ids, clock)
	positions := ledger.NewPositionService(logger, positionRepo, ids)
	trades := ledger.NewTradeService(logger, tradeRepo, guardRepo, ids, clock)
	snapshots := ledger.NewPortfolioSnapshotService(logger, portfolioRepo, positionRepo, orderRepo, snapshotRepo, stubTicker{}, ids)
	exchange := execution.NewPaperExecutor(logger)
	orders := ledger.NewOrderService(logger, orderRepo, portfolios, positions, trades, snapshots, exchange, ids, clock)

	p, err := portfolios.CreatePortfolioFromConfiguration(types.PortfolioConfiguration{
		Identifier:     "paper-1",
		Market:         "BINANCE",
		TradingSymbol:  "EUR",
		InitialBalance: decimal.NewFromInt(1000),
	})
	if err != nil {
		t.Fatalf("create portfolio: %v", err)
	}

	ctx := context.Background()
	order, err := orders.Create(ctx, ledger.CreateOrderRequest{
		PortfolioID:  p.ID,
		TargetSymbol: "BTC",
		Side:         types.OrderSideBuy,
		Type:         types.OrderTypeLimit,
		Amount:       decimal.NewFromInt(2),
		Price:        decimal.NewFromInt(90),
	}, ledger.DefaultCreateOptions())
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if order.Status != types.OrderStatusOpen {
		t.Fatalf("status = %s, want OPEN at the exchange", order.Status)
	}
	if order.ExternalID == "" {
		t.Fatal("expected an external id from the exchange")
	}

	// Nothing crossed yet; polling changes nothing.
	if err := orders.CheckPendingOrders(ctx, p.ID); err != nil {
		t.Fatalf("check pending: %v", err)
	}
	got, _ := orders.Get(order.ID)
	if got.Status != types.OrderStatusOpen {
		t.Fatalf("status = %s, want still OPEN", got.Status)
	}

	exchange.SetPrice("BTC/EUR", decimal.NewFromInt(85))
	if err := orders.CheckPendingOrders(ctx, p.ID); err != nil {
		t.Fatalf("check pending: %v", err)
	}

	got, _ = orders.Get(order.ID)
	if got.Status != types.OrderStatusClosed {
		t.Errorf("status = %s, want CLOSED after fill", got.Status)
	}
	if !got.Filled.Equal(decimal.NewFromInt(2)) {
		t.Errorf("filled = %s, want 2", got.Filled)
	}

	pos, err := positions.Find(p.ID, "BTC")
	if err != nil {
		t.Fatalf("find position: %v", err)
	}
	if !pos.Amount.Equal(decimal.NewFromInt(2)) {
		t.Errorf("position = %s, want 2", pos.Amount)
	}
	if got.TradeID == "" {
		t.Error("expected the fill to open a trade")
	}
}
