// Package execution provides order execution adapters. The real exchange
// adapters are external collaborators; the paper executor here simulates
// one for live-mode testing and dry runs.
package execution

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantkit/tradeledger/pkg/types"
)

// PaperExecutor simulates an exchange: market orders fill immediately at
// their reference price, limit orders rest until a price update crosses
// them. It implements the ledger's OrderExecutor.
type PaperExecutor struct {
	mu         sync.RWMutex
	logger     *zap.Logger
	orders     map[string]types.Order // keyed by ledger order id
	lastPrices map[string]decimal.Decimal
}

// NewPaperExecutor creates a paper executor.
func NewPaperExecutor(logger *zap.Logger) *PaperExecutor {
	return &PaperExecutor{
		logger:     logger.Named("paper-executor"),
		orders:     make(map[string]types.Order),
		lastPrices: make(map[string]decimal.Decimal),
	}
}

// ExecuteOrder accepts the order, assigns an external id, and fills it
// immediately for market orders.
func (e *PaperExecutor) ExecuteOrder(ctx context.Context, portfolio types.Portfolio, order types.Order) (types.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	external := order
	external.ExternalID = uuid.New().String()
	external.Status = types.OrderStatusOpen

	if order.Type == types.OrderTypeMarket {
		external.Filled = order.Amount
		external.Remaining = decimal.Zero
		external.Status = types.OrderStatusClosed
	}

	e.orders[order.ID] = external

	e.logger.Debug("Paper order accepted",
		zap.String("orderId", order.ID),
		zap.String("externalId", external.ExternalID),
		zap.String("status", string(external.Status)),
	)
	return external, nil
}

// GetOrder returns the simulated exchange state of an order.
func (e *PaperExecutor) GetOrder(ctx context.Context, portfolio types.Portfolio, order types.Order) (types.Order, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	external, ok := e.orders[order.ID]
	if !ok {
		return order, nil
	}
	return external, nil
}

// CancelOrder cancels the resting part of an order.
func (e *PaperExecutor) CancelOrder(ctx context.Context, portfolio types.Portfolio, order types.Order) (types.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	external, ok := e.orders[order.ID]
	if !ok {
		external = order
	}
	if !external.Status.IsTerminal() {
		external.Status = types.OrderStatusCanceled
	}
	e.orders[order.ID] = external
	return external, nil
}

// SetPrice records a new market price and fills any resting limit order
// it crosses: buys at or below the price limit, sells at or above.
func (e *PaperExecutor) SetPrice(symbol string, price decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.lastPrices[symbol] = price

	for id, o := range e.orders {
		if o.Status != types.OrderStatusOpen || o.Symbol() != symbol {
			continue
		}
		crossed := (o.Side == types.OrderSideBuy && price.LessThanOrEqual(o.Price)) ||
			(o.Side == types.OrderSideSell && price.GreaterThanOrEqual(o.Price))
		if !crossed {
			continue
		}
		o.Filled = o.Amount
		o.Remaining = decimal.Zero
		o.Status = types.OrderStatusClosed
		e.orders[id] = o
	}
}

// LastPrice returns the most recent price set for a symbol.
func (e *PaperExecutor) LastPrice(symbol string) (decimal.Decimal, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.lastPrices[symbol]
	return p, ok
}
