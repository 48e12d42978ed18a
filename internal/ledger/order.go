package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantkit/tradeledger/pkg/types"
)

// OrderExecutor dispatches orders to an exchange. Implementations are
// external collaborators: a broker adapter in live trading, the simulated
// fill engine in backtests.
type OrderExecutor interface {
	ExecuteOrder(ctx context.Context, portfolio types.Portfolio, order types.Order) (types.Order, error)
	GetOrder(ctx context.Context, portfolio types.Portfolio, order types.Order) (types.Order, error)
	CancelOrder(ctx context.Context, portfolio types.Portfolio, order types.Order) (types.Order, error)
}

// CreateOrderRequest carries everything OrderService needs to create an
// order against a portfolio.
type CreateOrderRequest struct {
	PortfolioID   string
	TargetSymbol  string
	TradingSymbol string
	Side          types.OrderSide
	Type          types.OrderType
	Amount        decimal.Decimal
	Price         decimal.Decimal

	// Explicit closing targets for sells. When empty, sell volume is
	// allocated FIFO against the symbol's open trades.
	Trades []types.TradeAllocation
	// Guards that produced this sell and must be restored on failure.
	StopLosses  []types.GuardAllocation
	TakeProfits []types.GuardAllocation
}

// CreateOptions toggles the optional stages of order creation.
type CreateOptions struct {
	Validate bool
	Execute  bool
	Sync     bool
}

// DefaultCreateOptions enables validation, execution and ledger sync.
func DefaultCreateOptions() CreateOptions {
	return CreateOptions{Validate: true, Execute: true, Sync: true}
}

// OrderUpdateData is a partial order update, typically copied from an
// external execution report.
type OrderUpdateData struct {
	Filled     *decimal.Decimal
	Status     *types.OrderStatus
	ExternalID *string
	// Timestamp of the update; zero means the service clock.
	Timestamp time.Time
}

// OrderService owns the order lifecycle and is the single synchronization
// point that drives position, portfolio and trade updates. All ledger
// mutations are expressed as the delta of an order's filled amount
// between calls, so re-delivered or out-of-order updates that do not
// increase filled are no-ops.
type OrderService struct {
	logger    *zap.Logger
	orders    *OrderRepository
	portfolio *PortfolioService
	position  *PositionService
	trade     *TradeService
	snapshot  *PortfolioSnapshotService
	executor  OrderExecutor
	ids       IDGenerator
	clock     Clock
	observer  OrderObserver
}

// OrderObserver receives lifecycle notifications. Optional.
type OrderObserver interface {
	OrderCreated(order types.Order)
	OrderUpdated(order types.Order)
}

// NewOrderService creates an order service. executor may be nil for
// ledgers that never dispatch externally.
func NewOrderService(
	logger *zap.Logger,
	orders *OrderRepository,
	portfolio *PortfolioService,
	position *PositionService,
	trade *TradeService,
	snapshot *PortfolioSnapshotService,
	executor OrderExecutor,
	ids IDGenerator,
	clock Clock,
) *OrderService {
	return &OrderService{
		logger:    logger.Named("order"),
		orders:    orders,
		portfolio: portfolio,
		position:  position,
		trade:     trade,
		snapshot:  snapshot,
		executor:  executor,
		ids:       ids,
		clock:     clock,
	}
}

// SetObserver installs a lifecycle observer.
func (s *OrderService) SetObserver(o OrderObserver) { s.observer = o }

// Get returns an order by id.
func (s *OrderService) Get(id string) (types.Order, error) {
	return s.orders.Get(id)
}

// List returns a portfolio's orders in creation order.
func (s *OrderService) List(portfolioID string) []types.Order {
	return s.orders.ListByPortfolio(portfolioID)
}

// Create validates, registers and optionally executes a new order.
// Validation happens strictly before any ledger mutation; a validation
// error leaves the ledger untouched.
func (s *OrderService) Create(ctx context.Context, req CreateOrderRequest, opts CreateOptions) (types.Order, error) {
	portfolio, err := s.portfolio.Get(req.PortfolioID)
	if err != nil {
		return types.Order{}, operational("create order", err)
	}

	if opts.Validate {
		if err := s.validate(portfolio, req); err != nil {
			return types.Order{}, operational("create order", err)
		}
	}

	now := s.clock.Now()
	order := types.Order{
		ID:            s.newOrderID(),
		PortfolioID:   portfolio.ID,
		TargetSymbol:  req.TargetSymbol,
		TradingSymbol: portfolio.TradingSymbol,
		Side:          req.Side,
		Type:          req.Type,
		Amount:        req.Amount,
		Price:         req.Price,
		Remaining:     req.Amount,
		Status:        types.OrderStatusCreated,
		StopLosses:    req.StopLosses,
		TakeProfits:   req.TakeProfits,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if opts.Sync {
		if err := s.reserve(&order, req); err != nil {
			return types.Order{}, operational("create order", err)
		}
	}

	s.orders.Save(order)

	if opts.Execute && s.executor != nil {
		external, err := s.executor.ExecuteOrder(ctx, portfolio, order)
		if err != nil {
			// Dispatch failed before the exchange accepted the order:
			// compensate the reservation and mark the order rejected.
			s.logger.Warn("Order dispatch failed",
				zap.String("orderId", order.ID),
				zap.Error(err),
			)
			rejected := types.OrderStatusRejected
			if _, uerr := s.Update(ctx, order.ID, OrderUpdateData{Status: &rejected, Timestamp: now}); uerr != nil {
				return types.Order{}, uerr
			}
			return s.orders.Get(order.ID)
		}

		update := OrderUpdateData{Timestamp: now}
		if external.ExternalID != "" {
			update.ExternalID = &external.ExternalID
		}
		if external.Status != "" {
			update.Status = &external.Status
		}
		if !external.Filled.IsZero() {
			filled := external.Filled
			update.Filled = &filled
		}
		if _, err := s.Update(ctx, order.ID, update); err != nil {
			return types.Order{}, err
		}
		order, err = s.orders.Get(order.ID)
		if err != nil {
			return types.Order{}, err
		}
	} else if _, err := s.snapshot.CreateSnapshot(ctx, portfolio.ID, now); err != nil {
		return types.Order{}, err
	}

	s.logger.Info("Order created",
		zap.String("orderId", order.ID),
		zap.String("portfolioId", portfolio.ID),
		zap.String("symbol", order.Symbol()),
		zap.String("side", string(order.Side)),
		zap.String("type", string(order.Type)),
		zap.String("amount", order.Amount.String()),
		zap.String("price", order.Price.String()),
	)
	if s.observer != nil {
		s.observer.OrderCreated(order)
	}

	return order, nil
}

// Update applies an execution report to the order and synchronizes the
// ledger from the delta of filled. Safe to call repeatedly with the same
// report: a non-increasing filled amount changes nothing, and a terminal
// order is never compensated twice.
func (s *OrderService) Update(ctx context.Context, orderID string, data OrderUpdateData) (types.Order, error) {
	order, err := s.orders.Get(orderID)
	if err != nil {
		return types.Order{}, err
	}
	if order.Status.IsTerminal() {
		return order, nil
	}

	at := data.Timestamp
	if at.IsZero() {
		at = s.clock.Now()
	}

	if data.ExternalID != nil {
		order.ExternalID = *data.ExternalID
	}

	if data.Filled != nil {
		delta := data.Filled.Sub(order.Filled)
		if delta.IsPositive() {
			if data.Filled.GreaterThan(order.Amount) {
				return types.Order{}, operational("update order", ErrInvalidAmount)
			}
			if err := s.applyFillDelta(&order, delta, at); err != nil {
				return types.Order{}, err
			}
			order.Filled = *data.Filled
			order.Remaining = order.Amount.Sub(order.Filled)
		}
	}

	if data.Status != nil && *data.Status != order.Status {
		if data.Status.IsFailure() {
			if err := s.compensate(&order, at); err != nil {
				return types.Order{}, err
			}
		}
		order.Status = *data.Status
	}

	order.UpdatedAt = at
	if err := s.orders.Update(order); err != nil {
		return types.Order{}, err
	}

	if _, err := s.snapshot.CreateSnapshot(ctx, order.PortfolioID, at); err != nil {
		return types.Order{}, err
	}

	if s.observer != nil {
		s.observer.OrderUpdated(order)
	}
	return order, nil
}

// CancelOrder requests cancellation through the executor and feeds the
// result back through Update.
func (s *OrderService) CancelOrder(ctx context.Context, orderID string) (types.Order, error) {
	order, err := s.orders.Get(orderID)
	if err != nil {
		return types.Order{}, err
	}
	if order.Status.IsTerminal() {
		return order, nil
	}

	canceled := types.OrderStatusCanceled
	update := OrderUpdateData{Status: &canceled}

	if s.executor != nil {
		portfolio, err := s.portfolio.Get(order.PortfolioID)
		if err != nil {
			return types.Order{}, err
		}
		external, err := s.executor.CancelOrder(ctx, portfolio, order)
		if err != nil {
			return types.Order{}, operational("cancel order", err)
		}
		if external.Status != "" {
			update.Status = &external.Status
		}
		if !external.Filled.IsZero() {
			filled := external.Filled
			update.Filled = &filled
		}
	}

	return s.Update(ctx, orderID, update)
}

// CheckPendingOrders polls the execution collaborator for every open
// order of the portfolio and feeds results back through Update. Network
// retries are safe because Update is idempotent under re-delivery.
func (s *OrderService) CheckPendingOrders(ctx context.Context, portfolioID string) error {
	if s.executor == nil {
		return nil
	}
	portfolio, err := s.portfolio.Get(portfolioID)
	if err != nil {
		return err
	}

	for _, order := range s.orders.ListOpen(portfolioID) {
		external, err := s.executor.GetOrder(ctx, portfolio, order)
		if err != nil {
			s.logger.Warn("Pending order poll failed",
				zap.String("orderId", order.ID),
				zap.Error(err),
			)
			continue
		}
		update := OrderUpdateData{}
		if external.Status != "" && external.Status != order.Status {
			status := external.Status
			update.Status = &status
		}
		if external.Filled.GreaterThan(order.Filled) {
			filled := external.Filled
			update.Filled = &filled
		}
		if update.Status == nil && update.Filled == nil {
			continue
		}
		if _, err := s.Update(ctx, order.ID, update); err != nil {
			return err
		}
	}
	return nil
}

// validate enforces side and type specific constraints against the
// owning portfolio before anything is mutated.
func (s *OrderService) validate(portfolio types.Portfolio, req CreateOrderRequest) error {
	if !req.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	if !req.Price.IsPositive() {
		return ErrInvalidPrice
	}
	if req.TradingSymbol != "" && req.TradingSymbol != portfolio.TradingSymbol {
		return ErrSymbolMismatch
	}

	switch req.Side {
	case types.OrderSideBuy:
		cost := req.Amount.Mul(req.Price)
		if portfolio.Unallocated.LessThan(cost) {
			return ErrInsufficientFunds
		}
	case types.OrderSideSell:
		position, err := s.position.Find(portfolio.ID, req.TargetSymbol)
		if err != nil {
			return ErrPositionNotFound
		}
		if position.Amount.LessThan(req.Amount) {
			return ErrInsufficientPosition
		}
	}
	return nil
}

// reserve applies the creation-time side of the ledger sync: a buy debits
// unallocated funds for its full cost, a sell reserves position amount
// and trade availability so concurrent orders cannot promise the same
// volume twice.
func (s *OrderService) reserve(order *types.Order, req CreateOrderRequest) error {
	switch order.Side {
	case types.OrderSideBuy:
		if err := s.portfolio.Debit(order.PortfolioID, order.Amount.Mul(order.Price)); err != nil {
			return err
		}
		position, err := s.position.GetOrCreate(order.PortfolioID, order.TargetSymbol)
		if err != nil {
			return err
		}
		order.PositionID = position.ID

	case types.OrderSideSell:
		position, err := s.position.Find(order.PortfolioID, order.TargetSymbol)
		if err != nil {
			return err
		}
		if err := s.position.Reserve(position.ID, order.Amount); err != nil {
			return err
		}
		order.PositionID = position.ID

		if err := s.reserveSellVolume(order, req); err != nil {
			// A half-reserved sell must not leak volume: give the
			// position reservation back before surfacing the error.
			if rerr := s.position.Release(position.ID, order.Amount); rerr != nil {
				s.logger.Error("Failed to release position after reservation failure",
					zap.String("positionId", position.ID),
					zap.Error(rerr),
				)
			}
			return err
		}
	}
	order.Reserved = true
	return nil
}

// reserveSellVolume reserves trade availability and guard amounts for a
// sell order. On failure every reservation it made so far is undone, so
// the caller only has the position reservation left to release.
func (s *OrderService) reserveSellVolume(order *types.Order, req CreateOrderRequest) error {
	var allocations []types.TradeAllocation
	if len(req.Trades) > 0 {
		// Explicit targets: reserve exactly what the caller named.
		for _, alloc := range req.Trades {
			reserved, err := s.trade.AllocateSellFromTrade(alloc.TradeID, alloc.Amount)
			if err != nil {
				s.trade.restore(allocations)
				return err
			}
			allocations = append(allocations, reserved...)
		}
	} else {
		var err error
		allocations, err = s.trade.AllocateSell(order.PortfolioID, order.TargetSymbol, order.Amount)
		if err != nil {
			return err
		}
	}
	order.Trades = allocations

	guards := append(append([]types.GuardAllocation{}, order.StopLosses...), order.TakeProfits...)
	for i, g := range guards {
		if err := s.trade.RecordGuardSale(g.GuardID, g.Amount); err != nil {
			for _, done := range guards[:i] {
				if rerr := s.trade.RestoreGuardSale(done.GuardID, done.Amount); rerr != nil {
					s.logger.Error("Failed to restore guard after reservation failure",
						zap.String("guardId", done.GuardID),
						zap.Error(rerr),
					)
				}
			}
			s.trade.restore(allocations)
			order.Trades = nil
			return err
		}
	}
	return nil
}

// applyFillDelta books a positive fill delta into positions, portfolio
// totals and trades.
func (s *OrderService) applyFillDelta(order *types.Order, delta decimal.Decimal, at time.Time) error {
	value := delta.Mul(order.Price)

	switch order.Side {
	case types.OrderSideBuy:
		if err := s.position.ApplyBuyFill(order.PositionID, delta, value); err != nil {
			return err
		}
		if err := s.portfolio.RecordBuyFill(order.PortfolioID, value); err != nil {
			return err
		}
		if order.TradeID == "" {
			trade := s.trade.CreateTradeFromBuyOrder(*order, delta)
			order.TradeID = trade.ID
		} else if err := s.trade.GrowTrade(order.TradeID, delta); err != nil {
			return err
		}

	case types.OrderSideSell:
		_, openCost, netGain, err := s.trade.CloseTrades(order, delta, order.Price, at)
		if err != nil {
			return err
		}
		if err := s.position.ReduceCost(order.PositionID, openCost); err != nil {
			return err
		}
		if err := s.portfolio.Credit(order.PortfolioID, value); err != nil {
			return err
		}
		if err := s.portfolio.RecordSellFill(order.PortfolioID, value, netGain); err != nil {
			return err
		}
	}

	s.logger.Debug("Fill applied",
		zap.String("orderId", order.ID),
		zap.String("side", string(order.Side)),
		zap.String("delta", delta.String()),
		zap.String("value", value.String()),
	)
	return nil
}

// compensate undoes the reservation for the unfilled remainder of an
// order entering CANCELED, EXPIRED or REJECTED. The inverse of reserve,
// restricted to amount − filled.
func (s *OrderService) compensate(order *types.Order, at time.Time) error {
	if !order.Reserved {
		// Nothing was reserved at creation (sync disabled), so there is
		// nothing to credit back.
		return nil
	}
	remaining := order.Amount.Sub(order.Filled)
	if !remaining.IsPositive() {
		return nil
	}

	switch order.Side {
	case types.OrderSideBuy:
		if err := s.portfolio.Credit(order.PortfolioID, remaining.Mul(order.Price)); err != nil {
			return err
		}

	case types.OrderSideSell:
		if err := s.position.Release(order.PositionID, remaining); err != nil {
			return err
		}
		if err := s.trade.RestoreAllocations(order); err != nil {
			return err
		}
		// Restore guard amounts for the unsold remainder, walking the
		// allocation metadata the same way fills consumed it.
		unconsumed := remaining
		for _, g := range append(append([]types.GuardAllocation{}, order.StopLosses...), order.TakeProfits...) {
			if !unconsumed.IsPositive() {
				break
			}
			restore := decimal.Min(unconsumed, g.Amount)
			if err := s.trade.RestoreGuardSale(g.GuardID, restore); err != nil {
				return err
			}
			unconsumed = unconsumed.Sub(restore)
		}
	}

	s.logger.Info("Order compensated",
		zap.String("orderId", order.ID),
		zap.String("side", string(order.Side)),
		zap.String("remaining", remaining.String()),
		zap.Time("at", at),
	)
	return nil
}

// newOrderID draws ids until one is free. Collisions are vanishingly
// rare with uuids and impossible with the backtest sequence.
func (s *OrderService) newOrderID() string {
	for {
		id := s.ids.NewID()
		if !s.orders.Exists(id) {
			return id
		}
	}
}
