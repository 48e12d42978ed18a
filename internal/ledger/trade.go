package ledger

import (
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantkit/tradeledger/pkg/types"
)

// TradeService matches buy volume against sell volume. Opening is tied to
// a buy order's fills; closing allocates sell volume against open trades
// oldest first. Closing never happens as a side effect of a status write:
// OrderService calls CloseTrades deliberately.
type TradeService struct {
	logger *zap.Logger
	trades *TradeRepository
	guards *GuardRepository
	ids    IDGenerator
	clock  Clock
}

// NewTradeService creates a trade service.
func NewTradeService(logger *zap.Logger, trades *TradeRepository, guards *GuardRepository, ids IDGenerator, clock Clock) *TradeService {
	return &TradeService{
		logger: logger.Named("trade"),
		trades: trades,
		guards: guards,
		ids:    ids,
		clock:  clock,
	}
}

// CreateTradeFromBuyOrder opens a trade sized to the buy order's first
// fill. Further fills of the same order grow it through GrowTrade.
func (s *TradeService) CreateTradeFromBuyOrder(order types.Order, filled decimal.Decimal) types.Trade {
	t := types.Trade{
		ID:              s.ids.NewID(),
		PortfolioID:     order.PortfolioID,
		BuyOrderID:      order.ID,
		TargetSymbol:    order.TargetSymbol,
		TradingSymbol:   order.TradingSymbol,
		Amount:          filled,
		AvailableAmount: filled,
		OpenPrice:       order.Price,
		Status:          types.TradeStatusOpen,
		OpenedAt:        order.CreatedAt,
	}
	s.trades.Save(t)

	s.logger.Debug("Opened trade",
		zap.String("tradeId", t.ID),
		zap.String("buyOrderId", order.ID),
		zap.String("amount", filled.String()),
		zap.String("openPrice", order.Price.String()),
	)
	return t
}

// GrowTrade enlarges a trade when its buy order fills further.
func (s *TradeService) GrowTrade(tradeID string, delta decimal.Decimal) error {
	t, err := s.trades.Get(tradeID)
	if err != nil {
		return err
	}
	t.Amount = t.Amount.Add(delta)
	t.AvailableAmount = t.AvailableAmount.Add(delta)
	return s.trades.Update(t)
}

// Get returns a trade by id.
func (s *TradeService) Get(id string) (types.Trade, error) {
	return s.trades.Get(id)
}

// ListOpen returns the open trades for a symbol, oldest first.
func (s *TradeService) ListOpen(portfolioID, targetSymbol string) []types.Trade {
	return s.trades.ListOpen(portfolioID, targetSymbol)
}

// AllocateSell reserves sell volume against open trades for the symbol in
// strict creation-time order. Each trade's available amount is reduced
// immediately; the returned allocations are attached to the sell order so
// a later failure can restore exact prior amounts without re-derivation.
func (s *TradeService) AllocateSell(portfolioID, targetSymbol string, amount decimal.Decimal) ([]types.TradeAllocation, error) {
	open := s.trades.ListOpen(portfolioID, targetSymbol)

	var allocations []types.TradeAllocation
	remaining := amount
	for _, t := range open {
		if remaining.IsZero() {
			break
		}
		if t.AvailableAmount.IsZero() {
			continue
		}
		take := decimal.Min(remaining, t.AvailableAmount)
		t.AvailableAmount = t.AvailableAmount.Sub(take)
		if err := s.trades.Update(t); err != nil {
			return nil, err
		}
		allocations = append(allocations, types.TradeAllocation{TradeID: t.ID, Amount: take})
		remaining = remaining.Sub(take)
	}
	if remaining.IsPositive() {
		// Roll back partial reservations before reporting failure.
		s.restore(allocations)
		return nil, ErrInsufficientPosition
	}
	return allocations, nil
}

// AllocateSellFromTrade reserves sell volume against one explicit trade,
// used by stop-loss and take-profit triggers that know exactly which
// trade they are closing.
func (s *TradeService) AllocateSellFromTrade(tradeID string, amount decimal.Decimal) ([]types.TradeAllocation, error) {
	t, err := s.trades.Get(tradeID)
	if err != nil {
		return nil, err
	}
	if t.AvailableAmount.LessThan(amount) {
		return nil, ErrInsufficientPosition
	}
	t.AvailableAmount = t.AvailableAmount.Sub(amount)
	if err := s.trades.Update(t); err != nil {
		return nil, err
	}
	return []types.TradeAllocation{{TradeID: t.ID, Amount: amount}}, nil
}

// CloseTrades consumes a sell fill delta against the order's allocation
// metadata, in allocation (oldest-first) order. Each consumed chunk is
// recorded as a closed slice with net gain (close − open) × amount and
// appended to the trade's close history. It returns the slices, the
// open cost released, and the realized gain.
func (s *TradeService) CloseTrades(order *types.Order, delta decimal.Decimal, price decimal.Decimal, closedAt time.Time) ([]types.TradeSlice, decimal.Decimal, decimal.Decimal, error) {
	var (
		slices   []types.TradeSlice
		openCost = decimal.Zero
		netGain  = decimal.Zero
	)
	remaining := delta

	for i := range order.Trades {
		if remaining.IsZero() {
			break
		}
		alloc := &order.Trades[i]
		unconsumed := alloc.Amount.Sub(alloc.Consumed)
		if unconsumed.IsZero() {
			continue
		}
		take := decimal.Min(remaining, unconsumed)

		t, err := s.trades.Get(alloc.TradeID)
		if err != nil {
			return nil, decimal.Zero, decimal.Zero, err
		}

		gain := price.Sub(t.OpenPrice).Mul(take)
		slice := types.TradeSlice{
			TradeID:     t.ID,
			SellOrderID: order.ID,
			Amount:      take,
			OpenPrice:   t.OpenPrice,
			ClosePrice:  price,
			NetGain:     gain,
			ClosedAt:    closedAt,
		}

		t.FilledAmount = t.FilledAmount.Add(take)
		t.NetGain = t.NetGain.Add(gain)
		t.Slices = append(t.Slices, slice)
		if t.FilledAmount.Equal(t.Amount) && t.AvailableAmount.IsZero() {
			t.Status = types.TradeStatusClosed
			closed := closedAt
			t.ClosedAt = &closed
		}
		if err := s.trades.Update(t); err != nil {
			return nil, decimal.Zero, decimal.Zero, err
		}

		slices = append(slices, slice)
		openCost = openCost.Add(t.OpenPrice.Mul(take))
		netGain = netGain.Add(gain)

		alloc.Consumed = alloc.Consumed.Add(take)
		remaining = remaining.Sub(take)
	}

	return slices, openCost, netGain, nil
}

// RestoreAllocations returns the unconsumed part of a failed sell order's
// reservations to the trades they were taken from.
func (s *TradeService) RestoreAllocations(order *types.Order) error {
	for i := range order.Trades {
		alloc := &order.Trades[i]
		unconsumed := alloc.Amount.Sub(alloc.Consumed)
		if unconsumed.IsZero() {
			continue
		}
		t, err := s.trades.Get(alloc.TradeID)
		if err != nil {
			return err
		}
		t.AvailableAmount = t.AvailableAmount.Add(unconsumed)
		if err := s.trades.Update(t); err != nil {
			return err
		}
		alloc.Amount = alloc.Consumed
	}
	return nil
}

func (s *TradeService) restore(allocations []types.TradeAllocation) {
	for _, alloc := range allocations {
		t, err := s.trades.Get(alloc.TradeID)
		if err != nil {
			continue
		}
		t.AvailableAmount = t.AvailableAmount.Add(alloc.Amount)
		_ = s.trades.Update(t)
	}
}

// CreateGuard attaches a stop-loss or take-profit trigger to a trade.
func (s *TradeService) CreateGuard(tradeID string, kind types.GuardKind, triggerPrice, sellAmount decimal.Decimal) (types.TradeGuard, error) {
	t, err := s.trades.Get(tradeID)
	if err != nil {
		return types.TradeGuard{}, err
	}
	g := types.TradeGuard{
		ID:           s.ids.NewID(),
		TradeID:      t.ID,
		PortfolioID:  t.PortfolioID,
		Kind:         kind,
		TriggerPrice: triggerPrice,
		SellAmount:   sellAmount,
		Active:       true,
		CreatedAt:    s.clock.Now(),
	}
	s.guards.Save(g)
	return g, nil
}

// ListActiveGuards returns a portfolio's active guards.
func (s *TradeService) ListActiveGuards(portfolioID string) []types.TradeGuard {
	return s.guards.ListActive(portfolioID)
}

// GetGuard returns a guard by id.
func (s *TradeService) GetGuard(id string) (types.TradeGuard, error) {
	return s.guards.Get(id)
}

// RecordGuardSale books sold volume on a guard, deactivating it once its
// sell amount is exhausted.
func (s *TradeService) RecordGuardSale(guardID string, amount decimal.Decimal) error {
	g, err := s.guards.Get(guardID)
	if err != nil {
		return err
	}
	g.SoldAmount = g.SoldAmount.Add(amount)
	if g.SoldAmount.GreaterThanOrEqual(g.SellAmount) {
		g.Active = false
	}
	return s.guards.Update(g)
}

// RestoreGuardSale reverses RecordGuardSale after a guard-driven sell
// order fails. The guard's prior amounts come from the order metadata,
// never re-derived from current state.
func (s *TradeService) RestoreGuardSale(guardID string, amount decimal.Decimal) error {
	g, err := s.guards.Get(guardID)
	if err != nil {
		return err
	}
	g.SoldAmount = g.SoldAmount.Sub(amount)
	if g.SoldAmount.LessThan(g.SellAmount) {
		g.Active = true
	}
	return s.guards.Update(g)
}
