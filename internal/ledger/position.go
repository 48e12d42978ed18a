package ledger

import (
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantkit/tradeledger/pkg/types"
)

// PositionService does per-symbol amount and cost bookkeeping. Like the
// portfolio service, every mutation maps to one order transition and is
// reversible: the inverse of "apply fill X" is "apply cancel of X".
type PositionService struct {
	logger    *zap.Logger
	positions *PositionRepository
	ids       IDGenerator
}

// NewPositionService creates a position service.
func NewPositionService(logger *zap.Logger, positions *PositionRepository, ids IDGenerator) *PositionService {
	return &PositionService{
		logger:    logger.Named("position"),
		positions: positions,
		ids:       ids,
	}
}

// GetOrCreate returns the position for symbol within a portfolio,
// creating an empty one when absent.
func (s *PositionService) GetOrCreate(portfolioID, symbol string) (types.Position, error) {
	if p, err := s.positions.Find(portfolioID, symbol); err == nil {
		return p, nil
	}
	p := types.Position{
		ID:          s.ids.NewID(),
		PortfolioID: portfolioID,
		Symbol:      symbol,
	}
	s.positions.Save(p)
	return p, nil
}

// Find returns the position for symbol within a portfolio.
func (s *PositionService) Find(portfolioID, symbol string) (types.Position, error) {
	return s.positions.Find(portfolioID, symbol)
}

// Get returns a position by id.
func (s *PositionService) Get(id string) (types.Position, error) {
	return s.positions.Get(id)
}

// List returns every position of a portfolio.
func (s *PositionService) List(portfolioID string) []types.Position {
	return s.positions.ListByPortfolio(portfolioID)
}

// ApplyBuyFill increases amount by the fill delta and cost by its value.
func (s *PositionService) ApplyBuyFill(positionID string, amount, value decimal.Decimal) error {
	p, err := s.positions.Get(positionID)
	if err != nil {
		return err
	}
	p.Amount = p.Amount.Add(amount)
	p.Cost = p.Cost.Add(value)
	return s.positions.Update(p)
}

// Reserve removes amount from the position when a sell order is created.
// The amount is either consumed by fills or restored by Release.
func (s *PositionService) Reserve(positionID string, amount decimal.Decimal) error {
	p, err := s.positions.Get(positionID)
	if err != nil {
		return err
	}
	if p.Amount.LessThan(amount) {
		return ErrInsufficientPosition
	}
	p.Amount = p.Amount.Sub(amount)
	return s.positions.Update(p)
}

// Release returns a reserved amount to the position after a sell order
// terminates without filling it. The inverse of Reserve.
func (s *PositionService) Release(positionID string, amount decimal.Decimal) error {
	p, err := s.positions.Get(positionID)
	if err != nil {
		return err
	}
	p.Amount = p.Amount.Add(amount)
	return s.positions.Update(p)
}

// ReduceCost removes the open cost of sold volume once the matching
// trades have been closed.
func (s *PositionService) ReduceCost(positionID string, cost decimal.Decimal) error {
	p, err := s.positions.Get(positionID)
	if err != nil {
		return err
	}
	p.Cost = p.Cost.Sub(cost)
	return s.positions.Update(p)
}
