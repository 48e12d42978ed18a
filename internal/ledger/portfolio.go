package ledger

import (
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantkit/tradeledger/pkg/types"
)

// PortfolioService owns portfolio creation and funds bookkeeping. Every
// mutation is expressed relative to exactly one order transition and has
// an inverse, so a failed order can always be compensated.
type PortfolioService struct {
	logger     *zap.Logger
	portfolios *PortfolioRepository
	positions  *PositionRepository
	ids        IDGenerator
	clock      Clock
}

// NewPortfolioService creates a portfolio service.
func NewPortfolioService(
	logger *zap.Logger,
	portfolios *PortfolioRepository,
	positions *PositionRepository,
	ids IDGenerator,
	clock Clock,
) *PortfolioService {
	return &PortfolioService{
		logger:     logger.Named("portfolio"),
		portfolios: portfolios,
		positions:  positions,
		ids:        ids,
		clock:      clock,
	}
}

// CreatePortfolioFromConfiguration creates a portfolio plus its cash
// position from the supplied configuration. Idempotent: an existing
// portfolio with the same identifier is returned unchanged.
func (s *PortfolioService) CreatePortfolioFromConfiguration(cfg types.PortfolioConfiguration) (types.Portfolio, error) {
	if existing, err := s.portfolios.GetByIdentifier(cfg.Identifier); err == nil {
		return existing, nil
	}

	if cfg.Identifier == "" {
		return types.Portfolio{}, &ConfigError{Field: "identifier", Err: ErrPortfolioNotFound}
	}
	if cfg.InitialBalance.IsNegative() {
		return types.Portfolio{}, &ConfigError{Field: "initialBalance", Err: ErrInvalidAmount}
	}

	now := s.clock.Now()
	portfolio := types.Portfolio{
		ID:             s.ids.NewID(),
		Identifier:     cfg.Identifier,
		Market:         cfg.Market,
		TradingSymbol:  cfg.TradingSymbol,
		Unallocated:    cfg.InitialBalance,
		InitialBalance: cfg.InitialBalance,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.portfolios.Save(portfolio)

	// The cash position mirrors Unallocated at all times.
	s.positions.Save(types.Position{
		ID:          s.ids.NewID(),
		PortfolioID: portfolio.ID,
		Symbol:      cfg.TradingSymbol,
		Amount:      cfg.InitialBalance,
		Cost:        cfg.InitialBalance,
	})

	s.logger.Info("Created portfolio",
		zap.String("identifier", cfg.Identifier),
		zap.String("market", cfg.Market),
		zap.String("tradingSymbol", cfg.TradingSymbol),
		zap.String("initialBalance", cfg.InitialBalance.String()),
	)

	return portfolio, nil
}

// Get returns a portfolio by id.
func (s *PortfolioService) Get(id string) (types.Portfolio, error) {
	return s.portfolios.Get(id)
}

// GetByIdentifier returns a portfolio by its configured identifier.
func (s *PortfolioService) GetByIdentifier(identifier string) (types.Portfolio, error) {
	return s.portfolios.GetByIdentifier(identifier)
}

// Debit removes amount from the portfolio's unallocated funds and mirrors
// the change on the cash position. The inverse of Credit.
func (s *PortfolioService) Debit(portfolioID string, amount decimal.Decimal) error {
	p, err := s.portfolios.Get(portfolioID)
	if err != nil {
		return err
	}
	if p.Unallocated.LessThan(amount) {
		return ErrInsufficientFunds
	}
	p.Unallocated = p.Unallocated.Sub(amount)
	p.UpdatedAt = s.clock.Now()
	if err := s.portfolios.Update(p); err != nil {
		return err
	}
	return s.adjustCashPosition(p, amount.Neg())
}

// Credit adds amount to the portfolio's unallocated funds and mirrors the
// change on the cash position. The inverse of Debit.
func (s *PortfolioService) Credit(portfolioID string, amount decimal.Decimal) error {
	p, err := s.portfolios.Get(portfolioID)
	if err != nil {
		return err
	}
	p.Unallocated = p.Unallocated.Add(amount)
	p.UpdatedAt = s.clock.Now()
	if err := s.portfolios.Update(p); err != nil {
		return err
	}
	return s.adjustCashPosition(p, amount)
}

// RecordBuyFill books the cost side of a buy fill.
func (s *PortfolioService) RecordBuyFill(portfolioID string, value decimal.Decimal) error {
	p, err := s.portfolios.Get(portfolioID)
	if err != nil {
		return err
	}
	p.TotalCost = p.TotalCost.Add(value)
	p.TotalTradeVolume = p.TotalTradeVolume.Add(value)
	p.UpdatedAt = s.clock.Now()
	return s.portfolios.Update(p)
}

// RecordSellFill books the revenue side of a sell fill plus the realized
// gain of the trade slices it closed.
func (s *PortfolioService) RecordSellFill(portfolioID string, value, realized decimal.Decimal) error {
	p, err := s.portfolios.Get(portfolioID)
	if err != nil {
		return err
	}
	p.TotalRevenue = p.TotalRevenue.Add(value)
	p.TotalTradeVolume = p.TotalTradeVolume.Add(value)
	p.Realized = p.Realized.Add(realized)
	p.UpdatedAt = s.clock.Now()
	return s.portfolios.Update(p)
}

func (s *PortfolioService) adjustCashPosition(p types.Portfolio, delta decimal.Decimal) error {
	cash, err := s.positions.Find(p.ID, p.TradingSymbol)
	if err != nil {
		return err
	}
	cash.Amount = cash.Amount.Add(delta)
	cash.Cost = cash.Amount
	return s.positions.Update(cash)
}
