package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantkit/tradeledger/pkg/types"
)

// TickerSource supplies the market price of a symbol at a given moment.
// Implemented by the external market-data collaborator; backtests route it
// through pre-materialized historical data.
type TickerSource interface {
	GetTickerData(ctx context.Context, symbol, market string, at time.Time) (types.Ticker, error)
}

// PortfolioSnapshotService produces immutable point-in-time valuations.
// The same code path values live portfolios and backtest portfolios,
// which is what makes their equity curves comparable.
type PortfolioSnapshotService struct {
	logger     *zap.Logger
	portfolios *PortfolioRepository
	positions  *PositionRepository
	orders     *OrderRepository
	snapshots  *SnapshotRepository
	tickers    TickerSource
	ids        IDGenerator
}

// NewPortfolioSnapshotService creates a snapshot service.
func NewPortfolioSnapshotService(
	logger *zap.Logger,
	portfolios *PortfolioRepository,
	positions *PositionRepository,
	orders *OrderRepository,
	snapshots *SnapshotRepository,
	tickers TickerSource,
	ids IDGenerator,
) *PortfolioSnapshotService {
	return &PortfolioSnapshotService{
		logger:     logger.Named("snapshot"),
		portfolios: portfolios,
		positions:  positions,
		orders:     orders,
		snapshots:  snapshots,
		tickers:    tickers,
		ids:        ids,
	}
}

// CreateSnapshot values the portfolio at createdAt. Pending value sums
// price × outstanding amount over CREATED and OPEN buy orders; every held
// non-cash position is marked to market with a ticker fetched at
// createdAt, never wall-clock now. One portfolio snapshot plus one
// position snapshot per position is persisted per call.
func (s *PortfolioSnapshotService) CreateSnapshot(ctx context.Context, portfolioID string, createdAt time.Time) (types.PortfolioSnapshot, error) {
	portfolio, err := s.portfolios.Get(portfolioID)
	if err != nil {
		return types.PortfolioSnapshot{}, err
	}

	pending := decimal.Zero
	for _, o := range s.orders.ListOpen(portfolioID) {
		if o.Side != types.OrderSideBuy {
			continue
		}
		outstanding := o.Amount.Sub(o.Filled)
		pending = pending.Add(o.Price.Mul(outstanding))
	}

	total := portfolio.Unallocated.Add(pending)

	var positionSnapshots []types.PositionSnapshot
	for _, p := range s.positions.ListByPortfolio(portfolioID) {
		if p.Symbol == portfolio.TradingSymbol {
			continue
		}
		if p.Amount.IsZero() {
			continue
		}
		ticker, err := s.tickers.GetTickerData(ctx, p.Symbol, portfolio.Market, createdAt)
		if err != nil {
			return types.PortfolioSnapshot{}, fmt.Errorf("mark to market %s: %w", p.Symbol, err)
		}
		marketValue := p.Amount.Mul(ticker.Price)
		total = total.Add(marketValue)

		positionSnapshots = append(positionSnapshots, types.PositionSnapshot{
			PortfolioID: portfolioID,
			Symbol:      p.Symbol,
			Amount:      p.Amount,
			Cost:        p.Cost,
			MarketValue: marketValue,
			CreatedAt:   createdAt,
		})
	}

	snapshot := types.PortfolioSnapshot{
		ID:               s.ids.NewID(),
		PortfolioID:      portfolioID,
		Unallocated:      portfolio.Unallocated,
		PendingValue:     pending,
		TotalValue:       total,
		Realized:         portfolio.Realized,
		TotalCost:        portfolio.TotalCost,
		TotalRevenue:     portfolio.TotalRevenue,
		TotalTradeVolume: portfolio.TotalTradeVolume,
		Positions:        positionSnapshots,
		CreatedAt:        createdAt,
	}
	s.snapshots.Save(snapshot)

	s.logger.Debug("Snapshot created",
		zap.String("portfolioId", portfolioID),
		zap.Time("createdAt", createdAt),
		zap.String("totalValue", total.String()),
	)

	return snapshot, nil
}

// List returns a portfolio's snapshots in creation order.
func (s *PortfolioSnapshotService) List(portfolioID string) []types.PortfolioSnapshot {
	return s.snapshots.ListByPortfolio(portfolioID)
}
