// Package backtest drives trading strategies against historical market
// data, producing the same ledger state a live run would produce.
package backtest

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantkit/tradeledger/internal/ledger"
	"github.com/quantkit/tradeledger/pkg/types"
)

// Profile declares how often a strategy wants to be woken up and which
// market data series it consumes.
type Profile struct {
	TimeUnit    types.TimeUnit
	Interval    int
	DataSources []types.DataSource
}

// Strategy is an event-stepped trading strategy. Run is invoked once per
// scheduled timestamp with a session scoped to the strategy's portfolio.
type Strategy interface {
	ID() string
	Profile() Profile
	Run(ctx context.Context, session *Session) error
}

// Task is auxiliary periodic work scheduled alongside strategies, such as
// rebalancing or bookkeeping. Tasks share the strategy's session.
type Task interface {
	ID() string
	Profile() Profile
	Run(ctx context.Context, session *Session) error
}

// SignalSeries holds per-bar entry and exit intents produced by a
// vectorized strategy. Both slices are aligned to the timeline the engine
// hands to Signals.
type SignalSeries struct {
	Buy  []bool
	Sell []bool
}

// VectorStrategy computes all of its signals up front over the full data
// window instead of being stepped bar by bar.
type VectorStrategy interface {
	ID() string
	DataSources() []types.DataSource
	// Signals receives candle data keyed by DataSource.Key() and returns
	// one series per traded symbol, aligned to the timeline.
	Signals(timeline []time.Time, data map[string][]types.OHLCV) (map[string]SignalSeries, error)
}

// Session is the surface a strategy sees during a run. All reads and
// order placements go through the same ledger services the live system
// uses; the only difference is the clock and the executor behind them.
type Session struct {
	orders     *ledger.OrderService
	portfolios *ledger.PortfolioService
	positions  *ledger.PositionService
	trades     *ledger.TradeService
	clock      ledger.Clock
	prices     *seriesIndex

	portfolioID string
}

// Now returns the current simulation time.
func (s *Session) Now() time.Time {
	return s.clock.Now()
}

// Portfolio returns the current state of the strategy's portfolio.
func (s *Session) Portfolio() (types.Portfolio, error) {
	return s.portfolios.Get(s.portfolioID)
}

// Position returns the strategy's position in symbol. Flat symbols report
// a zero position rather than an error.
func (s *Session) Position(symbol string) (types.Position, error) {
	pos, err := s.positions.Find(s.portfolioID, symbol)
	if errors.Is(err, ledger.ErrPositionNotFound) {
		return types.Position{PortfolioID: s.portfolioID, Symbol: symbol}, nil
	}
	return pos, err
}

// LastPrice returns the most recent close for symbol at or before the
// current simulation time.
func (s *Session) LastPrice(symbol string) (decimal.Decimal, bool) {
	return s.prices.lastClose(symbol, s.clock.Now())
}

// Candles returns up to lookback bars of symbol ending at the current
// simulation time. Future bars are never visible.
func (s *Session) Candles(symbol string, lookback int) []types.OHLCV {
	bars := s.prices.upTo(symbol, s.clock.Now())
	if len(bars) > lookback {
		bars = bars[len(bars)-lookback:]
	}
	out := make([]types.OHLCV, len(bars))
	copy(out, bars)
	return out
}

// OpenTrades returns the strategy's open trades for symbol, oldest first.
func (s *Session) OpenTrades(symbol string) []types.Trade {
	return s.trades.ListOpen(s.portfolioID, symbol)
}

// Buy places a limit buy order. Funds for the full cost are reserved
// immediately.
func (s *Session) Buy(ctx context.Context, symbol string, amount, price decimal.Decimal) (types.Order, error) {
	return s.orders.Create(ctx, ledger.CreateOrderRequest{
		PortfolioID:  s.portfolioID,
		TargetSymbol: symbol,
		Side:         types.OrderSideBuy,
		Type:         types.OrderTypeLimit,
		Amount:       amount,
		Price:        price,
	}, ledger.DefaultCreateOptions())
}

// Sell places a limit sell order against the oldest open trades.
func (s *Session) Sell(ctx context.Context, symbol string, amount, price decimal.Decimal) (types.Order, error) {
	return s.orders.Create(ctx, ledger.CreateOrderRequest{
		PortfolioID:  s.portfolioID,
		TargetSymbol: symbol,
		Side:         types.OrderSideSell,
		Type:         types.OrderTypeLimit,
		Amount:       amount,
		Price:        price,
	}, ledger.DefaultCreateOptions())
}

// MarketBuy places a buy that fills immediately at price.
func (s *Session) MarketBuy(ctx context.Context, symbol string, amount, price decimal.Decimal) (types.Order, error) {
	return s.orders.Create(ctx, ledger.CreateOrderRequest{
		PortfolioID:  s.portfolioID,
		TargetSymbol: symbol,
		Side:         types.OrderSideBuy,
		Type:         types.OrderTypeMarket,
		Amount:       amount,
		Price:        price,
	}, ledger.DefaultCreateOptions())
}

// MarketSell places a sell that fills immediately at price.
func (s *Session) MarketSell(ctx context.Context, symbol string, amount, price decimal.Decimal) (types.Order, error) {
	return s.orders.Create(ctx, ledger.CreateOrderRequest{
		PortfolioID:  s.portfolioID,
		TargetSymbol: symbol,
		Side:         types.OrderSideSell,
		Type:         types.OrderTypeMarket,
		Amount:       amount,
		Price:        price,
	}, ledger.DefaultCreateOptions())
}

// SellTrade sells from one specific trade and optionally attaches
// protective guards to the remainder.
func (s *Session) SellTrade(ctx context.Context, symbol, tradeID string, amount, price decimal.Decimal) (types.Order, error) {
	return s.orders.Create(ctx, ledger.CreateOrderRequest{
		PortfolioID:  s.portfolioID,
		TargetSymbol: symbol,
		Side:         types.OrderSideSell,
		Type:         types.OrderTypeLimit,
		Amount:       amount,
		Price:        price,
		Trades:       []types.TradeAllocation{{TradeID: tradeID, Amount: amount}},
	}, ledger.DefaultCreateOptions())
}

// PlaceStopLoss registers a stop loss guard on an open trade. The guard
// converts into a market sell when price trades at or below trigger.
func (s *Session) PlaceStopLoss(tradeID string, trigger, amount decimal.Decimal) (types.TradeGuard, error) {
	return s.trades.CreateGuard(tradeID, types.GuardKindStopLoss, trigger, amount)
}

// PlaceTakeProfit registers a take profit guard on an open trade.
func (s *Session) PlaceTakeProfit(tradeID string, trigger, amount decimal.Decimal) (types.TradeGuard, error) {
	return s.trades.CreateGuard(tradeID, types.GuardKindTakeProfit, trigger, amount)
}

// CancelOrder cancels a resting order, releasing its reservations.
func (s *Session) CancelOrder(ctx context.Context, orderID string) (types.Order, error) {
	return s.orders.CancelOrder(ctx, orderID)
}
