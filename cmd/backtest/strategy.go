package main

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantkit/tradeledger/internal/backtest"
	"github.com/quantkit/tradeledger/pkg/types"
)

// eventCrossover is a moving-average crossover run through the
// event-stepped engine. It enters when the fast average crosses above
// the slow one and exits on the opposite cross, with a stop loss under
// every entry.
type eventCrossover struct {
	symbol string
	source types.DataSource
	fast   int
	slow   int
}

func (s *eventCrossover) ID() string { return "sma-cross-" + s.symbol }

func (s *eventCrossover) Profile() backtest.Profile {
	return backtest.Profile{
		TimeUnit:    s.source.TimeFrame,
		Interval:    s.source.Interval,
		DataSources: []types.DataSource{s.source},
	}
}

func (s *eventCrossover) Run(ctx context.Context, session *backtest.Session) error {
	bars := session.Candles(s.symbol, s.slow+1)
	if len(bars) < s.slow+1 {
		return nil
	}

	fastNow := sma(bars[len(bars)-s.fast:])
	slowNow := sma(bars[len(bars)-s.slow:])
	fastPrev := sma(bars[len(bars)-s.fast-1 : len(bars)-1])
	slowPrev := sma(bars[len(bars)-s.slow-1 : len(bars)-1])

	price, ok := session.LastPrice(s.symbol)
	if !ok || !price.IsPositive() {
		return nil
	}
	open := session.OpenTrades(s.symbol)

	crossedUp := fastPrev.LessThanOrEqual(slowPrev) && fastNow.GreaterThan(slowNow)
	crossedDown := fastPrev.GreaterThanOrEqual(slowPrev) && fastNow.LessThan(slowNow)

	if crossedUp && len(open) == 0 {
		portfolio, err := session.Portfolio()
		if err != nil {
			return err
		}
		// Commit at most a quarter of free cash per entry.
		capital := portfolio.Unallocated.Div(decimal.NewFromInt(4))
		if !capital.IsPositive() {
			return nil
		}
		order, err := session.MarketBuy(ctx, s.symbol, capital.Div(price), price)
		if err != nil {
			return err
		}
		if order.TradeID != "" {
			stop := price.Mul(decimal.NewFromFloat(0.95))
			if _, err := session.PlaceStopLoss(order.TradeID, stop, order.Filled); err != nil {
				return err
			}
		}
		return nil
	}

	if crossedDown && len(open) > 0 {
		amount := decimal.Zero
		for _, trade := range open {
			amount = amount.Add(trade.AvailableAmount)
		}
		if !amount.IsPositive() {
			return nil
		}
		_, err := session.MarketSell(ctx, s.symbol, amount, price)
		return err
	}
	return nil
}

// vectorCrossover is the same crossover expressed as precomputed signal
// series for the vectorized engine.
type vectorCrossover struct {
	symbol string
	source types.DataSource
	fast   int
	slow   int
}

func (s *vectorCrossover) ID() string { return "sma-cross-" + s.symbol }

func (s *vectorCrossover) DataSources() []types.DataSource {
	return []types.DataSource{s.source}
}

func (s *vectorCrossover) Signals(timeline []time.Time, data map[string][]types.OHLCV) (map[string]backtest.SignalSeries, error) {
	bars := data[s.source.Key()]
	series := backtest.SignalSeries{
		Buy:  make([]bool, len(timeline)),
		Sell: make([]bool, len(timeline)),
	}

	// Align bar indexes to the timeline. The timeline is built from this
	// source, so positions match one to one.
	for i := range timeline {
		if i >= len(bars) || i < s.slow {
			continue
		}
		fastNow := sma(bars[i+1-s.fast : i+1])
		slowNow := sma(bars[i+1-s.slow : i+1])
		fastPrev := sma(bars[i-s.fast : i])
		slowPrev := sma(bars[i-s.slow : i])

		if fastPrev.LessThanOrEqual(slowPrev) && fastNow.GreaterThan(slowNow) {
			series.Buy[i] = true
		}
		if fastPrev.GreaterThanOrEqual(slowPrev) && fastNow.LessThan(slowNow) {
			series.Sell[i] = true
		}
	}

	return map[string]backtest.SignalSeries{s.symbol: series}, nil
}

func sma(bars []types.OHLCV) decimal.Decimal {
	if len(bars) == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, bar := range bars {
		sum = sum.Add(bar.Close)
	}
	return sum.Div(decimal.NewFromInt(int64(len(bars))))
}
