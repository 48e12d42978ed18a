package backtest

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantkit/tradeledger/internal/data"
	"github.com/quantkit/tradeledger/pkg/types"
)

// seriesIndex holds every candle series a run needs, materialized before
// the simulation starts. Per symbol it keeps the most granular declared
// series, which is what pending-order and guard evaluation read.
type seriesIndex struct {
	bySymbol map[string][]types.OHLCV
	byKey    map[string][]types.OHLCV
}

func loadSeries(ctx context.Context, provider data.Provider, sources []types.DataSource, start, end time.Time) (*seriesIndex, error) {
	raw, err := provider.GetVectorizedBacktestData(ctx, sources, start, end)
	if err != nil {
		return nil, err
	}

	idx := &seriesIndex{
		bySymbol: make(map[string][]types.OHLCV),
		byKey:    raw,
	}
	granularity := make(map[string]time.Duration)
	for _, src := range sources {
		step := src.TimeFrame.Duration(src.Interval)
		if cur, ok := granularity[src.Symbol]; ok && cur <= step {
			continue
		}
		granularity[src.Symbol] = step
		idx.bySymbol[src.Symbol] = raw[src.Key()]
	}
	return idx, nil
}

// lastClose returns the close of the most recent bar at or before t.
func (idx *seriesIndex) lastClose(symbol string, t time.Time) (decimal.Decimal, bool) {
	bars := idx.bySymbol[symbol]
	i := sort.Search(len(bars), func(i int) bool {
		return bars[i].Timestamp.After(t)
	})
	if i == 0 {
		return decimal.Zero, false
	}
	return bars[i-1].Close, true
}

// upTo returns all bars with timestamp <= t.
func (idx *seriesIndex) upTo(symbol string, t time.Time) []types.OHLCV {
	bars := idx.bySymbol[symbol]
	i := sort.Search(len(bars), func(i int) bool {
		return bars[i].Timestamp.After(t)
	})
	return bars[:i]
}

// barsBetween returns the bars with after < timestamp <= until, the
// window one simulation step covers.
func (idx *seriesIndex) barsBetween(symbol string, after, until time.Time) []types.OHLCV {
	bars := idx.bySymbol[symbol]
	lo := sort.Search(len(bars), func(i int) bool {
		return bars[i].Timestamp.After(after)
	})
	hi := sort.Search(len(bars), func(i int) bool {
		return bars[i].Timestamp.After(until)
	})
	return bars[lo:hi]
}

// GetTickerData lets the index stand in for the live ticker source during
// snapshot valuation, so snapshots price positions from the materialized
// series at the simulated moment.
func (idx *seriesIndex) GetTickerData(_ context.Context, symbol, market string, at time.Time) (types.Ticker, error) {
	price, ok := idx.lastClose(symbol, at)
	if !ok {
		return types.Ticker{}, &NoDataError{Symbol: symbol, At: at}
	}
	return types.Ticker{Symbol: symbol, Market: market, Price: price, Timestamp: at}, nil
}

// NoDataError reports a price lookup before the first available bar.
type NoDataError struct {
	Symbol string
	At     time.Time
}

func (e *NoDataError) Error() string {
	return "no market data for " + e.Symbol + " at " + e.At.Format(time.RFC3339)
}
