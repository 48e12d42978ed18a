// Package data provides the market data contract the engines consume,
// plus a file-backed store used by the CLI and tests. Production data
// retrieval and caching live in external provider implementations.
package data

import (
	"context"
	"time"

	"github.com/quantkit/tradeledger/pkg/types"
)

// Provider is the external market-data collaborator. Backtests require
// all data to be materialized before simulation starts; the engines never
// perform network I/O through this interface mid-run.
type Provider interface {
	// GetOHLCVData returns the candles for one symbol on one market
	// between start and end, ordered by timestamp.
	GetOHLCVData(ctx context.Context, symbol, market string, timeFrame types.TimeUnit, start, end time.Time) ([]types.OHLCV, error)

	// GetVectorizedBacktestData returns the full series for every
	// declared data source, keyed by types.DataSource.Key().
	GetVectorizedBacktestData(ctx context.Context, sources []types.DataSource, start, end time.Time) (map[string][]types.OHLCV, error)

	// GetTickerData returns the market price of symbol at the given
	// moment, never wall-clock now.
	GetTickerData(ctx context.Context, symbol, market string, at time.Time) (types.Ticker, error)
}
