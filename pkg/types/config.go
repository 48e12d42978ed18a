// Package types provides configuration types for the ledger and backtest
// engine.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// PortfolioConfiguration is the declarative input PortfolioService builds
// portfolios from. Creation is idempotent on Identifier.
type PortfolioConfiguration struct {
	Identifier     string          `json:"identifier"`
	Market         string          `json:"market"`
	TradingSymbol  string          `json:"tradingSymbol"`
	InitialBalance decimal.Decimal `json:"initialBalance"`
}

// DateRange is one backtest window.
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls inside the range (inclusive).
func (r DateRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && !t.After(r.End)
}

// PositionSizingMode selects how the vectorized engine sizes entries.
type PositionSizingMode string

const (
	// SizingStatic computes capital-per-trade once from the initial
	// balance, guarded so aggregate allocation never exceeds it.
	SizingStatic PositionSizingMode = "static"
	// SizingDynamic recomputes capital-per-trade at each entry from
	// current unallocated cash plus open trade mark-to-market, capped at
	// available unallocated.
	SizingDynamic PositionSizingMode = "dynamic"
)

// DataSource declares one (symbol, market, timeframe) series a strategy
// reads during a backtest.
type DataSource struct {
	Symbol    string   `json:"symbol"`
	Market    string   `json:"market"`
	TimeFrame TimeUnit `json:"timeFrame"`
	Interval  int      `json:"interval"`
}

// Key returns the canonical identifier for the data source.
func (d DataSource) Key() string {
	return d.Symbol + "_" + d.Market + "_" + string(d.TimeFrame)
}

// BacktestConfig configures a single simulation run.
type BacktestConfig struct {
	AlgorithmID   string                 `json:"algorithmId"`
	Portfolio     PortfolioConfiguration `json:"portfolio"`
	Range         DateRange              `json:"range"`
	Sizing        PositionSizingMode     `json:"sizing,omitempty"`
	MaxOpenTrades int                    `json:"maxOpenTrades,omitempty"`
}
