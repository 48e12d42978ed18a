// Package types provides shared type definitions for the trading ledger
// and backtest engine.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide represents buy or sell
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderType represents the type of order
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// OrderStatus represents the lifecycle state of an order
type OrderStatus string

const (
	OrderStatusCreated  OrderStatus = "CREATED"
	OrderStatusOpen     OrderStatus = "OPEN"
	OrderStatusClosed   OrderStatus = "CLOSED"
	OrderStatusCanceled OrderStatus = "CANCELED"
	OrderStatusExpired  OrderStatus = "EXPIRED"
	OrderStatusRejected OrderStatus = "REJECTED"
)

// IsTerminal reports whether the status ends the order lifecycle.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusClosed, OrderStatusCanceled, OrderStatusExpired, OrderStatusRejected:
		return true
	}
	return false
}

// IsFailure reports whether the status is a terminal state that requires
// compensating ledger updates for the unfilled remainder.
func (s OrderStatus) IsFailure() bool {
	switch s {
	case OrderStatusCanceled, OrderStatusExpired, OrderStatusRejected:
		return true
	}
	return false
}

// TradeStatus represents the state of a round-trip trade
type TradeStatus string

const (
	TradeStatusOpen   TradeStatus = "OPEN"
	TradeStatusClosed TradeStatus = "CLOSED"
)

// TimeUnit is the unit a strategy interval is expressed in
type TimeUnit string

const (
	TimeUnitMinute TimeUnit = "MINUTE"
	TimeUnitHour   TimeUnit = "HOUR"
	TimeUnitDay    TimeUnit = "DAY"
)

// Duration converts (unit, interval) into a time.Duration.
func (u TimeUnit) Duration(interval int) time.Duration {
	switch u {
	case TimeUnitMinute:
		return time.Duration(interval) * time.Minute
	case TimeUnitHour:
		return time.Duration(interval) * time.Hour
	case TimeUnitDay:
		return time.Duration(interval) * 24 * time.Hour
	default:
		return time.Duration(interval) * time.Minute
	}
}

// TradeAllocation records how much of a sell order is charged against a
// specific open trade. It is the only information needed to restore the
// trade exactly if the order fails.
type TradeAllocation struct {
	TradeID  string          `json:"tradeId"`
	Amount   decimal.Decimal `json:"amount"`
	Consumed decimal.Decimal `json:"consumed"`
}

// GuardAllocation links a sell order to the stop-loss or take-profit that
// produced it, with the amount that must be restored on failure.
type GuardAllocation struct {
	GuardID string          `json:"guardId"`
	Amount  decimal.Decimal `json:"amount"`
}

// Order is a single buy or sell instruction against a portfolio.
type Order struct {
	ID            string          `json:"id"`
	ExternalID    string          `json:"externalId,omitempty"`
	PortfolioID   string          `json:"portfolioId"`
	PositionID    string          `json:"positionId,omitempty"`
	TargetSymbol  string          `json:"targetSymbol"`
	TradingSymbol string          `json:"tradingSymbol"`
	Side          OrderSide       `json:"side"`
	Type          OrderType       `json:"type"`
	Amount        decimal.Decimal `json:"amount"`
	Price         decimal.Decimal `json:"price"`
	Filled        decimal.Decimal `json:"filled"`
	Remaining     decimal.Decimal `json:"remaining"`
	Status        OrderStatus     `json:"status"`
	TradeID       string          `json:"tradeId,omitempty"`

	// Sell-side allocation metadata, fixed at creation time.
	Trades      []TradeAllocation `json:"trades,omitempty"`
	StopLosses  []GuardAllocation `json:"stopLosses,omitempty"`
	TakeProfits []GuardAllocation `json:"takeProfits,omitempty"`

	// Reserved marks that the creation-time reservation ran for this
	// order, so terminal-state compensation knows there is something
	// to undo.
	Reserved bool `json:"reserved,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Symbol returns the market pair the order trades, e.g. "BTC/EUR".
func (o *Order) Symbol() string {
	return o.TargetSymbol + "/" + o.TradingSymbol
}

// Position tracks the net holding of one symbol within a portfolio.
type Position struct {
	ID          string          `json:"id"`
	PortfolioID string          `json:"portfolioId"`
	Symbol      string          `json:"symbol"`
	Amount      decimal.Decimal `json:"amount"`
	Cost        decimal.Decimal `json:"cost"`
}

// Portfolio is the authoritative funds ledger for one algorithm on one
// market. The position whose symbol equals TradingSymbol mirrors
// Unallocated at all times.
type Portfolio struct {
	ID               string          `json:"id"`
	Identifier       string          `json:"identifier"`
	Market           string          `json:"market"`
	TradingSymbol    string          `json:"tradingSymbol"`
	Unallocated      decimal.Decimal `json:"unallocated"`
	InitialBalance   decimal.Decimal `json:"initialBalance"`
	Realized         decimal.Decimal `json:"realized"`
	TotalCost        decimal.Decimal `json:"totalCost"`
	TotalRevenue     decimal.Decimal `json:"totalRevenue"`
	TotalTradeVolume decimal.Decimal `json:"totalTradeVolume"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// Trade groups one opening buy order with the sell volume that eventually
// closes it. AvailableAmount is the portion not yet reserved by a sell,
// FilledAmount the portion already sold.
type Trade struct {
	ID              string          `json:"id"`
	PortfolioID     string          `json:"portfolioId"`
	BuyOrderID      string          `json:"buyOrderId"`
	TargetSymbol    string          `json:"targetSymbol"`
	TradingSymbol   string          `json:"tradingSymbol"`
	Amount          decimal.Decimal `json:"amount"`
	AvailableAmount decimal.Decimal `json:"availableAmount"`
	FilledAmount    decimal.Decimal `json:"filledAmount"`
	OpenPrice       decimal.Decimal `json:"openPrice"`
	NetGain         decimal.Decimal `json:"netGain"`
	Status          TradeStatus     `json:"status"`
	OpenedAt        time.Time       `json:"openedAt"`
	ClosedAt        *time.Time      `json:"closedAt,omitempty"`

	// Slices records every partial or full close applied to this trade,
	// in close order: which sell order took how much at which price.
	Slices []TradeSlice `json:"slices,omitempty"`
}

// TradeSlice records one partial or full close of a trade.
type TradeSlice struct {
	TradeID     string          `json:"tradeId"`
	SellOrderID string          `json:"sellOrderId"`
	Amount      decimal.Decimal `json:"amount"`
	OpenPrice   decimal.Decimal `json:"openPrice"`
	ClosePrice  decimal.Decimal `json:"closePrice"`
	NetGain     decimal.Decimal `json:"netGain"`
	ClosedAt    time.Time       `json:"closedAt"`
}

// GuardKind distinguishes stop-loss from take-profit triggers.
type GuardKind string

const (
	GuardKindStopLoss   GuardKind = "STOP_LOSS"
	GuardKindTakeProfit GuardKind = "TAKE_PROFIT"
)

// TradeGuard is a stop-loss or take-profit attached to an open trade.
// SoldAmount tracks volume already sold through this guard so a failed
// sell order can restore it exactly.
type TradeGuard struct {
	ID           string          `json:"id"`
	TradeID      string          `json:"tradeId"`
	PortfolioID  string          `json:"portfolioId"`
	Kind         GuardKind       `json:"kind"`
	TriggerPrice decimal.Decimal `json:"triggerPrice"`
	SellAmount   decimal.Decimal `json:"sellAmount"`
	SoldAmount   decimal.Decimal `json:"soldAmount"`
	Active       bool            `json:"active"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// PortfolioSnapshot is an immutable point-in-time valuation of a portfolio.
type PortfolioSnapshot struct {
	ID               string             `json:"id"`
	PortfolioID      string             `json:"portfolioId"`
	Unallocated      decimal.Decimal    `json:"unallocated"`
	PendingValue     decimal.Decimal    `json:"pendingValue"`
	TotalValue       decimal.Decimal    `json:"totalValue"`
	Realized         decimal.Decimal    `json:"realized"`
	TotalCost        decimal.Decimal    `json:"totalCost"`
	TotalRevenue     decimal.Decimal    `json:"totalRevenue"`
	TotalTradeVolume decimal.Decimal    `json:"totalTradeVolume"`
	Positions        []PositionSnapshot `json:"positions"`
	CreatedAt        time.Time          `json:"createdAt"`
}

// PositionSnapshot is the per-position companion of a PortfolioSnapshot.
type PositionSnapshot struct {
	PortfolioID string          `json:"portfolioId"`
	Symbol      string          `json:"symbol"`
	Amount      decimal.Decimal `json:"amount"`
	Cost        decimal.Decimal `json:"cost"`
	MarketValue decimal.Decimal `json:"marketValue"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// OHLCV represents a single candlestick
type OHLCV struct {
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// Ticker is a point-in-time market quote for a symbol.
type Ticker struct {
	Symbol    string          `json:"symbol"`
	Market    string          `json:"market"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// SignalReason explains why a vectorized signal was or was not executed.
type SignalReason string

const (
	SignalReasonExecuted            SignalReason = "executed"
	SignalReasonSellPriority        SignalReason = "sell_priority_on_conflict"
	SignalReasonAlreadyInPosition   SignalReason = "already_in_position"
	SignalReasonNoPositionToClose   SignalReason = "no_position_to_close"
	SignalReasonInsufficientCapital SignalReason = "insufficient_capital"
)

// SignalEvent is one entry in the vectorized engine's audit log. Every
// raw signal is recorded, executed or not.
type SignalEvent struct {
	Timestamp time.Time    `json:"timestamp"`
	Symbol    string       `json:"symbol"`
	Side      OrderSide    `json:"side"`
	Executed  bool         `json:"executed"`
	Reason    SignalReason `json:"reason"`
	OrderID   string       `json:"orderId,omitempty"`
}

// BacktestMetrics is the summary the orchestration layer persists with a
// run. Heavier statistics (Sharpe, drawdown, CAGR) are computed by an
// external collaborator from the run itself.
type BacktestMetrics struct {
	InitialBalance decimal.Decimal `json:"initialBalance"`
	FinalValue     decimal.Decimal `json:"finalValue"`
	Growth         decimal.Decimal `json:"growth"`
	GrowthRate     decimal.Decimal `json:"growthRate"`
	TotalNetGain   decimal.Decimal `json:"totalNetGain"`
	TotalTrades    int             `json:"totalTrades"`
	ClosedTrades   int             `json:"closedTrades"`
	OrdersCreated  int             `json:"ordersCreated"`
}

// BacktestRun aggregates everything one (strategy, date range) simulation
// produced. Immutable once persisted except for checkpoint combination.
type BacktestRun struct {
	AlgorithmID        string              `json:"algorithmId"`
	StartDate          time.Time           `json:"startDate"`
	EndDate            time.Time           `json:"endDate"`
	Orders             []Order             `json:"orders"`
	Trades             []Trade             `json:"trades"`
	Positions          []Position          `json:"positions"`
	PortfolioSnapshots []PortfolioSnapshot `json:"portfolioSnapshots"`
	SignalEvents       []SignalEvent       `json:"signalEvents,omitempty"`
	Metrics            BacktestMetrics     `json:"metrics"`
	CreatedAt          time.Time           `json:"createdAt"`
}
