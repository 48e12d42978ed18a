// Package ledger maintains the authoritative record of orders, positions,
// portfolios and trades, for both live execution and backtest replay.
package ledger

import (
	"errors"
	"fmt"
)

// Sentinel errors for recoverable validation failures. These surface to
// the caller before any ledger mutation takes place.
var (
	ErrInsufficientFunds    = errors.New("insufficient unallocated funds")
	ErrInsufficientPosition = errors.New("insufficient position amount")
	ErrPositionNotFound     = errors.New("position not found")
	ErrPortfolioNotFound    = errors.New("portfolio not found")
	ErrOrderNotFound        = errors.New("order not found")
	ErrTradeNotFound        = errors.New("trade not found")
	ErrSymbolMismatch       = errors.New("trading symbol does not match portfolio")
	ErrInvalidAmount        = errors.New("order amount must be positive")
	ErrInvalidPrice         = errors.New("order price must be positive")
	ErrOrderTerminal        = errors.New("order is already in a terminal state")
)

// OperationalError wraps a recoverable validation failure with context
// about the operation that rejected it.
type OperationalError struct {
	Op  string
	Err error
}

func (e *OperationalError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *OperationalError) Unwrap() error {
	return e.Err
}

func operational(op string, err error) error {
	return &OperationalError{Op: op, Err: err}
}

// ConfigError is fatal and raised at setup time, never caught mid-run.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}
