package ledger

import (
	"sync"
	"time"
)

// Clock abstracts wall time so the same services drive live trading and
// backtest replay. Backtests advance a SimulatedClock; live trading uses
// RealClock.
type Clock interface {
	Now() time.Time
}

// RealClock reads wall time.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now().UTC() }

// SimulatedClock is set explicitly by the backtest driver before each
// step. Safe for concurrent reads.
type SimulatedClock struct {
	mu  sync.RWMutex
	now time.Time
}

// NewSimulatedClock creates a clock frozen at start.
func NewSimulatedClock(start time.Time) *SimulatedClock {
	return &SimulatedClock{now: start}
}

func (c *SimulatedClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

// Set advances the clock to t.
func (c *SimulatedClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// IDGenerator produces entity ids. Live trading uses random uuids with a
// collision re-draw; backtests use a deterministic sequence so repeated
// runs are byte-identical.
type IDGenerator interface {
	NewID() string
}
