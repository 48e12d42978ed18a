package ledger

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// UUIDGenerator produces random ids for live trading. OrderService
// re-draws on the rare collision against its repository.
type UUIDGenerator struct{}

func (UUIDGenerator) NewID() string { return uuid.New().String() }

// SequenceGenerator produces deterministic ids for backtests, so that two
// runs over identical inputs emit identical entities.
type SequenceGenerator struct {
	prefix string
	n      atomic.Uint64
}

// NewSequenceGenerator creates a sequence generator with the given prefix.
func NewSequenceGenerator(prefix string) *SequenceGenerator {
	return &SequenceGenerator{prefix: prefix}
}

func (g *SequenceGenerator) NewID() string {
	return fmt.Sprintf("%s-%08d", g.prefix, g.n.Add(1))
}
