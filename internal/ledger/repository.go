package ledger

import (
	"sort"
	"sync"
	"time"

	"github.com/quantkit/tradeledger/pkg/types"
)

// Repositories hold entities by id with secondary indexes; entities carry
// foreign keys and all navigation goes through a repository, never direct
// pointer traversal. Entities are copied on the way in and out so callers
// can never mutate stored state behind the repository's back. Insertion
// order is preserved to keep listings deterministic.

// OrderRepository stores orders.
type OrderRepository struct {
	mu          sync.RWMutex
	orders      map[string]types.Order
	ids         []string
	byPortfolio map[string][]string
}

// NewOrderRepository creates an empty order repository.
func NewOrderRepository() *OrderRepository {
	return &OrderRepository{
		orders:      make(map[string]types.Order),
		byPortfolio: make(map[string][]string),
	}
}

// Save inserts a new order.
func (r *OrderRepository) Save(o types.Order) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.orders[o.ID]; !ok {
		r.ids = append(r.ids, o.ID)
		r.byPortfolio[o.PortfolioID] = append(r.byPortfolio[o.PortfolioID], o.ID)
	}
	r.orders[o.ID] = o
}

// Update overwrites an existing order.
func (r *OrderRepository) Update(o types.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.orders[o.ID]; !ok {
		return ErrOrderNotFound
	}
	r.orders[o.ID] = o
	return nil
}

// Get returns the order with the given id.
func (r *OrderRepository) Get(id string) (types.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	o, ok := r.orders[id]
	if !ok {
		return types.Order{}, ErrOrderNotFound
	}
	return o, nil
}

// Exists reports whether an order with the id is stored.
func (r *OrderRepository) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.orders[id]
	return ok
}

// All returns every order in insertion order.
func (r *OrderRepository) All() []types.Order {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.Order, 0, len(r.ids))
	for _, id := range r.ids {
		out = append(out, r.orders[id])
	}
	return out
}

// ListByPortfolio returns a portfolio's orders in insertion order.
func (r *OrderRepository) ListByPortfolio(portfolioID string) []types.Order {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byPortfolio[portfolioID]
	out := make([]types.Order, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.orders[id])
	}
	return out
}

// ListOpen returns a portfolio's CREATED and OPEN orders in insertion order.
func (r *OrderRepository) ListOpen(portfolioID string) []types.Order {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []types.Order
	for _, id := range r.byPortfolio[portfolioID] {
		o := r.orders[id]
		if o.Status == types.OrderStatusCreated || o.Status == types.OrderStatusOpen {
			out = append(out, o)
		}
	}
	return out
}

// PortfolioRepository stores portfolios indexed by id and identifier.
type PortfolioRepository struct {
	mu           sync.RWMutex
	portfolios   map[string]types.Portfolio
	ids          []string
	byIdentifier map[string]string
}

// NewPortfolioRepository creates an empty portfolio repository.
func NewPortfolioRepository() *PortfolioRepository {
	return &PortfolioRepository{
		portfolios:   make(map[string]types.Portfolio),
		byIdentifier: make(map[string]string),
	}
}

// Save inserts a new portfolio.
func (r *PortfolioRepository) Save(p types.Portfolio) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.portfolios[p.ID]; !ok {
		r.ids = append(r.ids, p.ID)
	}
	r.portfolios[p.ID] = p
	r.byIdentifier[p.Identifier] = p.ID
}

// Update overwrites an existing portfolio.
func (r *PortfolioRepository) Update(p types.Portfolio) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.portfolios[p.ID]; !ok {
		return ErrPortfolioNotFound
	}
	r.portfolios[p.ID] = p
	return nil
}

// Get returns the portfolio with the given id.
func (r *PortfolioRepository) Get(id string) (types.Portfolio, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.portfolios[id]
	if !ok {
		return types.Portfolio{}, ErrPortfolioNotFound
	}
	return p, nil
}

// GetByIdentifier returns the portfolio registered under identifier.
func (r *PortfolioRepository) GetByIdentifier(identifier string) (types.Portfolio, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byIdentifier[identifier]
	if !ok {
		return types.Portfolio{}, ErrPortfolioNotFound
	}
	return r.portfolios[id], nil
}

// All returns every portfolio in insertion order.
func (r *PortfolioRepository) All() []types.Portfolio {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.Portfolio, 0, len(r.ids))
	for _, id := range r.ids {
		out = append(out, r.portfolios[id])
	}
	return out
}

// PositionRepository stores positions indexed by (portfolio, symbol).
type PositionRepository struct {
	mu          sync.RWMutex
	positions   map[string]types.Position
	ids         []string
	byPortfolio map[string][]string
	bySymbol    map[string]string // portfolioID+"/"+symbol -> position id
}

// NewPositionRepository creates an empty position repository.
func NewPositionRepository() *PositionRepository {
	return &PositionRepository{
		positions:   make(map[string]types.Position),
		byPortfolio: make(map[string][]string),
		bySymbol:    make(map[string]string),
	}
}

func positionKey(portfolioID, symbol string) string {
	return portfolioID + "/" + symbol
}

// Save inserts a new position.
func (r *PositionRepository) Save(p types.Position) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.positions[p.ID]; !ok {
		r.ids = append(r.ids, p.ID)
		r.byPortfolio[p.PortfolioID] = append(r.byPortfolio[p.PortfolioID], p.ID)
		r.bySymbol[positionKey(p.PortfolioID, p.Symbol)] = p.ID
	}
	r.positions[p.ID] = p
}

// Update overwrites an existing position.
func (r *PositionRepository) Update(p types.Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.positions[p.ID]; !ok {
		return ErrPositionNotFound
	}
	r.positions[p.ID] = p
	return nil
}

// Get returns the position with the given id.
func (r *PositionRepository) Get(id string) (types.Position, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.positions[id]
	if !ok {
		return types.Position{}, ErrPositionNotFound
	}
	return p, nil
}

// Find returns the position for symbol within a portfolio.
func (r *PositionRepository) Find(portfolioID, symbol string) (types.Position, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.bySymbol[positionKey(portfolioID, symbol)]
	if !ok {
		return types.Position{}, ErrPositionNotFound
	}
	return r.positions[id], nil
}

// ListByPortfolio returns a portfolio's positions in insertion order.
func (r *PositionRepository) ListByPortfolio(portfolioID string) []types.Position {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byPortfolio[portfolioID]
	out := make([]types.Position, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.positions[id])
	}
	return out
}

// TradeRepository stores trades; open trades for a symbol are served in
// strict creation-time order for FIFO matching.
type TradeRepository struct {
	mu          sync.RWMutex
	trades      map[string]types.Trade
	ids         []string
	byPortfolio map[string][]string
}

// NewTradeRepository creates an empty trade repository.
func NewTradeRepository() *TradeRepository {
	return &TradeRepository{
		trades:      make(map[string]types.Trade),
		byPortfolio: make(map[string][]string),
	}
}

// Save inserts a new trade.
func (r *TradeRepository) Save(t types.Trade) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.trades[t.ID]; !ok {
		r.ids = append(r.ids, t.ID)
		r.byPortfolio[t.PortfolioID] = append(r.byPortfolio[t.PortfolioID], t.ID)
	}
	r.trades[t.ID] = t
}

// Update overwrites an existing trade.
func (r *TradeRepository) Update(t types.Trade) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.trades[t.ID]; !ok {
		return ErrTradeNotFound
	}
	r.trades[t.ID] = t
	return nil
}

// Get returns the trade with the given id.
func (r *TradeRepository) Get(id string) (types.Trade, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.trades[id]
	if !ok {
		return types.Trade{}, ErrTradeNotFound
	}
	return t, nil
}

// All returns every trade in insertion order.
func (r *TradeRepository) All() []types.Trade {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.Trade, 0, len(r.ids))
	for _, id := range r.ids {
		out = append(out, r.trades[id])
	}
	return out
}

// ListByPortfolio returns a portfolio's trades in insertion order.
func (r *TradeRepository) ListByPortfolio(portfolioID string) []types.Trade {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byPortfolio[portfolioID]
	out := make([]types.Trade, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.trades[id])
	}
	return out
}

// ListOpen returns the open trades for a symbol in a portfolio, oldest
// opening first.
func (r *TradeRepository) ListOpen(portfolioID, targetSymbol string) []types.Trade {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []types.Trade
	for _, id := range r.byPortfolio[portfolioID] {
		t := r.trades[id]
		if t.Status == types.TradeStatusOpen && t.TargetSymbol == targetSymbol {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

// GuardRepository stores stop-loss and take-profit triggers.
type GuardRepository struct {
	mu          sync.RWMutex
	guards      map[string]types.TradeGuard
	ids         []string
	byPortfolio map[string][]string
}

// NewGuardRepository creates an empty guard repository.
func NewGuardRepository() *GuardRepository {
	return &GuardRepository{
		guards:      make(map[string]types.TradeGuard),
		byPortfolio: make(map[string][]string),
	}
}

// Save inserts a new guard.
func (r *GuardRepository) Save(g types.TradeGuard) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.guards[g.ID]; !ok {
		r.ids = append(r.ids, g.ID)
		r.byPortfolio[g.PortfolioID] = append(r.byPortfolio[g.PortfolioID], g.ID)
	}
	r.guards[g.ID] = g
}

// Update overwrites an existing guard.
func (r *GuardRepository) Update(g types.TradeGuard) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.guards[g.ID]; !ok {
		return ErrTradeNotFound
	}
	r.guards[g.ID] = g
	return nil
}

// Get returns the guard with the given id.
func (r *GuardRepository) Get(id string) (types.TradeGuard, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.guards[id]
	if !ok {
		return types.TradeGuard{}, ErrTradeNotFound
	}
	return g, nil
}

// ListActive returns a portfolio's active guards in insertion order.
func (r *GuardRepository) ListActive(portfolioID string) []types.TradeGuard {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []types.TradeGuard
	for _, id := range r.byPortfolio[portfolioID] {
		g := r.guards[id]
		if g.Active {
			out = append(out, g)
		}
	}
	return out
}

// SnapshotRepository stores portfolio snapshots, append-only and unique on
// (portfolio id, created at). A snapshot written at an already-recorded
// timestamp replaces the earlier one.
type SnapshotRepository struct {
	mu          sync.RWMutex
	byPortfolio map[string][]types.PortfolioSnapshot
}

// NewSnapshotRepository creates an empty snapshot repository.
func NewSnapshotRepository() *SnapshotRepository {
	return &SnapshotRepository{
		byPortfolio: make(map[string][]types.PortfolioSnapshot),
	}
}

// Save appends a snapshot, replacing any snapshot at the same timestamp.
func (r *SnapshotRepository) Save(s types.PortfolioSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.byPortfolio[s.PortfolioID]
	for i := range list {
		if list[i].CreatedAt.Equal(s.CreatedAt) {
			list[i] = s
			return
		}
	}
	r.byPortfolio[s.PortfolioID] = append(list, s)
}

// ListByPortfolio returns a portfolio's snapshots in creation order.
func (r *SnapshotRepository) ListByPortfolio(portfolioID string) []types.PortfolioSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := r.byPortfolio[portfolioID]
	out := make([]types.PortfolioSnapshot, len(list))
	copy(out, list)
	return out
}

// Latest returns the most recent snapshot of a portfolio at or before t.
func (r *SnapshotRepository) Latest(portfolioID string, t time.Time) (types.PortfolioSnapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var (
		found bool
		best  types.PortfolioSnapshot
	)
	for _, s := range r.byPortfolio[portfolioID] {
		if !s.CreatedAt.After(t) && (!found || s.CreatedAt.After(best.CreatedAt)) {
			best = s
			found = true
		}
	}
	return best, found
}
