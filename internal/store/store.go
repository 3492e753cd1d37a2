// Package store holds the canonical merged state. A single writer (the engine)
// mutates it through Write; everyone else reads copies through Reader.
package store

import (
	"sort"
	"sync"

	"perp_go/internal/domain"
	"perp_go/internal/loadable"

	"github.com/shopspring/decimal"
)

// Slice names one independently versioned part of the store.
type Slice int

const (
	SliceMarkets Slice = iota
	SliceOrderbooks
	SliceTrades
	SliceFundings
	SliceBalances
	SlicePositions
	SliceOrders
	SliceFills
	SliceFundingPayments
	SliceApi
	SliceResources
	SliceSeen
	numSlices
)

// Version is the per-slice change counter vector.
type Version [numSlices]uint64

// Of returns the counters of the given slices, in order.
func (v Version) Of(slices ...Slice) []uint64 {
	out := make([]uint64, len(slices))
	for i, s := range slices {
		out[i] = v[s]
	}
	return out
}

// ResourceState is the load status of one subscription.
type ResourceState struct {
	Status loadable.Status `json:"status"`
	Err    string          `json:"error,omitempty"`
}

// Reader is the read-only view handed to selectors. Every method returns a copy.
type Reader interface {
	Version() Version

	Markets() map[string]domain.MarketInfo
	Market(id string) (domain.MarketInfo, bool)
	Orderbook(marketID string) (domain.Orderbook, bool)
	OrderbookMap(marketID string) (domain.OrderbookMap, bool)
	Trades(marketID string) []domain.Trade
	HistoricalFundings(marketID string) []domain.HistoricalFunding

	QuoteBalances() map[int]decimal.Decimal
	Positions() []domain.PerpetualPosition
	Orders() []domain.SubaccountOrder
	OrderByClientID(clientID string) (domain.SubaccountOrder, bool)
	ClearedOrderIDs() map[string]struct{}
	Fills() []domain.Fill
	FundingPayments() []domain.FundingPayment

	ApiState() domain.ApiState
	ResourceStatus(key domain.ResourceKey) ResourceState
	SeenMemory() domain.SeenMemory
}

// Store is the canonical state. The zero value is not usable; call New.
type Store struct {
	mu sync.RWMutex

	markets    map[string]domain.MarketInfo
	orderbooks map[string]*Book
	trades     map[string][]domain.Trade
	fundings   map[string][]domain.HistoricalFunding

	balances    map[int]decimal.Decimal
	positions   map[string]domain.PerpetualPosition // by unique id
	orders      map[string]domain.SubaccountOrder   // by order id
	clientIndex map[string]string                   // client id -> order id
	cleared     map[string]struct{}
	fills       []domain.Fill           // newest first
	payments    []domain.FundingPayment // newest first

	api       domain.ApiState
	resources map[domain.ResourceKey]ResourceState
	seen      domain.SeenMemory

	// last applied sequence per entity
	seqs map[string]uint64

	versions Version
}

func New() *Store {
	return &Store{
		markets:     make(map[string]domain.MarketInfo),
		orderbooks:  make(map[string]*Book),
		trades:      make(map[string][]domain.Trade),
		fundings:    make(map[string][]domain.HistoricalFunding),
		balances:    make(map[int]decimal.Decimal),
		positions:   make(map[string]domain.PerpetualPosition),
		orders:      make(map[string]domain.SubaccountOrder),
		clientIndex: make(map[string]string),
		cleared:     make(map[string]struct{}),
		api:         domain.ApiState{Status: domain.ApiStatusUnknown},
		resources:   make(map[domain.ResourceKey]ResourceState),
		seen:        domain.NewSeenMemory(),
		seqs:        make(map[string]uint64),
	}
}

// Write runs fn under the write lock. Only the engine goroutine calls it.
func (s *Store) Write(fn func(w *Writer)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&Writer{s: s})
}

func (s *Store) Version() Version {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.versions
}

func (s *Store) Markets() map[string]domain.MarketInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]domain.MarketInfo, len(s.markets))
	for k, v := range s.markets {
		out[k] = v
	}
	return out
}

func (s *Store) Market(id string) (domain.MarketInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.markets[id]
	return m, ok
}

func (s *Store) Orderbook(marketID string) (domain.Orderbook, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.orderbooks[marketID]
	if !ok {
		return domain.Orderbook{}, false
	}
	return b.snapshot(marketID), true
}

func (s *Store) OrderbookMap(marketID string) (domain.OrderbookMap, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.orderbooks[marketID]
	if !ok {
		return domain.OrderbookMap{}, false
	}
	return b.derivedMap(), true
}

func (s *Store) Trades(marketID string) []domain.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Trade(nil), s.trades[marketID]...)
}

func (s *Store) HistoricalFundings(marketID string) []domain.HistoricalFunding {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.HistoricalFunding(nil), s.fundings[marketID]...)
}

func (s *Store) QuoteBalances() map[int]decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int]decimal.Decimal, len(s.balances))
	for k, v := range s.balances {
		out[k] = v
	}
	return out
}

// Positions returns positions ordered by unique id.
func (s *Store) Positions() []domain.PerpetualPosition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.PerpetualPosition, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UniqueID() < out[j].UniqueID() })
	return out
}

// Orders returns every stored order, cleared ones included, newest update first.
func (s *Store) Orders() []domain.SubaccountOrder {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.SubaccountOrder, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAtMs != out[j].UpdatedAtMs {
			return out[i].UpdatedAtMs > out[j].UpdatedAtMs
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Store) OrderByClientID(clientID string) (domain.SubaccountOrder, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.clientIndex[clientID]
	if !ok {
		return domain.SubaccountOrder{}, false
	}
	o, ok := s.orders[id]
	return o, ok
}

func (s *Store) ClearedOrderIDs() map[string]struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]struct{}, len(s.cleared))
	for k := range s.cleared {
		out[k] = struct{}{}
	}
	return out
}

func (s *Store) Fills() []domain.Fill {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Fill(nil), s.fills...)
}

func (s *Store) FundingPayments() []domain.FundingPayment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.FundingPayment(nil), s.payments...)
}

func (s *Store) ApiState() domain.ApiState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.api
}

// ResourceStatus returns Idle for unknown keys.
func (s *Store) ResourceStatus(key domain.ResourceKey) ResourceState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resources[key]
}

func (s *Store) SeenMemory() domain.SeenMemory {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := domain.NewSeenMemory()
	for k, v := range s.seen.OpenOrders {
		out.OpenOrders[k] = v
	}
	for k, v := range s.seen.Fills {
		out.Fills[k] = v
	}
	return out
}

// Snapshot is the JSON shape of a state dump.
type Snapshot struct {
	Versions   Version                              `json:"versions"`
	Markets    map[string]domain.MarketInfo         `json:"markets"`
	Orderbooks map[string]domain.Orderbook          `json:"orderbooks"`
	Trades     map[string][]domain.Trade            `json:"trades"`
	Balances   map[int]decimal.Decimal              `json:"balances"`
	Positions  map[string]domain.PerpetualPosition  `json:"positions"`
	Orders     map[string]domain.SubaccountOrder    `json:"orders"`
	Cleared    []string                             `json:"cleared"`
	Fills      int                                  `json:"fills"`
	Api        domain.ApiState                      `json:"api"`
	Resources  map[domain.ResourceKey]ResourceState `json:"resources"`
	Seqs       map[string]uint64                    `json:"seqs"`
}

// Dump copies the state for post-mortem. It does not take the lock, so it is
// safe to call from the writer while a panic unwinds.
func (s *Store) Dump() Snapshot {
	books := make(map[string]domain.Orderbook, len(s.orderbooks))
	for id, b := range s.orderbooks {
		books[id] = b.snapshot(id)
	}
	cleared := make([]string, 0, len(s.cleared))
	for id := range s.cleared {
		cleared = append(cleared, id)
	}
	sort.Strings(cleared)
	return Snapshot{
		Versions:   s.versions,
		Markets:    s.markets,
		Orderbooks: books,
		Trades:     s.trades,
		Balances:   s.balances,
		Positions:  s.positions,
		Orders:     s.orders,
		Cleared:    cleared,
		Fills:      len(s.fills),
		Api:        s.api,
		Resources:  s.resources,
		Seqs:       s.seqs,
	}
}
