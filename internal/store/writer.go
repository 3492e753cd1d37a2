package store

import (
	"strings"

	"perp_go/internal/domain"
	"perp_go/internal/loadable"

	"github.com/shopspring/decimal"
)

// Writer exposes mutation primitives inside Store.Write. Every mutation bumps
// the version of the slice it touches. Merge policy lives in the engine.
type Writer struct {
	s *Store
}

func (w *Writer) bump(sl Slice) { w.s.versions[sl]++ }

// Seq returns the last applied sequence of an entity.
func (w *Writer) Seq(entity string) (uint64, bool) {
	v, ok := w.s.seqs[entity]
	return v, ok
}

func (w *Writer) SetSeq(entity string, seq uint64) {
	w.s.seqs[entity] = seq
}

func (w *Writer) DeleteSeq(entity string) {
	delete(w.s.seqs, entity)
}

// ResetSeqs forgets every entity sequence under prefix.
func (w *Writer) ResetSeqs(prefix string) {
	for k := range w.s.seqs {
		if strings.HasPrefix(k, prefix) {
			delete(w.s.seqs, k)
		}
	}
}

// Markets

func (w *Writer) Market(id string) (domain.MarketInfo, bool) {
	m, ok := w.s.markets[id]
	return m, ok
}

func (w *Writer) ReplaceMarkets(markets map[string]domain.MarketInfo) {
	w.s.markets = make(map[string]domain.MarketInfo, len(markets))
	for id, m := range markets {
		w.s.markets[id] = m
	}
	w.bump(SliceMarkets)
}

func (w *Writer) PutMarket(m domain.MarketInfo) {
	w.s.markets[m.ID] = m
	w.bump(SliceMarkets)
}

// Orderbooks

// Book returns the mutable book of a market, creating it when absent.
// Callers must Rebuild after mutating and then call TouchOrderbooks.
func (w *Writer) Book(marketID string) *Book {
	b, ok := w.s.orderbooks[marketID]
	if !ok {
		b = newBook()
		w.s.orderbooks[marketID] = b
	}
	return b
}

func (w *Writer) TouchOrderbooks() { w.bump(SliceOrderbooks) }

// Trades and fundings

func (w *Writer) Trades(marketID string) []domain.Trade {
	return w.s.trades[marketID]
}

func (w *Writer) SetTrades(marketID string, trades []domain.Trade) {
	w.s.trades[marketID] = trades
	w.bump(SliceTrades)
}

func (w *Writer) SetFundings(marketID string, fundings []domain.HistoricalFunding) {
	w.s.fundings[marketID] = fundings
	w.bump(SliceFundings)
}

// Balances

func (w *Writer) SetBalance(subaccountNumber int, quote decimal.Decimal) {
	w.s.balances[subaccountNumber] = quote
	w.bump(SliceBalances)
}

// DeleteBalancesWhere removes every balance whose subaccount number matches.
func (w *Writer) DeleteBalancesWhere(match func(n int) bool) {
	for n := range w.s.balances {
		if match(n) {
			delete(w.s.balances, n)
		}
	}
	w.bump(SliceBalances)
}

// Positions

func (w *Writer) Position(uniqueID string) (domain.PerpetualPosition, bool) {
	p, ok := w.s.positions[uniqueID]
	return p, ok
}

func (w *Writer) PutPosition(p domain.PerpetualPosition) {
	w.s.positions[p.UniqueID()] = p
	w.bump(SlicePositions)
}

func (w *Writer) DeletePosition(uniqueID string) {
	if _, ok := w.s.positions[uniqueID]; !ok {
		return
	}
	delete(w.s.positions, uniqueID)
	w.bump(SlicePositions)
}

// PositionIDsWhere lists unique ids of positions matching the predicate.
func (w *Writer) PositionIDsWhere(match func(domain.PerpetualPosition) bool) []string {
	var ids []string
	for id, p := range w.s.positions {
		if match(p) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Orders

func (w *Writer) Order(id string) (domain.SubaccountOrder, bool) {
	o, ok := w.s.orders[id]
	return o, ok
}

func (w *Writer) PutOrder(o domain.SubaccountOrder) {
	if prev, ok := w.s.orders[o.ID]; ok && prev.ClientID != "" && prev.ClientID != o.ClientID {
		delete(w.s.clientIndex, prev.ClientID)
	}
	w.s.orders[o.ID] = o
	if o.ClientID != "" {
		w.s.clientIndex[o.ClientID] = o.ID
	}
	w.bump(SliceOrders)
}

func (w *Writer) DeleteOrder(id string) {
	o, ok := w.s.orders[id]
	if !ok {
		return
	}
	delete(w.s.orders, id)
	if o.ClientID != "" && w.s.clientIndex[o.ClientID] == id {
		delete(w.s.clientIndex, o.ClientID)
	}
	w.bump(SliceOrders)
}

// OrderIDsWhere lists ids of orders matching the predicate.
func (w *Writer) OrderIDsWhere(match func(domain.SubaccountOrder) bool) []string {
	var ids []string
	for id, o := range w.s.orders {
		if match(o) {
			ids = append(ids, id)
		}
	}
	return ids
}

// HasOpenOrders reports whether a subaccount still has a live order in a market.
func (w *Writer) HasOpenOrders(subaccountNumber int, marketID string) bool {
	for _, o := range w.s.orders {
		if o.SubaccountNumber == subaccountNumber && o.MarketID == marketID && o.Status.IsOpen() {
			return true
		}
	}
	return false
}

// ClearOrder hides an order from default views. Returns false for unknown ids.
func (w *Writer) ClearOrder(id string) bool {
	if _, ok := w.s.orders[id]; !ok {
		return false
	}
	w.s.cleared[id] = struct{}{}
	w.bump(SliceOrders)
	return true
}

// Fills and funding payments

func (w *Writer) Fills() []domain.Fill { return w.s.fills }

func (w *Writer) SetFills(fills []domain.Fill) {
	w.s.fills = fills
	w.bump(SliceFills)
}

func (w *Writer) FundingPayments() []domain.FundingPayment { return w.s.payments }

func (w *Writer) SetFundingPayments(payments []domain.FundingPayment) {
	w.s.payments = payments
	w.bump(SliceFundingPayments)
}

// Status

func (w *Writer) SetApiState(st domain.ApiState) {
	if sameApiState(w.s.api, st) {
		return
	}
	w.s.api = st
	w.bump(SliceApi)
}

func (w *Writer) SetResourceStatus(key domain.ResourceKey, status loadable.Status, err error) {
	rs := ResourceState{Status: status}
	if err != nil {
		rs.Err = err.Error()
	}
	if w.s.resources[key] == rs {
		return
	}
	w.s.resources[key] = rs
	w.bump(SliceResources)
}

func (w *Writer) ResourceStatus(key domain.ResourceKey) ResourceState {
	return w.s.resources[key]
}

func (w *Writer) SetSeenMemory(m domain.SeenMemory) {
	w.s.seen = m
	w.bump(SliceSeen)
}

func sameApiState(a, b domain.ApiState) bool {
	return a.Status == b.Status &&
		sameHeight(a.ValidatorHeight, b.ValidatorHeight) &&
		sameHeight(a.IndexerHeight, b.IndexerHeight) &&
		sameHeight(a.HaltedBlock, b.HaltedBlock) &&
		sameHeight(a.TrailingBlocks, b.TrailingBlocks)
}

func sameHeight(a, b *uint64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
