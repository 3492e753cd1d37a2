// Package service exposes memoized read-only projections of the merged state.
// Every selector is a pure function of store slices and its parameters.
package service

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"perp_go/internal/domain"
	"perp_go/internal/loadable"
	"perp_go/internal/store"
)

// View is the query surface handed to the presentation layer. It is safe for
// concurrent use.
type View struct {
	r    store.Reader
	memo *Memo

	address string
	parent  int
}

// NewView creates a view over r for the wallet address and its parent
// subaccount. A nil memo gets a private one.
func NewView(r store.Reader, memo *Memo, address string, parentSubaccount int) *View {
	if memo == nil {
		memo = NewMemo()
	}
	return &View{
		r:       r,
		memo:    memo,
		address: address,
		parent:  domain.ParentSubaccount(parentSubaccount),
	}
}

func (v *View) deps(slices ...store.Slice) []uint64 {
	return v.r.Version().Of(slices...)
}

// status folds the load state of keys. The error is the first failure found.
func (v *View) status(keys ...domain.ResourceKey) (loadable.Status, error) {
	statuses := make([]loadable.Status, len(keys))
	var err error
	for i, k := range keys {
		st := v.r.ResourceStatus(k)
		statuses[i] = st.Status
		if st.Status == loadable.StatusError && err == nil {
			if st.Err != "" {
				err = errors.New(st.Err)
			} else {
				err = loadable.ErrUnknown
			}
		}
	}
	return loadable.Combine(statuses...), err
}

func (v *View) accountKey() domain.ResourceKey {
	return domain.SubaccountKey(v.address, v.parent)
}

// Markets returns every known market.
func (v *View) Markets() map[string]domain.MarketInfo {
	return memoize(v.memo, "markets", "", v.deps(store.SliceMarkets), v.r.Markets)
}

// SortedMarketIDs returns market ids in lexical order.
func (v *View) SortedMarketIDs() []string {
	return memoize(v.memo, "market_ids", "", v.deps(store.SliceMarkets), func() []string {
		markets := v.r.Markets()
		ids := make([]string, 0, len(markets))
		for id := range markets {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		return ids
	})
}

func (v *View) Market(id string) (domain.MarketInfo, bool) {
	m, ok := v.Markets()[id]
	return m, ok
}

// MarketsStatus reports the load state of the markets feed.
func (v *View) MarketsStatus() loadable.Loadable[map[string]domain.MarketInfo] {
	deps := v.deps(store.SliceMarkets, store.SliceResources)
	return memoize(v.memo, "markets_status", "", deps, func() loadable.Loadable[map[string]domain.MarketInfo] {
		status, err := v.status(domain.MarketsKey())
		return loadable.Wrap(status, err, v.r.Markets(), true)
	})
}

// Orderbook returns the book of a market wrapped in its subscription status.
func (v *View) Orderbook(marketID string) loadable.Loadable[domain.Orderbook] {
	deps := v.deps(store.SliceOrderbooks, store.SliceResources)
	return memoize(v.memo, "orderbook", marketID, deps, func() loadable.Loadable[domain.Orderbook] {
		status, err := v.status(domain.OrderbookKey(marketID))
		book, ok := v.r.Orderbook(marketID)
		return loadable.Wrap(status, err, book, ok)
	})
}

// OrderbookMap returns the price keyed view of a book.
func (v *View) OrderbookMap(marketID string) (domain.OrderbookMap, bool) {
	type result struct {
		book domain.OrderbookMap
		ok   bool
	}
	r := memoize(v.memo, "orderbook_map", marketID, v.deps(store.SliceOrderbooks), func() result {
		b, ok := v.r.OrderbookMap(marketID)
		return result{b, ok}
	})
	return r.book, r.ok
}

// LiveTrades returns the bounded live trade buffer of a market, newest first.
func (v *View) LiveTrades(marketID string) []domain.Trade {
	return memoize(v.memo, "live_trades", marketID, v.deps(store.SliceTrades), func() []domain.Trade {
		return v.r.Trades(marketID)
	})
}

func (v *View) HistoricalFundings(marketID string) []domain.HistoricalFunding {
	return memoize(v.memo, "historical_fundings", marketID, v.deps(store.SliceFundings), func() []domain.HistoricalFunding {
		return v.r.HistoricalFundings(marketID)
	})
}

// ApiState returns the current connectivity state.
func (v *View) ApiState() domain.ApiState {
	return memoize(v.memo, "api_state", "", v.deps(store.SliceApi), v.r.ApiState)
}

// ResourceStatus returns the load state of one subscription key.
func (v *View) ResourceStatus(key domain.ResourceKey) store.ResourceState {
	return memoize(v.memo, "resource_status", key.String(), v.deps(store.SliceResources), func() store.ResourceState {
		return v.r.ResourceStatus(key)
	})
}

// params joins selector arguments into a memo key.
func params(args ...any) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = fmt.Sprint(a)
	}
	return strings.Join(parts, "|")
}
