package service

import (
	"log/slog"
	"sort"

	"perp_go/internal/domain"
	"perp_go/internal/loadable"
	"perp_go/internal/risk"
	"perp_go/internal/store"

	"github.com/shopspring/decimal"
)

// derivedAccount is every position and subaccount summary of the store,
// computed in one pass so positions and summaries always agree.
type derivedAccount struct {
	positions []risk.Position
	summaries map[int]risk.SubaccountSummary
}

func (v *View) derived() derivedAccount {
	deps := v.deps(store.SliceMarkets, store.SliceBalances, store.SlicePositions)
	return memoize(v.memo, "derived_account", "", deps, func() derivedAccount {
		return deriveAccount(v.r.Markets(), v.r.QuoteBalances(), v.r.Positions())
	})
}

func deriveAccount(markets map[string]domain.MarketInfo, balances map[int]decimal.Decimal, positions []domain.PerpetualPosition) derivedAccount {
	cores := make(map[int][]risk.PositionCore)
	for _, p := range positions {
		var market *domain.MarketInfo
		if m, ok := markets[p.MarketID]; ok {
			market = &m
		}
		core, err := risk.CalculatePositionCore(p, market)
		if err != nil {
			slog.Debug("Skipped position", slog.Any("error", err))
			continue
		}
		cores[p.SubaccountNumber] = append(cores[p.SubaccountNumber], core)
	}

	subaccounts := make(map[int]struct{}, len(balances)+len(cores))
	for n := range balances {
		subaccounts[n] = struct{}{}
	}
	for n := range cores {
		subaccounts[n] = struct{}{}
	}

	out := derivedAccount{summaries: make(map[int]risk.SubaccountSummary, len(subaccounts))}
	for n := range subaccounts {
		out.summaries[n] = risk.CalculateSubaccountSummary(balances[n], cores[n])
	}

	// positions arrive sorted by unique id and keep that order
	for _, p := range positions {
		for _, c := range cores[p.SubaccountNumber] {
			if c.UniqueID == p.UniqueID() {
				out.positions = append(out.positions, risk.CalculatePosition(c, out.summaries[p.SubaccountNumber]))
				break
			}
		}
	}
	return out
}

func (v *View) accountStatus() (loadable.Status, error) {
	if v.address == "" {
		return loadable.StatusIdle, nil
	}
	return v.status(domain.MarketsKey(), v.accountKey())
}

// Positions returns every derived position of the account. The status is the
// worse of the markets and the subaccount feed, so figures built on stale
// inputs are never reported as Success.
func (v *View) Positions() loadable.Loadable[[]risk.Position] {
	deps := v.deps(store.SliceMarkets, store.SliceBalances, store.SlicePositions, store.SliceResources)
	return memoize(v.memo, "positions", v.accountKey().String(), deps, func() loadable.Loadable[[]risk.Position] {
		status, err := v.accountStatus()
		return loadable.Wrap(status, err, v.derived().positions, true)
	})
}

// OpenPositions returns derived positions with a non-zero size.
func (v *View) OpenPositions() []risk.Position {
	deps := v.deps(store.SliceMarkets, store.SliceBalances, store.SlicePositions)
	return memoize(v.memo, "open_positions", "", deps, func() []risk.Position {
		var out []risk.Position
		for _, p := range v.derived().positions {
			if !p.SignedSize.IsZero() {
				out = append(out, p)
			}
		}
		return out
	})
}

// PositionByMarket returns the open position in marketID. A cross position in
// the parent subaccount wins over an isolated one.
func (v *View) PositionByMarket(marketID string) (risk.Position, bool) {
	var found *risk.Position
	positions := v.OpenPositions()
	for i := range positions {
		p := &positions[i]
		if p.MarketID != marketID {
			continue
		}
		if p.SubaccountNumber == v.parent {
			return *p, true
		}
		if found == nil {
			found = p
		}
	}
	if found == nil {
		return risk.Position{}, false
	}
	return *found, true
}

// SubaccountSummary returns the summary of one subaccount.
func (v *View) SubaccountSummary(subaccountNumber int) loadable.Loadable[risk.SubaccountSummary] {
	deps := v.deps(store.SliceMarkets, store.SliceBalances, store.SlicePositions, store.SliceResources)
	return memoize(v.memo, "subaccount_summary", params(v.accountKey(), subaccountNumber), deps, func() loadable.Loadable[risk.SubaccountSummary] {
		status, err := v.accountStatus()
		sum, ok := v.derived().summaries[subaccountNumber]
		if !ok {
			sum = risk.CalculateSubaccountSummary(decimal.Zero, nil)
		}
		return loadable.Wrap(status, err, sum, true)
	})
}

// GroupedSummary folds the parent subaccount with its isolated children.
func (v *View) GroupedSummary() loadable.Loadable[risk.GroupedSummary] {
	deps := v.deps(store.SliceMarkets, store.SliceBalances, store.SlicePositions, store.SliceResources)
	return memoize(v.memo, "grouped_summary", v.accountKey().String(), deps, func() loadable.Loadable[risk.GroupedSummary] {
		status, err := v.accountStatus()
		summaries := v.derived().summaries

		parent, ok := summaries[v.parent]
		if !ok {
			parent = risk.CalculateSubaccountSummary(decimal.Zero, nil)
		}
		children := make([]int, 0, len(summaries))
		for n := range summaries {
			if n != v.parent && domain.ParentSubaccount(n) == v.parent {
				children = append(children, n)
			}
		}
		sort.Ints(children)
		childSummaries := make([]risk.SubaccountSummary, len(children))
		for i, n := range children {
			childSummaries[i] = summaries[n]
		}
		return loadable.Wrap(status, err, risk.GroupSummaries(parent, childSummaries), true)
	})
}

// PendingPosition is an isolated market the account has open orders in but
// no position yet.
type PendingPosition struct {
	MarketID         string                   `json:"market_id"`
	AssetID          string                   `json:"asset_id"`
	SubaccountNumber int                      `json:"subaccount_number"`
	Equity           decimal.Decimal          `json:"equity"`
	Orders           []domain.SubaccountOrder `json:"orders"`
}

// PendingIsolatedPositions groups open isolated orders by market, skipping
// assets that already hold an open position. Equity is that of the child
// subaccount the orders live in.
func (v *View) PendingIsolatedPositions() []PendingPosition {
	deps := v.deps(store.SliceMarkets, store.SliceBalances, store.SlicePositions, store.SliceOrders)
	return memoize(v.memo, "pending_isolated_positions", "", deps, func() []PendingPosition {
		markets := v.Markets()
		held := make(map[string]struct{})
		for _, p := range v.OpenPositions() {
			held[p.AssetID] = struct{}{}
		}
		summaries := v.derived().summaries

		byMarket := make(map[string]*PendingPosition)
		for _, o := range v.OpenOrders() {
			if o.MarginMode != domain.MarginModeIsolated {
				continue
			}
			asset := markets[o.MarketID].AssetID
			if _, ok := held[asset]; ok {
				continue
			}
			pp, ok := byMarket[o.MarketID]
			if !ok {
				pp = &PendingPosition{
					MarketID:         o.MarketID,
					AssetID:          asset,
					SubaccountNumber: o.SubaccountNumber,
					Equity:           summaries[o.SubaccountNumber].Equity,
				}
				byMarket[o.MarketID] = pp
			}
			pp.Orders = append(pp.Orders, o)
		}

		out := make([]PendingPosition, 0, len(byMarket))
		for _, pp := range byMarket {
			out = append(out, *pp)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].MarketID < out[j].MarketID })
		return out
	})
}
