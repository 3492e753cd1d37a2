package service

import (
	"perp_go/internal/domain"
	"perp_go/internal/risk"
	"perp_go/internal/store"

	"github.com/shopspring/decimal"
)

// Orders returns every stored order, cleared ones included, newest update first.
func (v *View) Orders() []domain.SubaccountOrder {
	return memoize(v.memo, "orders", "", v.deps(store.SliceOrders), v.r.Orders)
}

// UnclearedOrders hides orders the user dismissed.
func (v *View) UnclearedOrders() []domain.SubaccountOrder {
	return memoize(v.memo, "uncleared_orders", "", v.deps(store.SliceOrders), func() []domain.SubaccountOrder {
		cleared := v.r.ClearedOrderIDs()
		var out []domain.SubaccountOrder
		for _, o := range v.Orders() {
			if _, ok := cleared[o.ID]; !ok {
				out = append(out, o)
			}
		}
		return out
	})
}

// OpenOrders returns uncleared orders that are not terminal.
func (v *View) OpenOrders() []domain.SubaccountOrder {
	return memoize(v.memo, "open_orders", "", v.deps(store.SliceOrders), func() []domain.SubaccountOrder {
		var out []domain.SubaccountOrder
		for _, o := range v.UnclearedOrders() {
			if o.Status.IsOpen() {
				out = append(out, o)
			}
		}
		return out
	})
}

// OrdersByMarket returns the uncleared orders of one market.
func (v *View) OrdersByMarket(marketID string) []domain.SubaccountOrder {
	return memoize(v.memo, "orders_by_market", marketID, v.deps(store.SliceOrders), func() []domain.SubaccountOrder {
		var out []domain.SubaccountOrder
		for _, o := range v.UnclearedOrders() {
			if o.MarketID == marketID {
				out = append(out, o)
			}
		}
		return out
	})
}

// OpenOrdersByMarket indexes open orders by market id.
func (v *View) OpenOrdersByMarket() map[string][]domain.SubaccountOrder {
	return memoize(v.memo, "open_orders_by_market", "", v.deps(store.SliceOrders), func() map[string][]domain.SubaccountOrder {
		out := make(map[string][]domain.SubaccountOrder)
		for _, o := range v.OpenOrders() {
			out[o.MarketID] = append(out[o.MarketID], o)
		}
		return out
	})
}

func (v *View) OrderByID(id string) (domain.SubaccountOrder, bool) {
	for _, o := range v.Orders() {
		if o.ID == id {
			return o, true
		}
	}
	return domain.SubaccountOrder{}, false
}

func (v *View) OrderByClientID(clientID string) (domain.SubaccountOrder, bool) {
	return v.r.OrderByClientID(clientID)
}

// Fills returns every fill, newest first.
func (v *View) Fills() []domain.Fill {
	return memoize(v.memo, "fills", "", v.deps(store.SliceFills), v.r.Fills)
}

func (v *View) FillsByMarket(marketID string) []domain.Fill {
	return memoize(v.memo, "fills_by_market", marketID, v.deps(store.SliceFills), func() []domain.Fill {
		var out []domain.Fill
		for _, f := range v.Fills() {
			if f.MarketID == marketID {
				out = append(out, f)
			}
		}
		return out
	})
}

// fillsByOrder indexes fills by order id.
func (v *View) fillsByOrder() map[string][]domain.Fill {
	return memoize(v.memo, "fills_by_order", "", v.deps(store.SliceFills), func() map[string][]domain.Fill {
		out := make(map[string][]domain.Fill)
		for _, f := range v.Fills() {
			if f.OrderID != "" {
				out[f.OrderID] = append(out[f.OrderID], f)
			}
		}
		return out
	})
}

// FillForClientID returns the newest fill of the order placed with clientID.
func (v *View) FillForClientID(clientID string) (domain.Fill, bool) {
	o, ok := v.OrderByClientID(clientID)
	if !ok {
		return domain.Fill{}, false
	}
	fills := v.fillsByOrder()[o.ID]
	if len(fills) == 0 {
		return domain.Fill{}, false
	}
	return fills[0], true
}

// AverageFillPrice returns the size weighted fill price of an order, nil
// while it has no fills.
func (v *View) AverageFillPrice(orderID string) *decimal.Decimal {
	return memoize(v.memo, "average_fill_price", orderID, v.deps(store.SliceFills), func() *decimal.Decimal {
		return risk.AverageFillPrice(v.fillsByOrder()[orderID])
	})
}

func (v *View) FundingPayments() []domain.FundingPayment {
	return memoize(v.memo, "funding_payments", "", v.deps(store.SliceFundingPayments), v.r.FundingPayments)
}

func (v *View) FundingPaymentsByMarket(marketID string) []domain.FundingPayment {
	return memoize(v.memo, "funding_payments_by_market", marketID, v.deps(store.SliceFundingPayments), func() []domain.FundingPayment {
		var out []domain.FundingPayment
		for _, p := range v.FundingPayments() {
			if p.MarketID == marketID {
				out = append(out, p)
			}
		}
		return out
	})
}

// OrderbookLevelSizes returns the size the account rests at each level of a
// market's book. Only orders in OPEN status count.
func (v *View) OrderbookLevelSizes(marketID string) risk.LevelSizes {
	deps := v.deps(store.SliceOrders, store.SliceMarkets)
	return memoize(v.memo, "orderbook_level_sizes", marketID, deps, func() risk.LevelSizes {
		var resting []domain.SubaccountOrder
		for _, o := range v.Orders() {
			if o.MarketID == marketID && o.Status == domain.OrderStatusOpen {
				resting = append(resting, o)
			}
		}
		m, _ := v.Market(marketID)
		return risk.OrderbookLevelSizes(resting, m.TickSize)
	})
}

// UnseenOrdersCount counts orders, cleared ones included, updated after the
// user last looked at open orders. An empty marketID counts across all markets.
func (v *View) UnseenOrdersCount(marketID string) int {
	deps := v.deps(store.SliceOrders, store.SliceSeen, store.SliceApi)
	return memoize(v.memo, "unseen_orders", marketID, deps, func() int {
		if v.ApiState().IndexerHeight == nil {
			return 0
		}
		mem := v.r.SeenMemory()
		n := 0
		for _, o := range v.Orders() {
			if marketID != "" && o.MarketID != marketID {
				continue
			}
			if mem.Empty() || unseen(mem.OpenOrders, o.MarketID, o.UpdatedAtMs) {
				n++
			}
		}
		return n
	})
}

// UnseenFillsCount counts fills created after the user last looked at fills.
// An empty marketID counts across all markets.
func (v *View) UnseenFillsCount(marketID string) int {
	deps := v.deps(store.SliceFills, store.SliceSeen, store.SliceApi)
	return memoize(v.memo, "unseen_fills", marketID, deps, func() int {
		if v.ApiState().IndexerHeight == nil {
			return 0
		}
		mem := v.r.SeenMemory()
		n := 0
		for _, f := range v.Fills() {
			if marketID != "" && f.MarketID != marketID {
				continue
			}
			if mem.Empty() || unseen(mem.Fills, f.MarketID, f.CreatedAt) {
				n++
			}
		}
		return n
	})
}

// unseen compares against zero when neither the market nor ALL was looked at.
func unseen(entries map[string]int64, marketID string, atMs int64) bool {
	last, _ := domain.LastSeen(entries, marketID)
	return atMs > last
}

// TradeInfoNumbers are the badge counters of the trading panel.
type TradeInfoNumbers struct {
	Positions       int `json:"positions"`
	OpenOrders      int `json:"open_orders"`
	UnseenFills     int `json:"unseen_fills"`
	FundingPayments int `json:"funding_payments"`
}

// TradeInfoNumbers counts across the whole account. Positions counts open
// positions only.
func (v *View) TradeInfoNumbers() TradeInfoNumbers {
	return TradeInfoNumbers{
		Positions:       len(v.OpenPositions()),
		OpenOrders:      len(v.OpenOrders()),
		UnseenFills:     v.UnseenFillsCount(""),
		FundingPayments: len(v.FundingPayments()),
	}
}

// MarketTradeInfoNumbers counts within one market. Positions is 0 or 1.
func (v *View) MarketTradeInfoNumbers(marketID string) TradeInfoNumbers {
	out := TradeInfoNumbers{
		OpenOrders:      len(v.OpenOrdersByMarket()[marketID]),
		UnseenFills:     v.UnseenFillsCount(marketID),
		FundingPayments: len(v.FundingPaymentsByMarket(marketID)),
	}
	if _, ok := v.PositionByMarket(marketID); ok {
		out.Positions = 1
	}
	return out
}
