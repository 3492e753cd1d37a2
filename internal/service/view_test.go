package service

import (
	"errors"
	"testing"

	"perp_go/internal/domain"
	"perp_go/internal/loadable"
	"perp_go/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAddress = "dydx1testaddress"

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func market(id, oracle, imf, mmf string) domain.MarketInfo {
	o := d(oracle)
	return domain.MarketInfo{
		ID:                        id,
		OraclePrice:               &o,
		TickSize:                  d("0.5"),
		StepSize:                  d("0.01"),
		InitialMarginFraction:     d(imf),
		MaintenanceMarginFraction: d(mmf),
	}.Finalize()
}

func position(sub int, marketID, size, entry string) domain.PerpetualPosition {
	return domain.PerpetualPosition{
		SubaccountNumber: sub,
		MarketID:         marketID,
		Status:           domain.PositionStatusOpen,
		Size:             d(size),
		EntryPrice:       d(entry),
	}
}

func order(id string, sub int, marketID string, side domain.OrderSide, status domain.OrderStatus, price, size string, updatedAt int64) domain.SubaccountOrder {
	return domain.SubaccountOrder{
		ID:               id,
		ClientID:         "c" + id,
		SubaccountNumber: sub,
		MarketID:         marketID,
		Side:             side,
		Type:             domain.OrderTypeLimit,
		Status:           status,
		Price:            d(price),
		Size:             d(size),
		RemainingSize:    d(size),
		UpdatedAtMs:      updatedAt,
		MarginMode:       domain.MarginModeFor(sub),
	}
}

// newTestView seeds a store with the example account: 1000 quote and a
// 2 ETH long at 50 with a 10% initial margin fraction.
func newTestView(t *testing.T, seed ...func(w *store.Writer)) (*store.Store, *View) {
	t.Helper()
	st := store.New()
	st.Write(func(w *store.Writer) {
		w.PutMarket(market("ETH-USD", "50", "0.1", "0.05"))
		w.PutMarket(market("BTC-USD", "100", "0.05", "0.03"))
		w.SetBalance(0, d("1000"))
		w.PutPosition(position(0, "ETH-USD", "2", "50"))
		w.SetResourceStatus(domain.MarketsKey(), loadable.StatusSuccess, nil)
		w.SetResourceStatus(domain.SubaccountKey(testAddress, 0), loadable.StatusSuccess, nil)
		for _, fn := range seed {
			fn(w)
		}
	})
	return st, NewView(st, NewMemo(), testAddress, 0)
}

func TestSubaccountSummary(t *testing.T) {
	_, v := newTestView(t)

	got := v.SubaccountSummary(0)
	require.True(t, loadable.IsSuccess(got))
	sum, ok := got.Data()
	require.True(t, ok)

	assert.True(t, d("1100").Equal(sum.Equity), "equity %s", sum.Equity)
	assert.True(t, d("1090").Equal(sum.FreeCollateral), "free collateral %s", sum.FreeCollateral)
	assert.True(t, d("100").Equal(sum.NotionalTotal))
	require.NotNil(t, sum.Leverage)
	assert.InDelta(t, 0.0909, sum.Leverage.InexactFloat64(), 0.0001)
}

func TestPositionsCarryWorstInputStatus(t *testing.T) {
	st, v := newTestView(t)

	positions := v.Positions()
	require.True(t, loadable.IsSuccess(positions))

	st.Write(func(w *store.Writer) {
		w.SetResourceStatus(domain.SubaccountKey(testAddress, 0), loadable.StatusPending, nil)
	})
	positions = v.Positions()
	assert.True(t, loadable.IsPending(positions))
	data, ok := positions.Data()
	require.True(t, ok)
	require.Len(t, data, 1)
	assert.Equal(t, "0-ETH-USD", data[0].UniqueID)

	st.Write(func(w *store.Writer) {
		w.SetResourceStatus(domain.MarketsKey(), loadable.StatusError, errors.New("socket closed"))
	})
	positions = v.Positions()
	assert.True(t, loadable.IsError(positions))
	assert.EqualError(t, positions.Err(), "socket closed")
}

func TestPositionsWithoutAddressAreIdle(t *testing.T) {
	st, _ := newTestView(t)
	v := NewView(st, nil, "", 0)

	assert.True(t, loadable.IsIdle(v.Positions()))
	_, ok := v.Positions().Data()
	assert.False(t, ok)
}

func TestPositionWithoutMarketIsSkipped(t *testing.T) {
	_, v := newTestView(t, func(w *store.Writer) {
		w.PutPosition(position(0, "SOL-USD", "3", "20"))
	})

	data, ok := v.Positions().Data()
	require.True(t, ok)
	require.Len(t, data, 1)
	assert.Equal(t, "ETH-USD", data[0].MarketID)

	sum, _ := v.SubaccountSummary(0).Data()
	assert.True(t, d("1100").Equal(sum.Equity))
}

func TestMemoReusesUntilInputsChange(t *testing.T) {
	st, v := newTestView(t)

	first, _ := v.Positions().Data()
	hits, misses := v.memo.Stats()

	again, _ := v.Positions().Data()
	h2, m2 := v.memo.Stats()
	assert.Equal(t, hits+1, h2)
	assert.Equal(t, misses, m2)
	assert.Equal(t, first, again)

	// trades are not an input of positions
	st.Write(func(w *store.Writer) {
		w.SetTrades("ETH-USD", []domain.Trade{{ID: "t1", MarketID: "ETH-USD", Price: d("50"), Size: d("1")}})
	})
	v.Positions()
	_, m3 := v.memo.Stats()
	assert.Equal(t, m2, m3)

	st.Write(func(w *store.Writer) {
		w.PutMarket(market("ETH-USD", "60", "0.1", "0.05"))
	})
	moved, _ := v.Positions().Data()
	_, m4 := v.memo.Stats()
	assert.Greater(t, m4, m3)
	require.Len(t, moved, 1)
	assert.True(t, d("120").Equal(moved[0].Value))
}

func TestGroupedSummary(t *testing.T) {
	_, v := newTestView(t, func(w *store.Writer) {
		w.SetBalance(128, d("30"))
		w.PutPosition(position(128, "BTC-USD", "-1", "90"))
		// another parent's child is not part of the group
		w.SetBalance(129, d("500"))
	})

	g, ok := v.GroupedSummary().Data()
	require.True(t, ok)
	// 1100 + (30 - 100)
	assert.True(t, d("1030").Equal(g.Equity), "equity %s", g.Equity)
	assert.True(t, d("1090").Equal(g.FreeCollateral))

	pos, ok := v.PositionByMarket("BTC-USD")
	require.True(t, ok)
	assert.Equal(t, domain.MarginModeIsolated, pos.MarginMode)
	// isolated margin is the child equity
	assert.True(t, d("-70").Equal(pos.MarginValueInitial))
}

func TestOrderSelectors(t *testing.T) {
	st, v := newTestView(t, func(w *store.Writer) {
		w.PutOrder(order("1", 0, "ETH-USD", domain.SideBuy, domain.OrderStatusOpen, "49.3", "1", 100))
		w.PutOrder(order("2", 0, "ETH-USD", domain.SideSell, domain.OrderStatusFilled, "51", "1", 200))
		w.PutOrder(order("3", 0, "BTC-USD", domain.SideBuy, domain.OrderStatusPartiallyFilled, "99", "2", 300))
	})

	assert.Len(t, v.Orders(), 3)
	assert.Equal(t, "3", v.Orders()[0].ID)
	assert.Len(t, v.OpenOrders(), 2)
	assert.Len(t, v.OrdersByMarket("ETH-USD"), 2)
	assert.Len(t, v.OpenOrdersByMarket()["ETH-USD"], 1)

	o, ok := v.OrderByClientID("c2")
	require.True(t, ok)
	assert.Equal(t, "2", o.ID)
	_, ok = v.OrderByID("missing")
	assert.False(t, ok)

	st.Write(func(w *store.Writer) { w.ClearOrder("2") })
	assert.Len(t, v.UnclearedOrders(), 2)
	assert.Len(t, v.OrdersByMarket("ETH-USD"), 1)
	_, ok = v.OrderByID("2")
	assert.True(t, ok, "cleared orders stay addressable by id")
}

func TestOrderbookLevelSizes(t *testing.T) {
	_, v := newTestView(t, func(w *store.Writer) {
		w.PutOrder(order("1", 0, "ETH-USD", domain.SideBuy, domain.OrderStatusOpen, "49.3", "1", 1))
		w.PutOrder(order("2", 0, "ETH-USD", domain.SideBuy, domain.OrderStatusOpen, "49.4", "2", 2))
		w.PutOrder(order("3", 0, "ETH-USD", domain.SideSell, domain.OrderStatusOpen, "50.2", "1", 3))
		w.PutOrder(order("4", 0, "ETH-USD", domain.SideSell, domain.OrderStatusUntriggered, "55", "1", 4))
	})

	levels := v.OrderbookLevelSizes("ETH-USD")
	assert.True(t, d("3").Equal(levels[domain.SideBuy]["49"]))
	assert.True(t, d("1").Equal(levels[domain.SideSell]["50.5"]))
	_, ok := levels[domain.SideSell]["55"]
	assert.False(t, ok, "only OPEN orders rest on the book")
}

func TestOrderbookLevelSizesIncludeClearedOpenOrders(t *testing.T) {
	st, v := newTestView(t, func(w *store.Writer) {
		w.PutOrder(order("1", 0, "ETH-USD", domain.SideBuy, domain.OrderStatusOpen, "49.3", "1", 1))
		w.PutOrder(order("2", 0, "ETH-USD", domain.SideBuy, domain.OrderStatusOpen, "49.4", "2", 2))
	})
	st.Write(func(w *store.Writer) { w.ClearOrder("2") })

	assert.Len(t, v.UnclearedOrders(), 1)
	levels := v.OrderbookLevelSizes("ETH-USD")
	assert.True(t, d("3").Equal(levels[domain.SideBuy]["49"]), "cleared order still rests on the book")
}

func TestPendingIsolatedPositions(t *testing.T) {
	_, v := newTestView(t, func(w *store.Writer) {
		w.SetBalance(130, d("40"))
		w.PutOrder(order("1", 130, "BTC-USD", domain.SideBuy, domain.OrderStatusOpen, "95", "1", 1))
		w.PutOrder(order("2", 130, "BTC-USD", domain.SideBuy, domain.OrderStatusOpen, "94", "1", 2))
		// ETH already has a position
		w.PutOrder(order("3", 131, "ETH-USD", domain.SideBuy, domain.OrderStatusOpen, "45", "1", 3))
		// cross orders are not pending positions
		w.PutOrder(order("4", 0, "BTC-USD", domain.SideBuy, domain.OrderStatusOpen, "90", "1", 4))
	})

	pending := v.PendingIsolatedPositions()
	require.Len(t, pending, 1)
	assert.Equal(t, "BTC-USD", pending[0].MarketID)
	assert.Equal(t, "BTC", pending[0].AssetID)
	assert.Equal(t, 130, pending[0].SubaccountNumber)
	assert.True(t, d("40").Equal(pending[0].Equity))
	assert.Len(t, pending[0].Orders, 2)
}

func TestFillSelectors(t *testing.T) {
	_, v := newTestView(t, func(w *store.Writer) {
		w.PutOrder(order("1", 0, "ETH-USD", domain.SideBuy, domain.OrderStatusFilled, "50", "4", 1))
		w.SetFills([]domain.Fill{
			{ID: "f2", OrderID: "1", MarketID: "ETH-USD", Price: d("52"), Size: d("3"), CreatedAt: 20},
			{ID: "f1", OrderID: "1", MarketID: "ETH-USD", Price: d("48"), Size: d("1"), CreatedAt: 10},
			{ID: "f0", OrderID: "9", MarketID: "BTC-USD", Price: d("100"), Size: d("1"), CreatedAt: 5},
		})
	})

	assert.Len(t, v.FillsByMarket("ETH-USD"), 2)

	f, ok := v.FillForClientID("c1")
	require.True(t, ok)
	assert.Equal(t, "f2", f.ID)

	avg := v.AverageFillPrice("1")
	require.NotNil(t, avg)
	assert.True(t, d("51").Equal(*avg), "avg %s", avg)
	assert.Nil(t, v.AverageFillPrice("missing"))
}

func TestUnseenCounts(t *testing.T) {
	st, v := newTestView(t, func(w *store.Writer) {
		w.PutOrder(order("1", 0, "ETH-USD", domain.SideBuy, domain.OrderStatusOpen, "49", "1", 100))
		w.PutOrder(order("2", 0, "BTC-USD", domain.SideBuy, domain.OrderStatusOpen, "99", "1", 300))
		w.SetFills([]domain.Fill{
			{ID: "f3", MarketID: "BTC-USD", Price: d("1"), Size: d("1"), CreatedAt: 300},
			{ID: "f2", MarketID: "ETH-USD", Price: d("1"), Size: d("1"), CreatedAt: 200},
			{ID: "f1", MarketID: "ETH-USD", Price: d("1"), Size: d("1"), CreatedAt: 100},
		})
	})

	// no indexer height yet
	assert.Equal(t, 0, v.UnseenFillsCount(""))
	assert.Equal(t, 0, v.UnseenOrdersCount(""))

	height := uint64(1234)
	st.Write(func(w *store.Writer) {
		w.SetApiState(domain.ApiState{Status: domain.ApiStatusNormal, IndexerHeight: &height, ValidatorHeight: &height})
	})
	assert.Equal(t, 3, v.UnseenFillsCount(""), "nothing seen yet")

	mem := domain.NewSeenMemory()
	mem.Fills[domain.SeenAllMarkets] = 150
	mem.Fills["BTC-USD"] = 400
	mem.OpenOrders[domain.SeenAllMarkets] = 200
	st.Write(func(w *store.Writer) { w.SetSeenMemory(mem) })

	assert.Equal(t, 1, v.UnseenFillsCount(""))
	assert.Equal(t, 1, v.UnseenFillsCount("ETH-USD"))
	assert.Equal(t, 0, v.UnseenFillsCount("BTC-USD"))
	assert.Equal(t, 1, v.UnseenOrdersCount(""))
	assert.Equal(t, 0, v.UnseenOrdersCount("ETH-USD"))
}

func TestUnseenOrdersCountAgainstMemory(t *testing.T) {
	st, v := newTestView(t, func(w *store.Writer) {
		height := uint64(10)
		w.SetApiState(domain.ApiState{Status: domain.ApiStatusNormal, IndexerHeight: &height, ValidatorHeight: &height})
		w.PutOrder(order("1", 0, "ETH-USD", domain.SideBuy, domain.OrderStatusFilled, "49", "1", 500))
		w.PutOrder(order("2", 0, "BTC-USD", domain.SideBuy, domain.OrderStatusOpen, "99", "1", 0))
	})

	assert.Equal(t, 2, v.UnseenOrdersCount(""), "no memory counts everything")

	// a memory for another kind exists, so missing entries compare against zero
	mem := domain.NewSeenMemory()
	mem.Fills[domain.SeenAllMarkets] = 1000
	st.Write(func(w *store.Writer) {
		w.SetSeenMemory(mem)
		w.ClearOrder("1")
	})

	assert.Equal(t, 1, v.UnseenOrdersCount(""), "cleared orders still count")
	assert.Equal(t, 1, v.UnseenOrdersCount("ETH-USD"))
	assert.Equal(t, 0, v.UnseenOrdersCount("BTC-USD"), "an order never updated counts as seen")
}

func TestTradeInfoNumbers(t *testing.T) {
	_, v := newTestView(t, func(w *store.Writer) {
		w.PutPosition(position(0, "BTC-USD", "0", "100"))
		w.PutOrder(order("1", 0, "BTC-USD", domain.SideBuy, domain.OrderStatusOpen, "99", "1", 1))
		w.SetFundingPayments([]domain.FundingPayment{
			{ID: "p1", MarketID: "ETH-USD", Payment: d("-0.1")},
			{ID: "p2", MarketID: "BTC-USD", Payment: d("0.2")},
		})
	})

	n := v.TradeInfoNumbers()
	assert.Equal(t, TradeInfoNumbers{Positions: 1, OpenOrders: 1, UnseenFills: 0, FundingPayments: 2}, n)

	btc := v.MarketTradeInfoNumbers("BTC-USD")
	assert.Equal(t, TradeInfoNumbers{Positions: 0, OpenOrders: 1, FundingPayments: 1}, btc)
	eth := v.MarketTradeInfoNumbers("ETH-USD")
	assert.Equal(t, 1, eth.Positions)
}

func TestMarketAndBookSelectors(t *testing.T) {
	st, v := newTestView(t)

	assert.Equal(t, []string{"BTC-USD", "ETH-USD"}, v.SortedMarketIDs())
	m, ok := v.Market("ETH-USD")
	require.True(t, ok)
	assert.Equal(t, "ETH", m.AssetID)
	assert.True(t, loadable.IsSuccess(v.MarketsStatus()))

	assert.True(t, loadable.IsIdle(v.Orderbook("ETH-USD")))

	st.Write(func(w *store.Writer) {
		b := w.Book("ETH-USD")
		b.Set(store.Bids, domain.PriceLevel{Price: d("49.5"), Size: d("3")})
		b.Rebuild()
		w.TouchOrderbooks()
		w.SetResourceStatus(domain.OrderbookKey("ETH-USD"), loadable.StatusSuccess, nil)
	})
	book := v.Orderbook("ETH-USD")
	require.True(t, loadable.IsSuccess(book))
	data, _ := book.Data()
	require.Len(t, data.Bids, 1)

	bm, ok := v.OrderbookMap("ETH-USD")
	require.True(t, ok)
	assert.True(t, d("3").Equal(bm.Bids["49.5"]))

	assert.Equal(t, domain.ApiStatusUnknown, v.ApiState().Status)
	assert.Equal(t, loadable.StatusSuccess, v.ResourceStatus(domain.MarketsKey()).Status)
}

func TestMemoKeysByParams(t *testing.T) {
	m := NewMemo()
	calls := 0
	compute := func() int { calls++; return calls }

	a := memoize(m, "x", params("BTC-USD", 1), []uint64{1}, compute)
	b := memoize(m, "x", params("BTC-USD", 1), []uint64{1}, compute)
	c := memoize(m, "x", params("ETH-USD", 1), []uint64{1}, compute)
	e := memoize(m, "x", params("BTC-USD", 1), []uint64{2}, compute)

	assert.Equal(t, 1, a)
	assert.Equal(t, 1, b)
	assert.Equal(t, 2, c)
	assert.Equal(t, 3, e)
	assert.Equal(t, 2, m.Len())

	m.Reset()
	assert.Equal(t, 0, m.Len())
}
