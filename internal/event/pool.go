package event

import (
	"sync"
)

// Orderbook deltas and trades are the high-frequency events; both are pooled.
//
// Usage:
//
//	ev := AcquireOrderbookEvent()
//	ev.MarketID = "BTC-USD"
//	inbox <- ev
//	// the engine calls ReleaseOrderbookEvent(ev) after merging
var orderbookPool = sync.Pool{
	New: func() interface{} {
		return &OrderbookEvent{}
	},
}

// AcquireOrderbookEvent gets an OrderbookEvent from the pool.
// The returned event has zero values and must be initialized.
func AcquireOrderbookEvent() *OrderbookEvent {
	return orderbookPool.Get().(*OrderbookEvent)
}

// ReleaseOrderbookEvent returns an OrderbookEvent to the pool.
// Level slices keep their capacity.
func ReleaseOrderbookEvent(ev *OrderbookEvent) {
	if ev == nil {
		return
	}
	ev.BaseEvent = BaseEvent{}
	ev.Mode = ModeUpdate
	ev.MarketID = ""
	ev.Asks = ev.Asks[:0]
	ev.Bids = ev.Bids[:0]

	orderbookPool.Put(ev)
}

var tradesPool = sync.Pool{
	New: func() interface{} {
		return &TradesEvent{}
	},
}

// AcquireTradesEvent gets a TradesEvent from the pool.
func AcquireTradesEvent() *TradesEvent {
	return tradesPool.Get().(*TradesEvent)
}

// ReleaseTradesEvent returns a TradesEvent to the pool.
func ReleaseTradesEvent(ev *TradesEvent) {
	if ev == nil {
		return
	}
	ev.BaseEvent = BaseEvent{}
	ev.MarketID = ""
	ev.Trades = ev.Trades[:0]

	tradesPool.Put(ev)
}

// Release returns pooled events to their pool and ignores the rest.
func Release(ev Event) {
	switch e := ev.(type) {
	case *OrderbookEvent:
		ReleaseOrderbookEvent(e)
	case *TradesEvent:
		ReleaseTradesEvent(e)
	}
}

// Warmup pre-allocates event objects to reduce GC pressure at startup.
func Warmup() {
	const batchSize = 256

	books := make([]*OrderbookEvent, 0, batchSize)
	for i := 0; i < batchSize; i++ {
		books = append(books, AcquireOrderbookEvent())
	}
	for _, ev := range books {
		ReleaseOrderbookEvent(ev)
	}

	trades := make([]*TradesEvent, 0, batchSize)
	for i := 0; i < batchSize; i++ {
		trades = append(trades, AcquireTradesEvent())
	}
	for _, ev := range trades {
		ReleaseTradesEvent(ev)
	}
}
