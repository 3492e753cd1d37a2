package store

import (
	"sort"

	"perp_go/internal/domain"

	"github.com/shopspring/decimal"
)

// Side selects one half of a book.
type Side uint8

const (
	Asks Side = iota
	Bids
)

// Book keeps the price -> level map of both sides and the sorted level
// slices derived from it. The slices are rebuilt from the maps, so both views
// hold the same levels after every Rebuild.
type Book struct {
	asks map[string]domain.PriceLevel
	bids map[string]domain.PriceLevel

	sortedAsks []domain.PriceLevel // ascending
	sortedBids []domain.PriceLevel // descending
}

func newBook() *Book {
	return &Book{
		asks: make(map[string]domain.PriceLevel),
		bids: make(map[string]domain.PriceLevel),
	}
}

func (b *Book) side(s Side) map[string]domain.PriceLevel {
	if s == Asks {
		return b.asks
	}
	return b.bids
}

// Reset drops every level.
func (b *Book) Reset() {
	clear(b.asks)
	clear(b.bids)
}

// Set writes one level. Size zero removes it.
func (b *Book) Set(s Side, lvl domain.PriceLevel) {
	m := b.side(s)
	key := domain.PriceKey(lvl.Price)
	if lvl.Size.IsZero() {
		delete(m, key)
		return
	}
	m[key] = lvl
}

// Rebuild re-derives the sorted slices from the maps.
func (b *Book) Rebuild() {
	b.sortedAsks = collect(b.sortedAsks, b.asks)
	sort.Slice(b.sortedAsks, func(i, j int) bool {
		return b.sortedAsks[i].Price.LessThan(b.sortedAsks[j].Price)
	})
	b.sortedBids = collect(b.sortedBids, b.bids)
	sort.Slice(b.sortedBids, func(i, j int) bool {
		return b.sortedBids[i].Price.GreaterThan(b.sortedBids[j].Price)
	})
}

func collect(dst []domain.PriceLevel, m map[string]domain.PriceLevel) []domain.PriceLevel {
	dst = dst[:0]
	for _, lvl := range m {
		dst = append(dst, lvl)
	}
	return dst
}

func (b *Book) snapshot(marketID string) domain.Orderbook {
	return domain.Orderbook{
		MarketID: marketID,
		Asks:     append([]domain.PriceLevel(nil), b.sortedAsks...),
		Bids:     append([]domain.PriceLevel(nil), b.sortedBids...),
	}
}

func (b *Book) derivedMap() domain.OrderbookMap {
	out := domain.OrderbookMap{
		Asks: make(map[string]decimal.Decimal, len(b.asks)),
		Bids: make(map[string]decimal.Decimal, len(b.bids)),
	}
	for k, lvl := range b.asks {
		out.Asks[k] = lvl.Size
	}
	for k, lvl := range b.bids {
		out.Bids[k] = lvl.Size
	}
	return out
}
