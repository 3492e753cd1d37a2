package domain

import "github.com/shopspring/decimal"

type Liquidity string

const (
	LiquidityMaker Liquidity = "MAKER"
	LiquidityTaker Liquidity = "TAKER"
)

// Fill is one execution of an order.
type Fill struct {
	ID               string          `json:"id"`
	OrderID          string          `json:"order_id,omitempty"`
	ClientID         string          `json:"client_id,omitempty"`
	SubaccountNumber int             `json:"subaccount_number"`
	MarketID         string          `json:"market_id"`
	Side             OrderSide       `json:"side"`
	Liquidity        Liquidity       `json:"liquidity"`
	Type             string          `json:"type"`
	Price            decimal.Decimal `json:"price"`
	Size             decimal.Decimal `json:"size"`
	Fee              decimal.Decimal `json:"fee"`
	CreatedAt        int64           `json:"created_at"` // unix ms
	CreatedAtHeight  uint64          `json:"created_at_height,omitempty"`
}

// FundingPayment is one periodic funding settlement of a position.
type FundingPayment struct {
	ID               string          `json:"id"`
	SubaccountNumber int             `json:"subaccount_number"`
	MarketID         string          `json:"market_id"`
	Payment          decimal.Decimal `json:"payment"`
	Rate             decimal.Decimal `json:"rate"`
	PositionSize     decimal.Decimal `json:"position_size"`
	Price            decimal.Decimal `json:"price"`
	EffectiveAt      int64           `json:"effective_at"` // unix ms
	Height           uint64          `json:"height,omitempty"`
}

// SeenAllMarkets is the market key of the wallet-wide seen entry.
const SeenAllMarkets = "ALL"

// SeenMemory holds, per market, the last time the user looked at open orders
// and at fills. Values are unix ms.
type SeenMemory struct {
	OpenOrders map[string]int64 `json:"open_orders"`
	Fills      map[string]int64 `json:"fills"`
}

func NewSeenMemory() SeenMemory {
	return SeenMemory{OpenOrders: map[string]int64{}, Fills: map[string]int64{}}
}

// Empty reports that nothing was ever marked seen for this wallet and network.
func (m SeenMemory) Empty() bool {
	return len(m.OpenOrders) == 0 && len(m.Fills) == 0
}

// LastSeen looks up the market entry, falling back to the ALL entry.
func LastSeen(entries map[string]int64, marketID string) (int64, bool) {
	if marketID != "" {
		if ts, ok := entries[marketID]; ok {
			return ts, true
		}
	}
	ts, ok := entries[SeenAllMarkets]
	return ts, ok
}
