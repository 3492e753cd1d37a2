package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// MarketInfo holds the static and semi-static attributes of one perpetual market.
// Keyed by market id (e.g. "BTC-USD").
type MarketInfo struct {
	ID         string `json:"id"`
	ClobPairID string `json:"clob_pair_id"`
	Status     string `json:"status"`

	// Display
	DisplayID         string `json:"display_id"`
	AssetID           string `json:"asset_id"`
	DisplayableAsset  string `json:"displayable_asset"`
	DisplayableTicker string `json:"displayable_ticker"`

	// Pricing
	OraclePrice      *decimal.Decimal `json:"oracle_price,omitempty"`
	PriceChange24H   decimal.Decimal  `json:"price_change_24h"`
	PercentChange24H *decimal.Decimal `json:"percent_change_24h,omitempty"`
	NextFundingRate  decimal.Decimal  `json:"next_funding_rate"`
	Volume24H        decimal.Decimal  `json:"volume_24h"`

	// Sizing
	TickSize         decimal.Decimal `json:"tick_size"`
	StepSize         decimal.Decimal `json:"step_size"`
	TickSizeDecimals int32           `json:"tick_size_decimals"`
	StepSizeDecimals int32           `json:"step_size_decimals"`

	// Margin
	InitialMarginFraction          decimal.Decimal  `json:"initial_margin_fraction"`
	MaintenanceMarginFraction      decimal.Decimal  `json:"maintenance_margin_fraction"`
	EffectiveInitialMarginFraction *decimal.Decimal `json:"effective_initial_margin_fraction,omitempty"`
	OpenInterest                   decimal.Decimal  `json:"open_interest"`
	OpenInterestUSDC               decimal.Decimal  `json:"open_interest_usdc"`
}

// MarketPatch is a partial market update. Nil fields are absent and leave the
// stored value untouched.
type MarketPatch struct {
	ID                             string
	ClobPairID                     *string
	Status                         *string
	OraclePrice                    *decimal.Decimal
	PriceChange24H                 *decimal.Decimal
	NextFundingRate                *decimal.Decimal
	Volume24H                      *decimal.Decimal
	TickSize                       *decimal.Decimal
	StepSize                       *decimal.Decimal
	InitialMarginFraction          *decimal.Decimal
	MaintenanceMarginFraction      *decimal.Decimal
	EffectiveInitialMarginFraction *decimal.Decimal
	OpenInterest                   *decimal.Decimal
}

// Apply merges the patch into m and refreshes derived display fields.
func (m MarketInfo) Apply(p MarketPatch) MarketInfo {
	if m.ID == "" {
		m.ID = p.ID
	}
	if p.ClobPairID != nil {
		m.ClobPairID = *p.ClobPairID
	}
	if p.Status != nil {
		m.Status = *p.Status
	}
	if p.OraclePrice != nil {
		v := *p.OraclePrice
		m.OraclePrice = &v
	}
	if p.PriceChange24H != nil {
		m.PriceChange24H = *p.PriceChange24H
	}
	if p.NextFundingRate != nil {
		m.NextFundingRate = *p.NextFundingRate
	}
	if p.Volume24H != nil {
		m.Volume24H = *p.Volume24H
	}
	if p.TickSize != nil {
		m.TickSize = *p.TickSize
	}
	if p.StepSize != nil {
		m.StepSize = *p.StepSize
	}
	if p.InitialMarginFraction != nil {
		m.InitialMarginFraction = *p.InitialMarginFraction
	}
	if p.MaintenanceMarginFraction != nil {
		m.MaintenanceMarginFraction = *p.MaintenanceMarginFraction
	}
	if p.EffectiveInitialMarginFraction != nil {
		v := *p.EffectiveInitialMarginFraction
		m.EffectiveInitialMarginFraction = &v
	}
	if p.OpenInterest != nil {
		m.OpenInterest = *p.OpenInterest
	}
	return m.Finalize()
}

// Finalize fills the display-only fields derived from the raw market attributes.
func (m MarketInfo) Finalize() MarketInfo {
	base := m.ID
	if i := strings.IndexByte(base, '-'); i > 0 {
		base = base[:i]
	}
	m.AssetID = base
	m.DisplayableAsset = base
	m.DisplayableTicker = m.ID
	if m.DisplayID == "" {
		m.DisplayID = m.ID
	}

	m.TickSizeDecimals = decimals(m.TickSize)
	m.StepSizeDecimals = decimals(m.StepSize)

	m.PercentChange24H = nil
	m.OpenInterestUSDC = decimal.Zero
	if m.OraclePrice != nil {
		m.OpenInterestUSDC = m.OpenInterest.Mul(*m.OraclePrice)
		prev := m.OraclePrice.Sub(m.PriceChange24H)
		if !prev.IsZero() {
			pct := m.PriceChange24H.Div(prev)
			m.PercentChange24H = &pct
		}
	}
	return m
}

// AdjustedIMF returns the initial margin fraction used for risk:
// the open-interest adjusted fraction when known, the base fraction otherwise.
func (m MarketInfo) AdjustedIMF() decimal.Decimal {
	if m.EffectiveInitialMarginFraction != nil {
		return *m.EffectiveInitialMarginFraction
	}
	return m.InitialMarginFraction
}

// decimals returns the number of fractional digits needed to display d.
func decimals(d decimal.Decimal) int32 {
	if d.IsZero() {
		return 0
	}
	exp := d.Exponent()
	if exp >= 0 {
		return 0
	}
	// strip trailing zeros, e.g. 0.010 -> 2
	n := -exp
	coef := d.Coefficient()
	ten := decimal.NewFromInt(10)
	c := decimal.NewFromBigInt(coef, 0)
	for n > 0 && c.Mod(ten).IsZero() {
		c = c.Div(ten)
		n--
	}
	return n
}

// Trade is one live public trade.
type Trade struct {
	ID        string          `json:"id"`
	MarketID  string          `json:"market_id"`
	Side      OrderSide       `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Size      decimal.Decimal `json:"size"`
	Type      string          `json:"type"`
	CreatedAt int64           `json:"created_at"` // unix ms
}

// HistoricalFunding is one funding-rate sample of a market.
type HistoricalFunding struct {
	MarketID    string          `json:"market_id"`
	Rate        decimal.Decimal `json:"rate"`
	Price       decimal.Decimal `json:"price"`
	EffectiveAt int64           `json:"effective_at"` // unix ms
	Height      uint64          `json:"height"`
}

// PriceLevel is one aggregated orderbook level.
type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// Orderbook is the raw book of a market: asks ascending, bids descending.
type Orderbook struct {
	MarketID string       `json:"market_id"`
	Asks     []PriceLevel `json:"asks"`
	Bids     []PriceLevel `json:"bids"`
}

// OrderbookMap is the derived price -> size view of a book, keyed by the
// canonical decimal string of the price.
type OrderbookMap struct {
	Asks map[string]decimal.Decimal `json:"asks"`
	Bids map[string]decimal.Decimal `json:"bids"`
}

// PriceKey is the canonical map key of a price.
func PriceKey(p decimal.Decimal) string {
	return p.String()
}
