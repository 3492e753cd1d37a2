package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// NumParentSubaccounts is the number of parent (cross) subaccounts per wallet.
// Subaccount n >= NumParentSubaccounts is the isolated child of parent n % NumParentSubaccounts.
const NumParentSubaccounts = 128

type MarginMode string

const (
	MarginModeCross    MarginMode = "CROSS"
	MarginModeIsolated MarginMode = "ISOLATED"
)

// MarginModeFor derives the margin mode from a subaccount number.
func MarginModeFor(subaccountNumber int) MarginMode {
	if subaccountNumber >= NumParentSubaccounts {
		return MarginModeIsolated
	}
	return MarginModeCross
}

// ParentSubaccount returns the parent subaccount number of n.
func ParentSubaccount(n int) int {
	return n % NumParentSubaccounts
}

type PositionStatus string

const (
	PositionStatusOpen       PositionStatus = "OPEN"
	PositionStatusClosed     PositionStatus = "CLOSED"
	PositionStatusLiquidated PositionStatus = "LIQUIDATED"
)

type PositionSide string

const (
	PositionSideLong  PositionSide = "LONG"
	PositionSideShort PositionSide = "SHORT"
)

// PerpetualPosition is a position as delivered by the indexer. Size is signed.
type PerpetualPosition struct {
	SubaccountNumber int              `json:"subaccount_number"`
	MarketID         string           `json:"market_id"`
	Status           PositionStatus   `json:"status"`
	Side             PositionSide     `json:"side"`
	Size             decimal.Decimal  `json:"size"`
	MaxSize          decimal.Decimal  `json:"max_size"`
	EntryPrice       decimal.Decimal  `json:"entry_price"`
	ExitPrice        *decimal.Decimal `json:"exit_price,omitempty"`
	RealizedPnl      decimal.Decimal  `json:"realized_pnl"`
	UnrealizedPnl    decimal.Decimal  `json:"unrealized_pnl"`
	NetFunding       decimal.Decimal  `json:"net_funding"`
	SumOpen          decimal.Decimal  `json:"sum_open"`
	SumClose         decimal.Decimal  `json:"sum_close"`
	CreatedAtHeight  uint64           `json:"created_at_height,omitempty"`
}

// UniqueID is "<subaccountNumber>-<marketId>". The child number is used for
// isolated positions, the parent number for cross positions.
func (p PerpetualPosition) UniqueID() string {
	return PositionID(p.SubaccountNumber, p.MarketID)
}

func (p PerpetualPosition) MarginMode() MarginMode {
	return MarginModeFor(p.SubaccountNumber)
}

func PositionID(subaccountNumber int, marketID string) string {
	return fmt.Sprintf("%d-%s", subaccountNumber, marketID)
}
