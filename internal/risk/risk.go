// Package risk derives margin, leverage and liquidation figures from merged
// account state. Every function here is pure: the same inputs always produce
// the same decimals.
package risk

import (
	"perp_go/internal/domain"

	"github.com/shopspring/decimal"
)

// PositionCore holds the figures of a position that depend only on the
// position itself and its market.
type PositionCore struct {
	domain.PerpetualPosition

	UniqueID    string            `json:"unique_id"`
	AssetID     string            `json:"asset_id"`
	MarginMode  domain.MarginMode `json:"margin_mode"`
	OraclePrice decimal.Decimal   `json:"oracle_price"`

	SignedSize   decimal.Decimal `json:"signed_size"`
	UnsignedSize decimal.Decimal `json:"unsigned_size"` // always >= 0
	Notional     decimal.Decimal `json:"notional"`      // always >= 0
	Value        decimal.Decimal `json:"value"`         // signed

	AdjustedImf     decimal.Decimal  `json:"adjusted_imf"`
	AdjustedMmf     decimal.Decimal  `json:"adjusted_mmf"`
	InitialRisk     decimal.Decimal  `json:"initial_risk"`
	MaintenanceRisk decimal.Decimal  `json:"maintenance_risk"`
	MaxLeverage     *decimal.Decimal `json:"max_leverage,omitempty"`
}

// SummaryCore is the additive part of a subaccount summary.
type SummaryCore struct {
	QuoteBalance         decimal.Decimal `json:"quote_balance"`
	ValueTotal           decimal.Decimal `json:"value_total"`
	NotionalTotal        decimal.Decimal `json:"notional_total"`
	InitialRiskTotal     decimal.Decimal `json:"initial_risk_total"`
	MaintenanceRiskTotal decimal.Decimal `json:"maintenance_risk_total"`
}

// SummaryDerived holds the ratios derived from a SummaryCore.
// Leverage and MarginUsage are nil while equity is not positive.
type SummaryDerived struct {
	FreeCollateral decimal.Decimal  `json:"free_collateral"`
	Equity         decimal.Decimal  `json:"equity"`
	Leverage       *decimal.Decimal `json:"leverage,omitempty"`
	MarginUsage    *decimal.Decimal `json:"margin_usage,omitempty"`
}

type SubaccountSummary struct {
	SummaryCore
	SummaryDerived
}

// GroupedSummary is the summary of a parent subaccount together with its
// isolated children.
type GroupedSummary = SummaryDerived

// PositionExtra holds the figures that depend on the owning subaccount.
type PositionExtra struct {
	Leverage               *decimal.Decimal `json:"leverage,omitempty"`
	MarginValueMaintenance decimal.Decimal  `json:"margin_value_maintenance"`
	MarginValueInitial     decimal.Decimal  `json:"margin_value_initial"`
	LiquidationPrice       *decimal.Decimal `json:"liquidation_price,omitempty"`

	UpdatedUnrealizedPnl        decimal.Decimal  `json:"updated_unrealized_pnl"`
	UpdatedUnrealizedPnlPercent *decimal.Decimal `json:"updated_unrealized_pnl_percent,omitempty"`
}

// Position is a fully derived position.
type Position struct {
	PositionCore
	PositionExtra
}

// CalculatePositionCore derives the market dependent figures of p.
// It fails with a ComputationError when the market or its oracle price is missing.
func CalculatePositionCore(p domain.PerpetualPosition, market *domain.MarketInfo) (PositionCore, error) {
	if market == nil {
		return PositionCore{}, &domain.ComputationError{Op: "position_core", Subject: p.UniqueID(), Err: domain.ErrMissingMarket}
	}
	if market.OraclePrice == nil {
		return PositionCore{}, &domain.ComputationError{Op: "position_core", Subject: p.UniqueID(), Err: domain.ErrMissingOraclePrice}
	}
	oracle := *market.OraclePrice

	signed := p.Size
	unsigned := signed.Abs()
	notional := unsigned.Mul(oracle)
	imf := market.AdjustedIMF()
	mmf := market.MaintenanceMarginFraction

	var maxLeverage *decimal.Decimal
	if imf.IsPositive() {
		maxLeverage = ptr(decimal.NewFromInt(1).Div(imf))
	}

	return PositionCore{
		PerpetualPosition: p,
		UniqueID:          p.UniqueID(),
		AssetID:           market.AssetID,
		MarginMode:        p.MarginMode(),
		OraclePrice:       oracle,
		SignedSize:        signed,
		UnsignedSize:      unsigned,
		Notional:          notional,
		Value:             signed.Mul(oracle),
		AdjustedImf:       imf,
		AdjustedMmf:       mmf,
		InitialRisk:       notional.Mul(imf),
		MaintenanceRisk:   notional.Mul(mmf),
		MaxLeverage:       maxLeverage,
	}, nil
}

// CalculateSubaccountSummary sums the cores of one subaccount on top of its
// quote balance.
func CalculateSubaccountSummary(quoteBalance decimal.Decimal, cores []PositionCore) SubaccountSummary {
	core := SummaryCore{QuoteBalance: quoteBalance}
	for _, c := range cores {
		core.ValueTotal = core.ValueTotal.Add(c.Value)
		core.NotionalTotal = core.NotionalTotal.Add(c.Notional)
		core.InitialRiskTotal = core.InitialRiskTotal.Add(c.InitialRisk)
		core.MaintenanceRiskTotal = core.MaintenanceRiskTotal.Add(c.MaintenanceRisk)
	}

	equity := quoteBalance.Add(core.ValueTotal)
	derived := SummaryDerived{
		Equity:         equity,
		FreeCollateral: equity.Sub(core.InitialRiskTotal),
	}
	if equity.IsPositive() {
		derived.Leverage = ptr(core.NotionalTotal.Div(equity))
		derived.MarginUsage = ptr(core.MaintenanceRiskTotal.Div(equity))
	}
	return SubaccountSummary{SummaryCore: core, SummaryDerived: derived}
}

// CalculatePositionExtra derives the figures of core that depend on the
// summary of the subaccount holding it.
func CalculatePositionExtra(core PositionCore, summary SubaccountSummary) PositionExtra {
	var extra PositionExtra

	if summary.Equity.IsPositive() {
		extra.Leverage = ptr(core.Value.Div(summary.Equity))
	}

	if core.MarginMode == domain.MarginModeIsolated {
		extra.MarginValueMaintenance = summary.Equity
		extra.MarginValueInitial = summary.Equity
	} else {
		extra.MarginValueMaintenance = core.MaintenanceRisk
		extra.MarginValueInitial = core.InitialRisk
	}

	extra.LiquidationPrice = liquidationPrice(core, summary)

	extra.UpdatedUnrealizedPnl = core.OraclePrice.Sub(core.EntryPrice).Mul(core.SignedSize)
	basis := core.EntryPrice.Mul(core.SignedSize).Abs().Mul(core.AdjustedImf)
	if !basis.IsZero() {
		extra.UpdatedUnrealizedPnlPercent = ptr(extra.UpdatedUnrealizedPnl.Div(basis))
	}
	return extra
}

// liquidationPrice solves equity(p) = maintenanceRisk(p) for the oracle price
// p of this position, all other positions held at their current values:
//
//	(E - v) + s*p = (MR - m) + |s|*p*mmf
func liquidationPrice(core PositionCore, summary SubaccountSummary) *decimal.Decimal {
	if core.MaxLeverage == nil || core.SignedSize.IsZero() {
		return nil
	}
	otherEquity := summary.Equity.Sub(core.Value)
	otherRisk := summary.MaintenanceRiskTotal.Sub(core.MaintenanceRisk)

	denominator := core.SignedSize.Sub(core.UnsignedSize.Mul(core.AdjustedMmf))
	if denominator.IsZero() {
		return nil
	}
	p := otherRisk.Sub(otherEquity).Div(denominator)
	if !p.IsPositive() {
		return nil
	}
	return &p
}

// CalculatePosition combines the core and the extra figures.
func CalculatePosition(core PositionCore, summary SubaccountSummary) Position {
	return Position{PositionCore: core, PositionExtra: CalculatePositionExtra(core, summary)}
}

// GroupSummaries folds a parent summary and the summaries of its isolated
// children. Equity spans the whole group; collateral and ratios are those of
// the parent, since isolated margin is not available to cross positions.
func GroupSummaries(parent SubaccountSummary, children []SubaccountSummary) GroupedSummary {
	out := parent.SummaryDerived
	for _, c := range children {
		out.Equity = out.Equity.Add(c.Equity)
	}
	return out
}

// AverageFillPrice returns the size weighted price of fills, nil when the
// total size is zero.
func AverageFillPrice(fills []domain.Fill) *decimal.Decimal {
	var total, weighted decimal.Decimal
	for _, f := range fills {
		total = total.Add(f.Size)
		weighted = weighted.Add(f.Price.Mul(f.Size))
	}
	if total.IsZero() {
		return nil
	}
	return ptr(weighted.Div(total))
}

// LevelSizes is the resting order size per side and orderbook level. Levels
// are keyed by domain.PriceKey.
type LevelSizes map[domain.OrderSide]map[string]decimal.Decimal

// OrderbookLevelSizes buckets order sizes into the tick grid of the book. Buy
// prices round down and sell prices round up, so an order always lands on the
// level it would rest behind. A zero tick keeps the raw price.
func OrderbookLevelSizes(orders []domain.SubaccountOrder, tickSize decimal.Decimal) LevelSizes {
	out := LevelSizes{}
	for _, o := range orders {
		level := o.Price
		if tickSize.IsPositive() {
			ticks := o.Price.Div(tickSize)
			if o.Side == domain.SideBuy {
				ticks = ticks.Floor()
			} else {
				ticks = ticks.Ceil()
			}
			level = ticks.Mul(tickSize)
		}

		bySide := out[o.Side]
		if bySide == nil {
			bySide = make(map[string]decimal.Decimal)
			out[o.Side] = bySide
		}
		key := domain.PriceKey(level)
		bySide[key] = bySide[key].Add(o.Size)
	}
	return out
}

func ptr(d decimal.Decimal) *decimal.Decimal {
	return &d
}
