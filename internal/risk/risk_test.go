package risk

import (
	"errors"
	"testing"

	"perp_go/internal/domain"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func market(id, oracle, imf, mmf string) *domain.MarketInfo {
	o := d(oracle)
	m := domain.MarketInfo{
		ID:                        id,
		OraclePrice:               &o,
		TickSize:                  d("0.1"),
		StepSize:                  d("0.001"),
		InitialMarginFraction:     d(imf),
		MaintenanceMarginFraction: d(mmf),
	}.Finalize()
	return &m
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

func TestSubaccountSummaryExample(t *testing.T) {
	core, err := CalculatePositionCore(position(0, "ETH-USD", "2", "50"), market("ETH-USD", "50", "0.1", "0.05"))
	require.NoError(t, err)

	assert.True(t, d("100").Equal(core.Notional), "notional %s", core.Notional)
	assert.True(t, d("100").Equal(core.Value), "value %s", core.Value)
	assert.True(t, d("10").Equal(core.InitialRisk), "initial risk %s", core.InitialRisk)
	assert.True(t, d("5").Equal(core.MaintenanceRisk), "maintenance risk %s", core.MaintenanceRisk)
	require.NotNil(t, core.MaxLeverage)
	assert.True(t, d("10").Equal(*core.MaxLeverage))

	sum := CalculateSubaccountSummary(d("1000"), []PositionCore{core})
	assert.True(t, d("1100").Equal(sum.Equity), "equity %s", sum.Equity)
	assert.True(t, d("1090").Equal(sum.FreeCollateral), "free collateral %s", sum.FreeCollateral)
	require.NotNil(t, sum.Leverage)
	assert.True(t, d("100").Div(d("1100")).Equal(*sum.Leverage))
	assert.InDelta(t, 0.0909, sum.Leverage.InexactFloat64(), 0.0001)
	require.NotNil(t, sum.MarginUsage)
	assert.True(t, d("5").Div(d("1100")).Equal(*sum.MarginUsage))
}

func TestCalculatePositionCoreErrors(t *testing.T) {
	p := position(0, "BTC-USD", "1", "100")

	_, err := CalculatePositionCore(p, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrMissingMarket))
	var ce *domain.ComputationError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "0-BTC-USD", ce.Subject)

	m := market("BTC-USD", "100", "0.05", "0.03")
	m.OraclePrice = nil
	_, err = CalculatePositionCore(p, m)
	assert.True(t, errors.Is(err, domain.ErrMissingOraclePrice))
}

func TestCalculatePositionCoreShortAndEffectiveImf(t *testing.T) {
	m := market("BTC-USD", "100", "0.05", "0.03")
	eff := d("0.2")
	m.EffectiveInitialMarginFraction = &eff

	core, err := CalculatePositionCore(position(3, "BTC-USD", "-1.5", "110"), m)
	require.NoError(t, err)

	assert.True(t, d("-1.5").Equal(core.SignedSize))
	assert.True(t, d("1.5").Equal(core.UnsignedSize))
	assert.True(t, d("150").Equal(core.Notional))
	assert.True(t, d("-150").Equal(core.Value))
	assert.True(t, d("0.2").Equal(core.AdjustedImf))
	assert.True(t, d("30").Equal(core.InitialRisk))
	assert.True(t, d("4.5").Equal(core.MaintenanceRisk))
	assert.Equal(t, "3-BTC-USD", core.UniqueID)
	assert.Equal(t, "BTC", core.AssetID)
	assert.Equal(t, domain.MarginModeCross, core.MarginMode)
}

func TestMaxLeverageNilWithoutImf(t *testing.T) {
	core, err := CalculatePositionCore(position(0, "X-USD", "1", "1"), market("X-USD", "1", "0", "0"))
	require.NoError(t, err)
	assert.Nil(t, core.MaxLeverage)

	sum := CalculateSubaccountSummary(d("-10"), []PositionCore{core})
	extra := CalculatePositionExtra(core, sum)
	assert.Nil(t, extra.LiquidationPrice)
}

func TestSummaryNonPositiveEquity(t *testing.T) {
	core, err := CalculatePositionCore(position(0, "ETH-USD", "1", "50"), market("ETH-USD", "50", "0.1", "0.05"))
	require.NoError(t, err)

	sum := CalculateSubaccountSummary(d("-50"), []PositionCore{core})
	assert.True(t, sum.Equity.IsZero())
	assert.Nil(t, sum.Leverage)
	assert.Nil(t, sum.MarginUsage)

	extra := CalculatePositionExtra(core, sum)
	assert.Nil(t, extra.Leverage)
}

func TestLiquidationPrice(t *testing.T) {
	m := market("BTC-USD", "100", "0.1", "0.05")

	t.Run("long with borrowed quote", func(t *testing.T) {
		core, err := CalculatePositionCore(position(0, "BTC-USD", "1", "100"), m)
		require.NoError(t, err)
		sum := CalculateSubaccountSummary(d("-50"), []PositionCore{core})

		liq := CalculatePositionExtra(core, sum).LiquidationPrice
		require.NotNil(t, liq)
		// 50 / 0.95
		assert.Equal(t, "52.6316", liq.Round(4).String())
	})

	t.Run("short", func(t *testing.T) {
		core, err := CalculatePositionCore(position(0, "BTC-USD", "-1", "100"), m)
		require.NoError(t, err)
		sum := CalculateSubaccountSummary(d("150"), []PositionCore{core})

		liq := CalculatePositionExtra(core, sum).LiquidationPrice
		require.NotNil(t, liq)
		// 150 / 1.05
		assert.Equal(t, "142.86", liq.Round(2).String())
	})

	t.Run("over collateralized long", func(t *testing.T) {
		core, err := CalculatePositionCore(position(0, "BTC-USD", "1", "100"), m)
		require.NoError(t, err)
		sum := CalculateSubaccountSummary(d("1000"), []PositionCore{core})

		assert.Nil(t, CalculatePositionExtra(core, sum).LiquidationPrice)
	})

	t.Run("zero size", func(t *testing.T) {
		core, err := CalculatePositionCore(position(0, "BTC-USD", "0", "100"), m)
		require.NoError(t, err)
		sum := CalculateSubaccountSummary(d("-50"), []PositionCore{core})

		assert.Nil(t, CalculatePositionExtra(core, sum).LiquidationPrice)
	})

	t.Run("other positions move the price", func(t *testing.T) {
		eth := market("ETH-USD", "10", "0.1", "0.05")
		btc, err := CalculatePositionCore(position(0, "BTC-USD", "1", "100"), m)
		require.NoError(t, err)
		other, err := CalculatePositionCore(position(0, "ETH-USD", "10", "10"), eth)
		require.NoError(t, err)

		alone := CalculateSubaccountSummary(d("-50"), []PositionCore{btc})
		both := CalculateSubaccountSummary(d("-150"), []PositionCore{btc, other})

		liqAlone := CalculatePositionExtra(btc, alone).LiquidationPrice
		liqBoth := CalculatePositionExtra(btc, both).LiquidationPrice
		require.NotNil(t, liqAlone)
		require.NotNil(t, liqBoth)
		// (5 - (-50)) / 0.95
		assert.Equal(t, "57.8947", liqBoth.Round(4).String())
		assert.True(t, liqBoth.GreaterThan(*liqAlone))
	})
}

func TestPositionExtraPnlAndMargin(t *testing.T) {
	m := market("ETH-USD", "50", "0.1", "0.05")

	t.Run("cross", func(t *testing.T) {
		core, err := CalculatePositionCore(position(0, "ETH-USD", "2", "40"), m)
		require.NoError(t, err)
		sum := CalculateSubaccountSummary(d("1000"), []PositionCore{core})
		extra := CalculatePositionExtra(core, sum)

		assert.True(t, d("20").Equal(extra.UpdatedUnrealizedPnl), "pnl %s", extra.UpdatedUnrealizedPnl)
		require.NotNil(t, extra.UpdatedUnrealizedPnlPercent)
		assert.True(t, d("2.5").Equal(*extra.UpdatedUnrealizedPnlPercent))
		assert.True(t, core.MaintenanceRisk.Equal(extra.MarginValueMaintenance))
		assert.True(t, core.InitialRisk.Equal(extra.MarginValueInitial))
		require.NotNil(t, extra.Leverage)
		assert.True(t, d("100").Div(d("1100")).Equal(*extra.Leverage))
	})

	t.Run("isolated uses child equity", func(t *testing.T) {
		core, err := CalculatePositionCore(position(128, "ETH-USD", "-2", "60"), m)
		require.NoError(t, err)
		assert.Equal(t, domain.MarginModeIsolated, core.MarginMode)

		sum := CalculateSubaccountSummary(d("150"), []PositionCore{core})
		extra := CalculatePositionExtra(core, sum)

		assert.True(t, d("50").Equal(extra.MarginValueMaintenance))
		assert.True(t, d("50").Equal(extra.MarginValueInitial))
		assert.True(t, d("20").Equal(extra.UpdatedUnrealizedPnl), "pnl %s", extra.UpdatedUnrealizedPnl)
		require.NotNil(t, extra.Leverage)
		assert.True(t, d("-2").Equal(*extra.Leverage))
	})

	t.Run("zero entry has no percent", func(t *testing.T) {
		core, err := CalculatePositionCore(position(0, "ETH-USD", "2", "0"), m)
		require.NoError(t, err)
		extra := CalculatePositionExtra(core, CalculateSubaccountSummary(d("0"), []PositionCore{core}))
		assert.Nil(t, extra.UpdatedUnrealizedPnlPercent)
	})
}

func TestRecomputationIsIdempotent(t *testing.T) {
	m := market("BTC-USD", "30123.45", "0.05", "0.03")
	p := position(0, "BTC-USD", "-0.337", "29876.1")

	first, err := CalculatePositionCore(p, m)
	require.NoError(t, err)
	sum1 := CalculateSubaccountSummary(d("12345.678"), []PositionCore{first})
	pos1 := CalculatePosition(first, sum1)

	for i := 0; i < 3; i++ {
		again, err := CalculatePositionCore(p, m)
		require.NoError(t, err)
		sum2 := CalculateSubaccountSummary(d("12345.678"), []PositionCore{again})
		pos2 := CalculatePosition(again, sum2)

		assert.Equal(t, sum1, sum2)
		assert.Equal(t, pos1, pos2)
	}
}

func TestGroupSummaries(t *testing.T) {
	m := market("ETH-USD", "50", "0.1", "0.05")
	core, err := CalculatePositionCore(position(0, "ETH-USD", "2", "50"), m)
	require.NoError(t, err)
	parent := CalculateSubaccountSummary(d("1000"), []PositionCore{core})

	childCore, err := CalculatePositionCore(position(128, "ETH-USD", "1", "50"), m)
	require.NoError(t, err)
	child := CalculateSubaccountSummary(d("20"), []PositionCore{childCore})

	g := GroupSummaries(parent, []SubaccountSummary{child})
	assert.True(t, d("1170").Equal(g.Equity), "equity %s", g.Equity)
	assert.True(t, parent.FreeCollateral.Equal(g.FreeCollateral))
	assert.Equal(t, parent.Leverage, g.Leverage)

	alone := GroupSummaries(parent, nil)
	assert.Equal(t, parent.SummaryDerived, alone)
}

func TestAverageFillPrice(t *testing.T) {
	assert.Nil(t, AverageFillPrice(nil))

	fills := []domain.Fill{
		{ID: "1", Price: d("100"), Size: d("1")},
		{ID: "2", Price: d("110"), Size: d("3")},
	}
	avg := AverageFillPrice(fills)
	require.NotNil(t, avg)
	assert.True(t, d("107.5").Equal(*avg), "avg %s", avg)

	assert.Nil(t, AverageFillPrice([]domain.Fill{{ID: "z", Price: d("1"), Size: d("0")}}))
}

func TestOrderbookLevelSizes(t *testing.T) {
	orders := []domain.SubaccountOrder{
		{ID: "b1", Side: domain.SideBuy, Price: d("100.3"), Size: d("1")},
		{ID: "b2", Side: domain.SideBuy, Price: d("100.4"), Size: d("2")},
		{ID: "s1", Side: domain.SideSell, Price: d("100.3"), Size: d("0.5")},
		{ID: "s2", Side: domain.SideSell, Price: d("101"), Size: d("4")},
	}

	levels := OrderbookLevelSizes(orders, d("0.5"))

	require.Len(t, levels[domain.SideBuy], 1)
	assert.True(t, d("3").Equal(levels[domain.SideBuy]["100"]))
	require.Len(t, levels[domain.SideSell], 2)
	assert.True(t, d("0.5").Equal(levels[domain.SideSell]["100.5"]))
	assert.True(t, d("4").Equal(levels[domain.SideSell]["101"]))

	raw := OrderbookLevelSizes(orders[:1], decimal.Zero)
	assert.True(t, d("1").Equal(raw[domain.SideBuy]["100.3"]))
}
