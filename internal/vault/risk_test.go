package vault_test

import (
	"testing"

	"PerpVault/internal/errcode"
	fpmath "PerpVault/internal/math"
	"PerpVault/internal/vault"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelta(t *testing.T) {
	tests := []struct {
		name      string
		price     string
		isLong    bool
		minBps    uint64
		wantGain  bool
		wantDelta string
	}{
		{"long in profit", "2200", true, 0, true, "1000"},
		{"long in loss", "1800", true, 0, false, "1000"},
		{"short in profit", "1800", false, 0, true, "1000"},
		{"short in loss", "2200", false, 0, false, "1000"},
		{"profit below threshold is clamped", "2020", true, 150, true, "0"},
		{"profit at threshold is clamped", "2030", true, 150, true, "0"},
		{"profit above threshold", "2040", true, 150, true, "200"},
		{"losses are never clamped", "1980", true, 150, false, "100"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gain, delta, err := vault.Delta(usd("10000"), usd("2000"), usd(tt.price), tt.isLong, tt.minBps)
			require.NoError(t, err)
			assert.Equal(t, tt.wantGain, gain)
			assertAmount(t, usd(tt.wantDelta), delta)
		})
	}
}

func TestDelta_ZeroAveragePrice(t *testing.T) {
	_, _, err := vault.Delta(usd("1"), fpmath.Zero(), usd("1"), true, 0)
	require.ErrorIs(t, err, fpmath.ErrDivByZero)
}

func TestNextAveragePrice_PreservesPnl(t *testing.T) {
	// long of 10000 at 2000, now at 2200 with 1000 profit; add 10000
	next, err := vault.NextAveragePrice(usd("10000"), usd("10000"), usd("2200"), usd("1000"), true, true)
	require.NoError(t, err)
	// 2200 * 20000 / 21000
	want, _ := fpmath.MulDiv(usd("2200"), uint256.NewInt(20_000), uint256.NewInt(21_000))
	assertAmount(t, want, next)

	// the same delta on the merged position is still 1000
	gain, delta, err := vault.Delta(usd("20000"), next, usd("2200"), true, 0)
	require.NoError(t, err)
	assert.True(t, gain)
	diff, _ := fpmath.AbsDiff(delta, usd("1000"))
	assert.True(t, diff.Lt(uint256.NewInt(1_000_000)), "delta drifted by %s", diff.Dec())
}

func TestNextGlobalShortAveragePrice(t *testing.T) {
	next, err := vault.NextGlobalShortAveragePrice(usd("5000"), usd("2000"), usd("1800"), usd("5000"))
	require.NoError(t, err)
	assertAmount(t, uint256.MustFromDecimal("1894736842105263157894736842105263"), next)

	first, err := vault.NextGlobalShortAveragePrice(fpmath.Zero(), fpmath.Zero(), usd("1800"), usd("5000"))
	require.NoError(t, err)
	assertAmount(t, usd("1800"), first)
}

func TestPositionFee(t *testing.T) {
	fee, err := vault.PositionFee(usd("10000"), 10)
	require.NoError(t, err)
	assertAmount(t, usd("10"), fee)

	fee, err = vault.PositionFee(fpmath.Zero(), 10)
	require.NoError(t, err)
	assert.True(t, fee.IsZero())
}

func liquidationInput(collateral, delta string, hasProfit bool) vault.LiquidationInput {
	return vault.LiquidationInput{
		Size:              usd("10000"),
		Collateral:        usd(collateral),
		HasProfit:         hasProfit,
		Delta:             usd(delta),
		MarginFees:        usd("10"),
		LiquidationFeeUsd: usd("5"),
		MaxLeverage:       500_000,
	}
}

func TestEvaluateLiquidation_Stages(t *testing.T) {
	tests := []struct {
		name     string
		in       vault.LiquidationInput
		want     vault.LiquidationState
		wantCode errcode.Code
		wantFees string
	}{
		{"healthy", liquidationInput("1990", "0", false), vault.Healthy, 0, "10"},
		{"profit does not count as margin", liquidationInput("190", "5000", true), vault.OverLeveraged, errcode.MaxLeverageExceeded, "10"},
		{"losses exceed collateral", liquidationInput("1990", "1995", false), vault.Liquidatable, errcode.LossesExceedCollateral, "10"},
		{"fees exceed remaining collateral", liquidationInput("1990", "1984", false), vault.Liquidatable, errcode.FeesExceedCollateral, "6"},
		{"liquidation fee exceeds remainder", liquidationInput("1990", "1978", false), vault.Liquidatable, errcode.LiquidationFeesExceedCollateral, "10"},
		{"over leveraged", liquidationInput("1990", "1850", false), vault.OverLeveraged, errcode.MaxLeverageExceeded, "10"},
		{"exactly max leverage", liquidationInput("1990", "1790", false), vault.Healthy, 0, "10"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state, fees, code, err := vault.EvaluateLiquidation(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, state)
			assert.Equal(t, tt.wantCode, code)
			assertAmount(t, usd(tt.wantFees), fees)
		})
	}
}

func severity(s vault.LiquidationState) int {
	switch s {
	case vault.OverLeveraged:
		return 1
	case vault.Liquidatable:
		return 2
	default:
		return 0
	}
}

// Growing losses never move a position back toward health.
func TestEvaluateLiquidation_MonotoneInLoss(t *testing.T) {
	prev := 0
	for loss := uint64(0); loss <= 2500; loss += 5 {
		in := liquidationInput("1990", "0", false)
		in.Delta = new(uint256.Int).Mul(uint256.NewInt(loss), fpmath.PricePrecision)
		state, _, _, err := vault.EvaluateLiquidation(in)
		require.NoError(t, err)
		s := severity(state)
		require.GreaterOrEqual(t, s, prev, "loss %d", loss)
		prev = s
	}
	assert.Equal(t, 2, prev)
}

func TestLiquidationState_String(t *testing.T) {
	assert.Equal(t, "healthy", vault.Healthy.String())
	assert.Equal(t, "liquidatable", vault.Liquidatable.String())
	assert.Equal(t, "over_leveraged", vault.OverLeveraged.String())
}

func feeInput(current, delta, target uint64, increment bool) vault.FeeInput {
	return vault.FeeInput{
		Current:   new(uint256.Int).Mul(uint256.NewInt(current), fpmath.Pow10(18)),
		Delta:     new(uint256.Int).Mul(uint256.NewInt(delta), fpmath.Pow10(18)),
		Target:    new(uint256.Int).Mul(uint256.NewInt(target), fpmath.Pow10(18)),
		Increment: increment,
		FeeBps:    30,
		TaxBps:    50,
		Dynamic:   true,
	}
}

func TestFeeBasisPoints(t *testing.T) {
	tests := []struct {
		name string
		in   vault.FeeInput
		want uint64
	}{
		{"static", vault.FeeInput{FeeBps: 30, TaxBps: 50}, 30},
		{"no target", feeInput(0, 100, 0, true), 30},
		{"toward target is rebated", feeInput(600, 200, 1000, true), 10},
		{"rebate floors at zero", feeInput(0, 1000, 1000, true), 0},
		{"away from target is taxed", feeInput(1000, 400, 1000, true), 40},
		{"average diff capped at target", feeInput(3000, 1000, 1000, true), 80},
		{"redeem below target is taxed", feeInput(1000, 400, 1000, false), 40},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := vault.FeeBasisPoints(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// Splitting a change in two costs the same total fee as making it at once.
func TestFeeBasisPoints_SplitInvariance(t *testing.T) {
	tests := []struct {
		name       string
		current    uint64
		first, all uint64
	}{
		{"even split", 1000, 200, 400},
		{"uneven split", 1000, 100, 400},
		{"starting above target", 1200, 300, 600},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			whole, err := vault.FeeBasisPoints(feeInput(tt.current, tt.all, 1000, true))
			require.NoError(t, err)
			a, err := vault.FeeBasisPoints(feeInput(tt.current, tt.first, 1000, true))
			require.NoError(t, err)
			b, err := vault.FeeBasisPoints(feeInput(tt.current+tt.first, tt.all-tt.first, 1000, true))
			require.NoError(t, err)

			split := a*tt.first + b*(tt.all-tt.first)
			assert.InDelta(t, float64(whole*tt.all), float64(split), float64(tt.all), "whole %d bps, split %d+%d bps", whole, a, b)
		})
	}
}

// Moving toward target, the rebate follows the distance before each
// action, so splitting never pays less than acting at once.
func TestFeeBasisPoints_RebateSplitNeverCheaper(t *testing.T) {
	tests := []struct {
		name       string
		current    uint64
		first, all uint64
		increment  bool
	}{
		{"mint even split", 600, 200, 400, true},
		{"mint uneven split", 200, 100, 700, true},
		{"redeem from above target", 1400, 100, 400, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := tt.current + tt.first
			if !tt.increment {
				next = tt.current - tt.first
			}
			whole, err := vault.FeeBasisPoints(feeInput(tt.current, tt.all, 1000, tt.increment))
			require.NoError(t, err)
			a, err := vault.FeeBasisPoints(feeInput(tt.current, tt.first, 1000, tt.increment))
			require.NoError(t, err)
			b, err := vault.FeeBasisPoints(feeInput(next, tt.all-tt.first, 1000, tt.increment))
			require.NoError(t, err)

			assert.Less(t, whole, uint64(30), "rebated")
			assert.Equal(t, whole, a, "first leg starts from the same distance")
			assert.GreaterOrEqual(t, b, a)
			split := a*tt.first + b*(tt.all-tt.first)
			assert.GreaterOrEqual(t, split, whole*tt.all)
		})
	}
}
