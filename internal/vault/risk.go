package vault

import (
	"fmt"

	"PerpVault/internal/errcode"
	fpmath "PerpVault/internal/math"

	"github.com/holiman/uint256"
)

// LiquidationState is the verdict of a liquidation check.
type LiquidationState uint8

const (
	// Healthy positions cannot be liquidated.
	Healthy LiquidationState = iota
	// Liquidatable positions are closed and their collateral seized.
	Liquidatable
	// OverLeveraged positions are closed through a regular full decrease.
	OverLeveraged
)

func (s LiquidationState) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Liquidatable:
		return "liquidatable"
	case OverLeveraged:
		return "over_leveraged"
	default:
		return fmt.Sprintf("LiquidationState(%d)", uint8(s))
	}
}

// Delta returns the unrealised PnL of a position at price.
//
//	delta = size * |averagePrice - price| / averagePrice
//
// A profit that does not exceed minProfitBps of size is reported as zero.
// Pass minProfitBps = 0 once the min-profit window has elapsed.
func Delta(size, averagePrice, price *uint256.Int, isLong bool, minProfitBps uint64) (bool, *uint256.Int, error) {
	if averagePrice.IsZero() {
		return false, nil, fmt.Errorf("delta: %w", fpmath.ErrDivByZero)
	}
	priceDelta, _ := fpmath.AbsDiff(averagePrice, price)
	delta, err := fpmath.MulDiv(size, priceDelta, averagePrice)
	if err != nil {
		return false, nil, fmt.Errorf("delta: %w", err)
	}

	var hasProfit bool
	if isLong {
		hasProfit = price.Gt(averagePrice)
	} else {
		hasProfit = averagePrice.Gt(price)
	}

	if hasProfit && minProfitBps > 0 {
		lhs, err := fpmath.Mul(delta, fpmath.BPS)
		if err != nil {
			return false, nil, fmt.Errorf("delta: %w", err)
		}
		rhs, err := fpmath.Mul(size, fpmath.U(minProfitBps))
		if err != nil {
			return false, nil, fmt.Errorf("delta: %w", err)
		}
		if !lhs.Gt(rhs) {
			delta = fpmath.Zero()
		}
	}
	return hasProfit, delta, nil
}

// NextAveragePrice blends nextPrice into a position that currently shows
// (hasProfit, delta) so that the unrealised PnL is preserved:
//
//	long:  nextPrice * nextSize / (nextSize +/- delta)
//	short: nextPrice * nextSize / (nextSize -/+ delta)
func NextAveragePrice(size, sizeDelta, nextPrice, delta *uint256.Int, hasProfit, isLong bool) (*uint256.Int, error) {
	nextSize, err := fpmath.Add(size, sizeDelta)
	if err != nil {
		return nil, fmt.Errorf("next average price: %w", err)
	}
	var divisor *uint256.Int
	if isLong == hasProfit {
		divisor, err = fpmath.Add(nextSize, delta)
	} else {
		divisor, err = fpmath.Sub(nextSize, delta)
	}
	if err != nil {
		return nil, fmt.Errorf("next average price: %w", err)
	}
	return fpmath.MulDiv(nextPrice, nextSize, divisor)
}

// NextGlobalShortAveragePrice blends a new short of sizeDelta at nextPrice
// into the aggregate short book of globalSize at globalAverage.
func NextGlobalShortAveragePrice(globalSize, globalAverage, nextPrice, sizeDelta *uint256.Int) (*uint256.Int, error) {
	if globalAverage.IsZero() {
		return nextPrice.Clone(), nil
	}
	priceDelta, _ := fpmath.AbsDiff(globalAverage, nextPrice)
	delta, err := fpmath.MulDiv(globalSize, priceDelta, globalAverage)
	if err != nil {
		return nil, fmt.Errorf("next global short average: %w", err)
	}
	hasProfit := globalAverage.Gt(nextPrice)
	return NextAveragePrice(globalSize, sizeDelta, nextPrice, delta, hasProfit, false)
}

// PositionFee is the margin fee on sizeDelta, taken from the top:
// sizeDelta - sizeDelta * (BPS - marginFeeBps) / BPS.
func PositionFee(sizeDelta *uint256.Int, marginFeeBps uint64) (*uint256.Int, error) {
	if sizeDelta.IsZero() {
		return fpmath.Zero(), nil
	}
	if marginFeeBps > fpmath.BasisPointsDivisor {
		return nil, fmt.Errorf("position fee: %w", fpmath.ErrUnderflow)
	}
	after, err := fpmath.MulDiv(sizeDelta, fpmath.U(fpmath.BasisPointsDivisor-marginFeeBps), fpmath.BPS)
	if err != nil {
		return nil, fmt.Errorf("position fee: %w", err)
	}
	return fpmath.Sub(sizeDelta, after)
}

// LiquidationInput is what the four-stage liquidation check looks at.
type LiquidationInput struct {
	Size              *uint256.Int
	Collateral        *uint256.Int
	HasProfit         bool
	Delta             *uint256.Int
	MarginFees        *uint256.Int
	LiquidationFeeUsd *uint256.Int
	MaxLeverage       uint64
}

// EvaluateLiquidation runs the liquidation check. It returns the verdict,
// the margin fees to charge (capped at the remaining collateral when fees
// exceed it) and, for unhealthy positions, the code a raising caller fails with.
func EvaluateLiquidation(in LiquidationInput) (LiquidationState, *uint256.Int, errcode.Code, error) {
	if !in.HasProfit && in.Collateral.Lt(in.Delta) {
		return Liquidatable, in.MarginFees, errcode.LossesExceedCollateral, nil
	}

	remaining := in.Collateral.Clone()
	if !in.HasProfit {
		remaining = new(uint256.Int).Sub(in.Collateral, in.Delta)
	}

	if remaining.Lt(in.MarginFees) {
		return Liquidatable, remaining, errcode.FeesExceedCollateral, nil
	}

	withLiqFee, err := fpmath.Add(in.MarginFees, in.LiquidationFeeUsd)
	if err != nil {
		return Healthy, nil, 0, fmt.Errorf("liquidation check: %w", err)
	}
	if remaining.Lt(withLiqFee) {
		return Liquidatable, in.MarginFees, errcode.LiquidationFeesExceedCollateral, nil
	}

	lev, err := fpmath.Mul(remaining, fpmath.U(in.MaxLeverage))
	if err != nil {
		return Healthy, nil, 0, fmt.Errorf("liquidation check: %w", err)
	}
	notional, err := fpmath.Mul(in.Size, fpmath.BPS)
	if err != nil {
		return Healthy, nil, 0, fmt.Errorf("liquidation check: %w", err)
	}
	if lev.Lt(notional) {
		return OverLeveraged, in.MarginFees, errcode.MaxLeverageExceeded, nil
	}
	return Healthy, in.MarginFees, 0, nil
}

// FeeInput describes one side of a mint, redeem or swap for fee purposes.
// Amounts are USDG (18 decimals).
type FeeInput struct {
	Current   *uint256.Int // the asset's debt before the change
	Delta     *uint256.Int
	Target    *uint256.Int // the asset's target debt; zero disables dynamic fees
	Increment bool
	FeeBps    uint64
	TaxBps    uint64
	Dynamic   bool
}

// FeeBasisPoints applies the balancing rebate or tax to a base fee. Changes
// that move the asset's debt toward its target are rebated by
// taxBps * initialDiff / target; changes that move it away pay
// taxBps * min(avgDiff, target) / target on top of the base fee.
func FeeBasisPoints(in FeeInput) (uint64, error) {
	if !in.Dynamic || in.Target == nil || in.Target.IsZero() {
		return in.FeeBps, nil
	}

	var next *uint256.Int
	if in.Increment {
		var err error
		next, err = fpmath.Add(in.Current, in.Delta)
		if err != nil {
			return 0, fmt.Errorf("fee basis points: %w", err)
		}
	} else {
		next = fpmath.SubFloor(in.Current, in.Delta)
	}

	initialDiff, _ := fpmath.AbsDiff(in.Current, in.Target)
	nextDiff, _ := fpmath.AbsDiff(next, in.Target)

	if nextDiff.Lt(initialDiff) {
		rebate, err := fpmath.MulDiv(fpmath.U(in.TaxBps), initialDiff, in.Target)
		if err != nil {
			return 0, fmt.Errorf("fee basis points: %w", err)
		}
		if rebate.Gt(fpmath.U(in.FeeBps)) {
			return 0, nil
		}
		return in.FeeBps - rebate.Uint64(), nil
	}

	sum, err := fpmath.Add(initialDiff, nextDiff)
	if err != nil {
		return 0, fmt.Errorf("fee basis points: %w", err)
	}
	avgDiff := fpmath.Min(new(uint256.Int).Rsh(sum, 1), in.Target)
	tax, err := fpmath.MulDiv(fpmath.U(in.TaxBps), avgDiff, in.Target)
	if err != nil {
		return 0, fmt.Errorf("fee basis points: %w", err)
	}
	return in.FeeBps + tax.Uint64(), nil
}
