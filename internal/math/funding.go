package math

import (
	"fmt"

	"github.com/holiman/uint256"
)

// FundingBoundary rounds a timestamp down to the start of its funding interval.
func FundingBoundary(timestamp, interval int64) int64 {
	if interval <= 0 {
		return timestamp
	}
	return timestamp / interval * interval
}

// ElapsedIntervals returns how many whole intervals have passed since last.
// Returns 0 while the current interval is still open.
func ElapsedIntervals(now, last, interval int64) int64 {
	if interval <= 0 || last+interval > now {
		return 0
	}
	return (now - last) / interval
}

// NextFundingRate computes the per-asset funding increment for the given
// number of elapsed intervals:
//
//	factor * reserved * intervals / pool
//
// An empty pool accrues nothing.
func NextFundingRate(factor uint64, reserved, pool *uint256.Int, intervals int64) (*uint256.Int, error) {
	if intervals <= 0 || pool.IsZero() {
		return Zero(), nil
	}
	r, err := Mul(U(factor), reserved)
	if err != nil {
		return nil, fmt.Errorf("funding rate: %w", err)
	}
	r, err = Mul(r, U(uint64(intervals)))
	if err != nil {
		return nil, fmt.Errorf("funding rate: %w", err)
	}
	return Div(r, pool)
}

// FundingFee returns the USD funding owed by a position of the given size
// since its entry snapshot: size * (cumulative - entry) / FundingRatePrecision.
func FundingFee(size, cumulative, entry *uint256.Int) (*uint256.Int, error) {
	if size.IsZero() {
		return Zero(), nil
	}
	rate, err := Sub(cumulative, entry)
	if err != nil {
		return nil, fmt.Errorf("funding fee: %w", err)
	}
	if rate.IsZero() {
		return Zero(), nil
	}
	return MulDiv(size, rate, FundingPrecision)
}
