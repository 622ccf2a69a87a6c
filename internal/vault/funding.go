package vault

import (
	"PerpVault/internal/event"
	"PerpVault/internal/ledger"
	fpmath "PerpVault/internal/math"

	"github.com/holiman/uint256"
)

// UpdateCumulativeFundingRate accrues funding for collateralToken. Anyone may
// call it; it is a no-op until a full funding interval has elapsed.
func (v *Vault) UpdateCumulativeFundingRate(call Call, collateralToken ledger.Address) error {
	return v.execute(call, "UpdateCumulativeFundingRate", func() error {
		return v.updateCumulativeFundingRate(collateralToken)
	})
}

func (v *Vault) updateCumulativeFundingRate(token ledger.Address) error {
	a := v.asset(token)
	interval := v.st.Params.FundingInterval
	now := v.now()

	if a.LastFundingTime == 0 {
		a.LastFundingTime = fpmath.FundingBoundary(now, interval)
		return nil
	}
	if a.LastFundingTime+interval > now {
		return nil
	}

	rate, err := v.GetNextFundingRate(token)
	if err != nil {
		return err
	}
	next, err := fpmath.Add(&a.CumulativeFundingRate, rate)
	if err != nil {
		return err
	}
	a.CumulativeFundingRate = *next
	a.LastFundingTime = fpmath.FundingBoundary(now, interval)

	v.emit(&event.UpdateFundingRate{
		Token:       token,
		FundingRate: next.Clone(),
		FundingTime: a.LastFundingTime,
	})
	return nil
}

// GetNextFundingRate is the increment the next funding update would apply.
func (v *Vault) GetNextFundingRate(token ledger.Address) (*uint256.Int, error) {
	a := v.assetView(token)
	intervals := fpmath.ElapsedIntervals(v.now(), a.LastFundingTime, v.st.Params.FundingInterval)
	if intervals == 0 {
		return fpmath.Zero(), nil
	}
	factor := v.st.Params.FundingRateFactor
	if cfg, ok := v.st.Tokens[token]; ok && cfg.IsStable {
		factor = v.st.Params.StableFundingRateFactor
	}
	return fpmath.NextFundingRate(factor, &a.ReservedAmount, &a.PoolAmount, intervals)
}

// GetUtilisation is reserved / pool in funding precision.
func (v *Vault) GetUtilisation(token ledger.Address) (*uint256.Int, error) {
	a := v.assetView(token)
	if a.PoolAmount.IsZero() {
		return fpmath.Zero(), nil
	}
	return fpmath.MulDiv(&a.ReservedAmount, fpmath.FundingPrecision, &a.PoolAmount)
}

// GetEntryFundingRate is the cumulative rate a position opened now starts from.
func (v *Vault) GetEntryFundingRate(collateralToken ledger.Address) *uint256.Int {
	return v.assetView(collateralToken).CumulativeFundingRate.Clone()
}

// GetFundingFee is the funding owed by a position of size since entryFundingRate.
func (v *Vault) GetFundingFee(collateralToken ledger.Address, size, entryFundingRate *uint256.Int) (*uint256.Int, error) {
	return fpmath.FundingFee(size, &v.assetView(collateralToken).CumulativeFundingRate, entryFundingRate)
}

// GetPositionFee is the margin fee on sizeDelta.
func (v *Vault) GetPositionFee(sizeDelta *uint256.Int) (*uint256.Int, error) {
	return PositionFee(sizeDelta, v.st.Params.MarginFeeBasisPoints)
}
