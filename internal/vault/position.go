package vault

import (
	"math/big"

	"PerpVault/internal/errcode"
	"PerpVault/internal/event"
	"PerpVault/internal/ledger"
	fpmath "PerpVault/internal/math"

	"github.com/holiman/uint256"
)

// IncreasePosition opens or grows a position by sizeDelta (30-decimal USD),
// adding whatever collateral token was transferred to the vault beforehand.
func (v *Vault) IncreasePosition(call Call, account, collateralToken, indexToken ledger.Address, sizeDelta *uint256.Int, isLong bool) error {
	return v.execute(call, "IncreasePosition", func() error {
		if !v.st.Params.IsLeverageEnabled {
			return v.fail(errcode.LeverageNotEnabled)
		}
		if err := v.validateGasPrice(); err != nil {
			return err
		}
		if err := v.validateRouter(account); err != nil {
			return err
		}
		if err := v.validateTokens(collateralToken, indexToken, isLong); err != nil {
			return err
		}
		if err := v.updateCumulativeFundingRate(collateralToken); err != nil {
			return err
		}
		return v.increasePosition(account, collateralToken, indexToken, sizeDelta, isLong)
	})
}

func (v *Vault) increasePosition(account, collateralToken, indexToken ledger.Address, sizeDelta *uint256.Int, isLong bool) error {
	key := PositionKey{account, collateralToken, indexToken, isLong}
	pos := v.mutablePosition(key)

	price, err := v.price(indexToken, isLong)
	if err != nil {
		return err
	}

	if pos.Size.IsZero() {
		pos.AveragePrice = *price
	}
	if !pos.Size.IsZero() && !sizeDelta.IsZero() {
		next, err := v.GetNextAveragePrice(indexToken, &pos.Size, &pos.AveragePrice, isLong, price, sizeDelta, pos.LastIncreasedTime)
		if err != nil {
			return err
		}
		pos.AveragePrice = *next
	}

	fee, err := v.collectMarginFees(collateralToken, sizeDelta, &pos.Size, &pos.EntryFundingRate)
	if err != nil {
		return err
	}
	collateralDelta, err := v.transferIn(collateralToken)
	if err != nil {
		return err
	}
	collateralDeltaUsd, err := v.TokenToUsdMin(collateralToken, collateralDelta)
	if err != nil {
		return err
	}

	collateral, err := fpmath.Add(&pos.Collateral, collateralDeltaUsd)
	if err != nil {
		return err
	}
	if collateral.Lt(fee) {
		return v.fail(errcode.InsufficientCollateralForFees)
	}
	pos.Collateral = *collateral.Sub(collateral, fee)
	pos.EntryFundingRate = *v.GetEntryFundingRate(collateralToken)

	size, err := fpmath.Add(&pos.Size, sizeDelta)
	if err != nil {
		return err
	}
	pos.Size = *size
	pos.LastIncreasedTime = v.now()

	if pos.Size.IsZero() {
		return v.fail(errcode.InvalidPositionSize)
	}
	if err := v.validatePosition(&pos.Size, &pos.Collateral); err != nil {
		return err
	}
	if _, _, err := v.validateLiquidation(key, true); err != nil {
		return err
	}

	// reserve enough collateral token to pay out the full size
	reserveDelta, err := v.UsdToTokenMax(collateralToken, sizeDelta)
	if err != nil {
		return err
	}
	reserve, err := fpmath.Add(&pos.ReserveAmount, reserveDelta)
	if err != nil {
		return err
	}
	pos.ReserveAmount = *reserve
	if err := v.increaseReservedAmount(collateralToken, reserveDelta); err != nil {
		return err
	}

	if isLong {
		// guaranteedUsd tracks size - collateral of open longs; the fee
		// left collateral, so it joins the guaranteed amount
		sizeAndFee, err := fpmath.Add(sizeDelta, fee)
		if err != nil {
			return err
		}
		if err := v.increaseGuaranteedUsd(collateralToken, sizeAndFee); err != nil {
			return err
		}
		if err := v.decreaseGuaranteedUsd(collateralToken, collateralDeltaUsd); err != nil {
			return err
		}
		// the collateral is pooled, minus the fee tokens held in the fee reserve
		if err := v.increasePoolAmount(collateralToken, collateralDelta); err != nil {
			return err
		}
		feeTokens, err := v.UsdToTokenMin(collateralToken, fee)
		if err != nil {
			return err
		}
		if err := v.decreasePoolAmount(collateralToken, feeTokens); err != nil {
			return err
		}
	} else {
		a := v.asset(indexToken)
		if a.GlobalShortSize.IsZero() {
			a.GlobalShortAveragePrice = *price
		} else {
			next, err := v.GetNextGlobalShortAveragePrice(indexToken, price, sizeDelta)
			if err != nil {
				return err
			}
			a.GlobalShortAveragePrice = *next
		}
		if err := v.increaseGlobalShortSize(indexToken, sizeDelta); err != nil {
			return err
		}
	}

	v.emit(&event.PositionChange{
		Kind:            event.EventTypeIncreasePosition,
		Key:             key.String(),
		Account:         account,
		CollateralToken: collateralToken,
		IndexToken:      indexToken,
		CollateralDelta: collateralDeltaUsd,
		SizeDelta:       sizeDelta.Clone(),
		IsLong:          isLong,
		Price:           price.Clone(),
		Fee:             fee,
	})
	v.emit(updateEvent(key, pos, price))
	return nil
}

// DecreasePosition shrinks a position by sizeDelta and withdraws
// collateralDelta (both USD), paying the proceeds to receiver in collateral
// token. Returns the amount paid out.
func (v *Vault) DecreasePosition(call Call, account, collateralToken, indexToken ledger.Address, collateralDelta, sizeDelta *uint256.Int, isLong bool, receiver ledger.Address) (*uint256.Int, error) {
	var paid *uint256.Int
	err := v.execute(call, "DecreasePosition", func() error {
		if err := v.validateGasPrice(); err != nil {
			return err
		}
		if err := v.validateRouter(account); err != nil {
			return err
		}
		out, err := v.decreasePosition(account, collateralToken, indexToken, collateralDelta, sizeDelta, isLong, receiver)
		paid = out
		return err
	})
	if err != nil {
		return nil, err
	}
	return paid, nil
}

func (v *Vault) decreasePosition(account, collateralToken, indexToken ledger.Address, collateralDelta, sizeDelta *uint256.Int, isLong bool, receiver ledger.Address) (*uint256.Int, error) {
	if err := v.updateCumulativeFundingRate(collateralToken); err != nil {
		return nil, err
	}

	key := PositionKey{account, collateralToken, indexToken, isLong}
	existing := v.position(key)
	if existing == nil || existing.Size.IsZero() {
		return nil, v.fail(errcode.EmptyPosition)
	}
	if existing.Size.Lt(sizeDelta) {
		return nil, v.fail(errcode.PositionSizeExceeded)
	}
	if existing.Collateral.Lt(collateralDelta) {
		return nil, v.fail(errcode.PositionCollateralExceeded)
	}

	pos := v.mutablePosition(key)
	collateralBefore := pos.Collateral.Clone()

	// release reserve in proportion to the size closed
	reserveDelta, err := fpmath.MulDiv(&pos.ReserveAmount, sizeDelta, &pos.Size)
	if err != nil {
		return nil, err
	}
	pos.ReserveAmount.Sub(&pos.ReserveAmount, reserveDelta)
	if err := v.decreaseReservedAmount(collateralToken, reserveDelta); err != nil {
		return nil, err
	}

	usdOut, usdOutAfterFee, err := v.reduceCollateral(key, pos, collateralDelta, sizeDelta)
	if err != nil {
		return nil, err
	}

	price, err := v.price(indexToken, !isLong)
	if err != nil {
		return nil, err
	}
	fee := new(uint256.Int).Sub(usdOut, usdOutAfterFee)
	change := &event.PositionChange{
		Kind:            event.EventTypeDecreasePosition,
		Key:             key.String(),
		Account:         account,
		CollateralToken: collateralToken,
		IndexToken:      indexToken,
		CollateralDelta: collateralDelta.Clone(),
		SizeDelta:       sizeDelta.Clone(),
		IsLong:          isLong,
		Price:           price,
		Fee:             fee,
	}

	if !pos.Size.Eq(sizeDelta) {
		pos.EntryFundingRate = *v.GetEntryFundingRate(collateralToken)
		pos.Size.Sub(&pos.Size, sizeDelta)

		if err := v.validatePosition(&pos.Size, &pos.Collateral); err != nil {
			return nil, err
		}
		if _, _, err := v.validateLiquidation(key, true); err != nil {
			return nil, err
		}

		if isLong {
			released := new(uint256.Int).Sub(collateralBefore, &pos.Collateral)
			if err := v.increaseGuaranteedUsd(collateralToken, released); err != nil {
				return nil, err
			}
			if err := v.decreaseGuaranteedUsd(collateralToken, sizeDelta); err != nil {
				return nil, err
			}
		}
		v.emit(change)
		v.emit(updateEvent(key, pos, price))
	} else {
		if isLong {
			if err := v.increaseGuaranteedUsd(collateralToken, collateralBefore); err != nil {
				return nil, err
			}
			if err := v.decreaseGuaranteedUsd(collateralToken, sizeDelta); err != nil {
				return nil, err
			}
		}
		v.emit(change)
		v.emit(&event.ClosePosition{
			Key:              key.String(),
			Size:             pos.Size.Clone(),
			Collateral:       pos.Collateral.Clone(),
			AveragePrice:     pos.AveragePrice.Clone(),
			EntryFundingRate: pos.EntryFundingRate.Clone(),
			ReserveAmount:    pos.ReserveAmount.Clone(),
			RealisedPnl:      pnlCopy(pos),
		})
		v.deletePosition(key)
	}

	if !isLong {
		v.decreaseGlobalShortSize(indexToken, sizeDelta)
	}

	if usdOut.IsZero() {
		return fpmath.Zero(), nil
	}
	if isLong {
		tokens, err := v.UsdToTokenMin(collateralToken, usdOut)
		if err != nil {
			return nil, err
		}
		if err := v.decreasePoolAmount(collateralToken, tokens); err != nil {
			return nil, err
		}
	}
	amountOut, err := v.UsdToTokenMin(collateralToken, usdOutAfterFee)
	if err != nil {
		return nil, err
	}
	if err := v.transferOut(collateralToken, amountOut, receiver); err != nil {
		return nil, err
	}
	return amountOut, nil
}

// reduceCollateral charges fees, realises the PnL of the closed share and
// works out what to pay out, in USD before and after fees.
func (v *Vault) reduceCollateral(key PositionKey, pos *Position, collateralDelta, sizeDelta *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	collateralToken := key.CollateralToken
	fee, err := v.collectMarginFees(collateralToken, sizeDelta, &pos.Size, &pos.EntryFundingRate)
	if err != nil {
		return nil, nil, err
	}

	hasProfit, delta, err := v.GetDelta(key.IndexToken, &pos.Size, &pos.AveragePrice, key.IsLong, pos.LastIncreasedTime)
	if err != nil {
		return nil, nil, err
	}
	adjustedDelta, err := fpmath.MulDiv(sizeDelta, delta, &pos.Size)
	if err != nil {
		return nil, nil, err
	}

	usdOut := fpmath.Zero()
	if !adjustedDelta.IsZero() {
		if hasProfit {
			usdOut = adjustedDelta.Clone()
			if pos.RealisedPnl, err = fpmath.AddSigned(pos.RealisedPnl, adjustedDelta, false); err != nil {
				return nil, nil, err
			}
			// shorts are paid their profit from the pool
			if !key.IsLong {
				tokens, err := v.UsdToTokenMin(collateralToken, adjustedDelta)
				if err != nil {
					return nil, nil, err
				}
				if err := v.decreasePoolAmount(collateralToken, tokens); err != nil {
					return nil, nil, err
				}
			}
		} else {
			collateral, err := fpmath.Sub(&pos.Collateral, adjustedDelta)
			if err != nil {
				return nil, nil, err
			}
			pos.Collateral = *collateral
			// short losses go to the pool
			if !key.IsLong {
				tokens, err := v.UsdToTokenMin(collateralToken, adjustedDelta)
				if err != nil {
					return nil, nil, err
				}
				if err := v.increasePoolAmount(collateralToken, tokens); err != nil {
					return nil, nil, err
				}
			}
			if pos.RealisedPnl, err = fpmath.AddSigned(pos.RealisedPnl, adjustedDelta, true); err != nil {
				return nil, nil, err
			}
		}
	}

	if !collateralDelta.IsZero() {
		if usdOut, err = fpmath.Add(usdOut, collateralDelta); err != nil {
			return nil, nil, err
		}
		collateral, err := fpmath.Sub(&pos.Collateral, collateralDelta)
		if err != nil {
			return nil, nil, err
		}
		pos.Collateral = *collateral
	}

	// a full close pays out whatever collateral is left
	if pos.Size.Eq(sizeDelta) {
		if usdOut, err = fpmath.Add(usdOut, &pos.Collateral); err != nil {
			return nil, nil, err
		}
		pos.Collateral.Clear()
	}

	usdOutAfterFee := usdOut
	if usdOut.Gt(fee) {
		usdOutAfterFee = new(uint256.Int).Sub(usdOut, fee)
	} else {
		collateral, err := fpmath.Sub(&pos.Collateral, fee)
		if err != nil {
			return nil, nil, err
		}
		pos.Collateral = *collateral
		if key.IsLong {
			feeTokens, err := v.UsdToTokenMin(collateralToken, fee)
			if err != nil {
				return nil, nil, err
			}
			if err := v.decreasePoolAmount(collateralToken, feeTokens); err != nil {
				return nil, nil, err
			}
		}
	}

	v.emit(&event.UpdatePnl{Key: key.String(), HasProfit: hasProfit, Delta: adjustedDelta})
	return usdOut, usdOutAfterFee, nil
}

// LiquidatePosition closes an unhealthy position. Over-leveraged positions are
// closed through a full decrease paid to the account; insolvent ones lose
// their collateral to the pool. The liquidation fee goes to feeReceiver.
func (v *Vault) LiquidatePosition(call Call, account, collateralToken, indexToken ledger.Address, isLong bool, feeReceiver ledger.Address) error {
	var verdict LiquidationState
	err := v.execute(call, "LiquidatePosition", func() error {
		if v.st.Params.InPrivateLiquidationMode && !v.st.Liquidators[call.Caller] {
			return v.fail(errcode.InvalidLiquidator)
		}
		// liquidations price off the oracle only
		v.includeAMMPrice = false

		if err := v.updateCumulativeFundingRate(collateralToken); err != nil {
			return err
		}

		key := PositionKey{account, collateralToken, indexToken, isLong}
		existing := v.position(key)
		if existing == nil || existing.Size.IsZero() {
			return v.fail(errcode.EmptyPosition)
		}

		state, marginFees, err := v.validateLiquidation(key, false)
		if err != nil {
			return err
		}
		verdict = state
		switch state {
		case Healthy:
			return v.fail(errcode.PositionCannotBeLiquidated)
		case OverLeveraged:
			_, err := v.decreasePosition(account, collateralToken, indexToken, fpmath.Zero(), existing.Size.Clone(), isLong, account)
			return err
		}
		return v.seizePosition(key, marginFees, feeReceiver)
	})
	if err == nil && v.metrics != nil {
		v.metrics.Liquidations.WithLabelValues(verdict.String()).Inc()
	}
	return err
}

func (v *Vault) seizePosition(key PositionKey, marginFees *uint256.Int, feeReceiver ledger.Address) error {
	collateralToken := key.CollateralToken
	pos := v.mutablePosition(key)

	feeTokens, err := v.UsdToTokenMin(collateralToken, marginFees)
	if err != nil {
		return err
	}
	a := v.asset(collateralToken)
	reserve, err := fpmath.Add(&a.FeeReserve, feeTokens)
	if err != nil {
		return err
	}
	a.FeeReserve = *reserve
	v.emit(&event.CollectMarginFees{Token: collateralToken, FeeUsd: marginFees.Clone(), FeeTokens: feeTokens.Clone()})

	if err := v.decreaseReservedAmount(collateralToken, &pos.ReserveAmount); err != nil {
		return err
	}
	if key.IsLong {
		guaranteed, err := fpmath.Sub(&pos.Size, &pos.Collateral)
		if err != nil {
			return err
		}
		if err := v.decreaseGuaranteedUsd(collateralToken, guaranteed); err != nil {
			return err
		}
		if err := v.decreasePoolAmount(collateralToken, feeTokens); err != nil {
			return err
		}
	}

	markPrice, err := v.price(key.IndexToken, !key.IsLong)
	if err != nil {
		return err
	}
	v.emit(&event.LiquidatePosition{
		Key:             key.String(),
		Account:         key.Account,
		CollateralToken: collateralToken,
		IndexToken:      key.IndexToken,
		IsLong:          key.IsLong,
		Size:            pos.Size.Clone(),
		Collateral:      pos.Collateral.Clone(),
		ReserveAmount:   pos.ReserveAmount.Clone(),
		RealisedPnl:     pnlCopy(pos),
		MarkPrice:       markPrice,
	})

	if !key.IsLong {
		// whatever collateral the fees did not consume stays with the pool
		if marginFees.Lt(&pos.Collateral) {
			remaining := new(uint256.Int).Sub(&pos.Collateral, marginFees)
			tokens, err := v.UsdToTokenMin(collateralToken, remaining)
			if err != nil {
				return err
			}
			if err := v.increasePoolAmount(collateralToken, tokens); err != nil {
				return err
			}
		}
		v.decreaseGlobalShortSize(key.IndexToken, &pos.Size)
	}

	v.deletePosition(key)

	liqFeeTokens, err := v.UsdToTokenMin(collateralToken, &v.st.Params.LiquidationFeeUsd)
	if err != nil {
		return err
	}
	if err := v.decreasePoolAmount(collateralToken, liqFeeTokens); err != nil {
		return err
	}
	return v.transferOut(collateralToken, liqFeeTokens, feeReceiver)
}

// collectMarginFees charges the position fee on sizeDelta plus the funding
// owed by size, moving their token value into the fee reserve. Returns the USD fee.
func (v *Vault) collectMarginFees(collateralToken ledger.Address, sizeDelta, size, entryFundingRate *uint256.Int) (*uint256.Int, error) {
	feeUsd, err := v.GetPositionFee(sizeDelta)
	if err != nil {
		return nil, err
	}
	fundingFee, err := v.GetFundingFee(collateralToken, size, entryFundingRate)
	if err != nil {
		return nil, err
	}
	if feeUsd, err = fpmath.Add(feeUsd, fundingFee); err != nil {
		return nil, err
	}

	feeTokens, err := v.UsdToTokenMin(collateralToken, feeUsd)
	if err != nil {
		return nil, err
	}
	a := v.asset(collateralToken)
	reserve, err := fpmath.Add(&a.FeeReserve, feeTokens)
	if err != nil {
		return nil, err
	}
	a.FeeReserve = *reserve

	v.emit(&event.CollectMarginFees{Token: collateralToken, FeeUsd: feeUsd.Clone(), FeeTokens: feeTokens})
	return feeUsd, nil
}

// --- risk views ---

// GetDelta is the unrealised PnL of a position, with profits inside the
// min-profit window clamped to zero.
func (v *Vault) GetDelta(indexToken ledger.Address, size, averagePrice *uint256.Int, isLong bool, lastIncreasedTime int64) (bool, *uint256.Int, error) {
	if averagePrice.IsZero() {
		return false, nil, v.fail(errcode.InvalidAveragePrice)
	}
	price, err := v.price(indexToken, !isLong)
	if err != nil {
		return false, nil, err
	}
	var minBps uint64
	if v.now() <= lastIncreasedTime+v.st.Params.MinProfitTime {
		if cfg, ok := v.st.Tokens[indexToken]; ok {
			minBps = cfg.MinProfitBasisPoints
		}
	}
	return Delta(size, averagePrice, price, isLong, minBps)
}

// GetNextAveragePrice is the average price after adding sizeDelta at nextPrice.
func (v *Vault) GetNextAveragePrice(indexToken ledger.Address, size, averagePrice *uint256.Int, isLong bool, nextPrice, sizeDelta *uint256.Int, lastIncreasedTime int64) (*uint256.Int, error) {
	hasProfit, delta, err := v.GetDelta(indexToken, size, averagePrice, isLong, lastIncreasedTime)
	if err != nil {
		return nil, err
	}
	return NextAveragePrice(size, sizeDelta, nextPrice, delta, hasProfit, isLong)
}

// GetNextGlobalShortAveragePrice is the aggregate short average after a new
// short of sizeDelta at nextPrice.
func (v *Vault) GetNextGlobalShortAveragePrice(indexToken ledger.Address, nextPrice, sizeDelta *uint256.Int) (*uint256.Int, error) {
	a := v.assetView(indexToken)
	return NextGlobalShortAveragePrice(&a.GlobalShortSize, &a.GlobalShortAveragePrice, nextPrice, sizeDelta)
}

// GetGlobalShortDelta is the aggregate PnL of all shorts on token, from the
// traders' side, at the max price.
func (v *Vault) GetGlobalShortDelta(token ledger.Address) (bool, *uint256.Int, error) {
	a := v.assetView(token)
	if a.GlobalShortSize.IsZero() {
		return false, fpmath.Zero(), nil
	}
	price, err := v.GetMaxPrice(token)
	if err != nil {
		return false, nil, err
	}
	priceDelta, _ := fpmath.AbsDiff(&a.GlobalShortAveragePrice, price)
	delta, err := fpmath.MulDiv(&a.GlobalShortSize, priceDelta, &a.GlobalShortAveragePrice)
	if err != nil {
		return false, nil, err
	}
	return a.GlobalShortAveragePrice.Gt(price), delta, nil
}

// ValidateLiquidation reports the liquidation verdict for a position and the
// margin fees it owes. With raise set, an unhealthy verdict is an error.
func (v *Vault) ValidateLiquidation(account, collateralToken, indexToken ledger.Address, isLong, raise bool) (LiquidationState, *uint256.Int, error) {
	return v.validateLiquidation(PositionKey{account, collateralToken, indexToken, isLong}, raise)
}

func (v *Vault) validateLiquidation(key PositionKey, raise bool) (LiquidationState, *uint256.Int, error) {
	pos := v.position(key)
	if pos == nil {
		pos = &Position{}
	}
	hasProfit, delta, err := v.GetDelta(key.IndexToken, &pos.Size, &pos.AveragePrice, key.IsLong, pos.LastIncreasedTime)
	if err != nil {
		return Healthy, nil, err
	}

	fundingFee, err := v.GetFundingFee(key.CollateralToken, &pos.Size, &pos.EntryFundingRate)
	if err != nil {
		return Healthy, nil, err
	}
	positionFee, err := v.GetPositionFee(&pos.Size)
	if err != nil {
		return Healthy, nil, err
	}
	marginFees, err := fpmath.Add(fundingFee, positionFee)
	if err != nil {
		return Healthy, nil, err
	}

	state, fees, code, err := EvaluateLiquidation(LiquidationInput{
		Size:              &pos.Size,
		Collateral:        &pos.Collateral,
		HasProfit:         hasProfit,
		Delta:             delta,
		MarginFees:        marginFees,
		LiquidationFeeUsd: &v.st.Params.LiquidationFeeUsd,
		MaxLeverage:       v.st.Params.MaxLeverage,
	})
	if err != nil {
		return Healthy, nil, err
	}
	if raise && state != Healthy {
		return state, fees, v.fail(code)
	}
	return state, fees, nil
}

// --- validation ---

func (v *Vault) validatePosition(size, collateral *uint256.Int) error {
	if size.IsZero() {
		if !collateral.IsZero() {
			return v.fail(errcode.CollateralShouldBeWithdrawn)
		}
		return nil
	}
	if size.Lt(collateral) {
		return v.fail(errcode.SizeMustExceedCollateral)
	}
	return nil
}

// validateRouter allows the account itself, the vault router, or a router
// the account approved.
func (v *Vault) validateRouter(account ledger.Address) error {
	caller := v.call.Caller
	if caller == account || caller == v.st.Router {
		return nil
	}
	if v.st.ApprovedRouters[account][caller] {
		return nil
	}
	return v.fail(errcode.InvalidRouter)
}

func (v *Vault) validateTokens(collateralToken, indexToken ledger.Address, isLong bool) error {
	cfg, whitelisted := v.st.Tokens[collateralToken]
	if isLong {
		if collateralToken != indexToken {
			return v.fail(errcode.MismatchedTokens)
		}
		if !whitelisted {
			return v.fail(errcode.CollateralNotWhitelisted)
		}
		if cfg.IsStable {
			return v.fail(errcode.CollateralMustNotBeStable)
		}
		return nil
	}

	if !whitelisted {
		return v.fail(errcode.CollateralNotWhitelisted)
	}
	if !cfg.IsStable {
		return v.fail(errcode.CollateralMustBeStable)
	}
	index, ok := v.st.Tokens[indexToken]
	if ok && index.IsStable {
		return v.fail(errcode.IndexMustNotBeStable)
	}
	if !ok || !index.IsShortable {
		return v.fail(errcode.IndexNotShortable)
	}
	return nil
}

func (v *Vault) validateManager() error {
	if v.st.Params.InManagerMode && !v.st.Managers[v.call.Caller] {
		return v.fail(errcode.ManagerForbidden)
	}
	return nil
}

func (v *Vault) validateGasPrice() error {
	if limit := v.st.Params.MaxGasPrice; limit > 0 && v.call.GasPrice > limit {
		return v.fail(errcode.MaxGasPriceExceeded)
	}
	return nil
}

func updateEvent(key PositionKey, pos *Position, markPrice *uint256.Int) *event.UpdatePosition {
	return &event.UpdatePosition{
		Key:              key.String(),
		Size:             pos.Size.Clone(),
		Collateral:       pos.Collateral.Clone(),
		AveragePrice:     pos.AveragePrice.Clone(),
		EntryFundingRate: pos.EntryFundingRate.Clone(),
		ReserveAmount:    pos.ReserveAmount.Clone(),
		RealisedPnl:      pnlCopy(pos),
		MarkPrice:        markPrice.Clone(),
	}
}

func pnlCopy(pos *Position) *big.Int {
	out := new(big.Int)
	if pos.RealisedPnl != nil {
		out.Set(pos.RealisedPnl)
	}
	return out
}
