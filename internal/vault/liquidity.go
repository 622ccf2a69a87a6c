package vault

import (
	"PerpVault/internal/errcode"
	"PerpVault/internal/event"
	"PerpVault/internal/ledger"
	fpmath "PerpVault/internal/math"

	"github.com/holiman/uint256"
)

// BuyUSDG mints USDG to receiver against the token amount transferred to the
// vault since the last balance update. Returns the minted amount.
func (v *Vault) BuyUSDG(call Call, token, receiver ledger.Address) (*uint256.Int, error) {
	var minted *uint256.Int
	err := v.execute(call, "BuyUSDG", func() error {
		if err := v.requireInitialized(); err != nil {
			return err
		}
		if err := v.validateManager(); err != nil {
			return err
		}
		if !v.isWhitelisted(token) {
			return v.fail(errcode.TokenNotWhitelisted)
		}
		v.useSwapPricing = true

		tokenAmount, err := v.transferIn(token)
		if err != nil {
			return err
		}
		if tokenAmount.IsZero() {
			return v.fail(errcode.InvalidTokenAmount)
		}
		if err := v.updateCumulativeFundingRate(token); err != nil {
			return err
		}

		price, err := v.GetMinPrice(token)
		if err != nil {
			return err
		}
		usdgAmount, err := v.tokenToUsdg(token, tokenAmount, price)
		if err != nil {
			return err
		}
		if usdgAmount.IsZero() {
			return v.fail(errcode.InvalidUsdgAmount)
		}

		feeBps, err := v.GetBuyUsdgFeeBasisPoints(token, usdgAmount)
		if err != nil {
			return err
		}
		afterFees, err := v.collectSwapFees(token, tokenAmount, feeBps)
		if err != nil {
			return err
		}
		mintAmount, err := v.tokenToUsdg(token, afterFees, price)
		if err != nil {
			return err
		}
		if mintAmount.IsZero() {
			return v.fail(errcode.InvalidUsdgAmount)
		}

		if err := v.increaseUsdgAmount(token, mintAmount); err != nil {
			return err
		}
		if err := v.increasePoolAmount(token, afterFees); err != nil {
			return err
		}
		if err := v.usdg.Mint(v.address, receiver, mintAmount); err != nil {
			return err
		}

		v.emit(&event.BuyUSDG{
			Account:        receiver,
			Token:          token,
			TokenAmount:    tokenAmount,
			USDGAmount:     mintAmount.Clone(),
			FeeBasisPoints: feeBps,
		})
		minted = mintAmount
		return nil
	})
	return minted, err
}

// SellUSDG redeems the USDG transferred to the vault for token, paid to receiver.
// Returns the token amount paid out.
func (v *Vault) SellUSDG(call Call, token, receiver ledger.Address) (*uint256.Int, error) {
	var paid *uint256.Int
	err := v.execute(call, "SellUSDG", func() error {
		if err := v.requireInitialized(); err != nil {
			return err
		}
		if err := v.validateManager(); err != nil {
			return err
		}
		if !v.isWhitelisted(token) {
			return v.fail(errcode.TokenNotWhitelisted)
		}
		v.useSwapPricing = true

		usdg := v.usdgAddress()
		usdgAmount, err := v.transferIn(usdg)
		if err != nil {
			return err
		}
		if usdgAmount.IsZero() {
			return v.fail(errcode.InvalidUsdgAmount)
		}
		if err := v.updateCumulativeFundingRate(token); err != nil {
			return err
		}

		redemption, err := v.GetRedemptionAmount(token, usdgAmount)
		if err != nil {
			return err
		}
		if redemption.IsZero() {
			return v.fail(errcode.InvalidRedemptionAmount)
		}

		if err := v.decreaseUsdgAmount(token, usdgAmount); err != nil {
			return err
		}
		if err := v.decreasePoolAmount(token, redemption); err != nil {
			return err
		}
		if err := v.usdg.Burn(v.address, v.address, usdgAmount); err != nil {
			return err
		}
		// the burn lowers the vault's USDG balance below the tracked one
		v.updateTokenBalance(usdg)

		feeBps, err := v.GetSellUsdgFeeBasisPoints(token, usdgAmount)
		if err != nil {
			return err
		}
		amountOut, err := v.collectSwapFees(token, redemption, feeBps)
		if err != nil {
			return err
		}
		if amountOut.IsZero() {
			return v.fail(errcode.InvalidAmountOut)
		}
		if err := v.transferOut(token, amountOut, receiver); err != nil {
			return err
		}

		v.emit(&event.SellUSDG{
			Account:        receiver,
			Token:          token,
			USDGAmount:     usdgAmount,
			TokenAmount:    amountOut.Clone(),
			FeeBasisPoints: feeBps,
		})
		paid = amountOut
		return nil
	})
	return paid, err
}

// Swap exchanges the tokenIn transferred to the vault for tokenOut, paid to
// receiver. Returns the amount paid out after fees.
func (v *Vault) Swap(call Call, tokenIn, tokenOut, receiver ledger.Address) (*uint256.Int, error) {
	var paid *uint256.Int
	err := v.execute(call, "Swap", func() error {
		if !v.st.Params.IsSwapEnabled {
			return v.fail(errcode.SwapsNotEnabled)
		}
		if !v.isWhitelisted(tokenIn) || !v.isWhitelisted(tokenOut) {
			return v.fail(errcode.TokenNotWhitelisted)
		}
		if tokenIn == tokenOut {
			return v.fail(errcode.InvalidTokens)
		}
		v.useSwapPricing = true

		if err := v.updateCumulativeFundingRate(tokenIn); err != nil {
			return err
		}
		if err := v.updateCumulativeFundingRate(tokenOut); err != nil {
			return err
		}

		amountIn, err := v.transferIn(tokenIn)
		if err != nil {
			return err
		}
		if amountIn.IsZero() {
			return v.fail(errcode.InvalidAmountIn)
		}

		priceIn, err := v.GetMinPrice(tokenIn)
		if err != nil {
			return err
		}
		priceOut, err := v.GetMaxPrice(tokenOut)
		if err != nil {
			return err
		}
		amountOut, err := fpmath.MulDiv(amountIn, priceIn, priceOut)
		if err != nil {
			return err
		}
		if amountOut, err = v.adjustForDecimals(amountOut, tokenIn, tokenOut); err != nil {
			return err
		}

		// debt moves with the USD value of what came in
		usdgAmount, err := v.tokenToUsdg(tokenIn, amountIn, priceIn)
		if err != nil {
			return err
		}

		feeBps, err := v.GetSwapFeeBasisPoints(tokenIn, tokenOut, usdgAmount)
		if err != nil {
			return err
		}
		afterFees, err := v.collectSwapFees(tokenOut, amountOut, feeBps)
		if err != nil {
			return err
		}

		if err := v.increaseUsdgAmount(tokenIn, usdgAmount); err != nil {
			return err
		}
		if err := v.decreaseUsdgAmount(tokenOut, usdgAmount); err != nil {
			return err
		}
		if err := v.increasePoolAmount(tokenIn, amountIn); err != nil {
			return err
		}
		if err := v.decreasePoolAmount(tokenOut, amountOut); err != nil {
			return err
		}
		if v.assetView(tokenOut).PoolAmount.Lt(&v.assetView(tokenOut).BufferAmount) {
			return v.fail(errcode.PoolBelowBuffer)
		}
		if err := v.transferOut(tokenOut, afterFees, receiver); err != nil {
			return err
		}

		v.emit(&event.Swap{
			Account:            receiver,
			TokenIn:            tokenIn,
			TokenOut:           tokenOut,
			AmountIn:           amountIn,
			AmountOut:          amountOut,
			AmountOutAfterFees: afterFees.Clone(),
			FeeBasisPoints:     feeBps,
		})
		paid = afterFees
		return nil
	})
	return paid, err
}

// DirectPoolDeposit adds the token transferred to the vault to the pool
// without minting USDG.
func (v *Vault) DirectPoolDeposit(call Call, token ledger.Address) error {
	return v.execute(call, "DirectPoolDeposit", func() error {
		if !v.isWhitelisted(token) {
			return v.fail(errcode.TokenNotWhitelisted)
		}
		amount, err := v.transferIn(token)
		if err != nil {
			return err
		}
		if amount.IsZero() {
			return v.fail(errcode.InvalidTokenAmount)
		}
		if err := v.increasePoolAmount(token, amount); err != nil {
			return err
		}
		v.emit(&event.DirectPoolDeposit{Token: token, Amount: amount})
		return nil
	})
}

// WithdrawFees pays token's accumulated fee reserve to receiver. Gov only.
func (v *Vault) WithdrawFees(call Call, token, receiver ledger.Address) (*uint256.Int, error) {
	var paid *uint256.Int
	err := v.execute(call, "WithdrawFees", func() error {
		if err := v.onlyGov(); err != nil {
			return err
		}
		a := v.asset(token)
		amount := a.FeeReserve.Clone()
		paid = amount
		if amount.IsZero() {
			return nil
		}
		a.FeeReserve.Clear()
		if err := v.transferOut(token, amount, receiver); err != nil {
			return err
		}
		v.emit(&event.WithdrawFees{Token: token, Receiver: receiver, Amount: amount.Clone()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paid, nil
}

// --- fee schedule ---

// GetTargetUsdgAmount is token's weighted share of the USDG supply.
func (v *Vault) GetTargetUsdgAmount(token ledger.Address) (*uint256.Int, error) {
	if v.usdg == nil || v.st.TotalTokenWeights == 0 {
		return fpmath.Zero(), nil
	}
	supply := v.usdg.TotalSupply()
	if supply.IsZero() {
		return fpmath.Zero(), nil
	}
	var weight uint64
	if cfg, ok := v.st.Tokens[token]; ok {
		weight = cfg.Weight
	}
	return fpmath.MulDiv(fpmath.U(weight), supply, fpmath.U(v.st.TotalTokenWeights))
}

// GetFeeBasisPoints prices a change of usdgDelta to token's debt.
func (v *Vault) GetFeeBasisPoints(token ledger.Address, usdgDelta *uint256.Int, feeBps, taxBps uint64, increment bool) (uint64, error) {
	if !v.st.Params.HasDynamicFees {
		return feeBps, nil
	}
	target, err := v.GetTargetUsdgAmount(token)
	if err != nil {
		return 0, err
	}
	return FeeBasisPoints(FeeInput{
		Current:   &v.assetView(token).UsdgAmount,
		Delta:     usdgDelta,
		Target:    target,
		Increment: increment,
		FeeBps:    feeBps,
		TaxBps:    taxBps,
		Dynamic:   true,
	})
}

func (v *Vault) GetBuyUsdgFeeBasisPoints(token ledger.Address, usdgAmount *uint256.Int) (uint64, error) {
	p := v.st.Params
	return v.GetFeeBasisPoints(token, usdgAmount, p.MintBurnFeeBasisPoints, p.TaxBasisPoints, true)
}

func (v *Vault) GetSellUsdgFeeBasisPoints(token ledger.Address, usdgAmount *uint256.Int) (uint64, error) {
	p := v.st.Params
	return v.GetFeeBasisPoints(token, usdgAmount, p.MintBurnFeeBasisPoints, p.TaxBasisPoints, false)
}

// GetSwapFeeBasisPoints is the larger of the fees for adding tokenIn and
// removing tokenOut. Swaps between two stable tokens use the stable schedule.
func (v *Vault) GetSwapFeeBasisPoints(tokenIn, tokenOut ledger.Address, usdgAmount *uint256.Int) (uint64, error) {
	p := v.st.Params
	feeBps, taxBps := p.SwapFeeBasisPoints, p.TaxBasisPoints
	if v.isStable(tokenIn) && v.isStable(tokenOut) {
		feeBps, taxBps = p.StableSwapFeeBasisPoints, p.StableTaxBasisPoints
	}
	in, err := v.GetFeeBasisPoints(tokenIn, usdgAmount, feeBps, taxBps, true)
	if err != nil {
		return 0, err
	}
	out, err := v.GetFeeBasisPoints(tokenOut, usdgAmount, feeBps, taxBps, false)
	if err != nil {
		return 0, err
	}
	return max(in, out), nil
}

// collectSwapFees moves feeBps of amount into the fee reserve and returns the rest.
func (v *Vault) collectSwapFees(token ledger.Address, amount *uint256.Int, feeBps uint64) (*uint256.Int, error) {
	if feeBps > fpmath.BasisPointsDivisor {
		return nil, fpmath.ErrUnderflow
	}
	afterFees, err := fpmath.MulDiv(amount, fpmath.U(fpmath.BasisPointsDivisor-feeBps), fpmath.BPS)
	if err != nil {
		return nil, err
	}
	feeAmount := new(uint256.Int).Sub(amount, afterFees)

	a := v.asset(token)
	reserve, err := fpmath.Add(&a.FeeReserve, feeAmount)
	if err != nil {
		return nil, err
	}
	a.FeeReserve = *reserve

	feeUsd, err := v.TokenToUsdMin(token, feeAmount)
	if err != nil {
		return nil, err
	}
	v.emit(&event.CollectSwapFees{Token: token, FeeUsd: feeUsd, FeeTokens: feeAmount})
	return afterFees, nil
}

// tokenToUsdg values amount of token at price in USDG units.
func (v *Vault) tokenToUsdg(token ledger.Address, amount, price *uint256.Int) (*uint256.Int, error) {
	usd, err := fpmath.MulDiv(amount, price, fpmath.PricePrecision)
	if err != nil {
		return nil, err
	}
	return v.adjustForDecimals(usd, token, v.usdgAddress())
}

// --- asset ledger mutators ---

func (v *Vault) increasePoolAmount(token ledger.Address, amount *uint256.Int) error {
	a := v.asset(token)
	next, err := fpmath.Add(&a.PoolAmount, amount)
	if err != nil {
		return err
	}
	if next.Gt(v.tokens.BalanceOf(token, v.address)) {
		return v.fail(errcode.InvalidIncrease)
	}
	a.PoolAmount = *next
	v.emit(&event.AmountDelta{Kind: event.EventTypeIncreasePoolAmount, Token: token, Amount: amount.Clone()})
	return nil
}

func (v *Vault) decreasePoolAmount(token ledger.Address, amount *uint256.Int) error {
	a := v.asset(token)
	if a.PoolAmount.Lt(amount) {
		return v.fail(errcode.PoolAmountExceeded)
	}
	a.PoolAmount.Sub(&a.PoolAmount, amount)
	if a.ReservedAmount.Gt(&a.PoolAmount) {
		return v.fail(errcode.ReserveExceedsPool)
	}
	v.emit(&event.AmountDelta{Kind: event.EventTypeDecreasePoolAmount, Token: token, Amount: amount.Clone()})
	return nil
}

func (v *Vault) increaseUsdgAmount(token ledger.Address, amount *uint256.Int) error {
	a := v.asset(token)
	next, err := fpmath.Add(&a.UsdgAmount, amount)
	if err != nil {
		return err
	}
	if cfg, ok := v.st.Tokens[token]; ok && !cfg.MaxUsdgAmount.IsZero() && next.Gt(&cfg.MaxUsdgAmount) {
		return v.fail(errcode.MaxUsdgExceeded)
	}
	a.UsdgAmount = *next
	v.emit(&event.AmountDelta{Kind: event.EventTypeIncreaseUsdgAmount, Token: token, Amount: amount.Clone()})
	return nil
}

// decreaseUsdgAmount floors the debt at zero. The debt can fall short of the
// USDG being redeemed when redemptions span several assets.
func (v *Vault) decreaseUsdgAmount(token ledger.Address, amount *uint256.Int) error {
	a := v.asset(token)
	if !a.UsdgAmount.Gt(amount) {
		removed := a.UsdgAmount.Clone()
		a.UsdgAmount.Clear()
		v.emit(&event.AmountDelta{Kind: event.EventTypeDecreaseUsdgAmount, Token: token, Amount: removed})
		return nil
	}
	a.UsdgAmount.Sub(&a.UsdgAmount, amount)
	v.emit(&event.AmountDelta{Kind: event.EventTypeDecreaseUsdgAmount, Token: token, Amount: amount.Clone()})
	return nil
}

func (v *Vault) increaseReservedAmount(token ledger.Address, amount *uint256.Int) error {
	a := v.asset(token)
	next, err := fpmath.Add(&a.ReservedAmount, amount)
	if err != nil {
		return err
	}
	if next.Gt(&a.PoolAmount) {
		return v.fail(errcode.ReserveExceedsPool)
	}
	a.ReservedAmount = *next
	v.emit(&event.AmountDelta{Kind: event.EventTypeIncreaseReservedAmount, Token: token, Amount: amount.Clone()})
	return nil
}

func (v *Vault) decreaseReservedAmount(token ledger.Address, amount *uint256.Int) error {
	a := v.asset(token)
	if a.ReservedAmount.Lt(amount) {
		return v.fail(errcode.InsufficientReserve)
	}
	a.ReservedAmount.Sub(&a.ReservedAmount, amount)
	v.emit(&event.AmountDelta{Kind: event.EventTypeDecreaseReservedAmount, Token: token, Amount: amount.Clone()})
	return nil
}

func (v *Vault) increaseGuaranteedUsd(token ledger.Address, usd *uint256.Int) error {
	a := v.asset(token)
	next, err := fpmath.Add(&a.GuaranteedUsd, usd)
	if err != nil {
		return err
	}
	a.GuaranteedUsd = *next
	v.emit(&event.AmountDelta{Kind: event.EventTypeIncreaseGuaranteedUsd, Token: token, Amount: usd.Clone()})
	return nil
}

func (v *Vault) decreaseGuaranteedUsd(token ledger.Address, usd *uint256.Int) error {
	a := v.asset(token)
	if a.GuaranteedUsd.Lt(usd) {
		return v.fail(errcode.InsufficientGuaranteedUsd)
	}
	a.GuaranteedUsd.Sub(&a.GuaranteedUsd, usd)
	v.emit(&event.AmountDelta{Kind: event.EventTypeDecreaseGuaranteedUsd, Token: token, Amount: usd.Clone()})
	return nil
}

func (v *Vault) increaseGlobalShortSize(token ledger.Address, usd *uint256.Int) error {
	a := v.asset(token)
	next, err := fpmath.Add(&a.GlobalShortSize, usd)
	if err != nil {
		return err
	}
	a.GlobalShortSize = *next
	return nil
}

func (v *Vault) decreaseGlobalShortSize(token ledger.Address, usd *uint256.Int) {
	a := v.asset(token)
	a.GlobalShortSize = *fpmath.SubFloor(&a.GlobalShortSize, usd)
}

// --- transfers ---

// transferIn observes how much of token arrived since the last balance
// update and records the new balance.
func (v *Vault) transferIn(token ledger.Address) (*uint256.Int, error) {
	a := v.asset(token)
	next := v.tokens.BalanceOf(token, v.address)
	delta, err := fpmath.Sub(next, &a.TokenBalance)
	if err != nil {
		return nil, err
	}
	a.TokenBalance = *next
	return delta, nil
}

func (v *Vault) transferOut(token ledger.Address, amount *uint256.Int, receiver ledger.Address) error {
	if err := v.tokens.Transfer(token, v.address, receiver, amount); err != nil {
		return err
	}
	v.updateTokenBalance(token)
	return nil
}

func (v *Vault) updateTokenBalance(token ledger.Address) {
	v.asset(token).TokenBalance = *v.tokens.BalanceOf(token, v.address)
}

func (v *Vault) isWhitelisted(token ledger.Address) bool {
	_, ok := v.st.Tokens[token]
	return ok
}

func (v *Vault) isStable(token ledger.Address) bool {
	cfg, ok := v.st.Tokens[token]
	return ok && cfg.IsStable
}
