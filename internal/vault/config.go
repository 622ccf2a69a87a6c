package vault

import (
	"fmt"
	"strconv"

	"PerpVault/internal/errcode"
	"PerpVault/internal/event"
	"PerpVault/internal/ledger"
	fpmath "PerpVault/internal/math"
	"PerpVault/internal/oracle"

	"github.com/holiman/uint256"
)

// Parameter bounds.
const (
	MaxFeeBasisPoints      = 500
	MinFundingRateInterval = 60 * 60
	MaxFundingRateFactor   = 10_000
	MinLeverage            = 10_000
)

// MaxLiquidationFeeUsd is 100 USD in price precision.
var MaxLiquidationFeeUsd = new(uint256.Int).Mul(fpmath.U(100), fpmath.PricePrecision)

// Fees is the fee schedule set by SetFees.
type Fees struct {
	TaxBasisPoints           uint64
	StableTaxBasisPoints     uint64
	MintBurnFeeBasisPoints   uint64
	SwapFeeBasisPoints       uint64
	StableSwapFeeBasisPoints uint64
	MarginFeeBasisPoints     uint64
	LiquidationFeeUsd        *uint256.Int
	MinProfitTime            int64
	HasDynamicFees           bool
}

// Initialize wires the router, debt token and price feed, and sets the
// liquidation fee and funding factors. It can run once.
func (v *Vault) Initialize(call Call, router ledger.Address, usdg DebtToken, feed oracle.PriceFeed, liquidationFeeUsd *uint256.Int, fundingRateFactor, stableFundingRateFactor uint64) error {
	return v.execute(call, "Initialize", func() error {
		if err := v.onlyGov(); err != nil {
			return err
		}
		if v.st.Initialized {
			return v.fail(errcode.AlreadyInitialized)
		}
		if usdg == nil {
			return fmt.Errorf("initialize: nil debt token")
		}
		if liquidationFeeUsd == nil {
			liquidationFeeUsd = fpmath.Zero()
		}
		v.st.Initialized = true
		v.st.Router = router
		v.st.USDG = usdg.Address()
		v.st.Params.LiquidationFeeUsd = *liquidationFeeUsd
		v.st.Params.FundingRateFactor = fundingRateFactor
		v.st.Params.StableFundingRateFactor = stableFundingRateFactor

		v.usdg = usdg
		v.prices.SetFeed(feed)

		v.emitParams("initialize", map[string]string{
			"router":                     router.String(),
			"usdg":                       usdg.Address().String(),
			"liquidation_fee_usd":        liquidationFeeUsd.Dec(),
			"funding_rate_factor":        strconv.FormatUint(fundingRateFactor, 10),
			"stable_funding_rate_factor": strconv.FormatUint(stableFundingRateFactor, 10),
		})
		return nil
	})
}

func (v *Vault) SetGov(call Call, gov ledger.Address) error {
	return v.govAction(call, "SetGov", func() error {
		v.st.Gov = gov
		v.emitParams("gov", map[string]string{"gov": gov.String()})
		return nil
	})
}

// SetErrorController hands control of error messages to controller.
func (v *Vault) SetErrorController(call Call, controller ledger.Address) error {
	return v.govAction(call, "SetErrorController", func() error {
		v.errs.SetController(controller)
		v.emitParams("error_controller", map[string]string{"controller": controller.String()})
		return nil
	})
}

// SetError changes the message of code. Only the error controller may call it.
func (v *Vault) SetError(call Call, code errcode.Code, message string) error {
	return v.errs.SetError(call.Caller, code, message)
}

func (v *Vault) SetPriceFeed(call Call, feed oracle.PriceFeed) error {
	return v.govAction(call, "SetPriceFeed", func() error {
		v.prices.SetFeed(feed)
		v.emitParams("price_feed", map[string]string{"feed": fmt.Sprintf("%T", feed)})
		return nil
	})
}

// SetMaxLeverage sets the maximum leverage in basis points; it must exceed 1x.
func (v *Vault) SetMaxLeverage(call Call, maxLeverage uint64) error {
	return v.govAction(call, "SetMaxLeverage", func() error {
		if maxLeverage <= MinLeverage {
			return v.fail(errcode.InvalidMaxLeverage)
		}
		v.st.Params.MaxLeverage = maxLeverage
		v.emitParams("max_leverage", map[string]string{"max_leverage": strconv.FormatUint(maxLeverage, 10)})
		return nil
	})
}

func (v *Vault) SetBufferAmount(call Call, token ledger.Address, amount *uint256.Int) error {
	return v.govAction(call, "SetBufferAmount", func() error {
		v.asset(token).BufferAmount = *amount
		v.emitParams("buffer_amount", map[string]string{"token": token.String(), "amount": amount.Dec()})
		return nil
	})
}

func (v *Vault) SetMaxGasPrice(call Call, maxGasPrice uint64) error {
	return v.govAction(call, "SetMaxGasPrice", func() error {
		v.st.Params.MaxGasPrice = maxGasPrice
		v.emitParams("max_gas_price", map[string]string{"max_gas_price": strconv.FormatUint(maxGasPrice, 10)})
		return nil
	})
}

func (v *Vault) SetManager(call Call, account ledger.Address, isManager bool) error {
	return v.govAction(call, "SetManager", func() error {
		if isManager {
			v.st.Managers[account] = true
		} else {
			delete(v.st.Managers, account)
		}
		v.emitParams("manager", map[string]string{"account": account.String(), "active": strconv.FormatBool(isManager)})
		return nil
	})
}

func (v *Vault) SetLiquidator(call Call, account ledger.Address, isActive bool) error {
	return v.govAction(call, "SetLiquidator", func() error {
		if isActive {
			v.st.Liquidators[account] = true
		} else {
			delete(v.st.Liquidators, account)
		}
		v.emitParams("liquidator", map[string]string{"account": account.String(), "active": strconv.FormatBool(isActive)})
		return nil
	})
}

func (v *Vault) SetInManagerMode(call Call, enabled bool) error {
	return v.setFlag(call, "SetInManagerMode", "in_manager_mode", enabled, func(p *Params) { p.InManagerMode = enabled })
}

func (v *Vault) SetInPrivateLiquidationMode(call Call, enabled bool) error {
	return v.setFlag(call, "SetInPrivateLiquidationMode", "in_private_liquidation_mode", enabled, func(p *Params) { p.InPrivateLiquidationMode = enabled })
}

func (v *Vault) SetIsSwapEnabled(call Call, enabled bool) error {
	return v.setFlag(call, "SetIsSwapEnabled", "is_swap_enabled", enabled, func(p *Params) { p.IsSwapEnabled = enabled })
}

func (v *Vault) SetIsLeverageEnabled(call Call, enabled bool) error {
	return v.setFlag(call, "SetIsLeverageEnabled", "is_leverage_enabled", enabled, func(p *Params) { p.IsLeverageEnabled = enabled })
}

func (v *Vault) setFlag(call Call, action, setting string, enabled bool, apply func(p *Params)) error {
	return v.govAction(call, action, func() error {
		apply(&v.st.Params)
		v.emitParams(setting, map[string]string{setting: strconv.FormatBool(enabled)})
		return nil
	})
}

// SetFees replaces the fee schedule. Basis-point fees are capped at 500 and
// the liquidation fee at 100 USD.
func (v *Vault) SetFees(call Call, f Fees) error {
	return v.govAction(call, "SetFees", func() error {
		checks := []struct {
			bps  uint64
			code errcode.Code
		}{
			{f.TaxBasisPoints, errcode.InvalidTaxBasisPoints},
			{f.StableTaxBasisPoints, errcode.InvalidStableTaxBasisPoints},
			{f.MintBurnFeeBasisPoints, errcode.InvalidMintBurnFeeBasisPoints},
			{f.SwapFeeBasisPoints, errcode.InvalidSwapFeeBasisPoints},
			{f.StableSwapFeeBasisPoints, errcode.InvalidStableSwapFeeBasisPoints},
			{f.MarginFeeBasisPoints, errcode.InvalidMarginFeeBasisPoints},
		}
		for _, c := range checks {
			if c.bps > MaxFeeBasisPoints {
				return v.fail(c.code)
			}
		}
		liqFee := f.LiquidationFeeUsd
		if liqFee == nil {
			liqFee = fpmath.Zero()
		}
		if liqFee.Gt(MaxLiquidationFeeUsd) {
			return v.fail(errcode.InvalidLiquidationFeeUsd)
		}

		p := &v.st.Params
		p.TaxBasisPoints = f.TaxBasisPoints
		p.StableTaxBasisPoints = f.StableTaxBasisPoints
		p.MintBurnFeeBasisPoints = f.MintBurnFeeBasisPoints
		p.SwapFeeBasisPoints = f.SwapFeeBasisPoints
		p.StableSwapFeeBasisPoints = f.StableSwapFeeBasisPoints
		p.MarginFeeBasisPoints = f.MarginFeeBasisPoints
		p.LiquidationFeeUsd = *liqFee
		p.MinProfitTime = f.MinProfitTime
		p.HasDynamicFees = f.HasDynamicFees

		v.emitParams("fees", map[string]string{
			"tax_basis_points":             strconv.FormatUint(f.TaxBasisPoints, 10),
			"stable_tax_basis_points":      strconv.FormatUint(f.StableTaxBasisPoints, 10),
			"mint_burn_fee_basis_points":   strconv.FormatUint(f.MintBurnFeeBasisPoints, 10),
			"swap_fee_basis_points":        strconv.FormatUint(f.SwapFeeBasisPoints, 10),
			"stable_swap_fee_basis_points": strconv.FormatUint(f.StableSwapFeeBasisPoints, 10),
			"margin_fee_basis_points":      strconv.FormatUint(f.MarginFeeBasisPoints, 10),
			"liquidation_fee_usd":          liqFee.Dec(),
			"min_profit_time":              strconv.FormatInt(f.MinProfitTime, 10),
			"has_dynamic_fees":             strconv.FormatBool(f.HasDynamicFees),
		})
		return nil
	})
}

// SetFundingRate sets the funding interval (at least an hour) and the
// volatile and stable rate factors (at most 10000 each).
func (v *Vault) SetFundingRate(call Call, interval int64, factor, stableFactor uint64) error {
	return v.govAction(call, "SetFundingRate", func() error {
		if interval < MinFundingRateInterval {
			return v.fail(errcode.InvalidFundingInterval)
		}
		if factor > MaxFundingRateFactor {
			return v.fail(errcode.InvalidFundingRateFactor)
		}
		if stableFactor > MaxFundingRateFactor {
			return v.fail(errcode.InvalidStableFundingRateFactor)
		}
		p := &v.st.Params
		p.FundingInterval = interval
		p.FundingRateFactor = factor
		p.StableFundingRateFactor = stableFactor
		v.emitParams("funding_rate", map[string]string{
			"funding_interval":           strconv.FormatInt(interval, 10),
			"funding_rate_factor":        strconv.FormatUint(factor, 10),
			"stable_funding_rate_factor": strconv.FormatUint(stableFactor, 10),
		})
		return nil
	})
}

// SetTokenConfig whitelists token or updates its configuration. The feed
// must already price the token.
func (v *Vault) SetTokenConfig(call Call, token ledger.Address, cfg TokenConfig) error {
	return v.govAction(call, "SetTokenConfig", func() error {
		if int(cfg.Decimals) > fpmath.PriceDecimals {
			return v.fail(errcode.InvalidTokenDecimals)
		}
		prev, existed := v.st.Tokens[token]
		if !existed {
			v.st.AllWhitelistedTokens = append(v.st.AllWhitelistedTokens, token)
		} else {
			v.st.TotalTokenWeights -= prev.Weight
		}
		v.st.TotalTokenWeights += cfg.Weight

		stored := cfg
		v.st.Tokens[token] = &stored

		if _, err := v.GetMaxPrice(token); err != nil {
			return err
		}
		v.emit(tokenConfigEvent(token, &stored, false, v.st.TotalTokenWeights))
		return nil
	})
}

// ClearTokenConfig removes token from the whitelist. Its asset ledger and the
// entry in AllWhitelistedTokens remain.
func (v *Vault) ClearTokenConfig(call Call, token ledger.Address) error {
	return v.govAction(call, "ClearTokenConfig", func() error {
		cfg, ok := v.st.Tokens[token]
		if !ok {
			return v.fail(errcode.TokenNotWhitelisted)
		}
		v.st.TotalTokenWeights -= cfg.Weight
		delete(v.st.Tokens, token)
		v.emit(tokenConfigEvent(token, cfg, true, v.st.TotalTokenWeights))
		return nil
	})
}

func (v *Vault) SetMaxUsdgAmount(call Call, token ledger.Address, amount *uint256.Int) error {
	return v.govAction(call, "SetMaxUsdgAmount", func() error {
		cfg, ok := v.st.Tokens[token]
		if !ok {
			return v.fail(errcode.TokenNotWhitelisted)
		}
		cfg.MaxUsdgAmount = *amount
		v.emit(tokenConfigEvent(token, cfg, false, v.st.TotalTokenWeights))
		return nil
	})
}

// SetUsdgAmount moves token's debt to amount directly.
func (v *Vault) SetUsdgAmount(call Call, token ledger.Address, amount *uint256.Int) error {
	return v.govAction(call, "SetUsdgAmount", func() error {
		current := v.assetView(token).UsdgAmount.Clone()
		if amount.Gt(current) {
			return v.increaseUsdgAmount(token, new(uint256.Int).Sub(amount, current))
		}
		return v.decreaseUsdgAmount(token, new(uint256.Int).Sub(current, amount))
	})
}

// SetAumAdjustment sets the constant added to and deducted from AUM.
func (v *Vault) SetAumAdjustment(call Call, addition, deduction *uint256.Int) error {
	return v.govAction(call, "SetAumAdjustment", func() error {
		v.st.AumAddition = *addition
		v.st.AumDeduction = *deduction
		v.emitParams("aum_adjustment", map[string]string{"addition": addition.Dec(), "deduction": deduction.Dec()})
		return nil
	})
}

// AddRouter lets router act on the caller's positions.
func (v *Vault) AddRouter(call Call, router ledger.Address) error {
	return v.execute(call, "AddRouter", func() error {
		routers, ok := v.st.ApprovedRouters[call.Caller]
		if !ok {
			routers = make(map[ledger.Address]bool)
			v.st.ApprovedRouters[call.Caller] = routers
		}
		routers[router] = true
		return nil
	})
}

// RemoveRouter revokes a router approved with AddRouter.
func (v *Vault) RemoveRouter(call Call, router ledger.Address) error {
	return v.execute(call, "RemoveRouter", func() error {
		if routers, ok := v.st.ApprovedRouters[call.Caller]; ok {
			delete(routers, router)
			if len(routers) == 0 {
				delete(v.st.ApprovedRouters, call.Caller)
			}
		}
		return nil
	})
}

func (v *Vault) govAction(call Call, action string, fn func() error) error {
	return v.execute(call, action, func() error {
		if err := v.onlyGov(); err != nil {
			return err
		}
		return fn()
	})
}

func (v *Vault) onlyGov() error {
	if v.call.Caller != v.st.Gov {
		return v.fail(errcode.Forbidden)
	}
	return nil
}

func (v *Vault) requireInitialized() error {
	if !v.st.Initialized || v.usdg == nil {
		return v.fail(errcode.NotInitialized)
	}
	return nil
}

func (v *Vault) emitParams(setting string, values map[string]string) {
	v.emit(&event.RiskParamUpdate{Setting: setting, Values: values})
}

func tokenConfigEvent(token ledger.Address, cfg *TokenConfig, cleared bool, total uint64) *event.TokenConfigUpdate {
	return &event.TokenConfigUpdate{
		Token:            token,
		Decimals:         cfg.Decimals,
		Weight:           cfg.Weight,
		MinProfitBps:     cfg.MinProfitBasisPoints,
		MaxUsdgAmount:    cfg.MaxUsdgAmount.Dec(),
		IsStable:         cfg.IsStable,
		IsShortable:      cfg.IsShortable,
		Cleared:          cleared,
		TotalTokenWeight: total,
	}
}
