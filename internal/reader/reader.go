package reader

import (
	"errors"
	"fmt"
	"time"

	"PerpVault/internal/ledger"
	fpmath "PerpVault/internal/math"
	"PerpVault/internal/observability"
	"PerpVault/internal/vault"

	"github.com/holiman/uint256"
)

var ErrNoPosition = errors.New("position not found")

// VaultView is the read surface of a vault. *vault.Vault satisfies it.
type VaultView interface {
	AllWhitelistedTokens() []ledger.Address
	Token(token ledger.Address) (vault.TokenConfig, bool)
	Asset(token ledger.Address) vault.AssetState
	Params() vault.Params
	AumAdjustment() (*uint256.Int, *uint256.Int)
	Sequence() int64
	GetMaxPrice(token ledger.Address) (*uint256.Int, error)
	GetMinPrice(token ledger.Address) (*uint256.Int, error)
	GetTargetUsdgAmount(token ledger.Address) (*uint256.Int, error)
	GetUtilisation(token ledger.Address) (*uint256.Int, error)
	GetPosition(account, collateralToken, indexToken ledger.Address, isLong bool) (*vault.Position, bool)
	Positions() []*vault.Position
	GetDelta(indexToken ledger.Address, size, averagePrice *uint256.Int, isLong bool, lastIncreasedTime int64) (bool, *uint256.Int, error)
	GetFundingFee(collateralToken ledger.Address, size, entryFundingRate *uint256.Int) (*uint256.Int, error)
	GetPositionFee(sizeDelta *uint256.Int) (*uint256.Int, error)
	ValidateLiquidation(account, collateralToken, indexToken ledger.Address, isLong, raise bool) (vault.LiquidationState, *uint256.Int, error)
}

// Reader derives pool-level valuations from a vault. It holds no state of
// its own; callers serialise access the same way they do for the vault.
type Reader struct {
	vault   VaultView
	metrics *observability.Metrics
}

func New(v VaultView, metrics *observability.Metrics) *Reader {
	return &Reader{vault: v, metrics: metrics}
}

// GetAum values the pool in 30-decimal USD. maximise selects the upper
// price bound of every asset, otherwise the lower.
//
// Stable assets count their whole pool. Other assets count the guaranteed
// USD of longs plus the unreserved pool, and the unrealised PnL of shorts
// against them. Short profits are subtracted last so the result floors at
// zero instead of underflowing.
func (r *Reader) GetAum(maximise bool) (*uint256.Int, error) {
	start := time.Now()
	addition, deduction := r.vault.AumAdjustment()
	aum := addition
	shortProfits := fpmath.Zero()

	for _, token := range r.vault.AllWhitelistedTokens() {
		cfg, ok := r.vault.Token(token)
		if !ok {
			continue
		}
		price, err := r.price(token, maximise)
		if err != nil {
			return nil, fmt.Errorf("aum %s: %w", token, err)
		}
		a := r.vault.Asset(token)
		unit := fpmath.Pow10(cfg.Decimals)

		if cfg.IsStable {
			value, err := fpmath.MulDiv(&a.PoolAmount, price, unit)
			if err != nil {
				return nil, fmt.Errorf("aum %s: %w", token, err)
			}
			if aum, err = fpmath.Add(aum, value); err != nil {
				return nil, fmt.Errorf("aum %s: %w", token, err)
			}
			continue
		}

		if !a.GlobalShortSize.IsZero() {
			hasProfit, delta, err := globalShortDelta(&a, price)
			if err != nil {
				return nil, fmt.Errorf("aum %s short delta: %w", token, err)
			}
			if hasProfit {
				shortProfits, err = fpmath.Add(shortProfits, delta)
			} else {
				aum, err = fpmath.Add(aum, delta)
			}
			if err != nil {
				return nil, fmt.Errorf("aum %s: %w", token, err)
			}
		}

		if aum, err = fpmath.Add(aum, &a.GuaranteedUsd); err != nil {
			return nil, fmt.Errorf("aum %s: %w", token, err)
		}
		free := fpmath.SubFloor(&a.PoolAmount, &a.ReservedAmount)
		value, err := fpmath.MulDiv(free, price, unit)
		if err != nil {
			return nil, fmt.Errorf("aum %s: %w", token, err)
		}
		if aum, err = fpmath.Add(aum, value); err != nil {
			return nil, fmt.Errorf("aum %s: %w", token, err)
		}
	}

	aum = fpmath.SubFloor(aum, shortProfits)
	aum = fpmath.SubFloor(aum, deduction)

	if r.metrics != nil {
		if maximise {
			r.metrics.AumUsd.Set(fpmath.ToDecimal(aum, fpmath.PriceDecimals).InexactFloat64())
		}
		r.metrics.QueryDuration.WithLabelValues("aum").Observe(time.Since(start).Seconds())
	}
	return aum, nil
}

// GetAums returns the valuation at both price bounds.
func (r *Reader) GetAums() (*AumResponse, error) {
	hi, err := r.GetAum(true)
	if err != nil {
		return nil, err
	}
	lo, err := r.GetAum(false)
	if err != nil {
		return nil, err
	}
	return &AumResponse{
		Max:          hi,
		Min:          lo,
		MaxFormatted: FormatUSD(hi),
		MinFormatted: FormatUSD(lo),
		AsOfSequence: r.vault.Sequence(),
	}, nil
}

// GetAumInUsdg is the valuation expressed in 18-decimal USDG.
func (r *Reader) GetAumInUsdg(maximise bool) (*uint256.Int, error) {
	aum, err := r.GetAum(maximise)
	if err != nil {
		return nil, err
	}
	return fpmath.MulDiv(aum, fpmath.Pow10(fpmath.USDGDecimals), fpmath.PricePrecision)
}

func (r *Reader) price(token ledger.Address, maximise bool) (*uint256.Int, error) {
	if maximise {
		return r.vault.GetMaxPrice(token)
	}
	return r.vault.GetMinPrice(token)
}

// globalShortDelta is the traders' PnL on all shorts of an asset at price.
func globalShortDelta(a *vault.AssetState, price *uint256.Int) (bool, *uint256.Int, error) {
	if a.GlobalShortAveragePrice.IsZero() {
		return false, fpmath.Zero(), nil
	}
	diff, _ := fpmath.AbsDiff(&a.GlobalShortAveragePrice, price)
	delta, err := fpmath.MulDiv(&a.GlobalShortSize, diff, &a.GlobalShortAveragePrice)
	if err != nil {
		return false, nil, err
	}
	return a.GlobalShortAveragePrice.Gt(price), delta, nil
}

// TokenInfo returns the ledger and prices of one asset. Tokens outside the
// whitelist report their ledger without prices or a target.
func (r *Reader) TokenInfo(token ledger.Address) (*TokenInfo, error) {
	cfg, whitelisted := r.vault.Token(token)
	a := r.vault.Asset(token)

	info := &TokenInfo{
		Token:                   token,
		Whitelisted:             whitelisted,
		Decimals:                cfg.Decimals,
		Weight:                  cfg.Weight,
		IsStable:                cfg.IsStable,
		IsShortable:             cfg.IsShortable,
		PoolAmount:              a.PoolAmount.Clone(),
		ReservedAmount:          a.ReservedAmount.Clone(),
		AvailableAmount:         fpmath.SubFloor(&a.PoolAmount, &a.ReservedAmount),
		UsdgAmount:              a.UsdgAmount.Clone(),
		MaxUsdgAmount:           cfg.MaxUsdgAmount.Clone(),
		FeeReserve:              a.FeeReserve.Clone(),
		BufferAmount:            a.BufferAmount.Clone(),
		GuaranteedUsd:           a.GuaranteedUsd.Clone(),
		GlobalShortSize:         a.GlobalShortSize.Clone(),
		GlobalShortAveragePrice: a.GlobalShortAveragePrice.Clone(),
		CumulativeFundingRate:   a.CumulativeFundingRate.Clone(),
		LastFundingTime:         a.LastFundingTime,
		AsOfSequence:            r.vault.Sequence(),
	}
	if !whitelisted {
		return info, nil
	}

	var err error
	if info.TargetUsdgAmount, err = r.vault.GetTargetUsdgAmount(token); err != nil {
		return nil, fmt.Errorf("target usdg %s: %w", token, err)
	}
	if info.MinPrice, err = r.vault.GetMinPrice(token); err != nil {
		return nil, fmt.Errorf("min price %s: %w", token, err)
	}
	if info.MaxPrice, err = r.vault.GetMaxPrice(token); err != nil {
		return nil, fmt.Errorf("max price %s: %w", token, err)
	}
	return info, nil
}

// TokenInfos returns TokenInfo for every token still whitelisted.
func (r *Reader) TokenInfos() ([]*TokenInfo, error) {
	var out []*TokenInfo
	for _, token := range r.vault.AllWhitelistedTokens() {
		if _, ok := r.vault.Token(token); !ok {
			continue
		}
		info, err := r.TokenInfo(token)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

// PositionInfo returns a position with its PnL, leverage, outstanding
// margin fees and liquidation verdict at current prices.
func (r *Reader) PositionInfo(account, collateralToken, indexToken ledger.Address, isLong bool) (*PositionInfo, error) {
	p, ok := r.vault.GetPosition(account, collateralToken, indexToken, isLong)
	if !ok {
		return nil, ErrNoPosition
	}
	return r.positionInfo(p)
}

// AccountPositions returns every open position of account.
func (r *Reader) AccountPositions(account ledger.Address) ([]*PositionInfo, error) {
	var out []*PositionInfo
	for _, p := range r.vault.Positions() {
		if p.Account != account {
			continue
		}
		info, err := r.positionInfo(p)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

func (r *Reader) positionInfo(p *vault.Position) (*PositionInfo, error) {
	key := p.Key()
	hasProfit, delta, err := r.vault.GetDelta(p.IndexToken, &p.Size, &p.AveragePrice, p.IsLong, p.LastIncreasedTime)
	if err != nil {
		return nil, fmt.Errorf("delta %s: %w", key, err)
	}

	leverage := fpmath.Zero()
	if !p.Collateral.IsZero() {
		if leverage, err = fpmath.MulDiv(&p.Size, fpmath.BPS, &p.Collateral); err != nil {
			return nil, fmt.Errorf("leverage %s: %w", key, err)
		}
	}

	fundingFee, err := r.vault.GetFundingFee(p.CollateralToken, &p.Size, &p.EntryFundingRate)
	if err != nil {
		return nil, fmt.Errorf("funding fee %s: %w", key, err)
	}
	positionFee, err := r.vault.GetPositionFee(&p.Size)
	if err != nil {
		return nil, fmt.Errorf("position fee %s: %w", key, err)
	}
	marginFees, err := fpmath.Add(fundingFee, positionFee)
	if err != nil {
		return nil, fmt.Errorf("margin fees %s: %w", key, err)
	}

	state, _, err := r.vault.ValidateLiquidation(p.Account, p.CollateralToken, p.IndexToken, p.IsLong, false)
	if err != nil {
		return nil, fmt.Errorf("liquidation %s: %w", key, err)
	}

	return &PositionInfo{
		Key:               key.String(),
		Account:           p.Account,
		CollateralToken:   p.CollateralToken,
		IndexToken:        p.IndexToken,
		IsLong:            p.IsLong,
		Size:              p.Size.Clone(),
		Collateral:        p.Collateral.Clone(),
		AveragePrice:      p.AveragePrice.Clone(),
		EntryFundingRate:  p.EntryFundingRate.Clone(),
		ReserveAmount:     p.ReserveAmount.Clone(),
		RealisedPnl:       p.RealisedPnl,
		LastIncreasedTime: p.LastIncreasedTime,
		HasProfit:         hasProfit,
		Delta:             delta,
		Leverage:          leverage,
		MarginFees:        marginFees,
		LiquidationState:  state.String(),
		AsOfSequence:      r.vault.Sequence(),
	}, nil
}

// GetFundingRates returns, for each token, the rate one full funding
// interval would add at the current utilisation.
func (r *Reader) GetFundingRates(tokens []ledger.Address) ([]*FundingRate, error) {
	params := r.vault.Params()
	out := make([]*FundingRate, 0, len(tokens))
	for _, token := range tokens {
		factor := params.FundingRateFactor
		if cfg, ok := r.vault.Token(token); ok && cfg.IsStable {
			factor = params.StableFundingRateFactor
		}
		a := r.vault.Asset(token)
		rate, err := fpmath.NextFundingRate(factor, &a.ReservedAmount, &a.PoolAmount, 1)
		if err != nil {
			return nil, fmt.Errorf("funding rate %s: %w", token, err)
		}
		utilisation, err := r.vault.GetUtilisation(token)
		if err != nil {
			return nil, fmt.Errorf("utilisation %s: %w", token, err)
		}
		out = append(out, &FundingRate{
			Token:                 token,
			FundingRate:           rate,
			CumulativeFundingRate: a.CumulativeFundingRate.Clone(),
			Utilisation:           utilisation,
			LastFundingTime:       a.LastFundingTime,
		})
	}
	return out, nil
}

// FormatUSD renders a 30-decimal USD value with two decimals.
func FormatUSD(v *uint256.Int) string {
	if v == nil {
		return "0.00"
	}
	return fpmath.ToDecimal(v, fpmath.PriceDecimals).StringFixed(2)
}
