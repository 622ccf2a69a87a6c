package vault

import (
	"fmt"

	"PerpVault/internal/ledger"
	fpmath "PerpVault/internal/math"
	"PerpVault/internal/oracle"

	"github.com/holiman/uint256"
)

// price queries the feed through the action's session, or the feed itself
// for views outside an action.
func (v *Vault) price(token ledger.Address, maximise bool) (*uint256.Int, error) {
	if v.call != nil {
		return v.prices.GetPrice(token, maximise, v.includeAMMPrice, v.useSwapPricing)
	}
	feed := v.prices.Feed()
	if feed == nil {
		return nil, fmt.Errorf("%s: %w", token, oracle.ErrNoPrice)
	}
	p, err := feed.GetPrice(token, maximise, true, false)
	if err != nil {
		return nil, err
	}
	if p.IsZero() {
		return nil, fmt.Errorf("%s: zero price: %w", token, oracle.ErrInvalidPrice)
	}
	return p, nil
}

// GetMaxPrice returns the upper bound of token's price band.
func (v *Vault) GetMaxPrice(token ledger.Address) (*uint256.Int, error) {
	return v.price(token, true)
}

// GetMinPrice returns the lower bound of token's price band.
func (v *Vault) GetMinPrice(token ledger.Address) (*uint256.Int, error) {
	return v.price(token, false)
}

func (v *Vault) tokenDecimals(token ledger.Address) uint8 {
	if token == v.usdgAddress() {
		return fpmath.USDGDecimals
	}
	if cfg, ok := v.st.Tokens[token]; ok {
		return cfg.Decimals
	}
	return 0
}

// adjustForDecimals converts amount from tokenDiv units to tokenMul units.
// USDG always has 18 decimals.
func (v *Vault) adjustForDecimals(amount *uint256.Int, tokenDiv, tokenMul ledger.Address) (*uint256.Int, error) {
	return fpmath.AdjustForDecimals(amount, v.tokenDecimals(tokenDiv), v.tokenDecimals(tokenMul))
}

// TokenToUsdMin values amount of token at its min price.
func (v *Vault) TokenToUsdMin(token ledger.Address, amount *uint256.Int) (*uint256.Int, error) {
	if amount.IsZero() {
		return fpmath.Zero(), nil
	}
	p, err := v.price(token, false)
	if err != nil {
		return nil, err
	}
	return fpmath.MulDiv(amount, p, fpmath.Pow10(v.tokenDecimals(token)))
}

// UsdToTokenMax converts usd to token at the min price, the larger amount.
func (v *Vault) UsdToTokenMax(token ledger.Address, usd *uint256.Int) (*uint256.Int, error) {
	if usd.IsZero() {
		return fpmath.Zero(), nil
	}
	p, err := v.price(token, false)
	if err != nil {
		return nil, err
	}
	return v.UsdToToken(token, usd, p)
}

// UsdToTokenMin converts usd to token at the max price, the smaller amount.
func (v *Vault) UsdToTokenMin(token ledger.Address, usd *uint256.Int) (*uint256.Int, error) {
	if usd.IsZero() {
		return fpmath.Zero(), nil
	}
	p, err := v.price(token, true)
	if err != nil {
		return nil, err
	}
	return v.UsdToToken(token, usd, p)
}

// UsdToToken converts usd to token units at price.
func (v *Vault) UsdToToken(token ledger.Address, usd, price *uint256.Int) (*uint256.Int, error) {
	if usd.IsZero() {
		return fpmath.Zero(), nil
	}
	return fpmath.MulDiv(usd, fpmath.Pow10(v.tokenDecimals(token)), price)
}

// GetRedemptionAmount is the amount of token that usdgAmount redeems for,
// before fees, at the token's max price.
func (v *Vault) GetRedemptionAmount(token ledger.Address, usdgAmount *uint256.Int) (*uint256.Int, error) {
	p, err := v.price(token, true)
	if err != nil {
		return nil, err
	}
	amount, err := fpmath.MulDiv(usdgAmount, fpmath.PricePrecision, p)
	if err != nil {
		return nil, err
	}
	return v.adjustForDecimals(amount, v.usdgAddress(), token)
}
