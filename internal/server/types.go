package server

import (
	"fmt"
	"net/url"
	"strings"

	"PerpVault/internal/ledger"

	"github.com/holiman/uint256"
)

// httpBinder is implemented by requests that read path or query
// parameters on the HTTP gateway.
type httpBinder interface {
	bindHTTP(params map[string]string, query url.Values) error
}

// Empty is the request of parameterless queries.
type Empty struct{}

// CallOptions carries per-action settings. The account an action runs as
// comes from the request credentials.
type CallOptions struct {
	GasPrice uint64 `json:"gas_price,omitempty"`
}

// ActionResponse reports a committed action.
type ActionResponse struct {
	Sequence int64        `json:"sequence"`
	ChainTip string       `json:"chain_tip"`
	Amount   *uint256.Int `json:"amount,omitempty"`
}

// --- Queries ---

type TokenRequest struct {
	Token ledger.Address `json:"token"`
}

func (r *TokenRequest) bindHTTP(params map[string]string, _ url.Values) error {
	if t, ok := params["token"]; ok {
		r.Token = ledger.ParseAddress(t)
	}
	return nil
}

type AccountRequest struct {
	Account ledger.Address `json:"account"`
}

func (r *AccountRequest) bindHTTP(params map[string]string, _ url.Values) error {
	if a, ok := params["account"]; ok {
		r.Account = ledger.ParseAddress(a)
	}
	return nil
}

type PositionRequest struct {
	Account         ledger.Address `json:"account"`
	CollateralToken ledger.Address `json:"collateral_token"`
	IndexToken      ledger.Address `json:"index_token"`
	IsLong          bool           `json:"is_long"`
}

func (r *PositionRequest) bindHTTP(params map[string]string, _ url.Values) error {
	r.Account = ledger.ParseAddress(params["account"])
	r.CollateralToken = ledger.ParseAddress(params["collateral_token"])
	r.IndexToken = ledger.ParseAddress(params["index_token"])
	switch params["side"] {
	case "long":
		r.IsLong = true
	case "short":
		r.IsLong = false
	default:
		return fmt.Errorf("side must be long or short, got %q", params["side"])
	}
	return nil
}

type FundingRatesRequest struct {
	Tokens []ledger.Address `json:"tokens"`
}

func (r *FundingRatesRequest) bindHTTP(_ map[string]string, query url.Values) error {
	for _, v := range query["tokens"] {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				r.Tokens = append(r.Tokens, ledger.ParseAddress(t))
			}
		}
	}
	return nil
}

type BalanceRequest struct {
	Token  ledger.Address `json:"token"`
	Holder ledger.Address `json:"holder"`
}

func (r *BalanceRequest) bindHTTP(params map[string]string, _ url.Values) error {
	r.Token = ledger.ParseAddress(params["token"])
	r.Holder = ledger.ParseAddress(params["holder"])
	return nil
}

type BalanceResponse struct {
	Token        ledger.Address `json:"token"`
	Holder       ledger.Address `json:"holder"`
	Balance      *uint256.Int   `json:"balance"`
	AsOfSequence int64          `json:"as_of_sequence"`
}

type TokenInfosResponse[T any] struct {
	Tokens []T `json:"tokens"`
}

type ListResponse[T any] struct {
	Items        []T   `json:"items"`
	AsOfSequence int64 `json:"as_of_sequence"`
}

// --- Liquidity and trading ---

// BuyUSDGRequest deposits Amount of Token from the caller and mints USDG
// to Receiver.
type BuyUSDGRequest struct {
	CallOptions
	Token    ledger.Address `json:"token"`
	Amount   *uint256.Int   `json:"amount"`
	Receiver ledger.Address `json:"receiver"`
}

// SellUSDGRequest returns UsdgAmount of USDG from the caller and pays
// Token to Receiver.
type SellUSDGRequest struct {
	CallOptions
	Token      ledger.Address `json:"token"`
	UsdgAmount *uint256.Int   `json:"usdg_amount"`
	Receiver   ledger.Address `json:"receiver"`
}

type SwapRequest struct {
	CallOptions
	TokenIn  ledger.Address `json:"token_in"`
	TokenOut ledger.Address `json:"token_out"`
	AmountIn *uint256.Int   `json:"amount_in"`
	Receiver ledger.Address `json:"receiver"`
}

// IncreasePositionRequest moves CollateralAmount from Account into the
// vault and grows the position by SizeDelta USD. The caller is the
// account or one of its approved routers.
type IncreasePositionRequest struct {
	CallOptions
	Account          ledger.Address `json:"account"`
	CollateralToken  ledger.Address `json:"collateral_token"`
	IndexToken       ledger.Address `json:"index_token"`
	CollateralAmount *uint256.Int   `json:"collateral_amount"`
	SizeDelta        *uint256.Int   `json:"size_delta"`
	IsLong           bool           `json:"is_long"`
}

type DecreasePositionRequest struct {
	CallOptions
	Account         ledger.Address `json:"account"`
	CollateralToken ledger.Address `json:"collateral_token"`
	IndexToken      ledger.Address `json:"index_token"`
	CollateralDelta *uint256.Int   `json:"collateral_delta"`
	SizeDelta       *uint256.Int   `json:"size_delta"`
	IsLong          bool           `json:"is_long"`
	Receiver        ledger.Address `json:"receiver"`
}

type LiquidatePositionRequest struct {
	CallOptions
	Account         ledger.Address `json:"account"`
	CollateralToken ledger.Address `json:"collateral_token"`
	IndexToken      ledger.Address `json:"index_token"`
	IsLong          bool           `json:"is_long"`
	FeeReceiver     ledger.Address `json:"fee_receiver"`
}

type TokenActionRequest struct {
	CallOptions
	Token ledger.Address `json:"token"`
}

type DirectPoolDepositRequest struct {
	CallOptions
	Token  ledger.Address `json:"token"`
	Amount *uint256.Int   `json:"amount"`
}

type WithdrawFeesRequest struct {
	CallOptions
	Token    ledger.Address `json:"token"`
	Receiver ledger.Address `json:"receiver"`
}

type RouterRequest struct {
	CallOptions
	Router ledger.Address `json:"router"`
}

// --- Governance ---

type SetTokenConfigRequest struct {
	CallOptions
	Token                ledger.Address `json:"token"`
	Decimals             uint8          `json:"decimals"`
	Weight               uint64         `json:"weight"`
	MinProfitBasisPoints uint64         `json:"min_profit_basis_points"`
	MaxUsdgAmount        *uint256.Int   `json:"max_usdg_amount"`
	IsStable             bool           `json:"is_stable"`
	IsShortable          bool           `json:"is_shortable"`
}

type SetFeesRequest struct {
	CallOptions
	TaxBasisPoints           uint64       `json:"tax_basis_points"`
	StableTaxBasisPoints     uint64       `json:"stable_tax_basis_points"`
	MintBurnFeeBasisPoints   uint64       `json:"mint_burn_fee_basis_points"`
	SwapFeeBasisPoints       uint64       `json:"swap_fee_basis_points"`
	StableSwapFeeBasisPoints uint64       `json:"stable_swap_fee_basis_points"`
	MarginFeeBasisPoints     uint64       `json:"margin_fee_basis_points"`
	LiquidationFeeUsd        *uint256.Int `json:"liquidation_fee_usd"`
	MinProfitTime            int64        `json:"min_profit_time"`
	HasDynamicFees           bool         `json:"has_dynamic_fees"`
}

type SetFundingRateRequest struct {
	CallOptions
	FundingInterval         int64  `json:"funding_interval"`
	FundingRateFactor       uint64 `json:"funding_rate_factor"`
	StableFundingRateFactor uint64 `json:"stable_funding_rate_factor"`
}

// SetLimitRequest sets a numeric limit: "max_leverage" or "max_gas_price".
type SetLimitRequest struct {
	CallOptions
	Limit string `json:"limit"`
	Value uint64 `json:"value"`
}

// SetModeRequest toggles "swap", "leverage", "manager" or
// "private_liquidation" mode.
type SetModeRequest struct {
	CallOptions
	Mode    string `json:"mode"`
	Enabled bool   `json:"enabled"`
}

// SetRoleRequest grants or revokes the "manager" or "liquidator" role.
type SetRoleRequest struct {
	CallOptions
	Role    string         `json:"role"`
	Account ledger.Address `json:"account"`
	Active  bool           `json:"active"`
}

type SetTokenAmountRequest struct {
	CallOptions
	Token  ledger.Address `json:"token"`
	Amount *uint256.Int   `json:"amount"`
}

type SetAumAdjustmentRequest struct {
	CallOptions
	Addition  *uint256.Int `json:"addition"`
	Deduction *uint256.Int `json:"deduction"`
}

type SetErrorRequest struct {
	CallOptions
	Code    uint16 `json:"code"`
	Message string `json:"message"`
}

// MintRequest credits test balances. Only gov may call it.
type MintRequest struct {
	CallOptions
	Token  ledger.Address `json:"token"`
	To     ledger.Address `json:"to"`
	Amount *uint256.Int   `json:"amount"`
}

func orZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}
