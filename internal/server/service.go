package server

import (
	"context"
	"fmt"
	"time"

	"PerpVault/internal/errcode"
	"PerpVault/internal/ledger"
	"PerpVault/internal/observability"
	"PerpVault/internal/reader"
	"PerpVault/internal/vault"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// VaultService is the request surface of the vault. Every method runs on
// the sequencer, so reads observe a committed state and writes apply in
// arrival order.
type VaultService struct {
	seq     *vault.Sequencer
	book    *ledger.Book
	vault   ledger.Address
	usdg    ledger.Address
	metrics *observability.Metrics
	logger  zerolog.Logger
	clock   func() time.Time
}

// NewVaultService builds the service. book must be the token ledger the
// sequenced vault holds its assets in.
func NewVaultService(
	seq *vault.Sequencer,
	book *ledger.Book,
	vaultAddr, usdgAddr ledger.Address,
	metrics *observability.Metrics,
	logger zerolog.Logger,
	clock func() time.Time,
) *VaultService {
	if clock == nil {
		clock = time.Now
	}
	return &VaultService{
		seq:     seq,
		book:    book,
		vault:   vaultAddr,
		usdg:    usdgAddr,
		metrics: metrics,
		logger:  logger,
		clock:   clock,
	}
}

// ============================================================================
// Queries
// ============================================================================

// do runs fn on the sequencer and maps its error to a gRPC status.
func (s *VaultService) do(ctx context.Context, fn func(v *vault.Vault) error) error {
	return toStatus(s.seq.Do(ctx, fn)).Err()
}

func (s *VaultService) read(ctx context.Context, fn func(v *vault.Vault, r *reader.Reader) error) error {
	return s.do(ctx, func(v *vault.Vault) error {
		return fn(v, reader.New(v, s.metrics))
	})
}

func (s *VaultService) GetAums(ctx context.Context, _ *Empty) (*reader.AumResponse, error) {
	var resp *reader.AumResponse
	err := s.read(ctx, func(_ *vault.Vault, r *reader.Reader) (err error) {
		resp, err = r.GetAums()
		return err
	})
	return resp, err
}

func (s *VaultService) GetTokenInfo(ctx context.Context, req *TokenRequest) (*reader.TokenInfo, error) {
	if req.Token.IsZero() {
		return nil, status.Error(codes.InvalidArgument, "token is required")
	}
	var resp *reader.TokenInfo
	err := s.read(ctx, func(_ *vault.Vault, r *reader.Reader) (err error) {
		resp, err = r.TokenInfo(req.Token)
		return err
	})
	return resp, err
}

func (s *VaultService) ListTokenInfos(ctx context.Context, _ *Empty) (*ListResponse[*reader.TokenInfo], error) {
	resp := &ListResponse[*reader.TokenInfo]{}
	err := s.read(ctx, func(v *vault.Vault, r *reader.Reader) (err error) {
		resp.AsOfSequence = v.Sequence()
		resp.Items, err = r.TokenInfos()
		return err
	})
	return resp, err
}

func (s *VaultService) GetPosition(ctx context.Context, req *PositionRequest) (*reader.PositionInfo, error) {
	if req.Account.IsZero() || req.CollateralToken.IsZero() || req.IndexToken.IsZero() {
		return nil, status.Error(codes.InvalidArgument, "account, collateral_token and index_token are required")
	}
	var resp *reader.PositionInfo
	err := s.read(ctx, func(_ *vault.Vault, r *reader.Reader) (err error) {
		resp, err = r.PositionInfo(req.Account, req.CollateralToken, req.IndexToken, req.IsLong)
		return err
	})
	return resp, err
}

func (s *VaultService) ListPositions(ctx context.Context, req *AccountRequest) (*ListResponse[*reader.PositionInfo], error) {
	if req.Account.IsZero() {
		return nil, status.Error(codes.InvalidArgument, "account is required")
	}
	resp := &ListResponse[*reader.PositionInfo]{}
	err := s.read(ctx, func(v *vault.Vault, r *reader.Reader) (err error) {
		resp.AsOfSequence = v.Sequence()
		resp.Items, err = r.AccountPositions(req.Account)
		return err
	})
	return resp, err
}

// GetFundingRates reports every whitelisted token when Tokens is empty.
func (s *VaultService) GetFundingRates(ctx context.Context, req *FundingRatesRequest) (*ListResponse[*reader.FundingRate], error) {
	resp := &ListResponse[*reader.FundingRate]{}
	err := s.read(ctx, func(v *vault.Vault, r *reader.Reader) (err error) {
		tokens := req.Tokens
		if len(tokens) == 0 {
			tokens = v.AllWhitelistedTokens()
		}
		resp.AsOfSequence = v.Sequence()
		resp.Items, err = r.GetFundingRates(tokens)
		return err
	})
	return resp, err
}

func (s *VaultService) GetBalance(ctx context.Context, req *BalanceRequest) (*BalanceResponse, error) {
	if req.Token.IsZero() || req.Holder.IsZero() {
		return nil, status.Error(codes.InvalidArgument, "token and holder are required")
	}
	resp := &BalanceResponse{Token: req.Token, Holder: req.Holder}
	err := s.do(ctx, func(v *vault.Vault) error {
		resp.Balance = s.book.BalanceOf(req.Token, req.Holder)
		resp.AsOfSequence = v.Sequence()
		return nil
	})
	return resp, err
}

// ParamsResponse is the fee and risk schedule with the vault's roles.
type ParamsResponse struct {
	vault.Params
	Gov          ledger.Address `json:"gov"`
	Router       ledger.Address `json:"router"`
	Initialized  bool           `json:"initialized"`
	ChainTip     string         `json:"chain_tip"`
	AsOfSequence int64          `json:"as_of_sequence"`
}

func (s *VaultService) GetParams(ctx context.Context, _ *Empty) (*ParamsResponse, error) {
	var resp *ParamsResponse
	err := s.do(ctx, func(v *vault.Vault) error {
		resp = &ParamsResponse{
			Params:       v.Params(),
			Gov:          v.Gov(),
			Router:       v.Router(),
			Initialized:  v.Initialized(),
			ChainTip:     v.ChainTip(),
			AsOfSequence: v.Sequence(),
		}
		return nil
	})
	return resp, err
}

// ============================================================================
// Actions
// ============================================================================

// call builds the action context. The caller is the account authenticated
// on ctx, never a value taken from the request body.
func (s *VaultService) call(ctx context.Context, opts CallOptions) (vault.Call, error) {
	caller, ok := CallerFrom(ctx)
	if !ok {
		return vault.Call{}, status.Error(codes.Unauthenticated, "actions require an api key")
	}
	return vault.Call{
		Caller:    caller,
		GasPrice:  opts.GasPrice,
		Timestamp: s.clock().Unix(),
	}, nil
}

// act runs fn as one action and reports the resulting chain position.
func (s *VaultService) act(ctx context.Context, opts CallOptions, fn func(v *vault.Vault, call vault.Call) (*uint256.Int, error)) (*ActionResponse, error) {
	call, err := s.call(ctx, opts)
	if err != nil {
		return nil, err
	}
	var resp *ActionResponse
	err = s.do(ctx, func(v *vault.Vault) error {
		amount, err := fn(v, call)
		if err != nil {
			return err
		}
		resp = &ActionResponse{Sequence: v.Sequence(), ChainTip: v.ChainTip(), Amount: amount}
		return nil
	})
	return resp, err
}

// deposit moves amount of token from `from` into the vault and then runs
// fn. A failing fn returns the tokens. Must run on the sequencer.
func (s *VaultService) deposit(token, from ledger.Address, amount *uint256.Int, fn func() (*uint256.Int, error)) (*uint256.Int, error) {
	cp := s.book.Checkpoint()
	if amount != nil && !amount.IsZero() {
		if err := s.book.Transfer(token, from, s.vault, amount); err != nil {
			if rerr := s.book.RevertTo(cp); rerr != nil {
				panic(fmt.Sprintf("FATAL: token ledger revert failed: %v", rerr))
			}
			return nil, fmt.Errorf("transfer %s from %s: %w", token, from, err)
		}
	}
	out, err := fn()
	if err != nil {
		if rerr := s.book.RevertTo(cp); rerr != nil {
			panic(fmt.Sprintf("FATAL: token ledger revert failed: %v", rerr))
		}
		return nil, err
	}
	if _, err := s.book.Commit(cp); err != nil {
		panic(fmt.Sprintf("FATAL: token ledger commit failed: %v", err))
	}
	return out, nil
}

func (s *VaultService) BuyUSDG(ctx context.Context, req *BuyUSDGRequest) (*ActionResponse, error) {
	return s.act(ctx, req.CallOptions, func(v *vault.Vault, call vault.Call) (*uint256.Int, error) {
		return s.deposit(req.Token, call.Caller, req.Amount, func() (*uint256.Int, error) {
			return v.BuyUSDG(call, req.Token, receiverOr(req.Receiver, call.Caller))
		})
	})
}

func (s *VaultService) SellUSDG(ctx context.Context, req *SellUSDGRequest) (*ActionResponse, error) {
	return s.act(ctx, req.CallOptions, func(v *vault.Vault, call vault.Call) (*uint256.Int, error) {
		return s.deposit(s.usdg, call.Caller, req.UsdgAmount, func() (*uint256.Int, error) {
			return v.SellUSDG(call, req.Token, receiverOr(req.Receiver, call.Caller))
		})
	})
}

func (s *VaultService) Swap(ctx context.Context, req *SwapRequest) (*ActionResponse, error) {
	return s.act(ctx, req.CallOptions, func(v *vault.Vault, call vault.Call) (*uint256.Int, error) {
		return s.deposit(req.TokenIn, call.Caller, req.AmountIn, func() (*uint256.Int, error) {
			return v.Swap(call, req.TokenIn, req.TokenOut, receiverOr(req.Receiver, call.Caller))
		})
	})
}

// IncreasePosition takes the collateral from the position's account, not
// the caller, so a router can act for an account that approved it.
func (s *VaultService) IncreasePosition(ctx context.Context, req *IncreasePositionRequest) (*ActionResponse, error) {
	if req.Account.IsZero() {
		return nil, status.Error(codes.InvalidArgument, "account is required")
	}
	return s.act(ctx, req.CallOptions, func(v *vault.Vault, call vault.Call) (*uint256.Int, error) {
		return s.deposit(req.CollateralToken, req.Account, req.CollateralAmount, func() (*uint256.Int, error) {
			return nil, v.IncreasePosition(call, req.Account, req.CollateralToken, req.IndexToken, orZero(req.SizeDelta), req.IsLong)
		})
	})
}

func (s *VaultService) DecreasePosition(ctx context.Context, req *DecreasePositionRequest) (*ActionResponse, error) {
	if req.Account.IsZero() {
		return nil, status.Error(codes.InvalidArgument, "account is required")
	}
	return s.act(ctx, req.CallOptions, func(v *vault.Vault, call vault.Call) (*uint256.Int, error) {
		return v.DecreasePosition(call, req.Account, req.CollateralToken, req.IndexToken,
			orZero(req.CollateralDelta), orZero(req.SizeDelta), req.IsLong, receiverOr(req.Receiver, req.Account))
	})
}

func (s *VaultService) LiquidatePosition(ctx context.Context, req *LiquidatePositionRequest) (*ActionResponse, error) {
	return s.act(ctx, req.CallOptions, func(v *vault.Vault, call vault.Call) (*uint256.Int, error) {
		return nil, v.LiquidatePosition(call, req.Account, req.CollateralToken, req.IndexToken, req.IsLong,
			receiverOr(req.FeeReceiver, call.Caller))
	})
}

func (s *VaultService) UpdateFundingRate(ctx context.Context, req *TokenActionRequest) (*ActionResponse, error) {
	return s.act(ctx, req.CallOptions, func(v *vault.Vault, call vault.Call) (*uint256.Int, error) {
		return nil, v.UpdateCumulativeFundingRate(call, req.Token)
	})
}

func (s *VaultService) DirectPoolDeposit(ctx context.Context, req *DirectPoolDepositRequest) (*ActionResponse, error) {
	return s.act(ctx, req.CallOptions, func(v *vault.Vault, call vault.Call) (*uint256.Int, error) {
		return s.deposit(req.Token, call.Caller, req.Amount, func() (*uint256.Int, error) {
			return nil, v.DirectPoolDeposit(call, req.Token)
		})
	})
}

func (s *VaultService) WithdrawFees(ctx context.Context, req *WithdrawFeesRequest) (*ActionResponse, error) {
	return s.act(ctx, req.CallOptions, func(v *vault.Vault, call vault.Call) (*uint256.Int, error) {
		return v.WithdrawFees(call, req.Token, receiverOr(req.Receiver, call.Caller))
	})
}

// AddRouter approves Router to manage the caller's positions.
func (s *VaultService) AddRouter(ctx context.Context, req *RouterRequest) (*ActionResponse, error) {
	return s.act(ctx, req.CallOptions, func(v *vault.Vault, call vault.Call) (*uint256.Int, error) {
		return nil, v.AddRouter(call, req.Router)
	})
}

func (s *VaultService) RemoveRouter(ctx context.Context, req *RouterRequest) (*ActionResponse, error) {
	return s.act(ctx, req.CallOptions, func(v *vault.Vault, call vault.Call) (*uint256.Int, error) {
		return nil, v.RemoveRouter(call, req.Router)
	})
}

func receiverOr(receiver, fallback ledger.Address) ledger.Address {
	if receiver.IsZero() {
		return fallback
	}
	return receiver
}

// ============================================================================
// Governance
// ============================================================================

func (s *VaultService) SetTokenConfig(ctx context.Context, req *SetTokenConfigRequest) (*ActionResponse, error) {
	return s.act(ctx, req.CallOptions, func(v *vault.Vault, call vault.Call) (*uint256.Int, error) {
		return nil, v.SetTokenConfig(call, req.Token, vault.TokenConfig{
			Decimals:             req.Decimals,
			Weight:               req.Weight,
			MinProfitBasisPoints: req.MinProfitBasisPoints,
			MaxUsdgAmount:        *orZero(req.MaxUsdgAmount),
			IsStable:             req.IsStable,
			IsShortable:          req.IsShortable,
		})
	})
}

func (s *VaultService) ClearTokenConfig(ctx context.Context, req *TokenActionRequest) (*ActionResponse, error) {
	return s.act(ctx, req.CallOptions, func(v *vault.Vault, call vault.Call) (*uint256.Int, error) {
		return nil, v.ClearTokenConfig(call, req.Token)
	})
}

func (s *VaultService) SetFees(ctx context.Context, req *SetFeesRequest) (*ActionResponse, error) {
	return s.act(ctx, req.CallOptions, func(v *vault.Vault, call vault.Call) (*uint256.Int, error) {
		return nil, v.SetFees(call, vault.Fees{
			TaxBasisPoints:           req.TaxBasisPoints,
			StableTaxBasisPoints:     req.StableTaxBasisPoints,
			MintBurnFeeBasisPoints:   req.MintBurnFeeBasisPoints,
			SwapFeeBasisPoints:       req.SwapFeeBasisPoints,
			StableSwapFeeBasisPoints: req.StableSwapFeeBasisPoints,
			MarginFeeBasisPoints:     req.MarginFeeBasisPoints,
			LiquidationFeeUsd:        orZero(req.LiquidationFeeUsd),
			MinProfitTime:            req.MinProfitTime,
			HasDynamicFees:           req.HasDynamicFees,
		})
	})
}

func (s *VaultService) SetFundingRate(ctx context.Context, req *SetFundingRateRequest) (*ActionResponse, error) {
	return s.act(ctx, req.CallOptions, func(v *vault.Vault, call vault.Call) (*uint256.Int, error) {
		return nil, v.SetFundingRate(call, req.FundingInterval, req.FundingRateFactor, req.StableFundingRateFactor)
	})
}

func (s *VaultService) SetLimit(ctx context.Context, req *SetLimitRequest) (*ActionResponse, error) {
	var apply func(v *vault.Vault, call vault.Call) error
	switch req.Limit {
	case "max_leverage":
		apply = func(v *vault.Vault, call vault.Call) error { return v.SetMaxLeverage(call, req.Value) }
	case "max_gas_price":
		apply = func(v *vault.Vault, call vault.Call) error { return v.SetMaxGasPrice(call, req.Value) }
	default:
		return nil, status.Errorf(codes.InvalidArgument, "unknown limit %q", req.Limit)
	}
	return s.act(ctx, req.CallOptions, func(v *vault.Vault, call vault.Call) (*uint256.Int, error) {
		return nil, apply(v, call)
	})
}

func (s *VaultService) SetMode(ctx context.Context, req *SetModeRequest) (*ActionResponse, error) {
	var apply func(v *vault.Vault, call vault.Call, on bool) error
	switch req.Mode {
	case "swap":
		apply = (*vault.Vault).SetIsSwapEnabled
	case "leverage":
		apply = (*vault.Vault).SetIsLeverageEnabled
	case "manager":
		apply = (*vault.Vault).SetInManagerMode
	case "private_liquidation":
		apply = (*vault.Vault).SetInPrivateLiquidationMode
	default:
		return nil, status.Errorf(codes.InvalidArgument, "unknown mode %q", req.Mode)
	}
	return s.act(ctx, req.CallOptions, func(v *vault.Vault, call vault.Call) (*uint256.Int, error) {
		return nil, apply(v, call, req.Enabled)
	})
}

func (s *VaultService) SetRole(ctx context.Context, req *SetRoleRequest) (*ActionResponse, error) {
	var apply func(v *vault.Vault, call vault.Call, account ledger.Address, active bool) error
	switch req.Role {
	case "manager":
		apply = (*vault.Vault).SetManager
	case "liquidator":
		apply = (*vault.Vault).SetLiquidator
	default:
		return nil, status.Errorf(codes.InvalidArgument, "unknown role %q", req.Role)
	}
	if req.Account.IsZero() {
		return nil, status.Error(codes.InvalidArgument, "account is required")
	}
	return s.act(ctx, req.CallOptions, func(v *vault.Vault, call vault.Call) (*uint256.Int, error) {
		return nil, apply(v, call, req.Account, req.Active)
	})
}

func (s *VaultService) SetBufferAmount(ctx context.Context, req *SetTokenAmountRequest) (*ActionResponse, error) {
	return s.act(ctx, req.CallOptions, func(v *vault.Vault, call vault.Call) (*uint256.Int, error) {
		return nil, v.SetBufferAmount(call, req.Token, orZero(req.Amount))
	})
}

func (s *VaultService) SetUsdgAmount(ctx context.Context, req *SetTokenAmountRequest) (*ActionResponse, error) {
	return s.act(ctx, req.CallOptions, func(v *vault.Vault, call vault.Call) (*uint256.Int, error) {
		return nil, v.SetUsdgAmount(call, req.Token, orZero(req.Amount))
	})
}

func (s *VaultService) SetAumAdjustment(ctx context.Context, req *SetAumAdjustmentRequest) (*ActionResponse, error) {
	return s.act(ctx, req.CallOptions, func(v *vault.Vault, call vault.Call) (*uint256.Int, error) {
		return nil, v.SetAumAdjustment(call, orZero(req.Addition), orZero(req.Deduction))
	})
}

func (s *VaultService) SetError(ctx context.Context, req *SetErrorRequest) (*ActionResponse, error) {
	return s.act(ctx, req.CallOptions, func(v *vault.Vault, call vault.Call) (*uint256.Int, error) {
		return nil, v.SetError(call, errcode.Code(req.Code), req.Message)
	})
}

// MintTokens credits a holder outside any vault action. It exists for
// test deployments; USDG can only be minted by the vault.
func (s *VaultService) MintTokens(ctx context.Context, req *MintRequest) (*BalanceResponse, error) {
	call, err := s.call(ctx, req.CallOptions)
	if err != nil {
		return nil, err
	}
	if req.Token.IsZero() || req.To.IsZero() {
		return nil, status.Error(codes.InvalidArgument, "token and to are required")
	}
	if req.Token == s.usdg {
		return nil, status.Error(codes.PermissionDenied, "usdg is minted by the vault only")
	}
	resp := &BalanceResponse{Token: req.Token, Holder: req.To}
	err = s.do(ctx, func(v *vault.Vault) error {
		if call.Caller != v.Gov() {
			return v.Errors().New(errcode.Forbidden)
		}
		if err := s.book.Mint(req.Token, req.To, orZero(req.Amount)); err != nil {
			return err
		}
		resp.Balance = s.book.BalanceOf(req.Token, req.To)
		resp.AsOfSequence = v.Sequence()
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("token", string(req.Token)).Str("to", string(req.To)).
		Str("amount", orZero(req.Amount).Dec()).Msg("test tokens minted")
	return resp, nil
}
