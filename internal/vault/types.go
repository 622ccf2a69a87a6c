package vault

import (
	"fmt"
	"maps"
	"math/big"

	"PerpVault/internal/ledger"

	"github.com/holiman/uint256"
)

// Call is the transaction context of one action: who sent it, at what gas
// price, and the block timestamp (unix seconds) it executes at.
type Call struct {
	Caller    ledger.Address `json:"caller"`
	GasPrice  uint64         `json:"gas_price"`
	Timestamp int64          `json:"timestamp"`
}

// TokenConfig is the whitelist entry of an asset.
type TokenConfig struct {
	Decimals             uint8       `json:"decimals"`
	Weight               uint64      `json:"weight"`
	MinProfitBasisPoints uint64      `json:"min_profit_basis_points"`
	MaxUsdgAmount        uint256.Int `json:"max_usdg_amount"`
	IsStable             bool        `json:"is_stable"`
	IsShortable          bool        `json:"is_shortable"`
}

// AssetState is the per-asset ledger. It outlives the asset's whitelist
// entry: clearing a token config leaves these amounts in place.
type AssetState struct {
	PoolAmount              uint256.Int `json:"pool_amount"`
	ReservedAmount          uint256.Int `json:"reserved_amount"`
	FeeReserve              uint256.Int `json:"fee_reserve"`
	UsdgAmount              uint256.Int `json:"usdg_amount"`
	BufferAmount            uint256.Int `json:"buffer_amount"`
	GuaranteedUsd           uint256.Int `json:"guaranteed_usd"`
	CumulativeFundingRate   uint256.Int `json:"cumulative_funding_rate"`
	LastFundingTime         int64       `json:"last_funding_time"`
	GlobalShortSize         uint256.Int `json:"global_short_size"`
	GlobalShortAveragePrice uint256.Int `json:"global_short_average_price"`
	TokenBalance            uint256.Int `json:"token_balance"`
}

// PositionKey identifies a position. All increases for the same key merge.
type PositionKey struct {
	Account         ledger.Address
	CollateralToken ledger.Address
	IndexToken      ledger.Address
	IsLong          bool
}

func (k PositionKey) String() string {
	side := "short"
	if k.IsLong {
		side = "long"
	}
	return fmt.Sprintf("%s:%s:%s:%s", k.Account, k.CollateralToken, k.IndexToken, side)
}

// Position is a leveraged position. Size, collateral and prices are 30-decimal
// USD values; ReserveAmount is in collateral token units.
type Position struct {
	Account           ledger.Address `json:"account"`
	CollateralToken   ledger.Address `json:"collateral_token"`
	IndexToken        ledger.Address `json:"index_token"`
	IsLong            bool           `json:"is_long"`
	Size              uint256.Int    `json:"size"`
	Collateral        uint256.Int    `json:"collateral"`
	AveragePrice      uint256.Int    `json:"average_price"`
	EntryFundingRate  uint256.Int    `json:"entry_funding_rate"`
	ReserveAmount     uint256.Int    `json:"reserve_amount"`
	RealisedPnl       *big.Int       `json:"realised_pnl"`
	LastIncreasedTime int64          `json:"last_increased_time"`
}

func (p *Position) Key() PositionKey {
	return PositionKey{p.Account, p.CollateralToken, p.IndexToken, p.IsLong}
}

func (p *Position) clone() *Position {
	c := *p
	c.RealisedPnl = new(big.Int)
	if p.RealisedPnl != nil {
		c.RealisedPnl.Set(p.RealisedPnl)
	}
	return &c
}

// Params is the vault-wide risk and fee schedule.
type Params struct {
	MaxLeverage              uint64      `json:"max_leverage"`
	TaxBasisPoints           uint64      `json:"tax_basis_points"`
	StableTaxBasisPoints     uint64      `json:"stable_tax_basis_points"`
	MintBurnFeeBasisPoints   uint64      `json:"mint_burn_fee_basis_points"`
	SwapFeeBasisPoints       uint64      `json:"swap_fee_basis_points"`
	StableSwapFeeBasisPoints uint64      `json:"stable_swap_fee_basis_points"`
	MarginFeeBasisPoints     uint64      `json:"margin_fee_basis_points"`
	LiquidationFeeUsd        uint256.Int `json:"liquidation_fee_usd"`
	MinProfitTime            int64       `json:"min_profit_time"`
	HasDynamicFees           bool        `json:"has_dynamic_fees"`
	FundingInterval          int64       `json:"funding_interval"`
	FundingRateFactor        uint64      `json:"funding_rate_factor"`
	StableFundingRateFactor  uint64      `json:"stable_funding_rate_factor"`
	MaxGasPrice              uint64      `json:"max_gas_price"`
	IsSwapEnabled            bool        `json:"is_swap_enabled"`
	IsLeverageEnabled        bool        `json:"is_leverage_enabled"`
	InManagerMode            bool        `json:"in_manager_mode"`
	InPrivateLiquidationMode bool        `json:"in_private_liquidation_mode"`
}

// DefaultParams returns the schedule a vault starts with.
func DefaultParams() Params {
	return Params{
		MaxLeverage:              50 * 10_000,
		TaxBasisPoints:           50,
		StableTaxBasisPoints:     20,
		MintBurnFeeBasisPoints:   30,
		SwapFeeBasisPoints:       30,
		StableSwapFeeBasisPoints: 4,
		MarginFeeBasisPoints:     10,
		FundingInterval:          8 * 60 * 60,
		IsSwapEnabled:            true,
		IsLeverageEnabled:        true,
	}
}

// State is everything the vault owns. It is serialisable for snapshots.
type State struct {
	Initialized bool           `json:"initialized"`
	Gov         ledger.Address `json:"gov"`
	Router      ledger.Address `json:"router"`
	USDG        ledger.Address `json:"usdg"`
	Params      Params         `json:"params"`

	Tokens               map[ledger.Address]*TokenConfig `json:"tokens"`
	AllWhitelistedTokens []ledger.Address                `json:"all_whitelisted_tokens"`
	TotalTokenWeights    uint64                          `json:"total_token_weights"`

	Assets    map[ledger.Address]*AssetState `json:"assets"`
	Positions map[string]*Position           `json:"positions"`

	Managers        map[ledger.Address]bool                    `json:"managers"`
	Liquidators     map[ledger.Address]bool                    `json:"liquidators"`
	ApprovedRouters map[ledger.Address]map[ledger.Address]bool `json:"approved_routers"`

	AumAddition  uint256.Int `json:"aum_addition"`
	AumDeduction uint256.Int `json:"aum_deduction"`

	// Number of committed actions
	Sequence int64 `json:"sequence"`

	// Hex hash of the last committed output, see chainHash
	ChainTip string `json:"chain_tip"`
}

func newState(gov ledger.Address) *State {
	return &State{
		Gov:             gov,
		Params:          DefaultParams(),
		Tokens:          make(map[ledger.Address]*TokenConfig),
		Assets:          make(map[ledger.Address]*AssetState),
		Positions:       make(map[string]*Position),
		Managers:        make(map[ledger.Address]bool),
		Liquidators:     make(map[ledger.Address]bool),
		ApprovedRouters: make(map[ledger.Address]map[ledger.Address]bool),
	}
}

// cloneForAction copies everything an action can roll back, except
// positions (restored per key from the undo log) and approved routers
// (only written by actions that cannot fail after writing).
func (s *State) cloneForAction() *State {
	c := *s
	c.Tokens = make(map[ledger.Address]*TokenConfig, len(s.Tokens))
	for k, v := range s.Tokens {
		tc := *v
		c.Tokens[k] = &tc
	}
	c.AllWhitelistedTokens = append([]ledger.Address(nil), s.AllWhitelistedTokens...)
	c.Assets = make(map[ledger.Address]*AssetState, len(s.Assets))
	for k, v := range s.Assets {
		as := *v
		c.Assets[k] = &as
	}
	c.Managers = maps.Clone(s.Managers)
	c.Liquidators = maps.Clone(s.Liquidators)
	return &c
}

// deepClone copies the whole state, positions and routers included.
func (s *State) deepClone() *State {
	c := s.cloneForAction()
	c.Positions = make(map[string]*Position, len(s.Positions))
	for k, v := range s.Positions {
		c.Positions[k] = v.clone()
	}
	c.ApprovedRouters = make(map[ledger.Address]map[ledger.Address]bool, len(s.ApprovedRouters))
	for k, v := range s.ApprovedRouters {
		c.ApprovedRouters[k] = maps.Clone(v)
	}
	return c
}

// normalise fills nil maps after decoding a snapshot.
func (s *State) normalise() {
	if s.Tokens == nil {
		s.Tokens = make(map[ledger.Address]*TokenConfig)
	}
	if s.Assets == nil {
		s.Assets = make(map[ledger.Address]*AssetState)
	}
	if s.Positions == nil {
		s.Positions = make(map[string]*Position)
	}
	for _, p := range s.Positions {
		if p.RealisedPnl == nil {
			p.RealisedPnl = new(big.Int)
		}
	}
	if s.Managers == nil {
		s.Managers = make(map[ledger.Address]bool)
	}
	if s.Liquidators == nil {
		s.Liquidators = make(map[ledger.Address]bool)
	}
	if s.ApprovedRouters == nil {
		s.ApprovedRouters = make(map[ledger.Address]map[ledger.Address]bool)
	}
}
