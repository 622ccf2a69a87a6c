package vault

import (
	"errors"
	"fmt"
	"sort"

	"PerpVault/internal/errcode"
	"PerpVault/internal/ledger"
	fpmath "PerpVault/internal/math"

	"github.com/holiman/uint256"
)

var ErrSnapshotMismatch = errors.New("snapshot does not match vault")

// GetPosition returns a copy of the position, if open.
func (v *Vault) GetPosition(account, collateralToken, indexToken ledger.Address, isLong bool) (*Position, bool) {
	p := v.position(PositionKey{account, collateralToken, indexToken, isLong})
	if p == nil {
		return nil, false
	}
	return p.clone(), true
}

// Positions returns copies of every open position, ordered by key.
func (v *Vault) Positions() []*Position {
	keys := make([]string, 0, len(v.st.Positions))
	for k := range v.st.Positions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*Position, 0, len(keys))
	for _, k := range keys {
		out = append(out, v.st.Positions[k].clone())
	}
	return out
}

// GetPositionLeverage is size / collateral in basis points.
func (v *Vault) GetPositionLeverage(account, collateralToken, indexToken ledger.Address, isLong bool) (*uint256.Int, error) {
	p := v.position(PositionKey{account, collateralToken, indexToken, isLong})
	if p == nil || p.Collateral.IsZero() {
		return nil, v.fail(errcode.EmptyPosition)
	}
	return fpmath.MulDiv(&p.Size, fpmath.BPS, &p.Collateral)
}

// GetPositionDelta is the unrealised PnL of a position at current prices.
func (v *Vault) GetPositionDelta(account, collateralToken, indexToken ledger.Address, isLong bool) (bool, *uint256.Int, error) {
	p := v.position(PositionKey{account, collateralToken, indexToken, isLong})
	if p == nil {
		return false, nil, v.fail(errcode.EmptyPosition)
	}
	return v.GetDelta(indexToken, &p.Size, &p.AveragePrice, isLong, p.LastIncreasedTime)
}

// Token returns token's whitelist entry.
func (v *Vault) Token(token ledger.Address) (TokenConfig, bool) {
	cfg, ok := v.st.Tokens[token]
	if !ok {
		return TokenConfig{}, false
	}
	return *cfg, true
}

// AllWhitelistedTokens lists every token ever whitelisted, in order.
// Cleared tokens stay in the list.
func (v *Vault) AllWhitelistedTokens() []ledger.Address {
	return append([]ledger.Address(nil), v.st.AllWhitelistedTokens...)
}

func (v *Vault) TotalTokenWeights() uint64 {
	return v.st.TotalTokenWeights
}

// Asset returns a copy of token's ledger.
func (v *Vault) Asset(token ledger.Address) AssetState {
	return *v.assetView(token)
}

func (v *Vault) Params() Params {
	return v.st.Params
}

func (v *Vault) Gov() ledger.Address {
	return v.st.Gov
}

func (v *Vault) Router() ledger.Address {
	return v.st.Router
}

func (v *Vault) Initialized() bool {
	return v.st.Initialized
}

func (v *Vault) IsManager(account ledger.Address) bool {
	return v.st.Managers[account]
}

func (v *Vault) IsLiquidator(account ledger.Address) bool {
	return v.st.Liquidators[account]
}

func (v *Vault) IsApprovedRouter(account, router ledger.Address) bool {
	return v.st.ApprovedRouters[account][router]
}

// AumAdjustment returns the gov-set addition and deduction applied to AUM.
func (v *Vault) AumAdjustment() (*uint256.Int, *uint256.Int) {
	return v.st.AumAddition.Clone(), v.st.AumDeduction.Clone()
}

// USDGSupply is the debt token's total supply, zero before Initialize.
func (v *Vault) USDGSupply() *uint256.Int {
	if v.usdg == nil {
		return fpmath.Zero()
	}
	return v.usdg.TotalSupply()
}

// Sequence is the number of committed actions.
func (v *Vault) Sequence() int64 {
	return v.st.Sequence
}

// ChainTip is the hash of the last committed output.
func (v *Vault) ChainTip() string {
	return v.st.ChainTip
}

// Snapshot returns a deep copy of the vault state.
func (v *Vault) Snapshot() *State {
	return v.st.deepClone()
}

// Restore replaces the vault state with st. The debt token and price feed
// are kept; st must refer to the same debt token.
func (v *Vault) Restore(st *State) error {
	if v.entered {
		return v.fail(errcode.Reentrant)
	}
	if v.usdg != nil && st.USDG != "" && st.USDG != v.usdg.Address() {
		return fmt.Errorf("restore usdg %s over %s: %w", st.USDG, v.usdg.Address(), ErrSnapshotMismatch)
	}
	c := st.deepClone()
	c.normalise()
	v.st = c
	v.logger.Info().Int64("sequence", c.Sequence).Int("positions", len(c.Positions)).Msg("vault state restored")
	return nil
}
