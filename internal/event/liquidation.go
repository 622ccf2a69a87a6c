package event

import (
	"math/big"

	"PerpVault/internal/ledger"

	"github.com/holiman/uint256"
)

// LiquidatePosition records a position closed by a liquidator. The amounts
// are the position's state at the moment of liquidation.
type LiquidatePosition struct {
	Key             string         `json:"key"`
	Account         ledger.Address `json:"account"`
	CollateralToken ledger.Address `json:"collateral_token"`
	IndexToken      ledger.Address `json:"index_token"`
	IsLong          bool           `json:"is_long"`
	Size            *uint256.Int   `json:"size"`
	Collateral      *uint256.Int   `json:"collateral"`
	ReserveAmount   *uint256.Int   `json:"reserve_amount"`
	RealisedPnl     *big.Int       `json:"realised_pnl"`
	MarkPrice       *uint256.Int   `json:"mark_price"`
}

func (e *LiquidatePosition) EventType() EventType { return EventTypeLiquidatePosition }
