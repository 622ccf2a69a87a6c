package event

import (
	"PerpVault/internal/ledger"

	"github.com/holiman/uint256"
)

// BuyUSDG records a mint of the debt token against deposited collateral.
type BuyUSDG struct {
	Account        ledger.Address `json:"account"`
	Token          ledger.Address `json:"token"`
	TokenAmount    *uint256.Int   `json:"token_amount"`
	USDGAmount     *uint256.Int   `json:"usdg_amount"`
	FeeBasisPoints uint64         `json:"fee_basis_points"`
}

func (e *BuyUSDG) EventType() EventType { return EventTypeBuyUSDG }

// DirectPoolDeposit records a donation straight into the pool.
type DirectPoolDeposit struct {
	Token  ledger.Address `json:"token"`
	Amount *uint256.Int   `json:"amount"`
}

func (e *DirectPoolDeposit) EventType() EventType { return EventTypeDirectPoolDeposit }

// CollectSwapFees records fees taken on mint, redeem and swap.
type CollectSwapFees struct {
	Token     ledger.Address `json:"token"`
	FeeUsd    *uint256.Int   `json:"fee_usd"`
	FeeTokens *uint256.Int   `json:"fee_tokens"`
}

func (e *CollectSwapFees) EventType() EventType { return EventTypeCollectSwapFees }

// AmountDelta records a change to one of an asset's ledger amounts. Kind
// selects which amount and direction.
type AmountDelta struct {
	Kind   EventType      `json:"-"`
	Token  ledger.Address `json:"token"`
	Amount *uint256.Int   `json:"amount"`
}

func (e *AmountDelta) EventType() EventType { return e.Kind }
