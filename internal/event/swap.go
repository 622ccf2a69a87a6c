package event

import (
	"PerpVault/internal/ledger"

	"github.com/holiman/uint256"
)

// SellUSDG records a redemption of the debt token for collateral.
type SellUSDG struct {
	Account        ledger.Address `json:"account"`
	Token          ledger.Address `json:"token"`
	USDGAmount     *uint256.Int   `json:"usdg_amount"`
	TokenAmount    *uint256.Int   `json:"token_amount"`
	FeeBasisPoints uint64         `json:"fee_basis_points"`
}

func (e *SellUSDG) EventType() EventType { return EventTypeSellUSDG }

// Swap records an exchange of one pooled asset for another.
type Swap struct {
	Account            ledger.Address `json:"account"`
	TokenIn            ledger.Address `json:"token_in"`
	TokenOut           ledger.Address `json:"token_out"`
	AmountIn           *uint256.Int   `json:"amount_in"`
	AmountOut          *uint256.Int   `json:"amount_out"`
	AmountOutAfterFees *uint256.Int   `json:"amount_out_after_fees"`
	FeeBasisPoints     uint64         `json:"fee_basis_points"`
}

func (e *Swap) EventType() EventType { return EventTypeSwap }

// WithdrawFees records the fee reserve of a token being paid out.
type WithdrawFees struct {
	Token    ledger.Address `json:"token"`
	Receiver ledger.Address `json:"receiver"`
	Amount   *uint256.Int   `json:"amount"`
}

func (e *WithdrawFees) EventType() EventType { return EventTypeWithdrawFees }
