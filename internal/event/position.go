package event

import (
	"math/big"

	"PerpVault/internal/ledger"

	"github.com/holiman/uint256"
)

// PositionChange is emitted by IncreasePosition and DecreasePosition.
type PositionChange struct {
	Kind            EventType      `json:"-"`
	Key             string         `json:"key"`
	Account         ledger.Address `json:"account"`
	CollateralToken ledger.Address `json:"collateral_token"`
	IndexToken      ledger.Address `json:"index_token"`
	CollateralDelta *uint256.Int   `json:"collateral_delta"`
	SizeDelta       *uint256.Int   `json:"size_delta"`
	IsLong          bool           `json:"is_long"`
	Price           *uint256.Int   `json:"price"`
	Fee             *uint256.Int   `json:"fee"`
}

func (e *PositionChange) EventType() EventType { return e.Kind }

// UpdatePosition carries a position's state after a partial change.
type UpdatePosition struct {
	Key              string       `json:"key"`
	Size             *uint256.Int `json:"size"`
	Collateral       *uint256.Int `json:"collateral"`
	AveragePrice     *uint256.Int `json:"average_price"`
	EntryFundingRate *uint256.Int `json:"entry_funding_rate"`
	ReserveAmount    *uint256.Int `json:"reserve_amount"`
	RealisedPnl      *big.Int     `json:"realised_pnl"`
	MarkPrice        *uint256.Int `json:"mark_price"`
}

func (e *UpdatePosition) EventType() EventType { return EventTypeUpdatePosition }

// ClosePosition carries a position's final state before deletion.
type ClosePosition struct {
	Key              string       `json:"key"`
	Size             *uint256.Int `json:"size"`
	Collateral       *uint256.Int `json:"collateral"`
	AveragePrice     *uint256.Int `json:"average_price"`
	EntryFundingRate *uint256.Int `json:"entry_funding_rate"`
	ReserveAmount    *uint256.Int `json:"reserve_amount"`
	RealisedPnl      *big.Int     `json:"realised_pnl"`
}

func (e *ClosePosition) EventType() EventType { return EventTypeClosePosition }

// UpdatePnl records the PnL realised by a decrease.
type UpdatePnl struct {
	Key       string       `json:"key"`
	HasProfit bool         `json:"has_profit"`
	Delta     *uint256.Int `json:"delta"`
}

func (e *UpdatePnl) EventType() EventType { return EventTypeUpdatePnl }

// CollectMarginFees records position and funding fees taken from collateral.
type CollectMarginFees struct {
	Token     ledger.Address `json:"token"`
	FeeUsd    *uint256.Int   `json:"fee_usd"`
	FeeTokens *uint256.Int   `json:"fee_tokens"`
}

func (e *CollectMarginFees) EventType() EventType { return EventTypeCollectMarginFees }
