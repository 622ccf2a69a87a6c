package event

import (
	"PerpVault/internal/ledger"

	"github.com/holiman/uint256"
)

// UpdateFundingRate records a new cumulative funding rate for a collateral token.
type UpdateFundingRate struct {
	Token       ledger.Address `json:"token"`
	FundingRate *uint256.Int   `json:"funding_rate"`
	FundingTime int64          `json:"funding_time"`
}

func (e *UpdateFundingRate) EventType() EventType { return EventTypeUpdateFundingRate }
