package reader

import (
	"math/big"

	"PerpVault/internal/ledger"

	"github.com/holiman/uint256"
)

// AumResponse is the pool valuation at both price bounds. All USD values
// carry 30 decimals.
type AumResponse struct {
	Max          *uint256.Int `json:"max"`
	Min          *uint256.Int `json:"min"`
	MaxFormatted string       `json:"max_formatted"`
	MinFormatted string       `json:"min_formatted"`
	AsOfSequence int64        `json:"as_of_sequence"`
}

// TokenInfo is the ledger of one asset with its whitelist entry and prices.
type TokenInfo struct {
	Token       ledger.Address `json:"token"`
	Whitelisted bool           `json:"whitelisted"`
	Decimals    uint8          `json:"decimals"`
	Weight      uint64         `json:"weight"`
	IsStable    bool           `json:"is_stable"`
	IsShortable bool           `json:"is_shortable"`

	PoolAmount              *uint256.Int `json:"pool_amount"`
	ReservedAmount          *uint256.Int `json:"reserved_amount"`
	AvailableAmount         *uint256.Int `json:"available_amount"`
	UsdgAmount              *uint256.Int `json:"usdg_amount"`
	MaxUsdgAmount           *uint256.Int `json:"max_usdg_amount"`
	TargetUsdgAmount        *uint256.Int `json:"target_usdg_amount"`
	FeeReserve              *uint256.Int `json:"fee_reserve"`
	BufferAmount            *uint256.Int `json:"buffer_amount"`
	GuaranteedUsd           *uint256.Int `json:"guaranteed_usd"`
	GlobalShortSize         *uint256.Int `json:"global_short_size"`
	GlobalShortAveragePrice *uint256.Int `json:"global_short_average_price"`
	CumulativeFundingRate   *uint256.Int `json:"cumulative_funding_rate"`
	LastFundingTime         int64        `json:"last_funding_time"`

	MinPrice *uint256.Int `json:"min_price"`
	MaxPrice *uint256.Int `json:"max_price"`

	AsOfSequence int64 `json:"as_of_sequence"`
}

// PositionInfo is a position with its values derived at query time.
type PositionInfo struct {
	Key               string         `json:"key"`
	Account           ledger.Address `json:"account"`
	CollateralToken   ledger.Address `json:"collateral_token"`
	IndexToken        ledger.Address `json:"index_token"`
	IsLong            bool           `json:"is_long"`
	Size              *uint256.Int   `json:"size"`
	Collateral        *uint256.Int   `json:"collateral"`
	AveragePrice      *uint256.Int   `json:"average_price"`
	EntryFundingRate  *uint256.Int   `json:"entry_funding_rate"`
	ReserveAmount     *uint256.Int   `json:"reserve_amount"`
	RealisedPnl       *big.Int       `json:"realised_pnl"`
	LastIncreasedTime int64          `json:"last_increased_time"`

	HasProfit        bool         `json:"has_profit"`
	Delta            *uint256.Int `json:"delta"`       // Derived at query time
	Leverage         *uint256.Int `json:"leverage"`    // basis points
	MarginFees       *uint256.Int `json:"margin_fees"` // owed on a full close
	LiquidationState string       `json:"liquidation_state"`

	AsOfSequence int64 `json:"as_of_sequence"`
}

// FundingRate is the funding state of one collateral asset.
type FundingRate struct {
	Token ledger.Address `json:"token"`

	// Rate one full interval would add at the current utilisation
	FundingRate           *uint256.Int `json:"funding_rate"`
	CumulativeFundingRate *uint256.Int `json:"cumulative_funding_rate"`
	Utilisation           *uint256.Int `json:"utilisation"`
	LastFundingTime       int64        `json:"last_funding_time"`
}
