package event

import (
	"PerpVault/internal/ledger"
)

// TokenConfigUpdate records a whitelist change. Cleared is set when the
// token was removed from the whitelist.
type TokenConfigUpdate struct {
	Token            ledger.Address `json:"token"`
	Decimals         uint8          `json:"decimals"`
	Weight           uint64         `json:"weight"`
	MinProfitBps     uint64         `json:"min_profit_bps"`
	MaxUsdgAmount    string         `json:"max_usdg_amount"`
	IsStable         bool           `json:"is_stable"`
	IsShortable      bool           `json:"is_shortable"`
	Cleared          bool           `json:"cleared"`
	TotalTokenWeight uint64         `json:"total_token_weight"`
}

func (e *TokenConfigUpdate) EventType() EventType { return EventTypeTokenConfigUpdate }

// RiskParamUpdate records a governance change to a vault-wide setting.
type RiskParamUpdate struct {
	Setting string            `json:"setting"`
	Values  map[string]string `json:"values"`
}

func (e *RiskParamUpdate) EventType() EventType { return EventTypeRiskParamUpdate }
