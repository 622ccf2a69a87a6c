package event

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeBuyUSDG
	EventTypeSellUSDG
	EventTypeSwap
	EventTypeDirectPoolDeposit
	EventTypeWithdrawFees
	EventTypeCollectSwapFees
	EventTypeCollectMarginFees
	EventTypeIncreasePosition
	EventTypeDecreasePosition
	EventTypeUpdatePosition
	EventTypeClosePosition
	EventTypeLiquidatePosition
	EventTypeUpdatePnl
	EventTypeUpdateFundingRate
	EventTypeIncreasePoolAmount
	EventTypeDecreasePoolAmount
	EventTypeIncreaseUsdgAmount
	EventTypeDecreaseUsdgAmount
	EventTypeIncreaseReservedAmount
	EventTypeDecreaseReservedAmount
	EventTypeIncreaseGuaranteedUsd
	EventTypeDecreaseGuaranteedUsd
	EventTypeTokenConfigUpdate
	EventTypeRiskParamUpdate
)

var eventTypeNames = map[EventType]string{
	EventTypeBuyUSDG:                "BuyUSDG",
	EventTypeSellUSDG:               "SellUSDG",
	EventTypeSwap:                   "Swap",
	EventTypeDirectPoolDeposit:      "DirectPoolDeposit",
	EventTypeWithdrawFees:           "WithdrawFees",
	EventTypeCollectSwapFees:        "CollectSwapFees",
	EventTypeCollectMarginFees:      "CollectMarginFees",
	EventTypeIncreasePosition:       "IncreasePosition",
	EventTypeDecreasePosition:       "DecreasePosition",
	EventTypeUpdatePosition:         "UpdatePosition",
	EventTypeClosePosition:          "ClosePosition",
	EventTypeLiquidatePosition:      "LiquidatePosition",
	EventTypeUpdatePnl:              "UpdatePnl",
	EventTypeUpdateFundingRate:      "UpdateFundingRate",
	EventTypeIncreasePoolAmount:     "IncreasePoolAmount",
	EventTypeDecreasePoolAmount:     "DecreasePoolAmount",
	EventTypeIncreaseUsdgAmount:     "IncreaseUsdgAmount",
	EventTypeDecreaseUsdgAmount:     "DecreaseUsdgAmount",
	EventTypeIncreaseReservedAmount: "IncreaseReservedAmount",
	EventTypeDecreaseReservedAmount: "DecreaseReservedAmount",
	EventTypeIncreaseGuaranteedUsd:  "IncreaseGuaranteedUsd",
	EventTypeDecreaseGuaranteedUsd:  "DecreaseGuaranteedUsd",
	EventTypeTokenConfigUpdate:      "TokenConfigUpdate",
	EventTypeRiskParamUpdate:        "RiskParamUpdate",
}

func (et EventType) String() string {
	if name, ok := eventTypeNames[et]; ok {
		return name
	}
	return "Unknown"
}

// Event is the interface all event payloads must implement
type Event interface {
	EventType() EventType
}

// Envelope wraps a committed event for the log, the bus and live subscribers.
type Envelope struct {
	EventID uuid.UUID `json:"event_id"`

	// Sequence of the committed action that emitted the event
	Sequence int64 `json:"sequence"`

	// Position of the event within its action
	Index int `json:"index"`

	// Name of the vault action, e.g. "IncreasePosition"
	Action string `json:"action"`

	EventType EventType `json:"event_type"`

	// Block timestamp of the action (unix seconds, NOT wall-clock)
	Timestamp int64 `json:"timestamp"`

	// JSON-encoded event payload
	Payload json.RawMessage `json:"payload"`
}

// NewEnvelope encodes evt into an envelope.
func NewEnvelope(sequence int64, index int, action string, timestamp int64, evt Event) (*Envelope, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", evt.EventType(), err)
	}
	return &Envelope{
		EventID:   uuid.New(),
		Sequence:  sequence,
		Index:     index,
		Action:    action,
		EventType: evt.EventType(),
		Timestamp: timestamp,
		Payload:   payload,
	}, nil
}

// TypeName returns the event type's name, used as the bus subject suffix.
func (e *Envelope) TypeName() string {
	return e.EventType.String()
}
