package event

import (
	"encoding/json"
	"fmt"

	"LendLedger/internal/protocol"

	"github.com/google/uuid"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeInterestAccrued
	EventTypeDeposited
	EventTypeRedeemed
	EventTypeBorrowed
	EventTypeRepaid
	EventTypeCollateralChanged
	EventTypeOperationPaused
	EventTypeOperationResumed
	EventTypeBorrowCapChanged
	EventTypeRateModelChanged
	EventTypeRiskParamChanged
	EventTypeLiquidationSeized
	EventTypeLiquidationCompleted
	EventTypeBalancingPeriodChanged
	EventTypeDeviationThresholdChanged
	EventTypeBalanceRatioChanged
	EventTypeLiquidationPoolsBalanced
	EventTypeBalancingSkipped
	EventTypeMntMintingChanged
	EventTypeMntSpeedChanged
	EventTypeMntClaimed
	EventTypeBlockAdvanced
	EventTypePriceUpdated
)

var eventTypeNames = map[EventType]string{
	EventTypeInterestAccrued:           "InterestAccrued",
	EventTypeDeposited:                 "Deposited",
	EventTypeRedeemed:                  "Redeemed",
	EventTypeBorrowed:                  "Borrowed",
	EventTypeRepaid:                    "Repaid",
	EventTypeCollateralChanged:         "CollateralChanged",
	EventTypeOperationPaused:           "OperationPaused",
	EventTypeOperationResumed:          "OperationResumed",
	EventTypeBorrowCapChanged:          "BorrowCapChanged",
	EventTypeRateModelChanged:          "RateModelChanged",
	EventTypeRiskParamChanged:          "RiskParamChanged",
	EventTypeLiquidationSeized:         "LiquidationSeized",
	EventTypeLiquidationCompleted:      "LiquidationCompleted",
	EventTypeBalancingPeriodChanged:    "BalancingPeriodChanged",
	EventTypeDeviationThresholdChanged: "DeviationThresholdChanged",
	EventTypeBalanceRatioChanged:       "BalanceRatioChanged",
	EventTypeLiquidationPoolsBalanced:  "LiquidationPoolsBalanced",
	EventTypeBalancingSkipped:          "BalancingSkipped",
	EventTypeMntMintingChanged:         "MntMintingChanged",
	EventTypeMntSpeedChanged:           "MntSpeedChanged",
	EventTypeMntClaimed:                "MntClaimed",
	EventTypeBlockAdvanced:             "BlockAdvanced",
	EventTypePriceUpdated:              "PriceUpdated",
}

func (et EventType) String() string {
	if name, ok := eventTypeNames[et]; ok {
		return name
	}
	return "Unknown"
}

// Event is the interface all protocol events implement.
type Event interface {
	// EventType returns the discriminator
	EventType() EventType

	// AssetID returns the asset context (AssetNone for global events)
	AssetID() protocol.Asset
}

// Record is one encoded event inside an envelope.
type Record struct {
	Index   int             `json:"index"`
	Type    EventType       `json:"-"`
	Name    string          `json:"type"`
	Asset   protocol.Asset  `json:"asset"`
	Payload json.RawMessage `json:"payload"`
}

// Encode serializes e as the index-th event of an operation.
func Encode(index int, e Event) (Record, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return Record{}, fmt.Errorf("encode %s: %w", e.EventType(), err)
	}
	return Record{
		Index:   index,
		Type:    e.EventType(),
		Name:    e.EventType().String(),
		Asset:   e.AssetID(),
		Payload: payload,
	}, nil
}

// EventEnvelope wraps every committed operation in the log.
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64 `json:"sequence"`

	// Caller-supplied operation id, the idempotency key
	OperationID uuid.UUID `json:"operation_id"`

	// Command type name
	CommandType string `json:"command_type"`

	// Caller of the operation (nil UUID for root)
	Caller protocol.AccountID `json:"caller"`

	// Privilege the caller acted with
	Privilege protocol.Privilege `json:"privilege"`

	// Block the operation executed in (NOT wall-clock)
	Block uint64 `json:"block"`

	// JSON-encoded command
	Payload []byte `json:"payload"`

	// Events in emission order
	Events []Record `json:"events"`

	// SHA-256 of state AFTER applying this operation
	StateHash [32]byte `json:"state_hash"`

	// Previous operation's state hash (chain integrity)
	PrevHash [32]byte `json:"prev_hash"`
}
