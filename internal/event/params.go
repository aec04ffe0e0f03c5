package event

import (
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/protocol"
)

type OperationPaused struct {
	Asset     protocol.Asset `json:"asset"`
	Operation string         `json:"operation"`
}

func (e *OperationPaused) EventType() EventType    { return EventTypeOperationPaused }
func (e *OperationPaused) AssetID() protocol.Asset { return e.Asset }

type OperationResumed struct {
	Asset     protocol.Asset `json:"asset"`
	Operation string         `json:"operation"`
}

func (e *OperationResumed) EventType() EventType    { return EventTypeOperationResumed }
func (e *OperationResumed) AssetID() protocol.Asset { return e.Asset }

type BorrowCapChanged struct {
	Asset protocol.Asset `json:"asset"`
	Cap   fpmath.Fixed   `json:"cap"`
}

func (e *BorrowCapChanged) EventType() EventType    { return EventTypeBorrowCapChanged }
func (e *BorrowCapChanged) AssetID() protocol.Asset { return e.Asset }

// RateModelChanged reports a single interest model parameter update.
type RateModelChanged struct {
	Asset protocol.Asset `json:"asset"`
	Param string         `json:"param"`
	Value fpmath.Fixed   `json:"value"`
}

func (e *RateModelChanged) EventType() EventType    { return EventTypeRateModelChanged }
func (e *RateModelChanged) AssetID() protocol.Asset { return e.Asset }

// RiskParamChanged reports a single risk parameter update. Integer settings
// such as the attempt limit are carried as whole Fixed values.
type RiskParamChanged struct {
	Asset protocol.Asset `json:"asset"`
	Param string         `json:"param"`
	Value fpmath.Fixed   `json:"value"`
}

func (e *RiskParamChanged) EventType() EventType    { return EventTypeRiskParamChanged }
func (e *RiskParamChanged) AssetID() protocol.Asset { return e.Asset }

// PriceUpdated records an oracle price accepted by the core.
type PriceUpdated struct {
	Asset    protocol.Asset `json:"asset"`
	Price    fpmath.Fixed   `json:"price"`
	Sequence int64          `json:"sequence"`
}

func (e *PriceUpdated) EventType() EventType    { return EventTypePriceUpdated }
func (e *PriceUpdated) AssetID() protocol.Asset { return e.Asset }
