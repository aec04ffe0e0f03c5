package event

import (
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/protocol"
)

type BalancingPeriodChanged struct {
	Asset  protocol.Asset `json:"asset"`
	Blocks uint64         `json:"blocks"`
}

func (e *BalancingPeriodChanged) EventType() EventType    { return EventTypeBalancingPeriodChanged }
func (e *BalancingPeriodChanged) AssetID() protocol.Asset { return e.Asset }

type DeviationThresholdChanged struct {
	Asset     protocol.Asset `json:"asset"`
	Threshold fpmath.Fixed   `json:"threshold"`
}

func (e *DeviationThresholdChanged) EventType() EventType    { return EventTypeDeviationThresholdChanged }
func (e *DeviationThresholdChanged) AssetID() protocol.Asset { return e.Asset }

type BalanceRatioChanged struct {
	Asset protocol.Asset `json:"asset"`
	Ratio fpmath.Fixed   `json:"ratio"`
}

func (e *BalanceRatioChanged) EventType() EventType    { return EventTypeBalanceRatioChanged }
func (e *BalanceRatioChanged) AssetID() protocol.Asset { return e.Asset }

// LiquidationPoolsBalanced records one settled swap between two liquidation
// pools: Sold of From left the protocol, Bought of To came in. Asset is the
// pool the swap rebalanced.
type LiquidationPoolsBalanced struct {
	Asset  protocol.Asset `json:"asset"`
	From   protocol.Asset `json:"from"`
	To     protocol.Asset `json:"to"`
	Sold   fpmath.Fixed   `json:"sold"`
	Bought fpmath.Fixed   `json:"bought"`
	Manual bool           `json:"manual"`
}

func (e *LiquidationPoolsBalanced) EventType() EventType    { return EventTypeLiquidationPoolsBalanced }
func (e *LiquidationPoolsBalanced) AssetID() protocol.Asset { return e.Asset }

// BalancingSkipped reports an asset whose rebalance failed inside a batch.
type BalancingSkipped struct {
	Asset  protocol.Asset `json:"asset"`
	Code   string         `json:"code"`
	Reason string         `json:"reason"`
}

func (e *BalancingSkipped) EventType() EventType    { return EventTypeBalancingSkipped }
func (e *BalancingSkipped) AssetID() protocol.Asset { return e.Asset }
