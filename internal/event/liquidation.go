package event

import (
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/protocol"
)

// LiquidationSeized is one seize step: Repaid of DebtAsset was covered by the
// liquidation pool and Seized of CollateralAsset moved into its liquidation pool.
type LiquidationSeized struct {
	Borrower        protocol.AccountID `json:"borrower"`
	DebtAsset       protocol.Asset     `json:"debt_asset"`
	CollateralAsset protocol.Asset     `json:"collateral_asset"`
	Repaid          fpmath.Fixed       `json:"repaid"`
	Seized          fpmath.Fixed       `json:"seized"`
	SeizedShares    fpmath.Fixed       `json:"seized_shares"`
	Attempt         uint8              `json:"attempt"`
}

func (e *LiquidationSeized) EventType() EventType    { return EventTypeLiquidationSeized }
func (e *LiquidationSeized) AssetID() protocol.Asset { return e.CollateralAsset }

type LiquidationCompleted struct {
	Borrower      protocol.AccountID `json:"borrower"`
	DebtAsset     protocol.Asset     `json:"debt_asset"`
	Repaid        fpmath.Fixed       `json:"repaid"`
	RemainingDebt fpmath.Fixed       `json:"remaining_debt"`
	Attempts      uint8              `json:"attempts"`
	Full          bool               `json:"full"`
}

func (e *LiquidationCompleted) EventType() EventType    { return EventTypeLiquidationCompleted }
func (e *LiquidationCompleted) AssetID() protocol.Asset { return e.DebtAsset }
