package state

import (
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/protocol"
)

// Operation is a user action that can be paused per asset.
type Operation uint8

const (
	OperationDeposit Operation = iota
	OperationRedeem
	OperationBorrow
	OperationRepay
	operationCount
)

func (o Operation) String() string {
	switch o {
	case OperationDeposit:
		return "deposit"
	case OperationRedeem:
		return "redeem"
	case OperationBorrow:
		return "borrow"
	case OperationRepay:
		return "repay"
	default:
		return "unknown"
	}
}

// ParseOperation resolves an operation name.
func ParseOperation(s string) (Operation, bool) {
	for o := Operation(0); o < operationCount; o++ {
		if o.String() == s {
			return o, true
		}
	}
	return 0, false
}

// Valid reports whether o names a known operation.
func (o Operation) Valid() bool {
	return o < operationCount
}

// ControllerParams is the per-asset gate record: paused operations as a
// bitmask and the borrow cap (zero means uncapped).
type ControllerParams struct {
	Asset     protocol.Asset `json:"asset"`
	PausedOps uint8          `json:"paused_ops"`
	BorrowCap fpmath.Fixed   `json:"borrow_cap"`
}

func (c ControllerParams) IsPaused(op Operation) bool {
	return c.PausedOps&(1<<op) != 0
}

func (c ControllerParams) WithPaused(op Operation, paused bool) ControllerParams {
	if paused {
		c.PausedOps |= 1 << op
	} else {
		c.PausedOps &^= 1 << op
	}
	return c
}
