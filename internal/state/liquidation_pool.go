package state

import (
	"fmt"

	fpmath "LendLedger/internal/math"
	"LendLedger/internal/protocol"
)

// LiquidationPool is the protocol-owned reserve of one asset. It funds the
// debt side of liquidations, receives seized collateral and is rebalanced
// against an external exchange.
type LiquidationPool struct {
	Asset              protocol.Asset `json:"asset"`
	Balance            fpmath.Fixed   `json:"balance"`
	BalanceRatio       fpmath.Fixed   `json:"balance_ratio"`
	DeviationThreshold fpmath.Fixed   `json:"deviation_threshold"`
	BalancingPeriod    uint64         `json:"balancing_period"`
	LastBalancedBlock  uint64         `json:"last_balanced_block"`
}

// ValidateLiquidationPool checks that both ratios are within [0,1].
func ValidateLiquidationPool(lp LiquidationPool) error {
	if lp.BalanceRatio.Gt(fpmath.One) {
		return fmt.Errorf("%w: balance_ratio must be in [0,1], got %s", protocol.ErrNotValidParameter, lp.BalanceRatio)
	}
	if lp.DeviationThreshold.Gt(fpmath.One) {
		return fmt.Errorf("%w: deviation_threshold must be in [0,1], got %s", protocol.ErrNotValidParameter, lp.DeviationThreshold)
	}
	return nil
}

// BalancingDue reports whether at least BalancingPeriod blocks passed since
// the last balancing. A zero period is due every block.
func (lp LiquidationPool) BalancingDue(block uint64) bool {
	if block < lp.LastBalancedBlock {
		return false
	}
	return block-lp.LastBalancedBlock >= lp.BalancingPeriod
}
