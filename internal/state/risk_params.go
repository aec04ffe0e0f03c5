package state

import (
	"fmt"

	fpmath "LendLedger/internal/math"
	"LendLedger/internal/protocol"
)

// RiskParams holds the per-asset solvency and liquidation settings.
type RiskParams struct {
	Asset                    protocol.Asset `json:"asset"`
	CollateralFactor         fpmath.Fixed   `json:"collateral_factor" toml:"collateral_factor"`
	LiquidationThreshold     fpmath.Fixed   `json:"liquidation_threshold" toml:"liquidation_threshold"`
	LiquidationFee           fpmath.Fixed   `json:"liquidation_fee" toml:"liquidation_fee"`
	MaxLiquidationAttempts   uint8          `json:"max_liquidation_attempts" toml:"max_liquidation_attempts"`
	MinPartialLiquidationSum fpmath.Fixed   `json:"min_partial_liquidation_sum" toml:"min_partial_liquidation_sum"`
}

// ValidateRiskParams checks that every ratio is within [0,1] and at least one
// seize attempt is allowed.
func ValidateRiskParams(p RiskParams) error {
	ratios := []struct {
		name  string
		value fpmath.Fixed
	}{
		{"collateral_factor", p.CollateralFactor},
		{"liquidation_threshold", p.LiquidationThreshold},
		{"liquidation_fee", p.LiquidationFee},
	}
	for _, r := range ratios {
		if r.value.Gt(fpmath.One) {
			return fmt.Errorf("%w: %s must be in [0,1], got %s", protocol.ErrNotValidParameter, r.name, r.value)
		}
	}
	if p.MaxLiquidationAttempts == 0 {
		return fmt.Errorf("%w: max_liquidation_attempts must be > 0", protocol.ErrNotValidParameter)
	}
	return nil
}
