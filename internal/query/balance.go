package query

import (
	"LendLedger/internal/core"
	fpmath "LendLedger/internal/math"
)

// AccountResponse represents an account's balances for API queries.
type AccountResponse struct {
	core.AccountView

	// Derived values, computed at query time in oracle price units.
	// Nil when a price is missing.
	Headroom  *fpmath.Fixed `json:"headroom,omitempty"`  // borrowing_power - debt_value
	Shortfall *fpmath.Fixed `json:"shortfall,omitempty"` // debt_value - liquidation_limit

	AsOfSequence int64 `json:"as_of_sequence"`
}

// deriveBalances fills Headroom and Shortfall from the liquidity summary.
func (r *AccountResponse) deriveBalances() {
	liq := r.Liquidity
	if liq == nil {
		return
	}
	headroom := liq.BorrowingPower.SaturatingSub(liq.DebtValue)
	r.Headroom = &headroom
	if liq.DebtValue.Gt(liq.LiquidationLimit) {
		shortfall := liq.DebtValue.SaturatingSub(liq.LiquidationLimit)
		r.Shortfall = &shortfall
	}
}
