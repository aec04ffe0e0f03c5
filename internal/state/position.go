package state

import (
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/protocol"
)

// PositionKey addresses one account's position in one pool.
type PositionKey struct {
	Account protocol.AccountID `json:"account"`
	Asset   protocol.Asset     `json:"asset"`
}

// Position is the per-account, per-asset ledger record. A zero Position and
// an absent one are the same thing.
type Position struct {
	SupplyShares        fpmath.Fixed `json:"supply_shares"`
	BorrowPrincipal     fpmath.Fixed `json:"borrow_principal"`
	BorrowIndexSnapshot fpmath.Fixed `json:"borrow_index_snapshot"`
	// CollateralDisabled is set when the account opted this pool out of its
	// borrowing power. New positions count as collateral.
	CollateralDisabled bool `json:"collateral_disabled"`
}

// IsZero reports whether the position holds neither shares nor debt.
func (p Position) IsZero() bool {
	return p.SupplyShares.IsZero() && p.BorrowPrincipal.IsZero()
}

// Debt is principal * currentIndex / snapshot, rounded up so the account never
// owes less than it borrowed.
func (p Position) Debt(currentIndex fpmath.Fixed) (fpmath.Fixed, error) {
	if p.BorrowPrincipal.IsZero() {
		return fpmath.Zero, nil
	}
	if p.BorrowIndexSnapshot.IsZero() || p.BorrowIndexSnapshot.Eq(currentIndex) {
		return p.BorrowPrincipal, nil
	}
	grown, err := p.BorrowPrincipal.Mul(currentIndex)
	if err != nil {
		return fpmath.Zero, err
	}
	return grown.DivRound(p.BorrowIndexSnapshot, fpmath.RoundUp)
}
