package state

import (
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/protocol"
)

// MntPool is the reward accumulator of one pool.
type MntPool struct {
	Asset           protocol.Asset `json:"asset"`
	Speed           fpmath.Fixed   `json:"speed"`
	Enabled         bool           `json:"enabled"`
	SupplyIndex     fpmath.Fixed   `json:"supply_index"`
	BorrowIndex     fpmath.Fixed   `json:"borrow_index"`
	LastUpdateBlock uint64         `json:"last_update_block"`
}

// MntAccount holds the index snapshots of one account in one pool.
type MntAccount struct {
	SupplyIndex fpmath.Fixed `json:"supply_index"`
	BorrowIndex fpmath.Fixed `json:"borrow_index"`
}

// MntReward is the per-account reward balance: Accrued is claimable, Claimed
// has been paid out.
type MntReward struct {
	Accrued fpmath.Fixed `json:"accrued"`
	Claimed fpmath.Fixed `json:"claimed"`
}

func (r MntReward) IsZero() bool {
	return r.Accrued.IsZero() && r.Claimed.IsZero()
}
