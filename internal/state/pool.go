package state

import (
	"LendLedger/internal/interest"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/protocol"
)

// Pool is the per-asset lending pool record.
type Pool struct {
	Asset               protocol.Asset `json:"asset"`
	UnderlyingBalance   fpmath.Fixed   `json:"underlying_balance"`
	TotalBorrows        fpmath.Fixed   `json:"total_borrows"`
	TotalReserves       fpmath.Fixed   `json:"total_reserves"`
	TotalShares         fpmath.Fixed   `json:"total_shares"`
	ExchangeRate        fpmath.Fixed   `json:"exchange_rate"`
	InitialExchangeRate fpmath.Fixed   `json:"initial_exchange_rate"`
	BorrowIndex         fpmath.Fixed   `json:"borrow_index"`
	LastAccrualBlock    uint64         `json:"last_accrual_block"`
}

// NewPool creates an empty pool accruing from block.
func NewPool(asset protocol.Asset, initialExchangeRate fpmath.Fixed, block uint64) Pool {
	return Pool{
		Asset:               asset,
		ExchangeRate:        initialExchangeRate,
		InitialExchangeRate: initialExchangeRate,
		BorrowIndex:         fpmath.One,
		LastAccrualBlock:    block,
	}
}

// AvailableLiquidity is cash not earmarked as reserves.
func (p Pool) AvailableLiquidity() fpmath.Fixed {
	return p.UnderlyingBalance.SaturatingSub(p.TotalReserves)
}

// RateModel binds an interest model to its pool asset.
type RateModel struct {
	Asset protocol.Asset `json:"asset"`
	Model interest.Model `json:"model"`
}
