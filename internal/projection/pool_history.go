package projection

import (
	"fmt"
	"sort"

	"LendLedger/internal/interest"
	"LendLedger/internal/ledger"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/protocol"
	"LendLedger/internal/state"
)

// PoolHistoryRow is one point of a pool's time series.
type PoolHistoryRow struct {
	Asset             protocol.Asset
	Sequence          int64
	Block             uint64
	UnderlyingBalance fpmath.Fixed
	TotalBorrows      fpmath.Fixed
	TotalReserves     fpmath.Fixed
	TotalShares       fpmath.Fixed
	ExchangeRate      fpmath.Fixed
	BorrowIndex       fpmath.Fixed
	Utilization       fpmath.Fixed
	BorrowRate        fpmath.Fixed
	SupplyRate        fpmath.Fixed
}

// PoolHistoryProjection turns commit deltas into pool history rows. It
// keeps the latest rate model per asset since a delta only carries the
// models it changed.
type PoolHistoryProjection struct {
	models map[protocol.Asset]interest.Model
}

func NewPoolHistoryProjection(models []state.RateModel) *PoolHistoryProjection {
	p := &PoolHistoryProjection{models: make(map[protocol.Asset]interest.Model, len(models))}
	for _, m := range models {
		p.models[m.Asset] = m.Model
	}
	return p
}

// Apply returns one row per pool touched by delta, ordered by asset.
func (p *PoolHistoryProjection) Apply(sequence int64, delta state.Delta) ([]PoolHistoryRow, error) {
	for _, m := range delta.RateModels {
		p.models[m.Asset] = m.Model
	}

	rows := make([]PoolHistoryRow, 0, len(delta.Pools))
	for _, pool := range delta.Pools {
		row := PoolHistoryRow{
			Asset:             pool.Asset,
			Sequence:          sequence,
			Block:             delta.Block,
			UnderlyingBalance: pool.UnderlyingBalance,
			TotalBorrows:      pool.TotalBorrows,
			TotalReserves:     pool.TotalReserves,
			TotalShares:       pool.TotalShares,
			ExchangeRate:      pool.ExchangeRate,
			BorrowIndex:       pool.BorrowIndex,
		}

		u, err := ledger.Utilization(pool)
		if err != nil {
			return nil, fmt.Errorf("utilization %s: %w", pool.Asset, err)
		}
		row.Utilization = u

		if model, ok := p.models[pool.Asset]; ok {
			row.BorrowRate, row.SupplyRate, err = model.Rates(u)
			if err != nil {
				return nil, fmt.Errorf("rates %s: %w", pool.Asset, err)
			}
		}
		rows = append(rows, row)
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].Asset < rows[j].Asset })
	return rows, nil
}
