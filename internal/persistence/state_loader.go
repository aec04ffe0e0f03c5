package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"LendLedger/internal/protocol"
	"LendLedger/internal/state"
)

// Meta is the stored chain tip.
type Meta struct {
	Sequence  int64
	Block     uint64
	StateHash [32]byte
}

// StateLoader reads the lending schema back into a state.Delta.
type StateLoader struct {
	db *sql.DB
}

func NewStateLoader(db *sql.DB) *StateLoader {
	return &StateLoader{db: db}
}

// LoadMeta returns the stored chain tip, or false when nothing was
// persisted yet.
func (l *StateLoader) LoadMeta(ctx context.Context) (Meta, bool, error) {
	var (
		m     Meta
		block int64
		hash  []byte
	)
	err := l.db.QueryRowContext(ctx,
		`SELECT sequence, block, state_hash FROM lending.protocol_meta WHERE id = 1`,
	).Scan(&m.Sequence, &block, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return Meta{}, false, nil
	}
	if err != nil {
		return Meta{}, false, fmt.Errorf("load meta: %w", err)
	}
	if len(hash) != len(m.StateHash) {
		return Meta{}, false, fmt.Errorf("load meta: state hash has %d bytes", len(hash))
	}
	m.Block = uint64(block)
	copy(m.StateHash[:], hash)
	return m, true, nil
}

// LoadState reads every state record. The result can be applied to an
// empty state.State.
func (l *StateLoader) LoadState(ctx context.Context) (state.Delta, error) {
	var d state.Delta
	meta, ok, err := l.LoadMeta(ctx)
	if err != nil {
		return d, err
	}
	if ok {
		d.Block = meta.Block
	}

	steps := []struct {
		name string
		load func(context.Context, *state.Delta) error
	}{
		{"pools", l.loadPools},
		{"rate_models", l.loadRateModels},
		{"risk_params", l.loadRiskParams},
		{"controller_params", l.loadController},
		{"liquidation_pools", l.loadLiquidationPools},
		{"mnt_pools", l.loadMntPools},
		{"positions", l.loadPositions},
		{"mnt_accounts", l.loadMntAccounts},
		{"mnt_rewards", l.loadMntRewards},
	}
	for _, s := range steps {
		if err := s.load(ctx, &d); err != nil {
			return d, fmt.Errorf("load %s: %w", s.name, err)
		}
	}
	return d, nil
}

func (l *StateLoader) loadPools(ctx context.Context, d *state.Delta) error {
	rows, err := l.db.QueryContext(ctx, `
		SELECT asset, underlying_balance, total_borrows, total_reserves, total_shares,
		       exchange_rate, initial_exchange_rate, borrow_index, last_accrual_block
		FROM lending.pools ORDER BY asset`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			p           state.Pool
			asset       int16
			lastAccrual int64
		)
		if err := rows.Scan(&asset,
			numeric{&p.UnderlyingBalance}, numeric{&p.TotalBorrows}, numeric{&p.TotalReserves},
			numeric{&p.TotalShares}, numeric{&p.ExchangeRate}, numeric{&p.InitialExchangeRate},
			numeric{&p.BorrowIndex}, &lastAccrual,
		); err != nil {
			return fmt.Errorf("pool %d: %w", asset, err)
		}
		p.Asset = protocol.Asset(asset)
		p.LastAccrualBlock = uint64(lastAccrual)
		d.Pools = append(d.Pools, p)
	}
	return rows.Err()
}

func (l *StateLoader) loadRateModels(ctx context.Context, d *state.Delta) error {
	rows, err := l.db.QueryContext(ctx, `
		SELECT asset, base_rate, multiplier, jump_multiplier, kink, reserve_factor
		FROM lending.rate_models ORDER BY asset`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			m     state.RateModel
			asset int16
		)
		if err := rows.Scan(&asset,
			numeric{&m.Model.BaseRate}, numeric{&m.Model.Multiplier}, numeric{&m.Model.JumpMultiplier},
			numeric{&m.Model.Kink}, numeric{&m.Model.ReserveFactor},
		); err != nil {
			return fmt.Errorf("rate model %d: %w", asset, err)
		}
		m.Asset = protocol.Asset(asset)
		d.RateModels = append(d.RateModels, m)
	}
	return rows.Err()
}

func (l *StateLoader) loadRiskParams(ctx context.Context, d *state.Delta) error {
	rows, err := l.db.QueryContext(ctx, `
		SELECT asset, collateral_factor, liquidation_threshold, liquidation_fee,
		       max_liquidation_attempts, min_partial_liquidation_sum
		FROM lending.risk_params ORDER BY asset`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			r               state.RiskParams
			asset, attempts int16
		)
		if err := rows.Scan(&asset,
			numeric{&r.CollateralFactor}, numeric{&r.LiquidationThreshold}, numeric{&r.LiquidationFee},
			&attempts, numeric{&r.MinPartialLiquidationSum},
		); err != nil {
			return fmt.Errorf("risk params %d: %w", asset, err)
		}
		r.Asset = protocol.Asset(asset)
		r.MaxLiquidationAttempts = uint8(attempts)
		d.RiskParams = append(d.RiskParams, r)
	}
	return rows.Err()
}

func (l *StateLoader) loadController(ctx context.Context, d *state.Delta) error {
	rows, err := l.db.QueryContext(ctx,
		`SELECT asset, paused_ops, borrow_cap FROM lending.controller_params ORDER BY asset`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			c             state.ControllerParams
			asset, paused int16
		)
		if err := rows.Scan(&asset, &paused, numeric{&c.BorrowCap}); err != nil {
			return fmt.Errorf("controller %d: %w", asset, err)
		}
		c.Asset = protocol.Asset(asset)
		c.PausedOps = uint8(paused)
		d.Controller = append(d.Controller, c)
	}
	return rows.Err()
}

func (l *StateLoader) loadLiquidationPools(ctx context.Context, d *state.Delta) error {
	rows, err := l.db.QueryContext(ctx, `
		SELECT asset, balance, balance_ratio, deviation_threshold, balancing_period, last_balanced_block
		FROM lending.liquidation_pools ORDER BY asset`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			lp                   state.LiquidationPool
			asset                int16
			period, lastBalanced int64
		)
		if err := rows.Scan(&asset,
			numeric{&lp.Balance}, numeric{&lp.BalanceRatio}, numeric{&lp.DeviationThreshold},
			&period, &lastBalanced,
		); err != nil {
			return fmt.Errorf("liquidation pool %d: %w", asset, err)
		}
		lp.Asset = protocol.Asset(asset)
		lp.BalancingPeriod = uint64(period)
		lp.LastBalancedBlock = uint64(lastBalanced)
		d.LiquidationPools = append(d.LiquidationPools, lp)
	}
	return rows.Err()
}

func (l *StateLoader) loadMntPools(ctx context.Context, d *state.Delta) error {
	rows, err := l.db.QueryContext(ctx, `
		SELECT asset, speed, enabled, supply_index, borrow_index, last_update_block
		FROM lending.mnt_pools ORDER BY asset`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			m          state.MntPool
			asset      int16
			lastUpdate int64
		)
		if err := rows.Scan(&asset,
			numeric{&m.Speed}, &m.Enabled, numeric{&m.SupplyIndex}, numeric{&m.BorrowIndex}, &lastUpdate,
		); err != nil {
			return fmt.Errorf("mnt pool %d: %w", asset, err)
		}
		m.Asset = protocol.Asset(asset)
		m.LastUpdateBlock = uint64(lastUpdate)
		d.MntPools = append(d.MntPools, m)
	}
	return rows.Err()
}

func (l *StateLoader) loadPositions(ctx context.Context, d *state.Delta) error {
	rows, err := l.db.QueryContext(ctx, `
		SELECT account, asset, supply_shares, borrow_principal, borrow_index_snapshot, collateral_disabled
		FROM lending.positions ORDER BY account, asset`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			r     state.PositionRecord
			asset int16
		)
		if err := rows.Scan(&r.Account, &asset,
			numeric{&r.SupplyShares}, numeric{&r.BorrowPrincipal}, numeric{&r.BorrowIndexSnapshot},
			&r.CollateralDisabled,
		); err != nil {
			return fmt.Errorf("position: %w", err)
		}
		r.Asset = protocol.Asset(asset)
		d.Positions = append(d.Positions, r)
	}
	return rows.Err()
}

func (l *StateLoader) loadMntAccounts(ctx context.Context, d *state.Delta) error {
	rows, err := l.db.QueryContext(ctx, `
		SELECT account, asset, supply_index, borrow_index
		FROM lending.mnt_accounts ORDER BY account, asset`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			r     state.MntAccountRecord
			asset int16
		)
		if err := rows.Scan(&r.Account, &asset, numeric{&r.SupplyIndex}, numeric{&r.BorrowIndex}); err != nil {
			return fmt.Errorf("mnt account: %w", err)
		}
		r.Asset = protocol.Asset(asset)
		d.MntAccounts = append(d.MntAccounts, r)
	}
	return rows.Err()
}

func (l *StateLoader) loadMntRewards(ctx context.Context, d *state.Delta) error {
	rows, err := l.db.QueryContext(ctx,
		`SELECT account, accrued, claimed FROM lending.mnt_rewards ORDER BY account`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var r state.MntRewardRecord
		if err := rows.Scan(&r.Account, numeric{&r.Accrued}, numeric{&r.Claimed}); err != nil {
			return fmt.Errorf("mnt reward: %w", err)
		}
		d.MntRewards = append(d.MntRewards, r)
	}
	return rows.Err()
}
