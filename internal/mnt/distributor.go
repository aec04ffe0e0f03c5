// Package mnt distributes the MNT reward token to suppliers and borrowers
// with per-pool reward index accumulators.
package mnt

import (
	"fmt"

	"LendLedger/internal/event"
	"LendLedger/internal/ledger"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/protocol"
	"LendLedger/internal/state"
)

// Distributor owns MntPool, MntAccount and MntReward records.
type Distributor struct {
	ledger *ledger.Ledger
}

func New(l *ledger.Ledger) *Distributor {
	return &Distributor{ledger: l}
}

func (d *Distributor) pool(tx *state.Tx, asset protocol.Asset) (state.MntPool, error) {
	if err := protocol.RequireUnderlying(asset); err != nil {
		return state.MntPool{}, err
	}
	mp, ok := tx.MntPool(asset)
	if !ok {
		return state.MntPool{}, fmt.Errorf("%w: no MNT pool for %s", protocol.ErrPoolNotFound, asset)
	}
	return mp, nil
}

func arithmetic(op string, asset protocol.Asset, err error) error {
	return fmt.Errorf("%w: mnt %s %s: %w", protocol.ErrArithmetic, op, asset, err)
}

// flush accrues the lending pool and then brings the reward indexes up to
// the transaction block. Supply index grows by speed*blocks/total_shares,
// borrow index by speed*blocks/total_borrows; an empty side does not grow.
func (d *Distributor) flush(tx *state.Tx, asset protocol.Asset) (state.MntPool, []event.Event, error) {
	mp, err := d.pool(tx, asset)
	if err != nil {
		return state.MntPool{}, nil, err
	}
	events, err := d.ledger.Accrue(tx, asset)
	if err != nil {
		return state.MntPool{}, nil, err
	}
	block := tx.Block()
	if block <= mp.LastUpdateBlock {
		return mp, events, nil
	}

	if mp.Enabled && !mp.Speed.IsZero() {
		pool, err := d.ledger.Pool(tx, asset)
		if err != nil {
			return state.MntPool{}, nil, err
		}
		emitted, err := mp.Speed.MulInt(block - mp.LastUpdateBlock)
		if err != nil {
			return state.MntPool{}, nil, arithmetic("emission", asset, err)
		}
		if !pool.TotalShares.IsZero() {
			step, err := emitted.Div(pool.TotalShares)
			if err != nil {
				return state.MntPool{}, nil, arithmetic("supply index", asset, err)
			}
			if mp.SupplyIndex, err = mp.SupplyIndex.Add(step); err != nil {
				return state.MntPool{}, nil, arithmetic("supply index", asset, err)
			}
		}
		if !pool.TotalBorrows.IsZero() {
			step, err := emitted.Div(pool.TotalBorrows)
			if err != nil {
				return state.MntPool{}, nil, arithmetic("borrow index", asset, err)
			}
			if mp.BorrowIndex, err = mp.BorrowIndex.Add(step); err != nil {
				return state.MntPool{}, nil, arithmetic("borrow index", asset, err)
			}
		}
	}
	mp.LastUpdateBlock = block
	tx.PutMntPool(mp)
	return mp, events, nil
}

// Touch settles the account's reward in asset up to the current block and
// advances its snapshots. It must run before any change to the account's
// shares or debt in that pool.
func (d *Distributor) Touch(tx *state.Tx, account protocol.AccountID, asset protocol.Asset) ([]event.Event, error) {
	mp, events, err := d.flush(tx, asset)
	if err != nil {
		return nil, err
	}
	pool, err := d.ledger.Pool(tx, asset)
	if err != nil {
		return nil, err
	}
	pos := tx.Position(account, asset)
	snap := tx.MntAccount(account, asset)

	earned := fpmath.Zero
	if !pos.SupplyShares.IsZero() {
		delta, err := mp.SupplyIndex.Sub(snap.SupplyIndex)
		if err != nil {
			return nil, arithmetic("supply snapshot", asset, err)
		}
		if earned, err = fpmath.MulAdd(earned, delta, pos.SupplyShares); err != nil {
			return nil, arithmetic("supply reward", asset, err)
		}
	}
	if !pos.BorrowPrincipal.IsZero() {
		debt, err := pos.Debt(pool.BorrowIndex)
		if err != nil {
			return nil, arithmetic("debt", asset, err)
		}
		delta, err := mp.BorrowIndex.Sub(snap.BorrowIndex)
		if err != nil {
			return nil, arithmetic("borrow snapshot", asset, err)
		}
		if earned, err = fpmath.MulAdd(earned, delta, debt); err != nil {
			return nil, arithmetic("borrow reward", asset, err)
		}
	}

	if !earned.IsZero() {
		reward := tx.MntReward(account)
		if reward.Accrued, err = reward.Accrued.Add(earned); err != nil {
			return nil, arithmetic("accrued", asset, err)
		}
		tx.PutMntReward(account, reward)
	}
	if !snap.SupplyIndex.Eq(mp.SupplyIndex) || !snap.BorrowIndex.Eq(mp.BorrowIndex) {
		tx.PutMntAccount(account, asset, state.MntAccount{SupplyIndex: mp.SupplyIndex, BorrowIndex: mp.BorrowIndex})
	}
	return events, nil
}

// TouchAll touches every pool the account has a position in.
func (d *Distributor) TouchAll(tx *state.Tx, account protocol.AccountID) ([]event.Event, error) {
	var events []event.Event
	for _, asset := range tx.AccountAssets(account) {
		evts, err := d.Touch(tx, account, asset)
		if err != nil {
			return nil, err
		}
		events = append(events, evts...)
	}
	return events, nil
}

// Claim settles the listed pools, or every pool the account is in when
// assets is empty, and pays out the whole accrued balance.
func (d *Distributor) Claim(tx *state.Tx, account protocol.AccountID, assets []protocol.Asset) ([]event.Event, error) {
	var events []event.Event
	if len(assets) == 0 {
		evts, err := d.TouchAll(tx, account)
		if err != nil {
			return nil, err
		}
		events = evts
	}
	for _, asset := range assets {
		evts, err := d.Touch(tx, account, asset)
		if err != nil {
			return nil, err
		}
		events = append(events, evts...)
	}

	reward := tx.MntReward(account)
	if reward.Accrued.IsZero() {
		return nil, fmt.Errorf("%w: no MNT to claim", protocol.ErrZeroAmount)
	}
	amount := reward.Accrued
	claimed, err := reward.Claimed.Add(amount)
	if err != nil {
		return nil, arithmetic("claim", protocol.MNT, err)
	}
	tx.PutMntReward(account, state.MntReward{Claimed: claimed})
	return append(events, &event.MntClaimed{Account: account, Amount: amount}), nil
}

// Claimable is what Claim would pay out now, computed in a discarded nested
// transaction.
func (d *Distributor) Claimable(tx *state.Tx, account protocol.AccountID) (fpmath.Fixed, error) {
	view := tx.Begin()
	if _, err := d.TouchAll(view, account); err != nil {
		return fpmath.Zero, err
	}
	return view.MntReward(account).Accrued, nil
}

// EnableMinting starts emission in asset at speed MNT per block.
func (d *Distributor) EnableMinting(tx *state.Tx, origin protocol.Origin, asset protocol.Asset, speed fpmath.Fixed) ([]event.Event, error) {
	if err := protocol.RequireAdmin(origin); err != nil {
		return nil, err
	}
	mp, err := d.pool(tx, asset)
	if err != nil {
		return nil, err
	}
	if mp.Enabled {
		return nil, fmt.Errorf("%w: %s", protocol.ErrMntMintingEnabled, asset)
	}
	if speed.IsZero() {
		return nil, fmt.Errorf("%w: speed must be positive", protocol.ErrNotValidParameter)
	}
	mp, events, err := d.flush(tx, asset)
	if err != nil {
		return nil, err
	}
	mp.Enabled = true
	mp.Speed = speed
	tx.PutMntPool(mp)
	return append(events, &event.MntMintingChanged{Asset: asset, Enabled: true, Speed: speed}), nil
}

func (d *Distributor) DisableMinting(tx *state.Tx, origin protocol.Origin, asset protocol.Asset) ([]event.Event, error) {
	if err := protocol.RequireAdmin(origin); err != nil {
		return nil, err
	}
	mp, err := d.pool(tx, asset)
	if err != nil {
		return nil, err
	}
	if !mp.Enabled {
		return nil, fmt.Errorf("%w: %s", protocol.ErrMntMintingDisabled, asset)
	}
	mp, events, err := d.flush(tx, asset)
	if err != nil {
		return nil, err
	}
	mp.Enabled = false
	mp.Speed = fpmath.Zero
	tx.PutMntPool(mp)
	return append(events, &event.MntMintingChanged{Asset: asset, Enabled: false, Speed: fpmath.Zero}), nil
}

// UpdateSpeed changes the emission rate from the current block on.
func (d *Distributor) UpdateSpeed(tx *state.Tx, origin protocol.Origin, asset protocol.Asset, speed fpmath.Fixed) ([]event.Event, error) {
	if err := protocol.RequireAdmin(origin); err != nil {
		return nil, err
	}
	mp, err := d.pool(tx, asset)
	if err != nil {
		return nil, err
	}
	if !mp.Enabled {
		return nil, fmt.Errorf("%w: %s", protocol.ErrMntMintingDisabled, asset)
	}
	if speed.IsZero() {
		return nil, fmt.Errorf("%w: speed must be positive, disable minting instead", protocol.ErrNotValidParameter)
	}
	mp, events, err := d.flush(tx, asset)
	if err != nil {
		return nil, err
	}
	mp.Speed = speed
	tx.PutMntPool(mp)
	return append(events, &event.MntSpeedChanged{Asset: asset, Speed: speed}), nil
}
