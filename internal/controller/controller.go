// Package controller gates user operations per asset and holds the borrow caps.
package controller

import (
	"fmt"

	"LendLedger/internal/event"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/protocol"
	"LendLedger/internal/state"
)

// Controller owns the ControllerParams records.
type Controller struct{}

func New() *Controller {
	return &Controller{}
}

// Params resolves the gate record of a pool asset. Derived and unknown assets
// fail with NotValidUnderlyingAssetId, underlyings without a pool with
// PoolNotFound.
func (c *Controller) Params(tx *state.Tx, asset protocol.Asset) (state.ControllerParams, error) {
	if err := protocol.RequireUnderlying(asset); err != nil {
		return state.ControllerParams{}, err
	}
	params, ok := tx.ControllerParams(asset)
	if !ok {
		return state.ControllerParams{}, fmt.Errorf("%w: %s", protocol.ErrPoolNotFound, asset)
	}
	return params, nil
}

// Check fails when op is paused for asset.
func (c *Controller) Check(tx *state.Tx, asset protocol.Asset, op state.Operation) error {
	params, err := c.Params(tx, asset)
	if err != nil {
		return err
	}
	if params.IsPaused(op) {
		return fmt.Errorf("%w: %s on %s", protocol.ErrOperationPaused, op, asset)
	}
	return nil
}

// CheckBorrowCap fails when totalBorrows would exceed a non-zero cap.
func (c *Controller) CheckBorrowCap(tx *state.Tx, asset protocol.Asset, totalBorrows fpmath.Fixed) error {
	params, err := c.Params(tx, asset)
	if err != nil {
		return err
	}
	if !params.BorrowCap.IsZero() && totalBorrows.Gt(params.BorrowCap) {
		return fmt.Errorf("%w: %s total borrows %s above cap %s",
			protocol.ErrBorrowCapReached, asset, totalBorrows, params.BorrowCap)
	}
	return nil
}

func (c *Controller) PauseOperation(tx *state.Tx, origin protocol.Origin, asset protocol.Asset, op state.Operation) ([]event.Event, error) {
	return c.setPaused(tx, origin, asset, op, true)
}

func (c *Controller) ResumeOperation(tx *state.Tx, origin protocol.Origin, asset protocol.Asset, op state.Operation) ([]event.Event, error) {
	return c.setPaused(tx, origin, asset, op, false)
}

func (c *Controller) setPaused(tx *state.Tx, origin protocol.Origin, asset protocol.Asset, op state.Operation, paused bool) ([]event.Event, error) {
	if err := protocol.RequireAdmin(origin); err != nil {
		return nil, err
	}
	if !op.Valid() {
		return nil, fmt.Errorf("%w: unknown operation %d", protocol.ErrNotValidParameter, op)
	}
	params, err := c.Params(tx, asset)
	if err != nil {
		return nil, err
	}
	tx.PutControllerParams(params.WithPaused(op, paused))

	if paused {
		return []event.Event{&event.OperationPaused{Asset: asset, Operation: op.String()}}, nil
	}
	return []event.Event{&event.OperationResumed{Asset: asset, Operation: op.String()}}, nil
}

// SetBorrowCap replaces the cap. Zero removes it.
func (c *Controller) SetBorrowCap(tx *state.Tx, origin protocol.Origin, asset protocol.Asset, cap fpmath.Fixed) ([]event.Event, error) {
	if err := protocol.RequireAdmin(origin); err != nil {
		return nil, err
	}
	params, err := c.Params(tx, asset)
	if err != nil {
		return nil, err
	}
	params.BorrowCap = cap
	tx.PutControllerParams(params)
	return []event.Event{&event.BorrowCapChanged{Asset: asset, Cap: cap}}, nil
}
