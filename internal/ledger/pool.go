// Package ledger implements the lending pool and per-account accounting:
// interest accrual, the share exchange rate, and the deposit, redeem,
// borrow and repay operations.
package ledger

import (
	"fmt"

	"LendLedger/internal/controller"
	"LendLedger/internal/event"
	"LendLedger/internal/interest"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/protocol"
	"LendLedger/internal/state"
)

// SolvencyChecker vets an account after an operation that lowers its
// borrowing power.
type SolvencyChecker interface {
	RequireSolvent(tx *state.Tx, account protocol.AccountID) error
}

// Ledger owns Pool, RateModel and Position records.
type Ledger struct {
	controller *controller.Controller
	solvency   SolvencyChecker
}

func New(c *controller.Controller, solvency SolvencyChecker) *Ledger {
	return &Ledger{controller: c, solvency: solvency}
}

// Pool returns the pool record of asset, validating the asset first.
func (l *Ledger) Pool(tx *state.Tx, asset protocol.Asset) (state.Pool, error) {
	if _, err := l.controller.Params(tx, asset); err != nil {
		return state.Pool{}, err
	}
	pool, ok := tx.Pool(asset)
	if !ok {
		return state.Pool{}, fmt.Errorf("%w: %s", protocol.ErrPoolNotFound, asset)
	}
	return pool, nil
}

// NetAssets is what the shares are worth in underlying:
// underlying_balance + total_borrows - total_reserves.
func NetAssets(p state.Pool) (fpmath.Fixed, error) {
	gross, err := p.UnderlyingBalance.Add(p.TotalBorrows)
	if err != nil {
		return fpmath.Zero, err
	}
	return gross.SaturatingSub(p.TotalReserves), nil
}

// ExchangeRate is NetAssets / TotalShares, or the pool's initial rate while no
// shares are outstanding.
func ExchangeRate(p state.Pool) (fpmath.Fixed, error) {
	if p.TotalShares.IsZero() {
		return p.InitialExchangeRate, nil
	}
	net, err := NetAssets(p)
	if err != nil {
		return fpmath.Zero, err
	}
	if net.IsZero() {
		return p.InitialExchangeRate, nil
	}
	return net.Div(p.TotalShares)
}

// SharesForAmount converts underlying to shares at the live rate.
func SharesForAmount(p state.Pool, amount fpmath.Fixed, mode fpmath.RoundingMode) (fpmath.Fixed, error) {
	net, err := NetAssets(p)
	if err != nil {
		return fpmath.Zero, err
	}
	if p.TotalShares.IsZero() || net.IsZero() {
		return amount.DivRound(p.InitialExchangeRate, mode)
	}
	return fpmath.MulDiv(amount, p.TotalShares, net, mode)
}

// AmountForShares converts shares to underlying at the live rate.
func AmountForShares(p state.Pool, shares fpmath.Fixed, mode fpmath.RoundingMode) (fpmath.Fixed, error) {
	net, err := NetAssets(p)
	if err != nil {
		return fpmath.Zero, err
	}
	if p.TotalShares.IsZero() || net.IsZero() {
		return shares.MulRound(p.InitialExchangeRate, mode)
	}
	return fpmath.MulDiv(shares, net, p.TotalShares, mode)
}

// Utilization of a pool as seen by its rate model.
func Utilization(p state.Pool) (fpmath.Fixed, error) {
	return interest.Utilization(p.UnderlyingBalance, p.TotalBorrows)
}

func arithmetic(op string, asset protocol.Asset, err error) error {
	return fmt.Errorf("%w: %s %s: %w", protocol.ErrArithmetic, op, asset, err)
}

func (l *Ledger) rateModel(tx *state.Tx, asset protocol.Asset) (interest.Model, error) {
	m, ok := tx.RateModel(asset)
	if !ok {
		return interest.Model{}, fmt.Errorf("%w: no rate model for %s", protocol.ErrPoolNotFound, asset)
	}
	return m, nil
}

// Accrue brings asset's pool up to the transaction block. It is a no-op when
// the pool already accrued in this block. Any overflow aborts the whole
// operation.
func (l *Ledger) Accrue(tx *state.Tx, asset protocol.Asset) ([]event.Event, error) {
	pool, err := l.Pool(tx, asset)
	if err != nil {
		return nil, err
	}
	block := tx.Block()
	if block <= pool.LastAccrualBlock {
		return nil, nil
	}
	delta := block - pool.LastAccrualBlock

	model, err := l.rateModel(tx, asset)
	if err != nil {
		return nil, err
	}
	u, err := Utilization(pool)
	if err != nil {
		return nil, arithmetic("utilization", asset, err)
	}
	borrowRate, err := model.BorrowRate(u)
	if err != nil {
		return nil, arithmetic("borrow rate", asset, err)
	}

	perBlock, err := pool.TotalBorrows.Mul(borrowRate)
	if err != nil {
		return nil, arithmetic("interest", asset, err)
	}
	accumulated, err := perBlock.MulInt(delta)
	if err != nil {
		return nil, arithmetic("interest", asset, err)
	}
	reserves, err := fpmath.MulAdd(pool.TotalReserves, accumulated, model.ReserveFactor)
	if err != nil {
		return nil, arithmetic("reserves", asset, err)
	}
	borrows, err := pool.TotalBorrows.Add(accumulated)
	if err != nil {
		return nil, arithmetic("total borrows", asset, err)
	}

	growth, err := fpmath.One.Add(borrowRate)
	if err != nil {
		return nil, arithmetic("borrow index", asset, err)
	}
	factor, err := fpmath.Pow(growth, delta)
	if err != nil {
		return nil, arithmetic("borrow index", asset, err)
	}
	index, err := pool.BorrowIndex.Mul(factor)
	if err != nil {
		return nil, arithmetic("borrow index", asset, err)
	}

	pool.TotalBorrows = borrows
	pool.TotalReserves = reserves
	pool.BorrowIndex = index
	pool.LastAccrualBlock = block
	if pool.ExchangeRate, err = ExchangeRate(pool); err != nil {
		return nil, arithmetic("exchange rate", asset, err)
	}
	tx.PutPool(pool)

	return []event.Event{&event.InterestAccrued{
		Asset:         asset,
		Blocks:        delta,
		Interest:      accumulated,
		TotalBorrows:  pool.TotalBorrows,
		TotalReserves: pool.TotalReserves,
		BorrowIndex:   pool.BorrowIndex,
		ExchangeRate:  pool.ExchangeRate,
		BorrowRate:    borrowRate,
	}}, nil
}

// SetRateParam accrues under the old model and then stores the new value, so
// the change only affects blocks after this one.
func (l *Ledger) SetRateParam(tx *state.Tx, origin protocol.Origin, asset protocol.Asset, param interest.Param, value fpmath.Fixed) ([]event.Event, error) {
	if err := protocol.RequireAdmin(origin); err != nil {
		return nil, err
	}
	events, err := l.Accrue(tx, asset)
	if err != nil {
		return nil, err
	}
	model, err := l.rateModel(tx, asset)
	if err != nil {
		return nil, err
	}
	updated, err := model.With(param, value)
	if err != nil {
		return nil, err
	}
	tx.PutRateModel(asset, updated)
	return append(events, &event.RateModelChanged{Asset: asset, Param: param.String(), Value: value}), nil
}
