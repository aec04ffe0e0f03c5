package ledger

import (
	"fmt"

	"LendLedger/internal/event"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/protocol"
	"LendLedger/internal/state"
)

// prepare runs the gate check and accrual shared by every user operation.
func (l *Ledger) prepare(tx *state.Tx, asset protocol.Asset, op state.Operation) (state.Pool, []event.Event, error) {
	if err := l.controller.Check(tx, asset, op); err != nil {
		return state.Pool{}, nil, err
	}
	events, err := l.Accrue(tx, asset)
	if err != nil {
		return state.Pool{}, nil, err
	}
	pool, err := l.Pool(tx, asset)
	if err != nil {
		return state.Pool{}, nil, err
	}
	return pool, events, nil
}

func (l *Ledger) storePool(tx *state.Tx, pool state.Pool) error {
	rate, err := ExchangeRate(pool)
	if err != nil {
		return arithmetic("exchange rate", pool.Asset, err)
	}
	pool.ExchangeRate = rate
	tx.PutPool(pool)
	return nil
}

// Deposit supplies amount of underlying and mints shares rounded down.
func (l *Ledger) Deposit(tx *state.Tx, account protocol.AccountID, asset protocol.Asset, amount fpmath.Fixed) ([]event.Event, error) {
	if amount.IsZero() {
		return nil, protocol.ErrZeroAmount
	}
	pool, events, err := l.prepare(tx, asset, state.OperationDeposit)
	if err != nil {
		return nil, err
	}

	shares, err := SharesForAmount(pool, amount, fpmath.RoundDown)
	if err != nil {
		return nil, arithmetic("mint", asset, err)
	}
	if shares.IsZero() {
		return nil, fmt.Errorf("%w: %s of %s mints no shares", protocol.ErrZeroAmount, amount, asset)
	}

	pos := tx.Position(account, asset)
	if pos.SupplyShares, err = pos.SupplyShares.Add(shares); err != nil {
		return nil, arithmetic("mint", asset, err)
	}
	if pool.UnderlyingBalance, err = pool.UnderlyingBalance.Add(amount); err != nil {
		return nil, arithmetic("mint", asset, err)
	}
	if pool.TotalShares, err = pool.TotalShares.Add(shares); err != nil {
		return nil, arithmetic("mint", asset, err)
	}
	if err := l.storePool(tx, pool); err != nil {
		return nil, err
	}
	tx.PutPosition(account, asset, pos)

	return append(events, &event.Deposited{Account: account, Asset: asset, Amount: amount, Shares: shares}), nil
}

// Withdraw redeems exactly amount of underlying, burning shares rounded up.
func (l *Ledger) Withdraw(tx *state.Tx, account protocol.AccountID, asset protocol.Asset, amount fpmath.Fixed) ([]event.Event, error) {
	if amount.IsZero() {
		return nil, protocol.ErrZeroAmount
	}
	pool, events, err := l.prepare(tx, asset, state.OperationRedeem)
	if err != nil {
		return nil, err
	}
	shares, err := SharesForAmount(pool, amount, fpmath.RoundUp)
	if err != nil {
		return nil, arithmetic("redeem", asset, err)
	}
	return l.redeem(tx, account, pool, shares, amount, events)
}

// RedeemShares burns exactly shares, paying out rounded down.
func (l *Ledger) RedeemShares(tx *state.Tx, account protocol.AccountID, asset protocol.Asset, shares fpmath.Fixed) ([]event.Event, error) {
	if shares.IsZero() {
		return nil, protocol.ErrZeroAmount
	}
	pool, events, err := l.prepare(tx, asset, state.OperationRedeem)
	if err != nil {
		return nil, err
	}
	amount, err := AmountForShares(pool, shares, fpmath.RoundDown)
	if err != nil {
		return nil, arithmetic("redeem", asset, err)
	}
	return l.redeem(tx, account, pool, shares, amount, events)
}

// RedeemAll burns every share the account holds in asset.
func (l *Ledger) RedeemAll(tx *state.Tx, account protocol.AccountID, asset protocol.Asset) ([]event.Event, error) {
	shares := tx.Position(account, asset).SupplyShares
	if shares.IsZero() {
		if _, err := l.controller.Params(tx, asset); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: no %s supplied", protocol.ErrNotEnoughBalance, asset)
	}
	return l.RedeemShares(tx, account, asset, shares)
}

func (l *Ledger) redeem(tx *state.Tx, account protocol.AccountID, pool state.Pool, shares, amount fpmath.Fixed, events []event.Event) ([]event.Event, error) {
	asset := pool.Asset
	pos := tx.Position(account, asset)
	if shares.Gt(pos.SupplyShares) {
		return nil, fmt.Errorf("%w: redeem %s of %s needs %s shares, account holds %s",
			protocol.ErrNotEnoughBalance, amount, asset, shares, pos.SupplyShares)
	}
	if amount.Gt(pool.AvailableLiquidity()) {
		return nil, fmt.Errorf("%w: redeem %s of %s exceeds pool liquidity %s",
			protocol.ErrNotEnoughBalance, amount, asset, pool.AvailableLiquidity())
	}

	var err error
	if pos.SupplyShares, err = pos.SupplyShares.Sub(shares); err != nil {
		return nil, arithmetic("redeem", asset, err)
	}
	if pool.TotalShares, err = pool.TotalShares.Sub(shares); err != nil {
		return nil, arithmetic("redeem", asset, err)
	}
	if pool.UnderlyingBalance, err = pool.UnderlyingBalance.Sub(amount); err != nil {
		return nil, arithmetic("redeem", asset, err)
	}
	if err := l.storePool(tx, pool); err != nil {
		return nil, err
	}
	tx.PutPosition(account, asset, pos)

	if !pos.CollateralDisabled {
		if err := l.solvency.RequireSolvent(tx, account); err != nil {
			return nil, err
		}
	}
	return append(events, &event.Redeemed{Account: account, Asset: asset, Amount: amount, Shares: shares}), nil
}

// Borrow lends amount out of the pool. The account must stay solvent at
// collateral-factor weighting afterwards.
func (l *Ledger) Borrow(tx *state.Tx, account protocol.AccountID, asset protocol.Asset, amount fpmath.Fixed) ([]event.Event, error) {
	if amount.IsZero() {
		return nil, protocol.ErrZeroAmount
	}
	pool, events, err := l.prepare(tx, asset, state.OperationBorrow)
	if err != nil {
		return nil, err
	}
	if amount.Gt(pool.AvailableLiquidity()) {
		return nil, fmt.Errorf("%w: borrow %s of %s, available %s",
			protocol.ErrNotEnoughLiquidity, amount, asset, pool.AvailableLiquidity())
	}

	borrows, err := pool.TotalBorrows.Add(amount)
	if err != nil {
		return nil, arithmetic("borrow", asset, err)
	}
	if err := l.controller.CheckBorrowCap(tx, asset, borrows); err != nil {
		return nil, err
	}

	pos := tx.Position(account, asset)
	debt, err := pos.Debt(pool.BorrowIndex)
	if err != nil {
		return nil, arithmetic("debt", asset, err)
	}
	if debt, err = debt.Add(amount); err != nil {
		return nil, arithmetic("borrow", asset, err)
	}
	pos.BorrowPrincipal = debt
	pos.BorrowIndexSnapshot = pool.BorrowIndex

	pool.TotalBorrows = borrows
	if pool.UnderlyingBalance, err = pool.UnderlyingBalance.Sub(amount); err != nil {
		return nil, arithmetic("borrow", asset, err)
	}
	if err := l.storePool(tx, pool); err != nil {
		return nil, err
	}
	tx.PutPosition(account, asset, pos)

	if err := l.solvency.RequireSolvent(tx, account); err != nil {
		return nil, err
	}
	return append(events, &event.Borrowed{Account: account, Asset: asset, Amount: amount, Debt: debt}), nil
}

// Repay reduces borrower's debt by amount, paid by payer. Paying more than the
// current debt fails with RepayAmountTooBig.
func (l *Ledger) Repay(tx *state.Tx, payer, borrower protocol.AccountID, asset protocol.Asset, amount fpmath.Fixed) ([]event.Event, error) {
	if amount.IsZero() {
		return nil, protocol.ErrZeroAmount
	}
	pool, events, err := l.prepare(tx, asset, state.OperationRepay)
	if err != nil {
		return nil, err
	}
	evts, err := l.settleDebt(tx, payer, borrower, pool, amount)
	if err != nil {
		return nil, err
	}
	return append(events, evts...), nil
}

// RepayAll repays borrower's entire debt in asset as of this block.
func (l *Ledger) RepayAll(tx *state.Tx, payer, borrower protocol.AccountID, asset protocol.Asset) ([]event.Event, error) {
	pool, events, err := l.prepare(tx, asset, state.OperationRepay)
	if err != nil {
		return nil, err
	}
	debt, err := tx.Position(borrower, asset).Debt(pool.BorrowIndex)
	if err != nil {
		return nil, arithmetic("debt", asset, err)
	}
	if debt.IsZero() {
		return nil, fmt.Errorf("%w: no %s debt", protocol.ErrZeroAmount, asset)
	}
	evts, err := l.settleDebt(tx, payer, borrower, pool, debt)
	if err != nil {
		return nil, err
	}
	return append(events, evts...), nil
}

// RepayFromReserve settles debt during liquidation. The pause flag does not
// apply and the pool must already be accrued.
func (l *Ledger) RepayFromReserve(tx *state.Tx, borrower protocol.AccountID, asset protocol.Asset, amount fpmath.Fixed) ([]event.Event, error) {
	pool, err := l.Pool(tx, asset)
	if err != nil {
		return nil, err
	}
	return l.settleDebt(tx, protocol.AccountID{}, borrower, pool, amount)
}

func (l *Ledger) settleDebt(tx *state.Tx, payer, borrower protocol.AccountID, pool state.Pool, amount fpmath.Fixed) ([]event.Event, error) {
	asset := pool.Asset
	pos := tx.Position(borrower, asset)
	debt, err := pos.Debt(pool.BorrowIndex)
	if err != nil {
		return nil, arithmetic("debt", asset, err)
	}
	if amount.Gt(debt) {
		return nil, fmt.Errorf("%w: repay %s of %s, debt is %s", protocol.ErrRepayAmountTooBig, amount, asset, debt)
	}

	remaining, err := debt.Sub(amount)
	if err != nil {
		return nil, arithmetic("repay", asset, err)
	}
	pos.BorrowPrincipal = remaining
	pos.BorrowIndexSnapshot = pool.BorrowIndex
	if remaining.IsZero() {
		pos.BorrowIndexSnapshot = fpmath.Zero
	}

	pool.TotalBorrows = pool.TotalBorrows.SaturatingSub(amount)
	if pool.UnderlyingBalance, err = pool.UnderlyingBalance.Add(amount); err != nil {
		return nil, arithmetic("repay", asset, err)
	}
	if err := l.storePool(tx, pool); err != nil {
		return nil, err
	}
	tx.PutPosition(borrower, asset, pos)

	return []event.Event{&event.Repaid{
		Payer:    payer,
		Borrower: borrower,
		Asset:    asset,
		Amount:   amount,
		Debt:     remaining,
	}}, nil
}

// SetCollateral opts the account's supply in asset in or out of its
// borrowing power. Opting out must leave the account solvent.
func (l *Ledger) SetCollateral(tx *state.Tx, account protocol.AccountID, asset protocol.Asset, enabled bool) ([]event.Event, error) {
	if _, err := l.Pool(tx, asset); err != nil {
		return nil, err
	}
	pos := tx.Position(account, asset)
	if pos.SupplyShares.IsZero() {
		return nil, fmt.Errorf("%w: no %s supplied", protocol.ErrNotEnoughBalance, asset)
	}
	if pos.CollateralDisabled == !enabled {
		return nil, fmt.Errorf("%w: %s collateral already %s", protocol.ErrNotValidParameter, asset, collateralState(enabled))
	}
	pos.CollateralDisabled = !enabled
	tx.PutPosition(account, asset, pos)

	if !enabled {
		if err := l.solvency.RequireSolvent(tx, account); err != nil {
			return nil, err
		}
	}
	return []event.Event{&event.CollateralChanged{Account: account, Asset: asset, Enabled: enabled}}, nil
}

func collateralState(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}

// SeizeCollateral burns the borrower's shares worth amount (rounded up) and
// releases that underlying out of the pool. Pause flags and solvency do not
// apply; the pool must already be accrued.
func (l *Ledger) SeizeCollateral(tx *state.Tx, borrower protocol.AccountID, asset protocol.Asset, amount fpmath.Fixed) (fpmath.Fixed, error) {
	pool, err := l.Pool(tx, asset)
	if err != nil {
		return fpmath.Zero, err
	}
	shares, err := SharesForAmount(pool, amount, fpmath.RoundUp)
	if err != nil {
		return fpmath.Zero, arithmetic("seize", asset, err)
	}
	pos := tx.Position(borrower, asset)
	if shares.Gt(pos.SupplyShares) {
		return fpmath.Zero, fmt.Errorf("%w: seize %s of %s needs %s shares, borrower holds %s",
			protocol.ErrNotEnoughBalance, amount, asset, shares, pos.SupplyShares)
	}
	if amount.Gt(pool.AvailableLiquidity()) {
		return fpmath.Zero, fmt.Errorf("%w: seize %s of %s, available %s",
			protocol.ErrNotEnoughLiquidity, amount, asset, pool.AvailableLiquidity())
	}

	if pos.SupplyShares, err = pos.SupplyShares.Sub(shares); err != nil {
		return fpmath.Zero, arithmetic("seize", asset, err)
	}
	if pool.TotalShares, err = pool.TotalShares.Sub(shares); err != nil {
		return fpmath.Zero, arithmetic("seize", asset, err)
	}
	if pool.UnderlyingBalance, err = pool.UnderlyingBalance.Sub(amount); err != nil {
		return fpmath.Zero, arithmetic("seize", asset, err)
	}
	if err := l.storePool(tx, pool); err != nil {
		return fpmath.Zero, err
	}
	tx.PutPosition(borrower, asset, pos)
	return shares, nil
}
