package risk

import (
	"cmp"
	"fmt"
	"slices"

	"LendLedger/internal/event"
	"LendLedger/internal/ledger"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/protocol"
	"LendLedger/internal/state"
)

// Reserve is the liquidation-pool side of a liquidation: Fund pays the
// borrower's debt out of the debt asset's pool, Absorb receives seized
// collateral.
type Reserve interface {
	Fund(tx *state.Tx, asset protocol.Asset, amount fpmath.Fixed) error
	Absorb(tx *state.Tx, asset protocol.Asset, amount fpmath.Fixed) error
}

// LiquidationRequest is one call to Liquidate. CollateralAsset is the
// preferred collateral to seize first and may be AssetNone.
type LiquidationRequest struct {
	Borrower        protocol.AccountID
	DebtAsset       protocol.Asset
	CollateralAsset protocol.Asset
	RepayAmount     fpmath.Fixed
}

// Liquidator self-liquidates unsafe positions into the protocol's
// liquidation pools.
type Liquidator struct {
	risk      *Manager
	ledger    *ledger.Ledger
	reserve   Reserve
	adminOnly bool
}

func NewLiquidator(m *Manager, l *ledger.Ledger, reserve Reserve, adminOnly bool) *Liquidator {
	return &Liquidator{risk: m, ledger: l, reserve: reserve, adminOnly: adminOnly}
}

type seizable struct {
	asset  protocol.Asset
	price  fpmath.Fixed
	amount fpmath.Fixed
	value  fpmath.Fixed
}

// seizeOrder lists the borrower's collateral: the preferred asset first, then
// by seizable value descending, ties broken by lowest asset id. What a pool
// cannot pay out in cash is not seizable.
func (lq *Liquidator) seizeOrder(tx *state.Tx, borrower protocol.AccountID, preferred protocol.Asset) ([]seizable, error) {
	var out []seizable
	for _, asset := range tx.AccountAssets(borrower) {
		pos := tx.Position(borrower, asset)
		if pos.SupplyShares.IsZero() || pos.CollateralDisabled {
			continue
		}
		pool, err := lq.ledger.Pool(tx, asset)
		if err != nil {
			return nil, err
		}
		price, err := lq.risk.Price(asset)
		if err != nil {
			return nil, err
		}
		amount, err := ledger.AmountForShares(pool, pos.SupplyShares, fpmath.RoundDown)
		if err != nil {
			return nil, err
		}
		amount = fpmath.Min(amount, pool.AvailableLiquidity())
		value, err := amount.Mul(price)
		if err != nil {
			return nil, err
		}
		out = append(out, seizable{asset: asset, price: price, amount: amount, value: value})
	}
	slices.SortFunc(out, func(a, b seizable) int {
		switch {
		case a.asset == preferred && b.asset != preferred:
			return -1
		case b.asset == preferred && a.asset != preferred:
			return 1
		}
		if c := b.value.Cmp(a.value); c != 0 {
			return c
		}
		return cmp.Compare(a.asset, b.asset)
	})
	return out, nil
}

// Liquidate repays up to req.RepayAmount of the borrower's debt in
// req.DebtAsset from the liquidation pool and seizes collateral worth the
// repaid value plus the liquidation fee, in at most max_liquidation_attempts
// steps. When collateral runs out the repaid amount shrinks to what was
// seized. A remaining debt worth less than min_partial_liquidation_sum is
// liquidated in full.
func (lq *Liquidator) Liquidate(tx *state.Tx, origin protocol.Origin, req LiquidationRequest) ([]event.Event, error) {
	if lq.adminOnly {
		if err := protocol.RequireAdmin(origin); err != nil {
			return nil, err
		}
	} else if _, err := protocol.RequireSigned(origin); err != nil {
		return nil, err
	}
	if _, err := lq.ledger.Pool(tx, req.DebtAsset); err != nil {
		return nil, err
	}
	if req.CollateralAsset != protocol.AssetNone {
		if _, err := lq.ledger.Pool(tx, req.CollateralAsset); err != nil {
			return nil, err
		}
	}
	if req.RepayAmount.IsZero() {
		return nil, protocol.ErrZeroAmount
	}

	var events []event.Event
	for _, asset := range tx.AccountAssets(req.Borrower) {
		evts, err := lq.ledger.Accrue(tx, asset)
		if err != nil {
			return nil, err
		}
		events = append(events, evts...)
	}

	candidate, err := lq.risk.CheckLiquidation(tx, req.Borrower)
	if err != nil {
		return nil, err
	}
	if candidate == nil {
		return nil, fmt.Errorf("%w: %s", protocol.ErrPositionNotLiquidatable, req.Borrower)
	}

	params, err := lq.risk.riskParams(tx, req.DebtAsset)
	if err != nil {
		return nil, err
	}
	debtPool, err := lq.ledger.Pool(tx, req.DebtAsset)
	if err != nil {
		return nil, err
	}
	debt, err := tx.Position(req.Borrower, req.DebtAsset).Debt(debtPool.BorrowIndex)
	if err != nil {
		return nil, fmt.Errorf("%w: debt: %w", protocol.ErrArithmetic, err)
	}
	if debt.IsZero() {
		return nil, fmt.Errorf("%w: no %s debt", protocol.ErrPositionNotLiquidatable, req.DebtAsset)
	}
	debtPrice, err := lq.risk.Price(req.DebtAsset)
	if err != nil {
		return nil, err
	}

	repay := fpmath.Min(req.RepayAmount, debt)
	if repay.Lt(debt) && !params.MinPartialLiquidationSum.IsZero() {
		left, err := debt.Sub(repay)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", protocol.ErrArithmetic, err)
		}
		leftValue, err := left.Mul(debtPrice)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", protocol.ErrArithmetic, err)
		}
		if leftValue.Lt(params.MinPartialLiquidationSum) {
			repay = debt
		}
	}

	seizeFactor, err := fpmath.One.Add(params.LiquidationFee)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", protocol.ErrArithmetic, err)
	}
	repayValue, err := repay.Mul(debtPrice)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", protocol.ErrArithmetic, err)
	}
	remaining, err := repayValue.Mul(seizeFactor)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", protocol.ErrArithmetic, err)
	}

	order, err := lq.seizeOrder(tx, req.Borrower, req.CollateralAsset)
	if err != nil {
		return nil, err
	}

	repaid := fpmath.Zero
	var attempts uint8
	for _, c := range order {
		if attempts >= params.MaxLiquidationAttempts || remaining.IsZero() {
			break
		}
		// Rounded up so a step that covers the rest leaves no dust debt.
		want, err := remaining.DivRound(c.price, fpmath.RoundUp)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", protocol.ErrArithmetic, err)
		}
		amount := fpmath.Min(want, c.amount)
		if amount.IsZero() {
			continue
		}
		value, err := amount.Mul(c.price)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", protocol.ErrArithmetic, err)
		}
		var stepRepaid fpmath.Fixed
		if want.Lte(c.amount) {
			stepRepaid = repay.SaturatingSub(repaid)
			value = remaining
		} else {
			covered, err := value.Div(seizeFactor)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", protocol.ErrArithmetic, err)
			}
			if stepRepaid, err = covered.Div(debtPrice); err != nil {
				return nil, fmt.Errorf("%w: %w", protocol.ErrArithmetic, err)
			}
		}

		shares, err := lq.ledger.SeizeCollateral(tx, req.Borrower, c.asset, amount)
		if err != nil {
			return nil, err
		}
		if err := lq.reserve.Absorb(tx, c.asset, amount); err != nil {
			return nil, err
		}

		attempts++
		remaining = remaining.SaturatingSub(value)
		repaid = repaid.SaturatingAdd(stepRepaid)
		events = append(events, &event.LiquidationSeized{
			Borrower:        req.Borrower,
			DebtAsset:       req.DebtAsset,
			CollateralAsset: c.asset,
			Repaid:          stepRepaid,
			Seized:          amount,
			SeizedShares:    shares,
			Attempt:         attempts,
		})
	}

	repaid = fpmath.Min(repaid, repay)
	if repaid.IsZero() {
		return nil, fmt.Errorf("%w: %s has no seizable collateral", protocol.ErrNotEnoughBalance, req.Borrower)
	}
	if err := lq.reserve.Fund(tx, req.DebtAsset, repaid); err != nil {
		return nil, err
	}
	repayEvents, err := lq.ledger.RepayFromReserve(tx, req.Borrower, req.DebtAsset, repaid)
	if err != nil {
		return nil, err
	}
	events = append(events, repayEvents...)

	left := debt.SaturatingSub(repaid)
	return append(events, &event.LiquidationCompleted{
		Borrower:      req.Borrower,
		DebtAsset:     req.DebtAsset,
		Repaid:        repaid,
		RemainingDebt: left,
		Attempts:      attempts,
		Full:          left.IsZero(),
	}), nil
}
