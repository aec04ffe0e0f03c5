package core

import (
	"fmt"

	"LendLedger/internal/command"
	"LendLedger/internal/event"
	"LendLedger/internal/protocol"
	"LendLedger/internal/risk"
	"LendLedger/internal/state"
)

// dispatch routes a command to the component that owns it. Position-changing
// operations settle MNT rewards for the affected (account, asset) first.
// The returned hooks run only after the transaction commits.
func (c *DeterministicCore) dispatch(tx *state.Tx, env command.Envelope) ([]event.Event, []func(), error) {
	origin := env.Origin

	switch cmd := env.Command.(type) {
	case *command.UpdatePrice:
		return c.handleUpdatePrice(origin, cmd)
	case *command.AdvanceBlock:
		events, err := c.handleAdvanceBlock(tx, origin, cmd)
		return events, nil, err
	}

	events, err := c.dispatchState(tx, origin, env.Command)
	return events, nil, err
}

func (c *DeterministicCore) dispatchState(tx *state.Tx, origin protocol.Origin, cmd command.Command) ([]event.Event, error) {
	switch cmd := cmd.(type) {
	// --- user operations ---
	case *command.Deposit:
		return c.userOp(tx, origin, cmd.Underlying, func(caller protocol.AccountID) ([]event.Event, error) {
			return c.ledger.Deposit(tx, caller, cmd.Underlying, cmd.Amount)
		})
	case *command.Withdraw:
		return c.userOp(tx, origin, cmd.Underlying, func(caller protocol.AccountID) ([]event.Event, error) {
			return c.ledger.Withdraw(tx, caller, cmd.Underlying, cmd.Amount)
		})
	case *command.Redeem:
		return c.userOp(tx, origin, cmd.Underlying, func(caller protocol.AccountID) ([]event.Event, error) {
			return c.ledger.RedeemAll(tx, caller, cmd.Underlying)
		})
	case *command.RedeemWrapped:
		underlying, ok := cmd.Wrapped.Underlying()
		if !ok || !cmd.Wrapped.IsWrapped() {
			return nil, fmt.Errorf("%w: %s is not a wrapped asset", protocol.ErrNotValidUnderlyingAssetID, cmd.Wrapped)
		}
		return c.userOp(tx, origin, underlying, func(caller protocol.AccountID) ([]event.Event, error) {
			return c.ledger.RedeemShares(tx, caller, underlying, cmd.Shares)
		})
	case *command.Borrow:
		return c.userOp(tx, origin, cmd.Underlying, func(caller protocol.AccountID) ([]event.Event, error) {
			return c.ledger.Borrow(tx, caller, cmd.Underlying, cmd.Amount)
		})
	case *command.Repay:
		return c.userOp(tx, origin, cmd.Underlying, func(caller protocol.AccountID) ([]event.Event, error) {
			return c.ledger.Repay(tx, caller, caller, cmd.Underlying, cmd.Amount)
		})
	case *command.RepayAll:
		return c.userOp(tx, origin, cmd.Underlying, func(caller protocol.AccountID) ([]event.Event, error) {
			return c.ledger.RepayAll(tx, caller, caller, cmd.Underlying)
		})
	case *command.RepayOnBehalf:
		payer, err := protocol.RequireSigned(origin)
		if err != nil {
			return nil, err
		}
		touched, err := c.mnt.Touch(tx, cmd.Borrower, cmd.Underlying)
		if err != nil {
			return nil, err
		}
		events, err := c.ledger.Repay(tx, payer, cmd.Borrower, cmd.Underlying, cmd.Amount)
		if err != nil {
			return nil, err
		}
		return append(touched, events...), nil
	case *command.EnableCollateral:
		caller, err := protocol.RequireSigned(origin)
		if err != nil {
			return nil, err
		}
		return c.ledger.SetCollateral(tx, caller, cmd.Underlying, true)
	case *command.DisableCollateral:
		caller, err := protocol.RequireSigned(origin)
		if err != nil {
			return nil, err
		}
		return c.ledger.SetCollateral(tx, caller, cmd.Underlying, false)
	case *command.ClaimMnt:
		caller, err := protocol.RequireSigned(origin)
		if err != nil {
			return nil, err
		}
		return c.mnt.Claim(tx, caller, cmd.Assets)
	case *command.Liquidate:
		touched, err := c.mnt.TouchAll(tx, cmd.Borrower)
		if err != nil {
			return nil, err
		}
		events, err := c.liquidator.Liquidate(tx, origin, risk.LiquidationRequest{
			Borrower:        cmd.Borrower,
			DebtAsset:       cmd.DebtAsset,
			CollateralAsset: cmd.CollateralAsset,
			RepayAmount:     cmd.RepayAmount,
		})
		if err != nil {
			return nil, err
		}
		return append(touched, events...), nil

	// --- controller ---
	case *command.PauseOperation:
		op, err := parseOperation(cmd.Operation)
		if err != nil {
			return nil, err
		}
		return c.controller.PauseOperation(tx, origin, cmd.Underlying, op)
	case *command.ResumeOperation:
		op, err := parseOperation(cmd.Operation)
		if err != nil {
			return nil, err
		}
		return c.controller.ResumeOperation(tx, origin, cmd.Underlying, op)
	case *command.SetBorrowCap:
		return c.controller.SetBorrowCap(tx, origin, cmd.Underlying, cmd.Cap)

	// --- parameters ---
	case *command.SetRateParam:
		return c.ledger.SetRateParam(tx, origin, cmd.Underlying, cmd.Param, cmd.Value)
	case *command.SetRiskParam:
		return c.setRiskParam(tx, origin, cmd)

	// --- liquidation pools ---
	case *command.SetBalancingPeriod:
		return c.balancer.SetBalancingPeriod(tx, origin, cmd.Underlying, cmd.Blocks)
	case *command.SetDeviationThreshold:
		return c.balancer.SetDeviationThreshold(tx, origin, cmd.Underlying, cmd.Threshold)
	case *command.SetBalanceRatio:
		return c.balancer.SetBalanceRatio(tx, origin, cmd.Underlying, cmd.Ratio)
	case *command.BalanceLiquidationPools:
		return c.balancer.BalanceLiquidationPools(tx, origin, cmd.From, cmd.To, cmd.Amount, cmd.MaxCounter)
	case *command.RebalanceNow:
		return c.balancer.RebalanceNow(tx, origin, cmd.Underlying)

	// --- rewards ---
	case *command.EnableMntMinting:
		return c.mnt.EnableMinting(tx, origin, cmd.Underlying, cmd.Speed)
	case *command.DisableMntMinting:
		return c.mnt.DisableMinting(tx, origin, cmd.Underlying)
	case *command.UpdateMntSpeed:
		return c.mnt.UpdateSpeed(tx, origin, cmd.Underlying, cmd.Speed)

	default:
		return nil, fmt.Errorf("%w: unsupported command %s", protocol.ErrNotValidParameter, cmd.CommandType())
	}
}

// userOp authenticates a signed caller, settles its MNT reward in asset and
// runs op.
func (c *DeterministicCore) userOp(
	tx *state.Tx,
	origin protocol.Origin,
	asset protocol.Asset,
	op func(caller protocol.AccountID) ([]event.Event, error),
) ([]event.Event, error) {
	caller, err := protocol.RequireSigned(origin)
	if err != nil {
		return nil, err
	}
	touched, err := c.mnt.Touch(tx, caller, asset)
	if err != nil {
		return nil, err
	}
	events, err := op(caller)
	if err != nil {
		return nil, err
	}
	return append(touched, events...), nil
}

func parseOperation(name string) (state.Operation, error) {
	op, ok := state.ParseOperation(name)
	if !ok {
		return 0, fmt.Errorf("%w: unknown operation %q", protocol.ErrNotValidParameter, name)
	}
	return op, nil
}

func (c *DeterministicCore) setRiskParam(tx *state.Tx, origin protocol.Origin, cmd *command.SetRiskParam) ([]event.Event, error) {
	switch cmd.Param {
	case risk.ParamCollateralFactor:
		return c.risk.SetCollateralFactor(tx, origin, cmd.Underlying, cmd.Value)
	case risk.ParamLiquidationThreshold:
		return c.risk.SetThreshold(tx, origin, cmd.Underlying, cmd.Value)
	case risk.ParamLiquidationFee:
		return c.risk.SetLiquidationFee(tx, origin, cmd.Underlying, cmd.Value)
	case risk.ParamMaxLiquidationAttempts:
		return c.risk.SetMaxAttempts(tx, origin, cmd.Underlying, cmd.Attempts)
	case risk.ParamMinPartialLiquidationSum:
		return c.risk.SetMinPartialLiquidationSum(tx, origin, cmd.Underlying, cmd.Value)
	default:
		return nil, fmt.Errorf("%w: unknown risk parameter %s", protocol.ErrNotValidParameter, cmd.Param)
	}
}

// handleAdvanceBlock moves the clock and runs the balancer over every pool
// whose period elapsed.
func (c *DeterministicCore) handleAdvanceBlock(tx *state.Tx, origin protocol.Origin, cmd *command.AdvanceBlock) ([]event.Event, error) {
	if err := protocol.RequireRoot(origin); err != nil {
		return nil, err
	}
	if cmd.Block <= tx.Block() {
		return nil, fmt.Errorf("%w: block %d does not advance past %d", protocol.ErrNotValidParameter, cmd.Block, tx.Block())
	}
	tx.SetBlock(cmd.Block)
	events := []event.Event{&event.BlockAdvanced{Block: cmd.Block}}
	return append(events, c.balancer.Rebalance(tx, false)...), nil
}

// handleUpdatePrice accepts a newer oracle price. The oracle itself is
// outside the state store, so it is written by an after-commit hook.
func (c *DeterministicCore) handleUpdatePrice(origin protocol.Origin, cmd *command.UpdatePrice) ([]event.Event, []func(), error) {
	if err := protocol.RequireRoot(origin); err != nil {
		return nil, nil, err
	}
	if err := protocol.RequireUnderlying(cmd.Underlying); err != nil {
		return nil, nil, err
	}
	if cmd.Price.IsZero() {
		return nil, nil, fmt.Errorf("%w: zero price for %s", protocol.ErrNotValidParameter, cmd.Underlying)
	}
	expected := c.sequenceValidator.GetExpectedSequence(pricePartition(cmd.Underlying))
	if !c.sequenceValidator.CheckPriceSequence(cmd.Underlying, cmd.Sequence) {
		if c.metrics != nil {
			c.metrics.PriceStale.WithLabelValues(cmd.Underlying.String()).Inc()
		}
		return nil, nil, errStalePrice
	}
	if c.metrics != nil && expected > 0 && cmd.Sequence > expected {
		c.metrics.PriceSequenceGaps.WithLabelValues(cmd.Underlying.String()).Inc()
	}
	asset, price, seq := cmd.Underlying, cmd.Price, cmd.Sequence
	apply := func() {
		// Already validated as an underlying, SetPrice cannot fail.
		_ = c.oracle.SetPrice(asset, price)
		c.sequenceValidator.AcceptPriceSequence(asset, seq)
	}
	return []event.Event{&event.PriceUpdated{Asset: asset, Price: price, Sequence: seq}}, []func(){apply}, nil
}
