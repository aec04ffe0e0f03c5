// Package balancer owns the liquidation pools: it funds liquidations, takes
// in seized collateral and keeps each pool near its target share of protocol
// holdings by trading against an external exchange.
package balancer

import (
	"fmt"

	"LendLedger/internal/event"
	"LendLedger/internal/ledger"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/protocol"
	"LendLedger/internal/risk"
	"LendLedger/internal/state"
)

// Config holds the protocol-wide balancing settings.
type Config struct {
	// Settlement is the asset surpluses are sold into and deficits are bought
	// with. Its own liquidation pool is never rebalanced.
	Settlement protocol.Asset `toml:"settlement_asset"`
	// SlippageTolerance widens the oracle quote into the swap bound.
	SlippageTolerance fpmath.Fixed `toml:"slippage_tolerance"`
}

type Balancer struct {
	ledger *ledger.Ledger
	prices risk.PriceSource
	dex    Dex
	cfg    Config
}

func New(l *ledger.Ledger, prices risk.PriceSource, dex Dex, cfg Config) *Balancer {
	return &Balancer{ledger: l, prices: prices, dex: dex, cfg: cfg}
}

func (b *Balancer) Settlement() protocol.Asset {
	return b.cfg.Settlement
}

func (b *Balancer) pool(tx *state.Tx, asset protocol.Asset) (state.LiquidationPool, error) {
	if err := protocol.RequireUnderlying(asset); err != nil {
		return state.LiquidationPool{}, err
	}
	lp, ok := tx.LiquidationPool(asset)
	if !ok {
		return state.LiquidationPool{}, fmt.Errorf("%w: no liquidation pool for %s", protocol.ErrPoolNotFound, asset)
	}
	return lp, nil
}

// Absorb credits seized collateral to asset's liquidation pool.
func (b *Balancer) Absorb(tx *state.Tx, asset protocol.Asset, amount fpmath.Fixed) error {
	lp, err := b.pool(tx, asset)
	if err != nil {
		return err
	}
	if lp.Balance, err = lp.Balance.Add(amount); err != nil {
		return fmt.Errorf("%w: absorb %s: %w", protocol.ErrArithmetic, asset, err)
	}
	tx.PutLiquidationPool(lp)
	return nil
}

// Fund pays amount out of asset's liquidation pool.
func (b *Balancer) Fund(tx *state.Tx, asset protocol.Asset, amount fpmath.Fixed) error {
	lp, err := b.pool(tx, asset)
	if err != nil {
		return err
	}
	if lp.Balance.Lt(amount) {
		return fmt.Errorf("%w: liquidation pool %s holds %s, needs %s", protocol.ErrNotEnoughBalance, asset, lp.Balance, amount)
	}
	lp.Balance = lp.Balance.SaturatingSub(amount)
	tx.PutLiquidationPool(lp)
	return nil
}

func (b *Balancer) update(tx *state.Tx, origin protocol.Origin, asset protocol.Asset, apply func(*state.LiquidationPool)) error {
	if err := protocol.RequireAdmin(origin); err != nil {
		return err
	}
	lp, err := b.pool(tx, asset)
	if err != nil {
		return err
	}
	apply(&lp)
	if err := state.ValidateLiquidationPool(lp); err != nil {
		return err
	}
	tx.PutLiquidationPool(lp)
	return nil
}

// SetBalancingPeriod accepts zero, which makes balancing due every block.
func (b *Balancer) SetBalancingPeriod(tx *state.Tx, origin protocol.Origin, asset protocol.Asset, blocks uint64) ([]event.Event, error) {
	if err := b.update(tx, origin, asset, func(lp *state.LiquidationPool) { lp.BalancingPeriod = blocks }); err != nil {
		return nil, err
	}
	return []event.Event{&event.BalancingPeriodChanged{Asset: asset, Blocks: blocks}}, nil
}

func (b *Balancer) SetDeviationThreshold(tx *state.Tx, origin protocol.Origin, asset protocol.Asset, threshold fpmath.Fixed) ([]event.Event, error) {
	if err := b.update(tx, origin, asset, func(lp *state.LiquidationPool) { lp.DeviationThreshold = threshold }); err != nil {
		return nil, err
	}
	return []event.Event{&event.DeviationThresholdChanged{Asset: asset, Threshold: threshold}}, nil
}

func (b *Balancer) SetBalanceRatio(tx *state.Tx, origin protocol.Origin, asset protocol.Asset, ratio fpmath.Fixed) ([]event.Event, error) {
	if err := b.update(tx, origin, asset, func(lp *state.LiquidationPool) { lp.BalanceRatio = ratio }); err != nil {
		return nil, err
	}
	return []event.Event{&event.BalanceRatioChanged{Asset: asset, Ratio: ratio}}, nil
}

// BalanceLiquidationPools buys exactly amount of to for at most maxCounter of
// from. The from pool must hold the whole of maxCounter.
func (b *Balancer) BalanceLiquidationPools(tx *state.Tx, origin protocol.Origin, from, to protocol.Asset, amount, maxCounter fpmath.Fixed) ([]event.Event, error) {
	if err := protocol.RequireAdmin(origin); err != nil {
		return nil, err
	}
	fromPool, err := b.pool(tx, from)
	if err != nil {
		return nil, err
	}
	toPool, err := b.pool(tx, to)
	if err != nil {
		return nil, err
	}
	if from == to {
		return nil, fmt.Errorf("%w: cannot balance %s against itself", protocol.ErrNotValidParameter, from)
	}
	if amount.IsZero() {
		return nil, protocol.ErrZeroAmount
	}
	if fromPool.Balance.Lt(maxCounter) {
		return nil, fmt.Errorf("%w: liquidation pool %s holds %s, max counter %s",
			protocol.ErrNotEnoughBalance, from, fromPool.Balance, maxCounter)
	}
	bought, err := toPool.Balance.Add(amount)
	if err != nil {
		return nil, fmt.Errorf("%w: balance %s: %w", protocol.ErrArithmetic, to, err)
	}

	res, err := b.dex.SwapExactOutput(from, to, amount, maxCounter)
	if err != nil {
		return nil, err
	}
	fromPool.Balance = fromPool.Balance.SaturatingSub(res.AmountIn)
	toPool.Balance = bought
	tx.PutLiquidationPool(fromPool)
	tx.PutLiquidationPool(toPool)

	return []event.Event{&event.LiquidationPoolsBalanced{
		Asset:  to,
		From:   from,
		To:     to,
		Sold:   res.AmountIn,
		Bought: res.AmountOut,
		Manual: true,
	}}, nil
}

// Rebalance runs one balancing pass over every liquidation pool except the
// settlement pool, in asset id order. Without force only pools whose period
// has elapsed are visited. Each asset runs in its own nested transaction: a
// failed asset is reported as BalancingSkipped and the rest of the batch
// still settles.
func (b *Balancer) Rebalance(tx *state.Tx, force bool) []event.Event {
	var events []event.Event
	for _, asset := range tx.PoolAssets() {
		if asset == b.cfg.Settlement {
			continue
		}
		lp, ok := tx.LiquidationPool(asset)
		if !ok || (!force && !lp.BalancingDue(tx.Block())) {
			continue
		}
		evts, err := b.rebalanceChild(tx, asset)
		if err != nil {
			events = append(events, &event.BalancingSkipped{
				Asset:  asset,
				Code:   protocol.CodeOf(err),
				Reason: err.Error(),
			})
			lp.LastBalancedBlock = tx.Block()
			tx.PutLiquidationPool(lp)
			continue
		}
		events = append(events, evts...)
	}
	return events
}

// RebalanceNow is the admin trigger for one asset, or all of them when asset
// is AssetNone. The balancing period is ignored.
func (b *Balancer) RebalanceNow(tx *state.Tx, origin protocol.Origin, asset protocol.Asset) ([]event.Event, error) {
	if err := protocol.RequireAdmin(origin); err != nil {
		return nil, err
	}
	if asset == protocol.AssetNone {
		return b.Rebalance(tx, true), nil
	}
	if _, err := b.pool(tx, asset); err != nil {
		return nil, err
	}
	if asset == b.cfg.Settlement {
		return nil, fmt.Errorf("%w: %s is the settlement asset", protocol.ErrNotValidParameter, asset)
	}
	return b.rebalanceChild(tx, asset)
}

func (b *Balancer) rebalanceChild(tx *state.Tx, asset protocol.Asset) ([]event.Event, error) {
	child := tx.Begin()
	evts, err := b.rebalance(child, asset)
	if err != nil {
		return nil, err
	}
	child.Commit()
	return evts, nil
}

// deviation returns how far asset's liquidation pool is from its target and
// the target balance itself. With no holdings the target is zero, so any
// balance left in the pool is a full surplus.
func deviation(lp state.LiquidationPool, pool state.Pool) (dev, target fpmath.Fixed, err error) {
	holdings, err := pool.UnderlyingBalance.Add(pool.TotalBorrows)
	if err != nil {
		return fpmath.Zero, fpmath.Zero, err
	}
	if holdings.IsZero() {
		if lp.Balance.IsZero() {
			return fpmath.Zero, fpmath.Zero, nil
		}
		return fpmath.One, fpmath.Zero, nil
	}
	ratio, err := lp.Balance.Div(holdings)
	if err != nil {
		return fpmath.Zero, fpmath.Zero, err
	}
	if target, err = holdings.Mul(lp.BalanceRatio); err != nil {
		return fpmath.Zero, fpmath.Zero, err
	}
	return fpmath.AbsDiff(ratio, lp.BalanceRatio), target, nil
}

func (b *Balancer) rebalance(tx *state.Tx, asset protocol.Asset) ([]event.Event, error) {
	events, err := b.ledger.Accrue(tx, asset)
	if err != nil {
		return nil, err
	}
	lp, err := b.pool(tx, asset)
	if err != nil {
		return nil, err
	}
	settle, err := b.pool(tx, b.cfg.Settlement)
	if err != nil {
		return nil, err
	}
	pool, err := b.ledger.Pool(tx, asset)
	if err != nil {
		return nil, err
	}

	lp.LastBalancedBlock = tx.Block()
	dev, target, err := deviation(lp, pool)
	if err != nil {
		return nil, fmt.Errorf("%w: deviation %s: %w", protocol.ErrArithmetic, asset, err)
	}
	if dev.Lte(lp.DeviationThreshold) {
		tx.PutLiquidationPool(lp)
		return events, nil
	}

	// Balances are checked before the swap; the exchange cannot be rolled
	// back with the transaction.
	var res SwapResult
	if lp.Balance.Gt(target) {
		res, err = b.sellSurplus(asset, lp.Balance.SaturatingSub(target), settle.Balance)
		if err != nil {
			return nil, err
		}
		lp.Balance = lp.Balance.SaturatingSub(res.AmountIn)
		settle.Balance = settle.Balance.SaturatingAdd(res.AmountOut)
	} else {
		deficit := target.SaturatingSub(lp.Balance)
		filled, err := lp.Balance.Add(deficit)
		if err != nil {
			return nil, fmt.Errorf("%w: rebalance %s: %w", protocol.ErrArithmetic, asset, err)
		}
		res, err = b.buyDeficit(asset, deficit, settle.Balance)
		if err != nil {
			return nil, err
		}
		settle.Balance = settle.Balance.SaturatingSub(res.AmountIn)
		lp.Balance = filled
	}
	tx.PutLiquidationPool(lp)
	tx.PutLiquidationPool(settle)

	return append(events, &event.LiquidationPoolsBalanced{
		Asset:  asset,
		From:   res.From,
		To:     res.To,
		Sold:   res.AmountIn,
		Bought: res.AmountOut,
	}), nil
}

// quote values amount of from in to at oracle prices.
func (b *Balancer) quote(from, to protocol.Asset, amount fpmath.Fixed, mode fpmath.RoundingMode) (fpmath.Fixed, error) {
	fromPrice, err := b.prices.UnderlyingPrice(from)
	if err != nil {
		return fpmath.Zero, err
	}
	toPrice, err := b.prices.UnderlyingPrice(to)
	if err != nil {
		return fpmath.Zero, err
	}
	v, err := fpmath.MulDiv(amount, fromPrice, toPrice, mode)
	if err != nil {
		return fpmath.Zero, fmt.Errorf("%w: quote %s/%s: %w", protocol.ErrArithmetic, from, to, err)
	}
	return v, nil
}

// sellSurplus refuses to swap when the proceeds, at the quote widened by
// the slippage tolerance, would not fit in the settlement pool. An exchange
// paying more than that is clamped at the maximum balance.
func (b *Balancer) sellSurplus(asset protocol.Asset, surplus, settled fpmath.Fixed) (SwapResult, error) {
	expected, err := b.quote(asset, b.cfg.Settlement, surplus, fpmath.RoundDown)
	if err != nil {
		return SwapResult{}, err
	}
	keep, err := fpmath.One.Sub(fpmath.Min(b.cfg.SlippageTolerance, fpmath.One))
	if err != nil {
		return SwapResult{}, fmt.Errorf("%w: %w", protocol.ErrArithmetic, err)
	}
	minOut, err := expected.Mul(keep)
	if err != nil {
		return SwapResult{}, fmt.Errorf("%w: %w", protocol.ErrArithmetic, err)
	}
	widen, err := fpmath.One.Add(b.cfg.SlippageTolerance)
	if err != nil {
		return SwapResult{}, fmt.Errorf("%w: %w", protocol.ErrArithmetic, err)
	}
	ceiling, err := expected.MulRound(widen, fpmath.RoundUp)
	if err != nil {
		return SwapResult{}, fmt.Errorf("%w: %w", protocol.ErrArithmetic, err)
	}
	if _, err := settled.Add(ceiling); err != nil {
		return SwapResult{}, fmt.Errorf("%w: settle %s: %w", protocol.ErrArithmetic, b.cfg.Settlement, err)
	}
	return b.dex.SwapExactInput(asset, b.cfg.Settlement, surplus, minOut)
}

func (b *Balancer) buyDeficit(asset protocol.Asset, deficit, available fpmath.Fixed) (SwapResult, error) {
	expected, err := b.quote(asset, b.cfg.Settlement, deficit, fpmath.RoundUp)
	if err != nil {
		return SwapResult{}, err
	}
	widen, err := fpmath.One.Add(b.cfg.SlippageTolerance)
	if err != nil {
		return SwapResult{}, fmt.Errorf("%w: %w", protocol.ErrArithmetic, err)
	}
	maxIn, err := expected.MulRound(widen, fpmath.RoundUp)
	if err != nil {
		return SwapResult{}, fmt.Errorf("%w: %w", protocol.ErrArithmetic, err)
	}
	if available.Lt(maxIn) {
		return SwapResult{}, fmt.Errorf("%w: settlement pool %s holds %s, deficit of %s may cost %s",
			protocol.ErrNotEnoughBalance, b.cfg.Settlement, available, asset, maxIn)
	}
	return b.dex.SwapExactOutput(b.cfg.Settlement, asset, deficit, maxIn)
}
