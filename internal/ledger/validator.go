package ledger

import (
	"fmt"

	fpmath "LendLedger/internal/math"
	"LendLedger/internal/protocol"
	"LendLedger/internal/state"
)

// InvariantValidator checks ledger invariants against committed state
type InvariantValidator struct {
	state *state.State
}

func NewInvariantValidator(s *state.State) *InvariantValidator {
	return &InvariantValidator{
		state: s,
	}
}

// ValidateShareSupply verifies the account shares of a pool add up to its
// total_shares.
func (v *InvariantValidator) ValidateShareSupply(asset protocol.Asset) error {
	pool, ok := v.state.Begin().Pool(asset)
	if !ok {
		return nil
	}
	sum, err := v.state.TotalSupplyShares(asset)
	if err != nil {
		return fmt.Errorf("share supply for %s: %w", asset, err)
	}
	if !sum.Eq(pool.TotalShares) {
		return fmt.Errorf("share supply for %s: accounts hold %s, pool records %s", asset, sum, pool.TotalShares)
	}
	return nil
}

// ValidateExchangeRate verifies the rate did not fall across an operation.
func (v *InvariantValidator) ValidateExchangeRate(before, after state.Pool) error {
	if before.TotalShares.IsZero() || after.TotalShares.IsZero() {
		return nil
	}
	if after.ExchangeRate.Lt(before.ExchangeRate) {
		return fmt.Errorf("exchange rate for %s fell from %s to %s", after.Asset, before.ExchangeRate, after.ExchangeRate)
	}
	return nil
}

// ValidatePoolBalances verifies reserves never exceed what the pool is owed
// plus what it holds.
func (v *InvariantValidator) ValidatePoolBalances(p state.Pool) error {
	gross, err := p.UnderlyingBalance.Add(p.TotalBorrows)
	if err != nil {
		return fmt.Errorf("pool %s: %w", p.Asset, err)
	}
	if p.TotalReserves.Gt(gross) {
		return fmt.Errorf("pool %s: reserves %s exceed balance+borrows %s", p.Asset, p.TotalReserves, gross)
	}
	return nil
}

// ValidateLiquidationPool verifies the configured ratios stay within [0,1].
func (v *InvariantValidator) ValidateLiquidationPool(lp state.LiquidationPool) error {
	if lp.BalanceRatio.Gt(fpmath.One) || lp.DeviationThreshold.Gt(fpmath.One) {
		return fmt.Errorf("liquidation pool %s: ratio out of range (balance_ratio=%s, deviation_threshold=%s)",
			lp.Asset, lp.BalanceRatio, lp.DeviationThreshold)
	}
	return nil
}

// ValidateDelta runs every check that applies to the records of d. before
// holds the pool records as they were when the operation started.
func (v *InvariantValidator) ValidateDelta(d state.Delta, before map[protocol.Asset]state.Pool) error {
	for _, p := range d.Pools {
		if err := v.ValidatePoolBalances(p); err != nil {
			return err
		}
		if prev, ok := before[p.Asset]; ok {
			if err := v.ValidateExchangeRate(prev, p); err != nil {
				return err
			}
		}
	}
	for _, lp := range d.LiquidationPools {
		if err := v.ValidateLiquidationPool(lp); err != nil {
			return err
		}
	}
	return nil
}

// ValidateAllShareSupplies runs ValidateShareSupply for every pool. It walks
// every position, so callers run it periodically rather than per operation.
func (v *InvariantValidator) ValidateAllShareSupplies() error {
	for _, asset := range v.state.Begin().PoolAssets() {
		if err := v.ValidateShareSupply(asset); err != nil {
			return err
		}
	}
	return nil
}
