package core

import (
	"errors"

	"LendLedger/internal/interest"
	"LendLedger/internal/ledger"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/protocol"
	"LendLedger/internal/risk"
	"LendLedger/internal/state"
)

// PoolView is a pool accrued to the current block with its configuration.
type PoolView struct {
	Pool            state.Pool             `json:"pool"`
	RateModel       interest.Model         `json:"rate_model"`
	RiskParams      state.RiskParams       `json:"risk_params"`
	Controller      state.ControllerParams `json:"controller"`
	LiquidationPool state.LiquidationPool  `json:"liquidation_pool"`
	MntPool         state.MntPool          `json:"mnt_pool"`
	Utilization     fpmath.Fixed           `json:"utilization"`
	BorrowRate      fpmath.Fixed           `json:"borrow_rate"`
	SupplyRate      fpmath.Fixed           `json:"supply_rate"`
}

// PositionView is one account position in underlying units.
type PositionView struct {
	Asset        protocol.Asset `json:"asset"`
	SupplyShares fpmath.Fixed   `json:"supply_shares"`
	Supplied     fpmath.Fixed   `json:"supplied"`
	Debt         fpmath.Fixed   `json:"debt"`
	Collateral   bool           `json:"collateral"`
}

// AccountView summarizes an account at the current block.
type AccountView struct {
	Account      protocol.AccountID `json:"account"`
	Block        uint64             `json:"block"`
	Positions    []PositionView     `json:"positions"`
	Liquidity    *risk.Liquidity    `json:"liquidity,omitempty"`
	Solvent      bool               `json:"solvent"`
	Liquidatable bool               `json:"liquidatable"`
	MntClaimable fpmath.Fixed       `json:"mnt_claimable"`
	MntClaimed   fpmath.Fixed       `json:"mnt_claimed"`
	// PricingError is set when solvency could not be evaluated.
	PricingError string `json:"pricing_error,omitempty"`
}

// Queries run on a transaction that is never committed, so accrual and
// reward settlement are visible without touching state.

// Pool returns the accrued view of one pool.
func (c *DeterministicCore) Pool(asset protocol.Asset) (*PoolView, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tx := c.state.Begin()
	return c.poolView(tx, asset)
}

// Pools returns every pool in asset order.
func (c *DeterministicCore) Pools() ([]PoolView, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tx := c.state.Begin()
	assets := tx.PoolAssets()
	protocol.SortAssets(assets)
	out := make([]PoolView, 0, len(assets))
	for _, asset := range assets {
		v, err := c.poolView(tx, asset)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, nil
}

func (c *DeterministicCore) poolView(tx *state.Tx, asset protocol.Asset) (*PoolView, error) {
	if _, err := c.ledger.Accrue(tx, asset); err != nil {
		return nil, err
	}
	pool, err := c.ledger.Pool(tx, asset)
	if err != nil {
		return nil, err
	}
	model, _ := tx.RateModel(asset)
	v := &PoolView{Pool: pool, RateModel: model}
	v.RiskParams, _ = tx.RiskParams(asset)
	v.Controller, _ = tx.ControllerParams(asset)
	v.LiquidationPool, _ = tx.LiquidationPool(asset)
	v.MntPool, _ = tx.MntPool(asset)

	if v.Utilization, err = ledger.Utilization(pool); err != nil {
		return nil, err
	}
	if v.BorrowRate, v.SupplyRate, err = model.Rates(v.Utilization); err != nil {
		return nil, err
	}
	return v, nil
}

// Account returns positions, liquidity and MNT rewards of account.
// A missing price does not fail the view; it is reported in PricingError.
func (c *DeterministicCore) Account(account protocol.AccountID) (*AccountView, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tx := c.state.Begin()
	assets := tx.AccountAssets(account)
	protocol.SortAssets(assets)

	view := &AccountView{Account: account, Block: tx.Block(), Positions: make([]PositionView, 0, len(assets))}
	for _, asset := range assets {
		if _, err := c.ledger.Accrue(tx, asset); err != nil {
			return nil, err
		}
		pool, err := c.ledger.Pool(tx, asset)
		if err != nil {
			return nil, err
		}
		pos := tx.Position(account, asset)
		supplied, err := ledger.AmountForShares(pool, pos.SupplyShares, fpmath.RoundDown)
		if err != nil {
			return nil, err
		}
		debt, err := pos.Debt(pool.BorrowIndex)
		if err != nil {
			return nil, err
		}
		view.Positions = append(view.Positions, PositionView{
			Asset:        asset,
			SupplyShares: pos.SupplyShares,
			Supplied:     supplied,
			Debt:         debt,
			Collateral:   !pos.CollateralDisabled,
		})
	}

	liq, err := c.risk.Liquidity(tx, account)
	switch {
	case err == nil:
		view.Liquidity = &liq
		view.Solvent = liq.DebtValue.Lte(liq.BorrowingPower)
		view.Liquidatable = liq.DebtValue.Gt(liq.LiquidationLimit)
	case errors.Is(err, protocol.ErrPriceUnavailable):
		view.PricingError = err.Error()
	default:
		return nil, err
	}

	claimable, err := c.mnt.Claimable(tx, account)
	if err != nil {
		return nil, err
	}
	view.MntClaimable = claimable
	view.MntClaimed = tx.MntReward(account).Claimed
	return view, nil
}

// ClaimableMnt is the MNT the account would receive if it claimed now.
func (c *DeterministicCore) ClaimableMnt(account protocol.AccountID) (fpmath.Fixed, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mnt.Claimable(c.state.Begin(), account)
}

// LiquidationCandidate reports whether the account can be liquidated now.
func (c *DeterministicCore) LiquidationCandidate(account protocol.AccountID) (*risk.Candidate, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tx := c.state.Begin()
	for _, asset := range tx.AccountAssets(account) {
		if _, err := c.ledger.Accrue(tx, asset); err != nil {
			return nil, err
		}
	}
	return c.risk.CheckLiquidation(tx, account)
}

// Price returns the oracle price of an underlying asset.
func (c *DeterministicCore) Price(asset protocol.Asset) (fpmath.Fixed, error) {
	return c.oracle.UnderlyingPrice(asset)
}

// Prices returns every known oracle price.
func (c *DeterministicCore) Prices() map[protocol.Asset]fpmath.Fixed {
	return c.oracle.Prices()
}

// Export returns the full committed state as one Delta.
func (c *DeterministicCore) Export() state.Delta {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Export()
}
