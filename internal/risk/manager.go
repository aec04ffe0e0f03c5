// Package risk evaluates account solvency against oracle prices and runs
// liquidations into the protocol's liquidation pools.
package risk

import (
	"errors"
	"fmt"

	"LendLedger/internal/ledger"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/protocol"
	"LendLedger/internal/state"
)

// Liquidity is an account's position valued at oracle prices.
type Liquidity struct {
	// SupplyValue counts every collateral-enabled supply at full value.
	SupplyValue fpmath.Fixed `json:"supply_value"`
	// BorrowingPower weights collateral by collateral_factor.
	BorrowingPower fpmath.Fixed `json:"borrowing_power"`
	// LiquidationLimit weights collateral by liquidation_threshold.
	LiquidationLimit fpmath.Fixed `json:"liquidation_limit"`
	DebtValue        fpmath.Fixed `json:"debt_value"`
}

// Candidate describes an account that may be liquidated.
type Candidate struct {
	Account   protocol.AccountID `json:"account"`
	Liquidity Liquidity          `json:"liquidity"`
	Shortfall fpmath.Fixed       `json:"shortfall"`
}

// Manager owns RiskParams and answers solvency questions.
type Manager struct {
	prices PriceSource
}

func NewManager(prices PriceSource) *Manager {
	return &Manager{prices: prices}
}

// Price exposes the oracle to the rest of the core.
func (m *Manager) Price(asset protocol.Asset) (fpmath.Fixed, error) {
	return m.prices.UnderlyingPrice(asset)
}

func (m *Manager) riskParams(tx *state.Tx, asset protocol.Asset) (state.RiskParams, error) {
	if err := protocol.RequireUnderlying(asset); err != nil {
		return state.RiskParams{}, err
	}
	params, ok := tx.RiskParams(asset)
	if !ok {
		return state.RiskParams{}, fmt.Errorf("%w: no risk params for %s", protocol.ErrPoolNotFound, asset)
	}
	return params, nil
}

// HasDebt reports whether the account owes anything in any pool.
func HasDebt(tx *state.Tx, account protocol.AccountID) bool {
	for _, asset := range tx.AccountAssets(account) {
		if !tx.Position(account, asset).BorrowPrincipal.IsZero() {
			return true
		}
	}
	return false
}

// Liquidity values every position of the account. Any missing price fails the
// whole valuation with ErrPriceUnavailable.
func (m *Manager) Liquidity(tx *state.Tx, account protocol.AccountID) (Liquidity, error) {
	var liq Liquidity
	for _, asset := range tx.AccountAssets(account) {
		pos := tx.Position(account, asset)
		pool, ok := tx.Pool(asset)
		if !ok {
			return Liquidity{}, fmt.Errorf("%w: %s", protocol.ErrPoolNotFound, asset)
		}
		params, err := m.riskParams(tx, asset)
		if err != nil {
			return Liquidity{}, err
		}
		price, err := m.prices.UnderlyingPrice(asset)
		if err != nil {
			return Liquidity{}, err
		}

		if !pos.SupplyShares.IsZero() && !pos.CollateralDisabled {
			supply, err := ledger.AmountForShares(pool, pos.SupplyShares, fpmath.RoundDown)
			if err != nil {
				return Liquidity{}, err
			}
			value, err := supply.Mul(price)
			if err != nil {
				return Liquidity{}, err
			}
			if liq.SupplyValue, err = liq.SupplyValue.Add(value); err != nil {
				return Liquidity{}, err
			}
			if liq.BorrowingPower, err = fpmath.MulAdd(liq.BorrowingPower, value, params.CollateralFactor); err != nil {
				return Liquidity{}, err
			}
			if liq.LiquidationLimit, err = fpmath.MulAdd(liq.LiquidationLimit, value, params.LiquidationThreshold); err != nil {
				return Liquidity{}, err
			}
		}

		if !pos.BorrowPrincipal.IsZero() {
			debt, err := pos.Debt(pool.BorrowIndex)
			if err != nil {
				return Liquidity{}, err
			}
			value, err := debt.MulRound(price, fpmath.RoundUp)
			if err != nil {
				return Liquidity{}, err
			}
			if liq.DebtValue, err = liq.DebtValue.Add(value); err != nil {
				return Liquidity{}, err
			}
		}
	}
	return liq, nil
}

// RequireSolvent fails with InsufficientCollateral when the account's debt
// exceeds its collateral-factor weighted collateral. An account without debt
// is solvent without consulting prices; with debt, a missing price fails
// closed.
func (m *Manager) RequireSolvent(tx *state.Tx, account protocol.AccountID) error {
	if !HasDebt(tx, account) {
		return nil
	}
	liq, err := m.Liquidity(tx, account)
	if err != nil {
		if errors.Is(err, protocol.ErrPriceUnavailable) {
			return fmt.Errorf("%w: %w", protocol.ErrInsufficientCollateral, err)
		}
		return fmt.Errorf("%w: valuing account: %w", protocol.ErrArithmetic, err)
	}
	if liq.DebtValue.Gt(liq.BorrowingPower) {
		return fmt.Errorf("%w: debt %s above borrowing power %s",
			protocol.ErrInsufficientCollateral, liq.DebtValue, liq.BorrowingPower)
	}
	return nil
}

// IsSolvent is the query form of RequireSolvent. A missing price makes the
// account not solvent.
func (m *Manager) IsSolvent(tx *state.Tx, account protocol.AccountID) (bool, error) {
	err := m.RequireSolvent(tx, account)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, protocol.ErrInsufficientCollateral):
		return false, nil
	default:
		return false, err
	}
}

// CheckLiquidation returns a Candidate when the account's debt exceeds its
// liquidation-threshold weighted collateral, nil otherwise. Prices are
// required: a missing price is returned as an error, never as a candidate.
func (m *Manager) CheckLiquidation(tx *state.Tx, account protocol.AccountID) (*Candidate, error) {
	if !HasDebt(tx, account) {
		return nil, nil
	}
	liq, err := m.Liquidity(tx, account)
	if err != nil {
		return nil, err
	}
	if liq.DebtValue.Lte(liq.LiquidationLimit) {
		return nil, nil
	}
	shortfall, err := liq.DebtValue.Sub(liq.LiquidationLimit)
	if err != nil {
		return nil, err
	}
	return &Candidate{Account: account, Liquidity: liq, Shortfall: shortfall}, nil
}
