package risk

import (
	"LendLedger/internal/event"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/protocol"
	"LendLedger/internal/state"
)

// RiskParam names an adjustable risk setting.
type RiskParam uint8

const (
	ParamCollateralFactor RiskParam = iota + 1
	ParamLiquidationThreshold
	ParamLiquidationFee
	ParamMaxLiquidationAttempts
	ParamMinPartialLiquidationSum
)

func (p RiskParam) String() string {
	switch p {
	case ParamCollateralFactor:
		return "collateral_factor"
	case ParamLiquidationThreshold:
		return "liquidation_threshold"
	case ParamLiquidationFee:
		return "liquidation_fee"
	case ParamMaxLiquidationAttempts:
		return "max_liquidation_attempts"
	case ParamMinPartialLiquidationSum:
		return "min_partial_liquidation_sum"
	default:
		return "unknown"
	}
}

func (m *Manager) update(tx *state.Tx, origin protocol.Origin, asset protocol.Asset, param RiskParam, value fpmath.Fixed, apply func(*state.RiskParams)) ([]event.Event, error) {
	if err := protocol.RequireAdmin(origin); err != nil {
		return nil, err
	}
	params, err := m.riskParams(tx, asset)
	if err != nil {
		return nil, err
	}
	apply(&params)
	if err := state.ValidateRiskParams(params); err != nil {
		return nil, err
	}
	tx.PutRiskParams(params)
	return []event.Event{&event.RiskParamChanged{Asset: asset, Param: param.String(), Value: value}}, nil
}

func (m *Manager) SetCollateralFactor(tx *state.Tx, origin protocol.Origin, asset protocol.Asset, v fpmath.Fixed) ([]event.Event, error) {
	return m.update(tx, origin, asset, ParamCollateralFactor, v, func(p *state.RiskParams) { p.CollateralFactor = v })
}

func (m *Manager) SetThreshold(tx *state.Tx, origin protocol.Origin, asset protocol.Asset, v fpmath.Fixed) ([]event.Event, error) {
	return m.update(tx, origin, asset, ParamLiquidationThreshold, v, func(p *state.RiskParams) { p.LiquidationThreshold = v })
}

func (m *Manager) SetLiquidationFee(tx *state.Tx, origin protocol.Origin, asset protocol.Asset, v fpmath.Fixed) ([]event.Event, error) {
	return m.update(tx, origin, asset, ParamLiquidationFee, v, func(p *state.RiskParams) { p.LiquidationFee = v })
}

// SetMinPartialLiquidationSum takes a value in the oracle's quote unit and is
// not bounded to [0,1].
func (m *Manager) SetMinPartialLiquidationSum(tx *state.Tx, origin protocol.Origin, asset protocol.Asset, v fpmath.Fixed) ([]event.Event, error) {
	return m.update(tx, origin, asset, ParamMinPartialLiquidationSum, v, func(p *state.RiskParams) { p.MinPartialLiquidationSum = v })
}

func (m *Manager) SetMaxAttempts(tx *state.Tx, origin protocol.Origin, asset protocol.Asset, attempts uint8) ([]event.Event, error) {
	return m.update(tx, origin, asset, ParamMaxLiquidationAttempts, fpmath.FromInt(uint64(attempts)),
		func(p *state.RiskParams) { p.MaxLiquidationAttempts = attempts })
}
