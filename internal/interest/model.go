package interest

import (
	"fmt"

	fpmath "LendLedger/internal/math"
	"LendLedger/internal/protocol"
)

// MaxParam caps every model parameter. All rates are per block, so anything
// above 100% per block is a configuration mistake.
var MaxParam = fpmath.One

// Param names an adjustable model parameter.
type Param uint8

const (
	ParamBaseRate Param = iota + 1
	ParamMultiplier
	ParamJumpMultiplier
	ParamKink
	ParamReserveFactor
)

func (p Param) String() string {
	switch p {
	case ParamBaseRate:
		return "base_rate"
	case ParamMultiplier:
		return "multiplier"
	case ParamJumpMultiplier:
		return "jump_multiplier"
	case ParamKink:
		return "kink"
	case ParamReserveFactor:
		return "reserve_factor"
	default:
		return "unknown"
	}
}

// Model is the kinked (jump-rate) interest model. Below Kink the borrow rate
// grows by Multiplier per unit of utilization, above it by JumpMultiplier.
type Model struct {
	BaseRate       fpmath.Fixed `json:"base_rate" toml:"base_rate"`
	Multiplier     fpmath.Fixed `json:"multiplier" toml:"multiplier"`
	JumpMultiplier fpmath.Fixed `json:"jump_multiplier" toml:"jump_multiplier"`
	Kink           fpmath.Fixed `json:"kink" toml:"kink"`
	ReserveFactor  fpmath.Fixed `json:"reserve_factor" toml:"reserve_factor"`
}

// Validate checks every parameter is within [0, MaxParam].
func (m Model) Validate() error {
	for _, p := range []Param{ParamBaseRate, ParamMultiplier, ParamJumpMultiplier, ParamKink, ParamReserveFactor} {
		if err := validateParam(p, m.Get(p)); err != nil {
			return err
		}
	}
	return nil
}

func validateParam(p Param, v fpmath.Fixed) error {
	if v.Gt(MaxParam) {
		return fmt.Errorf("%w: %s=%s exceeds %s", protocol.ErrNotValidParameter, p, v, MaxParam)
	}
	return nil
}

// Get returns the current value of p.
func (m Model) Get(p Param) fpmath.Fixed {
	switch p {
	case ParamBaseRate:
		return m.BaseRate
	case ParamMultiplier:
		return m.Multiplier
	case ParamJumpMultiplier:
		return m.JumpMultiplier
	case ParamKink:
		return m.Kink
	case ParamReserveFactor:
		return m.ReserveFactor
	default:
		return fpmath.Zero
	}
}

// With returns a copy of m with p set to v. The receiver is never modified,
// so a new value only takes effect when the caller stores it.
func (m Model) With(p Param, v fpmath.Fixed) (Model, error) {
	if err := validateParam(p, v); err != nil {
		return m, err
	}
	switch p {
	case ParamBaseRate:
		m.BaseRate = v
	case ParamMultiplier:
		m.Multiplier = v
	case ParamJumpMultiplier:
		m.JumpMultiplier = v
	case ParamKink:
		m.Kink = v
	case ParamReserveFactor:
		m.ReserveFactor = v
	default:
		return m, fmt.Errorf("%w: unknown interest parameter %d", protocol.ErrNotValidParameter, p)
	}
	return m, nil
}

// Utilization = borrows / (cash + borrows), zero when both are zero.
func Utilization(cash, borrows fpmath.Fixed) (fpmath.Fixed, error) {
	total, err := cash.Add(borrows)
	if err != nil {
		return fpmath.Zero, err
	}
	if total.IsZero() {
		return fpmath.Zero, nil
	}
	return borrows.Div(total)
}

// BorrowRate is the per-block borrow rate at utilization u.
func (m Model) BorrowRate(u fpmath.Fixed) (fpmath.Fixed, error) {
	if u.Lte(m.Kink) {
		return fpmath.MulAdd(m.BaseRate, u, m.Multiplier)
	}
	normal, err := fpmath.MulAdd(m.BaseRate, m.Kink, m.Multiplier)
	if err != nil {
		return fpmath.Zero, err
	}
	excess, err := u.Sub(m.Kink)
	if err != nil {
		return fpmath.Zero, err
	}
	return fpmath.MulAdd(normal, excess, m.JumpMultiplier)
}

// Rates returns (borrow_rate, supply_rate) at utilization u, where
// supply = borrow * u * (1 - reserve_factor).
func (m Model) Rates(u fpmath.Fixed) (borrow, supply fpmath.Fixed, err error) {
	borrow, err = m.BorrowRate(u)
	if err != nil {
		return fpmath.Zero, fpmath.Zero, err
	}
	keep, err := fpmath.One.Sub(m.ReserveFactor)
	if err != nil {
		return fpmath.Zero, fpmath.Zero, err
	}
	supply, err = borrow.Mul(u)
	if err != nil {
		return fpmath.Zero, fpmath.Zero, err
	}
	supply, err = supply.Mul(keep)
	if err != nil {
		return fpmath.Zero, fpmath.Zero, err
	}
	return borrow, supply, nil
}
