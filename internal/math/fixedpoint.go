package math

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Decimals is the number of fractional digits carried by every Fixed value.
const Decimals = 18

var (
	ErrOverflow       = errors.New("fixed-point overflow")
	ErrUnderflow      = errors.New("fixed-point underflow")
	ErrDivisionByZero = errors.New("fixed-point division by zero")
	ErrInvalidDecimal = errors.New("invalid fixed-point decimal")
)

// RoundingMode selects how a truncated quotient is adjusted.
type RoundingMode int

const (
	RoundDown RoundingMode = iota // Truncate toward zero (default)
	RoundUp                       // Any remainder bumps the result by one unit
)

var (
	scale    = uint256.NewInt(1_000_000_000_000_000_000)
	maxFixed = new(uint256.Int).SetAllOne()

	Zero     = Fixed{}
	One      = Fixed{v: *scale}
	MaxFixed = Fixed{v: *maxFixed}
)

// Fixed is an unsigned 18-decimal fixed-point number stored as value * 10^18
// in a 256-bit integer. The zero value is 0.
type Fixed struct {
	v uint256.Int
}

// FromInt returns n as a Fixed (n * 10^18). n always fits.
func FromInt(n uint64) Fixed {
	var f Fixed
	f.v.Mul(uint256.NewInt(n), scale)
	return f
}

// FromRaw wraps an already-scaled integer.
func FromRaw(raw *uint256.Int) Fixed {
	var f Fixed
	f.v.Set(raw)
	return f
}

// FromBig wraps an already-scaled big.Int.
func FromBig(b *big.Int) (Fixed, error) {
	if b.Sign() < 0 {
		return Zero, ErrUnderflow
	}
	v, overflow := uint256.FromBig(b)
	if overflow {
		return Zero, ErrOverflow
	}
	return Fixed{v: *v}, nil
}

// FromRational returns num/den truncated to 18 decimals.
func FromRational(num, den uint64) Fixed {
	if den == 0 {
		panic("math: FromRational with zero denominator")
	}
	var f Fixed
	f.v.MulDivOverflow(uint256.NewInt(num), scale, uint256.NewInt(den))
	return f
}

// Parse reads a non-negative decimal string ("0.87", "120000") into a Fixed.
func Parse(s string) (Fixed, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, fmt.Errorf("%w: %q: %v", ErrInvalidDecimal, s, err)
	}
	if d.IsNegative() {
		return Zero, fmt.Errorf("%w: %q is negative", ErrInvalidDecimal, s)
	}
	shifted := d.Shift(Decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return Zero, fmt.Errorf("%w: %q has more than %d fractional digits", ErrInvalidDecimal, s, Decimals)
	}
	return FromBig(shifted.BigInt())
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Fixed {
	f, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return f
}

// Raw returns a copy of the scaled integer.
func (f Fixed) Raw() *uint256.Int {
	return new(uint256.Int).Set(&f.v)
}

// Big returns the scaled integer as a big.Int.
func (f Fixed) Big() *big.Int {
	return f.v.ToBig()
}

// Decimal returns f as a shopspring decimal, for display and NUMERIC columns.
func (f Fixed) Decimal() decimal.Decimal {
	return decimal.NewFromBigInt(f.v.ToBig(), -Decimals)
}

func (f Fixed) String() string {
	return f.Decimal().String()
}

func (f Fixed) IsZero() bool     { return f.v.IsZero() }
func (f Fixed) Cmp(o Fixed) int  { return f.v.Cmp(&o.v) }
func (f Fixed) Eq(o Fixed) bool  { return f.v.Eq(&o.v) }
func (f Fixed) Lt(o Fixed) bool  { return f.v.Lt(&o.v) }
func (f Fixed) Gt(o Fixed) bool  { return f.v.Gt(&o.v) }
func (f Fixed) Lte(o Fixed) bool { return !f.v.Gt(&o.v) }
func (f Fixed) Gte(o Fixed) bool { return !f.v.Lt(&o.v) }

func Min(a, b Fixed) Fixed {
	if a.Lt(b) {
		return a
	}
	return b
}

func Max(a, b Fixed) Fixed {
	if a.Gt(b) {
		return a
	}
	return b
}

// AbsDiff returns |a - b|.
func AbsDiff(a, b Fixed) Fixed {
	var f Fixed
	if a.Gte(b) {
		f.v.Sub(&a.v, &b.v)
	} else {
		f.v.Sub(&b.v, &a.v)
	}
	return f
}

// Add returns f + o, failing on 256-bit overflow.
func (f Fixed) Add(o Fixed) (Fixed, error) {
	var r Fixed
	if _, overflow := r.v.AddOverflow(&f.v, &o.v); overflow {
		return Zero, ErrOverflow
	}
	return r, nil
}

// Sub returns f - o, failing when o > f.
func (f Fixed) Sub(o Fixed) (Fixed, error) {
	var r Fixed
	if _, underflow := r.v.SubOverflow(&f.v, &o.v); underflow {
		return Zero, ErrUnderflow
	}
	return r, nil
}

// SaturatingAdd clamps at MaxFixed instead of failing.
func (f Fixed) SaturatingAdd(o Fixed) Fixed {
	r, err := f.Add(o)
	if err != nil {
		return MaxFixed
	}
	return r
}

// SaturatingSub clamps at zero instead of failing.
func (f Fixed) SaturatingSub(o Fixed) Fixed {
	r, err := f.Sub(o)
	if err != nil {
		return Zero
	}
	return r
}

// Mul returns f * o truncated to 18 decimals.
func (f Fixed) Mul(o Fixed) (Fixed, error) {
	return mulDiv(&f.v, &o.v, scale, RoundDown)
}

// MulRound returns f * o with the given rounding.
func (f Fixed) MulRound(o Fixed, mode RoundingMode) (Fixed, error) {
	return mulDiv(&f.v, &o.v, scale, mode)
}

// Div returns f / o truncated to 18 decimals.
func (f Fixed) Div(o Fixed) (Fixed, error) {
	return f.DivRound(o, RoundDown)
}

// DivRound returns f / o with the given rounding.
func (f Fixed) DivRound(o Fixed, mode RoundingMode) (Fixed, error) {
	if o.v.IsZero() {
		return Zero, ErrDivisionByZero
	}
	return mulDiv(&f.v, scale, &o.v, mode)
}

// MulDiv returns a*b/c with a 512-bit intermediate, so share conversions do
// not lose precision to an intermediate rounding.
func MulDiv(a, b, c Fixed, mode RoundingMode) (Fixed, error) {
	if c.v.IsZero() {
		return Zero, ErrDivisionByZero
	}
	return mulDiv(&a.v, &b.v, &c.v, mode)
}

// MulInt multiplies by a plain integer (block counts, attempt counts).
func (f Fixed) MulInt(n uint64) (Fixed, error) {
	var r Fixed
	if _, overflow := r.v.MulOverflow(&f.v, uint256.NewInt(n)); overflow {
		return Zero, ErrOverflow
	}
	return r, nil
}

// MulAdd returns base + a*b. Either step overflowing is an error; the result
// is never wrapped.
func MulAdd(base, a, b Fixed) (Fixed, error) {
	product, err := a.Mul(b)
	if err != nil {
		return Zero, err
	}
	return base.Add(product)
}

// Pow returns base^n by repeated squaring, truncating after every
// multiplication. The result only depends on (base, n), never on how the
// exponent was split across calls.
func Pow(base Fixed, n uint64) (Fixed, error) {
	result := One
	for n > 0 {
		var err error
		if n&1 == 1 {
			if result, err = result.Mul(base); err != nil {
				return Zero, err
			}
		}
		n >>= 1
		if n > 0 {
			if base, err = base.Mul(base); err != nil {
				return Zero, err
			}
		}
	}
	return result, nil
}

func mulDiv(x, y, d *uint256.Int, mode RoundingMode) (Fixed, error) {
	var r Fixed
	if x.IsZero() || y.IsZero() {
		return r, nil
	}
	if _, overflow := r.v.MulDivOverflow(x, y, d); overflow {
		return Zero, ErrOverflow
	}
	if mode == RoundUp {
		var rem uint256.Int
		if !rem.MulMod(x, y, d).IsZero() {
			if _, overflow := r.v.AddOverflow(&r.v, uint256.NewInt(1)); overflow {
				return Zero, ErrOverflow
			}
		}
	}
	return r, nil
}

// MarshalText renders the decimal form; TOML and JSON both go through it.
func (f Fixed) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

func (f *Fixed) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}
