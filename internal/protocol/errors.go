package protocol

import (
	"errors"

	fpmath "LendLedger/internal/math"
)

// Kind groups errors by what the caller can do about them.
type Kind int

const (
	KindUnknown Kind = iota
	KindAuthorization
	KindConfiguration
	KindOperationGated
	KindInsufficientFunds
	KindSolvency
	KindArithmetic
	KindExternal
)

func (k Kind) String() string {
	switch k {
	case KindAuthorization:
		return "AuthorizationError"
	case KindConfiguration:
		return "ConfigurationError"
	case KindOperationGated:
		return "OperationGatedError"
	case KindInsufficientFunds:
		return "InsufficientFundsError"
	case KindSolvency:
		return "SolvencyError"
	case KindArithmetic:
		return "ArithmeticError"
	case KindExternal:
		return "ExternalCollaboratorError"
	default:
		return "UnknownError"
	}
}

// Error is a typed protocol failure. Sentinels are compared with errors.Is;
// context is added by wrapping with %w.
type Error struct {
	Kind   Kind
	Code   string
	Reason string
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Reason
}

func newError(kind Kind, code, reason string) *Error {
	return &Error{Kind: kind, Code: code, Reason: reason}
}

var (
	ErrRequireAdmin = newError(KindAuthorization, "RequireAdmin", "caller lacks admin origin")
	ErrRequireRoot  = newError(KindAuthorization, "RequireRoot", "caller lacks root origin")
	ErrBadOrigin    = newError(KindAuthorization, "BadOrigin", "operation requires a signed caller")

	ErrNotValidUnderlyingAssetID = newError(KindConfiguration, "NotValidUnderlyingAssetId", "asset is not a valid underlying")
	ErrPoolNotFound              = newError(KindConfiguration, "PoolNotFound", "pool does not exist")
	ErrNotValidParameter         = newError(KindConfiguration, "NotValidParameter", "parameter out of range")
	ErrMntMintingEnabled         = newError(KindConfiguration, "MntMintingEnabled", "MNT minting is already enabled")
	ErrMntMintingDisabled        = newError(KindConfiguration, "MntMintingDisabled", "MNT minting is disabled")

	ErrOperationPaused    = newError(KindOperationGated, "OperationPaused", "operation is paused")
	ErrBorrowCapReached   = newError(KindOperationGated, "BorrowCapReached", "borrow cap reached")
	ErrNotEnoughBalance   = newError(KindInsufficientFunds, "NotEnoughBalance", "not enough balance")
	ErrNotEnoughLiquidity = newError(KindInsufficientFunds, "NotEnoughLiquidity", "pool lacks available liquidity")
	ErrRepayAmountTooBig  = newError(KindInsufficientFunds, "RepayAmountTooBig", "repay amount exceeds debt")
	ErrZeroAmount         = newError(KindInsufficientFunds, "ZeroAmount", "amount must be positive")

	ErrInsufficientCollateral  = newError(KindSolvency, "InsufficientCollateral", "insufficient collateral")
	ErrPositionNotLiquidatable = newError(KindSolvency, "PositionNotLiquidatable", "position is solvent")

	ErrArithmetic = newError(KindArithmetic, "ArithmeticOverflow", "checked arithmetic failed")

	ErrInsufficientDexBalance = newError(KindExternal, "InsufficientDexBalance", "exchange lacks liquidity")
	ErrSlippageExceeded       = newError(KindExternal, "SlippageExceeded", "swap exceeds slippage bound")
	ErrPriceUnavailable       = newError(KindExternal, "PriceUnavailable", "price is unavailable")
)

// KindOf classifies err. Raw fixed-point failures count as arithmetic.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if IsArithmetic(err) {
		return KindArithmetic
	}
	return KindUnknown
}

// CodeOf returns the stable code used in metrics labels and API responses.
func CodeOf(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	if IsArithmetic(err) {
		return ErrArithmetic.Code
	}
	return "Internal"
}

// IsArithmetic reports whether err came from checked fixed-point math.
func IsArithmetic(err error) bool {
	return errors.Is(err, ErrArithmetic) ||
		errors.Is(err, fpmath.ErrOverflow) ||
		errors.Is(err, fpmath.ErrUnderflow) ||
		errors.Is(err, fpmath.ErrDivisionByZero)
}
