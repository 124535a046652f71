package errs

import "errors"

// Ledger and orchestration error taxonomy. Every invariant violation maps to
// exactly one of these sentinels so callers can branch with errors.Is.
var (
	ErrUnauthorized                 = errors.New("unauthorized")
	ErrInvalidAmount                = errors.New("invalid amount")
	ErrInsufficientLiquidity        = errors.New("insufficient liquidity")
	ErrInsufficientLockedCollateral = errors.New("insufficient locked collateral")
	ErrAlreadyDistributed           = errors.New("already distributed")
	ErrUnknownToken                 = errors.New("unknown token")
	ErrPolicyNotFound               = errors.New("policy not found")
	ErrNotExercisable               = errors.New("not exercisable")
	ErrOracleUnavailable            = errors.New("oracle unavailable")
	ErrPricingUnavailable           = errors.New("pricing unavailable")
	ErrTransferFailed               = errors.New("transfer failed")
	ErrStateConflict                = errors.New("state conflict")
)

// Terminal reports whether err is a ledger-invariant rejection that must not
// be retried. Transport failures are everything outside the taxonomy.
func Terminal(err error) bool {
	for _, sentinel := range []error{
		ErrUnauthorized,
		ErrInvalidAmount,
		ErrInsufficientLiquidity,
		ErrInsufficientLockedCollateral,
		ErrAlreadyDistributed,
		ErrUnknownToken,
		ErrPolicyNotFound,
		ErrNotExercisable,
		ErrTransferFailed,
		ErrStateConflict,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}
