package types

import "errors"

// Error taxonomy for caller-facing operations. Engine entry points return
// one of these (possibly wrapped with context via fmt.Errorf and %w) and
// never panic across the account-lock boundary.
var (
	// ErrValidation marks a malformed or invalid request. No state change.
	ErrValidation = errors.New("validation failed")

	// ErrInsufficientMargin means the pre-trade margin check failed.
	// No state change.
	ErrInsufficientMargin = errors.New("insufficient margin")

	// ErrInvalidState means the operation is not legal in the current
	// order or position status. No state change.
	ErrInvalidState = errors.New("invalid state for operation")

	// ErrNotFound marks an unknown order, position or account id.
	ErrNotFound = errors.New("not found")

	// ErrStaleQuote means price data is too old to price an execution
	// safely. The order is rejected rather than executed at a stale price.
	ErrStaleQuote = errors.New("stale quote")

	// ErrInternalInconsistency is an invariant violation, e.g. a filled
	// order with no position. Fatal for the affected account: the engine
	// halts further mutation on it pending manual intervention, without
	// taking down the process.
	ErrInternalInconsistency = errors.New("internal inconsistency")

	// ErrAccountHalted is returned for any mutation attempted on an
	// account previously flagged by ErrInternalInconsistency.
	ErrAccountHalted = errors.New("account halted pending review")
)
