package listing

import (
	"errors"
	"fmt"
)

// Sentinel categories for errors.Is checks. Individual errors carry
// their own context and wrap one of these.
var (
	// ErrContractViolation marks caller programming errors: mismatched
	// batch lengths, out-of-order pages, operations on finalized runs.
	ErrContractViolation = errors.New("contract violation")
	// ErrStorage marks persistence-layer failures that may be transient.
	ErrStorage = errors.New("storage error")
	// ErrState marks lifecycle misuse such as finalizing a run twice.
	ErrState = errors.New("state error")
)

// Narrower sentinels layered on the categories above so transports can
// map specific conditions without inspecting messages.
var (
	// ErrRunNotFound reports a run id that no store or coordinator knows.
	ErrRunNotFound = fmt.Errorf("%w: run not found", ErrState)
	// ErrRunNotActive reports an operation against a run that exists but
	// is no longer accepting pages.
	ErrRunNotActive = fmt.Errorf("%w: run not active", ErrContractViolation)
)

// ContractViolationf builds a caller-error wrapping ErrContractViolation.
func ContractViolationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrContractViolation, fmt.Sprintf(format, args...))
}

// StorageErrorf wraps an underlying persistence failure with ErrStorage
// so callers can distinguish retryable infrastructure faults from
// contract violations.
func StorageErrorf(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStorage, op, err)
}

// StateErrorf builds a lifecycle-misuse error wrapping ErrState.
func StateErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrState, fmt.Sprintf(format, args...))
}
