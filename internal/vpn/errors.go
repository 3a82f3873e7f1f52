package vpn

import "errors"

var (
	// ErrInvalidStateTransition is returned when an operation is requested
	// in a state that does not allow it.
	ErrInvalidStateTransition = errors.New("invalid state transition")
	// ErrSetupFailure indicates connection creation or activation failed.
	ErrSetupFailure = errors.New("tunnel setup failed")
	// ErrPrecheckFailure indicates the server was unreachable before any
	// activation was attempted.
	ErrPrecheckFailure = errors.New("server unreachable")
	// ErrDeviceLost indicates the underlying interface disappeared
	// unexpectedly.
	ErrDeviceLost = errors.New("device lost")
	// ErrPersistenceCorruption indicates the on-disk record could not be
	// decoded.
	ErrPersistenceCorruption = errors.New("persisted record corrupted")
	// ErrTeardownFailure indicates deactivation or removal did not complete
	// within bounds.
	ErrTeardownFailure = errors.New("tunnel teardown failed")
)
