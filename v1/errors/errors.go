package errors

import "errors"

var (
	// ErrTimeout reports that an operation exceeded the caller's deadline.
	ErrTimeout = errors.New("timeout")
	// ErrInvalidArgument reports an out-of-range sizing parameter.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrLockCanceled reports that an outstanding lock request was withdrawn.
	ErrLockCanceled = errors.New("lock request canceled")
	// ErrLockHeld reports a refused cancellation: the request already holds the lock.
	ErrLockHeld = errors.New("cannot cancel an active lock")
	// ErrClosed reports use of a closed unit, pool or broker.
	ErrClosed = errors.New("closed")
	// ErrConnectionClosed reports a bus whose underlying transport went away.
	ErrConnectionClosed = errors.New("connection closed")
)
