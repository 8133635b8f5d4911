package store

import "errors"

var (
	// ErrPersistenceUnavailable is returned when the circuit breaker rejects
	// a write without contacting the store.
	ErrPersistenceUnavailable = errors.New("persistence unavailable")

	// ErrConstraintViolation is returned on a data-invariant breach, such as
	// an unknown module reference or a mutation of a terminal robot.
	ErrConstraintViolation = errors.New("constraint violation")

	// ErrTimeout is returned when an operation exceeds its deadline.
	ErrTimeout = errors.New("store operation timed out")

	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("record not found")
)
