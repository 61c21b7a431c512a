package cache

import "errors"

var (
	// ErrNotFound is returned when a key is absent and the loader could not recover it.
	ErrNotFound = errors.New("not found")
	// ErrInvalidArgument is returned for zero keys, nil values and key/value mismatches.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrLockTimeout is returned when a key lock could not be acquired within the retry budget.
	// It usually means two units of work wait on each other.
	ErrLockTimeout = errors.New("key lock not acquired, possible deadlock")
	// ErrRegistryClosed is returned when registering on a closed listener registry.
	ErrRegistryClosed = errors.New("listener registry closed")
)
