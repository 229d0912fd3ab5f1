// Package window holds the pure time-window predicates for the default
// execution path. It has no state and no dependencies.
package window

import "errors"

var (
	// ErrInvalid means from >= to, or from not strictly in the future at
	// queue time.
	ErrInvalid = errors.New("invalid execution window")
	// ErrNotReady means the window has not opened yet.
	ErrNotReady = errors.New("execution window not yet open")
	// ErrExpired means the window has closed.
	ErrExpired = errors.New("execution window expired")
)

// ValidateQueue checks a window at queue time. The window must be non-empty
// and must open strictly after now.
func ValidateQueue(from, to, now int64) error {
	if from >= to {
		return ErrInvalid
	}
	if from <= now {
		return ErrInvalid
	}
	return nil
}

// CheckExecutable checks a window at execute time. Both bounds are
// inclusive: execution exactly at from or at to succeeds.
func CheckExecutable(from, to, now int64) error {
	if now < from {
		return ErrNotReady
	}
	if now > to {
		return ErrExpired
	}
	return nil
}
