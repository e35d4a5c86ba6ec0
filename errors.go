package coordinate

import (
	"errors"
	"fmt"
)

// Business-rule errors. These are expected outcomes of contention or invalid
// input: operations never retry them, and the write operations recover them
// into a failure result instead of raising them.
var (
	ErrAccountNotFound       = errors.New("account not found")
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrInsufficientInventory = errors.New("insufficient inventory")
	ErrAlreadyLocked         = errors.New("resource is already locked")
	ErrInvalidAmount         = errors.New("amount must be positive")

	// ErrNoDocument is returned by gateway lookups when no document matches.
	ErrNoDocument = errors.New("no matching document")
)

// transienter is the capability a store error exposes to mark itself as
// retryable. Any adapter error type may implement it.
type transienter interface {
	Transient() bool
}

// TransientError wraps an infrastructure error the store considers retryable,
// such as a write conflict or an unknown commit result.
type TransientError struct {
	err error
}

// Transient marks an error as retryable at the coordinator level.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{err: err}
}

func (e *TransientError) Error() string   { return fmt.Sprintf("transient: %v", e.err) }
func (e *TransientError) Unwrap() error   { return e.err }
func (e *TransientError) Transient() bool { return true }

// IsTransient reports whether err (or anything it wraps) carries the
// transient marker. The retry policy consults only this classification; it
// has no knowledge of any particular store's error representation.
func IsTransient(err error) bool {
	for err != nil {
		if t, ok := err.(transienter); ok {
			return t.Transient()
		}
		err = errors.Unwrap(err)
	}
	return false
}
