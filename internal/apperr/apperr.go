// Package apperr classifies engine errors so that callers (HTTP handlers,
// alarm routing) can react to the kind of failure without matching every
// sentinel individually.
package apperr

import "errors"

// Kind is the failure category of an engine error.
type Kind int

const (
	// Unknown is returned for errors that carry no classification.
	Unknown Kind = iota
	// Validation errors are rejected before any state mutation; the caller
	// may retry with corrected input.
	Validation
	// Market errors (liquidity, slippage) are rejected before any transfer.
	Market
	// Authorization errors require a privilege change to succeed.
	Authorization
	// NotFound means the referenced pool or position does not exist.
	NotFound
	// Busy means the operation collided with one already in progress.
	Busy
	// Invariant violations must never happen under correct operation and
	// are surfaced as operational alarms.
	Invariant
	// Unavailable means a collaborator failed and the operation was rolled
	// back; the caller may retry once it recovers.
	Unavailable
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case Market:
		return "market"
	case Authorization:
		return "authorization"
	case NotFound:
		return "not_found"
	case Busy:
		return "busy"
	case Invariant:
		return "invariant"
	case Unavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Error is a classified sentinel error. Values are compared by identity,
// so errors.Is works against the package-level sentinels.
type Error struct {
	kind Kind
	msg  string
}

// New creates a classified sentinel error.
func New(kind Kind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

func (e *Error) Error() string { return e.msg }

// Kind returns the error's category.
func (e *Error) Kind() Kind { return e.kind }

// KindOf returns the category of the first classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return Unknown
}
