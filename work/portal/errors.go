package portal

import (
	"errors"
	"fmt"
)

// ErrorKind classifies portal failures so callers can decide between retry,
// failover and immediate surfacing.
type ErrorKind int

const (
	// KindUnreachable is a network or transport level failure. Retried.
	KindUnreachable ErrorKind = iota
	// KindAuthFailed is a protocol level failure: HTTP error status, missing
	// token, or a response body that does not parse. Never retried.
	KindAuthFailed
	// KindThrottled is HTTP 429 or 503 from the portal. Retried with backoff.
	KindThrottled
	// KindNoLink means the portal answered but returned an empty or sentinel
	// stream command for the requested channel. Triggers dispatcher failover.
	KindNoLink
)

// String returns the kind as a short label for logs and metrics.
func (k ErrorKind) String() string {
	switch k {
	case KindUnreachable:
		return "unreachable"
	case KindAuthFailed:
		return "auth_failed"
	case KindThrottled:
		return "throttled"
	case KindNoLink:
		return "no_link"
	default:
		return "unknown"
	}
}

// Error is the structured error surfaced by every client operation.
type Error struct {
	Kind ErrorKind
	Op   string // portal action that failed, e.g. "handshake", "create_link"
	Err  error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("portal %s (%s): %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("portal %s (%s)", e.Op, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// newError wraps err with a kind and the failing action.
func newError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the ErrorKind from err, defaulting to KindUnreachable for
// anything that is not a portal error.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnreachable
}

// IsKind reports whether err is a portal error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == kind
}

// retryable reports whether the error is worth another attempt.
func retryable(err error) bool {
	var pe *Error
	if !errors.As(err, &pe) {
		return false
	}
	return pe.Kind == KindUnreachable || pe.Kind == KindThrottled
}
