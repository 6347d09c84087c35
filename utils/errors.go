package utils

import (
	"errors"
	"fmt"
)

// Error kinds. Every failure surfaced by the core wraps exactly one of these,
// so callers can test with errors.Is regardless of how deep the wrapping goes.
var (
	ErrConfiguration        = errors.New("configuration error")
	ErrProtocolMismatch     = errors.New("protocol mismatch")
	ErrCommunicationFailure = errors.New("communication failure")
	ErrAllocationFailure    = errors.New("allocation failure")
)

// Error records which operation failed on which rank
type Error struct {
	Kind error  // One of the Err* sentinels above
	Op   string // e.g. "partitions.Build", "rearrange.Exchange"
	Rank int    // Reporting rank, -1 when not tied to a rank
	Err  error  // Underlying cause, may be nil
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Rank >= 0 {
		msg = fmt.Sprintf("rank %d: %s", e.Rank, msg)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind error, op string, rank int, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Rank: rank, Err: fmt.Errorf(format, args...)}
}

// Configuration reports an inconsistent extent, malformed segment set or
// mismatched group membership
func Configuration(op string, rank int, format string, args ...interface{}) error {
	return newError(ErrConfiguration, op, rank, format, args...)
}

// ProtocolMismatch reports buffers or payloads that disagree with a Router
func ProtocolMismatch(op string, rank int, format string, args ...interface{}) error {
	return newError(ErrProtocolMismatch, op, rank, format, args...)
}

// Allocation reports storage that could not be allocated
func Allocation(op string, rank int, format string, args ...interface{}) error {
	return newError(ErrAllocationFailure, op, rank, format, args...)
}

// Communication wraps a transport failure. A nil cause returns nil.
func Communication(op string, rank int, cause error) error {
	if cause == nil {
		return nil
	}
	var e *Error
	if errors.As(cause, &e) && errors.Is(cause, ErrCommunicationFailure) {
		return cause
	}
	return &Error{Kind: ErrCommunicationFailure, Op: op, Rank: rank, Err: cause}
}

// KindOf returns the sentinel kind of err, or nil if err is not one of ours
func KindOf(err error) error {
	for _, kind := range []error{ErrConfiguration, ErrProtocolMismatch,
		ErrCommunicationFailure, ErrAllocationFailure} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
