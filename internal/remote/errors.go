package remote

import (
	"context"
	"errors"
	"fmt"
	"net"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind is the closed error taxonomy produced once at the store boundary
// and consumed uniformly by the core. Business logic branches on Kind,
// never on backend error strings.
type Kind int

const (
	// KindUnexpected covers everything outside the other classes: logged,
	// optimistic state rolled back, user notified generically.
	KindUnexpected Kind = iota

	// KindValidation is rejected before any write is attempted and never
	// retried automatically.
	KindValidation

	// KindTransient marks connectivity-class failures: the mutation stays
	// applied locally and is retried on reconnection.
	KindTransient

	// KindPermission means "no access": displayed state is cleared only if
	// no snapshot-backed fallback exists.
	KindPermission
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindTransient:
		return "transient"
	case KindPermission:
		return "permission"
	default:
		return "unexpected"
	}
}

// Error pairs a Kind with the underlying cause.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrOffline is returned for mutations refused while the device is known
// to be offline.
var ErrOffline = &Error{Kind: KindTransient, Err: errors.New("device is offline")}

// NewValidation wraps a pre-write rejection.
func NewValidation(msg string) *Error {
	return &Error{Kind: KindValidation, Err: errors.New(msg)}
}

// Classify maps an arbitrary store error into the taxonomy. It understands
// gRPC status codes (the wire protocol of the document store) plus generic
// network and context failures.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var re *Error
	if errors.As(err, &re) {
		return re
	}

	if s, ok := status.FromError(err); ok {
		switch s.Code() {
		case codes.PermissionDenied, codes.Unauthenticated:
			return &Error{Kind: KindPermission, Err: err}
		case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
			return &Error{Kind: KindTransient, Err: err}
		case codes.InvalidArgument:
			return &Error{Kind: KindValidation, Err: err}
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTransient, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &Error{Kind: KindTransient, Err: err}
	}

	return &Error{Kind: KindUnexpected, Err: err}
}

// KindOf is shorthand for Classify(err).Kind with a nil guard.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnexpected
	}
	return Classify(err).Kind
}
