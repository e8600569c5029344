// Package rerrors defines the error taxonomy shared by recalld components.
//
// Every failure reaching the orchestrator is one of three kinds. Transient
// errors may be retried inside the current tier's time slice. Permanent
// errors fail the tier at once. Invariant violations are programming errors
// that are logged loudly and then treated as tier failures.
package rerrors

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind sentinels. Match with errors.Is.
var (
	ErrTransient          = errors.New("transient external error")
	ErrPermanent          = errors.New("permanent external error")
	ErrInvariantViolation = errors.New("invariant violation")
)

// Kind classifies an error.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransient
	KindPermanent
	KindInvariant
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindInvariant:
		return "invariant"
	default:
		return "unknown"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindTransient:
		return ErrTransient
	case KindPermanent:
		return ErrPermanent
	case KindInvariant:
		return ErrInvariantViolation
	default:
		return nil
	}
}

// Error is a classified error raised by operation Op.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the kind sentinel as well as anything in the wrapped chain.
func (e *Error) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

// Transient wraps err as a transient failure of op.
func Transient(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// Permanent wraps err as a permanent failure of op.
func Permanent(op string, err error) error {
	return &Error{Kind: KindPermanent, Op: op, Err: err}
}

// Invariant reports a violated invariant in op.
func Invariant(op, format string, args ...interface{}) error {
	return &Error{Kind: KindInvariant, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of err. Unclassified errors are run through
// Classify.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Classify(err)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool { return KindOf(err) == KindTransient }

// IsInvariant reports whether err is a programming error.
func IsInvariant(err error) bool { return KindOf(err) == KindInvariant }

// Classify maps raw errors from collaborators onto a Kind. Context expiry
// and retryable gRPC codes are transient; everything else is permanent.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransient
	}
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
			return KindTransient
		}
	}
	return KindPermanent
}

// FromHTTPStatus classifies an HTTP status code returned by a remote API.
func FromHTTPStatus(code int) Kind {
	switch {
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout:
		return KindTransient
	case code >= 500:
		return KindTransient
	default:
		return KindPermanent
	}
}

// Wrap classifies err with Classify and wraps it for op. Already classified
// errors are returned unchanged.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: Classify(err), Op: op, Err: err}
}
