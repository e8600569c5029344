// Package identity carries the minimal per-user identity through contexts.
//
// Request handlers bind a JobContext once per request. Background work never
// inherits the request context, so jobs receive the JobContext by value and
// re-bind it onto their own context before running.
package identity

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"unicode/utf8"
)

// Identity errors. Lookups fail closed.
var (
	// ErrMissingIdentity is returned when no JobContext is bound to a context.
	ErrMissingIdentity = errors.New("identity missing from context")

	// ErrInvalidIdentity is returned when a user or client id is malformed.
	ErrInvalidIdentity = errors.New("invalid identity")
)

const maxIDLen = 128

// Reasons an id is rejected, as reported by IDError.
const (
	ReasonEmpty        = "empty"
	ReasonInvalidUTF8  = "invalid_utf8"
	ReasonTooLong      = "too_long"
	ReasonInvalidChars = "invalid_chars"
)

// Ids are ASCII only. Spaces and non-ASCII letters are rejected with
// ReasonInvalidChars.
var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_.@:-]+$`)

// JobContext is the identity a unit of work needs: who it is for and which
// client asked. It is a plain value and is always copied, never shared.
type JobContext struct {
	UserID   string
	ClientID string
}

// Validate checks both ids. ClientID may be empty.
func (jc JobContext) Validate() error {
	if err := validateID(jc.UserID, "user id"); err != nil {
		return err
	}
	if jc.ClientID == "" {
		return nil
	}
	return validateID(jc.ClientID, "client id")
}

// Metadata returns the identity as store metadata.
func (jc JobContext) Metadata() map[string]interface{} {
	meta := map[string]interface{}{"user_id": jc.UserID}
	if jc.ClientID != "" {
		meta["client_id"] = jc.ClientID
	}
	return meta
}

// IDError is a rejected user or client id. It matches ErrInvalidIdentity.
type IDError struct {
	Field  string
	Reason string
}

func (e *IDError) Error() string {
	var detail string
	switch e.Reason {
	case ReasonEmpty:
		detail = "cannot be empty"
	case ReasonInvalidUTF8:
		detail = "contains invalid UTF-8"
	case ReasonTooLong:
		detail = fmt.Sprintf("exceeds max length %d", maxIDLen)
	default:
		detail = "contains invalid characters"
	}
	return fmt.Sprintf("%s: %s %s", ErrInvalidIdentity, e.Field, detail)
}

func (e *IDError) Is(target error) bool {
	return target == ErrInvalidIdentity
}

// RejectReason returns the IDError reason in err's chain, or "" if there is
// none.
func RejectReason(err error) string {
	var idErr *IDError
	if errors.As(err, &idErr) {
		return idErr.Reason
	}
	return ""
}

func validateID(id, field string) error {
	switch {
	case id == "":
		return &IDError{Field: field, Reason: ReasonEmpty}
	case !utf8.ValidString(id):
		return &IDError{Field: field, Reason: ReasonInvalidUTF8}
	case len(id) > maxIDLen:
		return &IDError{Field: field, Reason: ReasonTooLong}
	case !idPattern.MatchString(id):
		return &IDError{Field: field, Reason: ReasonInvalidChars}
	}
	return nil
}

type jobContextKey struct{}

// WithJobContext binds jc to ctx.
func WithJobContext(ctx context.Context, jc JobContext) context.Context {
	return context.WithValue(ctx, jobContextKey{}, jc)
}

// FromContext returns the bound JobContext or ErrMissingIdentity.
func FromContext(ctx context.Context) (JobContext, error) {
	jc, ok := ctx.Value(jobContextKey{}).(JobContext)
	if !ok || jc.UserID == "" {
		return JobContext{}, ErrMissingIdentity
	}
	return jc, nil
}

// HasIdentity reports whether a user id is bound to ctx.
func HasIdentity(ctx context.Context) bool {
	_, err := FromContext(ctx)
	return err == nil
}
