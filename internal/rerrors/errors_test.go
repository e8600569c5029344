package rerrors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestError_IsMatchesKindAndCause(t *testing.T) {
	cause := errors.New("boom")
	err := Transient("memorystore.search", cause)

	assert.ErrorIs(t, err, ErrTransient)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrPermanent)
	assert.Contains(t, err.Error(), "memorystore.search")
	assert.Contains(t, err.Error(), "boom")
}

func TestError_SurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("tier failed: %w", Invariant("search.run", "no queries"))

	assert.ErrorIs(t, err, ErrInvariantViolation)
	assert.True(t, IsInvariant(err))
	assert.False(t, IsTransient(err))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"deadline", context.DeadlineExceeded, KindTransient},
		{"wrapped deadline", fmt.Errorf("query: %w", context.DeadlineExceeded), KindTransient},
		{"canceled", context.Canceled, KindTransient},
		{"grpc unavailable", status.Error(grpccodes.Unavailable, "down"), KindTransient},
		{"grpc exhausted", status.Error(grpccodes.ResourceExhausted, "quota"), KindTransient},
		{"grpc invalid", status.Error(grpccodes.InvalidArgument, "bad"), KindPermanent},
		{"grpc unauthenticated", status.Error(grpccodes.Unauthenticated, "who"), KindPermanent},
		{"plain", errors.New("malformed"), KindPermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestFromHTTPStatus(t *testing.T) {
	assert.Equal(t, KindTransient, FromHTTPStatus(http.StatusTooManyRequests))
	assert.Equal(t, KindTransient, FromHTTPStatus(http.StatusBadGateway))
	assert.Equal(t, KindTransient, FromHTTPStatus(529))
	assert.Equal(t, KindPermanent, FromHTTPStatus(http.StatusUnauthorized))
	assert.Equal(t, KindPermanent, FromHTTPStatus(http.StatusBadRequest))
}

func TestWrap_KeepsExistingKind(t *testing.T) {
	perm := Permanent("oracle.generate", errors.New("auth"))
	assert.Same(t, perm, Wrap("other", perm))

	wrapped := Wrap("memorystore.search", context.DeadlineExceeded)
	assert.True(t, IsTransient(wrapped))
	assert.Nil(t, Wrap("noop", nil))
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "transient", KindTransient.String())
	assert.Equal(t, "permanent", KindPermanent.String())
	assert.Equal(t, "invariant", KindInvariant.String())
	assert.Equal(t, "unknown", KindUnknown.String())
}
