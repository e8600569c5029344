package identity

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromContext_FailsClosed(t *testing.T) {
	_, err := FromContext(context.Background())
	assert.ErrorIs(t, err, ErrMissingIdentity)
	assert.False(t, HasIdentity(context.Background()))

	ctx := WithJobContext(context.Background(), JobContext{ClientID: "web"})
	_, err = FromContext(ctx)
	assert.ErrorIs(t, err, ErrMissingIdentity, "client id alone is not an identity")
}

func TestWithJobContext_RoundTrip(t *testing.T) {
	jc := JobContext{UserID: "user-1", ClientID: "voice-app"}
	ctx := WithJobContext(context.Background(), jc)

	got, err := FromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, jc, got)
	assert.True(t, HasIdentity(ctx))
}

func TestWithJobContext_CopiesValue(t *testing.T) {
	jc := JobContext{UserID: "user-1", ClientID: "web"}
	ctx := WithJobContext(context.Background(), jc)

	jc.UserID = "user-2"

	got, err := FromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.UserID)
}

func TestJobContext_Validate(t *testing.T) {
	tests := []struct {
		name    string
		jc      JobContext
		wantErr bool
	}{
		{"valid", JobContext{UserID: "u_1", ClientID: "web"}, false},
		{"email style user", JobContext{UserID: "alice@example.com"}, false},
		{"empty client allowed", JobContext{UserID: "u1"}, false},
		{"empty user", JobContext{ClientID: "web"}, true},
		{"spaces", JobContext{UserID: "bad user"}, true},
		{"too long", JobContext{UserID: strings.Repeat("a", maxIDLen+1)}, true},
		{"bad client", JobContext{UserID: "u1", ClientID: "a/b"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.jc.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidIdentity)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRejectReason(t *testing.T) {
	tests := []struct {
		name   string
		jc     JobContext
		field  string
		reason string
	}{
		{"empty user", JobContext{}, "user id", ReasonEmpty},
		{"space", JobContext{UserID: "al ice"}, "user id", ReasonInvalidChars},
		{"non-ascii letter", JobContext{UserID: "zoë"}, "user id", ReasonInvalidChars},
		{"invalid utf8", JobContext{UserID: "a\xffb"}, "user id", ReasonInvalidUTF8},
		{"too long", JobContext{UserID: strings.Repeat("a", maxIDLen+1)}, "user id", ReasonTooLong},
		{"bad client", JobContext{UserID: "u1", ClientID: "a/b"}, "client id", ReasonInvalidChars},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.jc.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidIdentity)
			assert.Equal(t, tt.reason, RejectReason(err))

			var idErr *IDError
			require.ErrorAs(t, err, &idErr)
			assert.Equal(t, tt.field, idErr.Field)
		})
	}

	assert.Empty(t, RejectReason(ErrMissingIdentity))
	assert.Empty(t, RejectReason(nil))
}

func TestIDError_Message(t *testing.T) {
	err := JobContext{UserID: "al ice"}.Validate()
	assert.EqualError(t, err, "invalid identity: user id contains invalid characters")

	err = JobContext{UserID: strings.Repeat("a", maxIDLen+1)}.Validate()
	assert.EqualError(t, err, "invalid identity: user id exceeds max length 128")
}

func TestJobContext_Metadata(t *testing.T) {
	assert.Equal(t, map[string]interface{}{"user_id": "u1"}, JobContext{UserID: "u1"}.Metadata())
	assert.Equal(t,
		map[string]interface{}{"user_id": "u1", "client_id": "web"},
		JobContext{UserID: "u1", ClientID: "web"}.Metadata())
}
