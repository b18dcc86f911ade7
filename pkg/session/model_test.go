package session_test

import (
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openkcm/session-relay/internal/serviceerr"
	"github.com/openkcm/session-relay/pkg/session"
)

func signedToken(t *testing.T, claims jwt.Claims) string {
	t.Helper()

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: []byte("0123456789abcdef0123456789abcdef")},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	require.NoError(t, err)

	token, err := jwt.Signed(signer).Claims(claims).Serialize()
	require.NoError(t, err)

	return token
}

func TestSession_Validate(t *testing.T) {
	tests := []struct {
		name      string
		session   session.Session
		assertErr assert.ErrorAssertionFunc
	}{
		{
			name:      "token and user",
			session:   session.Session{Token: "abc", User: session.User{Email: "a@b.com"}},
			assertErr: assert.NoError,
		},
		{
			name:      "token and user id only",
			session:   session.Session{Token: "abc", User: session.User{ID: "u-1"}},
			assertErr: assert.NoError,
		},
		{
			name:      "token without user",
			session:   session.Session{Token: "abc"},
			assertErr: assert.Error,
		},
		{
			name:      "user without token",
			session:   session.Session{User: session.User{Email: "a@b.com"}},
			assertErr: assert.Error,
		},
		{
			name:      "user with only metadata is not identifying",
			session:   session.Session{Token: "abc", User: session.User{Metadata: map[string]any{"plan": "pro"}}},
			assertErr: assert.Error,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.session.Validate()
			if tt.assertErr(t, err) && err != nil {
				assert.ErrorIs(t, err, serviceerr.ErrPartialSession)
			}
		})
	}
}

func TestSession_Equal(t *testing.T) {
	a := session.Session{Token: "abc", User: session.User{Email: "a@b.com", Metadata: map[string]any{"plan": "pro"}}}
	b := session.Session{Token: "abc", User: session.User{Email: "a@b.com", Metadata: map[string]any{"plan": "pro"}}}

	assert.True(t, a.Equal(b))

	b.User.Metadata["plan"] = "free"
	assert.False(t, a.Equal(b))

	c := a
	c.RefreshToken = "rt"
	assert.False(t, a.Equal(c))
}

func TestTokenExpiry(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)

	t.Run("jwt with exp", func(t *testing.T) {
		got, ok := session.TokenExpiry(signedToken(t, jwt.Claims{Subject: "u-1", Expiry: jwt.NewNumericDate(exp)}))
		require.True(t, ok)
		assert.True(t, exp.Equal(got))
	})

	t.Run("jwt without exp", func(t *testing.T) {
		_, ok := session.TokenExpiry(signedToken(t, jwt.Claims{Subject: "u-1"}))
		assert.False(t, ok)
	})

	t.Run("opaque token", func(t *testing.T) {
		_, ok := session.TokenExpiry("opaque-token")
		assert.False(t, ok)
	})
}

func TestNewEntryAndStatus(t *testing.T) {
	now := time.Now()
	exp := now.Add(time.Hour).Truncate(time.Second)
	s := session.Session{
		Token: signedToken(t, jwt.Claims{Expiry: jwt.NewNumericDate(exp)}),
		User:  session.User{ID: "u-1", Email: "a@b.com"},
	}

	entry := session.NewEntry(s, now)
	assert.Equal(t, now, entry.StoredAt)
	assert.True(t, exp.Equal(entry.ExpiresAt))

	status := session.StatusOf(entry)
	assert.True(t, status.Authenticated)
	require.NotNil(t, status.User)
	assert.Equal(t, "a@b.com", status.User.Email)
	assert.Equal(t, entry.ExpiresAt, status.ExpiresAt)
}
