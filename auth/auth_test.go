package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newModule(t *testing.T) *AuthModule {
	t.Helper()
	hash, err := HashPassword("s3cret")
	require.NoError(t, err)
	return NewAuthModule("test-secret", map[string]string{"admin": hash})
}

func TestLoginAndValidate(t *testing.T) {
	a := newModule(t)
	ctx := context.Background()

	token, err := a.LoginWithJWT(ctx, "admin", "s3cret")
	require.NoError(t, err)

	user, err := a.ValidateTokenJWT(ctx, "Bearer "+token)
	require.NoError(t, err)
	assert.Equal(t, "admin", user)

	user, err = a.ValidateTokenJWT(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "admin", user)
}

func TestLoginRejected(t *testing.T) {
	a := newModule(t)
	_, err := a.LoginWithJWT(context.Background(), "admin", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = a.LoginWithJWT(context.Background(), "nobody", "s3cret")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestValidateRejects(t *testing.T) {
	a := newModule(t)
	ctx := context.Background()
	token, err := a.LoginWithJWT(ctx, "admin", "s3cret")
	require.NoError(t, err)

	other := NewAuthModule("other-secret", a.users)
	_, err = other.ValidateTokenJWT(ctx, token)
	assert.Error(t, err, "signed with another secret")

	a.now = func() time.Time { return time.Now().Add(25 * time.Hour) }
	_, err = a.ValidateTokenJWT(ctx, token)
	assert.Error(t, err, "expired")

	_, err = a.ValidateTokenJWT(ctx, "")
	assert.Error(t, err)

	removed := NewAuthModule("test-secret", map[string]string{})
	_, err = removed.ValidateTokenJWT(ctx, token)
	assert.ErrorContains(t, err, "unknown user")
}

func TestEnabled(t *testing.T) {
	var nilModule *AuthModule
	assert.False(t, nilModule.Enabled())
	assert.False(t, NewAuthModule("", nil).Enabled())
	assert.True(t, NewAuthModule("x", nil).Enabled())
}
