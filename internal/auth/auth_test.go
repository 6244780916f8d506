package auth

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/kiranshivaraju/bugtrap/internal/config"
	"github.com/kiranshivaraju/bugtrap/internal/store"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func setup(t *testing.T, ttl time.Duration) (*Authenticator, *fakeClock, store.Store) {
	t.Helper()
	s, err := store.Open(context.Background(), config.DatabaseConfig{
		URL: "sqlite:" + filepath.Join(t.TempDir(), "auth.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	clock := &fakeClock{t: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
	a := New(s, ttl, WithClock(clock.now))

	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, a.Bootstrap(context.Background(), "admin", string(hash)))
	return a, clock, s
}

func TestLogin_Success(t *testing.T) {
	a, _, s := setup(t, time.Hour)
	ctx := context.Background()

	token, sess, err := a.Login(ctx, "admin", "hunter2")
	require.NoError(t, err)
	assert.Len(t, token, 64)
	assert.Equal(t, "admin", sess.Username)
	assert.Equal(t, sess.CreatedAt.Add(time.Hour), sess.ExpiresAt)

	stored, err := s.GetSession(ctx, HashToken(token))
	require.NoError(t, err)
	assert.NotEqual(t, token, stored.TokenHash, "raw token is never stored")
}

func TestLogin_Failures(t *testing.T) {
	a, _, _ := setup(t, time.Hour)
	ctx := context.Background()

	_, _, err := a.Login(ctx, "admin", "wrong")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, _, err = a.Login(ctx, "nobody", "hunter2")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestLogin_TokensAreUnique(t *testing.T) {
	a, _, _ := setup(t, time.Hour)
	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		token, _, err := a.Login(context.Background(), "admin", "hunter2")
		require.NoError(t, err)
		assert.False(t, seen[token])
		seen[token] = true
	}
}

func TestValidate_TTLBoundary(t *testing.T) {
	ttl := 30 * time.Minute
	a, clock, _ := setup(t, ttl)
	ctx := context.Background()
	start := clock.t

	token, _, err := a.Login(ctx, "admin", "hunter2")
	require.NoError(t, err)

	clock.t = start.Add(ttl - time.Second)
	sess, err := a.Validate(ctx, token)
	require.NoError(t, err, "valid one second before expiry")
	assert.Equal(t, "admin", sess.Username)

	clock.t = start.Add(ttl)
	_, err = a.Validate(ctx, token)
	assert.ErrorIs(t, err, ErrUnauthorized, "expired exactly at created_at + ttl")

	clock.t = start.Add(ttl + time.Second)
	_, err = a.Validate(ctx, token)
	assert.ErrorIs(t, err, ErrUnauthorized, "expired one second after")
}

func TestValidate_UnknownToken(t *testing.T) {
	a, _, _ := setup(t, time.Hour)

	_, err := a.Validate(context.Background(), "deadbeef")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = a.Validate(context.Background(), "")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestLogout(t *testing.T) {
	a, _, _ := setup(t, time.Hour)
	ctx := context.Background()

	token, _, err := a.Login(ctx, "admin", "hunter2")
	require.NoError(t, err)

	require.NoError(t, a.Logout(ctx, token))
	_, err = a.Validate(ctx, token)
	assert.ErrorIs(t, err, ErrUnauthorized)

	assert.ErrorIs(t, a.Logout(ctx, token), ErrUnauthorized)
}

func TestBootstrap(t *testing.T) {
	a, _, s := setup(t, time.Hour)
	ctx := context.Background()

	assert.Error(t, a.Bootstrap(ctx, "admin", "plaintext"))
	assert.NoError(t, a.Bootstrap(ctx, "", ""))

	hash, err := HashPassword("correct horse")
	require.NoError(t, err)
	require.NoError(t, a.Bootstrap(ctx, "admin", hash))

	u, err := s.GetUser(ctx, "admin")
	require.NoError(t, err)
	assert.Equal(t, hash, u.PasswordHash, "bootstrap rotates the password")

	_, _, err = a.Login(ctx, "admin", "correct horse")
	assert.NoError(t, err)
}
