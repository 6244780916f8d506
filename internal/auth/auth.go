// Package auth implements password login and time-limited session tokens
// for the management API.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/kiranshivaraju/bugtrap/internal/store"
	"github.com/kiranshivaraju/bugtrap/pkg/models"
)

// ErrUnauthorized covers every authentication failure. Callers never learn
// whether the user, the password or the token was wrong.
var ErrUnauthorized = errors.New("unauthorized")

const tokenBytes = 32

// Store is the subset of store.Store the authenticator needs.
type Store interface {
	UpsertUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, username string) (*models.User, error)
	CreateSession(ctx context.Context, sess *models.Session) error
	GetSession(ctx context.Context, tokenHash string) (*models.Session, error)
	DeleteSession(ctx context.Context, tokenHash string) error
}

// Authenticator issues and checks session tokens.
type Authenticator struct {
	store Store
	ttl   time.Duration
	now   func() time.Time
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) { a.now = now }
}

// New creates an Authenticator whose sessions live for ttl.
func New(s Store, ttl time.Duration, opts ...Option) *Authenticator {
	a := &Authenticator{
		store: s,
		ttl:   ttl,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Login verifies the password and returns a fresh raw token. Only the
// token's SHA-256 is persisted.
func (a *Authenticator) Login(ctx context.Context, username, password string) (string, *models.Session, error) {
	user, err := a.store.GetUser(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil, ErrUnauthorized
	}
	if err != nil {
		return "", nil, fmt.Errorf("get user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", nil, ErrUnauthorized
	}

	token, err := newToken()
	if err != nil {
		return "", nil, err
	}
	now := a.now()
	sess := &models.Session{
		TokenHash: HashToken(token),
		Username:  user.Username,
		CreatedAt: now,
		ExpiresAt: now.Add(a.ttl),
	}
	if err := a.store.CreateSession(ctx, sess); err != nil {
		return "", nil, fmt.Errorf("create session: %w", err)
	}
	return token, sess, nil
}

// Validate returns the session for token if it exists and now is strictly
// before created_at + ttl. Expired sessions fail even while still stored.
func (a *Authenticator) Validate(ctx context.Context, token string) (*models.Session, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}
	sess, err := a.store.GetSession(ctx, HashToken(token))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if !a.now().Before(sess.CreatedAt.Add(a.ttl)) {
		return nil, ErrUnauthorized
	}
	return sess, nil
}

// Logout deletes the session for token.
func (a *Authenticator) Logout(ctx context.Context, token string) error {
	if token == "" {
		return ErrUnauthorized
	}
	err := a.store.DeleteSession(ctx, HashToken(token))
	if errors.Is(err, store.ErrNotFound) {
		return ErrUnauthorized
	}
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// Bootstrap ensures the configured admin account exists with the given
// bcrypt hash. An empty username is a no-op.
func (a *Authenticator) Bootstrap(ctx context.Context, username, passwordHash string) error {
	if username == "" {
		return nil
	}
	if _, err := bcrypt.Cost([]byte(passwordHash)); err != nil {
		return fmt.Errorf("ADMIN_PASSWORD_HASH is not a bcrypt hash: %w", err)
	}
	if err := a.store.UpsertUser(ctx, &models.User{
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    a.now(),
	}); err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}
	slog.Info("admin account ensured", "username", username)
	return nil
}

// HashPassword returns the bcrypt hash stored for a password.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(h), nil
}

// HashToken is the persisted form of a raw session token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func newToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
