package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/kiranshivaraju/bugtrap/internal/api/response"
	"github.com/kiranshivaraju/bugtrap/internal/auth"
	"github.com/kiranshivaraju/bugtrap/pkg/models"
)

// SessionCookie carries the session token for browser clients.
const SessionCookie = "bugtrap_session"

// SessionValidator checks a raw session token.
type SessionValidator interface {
	Validate(ctx context.Context, token string) (*models.Session, error)
}

// Auth gates management routes behind a valid session.
type Auth struct {
	sessions SessionValidator
}

// NewAuth creates a new Auth middleware.
func NewAuth(v SessionValidator) *Auth {
	return &Auth{sessions: v}
}

// Authenticate validates the session token from the Authorization header or
// the session cookie and stores the session in the request context.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := SessionToken(r)
		if token == "" {
			response.Error(w, http.StatusUnauthorized,
				response.CodeUnauthorized, "Missing session token", nil)
			return
		}

		sess, err := a.sessions.Validate(r.Context(), token)
		if errors.Is(err, auth.ErrUnauthorized) {
			response.Error(w, http.StatusUnauthorized,
				response.CodeUnauthorized, "Invalid or expired session", nil)
			return
		}
		if err != nil {
			slog.Error("session validation failed", "error", err)
			response.Error(w, http.StatusInternalServerError,
				response.CodeInternal, "Failed to validate session", nil)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), sess)))
	})
}

// SessionToken extracts a bearer token, falling back to the session cookie.
func SessionToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return ""
		}
		return strings.TrimSpace(parts[1])
	}
	if c, err := r.Cookie(SessionCookie); err == nil {
		return c.Value
	}
	return ""
}
