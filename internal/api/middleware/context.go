package middleware

import (
	"context"
	"net"
	"net/http"

	"github.com/kiranshivaraju/bugtrap/pkg/models"
)

type contextKey string

const sessionKey contextKey = "session"

// WithSession stores the authenticated session on ctx.
func WithSession(ctx context.Context, sess *models.Session) context.Context {
	return context.WithValue(ctx, sessionKey, sess)
}

// GetSession returns the session set by Auth.Authenticate.
func GetSession(r *http.Request) (*models.Session, bool) {
	sess, ok := r.Context().Value(sessionKey).(*models.Session)
	return sess, ok && sess != nil
}

// ClientIP is the remote host without its port. Run chi's RealIP ahead of
// this when behind a trusted proxy.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
