package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/kiranshivaraju/bugtrap/internal/api/handler"
	mw "github.com/kiranshivaraju/bugtrap/internal/api/middleware"
	"github.com/kiranshivaraju/bugtrap/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	IngestHandler http.HandlerFunc
	ReadyHandler  http.HandlerFunc
	LoginHandler  http.HandlerFunc
	LogoutHandler http.HandlerFunc

	ListIssues  http.HandlerFunc
	GetIssue    http.HandlerFunc
	IssueEvents http.HandlerFunc
	PatchIssue  http.HandlerFunc
	DeleteIssue http.HandlerFunc

	// TrustProxy takes the client IP from X-Forwarded-For / X-Real-IP.
	TrustProxy bool
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	if deps.TrustProxy {
		r.Use(chimw.RealIP)
	}
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Get("/api/v1/health", handler.Health)
	r.Get("/api/v1/ready", orNotImplemented(deps.ReadyHandler))

	// Public, rate limited per client IP
	r.Group(func(r chi.Router) {
		if deps.RateLimit != nil {
			r.Use(deps.RateLimit.Limit)
		}
		r.Post("/api/v1/events", orNotImplemented(deps.IngestHandler))
		r.Post("/api/v1/auth/login", orNotImplemented(deps.LoginHandler))
	})

	// Session-gated management routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)

		r.Post("/api/v1/auth/logout", orNotImplemented(deps.LogoutHandler))
		r.Get("/api/v1/issues", orNotImplemented(deps.ListIssues))
		r.Get("/api/v1/issues/{fingerprint}", orNotImplemented(deps.GetIssue))
		r.Get("/api/v1/issues/{fingerprint}/events", orNotImplemented(deps.IssueEvents))
		r.Patch("/api/v1/issues/{fingerprint}", orNotImplemented(deps.PatchIssue))
		r.Delete("/api/v1/issues/{fingerprint}", orNotImplemented(deps.DeleteIssue))
	})

	return otelhttp.NewHandler(r, "bugtrap",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
