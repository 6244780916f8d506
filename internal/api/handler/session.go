package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	mw "github.com/kiranshivaraju/bugtrap/internal/api/middleware"
	"github.com/kiranshivaraju/bugtrap/internal/api/response"
	"github.com/kiranshivaraju/bugtrap/internal/auth"
	"github.com/kiranshivaraju/bugtrap/pkg/models"
)

// Sessions issues and revokes session tokens.
type Sessions interface {
	Login(ctx context.Context, username, password string) (string, *models.Session, error)
	Logout(ctx context.Context, token string) error
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewLoginHandler returns an http.HandlerFunc for POST /api/v1/auth/login.
// The token is returned in the body and set as an HttpOnly cookie.
func NewLoginHandler(s Sessions, secureCookie bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "Invalid JSON body", nil)
			return
		}
		if req.Username == "" || req.Password == "" {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "username and password are required", nil)
			return
		}

		token, sess, err := s.Login(r.Context(), req.Username, req.Password)
		if errors.Is(err, auth.ErrUnauthorized) {
			response.Error(w, http.StatusUnauthorized, response.CodeUnauthorized, "Invalid username or password", nil)
			return
		}
		if err != nil {
			slog.Error("login failed", "error", err)
			response.Error(w, http.StatusInternalServerError, response.CodeInternal, "Failed to create session", nil)
			return
		}

		http.SetCookie(w, &http.Cookie{
			Name:     mw.SessionCookie,
			Value:    token,
			Path:     "/",
			Expires:  sess.ExpiresAt,
			HttpOnly: true,
			Secure:   secureCookie,
			SameSite: http.SameSiteStrictMode,
		})
		response.JSON(w, loginResponse{Token: token, ExpiresAt: sess.ExpiresAt})
	}
}

// NewLogoutHandler returns an http.HandlerFunc for POST /api/v1/auth/logout.
func NewLogoutHandler(s Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := s.Logout(r.Context(), mw.SessionToken(r))
		if errors.Is(err, auth.ErrUnauthorized) {
			response.Error(w, http.StatusUnauthorized, response.CodeUnauthorized, "No active session", nil)
			return
		}
		if err != nil {
			slog.Error("logout failed", "error", err)
			response.Error(w, http.StatusInternalServerError, response.CodeInternal, "Failed to end session", nil)
			return
		}

		http.SetCookie(w, &http.Cookie{
			Name:     mw.SessionCookie,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
		})
		response.NoContent(w)
	}
}
