package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/diracgrid/pilotauth/internal/common"
	"github.com/diracgrid/pilotauth/internal/server/services"
)

type ctxKey string

const pilotKey ctxKey = "pilot"

func bearerToken(r *http.Request) string {
	h := r.Header.Get(common.AuthorizationHeaderName)
	if !strings.HasPrefix(h, common.BearerPrefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(h, common.BearerPrefix))
}

// pilotFromContext returns the pilot stored by requirePilot.
func pilotFromContext(ctx context.Context) (services.AuthenticatedPilot, bool) {
	p, ok := ctx.Value(pilotKey).(services.AuthenticatedPilot)
	return p, ok
}

// requirePilot rejects requests without a valid pilot access token.
func (h *Handlers) requirePilot(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing token")
			return
		}

		pilot, err := h.auth.Authenticate(token)
		if err != nil {
			status, detail := statusFor(err)
			writeError(w, status, detail)
			return
		}

		next(w, r.WithContext(context.WithValue(r.Context(), pilotKey, *pilot)))
	}
}

// requireAdmin guards pilot registration with the configured admin token.
func (h *Handlers) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if h.adminToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "admin token required")
			return
		}
		next(w, r)
	}
}

// recoverer turns handler panics into 500s.
func (h *Handlers) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				h.logger.Error(r.Context(), "handler panic", "panic", p, "path", r.URL.Path)
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
