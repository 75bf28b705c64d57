package auth

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
)

type contextKey string

const keyContextKey contextKey = "auth_key"

// FromContext returns the validated key record attached to the request, or
// nil on public paths.
func FromContext(ctx context.Context) *KeyRecord {
	if v, ok := ctx.Value(keyContextKey).(*KeyRecord); ok {
		return v
	}
	return nil
}

// ProjectFromContext returns the project the request's key is bound to.
func ProjectFromContext(ctx context.Context) string {
	if rec := FromContext(ctx); rec != nil {
		return rec.ProjectID
	}
	return ""
}

// Middleware validates Bearer tokens. Paths listed in public skip auth
// entirely; everything else needs a valid, enabled, unexpired key. When the
// manager is nil auth is disabled and all requests pass.
func Middleware(mgr *Manager, logger *slog.Logger, public ...string) func(http.Handler) http.Handler {
	publicSet := make(map[string]bool, len(public))
	for _, p := range public {
		publicSet[p] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if mgr == nil || publicSet[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			token, ok := bearerToken(r)
			if !ok {
				logger.Warn("auth: missing or malformed token", "path", r.URL.Path, "remote", r.RemoteAddr)
				http.Error(w, "authorization required", http.StatusUnauthorized)
				return
			}
			if !strings.HasPrefix(token, KeyPrefix) {
				logger.Warn("auth: bad key format", "path", r.URL.Path, "remote", r.RemoteAddr)
				http.Error(w, "invalid api key format", http.StatusUnauthorized)
				return
			}

			rec, err := mgr.Validate(r.Context(), token)
			if err != nil {
				logger.Warn("auth: validation failed", "path", r.URL.Path, "remote", r.RemoteAddr, "error", err)
				http.Error(w, "invalid api key", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), keyContextKey, rec)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminMiddleware guards admin routes with a static token compared in
// constant time. An empty configured token disables the admin surface.
func AdminMiddleware(adminToken string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if adminToken == "" {
				http.Error(w, "admin api disabled", http.StatusForbidden)
				return
			}
			token, ok := bearerToken(r)
			if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(adminToken)) != 1 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return "", false
	}
	return strings.TrimPrefix(auth, "Bearer "), true
}
