package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// APIKeyAuth validates the tenant API key and stows it on the context as
// the owner identity. The key doubles as the tenancy boundary: everything
// a request can see is scoped to it.
//
// Requests present the key via:
//   - X-API-Key: <key>
//   - Authorization: Bearer <key>
//   - api_key query parameter (SSE and WebSocket clients that cannot set
//     headers)
//
// /health and /version stay public. With no key configured auth is
// disabled; every request is attributed to the "default" owner, which is
// only sensible for local single-tenant runs.
type APIKeyAuth struct {
	key     string
	enabled bool
}

// NewAPIKeyAuth creates the auth middleware for one configured key.
func NewAPIKeyAuth(key string) *APIKeyAuth {
	return &APIKeyAuth{key: key, enabled: key != ""}
}

// Enabled reports whether a key is configured.
func (a *APIKeyAuth) Enabled() bool { return a.enabled }

// Middleware enforces the key and attaches the owner to the context.
func (a *APIKeyAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		if !a.enabled {
			next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), "default")))
			return
		}

		candidate := extractAPIKey(r)
		if candidate == "" {
			respondUnauthorized(w, "API key required. Set X-API-Key or Authorization: Bearer <key>.")
			return
		}
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(a.key)) != 1 {
			respondUnauthorized(w, "Invalid API key.")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), candidate)))
	})
}

func extractAPIKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	if auth := r.Header.Get("Authorization"); len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	if key := r.URL.Query().Get("api_key"); key != "" {
		return key
	}
	return ""
}

func isPublicPath(path string) bool {
	return path == "/health" || path == "/version"
}

func respondUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="agentgate"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{
		"code":    "authentication_failed",
		"message": msg,
	})
}
