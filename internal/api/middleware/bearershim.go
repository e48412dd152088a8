package middleware

import (
	"net/http"
	"strings"
)

// BearerShim adapts OpenAI-style auth on the compatibility namespace:
// clients there send Authorization: Bearer <key>, the gateway's canonical
// header is X-API-Key. The shim copies the bearer token across with a
// case-insensitive scheme match, on /v1/* paths only. An X-API-Key already
// present always wins; the shim never overwrites it.
func BearerShim(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/v1/") && r.Header.Get("X-API-Key") == "" {
			if auth := r.Header.Get("Authorization"); len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
				r.Header.Set("X-API-Key", strings.TrimSpace(auth[7:]))
			}
		}
		next.ServeHTTP(w, r)
	})
}
