package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
)

// APIKey returns middleware that requires the X-Api-Key header to match
// the configured secret. Both sides are hashed before comparison so the
// check runs in constant time regardless of key length.
func APIKey(secret string) func(http.Handler) http.Handler {
	expected := sha256.Sum256([]byte(secret))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := sha256.Sum256([]byte(r.Header.Get("X-Api-Key")))
			if subtle.ConstantTimeCompare(provided[:], expected[:]) != 1 {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"success": false, "error": "invalid api key"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
