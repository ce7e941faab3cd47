package middleware

import (
	"crypto/subtle"
	"net/http"
)

// RequireInternalSecret validates the X-Internal-Secret header for
// service-to-service calls such as a cron-triggered ingestion run. An empty
// secret disables the route.
func RequireInternalSecret(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get("X-Internal-Secret")
			if secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				writeAuthError(w, http.StatusForbidden, "E_FORBIDDEN", "invalid internal secret")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
