package middleware

import (
	"crypto/subtle"
	"net/http"
)

// BasicAuthMiddleware protects a route group with HTTP Basic auth. When no
// credentials are configured the group is left open, which mirrors the
// development-mode behavior of the rest of the auth surface.
func BasicAuthMiddleware(user, pass string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if user == "" || pass == "" {
				next.ServeHTTP(w, r)
				return
			}

			gotUser, gotPass, ok := r.BasicAuth()
			if !ok ||
				subtle.ConstantTimeCompare([]byte(gotUser), []byte(user)) != 1 ||
				subtle.ConstantTimeCompare([]byte(gotPass), []byte(pass)) != 1 {
				w.Header().Set("WWW-Authenticate", `Basic realm="admin"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
