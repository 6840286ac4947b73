package middleware

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

// AuthMiddleware guards the REST surface with a static bearer key. Health
// checks and metrics scrapes carry no credentials and always pass; an empty
// configured key disables the check entirely.
func AuthMiddleware(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}
			if apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" || parts[1] != apiKey {
				log.Ctx(r.Context()).Warn().
					Str("path", r.URL.Path).
					Msg("Rejected request with invalid API key")
				http.Error(w, "Invalid or missing API key", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
