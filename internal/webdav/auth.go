package webdav

import (
	"net/http"
	"strings"

	"github.com/vaultfs/vaultfs/internal/auth"
	"github.com/vaultfs/vaultfs/internal/logging"
	"github.com/vaultfs/vaultfs/internal/metrics"
)

const realm = `Basic realm="vaultfs"`

// BasicAuthMiddleware accepts a bearer token, or HTTP Basic credentials whose
// password is a token. The user name is ignored. Desktop WebDAV clients can
// only send Basic credentials.
func BasicAuthMiddleware(a *auth.Auth) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok {
				_, token, ok = r.BasicAuth()
			}
			if !ok || token == "" {
				metrics.RecordAuthAttempt(false)
				w.Header().Set("WWW-Authenticate", realm)
				http.Error(w, "Authentication required", http.StatusUnauthorized)
				return
			}

			claims, err := a.Validate(token)
			if err != nil {
				metrics.RecordAuthAttempt(false)
				logging.WithContext(r.Context()).Warn("webdav auth failed", logging.Err(err))
				w.Header().Set("WWW-Authenticate", realm)
				http.Error(w, "Invalid credentials", http.StatusUnauthorized)
				return
			}

			metrics.RecordAuthAttempt(true)
			next.ServeHTTP(w, r.WithContext(auth.WithClaims(r.Context(), claims)))
		})
	}
}
