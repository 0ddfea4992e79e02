package webdav

import (
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/net/webdav"

	"github.com/vaultfs/vaultfs/internal/auth"
	"github.com/vaultfs/vaultfs/internal/logging"
	"github.com/vaultfs/vaultfs/internal/vfs"
)

// Prefix is the URL path the WebDAV handler is mounted under.
const Prefix = "/webdav"

// NewHandler creates a WebDAV HTTP handler for v. A nil a disables
// authentication.
func NewHandler(v *vfs.VFS, a *auth.Auth) http.Handler {
	davHandler := &webdav.Handler{
		Prefix:     Prefix,
		FileSystem: NewFS(v),
		LockSystem: webdav.NewMemLS(),
		Logger: func(r *http.Request, err error) {
			if err != nil {
				logging.WithContext(r.Context()).Debug("webdav request failed",
					zap.String("method", r.Method),
					logging.Path(r.URL.Path),
					logging.Err(err))
			}
		},
	}
	if a == nil {
		return davHandler
	}
	return BasicAuthMiddleware(a)(davHandler)
}
