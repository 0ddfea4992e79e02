// Package api provides the HTTP server and handlers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/vaultfs/vaultfs/internal/auth"
	"github.com/vaultfs/vaultfs/internal/events"
	"github.com/vaultfs/vaultfs/internal/logging"
	"github.com/vaultfs/vaultfs/internal/metrics"
	"github.com/vaultfs/vaultfs/internal/ratelimit"
	"github.com/vaultfs/vaultfs/internal/vfs"
	"github.com/vaultfs/vaultfs/internal/webdav"
)

// Options configures a Server.
type Options struct {
	// MaxUploadSize bounds request bodies of PUT and upload requests.
	MaxUploadSize int64
	// Export receives POST /export downloads. Nil disables the endpoint.
	Export vfs.Sink
	// JWTSecret enables bearer-token authentication when non-empty.
	JWTSecret string
	// RateLimitRPM bounds requests per minute per client. 0 disables it.
	RateLimitRPM int
	// WebDAV mounts the WebDAV frontend under /webdav/.
	WebDAV bool
}

// Server is the HTTP server.
type Server struct {
	fs            *vfs.VFS
	broadcaster   *events.Broadcaster
	export        vfs.Sink
	auth          *auth.Auth
	limiter       *ratelimit.Limiter
	maxUploadSize int64
	webdav        bool
}

// NewServer creates a new server.
func NewServer(fs *vfs.VFS, broadcaster *events.Broadcaster, opts Options) *Server {
	s := &Server{
		fs:            fs,
		broadcaster:   broadcaster,
		export:        opts.Export,
		limiter:       ratelimit.New(opts.RateLimitRPM),
		maxUploadSize: opts.MaxUploadSize,
		webdav:        opts.WebDAV,
	}
	if opts.JWTSecret != "" {
		// WebDAV checks its own credentials.
		s.auth = auth.New(opts.JWTSecret, "/health", webdav.Prefix+"/")
	}
	if s.maxUploadSize <= 0 {
		s.maxUploadSize = 100 << 20
	}
	return s
}

// Handler returns the HTTP handler with all routes and middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/events", s.handleEvents)

	mux.HandleFunc("GET /api/v1/list/{path...}", s.handleList)
	mux.HandleFunc("GET /api/v1/stat/{path...}", s.handleStat)
	mux.HandleFunc("POST /api/v1/mkdir/{path...}", s.handleMkdir)
	mux.HandleFunc("PUT /api/v1/files/{path...}", s.handlePut)
	mux.HandleFunc("DELETE /api/v1/files/{path...}", s.handleDelete)
	mux.HandleFunc("POST /api/v1/upload/{path...}", s.handleUpload)
	mux.HandleFunc("POST /api/v1/rename", s.handleRename)
	mux.HandleFunc("POST /api/v1/copy", s.handleCopy)
	mux.HandleFunc("POST /api/v1/paste", s.handlePaste)
	mux.HandleFunc("GET /api/v1/download/{path...}", s.handleDownload)
	mux.HandleFunc("POST /api/v1/export/{path...}", s.handleExport)
	mux.HandleFunc("POST /api/v1/refresh", s.handleRefresh)

	if s.webdav {
		mux.Handle(webdav.Prefix+"/", webdav.NewHandler(s.fs, s.auth))
	}

	// Metrics sits next to the mux so that r.Pattern is set when it records.
	var h http.Handler = metrics.Middleware(mux)
	h = ratelimit.Middleware(s.limiter, clientKey)(h)
	if s.auth != nil {
		h = s.auth.Middleware(h)
	}
	return logging.Middleware(h)
}

// Limiter returns the request rate limiter.
func (s *Server) Limiter() *ratelimit.Limiter { return s.limiter }

// clientKey charges authenticated requests to the token subject and the
// rest to the remote host.
func clientKey(r *http.Request) string {
	if c := auth.GetClaims(r.Context()); c != nil && c.Subject != "" {
		return "sub:" + c.Subject
	}
	return "ip:" + ratelimit.RemoteHost(r)
}

// ─── Health ─────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ─── SSE Events ─────────────────────────────────────────────────────────────

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := events.MarshalEvent(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

// ─── Responses ──────────────────────────────────────────────────────────────

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	s.sendJSON(w, code, map[string]any{
		"error": message,
		"code":  code,
	})
}

// fail maps a VFS error onto a status code and writes it.
func (s *Server) fail(ctx context.Context, w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		logging.WithContext(ctx).Error("request failed", logging.Err(err))
	}
	s.sendError(w, code, err.Error())
}

func statusFor(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, vfs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, vfs.ErrInvalidOperation), errors.Is(err, vfs.ErrReadError):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
