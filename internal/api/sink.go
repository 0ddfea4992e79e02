package api

import (
	"context"
	"mime"
	"net/http"
	"strconv"

	"github.com/vaultfs/vaultfs/internal/vfs"
)

// responseSink delivers a download as the HTTP response body.
type responseSink struct {
	w       http.ResponseWriter
	started bool
}

func (s *responseSink) Deliver(_ context.Context, name, contentType string, data []byte) error {
	h := s.w.Header()
	h.Set("Content-Type", contentType)
	h.Set("Content-Length", strconv.Itoa(len(data)))
	h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	s.w.WriteHeader(http.StatusOK)
	s.started = true
	_, err := s.w.Write(data)
	return err
}

// recordingSink remembers what it passed on.
type recordingSink struct {
	next        vfs.Sink
	name        string
	contentType string
	size        int
}

func (s *recordingSink) Deliver(ctx context.Context, name, contentType string, data []byte) error {
	s.name, s.contentType, s.size = name, contentType, len(data)
	return s.next.Deliver(ctx, name, contentType, data)
}
