package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vaultfs/vaultfs/internal/logging"
	"github.com/vaultfs/vaultfs/internal/vfs"
	"github.com/vaultfs/vaultfs/internal/vpath"
)

// pathValue returns the absolute virtual path captured by {path...}.
func pathValue(r *http.Request) string {
	return "/" + r.PathValue("path")
}

func boolQuery(r *http.Request, key string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return b
}

// ─── Listing ────────────────────────────────────────────────────────────────

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	path := pathValue(r)
	entries, err := s.fs.ReadDir(r.Context(), path, boolQuery(r, "recursive"))
	if err != nil {
		s.fail(r.Context(), w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{
		"path":    vpath.MustClean(path),
		"entries": entries,
	})
}

func (s *Server) handleStat(w http.ResponseWriter, r *http.Request) {
	info, err := s.fs.Info(r.Context(), pathValue(r))
	if err != nil {
		s.fail(r.Context(), w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, info)
}

// ─── Mutations ──────────────────────────────────────────────────────────────

func (s *Server) handleMkdir(w http.ResponseWriter, r *http.Request) {
	path := pathValue(r)
	var err error
	if boolQuery(r, "parents") {
		err = s.fs.Mkdirs(r.Context(), path)
	} else {
		err = s.fs.Mkdir(r.Context(), path)
	}
	if err != nil {
		s.fail(r.Context(), w, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, map[string]string{"path": vpath.MustClean(path)})
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	path := pathValue(r)
	if path == vpath.Root {
		s.sendError(w, http.StatusBadRequest, "path required")
		return
	}

	var modTime time.Time
	if v := r.Header.Get("X-Mod-Time"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.sendError(w, http.StatusBadRequest, "invalid X-Mod-Time: "+err.Error())
			return
		}
		modTime = t
	}

	if r.ContentLength > s.maxUploadSize {
		s.sendError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("file too large: max %d bytes", s.maxUploadSize))
		return
	}
	content, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxUploadSize))
	if err != nil {
		s.badBody(w, err)
		return
	}

	final, err := s.fs.AddFile(r.Context(), content, modTime, vpath.Parent(path), vpath.Base(path))
	if err != nil {
		s.fail(r.Context(), w, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, map[string]any{"path": final, "size": len(content)})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.fs.Remove(r.Context(), pathValue(r)); err != nil {
		s.fail(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// badBody reports a request body that could not be read.
func (s *Server) badBody(w http.ResponseWriter, err error) {
	if code := statusFor(err); code == http.StatusRequestEntityTooLarge {
		s.sendError(w, code, err.Error())
		return
	}
	s.sendError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
}

type moveRequest struct {
	Src string `json:"src"`
	Dst string `json:"dst"`
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	var req moveRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.fs.Rename(r.Context(), req.Src, req.Dst); err != nil {
		s.fail(r.Context(), w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"path": vpath.MustClean(req.Dst)})
}

func (s *Server) handleCopy(w http.ResponseWriter, r *http.Request) {
	var req moveRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.fs.Copy(r.Context(), req.Src, req.Dst); err != nil {
		s.fail(r.Context(), w, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, map[string]string{"path": vpath.MustClean(req.Dst)})
}

func (s *Server) handlePaste(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Sources []string `json:"sources"`
		Dest    string   `json:"dest"`
		Move    bool     `json:"move"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.fs.Paste(r.Context(), req.Sources, req.Dest, req.Move); err != nil {
		s.fail(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.fs.Refresh(r.Context()); err != nil {
		s.fail(r.Context(), w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ─── Upload ─────────────────────────────────────────────────────────────────

// handleUpload ingests a multipart form. File parts carry their path
// relative to the target directory as the filename; "dir" fields name
// directories to create even when empty; an optional "mtime:<relpath>"
// field sets a file's modification time (RFC3339).
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	dir := pathValue(r)

	if r.ContentLength > s.maxUploadSize {
		s.sendError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("upload too large: max %d bytes", s.maxUploadSize))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadSize)
	mr, err := r.MultipartReader()
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "multipart body required")
		return
	}

	var files []vfs.UploadFile
	var dirs []string
	modTimes := make(map[string]time.Time)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			s.badBody(w, err)
			return
		}

		data, err := io.ReadAll(part)
		part.Close()
		if err != nil {
			s.badBody(w, err)
			return
		}

		name := part.FormName()
		if rel := rawFileName(part.Header.Get("Content-Disposition")); rel != "" {
			files = append(files, vfs.UploadBytes(rel, data, time.Time{}))
			continue
		}
		if name == "dir" {
			dirs = append(dirs, string(data))
			continue
		}
		if rel, ok := strings.CutPrefix(name, "mtime:"); ok {
			t, err := time.Parse(time.RFC3339, string(bytes.TrimSpace(data)))
			if err != nil {
				s.sendError(w, http.StatusBadRequest, "invalid "+name)
				return
			}
			modTimes[rel] = t
		}
	}
	for i := range files {
		if t, ok := modTimes[files[i].RelPath]; ok {
			files[i].ModTime = t
		}
	}

	paths, err := s.fs.Upload(r.Context(), dir, files, dirs)
	if err != nil {
		s.fail(r.Context(), w, err)
		return
	}
	if paths == nil {
		paths = []string{}
	}
	s.sendJSON(w, http.StatusCreated, map[string]any{"paths": paths, "dirs": len(dirs)})
}

// rawFileName returns the filename parameter of a Content-Disposition
// header as sent. multipart.Part.FileName strips directories, which would
// lose the relative path.
func rawFileName(disposition string) string {
	_, params, err := mime.ParseMediaType(disposition)
	if err != nil {
		return ""
	}
	return params["filename"]
}

// ─── Download & Export ──────────────────────────────────────────────────────

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	sink := &responseSink{w: w}
	err := s.fs.Download(r.Context(), pathValue(r), sink, nil)
	if err == nil {
		return
	}
	if sink.started {
		logging.WithContext(r.Context()).Warn("download interrupted", logging.Err(err))
		return
	}
	s.fail(r.Context(), w, err)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if s.export == nil {
		s.sendError(w, http.StatusNotImplemented, "export is not configured")
		return
	}
	rec := &recordingSink{next: s.export}
	if err := s.fs.Download(r.Context(), pathValue(r), rec, nil); err != nil {
		s.fail(r.Context(), w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{
		"name":         rec.name,
		"content_type": rec.contentType,
		"size":         rec.size,
	})
}
