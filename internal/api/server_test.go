package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vaultfs/vaultfs/internal/auth"
	"github.com/vaultfs/vaultfs/internal/events"
	"github.com/vaultfs/vaultfs/internal/logging"
	"github.com/vaultfs/vaultfs/internal/store/memory"
	"github.com/vaultfs/vaultfs/internal/vfs"
)

type fixture struct {
	handler     http.Handler
	fs          *vfs.VFS
	store       *memory.Store
	broadcaster *events.Broadcaster
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	logging.SetLogger(zap.NewNop())

	st := memory.New()
	b := events.NewBroadcaster()
	v := vfs.New(st, vfs.Options{Publisher: b})
	require.NoError(t, v.Refresh(context.Background()))

	return &fixture{
		handler:     NewServer(v, b, opts).Handler(),
		fs:          v,
		store:       st,
		broadcaster: b,
	}
}

func (f *fixture) do(t *testing.T, method, target string, body io.Reader, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	f := newFixture(t, Options{})
	rec := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestMkdirAndList(t *testing.T) {
	f := newFixture(t, Options{})

	assert.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/v1/mkdir/docs", nil).Code)
	assert.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/v1/mkdir/a/b/c?parents=true", nil).Code)

	rec := f.do(t, http.MethodPost, "/api/v1/mkdir/x/y", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.EqualValues(t, http.StatusNotFound, decodeBody(t, rec)["code"])

	rec = f.do(t, http.MethodGet, "/api/v1/list/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listing struct {
		Path    string          `json:"path"`
		Entries []vfs.EntryInfo `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	assert.Equal(t, "/", listing.Path)
	var names []string
	for _, e := range listing.Entries {
		names = append(names, e.Path)
		assert.True(t, e.IsDir)
	}
	assert.ElementsMatch(t, []string{"/docs", "/a"}, names)

	rec = f.do(t, http.MethodGet, "/api/v1/list/a?recursive=true", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	assert.Len(t, listing.Entries, 2)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/list/nope", nil).Code)
}

func TestPutFile(t *testing.T) {
	f := newFixture(t, Options{MaxUploadSize: 8})
	f.do(t, http.MethodPost, "/api/v1/mkdir/docs", nil)

	rec := f.do(t, http.MethodPut, "/api/v1/files/docs/a.txt", strings.NewReader("hi"),
		"X-Mod-Time", "2021-03-04T05:06:07Z")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "/docs/a.txt", decodeBody(t, rec)["path"])

	rec = f.do(t, http.MethodPut, "/api/v1/files/docs/a.txt", strings.NewReader("again"))
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "/docs/a(1).txt", decodeBody(t, rec)["path"])

	rec = f.do(t, http.MethodGet, "/api/v1/stat/docs/a.txt", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var info vfs.EntryInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, int64(2), info.Size)
	assert.False(t, info.IsDir)
	assert.True(t, time.Date(2021, 3, 4, 5, 6, 7, 0, time.UTC).Equal(info.ModTime))

	tests := []struct {
		name   string
		target string
		body   string
		header []string
		want   int
	}{
		{"missing dir", "/api/v1/files/nope/a.txt", "x", nil, http.StatusNotFound},
		{"bad mod time", "/api/v1/files/docs/b.txt", "x", []string{"X-Mod-Time", "yesterday"}, http.StatusBadRequest},
		{"too large", "/api/v1/files/docs/big.bin", "0123456789", nil, http.StatusRequestEntityTooLarge},
		{"root", "/api/v1/files/", "x", nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPut, tt.target, strings.NewReader(tt.body), tt.header...)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestRenameCopyPasteDelete(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	require.NoError(t, f.fs.Mkdirs(ctx, "/a/b"))
	_, err := f.fs.AddFile(ctx, []byte("x"), time.Time{}, "/a/b", "f.txt")
	require.NoError(t, err)
	require.NoError(t, f.fs.Mkdir(ctx, "/ab"))

	post := func(target, body string) *httptest.ResponseRecorder {
		return f.do(t, http.MethodPost, target, strings.NewReader(body), "Content-Type", "application/json")
	}

	assert.Equal(t, http.StatusBadRequest, post("/api/v1/rename", `{"src":"/a","dst":"/a/b/z"}`).Code)
	assert.Equal(t, http.StatusNotFound, post("/api/v1/rename", `{"src":"/zz","dst":"/y"}`).Code)
	assert.Equal(t, http.StatusBadRequest, post("/api/v1/rename", `not json`).Code)

	assert.Equal(t, http.StatusCreated, post("/api/v1/copy", `{"src":"/a","dst":"/a2"}`).Code)
	assert.True(t, f.fs.Exists("/a2/b/f.txt"))

	assert.Equal(t, http.StatusOK, post("/api/v1/rename", `{"src":"/a2","dst":"/c"}`).Code)
	assert.True(t, f.fs.Exists("/c/b/f.txt"))
	assert.False(t, f.fs.Exists("/a2"))

	assert.Equal(t, http.StatusBadRequest, post("/api/v1/paste", `{"sources":["/a"],"dest":"/a/b","move":true}`).Code)
	assert.Equal(t, http.StatusNoContent, post("/api/v1/paste", `{"sources":["/a"],"dest":"/ab","move":true}`).Code)
	assert.True(t, f.fs.Exists("/ab/a/b/f.txt"))

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/api/v1/files/c", nil).Code)
	assert.False(t, f.fs.Exists("/c"))

	rec := post("/api/v1/copy", `{"src":"/ab","dst":"//cp/"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "/cp", decodeBody(t, rec)["path"])
	rec = post("/api/v1/rename", `{"src":"/cp","dst":"mv/"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "/mv", decodeBody(t, rec)["path"])
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "/api/v1/files/c", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodDelete, "/api/v1/files/", nil).Code)
}

func TestTransactionAbortIsServerError(t *testing.T) {
	f := newFixture(t, Options{})
	f.store.FailOn(func(op, _ string) error {
		if op == "commit" {
			return errors.New("disk gone")
		}
		return nil
	})

	rec := f.do(t, http.MethodPost, "/api/v1/mkdir/docs", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["error"], "transaction aborted")
}

func TestDownload(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	require.NoError(t, f.fs.Mkdirs(ctx, "/pics/trip"))
	_, err := f.fs.AddFile(ctx, []byte("hello"), time.Time{}, "/pics", "note.txt")
	require.NoError(t, err)
	_, err = f.fs.AddFile(ctx, []byte("jpeg"), time.Time{}, "/pics/trip", "a.jpg")
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/api/v1/download/pics/note.txt", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename=note.txt`, rec.Header().Get("Content-Disposition"))
	assert.Equal(t, "5", rec.Header().Get("Content-Length"))
	assert.Equal(t, "hello", rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/v1/download/pics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/zip", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "pics.zip")

	zr, err := zip.NewReader(bytes.NewReader(rec.Body.Bytes()), int64(rec.Body.Len()))
	require.NoError(t, err)
	var names []string
	for _, zf := range zr.File {
		names = append(names, zf.Name)
	}
	assert.ElementsMatch(t, []string{"note.txt", "trip/a.jpg"}, names)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/download/missing", nil).Code)
}

func TestUploadMultipart(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.fs.Mkdir(context.Background(), "/up"))

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "album/a.jpg")
	require.NoError(t, err)
	fw.Write([]byte("aaa"))
	fw, err = mw.CreateFormFile("file", "top.txt")
	require.NoError(t, err)
	fw.Write([]byte("t"))
	require.NoError(t, mw.WriteField("dir", "empty/inner"))
	require.NoError(t, mw.WriteField("mtime:album/a.jpg", "2019-01-01T00:00:00Z"))
	require.NoError(t, mw.Close())

	rec := f.do(t, http.MethodPost, "/api/v1/upload/up", &body, "Content-Type", mw.FormDataContentType())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var out struct {
		Paths []string `json:"paths"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, []string{"/up/album/a.jpg", "/up/top.txt"}, out.Paths)
	assert.True(t, f.fs.IsDir("/up/empty/inner"))

	e, err := f.fs.Stat(context.Background(), "/up/album/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, "aaa", string(e.Contents))
	assert.True(t, time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC).Equal(e.Timestamp))

	rec = f.do(t, http.MethodPost, "/api/v1/upload/up", strings.NewReader("plain"), "Content-Type", "text/plain")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExport(t *testing.T) {
	f := newFixture(t, Options{})
	assert.Equal(t, http.StatusNotImplemented, f.do(t, http.MethodPost, "/api/v1/export/", nil).Code)

	var gotName string
	f = newFixture(t, Options{Export: vfs.SinkFunc(func(_ context.Context, name, _ string, data []byte) error {
		gotName = name
		return nil
	})})
	require.NoError(t, f.fs.Mkdir(context.Background(), "/docs"))

	rec := f.do(t, http.MethodPost, "/api/v1/export/docs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "docs.zip", gotName)
	assert.Equal(t, "docs.zip", decodeBody(t, rec)["name"])
}

func TestRefresh(t *testing.T) {
	f := newFixture(t, Options{})
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/v1/refresh", nil).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, f.do(t, http.MethodGet, "/api/v1/refresh", nil).Code)
}

func TestAuthentication(t *testing.T) {
	f := newFixture(t, Options{JWTSecret: "s3cret"})

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/health", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/v1/list/", nil).Code)

	token, _, err := auth.IssueToken("s3cret", "tester", time.Minute)
	require.NoError(t, err)
	rec := f.do(t, http.MethodGet, "/api/v1/list/", nil, "Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebDAVMount(t *testing.T) {
	f := newFixture(t, Options{JWTSecret: "s3cret", WebDAV: true})
	token, _, err := auth.IssueToken("s3cret", "tester", time.Minute)
	require.NoError(t, err)

	rec := f.do(t, http.MethodPut, "/webdav/note.txt", strings.NewReader("hi"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))

	req := httptest.NewRequest(http.MethodPut, "/webdav/note.txt", strings.NewReader("hi"))
	req.SetBasicAuth("tester", token)
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusCreated, rec.Code)

	e, err := f.store.Get(context.Background(), "/note.txt")
	require.NoError(t, err)
	assert.Equal(t, "hi", string(e.Contents))

	assert.Equal(t, http.StatusNotFound, newFixture(t, Options{}).do(t, http.MethodGet, "/webdav/note.txt", nil).Code)
}

func TestEventStream(t *testing.T) {
	f := newFixture(t, Options{})
	ts := httptest.NewServer(f.handler)
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/events", nil)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return f.broadcaster.Count() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, f.fs.Mkdir(context.Background(), "/live"))

	sc := bufio.NewScanner(resp.Body)
	var lines []string
	for sc.Scan() {
		if sc.Text() == "" {
			break
		}
		lines = append(lines, sc.Text())
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "event: entry_added", lines[0])

	var ev events.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(lines[1], "data: ")), &ev))
	assert.Equal(t, "/live", ev.Path)
	assert.Equal(t, "/", ev.Dir)
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, Options{RateLimitRPM: 2})
	codes := []int{}
	for i := 0; i < 3; i++ {
		codes = append(codes, f.do(t, http.MethodGet, "/health", nil).Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}
