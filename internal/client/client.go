// Package client is an HTTP client for the vaultfs API. Its methods mirror
// the VFS operations so callers can work against a local store or a remote
// server through the same shape.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/vaultfs/vaultfs/internal/archive"
	"github.com/vaultfs/vaultfs/internal/logging"
	"github.com/vaultfs/vaultfs/internal/retry"
	"github.com/vaultfs/vaultfs/internal/vfs"
	"github.com/vaultfs/vaultfs/internal/vpath"
)

// Client talks to a vaultfs server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	retrying   *retryablehttp.Client

	mu        sync.RWMutex
	online    bool
	authToken string
}

// Config holds client configuration.
type Config struct {
	BaseURL string
	Timeout time.Duration
	// RetryConfig bounds GET retries: MaxAttempts, InitialWait and MaxWait
	// are used.
	RetryConfig retry.Config
	AuthToken   string
	// Transport overrides the default HTTP transport.
	Transport http.RoundTripper
}

// New creates a new client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}
	if cfg.Transport == nil {
		cfg.Transport = &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:        100,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		}
	}

	httpClient := &http.Client{Timeout: cfg.Timeout, Transport: cfg.Transport}

	retrying := retryablehttp.NewClient()
	retrying.HTTPClient = httpClient
	retrying.RetryMax = max(cfg.RetryConfig.MaxAttempts-1, 0)
	retrying.RetryWaitMin = cfg.RetryConfig.InitialWait
	retrying.RetryWaitMax = cfg.RetryConfig.MaxWait
	retrying.ErrorHandler = retryablehttp.PassthroughErrorHandler
	retrying.Logger = retryLogger{}

	return &Client{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: httpClient,
		retrying:   retrying,
		online:     true,
		authToken:  cfg.AuthToken,
	}
}

// retryLogger routes retryablehttp's messages to the debug log.
type retryLogger struct{}

func (retryLogger) Error(msg string, kv ...interface{}) { logging.S().Debugw(msg, kv...) }
func (retryLogger) Info(msg string, kv ...interface{})  { logging.S().Debugw(msg, kv...) }
func (retryLogger) Debug(msg string, kv ...interface{}) { logging.S().Debugw(msg, kv...) }
func (retryLogger) Warn(msg string, kv ...interface{})  { logging.S().Debugw(msg, kv...) }

// SetAuthToken sets the bearer token sent with every request.
func (c *Client) SetAuthToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authToken = token
}

func (c *Client) applyAuth(req *http.Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
}

// IsOnline reports whether the last request reached the server.
func (c *Client) IsOnline() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online
}

func (c *Client) setOnline(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.online != online {
		if online {
			logging.Info("server is back online", zap.String("server", c.baseURL))
		} else {
			logging.Warn("server is offline", zap.String("server", c.baseURL))
		}
	}
	c.online = online
}

// APIError is an error response from the server. It unwraps to the VFS
// error class its status code stands for, so errors.Is(err, vfs.ErrNotFound)
// works across the wire.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return vfs.ErrNotFound
	case http.StatusBadRequest:
		return vfs.ErrInvalidOperation
	}
	return nil
}

func decodeError(resp *http.Response) *APIError {
	var body struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if json.Unmarshal(data, &body) != nil {
		body.Error = strings.TrimSpace(string(data))
	}
	return &APIError{StatusCode: resp.StatusCode, Message: body.Error}
}

// call describes one API request. body is replayed on retries.
type call struct {
	method      string
	path        string
	query       url.Values
	header      http.Header
	body        []byte
	contentType string
}

func (c *Client) endpoint(prefix, p string) (string, error) {
	clean, err := vpath.Clean(p)
	if err != nil {
		return "", fmt.Errorf("%q: %w", p, err)
	}
	return prefix + clean, nil
}

// send performs a request. GETs are retried on network errors and 5xx
// responses; mutations are sent once.
func (c *Client) send(ctx context.Context, cl call) (*http.Response, error) {
	target := c.baseURL + (&url.URL{Path: cl.path}).EscapedPath()
	if len(cl.query) > 0 {
		target += "?" + cl.query.Encode()
	}
	var body io.Reader
	if cl.body != nil {
		body = bytes.NewReader(cl.body)
	}
	req, err := http.NewRequestWithContext(ctx, cl.method, target, body)
	if err != nil {
		return nil, err
	}
	for k, v := range cl.header {
		req.Header[k] = v
	}
	if cl.contentType != "" {
		req.Header.Set("Content-Type", cl.contentType)
	}
	c.applyAuth(req)

	var resp *http.Response
	if cl.method == http.MethodGet {
		var rreq *retryablehttp.Request
		if rreq, err = retryablehttp.FromRequest(req); err != nil {
			return nil, err
		}
		resp, err = c.retrying.Do(rreq)
	} else {
		resp, err = c.httpClient.Do(req)
	}
	if err != nil {
		c.setOnline(false)
		return nil, err
	}
	c.setOnline(true)

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	return resp, nil
}

// sendJSON performs cl and decodes a JSON response into out, if non-nil.
func (c *Client) sendJSON(ctx context.Context, cl call, out any) error {
	resp, err := c.send(ctx, cl)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func jsonCall(method, path string, v any) (call, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return call{}, err
	}
	return call{method: method, path: path, body: body, contentType: "application/json"}, nil
}

// Ping checks that the server is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.sendJSON(ctx, call{method: http.MethodGet, path: "/health"}, nil)
}

// ─── Reads ──────────────────────────────────────────────────────────────────

// ReadDir lists dir, recursively if asked.
func (c *Client) ReadDir(ctx context.Context, dir string, recursive bool) ([]vfs.EntryInfo, error) {
	p, err := c.endpoint("/api/v1/list", dir)
	if err != nil {
		return nil, err
	}
	cl := call{method: http.MethodGet, path: p}
	if recursive {
		cl.query = url.Values{"recursive": {"true"}}
	}
	var out struct {
		Entries []vfs.EntryInfo `json:"entries"`
	}
	if err := c.sendJSON(ctx, cl, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

// Info returns metadata for path.
func (c *Client) Info(ctx context.Context, path string) (vfs.EntryInfo, error) {
	var info vfs.EntryInfo
	p, err := c.endpoint("/api/v1/stat", path)
	if err != nil {
		return info, err
	}
	err = c.sendJSON(ctx, call{method: http.MethodGet, path: p}, &info)
	return info, err
}

// Download fetches path, a file or a directory archive, and hands it to
// sink under the name the server chose. progress, if set, follows the body
// as it arrives and ends at 1.
func (c *Client) Download(ctx context.Context, path string, sink vfs.Sink, progress archive.ProgressFunc) error {
	p, err := c.endpoint("/api/v1/download", path)
	if err != nil {
		return err
	}
	resp, err := c.send(ctx, call{method: http.MethodGet, path: p})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var body io.Reader = resp.Body
	if progress != nil && resp.ContentLength > 0 {
		body = &progressReader{r: resp.Body, total: resp.ContentLength, fn: progress}
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("read download: %w", err)
	}
	if progress != nil {
		progress(1)
	}

	name := vpath.Base(vpath.MustClean(path))
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil && params["filename"] != "" {
		name = params["filename"]
	}
	return sink.Deliver(ctx, name, resp.Header.Get("Content-Type"), data)
}

type progressReader struct {
	r     io.Reader
	read  int64
	total int64
	fn    archive.ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	if n > 0 && p.read < p.total {
		p.fn(float64(p.read) / float64(p.total))
	}
	return n, err
}

// ─── Mutations ──────────────────────────────────────────────────────────────

// Mkdir creates a single directory.
func (c *Client) Mkdir(ctx context.Context, path string) error {
	return c.mkdir(ctx, path, false)
}

// Mkdirs creates path and any missing ancestors.
func (c *Client) Mkdirs(ctx context.Context, path string) error {
	return c.mkdir(ctx, path, true)
}

func (c *Client) mkdir(ctx context.Context, path string, parents bool) error {
	p, err := c.endpoint("/api/v1/mkdir", path)
	if err != nil {
		return err
	}
	cl := call{method: http.MethodPost, path: p}
	if parents {
		cl.query = url.Values{"parents": {"true"}}
	}
	return c.sendJSON(ctx, cl, nil)
}

// Put stores data as a new file at path and returns the path it was stored
// under, which carries a "(n)" suffix if the name was taken.
func (c *Client) Put(ctx context.Context, path string, data []byte, modTime time.Time) (string, error) {
	p, err := c.endpoint("/api/v1/files", path)
	if err != nil {
		return "", err
	}
	if data == nil {
		data = []byte{}
	}
	cl := call{method: http.MethodPut, path: p, body: data, contentType: "application/octet-stream"}
	if !modTime.IsZero() {
		cl.header = http.Header{"X-Mod-Time": {modTime.UTC().Format(time.RFC3339)}}
	}
	var out struct {
		Path string `json:"path"`
	}
	if err := c.sendJSON(ctx, cl, &out); err != nil {
		return "", err
	}
	return out.Path, nil
}

// Remove deletes path recursively.
func (c *Client) Remove(ctx context.Context, path string) error {
	p, err := c.endpoint("/api/v1/files", path)
	if err != nil {
		return err
	}
	return c.sendJSON(ctx, call{method: http.MethodDelete, path: p}, nil)
}

// Rename moves src and its subtree to dst.
func (c *Client) Rename(ctx context.Context, src, dst string) error {
	return c.relocate(ctx, "/api/v1/rename", src, dst)
}

// Copy duplicates src and its subtree at dst.
func (c *Client) Copy(ctx context.Context, src, dst string) error {
	return c.relocate(ctx, "/api/v1/copy", src, dst)
}

func (c *Client) relocate(ctx context.Context, endpoint, src, dst string) error {
	cl, err := jsonCall(http.MethodPost, endpoint, map[string]string{"src": src, "dst": dst})
	if err != nil {
		return err
	}
	return c.sendJSON(ctx, cl, nil)
}

// Paste copies or moves sources into dir.
func (c *Client) Paste(ctx context.Context, sources []string, dir string, move bool) error {
	cl, err := jsonCall(http.MethodPost, "/api/v1/paste", map[string]any{
		"sources": sources,
		"dest":    dir,
		"move":    move,
	})
	if err != nil {
		return err
	}
	return c.sendJSON(ctx, cl, nil)
}

// Refresh asks the server to rebuild its index from the store.
func (c *Client) Refresh(ctx context.Context) error {
	return c.sendJSON(ctx, call{method: http.MethodPost, path: "/api/v1/refresh"}, nil)
}

// Upload sends files and dirs to dir as one multipart request. Every source
// is read before anything is sent.
func (c *Client) Upload(ctx context.Context, dir string, files []vfs.UploadFile, dirs []string) ([]string, error) {
	p, err := c.endpoint("/api/v1/upload", dir)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, d := range dirs {
		if err := mw.WriteField("dir", d); err != nil {
			return nil, err
		}
	}
	for _, f := range files {
		if err := writeUploadPart(mw, f); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	cl := call{method: http.MethodPost, path: p, body: buf.Bytes(), contentType: mw.FormDataContentType()}
	var out struct {
		Paths []string `json:"paths"`
	}
	if err := c.sendJSON(ctx, cl, &out); err != nil {
		return nil, err
	}
	return out.Paths, nil
}

func writeUploadPart(mw *multipart.Writer, f vfs.UploadFile) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open %s: %w", f.RelPath, err)
	}
	defer rc.Close()

	part, err := mw.CreateFormFile("file", f.RelPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, rc); err != nil {
		return fmt.Errorf("read %s: %w", f.RelPath, err)
	}
	if !f.ModTime.IsZero() {
		return mw.WriteField("mtime:"+f.RelPath, f.ModTime.UTC().Format(time.RFC3339))
	}
	return nil
}
