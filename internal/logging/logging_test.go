package logging

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestMiddlewareAssignsRequestID(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	SetLogger(zap.New(core))
	t.Cleanup(func() { SetLogger(zap.NewNop()) })

	var seen string
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

	require.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))
	assert.Equal(t, http.StatusTeapot, rec.Code)

	completed := logs.FilterMessage("request completed").All()
	require.Len(t, completed, 1)
	assert.Equal(t, seen, completed[0].ContextMap()["request_id"])
	assert.EqualValues(t, http.StatusTeapot, completed[0].ContextMap()["status"])
}

func TestMiddlewareKeepsIncomingRequestID(t *testing.T) {
	SetLogger(zap.NewNop())

	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "abc", rec.Header().Get("X-Request-ID"))
}

func TestWithContextFallsBackToGlobal(t *testing.T) {
	logger := zap.NewNop()
	SetLogger(logger)
	assert.Same(t, logger, WithContext(context.Background()))
}

func TestInitParsesLevel(t *testing.T) {
	require.NoError(t, Init(Config{Level: "warn", Format: "console", OutputPath: "stderr"}))
	t.Cleanup(func() { SetLogger(zap.NewNop()) })
	assert.False(t, L().Core().Enabled(zap.InfoLevel))

	SetLevel("debug")
	assert.True(t, L().Core().Enabled(zap.DebugLevel))
	SetLevel("info")
}
