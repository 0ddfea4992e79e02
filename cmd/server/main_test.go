package main

import (
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vaultfs/vaultfs/internal/logging"
)

func TestServeWaitsForInFlightRequests(t *testing.T) {
	logging.SetLogger(zap.NewNop())

	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
		finished.Store(true)
		w.WriteHeader(http.StatusNoContent)
	})}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	stop := make(chan os.Signal, 1)
	var stopped atomic.Bool
	result := make(chan error, 1)
	go func() {
		result <- serve(srv, func() error { return srv.Serve(ln) }, stop, 5*time.Second, func() { stopped.Store(true) })
	}()

	go func() {
		resp, err := http.Get("http://" + ln.Addr().String())
		if err == nil {
			resp.Body.Close()
		}
	}()
	<-started
	stop <- os.Interrupt

	select {
	case <-result:
		t.Fatal("serve returned while a request was in flight")
	case <-time.After(100 * time.Millisecond):
	}
	assert.True(t, stopped.Load())

	close(release)
	require.NoError(t, <-result)
	assert.True(t, finished.Load())
}

func TestServeReportsListenErrors(t *testing.T) {
	logging.SetLogger(zap.NewNop())
	boom := &net.OpError{Op: "listen", Err: os.ErrPermission}
	err := serve(&http.Server{}, func() error { return boom }, make(chan os.Signal), time.Second, func() {})
	assert.ErrorIs(t, err, os.ErrPermission)
}
