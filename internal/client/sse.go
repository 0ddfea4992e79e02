package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vaultfs/vaultfs/internal/events"
	"github.com/vaultfs/vaultfs/internal/logging"
)

const (
	reconnectMin = time.Second
	reconnectMax = 30 * time.Second
)

// Subscribe streams server events until ctx is done, reconnecting with
// backoff when the connection drops. Events that arrive while the channel
// is full are dropped. Connection errors are reported on the error channel
// without blocking.
func (c *Client) Subscribe(ctx context.Context) (<-chan events.Event, <-chan error) {
	out := make(chan events.Event, 100)
	errs := make(chan error, 1)
	go c.subscribeLoop(ctx, out, errs)
	return out, errs
}

func (c *Client) subscribeLoop(ctx context.Context, out chan<- events.Event, errs chan<- error) {
	defer close(out)
	defer close(errs)

	// The stream is long-lived, so it gets a client without a timeout.
	stream := &http.Client{Transport: c.httpClient.Transport}
	delay := reconnectMin

	for {
		err := c.stream(ctx, stream, out)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			delay = reconnectMin
			continue
		}

		select {
		case errs <- err:
		default:
		}
		logging.Warn("event stream error",
			zap.Error(err),
			zap.Duration("reconnect_in", delay))

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = min(delay*2, reconnectMax)
	}
}

// stream reads one connection. It returns nil if the server closed the
// stream after it had delivered events.
func (c *Client) stream(ctx context.Context, hc *http.Client, out chan<- events.Event) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/events", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	c.applyAuth(req)

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	logging.Debug("event stream connected", zap.String("server", c.baseURL))

	received := false
	var data string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data == "" {
				continue
			}
			var e events.Event
			if err := json.Unmarshal([]byte(data), &e); err != nil {
				logging.Debug("malformed event", zap.Error(err))
			} else {
				received = true
				select {
				case out <- e:
				default:
					logging.Debug("event dropped, channel full", zap.String("type", e.Type))
				}
			}
			data = ""
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read: %w", err)
	}
	if received {
		return nil
	}
	return fmt.Errorf("connection closed")
}
