package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// fakeClock is advanced by hand.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newTestLimiter(rpm int) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	l := New(rpm)
	l.now = clock.now
	return l, clock
}

func TestLimiterAllow(t *testing.T) {
	l, _ := newTestLimiter(10)

	// Should allow up to 10 requests
	for i := 0; i < 10; i++ {
		if !l.Allow("a") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	// 11th should be denied
	if l.Allow("a") {
		t.Error("11th request should be denied")
	}
}

func TestLimiterUnlimited(t *testing.T) {
	l := New(0)
	if l.Enabled() {
		t.Fatal("rpm=0 should disable the limiter")
	}
	for i := 0; i < 1000; i++ {
		if !l.Allow("a") {
			t.Fatalf("request %d should be allowed (unlimited)", i+1)
		}
	}
	if got := l.RetryAfter("a"); got != 0 {
		t.Errorf("RetryAfter = %d, want 0", got)
	}
}

func TestLimiterRefill(t *testing.T) {
	l, clock := newTestLimiter(60) // 1 token per second

	for i := 0; i < 60; i++ {
		l.Allow("a")
	}
	if l.Allow("a") {
		t.Error("should be rate limited after exhausting tokens")
	}
	if got := l.RetryAfter("a"); got < 1 {
		t.Errorf("expected retry-after >= 1, got %d", got)
	}

	clock.t = clock.t.Add(1100 * time.Millisecond)
	if !l.Allow("a") {
		t.Error("should be allowed after refill")
	}
}

func TestLimiterSeparatesClients(t *testing.T) {
	l, _ := newTestLimiter(5)

	for i := 0; i < 5; i++ {
		if !l.Allow("a") {
			t.Fatalf("client a request %d should be allowed", i+1)
		}
	}
	if l.Allow("a") {
		t.Error("client a should be rate limited")
	}
	if !l.Allow("b") {
		t.Error("client b should not be affected by client a's limit")
	}
}

func TestLimiterCleanup(t *testing.T) {
	l, clock := newTestLimiter(10)
	l.Allow("a")
	clock.t = clock.t.Add(2 * time.Hour)
	l.Allow("b")

	if n := l.Cleanup(time.Hour); n != 1 {
		t.Errorf("Cleanup removed %d buckets, want 1", n)
	}
	if l.Len() != 1 {
		t.Errorf("expected 1 bucket after cleanup, got %d", l.Len())
	}
}

func TestLimiterRetryAfterFollowsRate(t *testing.T) {
	l, clock := newTestLimiter(6) // one token every 10s

	for i := 0; i < 6; i++ {
		l.Allow("a")
	}
	if got := l.RetryAfter("a"); got < 10 || got > 11 {
		t.Errorf("RetryAfter = %d, want 10 or 11", got)
	}
	if got := l.RetryAfter("unknown"); got != 0 {
		t.Errorf("RetryAfter for unseen client = %d, want 0", got)
	}

	clock.t = clock.t.Add(5 * time.Second)
	if l.Allow("a") {
		t.Error("half a token should not be enough")
	}
	clock.t = clock.t.Add(6 * time.Second)
	if !l.Allow("a") {
		t.Error("should be allowed once a full token has refilled")
	}
}

func TestLimiterCleanupKeepsActiveClients(t *testing.T) {
	l, clock := newTestLimiter(10)
	l.Allow("a")
	clock.t = clock.t.Add(2 * time.Hour)
	l.Allow("a")

	if n := l.Cleanup(time.Hour); n != 0 {
		t.Errorf("Cleanup removed %d clients, want 0", n)
	}
	if l.Len() != 1 {
		t.Errorf("expected 1 client, got %d", l.Len())
	}
}

func TestMiddleware(t *testing.T) {
	l, _ := newTestLimiter(2)
	h := Middleware(l, RemoteHost)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
		if rec.Code == http.StatusTooManyRequests && rec.Header().Get("Retry-After") == "" {
			t.Error("429 without Retry-After")
		}
	}
	want := []int{http.StatusNoContent, http.StatusNoContent, http.StatusTooManyRequests}
	for i := range want {
		if codes[i] != want[i] {
			t.Fatalf("codes = %v, want %v", codes, want)
		}
	}

	// Another port on the same host shares the bucket.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:6666"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("same host on another port got %d", rec.Code)
	}
}
