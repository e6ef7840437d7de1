package httpx

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestWithRequestID(t *testing.T) {
	var seen string
	h := WithRequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "http://example.com", nil)
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)
	if seen == "" {
		t.Fatal("expected generated request id in context")
	}
	if rw.Header().Get(RequestIDHeader) != seen {
		t.Fatal("response header should echo the request id")
	}

	// A caller-supplied id is kept as is.
	reqWithID := httptest.NewRequest(http.MethodGet, "http://example.com", nil)
	reqWithID.Header.Set(RequestIDHeader, "req-123")
	rw2 := httptest.NewRecorder()
	h.ServeHTTP(rw2, reqWithID)
	if seen != "req-123" {
		t.Fatalf("expected req-123, got %s", seen)
	}
}

func TestRateLimiterPerShop(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	h := rl.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func(shopID string) int {
		req := httptest.NewRequest(http.MethodGet, "http://example.com", nil)
		req.Header.Set("X-Shop-Id", shopID)
		rw := httptest.NewRecorder()
		h.ServeHTTP(rw, req)
		return rw.Code
	}

	if do("shop-1") != http.StatusOK || do("shop-1") != http.StatusOK {
		t.Fatal("first two requests should pass")
	}
	if do("shop-1") != http.StatusTooManyRequests {
		t.Fatal("third request in window should be limited")
	}
	// Another shop has its own window.
	if do("shop-2") != http.StatusOK {
		t.Fatal("different shop should not be limited")
	}
}

func TestCallerKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://example.com", nil)
	req.Header.Set("X-Shop-Id", "shop-1")
	if got := callerKey(req); got != "shop:shop-1" {
		t.Fatalf("expected shop key, got %s", got)
	}

	req2 := httptest.NewRequest(http.MethodGet, "http://example.com", nil)
	req2.Header.Set("X-Forwarded-For", "10.0.0.1, 10.0.0.2")
	if got := callerKey(req2); got != "10.0.0.1" {
		t.Fatalf("expected first forwarded ip, got %s", got)
	}
}

func TestWithBodyLimit(t *testing.T) {
	h := WithBodyLimit(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := io.ReadAll(r.Body); err != nil {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	small := httptest.NewRequest(http.MethodPost, "http://example.com", strings.NewReader("ok"))
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, small)
	if rw.Code != http.StatusOK {
		t.Fatalf("small body should pass, got %d", rw.Code)
	}

	big := httptest.NewRequest(http.MethodPost, "http://example.com", strings.NewReader(strings.Repeat("x", 64)))
	rwBig := httptest.NewRecorder()
	h.ServeHTTP(rwBig, big)
	if rwBig.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized body should fail the read, got %d", rwBig.Code)
	}
}
