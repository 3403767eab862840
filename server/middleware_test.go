package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSecretAuth(t *testing.T) {
	tests := []struct {
		name       string
		secret     string
		required   bool
		header     string
		wantStatus int
	}{
		{"development skips auth", "s3cret", false, "", http.StatusOK},
		{"valid secret", "s3cret", true, "s3cret", http.StatusOK},
		{"wrong secret", "s3cret", true, "nope", http.StatusUnauthorized},
		{"missing header", "s3cret", true, "", http.StatusUnauthorized},
		{"unconfigured secret rejects", "", true, "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := secretAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}), tt.secret, tt.required)
			req := httptest.NewRequest(http.MethodGet, "/channels", nil)
			if tt.header != "" {
				req.Header.Set("secret", tt.header)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
		})
	}
}

func TestRateLimiter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	limiter := newIPRateLimiter(ctx, &rateLimiterConfig{enabled: true, requestsPerIP: 3, window: time.Minute})
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if !limiter.allow("192.168.1.1") {
			t.Errorf("request %d should be allowed", i+1)
		}
	}
	if limiter.allow("192.168.1.1") {
		t.Error("request 4 should be denied")
	}
	if !limiter.allow("192.168.1.2") {
		t.Error("other IPs have their own window")
	}

	now = now.Add(61 * time.Second)
	if !limiter.allow("192.168.1.1") {
		t.Error("request after window expiry should be allowed")
	}
	limiter.cleanup()
	if _, ok := limiter.visitors["192.168.1.2"]; ok {
		t.Error("stale visitor not cleaned up")
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	limiter := newIPRateLimiter(context.Background(), &rateLimiterConfig{enabled: false, requestsPerIP: 1, window: time.Minute})
	for i := 0; i < 5; i++ {
		if !limiter.allow("10.0.0.1") {
			t.Fatal("disabled limiter should allow everything")
		}
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	limiter := newIPRateLimiter(context.Background(), &rateLimiterConfig{enabled: true, requestsPerIP: 1, window: time.Minute})
	h := rateLimitMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}), limiter)

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/channels", nil)
		req.RemoteAddr = "10.0.0.9:5555"
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr
	}
	if rr := send(); rr.Code != http.StatusOK {
		t.Fatalf("first status = %d", rr.Code)
	}
	rr := send()
	if rr.Code != http.StatusTooManyRequests || rr.Header().Get("Retry-After") != "60" {
		t.Errorf("second status = %d retry-after=%q", rr.Code, rr.Header().Get("Retry-After"))
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		remote string
		fwd    string
		want   string
	}{
		{"10.0.0.1:1234", "", "10.0.0.1"},
		{"[::1]:1234", "", "::1"},
		{"10.0.0.1:1234", "203.0.113.5, 10.0.0.1", "203.0.113.5"},
		{"10.0.0.1:1234", "2001:db8::1", "2001:db8::1"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tt.remote
		if tt.fwd != "" {
			req.Header.Set("X-Forwarded-For", tt.fwd)
		}
		if got := clientIP(req); got != tt.want {
			t.Errorf("clientIP(%q, %q) = %q, want %q", tt.remote, tt.fwd, got, tt.want)
		}
	}
}
