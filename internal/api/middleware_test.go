package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/redis"
)

type stubLimiter struct {
	result *redis.RateLimitResult
	err    error
	keys   []string
}

func (s *stubLimiter) Allow(ctx context.Context, key string) (*redis.RateLimitResult, error) {
	s.keys = append(s.keys, key)
	return s.result, s.err
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestUserKeyFunc(t *testing.T) {
	req := httptest.NewRequest("GET", "/test", nil)
	if got := UserKeyFunc(req); got != "" {
		t.Errorf("expected empty key, got %q", got)
	}

	req.Header.Set("X-User-ID", "u-1")
	if got := UserKeyFunc(req); got != "user:u-1" {
		t.Errorf("expected user:u-1, got %q", got)
	}
}

func TestIPKeyFunc(t *testing.T) {
	tests := []struct {
		name       string
		forwarded  string
		realIP     string
		remoteAddr string
		expected   string
	}{
		{"X-Forwarded-For", "1.2.3.4", "", "5.6.7.8:1234", "ip:1.2.3.4"},
		{"X-Real-IP", "", "1.2.3.4", "5.6.7.8:1234", "ip:1.2.3.4"},
		{"RemoteAddr fallback", "", "", "5.6.7.8:1234", "ip:5.6.7.8:1234"},
		{"Forwarded takes precedence", "1.1.1.1", "2.2.2.2", "3.3.3.3:1234", "ip:1.1.1.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}
			req.RemoteAddr = tt.remoteAddr

			result := IPKeyFunc(req)
			if result != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, result)
			}
		})
	}
}

func TestRateLimitMiddleware_NoLimiter(t *testing.T) {
	wrapped := RateLimitMiddleware(nil, 10, zap.NewNop(), UserKeyFunc)(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestRateLimitMiddleware_NoKeySkipsLimiter(t *testing.T) {
	limiter := &stubLimiter{}
	wrapped := RateLimitMiddleware(limiter, 10, zap.NewNop(), UserKeyFunc)(okHandler())

	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, httptest.NewRequest("GET", "/test", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if len(limiter.keys) != 0 {
		t.Errorf("limiter should not be consulted without a key")
	}
}

func TestRateLimitMiddleware_Allowed(t *testing.T) {
	limiter := &stubLimiter{result: &redis.RateLimitResult{Allowed: true, Remaining: 4, ResetAt: time.Now().Add(time.Minute)}}
	wrapped := RateLimitMiddleware(limiter, 5, zap.NewNop(), UserKeyFunc)(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("X-User-ID", "u-1")
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("X-RateLimit-Limit"); got != "5" {
		t.Errorf("expected limit header 5, got %q", got)
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "4" {
		t.Errorf("expected remaining header 4, got %q", got)
	}
	if len(limiter.keys) != 1 || limiter.keys[0] != "user:u-1" {
		t.Errorf("unexpected keys %v", limiter.keys)
	}
}

func TestRateLimitMiddleware_Rejected(t *testing.T) {
	limiter := &stubLimiter{result: &redis.RateLimitResult{Allowed: false, ResetAt: time.Now().Add(30 * time.Second)}}
	wrapped := RateLimitMiddleware(limiter, 5, zap.NewNop(), UserKeyFunc)(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("X-User-ID", "u-1")
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	if resp := decodeError(t, rec); resp.Type != "rate_limit_exceeded" {
		t.Errorf("expected rate_limit_exceeded, got %q", resp.Type)
	}
}

func TestRateLimitMiddleware_LimiterErrorFailsOpen(t *testing.T) {
	limiter := &stubLimiter{err: errors.New("redis down")}
	wrapped := RateLimitMiddleware(limiter, 5, zap.NewNop(), UserKeyFunc)(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("X-User-ID", "u-1")
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestRouter_RateLimitsV1Only(t *testing.T) {
	limiter := &stubLimiter{result: &redis.RateLimitResult{Allowed: false, ResetAt: time.Now().Add(time.Second)}}
	h := NewHandler(zap.NewNop(), newFakeService(), nil, HandlerConfig{})
	router := NewRouter(h, RouterConfig{Limiter: limiter, RateLimit: 1}, zap.NewNop())

	req := httptest.NewRequest("GET", "/v1/users/"+"00000000-0000-0000-0000-000000000001"+"/scheduled-notifications/stats", nil)
	req.Header.Set("X-User-ID", "u-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429 on /v1, got %d", rec.Code)
	}

	req = httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("X-User-ID", "u-1")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected /health to bypass the limiter, got %d", rec.Code)
	}
}
