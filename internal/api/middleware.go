package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/metrics"
	"github.com/lalithlochan/beacon/internal/redis"
)

// Limiter is the rate limiter used by RateLimitMiddleware.
type Limiter interface {
	Allow(ctx context.Context, key string) (*redis.RateLimitResult, error)
}

// RateLimitMiddleware creates an HTTP middleware that enforces rate limits.
// The keyFunc extracts the rate limit key from the request (e.g., user ID, IP).
// Limiter outages let the request through.
func RateLimitMiddleware(limiter Limiter, limit int, logger *zap.Logger, keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			result, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("rate limit check failed", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(max(result.Remaining, 0)))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

			if !result.Allowed {
				metrics.RecordRateLimitRejection("api")
				retryAfter := int(time.Until(result.ResetAt).Seconds())
				w.Header().Set("Retry-After", strconv.Itoa(max(retryAfter, 1)))
				w.Header().Set("Content-Type", "application/problem+json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(ErrorResponse{
					Type:   "rate_limit_exceeded",
					Title:  "Too Many Requests",
					Status: http.StatusTooManyRequests,
					Detail: "Rate limit exceeded. Please retry after the specified time.",
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// UserKeyFunc keys rate limits by the X-User-ID header.
func UserKeyFunc(r *http.Request) string {
	if userID := r.Header.Get("X-User-ID"); userID != "" {
		return "user:" + userID
	}
	return ""
}

// IPKeyFunc extracts the client IP for rate limiting.
func IPKeyFunc(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return "ip:" + ip
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return "ip:" + ip
	}
	return "ip:" + r.RemoteAddr
}

// RequestLogger logs one line per request.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
