package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimitConfig defines rate limiting parameters.
type RateLimitConfig struct {
	Prefix string        // Key namespace, e.g. "push" or "api"
	Limit  int           // Maximum events allowed per window; <= 0 disables limiting
	Window time.Duration // Time window for the limit
}

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// RateLimiter implements sliding window rate limiting on Redis sorted sets.
// It throttles both operator API callers and per-recipient push fan-out.
type RateLimiter struct {
	client *Client
	logger *zap.Logger
	config RateLimitConfig
}

// NewRateLimiter creates a new rate limiter with the given configuration.
func NewRateLimiter(client *Client, logger *zap.Logger, config RateLimitConfig) *RateLimiter {
	if config.Prefix == "" {
		config.Prefix = "ratelimit"
	}
	return &RateLimiter{
		client: client,
		logger: logger,
		config: config,
	}
}

// Allow checks if one more event is allowed for key.
func (r *RateLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	return r.AllowN(ctx, key, 1)
}

// AllowN checks if n more events are allowed for key and records them if so.
func (r *RateLimiter) AllowN(ctx context.Context, key string, n int) (*RateLimitResult, error) {
	now := time.Now()
	resetAt := now.Add(r.config.Window)

	if r.config.Limit <= 0 {
		return &RateLimitResult{Allowed: true, Remaining: -1, ResetAt: resetAt}, nil
	}

	windowStart := now.Add(-r.config.Window)
	redisKey := fmt.Sprintf("%s:%s", r.config.Prefix, key)

	pipe := r.client.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", strconv.FormatInt(windowStart.UnixNano(), 10))
	countCmd := pipe.ZCard(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis pipeline failed: %w", err)
	}

	currentCount := int(countCmd.Val())
	remaining := r.config.Limit - currentCount

	if currentCount+n > r.config.Limit {
		r.logger.Debug("rate limit exceeded",
			zap.String("key", redisKey),
			zap.Int("current", currentCount),
			zap.Int("limit", r.config.Limit),
		)
		return &RateLimitResult{
			Allowed:   false,
			Remaining: max(0, remaining),
			ResetAt:   resetAt,
		}, nil
	}

	pipe = r.client.rdb.Pipeline()
	for i := 0; i < n; i++ {
		pipe.ZAdd(ctx, redisKey, redis.Z{
			Score:  float64(now.UnixNano()) + float64(i),
			Member: fmt.Sprintf("%d-%d", now.UnixNano(), i),
		})
	}
	pipe.Expire(ctx, redisKey, r.config.Window+time.Second)

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis zadd failed: %w", err)
	}

	return &RateLimitResult{
		Allowed:   true,
		Remaining: remaining - n,
		ResetAt:   resetAt,
	}, nil
}
