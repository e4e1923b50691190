package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// DefaultLockTTL bounds how long a crashed holder can block other runs.
	DefaultLockTTL = 30 * time.Minute
)

// ErrLockHeld indicates another process currently holds the lock.
var ErrLockHeld = errors.New("lock held by another run")

// releaseScript deletes the key only if it still carries our token, so a run
// that outlived its TTL cannot release a lock that now belongs to someone else.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lease is a held lock. Release it when the guarded work is done.
type Lease struct {
	key   string
	token string
}

// Key returns the redis key guarded by this lease.
func (l *Lease) Key() string {
	return l.key
}

// Locker provides best-effort mutual exclusion between engine runs using
// SET NX with a TTL.
type Locker struct {
	client *Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewLocker creates a new distributed locker.
func NewLocker(client *Client, logger *zap.Logger, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &Locker{
		client: client,
		logger: logger,
		ttl:    ttl,
	}
}

func (l *Locker) buildKey(name string) string {
	return fmt.Sprintf("lock:%s", name)
}

// Acquire takes the named lock. It returns ErrLockHeld if another holder has it.
func (l *Locker) Acquire(ctx context.Context, name string) (*Lease, error) {
	key := l.buildKey(name)
	token := uuid.NewString()

	set, err := l.client.rdb.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx failed: %w", err)
	}
	if !set {
		return nil, ErrLockHeld
	}

	l.logger.Debug("lock acquired",
		zap.String("key", key),
		zap.Duration("ttl", l.ttl),
	)

	return &Lease{key: key, token: token}, nil
}

// Release gives the lock back. Releasing an expired or foreign lease is a no-op.
func (l *Locker) Release(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}

	deleted, err := releaseScript.Run(ctx, l.client.rdb, []string{lease.key}, lease.token).Int()
	if err != nil {
		return fmt.Errorf("redis release failed: %w", err)
	}
	if deleted == 0 {
		l.logger.Warn("lock expired before release", zap.String("key", lease.key))
	}
	return nil
}
