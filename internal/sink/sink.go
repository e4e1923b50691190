// Package sink delivers a notification to every channel a user can be reached
// on: the persisted in-app record, the real-time bus, device push by platform
// and contextual chat threads.
package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/db"
	"github.com/lalithlochan/beacon/internal/redis"
)

var (
	// ErrPersistence means the durable record could not be written. Nothing
	// else is attempted and the caller must treat delivery as failed.
	ErrPersistence = errors.New("notification persistence failed")

	// ErrDelivery wraps a best-effort channel failure. It is logged and
	// reported in the Outcome but never aborts the remaining channels.
	ErrDelivery = errors.New("channel delivery failed")

	// ErrInvalidTarget means the provider rejected a device token for good.
	// The token is deactivated and the attempt counts as a delivery failure.
	ErrInvalidTarget = errors.New("invalid delivery target")
)

// Channel names used in outcomes, logs and metrics.
const (
	ChannelRecord   = "record"
	ChannelRealtime = "realtime"
	ChannelPush     = "push"
	ChannelChat     = "chat"
)

// Real-time event names.
const (
	EventNotificationNew = "notification:new"
	EventMessageNew      = "message:new"
)

// NotificationStore persists in-app notifications.
type NotificationStore interface {
	CreateNotification(ctx context.Context, notif *db.Notification) (bool, error)
}

// TokenStore reads device tokens and records push outcomes.
type TokenStore interface {
	ListActiveDeviceTokens(ctx context.Context, userID uuid.UUID) ([]*db.DeviceToken, error)
	DeactivateDeviceToken(ctx context.Context, token string) error
	CreateDeliveryLog(ctx context.Context, entry *db.PushDeliveryLog) error
}

// MessageStore persists system chat messages.
type MessageStore interface {
	CreateSystemMessage(ctx context.Context, msg *db.Message) (bool, error)
}

// Publisher pushes events onto the real-time bus.
type Publisher interface {
	Publish(ctx context.Context, channel, event string, payload any) error
}

// Limiter throttles push fan-out per recipient.
type Limiter interface {
	Allow(ctx context.Context, key string) (*redis.RateLimitResult, error)
}

// isolate runs one best-effort channel, converting errors and panics into an
// ErrDelivery so the caller can move on to the next channel.
func isolate(logger *zap.Logger, channel string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("channel panicked",
				zap.String("channel", channel),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			err = fmt.Errorf("%w: %s panicked: %v", ErrDelivery, channel, r)
		}
	}()

	if err := fn(); err != nil {
		if errors.Is(err, ErrDelivery) {
			return err
		}
		return fmt.Errorf("%w: %s: %w", ErrDelivery, channel, err)
	}
	return nil
}
