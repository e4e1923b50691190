package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/db"
	"github.com/lalithlochan/beacon/internal/metrics"
	"github.com/lalithlochan/beacon/internal/redis"
)

// Payload is everything needed to notify one user.
type Payload struct {
	UserID     uuid.UUID
	Type       string
	Title      string
	Body       string
	EntityType *string
	EntityID   *uuid.UUID
	Link       *string
	Data       db.Metadata
	DedupeKey  string
}

// Outcome reports what happened on each channel.
type Outcome struct {
	Notification *db.Notification
	// Duplicate is set when the dedupe key already existed; no channel ran.
	Duplicate bool
	Errors    map[string]error
	Push      PushResult
}

// Failed reports whether any best-effort channel failed.
func (o *Outcome) Failed() bool {
	return len(o.Errors) > 0
}

// Dispatcher fans a notification out to all channels. The persisted record
// is written first; realtime and push follow and are individually isolated.
type Dispatcher struct {
	store     NotificationStore
	publisher Publisher
	pusher    *Pusher
	logger    *zap.Logger
	now       func() time.Time
}

// NewDispatcher creates a dispatcher. publisher and pusher may be nil, which
// disables that channel.
func NewDispatcher(store NotificationStore, publisher Publisher, pusher *Pusher, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:     store,
		publisher: publisher,
		pusher:    pusher,
		logger:    logger,
		now:       time.Now,
	}
}

// Deliver persists the notification and fans it out. Only a persistence
// failure is returned as an error; other channel failures are in the Outcome.
func (d *Dispatcher) Deliver(ctx context.Context, p Payload) (*Outcome, error) {
	notif := &db.Notification{
		ID:         uuid.New(),
		UserID:     p.UserID,
		Type:       p.Type,
		Title:      p.Title,
		Body:       p.Body,
		EntityType: p.EntityType,
		EntityID:   p.EntityID,
		Link:       p.Link,
		Data:       p.Data,
		CreatedAt:  d.now().UTC(),
	}
	if p.DedupeKey != "" {
		key := p.DedupeKey
		notif.DedupeKey = &key
	}

	created, err := d.store.CreateNotification(ctx, notif)
	if err != nil {
		metrics.RecordChannelDelivery(ChannelRecord, "failed")
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	outcome := &Outcome{Notification: notif, Errors: map[string]error{}}
	if !created {
		d.logger.Debug("notification already exists, skipping fan-out",
			zap.String("user_id", p.UserID.String()),
			zap.String("dedupe_key", p.DedupeKey),
		)
		outcome.Duplicate = true
		return outcome, nil
	}
	metrics.RecordChannelDelivery(ChannelRecord, "sent")

	if d.publisher != nil {
		d.run(outcome, ChannelRealtime, func() error {
			return d.publisher.Publish(ctx, redis.UserChannel(p.UserID.String()), EventNotificationNew, notif)
		})
	}

	if d.pusher != nil {
		d.run(outcome, ChannelPush, func() error {
			res, err := d.pusher.Push(ctx, &PushMessage{
				NotificationID: notif.ID,
				UserID:         notif.UserID,
				Type:           notif.Type,
				Title:          notif.Title,
				Body:           notif.Body,
				Link:           notif.Link,
				Data:           notif.Data,
			})
			outcome.Push = res
			return err
		})
	}

	return outcome, nil
}

func (d *Dispatcher) run(outcome *Outcome, channel string, fn func() error) {
	if err := isolate(d.logger, channel, fn); err != nil {
		outcome.Errors[channel] = err
		metrics.RecordChannelDelivery(channel, "failed")
		d.logger.Warn("channel delivery failed",
			zap.String("channel", channel),
			zap.String("notification_id", outcome.Notification.ID.String()),
			zap.Error(err),
		)
		return
	}
	metrics.RecordChannelDelivery(channel, "sent")
}
