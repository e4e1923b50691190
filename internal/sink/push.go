package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/db"
	"github.com/lalithlochan/beacon/internal/metrics"
)

// PushMessage is the platform-neutral body sent to a device.
type PushMessage struct {
	NotificationID uuid.UUID   `json:"notification_id"`
	UserID         uuid.UUID   `json:"user_id"`
	Type           string      `json:"type"`
	Title          string      `json:"title"`
	Body           string      `json:"body"`
	Link           *string     `json:"link,omitempty"`
	Data           db.Metadata `json:"data,omitempty"`
}

// PlatformSender delivers a push message to one device token.
// Implementations: web push gateway, SNS mobile endpoints, SQS desktop relay, SES email.
type PlatformSender interface {
	Send(ctx context.Context, token *db.DeviceToken, msg *PushMessage) error
	SupportsPlatform(platform string) bool
}

// Router picks a PlatformSender by the token's platform tag.
type Router struct {
	senders []PlatformSender
	logger  *zap.Logger
}

// NewRouter creates a router over the given senders. The first sender that
// supports a platform wins.
func NewRouter(logger *zap.Logger, senders ...PlatformSender) *Router {
	return &Router{
		senders: senders,
		logger:  logger,
	}
}

// Send routes the message to the sender for token.Platform.
func (r *Router) Send(ctx context.Context, token *db.DeviceToken, msg *PushMessage) error {
	for _, sender := range r.senders {
		if sender.SupportsPlatform(token.Platform) {
			r.logger.Debug("routing push to sender",
				zap.String("platform", token.Platform),
				zap.String("notification_id", msg.NotificationID.String()),
			)
			return sender.Send(ctx, token, msg)
		}
	}

	return fmt.Errorf("no sender found for platform: %s", token.Platform)
}

// SupportsPlatform checks if any underlying sender supports the platform.
func (r *Router) SupportsPlatform(platform string) bool {
	for _, sender := range r.senders {
		if sender.SupportsPlatform(platform) {
			return true
		}
	}
	return false
}

// PushResult counts per-token outcomes of one push fan-out.
type PushResult struct {
	Sent        int
	Failed      int
	Deactivated int
}

// Pusher sends a message to every active device token of a user, logging
// each attempt and retiring tokens the provider no longer accepts.
type Pusher struct {
	tokens  TokenStore
	sender  PlatformSender
	limiter Limiter
	logger  *zap.Logger
}

// NewPusher creates a pusher. limiter may be nil to disable throttling.
func NewPusher(tokens TokenStore, sender PlatformSender, limiter Limiter, logger *zap.Logger) *Pusher {
	return &Pusher{
		tokens:  tokens,
		sender:  sender,
		limiter: limiter,
		logger:  logger,
	}
}

// Push fans msg out to the user's active tokens. A failure on one token never
// stops the others; the returned error joins every per-token failure.
func (p *Pusher) Push(ctx context.Context, msg *PushMessage) (PushResult, error) {
	var result PushResult

	if p.limiter != nil {
		res, err := p.limiter.Allow(ctx, msg.UserID.String())
		switch {
		case err != nil:
			// Throttling is advisory; a Redis outage must not block alerts.
			p.logger.Warn("push rate limiter unavailable", zap.Error(err))
		case !res.Allowed:
			metrics.RecordRateLimitRejection(ChannelPush)
			return result, fmt.Errorf("%w: push rate limit exceeded for user %s", ErrDelivery, msg.UserID)
		}
	}

	tokens, err := p.tokens.ListActiveDeviceTokens(ctx, msg.UserID)
	if err != nil {
		return result, fmt.Errorf("list device tokens: %w", err)
	}

	var errs []error
	for _, token := range tokens {
		sendErr := isolate(p.logger, "push:"+token.Platform, func() error {
			return p.sender.Send(ctx, token, msg)
		})

		p.record(ctx, token, msg.NotificationID, sendErr)

		if sendErr == nil {
			result.Sent++
			continue
		}

		result.Failed++
		errs = append(errs, sendErr)

		if errors.Is(sendErr, ErrInvalidTarget) {
			if err := p.tokens.DeactivateDeviceToken(ctx, token.Token); err != nil {
				p.logger.Error("failed to deactivate device token",
					zap.String("device_token_id", token.ID.String()),
					zap.Error(err),
				)
				continue
			}
			result.Deactivated++
			metrics.RecordTokenDeactivated(token.Platform)
		}
	}

	return result, errors.Join(errs...)
}

func (p *Pusher) record(ctx context.Context, token *db.DeviceToken, notificationID uuid.UUID, sendErr error) {
	entry := &db.PushDeliveryLog{
		ID:             uuid.New(),
		NotificationID: notificationID,
		DeviceTokenID:  token.ID,
		Platform:       token.Platform,
		Status:         db.DeliverySent,
	}
	if sendErr != nil {
		msg := sendErr.Error()
		entry.Status = db.DeliveryFailed
		entry.Error = &msg
	}

	metrics.RecordPushAttempt(token.Platform, entry.Status)

	if err := p.tokens.CreateDeliveryLog(ctx, entry); err != nil {
		p.logger.Warn("failed to write push delivery log",
			zap.String("device_token_id", token.ID.String()),
			zap.Error(err),
		)
	}
}

// LogSender logs push messages instead of sending them (development mode).
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, token *db.DeviceToken, msg *PushMessage) error {
	s.logger.Info("logging push (development mode)",
		zap.String("notification_id", msg.NotificationID.String()),
		zap.String("platform", token.Platform),
		zap.String("user_id", msg.UserID.String()),
		zap.String("title", msg.Title),
	)
	return nil
}

func (s *LogSender) SupportsPlatform(platform string) bool {
	return platform == db.PlatformWeb || platform == db.PlatformMobile ||
		platform == db.PlatformDesktop || platform == db.PlatformEmail
}
