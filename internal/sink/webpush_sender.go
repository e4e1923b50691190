package sink

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/db"
)

// WebPushConfig configures the HTTP web-push gateway.
type WebPushConfig struct {
	GatewayURL string
	Timeout    time.Duration
}

// webPushRequest is the body the gateway expects: the browser subscription
// plus the notification to render.
type webPushRequest struct {
	Subscription string       `json:"subscription"`
	Notification *PushMessage `json:"notification"`
}

// WebPushSender delivers to browsers through an HTTP web-push gateway.
type WebPushSender struct {
	client     *http.Client
	gatewayURL string
	logger     *zap.Logger
}

// NewWebPushSender creates a new web push sender
func NewWebPushSender(logger *zap.Logger, cfg WebPushConfig) *WebPushSender {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &WebPushSender{
		client:     &http.Client{Timeout: timeout},
		gatewayURL: cfg.GatewayURL,
		logger:     logger,
	}
}

// Send posts the message for one browser subscription. The gateway answers
// 404 or 410 when the subscription is gone.
func (s *WebPushSender) Send(ctx context.Context, token *db.DeviceToken, msg *PushMessage) error {
	if token.Platform != db.PlatformWeb {
		return fmt.Errorf("web push sender only supports web, got: %s", token.Platform)
	}
	if s.gatewayURL == "" {
		return fmt.Errorf("web push gateway url not configured")
	}

	body, err := json.Marshal(webPushRequest{Subscription: token.Token, Notification: msg})
	if err != nil {
		return fmt.Errorf("marshal web push request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.gatewayURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create web push request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Beacon/1.0.0")
	req.Header.Set("X-Beacon-Notification-ID", msg.NotificationID.String())

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("web push request failed: %w", err)
	}
	defer resp.Body.Close()

	preview, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return fmt.Errorf("%w: subscription expired (status %d)", ErrInvalidTarget, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("web push gateway returned non-2xx status: %d, body: %s", resp.StatusCode, string(preview))
	}

	s.logger.Debug("web push delivered",
		zap.String("notification_id", msg.NotificationID.String()),
		zap.String("device_token_id", token.ID.String()),
		zap.Int("status_code", resp.StatusCode),
	)

	return nil
}

// SupportsPlatform checks if this sender supports browsers
func (s *WebPushSender) SupportsPlatform(platform string) bool {
	return platform == db.PlatformWeb
}
