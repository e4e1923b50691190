package sink

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/lalithlochan/beacon/internal/db"
	"github.com/lalithlochan/beacon/internal/redis"
)

type fakeNotificationStore struct {
	mu      sync.Mutex
	err     error
	created []*db.Notification
	keys    map[string]bool
}

func (f *fakeNotificationStore) CreateNotification(ctx context.Context, notif *db.Notification) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	if notif.DedupeKey != nil {
		if f.keys == nil {
			f.keys = map[string]bool{}
		}
		if f.keys[*notif.DedupeKey] {
			return false, nil
		}
		f.keys[*notif.DedupeKey] = true
	}
	f.created = append(f.created, notif)
	return true, nil
}

type fakeTokenStore struct {
	mu          sync.Mutex
	tokens      []*db.DeviceToken
	listErr     error
	logs        []*db.PushDeliveryLog
	deactivated []string
}

func (f *fakeTokenStore) ListActiveDeviceTokens(ctx context.Context, userID uuid.UUID) ([]*db.DeviceToken, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []*db.DeviceToken
	for _, t := range f.tokens {
		if t.UserID == userID && t.IsActive {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeTokenStore) DeactivateDeviceToken(ctx context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deactivated = append(f.deactivated, token)
	for _, t := range f.tokens {
		if t.Token == token {
			t.IsActive = false
		}
	}
	return nil
}

func (f *fakeTokenStore) CreateDeliveryLog(ctx context.Context, entry *db.PushDeliveryLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, entry)
	return nil
}

type fakeMessageStore struct {
	err      error
	messages []*db.Message
	keys     map[string]bool
}

func (f *fakeMessageStore) CreateSystemMessage(ctx context.Context, msg *db.Message) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	if msg.DedupeKey != nil {
		if f.keys == nil {
			f.keys = map[string]bool{}
		}
		if f.keys[*msg.DedupeKey] {
			return false, nil
		}
		f.keys[*msg.DedupeKey] = true
	}
	f.messages = append(f.messages, msg)
	return true, nil
}

type published struct {
	channel string
	event   string
	payload any
}

type fakePublisher struct {
	err    error
	panics bool
	events []published
}

func (f *fakePublisher) Publish(ctx context.Context, channel, event string, payload any) error {
	if f.panics {
		panic("publisher exploded")
	}
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, published{channel: channel, event: event, payload: payload})
	return nil
}

type fakeSender struct {
	platform string
	err      error
	errFor   map[string]error
	panics   bool
	sent     []string
}

func (f *fakeSender) Send(ctx context.Context, token *db.DeviceToken, msg *PushMessage) error {
	if f.panics {
		panic("push provider exploded")
	}
	if err, ok := f.errFor[token.Token]; ok {
		return err
	}
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, token.Token)
	return nil
}

func (f *fakeSender) SupportsPlatform(platform string) bool {
	return f.platform == "" || f.platform == platform
}

type fakeLimiter struct {
	allowed bool
	err     error
	keys    []string
}

func (f *fakeLimiter) Allow(ctx context.Context, key string) (*redis.RateLimitResult, error) {
	f.keys = append(f.keys, key)
	if f.err != nil {
		return nil, f.err
	}
	return &redis.RateLimitResult{Allowed: f.allowed}, nil
}

var errBoom = errors.New("boom")

func token(userID uuid.UUID, platform, value string) *db.DeviceToken {
	return &db.DeviceToken{
		ID:       uuid.New(),
		UserID:   userID,
		Token:    value,
		Platform: platform,
		IsActive: true,
	}
}
