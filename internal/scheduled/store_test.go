package scheduled

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/beacon/internal/db"
	"github.com/lalithlochan/beacon/internal/sink"
)

// memStore mirrors the SQL semantics of the Postgres repository.
type memStore struct {
	mu        sync.Mutex
	items     map[uuid.UUID]*db.ScheduledNotification
	history   []*db.ScheduledNotificationHistory
	claimErr  error
	stealNext bool // simulate another run claiming first
}

func newMemStore() *memStore {
	return &memStore{items: map[uuid.UUID]*db.ScheduledNotification{}}
}

func clone(s *db.ScheduledNotification) *db.ScheduledNotification {
	c := *s
	return &c
}

func (m *memStore) CreateScheduled(ctx context.Context, s *db.ScheduledNotification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.CreatedAt = time.Now()
	s.UpdatedAt = s.CreatedAt
	m.items[s.ID] = clone(s)
	return nil
}

func (m *memStore) GetScheduled(ctx context.Context, id uuid.UUID) (*db.ScheduledNotification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.items[id]
	if !ok {
		return nil, fmt.Errorf("scheduled notification %s: %w", id, db.ErrNotFound)
	}
	return clone(s), nil
}

func (m *memStore) UpdateScheduled(ctx context.Context, s *db.ScheduledNotification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.items[s.ID]
	if !ok {
		return db.ErrNotFound
	}
	next := clone(s)
	next.IsActive, next.IsSent, next.SentAt, next.FailureCount = cur.IsActive, cur.IsSent, cur.SentAt, cur.FailureCount
	next.UpdatedAt = time.Now()
	m.items[s.ID] = next
	return nil
}

func (m *memStore) SetScheduledActive(ctx context.Context, id uuid.UUID, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.items[id]
	if !ok {
		return db.ErrNotFound
	}
	s.IsActive = active
	return nil
}

func (m *memStore) DeleteScheduled(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, id)
	return nil
}

func (m *memStore) ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]*db.ScheduledNotification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*db.ScheduledNotification
	for _, s := range m.items {
		if s.IsActive && !s.IsSent && !s.ScheduledFor.After(now) {
			out = append(out, clone(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledFor.Before(out[j].ScheduledFor) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) ClaimScheduled(ctx context.Context, id uuid.UUID, expectedFor time.Time, next *time.Time, sentAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimErr != nil {
		return false, m.claimErr
	}
	s, ok := m.items[id]
	if !ok || !s.IsActive || s.IsSent || !s.ScheduledFor.Equal(expectedFor) {
		return false, nil
	}
	if m.stealNext {
		return false, nil
	}
	if next != nil {
		s.ScheduledFor = *next
	} else {
		s.IsSent = true
		at := sentAt
		s.SentAt = &at
	}
	return true, nil
}

func (m *memStore) RecordScheduledOutcome(ctx context.Context, id uuid.UUID, failureCount int, exhaustedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.items[id]
	if !ok {
		return nil
	}
	s.FailureCount = failureCount
	if exhaustedAt != nil {
		s.IsSent = true
		if s.SentAt == nil {
			at := *exhaustedAt
			s.SentAt = &at
		}
	}
	return nil
}

func (m *memStore) RetryScheduled(ctx context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.items[id]
	if !ok {
		return db.ErrNotFound
	}
	s.ScheduledFor, s.IsSent, s.SentAt, s.IsActive, s.FailureCount = at, false, nil, true, 0
	return nil
}

func (m *memStore) CreateHistory(ctx context.Context, h *db.ScheduledNotificationHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, h)
	return nil
}

func (m *memStore) ListHistory(ctx context.Context, scheduledID uuid.UUID, limit int) ([]*db.ScheduledNotificationHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*db.ScheduledNotificationHistory
	for i := len(m.history) - 1; i >= 0 && len(out) < limit; i-- {
		if m.history[i].ScheduledNotificationID == scheduledID {
			out = append(out, m.history[i])
		}
	}
	return out, nil
}

func (m *memStore) ScheduledStats(ctx context.Context, userID uuid.UUID) (*db.ScheduledStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var st db.ScheduledStats
	for _, s := range m.items {
		if s.UserID != userID {
			continue
		}
		st.Total++
		if s.IsActive {
			st.Active++
		}
		if s.IsSent {
			st.Sent++
		}
		if s.IsActive && !s.IsSent {
			st.Pending++
		}
	}
	return &st, nil
}

func (m *memStore) get(id uuid.UUID) *db.ScheduledNotification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return clone(m.items[id])
}

// fakeDeliverer records payloads and can be told to fail.
type fakeDeliverer struct {
	mu       sync.Mutex
	err      error
	payloads []sink.Payload
}

func (f *fakeDeliverer) Deliver(ctx context.Context, p sink.Payload) (*sink.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, p)
	if f.err != nil {
		return nil, f.err
	}
	return &sink.Outcome{Notification: &db.Notification{ID: uuid.New(), UserID: p.UserID}}, nil
}

var errSinkDown = errors.New("notification persistence failed: connection refused")
