// Package scheduled owns the lifecycle of user-scheduled notifications and
// the reducer that delivers and reschedules them when they come due.
package scheduled

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/db"
	"github.com/lalithlochan/beacon/internal/recurrence"
	"github.com/lalithlochan/beacon/internal/sink"
)

// Store is the persistence the service needs.
type Store interface {
	CreateScheduled(ctx context.Context, s *db.ScheduledNotification) error
	GetScheduled(ctx context.Context, id uuid.UUID) (*db.ScheduledNotification, error)
	UpdateScheduled(ctx context.Context, s *db.ScheduledNotification) error
	SetScheduledActive(ctx context.Context, id uuid.UUID, active bool) error
	DeleteScheduled(ctx context.Context, id uuid.UUID) error
	ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]*db.ScheduledNotification, error)
	ClaimScheduled(ctx context.Context, id uuid.UUID, expectedFor time.Time, next *time.Time, sentAt time.Time) (bool, error)
	RecordScheduledOutcome(ctx context.Context, id uuid.UUID, failureCount int, exhaustedAt *time.Time) error
	RetryScheduled(ctx context.Context, id uuid.UUID, at time.Time) error
	CreateHistory(ctx context.Context, h *db.ScheduledNotificationHistory) error
	ListHistory(ctx context.Context, scheduledID uuid.UUID, limit int) ([]*db.ScheduledNotificationHistory, error)
	ScheduledStats(ctx context.Context, userID uuid.UUID) (*db.ScheduledStats, error)
}

// Deliverer sends a notification through the sinks.
type Deliverer interface {
	Deliver(ctx context.Context, p sink.Payload) (*sink.Outcome, error)
}

// Config tunes due processing.
type Config struct {
	// BatchSize caps how many due items one ProcessDue call handles.
	BatchSize int
	// MaxConsecutiveFailures stops a recurring item after this many failed
	// deliveries in a row. Zero disables the limit.
	MaxConsecutiveFailures int
}

// Service manages scheduled notifications.
type Service struct {
	store     Store
	deliverer Deliverer
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time
}

// NewService creates a scheduled notification service.
func NewService(store Store, deliverer Deliverer, cfg Config, logger *zap.Logger) *Service {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	return &Service{
		store:     store,
		deliverer: deliverer,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// CreateRequest is the input to Create.
type CreateRequest struct {
	UserID       uuid.UUID               `json:"user_id"`
	Title        string                  `json:"title"`
	Message      string                  `json:"message"`
	EntityType   *string                 `json:"entity_type,omitempty"`
	EntityID     *uuid.UUID              `json:"entity_id,omitempty"`
	Link         *string                 `json:"link,omitempty"`
	Metadata     db.Metadata             `json:"metadata,omitempty"`
	ScheduleType recurrence.ScheduleType `json:"schedule_type"`
	ScheduledFor time.Time               `json:"scheduled_for"`
	Timezone     string                  `json:"timezone,omitempty"`
	Recurrence   *recurrence.Rule        `json:"recurrence,omitempty"`
}

// UpdateRequest carries the fields to change; nil fields are left alone.
type UpdateRequest struct {
	Title        *string                  `json:"title,omitempty"`
	Message      *string                  `json:"message,omitempty"`
	EntityType   *string                  `json:"entity_type,omitempty"`
	EntityID     *uuid.UUID               `json:"entity_id,omitempty"`
	Link         *string                  `json:"link,omitempty"`
	Metadata     db.Metadata              `json:"metadata,omitempty"`
	ScheduleType *recurrence.ScheduleType `json:"schedule_type,omitempty"`
	ScheduledFor *time.Time               `json:"scheduled_for,omitempty"`
	Timezone     *string                  `json:"timezone,omitempty"`
	Recurrence   *recurrence.Rule         `json:"recurrence,omitempty"`
}

func normalize(s *db.ScheduledNotification) {
	if s.Timezone == "" {
		s.Timezone = "UTC"
	}
	if s.ScheduleType.Recurring() && s.Recurrence == nil {
		s.Recurrence = &recurrence.Rule{Frequency: 1}
	}
	s.ScheduledFor = s.ScheduledFor.UTC()
}

// Create validates and stores a new active, unsent notification.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*db.ScheduledNotification, error) {
	item := &db.ScheduledNotification{
		ID:           uuid.New(),
		UserID:       req.UserID,
		Title:        req.Title,
		Message:      req.Message,
		EntityType:   req.EntityType,
		EntityID:     req.EntityID,
		Link:         req.Link,
		Metadata:     req.Metadata,
		ScheduleType: req.ScheduleType,
		ScheduledFor: req.ScheduledFor,
		Timezone:     req.Timezone,
		Recurrence:   req.Recurrence,
		IsActive:     true,
	}
	normalize(item)

	if err := validateRecord(item); err != nil {
		return nil, err
	}

	if err := s.store.CreateScheduled(ctx, item); err != nil {
		return nil, fmt.Errorf("create scheduled notification: %w", err)
	}
	return item, nil
}

// Get returns one notification.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*db.ScheduledNotification, error) {
	item, err := s.store.GetScheduled(ctx, id)
	if err != nil {
		return nil, translate(err, id)
	}
	return item, nil
}

// Update merges the non-nil fields of req, re-validates and stores the result.
// It never reschedules on its own.
func (s *Service) Update(ctx context.Context, id uuid.UUID, req UpdateRequest) (*db.ScheduledNotification, error) {
	item, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Title != nil {
		item.Title = *req.Title
	}
	if req.Message != nil {
		item.Message = *req.Message
	}
	if req.EntityType != nil {
		item.EntityType = req.EntityType
	}
	if req.EntityID != nil {
		item.EntityID = req.EntityID
	}
	if req.Link != nil {
		item.Link = req.Link
	}
	if req.Metadata != nil {
		item.Metadata = req.Metadata
	}
	if req.ScheduleType != nil {
		item.ScheduleType = *req.ScheduleType
	}
	if req.ScheduledFor != nil {
		item.ScheduledFor = *req.ScheduledFor
	}
	if req.Timezone != nil {
		item.Timezone = *req.Timezone
	}
	if req.Recurrence != nil {
		item.Recurrence = req.Recurrence
	}
	normalize(item)

	if err := validateRecord(item); err != nil {
		return nil, err
	}

	if err := s.store.UpdateScheduled(ctx, item); err != nil {
		return nil, translate(err, id)
	}
	return item, nil
}

// Pause deactivates a notification so it is never selected as due.
func (s *Service) Pause(ctx context.Context, id uuid.UUID) error {
	return translate(s.store.SetScheduledActive(ctx, id, false), id)
}

// Resume reactivates a paused notification.
func (s *Service) Resume(ctx context.Context, id uuid.UUID) error {
	return translate(s.store.SetScheduledActive(ctx, id, true), id)
}

// Delete removes a notification. Deleting twice is fine.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.store.DeleteScheduled(ctx, id); err != nil {
		return fmt.Errorf("delete scheduled notification: %w", err)
	}
	return nil
}

// Retry re-arms a notification for delivery at now, clearing sent state and
// the failure streak.
func (s *Service) Retry(ctx context.Context, id uuid.UUID) error {
	return translate(s.store.RetryScheduled(ctx, id, s.now().UTC()), id)
}

// History returns the most recent processing attempts, newest first.
func (s *Service) History(ctx context.Context, id uuid.UUID, limit int) ([]*db.ScheduledNotificationHistory, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	items, err := s.store.ListHistory(ctx, id, limit)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	return items, nil
}

// Stats counts a user's notifications.
func (s *Service) Stats(ctx context.Context, userID uuid.UUID) (*db.ScheduledStats, error) {
	stats, err := s.store.ScheduledStats(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("scheduled stats: %w", err)
	}
	return stats, nil
}

// ListDue returns notifications that are active, unsent and due at now.
func (s *Service) ListDue(ctx context.Context, now time.Time) ([]*db.ScheduledNotification, error) {
	rows, err := s.store.ListDueScheduled(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("list due: %w", err)
	}

	due := rows[:0]
	for _, item := range rows {
		if item.IsDue(now) {
			due = append(due, item)
		}
	}
	return due, nil
}

func translate(err error, id uuid.UUID) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return err
}
