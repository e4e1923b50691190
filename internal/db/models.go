package db

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/lalithlochan/beacon/internal/recurrence"
)

// ErrNotFound is returned when a row addressed by id does not exist.
var ErrNotFound = errors.New("not found")

// Metadata is a free-form JSON object attached to notifications and messages.
type Metadata map[string]any

// Validate checks that every value can be encoded as JSON.
func (m Metadata) Validate() error {
	if m == nil {
		return nil
	}
	if _, err := json.Marshal(m); err != nil {
		return fmt.Errorf("metadata is not valid JSON: %w", err)
	}
	return nil
}

func (m Metadata) encode() ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func decodeMetadata(raw []byte) (Metadata, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m Metadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return m, nil
}

// Notification types
const (
	TypeScheduled          = "scheduled"
	TypeTaskDueSoon        = "task_due_soon"
	TypeTaskOverdue        = "task_overdue"
	TypeProjectDeadline    = "project_deadline"
	TypeSprintEnding       = "sprint_ending"
	TypeMilestoneCompleted = "milestone_completed"
)

// Entity types referenced by notifications
const (
	EntityTask      = "task"
	EntityProject   = "project"
	EntitySprint    = "sprint"
	EntityMilestone = "milestone"
)

// Notification is the durable in-app notification record.
type Notification struct {
	ID         uuid.UUID  `json:"id"`
	UserID     uuid.UUID  `json:"user_id"`
	Type       string     `json:"type"`
	Title      string     `json:"title"`
	Body       string     `json:"body"`
	EntityType *string    `json:"entity_type,omitempty"`
	EntityID   *uuid.UUID `json:"entity_id,omitempty"`
	Link       *string    `json:"link,omitempty"`
	Data       Metadata   `json:"data,omitempty"`
	DedupeKey  *string    `json:"-"`
	IsRead     bool       `json:"is_read"`
	CreatedAt  time.Time  `json:"created_at"`
}

// NotificationCriteria narrows a notification lookup. Zero fields are ignored.
type NotificationCriteria struct {
	UserID    uuid.UUID
	Type      string
	EntityID  *uuid.UUID
	DedupeKey string
}

// Device platforms
const (
	PlatformWeb     = "web"
	PlatformMobile  = "mobile"
	PlatformDesktop = "desktop"
	PlatformEmail   = "email"
)

// DeviceToken is a per-user delivery target for push notifications.
type DeviceToken struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Token     string    `json:"token"`
	Platform  string    `json:"platform"`
	IsActive  bool      `json:"is_active"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Delivery log statuses
const (
	DeliverySent   = "sent"
	DeliveryFailed = "failed"
)

// PushDeliveryLog records the outcome of one push attempt to one token.
type PushDeliveryLog struct {
	ID             uuid.UUID `json:"id"`
	NotificationID uuid.UUID `json:"notification_id"`
	DeviceTokenID  uuid.UUID `json:"device_token_id"`
	Platform       string    `json:"platform"`
	Status         string    `json:"status"`
	Error          *string   `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Message is a chat message; the engine only writes system messages.
type Message struct {
	ID        uuid.UUID `json:"id"`
	ThreadID  uuid.UUID `json:"thread_id"`
	Content   string    `json:"content"`
	Metadata  Metadata  `json:"metadata,omitempty"`
	IsSystem  bool      `json:"is_system"`
	DedupeKey *string   `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// ScheduledNotification is a one-shot or recurring notification owned by a user.
type ScheduledNotification struct {
	ID           uuid.UUID               `json:"id"`
	UserID       uuid.UUID               `json:"user_id"`
	Title        string                  `json:"title"`
	Message      string                  `json:"message"`
	EntityType   *string                 `json:"entity_type,omitempty"`
	EntityID     *uuid.UUID              `json:"entity_id,omitempty"`
	Link         *string                 `json:"link,omitempty"`
	Metadata     Metadata                `json:"metadata,omitempty"`
	ScheduleType recurrence.ScheduleType `json:"schedule_type"`
	ScheduledFor time.Time               `json:"scheduled_for"`
	Timezone     string                  `json:"timezone"`
	Recurrence   *recurrence.Rule        `json:"recurrence,omitempty"`
	IsActive     bool                    `json:"is_active"`
	IsSent       bool                    `json:"is_sent"`
	SentAt       *time.Time              `json:"sent_at,omitempty"`
	FailureCount int                     `json:"failure_count"`
	CreatedAt    time.Time               `json:"created_at"`
	UpdatedAt    time.Time               `json:"updated_at"`
}

// IsDue reports whether the notification should fire at now.
func (s *ScheduledNotification) IsDue(now time.Time) bool {
	return s.IsActive && !s.IsSent && !s.ScheduledFor.After(now)
}

// Location resolves the notification's timezone, falling back to UTC.
func (s *ScheduledNotification) Location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ScheduledNotificationHistory is an append-only record of one processing attempt.
type ScheduledNotificationHistory struct {
	ID                      uuid.UUID `json:"id"`
	ScheduledNotificationID uuid.UUID `json:"scheduled_notification_id"`
	SentAt                  time.Time `json:"sent_at"`
	Success                 bool      `json:"success"`
	ErrorMessage            *string   `json:"error_message,omitempty"`
}

// ScheduledStats summarises a user's scheduled notifications.
type ScheduledStats struct {
	Total   int `json:"total"`
	Active  int `json:"active"`
	Sent    int `json:"sent"`
	Pending int `json:"pending"`
}

// Entity statuses the scanner filters on
const (
	TaskStatusDone           = "done"
	ProjectStatusCompleted   = "completed"
	SprintStatusActive       = "active"
	MilestoneStatusCompleted = "completed"
)

// Task is the subset of a task the scanner reads.
type Task struct {
	ID        uuid.UUID   `json:"id"`
	ProjectID uuid.UUID   `json:"project_id"`
	Title     string      `json:"title"`
	Status    string      `json:"status"`
	DueDate   time.Time   `json:"due_date"`
	Assignees []uuid.UUID `json:"assignees"`
}

// Project is the subset of a project the scanner reads.
type Project struct {
	ID        uuid.UUID  `json:"id"`
	Name      string     `json:"name"`
	Status    string     `json:"status"`
	EndDate   time.Time  `json:"end_date"`
	ChannelID *uuid.UUID `json:"channel_id,omitempty"`
}

// Sprint is the subset of a sprint the scanner reads.
type Sprint struct {
	ID        uuid.UUID `json:"id"`
	ProjectID uuid.UUID `json:"project_id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	EndDate   time.Time `json:"end_date"`
}

// Milestone is the subset of a milestone the scanner reads and updates.
type Milestone struct {
	ID               uuid.UUID  `json:"id"`
	ProjectID        uuid.UUID  `json:"project_id"`
	Title            string     `json:"title"`
	Status           string     `json:"status"`
	Progress         float64    `json:"progress"`
	ProjectChannelID *uuid.UUID `json:"project_channel_id,omitempty"`
}
