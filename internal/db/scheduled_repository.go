package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/recurrence"
)

const scheduledColumns = `
	id, user_id, title, message, entity_type, entity_id, link, metadata,
	schedule_type, scheduled_for, timezone, recurrence,
	is_active, is_sent, sent_at, failure_count, created_at, updated_at
`

func scanScheduled(row pgx.Row) (*ScheduledNotification, error) {
	var (
		s        ScheduledNotification
		meta     []byte
		rule     []byte
		schedule string
	)
	err := row.Scan(
		&s.ID,
		&s.UserID,
		&s.Title,
		&s.Message,
		&s.EntityType,
		&s.EntityID,
		&s.Link,
		&meta,
		&schedule,
		&s.ScheduledFor,
		&s.Timezone,
		&rule,
		&s.IsActive,
		&s.IsSent,
		&s.SentAt,
		&s.FailureCount,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	s.ScheduleType = recurrence.ScheduleType(schedule)
	if s.Metadata, err = decodeMetadata(meta); err != nil {
		return nil, err
	}
	if len(rule) > 0 && string(rule) != "null" {
		s.Recurrence = &recurrence.Rule{}
		if err := json.Unmarshal(rule, s.Recurrence); err != nil {
			return nil, fmt.Errorf("decode recurrence: %w", err)
		}
	}
	return &s, nil
}

func encodeRule(rule *recurrence.Rule) ([]byte, error) {
	if rule == nil {
		return nil, nil
	}
	return json.Marshal(rule)
}

// CreateScheduled inserts a scheduled notification
func (r *Repository) CreateScheduled(ctx context.Context, s *ScheduledNotification) error {
	meta, err := s.Metadata.encode()
	if err != nil {
		return err
	}
	rule, err := encodeRule(s.Recurrence)
	if err != nil {
		return fmt.Errorf("encode recurrence: %w", err)
	}

	query := `
		INSERT INTO scheduled_notifications (
			id, user_id, title, message, entity_type, entity_id, link, metadata,
			schedule_type, scheduled_for, timezone, recurrence,
			is_active, is_sent, failure_count
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15
		)
		RETURNING created_at, updated_at
	`

	err = r.db.Pool().QueryRow(ctx, query,
		s.ID,
		s.UserID,
		s.Title,
		s.Message,
		s.EntityType,
		s.EntityID,
		s.Link,
		meta,
		string(s.ScheduleType),
		s.ScheduledFor,
		s.Timezone,
		rule,
		s.IsActive,
		s.IsSent,
		s.FailureCount,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		r.logger.Error("failed to create scheduled notification",
			zap.Error(err),
			zap.String("scheduled_id", s.ID.String()),
		)
		return fmt.Errorf("insert scheduled notification: %w", err)
	}

	r.logger.Info("scheduled notification created",
		zap.String("scheduled_id", s.ID.String()),
		zap.String("user_id", s.UserID.String()),
		zap.String("schedule_type", string(s.ScheduleType)),
	)

	return nil
}

// GetScheduled retrieves a scheduled notification by ID
func (r *Repository) GetScheduled(ctx context.Context, id uuid.UUID) (*ScheduledNotification, error) {
	query := `SELECT ` + scheduledColumns + ` FROM scheduled_notifications WHERE id = $1`

	s, err := scanScheduled(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("scheduled notification %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query scheduled notification: %w", err)
	}
	return s, nil
}

// UpdateScheduled writes every user-editable field and touches updated_at
func (r *Repository) UpdateScheduled(ctx context.Context, s *ScheduledNotification) error {
	meta, err := s.Metadata.encode()
	if err != nil {
		return err
	}
	rule, err := encodeRule(s.Recurrence)
	if err != nil {
		return fmt.Errorf("encode recurrence: %w", err)
	}

	query := `
		UPDATE scheduled_notifications
		SET title = $1, message = $2, entity_type = $3, entity_id = $4, link = $5,
		    metadata = $6, schedule_type = $7, scheduled_for = $8, timezone = $9,
		    recurrence = $10, updated_at = NOW()
		WHERE id = $11
		RETURNING updated_at
	`

	err = r.db.Pool().QueryRow(ctx, query,
		s.Title,
		s.Message,
		s.EntityType,
		s.EntityID,
		s.Link,
		meta,
		string(s.ScheduleType),
		s.ScheduledFor,
		s.Timezone,
		rule,
		s.ID,
	).Scan(&s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("scheduled notification %s: %w", s.ID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("update scheduled notification: %w", err)
	}
	return nil
}

// SetScheduledActive pauses or resumes a scheduled notification
func (r *Repository) SetScheduledActive(ctx context.Context, id uuid.UUID, active bool) error {
	query := `
		UPDATE scheduled_notifications
		SET is_active = $1, updated_at = NOW()
		WHERE id = $2
	`

	result, err := r.db.Pool().Exec(ctx, query, active, id)
	if err != nil {
		return fmt.Errorf("set scheduled active: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("scheduled notification %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteScheduled removes a scheduled notification; deleting a missing row is not an error
func (r *Repository) DeleteScheduled(ctx context.Context, id uuid.UUID) error {
	if _, err := r.db.Pool().Exec(ctx, `DELETE FROM scheduled_notifications WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete scheduled notification: %w", err)
	}
	return nil
}

// ListDueScheduled returns active, unsent notifications whose time has come
func (r *Repository) ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]*ScheduledNotification, error) {
	query := `
		SELECT ` + scheduledColumns + `
		FROM scheduled_notifications
		WHERE is_active = TRUE AND is_sent = FALSE AND scheduled_for <= $1
		ORDER BY scheduled_for ASC
		LIMIT $2
	`

	rows, err := r.db.Pool().Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due scheduled notifications: %w", err)
	}
	defer rows.Close()

	var due []*ScheduledNotification
	for rows.Next() {
		s, err := scanScheduled(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scheduled notification: %w", err)
		}
		due = append(due, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return due, nil
}

// ClaimScheduled moves a due notification to its post-delivery state, but only
// if nobody else did so first: the row must still be active, unsent and
// scheduled at expectedFor. With next set the notification is rescheduled;
// otherwise it is marked sent at sentAt.
func (r *Repository) ClaimScheduled(ctx context.Context, id uuid.UUID, expectedFor time.Time, next *time.Time, sentAt time.Time) (bool, error) {
	var query string
	var args []any
	if next != nil {
		query = `
			UPDATE scheduled_notifications
			SET scheduled_for = $1, updated_at = NOW()
			WHERE id = $2 AND scheduled_for = $3 AND is_active = TRUE AND is_sent = FALSE
		`
		args = []any{*next, id, expectedFor}
	} else {
		query = `
			UPDATE scheduled_notifications
			SET is_sent = TRUE, sent_at = $1, updated_at = NOW()
			WHERE id = $2 AND scheduled_for = $3 AND is_active = TRUE AND is_sent = FALSE
		`
		args = []any{sentAt, id, expectedFor}
	}

	result, err := r.db.Pool().Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("claim scheduled notification: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// RecordScheduledOutcome stores the consecutive failure count. A non-nil
// exhaustedAt marks the notification sent because no more attempts are allowed.
func (r *Repository) RecordScheduledOutcome(ctx context.Context, id uuid.UUID, failureCount int, exhaustedAt *time.Time) error {
	query := `
		UPDATE scheduled_notifications
		SET failure_count = $1,
		    is_sent = is_sent OR $2::timestamptz IS NOT NULL,
		    sent_at = COALESCE(sent_at, $2::timestamptz),
		    updated_at = NOW()
		WHERE id = $3
	`

	if _, err := r.db.Pool().Exec(ctx, query, failureCount, exhaustedAt, id); err != nil {
		return fmt.Errorf("record scheduled outcome: %w", err)
	}
	return nil
}

// RetryScheduled re-arms a notification for immediate delivery
func (r *Repository) RetryScheduled(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `
		UPDATE scheduled_notifications
		SET scheduled_for = $1, is_sent = FALSE, sent_at = NULL,
		    is_active = TRUE, failure_count = 0, updated_at = NOW()
		WHERE id = $2
	`

	result, err := r.db.Pool().Exec(ctx, query, at, id)
	if err != nil {
		return fmt.Errorf("retry scheduled notification: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("scheduled notification %s: %w", id, ErrNotFound)
	}
	return nil
}

// CreateHistory appends a processing attempt to the audit trail
func (r *Repository) CreateHistory(ctx context.Context, h *ScheduledNotificationHistory) error {
	query := `
		INSERT INTO scheduled_notification_history (
			id, scheduled_notification_id, sent_at, success, error_message
		) VALUES ($1, $2, $3, $4, $5)
	`

	_, err := r.db.Pool().Exec(ctx, query,
		h.ID,
		h.ScheduledNotificationID,
		h.SentAt,
		h.Success,
		h.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("insert scheduled history: %w", err)
	}
	return nil
}

// ListHistory returns the most recent processing attempts of a notification
func (r *Repository) ListHistory(ctx context.Context, scheduledID uuid.UUID, limit int) ([]*ScheduledNotificationHistory, error) {
	query := `
		SELECT id, scheduled_notification_id, sent_at, success, error_message
		FROM scheduled_notification_history
		WHERE scheduled_notification_id = $1
		ORDER BY sent_at DESC
		LIMIT $2
	`

	rows, err := r.db.Pool().Query(ctx, query, scheduledID, limit)
	if err != nil {
		return nil, fmt.Errorf("query scheduled history: %w", err)
	}
	defer rows.Close()

	var items []*ScheduledNotificationHistory
	for rows.Next() {
		var h ScheduledNotificationHistory
		if err := rows.Scan(
			&h.ID,
			&h.ScheduledNotificationID,
			&h.SentAt,
			&h.Success,
			&h.ErrorMessage,
		); err != nil {
			return nil, fmt.Errorf("scan scheduled history: %w", err)
		}
		items = append(items, &h)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return items, nil
}

// ScheduledStats counts a user's scheduled notifications by state
func (r *Repository) ScheduledStats(ctx context.Context, userID uuid.UUID) (*ScheduledStats, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE is_active),
			COUNT(*) FILTER (WHERE is_sent),
			COUNT(*) FILTER (WHERE is_active AND NOT is_sent)
		FROM scheduled_notifications
		WHERE user_id = $1
	`

	var stats ScheduledStats
	if err := r.db.Pool().QueryRow(ctx, query, userID).Scan(
		&stats.Total,
		&stats.Active,
		&stats.Sent,
		&stats.Pending,
	); err != nil {
		return nil, fmt.Errorf("query scheduled stats: %w", err)
	}
	return &stats, nil
}
