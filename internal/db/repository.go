package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Repository handles database operations for the engine
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// CreateNotification inserts a notification. When the notification carries a
// dedupe key that already exists, nothing is written and created is false.
func (r *Repository) CreateNotification(ctx context.Context, notif *Notification) (bool, error) {
	data, err := notif.Data.encode()
	if err != nil {
		return false, err
	}

	query := `
		INSERT INTO notifications (
			id, user_id, type, title, body,
			entity_type, entity_id, link, data, dedupe_key
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		)
		ON CONFLICT (dedupe_key) DO NOTHING
		RETURNING created_at
	`

	err = r.db.Pool().QueryRow(
		ctx,
		query,
		notif.ID,
		notif.UserID,
		notif.Type,
		notif.Title,
		notif.Body,
		notif.EntityType,
		notif.EntityID,
		notif.Link,
		data,
		notif.DedupeKey,
	).Scan(&notif.CreatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		r.logger.Debug("notification already exists for dedupe key",
			zap.String("user_id", notif.UserID.String()),
			zap.String("type", notif.Type),
		)
		return false, nil
	}
	if err != nil {
		r.logger.Error("failed to create notification",
			zap.Error(err),
			zap.String("notification_id", notif.ID.String()),
		)
		return false, fmt.Errorf("insert notification: %w", err)
	}

	return true, nil
}

// FindNotification returns the most recent notification matching the
// criteria, or nil when there is none.
func (r *Repository) FindNotification(ctx context.Context, c NotificationCriteria) (*Notification, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	if c.UserID != uuid.Nil {
		add("user_id = $%d", c.UserID)
	}
	if c.Type != "" {
		add("type = $%d", c.Type)
	}
	if c.EntityID != nil {
		add("entity_id = $%d", *c.EntityID)
	}
	if c.DedupeKey != "" {
		add("dedupe_key = $%d", c.DedupeKey)
	}
	if len(where) == 0 {
		return nil, fmt.Errorf("find notification: empty criteria")
	}

	query := `
		SELECT
			id, user_id, type, title, body,
			entity_type, entity_id, link, data, dedupe_key,
			is_read, created_at
		FROM notifications
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY created_at DESC
		LIMIT 1
	`

	var (
		notif Notification
		data  []byte
	)
	err := r.db.Pool().QueryRow(ctx, query, args...).Scan(
		&notif.ID,
		&notif.UserID,
		&notif.Type,
		&notif.Title,
		&notif.Body,
		&notif.EntityType,
		&notif.EntityID,
		&notif.Link,
		&data,
		&notif.DedupeKey,
		&notif.IsRead,
		&notif.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query notification: %w", err)
	}

	if notif.Data, err = decodeMetadata(data); err != nil {
		return nil, err
	}
	return &notif, nil
}

// ListActiveDeviceTokens returns every active push target of a user
func (r *Repository) ListActiveDeviceTokens(ctx context.Context, userID uuid.UUID) ([]*DeviceToken, error) {
	query := `
		SELECT id, user_id, token, platform, is_active, updated_at
		FROM device_tokens
		WHERE user_id = $1 AND is_active = TRUE
		ORDER BY updated_at DESC
	`

	rows, err := r.db.Pool().Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query device tokens: %w", err)
	}
	defer rows.Close()

	var tokens []*DeviceToken
	for rows.Next() {
		var tok DeviceToken
		if err := rows.Scan(
			&tok.ID,
			&tok.UserID,
			&tok.Token,
			&tok.Platform,
			&tok.IsActive,
			&tok.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan device token: %w", err)
		}
		tokens = append(tokens, &tok)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return tokens, nil
}

// DeactivateDeviceToken disables every row carrying the given token
func (r *Repository) DeactivateDeviceToken(ctx context.Context, token string) error {
	query := `
		UPDATE device_tokens
		SET is_active = FALSE, updated_at = NOW()
		WHERE token = $1 AND is_active = TRUE
	`

	result, err := r.db.Pool().Exec(ctx, query, token)
	if err != nil {
		return fmt.Errorf("deactivate device token: %w", err)
	}

	r.logger.Info("device token deactivated",
		zap.Int64("rows", result.RowsAffected()),
	)

	return nil
}

// CreateDeliveryLog records one push attempt
func (r *Repository) CreateDeliveryLog(ctx context.Context, entry *PushDeliveryLog) error {
	query := `
		INSERT INTO push_delivery_logs (
			id, notification_id, device_token_id, platform, status, error
		) VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		entry.ID,
		entry.NotificationID,
		entry.DeviceTokenID,
		entry.Platform,
		entry.Status,
		entry.Error,
	).Scan(&entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert delivery log: %w", err)
	}

	return nil
}

// CreateSystemMessage inserts a system chat message. Like notifications, a
// duplicate dedupe key leaves the table untouched and reports created=false.
func (r *Repository) CreateSystemMessage(ctx context.Context, msg *Message) (bool, error) {
	meta, err := msg.Metadata.encode()
	if err != nil {
		return false, err
	}

	query := `
		INSERT INTO messages (
			id, thread_id, content, metadata, is_system, dedupe_key
		) VALUES ($1, $2, $3, $4, TRUE, $5)
		ON CONFLICT (dedupe_key) DO NOTHING
		RETURNING created_at
	`

	err = r.db.Pool().QueryRow(ctx, query,
		msg.ID,
		msg.ThreadID,
		msg.Content,
		meta,
		msg.DedupeKey,
	).Scan(&msg.CreatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		r.logger.Error("failed to create system message",
			zap.Error(err),
			zap.String("thread_id", msg.ThreadID.String()),
		)
		return false, fmt.Errorf("insert message: %w", err)
	}

	msg.IsSystem = true
	return true, nil
}
