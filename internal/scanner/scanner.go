// Package scanner evaluates the due conditions of tasks, projects, sprints
// and milestones and raises one alert per condition transition.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/db"
	"github.com/lalithlochan/beacon/internal/metrics"
	"github.com/lalithlochan/beacon/internal/sink"
)

// Condition windows.
const (
	DueSoonFrom      = 24 * time.Hour
	DueSoonUntil     = 48 * time.Hour
	ProjectLookahead = 7 * 24 * time.Hour
	SprintLookahead  = 24 * time.Hour
)

// EntityStore reads domain entities and writes milestone state.
type EntityStore interface {
	ListTasksDueBetween(ctx context.Context, after, until time.Time) ([]*db.Task, error)
	ListOverdueTasks(ctx context.Context, now time.Time) ([]*db.Task, error)
	ListProjectsEndingBetween(ctx context.Context, from, to time.Time) ([]*db.Project, error)
	ListActiveSprintsEndingBetween(ctx context.Context, from, to time.Time) ([]*db.Sprint, error)
	ListOpenMilestones(ctx context.Context) ([]*db.Milestone, error)
	MilestoneTaskCounts(ctx context.Context, milestoneID uuid.UUID) (int, int, error)
	UpdateMilestoneProgress(ctx context.Context, id uuid.UUID, progress float64) error
	CompleteMilestone(ctx context.Context, id uuid.UUID) error
	ListProjectMembers(ctx context.Context, projectID uuid.UUID) ([]uuid.UUID, error)
	ListSprintMembers(ctx context.Context, sprintID uuid.UUID) ([]uuid.UUID, error)
}

// NotificationFinder looks up alerts that were already raised.
type NotificationFinder interface {
	FindNotification(ctx context.Context, c db.NotificationCriteria) (*db.Notification, error)
}

// Deliverer fans a notification out through the sinks.
type Deliverer interface {
	Deliver(ctx context.Context, p sink.Payload) (*sink.Outcome, error)
}

// Poster writes system messages into chat threads.
type Poster interface {
	PostSystemMessage(ctx context.Context, threadID uuid.UUID, content string, metadata db.Metadata, dedupeKey string) (*db.Message, bool, error)
}

// Scanner evaluates the five condition families. Each method commits one
// entity's effects before moving to the next and returns the joined errors of
// the entities that failed.
type Scanner struct {
	entities  EntityStore
	finder    NotificationFinder
	deliverer Deliverer
	poster    Poster
	logger    *zap.Logger
}

// New creates a scanner.
func New(entities EntityStore, finder NotificationFinder, deliverer Deliverer, poster Poster, logger *zap.Logger) *Scanner {
	return &Scanner{
		entities:  entities,
		finder:    finder,
		deliverer: deliverer,
		poster:    poster,
		logger:    logger,
	}
}

type alert struct {
	userID     uuid.UUID
	kind       string
	entityType string
	entityID   uuid.UUID
	key        string
	title      string
	body       string
	link       string
	data       db.Metadata
}

// raise delivers a unless it was already raised. It reports whether a new
// notification was created.
func (s *Scanner) raise(ctx context.Context, a alert) (bool, error) {
	criteria := db.NotificationCriteria{UserID: a.userID, DedupeKey: a.key}
	if a.kind == db.TypeTaskOverdue {
		// Overdue alerts predate dedupe keys; match on the entity as well.
		criteria = db.NotificationCriteria{UserID: a.userID, Type: a.kind, EntityID: &a.entityID}
	}

	existing, err := s.finder.FindNotification(ctx, criteria)
	if err != nil {
		return false, fmt.Errorf("find existing %s alert: %w", a.kind, err)
	}
	if existing != nil {
		return false, nil
	}

	entityType := a.entityType
	entityID := a.entityID
	link := a.link
	out, err := s.deliverer.Deliver(ctx, sink.Payload{
		UserID:     a.userID,
		Type:       a.kind,
		Title:      a.title,
		Body:       a.body,
		EntityType: &entityType,
		EntityID:   &entityID,
		Link:       &link,
		Data:       a.data,
		DedupeKey:  a.key,
	})
	if err != nil {
		return false, fmt.Errorf("deliver %s alert: %w", a.kind, err)
	}
	if out.Duplicate {
		return false, nil
	}

	metrics.RecordAlertCreated(a.kind)
	return true, nil
}

// raiseAll raises one alert per user and joins the failures.
func (s *Scanner) raiseAll(ctx context.Context, users []uuid.UUID, build func(uuid.UUID) alert) (int, error) {
	created := 0
	var errs []error
	for _, user := range users {
		ok, err := s.raise(ctx, build(user))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			created++
		}
	}
	return created, errors.Join(errs...)
}

func (s *Scanner) logFamily(family string, entities, created int, err error) {
	fields := []zap.Field{
		zap.String("family", family),
		zap.Int("entities", entities),
		zap.Int("alerts_created", created),
	}
	if err != nil {
		s.logger.Warn("scan finished with errors", append(fields, zap.Error(err))...)
		return
	}
	s.logger.Info("scan finished", fields...)
}
