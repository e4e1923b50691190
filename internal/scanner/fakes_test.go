package scanner

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/beacon/internal/db"
)

var errBoom = errors.New("boom")

// memEntities is an in-memory EntityStore.
type memEntities struct {
	mu             sync.Mutex
	tasks          []*db.Task
	projects       []*db.Project
	sprints        []*db.Sprint
	milestones     []*db.Milestone
	counts         map[uuid.UUID][2]int
	projectMembers map[uuid.UUID][]uuid.UUID
	sprintMembers  map[uuid.UUID][]uuid.UUID
	completeErr    error
	completed      map[uuid.UUID]int
}

func newMemEntities() *memEntities {
	return &memEntities{
		counts:         map[uuid.UUID][2]int{},
		projectMembers: map[uuid.UUID][]uuid.UUID{},
		sprintMembers:  map[uuid.UUID][]uuid.UUID{},
		completed:      map[uuid.UUID]int{},
	}
}

func (m *memEntities) ListTasksDueBetween(ctx context.Context, after, until time.Time) ([]*db.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*db.Task
	for _, t := range m.tasks {
		if t.DueDate.After(after) && !t.DueDate.After(until) && t.Status != db.TaskStatusDone {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memEntities) ListOverdueTasks(ctx context.Context, now time.Time) ([]*db.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*db.Task
	for _, t := range m.tasks {
		if t.DueDate.Before(now) && t.Status != db.TaskStatusDone {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memEntities) ListProjectsEndingBetween(ctx context.Context, from, to time.Time) ([]*db.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*db.Project
	for _, p := range m.projects {
		if !p.EndDate.Before(from) && !p.EndDate.After(to) && p.Status != db.ProjectStatusCompleted {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memEntities) ListActiveSprintsEndingBetween(ctx context.Context, from, to time.Time) ([]*db.Sprint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*db.Sprint
	for _, s := range m.sprints {
		if !s.EndDate.Before(from) && !s.EndDate.After(to) && s.Status == db.SprintStatusActive {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memEntities) ListOpenMilestones(ctx context.Context) ([]*db.Milestone, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*db.Milestone
	for _, ms := range m.milestones {
		if ms.Status != db.MilestoneStatusCompleted {
			c := *ms
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *memEntities) MilestoneTaskCounts(ctx context.Context, milestoneID uuid.UUID) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.counts[milestoneID]
	return c[0], c[1], nil
}

func (m *memEntities) milestone(id uuid.UUID) *db.Milestone {
	for _, ms := range m.milestones {
		if ms.ID == id {
			return ms
		}
	}
	return nil
}

func (m *memEntities) UpdateMilestoneProgress(ctx context.Context, id uuid.UUID, progress float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ms := m.milestone(id); ms != nil {
		ms.Progress = progress
	}
	return nil
}

func (m *memEntities) CompleteMilestone(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.completeErr != nil {
		return m.completeErr
	}
	ms := m.milestone(id)
	if ms == nil || ms.Status == db.MilestoneStatusCompleted {
		return nil
	}
	ms.Status = db.MilestoneStatusCompleted
	ms.Progress = 100
	m.completed[id]++
	return nil
}

func (m *memEntities) ListProjectMembers(ctx context.Context, projectID uuid.UUID) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.projectMembers[projectID], nil
}

func (m *memEntities) ListSprintMembers(ctx context.Context, sprintID uuid.UUID) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sprintMembers[sprintID], nil
}

// memNotifications stores notifications and system messages with the same
// uniqueness rules as the database.
type memNotifications struct {
	mu        sync.Mutex
	notifs    []*db.Notification
	messages  []*db.Message
	createErr error
	findErr   error
}

func (m *memNotifications) CreateNotification(ctx context.Context, n *db.Notification) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return false, m.createErr
	}
	if n.DedupeKey != nil {
		for _, existing := range m.notifs {
			if existing.DedupeKey != nil && *existing.DedupeKey == *n.DedupeKey {
				return false, nil
			}
		}
	}
	m.notifs = append(m.notifs, n)
	return true, nil
}

func (m *memNotifications) FindNotification(ctx context.Context, c db.NotificationCriteria) (*db.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	for _, n := range m.notifs {
		if c.UserID != uuid.Nil && n.UserID != c.UserID {
			continue
		}
		if c.Type != "" && n.Type != c.Type {
			continue
		}
		if c.EntityID != nil && (n.EntityID == nil || *n.EntityID != *c.EntityID) {
			continue
		}
		if c.DedupeKey != "" && (n.DedupeKey == nil || *n.DedupeKey != c.DedupeKey) {
			continue
		}
		return n, nil
	}
	return nil, nil
}

func (m *memNotifications) CreateSystemMessage(ctx context.Context, msg *db.Message) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.DedupeKey != nil {
		for _, existing := range m.messages {
			if existing.DedupeKey != nil && *existing.DedupeKey == *msg.DedupeKey {
				return false, nil
			}
		}
	}
	m.messages = append(m.messages, msg)
	return true, nil
}

func (m *memNotifications) countType(kind string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, notif := range m.notifs {
		if notif.Type == kind {
			n++
		}
	}
	return n
}

func (m *memNotifications) messageCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}
