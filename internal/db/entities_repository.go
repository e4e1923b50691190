package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Domain entities (tasks, projects, sprints, milestones and their memberships)
// are owned by the collaboration app; the engine reads them and only writes
// milestone progress and status.

func parseUUIDs(raw []string) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("parse member id %q: %w", s, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

const taskSelect = `
	SELECT
		t.id, t.project_id, t.title, t.status, t.due_date,
		COALESCE(array_agg(ta.user_id::text) FILTER (WHERE ta.user_id IS NOT NULL), '{}'::text[])
	FROM tasks t
	LEFT JOIN task_assignees ta ON ta.task_id = t.id
`

func (r *Repository) queryTasks(ctx context.Context, query string, args ...any) ([]*Task, error) {
	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		var (
			t         Task
			assignees []string
		)
		if err := rows.Scan(&t.ID, &t.ProjectID, &t.Title, &t.Status, &t.DueDate, &assignees); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		if t.Assignees, err = parseUUIDs(assignees); err != nil {
			return nil, err
		}
		tasks = append(tasks, &t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return tasks, nil
}

// ListTasksDueBetween returns unfinished tasks with after < due_date <= until
func (r *Repository) ListTasksDueBetween(ctx context.Context, after, until time.Time) ([]*Task, error) {
	query := taskSelect + `
		WHERE t.due_date > $1 AND t.due_date <= $2 AND t.status <> $3
		GROUP BY t.id
	`
	return r.queryTasks(ctx, query, after, until, TaskStatusDone)
}

// ListOverdueTasks returns unfinished tasks whose due date has passed
func (r *Repository) ListOverdueTasks(ctx context.Context, now time.Time) ([]*Task, error) {
	query := taskSelect + `
		WHERE t.due_date < $1 AND t.status <> $2
		GROUP BY t.id
	`
	return r.queryTasks(ctx, query, now, TaskStatusDone)
}

// ListProjectsEndingBetween returns unfinished projects with from <= end_date <= to
func (r *Repository) ListProjectsEndingBetween(ctx context.Context, from, to time.Time) ([]*Project, error) {
	query := `
		SELECT id, name, status, end_date, channel_id
		FROM projects
		WHERE end_date >= $1 AND end_date <= $2 AND status <> $3
	`

	rows, err := r.db.Pool().Query(ctx, query, from, to, ProjectStatusCompleted)
	if err != nil {
		return nil, fmt.Errorf("query projects: %w", err)
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Status, &p.EndDate, &p.ChannelID); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, &p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return projects, nil
}

// ListActiveSprintsEndingBetween returns active sprints with from <= end_date <= to
func (r *Repository) ListActiveSprintsEndingBetween(ctx context.Context, from, to time.Time) ([]*Sprint, error) {
	query := `
		SELECT id, project_id, name, status, end_date
		FROM sprints
		WHERE status = $1 AND end_date >= $2 AND end_date <= $3
	`

	rows, err := r.db.Pool().Query(ctx, query, SprintStatusActive, from, to)
	if err != nil {
		return nil, fmt.Errorf("query sprints: %w", err)
	}
	defer rows.Close()

	var sprints []*Sprint
	for rows.Next() {
		var s Sprint
		if err := rows.Scan(&s.ID, &s.ProjectID, &s.Name, &s.Status, &s.EndDate); err != nil {
			return nil, fmt.Errorf("scan sprint: %w", err)
		}
		sprints = append(sprints, &s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return sprints, nil
}

// ListOpenMilestones returns every milestone not yet completed, with its
// project's channel for system messages
func (r *Repository) ListOpenMilestones(ctx context.Context) ([]*Milestone, error) {
	query := `
		SELECT m.id, m.project_id, m.title, m.status, m.progress, p.channel_id
		FROM milestones m
		JOIN projects p ON p.id = m.project_id
		WHERE m.status <> $1
	`

	rows, err := r.db.Pool().Query(ctx, query, MilestoneStatusCompleted)
	if err != nil {
		return nil, fmt.Errorf("query milestones: %w", err)
	}
	defer rows.Close()

	var milestones []*Milestone
	for rows.Next() {
		var m Milestone
		if err := rows.Scan(&m.ID, &m.ProjectID, &m.Title, &m.Status, &m.Progress, &m.ProjectChannelID); err != nil {
			return nil, fmt.Errorf("scan milestone: %w", err)
		}
		milestones = append(milestones, &m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return milestones, nil
}

// MilestoneTaskCounts returns the number of tasks in a milestone and how many are done
func (r *Repository) MilestoneTaskCounts(ctx context.Context, milestoneID uuid.UUID) (int, int, error) {
	query := `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE status = $2)
		FROM tasks
		WHERE milestone_id = $1
	`

	var total, completed int
	if err := r.db.Pool().QueryRow(ctx, query, milestoneID, TaskStatusDone).Scan(&total, &completed); err != nil {
		return 0, 0, fmt.Errorf("count milestone tasks: %w", err)
	}
	return total, completed, nil
}

// UpdateMilestoneProgress stores the latest progress percentage
func (r *Repository) UpdateMilestoneProgress(ctx context.Context, id uuid.UUID, progress float64) error {
	query := `UPDATE milestones SET progress = $1, updated_at = NOW() WHERE id = $2`
	if _, err := r.db.Pool().Exec(ctx, query, progress, id); err != nil {
		return fmt.Errorf("update milestone progress: %w", err)
	}
	return nil
}

// CompleteMilestone flips a milestone to completed at 100% progress
func (r *Repository) CompleteMilestone(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE milestones
		SET status = $1, progress = 100, updated_at = NOW()
		WHERE id = $2 AND status <> $1
	`
	if _, err := r.db.Pool().Exec(ctx, query, MilestoneStatusCompleted, id); err != nil {
		return fmt.Errorf("complete milestone: %w", err)
	}
	return nil
}

func (r *Repository) queryMembers(ctx context.Context, query string, id uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.db.Pool().Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	raw, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect members: %w", err)
	}
	return parseUUIDs(raw)
}

// ListProjectMembers returns the user ids of a project's members
func (r *Repository) ListProjectMembers(ctx context.Context, projectID uuid.UUID) ([]uuid.UUID, error) {
	return r.queryMembers(ctx, `SELECT user_id::text FROM project_members WHERE project_id = $1`, projectID)
}

// ListSprintMembers returns the user ids of a sprint's members
func (r *Repository) ListSprintMembers(ctx context.Context, sprintID uuid.UUID) ([]uuid.UUID, error) {
	return r.queryMembers(ctx, `SELECT user_id::text FROM sprint_members WHERE sprint_id = $1`, sprintID)
}
