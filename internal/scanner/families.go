package scanner

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/db"
)

// TasksDueSoon alerts assignees of unfinished tasks due in (now+24h, now+48h].
// Each (user, task, due date) pair is alerted once; moving the due date
// re-arms the alert.
func (s *Scanner) TasksDueSoon(ctx context.Context, now time.Time) error {
	tasks, err := s.entities.ListTasksDueBetween(ctx, now.Add(DueSoonFrom), now.Add(DueSoonUntil))
	if err != nil {
		return fmt.Errorf("list tasks due soon: %w", err)
	}

	created := 0
	var errs []error
	for _, task := range tasks {
		if task.Status == db.TaskStatusDone {
			continue
		}
		n, err := s.raiseAll(ctx, task.Assignees, func(user uuid.UUID) alert {
			return alert{
				userID:     user,
				kind:       db.TypeTaskDueSoon,
				entityType: db.EntityTask,
				entityID:   task.ID,
				key:        fmt.Sprintf("%s:%s:%s:%d", db.TypeTaskDueSoon, user, task.ID, task.DueDate.Unix()),
				title:      "Task due soon",
				body:       fmt.Sprintf("%q is due %s", task.Title, task.DueDate.UTC().Format(time.RFC1123)),
				link:       fmt.Sprintf("/projects/%s/tasks/%s", task.ProjectID, task.ID),
				data: db.Metadata{
					"task_id":    task.ID.String(),
					"project_id": task.ProjectID.String(),
					"due_date":   task.DueDate.UTC().Format(time.RFC3339),
				},
			}
		})
		created += n
		if err != nil {
			errs = append(errs, fmt.Errorf("task %s: %w", task.ID, err))
		}
	}

	err = errors.Join(errs...)
	s.logFamily("task_due_soon", len(tasks), created, err)
	return err
}

// OverdueTasks alerts assignees of unfinished tasks past their due date, at
// most once per (user, task).
func (s *Scanner) OverdueTasks(ctx context.Context, now time.Time) error {
	tasks, err := s.entities.ListOverdueTasks(ctx, now)
	if err != nil {
		return fmt.Errorf("list overdue tasks: %w", err)
	}

	created := 0
	var errs []error
	for _, task := range tasks {
		if task.Status == db.TaskStatusDone || !task.DueDate.Before(now) {
			continue
		}
		n, err := s.raiseAll(ctx, task.Assignees, func(user uuid.UUID) alert {
			return alert{
				userID:     user,
				kind:       db.TypeTaskOverdue,
				entityType: db.EntityTask,
				entityID:   task.ID,
				key:        fmt.Sprintf("%s:%s:%s", db.TypeTaskOverdue, user, task.ID),
				title:      "Task overdue",
				body:       fmt.Sprintf("%q was due %s", task.Title, task.DueDate.UTC().Format(time.RFC1123)),
				link:       fmt.Sprintf("/projects/%s/tasks/%s", task.ProjectID, task.ID),
				data: db.Metadata{
					"task_id":    task.ID.String(),
					"project_id": task.ProjectID.String(),
					"due_date":   task.DueDate.UTC().Format(time.RFC3339),
				},
			}
		})
		created += n
		if err != nil {
			errs = append(errs, fmt.Errorf("task %s: %w", task.ID, err))
		}
	}

	err = errors.Join(errs...)
	s.logFamily("task_overdue", len(tasks), created, err)
	return err
}

// ProjectDeadlines alerts members of unfinished projects ending within seven
// days and posts one reminder to the project channel.
func (s *Scanner) ProjectDeadlines(ctx context.Context, now time.Time) error {
	projects, err := s.entities.ListProjectsEndingBetween(ctx, now, now.Add(ProjectLookahead))
	if err != nil {
		return fmt.Errorf("list projects ending soon: %w", err)
	}

	created := 0
	var errs []error
	for _, project := range projects {
		if project.Status == db.ProjectStatusCompleted {
			continue
		}
		n, err := s.projectDeadline(ctx, project, now)
		created += n
		if err != nil {
			errs = append(errs, fmt.Errorf("project %s: %w", project.ID, err))
		}
	}

	err = errors.Join(errs...)
	s.logFamily("project_deadline", len(projects), created, err)
	return err
}

func (s *Scanner) projectDeadline(ctx context.Context, project *db.Project, now time.Time) (int, error) {
	members, err := s.entities.ListProjectMembers(ctx, project.ID)
	if err != nil {
		return 0, fmt.Errorf("list members: %w", err)
	}

	days := int(math.Ceil(project.EndDate.Sub(now).Hours() / 24))
	body := fmt.Sprintf("%q ends in %d day(s)", project.Name, days)
	if days <= 0 {
		body = fmt.Sprintf("%q ends today", project.Name)
	}
	end := project.EndDate.Unix()

	created, err := s.raiseAll(ctx, members, func(user uuid.UUID) alert {
		return alert{
			userID:     user,
			kind:       db.TypeProjectDeadline,
			entityType: db.EntityProject,
			entityID:   project.ID,
			key:        fmt.Sprintf("%s:%s:%s:%d", db.TypeProjectDeadline, user, project.ID, end),
			title:      "Project deadline approaching",
			body:       body,
			link:       fmt.Sprintf("/projects/%s", project.ID),
			data: db.Metadata{
				"project_id": project.ID.String(),
				"end_date":   project.EndDate.UTC().Format(time.RFC3339),
			},
		}
	})

	if project.ChannelID != nil {
		msg, posted, postErr := s.poster.PostSystemMessage(ctx, *project.ChannelID,
			fmt.Sprintf("Reminder: project %s", body),
			db.Metadata{
				"kind":       db.TypeProjectDeadline,
				"project_id": project.ID.String(),
				"end_date":   project.EndDate.UTC().Format(time.RFC3339),
			},
			fmt.Sprintf("%s:%s:%d", db.TypeProjectDeadline, project.ID, end),
		)
		if postErr != nil {
			err = errors.Join(err, fmt.Errorf("post deadline message: %w", postErr))
		} else if posted {
			s.logger.Debug("deadline message posted",
				zap.String("project_id", project.ID.String()),
				zap.String("message_id", msg.ID.String()),
			)
		}
	}

	return created, err
}

// SprintsEnding alerts members of active sprints ending within 24 hours.
func (s *Scanner) SprintsEnding(ctx context.Context, now time.Time) error {
	sprints, err := s.entities.ListActiveSprintsEndingBetween(ctx, now, now.Add(SprintLookahead))
	if err != nil {
		return fmt.Errorf("list sprints ending soon: %w", err)
	}

	created := 0
	var errs []error
	for _, sprint := range sprints {
		if sprint.Status != db.SprintStatusActive {
			continue
		}
		members, err := s.entities.ListSprintMembers(ctx, sprint.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("sprint %s: list members: %w", sprint.ID, err))
			continue
		}
		n, err := s.raiseAll(ctx, members, func(user uuid.UUID) alert {
			return alert{
				userID:     user,
				kind:       db.TypeSprintEnding,
				entityType: db.EntitySprint,
				entityID:   sprint.ID,
				key:        fmt.Sprintf("%s:%s:%s", db.TypeSprintEnding, user, sprint.ID),
				title:      "Sprint ending soon",
				body:       fmt.Sprintf("%q ends %s", sprint.Name, sprint.EndDate.UTC().Format(time.RFC1123)),
				link:       fmt.Sprintf("/projects/%s/sprints/%s", sprint.ProjectID, sprint.ID),
				data: db.Metadata{
					"sprint_id":  sprint.ID.String(),
					"project_id": sprint.ProjectID.String(),
					"end_date":   sprint.EndDate.UTC().Format(time.RFC3339),
				},
			}
		})
		created += n
		if err != nil {
			errs = append(errs, fmt.Errorf("sprint %s: %w", sprint.ID, err))
		}
	}

	err = errors.Join(errs...)
	s.logFamily("sprint_ending", len(sprints), created, err)
	return err
}

// Progress is completed/total as a percentage, 0 for an empty milestone.
func Progress(total, completed int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(completed) / float64(total) * 100
}

// Milestones recomputes the progress of every open milestone. Below 100 the
// value is stored; at 100 the project hears about it once and the milestone
// flips to completed. The flip happens last so a failed announcement is
// retried by the next run.
func (s *Scanner) Milestones(ctx context.Context, now time.Time) error {
	milestones, err := s.entities.ListOpenMilestones(ctx)
	if err != nil {
		return fmt.Errorf("list open milestones: %w", err)
	}

	created := 0
	var errs []error
	for _, m := range milestones {
		if m.Status == db.MilestoneStatusCompleted {
			continue
		}
		n, err := s.milestone(ctx, m)
		created += n
		if err != nil {
			errs = append(errs, fmt.Errorf("milestone %s: %w", m.ID, err))
		}
	}

	err = errors.Join(errs...)
	s.logFamily("milestone", len(milestones), created, err)
	return err
}

func (s *Scanner) milestone(ctx context.Context, m *db.Milestone) (int, error) {
	total, completed, err := s.entities.MilestoneTaskCounts(ctx, m.ID)
	if err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}

	progress := Progress(total, completed)
	if progress < 100 {
		if err := s.entities.UpdateMilestoneProgress(ctx, m.ID, progress); err != nil {
			return 0, fmt.Errorf("update progress: %w", err)
		}
		s.logger.Debug("milestone progress updated",
			zap.String("milestone_id", m.ID.String()),
			zap.Float64("progress", progress),
		)
		return 0, nil
	}

	if m.ProjectChannelID != nil {
		msg, posted, err := s.poster.PostSystemMessage(ctx, *m.ProjectChannelID,
			fmt.Sprintf("Milestone %q completed", m.Title),
			db.Metadata{
				"kind":         db.TypeMilestoneCompleted,
				"milestone_id": m.ID.String(),
				"project_id":   m.ProjectID.String(),
			},
			fmt.Sprintf("%s:%s", db.TypeMilestoneCompleted, m.ID),
		)
		if err != nil {
			return 0, fmt.Errorf("post completion message: %w", err)
		}
		if posted {
			s.logger.Debug("milestone completion message posted",
				zap.String("milestone_id", m.ID.String()),
				zap.String("message_id", msg.ID.String()),
			)
		}
	}

	members, err := s.entities.ListProjectMembers(ctx, m.ProjectID)
	if err != nil {
		return 0, fmt.Errorf("list members: %w", err)
	}

	created, err := s.raiseAll(ctx, members, func(user uuid.UUID) alert {
		return alert{
			userID:     user,
			kind:       db.TypeMilestoneCompleted,
			entityType: db.EntityMilestone,
			entityID:   m.ID,
			key:        fmt.Sprintf("%s:%s:%s", db.TypeMilestoneCompleted, user, m.ID),
			title:      "Milestone completed",
			body:       fmt.Sprintf("All %d tasks of %q are done", total, m.Title),
			link:       fmt.Sprintf("/projects/%s/milestones/%s", m.ProjectID, m.ID),
			data: db.Metadata{
				"milestone_id": m.ID.String(),
				"project_id":   m.ProjectID.String(),
			},
		}
	})
	if err != nil {
		return created, err
	}

	if err := s.entities.CompleteMilestone(ctx, m.ID); err != nil {
		return created, fmt.Errorf("complete milestone: %w", err)
	}

	s.logger.Info("milestone completed",
		zap.String("milestone_id", m.ID.String()),
		zap.Int("members_notified", created),
	)
	return created, nil
}
