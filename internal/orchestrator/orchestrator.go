// Package orchestrator runs one engine pass: every scanner family in a fixed
// order followed by scheduled processing.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/metrics"
	"github.com/lalithlochan/beacon/internal/redis"
	"github.com/lalithlochan/beacon/internal/scheduled"
)

// RunLockName is the lock shared by every engine replica.
const RunLockName = "engine:run"

// Scanner evaluates the condition families.
type Scanner interface {
	TasksDueSoon(ctx context.Context, now time.Time) error
	OverdueTasks(ctx context.Context, now time.Time) error
	ProjectDeadlines(ctx context.Context, now time.Time) error
	SprintsEnding(ctx context.Context, now time.Time) error
	Milestones(ctx context.Context, now time.Time) error
}

// Processor delivers due scheduled notifications.
type Processor interface {
	ProcessDue(ctx context.Context, now time.Time) (*scheduled.ProcessReport, error)
}

// Locker guards against overlapping runs across replicas.
type Locker interface {
	Acquire(ctx context.Context, name string) (*redis.Lease, error)
	Release(ctx context.Context, lease *redis.Lease) error
}

type family struct {
	name string
	run  func(ctx context.Context, now time.Time) error
}

// Orchestrator runs the families one after another. A failing or panicking
// family is logged and the next one still runs.
type Orchestrator struct {
	families []family
	locker   Locker
	logger   *zap.Logger
	now      func() time.Time
}

// New creates an orchestrator. locker may be nil for single-replica setups.
func New(scanner Scanner, processor Processor, locker Locker, logger *zap.Logger) *Orchestrator {
	o := &Orchestrator{
		locker: locker,
		logger: logger,
		now:    time.Now,
	}
	o.families = []family{
		{"task_due_soon", scanner.TasksDueSoon},
		{"task_overdue", scanner.OverdueTasks},
		{"project_deadline", scanner.ProjectDeadlines},
		{"sprint_ending", scanner.SprintsEnding},
		{"milestone", scanner.Milestones},
		{"scheduled", func(ctx context.Context, now time.Time) error {
			_, err := processor.ProcessDue(ctx, now)
			return err
		}},
	}
	return o
}

// Run executes one pass. It never returns an error; failures surface through
// logs and metrics only.
func (o *Orchestrator) Run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			metrics.RecordEngineRun("panicked")
			o.logger.Error("engine run panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
		}
	}()

	if o.locker != nil {
		lease, err := o.locker.Acquire(ctx, RunLockName)
		if errors.Is(err, redis.ErrLockHeld) {
			metrics.RecordEngineRun("skipped")
			o.logger.Info("another engine run is in progress, skipping")
			return
		}
		if err != nil {
			metrics.RecordEngineRun("failed")
			o.logger.Error("failed to acquire run lock", zap.Error(err))
			return
		}
		defer func() {
			// Release even if the run context was cancelled.
			if err := o.locker.Release(context.WithoutCancel(ctx), lease); err != nil {
				o.logger.Warn("failed to release run lock", zap.Error(err))
			}
		}()
	}

	start := o.now()
	o.logger.Info("engine run started", zap.Time("now", start))

	failed := 0
	for _, f := range o.families {
		if ctx.Err() != nil {
			o.logger.Warn("engine run cancelled", zap.String("next_family", f.name))
			metrics.RecordEngineRun("cancelled")
			return
		}
		if err := o.runFamily(ctx, f, start); err != nil {
			failed++
		}
	}

	status := "completed"
	if failed > 0 {
		status = "completed_with_errors"
	}
	metrics.RecordEngineRun(status)
	o.logger.Info("engine run finished",
		zap.Int("families_failed", failed),
		zap.Duration("duration", time.Since(start)),
	)
}

func (o *Orchestrator) runFamily(ctx context.Context, f family, now time.Time) (err error) {
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("family %s panicked: %v", f.name, r)
			o.logger.Error("family panicked",
				zap.String("family", f.name),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
		}

		status := "ok"
		if err != nil {
			status = "failed"
			o.logger.Error("family failed", zap.String("family", f.name), zap.Error(err))
		}
		metrics.RecordFamilyRun(f.name, status, time.Since(started))
	}()

	return f.run(ctx, now)
}
