package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	sugar *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule validates a standard five-field or descriptor schedule.
func ParseSchedule(expr string) (cron.Schedule, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron schedule %q: %w", expr, err)
	}
	return sched, nil
}

// NewCron schedules o.Run on expr. Ticks that arrive while a run is still
// going are skipped. The caller starts and stops the returned cron.
func NewCron(ctx context.Context, o *Orchestrator, expr string, logger *zap.Logger) (*cron.Cron, error) {
	sched, err := ParseSchedule(expr)
	if err != nil {
		return nil, err
	}

	cl := cronLogger{sugar: logger.Sugar()}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	c.Schedule(sched, cron.FuncJob(func() {
		o.Run(ctx)
	}))

	logger.Info("engine scheduled",
		zap.String("schedule", expr),
		zap.Time("next_run", sched.Next(time.Now().UTC())),
	)
	return c, nil
}
