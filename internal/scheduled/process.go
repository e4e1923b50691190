package scheduled

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/db"
	"github.com/lalithlochan/beacon/internal/metrics"
	"github.com/lalithlochan/beacon/internal/recurrence"
	"github.com/lalithlochan/beacon/internal/sink"
)

// ProcessReport summarises one ProcessDue call.
type ProcessReport struct {
	Processed   int `json:"processed"`
	Delivered   int `json:"delivered"`
	Failed      int `json:"failed"`
	Rescheduled int `json:"rescheduled"`
	Completed   int `json:"completed"`
	Skipped     int `json:"skipped"`
}

// ProcessDue delivers every notification due at now. Each item is claimed
// before delivery so overlapping runs never send the same occurrence twice.
// A delivery failure is recorded in history and never retried immediately;
// a missed run catches up one occurrence per call.
func (s *Service) ProcessDue(ctx context.Context, now time.Time) (*ProcessReport, error) {
	due, err := s.ListDue(ctx, now)
	if err != nil {
		return nil, err
	}

	report := &ProcessReport{}
	for _, item := range due {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		s.processOne(ctx, item, now, report)
	}

	if report.Processed > 0 {
		s.logger.Info("scheduled notifications processed",
			zap.Int("processed", report.Processed),
			zap.Int("delivered", report.Delivered),
			zap.Int("failed", report.Failed),
			zap.Int("rescheduled", report.Rescheduled),
			zap.Int("completed", report.Completed),
			zap.Int("skipped", report.Skipped),
		)
	}
	return report, nil
}

func (s *Service) processOne(ctx context.Context, item *db.ScheduledNotification, now time.Time, report *ProcessReport) {
	logger := s.logger.With(
		zap.String("scheduled_id", item.ID.String()),
		zap.String("user_id", item.UserID.String()),
	)

	var next *time.Time
	if t, ok := recurrence.Next(item.ScheduledFor.In(item.Location()), item.ScheduleType, item.Recurrence); ok {
		utc := t.UTC()
		next = &utc
	}

	claimed, err := s.store.ClaimScheduled(ctx, item.ID, item.ScheduledFor, next, now)
	if err != nil {
		logger.Error("failed to claim scheduled notification", zap.Error(err))
		report.Skipped++
		metrics.RecordScheduledProcessed("error")
		return
	}
	if !claimed {
		logger.Debug("scheduled notification changed since listing, skipping")
		report.Skipped++
		metrics.RecordScheduledProcessed("skipped")
		return
	}
	report.Processed++

	_, deliverErr := s.deliverer.Deliver(ctx, payloadFor(item))

	history := &db.ScheduledNotificationHistory{
		ID:                      uuid.New(),
		ScheduledNotificationID: item.ID,
		SentAt:                  now,
		Success:                 deliverErr == nil,
	}
	if deliverErr != nil {
		msg := deliverErr.Error()
		history.ErrorMessage = &msg
	}
	if err := s.store.CreateHistory(ctx, history); err != nil {
		logger.Error("failed to write scheduled history", zap.Error(err))
	}

	if deliverErr == nil {
		report.Delivered++
		metrics.RecordScheduledProcessed("delivered")
		if item.FailureCount > 0 {
			if err := s.store.RecordScheduledOutcome(ctx, item.ID, 0, nil); err != nil {
				logger.Error("failed to reset failure count", zap.Error(err))
			}
		}
	} else {
		report.Failed++
		metrics.RecordScheduledProcessed("failed")
		failures := item.FailureCount + 1

		var exhausted *time.Time
		if next != nil && s.cfg.MaxConsecutiveFailures > 0 && failures >= s.cfg.MaxConsecutiveFailures {
			exhausted = &now
			next = nil
			logger.Warn("scheduled notification exhausted its failure budget",
				zap.Int("failures", failures),
			)
		}
		logger.Warn("scheduled delivery failed", zap.Error(deliverErr), zap.Int("failures", failures))

		if err := s.store.RecordScheduledOutcome(ctx, item.ID, failures, exhausted); err != nil {
			logger.Error("failed to record failure count", zap.Error(err))
		}
	}

	if next != nil {
		report.Rescheduled++
	} else {
		report.Completed++
	}
}

// payloadFor builds the sink payload. The dedupe key pins one notification to
// one occurrence.
func payloadFor(item *db.ScheduledNotification) sink.Payload {
	data := db.Metadata{}
	for k, v := range item.Metadata {
		data[k] = v
	}
	data["scheduled_notification_id"] = item.ID.String()

	return sink.Payload{
		UserID:     item.UserID,
		Type:       db.TypeScheduled,
		Title:      item.Title,
		Body:       item.Message,
		EntityType: item.EntityType,
		EntityID:   item.EntityID,
		Link:       item.Link,
		Data:       data,
		DedupeKey:  fmt.Sprintf("scheduled:%s:%s", item.ID, strconv.FormatInt(item.ScheduledFor.Unix(), 10)),
	}
}
