package scheduled

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/lalithlochan/beacon/internal/db"
	"github.com/lalithlochan/beacon/internal/recurrence"
)

var (
	// ErrValidation is returned for requests that must never be persisted.
	ErrValidation = errors.New("invalid scheduled notification")

	// ErrNotFound is returned when the addressed notification does not exist.
	ErrNotFound = errors.New("scheduled notification not found")
)

// FieldError describes one rejected field.
type FieldError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Message string `json:"message"`
}

// ValidationError lists every rejected field. It matches ErrValidation.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		msgs[i] = f.Message
	}
	return fmt.Sprintf("%s: %s", ErrValidation, strings.Join(msgs, "; "))
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterValidation("schedule_type", func(fl validator.FieldLevel) bool {
			return recurrence.ScheduleType(fl.Field().String()).Valid()
		})
	})
	return validate
}

// scheduleShape is the validated shape shared by create and update.
type scheduleShape struct {
	UserID       uuid.UUID               `validate:"required"`
	Title        string                  `validate:"required,max=255"`
	Message      string                  `validate:"required,max=5000"`
	EntityType   *string                 `validate:"omitempty,max=50"`
	Link         *string                 `validate:"omitempty,max=2048"`
	ScheduleType recurrence.ScheduleType `validate:"required,schedule_type"`
	ScheduledFor time.Time               `validate:"required"`
	Timezone     string                  `validate:"required,timezone"`
	Recurrence   *recurrence.Rule        `validate:"omitempty"`
}

var messages = map[string]string{
	"required":      "%s is required",
	"max":           "%s is too long",
	"timezone":      "%s must be an IANA timezone",
	"schedule_type": "%s must be one of once, daily, weekly, monthly, custom",
	"gte":           "%s is below the allowed range",
	"lte":           "%s is above the allowed range",
}

func validateRecord(s *db.ScheduledNotification) error {
	err := getValidator().Struct(&scheduleShape{
		UserID:       s.UserID,
		Title:        s.Title,
		Message:      s.Message,
		EntityType:   s.EntityType,
		Link:         s.Link,
		ScheduleType: s.ScheduleType,
		ScheduledFor: s.ScheduledFor,
		Timezone:     s.Timezone,
		Recurrence:   s.Recurrence,
	})

	var fields []FieldError
	if err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("%w: %w", ErrValidation, err)
		}
		for _, fe := range verrs {
			tmpl, ok := messages[fe.Tag()]
			if !ok {
				tmpl = "%s is invalid"
			}
			fields = append(fields, FieldError{
				Field:   fe.Namespace(),
				Tag:     fe.Tag(),
				Message: fmt.Sprintf(tmpl, fe.Field()),
			})
		}
	}

	if err := s.Metadata.Validate(); err != nil {
		fields = append(fields, FieldError{Field: "Metadata", Tag: "json", Message: err.Error()})
	}
	if r := s.Recurrence; r != nil && r.EndDate != nil && !r.EndDate.After(s.ScheduledFor) {
		fields = append(fields, FieldError{Field: "Recurrence.EndDate", Tag: "gtfield", Message: "EndDate must be after ScheduledFor"})
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}
