package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/circuitbreaker"
	"github.com/lalithlochan/beacon/internal/db"
	"github.com/lalithlochan/beacon/internal/scheduled"
)

// ScheduledService is the scheduled notification lifecycle the API exposes.
type ScheduledService interface {
	Create(ctx context.Context, req scheduled.CreateRequest) (*db.ScheduledNotification, error)
	Get(ctx context.Context, id uuid.UUID) (*db.ScheduledNotification, error)
	Update(ctx context.Context, id uuid.UUID, req scheduled.UpdateRequest) (*db.ScheduledNotification, error)
	Pause(ctx context.Context, id uuid.UUID) error
	Resume(ctx context.Context, id uuid.UUID) error
	Delete(ctx context.Context, id uuid.UUID) error
	Retry(ctx context.Context, id uuid.UUID) error
	History(ctx context.Context, id uuid.UUID, limit int) ([]*db.ScheduledNotificationHistory, error)
	Stats(ctx context.Context, userID uuid.UUID) (*db.ScheduledStats, error)
	ListDue(ctx context.Context, now time.Time) ([]*db.ScheduledNotification, error)
}

// Runner executes one engine pass.
type Runner interface {
	Run(ctx context.Context)
}

// Breaker is a push provider circuit breaker exposed to operators.
type Breaker interface {
	Name() string
	Stats() circuitbreaker.Stats
	Reset()
}

// defaultRunTimeout bounds a manual run when HandlerConfig leaves it unset.
const defaultRunTimeout = 30 * time.Minute

// HandlerConfig configures NewHandler.
type HandlerConfig struct {
	// RunTimeout bounds a manually triggered run, which outlives its request.
	RunTimeout time.Duration
	Breakers   []Breaker
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string                 `json:"type"`
	Title  string                 `json:"title"`
	Status int                    `json:"status"`
	Detail string                 `json:"detail,omitempty"`
	Errors []scheduled.FieldError `json:"errors,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger  *zap.Logger
	service ScheduledService
	runner  Runner // nil disables the manual trigger
	runs    sync.WaitGroup
	now     func() time.Time

	runTimeout time.Duration
	breakers   []Breaker
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, service ScheduledService, runner Runner, cfg HandlerConfig) *Handler {
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = defaultRunTimeout
	}
	return &Handler{
		logger:     logger,
		service:    service,
		runner:     runner,
		now:        time.Now,
		runTimeout: cfg.RunTimeout,
		breakers:   cfg.Breakers,
	}
}

// CreateScheduled handles POST /v1/scheduled-notifications
func (h *Handler) CreateScheduled(w http.ResponseWriter, r *http.Request) {
	var req scheduled.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	item, err := h.service.Create(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, err, "Failed to create scheduled notification")
		return
	}

	h.logger.Info("scheduled notification created",
		zap.String("id", item.ID.String()),
		zap.String("user_id", item.UserID.String()),
		zap.String("schedule_type", string(item.ScheduleType)),
		zap.Time("scheduled_for", item.ScheduledFor),
	)

	h.writeJSON(w, http.StatusCreated, item)
}

// GetScheduled handles GET /v1/scheduled-notifications/{id}
func (h *Handler) GetScheduled(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r, "id")
	if !ok {
		return
	}

	item, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, "Failed to get scheduled notification")
		return
	}

	h.writeJSON(w, http.StatusOK, item)
}

// UpdateScheduled handles PATCH /v1/scheduled-notifications/{id}
func (h *Handler) UpdateScheduled(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r, "id")
	if !ok {
		return
	}

	var req scheduled.UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	item, err := h.service.Update(r.Context(), id, req)
	if err != nil {
		h.writeServiceError(w, err, "Failed to update scheduled notification")
		return
	}

	h.logger.Info("scheduled notification updated", zap.String("id", id.String()))
	h.writeJSON(w, http.StatusOK, item)
}

// DeleteScheduled handles DELETE /v1/scheduled-notifications/{id}
func (h *Handler) DeleteScheduled(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r, "id")
	if !ok {
		return
	}

	if err := h.service.Delete(r.Context(), id); err != nil {
		h.writeServiceError(w, err, "Failed to delete scheduled notification")
		return
	}

	h.logger.Info("scheduled notification deleted", zap.String("id", id.String()))
	w.WriteHeader(http.StatusNoContent)
}

// PauseScheduled handles POST /v1/scheduled-notifications/{id}/pause
func (h *Handler) PauseScheduled(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "paused", h.service.Pause)
}

// ResumeScheduled handles POST /v1/scheduled-notifications/{id}/resume
func (h *Handler) ResumeScheduled(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "resumed", h.service.Resume)
}

// RetryScheduled handles POST /v1/scheduled-notifications/{id}/retry
func (h *Handler) RetryScheduled(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "retried", h.service.Retry)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, status string, fn func(context.Context, uuid.UUID) error) {
	id, ok := h.parseID(w, r, "id")
	if !ok {
		return
	}

	if err := fn(r.Context(), id); err != nil {
		h.writeServiceError(w, err, "Failed to update scheduled notification")
		return
	}

	h.logger.Info("scheduled notification "+status, zap.String("id", id.String()))
	h.writeJSON(w, http.StatusOK, map[string]string{
		"id":     id.String(),
		"status": status,
	})
}

// ListHistory handles GET /v1/scheduled-notifications/{id}/history?limit=50
func (h *Handler) ListHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r, "id")
	if !ok {
		return
	}

	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	items, err := h.service.History(r.Context(), id, limit)
	if err != nil {
		h.writeServiceError(w, err, "Failed to list history")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"data":  items,
		"limit": limit,
		"count": len(items),
	})
}

// UserStats handles GET /v1/users/{userID}/scheduled-notifications/stats
func (h *Handler) UserStats(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.parseID(w, r, "userID")
	if !ok {
		return
	}

	stats, err := h.service.Stats(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, err, "Failed to compute stats")
		return
	}

	h.writeJSON(w, http.StatusOK, stats)
}

// ListDue handles GET /internal/scheduled/due
func (h *Handler) ListDue(w http.ResponseWriter, r *http.Request) {
	items, err := h.service.ListDue(r.Context(), h.now().UTC())
	if err != nil {
		h.writeServiceError(w, err, "Failed to list due notifications")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"data":  items,
		"count": len(items),
	})
}

// TriggerRun handles POST /internal/cron/run. The run continues after the
// response is written, bounded by the handler's run timeout.
func (h *Handler) TriggerRun(w http.ResponseWriter, r *http.Request) {
	if h.runner == nil {
		h.writeError(w, http.StatusServiceUnavailable, "unavailable", "Engine not configured", "")
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.runTimeout)
	h.runs.Add(1)
	go func() {
		defer h.runs.Done()
		defer cancel()
		h.runner.Run(ctx)
	}()

	h.logger.Info("engine run triggered manually")
	h.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// ListBreakers handles GET /internal/breakers
func (h *Handler) ListBreakers(w http.ResponseWriter, r *http.Request) {
	stats := make([]circuitbreaker.Stats, 0, len(h.breakers))
	for _, b := range h.breakers {
		stats = append(stats, b.Stats())
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"data":  stats,
		"count": len(stats),
	})
}

// ResetBreaker handles POST /internal/breakers/{name}/reset
func (h *Handler) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	for _, b := range h.breakers {
		if b.Name() != name {
			continue
		}
		b.Reset()
		h.logger.Info("circuit breaker reset by operator", zap.String("breaker", name))
		h.writeJSON(w, http.StatusOK, b.Stats())
		return
	}

	h.writeError(w, http.StatusNotFound, "not_found", "Circuit breaker not found", name)
}

// Wait blocks until manually triggered runs have finished.
func (h *Handler) Wait() {
	h.runs.Wait()
}

func (h *Handler) parseID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid "+param, param+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error, title string) {
	var verr *scheduled.ValidationError
	switch {
	case errors.As(err, &verr):
		w.Header().Set("Content-Type", "application/problem+json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(ErrorResponse{
			Type:   "validation_error",
			Title:  "Invalid scheduled notification",
			Status: http.StatusBadRequest,
			Detail: verr.Error(),
			Errors: verr.Fields,
		})
	case errors.Is(err, scheduled.ErrValidation):
		h.writeError(w, http.StatusBadRequest, "validation_error", "Invalid scheduled notification", err.Error())
	case errors.Is(err, scheduled.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Scheduled notification not found", "")
	default:
		h.logger.Error(title, zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", title, "")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
