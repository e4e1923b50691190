package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/metrics"
)

// RouterConfig configures NewRouter.
type RouterConfig struct {
	Limiter   Limiter // nil disables per-user rate limiting
	RateLimit int
	Health    func(r *http.Request) error
}

// NewRouter mounts the operator API, health and metrics endpoints.
func NewRouter(h *Handler, cfg RouterConfig, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(RequestLogger(logger))

	r.Route("/v1", func(r chi.Router) {
		r.Use(RateLimitMiddleware(cfg.Limiter, cfg.RateLimit, logger, UserKeyFunc))

		r.Post("/scheduled-notifications", h.CreateScheduled)
		r.Get("/scheduled-notifications/{id}", h.GetScheduled)
		r.Patch("/scheduled-notifications/{id}", h.UpdateScheduled)
		r.Delete("/scheduled-notifications/{id}", h.DeleteScheduled)
		r.Post("/scheduled-notifications/{id}/pause", h.PauseScheduled)
		r.Post("/scheduled-notifications/{id}/resume", h.ResumeScheduled)
		r.Post("/scheduled-notifications/{id}/retry", h.RetryScheduled)
		r.Get("/scheduled-notifications/{id}/history", h.ListHistory)
		r.Get("/users/{userID}/scheduled-notifications/stats", h.UserStats)
	})

	r.Route("/internal", func(r chi.Router) {
		r.Post("/cron/run", h.TriggerRun)
		r.Get("/scheduled/due", h.ListDue)
		r.Get("/breakers", h.ListBreakers)
		r.Post("/breakers/{name}/reset", h.ResetBreaker)
	})

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		if cfg.Health != nil {
			if err := cfg.Health(req); err != nil {
				logger.Warn("health check failed", zap.Error(err))
				h.writeError(w, http.StatusServiceUnavailable, "unhealthy", "Service unhealthy", err.Error())
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Handle("/metrics", metrics.Handler())

	return r
}
