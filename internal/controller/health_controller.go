package controller

import (
	"context"
	"net/http"
	"time"

	"github.com/cassiomorais/memorytx/internal/outbox"
	"github.com/redis/go-redis/v9"
)

// Pinger is the database handle readiness checks.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// WorkerHealth reports the outbox worker's self-assessed state.
type WorkerHealth interface {
	HealthStatus() outbox.Health
}

type HealthController struct {
	db     Pinger
	redis  redis.Cmdable // nil when Redis is not configured
	worker WorkerHealth
}

func NewHealthController(db Pinger, redis redis.Cmdable, worker WorkerHealth) *HealthController {
	return &HealthController{db: db, redis: redis, worker: worker}
}

// Health returns the worker health document. A worker that is not polling
// answers 503 so load balancers stop routing to the instance.
func (h *HealthController) Health(w http.ResponseWriter, r *http.Request) {
	health := h.worker.HealthStatus()
	status := http.StatusOK
	if !health.Running {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func (h *HealthController) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (h *HealthController) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.db.PingContext(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "database unavailable",
		})
		return
	}

	if h.redis != nil {
		if err := h.redis.Ping(ctx).Err(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"reason": "redis unavailable",
			})
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
