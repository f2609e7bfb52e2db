package controller

import (
	"context"
	"net/http"
	"time"

	domainOutbox "github.com/cassiomorais/memorytx/internal/domain/outbox"
	"github.com/cassiomorais/memorytx/internal/outbox"
	"github.com/go-chi/chi/v5"
)

// OutboxOperator is the operator surface of the outbox worker.
type OutboxOperator interface {
	WorkerHealth
	ForceProcessEvent(ctx context.Context, id string) (outbox.Result, error)
	RetryFailedEvents(ctx context.Context, limit int) (int, error)
	CleanupProcessedEvents(ctx context.Context, olderThan time.Duration) (int64, error)
	Counts(ctx context.Context) (map[domainOutbox.Status]int64, error)
}

type OutboxController struct {
	worker           OutboxOperator
	defaultRetention time.Duration
	defaultLimit     int
}

func NewOutboxController(worker OutboxOperator, defaultRetention time.Duration, defaultLimit int) *OutboxController {
	return &OutboxController{worker: worker, defaultRetention: defaultRetention, defaultLimit: defaultLimit}
}

func (c *OutboxController) Stats(w http.ResponseWriter, r *http.Request) {
	counts, err := c.worker.Counts(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	resp := OutboxStatsResponse{
		Worker: c.worker.HealthStatus(),
		Counts: make(map[string]int64, len(counts)),
	}
	for status, n := range counts {
		resp.Counts[string(status)] = n
	}
	writeJSON(w, http.StatusOK, resp)
}

func (c *OutboxController) ProcessEvent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	result, err := c.worker.ForceProcessEvent(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ProcessEventResponse{EventID: id, Result: result})
}

func (c *OutboxController) RetryFailed(w http.ResponseWriter, r *http.Request) {
	var req RetryFailedRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}
	limit := req.Limit
	if limit == 0 {
		limit = c.defaultLimit
	}

	n, err := c.worker.RetryFailedEvents(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RetryFailedResponse{Retried: n})
}

func (c *OutboxController) Cleanup(w http.ResponseWriter, r *http.Request) {
	var req CleanupRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}
	olderThan := c.defaultRetention
	if req.OlderThanHours > 0 {
		olderThan = time.Duration(req.OlderThanHours) * time.Hour
	}

	n, err := c.worker.CleanupProcessedEvents(r.Context(), olderThan)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CleanupResponse{Deleted: n})
}
