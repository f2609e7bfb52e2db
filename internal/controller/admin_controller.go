package controller

import (
	"context"
	"net/http"

	"github.com/cassiomorais/memorytx/internal/domain/receipt"
	"github.com/cassiomorais/memorytx/internal/infrastructure/observability"
	"github.com/go-chi/chi/v5"
)

// ReceiptReader loads stored receipts.
type ReceiptReader interface {
	Get(ctx context.Context, uowID string) (*receipt.WriteReceipt, error)
}

// ExpiredKeyCleaner purges expired idempotency keys.
type ExpiredKeyCleaner interface {
	CleanupExpired(ctx context.Context) (int64, error)
}

type AdminController struct {
	receipts ReceiptReader
	keys     ExpiredKeyCleaner
	metrics  *observability.Metrics
}

func NewAdminController(receipts ReceiptReader, keys ExpiredKeyCleaner, metrics *observability.Metrics) *AdminController {
	return &AdminController{receipts: receipts, keys: keys, metrics: metrics}
}

// GetReceipt returns the receipt with an integrity verdict. A tampered
// receipt is still returned so operators can inspect it.
func (c *AdminController) GetReceipt(w http.ResponseWriter, r *http.Request) {
	rc, err := c.receipts.Get(r.Context(), chi.URLParam(r, "uow_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ReceiptResponse{Receipt: rc, IntegrityValid: rc.VerifyIntegrity()})
}

func (c *AdminController) CleanupIdempotencyKeys(w http.ResponseWriter, r *http.Request) {
	n, err := c.keys.CleanupExpired(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	c.metrics.IdempotencyPurged(n)
	writeJSON(w, http.StatusOK, CleanupResponse{Deleted: n})
}
