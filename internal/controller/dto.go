package controller

import (
	"github.com/cassiomorais/memorytx/internal/domain/receipt"
	"github.com/cassiomorais/memorytx/internal/outbox"
)

// --- Request DTOs ---
// Bodies are optional on every operator POST. Missing fields take the
// router's configured defaults.

// RetryFailedRequest bounds how many FAILED events are retried.
type RetryFailedRequest struct {
	Limit int `json:"limit" validate:"gte=0,lte=1000"`
}

// CleanupRequest sets the age past which PROCESSED events are purged.
type CleanupRequest struct {
	OlderThanHours int `json:"older_than_hours" validate:"gte=0"`
}

// --- Response DTOs ---

type OutboxStatsResponse struct {
	Worker outbox.Health    `json:"worker"`
	Counts map[string]int64 `json:"counts"`
}

type ProcessEventResponse struct {
	EventID string        `json:"event_id"`
	Result  outbox.Result `json:"result"`
}

type RetryFailedResponse struct {
	Retried int `json:"retried"`
}

type CleanupResponse struct {
	Deleted int64 `json:"deleted"`
}

// ReceiptResponse carries a stored receipt and whether its hash still
// matches its fields.
type ReceiptResponse struct {
	Receipt        *receipt.WriteReceipt `json:"receipt"`
	IntegrityValid bool                  `json:"integrity_valid"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}
