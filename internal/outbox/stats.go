package outbox

import (
	"sync"
	"time"
)

// Stats is a snapshot of the worker's running counters.
type Stats struct {
	EventsProcessed     int64         `json:"events_processed"`
	EventsSucceeded     int64         `json:"events_succeeded"`
	EventsFailed        int64         `json:"events_failed"`
	EventsRetried       int64         `json:"events_retried"`
	EventsPoisoned      int64         `json:"events_poisoned"`
	TotalProcessingTime time.Duration `json:"total_processing_time"`
	AvgProcessingTime   time.Duration `json:"avg_processing_time"`
	LastProcessedAt     *time.Time    `json:"last_processed_at,omitempty"`
	CurrentBatchSize    int           `json:"current_batch_size"`
	SuccessRate         float64       `json:"success_rate"`
}

type statsRecorder struct {
	mu sync.Mutex
	s  Stats
}

func (r *statsRecorder) setBatch(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.s.CurrentBatchSize = n
}

func (r *statsRecorder) record(res Result, d time.Duration, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.s.EventsProcessed++
	r.s.TotalProcessingTime += d
	r.s.LastProcessedAt = &at
	switch res {
	case ResultSucceeded:
		r.s.EventsSucceeded++
	case ResultFailed:
		r.s.EventsFailed++
		r.s.EventsRetried++
	case ResultPoisoned:
		r.s.EventsFailed++
		r.s.EventsPoisoned++
	}
}

func (r *statsRecorder) snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.s
	if s.LastProcessedAt != nil {
		at := *s.LastProcessedAt
		s.LastProcessedAt = &at
	}
	if s.EventsProcessed > 0 {
		s.AvgProcessingTime = s.TotalProcessingTime / time.Duration(s.EventsProcessed)
		s.SuccessRate = float64(s.EventsSucceeded) / float64(s.EventsProcessed)
	}
	return s
}
