package outbox

import (
	"math"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// WorkerConfig controls polling, retry and poison behaviour of the Worker.
type WorkerConfig struct {
	PollInterval           time.Duration `json:"poll_interval" validate:"gt=0"`
	BatchSize              int           `json:"batch_size" validate:"gte=1,lte=1000"`
	MaxRetryAttempts       int           `json:"max_retry_attempts" validate:"gte=1"`
	InitialRetryDelay      time.Duration `json:"initial_retry_delay" validate:"gt=0"`
	MaxRetryDelay          time.Duration `json:"max_retry_delay" validate:"gtefield=InitialRetryDelay"`
	RetryBackoffMultiplier float64       `json:"retry_backoff_multiplier" validate:"gte=1"`
	PoisonMessageThreshold int           `json:"poison_message_threshold" validate:"gte=1"`
	WorkerTimeout          time.Duration `json:"worker_timeout" validate:"gt=0"`
	ShutdownTimeout        time.Duration `json:"shutdown_timeout" validate:"gt=0"`
	StartupGracePeriod     time.Duration `json:"startup_grace_period" validate:"gte=0"`
}

func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		PollInterval:           time.Second,
		BatchSize:              10,
		MaxRetryAttempts:       5,
		InitialRetryDelay:      time.Second,
		MaxRetryDelay:          5 * time.Minute,
		RetryBackoffMultiplier: 2.0,
		PoisonMessageThreshold: 10,
		WorkerTimeout:          30 * time.Second,
		ShutdownTimeout:        30 * time.Second,
		StartupGracePeriod:     100 * time.Millisecond,
	}
}

func (c WorkerConfig) Validate() error {
	return validate.Struct(c)
}

// Concurrency is the number of events published at once within a batch.
func (c WorkerConfig) Concurrency() int {
	return min(c.BatchSize, 5)
}

// RetryDelay is the wait after the failure of an attempt made with
// retryCount previous failures: initial * multiplier^(retryCount+1), capped.
func (c WorkerConfig) RetryDelay(retryCount int) time.Duration {
	d := float64(c.InitialRetryDelay) * math.Pow(c.RetryBackoffMultiplier, float64(retryCount+1))
	if d > float64(c.MaxRetryDelay) || math.IsInf(d, 0) {
		return c.MaxRetryDelay
	}
	return time.Duration(d)
}

// budgetExhausted reports whether an event may not be attempted again.
func (c WorkerConfig) budgetExhausted(retryCount int) bool {
	return retryCount >= c.MaxRetryAttempts || retryCount >= c.PoisonMessageThreshold
}
