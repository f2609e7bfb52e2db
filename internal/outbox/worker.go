package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	domainErrors "github.com/cassiomorais/memorytx/internal/domain/errors"
	domainOutbox "github.com/cassiomorais/memorytx/internal/domain/outbox"
	"github.com/cassiomorais/memorytx/internal/infrastructure/observability"
	"github.com/cassiomorais/memorytx/internal/uow"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

type WorkerStatus string

const (
	WorkerStopped  WorkerStatus = "STOPPED"
	WorkerStarting WorkerStatus = "STARTING"
	WorkerRunning  WorkerStatus = "RUNNING"
	WorkerStopping WorkerStatus = "STOPPING"
	WorkerError    WorkerStatus = "ERROR"
)

var workerStatuses = []string{
	string(WorkerStopped), string(WorkerStarting), string(WorkerRunning),
	string(WorkerStopping), string(WorkerError),
}

// Result is the outcome of one processing attempt.
type Result string

const (
	ResultSucceeded Result = "succeeded"
	ResultFailed    Result = "failed"
	ResultPoisoned  Result = "poisoned"
	// ResultSkipped means the event was not attempted: not yet due, or
	// claimed by another worker.
	ResultSkipped Result = "skipped"
)

// errorBackoff is the pause after the polling loop itself fails.
const errorBackoff = time.Second

// Worker drains the outbox: it polls for eligible events, publishes them and
// records the outcome, each status change in its own unit of work.
type Worker struct {
	cfg       WorkerConfig
	manager   *uow.Manager
	store     Store
	publisher Publisher
	logger    zerolog.Logger
	metrics   *observability.Metrics
	tracer    trace.Tracer
	now       func() time.Time

	mu       sync.Mutex
	status   WorkerStatus
	stopping chan struct{}
	done     chan struct{}
	cancel   context.CancelFunc
	loopErr  error

	stats      statsRecorder
	failedEver atomic.Int64

	handlersMu sync.RWMutex
	handlers   map[Notification][]Handler
}

type WorkerOption func(*Worker)

func WithLogger(logger zerolog.Logger) WorkerOption {
	return func(w *Worker) { w.logger = logger }
}

func WithMetrics(metrics *observability.Metrics) WorkerOption {
	return func(w *Worker) { w.metrics = metrics }
}

func WithTracer(tracer trace.Tracer) WorkerOption {
	return func(w *Worker) { w.tracer = tracer }
}

func WithClock(now func() time.Time) WorkerOption {
	return func(w *Worker) { w.now = now }
}

func NewWorker(cfg WorkerConfig, manager *uow.Manager, store Store, publisher Publisher, opts ...WorkerOption) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid worker config: %w", err)
	}
	w := &Worker{
		cfg:       cfg,
		manager:   manager,
		store:     store,
		publisher: publisher,
		logger:    zerolog.Nop(),
		tracer:    observability.Tracer(),
		now:       time.Now,
		status:    WorkerStopped,
		handlers:  make(map[Notification][]Handler),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.metrics.SetWorkerStatus(string(WorkerStopped), workerStatuses)
	return w, nil
}

func (w *Worker) Status() WorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

func (w *Worker) Config() WorkerConfig { return w.cfg }

func (w *Worker) Stats() Stats { return w.stats.snapshot() }

func (w *Worker) setStatusLocked(s WorkerStatus) {
	w.status = s
	w.metrics.SetWorkerStatus(string(s), workerStatuses)
}

// transition moves to `to` only from one of `from`.
func (w *Worker) transition(to WorkerStatus, from ...WorkerStatus) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, f := range from {
		if w.status == f {
			w.setStatusLocked(to)
			return true
		}
	}
	return false
}

// Start launches the polling loop. ctx bounds startup only; the loop runs
// until Stop. A loop that exits within the startup grace period is reported
// as a startup failure.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.status != WorkerStopped {
		s := w.status
		w.mu.Unlock()
		return fmt.Errorf("%w: status is %s", domainErrors.ErrWorkerNotStopped, s)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.stopping = make(chan struct{})
	w.done = make(chan struct{})
	w.cancel = cancel
	w.loopErr = nil
	w.setStatusLocked(WorkerStarting)
	stopping, done := w.stopping, w.done
	w.mu.Unlock()

	go w.run(runCtx, stopping, done)

	grace := time.NewTimer(w.cfg.StartupGracePeriod)
	defer grace.Stop()

	select {
	case <-grace.C:
	case <-done:
		w.mu.Lock()
		cause := w.loopErr
		w.setStatusLocked(WorkerStopped)
		w.mu.Unlock()
		cancel()
		if cause == nil {
			cause = errors.New("polling loop exited")
		}
		w.logger.Error().Err(cause).Msg("outbox worker failed to start")
		return fmt.Errorf("%w: %w", domainErrors.ErrWorkerStartup, cause)
	case <-ctx.Done():
		close(stopping)
		cancel()
		<-done
		w.transition(WorkerStopped, WorkerStarting, WorkerError)
		return ctx.Err()
	}

	w.transition(WorkerRunning, WorkerStarting)
	w.logger.Info().
		Dur("poll_interval", w.cfg.PollInterval).
		Int("batch_size", w.cfg.BatchSize).
		Msg("outbox worker started")
	w.emit(NotifyWorkerStarted, map[string]any{"config": w.cfg})
	return nil
}

// Stop asks the loop to finish its current batch, waits up to the shutdown
// timeout and then cancels in-flight work.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if w.status != WorkerRunning && w.status != WorkerError {
		s := w.status
		w.mu.Unlock()
		return fmt.Errorf("%w: status is %s", domainErrors.ErrWorkerNotRunning, s)
	}
	w.setStatusLocked(WorkerStopping)
	stopping, done, cancel := w.stopping, w.done, w.cancel
	w.mu.Unlock()

	close(stopping)

	timeout := time.NewTimer(w.cfg.ShutdownTimeout)
	defer timeout.Stop()

	var err error
	select {
	case <-done:
	case <-timeout.C:
		err = domainErrors.ErrShutdownTimeout
	case <-ctx.Done():
		err = ctx.Err()
	}
	cancel()
	if err != nil {
		w.logger.Warn().Err(err).Msg("outbox worker force-cancelled")
		<-done
	}

	w.transition(WorkerStopped, WorkerStopping)
	w.logger.Info().Msg("outbox worker stopped")
	w.emit(NotifyWorkerStopped, map[string]any{"stats": w.Stats()})
	return err
}

func (w *Worker) run(ctx context.Context, stopping <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	if err := w.manager.DB().PingContext(ctx); err != nil {
		w.mu.Lock()
		w.loopErr = err
		w.mu.Unlock()
		return
	}

	for {
		select {
		case <-stopping:
			return
		default:
		}

		if _, err := w.safeBatch(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error().Err(err).Msg("outbox polling loop failed")
			w.transition(WorkerError, WorkerRunning, WorkerStarting)
			if !sleep(ctx, stopping, errorBackoff) {
				return
			}
			w.transition(WorkerRunning, WorkerError)
			continue
		}

		if !sleep(ctx, stopping, w.cfg.PollInterval) {
			return
		}
	}
}

func (w *Worker) safeBatch(ctx context.Context) (n int, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("batch panic: %v", p)
		}
	}()
	return w.ProcessBatch(ctx)
}

// ProcessBatch runs one polling pass: it fetches up to BatchSize eligible
// events and processes them with bounded concurrency. One event's failure
// never aborts its siblings. It returns the number of events fetched.
func (w *Worker) ProcessBatch(ctx context.Context) (n int, err error) {
	ctx, span := w.tracer.Start(ctx, "outbox.worker.batch")
	defer func() { observability.EndSpan(span, err) }()

	events, err := w.store.FetchEligible(ctx, w.now(), w.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	span.SetAttributes(attribute.Int("outbox.batch_size", len(events)))
	if len(events) == 0 {
		return 0, nil
	}

	w.processAll(ctx, events, false)
	return len(events), nil
}

func (w *Worker) processAll(ctx context.Context, events []*domainOutbox.Event, force bool) {
	w.stats.setBatch(len(events))
	w.metrics.SetInFlight(len(events))
	defer func() {
		w.stats.setBatch(0)
		w.metrics.SetInFlight(0)
	}()

	var g errgroup.Group
	g.SetLimit(w.cfg.Concurrency())
	for _, e := range events {
		g.Go(func() error {
			// Errors are logged per event.
			_, _ = w.processEvent(ctx, e, force)
			return nil
		})
	}
	_ = g.Wait()
}

// ForceProcessEvent attempts one event now, ignoring next_retry but not the
// retry budget. A PROCESSING event whose lease has not elapsed is refused.
func (w *Worker) ForceProcessEvent(ctx context.Context, id string) (Result, error) {
	e, err := w.store.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	if e.Status.IsTerminal() {
		return "", fmt.Errorf("%w: event %s is %s", domainErrors.ErrEventTerminal, id, e.Status)
	}
	// A live lease means another worker is publishing it right now.
	if e.Status == domainOutbox.StatusProcessing && e.NextRetry != nil && e.NextRetry.After(w.now()) {
		return "", fmt.Errorf("%w: event %s leased until %s", domainErrors.ErrEventInFlight, id, e.NextRetry.Format(time.RFC3339))
	}
	return w.processEvent(ctx, e, true)
}

// RetryFailedEvents attempts up to limit FAILED events immediately. It
// returns how many were picked up.
func (w *Worker) RetryFailedEvents(ctx context.Context, limit int) (int, error) {
	events, err := w.store.ListByStatus(ctx, domainOutbox.StatusFailed, limit)
	if err != nil {
		return 0, err
	}
	if len(events) > 0 {
		w.processAll(ctx, events, true)
	}
	w.logger.Info().Int("count", len(events)).Msg("retried failed outbox events")
	return len(events), nil
}

// CleanupProcessedEvents deletes PROCESSED events older than olderThan.
func (w *Worker) CleanupProcessedEvents(ctx context.Context, olderThan time.Duration) (int64, error) {
	n, err := w.store.DeleteProcessedBefore(ctx, w.now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	w.metrics.OutboxPurged(n)
	if n > 0 {
		w.logger.Info().Int64("deleted", n).Dur("older_than", olderThan).Msg("purged processed outbox events")
	}
	return n, nil
}

// Counts returns the number of outbox rows per event status.
func (w *Worker) Counts(ctx context.Context) (map[domainOutbox.Status]int64, error) {
	statuses := []domainOutbox.Status{
		domainOutbox.StatusPending, domainOutbox.StatusProcessing, domainOutbox.StatusProcessed,
		domainOutbox.StatusFailed, domainOutbox.StatusPoisoned,
	}
	counts := make(map[domainOutbox.Status]int64, len(statuses))
	for _, s := range statuses {
		n, err := w.store.CountByStatus(ctx, s)
		if err != nil {
			return nil, err
		}
		counts[s] = n
	}
	return counts, nil
}

// Health is the worker's self-reported state.
type Health struct {
	Status            WorkerStatus `json:"status"`
	Running           bool         `json:"running"`
	Metrics           Stats        `json:"metrics"`
	Config            WorkerConfig `json:"config"`
	FailedEventsTotal int64        `json:"failed_events_total"`
}

func (w *Worker) HealthStatus() Health {
	s := w.Status()
	return Health{
		Status:            s,
		Running:           s == WorkerRunning || s == WorkerError,
		Metrics:           w.Stats(),
		Config:            w.cfg,
		FailedEventsTotal: w.failedEver.Load(),
	}
}

func (w *Worker) processEvent(ctx context.Context, e *domainOutbox.Event, force bool) (Result, error) {
	ctx, span := w.tracer.Start(ctx, "outbox.worker.process_event", trace.WithAttributes(
		attribute.String("outbox.event_id", e.ID),
		attribute.String("outbox.event_type", e.EventType),
		attribute.Int("outbox.retry_count", e.RetryCount),
	))
	start := time.Now()

	res, err := w.attempt(ctx, e, force)

	span.SetAttributes(attribute.String("outbox.result", string(res)))
	observability.EndSpan(span, err)
	if res != ResultSkipped {
		d := time.Since(start)
		w.stats.record(res, d, w.now())
		w.metrics.OutboxResult(string(res), d)
	}
	if err != nil {
		w.logger.Error().Err(err).Str("event_id", e.ID).Msg("outbox event processing error")
	}
	return res, err
}

func (w *Worker) attempt(ctx context.Context, e *domainOutbox.Event, force bool) (Result, error) {
	now := w.now()
	if !force && e.Status == domainOutbox.StatusFailed && e.NextRetry != nil && e.NextRetry.After(now) {
		return ResultSkipped, nil
	}

	claimed, err := w.claim(ctx, e, now.Add(w.cfg.WorkerTimeout))
	if err != nil {
		return ResultSkipped, fmt.Errorf("claim outbox event %s: %w", e.ID, err)
	}
	if !claimed {
		w.logger.Debug().Str("event_id", e.ID).Msg("outbox event claimed elsewhere")
		return ResultSkipped, nil
	}

	// The row is ours now; its outcome is recorded even if ctx is cancelled.
	persistCtx := context.WithoutCancel(ctx)

	if e.PayloadErr != nil {
		return w.poison(persistCtx, e, e.RetryCount, fmt.Sprintf("undecodable payload: %v", e.PayloadErr))
	}
	if w.cfg.budgetExhausted(e.RetryCount) {
		return w.poison(persistCtx, e, e.RetryCount, "retry budget exhausted")
	}

	pubCtx, cancel := context.WithTimeout(ctx, w.cfg.WorkerTimeout)
	pubErr := w.publisher.Publish(pubCtx, e.Message(), e.Topic())
	cancel()

	if pubErr == nil {
		err := w.mutate(persistCtx, e.ID, func(ctx context.Context) error {
			return w.store.MarkProcessed(ctx, e.ID, w.now())
		})
		if err == nil {
			w.logger.Debug().Str("event_id", e.ID).Str("topic", e.Topic()).Msg("outbox event published")
		}
		return ResultSucceeded, err
	}

	newCount := e.RetryCount + 1
	lastError := pubErr.Error()
	if newCount >= w.cfg.PoisonMessageThreshold {
		return w.poison(persistCtx, e, newCount, lastError)
	}

	nextRetry := w.now().Add(w.cfg.RetryDelay(e.RetryCount))
	err = w.mutate(persistCtx, e.ID, func(ctx context.Context) error {
		return w.store.MarkFailed(ctx, e.ID, newCount, nextRetry, lastError)
	})
	if err != nil {
		return ResultFailed, err
	}
	w.failedEver.Add(1)

	w.logger.Warn().
		Err(pubErr).
		Str("event_id", e.ID).
		Int("retry_count", newCount).
		Time("next_retry", nextRetry).
		Msg("outbox publish failed")
	w.emit(NotifyEventFailed, map[string]any{
		"event_id":    e.ID,
		"event_type":  e.EventType,
		"retry_count": newCount,
		"next_retry":  nextRetry,
		"error":       lastError,
	})
	return ResultFailed, nil
}

func (w *Worker) claim(ctx context.Context, e *domainOutbox.Event, leaseUntil time.Time) (bool, error) {
	claimed := false
	err := w.manager.Do(ctx, func(ctx context.Context, u *uow.UnitOfWork) error {
		ok, err := w.store.MarkProcessing(ctx, e, leaseUntil)
		if err != nil || !ok {
			return err
		}
		claimed = true
		return u.TrackWrite(w.store.Name(), e.ID)
	}, w.store)
	return claimed, err
}

func (w *Worker) poison(ctx context.Context, e *domainOutbox.Event, retryCount int, reason string) (Result, error) {
	err := w.mutate(ctx, e.ID, func(ctx context.Context) error {
		return w.store.MarkPoisoned(ctx, e.ID, retryCount, reason)
	})
	if err != nil {
		return ResultPoisoned, err
	}

	w.logger.Error().
		Str("event_id", e.ID).
		Str("event_type", e.EventType).
		Int("retry_count", retryCount).
		Str("reason", reason).
		Msg("outbox event poisoned")
	w.emit(NotifyEventPoisoned, map[string]any{
		"event_id":    e.ID,
		"event_type":  e.EventType,
		"retry_count": retryCount,
		"error":       reason,
	})
	return ResultPoisoned, nil
}

// mutate applies one status change in its own unit of work.
func (w *Worker) mutate(ctx context.Context, id string, fn func(ctx context.Context) error) error {
	return w.manager.Do(ctx, func(ctx context.Context, u *uow.UnitOfWork) error {
		if err := fn(ctx); err != nil {
			return err
		}
		return u.TrackWrite(w.store.Name(), id)
	}, w.store)
}

func sleep(ctx context.Context, stopping <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-stopping:
		return false
	case <-ctx.Done():
		return false
	}
}
