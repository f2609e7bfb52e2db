package outbox

import (
	"fmt"
)

// Notification names a worker lifecycle event observers can subscribe to.
type Notification string

const (
	NotifyWorkerStarted Notification = "worker_started"
	NotifyWorkerStopped Notification = "worker_stopped"
	NotifyEventPoisoned Notification = "event_poisoned"
	NotifyEventFailed   Notification = "event_failed"
)

// Handler observes a notification. Errors and panics are logged and
// otherwise ignored.
type Handler func(n Notification, fields map[string]any) error

// AddEventHandler registers h for n. Handlers run synchronously in
// registration order.
func (w *Worker) AddEventHandler(n Notification, h Handler) {
	w.handlersMu.Lock()
	defer w.handlersMu.Unlock()
	w.handlers[n] = append(w.handlers[n], h)
}

func (w *Worker) emit(n Notification, fields map[string]any) {
	w.handlersMu.RLock()
	handlers := append([]Handler(nil), w.handlers[n]...)
	w.handlersMu.RUnlock()

	for _, h := range handlers {
		if err := w.callHandler(h, n, fields); err != nil {
			w.logger.Error().Err(err).Str("notification", string(n)).Msg("event handler failed")
		}
	}
}

func (w *Worker) callHandler(h Handler, n Notification, fields map[string]any) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return h(n, fields)
}
