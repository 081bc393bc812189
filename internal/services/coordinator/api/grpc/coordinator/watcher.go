package coordinator

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/louisbranch/evcoord/internal/services/coordinator/bus"
	"github.com/louisbranch/evcoord/internal/services/coordinator/domain/book"
)

const watchBuffer = 64

// Watcher fans bus deliveries in to callers waiting on a correlation ID.
// One bus subscription serves every concurrent watch.
type Watcher struct {
	logger *zap.Logger

	mu      sync.Mutex
	next    int
	waiters map[string]map[int]chan book.EventBook
}

// NewWatcher creates an idle watcher; register Subscriber on the bus to feed it.
func NewWatcher(logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{logger: logger, waiters: make(map[string]map[int]chan book.EventBook)}
}

// Subscriber returns the bus subscription that feeds the watcher.
func (w *Watcher) Subscriber(name string, domains []string) bus.Subscriber {
	return bus.Subscriber{Name: name, Domains: domains, Handler: w.deliver}
}

// Watch registers interest in correlationID. The returned stop function must
// be called once the caller stops reading.
func (w *Watcher) Watch(correlationID string) (<-chan book.EventBook, func()) {
	ch := make(chan book.EventBook, watchBuffer)

	w.mu.Lock()
	id := w.next
	w.next++
	if w.waiters[correlationID] == nil {
		w.waiters[correlationID] = make(map[int]chan book.EventBook)
	}
	w.waiters[correlationID][id] = ch
	w.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			w.mu.Lock()
			defer w.mu.Unlock()
			delete(w.waiters[correlationID], id)
			if len(w.waiters[correlationID]) == 0 {
				delete(w.waiters, correlationID)
			}
		})
	}
}

// deliver never blocks the bus: a watcher that falls behind loses books.
func (w *Watcher) deliver(_ context.Context, events book.EventBook) error {
	correlationID := correlationOf(events)
	if correlationID == "" {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, ch := range w.waiters[correlationID] {
		select {
		case ch <- events.Clone():
		default:
			w.logger.Warn("correlation watcher full, dropping book",
				zap.String("correlation_id", correlationID),
				zap.Stringer("cover", events.Cover),
			)
		}
	}
	return nil
}

func correlationOf(events book.EventBook) string {
	if events.CorrelationID != "" {
		return events.CorrelationID
	}
	return events.Cover.CorrelationID
}
