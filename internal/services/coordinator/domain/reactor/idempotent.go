package reactor

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/louisbranch/evcoord/internal/services/coordinator/bus"
	"github.com/louisbranch/evcoord/internal/services/coordinator/domain/book"
	"github.com/louisbranch/evcoord/internal/services/coordinator/storage"
)

// Idempotent wraps a handler with a position checkpoint per aggregate, so a
// redelivered book is passed on only for the pages the handler has not
// processed yet.
type Idempotent struct {
	name      string
	positions storage.PositionStore
	handler   bus.Handler
	logger    *zap.Logger

	mu    sync.Mutex
	locks map[storage.PositionKey]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewIdempotent checkpoints handler's progress under name.
func NewIdempotent(name string, positions storage.PositionStore, handler bus.Handler, logger *zap.Logger) *Idempotent {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Idempotent{
		name:      name,
		positions: positions,
		handler:   handler,
		logger:    logger,
		locks:     make(map[storage.PositionKey]*keyLock),
	}
}

// Handle is a bus.Handler.
func (i *Idempotent) Handle(ctx context.Context, events book.EventBook) error {
	last, ok := events.LastSequence()
	if !ok {
		return i.handler(ctx, events)
	}
	key := storage.PositionKey{Handler: i.name, Domain: events.Cover.Domain, Root: events.Cover.Root}
	if err := key.Validate(); err != nil {
		return err
	}
	unlock := i.lock(key)
	defer unlock()

	position, found, err := i.positions.GetPosition(ctx, key)
	if err != nil {
		return fmt.Errorf("read position %s: %w", events.Cover, err)
	}
	if found && position >= last {
		i.logger.Debug("skipping processed book",
			zap.String("handler", i.name),
			zap.Stringer("cover", events.Cover),
			zap.Uint64("position", position),
		)
		return nil
	}

	fresh := events
	if found {
		fresh = events.Clone()
		pages := fresh.Pages[:0]
		for _, page := range fresh.Pages {
			if page.Sequence > position {
				pages = append(pages, page)
			}
		}
		fresh.Pages = pages
	}
	if err := i.handler(ctx, fresh); err != nil {
		return err
	}
	if _, err := i.positions.AdvancePosition(ctx, key, last); err != nil {
		return fmt.Errorf("advance position %s: %w", events.Cover, err)
	}
	return nil
}

// lock serializes read-modify-write per key within this instance.
func (i *Idempotent) lock(key storage.PositionKey) func() {
	i.mu.Lock()
	l, ok := i.locks[key]
	if !ok {
		l = &keyLock{}
		i.locks[key] = l
	}
	l.refs++
	i.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		i.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(i.locks, key)
		}
		i.mu.Unlock()
	}
}
