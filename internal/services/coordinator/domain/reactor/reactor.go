package reactor

import (
	"context"

	"github.com/louisbranch/evcoord/internal/services/coordinator/domain/book"
)

// Reactor is the two-phase contract shared by sagas and process managers.
type Reactor interface {
	// Prepare returns the covers whose current books Handle needs.
	Prepare(ctx context.Context, source book.EventBook) ([]book.Cover, error)
	// Handle receives the source book and the destination books in Prepare
	// order and returns the commands to submit.
	Handle(ctx context.Context, source book.EventBook, destinations []book.EventBook) ([]book.CommandBook, error)
}

// Funcs adapts two functions to Reactor.
type Funcs struct {
	PrepareFunc func(ctx context.Context, source book.EventBook) ([]book.Cover, error)
	HandleFunc  func(ctx context.Context, source book.EventBook, destinations []book.EventBook) ([]book.CommandBook, error)
}

// Prepare implements Reactor. A nil PrepareFunc needs no destinations.
func (f Funcs) Prepare(ctx context.Context, source book.EventBook) ([]book.Cover, error) {
	if f.PrepareFunc == nil {
		return nil, nil
	}
	return f.PrepareFunc(ctx, source)
}

// Handle implements Reactor.
func (f Funcs) Handle(ctx context.Context, source book.EventBook, destinations []book.EventBook) ([]book.CommandBook, error) {
	if f.HandleFunc == nil {
		return nil, nil
	}
	return f.HandleFunc(ctx, source, destinations)
}

// CommandSink accepts commands produced by reactors; the coordinator
// implements it.
type CommandSink interface {
	Handle(ctx context.Context, command book.CommandBook) (book.EventBook, error)
}

// Projector builds read models from events.
type Projector interface {
	Handle(ctx context.Context, events book.EventBook) error
	HandleSync(ctx context.Context, events book.EventBook) (book.Projection, error)
}
