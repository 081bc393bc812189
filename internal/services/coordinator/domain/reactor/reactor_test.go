package reactor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	apperrors "github.com/louisbranch/evcoord/internal/platform/errors"
	"github.com/louisbranch/evcoord/internal/services/coordinator/bus"
	"github.com/louisbranch/evcoord/internal/services/coordinator/domain/book"
	"github.com/louisbranch/evcoord/internal/services/coordinator/storage"
	"github.com/louisbranch/evcoord/internal/services/coordinator/storage/memory"
	"github.com/louisbranch/evcoord/internal/services/coordinator/storage/storagetest"
)

type sinkFunc func(ctx context.Context, command book.CommandBook) (book.EventBook, error)

func (f sinkFunc) Handle(ctx context.Context, command book.CommandBook) (book.EventBook, error) {
	return f(ctx, command)
}

type letterSink struct {
	mu      sync.Mutex
	letters []book.DeadLetter
}

func (s *letterSink) PublishDeadLetter(_ context.Context, letter book.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.letters = append(s.letters, letter)
	return nil
}

func seed(t *testing.T, store *memory.Store, domain string, count int) book.Cover {
	t.Helper()
	cover := book.Cover{Domain: domain, Root: book.NewRoot()}
	if count > 0 {
		if err := store.Append(context.Background(), cover, storagetest.Pages(0, count)); err != nil {
			t.Fatalf("seed %s: %v", domain, err)
		}
	}
	return cover
}

func orderPlaced() book.EventBook {
	cover := book.Cover{Domain: "order", Root: book.NewRoot(), CorrelationID: "corr-saga"}
	return book.EventBook{
		Cover:         cover,
		Pages:         []book.EventPage{{Sequence: 4, Event: book.Payload{Type: "order.Placed"}}},
		CorrelationID: cover.CorrelationID,
	}
}

// reserveEach emits one reserve command per destination, leaving the
// expected sequence to the dispatcher when pin is false.
func reserveEach(pin bool) func(context.Context, book.EventBook, []book.EventBook) ([]book.CommandBook, error) {
	return func(_ context.Context, _ book.EventBook, destinations []book.EventBook) ([]book.CommandBook, error) {
		commands := make([]book.CommandBook, 0, len(destinations))
		for _, destination := range destinations {
			command := book.NewCommand(destination.Cover, destination.NextSequence(), book.Payload{Type: "inventory.Reserve"})
			if !pin {
				command.Pages[0].HasSequence = false
				command.Pages[0].Sequence = 0
			}
			commands = append(commands, command)
		}
		return commands, nil
	}
}

func TestDispatchLoadsDestinationsBetweenPhases(t *testing.T) {
	for _, pin := range []bool{true, false} {
		store := memory.New()
		first := seed(t, store, "inventory", 3)
		second := seed(t, store, "inventory", 7)

		var mu sync.Mutex
		var submitted []book.CommandBook
		dispatcher := &Dispatcher{
			Name:    "fulfillment",
			Domains: []string{"order"},
			Store:   store,
			Reactor: Funcs{
				PrepareFunc: func(context.Context, book.EventBook) ([]book.Cover, error) {
					return []book.Cover{first, second}, nil
				},
				HandleFunc: reserveEach(pin),
			},
			Commands: sinkFunc(func(_ context.Context, command book.CommandBook) (book.EventBook, error) {
				mu.Lock()
				defer mu.Unlock()
				submitted = append(submitted, command)
				return book.EventBook{Cover: command.Cover}, nil
			}),
		}

		if err := dispatcher.Dispatch(context.Background(), orderPlaced()); err != nil {
			t.Fatalf("pin=%t dispatch: %v", pin, err)
		}
		if len(submitted) != 2 {
			t.Fatalf("pin=%t submitted %d commands", pin, len(submitted))
		}
		for i, want := range []uint64{3, 7} {
			got, ok := submitted[i].ExpectedSequence()
			if !ok || got != want {
				t.Fatalf("pin=%t command %d expected sequence = %d (%t), want %d", pin, i, got, ok, want)
			}
			if submitted[i].Cover.CorrelationID != "corr-saga" {
				t.Fatalf("correlation not propagated: %+v", submitted[i].Cover)
			}
		}
	}
}

func TestDispatchRetriesOnConflict(t *testing.T) {
	store := memory.New()
	target := seed(t, store, "inventory", 1)
	var prepares atomic.Int32
	var calls atomic.Int32

	dispatcher := &Dispatcher{
		Name:  "fulfillment",
		Store: store,
		Reactor: Funcs{
			PrepareFunc: func(context.Context, book.EventBook) ([]book.Cover, error) {
				prepares.Add(1)
				return []book.Cover{target}, nil
			},
			HandleFunc: reserveEach(true),
		},
		Commands: sinkFunc(func(ctx context.Context, command book.CommandBook) (book.EventBook, error) {
			if calls.Add(1) == 1 {
				// Another writer advanced the aggregate.
				if err := store.Append(ctx, command.Cover, storagetest.Pages(1, 1)); err != nil {
					t.Errorf("race append: %v", err)
				}
				return book.EventBook{}, storage.ConflictError(command.Cover, 1, 2)
			}
			if got, _ := command.ExpectedSequence(); got != 2 {
				t.Errorf("replanned command expects %d, want 2", got)
			}
			return book.EventBook{Cover: command.Cover}, nil
		}),
	}

	if err := dispatcher.Dispatch(context.Background(), orderPlaced()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if prepares.Load() != 2 || calls.Load() != 2 {
		t.Fatalf("prepares=%d calls=%d", prepares.Load(), calls.Load())
	}
}

func TestDispatchSubmitsEveryCommandForOneTarget(t *testing.T) {
	store := memory.New()
	target := seed(t, store, "inventory", 3)
	var mu sync.Mutex
	var submitted []string

	dispatcher := &Dispatcher{
		Name:  "fulfillment",
		Store: store,
		Reactor: Funcs{
			PrepareFunc: func(context.Context, book.EventBook) ([]book.Cover, error) { return []book.Cover{target}, nil },
			HandleFunc: func(_ context.Context, _ book.EventBook, destinations []book.EventBook) ([]book.CommandBook, error) {
				next := destinations[0].NextSequence()
				return []book.CommandBook{
					book.NewCommand(target, next, book.Payload{Type: "inventory.Reserve"}),
					book.NewCommand(target, next+1, book.Payload{Type: "inventory.Confirm"}),
				}, nil
			},
		},
		Commands: sinkFunc(func(_ context.Context, command book.CommandBook) (book.EventBook, error) {
			mu.Lock()
			defer mu.Unlock()
			submitted = append(submitted, command.Pages[0].Command.Type)
			return book.EventBook{Cover: command.Cover}, nil
		}),
	}

	if err := dispatcher.Dispatch(context.Background(), orderPlaced()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(submitted) != 2 || submitted[0] != "inventory.Reserve" || submitted[1] != "inventory.Confirm" {
		t.Fatalf("submitted = %v", submitted)
	}
}

func TestDispatchReplanSkipsOnlyAcceptedCommands(t *testing.T) {
	store := memory.New()
	target := seed(t, store, "inventory", 3)
	var mu sync.Mutex
	var submitted []string
	var confirms atomic.Int32

	dispatcher := &Dispatcher{
		Name:  "fulfillment",
		Store: store,
		Reactor: Funcs{
			PrepareFunc: func(context.Context, book.EventBook) ([]book.Cover, error) { return []book.Cover{target}, nil },
			HandleFunc: func(context.Context, book.EventBook, []book.EventBook) ([]book.CommandBook, error) {
				return []book.CommandBook{
					{Cover: target, Pages: []book.CommandPage{{Command: &book.Payload{Type: "inventory.Reserve"}}}},
					{Cover: target, Pages: []book.CommandPage{{Command: &book.Payload{Type: "inventory.Confirm"}}}},
				}, nil
			},
		},
		Commands: sinkFunc(func(_ context.Context, command book.CommandBook) (book.EventBook, error) {
			kind := command.Pages[0].Command.Type
			mu.Lock()
			submitted = append(submitted, kind)
			mu.Unlock()
			if kind == "inventory.Confirm" && confirms.Add(1) == 1 {
				return book.EventBook{}, storage.ConflictError(command.Cover, 3, 4)
			}
			return book.EventBook{Cover: command.Cover}, nil
		}),
	}

	if err := dispatcher.Dispatch(context.Background(), orderPlaced()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	want := []string{"inventory.Reserve", "inventory.Confirm", "inventory.Confirm"}
	if len(submitted) != len(want) {
		t.Fatalf("submitted = %v, want %v", submitted, want)
	}
	for i := range want {
		if submitted[i] != want[i] {
			t.Fatalf("submitted = %v, want %v", submitted, want)
		}
	}
}

func TestDispatchDeadLettersExhaustedConflicts(t *testing.T) {
	store := memory.New()
	target := seed(t, store, "inventory", 2)
	sink := &letterSink{}
	var calls atomic.Int32
	source := orderPlaced()

	dispatcher := &Dispatcher{
		Name:        "fulfillment",
		Store:       store,
		DeadLetters: sink,
		MaxAttempts: 2,
		Reactor: Funcs{
			PrepareFunc: func(context.Context, book.EventBook) ([]book.Cover, error) { return []book.Cover{target}, nil },
			HandleFunc:  reserveEach(true),
		},
		Commands: sinkFunc(func(_ context.Context, command book.CommandBook) (book.EventBook, error) {
			calls.Add(1)
			return book.EventBook{}, storage.ConflictError(command.Cover, 2, 3)
		}),
	}

	if err := dispatcher.Dispatch(context.Background(), source); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d", calls.Load())
	}
	if len(sink.letters) != 1 {
		t.Fatalf("letters = %d", len(sink.letters))
	}
	letter := sink.letters[0]
	if letter.Cover.Domain != "order" || letter.Command == nil || letter.Command.Cover.Key() != target.Key() {
		t.Fatalf("letter = %+v", letter)
	}
	if letter.Details.Kind != book.RejectionSequenceMismatch || letter.Details.ExpectedSequence != 2 || letter.Details.ActualSequence != 3 {
		t.Fatalf("details = %+v", letter.Details)
	}
	if letter.Metadata["target_domain"] != "inventory" {
		t.Fatalf("metadata = %v", letter.Metadata)
	}
}

func TestDispatchDeadLettersBusinessRejection(t *testing.T) {
	store := memory.New()
	first := seed(t, store, "inventory", 0)
	second := seed(t, store, "inventory", 0)
	sink := &letterSink{}
	var accepted atomic.Int32

	dispatcher := &Dispatcher{
		Name:        "fulfillment",
		Store:       store,
		DeadLetters: sink,
		Reactor: Funcs{
			PrepareFunc: func(context.Context, book.EventBook) ([]book.Cover, error) { return []book.Cover{first, second}, nil },
			HandleFunc:  reserveEach(true),
		},
		Commands: sinkFunc(func(_ context.Context, command book.CommandBook) (book.EventBook, error) {
			if command.Cover.Key() == first.Key() {
				return book.EventBook{}, apperrors.New(apperrors.CodeBusinessRejected, "out of stock")
			}
			accepted.Add(1)
			return book.EventBook{Cover: command.Cover}, nil
		}),
	}

	if err := dispatcher.Dispatch(context.Background(), orderPlaced()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if accepted.Load() != 1 {
		t.Fatalf("accepted = %d, the healthy command must still run", accepted.Load())
	}
	if len(sink.letters) != 1 || sink.letters[0].Details.Kind != book.RejectionBusiness {
		t.Fatalf("letters = %+v", sink.letters)
	}
}

func TestDispatchTransientFailureRedelivers(t *testing.T) {
	dispatcher := &Dispatcher{
		Name: "fulfillment",
		Reactor: Funcs{HandleFunc: func(context.Context, book.EventBook, []book.EventBook) ([]book.CommandBook, error) {
			return []book.CommandBook{book.NewCommand(book.Cover{Domain: "inventory", Root: book.NewRoot()}, 0, book.Payload{Type: "x"})}, nil
		}},
		Commands: sinkFunc(func(context.Context, book.CommandBook) (book.EventBook, error) {
			return book.EventBook{}, apperrors.New(apperrors.CodeStoreUnavailable, "store down")
		}),
	}
	err := dispatcher.Dispatch(context.Background(), orderPlaced())
	if !apperrors.HasCode(err, apperrors.CodeStoreUnavailable) {
		t.Fatalf("err = %v, want redelivery", err)
	}
}

func TestDispatchReactorFailure(t *testing.T) {
	sink := &letterSink{}
	boom := errors.New("saga crashed")
	dispatcher := &Dispatcher{
		Name:        "fulfillment",
		DeadLetters: sink,
		Commands:    sinkFunc(func(context.Context, book.CommandBook) (book.EventBook, error) { return book.EventBook{}, nil }),
		Reactor: Funcs{PrepareFunc: func(context.Context, book.EventBook) ([]book.Cover, error) {
			return nil, boom
		}},
	}
	if err := dispatcher.Dispatch(context.Background(), orderPlaced()); !errors.Is(err, boom) {
		t.Fatalf("unclassified failure should be redelivered, got %v", err)
	}

	dispatcher.Reactor = Funcs{PrepareFunc: func(context.Context, book.EventBook) ([]book.Cover, error) {
		return nil, apperrors.New(apperrors.CodeEventsInvalid, "cannot interpret order.Placed")
	}}
	if err := dispatcher.Dispatch(context.Background(), orderPlaced()); err != nil {
		t.Fatalf("permanent failure should be dead-lettered, got %v", err)
	}
	if len(sink.letters) != 1 || sink.letters[0].Events == nil || sink.letters[0].Details.Kind != book.RejectionHandlerFailure {
		t.Fatalf("letters = %+v", sink.letters)
	}
}

func TestIdempotentRedeliveryIsNoop(t *testing.T) {
	store := memory.New()
	var seen []uint64
	handler := NewIdempotent("projector", store, func(_ context.Context, events book.EventBook) error {
		for _, page := range events.Pages {
			seen = append(seen, page.Sequence)
		}
		return nil
	}, nil)

	events := book.EventBook{Cover: book.Cover{Domain: "order", Root: book.NewRoot()}, Pages: storagetest.Pages(0, 2)}
	for i := 0; i < 2; i++ {
		if err := handler.Handle(context.Background(), events); err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}
	if len(seen) != 2 {
		t.Fatalf("seen = %v, second delivery must be a no-op", seen)
	}

	overlapping := book.EventBook{Cover: events.Cover, Pages: storagetest.Pages(1, 3)}
	if err := handler.Handle(context.Background(), overlapping); err != nil {
		t.Fatalf("overlap: %v", err)
	}
	if len(seen) != 4 || seen[2] != 2 || seen[3] != 3 {
		t.Fatalf("seen = %v, want only new pages", seen)
	}
	position, found, _ := store.GetPosition(context.Background(), storage.PositionKey{Handler: "projector", Domain: "order", Root: events.Cover.Root})
	if !found || position != 3 {
		t.Fatalf("position = %d (%t)", position, found)
	}
}

func TestIdempotentConcurrentDeliveries(t *testing.T) {
	store := memory.New()
	var calls atomic.Int32
	handler := NewIdempotent("projector", store, func(context.Context, book.EventBook) error {
		calls.Add(1)
		return nil
	}, nil)
	events := book.EventBook{Cover: book.Cover{Domain: "order", Root: book.NewRoot()}, Pages: storagetest.Pages(0, 1)}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = handler.Handle(context.Background(), events)
		}()
	}
	wg.Wait()
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestIdempotentFailureDoesNotAdvance(t *testing.T) {
	store := memory.New()
	fail := true
	handler := NewIdempotent("projector", store, func(context.Context, book.EventBook) error {
		if fail {
			return errors.New("db down")
		}
		return nil
	}, nil)
	events := book.EventBook{Cover: book.Cover{Domain: "order", Root: book.NewRoot()}, Pages: storagetest.Pages(0, 1)}
	if err := handler.Handle(context.Background(), events); err == nil {
		t.Fatal("expected failure")
	}
	_, found, _ := store.GetPosition(context.Background(), storage.PositionKey{Handler: "projector", Domain: "order", Root: events.Cover.Root})
	if found {
		t.Fatal("position advanced after failure")
	}
}

type recordingProjector struct {
	async int
	sync  int
}

func (p *recordingProjector) Handle(context.Context, book.EventBook) error {
	p.async++
	return nil
}

func (p *recordingProjector) HandleSync(_ context.Context, events book.EventBook) (book.Projection, error) {
	p.sync++
	last, _ := events.LastSequence()
	return book.Projection{Cover: events.Cover, Sequence: last}, nil
}

func TestProjectorHandler(t *testing.T) {
	projector := &recordingProjector{}
	var projections []book.Projection
	handler := ProjectorHandler{
		Name:      "order-summary",
		Domains:   []string{"order"},
		Projector: projector,
		OnProjection: func(_ context.Context, projection book.Projection) {
			projections = append(projections, projection)
		},
	}
	events := orderPlaced()

	if err := handler.Handle(context.Background(), events); err != nil {
		t.Fatalf("async: %v", err)
	}
	if err := handler.Handle(bus.WithSyncDelivery(context.Background()), events); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if projector.async != 1 || projector.sync != 1 {
		t.Fatalf("async=%d sync=%d", projector.async, projector.sync)
	}
	if len(projections) != 1 || projections[0].Projector != "order-summary" || projections[0].Sequence != 4 {
		t.Fatalf("projections = %+v", projections)
	}
	if sub := handler.Subscriber(); sub.Name != "order-summary" || !sub.Accepts("order") {
		t.Fatalf("subscriber = %+v", sub)
	}
}
