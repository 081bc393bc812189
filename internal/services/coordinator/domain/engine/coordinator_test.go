package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	apperrors "github.com/louisbranch/evcoord/internal/platform/errors"
	"github.com/louisbranch/evcoord/internal/services/coordinator/bus"
	"github.com/louisbranch/evcoord/internal/services/coordinator/bus/channel"
	"github.com/louisbranch/evcoord/internal/services/coordinator/domain/book"
	"github.com/louisbranch/evcoord/internal/services/coordinator/storage/memory"
)

type recordingPublisher struct {
	mu    sync.Mutex
	books []book.EventBook
	sync  []bool
	err   error
}

func (p *recordingPublisher) Publish(ctx context.Context, domain string, events book.EventBook) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.books = append(p.books, events)
	p.sync = append(p.sync, bus.SyncDelivery(ctx))
	return nil
}

// appendOne emits one event at the aggregate's next sequence.
func appendOne(eventType string) BusinessLogicFunc {
	return func(_ context.Context, cmd book.ContextualCommand) (book.BusinessResponse, error) {
		next := cmd.Events.NextSequence()
		return book.BusinessResponse{Events: &book.EventBook{
			Cover: cmd.Command.Cover,
			Pages: []book.EventPage{{Sequence: next, Event: book.Payload{Type: eventType, Value: []byte("payload")}}},
		}}, nil
	}
}

func orderCommand(expected uint64) book.CommandBook {
	cover := book.Cover{Domain: "order", Root: book.NewRoot(), CorrelationID: "corr-1"}
	return book.NewCommand(cover, expected, book.Payload{Type: "order.Create", Value: []byte("cmd")})
}

func fixedNow() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func newCoordinator(logic BusinessLogic) (*Coordinator, *memory.Store, *recordingPublisher) {
	store := memory.New()
	publisher := &recordingPublisher{}
	return &Coordinator{
		Store:     store,
		Publisher: publisher,
		Router:    Router{"order": logic},
		Now:       fixedNow,
	}, store, publisher
}

func TestHandleNewAggregate(t *testing.T) {
	coordinator, store, publisher := newCoordinator(appendOne("order.Created"))
	cmd := orderCommand(0)

	result, err := coordinator.Handle(context.Background(), cmd)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(result.Pages) != 1 || result.Pages[0].Sequence != 0 {
		t.Fatalf("result pages = %+v", result.Pages)
	}
	if result.Cover != cmd.Cover || result.CorrelationID != "corr-1" {
		t.Fatalf("result cover = %+v", result.Cover)
	}
	if !result.Pages[0].CreatedAt.Equal(fixedNow()) {
		t.Fatalf("created_at = %v", result.Pages[0].CreatedAt)
	}

	stored, err := store.Read(context.Background(), "order", cmd.Cover.Root, 0)
	if err != nil || len(stored) != 1 {
		t.Fatalf("stored = %+v, %v", stored, err)
	}

	if len(publisher.books) != 1 {
		t.Fatalf("publish calls = %d, want 1", len(publisher.books))
	}
	published := publisher.books[0]
	if published.Cover != cmd.Cover || published.CorrelationID != "corr-1" {
		t.Fatalf("published cover = %+v", published.Cover)
	}
	if len(published.Pages) != 1 || published.Pages[0].Sequence != 0 {
		t.Fatalf("published pages = %+v", published.Pages)
	}
	if publisher.sync[0] {
		t.Fatal("asynchronous command published with sync delivery")
	}
}

func TestHandleConcurrentCommandsOneWins(t *testing.T) {
	var arrived sync.WaitGroup
	arrived.Add(2)
	logic := BusinessLogicFunc(func(ctx context.Context, cmd book.ContextualCommand) (book.BusinessResponse, error) {
		// Both commands load the empty aggregate before either appends.
		arrived.Done()
		arrived.Wait()
		return appendOne("order.Created")(ctx, cmd)
	})
	coordinator, store, publisher := newCoordinator(logic)
	cmd := orderCommand(0)

	errs := make([]error, 2)
	var done sync.WaitGroup
	for i := range errs {
		done.Add(1)
		go func() {
			defer done.Done()
			_, errs[i] = coordinator.Handle(context.Background(), cmd.Clone())
		}()
	}
	done.Wait()

	var wins, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case apperrors.HasCode(err, apperrors.CodeSequenceConflict):
			conflicts++
			if got := status.Code(apperrors.ToGRPC(err)); got != codes.FailedPrecondition {
				t.Fatalf("grpc code = %s, want FailedPrecondition", got)
			}
			if IsRetryable(err) {
				t.Fatal("conflict must not be retried without reloading")
			}
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || conflicts != 1 {
		t.Fatalf("wins=%d conflicts=%d", wins, conflicts)
	}
	stored, _ := store.Read(context.Background(), "order", cmd.Cover.Root, 0)
	if len(stored) != 1 {
		t.Fatalf("stored %d events, want 1", len(stored))
	}
	if len(publisher.books) != 1 {
		t.Fatalf("published %d books, want 1", len(publisher.books))
	}
}

func TestHandleRejection(t *testing.T) {
	logic := BusinessLogicFunc(func(context.Context, book.ContextualCommand) (book.BusinessResponse, error) {
		return book.BusinessResponse{Rejection: "order already shipped"}, nil
	})
	coordinator, store, publisher := newCoordinator(logic)
	cmd := orderCommand(0)

	_, err := coordinator.Handle(context.Background(), cmd)
	if !apperrors.HasCode(err, apperrors.CodeBusinessRejected) {
		t.Fatalf("err = %v, want business rejection", err)
	}
	if got := status.Code(apperrors.ToGRPC(err)); got != codes.FailedPrecondition {
		t.Fatalf("grpc code = %s", got)
	}
	stored, _ := store.Read(context.Background(), "order", cmd.Cover.Root, 0)
	if len(stored) != 0 || len(publisher.books) != 0 {
		t.Fatalf("stored=%d published=%d", len(stored), len(publisher.books))
	}
}

func TestHandleDeadlineExceededWritesNothing(t *testing.T) {
	logic := BusinessLogicFunc(func(ctx context.Context, cmd book.ContextualCommand) (book.BusinessResponse, error) {
		<-ctx.Done()
		return book.BusinessResponse{}, ctx.Err()
	})
	coordinator, store, publisher := newCoordinator(logic)
	cmd := orderCommand(0)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := coordinator.Handle(ctx, cmd)
	if !apperrors.HasCode(err, apperrors.CodeDeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if !IsRetryable(err) {
		t.Fatal("deadline exceeded should be retryable")
	}
	stored, _ := store.Read(context.Background(), "order", cmd.Cover.Root, 0)
	if len(stored) != 0 || len(publisher.books) != 0 {
		t.Fatalf("stored=%d published=%d", len(stored), len(publisher.books))
	}
}

func TestHandleDeadlineAfterDecisionWritesNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	logic := BusinessLogicFunc(func(ctx context.Context, cmd book.ContextualCommand) (book.BusinessResponse, error) {
		response, err := appendOne("order.Created")(ctx, cmd)
		cancel()
		return response, err
	})
	coordinator, store, _ := newCoordinator(logic)
	cmd := orderCommand(0)

	_, err := coordinator.Handle(ctx, cmd)
	if !apperrors.HasCode(err, apperrors.CodeCanceled) {
		t.Fatalf("err = %v, want canceled", err)
	}
	stored, _ := store.Read(context.Background(), "order", cmd.Cover.Root, 0)
	if len(stored) != 0 {
		t.Fatalf("stored %d events after cancellation", len(stored))
	}
}

func TestHandleExpectedSequenceMismatch(t *testing.T) {
	called := false
	logic := BusinessLogicFunc(func(ctx context.Context, cmd book.ContextualCommand) (book.BusinessResponse, error) {
		called = true
		return appendOne("order.Created")(ctx, cmd)
	})
	coordinator, _, _ := newCoordinator(logic)

	_, err := coordinator.Handle(context.Background(), orderCommand(3))
	if !apperrors.HasCode(err, apperrors.CodeSequenceMismatch) {
		t.Fatalf("err = %v, want sequence mismatch", err)
	}
	if called {
		t.Fatal("business logic must not run for a stale command")
	}
}

func TestHandleRevalidatesHandlerSequences(t *testing.T) {
	logic := BusinessLogicFunc(func(_ context.Context, cmd book.ContextualCommand) (book.BusinessResponse, error) {
		return book.BusinessResponse{Events: &book.EventBook{Pages: []book.EventPage{
			{Sequence: 5, Event: book.Payload{Type: "order.Created"}},
		}}}, nil
	})
	coordinator, store, _ := newCoordinator(logic)
	cmd := orderCommand(0)

	_, err := coordinator.Handle(context.Background(), cmd)
	if !apperrors.HasCode(err, apperrors.CodeSequenceMismatch) {
		t.Fatalf("err = %v, want sequence mismatch", err)
	}
	stored, _ := store.Read(context.Background(), "order", cmd.Cover.Root, 0)
	if len(stored) != 0 {
		t.Fatalf("stored %d events", len(stored))
	}
}

func TestHandleRejectsEventsForOtherAggregate(t *testing.T) {
	logic := BusinessLogicFunc(func(_ context.Context, cmd book.ContextualCommand) (book.BusinessResponse, error) {
		return book.BusinessResponse{Events: &book.EventBook{
			Cover: book.Cover{Domain: "order", Root: book.NewRoot()},
			Pages: []book.EventPage{{Sequence: 0, Event: book.Payload{Type: "order.Created"}}},
		}}, nil
	})
	coordinator, _, _ := newCoordinator(logic)
	_, err := coordinator.Handle(context.Background(), orderCommand(0))
	if !apperrors.HasCode(err, apperrors.CodeEventsInvalid) {
		t.Fatalf("err = %v, want events invalid", err)
	}
}

func TestHandleNoEventsIsNoop(t *testing.T) {
	logic := BusinessLogicFunc(func(context.Context, book.ContextualCommand) (book.BusinessResponse, error) {
		return book.BusinessResponse{Events: &book.EventBook{}}, nil
	})
	coordinator, _, publisher := newCoordinator(logic)
	cmd := orderCommand(0)

	result, err := coordinator.Handle(context.Background(), cmd)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(result.Pages) != 0 || result.Cover != cmd.Cover {
		t.Fatalf("result = %+v", result)
	}
	if len(publisher.books) != 0 {
		t.Fatal("no-op command must not publish")
	}
}

func TestHandleWritesSnapshot(t *testing.T) {
	logic := BusinessLogicFunc(func(ctx context.Context, cmd book.ContextualCommand) (book.BusinessResponse, error) {
		response, err := appendOne("order.Created")(ctx, cmd)
		response.Events.Snapshot = &book.Snapshot{State: book.Payload{Type: "order.State", Value: []byte("s")}}
		return response, err
	})
	coordinator, store, _ := newCoordinator(logic)
	cmd := orderCommand(0)

	if _, err := coordinator.Handle(context.Background(), cmd); err != nil {
		t.Fatalf("handle: %v", err)
	}
	snapshot, err := store.ReadSnapshot(context.Background(), "order", cmd.Cover.Root)
	if err != nil || snapshot == nil {
		t.Fatalf("snapshot = %v, %v", snapshot, err)
	}
	if snapshot.Sequence != 1 || snapshot.State.Type != "order.State" {
		t.Fatalf("snapshot = %+v", snapshot)
	}

	// The next command sees the snapshot and continues at sequence 1.
	next := book.NewCommand(cmd.Cover, 1, book.Payload{Type: "order.Ship"})
	result, err := coordinator.Handle(context.Background(), next)
	if err != nil {
		t.Fatalf("second handle: %v", err)
	}
	if result.Pages[0].Sequence != 1 {
		t.Fatalf("second sequence = %d", result.Pages[0].Sequence)
	}
}

func TestHandlePublishFailure(t *testing.T) {
	coordinator, store, publisher := newCoordinator(appendOne("order.Created"))
	publisher.err = errors.New("broker unreachable")
	cmd := orderCommand(0)

	result, err := coordinator.Handle(context.Background(), cmd)
	var publishErr *PublishError
	if !errors.As(err, &publishErr) {
		t.Fatalf("err = %v, want *PublishError", err)
	}
	if !apperrors.HasCode(err, apperrors.CodePublishFailed) {
		t.Fatalf("code = %s", apperrors.CodeOf(err))
	}
	if !IsNonRetryable(err) || IsRetryable(err) {
		t.Fatal("publish failure must not trigger command resubmission")
	}
	if len(publishErr.Events.Pages) != 1 || len(result.Pages) != 1 {
		t.Fatalf("persisted book not reported: %+v", publishErr.Events)
	}
	stored, _ := store.Read(context.Background(), "order", cmd.Cover.Root, 0)
	if len(stored) != 1 {
		t.Fatalf("append must survive publish failure, stored %d", len(stored))
	}
}

func TestHandleSynchronousDelivery(t *testing.T) {
	b := channel.New(channel.Options{})
	defer b.Close()
	var seen []book.EventBook
	_, err := b.Subscribe(context.Background(), bus.Subscriber{
		Name:    "projector",
		Domains: []string{"order"},
		Handler: func(_ context.Context, events book.EventBook) error {
			seen = append(seen, events)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	coordinator := &Coordinator{Store: memory.New(), Publisher: b, Router: Router{"order": appendOne("order.Created")}}
	cmd := orderCommand(0)
	cmd.Pages[0].Synchronous = true

	if _, err := coordinator.Handle(context.Background(), cmd); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(seen) != 1 {
		t.Fatalf("projector saw %d books before Handle returned", len(seen))
	}
}

func TestHandleValidation(t *testing.T) {
	coordinator, _, _ := newCoordinator(appendOne("order.Created"))
	valid := orderCommand(0)

	tests := []struct {
		name string
		cmd  book.CommandBook
		code apperrors.Code
	}{
		{name: "no pages", cmd: book.CommandBook{Cover: valid.Cover}, code: apperrors.CodeCommandEmpty},
		{name: "missing payload", cmd: book.CommandBook{Cover: valid.Cover, Pages: []book.CommandPage{{}}}, code: apperrors.CodeCommandPayloadMissing},
		{name: "missing root", cmd: book.NewCommand(book.Cover{Domain: "order"}, 0, book.Payload{Type: "x"}), code: apperrors.CodeCoverInvalid},
		{name: "unknown domain", cmd: book.NewCommand(book.Cover{Domain: "billing", Root: book.NewRoot()}, 0, book.Payload{Type: "x"}), code: apperrors.CodeDomainUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := coordinator.Handle(context.Background(), tt.cmd)
			if !apperrors.HasCode(err, tt.code) {
				t.Fatalf("err = %v, want %s", err, tt.code)
			}
			if got := status.Code(apperrors.ToGRPC(err)); got != codes.InvalidArgument {
				t.Fatalf("grpc code = %s, want InvalidArgument", got)
			}
		})
	}
}

func TestHandleBusinessLogicFailure(t *testing.T) {
	logic := BusinessLogicFunc(func(context.Context, book.ContextualCommand) (book.BusinessResponse, error) {
		return book.BusinessResponse{}, errors.New("handler crashed")
	})
	coordinator, _, _ := newCoordinator(logic)
	_, err := coordinator.Handle(context.Background(), orderCommand(0))
	if !apperrors.HasCode(err, apperrors.CodeHandlerFailed) {
		t.Fatalf("err = %v", err)
	}
}

func TestSpeculateDoesNotPersist(t *testing.T) {
	coordinator, store, publisher := newCoordinator(appendOne("order.Shipped"))
	cover := book.Cover{Domain: "order", Root: book.NewRoot(), CorrelationID: "what-if"}
	prior := book.EventBook{Cover: cover, Pages: []book.EventPage{
		{Sequence: 0, Event: book.Payload{Type: "order.Created"}},
		{Sequence: 1, Event: book.Payload{Type: "order.Paid"}},
	}}
	cmd := book.NewCommand(cover, 2, book.Payload{Type: "order.Ship"})

	result, err := coordinator.Speculate(context.Background(), cmd, prior)
	if err != nil {
		t.Fatalf("speculate: %v", err)
	}
	if len(result.Pages) != 1 || result.Pages[0].Sequence != 2 {
		t.Fatalf("pages = %+v", result.Pages)
	}
	stored, _ := store.Read(context.Background(), "order", cover.Root, 0)
	if len(stored) != 0 || len(publisher.books) != 0 {
		t.Fatalf("stored=%d published=%d", len(stored), len(publisher.books))
	}

	other := prior
	other.Cover.Root = book.NewRoot()
	if _, err := coordinator.Speculate(context.Background(), cmd, other); !apperrors.HasCode(err, apperrors.CodeCoverInvalid) {
		t.Fatalf("mismatched prior err = %v", err)
	}
}

type countingRecorder struct {
	mu        sync.Mutex
	outcomes  []Outcome
	conflicts int
}

func (r *countingRecorder) CommandHandled(_ string, outcome Outcome, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func (r *countingRecorder) AppendConflict(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conflicts++
}

func TestHandleRecordsOutcomes(t *testing.T) {
	coordinator, _, _ := newCoordinator(appendOne("order.Created"))
	recorder := &countingRecorder{}
	coordinator.Metrics = recorder
	cmd := orderCommand(0)

	if _, err := coordinator.Handle(context.Background(), cmd); err != nil {
		t.Fatalf("handle: %v", err)
	}
	_, _ = coordinator.Handle(context.Background(), cmd)
	if len(recorder.outcomes) != 2 || recorder.outcomes[0] != OutcomeAccepted || recorder.outcomes[1] != OutcomeConflict {
		t.Fatalf("outcomes = %v", recorder.outcomes)
	}
}
