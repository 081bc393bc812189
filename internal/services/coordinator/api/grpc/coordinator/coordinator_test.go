package coordinator

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	apperrors "github.com/louisbranch/evcoord/internal/platform/errors"
	"github.com/louisbranch/evcoord/internal/services/coordinator/api/grpc/interceptors"
	"github.com/louisbranch/evcoord/internal/services/coordinator/bus"
	"github.com/louisbranch/evcoord/internal/services/coordinator/bus/channel"
	"github.com/louisbranch/evcoord/internal/services/coordinator/domain/book"
	"github.com/louisbranch/evcoord/internal/services/coordinator/domain/engine"
	"github.com/louisbranch/evcoord/internal/services/coordinator/storage/memory"
)

func appendOne(eventType string) engine.BusinessLogicFunc {
	return func(_ context.Context, cmd book.ContextualCommand) (book.BusinessResponse, error) {
		next := cmd.Events.NextSequence()
		return book.BusinessResponse{Events: &book.EventBook{
			Cover: cmd.Command.Cover,
			Pages: []book.EventPage{{Sequence: next, Event: book.Payload{Type: eventType, Value: []byte("e")}}},
		}}, nil
	}
}

type harness struct {
	client      *Client
	coordinator *engine.Coordinator
	bus         *channel.Bus
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	events := channel.New(channel.Options{})
	t.Cleanup(func() { _ = events.Close() })
	coord := &engine.Coordinator{
		Store:     memory.New(),
		Publisher: events,
		Router: engine.Router{
			"order":     appendOne("order.Placed"),
			"inventory": appendOne("inventory.Reserved"),
		},
	}

	watcher := NewWatcher(nil)
	if _, err := events.Subscribe(context.Background(), watcher.Subscriber("proxy", []string{"order", "inventory"})); err != nil {
		t.Fatalf("subscribe watcher: %v", err)
	}

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(interceptors.UnaryErrors(nil)),
		grpc.ChainStreamInterceptor(interceptors.StreamErrors(nil)),
	)
	RegisterBusinessCoordinatorServer(srv, NewService(coord))
	RegisterCommandProxyServer(srv, NewProxy(coord, watcher, 300*time.Millisecond, nil))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &harness{client: NewClient(conn), coordinator: coord, bus: events}
}

func command(domain string, expected uint64) book.CommandBook {
	cover := book.Cover{Domain: domain, Root: book.NewRoot(), CorrelationID: "corr-9"}
	return book.NewCommand(cover, expected, book.Payload{Type: domain + ".Do", Value: []byte("c")})
}

func TestHandleOverGRPC(t *testing.T) {
	h := newHarness(t)
	cmd := command("order", 0)

	events, err := h.client.Handle(context.Background(), cmd)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if events.Cover.Key() != cmd.Cover.Key() || len(events.Pages) != 1 || events.Pages[0].Sequence != 0 {
		t.Fatalf("events = %+v", events)
	}
	if events.CorrelationID != "corr-9" {
		t.Fatalf("correlation = %q", events.CorrelationID)
	}

	// Same expected sequence again: the aggregate has moved on.
	cmd.Cover.CorrelationID = "corr-10"
	_, err = h.client.Handle(context.Background(), cmd)
	if !apperrors.HasCode(err, apperrors.CodeSequenceMismatch) {
		t.Fatalf("err = %v, want sequence mismatch", err)
	}
}

func TestHandleUnknownDomainOverGRPC(t *testing.T) {
	h := newHarness(t)
	_, err := h.client.Handle(context.Background(), command("billing", 0))
	if apperrors.CodeOf(err) != apperrors.CodeDomainUnknown {
		t.Fatalf("code = %s, want %s", apperrors.CodeOf(err), apperrors.CodeDomainUnknown)
	}
}

func TestSpeculateOverGRPC(t *testing.T) {
	h := newHarness(t)
	cmd := command("order", 4)
	prior := book.EventBook{Cover: cmd.Cover, Snapshot: &book.Snapshot{Sequence: 4, State: book.Payload{Type: "order.State"}}}

	events, err := h.client.Speculate(context.Background(), cmd, prior)
	if err != nil {
		t.Fatalf("speculate: %v", err)
	}
	if len(events.Pages) != 1 || events.Pages[0].Sequence != 4 {
		t.Fatalf("pages = %+v", events.Pages)
	}
	stored, err := h.coordinator.Store.Read(context.Background(), "order", cmd.Cover.Root, 0)
	if err != nil || len(stored) != 0 {
		t.Fatalf("speculate persisted %+v, %v", stored, err)
	}
}

func TestExecuteStreamsCorrelatedBooks(t *testing.T) {
	h := newHarness(t)

	// An order reaction places an inventory command with the same correlation.
	react := bus.Subscriber{
		Name:    "reserve",
		Domains: []string{"order"},
		Handler: func(ctx context.Context, events book.EventBook) error {
			next := command("inventory", 0)
			next.Cover.CorrelationID = events.CorrelationID
			_, err := h.coordinator.Handle(ctx, next)
			return err
		},
	}
	if _, err := h.bus.Subscribe(context.Background(), react); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	cmd := command("order", 0)
	var got []book.EventBook
	err := h.client.Execute(context.Background(), cmd, func(events book.EventBook) error {
		got = append(got, events)
		return nil
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("books = %d, want 2: %+v", len(got), got)
	}
	if got[0].Cover.Domain != "order" || got[1].Cover.Domain != "inventory" {
		t.Fatalf("domains = %s, %s", got[0].Cover.Domain, got[1].Cover.Domain)
	}
	if got[1].CorrelationID != "corr-9" {
		t.Fatalf("correlation = %q", got[1].CorrelationID)
	}
}

func TestExecuteAssignsCorrelationID(t *testing.T) {
	h := newHarness(t)
	cmd := command("order", 0)
	cmd.Cover.CorrelationID = ""

	var got []book.EventBook
	err := h.client.Execute(context.Background(), cmd, func(events book.EventBook) error {
		got = append(got, events)
		return nil
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(got) != 1 || got[0].CorrelationID == "" {
		t.Fatalf("books = %+v", got)
	}
}

func TestExecuteReturnsCommandError(t *testing.T) {
	h := newHarness(t)
	err := h.client.Execute(context.Background(), book.CommandBook{Cover: command("order", 0).Cover}, func(book.EventBook) error {
		t.Fatal("no book expected")
		return nil
	})
	if apperrors.CodeOf(err) != apperrors.CodeCommandEmpty {
		t.Fatalf("code = %s", apperrors.CodeOf(err))
	}
}

type downPublisher struct{}

func (downPublisher) Publish(context.Context, string, book.EventBook) error {
	return errors.New("broker unreachable")
}

func TestExecuteStreamsPersistedBookOnPublishFailure(t *testing.T) {
	h := newHarness(t)
	h.coordinator.Publisher = downPublisher{}

	cmd := command("order", 0)
	var got []book.EventBook
	err := h.client.Execute(context.Background(), cmd, func(events book.EventBook) error {
		got = append(got, events)
		return nil
	})
	if apperrors.CodeOf(err) != apperrors.CodePublishFailed {
		t.Fatalf("code = %s, want %s", apperrors.CodeOf(err), apperrors.CodePublishFailed)
	}
	if len(got) != 1 {
		t.Fatalf("books = %d, want the persisted book", len(got))
	}
	if got[0].Cover.Root != cmd.Cover.Root || len(got[0].Pages) != 1 || got[0].Pages[0].Sequence != 0 {
		t.Fatalf("book = %+v", got[0])
	}
}

func TestWatcherIgnoresOtherCorrelations(t *testing.T) {
	w := NewWatcher(nil)
	ch, stop := w.Watch("a")
	defer stop()

	_ = w.deliver(context.Background(), book.EventBook{CorrelationID: "b"})
	_ = w.deliver(context.Background(), book.EventBook{Cover: book.Cover{CorrelationID: "a"}})

	select {
	case events := <-ch:
		if events.Cover.CorrelationID != "a" {
			t.Fatalf("events = %+v", events)
		}
	default:
		t.Fatal("expected a correlated book")
	}
	select {
	case events := <-ch:
		t.Fatalf("unexpected book %+v", events)
	default:
	}

	stop()
	if len(w.waiters) != 0 {
		t.Fatalf("waiters = %d after stop", len(w.waiters))
	}
}
