package bus

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/louisbranch/evcoord/internal/services/coordinator/blob"
	"github.com/louisbranch/evcoord/internal/services/coordinator/domain/book"
	"github.com/louisbranch/evcoord/internal/services/coordinator/wire"
)

func sampleBook(size int) book.EventBook {
	return book.EventBook{
		Cover: book.Cover{Domain: "order", Root: book.NewRoot(), CorrelationID: "corr-1"},
		Pages: []book.EventPage{{
			Sequence: 0,
			Event:    book.Payload{Type: "order.Created", Value: []byte(strings.Repeat("x", size))},
		}},
		CorrelationID: "corr-1",
	}
}

func TestNaming(t *testing.T) {
	root := book.NewRoot()
	if got := TopicName("shop", "order"); got != "shop.events.order" {
		t.Fatalf("topic = %q", got)
	}
	if got := DeadLetterTopic("", "order"); got != "evcoord.dlq.order" {
		t.Fatalf("dlq = %q", got)
	}
	if got := MessageKey(root); len(got) != 32 || strings.Contains(got, "-") {
		t.Fatalf("key = %q", got)
	}
}

func TestSyncDelivery(t *testing.T) {
	if SyncDelivery(context.Background()) {
		t.Fatal("background context should not request sync delivery")
	}
	if !SyncDelivery(WithSyncDelivery(context.Background())) {
		t.Fatal("expected sync delivery")
	}
}

func TestClaimCheckInlineBelowThreshold(t *testing.T) {
	blobs := blob.NewMemory()
	claims := &ClaimCheck{Blobs: blobs, Threshold: 1024}
	events := sampleBook(10)

	data, err := claims.EncodeEvents(context.Background(), events)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if blobs.Len() != 0 {
		t.Fatal("small book should stay inline")
	}
	decoded, err := claims.DecodeEvents(context.Background(), data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Cover != events.Cover {
		t.Fatalf("cover = %+v", decoded.Cover)
	}
}

func TestClaimCheckOffloadsLargeBooks(t *testing.T) {
	blobs := blob.NewMemory()
	claims := &ClaimCheck{Blobs: blobs, Threshold: 128}
	events := sampleBook(4096)

	data, err := claims.EncodeEvents(context.Background(), events)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if blobs.Len() != 1 {
		t.Fatalf("blobs = %d, want 1", blobs.Len())
	}
	if len(data) >= 4096 {
		t.Fatalf("envelope not offloaded, %d bytes", len(data))
	}
	envelope, err := wire.DecodeEnvelope(data)
	if err != nil || envelope.Reference == nil {
		t.Fatalf("envelope = %+v, %v", envelope, err)
	}
	if envelope.Reference.Cover != events.Cover {
		t.Fatalf("reference cover = %+v", envelope.Reference.Cover)
	}

	decoded, err := claims.DecodeEvents(context.Background(), data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded.Pages[0].Event.Value) != 4096 {
		t.Fatalf("resolved payload size = %d", len(decoded.Pages[0].Event.Value))
	}
}

func TestDecodeMalformed(t *testing.T) {
	claims := &ClaimCheck{}
	if _, err := claims.DecodeEvents(context.Background(), []byte{0x0a, 0xff}); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("err = %v, want ErrMalformedPayload", err)
	}
	if _, err := claims.DecodeEvents(context.Background(), nil); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("empty envelope err = %v", err)
	}
	// Envelope field 1 is a message; a varint in its place is malformed.
	if _, err := claims.DecodeEvents(context.Background(), []byte{0x08, 0x07}); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("mistyped envelope err = %v", err)
	}
}

type recordingSink struct {
	letters []book.DeadLetter
}

func (s *recordingSink) PublishDeadLetter(_ context.Context, letter book.DeadLetter) error {
	s.letters = append(s.letters, letter)
	return nil
}

func TestDeliveryAcksMalformedWithoutDeadLetter(t *testing.T) {
	sink := &recordingSink{}
	called := false
	delivery := Delivery{
		Subscriber: Subscriber{Name: "projector", Domains: []string{"order"}, Handler: func(context.Context, book.EventBook) error {
			called = true
			return nil
		}},
		Claims:      &ClaimCheck{},
		DeadLetters: sink,
	}
	if err := delivery.Deliver(context.Background(), []byte{0xff, 0xff}); err != nil {
		t.Fatalf("malformed payload should be acked, got %v", err)
	}
	if called || len(sink.letters) != 0 {
		t.Fatalf("handler called %v, letters %d", called, len(sink.letters))
	}
}

func TestDeliveryDeadLettersMissingClaim(t *testing.T) {
	producer := &ClaimCheck{Blobs: blob.NewMemory(), Threshold: 16}
	events := sampleBook(512)
	data, err := producer.EncodeEvents(context.Background(), events)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	sink := &recordingSink{}
	delivery := Delivery{
		Subscriber:  Subscriber{Name: "saga", Domains: []string{"order"}, Handler: func(context.Context, book.EventBook) error { return nil }},
		Claims:      &ClaimCheck{Blobs: blob.NewMemory()},
		DeadLetters: sink,
	}
	if err := delivery.Deliver(context.Background(), data); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(sink.letters) != 1 {
		t.Fatalf("letters = %d, want 1", len(sink.letters))
	}
	letter := sink.letters[0]
	if letter.Details.Kind != book.RejectionPayloadRetrieval || letter.Cover.Domain != "order" {
		t.Fatalf("letter = %+v", letter)
	}
}

func TestDeliveryRedeliversOnHandlerError(t *testing.T) {
	claims := &ClaimCheck{}
	data, err := claims.EncodeEvents(context.Background(), sampleBook(1))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	boom := errors.New("projection db down")
	delivery := Delivery{
		Subscriber: Subscriber{Name: "projector", Domains: []string{"order"}, Handler: func(context.Context, book.EventBook) error { return boom }},
		Claims:     claims,
	}
	if err := delivery.Deliver(context.Background(), data); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want handler error", err)
	}
}

func TestDeliverySkipsUndeclaredDomain(t *testing.T) {
	claims := &ClaimCheck{}
	data, _ := claims.EncodeEvents(context.Background(), sampleBook(1))
	delivery := Delivery{
		Subscriber: Subscriber{Name: "inventory", Domains: []string{"inventory"}, Handler: func(context.Context, book.EventBook) error {
			t.Fatal("handler must not see undeclared domain")
			return nil
		}},
		Claims: claims,
	}
	if err := delivery.Deliver(context.Background(), data); err != nil {
		t.Fatalf("deliver: %v", err)
	}
}

type recordingCommands struct{ commands []book.CommandBook }

func (r *recordingCommands) Handle(_ context.Context, command book.CommandBook) (book.EventBook, error) {
	r.commands = append(r.commands, command)
	return book.EventBook{Cover: command.Cover}, nil
}

type recordingPublisher struct{ books []book.EventBook }

func (r *recordingPublisher) Publish(_ context.Context, _ string, events book.EventBook) error {
	r.books = append(r.books, events)
	return nil
}

func TestReplay(t *testing.T) {
	cover := book.Cover{Domain: "inventory", Root: book.NewRoot()}
	commands := &recordingCommands{}
	publisher := &recordingPublisher{}

	commandLetter := book.NewCommandDeadLetter(book.NewCommand(cover, 3, book.Payload{Type: "inventory.Reserve"}), "saga", "conflict", book.RejectionDetails{})
	if err := Replay(context.Background(), commandLetter, commands, publisher); err != nil {
		t.Fatalf("replay command: %v", err)
	}
	eventLetter := book.NewEventDeadLetter(sampleBook(1), "projector", "bad", book.RejectionDetails{})
	if err := Replay(context.Background(), eventLetter, commands, publisher); err != nil {
		t.Fatalf("replay events: %v", err)
	}
	if len(commands.commands) != 1 || len(publisher.books) != 1 {
		t.Fatalf("commands %d, books %d", len(commands.commands), len(publisher.books))
	}
	if err := Replay(context.Background(), book.DeadLetter{}, commands, publisher); err == nil {
		t.Fatal("expected error for empty letter")
	}
}

func TestSubscriberValidate(t *testing.T) {
	if err := (Subscriber{Name: "x", Domains: []string{"order"}}).Validate(); err == nil {
		t.Fatal("expected missing handler error")
	}
	if err := (Subscriber{Domains: []string{"order"}, Handler: func(context.Context, book.EventBook) error { return nil }}).Validate(); err == nil {
		t.Fatal("expected missing name error")
	}
}
