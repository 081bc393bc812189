package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	apperrors "github.com/louisbranch/evcoord/internal/platform/errors"
	"github.com/louisbranch/evcoord/internal/services/coordinator/bus"
	"github.com/louisbranch/evcoord/internal/services/coordinator/domain/book"
	"github.com/louisbranch/evcoord/internal/services/coordinator/wire"
)

type fakeProducer struct {
	mu      sync.Mutex
	records []*kgo.Record
	err     error
}

func (p *fakeProducer) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	p.mu.Lock()
	defer p.mu.Unlock()
	results := make(kgo.ProduceResults, 0, len(rs))
	for _, r := range rs {
		if p.err == nil {
			p.records = append(p.records, r)
		}
		results = append(results, kgo.ProduceResult{Record: r, Err: p.err})
	}
	return results
}

func (p *fakeProducer) Close() {}

type fakeConsumer struct {
	mu        sync.Mutex
	batches   []kgo.Fetches
	marked    []int64
	commits   int
	committed chan struct{}
}

func (c *fakeConsumer) PollFetches(ctx context.Context) kgo.Fetches {
	c.mu.Lock()
	if len(c.batches) > 0 {
		next := c.batches[0]
		c.batches = c.batches[1:]
		c.mu.Unlock()
		return next
	}
	c.mu.Unlock()
	<-ctx.Done()
	return kgo.Fetches{}
}

func (c *fakeConsumer) MarkCommitRecords(rs ...*kgo.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range rs {
		c.marked = append(c.marked, r.Offset)
	}
}

func (c *fakeConsumer) CommitMarkedOffsets(context.Context) error {
	c.mu.Lock()
	c.commits++
	c.mu.Unlock()
	select {
	case c.committed <- struct{}{}:
	default:
	}
	return nil
}

func (c *fakeConsumer) AllowRebalance() {}
func (c *fakeConsumer) Close()          {}

func fetchesOf(topic string, values ...[]byte) kgo.Fetches {
	records := make([]*kgo.Record, 0, len(values))
	for i, v := range values {
		records = append(records, &kgo.Record{Topic: topic, Offset: int64(i), Value: v})
	}
	return kgo.Fetches{{Topics: []kgo.FetchTopic{{Topic: topic, Partitions: []kgo.FetchPartition{{Partition: 0, Records: records}}}}}}
}

func orderBook() book.EventBook {
	cover := book.Cover{Domain: "order", Root: book.NewRoot(), CorrelationID: "corr-9"}
	return book.EventBook{
		Cover:         cover,
		Pages:         []book.EventPage{{Sequence: 0, Event: book.Payload{Type: "order.Created", Value: []byte("v")}}},
		CorrelationID: cover.CorrelationID,
	}
}

func TestPublishKeysByRoot(t *testing.T) {
	producer := &fakeProducer{}
	b := New(producer, Config{Brokers: []string{"localhost:9092"}, Prefix: "shop"}, Options{})
	defer b.Close()
	events := orderBook()

	if err := b.Publish(context.Background(), "order", events); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(producer.records) != 1 {
		t.Fatalf("records = %d", len(producer.records))
	}
	rec := producer.records[0]
	if rec.Topic != "shop.events.order" || string(rec.Key) != bus.MessageKey(events.Cover.Root) {
		t.Fatalf("record topic=%q key=%q", rec.Topic, rec.Key)
	}
	if len(rec.Headers) != 1 || string(rec.Headers[0].Value) != "corr-9" {
		t.Fatalf("headers = %+v", rec.Headers)
	}
}

func TestPublishFailureIsBusUnavailable(t *testing.T) {
	b := New(&fakeProducer{err: errors.New("broker down")}, Config{Brokers: []string{"x:1"}}, Options{})
	defer b.Close()
	err := b.Publish(context.Background(), "order", orderBook())
	if apperrors.CodeOf(err) != apperrors.CodeBusUnavailable {
		t.Fatalf("code = %s, err = %v", apperrors.CodeOf(err), err)
	}
}

func TestPublishDeadLetterTopic(t *testing.T) {
	producer := &fakeProducer{}
	b := New(producer, Config{Brokers: []string{"x:1"}}, Options{})
	defer b.Close()
	letter := book.NewEventDeadLetter(orderBook(), "saga", "rejected", book.RejectionDetails{Kind: book.RejectionBusiness})
	if err := b.PublishDeadLetter(context.Background(), letter); err != nil {
		t.Fatalf("publish dead letter: %v", err)
	}
	rec := producer.records[0]
	if rec.Topic != "evcoord.dlq.order" {
		t.Fatalf("topic = %q", rec.Topic)
	}
	if string(rec.Headers[1].Value) != "business_rejection" {
		t.Fatalf("headers = %+v", rec.Headers)
	}
}

func TestConsumerCommitsAfterHandlerSucceeds(t *testing.T) {
	body := wire.EncodeEnvelope(wire.Envelope{Events: ptr(orderBook())})
	consumer := &fakeConsumer{
		batches:   []kgo.Fetches{fetchesOf("evcoord.events.order", body, body)},
		committed: make(chan struct{}, 1),
	}
	var groups []string
	b := New(&fakeProducer{}, Config{Brokers: []string{"x:1"}, RetryBackoff: time.Millisecond}, Options{
		Consumers: func(group string, topics []string) (Consumer, error) {
			groups = append(groups, group)
			return consumer, nil
		},
	})
	defer b.Close()

	var mu sync.Mutex
	calls := 0
	_, err := b.Subscribe(context.Background(), bus.Subscriber{
		Name:    "projector",
		Domains: []string{"order"},
		Handler: func(context.Context, book.EventBook) error {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls == 1 {
				return errors.New("transient")
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if len(groups) != 1 || groups[0] != "evcoord.projector" {
		t.Fatalf("groups = %v", groups)
	}

	select {
	case <-consumer.committed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for commit")
	}
	consumer.mu.Lock()
	defer consumer.mu.Unlock()
	if len(consumer.marked) != 2 || consumer.marked[0] != 0 || consumer.marked[1] != 1 {
		t.Fatalf("marked = %v", consumer.marked)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 3 {
		t.Fatalf("handler calls = %d, want 3", calls)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := (Config{}).Validate(); err == nil {
		t.Fatal("expected brokers error")
	}
	if err := (Config{Brokers: []string{" "}}).Validate(); err == nil {
		t.Fatal("expected empty broker error")
	}
}

func ptr[T any](v T) *T { return &v }
