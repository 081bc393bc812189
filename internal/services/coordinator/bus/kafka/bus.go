// Package kafka is the Kafka bus backend. Records are keyed by the hex root
// so each aggregate's books stay ordered within a partition. Every
// subscriber is its own consumer group and commits only after its handler
// succeeds.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	apperrors "github.com/louisbranch/evcoord/internal/platform/errors"
	"github.com/louisbranch/evcoord/internal/platform/timeouts"
	"github.com/louisbranch/evcoord/internal/services/coordinator/bus"
	"github.com/louisbranch/evcoord/internal/services/coordinator/domain/book"
)

const (
	headerCorrelation   = "correlation_id"
	headerRejectionKind = "rejection_kind"
)

// Producer is the subset of *kgo.Client used to publish.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// Consumer is the subset of *kgo.Client used by a consumer group member.
type Consumer interface {
	PollFetches(ctx context.Context) kgo.Fetches
	MarkCommitRecords(rs ...*kgo.Record)
	CommitMarkedOffsets(ctx context.Context) error
	AllowRebalance()
	Close()
}

// ConsumerFactory builds a consumer for group reading topics.
type ConsumerFactory func(group string, topics []string) (Consumer, error)

// Config holds broker settings.
type Config struct {
	Brokers  []string
	Prefix   string
	ClientID string
	// RetryBackoff is the initial wait before a failed record is handed to
	// the handler again; it doubles up to MaxBackoff.
	RetryBackoff time.Duration
	MaxBackoff   time.Duration
}

func (c *Config) withDefaults() {
	if c.ClientID == "" {
		c.ClientID = "evcoord"
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Second
	}
}

// Validate checks required fields.
func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka brokers are required")
	}
	for _, broker := range c.Brokers {
		if strings.TrimSpace(broker) == "" {
			return errors.New("kafka broker address is empty")
		}
	}
	return nil
}

// Options wires the bus to its collaborators.
type Options struct {
	Claims  *bus.ClaimCheck
	Logger  *zap.Logger
	Metrics bus.Metrics
	// Consumers overrides consumer construction; tests use it.
	Consumers ConsumerFactory
}

// Bus publishes and consumes envelopes through Kafka.
type Bus struct {
	cfg       Config
	producer  Producer
	consumers ConsumerFactory
	claims    *bus.ClaimCheck
	logger    *zap.Logger
	metrics   bus.Metrics

	mu     sync.Mutex
	closed bool
	next   int
	subs   map[int]*member
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ bus.Bus = (*Bus)(nil)

// Open connects a producer to the brokers.
func Open(cfg Config, opts Options) (*Bus, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	producer, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.AllowAutoTopicCreation(),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeBusUnavailable, "new kafka producer", err)
	}
	if opts.Consumers == nil {
		opts.Consumers = func(group string, topics []string) (Consumer, error) {
			client, err := kgo.NewClient(
				kgo.SeedBrokers(cfg.Brokers...),
				kgo.ClientID(cfg.ClientID),
				kgo.ConsumerGroup(group),
				kgo.ConsumeTopics(topics...),
				kgo.DisableAutoCommit(),
				kgo.BlockRebalanceOnPoll(),
				kgo.AllowAutoTopicCreation(),
			)
			if err != nil {
				return nil, err
			}
			return client, nil
		}
	}
	return New(producer, cfg, opts), nil
}

// New builds a bus over an existing producer.
func New(producer Producer, cfg Config, opts Options) *Bus {
	cfg.withDefaults()
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	claims := opts.Claims
	if claims == nil {
		claims = &bus.ClaimCheck{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		cfg:       cfg,
		producer:  producer,
		consumers: opts.Consumers,
		claims:    claims,
		logger:    logger,
		metrics:   bus.MetricsOrNop(opts.Metrics),
		subs:      make(map[int]*member),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Publish produces events to the topic of domain and waits for the ack.
func (b *Bus) Publish(ctx context.Context, domain string, events book.EventBook) (err error) {
	defer func() { b.metrics.Published(domain, err) }()
	if events.Cover.Domain != domain {
		return fmt.Errorf("publish to %s: book addressed to %s", domain, events.Cover.Domain)
	}
	body, err := b.claims.EncodeEvents(ctx, events)
	if err != nil {
		return err
	}
	return b.produce(ctx, record(bus.TopicName(b.cfg.Prefix, domain), events.Cover, events.CorrelationID, body))
}

// PublishDeadLetter produces letter to the dead-letter topic of its domain.
func (b *Bus) PublishDeadLetter(ctx context.Context, letter book.DeadLetter) error {
	domain := letter.Cover.Domain
	if domain == "" {
		return errors.New("dead letter has no domain")
	}
	rec := record(bus.DeadLetterTopic(b.cfg.Prefix, domain), letter.Cover, letter.Cover.CorrelationID, b.claims.EncodeDeadLetter(letter))
	rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: headerRejectionKind, Value: []byte(letter.Details.Kind.String())})
	if err := b.produce(ctx, rec); err != nil {
		return err
	}
	b.metrics.DeadLettered(domain, letter.SourceComponent)
	return nil
}

func record(topic string, cover book.Cover, correlationID string, body []byte) *kgo.Record {
	return &kgo.Record{
		Topic:   topic,
		Key:     []byte(bus.MessageKey(cover.Root)),
		Value:   body,
		Headers: []kgo.RecordHeader{{Key: headerCorrelation, Value: []byte(correlationID)}},
	}
}

func (b *Bus) produce(ctx context.Context, rec *kgo.Record) error {
	if b.isClosed() {
		return bus.ErrClosed
	}
	if err := b.producer.ProduceSync(ctx, rec).FirstErr(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return apperrors.FromContext(ctxErr)
		}
		return apperrors.Wrap(apperrors.CodeBusUnavailable, "produce "+rec.Topic, err)
	}
	return nil
}

// Subscribe joins the consumer group of sub and starts polling.
func (b *Bus) Subscribe(ctx context.Context, sub bus.Subscriber) (bus.Subscription, error) {
	if err := sub.Validate(); err != nil {
		return nil, err
	}
	topics := make([]string, 0, len(sub.Domains))
	for _, domain := range sub.Domains {
		topics = append(topics, bus.TopicName(b.cfg.Prefix, domain))
	}
	delivery := bus.Delivery{
		Subscriber:  sub,
		Claims:      b.claims,
		DeadLetters: b,
		Logger:      b.logger,
		Metrics:     b.metrics,
	}
	return b.join(ctx, groupName(b.cfg.Prefix, sub.Name), topics, delivery.Deliver)
}

// SubscribeDeadLetters consumes the dead-letter topics of domains.
func (b *Bus) SubscribeDeadLetters(ctx context.Context, name string, domains []string, handler bus.DeadLetterHandler) (bus.Subscription, error) {
	if name == "" || handler == nil {
		return nil, errors.New("dead-letter consumer requires a name and handler")
	}
	if len(domains) == 0 {
		return nil, fmt.Errorf("dead-letter consumer %s declares no domains", name)
	}
	topics := make([]string, 0, len(domains))
	for _, domain := range domains {
		topics = append(topics, bus.DeadLetterTopic(b.cfg.Prefix, domain))
	}
	delivery := bus.DeadLetterDelivery{Name: name, Domains: domains, Handler: handler, Claims: b.claims, Logger: b.logger}
	return b.join(ctx, groupName(b.cfg.Prefix, name)+".dlq", topics, delivery.Deliver)
}

type member struct {
	group   string
	client  Consumer
	deliver func(context.Context, []byte) error
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
}

func (b *Bus) join(ctx context.Context, group string, topics []string, deliver func(context.Context, []byte) error) (bus.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.consumers == nil {
		return nil, errors.New("kafka consumer factory is not configured")
	}
	client, err := b.consumers(group, topics)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeBusUnavailable, "join consumer group "+group, err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		client.Close()
		return nil, bus.ErrClosed
	}
	memberCtx, cancel := context.WithCancel(b.ctx)
	m := &member{group: group, client: client, deliver: deliver, cancel: cancel, done: make(chan struct{})}
	b.next++
	id := b.next
	b.subs[id] = m
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(m.done)
		b.poll(memberCtx, m)
	}()

	return bus.SubscriptionFunc(func() error {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		m.stop()
		return nil
	}), nil
}

func (m *member) stop() {
	m.once.Do(func() {
		m.cancel()
		<-m.done
		m.client.Close()
	})
}

func (b *Bus) poll(ctx context.Context, m *member) {
	for {
		fetches := m.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			b.logger.Warn("kafka fetch error",
				zap.String("group", m.group),
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err),
			)
		})
		var records []*kgo.Record
		fetches.EachRecord(func(rec *kgo.Record) { records = append(records, rec) })
		if !b.handle(ctx, m, records) {
			return
		}
		m.client.AllowRebalance()
	}
}

// handle delivers records in order, marking each for commit after its
// handler succeeds. A failing record is retried in place with backoff so
// later offsets are never committed past it. It reports false when ctx ended
// first; uncommitted records are then fetched again by the next member.
func (b *Bus) handle(ctx context.Context, m *member, records []*kgo.Record) bool {
	for _, rec := range records {
		if !b.deliverWithRetry(ctx, m, rec) {
			b.commit(m)
			return false
		}
		m.client.MarkCommitRecords(rec)
	}
	b.commit(m)
	return true
}

func (b *Bus) deliverWithRetry(ctx context.Context, m *member, rec *kgo.Record) bool {
	backoff := b.cfg.RetryBackoff
	for attempt := 1; ; attempt++ {
		err := m.deliver(ctx, rec.Value)
		if err == nil {
			return true
		}
		b.logger.Warn("redelivering kafka record",
			zap.String("group", m.group),
			zap.String("topic", rec.Topic),
			zap.Int32("partition", rec.Partition),
			zap.Int64("offset", rec.Offset),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, b.cfg.MaxBackoff)
	}
}

func (b *Bus) commit(m *member) {
	ctx, cancel := context.WithTimeout(context.Background(), timeouts.Commit)
	defer cancel()
	if err := m.client.CommitMarkedOffsets(ctx); err != nil {
		b.logger.Warn("kafka commit failed", zap.String("group", m.group), zap.Error(err))
	}
}

func (b *Bus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Close leaves every consumer group and closes the producer.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	members := make([]*member, 0, len(b.subs))
	for _, m := range b.subs {
		members = append(members, m)
	}
	b.subs = map[int]*member{}
	b.mu.Unlock()

	b.cancel()
	for _, m := range members {
		m.stop()
	}
	b.wg.Wait()
	b.producer.Close()
	return nil
}

func groupName(prefix, subscriber string) string {
	if prefix == "" {
		prefix = bus.DefaultPrefix
	}
	return prefix + "." + subscriber
}
