// Package amqp is the RabbitMQ bus backend. Each domain gets a durable topic
// exchange named after its event topic; each subscriber owns a durable queue
// bound to the exchanges of its domains. Dead letters go to a per-domain
// exchange with a retained queue of the same name.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	apperrors "github.com/louisbranch/evcoord/internal/platform/errors"
	"github.com/louisbranch/evcoord/internal/services/coordinator/bus"
	"github.com/louisbranch/evcoord/internal/services/coordinator/domain/book"
)

const (
	contentType          = "application/x-protobuf"
	envelopeType         = "evcoord.v1.Envelope"
	defaultPrefetchCount = 16
)

// Channel is the subset of *amqp091.Channel the bus uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp091.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp091.Table) (<-chan amqp091.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Cancel(consumer string, noWait bool) error
	Close() error
}

// Connection opens channels.
type Connection interface {
	Channel() (Channel, error)
	Close() error
}

type connection struct {
	conn *amqp091.Connection
}

func (c connection) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (c connection) Close() error { return c.conn.Close() }

// Config holds broker settings.
type Config struct {
	URL           string
	Prefix        string
	PrefetchCount int
	Username      string
	Password      string
}

// Validate checks required fields.
func (c Config) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return fmt.Errorf("amqp url is required")
	}
	if c.PrefetchCount < 0 {
		return fmt.Errorf("amqp prefetch count must be >= 0")
	}
	return nil
}

// Options wires the bus to its collaborators.
type Options struct {
	Claims  *bus.ClaimCheck
	Logger  *zap.Logger
	Metrics bus.Metrics
}

// Bus publishes and consumes envelopes through RabbitMQ.
type Bus struct {
	cfg     Config
	conn    Connection
	claims  *bus.ClaimCheck
	logger  *zap.Logger
	metrics bus.Metrics

	pubMu    sync.Mutex
	pub      Channel
	declared map[string]bool

	mu       sync.Mutex
	closed   bool
	consumer int
	subs     map[string]*consumer
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

var _ bus.Bus = (*Bus)(nil)

// Open dials the broker and returns a ready bus.
func Open(cfg Config, opts Options) (*Bus, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dialCfg := amqp091.Config{Properties: amqp091.NewConnectionProperties()}
	dialCfg.Properties.SetClientConnectionName("evcoord")
	if cfg.Username != "" {
		dialCfg.SASL = []amqp091.Authentication{&amqp091.PlainAuth{Username: cfg.Username, Password: cfg.Password}}
	}
	conn, err := amqp091.DialConfig(cfg.URL, dialCfg)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeBusUnavailable, "dial rabbitmq", err)
	}
	b, err := New(connection{conn: conn}, cfg, opts)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return b, nil
}

// New builds a bus over an existing connection.
func New(conn Connection, cfg Config, opts Options) (*Bus, error) {
	if conn == nil {
		return nil, fmt.Errorf("amqp connection is required")
	}
	if cfg.PrefetchCount == 0 {
		cfg.PrefetchCount = defaultPrefetchCount
	}
	pub, err := conn.Channel()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeBusUnavailable, "open publish channel", err)
	}
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
		cfg:      cfg,
		conn:     conn,
		claims:   claims,
		logger:   logger,
		metrics:  bus.MetricsOrNop(opts.Metrics),
		pub:      pub,
		declared: make(map[string]bool),
		subs:     make(map[string]*consumer),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

func (b *Bus) declareExchange(ch Channel, name string) error {
	if b.declared[name] {
		return nil
	}
	if err := ch.ExchangeDeclare(name, amqp091.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", name, err)
	}
	b.declared[name] = true
	return nil
}

// Publish sends events to the exchange of domain, keyed by root.
func (b *Bus) Publish(ctx context.Context, domain string, events book.EventBook) (err error) {
	defer func() { b.metrics.Published(domain, err) }()
	if events.Cover.Domain != domain {
		return fmt.Errorf("publish to %s: book addressed to %s", domain, events.Cover.Domain)
	}
	body, err := b.claims.EncodeEvents(ctx, events)
	if err != nil {
		return err
	}
	return b.publish(ctx, bus.TopicName(b.cfg.Prefix, domain), events.Cover, events.CorrelationID, body, "")
}

// PublishDeadLetter sends letter to the dead-letter exchange of its domain.
func (b *Bus) PublishDeadLetter(ctx context.Context, letter book.DeadLetter) error {
	domain := letter.Cover.Domain
	if domain == "" {
		return fmt.Errorf("dead letter has no domain")
	}
	topic := bus.DeadLetterTopic(b.cfg.Prefix, domain)
	if err := b.ensureDeadLetterQueue(topic); err != nil {
		return err
	}
	body := b.claims.EncodeDeadLetter(letter)
	if err := b.publish(ctx, topic, letter.Cover, letter.Cover.CorrelationID, body, letter.Details.Kind.String()); err != nil {
		return err
	}
	b.metrics.DeadLettered(domain, letter.SourceComponent)
	return nil
}

// ensureDeadLetterQueue keeps letters even when no consumer is attached.
func (b *Bus) ensureDeadLetterQueue(topic string) error {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	queueKey := "queue:" + topic
	if b.declared[queueKey] {
		return nil
	}
	if err := b.declareExchange(b.pub, topic); err != nil {
		return err
	}
	if _, err := b.pub.QueueDeclare(topic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", topic, err)
	}
	if err := b.pub.QueueBind(topic, "#", topic, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", topic, err)
	}
	b.declared[queueKey] = true
	return nil
}

func (b *Bus) publish(ctx context.Context, exchange string, cover book.Cover, correlationID string, body []byte, kind string) error {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	if b.isClosed() {
		return bus.ErrClosed
	}
	if err := b.declareExchange(b.pub, exchange); err != nil {
		return apperrors.Wrap(apperrors.CodeBusUnavailable, "declare exchange", err)
	}
	msg := amqp091.Publishing{
		ContentType:   contentType,
		Type:          envelopeType,
		DeliveryMode:  amqp091.Persistent,
		CorrelationId: correlationID,
		Timestamp:     time.Now().UTC(),
		Headers:       amqp091.Table{"domain": cover.Domain, "root": cover.Root.String()},
		Body:          body,
	}
	if kind != "" {
		msg.Headers["rejection_kind"] = kind
	}
	if err := b.pub.PublishWithContext(ctx, exchange, bus.MessageKey(cover.Root), false, false, msg); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return apperrors.FromContext(ctxErr)
		}
		return apperrors.Wrap(apperrors.CodeBusUnavailable, "publish "+exchange, err)
	}
	return nil
}

// Subscribe declares the subscriber's queue, binds it to every domain
// exchange and starts consuming with manual acknowledgement.
func (b *Bus) Subscribe(ctx context.Context, sub bus.Subscriber) (bus.Subscription, error) {
	if err := sub.Validate(); err != nil {
		return nil, err
	}
	exchanges := make([]string, 0, len(sub.Domains))
	for _, domain := range sub.Domains {
		exchanges = append(exchanges, bus.TopicName(b.cfg.Prefix, domain))
	}
	queue := queueName(b.cfg.Prefix, sub.Name)
	delivery := bus.Delivery{
		Subscriber:  sub,
		Claims:      b.claims,
		DeadLetters: b,
		Logger:      b.logger,
		Metrics:     b.metrics,
	}
	return b.consume(ctx, queue, exchanges, delivery.Deliver)
}

// SubscribeDeadLetters drains the retained dead-letter queues of domains.
func (b *Bus) SubscribeDeadLetters(ctx context.Context, name string, domains []string, handler bus.DeadLetterHandler) (bus.Subscription, error) {
	if name == "" || handler == nil {
		return nil, fmt.Errorf("dead-letter consumer requires a name and handler")
	}
	if len(domains) == 0 {
		return nil, fmt.Errorf("dead-letter consumer %s declares no domains", name)
	}
	delivery := bus.DeadLetterDelivery{Name: name, Domains: domains, Handler: handler, Claims: b.claims, Logger: b.logger}
	var subs []bus.Subscription
	for _, domain := range domains {
		topic := bus.DeadLetterTopic(b.cfg.Prefix, domain)
		if err := b.ensureDeadLetterQueue(topic); err != nil {
			closeAll(subs)
			return nil, err
		}
		sub, err := b.consume(ctx, topic, nil, delivery.Deliver)
		if err != nil {
			closeAll(subs)
			return nil, err
		}
		subs = append(subs, sub)
	}
	return bus.SubscriptionFunc(func() error { return closeAll(subs) }), nil
}

func closeAll(subs []bus.Subscription) error {
	var errs []error
	for _, sub := range subs {
		errs = append(errs, sub.Close())
	}
	return errors.Join(errs...)
}

type consumer struct {
	tag      string
	ch       Channel
	deliver  func(context.Context, []byte) error
	done     chan struct{}
	once     sync.Once
	finished chan struct{}
}

func (b *Bus) consume(ctx context.Context, queue string, exchanges []string, deliver func(context.Context, []byte) error) (bus.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, bus.ErrClosed
	}
	b.consumer++
	tag := fmt.Sprintf("evcoord-%s-%d", queue, b.consumer)
	b.mu.Unlock()

	ch, err := b.conn.Channel()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeBusUnavailable, "open consume channel", err)
	}
	deliveries, err := b.setup(ch, queue, exchanges, tag)
	if err != nil {
		_ = ch.Close()
		return nil, apperrors.Wrap(apperrors.CodeBusUnavailable, "subscribe "+queue, err)
	}

	c := &consumer{tag: tag, ch: ch, deliver: deliver, done: make(chan struct{}), finished: make(chan struct{})}
	b.mu.Lock()
	b.subs[tag] = c
	b.mu.Unlock()

	b.wg.Add(1)
	go b.readLoop(c, deliveries)

	return bus.SubscriptionFunc(func() error {
		b.mu.Lock()
		delete(b.subs, tag)
		b.mu.Unlock()
		return c.stop()
	}), nil
}

func (b *Bus) setup(ch Channel, queue string, exchanges []string, tag string) (<-chan amqp091.Delivery, error) {
	if err := ch.Qos(b.cfg.PrefetchCount, 0, false); err != nil {
		return nil, fmt.Errorf("set prefetch: %w", err)
	}
	for _, exchange := range exchanges {
		if err := ch.ExchangeDeclare(exchange, amqp091.ExchangeTopic, true, false, false, false, nil); err != nil {
			return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
		}
	}
	if len(exchanges) > 0 {
		if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			return nil, fmt.Errorf("declare queue %s: %w", queue, err)
		}
		for _, exchange := range exchanges {
			if err := ch.QueueBind(queue, "#", exchange, false, nil); err != nil {
				return nil, fmt.Errorf("bind queue %s to %s: %w", queue, exchange, err)
			}
		}
	}
	deliveries, err := ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume queue: %w", err)
	}
	return deliveries, nil
}

func (c *consumer) stop() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		_ = c.ch.Cancel(c.tag, false)
		<-c.finished
		err = c.ch.Close()
	})
	return err
}

func (b *Bus) readLoop(c *consumer, deliveries <-chan amqp091.Delivery) {
	defer b.wg.Done()
	defer close(c.finished)
	for {
		select {
		case <-c.done:
			return
		case <-b.ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			b.process(b.ctx, c.deliver, d)
		}
	}
}

// process acks on success and requeues on failure. Bodies the claim check
// cannot decode are acknowledged by Delivery itself.
func (b *Bus) process(ctx context.Context, deliver func(context.Context, []byte) error, d amqp091.Delivery) {
	if err := deliver(ctx, d.Body); err != nil {
		if nackErr := d.Nack(false, true); nackErr != nil {
			b.logger.Warn("nack failed", zap.Uint64("delivery_tag", d.DeliveryTag), zap.Error(nackErr))
		}
		return
	}
	if err := d.Ack(false); err != nil {
		b.logger.Warn("ack failed", zap.Uint64("delivery_tag", d.DeliveryTag), zap.Error(err))
	}
}

func (b *Bus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Close cancels every consumer and closes the connection.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	consumers := make([]*consumer, 0, len(b.subs))
	for _, c := range b.subs {
		consumers = append(consumers, c)
	}
	b.subs = map[string]*consumer{}
	b.mu.Unlock()

	b.cancel()
	var errs []error
	for _, c := range consumers {
		errs = append(errs, c.stop())
	}
	b.wg.Wait()
	b.pubMu.Lock()
	errs = append(errs, b.pub.Close())
	b.pubMu.Unlock()
	errs = append(errs, b.conn.Close())
	return errors.Join(errs...)
}

func queueName(prefix, subscriber string) string {
	if prefix == "" {
		prefix = bus.DefaultPrefix
	}
	return prefix + ".subscriber." + subscriber
}
