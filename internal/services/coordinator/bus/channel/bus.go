// Package channel is the in-process bus backend. Delivery is ephemeral:
// messages queued for a subscriber are lost when the process exits.
package channel

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/louisbranch/evcoord/internal/services/coordinator/bus"
	"github.com/louisbranch/evcoord/internal/services/coordinator/domain/book"
)

const (
	defaultMaxAttempts = 3
	defaultRetryDelay  = 10 * time.Millisecond
	defaultQueueSize   = 256
	defaultRetention   = 1000
)

// Options tunes the in-process bus.
type Options struct {
	Logger  *zap.Logger
	Metrics bus.Metrics
	// MaxAttempts bounds redelivery of a failing handler per message.
	MaxAttempts int
	RetryDelay  time.Duration
	// QueueSize is the backlog at which a subscriber is reported as lagging.
	// Queues never block publishers.
	QueueSize int
	// DeadLetterRetention caps the letters kept per domain for inspection.
	DeadLetterRetention int
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	o.Metrics = bus.MetricsOrNop(o.Metrics)
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = defaultRetryDelay
	}
	if o.QueueSize <= 0 {
		o.QueueSize = defaultQueueSize
	}
	if o.DeadLetterRetention <= 0 {
		o.DeadLetterRetention = defaultRetention
	}
	return o
}

type job struct {
	ctx    context.Context
	domain string
	run    func(context.Context) error
	// finished is closed after the last attempt when a publisher waits.
	finished chan struct{}
}

type subscription struct {
	id      uint64
	name    string
	domains []string
	done    chan struct{}
	once    sync.Once

	mu      sync.Mutex
	pending []job
	lagging bool
	wake    chan struct{}

	onEvents bus.Handler
	onLetter bus.DeadLetterHandler
}

func (s *subscription) accepts(domain string) bool {
	return len(s.domains) == 0 || slices.Contains(s.domains, domain)
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

// enqueue appends j without waiting on the subscriber. It reports whether
// the backlog just crossed limit.
func (s *subscription) enqueue(j job, limit int) bool {
	s.mu.Lock()
	s.pending = append(s.pending, j)
	crossed := !s.lagging && len(s.pending) >= limit
	if crossed {
		s.lagging = true
	}
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return crossed
}

func (s *subscription) next() (job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		s.lagging = false
		return job{}, false
	}
	j := s.pending[0]
	s.pending[0] = job{}
	s.pending = s.pending[1:]
	return j, true
}

// Bus fans books out to in-process subscribers, one goroutine each.
type Bus struct {
	opts Options

	mu          sync.RWMutex
	nextID      uint64
	subscribers map[uint64]*subscription
	letterSubs  map[uint64]*subscription
	letters     map[string][]book.DeadLetter
	closed      bool
	wg          sync.WaitGroup
}

var _ bus.Bus = (*Bus)(nil)

// New returns an empty bus.
func New(opts Options) *Bus {
	return &Bus{
		opts:        opts.withDefaults(),
		subscribers: make(map[uint64]*subscription),
		letterSubs:  make(map[uint64]*subscription),
		letters:     make(map[string][]book.DeadLetter),
	}
}

// Subscribe registers sub and starts its delivery goroutine.
func (b *Bus) Subscribe(ctx context.Context, sub bus.Subscriber) (bus.Subscription, error) {
	if err := sub.Validate(); err != nil {
		return nil, err
	}
	return b.register(ctx, b.subscribers, sub.Name, sub.Domains, func(s *subscription) {
		s.onEvents = sub.Handler
	})
}

// SubscribeDeadLetters registers a consumer for the dead-letter sinks of
// domains. An empty domain list consumes every sink.
func (b *Bus) SubscribeDeadLetters(ctx context.Context, name string, domains []string, handler bus.DeadLetterHandler) (bus.Subscription, error) {
	if name == "" {
		return nil, fmt.Errorf("dead-letter consumer name is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("dead-letter consumer %s has no handler", name)
	}
	return b.register(ctx, b.letterSubs, name, domains, func(s *subscription) {
		s.onLetter = handler
	})
}

func (b *Bus) register(ctx context.Context, into map[uint64]*subscription, name string, domains []string, init func(*subscription)) (bus.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, bus.ErrClosed
	}
	b.nextID++
	s := &subscription{
		id:      b.nextID,
		name:    name,
		domains: slices.Clone(domains),
		done:    make(chan struct{}),
		wake:    make(chan struct{}, 1),
	}
	init(s)
	into[s.id] = s

	b.wg.Add(1)
	go b.loop(s)

	return bus.SubscriptionFunc(func() error {
		b.mu.Lock()
		delete(into, s.id)
		b.mu.Unlock()
		s.stop()
		return nil
	}), nil
}

// loop delivers s's jobs one at a time, in publish order.
func (b *Bus) loop(s *subscription) {
	defer b.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			j, ok := s.next()
			if !ok {
				break
			}
			b.attempt(s, j)
			if j.finished != nil {
				close(j.finished)
			}
			select {
			case <-s.done:
				return
			default:
			}
		}
	}
}

// attempt runs j until it succeeds or MaxAttempts is reached. The bus never
// dead-letters on its own; the last failure is logged.
func (b *Bus) attempt(s *subscription, j job) {
	var err error
	for attempt := 1; attempt <= b.opts.MaxAttempts; attempt++ {
		err = j.run(j.ctx)
		b.opts.Metrics.Delivered(s.name, j.domain, err)
		if err == nil {
			return
		}
		b.opts.Logger.Warn("subscriber failed",
			zap.String("subscriber", s.name),
			zap.String("domain", j.domain),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if attempt == b.opts.MaxAttempts {
			break
		}
		select {
		case <-s.done:
			return
		case <-j.ctx.Done():
			return
		case <-time.After(b.opts.RetryDelay):
		}
	}
	b.opts.Logger.Error("subscriber exhausted redelivery attempts",
		zap.String("subscriber", s.name),
		zap.String("domain", j.domain),
		zap.Int("attempts", b.opts.MaxAttempts),
		zap.Error(err),
	)
}

// Publish hands each subscriber of domain its own copy of events. When ctx
// carries bus.WithSyncDelivery, Publish waits for every subscriber to finish;
// handler failures are logged and never fail the publish.
func (b *Bus) Publish(ctx context.Context, domain string, events book.EventBook) (err error) {
	metrics := b.opts.Metrics
	defer func() { metrics.Published(domain, err) }()

	if err := ctx.Err(); err != nil {
		return err
	}
	if events.Cover.Domain != domain {
		return fmt.Errorf("publish to %s: book addressed to %s", domain, events.Cover.Domain)
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return bus.ErrClosed
	}
	targets := make([]*subscription, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		if s.accepts(domain) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()
	slices.SortFunc(targets, func(a, c *subscription) int { return cmp.Compare(a.id, c.id) })

	return b.dispatch(ctx, domain, targets, func(s *subscription) func(context.Context) error {
		copied := events.Clone()
		return func(ctx context.Context) error { return s.onEvents(ctx, copied) }
	})
}

// PublishDeadLetter records letter in its domain's sink and hands it to
// dead-letter consumers.
func (b *Bus) PublishDeadLetter(ctx context.Context, letter book.DeadLetter) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	domain := letter.Cover.Domain
	if domain == "" {
		return fmt.Errorf("dead letter has no domain")
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return bus.ErrClosed
	}
	kept := append(b.letters[domain], letter.Clone())
	if over := len(kept) - b.opts.DeadLetterRetention; over > 0 {
		kept = slices.Delete(kept, 0, over)
	}
	b.letters[domain] = kept
	var targets []*subscription
	for _, s := range b.letterSubs {
		if s.accepts(domain) {
			targets = append(targets, s)
		}
	}
	b.mu.Unlock()

	b.opts.Metrics.DeadLettered(domain, letter.SourceComponent)
	b.opts.Logger.Warn("dead letter published",
		zap.Stringer("cover", letter.Cover),
		zap.String("source", letter.SourceComponent),
		zap.String("kind", letter.Details.Kind.String()),
		zap.String("reason", letter.RejectionReason),
	)

	return b.dispatch(ctx, domain, targets, func(s *subscription) func(context.Context) error {
		copied := letter.Clone()
		return func(ctx context.Context) error { return s.onLetter(ctx, copied) }
	})
}

// DeadLetters returns the retained letters of domain, oldest first.
func (b *Bus) DeadLetters(domain string) []book.DeadLetter {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]book.DeadLetter, 0, len(b.letters[domain]))
	for _, letter := range b.letters[domain] {
		out = append(out, letter.Clone())
	}
	return out
}

// dispatch queues one job per target. Every subscriber has its own unbounded
// queue, so a stalled subscriber never delays the others or the publisher.
// Synchronous delivery still goes through the queues to keep per-subscriber
// order, then waits for the jobs to finish.
func (b *Bus) dispatch(ctx context.Context, domain string, targets []*subscription, build func(*subscription) func(context.Context) error) error {
	wait := bus.SyncDelivery(ctx)
	jobCtx := ctx
	if !wait {
		jobCtx = context.WithoutCancel(ctx)
	}
	waits := make([]job, 0, len(targets))
	for _, s := range targets {
		j := job{ctx: jobCtx, domain: domain, run: build(s)}
		if wait {
			j.finished = make(chan struct{})
		}
		if s.enqueue(j, b.opts.QueueSize) {
			b.opts.Logger.Warn("subscriber lagging",
				zap.String("subscriber", s.name),
				zap.String("domain", domain),
				zap.Int("backlog", b.opts.QueueSize),
			)
		}
		if wait {
			waits = append(waits, j)
		}
	}
	for i, j := range waits {
		select {
		case <-j.finished:
		case <-targets[i].done:
		case <-ctx.Done():
			b.opts.Logger.Warn("synchronous delivery still pending at deadline",
				zap.String("subscriber", targets[i].name),
				zap.String("domain", domain),
				zap.Error(ctx.Err()),
			)
		}
	}
	return nil
}

// Close stops every subscription and waits for in-flight deliveries.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, s := range b.subscribers {
		s.stop()
	}
	for _, s := range b.letterSubs {
		s.stop()
	}
	b.mu.Unlock()
	b.wg.Wait()
	return nil
}
