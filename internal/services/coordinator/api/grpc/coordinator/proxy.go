package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/louisbranch/evcoord/internal/services/coordinator/domain/book"
	"github.com/louisbranch/evcoord/internal/services/coordinator/domain/engine"
	"github.com/louisbranch/evcoord/internal/services/coordinator/domain/reactor"
)

// DefaultIdleTimeout ends an Execute stream when no correlated book arrives
// for this long.
const DefaultIdleTimeout = 2 * time.Second

// Proxy implements CommandProxyServer.
type Proxy struct {
	commands reactor.CommandSink
	watcher  *Watcher
	idle     time.Duration
	logger   *zap.Logger
}

// NewProxy creates the CommandProxy service. idle <= 0 selects
// DefaultIdleTimeout.
func NewProxy(commands reactor.CommandSink, watcher *Watcher, idle time.Duration, logger *zap.Logger) *Proxy {
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Proxy{commands: commands, watcher: watcher, idle: idle, logger: logger}
}

// Execute handles the command, streams its result, then streams every book
// observed on the bus with the same correlation ID until the stream has been
// idle for the configured timeout. Commands without a correlation ID are
// assigned one.
func (p *Proxy) Execute(command *book.CommandBook, stream ExecuteStream) error {
	if command == nil {
		command = &book.CommandBook{}
	}
	ctx := stream.Context()
	if command.Cover.CorrelationID == "" {
		command.Cover.CorrelationID = uuid.NewString()
	}
	correlationID := command.Cover.CorrelationID

	// Watch before handling so synchronous deliveries are not missed.
	observed, stop := p.watcher.Watch(correlationID)
	defer stop()

	result, err := p.commands.Handle(ctx, *command)
	if err != nil {
		var publishErr *engine.PublishError
		if errors.As(err, &publishErr) {
			// The events are durable even though the bus never saw them.
			if sendErr := stream.Send(&publishErr.Events); sendErr != nil {
				return sendErr
			}
		}
		return err
	}
	if err := stream.Send(&result); err != nil {
		return err
	}
	seen := map[bookKey]struct{}{keyOf(result): {}}

	return p.follow(ctx, correlationID, observed, seen, stream)
}

func (p *Proxy) follow(ctx context.Context, correlationID string, observed <-chan book.EventBook, seen map[bookKey]struct{}, stream ExecuteStream) error {
	timer := time.NewTimer(p.idle)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			p.logger.Debug("correlation stream idle",
				zap.String("correlation_id", correlationID),
				zap.Int("books", len(seen)),
			)
			return nil
		case events := <-observed:
			key := keyOf(events)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			if err := stream.Send(&events); err != nil {
				return err
			}
			timer.Reset(p.idle)
		}
	}
}

type bookKey struct {
	aggregate book.AggregateKey
	first     uint64
	pages     int
}

func keyOf(events book.EventBook) bookKey {
	key := bookKey{aggregate: events.Cover.Key(), pages: len(events.Pages)}
	if len(events.Pages) > 0 {
		key.first = events.Pages[0].Sequence
	}
	return key
}
