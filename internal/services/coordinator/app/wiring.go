package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	gogrpc "google.golang.org/grpc"

	platformgrpc "github.com/louisbranch/evcoord/internal/platform/grpc"
	"github.com/louisbranch/evcoord/internal/platform/timeouts"
	"github.com/louisbranch/evcoord/internal/services/coordinator/api/grpc/handlers"
	"github.com/louisbranch/evcoord/internal/services/coordinator/blob"
	"github.com/louisbranch/evcoord/internal/services/coordinator/bus"
	"github.com/louisbranch/evcoord/internal/services/coordinator/bus/amqp"
	"github.com/louisbranch/evcoord/internal/services/coordinator/bus/channel"
	"github.com/louisbranch/evcoord/internal/services/coordinator/bus/kafka"
	"github.com/louisbranch/evcoord/internal/services/coordinator/domain/book"
	"github.com/louisbranch/evcoord/internal/services/coordinator/domain/engine"
	"github.com/louisbranch/evcoord/internal/services/coordinator/domain/reactor"
	"github.com/louisbranch/evcoord/internal/services/coordinator/observability/metrics"
	"github.com/louisbranch/evcoord/internal/services/coordinator/storage"
	"github.com/louisbranch/evcoord/internal/services/coordinator/storage/memory"
	"github.com/louisbranch/evcoord/internal/services/coordinator/storage/postgres"
	"github.com/louisbranch/evcoord/internal/services/coordinator/storage/redis"
	"github.com/louisbranch/evcoord/internal/services/coordinator/storage/sqlite"
)

func openStore(ctx context.Context, cfg Config) (storage.Store, error) {
	switch cfg.StoreBackend {
	case StoreMemory:
		return memory.New(), nil
	case StoreSQLite:
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create storage dir: %w", err)
			}
		}
		return nonNil(sqlite.Open(ctx, cfg.SQLitePath))
	case StorePostgres:
		return nonNil(postgres.Open(ctx, cfg.PostgresDSN))
	case StoreRedis:
		return nonNil(redis.Open(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, redis.Options{Prefix: cfg.TopicPrefix}))
	default:
		return nil, fmt.Errorf("unsupported store backend %q", cfg.StoreBackend)
	}
}

// nonNil keeps a failed constructor from leaking a typed nil into an
// interface value.
func nonNil[T storage.Store](store T, err error) (storage.Store, error) {
	if err != nil {
		return nil, err
	}
	return store, nil
}

func openBus(ctx context.Context, cfg Config, collector *metrics.Collector, logger *zap.Logger) (bus.Bus, error) {
	if cfg.BusBackend == BusChannel {
		return channel.New(channel.Options{Logger: logger, Metrics: collector}), nil
	}

	blobs, err := blob.Open(ctx, cfg.Blob)
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	claims := &bus.ClaimCheck{Blobs: blobs, Threshold: cfg.ClaimThreshold, Metrics: collector}

	switch cfg.BusBackend {
	case BusAMQP:
		b, err := amqp.Open(amqp.Config{
			URL:           cfg.AMQPURL,
			Prefix:        cfg.TopicPrefix,
			PrefetchCount: cfg.AMQPPrefetch,
			Username:      cfg.AMQPUsername,
			Password:      cfg.AMQPPassword,
		}, amqp.Options{Claims: claims, Logger: logger, Metrics: collector})
		if err != nil {
			return nil, err
		}
		return b, nil
	case BusKafka:
		b, err := kafka.Open(kafka.Config{
			Brokers:  cfg.KafkaBrokers,
			Prefix:   cfg.TopicPrefix,
			ClientID: cfg.TopicPrefix + "-coordinator",
		}, kafka.Options{Claims: claims, Logger: logger, Metrics: collector})
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unsupported bus backend %q", cfg.BusBackend)
	}
}

// dialer opens and tracks outbound handler connections.
type dialer struct {
	cfg       Config
	connector platformgrpc.Connector
	logger    *zap.Logger
	conns     []*gogrpc.ClientConn
}

func (d *dialer) dial(ctx context.Context, addr string) (*gogrpc.ClientConn, error) {
	conn, err := platformgrpc.Dial(ctx, addr, platformgrpc.DialConfig{
		Timeout:       timeouts.GRPCDial,
		WaitForHealth: d.cfg.WaitForHealth,
		Connector:     d.connector,
		Logger:        d.logger,
	}, platformgrpc.DefaultClientDialOptions()...)
	if err != nil {
		return nil, err
	}
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *dialer) close() {
	for _, conn := range d.conns {
		if err := conn.Close(); err != nil {
			d.logger.Warn("close handler connection", zap.String("target", conn.Target()), zap.Error(err))
		}
	}
	d.conns = nil
}

func (d *dialer) router(ctx context.Context) (engine.Router, error) {
	router := engine.Router{}
	for domain, addr := range d.cfg.BusinessLogic {
		conn, err := d.dial(ctx, addr)
		if err != nil {
			return nil, fmt.Errorf("business logic %s: %w", domain, err)
		}
		router[domain] = handlers.NewBusinessLogicClient(conn)
	}
	return router, nil
}

// subscribers builds the bus subscribers for every configured reactor and
// projector. Each is guarded by a position checkpoint so redelivered books
// are not processed twice.
func (d *dialer) subscribers(ctx context.Context, store storage.Store, commands reactor.CommandSink, letters bus.DeadLetterSink) ([]bus.Subscriber, error) {
	var subs []bus.Subscriber
	add := func(name string, sub bus.Subscriber) {
		guarded := reactor.NewIdempotent(name, store, sub.Handler, d.logger)
		sub.Handler = withTimeout(d.cfg.HandlerTimeout, guarded.Handle)
		subs = append(subs, sub)
	}

	reactors := []struct {
		endpoints []Endpoint
		client    func(gogrpc.ClientConnInterface) *handlers.ReactorClient
	}{
		{d.cfg.Sagas, handlers.NewSagaClient},
		{d.cfg.ProcessManagers, handlers.NewProcessManagerClient},
	}
	for _, group := range reactors {
		for _, endpoint := range group.endpoints {
			conn, err := d.dial(ctx, endpoint.Addr)
			if err != nil {
				return nil, fmt.Errorf("reactor %s: %w", endpoint.Name, err)
			}
			dispatcher := &reactor.Dispatcher{
				Name:        endpoint.Name,
				Domains:     endpoint.Domains,
				Reactor:     group.client(conn),
				Store:       store,
				Commands:    commands,
				DeadLetters: letters,
				MaxAttempts: d.cfg.ReactorAttempts,
				Logger:      d.logger.With(zap.String("reactor", endpoint.Name)),
			}
			add(endpoint.Name, dispatcher.Subscriber())
		}
	}

	for _, endpoint := range d.cfg.Projectors {
		conn, err := d.dial(ctx, endpoint.Addr)
		if err != nil {
			return nil, fmt.Errorf("projector %s: %w", endpoint.Name, err)
		}
		projector := reactor.ProjectorHandler{
			Name:      endpoint.Name,
			Domains:   endpoint.Domains,
			Projector: handlers.NewProjectorClient(conn),
			Logger:    d.logger.With(zap.String("projector", endpoint.Name)),
		}
		add(endpoint.Name, projector.Subscriber())
	}
	return subs, nil
}

func withTimeout(timeout time.Duration, handler bus.Handler) bus.Handler {
	if timeout <= 0 {
		return handler
	}
	return func(ctx context.Context, events book.EventBook) error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return handler(ctx, events)
	}
}

// logDeadLetters records every dead letter so operators see them even when
// no replay tooling is attached.
func logDeadLetters(logger *zap.Logger) bus.DeadLetterHandler {
	return func(_ context.Context, letter book.DeadLetter) error {
		logger.Warn("dead letter",
			zap.Stringer("cover", letter.Cover),
			zap.String("source", letter.SourceComponent),
			zap.String("reason", letter.RejectionReason),
			zap.Stringer("kind", letter.Details.Kind),
			zap.Any("metadata", letter.Metadata),
		)
		return nil
	}
}
