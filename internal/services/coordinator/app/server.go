// Package app wires the coordinator runtime: storage, bus, handler
// connections, reactors, the gRPC API and the metrics endpoint.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	platformgrpc "github.com/louisbranch/evcoord/internal/platform/grpc"
	"github.com/louisbranch/evcoord/internal/platform/timeouts"
	coordinatorapi "github.com/louisbranch/evcoord/internal/services/coordinator/api/grpc/coordinator"
	"github.com/louisbranch/evcoord/internal/services/coordinator/api/grpc/interceptors"
	"github.com/louisbranch/evcoord/internal/services/coordinator/bus"
	"github.com/louisbranch/evcoord/internal/services/coordinator/domain/engine"
	"github.com/louisbranch/evcoord/internal/services/coordinator/observability/metrics"
	"github.com/louisbranch/evcoord/internal/services/coordinator/storage"
	"github.com/louisbranch/evcoord/internal/services/coordinator/wire"
)

// Options overrides process-level dependencies; tests use it.
type Options struct {
	Logger *zap.Logger
	// Listener replaces the TCP listener on Config.Port.
	Listener net.Listener
	// Connector replaces the dialer used for handler connections.
	Connector platformgrpc.Connector
}

// Server hosts the coordinator gRPC API and owns every runtime resource.
type Server struct {
	logger        *zap.Logger
	listener      net.Listener
	grpcServer    *grpc.Server
	health        *health.Server
	metricsServer *http.Server
	store         storage.Store
	bus           bus.Bus
	dialer        *dialer
	subscriptions []bus.Subscription
}

// New opens storage and the bus, dials every handler, subscribes reactors and
// projectors, and registers the gRPC services. Nothing is served until Serve.
func New(ctx context.Context, cfg Config, opts Options) (server *Server, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{logger: logger, dialer: &dialer{cfg: cfg, connector: opts.Connector, logger: logger}}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	s.listener = opts.Listener
	if s.listener == nil {
		addr := fmt.Sprintf(":%d", cfg.Port)
		if s.listener, err = net.Listen("tcp", addr); err != nil {
			return nil, fmt.Errorf("listen on %s: %w", addr, err)
		}
	}

	collector := metrics.New()
	if s.store, err = openStore(ctx, cfg); err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.StoreBackend, err)
	}
	if s.bus, err = openBus(ctx, cfg, collector, logger); err != nil {
		return nil, fmt.Errorf("open %s bus: %w", cfg.BusBackend, err)
	}

	router, err := s.dialer.router(ctx)
	if err != nil {
		return nil, err
	}
	coordinator := &engine.Coordinator{
		Store:     s.store,
		Publisher: s.bus,
		Router:    router,
		Logger:    logger.Named("coordinator"),
		Metrics:   collector,
	}

	subscribers, err := s.dialer.subscribers(ctx, s.store, coordinator, s.bus)
	if err != nil {
		return nil, err
	}
	watcher := coordinatorapi.NewWatcher(logger.Named("proxy"))
	domains := cfg.Domains()
	subscribers = append(subscribers, watcher.Subscriber("command-proxy", domains))
	for _, sub := range subscribers {
		subscription, err := s.bus.Subscribe(ctx, sub)
		if err != nil {
			return nil, fmt.Errorf("subscribe %s: %w", sub.Name, err)
		}
		s.subscriptions = append(s.subscriptions, subscription)
	}
	letters, err := s.bus.SubscribeDeadLetters(ctx, "dead-letter-log", domains, logDeadLetters(logger.Named("dlq")))
	if err != nil {
		return nil, fmt.Errorf("subscribe dead letters: %w", err)
	}
	s.subscriptions = append(s.subscriptions, letters)

	s.grpcServer = grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ForceServerCodec(wire.Codec{}),
		grpc.ChainUnaryInterceptor(interceptors.UnaryErrors(logger.Named("grpc"))),
		grpc.ChainStreamInterceptor(interceptors.StreamErrors(logger.Named("grpc"))),
	)
	coordinatorapi.RegisterBusinessCoordinatorServer(s.grpcServer, coordinatorapi.NewService(coordinator))
	coordinatorapi.RegisterCommandProxyServer(s.grpcServer, coordinatorapi.NewProxy(coordinator, watcher, cfg.ProxyIdle, logger.Named("proxy")))
	s.health = health.NewServer()
	grpc_health_v1.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(coordinatorapi.BusinessCoordinatorService, grpc_health_v1.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(coordinatorapi.CommandProxyService, grpc_health_v1.HealthCheckResponse_SERVING)

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", collector.Handler())
		s.metricsServer = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: timeouts.ReadHeader,
		}
	}
	return s, nil
}

// Addr returns the gRPC listener address.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Run creates and serves a coordinator until ctx is canceled.
func Run(ctx context.Context, cfg Config, logger *zap.Logger) error {
	server, err := New(ctx, cfg, Options{Logger: logger})
	if err != nil {
		return err
	}
	return server.Serve(ctx)
}

// Serve runs the gRPC and metrics servers until ctx is canceled, then drains
// in-flight calls and releases every resource.
func (s *Server) Serve(ctx context.Context) error {
	if s == nil {
		return errors.New("server is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	defer s.Close()

	serveErr := make(chan error, 2)
	if s.metricsServer != nil {
		go func() {
			if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- fmt.Errorf("serve metrics: %w", err)
			}
		}()
	}
	s.logger.Info("coordinator listening", zap.String("addr", s.Addr()))
	go func() {
		serveErr <- s.grpcServer.Serve(s.listener)
	}()

	select {
	case <-ctx.Done():
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
		return nil
	case err := <-serveErr:
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve gRPC: %w", err)
	}
}

// Close releases server resources. Subscriptions stop before the bus closes
// and the store closes last, after nothing can write to it.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.health != nil {
		s.health.Shutdown()
	}
	if s.grpcServer != nil {
		s.grpcServer.Stop()
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
	if s.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
		if err := s.metricsServer.Shutdown(ctx); err != nil {
			s.logger.Warn("shutdown metrics server", zap.Error(err))
		}
		cancel()
	}
	for _, subscription := range s.subscriptions {
		if err := subscription.Close(); err != nil {
			s.logger.Warn("close subscription", zap.Error(err))
		}
	}
	s.subscriptions = nil
	if s.bus != nil {
		if err := s.bus.Close(); err != nil {
			s.logger.Warn("close bus", zap.Error(err))
		}
	}
	s.dialer.close()
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Warn("close store", zap.Error(err))
		}
	}
}
