// Package coordinator parses coordinator flags and launches the service.
package coordinator

import (
	"context"
	"flag"

	"go.uber.org/zap"

	entrypoint "github.com/louisbranch/evcoord/internal/platform/cmd"
	"github.com/louisbranch/evcoord/internal/services/coordinator/app"
)

// Config holds coordinator command configuration.
type Config struct {
	app.Config
	Development bool `env:"DEV_LOGGING"`
}

// ParseConfig parses environment and flags into Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The coordinator gRPC server port")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Address of the Prometheus metrics endpoint; empty disables it")
	fs.StringVar(&cfg.StoreBackend, "store", cfg.StoreBackend, "Event store backend: memory, sqlite, postgres or redis")
	fs.StringVar(&cfg.BusBackend, "bus", cfg.BusBackend, "Event bus backend: channel, amqp or kafka")
	fs.BoolVar(&cfg.Development, "dev", cfg.Development, "Human-readable development logging")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the coordinator gRPC service.
func Run(ctx context.Context, cfg Config) error {
	options := entrypoint.RunOptions{Telemetry: cfg.Telemetry, Development: cfg.Development}
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceCoordinator, options, func(ctx context.Context, logger *zap.Logger) error {
		return app.Run(ctx, cfg.Config, logger)
	})
}
