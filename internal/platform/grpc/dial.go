// Package grpc holds client connection helpers shared by every outbound
// handler connection (business logic, sagas, process managers, projectors).
package grpc

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Connector creates client connections; tests substitute in-memory dialers.
type Connector interface {
	NewClient(addr string, opts ...gogrpc.DialOption) (*gogrpc.ClientConn, error)
}

// ConnectorFunc adapts a function to the Connector interface.
type ConnectorFunc func(addr string, opts ...gogrpc.DialOption) (*gogrpc.ClientConn, error)

// NewClient implements Connector for ConnectorFunc.
func (fn ConnectorFunc) NewClient(addr string, opts ...gogrpc.DialOption) (*gogrpc.ClientConn, error) {
	return fn(addr, opts...)
}

// DialStage describes where a dial attempt failed.
type DialStage string

const (
	// DialStageConnect indicates a connection setup failure.
	DialStageConnect DialStage = "connect"
	// DialStageHealth indicates the health check failed.
	DialStageHealth DialStage = "health"
)

// DialError wraps dial and health check failures with a stage indicator.
type DialError struct {
	Addr  string
	Stage DialStage
	Err   error
}

// Error implements the error interface.
func (e *DialError) Error() string {
	if e == nil {
		return "gRPC dial error"
	}
	return fmt.Sprintf("gRPC %s error for %s: %v", e.Stage, e.Addr, e.Err)
}

// Unwrap returns the underlying error.
func (e *DialError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// DialConfig controls how handler endpoints are dialed.
type DialConfig struct {
	// Timeout bounds the optional health wait.
	Timeout time.Duration
	// WaitForHealth blocks until the peer's health service reports SERVING.
	// Handlers written against other runtimes may not expose health, so this
	// is opt-in.
	WaitForHealth bool
	Connector     Connector
	Logger        *zap.Logger
}

// DefaultClientDialOptions returns standard dial options for handler clients.
// Includes the OTel stats handler so every outbound call propagates trace
// context when a TracerProvider is registered.
func DefaultClientDialOptions() []gogrpc.DialOption {
	return []gogrpc.DialOption{
		gogrpc.WithTransportCredentials(insecure.NewCredentials()),
		gogrpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}
}

// Dial creates a client connection to addr, optionally waiting for health.
// The connection is closed when the health wait fails.
func Dial(ctx context.Context, addr string, cfg DialConfig, opts ...gogrpc.DialOption) (*gogrpc.ClientConn, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, &DialError{Stage: DialStageConnect, Err: fmt.Errorf("address is required")}
	}
	connector := cfg.Connector
	if connector == nil {
		connector = ConnectorFunc(gogrpc.NewClient)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, err := connector.NewClient(addr, opts...)
	if err != nil {
		return nil, &DialError{Addr: addr, Stage: DialStageConnect, Err: err}
	}
	if !cfg.WaitForHealth {
		return conn, nil
	}

	healthCtx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		healthCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}
	if err := WaitForHealth(healthCtx, conn, "", logger.With(zap.String("addr", addr))); err != nil {
		_ = conn.Close()
		return nil, &DialError{Addr: addr, Stage: DialStageHealth, Err: err}
	}
	return conn, nil
}
