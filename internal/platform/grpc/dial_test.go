package grpc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	gogrpc "google.golang.org/grpc"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

func TestDialWithoutHealthReturnsConnection(t *testing.T) {
	srv := startHealthServer(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	conn, err := Dial(context.Background(), "passthrough:///bufnet", DialConfig{}, srv.options()...)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if conn == nil {
		t.Fatal("expected connection")
	}
	_ = conn.Close()
}

func TestDialWaitsForHealth(t *testing.T) {
	srv := startHealthServer(t, grpc_health_v1.HealthCheckResponse_SERVING)

	conn, err := Dial(context.Background(), "passthrough:///bufnet", DialConfig{
		Timeout:       time.Second,
		WaitForHealth: true,
	}, srv.options()...)
	if err != nil {
		t.Fatalf("dial with health: %v", err)
	}
	_ = conn.Close()
}

func TestDialErrorStages(t *testing.T) {
	t.Run("empty address", func(t *testing.T) {
		_, err := Dial(context.Background(), "  ", DialConfig{})
		var dialErr *DialError
		if !errors.As(err, &dialErr) || dialErr.Stage != DialStageConnect {
			t.Fatalf("expected connect stage error, got %v", err)
		}
	})

	t.Run("connect", func(t *testing.T) {
		connector := ConnectorFunc(func(string, ...gogrpc.DialOption) (*gogrpc.ClientConn, error) {
			return nil, fmt.Errorf("dial failure")
		})
		_, err := Dial(context.Background(), "handler:7000", DialConfig{Connector: connector})
		var dialErr *DialError
		if !errors.As(err, &dialErr) {
			t.Fatalf("expected DialError, got %T", err)
		}
		if dialErr.Stage != DialStageConnect {
			t.Fatalf("expected stage %q, got %q", DialStageConnect, dialErr.Stage)
		}
	})

	t.Run("health", func(t *testing.T) {
		srv := startHealthServer(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
		start := time.Now()
		_, err := Dial(context.Background(), "passthrough:///bufnet", DialConfig{
			Timeout:       150 * time.Millisecond,
			WaitForHealth: true,
		}, srv.options()...)
		var dialErr *DialError
		if !errors.As(err, &dialErr) {
			t.Fatalf("expected DialError, got %v", err)
		}
		if dialErr.Stage != DialStageHealth {
			t.Fatalf("expected stage %q, got %q", DialStageHealth, dialErr.Stage)
		}
		if elapsed := time.Since(start); elapsed > time.Second {
			t.Fatalf("expected timeout to bound health wait, took %v", elapsed)
		}
	})
}

func TestDialErrorFormatting(t *testing.T) {
	wrapped := &DialError{Addr: "handler:7000", Stage: DialStageConnect, Err: fmt.Errorf("boom")}
	if !strings.Contains(wrapped.Error(), "gRPC connect") || !strings.Contains(wrapped.Error(), "handler:7000") {
		t.Fatalf("unexpected error: %s", wrapped.Error())
	}
	if wrapped.Unwrap() == nil {
		t.Fatal("expected wrapped error")
	}

	var nilErr *DialError
	if nilErr.Error() == "" {
		t.Fatal("expected fallback error message")
	}
	if nilErr.Unwrap() != nil {
		t.Fatal("expected nil unwrap for nil error")
	}
}
