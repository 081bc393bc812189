// Package interceptors holds server interceptors shared by every coordinator
// gRPC service.
package interceptors

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	apperrors "github.com/louisbranch/evcoord/internal/platform/errors"
)

// UnaryErrors converts handler errors to gRPC status errors and logs every
// failed call.
func UnaryErrors(logger *zap.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		started := time.Now()
		resp, err := handler(ctx, req)
		if err == nil {
			return resp, nil
		}
		converted := apperrors.ToGRPC(err)
		logCall(logger, info.FullMethod, started, err, converted)
		return resp, converted
	}
}

// StreamErrors is UnaryErrors for streaming calls.
func StreamErrors(logger *zap.Logger) grpc.StreamServerInterceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		started := time.Now()
		err := handler(srv, ss)
		if err == nil {
			return nil
		}
		converted := apperrors.ToGRPC(err)
		logCall(logger, info.FullMethod, started, err, converted)
		return converted
	}
}

func logCall(logger *zap.Logger, method string, started time.Time, err, converted error) {
	code := status.Code(converted)
	fields := []zap.Field{
		zap.String("method", method),
		zap.String("code", code.String()),
		zap.String("reason", string(apperrors.CodeOf(err))),
		zap.Duration("elapsed", time.Since(started)),
		zap.Error(err),
	}
	switch apperrors.CodeOf(err) {
	case apperrors.CodeUnknown, apperrors.CodeStoreUnavailable, apperrors.CodeBusUnavailable, apperrors.CodePublishFailed:
		logger.Error("grpc call failed", fields...)
	default:
		logger.Info("grpc call rejected", fields...)
	}
}
