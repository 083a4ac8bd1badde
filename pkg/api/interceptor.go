package api

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/sokovan/pkg/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// LoggingInterceptor logs every unary call's method, duration, and
// outcome through the same component-scoped zerolog logger the rest of
// the scheduling core uses.
func LoggingInterceptor() grpc.UnaryServerInterceptor {
	logger := log.WithComponent("api")
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		event := logger.Info()
		if err != nil {
			event = logger.Warn().Err(err)
		}
		event.Str("method", info.FullMethod).Dur("duration", time.Since(start)).Msg("rpc")
		return resp, err
	}
}

// RecoveryInterceptor converts a panic inside a handler into a gRPC
// Internal error instead of crashing the manager process.
func RecoveryInterceptor() grpc.UnaryServerInterceptor {
	logger := log.WithComponent("api")
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error().Interface("panic", r).Str("method", info.FullMethod).Msg("recovered from panic")
				err = status.Errorf(codes.Internal, "internal error: %v", fmt.Sprint(r))
			}
		}()
		return handler(ctx, req)
	}
}
