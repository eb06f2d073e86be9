package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/recovery"
	"google.golang.org/grpc"

	"github.com/victornm/couplequiz/internal/errors"
)

func GRPCServerInterceptor() grpc.ServerOption {
	opts := []logging.Option{
		logging.WithLogOnEvents(logging.FinishCall),
	}

	return grpc.ChainUnaryInterceptor(
		logging.UnaryServerInterceptor(grpcServerLogger(slog.Default()), opts...),
		errorInterceptor,
		recovery.UnaryServerInterceptor(recovery.WithRecoveryHandlerContext(grpcRecover)),
	)
}

func grpcServerLogger(l *slog.Logger) logging.Logger {
	return logging.LoggerFunc(func(ctx context.Context, lvl logging.Level, msg string, fields ...any) {
		l.Log(ctx, slog.Level(lvl), msg, fields...)
	})
}

// errorInterceptor turns every error into an errors.Error, so callers always see one of the documented codes.
func errorInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	resp, err := handler(ctx, req)
	if err == nil {
		return resp, nil
	}

	e := errors.Convert(err)
	if e.Code == errors.CodeInternal {
		slog.ErrorContext(ctx, "grpc: internal error", "method", info.FullMethod, "error", err)
	}

	return nil, e
}

func grpcRecover(ctx context.Context, p any) error {
	err := fmt.Errorf("%v, stack: %s", p, debug.Stack())
	slog.ErrorContext(ctx, "grpc: handler panic", "error", err)
	return errors.Internal(err)
}
