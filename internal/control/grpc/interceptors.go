package grpc

import (
	"context"
	"log/slog"

	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/recovery"
	"google.golang.org/grpc"
)

// slogLogger adapts the ambient *slog.Logger to grpc-middleware's Logger
// interface.
type slogLogger struct{ l *slog.Logger }

func (s slogLogger) Log(ctx context.Context, level logging.Level, msg string, fields ...any) {
	switch level {
	case logging.LevelDebug:
		s.l.DebugContext(ctx, msg, fields...)
	case logging.LevelWarn:
		s.l.WarnContext(ctx, msg, fields...)
	case logging.LevelError:
		s.l.ErrorContext(ctx, msg, fields...)
	default:
		s.l.InfoContext(ctx, msg, fields...)
	}
}

var activeLogger logging.Logger = slogLogger{l: slog.Default()}

// SetLogger installs the ambient logger the interceptors report through.
func SetLogger(l *slog.Logger) { activeLogger = slogLogger{l: l} }

func loggingUnaryInterceptor() grpc.UnaryServerInterceptor {
	return logging.UnaryServerInterceptor(activeLogger)
}

func loggingStreamInterceptor() grpc.StreamServerInterceptor {
	return logging.StreamServerInterceptor(activeLogger)
}

func recoveryUnaryInterceptor() grpc.UnaryServerInterceptor {
	return recovery.UnaryServerInterceptor()
}

func recoveryStreamInterceptor() grpc.StreamServerInterceptor {
	return recovery.StreamServerInterceptor()
}
