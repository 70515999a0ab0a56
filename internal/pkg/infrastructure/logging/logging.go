package logging

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
)

type loggerContextKey struct {
	name string
}

var loggerCtxKey = &loggerContextKey{"logger"}

// NewLogger creates the service logger at the given level (debug, info, warn,
// error) and stores it in the returned context. Unknown levels fall back to info.
func NewLogger(ctx context.Context, serviceName, serviceVersion, level string) (context.Context, zerolog.Logger) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	logger := log.With().
		Str("service", strings.ToLower(serviceName)).
		Str("version", serviceVersion).
		Logger().
		Level(lvl)

	ctx = NewContextWithLogger(ctx, logger)
	return ctx, logger
}

func NewContextWithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	ctx = context.WithValue(ctx, loggerCtxKey, logger)
	return ctx
}

func GetLoggerFromContext(ctx context.Context) zerolog.Logger {
	logger, ok := ctx.Value(loggerCtxKey).(zerolog.Logger)

	if !ok {
		return log.Logger
	}

	return logger
}

// Middleware stores a request scoped logger in the request context, tagged
// with the trace id when the request is traced.
func Middleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			l := logger.With().Str("method", r.Method).Str("path", r.URL.Path).Logger()

			if span := trace.SpanFromContext(ctx); span.SpanContext().HasTraceID() {
				l = l.With().Str("traceID", span.SpanContext().TraceID().String()).Logger()
			}
			if reqID := middleware.GetReqID(ctx); reqID != "" {
				l = l.With().Str("requestID", reqID).Logger()
			}

			next.ServeHTTP(w, r.WithContext(NewContextWithLogger(ctx, l)))
		})
	}
}
