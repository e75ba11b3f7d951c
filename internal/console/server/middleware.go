package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const TraceHeader = "X-Trace-ID"

type traceKey struct{}

// TraceIDFromContext — идентификатор запроса для корреляции логов и журнала.
func TraceIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(traceKey{}).(string)
	return id
}

// TracingMiddleware присваивает запросу Trace-ID (или берет входящий) и открывает span.
func TracingMiddleware(next http.Handler) http.Handler {
	tracer := otel.Tracer("webasset-gate/console")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get(TraceHeader)
		if traceID == "" {
			traceID = uuid.NewString()
		}
		w.Header().Set(TraceHeader, traceID)

		ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path)
		span.SetAttributes(attribute.String("trace_id", traceID))
		defer span.End()

		next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, traceKey{}, traceID)))
	})
}

// requestLogger — аналог middleware.Logger, но через zap.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info("http request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("latency", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("trace_id", TraceIDFromContext(r.Context())))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
