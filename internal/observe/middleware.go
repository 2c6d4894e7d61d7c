package observe

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Middleware returns a gin handler that:
//
//  1. Extracts W3C Trace Context from incoming request headers (or starts a
//     new trace).
//  2. Starts an OTel span named after the matched route.
//  3. Sets the X-Correlation-ID response header from the trace ID.
//  4. Records request duration to [Metrics.HTTPRequestDuration].
//  5. Logs request completion with status code, duration, and trace info.
//
// The route template (e.g. "/v1/devices/:id/revoke") is used for span names
// and metric attributes so that IDs never become label values.
func Middleware(m *Metrics) gin.HandlerFunc {
	prop := propagation.TraceContext{}

	return func(c *gin.Context) {
		start := time.Now()
		r := c.Request

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}

		ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := StartSpan(ctx, "HTTP "+r.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.HTTPRoute(route),
			),
		)
		defer span.End()

		cid := CorrelationID(ctx)
		if cid != "" {
			c.Header("X-Correlation-ID", cid)
		}
		prop.Inject(ctx, propagation.HeaderCarrier(c.Writer.Header()))

		c.Request = r.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		duration := time.Since(start)
		m.HTTPRequestDuration.Record(ctx, duration.Seconds(),
			metric.WithAttributes(
				attribute.String("method", r.Method),
				attribute.String("path", route),
			),
		)
		span.SetAttributes(semconv.HTTPResponseStatusCode(status))

		level := slog.LevelInfo
		if status >= 500 {
			level = slog.LevelError
		}
		slog.LogAttrs(ctx, level, "request completed",
			slog.String("trace_id", cid),
			slog.String("method", r.Method),
			slog.String("route", route),
			slog.Int("status", status),
			slog.Duration("duration", duration),
		)
	}
}
