package tracing

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/waterstats/internal/observability/context"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// GinMiddleware opens a server span per request. Requests to skipPaths
// (probes, scrapes) are not traced. A ":id" route param is treated as the
// meter id and put on both the span and the request context.
func GinMiddleware(skipPaths ...string) gin.HandlerFunc {
	tracer := otel.Tracer("waterstats/http")
	skip := make(map[string]struct{}, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = struct{}{}
	}

	return func(c *gin.Context) {
		if _, ok := skip[c.Request.URL.Path]; ok {
			c.Next()
			return
		}

		method := strings.ToUpper(c.Request.Method)
		ctx := ExtractContext(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx, span := tracer.Start(ctx, "HTTP "+method, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		if requestID := obscontext.RequestIDFromContext(ctx); requestID != "" {
			ctx = withRequestBaggage(ctx, requestID)
			span.SetAttributes(attribute.String("request_id", requestID))
		}
		if meterID := strings.TrimSpace(c.Param("id")); meterID != "" {
			ctx = obscontext.WithMeterID(ctx, meterID)
			span.SetAttributes(attribute.String("meter_id", meterID))
		}

		c.Request = c.Request.WithContext(ctx)
		started := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		status := c.Writer.Status()
		span.SetName("HTTP " + method + " " + route)
		span.SetAttributes(SafeAttributes(
			attribute.String("http.method", method),
			attribute.String("http.route", route),
			attribute.Int("http.status_code", status),
			attribute.Int64("http.server_duration_ms", time.Since(started).Milliseconds()),
		)...)

		if status < http.StatusInternalServerError {
			return
		}
		if last := c.Errors.Last(); last != nil {
			if safe := SafeError(last.Err); safe != nil {
				span.RecordError(safe)
			}
		}
		span.SetStatus(codes.Error, http.StatusText(status))
	}
}

func withRequestBaggage(ctx context.Context, requestID string) context.Context {
	member, err := baggage.NewMember("request_id", requestID)
	if err != nil {
		return ctx
	}
	bag, err := baggage.FromContext(ctx).SetMember(member)
	if err != nil {
		return ctx
	}
	return baggage.ContextWithBaggage(ctx, bag)
}
