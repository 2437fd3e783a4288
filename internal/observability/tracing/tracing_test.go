package tracing

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/waterstats/internal/observability/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSafeAttributesDropsCredentials(t *testing.T) {
	attrs := SafeAttributes(
		attribute.String("http.route", "/api/meters"),
		attribute.String("upstream.api_token", "abc"),
	)
	assert.Len(t, attrs, 1)
	assert.Equal(t, attribute.Key("http.route"), attrs[0].Key)
}

func TestSafeError(t *testing.T) {
	assert.Nil(t, SafeError(nil))
	assert.EqualError(t, SafeError(errors.New("invalid bearer token abc")), "redacted error")
	assert.EqualError(t, SafeError(errors.New("connection refused")), "connection refused")
}

func TestGinMiddlewareTracesMeterRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	var ctxMeter string
	r := gin.New()
	r.Use(GinMiddleware("/health"))
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/api/meters/:id", func(c *gin.Context) {
		ctxMeter = obscontext.MeterIDFromContext(c.Request.Context())
		c.Status(http.StatusBadGateway)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/meters/1234", nil))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, "HTTP GET /api/meters/:id", span.Name())
	assert.Equal(t, codes.Error, span.Status().Code)
	assert.Contains(t, span.Attributes(), attribute.String("meter_id", "1234"))
	assert.Contains(t, span.Attributes(), attribute.Int("http.status_code", http.StatusBadGateway))
	assert.Equal(t, "1234", ctxMeter)
}
