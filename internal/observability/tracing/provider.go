package tracing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/waterstats/pkg/telemetry/correlation"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the tracer provider.
type Config struct {
	Enabled          bool
	ServiceName      string
	ServiceVersion   string
	Environment      string
	ExporterEndpoint string
	ExporterProtocol string
	SamplingRatio    float64
}

// NewProvider configures the OTLP exporter and tracer provider. When tracing is
// disabled or no endpoint is set, spans are sampled out but context still
// propagates.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (*sdktrace.TracerProvider, error) {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", serviceName(cfg.ServiceName)),
			attribute.String("service.version", cfg.ServiceVersion),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, err
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(&correlationSpanProcessor{}),
	}

	exporting := cfg.Enabled && strings.TrimSpace(cfg.ExporterEndpoint) != ""
	if exporting {
		exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
		if err != nil {
			return nil, err
		}
		opts = append(opts,
			sdktrace.WithBatcher(exporter),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(samplingRatio(cfg.SamplingRatio)))),
		)
	} else {
		opts = append(opts, sdktrace.WithSampler(sdktrace.NeverSample()))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down tracer provider")
				}
				return tp.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("tracing initialized",
			zap.Bool("exporting", exporting),
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}
	return tp, nil
}

func newExporter(protocol, endpoint string) (sdktrace.SpanExporter, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch strings.ToLower(strings.TrimSpace(protocol)) {
	case "http", "http/protobuf":
		return otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	case "grpc", "grpc/protobuf", "":
		return otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(endpoint), otlptracegrpc.WithInsecure())
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

func serviceName(name string) string {
	if name = strings.TrimSpace(name); name != "" {
		return name
	}
	return "waterstats"
}

func samplingRatio(r float64) float64 {
	if r <= 0 || r > 1 {
		return 1
	}
	return r
}

type correlationSpanProcessor struct{}

func (p *correlationSpanProcessor) OnStart(ctx context.Context, s sdktrace.ReadWriteSpan) {
	if cid := correlation.ExtractCorrelationID(ctx); cid != "" {
		s.SetAttributes(attribute.String("correlation_id", cid))
	}
}

func (p *correlationSpanProcessor) OnEnd(sdktrace.ReadOnlySpan) {}

func (p *correlationSpanProcessor) Shutdown(context.Context) error { return nil }

func (p *correlationSpanProcessor) ForceFlush(context.Context) error { return nil }
