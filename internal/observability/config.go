package observability

import (
	"os"
	"strconv"
	"strings"

	"github.com/smallbiznis/waterstats/internal/config"
)

const (
	defaultSamplingRatio = 0.1
	protocolGRPC         = "grpc"
	protocolHTTP         = "http"
)

// Config holds observability settings for the service process.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	LogLevel  string
	LogFormat string

	OtelEnabled          bool
	OtelExporterEndpoint string
	OtelExporterProtocol string
	OtelSamplingRatio    float64
}

// envLookup matches os.LookupEnv.
type envLookup func(key string) (string, bool)

func LoadConfig(cfg config.Config) Config {
	return loadConfig(cfg, os.LookupEnv)
}

// loadConfig layers OTEL_* and LOG_* overrides on top of the app config.
// Export is on only when an endpoint is known, unless OTEL_ENABLED says
// otherwise.
func loadConfig(cfg config.Config, lookup envLookup) Config {
	env := func(key, def string) string {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
		return def
	}

	out := Config{
		ServiceName: firstNonEmpty(cfg.AppName, "waterstats"),
		Environment: env("DEPLOYMENT_ENV", strings.TrimSpace(cfg.Environment)),
		Version:     env("SERVICE_VERSION", strings.TrimSpace(cfg.AppVersion)),
		LogLevel:    strings.ToLower(env("LOG_LEVEL", "info")),
		LogFormat:   strings.ToLower(env("LOG_FORMAT", "json")),

		OtelExporterEndpoint: env("OTEL_EXPORTER_OTLP_ENDPOINT", strings.TrimSpace(cfg.OTLPEndpoint)),
		OtelExporterProtocol: normalizeProtocol(env("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", env("OTEL_EXPORTER_OTLP_PROTOCOL", protocolGRPC))),
		OtelSamplingRatio:    defaultSamplingRatio,
	}

	if raw := env("OTEL_SAMPLING_RATIO", ""); raw != "" {
		if ratio, err := strconv.ParseFloat(raw, 64); err == nil {
			out.OtelSamplingRatio = min(max(ratio, 0), 1)
		}
	}

	out.OtelEnabled = out.OtelExporterEndpoint != ""
	if raw := env("OTEL_ENABLED", ""); raw != "" {
		if enabled, err := strconv.ParseBool(raw); err == nil {
			out.OtelEnabled = enabled
		}
	}
	return out
}

// Debug is true for debug logging or any non-production environment.
func (c Config) Debug() bool {
	if strings.EqualFold(strings.TrimSpace(c.LogLevel), "debug") {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case "dev", "development", "local", "test":
		return true
	}
	return false
}

// normalizeProtocol folds the OTLP protocol names onto the two exporters
// this service ships.
func normalizeProtocol(p string) string {
	switch strings.ToLower(strings.TrimSpace(p)) {
	case "http", "http/protobuf", "http/json":
		return protocolHTTP
	default:
		return protocolGRPC
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
