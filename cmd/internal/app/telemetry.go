package app

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
)

// TracingConfig is read from the standard OTEL_* variables.
type TracingConfig struct {
	Enabled     bool
	SampleRatio float64
	Endpoint    string
	Headers     map[string]string
	Insecure    bool
}

// LoadTracingConfig reads OTEL_ENABLED, OTEL_SAMPLER_RATIO and the OTLP
// exporter variables.
func LoadTracingConfig() TracingConfig {
	return TracingConfig{
		Enabled:     EnvBool("OTEL_ENABLED", false),
		SampleRatio: EnvFloat("OTEL_SAMPLER_RATIO", 0.1, 0, 1),
		Endpoint:    EnvString("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		Headers:     parseHeaderList(EnvString("OTEL_EXPORTER_OTLP_HEADERS", "")),
		Insecure:    EnvBool("OTEL_EXPORTER_OTLP_INSECURE", false),
	}
}

// InitTracing installs the global tracer provider and returns its shutdown
// func. When tracing is disabled the global no-op provider stays in place
// and the returned func does nothing. Exporter failures are logged and
// tracing continues without export.
func InitTracing(ctx context.Context, log *slog.Logger, cfg Config, tc TracingConfig) func(context.Context) error {
	if !tc.Enabled {
		return func(context.Context) error { return nil }
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		attribute.String("deployment.environment", cfg.Environment),
	))
	if err != nil {
		log.Warn("otel.resource.fail", "err", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(tc.SampleRatio))),
		sdktrace.WithResource(res),
	}
	exporter, err := buildTraceExporter(ctx, tc)
	if err != nil {
		log.Warn("otel.exporter.fail", "err", err)
	} else {
		opts = append(opts, sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	log.Info("otel.init", "endpoint", tc.Endpoint, "sample_ratio", tc.SampleRatio)
	return tp.Shutdown
}

func buildTraceExporter(ctx context.Context, tc TracingConfig) (sdktrace.SpanExporter, error) {
	if tc.Endpoint == "" {
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(tc.Endpoint)}
	if tc.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(tc.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(tc.Headers))
	}
	return otlptracehttp.New(ctx, opts...)
}

// parseHeaderList parses "k1=v1,k2=v2", skipping malformed pairs.
func parseHeaderList(raw string) map[string]string {
	out := map[string]string{}
	for _, part := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if !ok || k == "" || v == "" {
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
