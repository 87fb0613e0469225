// Package tracing sets up the OpenTelemetry TracerProvider for Agent Bus and
// offers Tracer/StartSpan helpers. The orchestrator and the HTTP handlers do
// not start spans; nothing in the module outside this package's tests calls
// StartSpan.
package tracing

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the single instrumentation scope Agent Bus records spans
// under; Tracer() and StartSpan use it.
const TracerName = "github.com/agent-bus/agentbus"

// Config controls whether and how tracing is initialized. Mirrors the
// env-driven on/off switch the pack's observability setups use, so tracing
// defaults to off in tests and local runs that never set OTEL_ENABLED.
type Config struct {
	ServiceName string
	Environment string
	Version     string
	// SampleRatio is the fraction of traces sampled, 0..1. Zero falls back
	// to OTEL_SAMPLER_RATIO, or 0.1 when that is unset or invalid.
	SampleRatio float64
}

var (
	once     sync.Once
	shutdown func(context.Context) error = func(context.Context) error { return nil }
)

// Init wires the global TracerProvider. Safe to call once per process;
// subsequent calls are no-ops and return the first shutdown func. When
// OTEL_ENABLED is unset, tracing stays off and Tracer() returns a no-op
// tracer (otel's global default), matching the pack's "continue without
// tracing rather than fail startup" convention.
func Init(ctx context.Context, log *slog.Logger, cfg Config) func(context.Context) error {
	once.Do(func() {
		if !enabledFromEnv() {
			return
		}
		serviceName := strings.TrimSpace(cfg.ServiceName)
		if serviceName == "" {
			serviceName = "agentbus"
		}
		res, err := resource.New(ctx,
			resource.WithAttributes(
				semconv.ServiceNameKey.String(serviceName),
				semconv.ServiceVersionKey.String(strings.TrimSpace(cfg.Version)),
				attribute.String("deployment.environment", strings.TrimSpace(cfg.Environment)),
			),
		)
		if err != nil && log != nil {
			log.Warn("tracing resource init failed, continuing", "error", err)
		}

		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			if log != nil {
				log.Warn("tracing exporter init failed, tracing disabled", "error", err)
			}
			return
		}

		ratio := cfg.SampleRatio
		if ratio <= 0 {
			ratio = sampleRatioFromEnv()
		}

		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
		shutdown = tp.Shutdown
		if log != nil {
			log.Info("tracing initialized", "service", serviceName, "sample_ratio", ratio)
		}
	})
	return shutdown
}

// Tracer returns the package-wide tracer. Before Init runs (or when tracing
// is disabled), this is otel's global no-op tracer, so callers never need a
// nil check.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// StartSpan is a thin convenience wrapper so a caller need not import
// go.opentelemetry.io/otel/trace directly.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

func enabledFromEnv() bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv("OTEL_ENABLED")))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

func sampleRatioFromEnv() float64 {
	v := strings.TrimSpace(os.Getenv("OTEL_SAMPLER_RATIO"))
	if v == "" {
		return 0.1
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0.1
	}
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
