// Package observability exports Genkit trace spans over OTLP.
//
// Spans go to a collector on the local network (an OpenTelemetry Collector,
// or a vendor agent with an OTLP receiver) rather than straight to a vendor
// API. The collector buffers and retries, and holds the backend credentials,
// so the application environment never carries an APM API key.
//
// Tracing is best-effort: a missing or unreachable collector disables export
// and the service runs on. Span ingestion must never gate chat traffic.
package observability

import (
	"context"
	"log/slog"
	"os"

	"github.com/firebase/genkit/go/core/tracing"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Config locates the OTLP HTTP receiver.
type Config struct {
	// Endpoint is the host:port of the collector's OTLP HTTP receiver.
	// Empty disables export entirely.
	Endpoint string
	// ServiceName tags exported spans (the service name in APM views).
	ServiceName string
	// Environment is the deployment environment (dev, staging, prod).
	Environment string
}

// Setup registers an OTLP span exporter with Genkit's TracerProvider so the
// model-call spans Genkit already records leave the process. Returns a
// shutdown function that flushes pending spans.
//
// Exporter problems never fail startup: on error tracing is disabled and the
// returned shutdown is a no-op.
func Setup(ctx context.Context, cfg Config, logger *slog.Logger) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }

	if cfg.Endpoint == "" {
		logger.Debug("trace export disabled, no otlp endpoint configured")
		return noop, nil
	}

	// Genkit's TracerProvider reads service identity from the standard
	// OTEL_* variables when it builds the span resource.
	if cfg.ServiceName != "" {
		_ = os.Setenv("OTEL_SERVICE_NAME", cfg.ServiceName)
	}
	if cfg.Environment != "" {
		_ = os.Setenv("OTEL_RESOURCE_ATTRIBUTES", "deployment.environment="+cfg.Environment)
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithInsecure(), // collector is local, no TLS
	)
	if err != nil {
		logger.Warn("creating otlp exporter failed, tracing disabled", "error", err)
		return noop, nil
	}

	processor := sdktrace.NewBatchSpanProcessor(exporter)
	tracing.TracerProvider().RegisterSpanProcessor(processor)

	logger.Debug("trace export enabled",
		"endpoint", cfg.Endpoint,
		"service", cfg.ServiceName,
		"environment", cfg.Environment,
	)

	return tracing.TracerProvider().Shutdown, nil
}
