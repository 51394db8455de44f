// Package telemetry wires up the shared observability stack for the parlo
// binaries: rotated JSON logs plus OpenTelemetry traces and metrics exported
// to local files, where an OTEL collector can also pick them up.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

const (
	defaultLogDir      = "logs"
	metricFlushPeriod  = 10 * time.Second
	rotateMaxSizeMB    = 10
	rotateMaxBackups   = 3
	rotateMaxAgeDays   = 28
	shutdownTimeout    = 5 * time.Second
	defaultServiceName = "parlo"
)

func rotatedFile(dir, name string) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   filepath.Join(dir, name),
		MaxSize:    rotateMaxSizeMB,
		MaxBackups: rotateMaxBackups,
		MaxAge:     rotateMaxAgeDays,
		Compress:   true,
	}
}

// InitLogger sets up JSON logging with rotation under ./logs and installs
// the logger as the slog default. Logs go to file only so interactive
// terminal output stays clean.
func InitLogger(service string, level slog.Level) (*slog.Logger, error) {
	if service == "" {
		service = defaultServiceName
	}
	if err := os.MkdirAll(defaultLogDir, 0o755); err != nil {
		return nil, fmt.Errorf("create logs directory: %w", err)
	}

	handler := slog.NewJSONHandler(rotatedFile(defaultLogDir, service+".log"), &slog.HandlerOptions{
		Level: level,
	})
	logger := slog.New(handler).With("service", service)
	slog.SetDefault(logger)
	return logger, nil
}

// Init initializes OpenTelemetry tracing and metrics for a binary. Traces
// land in ./logs/<service>_traces.log and metrics in
// ./logs/<service>_metrics.log, both rotated. The returned cleanup flushes
// and shuts down both providers.
func Init(ctx context.Context, service, version string) (trace.Tracer, metric.Meter, func(), error) {
	if service == "" {
		service = defaultServiceName
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(service),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create resource: %w", err)
	}

	if err := os.MkdirAll(defaultLogDir, 0o755); err != nil {
		return nil, nil, nil, fmt.Errorf("create logs directory: %w", err)
	}

	traceFile := rotatedFile(defaultLogDir, service+"_traces.log")
	traceExporter, err := stdouttrace.New(
		stdouttrace.WithWriter(traceFile),
		stdouttrace.WithPrettyPrint(),
	)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricsFile := rotatedFile(defaultLogDir, service+"_metrics.log")
	metricExporter, err := stdoutmetric.New(
		stdoutmetric.WithWriter(metricsFile),
		stdoutmetric.WithPrettyPrint(),
	)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(metricExporter,
				sdkmetric.WithInterval(metricFlushPeriod)),
		),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			slog.Error("tracer provider shutdown failed", "error", err)
		}
		if err := mp.Shutdown(ctx); err != nil {
			slog.Error("meter provider shutdown failed", "error", err)
		}
		if err := traceFile.Close(); err != nil {
			slog.Error("trace file close failed", "error", err)
		}
		if err := metricsFile.Close(); err != nil {
			slog.Error("metrics file close failed", "error", err)
		}
	}

	return tp.Tracer(service), mp.Meter(service), cleanup, nil
}
