// SPDX-License-Identifier: Apache-2.0

// Package telemetry sets up OpenTelemetry metrics, traces, and logs for
// rota, bridging slog.

package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"

	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"go.opentelemetry.io/contrib/bridges/otelslog"
)

var (
	otelTracerProvider *sdktrace.TracerProvider
	otelMeterProvider  *sdkmetric.MeterProvider
	otelLoggerProvider *sdklog.LoggerProvider
	rotaResource       *resource.Resource
	rootLogger         *slog.Logger

	metricsOnce sync.Once

	escalationSteps     metric.Int64Counter
	escalationErrors    metric.Int64Counter
	escalationLatency   metric.Float64Histogram
	notifySends         metric.Int64Counter
	notifyFailures      metric.Int64Counter
	sweepIncidents      metric.Int64Counter
	sweepLatency        metric.Float64Histogram
	oncallFailOpenTotal metric.Int64Counter
)

func InitRotaMetrics() {
	metricsOnce.Do(func() {
		meter := RotaMeter()
		var err error
		escalationSteps, err = meter.Int64Counter("rota.escalation.steps_total", metric.WithDescription("Escalation steps executed"))
		if err != nil {
			panic(err)
		}
		escalationErrors, err = meter.Int64Counter("rota.escalation.errors_total", metric.WithDescription("Escalation errors"))
		if err != nil {
			panic(err)
		}
		escalationLatency, err = meter.Float64Histogram("rota.escalation.step_latency_ms", metric.WithDescription("Escalation step execution latency (ms)"))
		if err != nil {
			panic(err)
		}
		notifySends, err = meter.Int64Counter("rota.notify.sends_total", metric.WithDescription("Notification send attempts"))
		if err != nil {
			panic(err)
		}
		notifyFailures, err = meter.Int64Counter("rota.notify.failures_total", metric.WithDescription("Failed notification sends"))
		if err != nil {
			panic(err)
		}
		sweepIncidents, err = meter.Int64Counter("rota.sweep.incidents_total", metric.WithDescription("Incidents examined by escalation sweeps"))
		if err != nil {
			panic(err)
		}
		sweepLatency, err = meter.Float64Histogram("rota.sweep.duration_ms", metric.WithDescription("Escalation sweep duration (ms)"))
		if err != nil {
			panic(err)
		}
		oncallFailOpenTotal, err = meter.Int64Counter("rota.oncall.fail_open_total", metric.WithDescription("Schedule gaps resolved by the fail-open roster fallback"))
		if err != nil {
			panic(err)
		}
	})
}

// Escalation metrics helpers. All helpers tolerate uninitialized metrics so
// library code can call them from tests without telemetry setup.
func IncEscalationStep(ctx context.Context, targetType string) {
	if escalationSteps == nil {
		return
	}
	escalationSteps.Add(ctx, 1, metric.WithAttributes(attribute.String("target_type", targetType)))
}
func IncEscalationError(ctx context.Context, errType string) {
	if escalationErrors == nil {
		return
	}
	escalationErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("err_type", errType)))
}
func RecordEscalationLatency(ctx context.Context, ms float64) {
	if escalationLatency == nil {
		return
	}
	escalationLatency.Record(ctx, ms)
}

// Notification metrics helpers
func IncNotifySend(ctx context.Context, channel string) {
	if notifySends == nil {
		return
	}
	notifySends.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", channel)))
}
func IncNotifyFailure(ctx context.Context, channel string, errType string) {
	if notifyFailures == nil {
		return
	}
	notifyFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", channel), attribute.String("err_type", errType)))
}

// Sweep metrics helpers
func AddSweepIncidents(ctx context.Context, n int64) {
	if sweepIncidents == nil {
		return
	}
	sweepIncidents.Add(ctx, n)
}
func RecordSweepLatency(ctx context.Context, ms float64) {
	if sweepLatency == nil {
		return
	}
	sweepLatency.Record(ctx, ms)
}

func IncFailOpen(ctx context.Context, scheduleID int64) {
	if oncallFailOpenTotal == nil {
		return
	}
	oncallFailOpenTotal.Add(ctx, 1, metric.WithAttributes(attribute.Int64("schedule_id", scheduleID)))
}

// Tracing helpers
func StartEscalationSpan(ctx context.Context, incidentID int64, step int) (context.Context, trace.Span) {
	return RotaTracer().Start(ctx, "escalation.execute_step",
		oteltrace.WithAttributes(
			attribute.Int64("incident_id", incidentID),
			attribute.Int("step", step),
		))
}
func StartSweepSpan(ctx context.Context) (context.Context, trace.Span) {
	return RotaTracer().Start(ctx, "escalation.sweep")
}

// InitTelemetry configures global OpenTelemetry providers for rota,
// including traces, metrics, logs, and slog bridge.
func InitTelemetry(ctx context.Context) error {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName("rota"),
			semconv.ServiceVersion("dev"), // TODO: wire in a build flag for version
		),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize otel resource: %w", err)
	}
	rotaResource = res

	traceExporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return fmt.Errorf("failed to create otlp trace exporter: %w", err)
	}
	traceProcessor := sdktrace.NewBatchSpanProcessor(traceExporter)

	metricExporter, err := otlpmetrichttp.New(ctx)
	if err != nil {
		return fmt.Errorf("failed to create otlp metric exporter: %w", err)
	}
	metricProcessor := sdkmetric.NewPeriodicReader(metricExporter)

	logExporter, err := otlploghttp.New(ctx)
	if err != nil {
		return fmt.Errorf("failed to create otlp log exporter: %w", err)
	}
	loggerProcessor := sdklog.NewBatchProcessor(logExporter)

	otelTracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(traceProcessor),
	)
	otelMeterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(metricProcessor),
	)
	otelLoggerProvider = sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(loggerProcessor),
	)
	global.SetLoggerProvider(otelLoggerProvider)

	// Bridge slog to OpenTelemetry logging
	handler := otelslog.NewHandler("rota")
	rootLogger = slog.New(handler)
	slog.SetDefault(rootLogger)

	otel.SetTracerProvider(otelTracerProvider)
	otel.SetMeterProvider(otelMeterProvider)

	// Instruments must be created after the provider is installed or they
	// bind to the no-op global meter.
	InitRotaMetrics()
	slog.Info("[rota] OpenTelemetry (trace, metric, log+slog bridge) initialized")
	return nil
}

// RotaTracer returns the tracer for rota components.
func RotaTracer() oteltrace.Tracer {
	return otel.Tracer("rota")
}

// RotaMeter returns the meter for rota components.
func RotaMeter() otelmetric.Meter {
	return otel.Meter("rota")
}

// RootSlogLogger returns the bridged *slog.Logger for app use.
func RootSlogLogger() *slog.Logger {
	return rootLogger
}

// ShutdownTelemetry shuts down all providers.
func ShutdownTelemetry(ctx context.Context) error {
	if otelTracerProvider != nil {
		if err := otelTracerProvider.Shutdown(ctx); err != nil {
			return err
		}
	}
	if otelMeterProvider != nil {
		if err := otelMeterProvider.Shutdown(ctx); err != nil {
			return err
		}
	}
	if otelLoggerProvider != nil {
		if err := otelLoggerProvider.Shutdown(ctx); err != nil {
			return err
		}
	}
	return nil
}
