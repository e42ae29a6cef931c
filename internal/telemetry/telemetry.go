// Package telemetry wires the ambient observability stack (spec §9's
// call for span/metric instrumentation around Router dispatch, Supervisor
// escalation, and Terminal Daemon lifecycle) onto go.opentelemetry.io/otel,
// exported via the stdout exporter in the absence of a collector endpoint.
package telemetry

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/anamnesos/hivemind"

// Init installs a TracerProvider and MeterProvider that both export via
// stdout, and returns a shutdown function that flushes and closes both on
// exit. Each call builds new providers and installs them as the process-wide
// ones, replacing any installed by an earlier call; it is not idempotent.
func Init(ctx context.Context) (func(context.Context) error, error) {
	traceExporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExporter))
	otel.SetTracerProvider(tp)

	metricExporter, err := stdoutmetric.New()
	if err != nil {
		return nil, err
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)))
	otel.SetMeterProvider(mp)

	return func(shutdownCtx context.Context) error {
		return errors.Join(tp.Shutdown(shutdownCtx), mp.Shutdown(shutdownCtx))
	}, nil
}

// Tracer returns the process-wide tracer for this module.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// Meter returns the process-wide meter for this module, backing the
// Router's counter-based view of its metrics ledger (spec §4.5).
func Meter() metric.Meter {
	return otel.Meter(instrumentationName)
}
