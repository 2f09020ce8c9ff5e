package main

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/trace"
)

// initTracing registers a global TracerProvider so the broker's
// otel.Tracer(...) spans (one per brokered syscall, internal/broker/
// broker.go's Dispatch) actually go somewhere instead of being no-ops.
// The stdout exporter mirrors the simplest wiring of the teacher's own
// OpenTelemetry dependency: emit spans as the CLI's own diagnostic
// output rather than standing up a collector this demo has no use for.
func initTracing() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("stdout trace exporter: %w", err)
	}
	tp := trace.NewTracerProvider(trace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
