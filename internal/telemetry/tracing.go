/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package telemetry configures OpenTelemetry tracing for the control plane.
//
// Spans cover the coordinator's plan/execute path and analyzer runs.
// Custom span attributes use the `packpool.` prefix.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "packpool.dev/control-plane"
)

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initialises the OTel trace provider with an OTLP gRPC exporter.
// If endpoint is empty, tracing is disabled (noop provider is used).
// Returns a shutdown function that must be called on application exit.
func InitTraceProvider(ctx context.Context, endpoint string, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		// No-op: tracing disabled
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(), // TLS configurable via env (OTEL_EXPORTER_OTLP_INSECURE)
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("packpool-control-plane"),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// --- Span helpers ---

// StartOperationSpan creates the parent span for a sync operation.
func StartOperationSpan(ctx context.Context, opType, endpointID, poolID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "sync.operation",
		trace.WithAttributes(
			attribute.String("packpool.operation_type", opType),
			attribute.String("packpool.endpoint_id", endpointID),
			attribute.String("packpool.pool_id", poolID),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartUnitSpan creates a child span for one package action.
func StartUnitSpan(ctx context.Context, action, pkg string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "sync.unit",
		trace.WithAttributes(
			attribute.String("packpool.action", action),
			attribute.String("packpool.package", pkg),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndUnitSpan enriches the unit span with the attempt outcome.
func EndUnitSpan(span trace.Span, attempts int, err error) {
	span.SetAttributes(attribute.Int("packpool.attempts", attempts))
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// StartAnalysisSpan creates the span for a compatibility analysis run.
func StartAnalysisSpan(ctx context.Context, poolID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "analyzer.analyze",
		trace.WithAttributes(
			attribute.String("packpool.pool_id", poolID),
		),
	)
}

// EndAnalysisSpan enriches the analysis span with report figures.
func EndAnalysisSpan(span trace.Span, common, excluded, conflicts int) {
	span.SetAttributes(
		attribute.Int("packpool.common_packages", common),
		attribute.Int("packpool.excluded_packages", excluded),
		attribute.Int("packpool.conflicts", conflicts),
	)
	span.End()
}
