/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package telemetry configures OpenTelemetry tracing for the session
// control plane.
//
// Custom span attributes use the `microfin.` prefix.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "github.com/marcus-qen/microfin"
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
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("microfin"),
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

// StartLoginSpan creates the span for a login, register or Google sign-in.
func StartLoginSpan(ctx context.Context, method, portal, bankSlug string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "session.login",
		trace.WithAttributes(
			attribute.String("microfin.login_method", method),
			attribute.String("microfin.portal", portal),
			attribute.String("microfin.bank_slug", bankSlug),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// StartRefreshSpan creates the span for one shared refresh flight.
func StartRefreshSpan(ctx context.Context, epoch uint64) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "session.refresh",
		trace.WithAttributes(
			attribute.Int64("microfin.epoch", int64(epoch)),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndSpan records err, if any, and ends span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// EndRefreshSpan enriches the refresh span with its outcome.
func EndRefreshSpan(span trace.Span, outcome string, err error) {
	span.SetAttributes(attribute.String("microfin.refresh_outcome", outcome))
	EndSpan(span, err)
}
