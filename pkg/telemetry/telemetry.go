/*
Copyright 2026 The Flow Engine Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package telemetry wraps OpenTelemetry tracing around one StageExecution
// (spec section 4.6): one span per stage attempt, tagged with the run's
// execution ID, the stage name, and the outcome.
package telemetry

import (
	"context"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "github.com/flowforge/engine/pkg/flow/engine"

// Tracer wraps the otel tracer used for per-stage spans.
type Tracer struct {
	tracer   oteltrace.Tracer
	provider *trace.TracerProvider
}

// New builds a Tracer backed by an stdout span exporter writing to w.
// Swapping the exporter for an OTLP one is a one-line change at the
// call site; the core never depends on a specific backend.
func New(w io.Writer) (*Tracer, error) {
	exp, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	tp := trace.NewTracerProvider(trace.WithBatcher(exp))
	otel.SetTracerProvider(tp)
	return &Tracer{tracer: tp.Tracer(tracerName), provider: tp}, nil
}

// NewNoop builds a Tracer that records nothing, for tests and for runs
// with tracing disabled.
func NewNoop() *Tracer {
	return &Tracer{tracer: noop.NewTracerProvider().Tracer(tracerName)}
}

// StartStageSpan opens one span covering a single stage invocation.
func (t *Tracer) StartStageSpan(ctx context.Context, executionID, stageName string, attempt int) (context.Context, oteltrace.Span) {
	return t.tracer.Start(ctx, "stage."+stageName,
		oteltrace.WithAttributes(
			attribute.String("flow.execution_id", executionID),
			attribute.String("flow.stage", stageName),
			attribute.Int("flow.attempt", attempt),
		),
	)
}

// EndStageSpan closes span with the stage's outcome.
func EndStageSpan(span oteltrace.Span, status string, err error) {
	span.SetAttributes(attribute.String("flow.status", status))
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// Shutdown flushes and stops the underlying tracer provider, if any.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}
