package telemetry

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const PACKAGE = "realtime"

var tracer trace.Tracer

// The span of a long running operation, e.g. a call or the setup of its connection.
// Safe for concurrent use, calls after `End` are ignored.
type Telemetry struct {
	span    trace.Span
	context context.Context //nolint:containedctx
	ended   atomic.Bool
}

func NewTelemetry(ctx context.Context, name string, attributes ...attribute.KeyValue) *Telemetry {
	ctx, span := otel.Tracer(PACKAGE).Start(ctx, name, trace.WithAttributes(attributes...))

	return &Telemetry{span: span, context: ctx}
}

// The context carrying the span, for spans started by other packages.
func (t *Telemetry) Context() context.Context {
	return t.context
}

func (t *Telemetry) CreateChild(name string, attributes ...attribute.KeyValue) *Telemetry {
	return NewTelemetry(t.context, name, attributes...)
}

// Attaches attributes learned after the span started, e.g. an id assigned by the server.
func (t *Telemetry) SetAttributes(attributes ...attribute.KeyValue) {
	if !t.ended.Load() {
		t.span.SetAttributes(attributes...)
	}
}

func (t *Telemetry) AddEvent(text string, attributes ...attribute.KeyValue) {
	if !t.ended.Load() {
		t.span.AddEvent(text, trace.WithAttributes(attributes...))
	}
}

// Records a non-fatal error.
func (t *Telemetry) AddError(err error) {
	if !t.ended.Load() {
		t.span.RecordError(err)
	}
}

// Marks the operation as failed with the given cause.
func (t *Telemetry) Fail(err error) {
	if t.ended.Load() {
		return
	}

	t.span.SetStatus(codes.Error, err.Error())
	t.span.RecordError(err)
}

// Marks the operation as successful.
func (t *Telemetry) Succeed() {
	if !t.ended.Load() {
		t.span.SetStatus(codes.Ok, "")
	}
}

func (t *Telemetry) End() {
	if t.ended.CompareAndSwap(false, true) {
		t.span.End()
	}
}
