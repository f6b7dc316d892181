package telemetry_test

import (
	"context"
	"errors"
	"testing"

	"github.com/socialhub/realtime/pkg/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNewExporter_RequiresConfiguration(t *testing.T) {
	_, err := telemetry.NewExporter(context.Background(), telemetry.Config{})
	assert.ErrorIs(t, err, telemetry.ErrNoExporter)
	assert.False(t, telemetry.Config{}.Enabled())
	assert.True(t, telemetry.Config{JaegerURL: "http://localhost:14268/api/traces"}.Enabled())
}

func TestNewExporter_PrefersOTLP(t *testing.T) {
	exp, err := telemetry.NewExporter(context.Background(), telemetry.Config{
		OTLP:      telemetry.OTLP{Host: "localhost:4318"},
		JaegerURL: "http://localhost:14268/api/traces",
	})
	require.NoError(t, err)
	assert.IsType(t, &otlptrace.Exporter{}, exp)
	require.NoError(t, exp.Shutdown(context.Background()))
}

func TestNewResource_UsesGivenID(t *testing.T) {
	res, err := telemetry.NewResource("realtime", "instance-1")
	require.NoError(t, err)
	assert.Contains(t, res.Attributes(), attribute.String("ID", "instance-1"))
}

func TestTelemetry_RecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(recorder))
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	root := telemetry.NewTelemetry(context.Background(), "call", attribute.String("call_id", "c1"))
	child := root.CreateChild("negotiation")
	child.AddEvent("offer sent")
	child.Fail(errors.New("timed out"))
	child.End()
	root.SetAttributes(attribute.String("conversation_id", "conv"))
	root.Succeed()
	root.End()

	root.AddEvent("after the end")
	root.End()

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "negotiation", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, spans[1].SpanContext().SpanID(), spans[0].Parent().SpanID())
	assert.Contains(t, spans[1].Attributes(), attribute.String("conversation_id", "conv"))
	assert.Equal(t, codes.Ok, spans[1].Status().Code)
	assert.Empty(t, spans[1].Events())
}
