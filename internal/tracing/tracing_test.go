package tracing

import (
	"context"
	"errors"
	"testing"

	"solarchat/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func useRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { otel.SetTracerProvider(previous) })
	return recorder
}

func TestOperationID(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetOperationID(ctx))
	assert.Empty(t, LogFields(ctx))

	ctx = WithOperationID(ctx)
	id := GetOperationID(ctx)
	assert.Len(t, id, 36)
	assert.Equal(t, id, LogFields(ctx)["operation_id"])

	assert.NotEqual(t, id, GetOperationID(WithOperationID(context.Background())))
}

func TestStartSpan_RecordsAttributesAndErrors(t *testing.T) {
	recorder := useRecorder(t)

	ctx := WithOperationID(context.Background())
	ctx, span := StartSpan(ctx, "history.fetch", AttrPeer.String("p1"))
	AddSpanAttributes(ctx, AttrMessageCount.Int(3))
	RecordError(ctx, errors.New("boom"))
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "history.fetch", ended[0].Name())
	assert.Equal(t, codes.Error, ended[0].Status().Code)

	attrs := map[string]string{}
	for _, kv := range ended[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "p1", attrs["chat.peer"])
	assert.Equal(t, "3", attrs["chat.message.count"])
	assert.Equal(t, GetOperationID(ctx), attrs["chat.operation_id"])
	require.Len(t, ended[0].Events(), 1)
}

func TestSpanHelpers_NoActiveSpan(t *testing.T) {
	ctx := context.Background()
	assert.NotPanics(t, func() {
		AddSpanAttributes(ctx, AttrPeer.String("p1"))
		RecordError(ctx, errors.New("ignored"))
	})
}

func TestTracingManager_Disabled(t *testing.T) {
	tm := NewTracingManager(models.TracingConfig{Enabled: false}, logrus.New())
	require.NoError(t, tm.Initialize(context.Background()))
	assert.Nil(t, tm.tracerProvider)
	assert.NoError(t, tm.Shutdown(context.Background()))
}

func TestTracingManager_StdoutExporter(t *testing.T) {
	previous := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	tm := NewTracingManager(models.TracingConfig{
		Enabled:     true,
		ServiceName: "solarchat-test",
		SampleRate:  1,
		UseStdout:   true,
	}, nil)

	require.NoError(t, tm.Initialize(context.Background()))
	require.NotNil(t, tm.tracerProvider)
	assert.NoError(t, tm.Shutdown(context.Background()))
}
