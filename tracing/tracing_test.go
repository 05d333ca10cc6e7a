package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/trace"
)

func TestInitWithoutExporter(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "order-service"})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	// propagation works even with export off
	tp := trace.NewTracerProvider()
	defer tp.Shutdown(context.Background())
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	assert.NotEmpty(t, carrier.Get("traceparent"))
}

func TestInitWithExporter(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{
		ServiceName: "order-receiver",
		ExporterURL: "127.0.0.1:4318",
		SampleRate:  1,
	})
	require.NoError(t, err)
	assert.NotNil(t, shutdown)
}
