package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

func syncer(exp sdktrace.SpanExporter, _ ...sdktrace.BatchSpanProcessorOption) sdktrace.TracerProviderOption {
	return sdktrace.WithSyncer(exp)
}

func TestProviderExportsSpansWithServiceResource(t *testing.T) {
	t.Parallel()

	exp := tracetest.NewInMemoryExporter()
	tp := newProvider(Config{ServiceName: "pricescan", Version: "1.2.3"}, exp, syncer)

	_, span := tp.Tracer("test").Start(context.Background(), "pipeline.batch")
	span.End()
	require.NoError(t, tp.ForceFlush(context.Background()))

	spans := exp.GetSpans()
	require.NoError(t, tp.Shutdown(context.Background()))
	require.Len(t, spans, 1)
	require.Equal(t, "pipeline.batch", spans[0].Name)
	require.Contains(t, spans[0].Resource.Attributes(), semconv.ServiceName("pricescan"))
	require.Contains(t, spans[0].Resource.Attributes(), semconv.ServiceVersion("1.2.3"))
}

func TestProviderWithoutExporter(t *testing.T) {
	t.Parallel()

	tp := newProvider(Config{ServiceName: "pricescan"}, nil, syncer)
	_, span := tp.Tracer("test").Start(context.Background(), "noop")
	require.True(t, span.SpanContext().IsValid())
	span.End()
	require.NoError(t, tp.Shutdown(context.Background()))
}

func TestInitTracingLocal(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), Config{ServiceName: "pricescan", Version: "dev"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestInitTracingRequiresServiceName(t *testing.T) {
	t.Parallel()

	_, err := InitTracing(context.Background(), Config{})
	require.ErrorContains(t, err, "service name is required")
}
