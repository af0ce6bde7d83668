package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

func TestInit_WithoutEndpoint(t *testing.T) {
	p, err := Init(context.Background(), DefaultConfig("pafill-test"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	ctx, span := otel.Tracer("test").Start(context.Background(), "op")
	defer span.End()
	require.True(t, span.SpanContext().IsValid())

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	assert.Contains(t, carrier.Get("traceparent"), span.SpanContext().TraceID().String())
}

func TestShutdown_NilProvider(t *testing.T) {
	var p *Provider
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestRootSampler(t *testing.T) {
	assert.Contains(t, rootSampler(1).Description(), "AlwaysOn")
	assert.Contains(t, rootSampler(0).Description(), "AlwaysOff")
	assert.Contains(t, rootSampler(0.25).Description(), "TraceIDRatioBased")
}

func TestServiceResource_DefaultsVersion(t *testing.T) {
	res, err := serviceResource(DefaultConfig("pafill-test"))
	require.NoError(t, err)

	var version string
	for _, kv := range res.Attributes() {
		if kv.Key == "service.version" {
			version = kv.Value.AsString()
		}
	}
	assert.NotEmpty(t, version)
}
