package tracing

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

func TestInit_NoEndpoint(t *testing.T) {
	shutdown, err := Init(context.Background(), "pagedrop-test", "dev", "")
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInit_InstallsPropagator(t *testing.T) {
	_, err := Init(context.Background(), "pagedrop-test", "dev", "")
	require.NoError(t, err)

	h := http.Header{}
	h.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	ctx := otel.GetTextMapPropagator().Extract(context.Background(), propagation.HeaderCarrier(h))

	out := http.Header{}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(out))
	assert.Equal(t, h.Get("traceparent"), out.Get("traceparent"))
}

func TestInit_WithEndpoint(t *testing.T) {
	shutdown, err := Init(context.Background(), "pagedrop-test", "dev", "localhost:4318")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
