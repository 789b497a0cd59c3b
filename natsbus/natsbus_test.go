package natsbus

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestConnectRequiresURL(t *testing.T) {
	_, err := Connect(context.Background(), "", Options{})
	require.Error(t, err)
}

func TestConnectHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Connect(ctx, "nats://127.0.0.1:4222", Options{})
	require.ErrorIs(t, err, context.Canceled)
}

func TestConnectFailsWithoutServer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := Connect(ctx, "nats://127.0.0.1:1", Options{Name: "test"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect nats")
}

func TestHeaderCarrierRoundTrip(t *testing.T) {
	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	prop := propagation.TraceContext{}
	header := nats.Header{}
	prop.Inject(ctx, &headerCarrier{header: header})
	assert.NotEmpty(t, header.Get("traceparent"))

	extracted := trace.SpanContextFromContext(prop.Extract(context.Background(), &headerCarrier{header: header}))
	assert.Equal(t, traceID, extracted.TraceID())
	assert.NotEmpty(t, (&headerCarrier{header: header}).Keys())
}

func TestHeaderCarrierNilHeader(t *testing.T) {
	assert.Empty(t, (&headerCarrier{}).Get("traceparent"))
	assert.Empty(t, (&headerCarrier{}).Keys())
}
