package realtime

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	connections metric.Int64UpDownCounter
	joins       metric.Int64Counter
	commands    metric.Int64Counter
	emits       metric.Int64Counter
	expired     metric.Int64Counter
}

func newMetrics() *metrics {
	meter := otel.Meter("github.com/ramory-l/sockethub/internal/realtime")

	connections, _ := meter.Int64UpDownCounter("sockethub_connections",
		metric.WithDescription("Sockets connected to this instance"))
	joins, _ := meter.Int64Counter("sockethub_room_joins_total",
		metric.WithDescription("Room join attempts by kind and result"))
	commands, _ := meter.Int64Counter("sockethub_commands_total",
		metric.WithDescription("Administrative commands issued by this instance"))
	emits, _ := meter.Int64Counter("sockethub_emits_total",
		metric.WithDescription("Room emits by event and mode"))
	expired, _ := meter.Int64Counter("sockethub_expired_disconnects_total",
		metric.WithDescription("Sockets disconnected for an expired session during validated emits"))

	return &metrics{
		connections: connections,
		joins:       joins,
		commands:    commands,
		emits:       emits,
		expired:     expired,
	}
}

func (m *metrics) join(kind, result string) {
	m.joins.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("result", result),
	))
}

func (m *metrics) command(cmd adminCommand) {
	m.commands.Add(context.Background(), 1, metric.WithAttributes(attribute.String("command", string(cmd))))
}

func (m *metrics) emit(ctx context.Context, event Event, validated bool) {
	mode := "fast"
	if validated {
		mode = "validated"
	}
	m.emits.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", event.name),
		attribute.String("mode", mode),
	))
}
