// Package natsbus implements sockethub.Bus on a NATS connection. Publishes
// carry W3C trace context in message headers.
package natsbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ramory-l/sockethub"
)

var tracer = otel.Tracer("github.com/ramory-l/sockethub/natsbus")

// Options configures Connect.
type Options struct {
	// Name identifies the connection in NATS monitoring.
	Name string

	// ConnectTimeout bounds the initial dial. A context deadline, when
	// sooner, wins.
	ConnectTimeout time.Duration

	ReconnectWait time.Duration

	Logger *slog.Logger
}

// Bus is a sockethub.Bus backed by a NATS connection.
type Bus struct {
	nc        *nats.Conn
	logger    *slog.Logger
	closeOnce sync.Once
	closeErr  error
}

var _ sockethub.Bus = (*Bus)(nil)

// Connect dials url. Reconnects forever once connected.
func Connect(ctx context.Context, url string, opts Options) (*Bus, error) {
	if url == "" {
		return nil, errors.New("connect nats: empty url")
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = nats.DefaultTimeout
	}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	reconnectWait := opts.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}

	nc, err := nats.Connect(url,
		nats.Name(opts.Name),
		nats.Timeout(timeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(reconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Warn("NATS async error", "subject", subject, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	logger.Info("Connected to NATS", "url", nc.ConnectedUrl())

	return &Bus{nc: nc, logger: logger}, nil
}

// Publish sends msg with a PRODUCER span whose context rides in the headers.
func (b *Bus) Publish(ctx context.Context, msg *sockethub.Message) error {
	ctx, span := tracer.Start(ctx, msg.Subject+" publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "nats"),
			attribute.String("messaging.destination.name", msg.Subject),
			attribute.Int("messaging.message.payload_size_bytes", len(msg.Data)),
		),
	)
	defer span.End()

	header := nats.Header{}
	otel.GetTextMapPropagator().Inject(ctx, &headerCarrier{header: header})

	err := b.nc.PublishMsg(&nats.Msg{
		Subject: msg.Subject,
		Reply:   msg.Reply,
		Data:    msg.Data,
		Header:  header,
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	return nil
}

// Subscribe delivers every message on subject to handler, one at a time.
func (b *Bus) Subscribe(subject string, handler sockethub.MessageHandler) (sockethub.Subscription, error) {
	sub, err := b.nc.Subscribe(subject, func(m *nats.Msg) {
		ctx := otel.GetTextMapPropagator().Extract(context.Background(), &headerCarrier{header: m.Header})
		_, span := tracer.Start(ctx, m.Subject+" process",
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(
				attribute.String("messaging.system", "nats"),
				attribute.String("messaging.destination.name", m.Subject),
				attribute.Int("messaging.message.payload_size_bytes", len(m.Data)),
			),
		)
		defer span.End()

		handler(&sockethub.Message{Subject: m.Subject, Reply: m.Reply, Data: m.Data})
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return sub, nil
}

// NewInbox returns a unique reply subject.
func (b *Bus) NewInbox() string {
	return b.nc.NewInbox()
}

// Close drains the connection. Safe to call more than once.
func (b *Bus) Close() error {
	b.closeOnce.Do(func() {
		if err := b.nc.Drain(); err != nil {
			b.nc.Close()
			if !errors.Is(err, nats.ErrConnectionClosed) {
				b.closeErr = fmt.Errorf("drain nats: %w", err)
			}
		}
	})
	return b.closeErr
}

// headerCarrier adapts nats.Header to propagation.TextMapCarrier.
type headerCarrier struct {
	header nats.Header
}

func (c *headerCarrier) Get(key string) string {
	if c.header == nil {
		return ""
	}
	return c.header.Get(key)
}

func (c *headerCarrier) Set(key, value string) {
	c.header.Set(key, value)
}

func (c *headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c.header))
	for k := range c.header {
		keys = append(keys, k)
	}
	return keys
}
