package sockethub

import "context"

// Message is one unit carried by a Bus.
type Message struct {
	Subject string
	Reply   string
	Data    []byte
}

// MessageHandler receives messages for a subscription.
type MessageHandler func(msg *Message)

// Subscription is an active interest in a subject.
type Subscription interface {
	Unsubscribe() error
}

// Bus is the publish-subscribe broker instances coordinate through. Every
// subscriber of a subject receives every message published to it, the
// publisher's own subscriptions included.
type Bus interface {
	Publish(ctx context.Context, msg *Message) error
	Subscribe(subject string, handler MessageHandler) (Subscription, error)

	// NewInbox returns a subject unique to this connection, for replies.
	NewInbox() string

	Close() error
}
