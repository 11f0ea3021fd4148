package eventlog

import "context"

// Message is the unit handed to a Transport: the event name plus the full event.
type Message struct {
	EventName string `json:"event_name"`
	Payload   Event  `json:"payload"`
}

// NewMessage wraps e for delivery.
func NewMessage(e Event) Message {
	return Message{EventName: e.Type.String(), Payload: e}
}

// Transport is the real-time pub/sub collaborator. Send is fire-and-forget from
// the publisher's point of view: a returned error is logged and counted, never
// retried and never surfaced to producers.
type Transport interface {
	Send(ctx context.Context, topic string, msg Message) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, topic string, msg Message) error

func (f TransportFunc) Send(ctx context.Context, topic string, msg Message) error {
	return f(ctx, topic, msg)
}

// NopTransport discards every message. It is used when no transport is configured.
var NopTransport Transport = TransportFunc(func(context.Context, string, Message) error { return nil })
