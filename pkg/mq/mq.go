// Package mq defines the scheduling-event queue abstraction. The
// allocator publishes one "session.scheduled" event per committed
// session through it; no package in this module subscribes to those
// events.
package mq

import "context"

// Message is one published event, opaque to the queue itself.
type Message struct {
	ID      string
	Topic   string
	Payload []byte
}

// Queue is the publish/consume surface every backend implements.
type Queue interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) (<-chan Message, error)
	Ack(ctx context.Context, topic string, messageID string) error
	Close() error
}
