// Package localmq is an in-process pkg/mq.Queue backend for tests and
// single-node dev mode. Grounded on
// _examples/cuemby-warren/pkg/events/events.go's Broker: a
// subscriber-set map, a buffered intake channel, and a single goroutine
// fanning out to every subscriber so a slow subscriber can't block
// Publish.
package localmq

import (
	"context"
	"sync"

	"github.com/cuemby/sokovan/pkg/mq"
)

const intakeBuffer = 256
const subscriberBuffer = 64

// Broker is the in-process Queue implementation.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[string][]chan mq.Message
	intake      chan mq.Message
	stopCh      chan struct{}
	closeOnce   sync.Once
}

// New creates a Broker and starts its fan-out goroutine.
func New() *Broker {
	b := &Broker{
		subscribers: make(map[string][]chan mq.Message),
		intake:      make(chan mq.Message, intakeBuffer),
		stopCh:      make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *Broker) run() {
	for {
		select {
		case msg := <-b.intake:
			b.broadcast(msg)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(msg mq.Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers[msg.Topic] {
		select {
		case ch <- msg:
		default: // slow subscriber drops the message rather than blocking the broker
		}
	}
}

func (b *Broker) Publish(ctx context.Context, topic string, payload []byte) error {
	msg := mq.Message{Topic: topic, Payload: payload}
	select {
	case b.intake <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.stopCh:
		return nil
	}
}

func (b *Broker) Subscribe(ctx context.Context, topic string) (<-chan mq.Message, error) {
	ch := make(chan mq.Message, subscriberBuffer)
	b.mu.Lock()
	b.subscribers[topic] = append(b.subscribers[topic], ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[topic]
		for i, c := range subs {
			if c == ch {
				b.subscribers[topic] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}()
	return ch, nil
}

// Ack is a no-op for localmq: there is no redelivery/consumer-group
// concept to acknowledge against in an in-process fan-out.
func (b *Broker) Ack(_ context.Context, _ string, _ string) error { return nil }

func (b *Broker) Close() error {
	b.closeOnce.Do(func() { close(b.stopCh) })
	return nil
}

// SubscriberCount reports how many subscribers a topic currently has,
// used by tests and metrics.
func (b *Broker) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[topic])
}
