// Package bus is the notification channel between the tunnel state machine
// and its subscribers. Events are delivered on buffered channels drained by
// subscriber goroutines, never from inside the state machine's critical
// section, so subscriber code can safely re-enter the state machine.
package bus

import (
	"fmt"
	"log/slog"

	"github.com/cskr/pubsub"
)

const defaultCapacity = 64

// Subscription carries vpn.Status and vpn.DeviceEvent values; subscribers
// type-switch on the payload. A subscription may span several topics.
type Subscription chan any

type MessageBus interface {
	Publish(topic string, msg any)
	Subscribe(topics ...string) Subscription
	Unsubscribe(ch Subscription, topics ...string)
	Close()
}

type PubSubBus struct {
	ps     *pubsub.PubSub
	logger *slog.Logger
}

func New(logger *slog.Logger) *PubSubBus {
	return &PubSubBus{
		ps:     pubsub.New(defaultCapacity),
		logger: logger,
	}
}

func (b *PubSubBus) Publish(topic string, msg any) {
	b.logger.Debug("publish", "topic", topic, "payload_type", fmt.Sprintf("%T", msg))
	b.ps.Pub(msg, topic)
}

// Subscribe returns a channel receiving every message published to any of
// the given topics.
func (b *PubSubBus) Subscribe(topics ...string) Subscription {
	ch := b.ps.Sub(topics...)
	b.logger.Debug("subscribe", "topics", topics)
	return ch
}

// Unsubscribe with no topics removes the subscription entirely.
func (b *PubSubBus) Unsubscribe(ch Subscription, topics ...string) {
	if len(topics) == 0 {
		b.ps.Unsub(ch)
		return
	}
	b.ps.Unsub(ch, topics...)
}

func (b *PubSubBus) Close() {
	b.ps.Shutdown()
}
