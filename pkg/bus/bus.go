// Package bus is the in-process publish/subscribe channel between the
// ingestion pipeline, the session registry and realtime consumers.
package bus

import (
	evbus "github.com/asaskevich/EventBus"
)

const (
	TopicSessionUpdate = "session.update"
	TopicChatMessage   = "chat.message"
	TopicChatReceipt   = "chat.receipt"
	TopicChatTyping    = "chat.typing"
	TopicChatPresence  = "chat.presence"
	TopicChatHistory   = "chat.history"
	TopicChatPushName  = "chat.pushname"
	TopicAlert         = "alert"
)

type Bus struct {
	inner evbus.Bus
}

func New() *Bus {
	return &Bus{inner: evbus.New()}
}

// Publish delivers the payload to every subscriber of the topic. Async
// subscribers receive it on their own goroutine; publish never blocks on
// a slow consumer beyond synchronous subscribers.
func (b *Bus) Publish(topic string, payload interface{}) {
	b.inner.Publish(topic, payload)
}

func (b *Bus) Subscribe(topic string, fn interface{}) error {
	return b.inner.Subscribe(topic, fn)
}

// SubscribeAsync registers a fire-and-forget consumer. Delivery order
// across topics is not guaranteed for async subscribers.
func (b *Bus) SubscribeAsync(topic string, fn interface{}) error {
	return b.inner.SubscribeAsync(topic, fn, false)
}

func (b *Bus) Unsubscribe(topic string, fn interface{}) error {
	return b.inner.Unsubscribe(topic, fn)
}

// WaitAsync blocks until all async handlers spawned so far have returned.
func (b *Bus) WaitAsync() {
	b.inner.WaitAsync()
}
