package eventbus

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Topics published by the sync engine
const (
	TopicStoreUpdated        = "store.updated"
	TopicTypingChanged       = "typing.changed"
	TopicNotificationAdded   = "notification.added"
	TopicNotificationRemoved = "notification.removed"
)

// Handler receives the payload published on a topic
type Handler func(payload interface{})

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is an in-process publish/subscribe hub. Handlers run synchronously on the
// publishing goroutine, in subscription order.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string][]subscription
	logger *logrus.Logger
}

func New(logger *logrus.Logger) *Bus {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	return &Bus{
		subs:   make(map[string][]subscription),
		logger: logger,
	}
}

// Subscribe registers handler for topic and returns a func that removes it
func (b *Bus) Subscribe(topic string, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs[topic] = append(b.subs[topic], subscription{id: id, handler: handler})

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(topic, id) })
	}
}

// Publish delivers payload to every current subscriber of topic.
// A panicking handler is logged and does not stop delivery to the others.
func (b *Bus) Publish(topic string, payload interface{}) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs[topic]))
	copy(subs, b.subs[topic])
	b.mu.RUnlock()

	for _, sub := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.WithFields(logrus.Fields{
						"topic": topic,
						"panic": r,
					}).Error("Event handler panicked")
				}
			}()
			sub.handler(payload)
		}()
	}
}

// Subscribers returns the number of handlers registered for topic
func (b *Bus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

func (b *Bus) remove(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[topic]
	for i, sub := range subs {
		if sub.id == id {
			b.subs[topic] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[topic]) == 0 {
		delete(b.subs, topic)
	}
}
