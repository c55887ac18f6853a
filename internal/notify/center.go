package notify

import (
	"sync"
	"time"

	"solarchat/internal/eventbus"
	"solarchat/internal/metrics"
	"solarchat/pkg/chat/types"

	"github.com/google/uuid"
)

// Center keeps the transient reply banners. Every entry removes itself when
// its display window ends.
type Center struct {
	mu       sync.Mutex
	entries  []types.ReplyNotification
	timers   map[string]*time.Timer
	lifetime time.Duration
	bus      *eventbus.Bus
	closed   bool
	now      func() time.Time
}

func NewCenter(lifetime time.Duration, bus *eventbus.Bus) *Center {
	if lifetime <= 0 {
		lifetime = 6 * time.Second
	}
	return &Center{
		timers:   make(map[string]*time.Timer),
		lifetime: lifetime,
		bus:      bus,
		now:      time.Now,
	}
}

// Push adds a notification and schedules its removal
func (c *Center) Push(text string) types.ReplyNotification {
	n := types.ReplyNotification{
		ID:        uuid.NewString(),
		Text:      text,
		ExpiresAt: c.now().Add(c.lifetime),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return n
	}
	c.entries = append(c.entries, n)
	c.timers[n.ID] = time.AfterFunc(c.lifetime, func() { c.remove(n.ID) })
	count := len(c.entries)
	c.mu.Unlock()

	metrics.SetGauge(metrics.ActiveNotifications, float64(count), nil, "Visible reply notifications")
	c.publish(eventbus.TopicNotificationAdded, n)
	return n
}

// Active returns the notifications currently shown, oldest first
func (c *Center) Active() []types.ReplyNotification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.ReplyNotification(nil), c.entries...)
}

// Close stops all pending removals and drops the entries
func (c *Center) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, timer := range c.timers {
		timer.Stop()
		delete(c.timers, id)
	}
	c.entries = nil
	c.closed = true
}

func (c *Center) remove(id string) {
	c.mu.Lock()
	if _, ok := c.timers[id]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.timers, id)

	var removed types.ReplyNotification
	for i, n := range c.entries {
		if n.ID == id {
			removed = n
			c.entries = append(c.entries[:i:i], c.entries[i+1:]...)
			break
		}
	}
	count := len(c.entries)
	c.mu.Unlock()

	metrics.SetGauge(metrics.ActiveNotifications, float64(count), nil, "Visible reply notifications")
	c.publish(eventbus.TopicNotificationRemoved, removed)
}

func (c *Center) publish(topic string, n types.ReplyNotification) {
	if c.bus != nil {
		c.bus.Publish(topic, n)
	}
}
