package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/roelfdiedericks/centerhelper/internal/logging"
)

// Event topics.
const (
	TopicRunFinished  = "run.finished"
	TopicRunPaused    = "run.paused"
	TopicPaymentFound = "payment.found"
	TopicConfigReload = "config.reloaded"
)

// Event is a notification broadcast to subscribers.
type Event struct {
	Topic     string
	Data      any
	Timestamp time.Time
	Source    string
}

// EventHandler processes an event.
type EventHandler func(Event)

// SubscriptionID identifies an event subscription.
type SubscriptionID uint64

type subscription struct {
	id      SubscriptionID
	handler EventHandler
}

var (
	eventSubscriptions   = make(map[string][]subscription)
	eventSubscriptionsMu sync.RWMutex

	nextSubscriptionID uint64
)

// SubscribeEvent registers a handler for topic.
func SubscribeEvent(topic string, handler EventHandler) SubscriptionID {
	id := SubscriptionID(atomic.AddUint64(&nextSubscriptionID, 1))

	eventSubscriptionsMu.Lock()
	defer eventSubscriptionsMu.Unlock()

	eventSubscriptions[topic] = append(eventSubscriptions[topic], subscription{id: id, handler: handler})
	L_debug("bus: event subscribed", "topic", topic, "subscriptionID", id)
	return id
}

// UnsubscribeEvent removes a subscription; false when it was not found.
func UnsubscribeEvent(id SubscriptionID) bool {
	eventSubscriptionsMu.Lock()
	defer eventSubscriptionsMu.Unlock()

	for topic, subs := range eventSubscriptions {
		for i, sub := range subs {
			if sub.id != id {
				continue
			}
			eventSubscriptions[topic] = append(subs[:i:i], subs[i+1:]...)
			if len(eventSubscriptions[topic]) == 0 {
				delete(eventSubscriptions, topic)
			}
			return true
		}
	}
	return false
}

// PublishEvent broadcasts data on topic. Handlers run in their own goroutines
// and a panicking handler is logged, not propagated.
func PublishEvent(topic string, data any) {
	PublishEventWithSource(topic, data, "system")
}

// PublishEventWithSource is PublishEvent with an origin label.
func PublishEventWithSource(topic string, data any, source string) {
	event := Event{Topic: topic, Data: data, Timestamp: time.Now(), Source: source}

	eventSubscriptionsMu.RLock()
	subs := append([]subscription(nil), eventSubscriptions[topic]...)
	eventSubscriptionsMu.RUnlock()

	if len(subs) == 0 {
		L_trace("bus: event published (no subscribers)", "topic", topic)
		return
	}
	L_debug("bus: event published", "topic", topic, "subscribers", len(subs), "source", source)

	for _, sub := range subs {
		go func(s subscription) {
			defer func() {
				if r := recover(); r != nil {
					L_error("bus: event handler panic", "topic", topic, "subscriptionID", s.id, "panic", r)
				}
			}()
			s.handler(event)
		}(sub)
	}
}

// WaitEvent blocks until an event on topic satisfies match, or ctx is done.
func WaitEvent(ctx context.Context, topic string, match func(Event) bool) (Event, error) {
	got := make(chan Event, 1)
	id := SubscribeEvent(topic, func(e Event) {
		if match != nil && !match(e) {
			return
		}
		select {
		case got <- e:
		default:
		}
	})
	defer UnsubscribeEvent(id)

	select {
	case e := <-got:
		return e, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// CountEventSubscribers returns the number of subscribers for topic.
func CountEventSubscribers(topic string) int {
	eventSubscriptionsMu.RLock()
	defer eventSubscriptionsMu.RUnlock()
	return len(eventSubscriptions[topic])
}
