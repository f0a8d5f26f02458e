// Package events is the in-process pub/sub bus carrying rejection and
// confirmation notifications from the intake pipeline to the orchestrator,
// the websocket feed, and the Redis publisher.
package events

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// Event types published on the bus.
const (
	TypeRejection    = "transaction.rejected"
	TypeConfirmation = "snapshot.confirmed"
)

// Event is the bus envelope. Payload holds the decoded webhook body.
type Event struct {
	Type    string      `json:"type"`
	ID      string      `json:"id"`
	Time    time.Time   `json:"time"`
	FiberID string      `json:"fiberId,omitempty"`
	Payload interface{} `json:"payload"`
}

// NewEvent stamps an envelope around a payload.
func NewEvent(eventType, fiberID string, payload interface{}) *Event {
	return &Event{
		Type:    eventType,
		ID:      fmt.Sprintf("ev-%d", time.Now().UnixNano()),
		Time:    time.Now(),
		FiberID: fiberID,
		Payload: payload,
	}
}

// Bus fans events out to subscriber channels. Delivery is best-effort: a
// full subscriber buffer drops the event rather than blocking intake.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan *Event
	allSubs     []chan *Event
	logger      *log.Logger
	bufferSize  int
}

// NewBus creates a bus with a per-subscriber buffer of 100 events.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string][]chan *Event),
		logger:      log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
		bufferSize:  100,
	}
}

// Subscribe returns a channel receiving the given event types, or all events
// when none are named.
func (b *Bus) Subscribe(eventTypes ...string) chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *Event, b.bufferSize)
	if len(eventTypes) == 0 {
		b.allSubs = append(b.allSubs, ch)
	} else {
		for _, et := range eventTypes {
			b.subscribers[et] = append(b.subscribers[et], ch)
		}
	}
	return ch
}

// Unsubscribe detaches and closes a subscriber channel.
func (b *Bus) Unsubscribe(ch chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for et, subs := range b.subscribers {
		filtered := subs[:0]
		for _, s := range subs {
			if s != ch {
				filtered = append(filtered, s)
			}
		}
		b.subscribers[et] = filtered
	}
	filtered := b.allSubs[:0]
	for _, s := range b.allSubs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	b.allSubs = filtered
	close(ch)
}

// Publish delivers to every matching subscriber without blocking.
func (b *Bus) Publish(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[event.Type] {
		select {
		case ch <- event:
		default:
			b.logger.Printf("⚠️ Dropping %s event for slow subscriber", event.Type)
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- event:
		default:
		}
	}
}

// SubscriberCount reports active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := len(b.allSubs)
	for _, subs := range b.subscribers {
		n += len(subs)
	}
	return n
}
