package events

import (
	"sync"
	"time"
)

// BusEventType identifies in-process bus events. These are advisory
// notifications for subscribers such as the store watcher and status
// layer; the audit log remains the durable record.
type BusEventType string

const (
	BusTaskAssigned       BusEventType = "task_assigned"
	BusExecutionOpened    BusEventType = "execution_opened"
	BusExecutionClosed    BusEventType = "execution_closed"
	BusExecutionAbandoned BusEventType = "execution_abandoned"
	BusStoreChanged       BusEventType = "store_changed"
)

// BusEvent is one published event.
type BusEvent struct {
	Type      BusEventType
	Timestamp time.Time
	Data      map[string]any
}

// Subscriber receives events for one type.
type Subscriber func(BusEvent)

// Bus is a non-blocking publish/subscribe bus. Delivery is asynchronous
// via buffered channels; if a subscriber's channel is full the event is
// dropped for that subscriber.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[BusEventType][]chan BusEvent
	bufferSize  int
}

// NewBus creates an event bus with the given per-subscriber buffer size.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[BusEventType][]chan BusEvent),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers fn for eventType and returns an unsubscribe function.
func (b *Bus) Subscribe(eventType BusEventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan BusEvent, b.bufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	go func() {
		for event := range ch {
			func() {
				defer func() {
					// A panicking subscriber must not take down the bus.
					_ = recover()
				}()
				fn(event)
			}()
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscribers[eventType]
		for i, subCh := range subs {
			if subCh == ch {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
}

// Publish delivers an event to all subscribers of eventType without
// blocking the caller.
func (b *Bus) Publish(eventType BusEventType, data map[string]any) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	event := BusEvent{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	for _, ch := range b.subscribers[eventType] {
		select {
		case ch <- event:
		default:
		}
	}
}

// Close shuts down all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
}
