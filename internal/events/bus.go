// Package events provides the in-process publish/subscribe bus that
// decouples the order engine, the sync engine, the scheduler, and the
// streaming layer. Delivery is asynchronous but FIFO per subscriber.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType identifies a category of event
type EventType string

const (
	// OrderUpdated fires on every order state or fill change.
	OrderUpdated EventType = "order_update"
	// OrderFilled fires once per applied fill delta.
	OrderFilled EventType = "fill"
	// AccountUpdated fires when an account's balances or sync status change.
	AccountUpdated EventType = "account_update"
	// HoldingUpdated fires when a position changes quantity or value.
	HoldingUpdated EventType = "holding_update"
	// PriceUpdated fires when the quote cache refreshes a symbol.
	PriceUpdated EventType = "price_update"
	// SyncCompleted fires after a full account sync pass finishes.
	SyncCompleted EventType = "sync_completed"
	// AlertRaised fires when a metrics rule or drift check trips.
	AlertRaised EventType = "alert"
	// TaskStarted, TaskCompleted and TaskFailed track scheduler task runs.
	TaskStarted   EventType = "task_started"
	TaskCompleted EventType = "task_completed"
	TaskFailed    EventType = "task_failed"
	// BrokerStreamStatusChanged fires when the broker fill stream
	// connects or drops.
	BrokerStreamStatusChanged EventType = "broker_stream_status"
	// MarketStatusChanged fires on market session transitions.
	MarketStatusChanged EventType = "market_status"
)

// Event is a single bus message. Data always carries the payload as a
// generic map; typed carries the original EventData when the emitter
// used EmitTyped.
type Event struct {
	Timestamp time.Time              `json:"timestamp"`
	Type      EventType              `json:"type"`
	Module    string                 `json:"module"`
	Data      map[string]interface{} `json:"data,omitempty"`

	typed EventData
}

// GetTypedData returns the typed payload, or nil for untyped events.
func (e *Event) GetTypedData() EventData {
	return e.typed
}

// subscriberQueueSize bounds each subscriber's pending events. A slow
// subscriber drops events rather than stalling publishers.
const subscriberQueueSize = 256

type subscriber struct {
	id      uint64
	handler func(*Event)
	queue   chan *Event
	done    chan struct{}
}

// Bus fans events out to subscribers. Each subscriber has its own
// goroutine and bounded queue, so events reach a given subscriber in
// publish order and a stuck handler cannot block the rest.
type Bus struct {
	mu          sync.RWMutex
	log         zerolog.Logger
	subscribers map[EventType][]*subscriber
	nextID      uint64
	closed      bool
}

// NewBus creates a new event bus.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		log:         log.With().Str("component", "event_bus").Logger(),
		subscribers: make(map[EventType][]*subscriber),
	}
}

// Subscribe registers a handler for one event type and returns an
// unsubscribe function. The handler runs on a dedicated goroutine.
func (b *Bus) Subscribe(eventType EventType, handler func(*Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	b.nextID++
	sub := &subscriber{
		id:      b.nextID,
		handler: handler,
		queue:   make(chan *Event, subscriberQueueSize),
		done:    make(chan struct{}),
	}
	b.subscribers[eventType] = append(b.subscribers[eventType], sub)

	go sub.run()

	id := sub.id
	return func() { b.unsubscribe(eventType, id) }
}

func (s *subscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case event := <-s.queue:
			s.handler(event)
		}
	}
}

func (b *Bus) unsubscribe(eventType EventType, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[eventType]
	for i, sub := range subs {
		if sub.id == id {
			close(sub.done)
			b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Publish delivers the event to all subscribers of its type. Publish
// never blocks; a subscriber whose queue is full loses the event.
func (b *Bus) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	subs := b.subscribers[event.Type]
	closed := b.closed
	b.mu.RUnlock()

	if closed {
		return
	}

	for _, sub := range subs {
		select {
		case sub.queue <- event:
		default:
			b.log.Warn().
				Str("event_type", string(event.Type)).
				Str("module", event.Module).
				Msg("Subscriber queue full, dropping event")
		}
	}
}

// SubscriberCount returns the number of active subscriptions for a type.
func (b *Bus) SubscriberCount(eventType EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[eventType])
}

// Close stops all subscriber goroutines. Events still queued at close
// time are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for eventType, subs := range b.subscribers {
		for _, sub := range subs {
			close(sub.done)
		}
		delete(b.subscribers, eventType)
	}
}
