package events

import (
	"sync"
	"time"
)

// EventType represents the type of event being published.
type EventType string

const (
	// EventCommandStarted is published when the worker dispatches a command.
	EventCommandStarted EventType = "command_started"
	// EventCommandFinished is published after a command completes, fails or is dropped.
	EventCommandFinished EventType = "command_finished"
	// EventStateChanged is published on every protocol state transition.
	EventStateChanged EventType = "state_changed"
	// EventConfirmationRequested is published when the protocol blocks on the foreground.
	EventConfirmationRequested EventType = "confirmation_requested"
	// EventTurnAdvanced is published after a turn number is committed.
	EventTurnAdvanced EventType = "turn_advanced"
)

// Event represents a system event.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]interface{}
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

// Bus is a non-blocking event bus using Publish/Subscribe pattern.
// Events are delivered asynchronously via buffered channels.
// If a subscriber's channel is full, the event is dropped.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
	closed      bool
}

// NewBus creates a new event bus with the specified buffer size per subscriber.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers fn for each of the given event types.
// fn is called on a dedicated goroutine per type. Returns an unsubscribe function.
func (b *Bus) Subscribe(fn Subscriber, types ...EventType) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	chans := make(map[EventType]chan Event, len(types))
	for _, eventType := range types {
		ch := make(chan Event, b.bufferSize)
		b.subscribers[eventType] = append(b.subscribers[eventType], ch)
		chans[eventType] = ch
		go deliver(ch, fn)
	}

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		for eventType, ch := range chans {
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
}

func deliver(ch chan Event, fn Subscriber) {
	for event := range ch {
		func() {
			// a panicking subscriber must not take the bus down
			defer func() { _ = recover() }()
			fn(event)
		}()
	}
}

// Publish sends an event to all subscribers of the given type without blocking.
// A nil Bus is valid and drops everything.
func (b *Bus) Publish(eventType EventType, data map[string]interface{}) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	event := Event{
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

// Close closes all subscriber channels and clears subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
	b.closed = true
}
