package bus

import (
	"context"
	"sync"
	"time"
)

// MessageBus carries the session's tagged events, in publish order, to a
// single consumer. Observers get best-effort copies for live display.
type MessageBus struct {
	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
	observers []chan Event
	obsMu     sync.RWMutex
}

func NewMessageBus(size int) *MessageBus {
	if size < 1 {
		size = 100
	}
	return &MessageBus{
		events:    make(chan Event, size),
		done:      make(chan struct{}),
		observers: make([]chan Event, 0),
	}
}

// Subscribe returns a channel that receives copies of all bus events.
func (mb *MessageBus) Subscribe() chan Event {
	ch := make(chan Event, 50)
	mb.obsMu.Lock()
	mb.observers = append(mb.observers, ch)
	mb.obsMu.Unlock()
	return ch
}

// Unsubscribe removes an observer channel.
func (mb *MessageBus) Unsubscribe(ch chan Event) {
	mb.obsMu.Lock()
	defer mb.obsMu.Unlock()
	for i, obs := range mb.observers {
		if obs == ch {
			mb.observers = append(mb.observers[:i], mb.observers[i+1:]...)
			close(ch)
			return
		}
	}
}

func (mb *MessageBus) notifyObservers(event Event) {
	mb.obsMu.RLock()
	defer mb.obsMu.RUnlock()
	for _, obs := range mb.observers {
		select {
		case obs <- event:
		default:
			// Non-blocking: skip slow observers
		}
	}
}

// Publish appends ev to the stream. It blocks while the stream is full and
// returns false once the bus is closed.
func (mb *MessageBus) Publish(ev Event) bool {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	select {
	case <-mb.done:
		return false
	default:
	}
	select {
	case mb.events <- ev:
	case <-mb.done:
		return false
	}
	mb.notifyObservers(ev)
	return true
}

// PublishOutbound records a delivered reply for observers only.
func (mb *MessageBus) PublishOutbound(msg OutboundMessage) {
	mb.notifyObservers(Event{
		Type:     EventOutbound,
		Outbound: &msg,
		Time:     time.Now(),
	})
}

// Events exposes the stream for consumers that select on other sources too.
func (mb *MessageBus) Events() <-chan Event { return mb.events }

// Done is closed by Close.
func (mb *MessageBus) Done() <-chan struct{} { return mb.done }

func (mb *MessageBus) Consume(ctx context.Context) (Event, bool) {
	select {
	case ev := <-mb.events:
		return ev, true
	case <-mb.done:
		return Event{}, false
	case <-ctx.Done():
		return Event{}, false
	}
}

// Close stops accepting events. Pending events are dropped.
func (mb *MessageBus) Close() {
	mb.closeOnce.Do(func() { close(mb.done) })
}
