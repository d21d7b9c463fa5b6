// Package events provides the publish/subscribe bus that decouples the
// device registry and command delegator from transports and observers.
// Events flow from components (registry, delegator) to subscribers
// (command history recorder, API streaming, tests). The bus is
// nil-safe: calling Publish on a nil *Bus is a no-op, so components do
// not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceRegistry identifies events from the device registry.
	SourceRegistry = "registry"
	// SourceDelegate identifies events from the command delegator.
	SourceDelegate = "delegate"
	// SourceHub identifies events from the WebSocket transport.
	SourceHub = "hub"
	// SourceMQTT identifies events from the MQTT transport.
	SourceMQTT = "mqtt"
)

// Kind constants describe the type of event.
const (
	// KindDeviceConnected signals a device registered (or re-registered).
	// Data: device_id, type, name, capabilities.
	KindDeviceConnected = "device:connected"
	// KindDeviceDisconnected signals a device left the registry.
	// Data: device_id, type, name, capabilities.
	KindDeviceDisconnected = "device:disconnected"
	// KindToolDelegate signals a command is being delivered to a device.
	// Data: device_id, command.
	KindToolDelegate = "tool:delegate"
	// KindCommandResult signals a command reached a terminal state.
	// Data: command_id, device_id, tool, state, and either result or
	// error, plus duration_ms.
	KindCommandResult = "command:result"
)

// Event represents a single event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// NewEvent builds an event stamped with the current time.
func NewEvent(source, kind string, data map[string]any) Event {
	return Event{
		Timestamp: time.Now(),
		Source:    source,
		Kind:      kind,
		Data:      data,
	}
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]subscription
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept the caller's <-chan Event view.
	recvToSend map[<-chan Event]chan Event
}

// subscription holds the kinds a subscriber asked for. An empty set
// means every kind.
type subscription struct {
	kinds map[string]struct{}
}

func (s subscription) wants(kind string) bool {
	if len(s.kinds) == 0 {
		return true
	}
	_, ok := s.kinds[kind]
	return ok
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]subscription),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all interested subscribers. Non-blocking:
// if a subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, sub := range b.subs {
		if !sub.wants(e.Kind) {
			continue
		}
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel that receives published events. When
// kinds is non-empty only events of those kinds are delivered. The
// caller must eventually call Unsubscribe to avoid resource leaks.
func (b *Bus) Subscribe(bufSize int, kinds ...string) <-chan Event {
	ch := make(chan Event, bufSize)
	sub := subscription{}
	if len(kinds) > 0 {
		sub.kinds = make(map[string]struct{}, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = struct{}{}
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = sub
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
