package sshmux

import (
	"sync"
	"time"
)

const eventBufferSize = 100

// ConnectionEventType names what happened to an alias's connection.
type ConnectionEventType string

const (
	EventConnected       ConnectionEventType = "connected"
	EventDisconnected    ConnectionEventType = "disconnected"
	EventReconnecting    ConnectionEventType = "reconnecting"
	EventReconnected     ConnectionEventType = "reconnected"
	EventConnectFailed   ConnectionEventType = "connect_failed"
	EventKeepaliveFailed ConnectionEventType = "keepalive_failed"
)

// ConnectionEvent is one entry of an alias's event history.
type ConnectionEvent struct {
	Alias     string              `json:"alias"`
	Type      ConnectionEventType `json:"type"`
	Timestamp time.Time           `json:"timestamp"`
	Details   string              `json:"details"`
}

// EventListener receives connection events synchronously.
type EventListener func(event ConnectionEvent)

type eventBuffer struct {
	events [eventBufferSize]ConnectionEvent
	head   int
	count  int
}

func (b *eventBuffer) record(event ConnectionEvent) {
	b.events[b.head] = event
	b.head = (b.head + 1) % eventBufferSize
	if b.count < eventBufferSize {
		b.count++
	}
}

func (b *eventBuffer) history() []ConnectionEvent {
	if b.count == 0 {
		return nil
	}
	result := make([]ConnectionEvent, b.count)
	if b.count < eventBufferSize {
		copy(result, b.events[:b.count])
	} else {
		n := copy(result, b.events[b.head:])
		copy(result[n:], b.events[:b.head])
	}
	return result
}

type eventLog struct {
	mu        sync.RWMutex
	buffers   map[string]*eventBuffer
	listeners []EventListener
}

func newEventLog() *eventLog {
	return &eventLog{buffers: make(map[string]*eventBuffer)}
}

// emit records the event and notifies listeners outside the lock.
func (el *eventLog) emit(alias string, eventType ConnectionEventType, details string) {
	event := ConnectionEvent{
		Alias:     alias,
		Type:      eventType,
		Timestamp: time.Now(),
		Details:   details,
	}

	el.mu.Lock()
	buf, ok := el.buffers[alias]
	if !ok {
		buf = &eventBuffer{}
		el.buffers[alias] = buf
	}
	buf.record(event)
	listeners := make([]EventListener, len(el.listeners))
	copy(listeners, el.listeners)
	el.mu.Unlock()

	for _, l := range listeners {
		l(event)
	}
}

func (el *eventLog) events(alias string) []ConnectionEvent {
	el.mu.RLock()
	defer el.mu.RUnlock()
	if buf, ok := el.buffers[alias]; ok {
		return buf.history()
	}
	return nil
}

// OnEvent registers a listener for connection events of every alias.
func (m *Multiplexer) OnEvent(listener EventListener) {
	m.events.mu.Lock()
	defer m.events.mu.Unlock()
	m.events.listeners = append(m.events.listeners, listener)
}

// EventHistory returns up to the last 100 events of alias, oldest first.
func (m *Multiplexer) EventHistory(alias string) []ConnectionEvent {
	return m.events.events(alias)
}
