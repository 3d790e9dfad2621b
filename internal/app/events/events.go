// Package events records message lifecycle and session events in a bounded
// ring buffer and fans them out to subscribers such as the websocket feed.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type classifies an event.
type Type string

const (
	// Message lifecycle
	TypeMessageAccepted  Type = "message.accepted"
	TypeMessageSent      Type = "message.sent"
	TypeMessageDelivered Type = "message.delivered"
	TypeMessageFailed    Type = "message.failed"

	// Session
	TypeSessionState Type = "session.state"
	TypeSessionFatal Type = "session.fatal"

	// Ledger
	TypeLedgerAlarm    Type = "ledger.alarm"
	TypeLedgerRecovery Type = "ledger.recovery"

	// Receipts that could not be correlated
	TypeReceiptUnmatched Type = "receipt.unmatched"
)

// Event is a structured record published by the dispatch core.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	MessageID string `json:"message_id,omitempty"`
	AccountID string `json:"account_id,omitempty"`
	Status    string `json:"status,omitempty"`
	State     string `json:"state,omitempty"`

	Message  string            `json:"message,omitempty"`
	Error    string            `json:"error,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// String returns the JSON form of the event.
func (e Event) String() string {
	data, _ := json.Marshal(e)
	return string(data)
}

// Handler processes events as they occur.
type Handler func(Event)

// Filter decides whether a handler sees an event.
type Filter func(Event) bool

// Publisher is the narrow contract producers depend on.
type Publisher interface {
	Log(event Event)
}

// RingBuffer is a thread-safe circular buffer for events.
type RingBuffer struct {
	mu       sync.RWMutex
	events   []Event
	size     int
	head     int
	count    int
	handlers []handlerEntry
	nextID   int64
}

type handlerEntry struct {
	id      int64
	filter  Filter
	handler Handler
}

// NewRingBuffer creates a buffer holding the last size events.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 1000
	}
	return &RingBuffer{
		events: make([]Event, size),
		size:   size,
	}
}

// Log stores the event and notifies handlers outside the lock.
func (rb *RingBuffer) Log(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	rb.mu.Lock()
	rb.events[rb.head] = event
	rb.head = (rb.head + 1) % rb.size
	if rb.count < rb.size {
		rb.count++
	}
	handlers := make([]handlerEntry, len(rb.handlers))
	copy(handlers, rb.handlers)
	rb.mu.Unlock()

	for _, h := range handlers {
		if h.filter == nil || h.filter(event) {
			h.handler(event)
		}
	}
}

// Subscribe registers a handler for all events and returns its cancel func.
func (rb *RingBuffer) Subscribe(handler Handler) func() {
	return rb.SubscribeFiltered(nil, handler)
}

// SubscribeFiltered registers a handler that only sees events passing filter.
func (rb *RingBuffer) SubscribeFiltered(filter Filter, handler Handler) func() {
	rb.mu.Lock()
	id := rb.nextID
	rb.nextID++
	rb.handlers = append(rb.handlers, handlerEntry{id: id, filter: filter, handler: handler})
	rb.mu.Unlock()

	return func() {
		rb.mu.Lock()
		defer rb.mu.Unlock()
		for i, h := range rb.handlers {
			if h.id == id {
				rb.handlers = append(rb.handlers[:i], rb.handlers[i+1:]...)
				return
			}
		}
	}
}

// Recent returns up to n events, newest first.
func (rb *RingBuffer) Recent(n int) []Event {
	return rb.recentMatching(n, nil)
}

// RecentByMessage returns up to n events for one message, newest first.
func (rb *RingBuffer) RecentByMessage(messageID string, n int) []Event {
	return rb.recentMatching(n, func(e Event) bool { return e.MessageID == messageID })
}

// RecentByType returns up to n events of the given type, newest first.
func (rb *RingBuffer) RecentByType(t Type, n int) []Event {
	return rb.recentMatching(n, func(e Event) bool { return e.Type == t })
}

func (rb *RingBuffer) recentMatching(n int, filter Filter) []Event {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n <= 0 || rb.count == 0 {
		return nil
	}
	var result []Event
	for i := 0; i < rb.count && len(result) < n; i++ {
		idx := (rb.head - 1 - i + rb.size) % rb.size
		if filter == nil || filter(rb.events[idx]) {
			result = append(result, rb.events[idx])
		}
	}
	return result
}

// Count returns the number of buffered events.
func (rb *RingBuffer) Count() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}

// Nop discards events.
type Nop struct{}

func (Nop) Log(Event) {}
