// Package events records lifecycle events in a bounded buffer and fans them
// out to subscribers such as the websocket hub.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bitloss-labs/bitloss/internal/logging"
)

// Type classifies a lifecycle event.
type Type string

const (
	ArtifactUploaded  Type = "artifact.uploaded"
	ArtifactDestroyed Type = "artifact.destroyed"
	ArtifactArchived  Type = "artifact.archived"
	SecretPurged      Type = "secret.purged"
)

// Event is a notable change to an artifact.
type Event struct {
	ID         string            `json:"id"`
	Type       Type              `json:"type"`
	ArtifactID string            `json:"artifact_id"`
	UserID     string            `json:"user_id,omitempty"`
	Integrity  float64           `json:"integrity"`
	Timestamp  time.Time         `json:"timestamp"`
	TraceID    string            `json:"trace_id,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// String returns the JSON form.
func (e Event) String() string {
	data, _ := json.Marshal(e)
	return string(data)
}

// Publisher accepts events. Publishing never blocks on subscribers.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// Handler receives events as they occur.
type Handler func(Event)

// Filter decides whether a handler sees an event.
type Filter func(Event) bool

// RingBuffer keeps the most recent events and notifies subscribers.
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

var _ Publisher = (*RingBuffer)(nil)

// NewRingBuffer creates a buffer holding up to size events.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 256
	}
	return &RingBuffer{
		events: make([]Event, size),
		size:   size,
	}
}

// Publish stores the event, filling in ID, timestamp and trace ID, and
// notifies handlers outside the lock.
func (rb *RingBuffer) Publish(ctx context.Context, event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.TraceID == "" && ctx != nil {
		event.TraceID = logging.GetTraceID(ctx)
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
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n <= 0 || rb.count == 0 {
		return nil
	}
	if n > rb.count {
		n = rb.count
	}
	result := make([]Event, n)
	for i := 0; i < n; i++ {
		result[i] = rb.events[(rb.head-1-i+rb.size)%rb.size]
	}
	return result
}

// RecentByArtifact returns up to n events for one artifact, newest first.
func (rb *RingBuffer) RecentByArtifact(artifactID string, n int) []Event {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	var result []Event
	for i := 0; i < rb.count && len(result) < n; i++ {
		e := rb.events[(rb.head-1-i+rb.size)%rb.size]
		if e.ArtifactID == artifactID {
			result = append(result, e)
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

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) {}
