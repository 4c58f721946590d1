// Package events fans bundle cache transitions out to SSE subscribers.
package events

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/fruitsalade/bundleproxy/internal/metrics"
)

const (
	EventPending        = "bundle.pending"
	EventReady          = "bundle.ready"
	EventFailed         = "bundle.failed"
	EventInvalidated    = "bundle.invalidated"
	EventPruned         = "cache.pruned"
	EventCatalogChanged = "catalog.changed"
)

const (
	bufferSize  = 64
	historySize = 256
)

// Event represents a bundle cache transition or catalog change. ID is
// assigned by Publish and increases by one per event.
type Event struct {
	ID         uint64 `json:"id"`
	Type       string `json:"type"`
	Backend    string `json:"backend,omitempty"`
	Root       string `json:"root,omitempty"`
	Generation int64  `json:"generation,omitempty"`
	Members    int    `json:"members,omitempty"`
	Error      string `json:"error,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// Filter selects event types. An entry matches a type equal to it or a
// type in its dotted namespace ("bundle" matches "bundle.ready"). An
// empty filter matches everything.
type Filter []string

// ParseFilter splits a comma-separated list of types.
func ParseFilter(s string) Filter {
	var f Filter
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			f = append(f, t)
		}
	}
	return f
}

// Match reports whether eventType passes the filter.
func (f Filter) Match(eventType string) bool {
	if len(f) == 0 {
		return true
	}
	for _, t := range f {
		if eventType == t || strings.HasPrefix(eventType, t+".") {
			return true
		}
	}
	return false
}

// Broadcaster manages SSE subscribers and publishes events.
type Broadcaster struct {
	mu          sync.Mutex
	subscribers map[chan Event]Filter
	seq         uint64
	history     []Event // ring of the last historySize events
	next        int
}

// NewBroadcaster creates a new event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan Event]Filter),
		history:     make([]Event, 0, historySize),
	}
}

// Subscribe adds a subscriber for the events f matches. When after is
// non-zero, retained events with a larger ID are queued first, up to the
// channel buffer. The caller must call Unsubscribe when done.
func (b *Broadcaster) Subscribe(f Filter, after uint64) chan Event {
	ch := make(chan Event, bufferSize)
	b.mu.Lock()
	if after > 0 {
		for _, ev := range b.retained() {
			if ev.ID > after && f.Match(ev.Type) && len(ch) < cap(ch) {
				ch <- ev
			}
		}
	}
	b.subscribers[ch] = f
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(n))
	return ch
}

// Unsubscribe removes a subscriber and closes its channel. It is safe to
// call more than once.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(n))
}

// Publish assigns the event its ID and sends it to matching subscribers.
// Subscribers whose buffer is full miss the event.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}

	b.mu.Lock()
	b.seq++
	event.ID = b.seq
	if len(b.history) < historySize {
		b.history = append(b.history, event)
	} else {
		b.history[b.next] = event
		b.next = (b.next + 1) % historySize
	}
	dropped := 0
	for ch, f := range b.subscribers {
		if !f.Match(event.Type) {
			continue
		}
		select {
		case ch <- event:
		default:
			dropped++
		}
	}
	b.mu.Unlock()

	metrics.RecordSSEEvent(event.Type)
	if dropped > 0 {
		metrics.RecordSSEDropped(dropped)
	}
}

// retained returns the history oldest first. b.mu must be held.
func (b *Broadcaster) retained() []Event {
	if len(b.history) < historySize {
		return b.history
	}
	out := make([]Event, 0, historySize)
	out = append(out, b.history[b.next:]...)
	return append(out, b.history[:b.next]...)
}

// LastID returns the ID of the most recent event, or 0.
func (b *Broadcaster) LastID() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// MarshalEvent serializes an event to JSON.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}
