package app

import (
	"sync"
	"time"
)

// Event kinds published on the hub. The panel LED, the MQTT status
// publisher and the web stream all key off these.
const (
	EventScanStarted   = "scan_started"
	EventScanOK        = "scan_ok"
	EventScanFailed    = "scan_failed"
	EventUploadStarted = "upload_started"
	EventUploadOK      = "upload_ok"
	EventUploadFailed  = "upload_failed"
)

// Event is one status change, with enough context for offline diagnosis.
type Event struct {
	Kind    string    `json:"kind"`
	Message string    `json:"message,omitempty"`
	Time    time.Time `json:"time"`
}

// Hub fans status events out to subscribers. Publishing never blocks: a
// subscriber that falls behind loses events rather than stalling the
// schedulers.
type Hub struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
	last Event
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Event)}
}

// Publish stamps and delivers an event to all subscribers.
func (h *Hub) Publish(kind, message string) {
	ev := Event{Kind: kind, Message: message, Time: time.Now().UTC()}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = ev
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe returns a buffered event channel and a cancel func that must be
// called to release it.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.next
	h.next++
	ch := make(chan Event, 16)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

// Last returns the most recently published event.
func (h *Hub) Last() Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}
