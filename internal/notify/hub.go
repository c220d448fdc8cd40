// Package notify fans document_updated events out to connected clients.
// Delivery is best-effort, at-most-once: a subscriber that cannot keep up
// loses events, and clients recover by re-fetching on their next open or
// list reload.
package notify

import "sync"

// Event is the only message type on the push channel.
type Event struct {
	Event      string `json:"event"`
	DocumentID string `json:"document_id"`
}

func DocumentUpdated(documentID string) Event {
	return Event{Event: "document_updated", DocumentID: documentID}
}

const subscriberBuffer = 16

// Hub distributes events to in-process subscribers (one per open SSE
// connection on this instance).
type Hub struct {
	mu          sync.Mutex
	subscribers map[chan Event]struct{}
}

func NewHub() *Hub {
	return &Hub{subscribers: make(map[chan Event]struct{})}
}

// Subscribe registers a listener. The returned cancel func must be called
// when the connection closes.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if _, ok := h.subscribers[ch]; ok {
			delete(h.subscribers, ch)
			close(ch)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Broadcast delivers the event to every subscriber, dropping it for any
// subscriber whose buffer is full.
func (h *Hub) Broadcast(event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// SubscriberCount is exposed for tests and diagnostics.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}
