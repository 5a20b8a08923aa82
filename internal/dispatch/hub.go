package dispatch

import (
	"log/slog"
	"sync"

	"github.com/avaliev/tgbridge/internal/domain"
)

// Hub fans delivered events out to streaming subscribers. Each subscriber
// gets its own buffered channel; a slow consumer loses events rather than
// backpressuring the dispatcher.
type Hub struct {
	mu     sync.RWMutex
	subs   map[int64]*subscriber
	nextID int64
}

type subscriber struct {
	ch        chan domain.InboundEvent
	sessionID string // non-empty filters to one session
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int64]*subscriber)}
}

// Subscribe registers a consumer. sessionID, when non-empty, filters the
// stream to one session. The returned channel closes on Unsubscribe.
func (h *Hub) Subscribe(sessionID string, buffer int) (int64, <-chan domain.InboundEvent) {
	if buffer <= 0 {
		buffer = 16
	}
	sub := &subscriber{
		ch:        make(chan domain.InboundEvent, buffer),
		sessionID: sessionID,
	}

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs[id] = sub
	h.mu.Unlock()

	return id, sub.ch
}

// Unsubscribe removes a consumer and closes its channel.
func (h *Hub) Unsubscribe(id int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(sub.ch)
	}
}

// Publish hands the event to every matching subscriber without blocking.
func (h *Hub) Publish(event domain.InboundEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, sub := range h.subs {
		if sub.sessionID != "" && sub.sessionID != event.SessionID {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			slog.Debug("Stream subscriber lagging, dropping event",
				"subscriber", id, "session_id", event.SessionID)
		}
	}
}

// SubscriberCount returns the number of attached consumers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
