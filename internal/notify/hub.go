package notify

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Hub fans notices out to in-process subscribers, one per connected SSE
// stream. Sends never block: a subscriber that cannot keep up drops
// notices rather than stalling the poll loop.
type Hub struct {
	mu   sync.Mutex
	subs map[string]chan Notice
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]chan Notice)}
}

// Subscribe registers a new subscriber and returns its channel plus a
// cancel function that must be called when the stream closes.
func (h *Hub) Subscribe() (<-chan Notice, func()) {
	id := uuid.New().String()
	ch := make(chan Notice, 16)

	h.mu.Lock()
	h.subs[id] = ch
	h.mu.Unlock()

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

// Notify delivers n to every current subscriber without blocking.
func (h *Hub) Notify(_ context.Context, n Notice) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- n:
		default:
		}
	}
	return nil
}

// Subscribers returns the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
