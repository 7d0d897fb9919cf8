package server

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const clientBuffer = 256

// event is one message on the live stream.
type event struct {
	Name string
	Data any
}

// hub fans events out to every connected stream client. Slow clients
// lose events rather than blocking publishers.
type hub struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[string]chan event
}

func newHub(logger *slog.Logger) *hub {
	return &hub{logger: logger, clients: make(map[string]chan event)}
}

func (h *hub) subscribe() (string, <-chan event, func()) {
	id := uuid.NewString()
	ch := make(chan event, clientBuffer)
	h.mu.Lock()
	h.clients[id] = ch
	h.mu.Unlock()
	return id, ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.clients[id]; ok {
			delete(h.clients, id)
			close(c)
		}
	}
}

func (h *hub) publish(name string, data any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.clients {
		select {
		case ch <- event{Name: name, Data: data}:
		default:
			h.logger.Warn("dropping event for slow client", slog.String("client", id), slog.String("event", name))
		}
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
