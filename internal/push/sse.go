package push

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/openhaus/nvrd/internal/models"
)

// Broadcaster fans events out to connected SSE clients. Slow clients are
// skipped rather than back-pressuring the supervisor.
type Broadcaster struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[string]chan []byte
}

// NewBroadcaster returns an empty broadcaster.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		logger:  logger.With(slog.String("component", "push")),
		clients: make(map[string]chan []byte),
	}
}

// Broadcast implements PushSink.
func (b *Broadcaster) Broadcast(eventType string, movement *models.Motion) {
	ev := NewEvent(eventType, movement)
	data, err := json.Marshal(ev)
	if err != nil {
		b.logger.Error("encoding push event", slog.String("error", err.Error()))
		return
	}
	frame := []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, data))
	b.send(frame)
}

// KeepAlive implements PushSink: a comment frame that keeps idle
// connections open through proxies.
func (b *Broadcaster) KeepAlive() {
	b.send([]byte(": keepalive\n\n"))
}

func (b *Broadcaster) send(frame []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.clients {
		select {
		case ch <- frame:
		default:
			b.logger.Debug("dropping frame for slow client", slog.String("client", id))
		}
	}
}

// ClientCount returns the number of connected clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// ServeHTTP streams events to one client until it disconnects.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	id := uuid.NewString()
	ch := make(chan []byte, 16)
	b.mu.Lock()
	b.clients[id] = ch
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.clients, id)
		b.mu.Unlock()
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case frame := <-ch:
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
