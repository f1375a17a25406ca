package events

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ytrelay/yt-relay/server/internal/process"
)

const (
	writeWait  = 5 * time.Second
	clientSize = 32
)

// Message is what websocket clients receive for every lifecycle event.
type Message struct {
	Type       string             `json:"type"`
	Invocation process.Invocation `json:"invocation"`
	Timestamp  int64              `json:"timestamp"`
}

// Hub fans supervisor events out to the connected websocket clients.
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]chan Message
}

func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[string]chan Message),
	}
}

func (h *Hub) Attach(bus EventBus.Bus) error {
	if err := bus.Subscribe(process.TopicStarted, func(inv process.Invocation) {
		h.Broadcast(Message{Type: "started", Invocation: inv})
	}); err != nil {
		return err
	}
	return bus.Subscribe(process.TopicExited, func(inv process.Invocation) {
		h.Broadcast(Message{Type: "exited", Invocation: inv})
	})
}

// Broadcast never blocks the publisher: a client too slow to keep up
// loses the message.
func (h *Hub) Broadcast(msg Message) {
	msg.Timestamp = time.Now().UnixMilli()

	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, ch := range h.clients {
		select {
		case ch <- msg:
		default:
			slog.Warn("dropping event for slow client", slog.String("client", id))
		}
	}
}

func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", slog.Any("err", err))
		return
	}
	defer conn.Close()

	id := uuid.NewString()
	ch := h.register(id)
	defer h.unregister(id)

	// the client never talks: reading only detects the close
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case msg := <-ch:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				slog.Warn("websocket write failed", slog.String("client", id), slog.Any("err", err))
				return
			}
		}
	}
}

func (h *Hub) register(id string) chan Message {
	ch := make(chan Message, clientSize)

	h.mu.Lock()
	h.clients[id] = ch
	h.mu.Unlock()

	return ch
}

func (h *Hub) unregister(id string) {
	h.mu.Lock()
	delete(h.clients, id)
	h.mu.Unlock()
}
