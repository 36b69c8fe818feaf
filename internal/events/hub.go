package events

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type pingMessage struct {
	Type string `json:"type"`
}

// Hub fans scheduler events out to connected feed clients. The feed is
// one-way: inbound frames are drained and discarded.
type Hub struct {
	mu           sync.Mutex
	clients      map[*websocket.Conn]struct{}
	pingInterval time.Duration
	stopPing     chan struct{}
	closed       bool
}

// NewHub creates a hub and starts its keepalive loop.
func NewHub() *Hub {
	h := &Hub{
		clients:      make(map[*websocket.Conn]struct{}),
		pingInterval: 30 * time.Second,
		stopPing:     make(chan struct{}),
	}
	go h.pingLoop()
	return h
}

// Add registers a feed client. The hub owns the connection from here on
// and closes it on write failure or shutdown.
func (h *Hub) Add(conn *websocket.Conn) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[conn] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()

	go h.readLoop(conn)

	log.Printf("Schedule feed client connected (%d active)", count)
}

func (h *Hub) readLoop(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.remove(conn, "disconnected")
			return
		}
	}
}

func (h *Hub) remove(conn *websocket.Conn, reason string) {
	h.mu.Lock()
	_, tracked := h.clients[conn]
	if tracked {
		delete(h.clients, conn)
	}
	count := len(h.clients)
	h.mu.Unlock()

	conn.Close()
	if tracked {
		log.Printf("Schedule feed client %s (%d active)", reason, count)
	}
}

// Broadcast sends the payload to every connected client. Clients whose
// write fails are dropped.
func (h *Hub) Broadcast(payload any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcastLocked(payload)
}

func (h *Hub) broadcastLocked(payload any) {
	var dead []*websocket.Conn
	for conn := range h.clients {
		if err := conn.WriteJSON(payload); err != nil {
			dead = append(dead, conn)
		}
	}
	for _, conn := range dead {
		delete(h.clients, conn)
		conn.Close()
		log.Printf("Dropping schedule feed client: write failed (%d active)", len(h.clients))
	}
}

func (h *Hub) pingLoop() {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.mu.Lock()
			h.broadcastLocked(pingMessage{Type: "ping"})
			h.mu.Unlock()
		case <-h.stopPing:
			return
		}
	}
}

// ClientCount returns the number of connected feed clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close stops the keepalive loop and disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	close(h.stopPing)

	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
}
