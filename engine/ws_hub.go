package main

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const maxWSConnections = 100

// StatusHub manages WebSocket connections and broadcasts live engine
// status. Single broadcaster pattern prevents N duplicate tickers.
type StatusHub struct {
	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	api        *API
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// NewStatusHub creates a new WebSocket hub.
func NewStatusHub(api *API) *StatusHub {
	return &StatusHub{
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		api:        api,
	}
}

// Run starts the hub's main loop.
func (h *StatusHub) Run(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxWSConnections {
				h.mu.Unlock()
				conn.Close()
				log.Printf("ws: connection rejected, max connections (%d) reached", maxWSConnections)
				continue
			}
			h.clients[conn] = true
			h.mu.Unlock()
			log.Printf("ws: status client registered, total %d", len(h.clients))

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()

		case <-ticker.C:
			h.broadcast(ctx)
		}
	}
}

func (h *StatusHub) broadcast(ctx context.Context) {
	h.mu.RLock()
	if len(h.clients) == 0 {
		h.mu.RUnlock()
		return
	}
	h.mu.RUnlock()

	stats, err := h.api.scheduler.Stats(ctx)
	if err != nil {
		log.Printf("ws: status aggregation failed: %v", err)
		return
	}

	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
		if err := conn.WriteJSON(stats); err != nil {
			// Drop directly: broadcast runs on the hub goroutine, so a
			// send to h.unregister here would block against ourselves.
			h.mu.Lock()
			delete(h.clients, conn)
			h.mu.Unlock()
			conn.Close()
		}
	}
}

func (h *StatusHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]bool)
}

// handleStatusStream upgrades the connection and parks it in the hub.
func (h *StatusHub) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}
	h.register <- conn

	// Reader loop only to detect close; the hub owns all writes.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.unregister <- conn
				return
			}
		}
	}()
}
