package main

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhilfond/domo/backend/breaker"
	"github.com/zhilfond/domo/backend/servicemode"
	"github.com/zhilfond/domo/backend/statemachine"
	"github.com/zhilfond/domo/backend/store"
)

const maxOpsConnections = 100

// OpsSnapshot is what operators see on the live dashboard.
type OpsSnapshot struct {
	Mode              servicemode.Mode   `json:"service_mode"`
	Breakers          []breaker.Snapshot `json:"breakers"`
	UnhealthyBreakers []string           `json:"unhealthy_breakers"`
	PendingRequests   int                `json:"pending_requests"`
	Timestamp         time.Time          `json:"timestamp"`
}

// OpsHub pushes the ops snapshot to connected websocket clients on a
// single ticker. One broadcaster prevents N duplicate pollers.
type OpsHub struct {
	db       store.Store
	breakers *breaker.Registry
	modes    *servicemode.Controller

	clients    map[*websocket.Conn]struct{}
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex

	upgrader websocket.Upgrader
}

func NewOpsHub(db store.Store, breakers *breaker.Registry, modes *servicemode.Controller) *OpsHub {
	return &OpsHub{
		db:         db,
		breakers:   breakers,
		modes:      modes,
		clients:    make(map[*websocket.Conn]struct{}),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Run is the hub main loop; it owns the client set.
func (h *OpsHub) Run(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxOpsConnections {
				h.mu.Unlock()
				conn.Close()
				log.Printf("[OPS] connection rejected: cap %d reached", maxOpsConnections)
				continue
			}
			h.clients[conn] = struct{}{}
			h.mu.Unlock()
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

func (h *OpsHub) broadcast(ctx context.Context) {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n == 0 {
		return
	}

	snap := h.snapshot(ctx)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(snap); err != nil {
			log.Printf("[OPS] write failed: %v", err)
			go func(c *websocket.Conn) { h.unregister <- c }(conn)
		}
	}
}

func (h *OpsHub) snapshot(ctx context.Context) OpsSnapshot {
	pending := 0
	if reqs, err := h.db.ListRequestsByStatus(ctx, statemachine.StatusNew, 500); err == nil {
		pending = len(reqs)
	}
	return OpsSnapshot{
		Mode:              h.modes.Mode(),
		Breakers:          h.breakers.Snapshots(),
		UnhealthyBreakers: h.breakers.Unhealthy(),
		PendingRequests:   pending,
		Timestamp:         time.Now().UTC(),
	}
}

func (h *OpsHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
}

// HandleStream upgrades the connection and hands it to the hub.
func (h *OpsHub) HandleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[OPS] upgrade failed: %v", err)
		return
	}
	h.register <- conn

	// read pump: drain control frames, unregister on close
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.unregister <- conn
				return
			}
		}
	}()
}
