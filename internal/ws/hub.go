package ws

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Hub is the registry of live consumer connections. Registration and
// de-registration are its only mutation points; broadcast and heartbeat
// iterate over a copy of the membership so no lock is ever held across
// blocking I/O.
type Hub struct {
	authorize  func(token string) bool
	clients    map[string]*Client // connID -> client
	register   chan *Client
	unregister chan *Client
	done       chan struct{} // closed when Run exits
	mu         sync.RWMutex
	logger     *zap.Logger
}

// NewHub creates a Hub. authorize vets the bearer credential presented at
// upgrade time; a nil authorize accepts every connection.
func NewHub(authorize func(token string) bool, logger *zap.Logger) *Hub {
	return &Hub{
		authorize:  authorize,
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run processes registry events. Call this in a goroutine.
// Returns when context is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("hub shutting down")
			h.shutdown()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.connID] = client
			h.mu.Unlock()
			h.logger.Debug("client registered",
				zap.String("connID", client.connID),
				zap.String("remoteAddr", client.remoteAddr),
			)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.connID]; ok {
				delete(h.clients, client.connID)
				client.closeSend()
			}
			h.mu.Unlock()
			h.logger.Debug("client unregistered",
				zap.String("connID", client.connID),
			)
		}
	}
}

// shutdown closes every client connection.
func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, client := range h.clients {
		client.closeSend()
		delete(h.clients, id)
	}
}

// Connections returns a snapshot of the live connection set. Safe to call
// concurrently with register/unregister; the returned slice is the caller's
// to iterate without further locking.
func (h *Hub) Connections() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	return clients
}

// Count returns the number of live connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Evict force-closes a connection and removes it from the registry. The
// transport close also unblocks the client's read pump, which funnels into
// unregister a second time; the registry tolerates that.
func (h *Hub) Evict(client *Client, reason string) {
	h.logger.Warn("evicting client",
		zap.String("connID", client.connID),
		zap.String("reason", reason),
	)
	client.conn.Close()
	go h.drop(client)
}

// drop hands a client to the unregister path, giving up once Run has
// exited so late disconnects cannot strand a goroutine.
func (h *Hub) drop(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}
