// Package feed broadcasts finalized decision records to connected
// websocket clients. Clients register/unregister over channels read by
// a single hub goroutine; broadcast is push-driven by cycle completion
// rather than a polling ticker, and subscriptions are keyed by feederId.
package feed

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ceh6514/derms-feeder-controller/internal/domain"
)

const maxConnections = 200

type registration struct {
	conn     *websocket.Conn
	feederID string // "" subscribes to every feeder
}

// Hub fans out each finalized domain.Record to subscribed clients.
type Hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]string

	register   chan registration
	unregister chan *websocket.Conn
	publish    chan domain.Record
	done       chan struct{}

	logger *log.Logger
}

// NewHub constructs a Hub. Run must be started in its own goroutine.
func NewHub(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.Default()
	}
	return &Hub{
		clients:    make(map[*websocket.Conn]string),
		register:   make(chan registration),
		unregister: make(chan *websocket.Conn),
		publish:    make(chan domain.Record, 16),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run is the hub's single-goroutine event loop; all client-map
// mutation happens here.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			h.shutdown()
			return

		case reg := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxConnections {
				h.mu.Unlock()
				reg.conn.Close()
				h.logger.Printf("[feed] connection rejected: max connections (%d) reached", maxConnections)
				continue
			}
			h.clients[reg.conn] = reg.feederID
			h.mu.Unlock()

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()

		case record := <-h.publish:
			h.broadcast(record)
		}
	}
}

// Stop shuts the hub down, closing every connection.
func (h *Hub) Stop() {
	close(h.done)
}

// Publish hands a finalized decision record to the broadcast loop.
// Never blocks the caller: a full publish channel drops the record.
func (h *Hub) Publish(record domain.Record) {
	select {
	case h.publish <- record:
	default:
		h.logger.Printf("[feed] publish channel full, dropping cycle %s", record.CycleID)
	}
}

func (h *Hub) broadcast(record domain.Record) {
	feederIDs := make(map[string]bool, len(record.Feeders))
	for _, f := range record.Feeders {
		feederIDs[f.FeederID] = true
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn, subscribedFeeder := range h.clients {
		if subscribedFeeder != "" && !feederIDs[subscribedFeeder] {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(record); err != nil {
			h.logger.Printf("[feed] write error: %v", err)
			go h.Unregister(conn)
		}
	}
}

// Register adds a new client connection, optionally scoped to one
// feeder.
func (h *Hub) Register(conn *websocket.Conn, feederID string) {
	h.register <- registration{conn: conn, feederID: feederID}
}

// Unregister removes a client connection.
func (h *Hub) Unregister(conn *websocket.Conn) {
	h.unregister <- conn
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]string)
}
