// Package hub provides connection management for WebSocket clients
// subscribed to a thread's round events.
package hub

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/roundtable-ai/orchestrator/internal/domain"
)

// Connection represents a single WebSocket connection.
type Connection struct {
	ID       string
	ThreadID string
	Conn     *websocket.Conn
	Send     chan []byte
	mu       sync.Mutex
}

// Hub manages all WebSocket connections.
type Hub struct {
	// Connections indexed by connection ID
	connections map[string]*Connection

	// Threads maps thread_id to set of connection IDs
	threads map[string]map[string]bool

	register   chan *Connection
	unregister chan *Connection

	// Broadcast channel for sending to a specific thread
	broadcast chan *ThreadMessage

	mu sync.RWMutex
}

// ThreadMessage is used to broadcast a message to a thread's clients.
type ThreadMessage struct {
	ThreadID string
	Data     []byte
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		connections: make(map[string]*Connection),
		threads:     make(map[string]map[string]bool),
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		broadcast:   make(chan *ThreadMessage, 256),
	}
}

// Run starts the hub's main loop.
func (h *Hub) Run() {
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			h.connections[conn.ID] = conn
			if conn.ThreadID != "" {
				if h.threads[conn.ThreadID] == nil {
					h.threads[conn.ThreadID] = make(map[string]bool)
				}
				h.threads[conn.ThreadID][conn.ID] = true
			}
			h.mu.Unlock()
			log.Printf("Connection registered: %s (thread: %s)", conn.ID, conn.ThreadID)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.connections[conn.ID]; ok {
				delete(h.connections, conn.ID)
				if conn.ThreadID != "" && h.threads[conn.ThreadID] != nil {
					delete(h.threads[conn.ThreadID], conn.ID)
					if len(h.threads[conn.ThreadID]) == 0 {
						delete(h.threads, conn.ThreadID)
					}
				}
				close(conn.Send)
			}
			h.mu.Unlock()
			log.Printf("Connection unregistered: %s", conn.ID)

		case msg := <-h.broadcast:
			h.mu.RLock()
			if connIDs, ok := h.threads[msg.ThreadID]; ok {
				for connID := range connIDs {
					if conn, exists := h.connections[connID]; exists {
						select {
						case conn.Send <- msg.Data:
						default:
							// Buffer full, close the connection
							log.Printf("Connection %s buffer full, closing", connID)
							go h.Unregister(conn)
						}
					}
				}
			}
			h.mu.RUnlock()
		}
	}
}

// NewConnection wraps a websocket connection for a thread.
func (h *Hub) NewConnection(ws *websocket.Conn, threadID string) *Connection {
	return &Connection{
		ID:       "conn_" + uuid.New().String()[:8],
		ThreadID: threadID,
		Conn:     ws,
		Send:     make(chan []byte, 64),
	}
}

// Register queues a connection for registration.
func (h *Hub) Register(conn *Connection) { h.register <- conn }

// Unregister queues a connection for removal.
func (h *Hub) Unregister(conn *Connection) { h.unregister <- conn }

// Event is the envelope pushed to clients.
type Event struct {
	Type     domain.EventType `json:"type"`
	Ts       int64            `json:"ts"`
	ThreadID string           `json:"thread_id"`
	Round    int              `json:"round"`
	Payload  interface{}      `json:"payload,omitempty"`
}

// PushEvent broadcasts a round event to the thread's clients.
func (h *Hub) PushEvent(threadID string, round int, typ domain.EventType, payload interface{}) {
	evt := Event{
		Type:     typ,
		Ts:       time.Now().UnixMilli(),
		ThreadID: threadID,
		Round:    round,
		Payload:  payload,
	}
	data, err := json.Marshal(evt)
	if err != nil {
		log.Printf("WARN: failed to marshal hub event: %v", err)
		return
	}
	select {
	case h.broadcast <- &ThreadMessage{ThreadID: threadID, Data: data}:
	default:
		log.Printf("WARN: hub broadcast buffer full, dropping %s event", typ)
	}
}

// WriteLoop pumps queued messages to one connection with pings.
func (c *Connection) WriteLoop(pingInterval, writeTimeout time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.Send:
			c.mu.Lock()
			c.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				c.mu.Unlock()
				return
			}
			err := c.Conn.WriteMessage(websocket.TextMessage, data)
			c.mu.Unlock()
			if err != nil {
				return
			}
		case <-ticker.C:
			c.mu.Lock()
			c.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := c.Conn.WriteMessage(websocket.PingMessage, nil)
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
