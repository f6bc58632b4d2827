// Package liveserver pushes engine events to websocket dashboards
package liveserver

import (
	"context"
	"sync"
)

const clientBuffer = 256

// Client is one websocket connection as seen by the hub
type Client struct {
	id     string
	send   chan Message
	mu     sync.Mutex
	closed bool
}

func NewClient(id string) *Client {
	return &Client{
		id:   id,
		send: make(chan Message, clientBuffer),
	}
}

// Send queues msg without blocking. False means the client is closed or slow.
func (c *Client) Send(msg Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) Messages() <-chan Message {
	return c.send
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Logger is the subset of core.ILogger the package needs
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
}

// Hub tracks connected clients and fans broadcasts out to them. Slow
// clients are dropped rather than allowed to block the broadcast.
type Hub struct {
	clients    map[*Client]struct{}
	broadcast  chan Message
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     Logger
	done       chan struct{}
}

func NewHub(logger Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan Message, clientBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
	}
}

// Run serves registrations and broadcasts until ctx ends, then closes
// every client.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return nil

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.info("Client registered", "client_id", client.id, "total_clients", total)

		case client := <-h.unregister:
			h.remove(client)

		case msg := <-h.broadcast:
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				clients = append(clients, client)
			}
			h.mu.RUnlock()

			for _, client := range clients {
				if !client.Send(msg) {
					h.remove(client)
				}
			}
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client]
	if ok {
		delete(h.clients, client)
		client.Close()
	}
	total := len(h.clients)
	h.mu.Unlock()
	if ok {
		h.info("Client unregistered", "client_id", client.id, "total_clients", total)
	}
}

// Register adds a client. It returns false once the hub has stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Broadcast queues msg for every client. It reports false when the queue
// is full and the message was dropped.
func (h *Hub) Broadcast(msg Message) bool {
	select {
	case h.broadcast <- msg:
		return true
	default:
		if h.logger != nil {
			h.logger.Warn("Broadcast queue full, dropping message", "type", msg.Type, "key", msg.Key)
		}
		return false
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) info(msg string, kv ...interface{}) {
	if h.logger != nil {
		h.logger.Info(msg, kv...)
	}
}
