package ws

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/lithammer/shortuuid/v4"
)

// outbound is a queued frame. Stream frames hold a slot in Client.slots
// until the write pump takes them off the queue.
type outbound struct {
	data   []byte
	stream bool
}

// Client represents a WebSocket client connection.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan outbound
	// slots bounds the stream frames in send so that a share of the queue is
	// always left for control messages and broadcasts.
	slots chan struct{}
	done  chan struct{}

	mu     sync.Mutex
	closed bool
	userID string
	// subs maps a subscription key to the cancel func of its pump.
	subs map[string]context.CancelFunc
}

// NewClient creates a new WebSocket client. A quarter of the send buffer, at
// least one entry, is reserved for messages queued with Send.
func NewClient(conn *websocket.Conn, sendBuffer int) *Client {
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	reserve := sendBuffer / 4
	if reserve < 1 {
		reserve = 1
	}
	if sendBuffer <= reserve {
		sendBuffer = reserve + 1
	}
	return &Client{
		id:    shortuuid.New(),
		conn:  conn,
		send:  make(chan outbound, sendBuffer),
		slots: make(chan struct{}, sendBuffer-reserve),
		done:  make(chan struct{}),
		subs:  make(map[string]context.CancelFunc),
	}
}

// ID returns the connection id.
func (c *Client) ID() string {
	return c.id
}

// UserID returns the authenticated user, or "" before authentication.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Authenticated reports whether the handshake has completed.
func (c *Client) Authenticated() bool {
	return c.UserID() != ""
}

func (c *Client) setUser(userID string) {
	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()
}

// Send queues a message without blocking. A client whose buffer is full is
// closed.
func (c *Client) Send(data []byte) {
	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.send <- outbound{data: data}:
	default:
		// Buffer full, close the client
		c.Close()
	}
}

// SendWait queues a stream message, blocking until a stream slot is free, the
// client closes or ctx is done. Stream messages never take the entries
// reserved for Send.
func (c *Client) SendWait(ctx context.Context, data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.slots <- struct{}{}:
	case <-c.done:
		return false
	case <-ctx.Done():
		return false
	}

	select {
	case c.send <- outbound{data: data, stream: true}:
		return true
	case <-c.done:
	case <-ctx.Done():
	}
	<-c.slots
	return false
}

// dequeued releases the stream slot held by f.
func (c *Client) dequeued(f outbound) []byte {
	if f.stream {
		<-c.slots
	}
	return f.data
}

// Done is closed when the client is closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close closes the client connection. Subscriptions are cancelled.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := c.subs
	c.subs = make(map[string]context.CancelFunc)
	c.mu.Unlock()

	close(c.done)
	for _, cancel := range subs {
		cancel()
	}
}

// IsClosed returns true if the client is closed.
func (c *Client) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// subscribe registers a subscription under key. It fails if the key is
// already taken or the client is closed.
func (c *Client) subscribe(key string, cancel context.CancelFunc) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	if _, ok := c.subs[key]; ok {
		return false
	}
	c.subs[key] = cancel
	return true
}

// unsubscribe cancels and forgets the subscription under key.
func (c *Client) unsubscribe(key string) bool {
	c.mu.Lock()
	cancel, ok := c.subs[key]
	delete(c.subs, key)
	c.mu.Unlock()

	if ok {
		cancel()
	}
	return ok
}

// release forgets key without cancelling; used by a pump that ended on its own.
func (c *Client) release(key string) {
	c.mu.Lock()
	delete(c.subs, key)
	c.mu.Unlock()
}

// Subscriptions returns the number of active subscriptions.
func (c *Client) Subscriptions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// Hub is the registry of connected clients.
type Hub struct {
	clients map[string]*Client
	mu      sync.RWMutex
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*Client),
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.id] = client
}

// Unregister removes a client from the hub and closes it.
func (h *Hub) Unregister(client *Client) bool {
	h.mu.Lock()
	_, ok := h.clients[client.id]
	delete(h.clients, client.id)
	h.mu.Unlock()

	client.Close()
	return ok
}

// Get returns a client by id.
func (h *Hub) Get(id string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[id]
	return c, ok
}

// Authenticated returns a snapshot of the clients that completed the handshake.
func (h *Hub) Authenticated() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		if c.Authenticated() {
			clients = append(clients, c)
		}
	}
	return clients
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close closes every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*Client)
	h.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
}
