package backendtest

import (
	"log"
	"sync"

	"github.com/gorilla/websocket"
)

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func newClient(conn *websocket.Conn) *client {
	c := &client{
		conn: conn,
		send: make(chan []byte, 64),
	}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (c *client) close() {
	close(c.send)
}

// broadcaster fans encoded envelopes out to every connected push client.
type broadcaster struct {
	mu      sync.RWMutex
	clients map[*client]bool
}

func newBroadcaster() *broadcaster {
	return &broadcaster{clients: make(map[*client]bool)}
}

func (b *broadcaster) addClient(conn *websocket.Conn) *client {
	c := newClient(conn)
	b.mu.Lock()
	b.clients[c] = true
	b.mu.Unlock()
	return c
}

func (b *broadcaster) removeClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		c.close()
	}
	b.mu.Unlock()
}

func (b *broadcaster) broadcast(data []byte) {
	b.mu.RLock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- data:
		default:
			// Client can't keep up, disconnect it
			log.Printf("backendtest: push client too slow, disconnecting")
			b.removeClient(c)
		}
	}
}

// dropAll severs every client without close frames, as a crashed backend
// would.
func (b *broadcaster) dropAll() {
	b.mu.Lock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.clients = make(map[*client]bool)
	b.mu.Unlock()

	for _, c := range clients {
		c.conn.Close()
		c.close()
	}
}

func (b *broadcaster) clientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}
