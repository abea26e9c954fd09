package relaytest

import (
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

// Client represents a single connected peer of one document.
type Client struct {
	conn *websocket.Conn
	send chan frame
}

// Hub maintains the set of active clients of one document and broadcasts
// messages to them.
type Hub struct {
	clients    map[*Client]bool
	history    []frame
	broadcast  chan frame
	register   chan *Client
	unregister chan *Client
	do         chan func()
	// received counts frames read from clients and handed to run.
	received atomic.Int64

	done     chan struct{}
	stopOnce sync.Once
}

func newHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan frame),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		do:         make(chan func()),
		done:       make(chan struct{}),
	}
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			for client := range h.clients {
				close(client.send)
			}
			return
		case client := <-h.register:
			h.clients[client] = true
			// late joiners catch up on the document's binary updates
			for _, f := range h.history {
				client.send <- f
			}
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
		case message := <-h.broadcast:
			if message.typ == websocket.BinaryMessage {
				h.history = append(h.history, message)
			}
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
		case fn := <-h.do:
			fn()
		}
	}
}

func (h *Hub) stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

func (h *Hub) count() int {
	n := make(chan int, 1)
	select {
	case h.do <- func() { n <- len(h.clients) }:
		return <-n
	case <-h.done:
		return 0
	}
}

func (h *Hub) dropAll() {
	dropped := make(chan struct{})
	select {
	case h.do <- func() {
		for client := range h.clients {
			client.conn.Close()
		}
		close(dropped)
	}:
		<-dropped
	case <-h.done:
	}
}

func (c *Client) readPump(hub *Hub) {
	defer func() {
		select {
		case hub.unregister <- c:
		case <-hub.done:
		}
		c.conn.Close()
	}()
	for {
		typ, message, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		select {
		case hub.broadcast <- frame{typ: typ, data: message}:
			hub.received.Add(1)
		case <-hub.done:
			return
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()
	for message := range c.send {
		if err := c.conn.WriteMessage(message.typ, message.data); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
