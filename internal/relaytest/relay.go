// Package relaytest runs an in-process collaboration endpoint for tests. It
// relays every frame a client sends to all clients of the same document,
// sender included, and replays earlier binary frames to late joiners.
package relaytest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

type frame struct {
	typ  int
	data []byte
}

// Relay is a test collaboration server listening on a loopback port.
type Relay struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	hubs     map[string]*Hub
	attempts map[string]int
	reject   bool
}

// New starts a relay and stops it when the test ends.
func New(t testing.TB) *Relay {
	r := &Relay{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		hubs:     make(map[string]*Hub),
		attempts: make(map[string]int),
	}
	router := mux.NewRouter()
	router.HandleFunc("/ws/documents/{id}", r.serveWs)
	r.server = httptest.NewServer(router)
	t.Cleanup(r.Close)
	return r
}

// URL is the relay's base endpoint, e.g. "ws://127.0.0.1:1234".
func (r *Relay) URL() string {
	return "ws" + strings.TrimPrefix(r.server.URL, "http")
}

// Reject makes subsequent handshakes fail with 503 while on is true.
func (r *Relay) Reject(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reject = on
}

// Attempts returns how many handshakes were tried for a document.
func (r *Relay) Attempts(doc string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts[doc]
}

// Clients returns how many clients are connected to a document.
func (r *Relay) Clients(doc string) int {
	return r.hub(doc).count()
}

// Received returns how many frames clients of doc have sent. A frame counted
// here has already been queued to every client, so frames pushed with Send
// afterwards are delivered after it.
func (r *Relay) Received(doc string) int {
	return int(r.hub(doc).received.Load())
}

// Send pushes a frame from the server side to every client of doc.
func (r *Relay) Send(doc string, typ int, data []byte) {
	r.hub(doc).broadcast <- frame{typ: typ, data: data}
}

// DropAll closes every client connection of doc, as a network blip would.
func (r *Relay) DropAll(doc string) {
	r.hub(doc).dropAll()
}

func (r *Relay) Close() {
	r.server.CloseClientConnections()
	r.server.Close()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.hubs {
		h.stop()
	}
	r.hubs = map[string]*Hub{}
}

func (r *Relay) hub(doc string) *Hub {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hubs[doc]
	if !ok {
		h = newHub()
		r.hubs[doc] = h
		go h.run()
	}
	return h
}

func (r *Relay) serveWs(w http.ResponseWriter, req *http.Request) {
	doc := mux.Vars(req)["id"]

	r.mu.Lock()
	r.attempts[doc]++
	reject := r.reject
	r.mu.Unlock()
	if reject {
		http.Error(w, "relay unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	hub := r.hub(doc)
	client := &Client{conn: conn, send: make(chan frame, 256)}
	go client.writePump()
	select {
	case hub.register <- client:
	case <-hub.done:
		close(client.send)
		return
	}
	go client.readPump(hub)
}
