package eventbus

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// PrefixRelay filters events by topic prefix before forwarding the
// match to Inner, letting the stats endpoint (spec.md §6, "identical
// framing to the publish endpoint") reuse WebsocketRelay's broadcast
// hub without its clients seeing watcher lifecycle events too.
type PrefixRelay struct {
	Prefix string
	Inner  Relay
}

// Relay implements eventbus.Relay.
func (p PrefixRelay) Relay(ev Event) {
	if strings.HasPrefix(ev.Topic, p.Prefix) {
		p.Inner.Relay(ev)
	}
}

// WebsocketRelay fans every Bus event out to connected websocket
// clients on the pubsub endpoint (spec.md §6 "pubsub_endpoint").
// Grounded on kdlbs-kandev's streaming.Hub: a register/unregister/
// broadcast channel loop owns the client set, each client has its own
// bounded send buffer, and a client that can't keep up is dropped
// rather than stalling the broadcaster.
type WebsocketRelay struct {
	upgrader   websocket.Upgrader
	clients    map[*wsClient]bool
	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan []byte
	mu         sync.RWMutex
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewWebsocketRelay starts the hub's processing goroutine and returns
// a relay ready to register with a Bus via AddRelay.
func NewWebsocketRelay() *WebsocketRelay {
	r := &WebsocketRelay{
		upgrader:   websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096, CheckOrigin: func(*http.Request) bool { return true }},
		clients:    map[*wsClient]bool{},
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan []byte, 256),
	}
	go r.run()
	return r
}

func (r *WebsocketRelay) run() {
	for {
		select {
		case c := <-r.register:
			r.mu.Lock()
			r.clients[c] = true
			r.mu.Unlock()
		case c := <-r.unregister:
			r.mu.Lock()
			if _, ok := r.clients[c]; ok {
				delete(r.clients, c)
				close(c.send)
			}
			r.mu.Unlock()
		case payload := <-r.broadcast:
			r.mu.RLock()
			for c := range r.clients {
				select {
				case c.send <- payload:
				default:
					go func(c *wsClient) { r.unregister <- c }(c)
				}
			}
			r.mu.RUnlock()
		}
	}
}

// Relay implements eventbus.Relay.
func (r *WebsocketRelay) Relay(ev Event) {
	data, err := json.Marshal(map[string]interface{}{
		"topic":   ev.Topic,
		"payload": ev.Payload,
		"time":    ev.Published.Unix(),
	})
	if err != nil {
		return
	}
	select {
	case r.broadcast <- data:
	default:
	}
}

// ServeHTTP upgrades an HTTP request to a websocket connection and
// streams every subsequent relayed event to it until the client
// disconnects.
func (r *WebsocketRelay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	c := &wsClient{conn: conn, send: make(chan []byte, 64)}
	r.register <- c

	go func() {
		defer func() {
			r.unregister <- c
			conn.Close()
		}()
		for payload := range c.send {
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}()

	// Drain and discard inbound frames so ping/pong and close control
	// messages are processed; the pubsub endpoint is publish-only.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

// ClientCount reports the number of live websocket subscribers, for
// the stats endpoint.
func (r *WebsocketRelay) ClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
