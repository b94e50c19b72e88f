// Events is a trimmed pub/sub broadcaster for torrent state changes,
// grounded on omnicloud/internal/websocket/hub.go's Hub (register/
// unregister/broadcast channels drained by one goroutine), cut down
// to the one thing this surface needs: fan out record snapshots to
// any connected viewer, with no per-client addressing or auth.
package api

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/transferarr/transferarr/internal/state"
)

// Event is broadcast whenever the orchestrator's tick observes a
// state change worth surfacing live.
type Event struct {
	Type    string               `json:"type"` // "tick"
	AtTick  int64                `json:"at_tick"`
	Records []state.TorrentRecord `json:"records,omitempty"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans out Events to every connected websocket client.
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*wsClient]struct{}

	broadcast   chan []byte
	register    chan *wsClient
	unregister  chan *wsClient
}

func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients:    make(map[*wsClient]struct{}),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
	}
}

// Run drains the hub's channels for the life of the process (it takes
// no context and never returns); it is the single
// goroutine allowed to touch clients, mirroring Hub.Run's ownership
// rule in the teacher.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					log.Printf("api: websocket client send buffer full, dropping")
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Publish marshals ev and queues it for broadcast; it never blocks on
// slow clients, only on the hub's own buffered channel.
func (h *Hub) Publish(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		log.Printf("api: broadcast channel full, dropping event")
	}
}

// NotifyTick implements internal/orchestrator.Notifier: one Event per
// changed snapshot, not one per record, since clients want the
// current full table rather than a diff.
func (h *Hub) NotifyTick(tickCount int64, changed []state.TorrentRecord) {
	h.Publish(Event{Type: "tick", AtTick: tickCount, Records: changed})
}

// ServeWS upgrades r into a websocket connection and registers it for
// broadcasts until the client disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("api: websocket upgrade failed: %v", err)
		return
	}
	c := &wsClient{conn: conn, send: make(chan []byte, 32)}
	h.register <- c

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) readPump(c *wsClient) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *wsClient) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
