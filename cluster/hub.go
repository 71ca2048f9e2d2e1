package cluster

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/cronicle-edge/corectl/pkg/logger"
)

// Update is the envelope broadcast to every connected WebSocket subscriber,
// keyed by subtree per spec.md §4.4: "servers, server_groups, schedule,
// categories, nearby, api_keys, secrets, users, active_jobs,
// scheduler_status".
type Update struct {
	Type  string      `json:"type"`
	Topic string      `json:"topic"`
	Data  interface{} `json:"data"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub fans out Update messages to every registered subscriber connection.
// It is the coordinator's broadcast half of spec.md §4.4.
type Hub struct {
	log *logger.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]chan Update
}

// NewHub returns an empty Hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{log: log, clients: make(map[*websocket.Conn]chan Update)}
}

// Upgrade promotes an incoming HTTP request to a WebSocket connection and
// registers it as a subscriber, per spec.md §4.8 "WebSocket upgrade is
// handled as a method/URI handler that promotes the connection into the
// coordinator's subscriber set."
func (h *Hub) Upgrade(w http.ResponseWriter, r *http.Request) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	ch := make(chan Update, 64)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()

	go h.writeLoop(conn, ch)
	go h.readLoop(conn, ch)
	return nil
}

func (h *Hub) writeLoop(conn *websocket.Conn, ch chan Update) {
	for update := range ch {
		if err := conn.WriteJSON(update); err != nil {
			h.remove(conn)
			return
		}
	}
}

// readLoop drains and discards client frames until the socket closes, which
// is when we unregister the subscriber (clients never push updates back).
func (h *Hub) readLoop(conn *websocket.Conn, ch chan Update) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.remove(conn)
			return
		}
	}
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	if ch, ok := h.clients[conn]; ok {
		close(ch)
		delete(h.clients, conn)
	}
	h.mu.Unlock()
	conn.Close()
}

// Broadcast sends {topic, data} to every connected subscriber, dropping the
// message for any subscriber whose send buffer is full rather than
// blocking the broadcaster on a slow client.
func (h *Hub) Broadcast(topic string, data interface{}) {
	update := Update{Type: "update", Topic: topic, Data: data}
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, ch := range h.clients {
		select {
		case ch <- update:
		default:
			if h.log != nil {
				h.log.WithField("topic", topic).Warn("cluster: dropping broadcast, subscriber backlogged")
			}
			_ = conn
		}
	}
}

// Count returns the number of currently connected subscribers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
