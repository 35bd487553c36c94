package realtime

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"
)

const (
	writeWait       = 5 * time.Second
	broadcastBuffer = 256
)

// Message is one broadcast frame. Topic is matched against each subscriber's filter.
type Message struct {
	Topic string
	Data  []byte
}

type subscription struct {
	conn  *websocket.Conn
	topic string
}

// Hub manages WebSocket clients and broadcasts messages to them.
type Hub struct {
	connections map[*websocket.Conn]string
	register    chan subscription
	unregister  chan *websocket.Conn
	broadcast   chan Message
	done        chan struct{}
	upgrader    websocket.Upgrader
	log         logr.Logger
	mu          sync.Mutex
	dropped     int64
}

// NewHub constructs a Hub.
func NewHub(log logr.Logger) *Hub {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &Hub{
		connections: make(map[*websocket.Conn]string),
		register:    make(chan subscription),
		unregister:  make(chan *websocket.Conn),
		broadcast:   make(chan Message, broadcastBuffer),
		done:        make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: log.WithName("realtime"),
	}
}

// Run processes register/unregister/broadcast events until ctx is done. It must be called once.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.connections {
				_ = conn.Close()
				delete(h.connections, conn)
			}
			h.mu.Unlock()
			return
		case sub := <-h.register:
			h.mu.Lock()
			h.connections[sub.conn] = sub.topic
			h.mu.Unlock()
		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.connections[conn]; ok {
				delete(h.connections, conn)
				_ = conn.Close()
			}
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.Lock()
			for conn, topic := range h.connections {
				if topic != "" && topic != msg.Topic {
					continue
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, msg.Data); err != nil {
					_ = conn.Close()
					delete(h.connections, conn)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Publish queues msg for broadcast. A full queue drops the message rather than blocking the caller.
func (h *Hub) Publish(msg Message) bool {
	select {
	case h.broadcast <- msg:
		return true
	default:
		h.mu.Lock()
		h.dropped++
		h.mu.Unlock()
		return false
	}
}

// Dropped reports how many messages were discarded because the queue was full.
func (h *Hub) Dropped() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// Subscribers reports the number of connected clients.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.connections)
}

// ServeHTTP upgrades the request and subscribes the connection. The optional
// "topic" query parameter limits it to one topic.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.V(1).Info("websocket upgrade failed", "error", err.Error())
		return
	}

	select {
	case h.register <- subscription{conn: conn, topic: r.URL.Query().Get("topic")}:
	case <-r.Context().Done():
		_ = conn.Close()
		return
	case <-h.done:
		_ = conn.Close()
		return
	}

	// Reads only detect the client going away.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				select {
				case h.unregister <- conn:
				case <-h.done:
				}
				return
			}
		}
	}()
}
