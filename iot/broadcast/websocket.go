package broadcast

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relabs-tech/telemetry/core/logger"
)

const (
	writeTimeout = 10 * time.Second
	// sendBuffer is the number of messages queued per subscriber. A subscriber
	// which falls this far behind is disconnected.
	sendBuffer = 64
)

type client struct {
	conn  *websocket.Conn
	topic string
	send  chan []byte
	once  sync.Once
}

func newClient(conn *websocket.Conn, topic string) *client {
	return &client{conn: conn, topic: topic, send: make(chan []byte, sendBuffer)}
}

// writePump is the only writer of data frames on the connection
func (c *client) writePump() {
	for payload := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			c.conn.Close()
			return
		}
	}
}

// close must be called with the hub's write lock held, so no publish sends on a closed channel
func (c *client) close() {
	c.once.Do(func() {
		close(c.send)
		c.conn.Close()
	})
}

// Hub keeps the websocket subscribers per realtime topic
type Hub struct {
	upgrader websocket.Upgrader
	mutex    sync.RWMutex
	clients  map[string]map[*client]struct{}
	closed   bool
}

// NewHub returns an empty hub. Connections from any origin are accepted.
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[string]map[*client]struct{}),
	}
}

// Subscribe upgrades the request to a websocket connection which receives every
// message published on topic. It returns when the client disconnects.
func (h *Hub) Subscribe(w http.ResponseWriter, r *http.Request, topic string) {
	rlog := logger.FromContext(r.Context()).WithField("topic", topic)
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		rlog.WithError(err).Warnln("websocket upgrade failed")
		return
	}
	c := newClient(conn, topic)
	if !h.register(c) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(time.Second))
		conn.Close()
		return
	}
	rlog.Debugln("websocket subscriber connected")
	go c.writePump()
	defer func() {
		h.unregister(c)
		rlog.Debugln("websocket subscriber disconnected")
	}()

	// subscribers only listen; reading detects the close
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				rlog.WithError(err).Debugln("websocket read error")
			}
			return
		}
	}
}

func (h *Hub) register(c *client) bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.closed {
		return false
	}
	set, ok := h.clients[c.topic]
	if !ok {
		set = make(map[*client]struct{})
		h.clients[c.topic] = set
	}
	set[c] = struct{}{}
	return true
}

func (h *Hub) unregister(c *client) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if set, ok := h.clients[c.topic]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.clients, c.topic)
		}
	}
	c.close()
}

// Subscribers returns the number of clients subscribed to topic
func (h *Hub) Subscribers(topic string) int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients[topic])
}

// Publish implements Broadcaster. It never waits for a subscriber: the message is
// queued per client, and clients whose queue is full are disconnected.
func (h *Hub) Publish(ctx context.Context, topic, key string, payload []byte) error {
	var slow []*client
	h.mutex.RLock()
	if h.closed {
		h.mutex.RUnlock()
		return ErrClosed
	}
	for c := range h.clients[topic] {
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	h.mutex.RUnlock()

	for _, c := range slow {
		logger.FromContext(ctx).WithField("topic", topic).Warnln("dropping slow websocket subscriber")
		h.unregister(c)
	}
	return nil
}

// Close disconnects all subscribers. Subsequent publishes fail with ErrClosed.
func (h *Hub) Close() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.closed = true
	for _, set := range h.clients {
		for c := range set {
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(time.Second))
			c.close()
		}
	}
	h.clients = make(map[string]map[*client]struct{})
	return nil
}
