// Package broadcast fans dashboard events out to connected websocket
// observers. Delivery is best effort: there is no backlog and a slow observer
// is disconnected rather than buffered.
package broadcast

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/troikatech/callbridge/pkg/metrics"
	"go.uber.org/zap"
)

// Event kinds.
const (
	EventCallInProgress      = "call_in_progress"
	EventCallCompleted       = "call_completed"
	EventKnowledgeBaseUpload = "knowledge_base_upload"
)

type Message struct {
	Event     string    `json:"event"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Observer is one connected dashboard.
type Observer struct {
	send chan []byte
	once sync.Once
}

func (o *Observer) Messages() <-chan []byte { return o.send }

func (o *Observer) close() { o.once.Do(func() { close(o.send) }) }

type Hub struct {
	mu        sync.RWMutex
	observers map[*Observer]struct{}
	buffer    int
	relay     *RedisRelay
	now       func() time.Time
	logger    *zap.Logger
}

func NewHub(bufferSize int, logger *zap.Logger) *Hub {
	if bufferSize <= 0 {
		bufferSize = 32
	}
	return &Hub{
		observers: make(map[*Observer]struct{}),
		buffer:    bufferSize,
		now:       time.Now,
		logger:    logger,
	}
}

// Publish sends an event to every observer of this instance and, when a
// relay is attached, of every other instance. It never blocks on observers
// or on Redis.
func (h *Hub) Publish(kind string, payload any) {
	data, err := json.Marshal(Message{Event: kind, Data: payload, Timestamp: h.now().UTC()})
	if err != nil {
		h.logger.Error("Failed to encode broadcast", zap.String("event", kind), zap.Error(err))
		return
	}
	h.deliver(data)

	h.mu.RLock()
	relay := h.relay
	h.mu.RUnlock()
	if relay != nil {
		relay.forward(data)
	}
}

func (h *Hub) deliver(data []byte) {
	h.mu.RLock()
	var slow []*Observer
	for o := range h.observers {
		select {
		case o.send <- data:
		default:
			slow = append(slow, o)
		}
	}
	h.mu.RUnlock()

	for _, o := range slow {
		metrics.BroadcastDropped()
		h.Unregister(o)
	}
}

func (h *Hub) Register() *Observer {
	o := &Observer{send: make(chan []byte, h.buffer)}
	h.mu.Lock()
	h.observers[o] = struct{}{}
	h.mu.Unlock()
	return o
}

// Unregister removes o and closes its message channel.
func (h *Hub) Unregister(o *Observer) {
	h.mu.Lock()
	if _, ok := h.observers[o]; ok {
		delete(h.observers, o)
		o.close()
	}
	h.mu.Unlock()
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observers)
}

func (h *Hub) attach(r *RedisRelay) {
	h.mu.Lock()
	h.relay = r
	h.mu.Unlock()
}

// Serve runs an upgraded dashboard connection until either side closes it.
// Inbound messages are discarded; observers pull state over HTTP.
func (h *Hub) Serve(conn *websocket.Conn) {
	o := h.Register()
	defer h.Unregister(o)

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(4096)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case data, ok := <-o.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "too slow"))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
