// Package broadcast is the only transport-aware component: it fans engine
// events out to websocket subscribers, per topic, and hands each joiner a
// consistent snapshot before any incremental event.
package broadcast

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tradeclass/simex/internal/config"
	"github.com/tradeclass/simex/internal/event"
	"github.com/tradeclass/simex/pkg/metrics"
)

// Client is a single websocket subscriber.
type Client struct {
	conn   *websocket.Conn
	send   chan []byte
	topics map[string]bool
	hub    *Hub
	onDrop func()
}

// Hub implements event.Publisher over websocket connections. Events carry a
// per-topic sequence number: delivery is ordered within a topic, never
// globally. Slow clients lose messages rather than blocking the publisher;
// nothing is queued for a disconnected participant.
type Hub struct {
	cfg      config.WSConfig
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*Client]struct{}
	seqs    map[string]uint64
}

// NewHub creates the hub.
func NewHub(cfg config.WSConfig, logger *zap.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*Client]struct{}),
		seqs:    make(map[string]uint64),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Publish stamps the event with the topic's next sequence number and fans it
// out to subscribers of that topic.
func (h *Hub) Publish(topic string, ev event.Event) {
	h.mu.Lock()
	h.seqs[topic]++
	ev.Seq = h.seqs[topic]
	payload, err := json.Marshal(ev)
	if err != nil {
		h.mu.Unlock()
		h.logger.Error("event marshal failed", zap.String("topic", topic), zap.Error(err))
		return
	}
	for c := range h.clients {
		if !c.topics[topic] {
			continue
		}
		select {
		case c.send <- payload:
		default:
			// Slow client: drop the message, resubscription refreshes state.
		}
	}
	h.mu.Unlock()
}

// Serve upgrades the request and subscribes the client to topics. The
// snapshot payload, built by the caller from authoritative state, is queued
// before the subscription activates, so the joiner converges with existing
// participants. onDrop fires once when the connection goes away.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, topics []string, snapshot any, onDrop func()) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	c := &Client{
		conn:   conn,
		send:   make(chan []byte, h.cfg.SendQueueSize),
		topics: make(map[string]bool, len(topics)),
		hub:    h,
		onDrop: onDrop,
	}
	for _, t := range topics {
		c.topics[t] = true
	}

	snapMsg, err := json.Marshal(map[string]any{"type": "snapshot", "data": snapshot})
	if err != nil {
		conn.Close()
		return err
	}
	// The snapshot enters the send queue before the client becomes visible
	// to Publish, so no incremental event can precede it.
	c.send <- snapMsg

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	metrics.ConnectedClients.Inc()

	go c.writePump()
	go c.readPump()
	return nil
}

func (h *Hub) drop(c *Client) {
	h.mu.Lock()
	_, present := h.clients[c]
	if present {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	if present {
		metrics.ConnectedClients.Dec()
		if c.onDrop != nil {
			c.onDrop()
		}
	}
}

// ClientCount reports connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// readPump consumes control frames; inbound data frames are ignored, the
// request/response surface is HTTP.
func (c *Client) readPump() {
	defer func() {
		c.hub.drop(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongTimeout))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump sends queued events and heartbeats.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
