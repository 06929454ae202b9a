// Package gateway is a WebSocket fan-out hub for devices that have no
// broker. Every valid sync event a connection sends is echoed to every
// connection on the same channel, the sender included.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/blindtasting/go/internal/tasting/events"
)

// ConnectionConfig holds per-connection WebSocket settings.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBufferSize  int
}

func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  256 * 1024, // full game snapshots
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		SendBufferSize:  256,
	}
}

// Hub tracks connections by channel and fans messages out to them.
type Hub struct {
	channels map[string]map[*Connection]bool
	mu       sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig

	broadcastCh chan message
}

type message struct {
	channel string
	kind    events.Kind
	data    []byte
}

// Connection is one device attached to the hub.
type Connection struct {
	ID      string
	Channel string
	Conn    *websocket.Conn
	Send    chan []byte
	hub     *Hub

	ConnectedAt time.Time
}

func NewHub(config ConnectionConfig) *Hub {
	return &Hub{
		channels: make(map[string]map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			// origins are checked by the CORS layer
			CheckOrigin: func(*http.Request) bool { return true },
		},
		config:      config,
		broadcastCh: make(chan message, 1000),
	}
}

// Start processes broadcasts until ctx is done, then drops every connection.
func (h *Hub) Start(ctx context.Context) {
	log.Info().Msg("gateway hub started")
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			log.Info().Msg("gateway hub shutting down")
			return
		case m := <-h.broadcastCh:
			h.handleBroadcast(m)
		}
	}
}

// Upgrade turns an HTTP request into a hub connection on channel.
func (h *Hub) Upgrade(w http.ResponseWriter, r *http.Request, channel string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	c := &Connection{
		ID:          uuid.NewString(),
		Channel:     channel,
		Conn:        conn,
		Send:        make(chan []byte, h.config.SendBufferSize),
		hub:         h,
		ConnectedAt: time.Now(),
	}
	h.register(c)

	go c.writePump()
	go c.readPump()

	log.Info().
		Str("connection_id", c.ID).
		Str("channel", channel).
		Str("remote_addr", r.RemoteAddr).
		Msg("websocket connection established")
	return nil
}

func (h *Hub) register(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.channels[c.Channel] == nil {
		h.channels[c.Channel] = make(map[*Connection]bool)
	}
	h.channels[c.Channel][c] = true

	log.Debug().
		Str("connection_id", c.ID).
		Str("channel", c.Channel).
		Int("total_connections", len(h.channels[c.Channel])).
		Msg("connection registered")
}

func (h *Hub) unregister(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns, ok := h.channels[c.Channel]
	if !ok || !conns[c] {
		return
	}
	delete(conns, c)
	close(c.Send)
	if len(conns) == 0 {
		delete(h.channels, c.Channel)
	}
	log.Info().Str("connection_id", c.ID).Str("channel", c.Channel).Msg("connection unregistered")
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	var all []*Connection
	for _, conns := range h.channels {
		for c := range conns {
			all = append(all, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range all {
		h.unregister(c)
	}
}

// Broadcast queues data for every connection on channel.
func (h *Hub) Broadcast(channel string, kind events.Kind, data []byte) {
	select {
	case h.broadcastCh <- message{channel: channel, kind: kind, data: data}:
	default:
		log.Warn().Str("channel", channel).Str("kind", string(kind)).Msg("broadcast channel full, dropping message")
	}
}

func (h *Hub) handleBroadcast(m message) {
	// Sends happen under the read lock so unregister cannot close Send meanwhile.
	var slow []*Connection
	h.mu.RLock()
	conns := h.channels[m.channel]
	delivered := len(conns)
	for c := range conns {
		select {
		case c.Send <- m.data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		// the device catches up from the next snapshot after redialing
		log.Warn().Str("connection_id", c.ID).Msg("connection send buffer full, closing connection")
		h.unregister(c)
		c.Conn.Close()
	}

	log.Debug().
		Str("kind", string(m.kind)).
		Str("channel", m.channel).
		Int("connections", delivered-len(slow)).
		Msg("event broadcasted")
}

// Stats reports the number of open connections per channel.
func (h *Hub) Stats() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]int, len(h.channels))
	for ch, conns := range h.channels {
		out[ch] = len(conns)
	}
	return out
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(c.hub.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.hub.unregister(c)
	}()

	for {
		select {
		case msg, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.hub.config.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to write message to websocket")
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.hub.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to send ping")
				return
			}
		}
	}
}

func (c *Connection) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.hub.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
		return nil
	})

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("unexpected websocket close error")
			}
			return
		}
		c.handleClientMessage(data)
		c.Conn.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
	}
}

// handleClientMessage relays well-formed sync events and drops the rest.
func (c *Connection) handleClientMessage(data []byte) {
	e, err := events.Unmarshal(data)
	if err != nil {
		log.Warn().Err(err).Str("connection_id", c.ID).Msg("dropping invalid client message")
		return
	}
	c.hub.Broadcast(c.Channel, e.Kind(), data)
}
