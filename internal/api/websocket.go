package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"displayconfig/internal/protocol"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Local network tool; any origin may follow the stream
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second
	sendBuffer = 256
	queueSize  = 64
)

// WSManager handles WebSocket connections and broadcasting
type WSManager struct {
	server     *Server
	clients    map[*WebSocketClient]bool
	clientsMu  sync.RWMutex
	broadcast  chan protocol.Message
	register   chan *WebSocketClient
	unregister chan *WebSocketClient
	done       chan struct{}
	queueWait  time.Duration
	log        zerolog.Logger
}

// WebSocketClient represents a connected follower
type WebSocketClient struct {
	manager *WSManager
	conn    *websocket.Conn
	send    chan []byte
	id      string
	ip      string
	log     zerolog.Logger
}

func newWSManager(s *Server) *WSManager {
	return &WSManager{
		server:     s,
		clients:    make(map[*WebSocketClient]bool),
		broadcast:  make(chan protocol.Message, queueSize),
		register:   make(chan *WebSocketClient),
		unregister: make(chan *WebSocketClient),
		done:       make(chan struct{}),
		queueWait:  time.Second,
		log:        s.log.With().Str("component", "ws").Logger(),
	}
}

func (m *WSManager) run(ctx context.Context) {
	for {
		select {
		case client := <-m.register:
			m.clientsMu.Lock()
			m.clients[client] = true
			total := len(m.clients)
			m.clientsMu.Unlock()
			client.log.Info().Int("clients", total).Msg("client registered")

		case client := <-m.unregister:
			m.clientsMu.Lock()
			if _, ok := m.clients[client]; ok {
				delete(m.clients, client)
				close(client.send)
			}
			total := len(m.clients)
			m.clientsMu.Unlock()
			client.log.Info().Int("clients", total).Msg("client unregistered")

		case message := <-m.broadcast:
			m.broadcastMessage(message)

		case <-ctx.Done():
			close(m.done)
			m.clientsMu.Lock()
			for client := range m.clients {
				delete(m.clients, client)
				client.conn.Close()
			}
			m.clientsMu.Unlock()
			return
		}
	}
}

func (m *WSManager) clientCount() int {
	m.clientsMu.RLock()
	defer m.clientsMu.RUnlock()
	return len(m.clients)
}

func (m *WSManager) broadcastMessage(message protocol.Message) {
	data, err := json.Marshal(message)
	if err != nil {
		m.log.Error().Err(err).Msg("failed to marshal broadcast message")
		return
	}

	m.clientsMu.RLock()
	defer m.clientsMu.RUnlock()

	for client := range m.clients {
		select {
		case client.send <- data:
		default:
			// Too slow to keep up. Closing the connection ends its read
			// pump, which unregisters it.
			client.log.Warn().Msg("send buffer full, dropping client")
			client.conn.Close()
		}
	}
}

// broadcastPayload queues an event for every client. Followers rebuild their
// display list from consecutive events, so when the hub stays backed up the
// event is not dropped silently: the queue is discarded and every client is
// disconnected to resync on reconnect.
func (m *WSManager) broadcastPayload(payload protocol.EventPayload) {
	msg, err := protocol.NewMessage(protocol.TypeEvent, payload)
	if err != nil {
		m.log.Error().Err(err).Msg("failed to encode event")
		return
	}
	select {
	case m.broadcast <- msg:
		return
	default:
	}

	timer := time.NewTimer(m.queueWait)
	defer timer.Stop()
	select {
	case m.broadcast <- msg:
	case <-m.done:
	case <-timer.C:
		m.log.Warn().Str("event", payload.Kind.String()).Str("id", string(payload.ID)).Msg("broadcast queue full, forcing clients to resync")
		m.resync()
	}
}

// resync discards queued events and closes every connection. Closing ends a
// client's read pump, which unregisters it.
func (m *WSManager) resync() {
drain:
	for {
		select {
		case <-m.broadcast:
		default:
			break drain
		}
	}

	m.clientsMu.RLock()
	defer m.clientsMu.RUnlock()
	for client := range m.clients {
		client.conn.Close()
	}
}

func (m *WSManager) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.log.Warn().Err(err).Msg("failed to upgrade connection")
		return
	}

	id := uuid.NewString()
	client := &WebSocketClient{
		manager: m,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		id:      id,
		ip:      r.RemoteAddr,
		log:     m.log.With().Str("client", id).Str("remote", r.RemoteAddr).Logger(),
	}

	select {
	case m.register <- client:
	case <-m.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump pumps messages from the websocket connection to the hub.
func (c *WebSocketClient) readPump() {
	defer func() {
		select {
		case c.manager.unregister <- c:
		case <-c.manager.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn().Err(err).Msg("read error")
			}
			return
		}

		if !c.handleMessage(message) {
			return
		}
	}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *WebSocketClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.manager.done:
			return
		}
	}
}

// handleMessage processes one client message. It returns false when the
// connection should be dropped.
func (c *WebSocketClient) handleMessage(data []byte) bool {
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.Warn().Err(err).Msg("invalid message format")
		return true
	}

	switch msg.Type {
	case protocol.TypeAuth:
		var payload protocol.AuthPayload
		if err := msg.Decode(&payload); err != nil {
			c.log.Warn().Err(err).Msg("invalid auth payload")
			return false
		}
		if token := c.manager.server.configMgr.Get().General.APIToken; token != "" && payload.Token != token {
			c.log.Warn().Str("name", payload.ClientName).Msg("auth rejected")
			return false
		}
		c.log.Info().Str("name", payload.ClientName).Str("version", payload.ClientVersion).Msg("client authenticated")

	case protocol.TypeSyncRequest:
		resp, err := protocol.NewMessage(protocol.TypeSyncResponse, protocol.SyncResponsePayload{
			Displays: c.manager.server.source.Displays(),
			Origin:   c.manager.server.name,
		})
		if err != nil {
			c.log.Error().Err(err).Msg("failed to encode sync response")
			return true
		}
		data, _ := json.Marshal(resp)
		select {
		case c.send <- data:
		default:
			c.log.Warn().Msg("send buffer full, sync response dropped")
		}

	case protocol.TypePing:
		// Heartbeat only

	default:
		c.log.Debug().Str("type", string(msg.Type)).Msg("ignoring message")
	}
	return true
}
