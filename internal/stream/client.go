// Package stream follows the event stream of a remote displaywatch.
package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"displayconfig/internal/protocol"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Client handles the WebSocket connection to a displaywatch API
type Client struct {
	hostAddr string
	token    string
	name     string
	version  string
	send     chan protocol.Message
	log      zerolog.Logger

	// RetryDelay is the pause before reconnecting
	RetryDelay time.Duration

	// Callbacks, invoked on the read goroutine
	OnEvent   func(protocol.EventPayload)
	OnSync    func(protocol.SyncResponsePayload)
	OnConnect func(connected bool)

	mu          sync.Mutex
	isConnected bool
}

// NewClient creates a new stream client for hostAddr ("host:port")
func NewClient(hostAddr, token, name, version string, log zerolog.Logger) *Client {
	return &Client{
		hostAddr:   hostAddr,
		token:      token,
		name:       name,
		version:    version,
		send:       make(chan protocol.Message, 100),
		log:        log.With().Str("component", "stream").Str("host", hostAddr).Logger(),
		RetryDelay: 5 * time.Second,
	}
}

// Run connects and processes messages, reconnecting until ctx is done
func (c *Client) Run(ctx context.Context) error {
	for {
		c.connect(ctx)

		// If connect returns, it means we disconnected. Wait a bit and retry.
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.RetryDelay):
			c.log.Debug().Msg("attempting reconnection")
		}
	}
}

func (c *Client) connect(ctx context.Context) {
	u := url.URL{Scheme: "ws", Host: c.hostAddr, Path: "/ws"}
	c.log.Info().Str("url", u.String()).Msg("connecting")

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		c.log.Warn().Err(err).Msg("connection failed")
		return
	}
	defer conn.Close()

	c.setConnected(true)
	c.log.Info().Msg("connected")

	c.sendAuth()
	c.SendSyncRequest()

	connDone := make(chan struct{})
	go func() {
		defer close(connDone)
		c.writePump(ctx, conn)
	}()

	c.readPump(conn)
	c.setConnected(false)

	// The write pump exits on its next failed write. Closing the connection
	// here makes sure that happens promptly.
	conn.Close()
	<-connDone
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.isConnected = v
	onConnect := c.OnConnect
	c.mu.Unlock()
	if onConnect != nil {
		onConnect(v)
	}
}

func (c *Client) readPump(conn *websocket.Conn) {
	conn.SetReadLimit(1 << 20)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(10*time.Second))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("read error")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn().Err(err).Msg("invalid message")
			continue
		}

		c.handleMessage(msg)
	}
}

func (c *Client) writePump(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				c.log.Warn().Err(err).Msg("write error")
				return
			}

		case <-ticker.C:
			ping, _ := protocol.NewMessage(protocol.TypePing, nil)
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ping); err != nil {
				return
			}

		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
			return
		}
	}
}

func (c *Client) handleMessage(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeEvent:
		var payload protocol.EventPayload
		if err := msg.Decode(&payload); err != nil {
			c.log.Warn().Err(err).Msg("bad event")
			return
		}
		c.log.Debug().Str("event", payload.Kind.String()).Str("id", string(payload.ID)).Msg("received event")
		if c.OnEvent != nil {
			c.OnEvent(payload)
		}

	case protocol.TypeSyncResponse:
		var payload protocol.SyncResponsePayload
		if err := msg.Decode(&payload); err != nil {
			c.log.Warn().Err(err).Msg("bad sync response")
			return
		}
		c.log.Debug().Int("displays", payload.Displays.Len()).Msg("received sync")
		if c.OnSync != nil {
			c.OnSync(payload)
		}
	}
}

func (c *Client) sendAuth() {
	msg, err := protocol.NewMessage(protocol.TypeAuth, protocol.AuthPayload{
		Token:         c.token,
		ClientName:    c.name,
		ClientVersion: c.version,
	})
	if err != nil {
		return
	}
	c.queue(msg)
}

// SendSyncRequest asks the host for its current display set
func (c *Client) SendSyncRequest() {
	msg, _ := protocol.NewMessage(protocol.TypeSyncRequest, nil)
	c.queue(msg)
}

func (c *Client) queue(msg protocol.Message) {
	select {
	case c.send <- msg:
	default:
		c.log.Warn().Str("type", string(msg.Type)).Msg("send queue full, message dropped")
	}
}

// IsConnected returns true if client is connected to host
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isConnected
}
