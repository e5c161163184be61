package bridge

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/satriahrh/voxbridge/internal/telephony"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024

	// Outbound telephony messages buffered per call
	sendBufferSize = 512
)

// ErrSinkClosed is returned when writing to a closed telephony connection
var ErrSinkClosed = errors.New("telephony connection closed")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// telephony providers connect server-to-server
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Handler accepts telephony media streams and runs one call session per connection
type Handler struct {
	hub        *Hub
	deps       Deps
	opts       Options
	queueDepth int
	logger     *zap.Logger

	// Sessions outlive the upgrade request, so they run on this context.
	baseCtx context.Context

	// running tracks live sessions until their drain completes
	mu      sync.Mutex
	running sync.WaitGroup
}

// NewHandler creates a media stream handler
func NewHandler(baseCtx context.Context, hub *Hub, deps Deps, opts Options, queueDepth int, logger *zap.Logger) *Handler {
	deps.Hub = hub
	if deps.Logger == nil {
		deps.Logger = logger
	}
	return &Handler{
		hub:        hub,
		deps:       deps,
		opts:       opts,
		queueDepth: queueDepth,
		logger:     logger,
		baseCtx:    baseCtx,
	}
}

// HandleMediaStream upgrades the request and starts the call session
func (h *Handler) HandleMediaStream(c echo.Context) error {
	h.mu.Lock()
	if h.baseCtx.Err() != nil {
		h.mu.Unlock()
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "shutting_down"})
	}
	h.running.Add(1)
	h.mu.Unlock()

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed", zap.Error(err))
		h.running.Done()
		return err
	}

	adapter := telephony.NewAdapter(h.queueDepth, h.logger)
	client := newClient(conn, adapter, h.logger)
	session := NewSession(h.deps, h.opts, adapter, client)

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go client.writePump()
	go client.readPump()
	go func() {
		defer h.running.Done()
		if err := session.Run(h.baseCtx); err != nil {
			h.logger.Debug("Call session ended with error", zap.Error(err))
		}
	}()

	return nil
}

// Wait blocks until every session started by this handler has drained,
// including its transcript flush. Call it after the base context is cancelled.
func (h *Handler) Wait(ctx context.Context) error {
	// no Add can race the wait once the lock is released
	h.mu.Lock()
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Client is a middleman between the telephony websocket connection and the call session.
type Client struct {
	// The websocket connection.
	conn *websocket.Conn

	adapter *telephony.Adapter

	// Buffered channel of outbound messages.
	send chan []byte

	closing   chan struct{}
	closeOnce sync.Once

	dropMu  sync.Mutex
	dropped int

	logger *zap.Logger
}

func newClient(conn *websocket.Conn, adapter *telephony.Adapter, logger *zap.Logger) *Client {
	return &Client{
		conn:    conn,
		adapter: adapter,
		send:    make(chan []byte, sendBufferSize),
		closing: make(chan struct{}),
		logger:  logger,
	}
}

// Send queues one message without blocking the session; a full buffer drops the message
func (c *Client) Send(msg []byte) error {
	select {
	case <-c.closing:
		return ErrSinkClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	default:
		c.dropMu.Lock()
		c.dropped++
		dropped := c.dropped
		c.dropMu.Unlock()
		c.logger.Warn("Telephony send buffer full, dropping message", zap.Int("totalDropped", dropped))
		return nil
	}
}

// Close flushes queued messages and closes the connection
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.closing) })
}

// readPump pumps messages from the websocket connection to the adapter.
func (c *Client) readPump() {
	defer func() {
		// the transport is gone; end the call as if the provider sent stop
		c.adapter.Enqueue(telephony.Event{Type: telephony.EventStop, Stop: true})
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("Telephony connection error", zap.Error(err))
			}
			return
		}
		// any inbound traffic proves the peer is alive
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if messageType != websocket.TextMessage {
			c.logger.Warn("Received unknown message type", zap.Int("type", messageType))
			continue
		}
		if err := c.adapter.Push(message); err != nil {
			if errors.Is(err, telephony.ErrUnknownEvent) {
				c.logger.Debug("Ignoring telephony event", zap.Error(err))
				continue
			}
			c.logger.Warn("Dropping malformed telephony message", zap.Error(err))
		}
	}
}

// writePump pumps messages from the session to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Warn("Failed to write telephony message", zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.closing:
			c.flush()
			return
		}
	}
}

func (c *Client) flush() {
	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
