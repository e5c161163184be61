package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/satriahrh/voxbridge/domain/entities"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Audio deltas can be large; the service caps messages well below this.
	maxMessageSize = 4 * 1024 * 1024

	sendBufferSize  = 512
	eventBufferSize = 512

	DefaultURL              = "wss://api.openai.com/v1/realtime"
	DefaultModel            = "gpt-4o-realtime-preview"
	DefaultHandshakeTimeout = 30 * time.Second
)

var (
	// ErrChannelClosed is returned by send operations after the channel shut down
	ErrChannelClosed = errors.New("speech channel closed")

	// ErrConfiguration marks failures that retrying cannot fix
	ErrConfiguration = errors.New("speech channel misconfigured")
)

// Dialer opens speech channels. The zero value is usable once APIKey is set.
type Dialer struct {
	URL              string
	APIKey           string
	Model            string
	HandshakeTimeout time.Duration
	Logger           *zap.Logger
}

func configurationError(op string, err error) error {
	return entities.NewSessionError(entities.ErrorKindConfiguration, op, fmt.Errorf("%w: %v", ErrConfiguration, err))
}

// Dial connects, waits for session.created and sends the session configuration.
// The whole handshake is bounded by HandshakeTimeout.
func (d *Dialer) Dial(ctx context.Context, cfg entities.SessionConfig) (*Channel, error) {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if d.APIKey == "" {
		return nil, configurationError("dial", errors.New("api key is required"))
	}
	if err := cfg.Validate(); err != nil {
		return nil, configurationError("dial", err)
	}

	endpoint, err := d.endpoint()
	if err != nil {
		return nil, configurationError("dial", err)
	}

	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+d.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	wsDialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}
	conn, resp, err := wsDialer.DialContext(dialCtx, endpoint, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, configurationError("dial", fmt.Errorf("service rejected credentials: %s", resp.Status))
		}
		return nil, entities.NewSessionError(entities.ErrorKindTransport, "dial", err)
	}

	// unblock the handshake read if the caller gives up early
	stop := context.AfterFunc(dialCtx, func() { conn.Close() })
	defer stop()

	if deadline, ok := dialCtx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	}
	if err := awaitSessionCreated(conn); err != nil {
		conn.Close()
		return nil, err
	}

	update, err := json.Marshal(sessionUpdateEvent{
		clientEvent: clientEvent{Type: clientSessionUpdate, EventID: uuid.NewString()},
		Session:     buildSessionPayload(cfg),
	})
	if err != nil {
		conn.Close()
		return nil, configurationError("session.update", err)
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, update); err != nil {
		conn.Close()
		return nil, entities.NewSessionError(entities.ErrorKindTransport, "session.update", err)
	}
	if !stop() {
		conn.Close()
		return nil, entities.NewSessionError(entities.ErrorKindTransport, "dial", dialCtx.Err())
	}
	conn.SetReadDeadline(time.Time{})

	ch := newChannel(conn, logger)
	go ch.writePump()
	go ch.readPump()

	logger.Info("Speech channel connected", zap.String("model", d.model()))
	return ch, nil
}

func (d *Dialer) model() string {
	if d.Model == "" {
		return DefaultModel
	}
	return d.Model
}

func (d *Dialer) endpoint() (string, error) {
	raw := d.URL
	if raw == "" {
		raw = DefaultURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid realtime url: %w", err)
	}
	q := u.Query()
	if q.Get("model") == "" {
		q.Set("model", d.model())
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func awaitSessionCreated(conn *websocket.Conn) error {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return entities.NewSessionError(entities.ErrorKindTransport, "handshake", err)
		}
		var env serverEnvelope
		if err := json.Unmarshal(msg, &env); err != nil {
			continue
		}
		switch EventType(env.Type) {
		case EventSessionCreated:
			return nil
		case EventError:
			reason := "unknown error"
			if env.Error != nil {
				reason = env.Error.Message
				if env.Error.Type == "invalid_request_error" {
					return configurationError("handshake", errors.New(reason))
				}
			}
			return entities.NewSessionError(entities.ErrorKindProtocol, "handshake", errors.New(reason))
		}
	}
}

type pendingCall struct {
	name       string
	responseID string
	itemID     string
	args       strings.Builder
}

// Channel is one live session with the speech service.
// Send methods are safe for concurrent use; Events is consumed by a single reader.
type Channel struct {
	conn   *websocket.Conn
	logger *zap.Logger

	send       chan []byte
	events     chan Event
	done       chan struct{}
	stop       chan struct{}
	writerDone chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	closing   bool
	err       error

	// owned by readPump
	calls map[string]*pendingCall

	rateMu     sync.RWMutex
	rateLimits map[string]RateLimit
}

func newChannel(conn *websocket.Conn, logger *zap.Logger) *Channel {
	return &Channel{
		conn:       conn,
		logger:     logger,
		send:       make(chan []byte, sendBufferSize),
		events:     make(chan Event, eventBufferSize),
		done:       make(chan struct{}),
		stop:       make(chan struct{}),
		writerDone: make(chan struct{}),
		calls:      make(map[string]*pendingCall),
		rateLimits: make(map[string]RateLimit),
	}
}

// Events delivers parsed server events in arrival order.
// It is closed once the channel stops; Err then reports why.
func (c *Channel) Events() <-chan Event { return c.events }

// Done is closed when the channel can no longer send
func (c *Channel) Done() <-chan struct{} { return c.done }

// Err returns the failure that closed the channel, or nil if it was closed with Close
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close flushes queued client events, then shuts the channel down.
// It is safe to call more than once.
func (c *Channel) Close() error {
	c.mu.Lock()
	already := c.closing
	c.closing = true
	c.mu.Unlock()
	if already {
		return nil
	}
	close(c.stop)
	select {
	case <-c.writerDone:
	case <-time.After(writeWait):
	}
	c.shutdown()
	return nil
}

func (c *Channel) fail(err error) {
	c.mu.Lock()
	if c.err == nil && !c.closing {
		c.err = err
	}
	c.mu.Unlock()
	c.shutdown()
}

func (c *Channel) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// AppendAudio streams a PCM16 chunk into the input audio buffer
func (c *Channel) AppendAudio(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	return c.enqueue(audioAppendEvent{
		clientEvent: clientEvent{Type: clientAudioAppend},
		Audio:       base64.StdEncoding.EncodeToString(pcm),
	})
}

// CommitAudio finalizes the pending input audio as one user turn
func (c *Channel) CommitAudio() error {
	return c.enqueue(clientEvent{Type: clientAudioCommit, EventID: uuid.NewString()})
}

// SendText adds a user text turn to the conversation
func (c *Channel) SendText(text string) error {
	return c.enqueue(itemCreateEvent{
		clientEvent: clientEvent{Type: clientItemCreate, EventID: uuid.NewString()},
		Item: outboundItem{
			Type:    itemTypeMessage,
			Role:    "user",
			Content: []itemContent{{Type: contentTypeInputText, Text: text}},
		},
	})
}

// SubmitToolResult answers a function call with a function_call_output item
func (c *Channel) SubmitToolResult(result entities.ToolResult) error {
	return c.enqueue(itemCreateEvent{
		clientEvent: clientEvent{Type: clientItemCreate, EventID: uuid.NewString()},
		Item: outboundItem{
			Type:   itemTypeFunctionCallOut,
			CallID: result.CallID,
			Output: result.Output(),
		},
	})
}

// CreateResponse asks the model to respond to the conversation so far
func (c *Channel) CreateResponse() error {
	return c.enqueue(clientEvent{Type: clientResponseCreate, EventID: uuid.NewString()})
}

// CancelResponse stops an in-flight response
func (c *Channel) CancelResponse(responseID string) error {
	return c.enqueue(responseCancelEvent{
		clientEvent: clientEvent{Type: clientResponseCancel, EventID: uuid.NewString()},
		ResponseID:  responseID,
	})
}

// UpdateSession re-sends the full session configuration
func (c *Channel) UpdateSession(cfg entities.SessionConfig) error {
	if err := cfg.Validate(); err != nil {
		return configurationError("session.update", err)
	}
	return c.enqueue(sessionUpdateEvent{
		clientEvent: clientEvent{Type: clientSessionUpdate, EventID: uuid.NewString()},
		Session:     buildSessionPayload(cfg),
	})
}

// RateLimits returns a snapshot of the rate-limit table ordered by name
func (c *Channel) RateLimits() []RateLimit {
	c.rateMu.RLock()
	defer c.rateMu.RUnlock()
	out := make([]RateLimit, 0, len(c.rateLimits))
	for _, rl := range c.rateLimits {
		out = append(out, rl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (c *Channel) enqueue(v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode client event: %w", err)
	}
	select {
	case <-c.done:
		return ErrChannelClosed
	case <-c.stop:
		return ErrChannelClosed
	default:
	}
	select {
	case c.send <- b:
		return nil
	case <-c.done:
		return ErrChannelClosed
	case <-c.stop:
		return ErrChannelClosed
	}
}

func (c *Channel) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// writePump pumps queued client events to the websocket connection.
func (c *Channel) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		close(c.writerDone)
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.fail(entities.NewSessionError(entities.ErrorKindTransport, "write", err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.fail(entities.NewSessionError(entities.ErrorKindTransport, "ping", err))
				return
			}

		case <-c.stop:
			c.flush()
			return

		case <-c.done:
			return
		}
	}
}

// flush writes whatever is still queued and says goodbye to the peer
func (c *Channel) flush() {
	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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

// readPump parses server events until the connection ends.
func (c *Channel) readPump() {
	defer close(c.events)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closing := c.closing
			c.mu.Unlock()
			if !closing {
				c.logger.Warn("Speech channel read failed", zap.Error(err))
			}
			c.fail(entities.NewSessionError(entities.ErrorKindTransport, "read", err))
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.handle(message)
	}
}

func (c *Channel) handle(message []byte) {
	var env serverEnvelope
	if err := json.Unmarshal(message, &env); err != nil {
		c.logger.Warn("Dropping malformed speech event", zap.Error(err))
		return
	}

	ev := Event{
		Type:       EventType(env.Type),
		EventID:    env.EventID,
		ResponseID: env.ResponseID,
		ItemID:     env.ItemID,
	}

	switch ev.Type {
	case EventSessionCreated, EventSessionUpdated, EventAudioDone,
		EventSpeechStarted, EventSpeechStopped, EventAudioCommitted:
		c.emit(ev)

	case EventItemCreated:
		if env.Item == nil {
			c.logger.Warn("conversation.item.created without item")
			return
		}
		ev.ItemID = env.Item.ID
		ev.Item = env.Item
		if env.Item.Type == itemTypeFunctionCall {
			c.trackCall(env.Item, env.ResponseID)
		}
		c.emit(ev)

	case EventInputTranscriptDone:
		ev.Text = env.Transcript
		c.emit(ev)

	case EventInputTranscriptFailed:
		ev.Error = env.Error
		c.emit(ev)

	case EventResponseCreated, EventResponseDone:
		if env.Response != nil {
			ev.ResponseID = env.Response.ID
			ev.Status = env.Response.Status
		}
		c.emit(ev)

	case EventAudioDelta:
		pcm, err := base64.StdEncoding.DecodeString(env.Delta)
		if err != nil {
			c.logger.Warn("Dropping undecodable audio delta",
				zap.String("responseID", env.ResponseID),
				zap.Error(err))
			return
		}
		ev.Audio = pcm
		c.emit(ev)

	case EventTranscriptDelta, EventTextDelta:
		ev.Text = env.Delta
		c.emit(ev)

	case EventTranscriptDone:
		ev.Text = env.Transcript
		c.emit(ev)

	case EventTextDone:
		ev.Text = env.Text
		c.emit(ev)

	case EventFunctionCall:
		c.completeCall(env)

	case EventRateLimits:
		c.updateRateLimits(env)

	case EventError:
		ev.Error = env.Error
		if ev.Error == nil {
			ev.Error = &ServerError{Type: "unknown", Message: "error event without payload"}
		}
		c.logger.Warn("Speech service reported error",
			zap.String("type", ev.Error.Type),
			zap.String("code", ev.Error.Code),
			zap.String("message", ev.Error.Message))
		c.emit(ev)

	default:
		switch env.Type {
		case serverOutputItemAdded:
			if env.Item != nil && env.Item.Type == itemTypeFunctionCall {
				c.trackCall(env.Item, env.ResponseID)
			}
		case serverFunctionCallArgsDelta:
			c.appendArguments(env)
		default:
			c.logger.Debug("Ignoring speech event", zap.String("type", env.Type))
		}
	}
}

func (c *Channel) pending(callID string) *pendingCall {
	pc, ok := c.calls[callID]
	if !ok {
		pc = &pendingCall{}
		c.calls[callID] = pc
	}
	return pc
}

func (c *Channel) trackCall(item *Item, responseID string) {
	if item.CallID == "" {
		return
	}
	pc := c.pending(item.CallID)
	if item.Name != "" {
		pc.name = item.Name
	}
	if responseID != "" {
		pc.responseID = responseID
	}
	pc.itemID = item.ID
}

func (c *Channel) appendArguments(env serverEnvelope) {
	if env.CallID == "" {
		c.logger.Warn("Function call delta without call id")
		return
	}
	pc := c.pending(env.CallID)
	if env.ResponseID != "" {
		pc.responseID = env.ResponseID
	}
	pc.args.WriteString(env.Delta)
}

// completeCall surfaces one parsed ToolCall. Unparseable arguments are
// answered immediately with an error result so the call never stays open.
func (c *Channel) completeCall(env serverEnvelope) {
	callID := env.CallID
	pc := c.calls[callID]
	delete(c.calls, callID)

	call := &entities.ToolCall{
		Name:       env.Name,
		CallID:     callID,
		ResponseID: env.ResponseID,
	}
	buffered := ""
	itemID := env.ItemID
	if pc != nil {
		if call.Name == "" {
			call.Name = pc.name
		}
		if call.ResponseID == "" {
			call.ResponseID = pc.responseID
		}
		if itemID == "" {
			itemID = pc.itemID
		}
		buffered = pc.args.String()
	}
	raw := env.Arguments
	if raw == "" {
		raw = buffered
	}

	if callID == "" {
		c.logger.Warn("Function call completed without call id", zap.String("name", call.Name))
		return
	}

	args, err := parseArguments(raw)
	if err != nil {
		c.logger.Warn("Rejecting function call with invalid arguments",
			zap.String("callID", callID),
			zap.String("name", call.Name),
			zap.Error(err))
		result := entities.NewToolFailure(callID, fmt.Sprintf("invalid arguments: %v", err))
		if err := c.SubmitToolResult(result); err != nil {
			c.logger.Warn("Failed to submit rejection", zap.String("callID", callID), zap.Error(err))
		}
		c.emit(Event{
			Type:       EventFunctionCallRejected,
			EventID:    env.EventID,
			ResponseID: call.ResponseID,
			ItemID:     itemID,
			ToolCall:   call,
		})
		return
	}

	call.Arguments = args
	c.emit(Event{
		Type:       EventFunctionCall,
		EventID:    env.EventID,
		ResponseID: call.ResponseID,
		ItemID:     itemID,
		ToolCall:   call,
	})
}

func parseArguments(raw string) (map[string]interface{}, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]interface{}{}, nil
	}
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	if args == nil {
		return nil, errors.New("arguments must be a JSON object")
	}
	return args, nil
}

func (c *Channel) updateRateLimits(env serverEnvelope) {
	var low []RateLimit
	c.rateMu.Lock()
	for _, rl := range env.RateLimits {
		c.rateLimits[rl.Name] = rl
		if rl.Low() {
			low = append(low, rl)
		}
	}
	c.rateMu.Unlock()

	c.emit(Event{Type: EventRateLimits, EventID: env.EventID, RateLimits: env.RateLimits})
	if len(low) == 0 {
		return
	}
	for _, rl := range low {
		c.logger.Debug("Speech service rate limit running low",
			zap.String("name", rl.Name),
			zap.Float64("remaining", rl.Remaining),
			zap.Float64("limit", rl.Limit),
			zap.Float64("resetSeconds", rl.ResetSeconds))
	}
	c.emit(Event{Type: EventRateLimitWarning, EventID: env.EventID, RateLimits: low})
}
