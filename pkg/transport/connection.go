// Package transport provides the WebSocket link between an agent and its
// debugger front-end.
package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aivorynet/ipa-go/pkg/capture"
)

// Version is reported to the front-end on registration.
const Version = "1.0.0"

// Message is an outgoing WebSocket message.
type Message struct {
	Type      string      `json:"type"`
	ID        string      `json:"id,omitempty"`
	Payload   interface{} `json:"payload"`
	Timestamp int64       `json:"timestamp"`
}

// Command is an incoming WebSocket message. Payload is decoded by the
// handler.
type Command struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

// Handler executes front-end commands. A reply with an empty type is not
// sent.
type Handler interface {
	HandleCommand(cmd Command) (replyType string, payload interface{})
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(cmd Command) (string, interface{})

// HandleCommand calls fn.
func (fn HandlerFunc) HandleCommand(cmd Command) (string, interface{}) {
	return fn(cmd)
}

// Registration identifies the agent to the front-end.
type Registration struct {
	AgentID   string `json:"agent_id"`
	SessionID string `json:"session_id"`
	Hostname  string `json:"hostname"`
}

// Connection represents a WebSocket connection to the front-end.
type Connection struct {
	url          string
	apiKey       string
	registration Registration
	handler      Handler
	logger       *slog.Logger

	conn          *websocket.Conn
	connected     bool
	authenticated bool
	mu            sync.RWMutex

	reconnectAttempts    int
	maxReconnectAttempts int
	reconnectDelay       time.Duration
	heartbeatInterval    time.Duration

	messageQueue chan []byte
	done         chan struct{}
	closeOnce    sync.Once
}

// Option configures a Connection.
type Option func(*Connection)

// WithHandler sets the command handler.
func WithHandler(h Handler) Option {
	return func(c *Connection) {
		c.handler = h
	}
}

// WithRegistration sets the registration payload.
func WithRegistration(r Registration) Option {
	return func(c *Connection) {
		c.registration = r
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Connection) {
		c.logger = l
	}
}

// WithReconnect sets the reconnect policy. The delay doubles per attempt up
// to a minute.
func WithReconnect(maxAttempts int, delay time.Duration) Option {
	return func(c *Connection) {
		c.maxReconnectAttempts = maxAttempts
		c.reconnectDelay = delay
	}
}

// WithHeartbeat sets the heartbeat interval.
func WithHeartbeat(d time.Duration) Option {
	return func(c *Connection) {
		c.heartbeatInterval = d
	}
}

// NewConnection creates a new connection.
func NewConnection(url, apiKey string, opts ...Option) *Connection {
	c := &Connection{
		url:                  url,
		apiKey:               apiKey,
		logger:               slog.Default(),
		maxReconnectAttempts: 10,
		reconnectDelay:       time.Second,
		heartbeatInterval:    30 * time.Second,
		messageQueue:         make(chan []byte, 100),
		done:                 make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "transport")
	return c
}

// Connect establishes the WebSocket connection and serves it until ctx is
// done, Disconnect is called or the reconnect attempts run out.
func (c *Connection) Connect(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		err := c.connect()
		if err != nil {
			c.logger.Debug("connection error", "error", err)

			c.reconnectAttempts++
			if c.reconnectAttempts > c.maxReconnectAttempts {
				c.logger.Warn("max reconnect attempts reached", "attempts", c.maxReconnectAttempts)
				return
			}

			delay := c.reconnectDelay * time.Duration(1<<uint(c.reconnectAttempts-1))
			if delay > 60*time.Second {
				delay = 60 * time.Second
			}
			c.logger.Debug("reconnecting", "delay", delay, "attempt", c.reconnectAttempts)

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-c.done:
				timer.Stop()
				return
			case <-timer.C:
			}
			continue
		}

		c.reconnectAttempts = 0
		c.runMessageLoop(ctx)
	}
}

// Disconnect closes the connection. It is safe to call more than once.
func (c *Connection) Disconnect() {
	c.closeOnce.Do(func() { close(c.done) })

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}

	c.connected = false
	c.authenticated = false
}

// SendHit sends a hit capture to the front-end.
func (c *Connection) SendHit(hit *capture.HitCapture) {
	c.send("hit", "", hit)
}

// IsConnected returns true if connected and registered.
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.authenticated
}

func (c *Connection) connect() error {
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+c.apiKey)

	c.logger.Debug("connecting", "url", c.url)

	conn, _, err := websocket.DefaultDialer.Dial(c.url, headers)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.logger.Debug("websocket connected")

	c.register()
	return nil
}

func (c *Connection) register() {
	payload := map[string]interface{}{
		"api_key":       c.apiKey,
		"agent_version": Version,
		"agent_id":      c.registration.AgentID,
		"session_id":    c.registration.SessionID,
		"hostname":      c.registration.Hostname,
		"runtime":       "go",
	}
	c.sendDirect("register", payload)
}

func (c *Connection) runMessageLoop(ctx context.Context) {
	heartbeatTicker := time.NewTicker(c.heartbeatInterval)
	defer heartbeatTicker.Stop()

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return
	}

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					c.logger.Debug("read error", "error", err)
				}
				return
			}
			c.handleMessage(message)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			conn.Close()
			return
		case <-c.done:
			return
		case <-readDone:
			c.mu.Lock()
			c.connected = false
			c.authenticated = false
			c.mu.Unlock()
			return
		case <-heartbeatTicker.C:
			c.send("heartbeat", "", map[string]interface{}{
				"timestamp": time.Now().UnixMilli(),
			})
		case msg := <-c.messageQueue:
			c.mu.RLock()
			if c.conn != nil && c.connected && c.authenticated {
				if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					c.logger.Debug("write error", "error", err)
				}
			}
			c.mu.RUnlock()
		}
	}
}

func (c *Connection) handleMessage(data []byte) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		c.logger.Debug("error parsing message", "error", err)
		return
	}

	c.logger.Debug("received", "type", cmd.Type)

	switch cmd.Type {
	case "registered":
		c.handleRegistered()
	case "error":
		c.handleError(cmd.Payload)
	default:
		if c.handler == nil {
			c.logger.Debug("unhandled message type", "type", cmd.Type)
			return
		}
		replyType, payload := c.handler.HandleCommand(cmd)
		if replyType != "" {
			c.send(replyType, cmd.ID, payload)
		}
	}
}

func (c *Connection) handleRegistered() {
	c.mu.Lock()
	c.authenticated = true
	c.mu.Unlock()

	c.logger.Info("agent registered")
}

func (c *Connection) handleError(payload json.RawMessage) {
	var e struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &e); err != nil {
		return
	}

	c.logger.Error("front-end error", "code", e.Code, "message", e.Message)

	if e.Code == "auth_error" || e.Code == "invalid_api_key" {
		c.logger.Error("authentication failed, disabling reconnect")
		c.maxReconnectAttempts = 0
		c.Disconnect()
	}
}

func (c *Connection) send(msgType, id string, payload interface{}) {
	msg := Message{
		Type:      msgType,
		ID:        id,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Debug("error marshaling message", "type", msgType, "error", err)
		return
	}

	if !c.IsConnected() {
		return
	}
	select {
	case c.messageQueue <- data:
	default:
		// Queue full, drop oldest.
		select {
		case <-c.messageQueue:
		default:
		}
		select {
		case c.messageQueue <- data:
		default:
		}
	}
}

func (c *Connection) sendDirect(msgType string, payload interface{}) {
	msg := Message{
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn != nil {
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			c.logger.Debug("write error", "error", err)
		}
	}
}
