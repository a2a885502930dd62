/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 VueSip Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package signaling maintains the WebSocket event channel to the call
// gateway. The gateway pushes call lifecycle events (setup, progress,
// connect, media, hold state, disconnect) over this channel; the calling
// client subscribes per event type and drives session state transitions
// from them.
package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrChannelClosed is returned by Connect when Disconnect is called
// while a connection attempt is still retrying.
var ErrChannelClosed = errors.New("signaling channel closed")

// EventType identifies the type of gateway call event.
type EventType string

const (
	EventCallSetup            EventType = "call.setup"
	EventCallProgress         EventType = "call.progress"
	EventCallConnected        EventType = "call.connected"
	EventCallMedia            EventType = "call.media"
	EventCallHeld             EventType = "call.held"
	EventCallResumed          EventType = "call.resumed"
	EventCallTransferAccepted EventType = "call.transfer_accepted"
	EventCallDisconnected     EventType = "call.disconnected"
)

// CallEvent is a gateway WebSocket event for a call.
type CallEvent struct {
	ID            string    `json:"id,omitempty"`
	EventType     EventType `json:"eventType"`
	CallID        string    `json:"callId"`
	CorrelationID string    `json:"correlationId,omitempty"`
	TrackingID    string    `json:"trackingId,omitempty"`
	Timestamp     int64     `json:"timestamp,omitempty"`
	Data          EventData `json:"data,omitempty"`
}

// EventData carries the event-type-specific payload.
type EventData struct {
	// Alerting is set on progress events when the far end is ringing.
	Alerting bool `json:"alerting,omitempty"`
	// InbandMedia is set on progress events carrying early media.
	InbandMedia bool `json:"inbandMedia,omitempty"`
	// SDP carries the remote description on media events.
	SDP string `json:"sdp,omitempty"`
	// From identifies the caller on setup events.
	From string `json:"from,omitempty"`
	// Reason describes a disconnect.
	Reason string `json:"reason,omitempty"`
}

// Handler is a callback invoked with a received event.
type Handler func(event *CallEvent)

// Logger is the minimal logging interface the channel needs.
type Logger interface {
	Printf(format string, v ...any)
}

// Config holds the configuration for the signaling channel.
type Config struct {
	// PingInterval is the interval between ping messages.
	PingInterval time.Duration
	// PongTimeout is the read deadline extension granted per pong.
	PongTimeout time.Duration
	// BackoffTimeReset is the initial delay before the first retry.
	BackoffTimeReset time.Duration
	// BackoffTimeMax caps the delay between connection attempts.
	BackoffTimeMax time.Duration
	// MaxRetries is the number of connection retries before giving up.
	MaxRetries int
	// RequestHeader is sent with the WebSocket handshake (authorization
	// and tracking headers).
	RequestHeader http.Header
	// Logger for channel operations. If nil, log.Default() is used.
	Logger Logger
}

// DefaultConfig returns the default configuration for the channel.
func DefaultConfig() *Config {
	return &Config{
		PingInterval:     30 * time.Second,
		PongTimeout:      10 * time.Second,
		BackoffTimeReset: 1 * time.Second,
		BackoffTimeMax:   32 * time.Second,
		MaxRetries:       3,
	}
}

// Channel is a WebSocket event channel to the call gateway.
type Channel struct {
	mu sync.Mutex

	url      string
	config   *Config
	logger   Logger
	conn     *websocket.Conn
	handlers map[EventType][]Handler

	connected  bool
	connecting bool
	closeCh    chan struct{}
}

// New creates a channel for the given WebSocket URL.
func New(url string, config *Config) *Channel {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Channel{
		url:      url,
		config:   config,
		logger:   logger,
		handlers: make(map[EventType][]Handler),
		closeCh:  make(chan struct{}),
	}
}

// On registers a handler for an event type. Handlers run on the read
// loop goroutine; panics are recovered per handler.
func (c *Channel) On(eventType EventType, handler Handler) {
	if handler == nil {
		return
	}
	c.mu.Lock()
	c.handlers[eventType] = append(c.handlers[eventType], handler)
	c.mu.Unlock()
}

// IsConnected reports whether the channel is connected.
func (c *Channel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Connect dials the gateway with exponential backoff and starts the
// read and keepalive loops.
func (c *Channel) Connect() error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	if c.connecting {
		c.mu.Unlock()
		return fmt.Errorf("connection attempt already in progress")
	}
	c.connecting = true
	closeCh := c.closeCh
	c.mu.Unlock()

	backoff := c.config.BackoffTimeReset
	var err error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if err = c.attemptConnection(); err == nil {
			return nil
		}
		if attempt == c.config.MaxRetries {
			break
		}
		select {
		case <-time.After(backoff):
			backoff *= 2
			if backoff > c.config.BackoffTimeMax {
				backoff = c.config.BackoffTimeMax
			}
		case <-closeCh:
			c.mu.Lock()
			c.connecting = false
			c.mu.Unlock()
			return ErrChannelClosed
		}
	}

	c.mu.Lock()
	c.connecting = false
	c.mu.Unlock()
	return fmt.Errorf("failed to connect after %d attempts: %w", c.config.MaxRetries+1, err)
}

// attemptConnection makes a single connection attempt.
func (c *Channel) attemptConnection() error {
	conn, resp, err := websocket.DefaultDialer.Dial(c.url, c.config.RequestHeader)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("websocket dial failed: %w", err)
	}

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.config.PingInterval + c.config.PongTimeout))
	})
	_ = conn.SetReadDeadline(time.Now().Add(c.config.PingInterval + c.config.PongTimeout))

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.connecting = false
	closeCh := c.closeCh
	c.mu.Unlock()

	go c.readLoop(conn, closeCh)
	go c.pingLoop(conn, closeCh)
	return nil
}

// Disconnect closes the channel. It is safe to call more than once.
func (c *Channel) Disconnect() error {
	c.mu.Lock()
	if !c.connected && !c.connecting {
		c.mu.Unlock()
		return nil
	}
	close(c.closeCh)
	c.closeCh = make(chan struct{})
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.connecting = false
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "disconnected by client"))
		_ = conn.Close()
	}
	return nil
}

// readLoop reads and dispatches events until the connection drops or
// the channel is disconnected.
func (c *Channel) readLoop(conn *websocket.Conn, closeCh <-chan struct{}) {
	for {
		select {
		case <-closeCh:
			return
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-closeCh:
				return
			default:
			}
			c.logger.Printf("signaling: read error: %v", err)
			c.mu.Lock()
			if c.conn == conn {
				c.connected = false
				c.conn = nil
			}
			c.mu.Unlock()
			return
		}

		var event CallEvent
		if err := json.Unmarshal(message, &event); err != nil {
			c.logger.Printf("signaling: failed to parse event: %v", err)
			continue
		}
		c.dispatch(&event)
	}
}

// pingLoop sends keepalive pings until the channel closes.
func (c *Channel) pingLoop(conn *websocket.Conn, closeCh <-chan struct{}) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-closeCh:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.config.PongTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Printf("signaling: ping failed: %v", err)
				return
			}
		}
	}
}

// dispatch invokes the handlers registered for the event's type.
func (c *Channel) dispatch(event *CallEvent) {
	c.mu.Lock()
	handlers := make([]Handler, len(c.handlers[event.EventType]))
	copy(handlers, c.handlers[event.EventType])
	c.mu.Unlock()

	for _, handler := range handlers {
		c.invoke(handler, event)
	}
}

func (c *Channel) invoke(handler Handler, event *CallEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Printf("signaling: handler for %s panicked: %v", event.EventType, rec)
		}
	}()
	handler(event)
}
