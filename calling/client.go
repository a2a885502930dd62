/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 VueSip Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"fmt"
	"sync"

	"github.com/ironyh/VueSip-sub004/eventbus"
	"github.com/ironyh/VueSip-sub004/signaling"
	"github.com/ironyh/VueSip-sub004/vuesipsdk"
)

// Client is the calling plugin: it owns the active-call registry, places
// and admits calls, feeds gateway signaling events into sessions, and
// hands out the transfer controller. It is the SessionResolver the
// controller works against.
type Client struct {
	mu sync.Mutex

	core   *vuesipsdk.Client
	config *Config
	bus    *eventbus.Bus
	logger vuesipsdk.Logger

	sessions   map[string]*CallSession
	transports map[string]*GatewaySession
	transfer   *TransferController
}

var _ SessionResolver = (*Client)(nil)

// New creates a new calling client plugin.
func New(core *vuesipsdk.Client, config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = core.GetLogger()
	}

	return &Client{
		core:       core,
		config:     config,
		bus:        eventbus.NewWithLogger(logger),
		logger:     logger,
		sessions:   make(map[string]*CallSession),
		transports: make(map[string]*GatewaySession),
	}
}

// Events returns the event bus call state changes, operations, errors
// and incoming-call admissions are published on.
func (c *Client) Events() *eventbus.Bus {
	return c.bus
}

// Transfer returns the transfer controller, creating it on first use.
func (c *Client) Transfer() *TransferController {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.transfer == nil {
		c.transfer = NewTransferController(c, &TransferControllerConfig{
			CompletionDelay:  c.config.TransferCompletionDelay,
			CancelationDelay: c.config.TransferCancelationDelay,
			Logger:           c.logger,
		})
	}
	return c.transfer
}

// MakeCall places an outgoing call through the configured gateway device
// and returns the gateway-assigned call id.
func (c *Client) MakeCall(destination string, opts MakeCallOptions) (string, error) {
	if c.config.DeviceID == "" {
		return "", NewPreconditionError("MakeCall", "no gateway device configured")
	}

	media, err := NewMediaEngine(c.config.MediaConfig)
	if err != nil {
		return "", fmt.Errorf("failed to create media engine: %w", err)
	}

	transport := newGatewaySession(c.core, c.config.DeviceID, media)
	callID, err := transport.Dial(destination, opts)
	if err != nil {
		if mediaErr := media.Close(); mediaErr != nil {
			c.logger.Printf("calling: error closing media after failed dial: %v", mediaErr)
		}
		return "", err
	}

	session, err := NewCallSession(transport, &SessionConfig{
		Direction: CallDirectionOutgoing,
		LocalURI:  c.config.LineURI,
		RemoteURI: destination,
		Bus:       c.bus,
		Logger:    c.logger,
	})
	if err != nil {
		return "", err
	}

	c.register(callID, session, transport)
	return callID, nil
}

// GetActiveCall returns the live session for callID, or nil when no such
// call exists or the call already ended.
func (c *Client) GetActiveCall(callID string) *CallSession {
	c.mu.Lock()
	session := c.sessions[callID]
	c.mu.Unlock()

	if session == nil || session.State().Terminal() {
		return nil
	}
	return session
}

// ActiveCalls returns all live sessions in the registry.
func (c *Client) ActiveCalls() []*CallSession {
	c.mu.Lock()
	defer c.mu.Unlock()

	calls := make([]*CallSession, 0, len(c.sessions))
	for _, session := range c.sessions {
		if !session.State().Terminal() {
			calls = append(calls, session)
		}
	}
	return calls
}

// Hangup terminates the call and drops it from the registry.
func (c *Client) Hangup(callID string) error {
	session := c.GetActiveCall(callID)
	if session == nil {
		return NewNotFoundError("Hangup", callID)
	}

	err := session.Terminate()
	c.remove(callID)
	return err
}

// AttachSignaling subscribes the client to gateway call events on the
// channel. Events for calls the registry does not know are admitted as
// incoming calls on setup and otherwise dropped with a log line.
func (c *Client) AttachSignaling(channel *signaling.Channel) {
	channel.On(signaling.EventCallSetup, c.handleSetup)
	channel.On(signaling.EventCallProgress, func(event *signaling.CallEvent) {
		c.withSession(event, func(session *CallSession, _ *GatewaySession) {
			if event.Data.InbandMedia {
				session.handleEarlyMedia()
				return
			}
			if event.Data.Alerting {
				session.handleRinging()
			}
		})
	})
	channel.On(signaling.EventCallConnected, func(event *signaling.CallEvent) {
		c.withSession(event, func(session *CallSession, _ *GatewaySession) {
			session.handleAnswered()
		})
	})
	channel.On(signaling.EventCallMedia, func(event *signaling.CallEvent) {
		c.withSession(event, func(_ *CallSession, transport *GatewaySession) {
			if err := transport.handleRemoteSDP(event.Data.SDP); err != nil {
				c.logger.Printf("calling: call %s: failed to apply remote SDP: %v", event.CallID, err)
			}
		})
	})
	channel.On(signaling.EventCallHeld, func(event *signaling.CallEvent) {
		c.withSession(event, func(session *CallSession, _ *GatewaySession) {
			session.handleRemoteHold(true)
		})
	})
	channel.On(signaling.EventCallResumed, func(event *signaling.CallEvent) {
		c.withSession(event, func(session *CallSession, _ *GatewaySession) {
			session.handleRemoteHold(false)
		})
	})
	channel.On(signaling.EventCallTransferAccepted, func(event *signaling.CallEvent) {
		c.mu.Lock()
		controller := c.transfer
		c.mu.Unlock()
		if controller != nil {
			controller.HandleTransferAccepted()
		}
	})
	channel.On(signaling.EventCallDisconnected, func(event *signaling.CallEvent) {
		c.withSession(event, func(session *CallSession, _ *GatewaySession) {
			session.handleTerminated()
			c.remove(event.CallID)
		})
	})
}

// Close shuts down the transfer controller and terminates every call
// still in the registry.
func (c *Client) Close() {
	c.mu.Lock()
	controller := c.transfer
	c.transfer = nil
	sessions := make([]*CallSession, 0, len(c.sessions))
	for _, session := range c.sessions {
		sessions = append(sessions, session)
	}
	c.sessions = make(map[string]*CallSession)
	c.transports = make(map[string]*GatewaySession)
	c.mu.Unlock()

	if controller != nil {
		controller.Close()
	}
	for _, session := range sessions {
		if session.State().Terminal() {
			continue
		}
		if err := session.Terminate(); err != nil {
			c.logger.Printf("calling: error terminating call %s on close: %v", session.ID(), err)
		}
	}
}

// handleSetup admits an incoming call: a gateway transport is bound to
// the event's call id, wrapped in an incoming session and published on
// the bus for the application to answer or reject.
func (c *Client) handleSetup(event *signaling.CallEvent) {
	if c.GetActiveCall(event.CallID) != nil {
		return
	}

	media, err := NewMediaEngine(c.config.MediaConfig)
	if err != nil {
		c.logger.Printf("calling: failed to create media engine for incoming call %s: %v", event.CallID, err)
		return
	}

	transport := newGatewaySession(c.core, c.config.DeviceID, media)
	transport.attachIncoming(event.CallID)

	session, err := NewCallSession(transport, &SessionConfig{
		Direction: CallDirectionIncoming,
		LocalURI:  c.config.LineURI,
		RemoteURI: event.Data.From,
		Bus:       c.bus,
		Logger:    c.logger,
	})
	if err != nil {
		c.logger.Printf("calling: failed to admit incoming call %s: %v", event.CallID, err)
		return
	}

	c.register(event.CallID, session, transport)
	c.bus.Emit(EventCallIncoming, session)
}

// withSession runs fn with the registry entry for the event's call id.
func (c *Client) withSession(event *signaling.CallEvent, fn func(*CallSession, *GatewaySession)) {
	c.mu.Lock()
	session := c.sessions[event.CallID]
	transport := c.transports[event.CallID]
	c.mu.Unlock()

	if session == nil {
		c.logger.Printf("calling: dropping %s event for unknown call %s", event.EventType, event.CallID)
		return
	}
	fn(session, transport)
}

func (c *Client) register(callID string, session *CallSession, transport *GatewaySession) {
	c.mu.Lock()
	c.sessions[callID] = session
	c.transports[callID] = transport
	c.mu.Unlock()
}

func (c *Client) remove(callID string) {
	c.mu.Lock()
	delete(c.sessions, callID)
	delete(c.transports, callID)
	c.mu.Unlock()
}
