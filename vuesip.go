/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 VueSip Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package vuesip is the top-level entry point of the SDK. It wires the
// core HTTP client, the calling plugin and the gateway signaling channel
// together behind a single client with lazy plugin accessors.
package vuesip

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/ironyh/VueSip-sub004/calling"
	"github.com/ironyh/VueSip-sub004/device"
	"github.com/ironyh/VueSip-sub004/eventbus"
	"github.com/ironyh/VueSip-sub004/signaling"
	"github.com/ironyh/VueSip-sub004/vuesipsdk"
)

// Client is the top-level client for the call gateway.
type Client struct {
	// Core client for the gateway REST API
	core *vuesipsdk.Client

	// Plugins
	callingClient    *calling.Client
	deviceClient     *device.Client
	signalingChannel *signaling.Channel

	// SignalingURL is the gateway WebSocket endpoint. When empty,
	// Connect registers a device and uses the endpoint the gateway
	// assigns to it.
	SignalingURL string

	// CallingConfig overrides the calling plugin defaults when set
	// before the first Calling() call.
	CallingConfig *calling.Config

	mu sync.Mutex
}

// NewClient creates a new client with the given access token and
// optional configuration.
func NewClient(accessToken string, config *vuesipsdk.Config) (*Client, error) {
	core, err := vuesipsdk.NewClient(accessToken, config)
	if err != nil {
		return nil, err
	}

	return &Client{
		core: core,
	}, nil
}

// Calling returns the Calling plugin: call placement, the session
// registry and the transfer controller.
func (c *Client) Calling() *calling.Client {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.callingClient == nil {
		c.callingClient = calling.New(c.core, c.CallingConfig)
	}
	return c.callingClient
}

// Events returns the event bus the calling plugin publishes call state
// changes, operations, errors and incoming-call admissions on.
func (c *Client) Events() *eventbus.Bus {
	return c.Calling().Events()
}

// Device returns the Device plugin: gateway device registration and
// refresh.
func (c *Client) Device() *device.Client {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.deviceClient == nil {
		c.deviceClient = device.New(c.core, nil)
	}
	return c.deviceClient
}

// Signaling returns the gateway WebSocket channel, creating it on first
// use. The channel authenticates with the client's access token.
func (c *Client) Signaling() *signaling.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.signalingChannel == nil {
		config := signaling.DefaultConfig()
		config.Logger = c.core.GetLogger()
		config.RequestHeader = http.Header{
			"Authorization": []string{"Bearer " + c.core.GetAccessToken()},
			"Trackingid":    []string{vuesipsdk.TrackingID()},
		}
		c.signalingChannel = signaling.New(c.SignalingURL, config)
	}
	return c.signalingChannel
}

// Connect establishes the signaling channel and attaches the calling
// plugin to it, so gateway events start driving call sessions.
//
// Simple usage:
//
//	client, _ := vuesip.NewClient(token, nil)
//	client.SignalingURL = "wss://gateway.example.com/events"
//	if err := client.Connect(); err != nil { ... }
//	defer client.Disconnect()
//	callID, err := client.Calling().MakeCall("sip:bob@example.com", calling.MakeCallOptions{})
func (c *Client) Connect() error {
	if c.SignalingURL == "" {
		deviceClient := c.Device()
		if err := deviceClient.Register(); err != nil {
			return err
		}
		wsURL, err := deviceClient.GetWebSocketURL()
		if err != nil {
			return err
		}
		if wsURL == "" {
			return fmt.Errorf("no signaling URL configured and gateway assigned none")
		}
		c.SignalingURL = wsURL

		if c.CallingConfig == nil {
			c.CallingConfig = calling.DefaultConfig()
		}
		if c.CallingConfig.DeviceID == "" {
			deviceID, err := deviceClient.GetDeviceID()
			if err != nil {
				return err
			}
			c.CallingConfig.DeviceID = deviceID
		}
	}

	channel := c.Signaling()
	c.Calling().AttachSignaling(channel)

	if err := channel.Connect(); err != nil {
		return fmt.Errorf("failed to connect signaling channel: %w", err)
	}
	return nil
}

// Disconnect tears down the signaling channel and the calling plugin.
func (c *Client) Disconnect() {
	c.mu.Lock()
	channel := c.signalingChannel
	callingClient := c.callingClient
	deviceClient := c.deviceClient
	c.mu.Unlock()

	if channel != nil {
		_ = channel.Disconnect()
	}
	if callingClient != nil {
		callingClient.Close()
	}
	if deviceClient != nil {
		if err := deviceClient.Unregister(); err != nil {
			c.core.GetLogger().Printf("vuesip: device unregistration failed: %v", err)
		}
	}
}

// Core returns the core gateway REST client.
func (c *Client) Core() *vuesipsdk.Client {
	return c.core
}
