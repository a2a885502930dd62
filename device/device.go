/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 VueSip Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package device manages the client's registration with the call
// gateway. A registration is the REST analog of a SIP REGISTER: it binds
// this client instance to a device id the gateway routes calls through,
// and it expires unless refreshed.
package device

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ironyh/VueSip-sub004/vuesipsdk"
)

// Info is the gateway's view of a registered device.
type Info struct {
	// DeviceID is the gateway-assigned device id calls are placed
	// through.
	DeviceID string `json:"deviceId,omitempty"`

	// URL is the canonical resource URL of this registration.
	URL string `json:"url,omitempty"`

	// WebSocketURL is the signaling endpoint events for this device are
	// pushed on.
	WebSocketURL string `json:"webSocketUrl,omitempty"`

	// LineURI is the SIP address of record bound to the device.
	LineURI string `json:"lineUri,omitempty"`

	// TTL is the registration lifetime in seconds.
	TTL int `json:"ttl,omitempty"`
}

// Config holds the configuration for the Device plugin.
type Config struct {
	// DeviceType identifies the client class to the gateway.
	DeviceType string

	// DeviceName is the human-readable registration name.
	DeviceName string

	// TTL is the requested registration lifetime in seconds. The
	// registration is refreshed at half this interval while registered.
	TTL int
}

// DefaultConfig returns the default configuration for the Device plugin.
func DefaultConfig() *Config {
	return &Config{
		DeviceType: "SOFTPHONE",
		DeviceName: "VueSip Go SDK",
		TTL:        3600,
	}
}

// Client is the device registration client.
type Client struct {
	core   *vuesipsdk.Client
	config *Config

	// registerMu serializes registration requests so concurrent Register
	// calls cannot both POST and leak a registration.
	registerMu sync.Mutex

	mu           sync.Mutex
	info         *Info
	registered   bool
	refreshTimer *time.Timer
	callbacks    []func()
}

// New creates a new Device plugin.
func New(core *vuesipsdk.Client, config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	return &Client{
		core:   core,
		config: config,
	}
}

// Register registers this client as a device with the gateway. Calling
// it while registered is a no-op; concurrent calls are serialized, so at
// most one registration request is ever outstanding.
func (c *Client) Register() error {
	c.registerMu.Lock()
	defer c.registerMu.Unlock()

	c.mu.Lock()
	if c.registered {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	payload := map[string]interface{}{
		"deviceType": c.config.DeviceType,
		"name":       c.config.DeviceName,
		"ttl":        c.config.TTL,
	}

	var info Info
	if err := c.core.RequestJSON(context.Background(), http.MethodPost, "devices", nil, payload, &info); err != nil {
		return fmt.Errorf("device registration failed: %w", err)
	}
	if info.DeviceID == "" {
		return fmt.Errorf("gateway returned no device id")
	}

	c.mu.Lock()
	c.info = &info
	c.registered = true
	c.setupRefreshTimerLocked()
	callbacks := make([]func(), len(c.callbacks))
	copy(callbacks, c.callbacks)
	c.mu.Unlock()

	for _, cb := range callbacks {
		go cb()
	}
	return nil
}

// Unregister deletes the registration. It is a no-op when not
// registered.
func (c *Client) Unregister() error {
	c.mu.Lock()
	info := c.info
	if info == nil {
		c.mu.Unlock()
		return nil
	}
	if c.refreshTimer != nil {
		c.refreshTimer.Stop()
		c.refreshTimer = nil
	}
	c.mu.Unlock()

	path := "devices/" + info.DeviceID
	if err := c.core.RequestJSON(context.Background(), http.MethodDelete, path, nil, nil, nil); err != nil {
		return fmt.Errorf("device unregistration failed: %w", err)
	}

	c.mu.Lock()
	c.info = nil
	c.registered = false
	c.mu.Unlock()
	return nil
}

// Refresh renews the registration before it expires.
func (c *Client) Refresh() error {
	c.mu.Lock()
	info := c.info
	c.mu.Unlock()
	if info == nil {
		return fmt.Errorf("device not registered, cannot refresh")
	}

	var renewed Info
	path := "devices/" + info.DeviceID
	payload := map[string]interface{}{"ttl": c.config.TTL}
	if err := c.core.RequestJSON(context.Background(), http.MethodPut, path, nil, payload, &renewed); err != nil {
		return fmt.Errorf("device refresh failed: %w", err)
	}

	c.mu.Lock()
	if renewed.DeviceID != "" {
		c.info = &renewed
	}
	c.setupRefreshTimerLocked()
	c.mu.Unlock()
	return nil
}

// setupRefreshTimerLocked arms the refresh timer at half the TTL.
// Callers must hold c.mu.
func (c *Client) setupRefreshTimerLocked() {
	if c.config.TTL <= 0 {
		return
	}
	if c.refreshTimer != nil {
		c.refreshTimer.Stop()
	}
	interval := time.Duration(c.config.TTL/2) * time.Second
	c.refreshTimer = time.AfterFunc(interval, func() {
		if err := c.Refresh(); err != nil {
			c.core.GetLogger().Printf("device: refresh failed: %v", err)
		}
	})
}

// GetDeviceID returns the registered device id, registering first when
// needed.
func (c *Client) GetDeviceID() (string, error) {
	info, err := c.ensureRegistered()
	if err != nil {
		return "", err
	}
	return info.DeviceID, nil
}

// GetWebSocketURL returns the signaling endpoint for this device,
// registering first when needed.
func (c *Client) GetWebSocketURL() (string, error) {
	info, err := c.ensureRegistered()
	if err != nil {
		return "", err
	}
	return info.WebSocketURL, nil
}

// GetInfo returns a copy of the current registration, or nil when not
// registered.
func (c *Client) GetInfo() *Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.info == nil {
		return nil
	}
	cp := *c.info
	return &cp
}

// IsRegistered reports whether the device is registered.
func (c *Client) IsRegistered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registered
}

// OnRegistered registers a callback invoked once registration succeeds.
// An already-registered client invokes it immediately.
func (c *Client) OnRegistered(callback func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.callbacks = append(c.callbacks, callback)
	if c.registered {
		go callback()
	}
}

// WaitForRegistration blocks until the device is registered or the
// timeout elapses.
func (c *Client) WaitForRegistration(timeout time.Duration) error {
	if c.IsRegistered() {
		return nil
	}

	waitCh := make(chan struct{})
	var once sync.Once
	c.OnRegistered(func() {
		once.Do(func() { close(waitCh) })
	})

	select {
	case <-waitCh:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for device registration")
	}
}

func (c *Client) ensureRegistered() (*Info, error) {
	c.mu.Lock()
	info := c.info
	c.mu.Unlock()
	if info != nil {
		return info, nil
	}

	if err := c.Register(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info, nil
}
