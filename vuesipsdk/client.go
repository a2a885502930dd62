/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 VueSip Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package vuesipsdk provides the core HTTP client shared by the VueSip
// feature packages. It knows how to authenticate against the call
// gateway, attach the standard headers, and translate error responses
// into the typed hierarchy in errors.go.
package vuesipsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// UserAgent identifies this SDK to the call gateway.
const UserAgent = "vuesip-go-sdk/2.0"

// Logger is the interface for SDK logging. Any logger that implements Printf
// (such as the standard library's *log.Logger) can be used.
type Logger interface {
	Printf(format string, v ...any)
}

// Config holds the configuration for the core client.
type Config struct {
	// BaseURL is the base URL of the call gateway API.
	BaseURL string

	// Timeout for API requests.
	Timeout time.Duration

	// DefaultHeaders are included in every API request.
	DefaultHeaders map[string]string

	// HTTPClient is a custom HTTP client to use instead of the default
	// one. If nil, a default client is created with Timeout.
	HTTPClient *http.Client

	// DeviceURI is the client device URI announced to the gateway on
	// every request. Optional until device registration has happened.
	DeviceURI string

	// Logger is the logger for SDK operations. If nil, the standard
	// library's default logger (log.Default()) is used.
	Logger Logger
}

// DefaultConfig returns a default configuration for the core client.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:        "https://gateway.vuesip.example/api/v1",
		Timeout:        30 * time.Second,
		DefaultHeaders: make(map[string]string),
	}
}

// Client is the core call gateway client.
type Client struct {
	httpClient *http.Client

	// BaseURL for API requests.
	BaseURL *url.URL

	accessToken string

	// Config for the client.
	Config *Config

	logger Logger
}

// NewClient creates a new core client with the given access token and
// optional configuration.
func NewClient(accessToken string, config *Config) (*Client, error) {
	if accessToken == "" {
		return nil, fmt.Errorf("access token cannot be empty")
	}

	if config == nil {
		config = DefaultConfig()
	}

	baseURL, err := url.Parse(config.BaseURL)
	if err != nil {
		return nil, err
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: config.Timeout,
		}
	}

	logger := config.Logger
	if logger == nil {
		logger = log.Default()
	}

	return &Client{
		httpClient:  httpClient,
		BaseURL:     baseURL,
		accessToken: accessToken,
		Config:      config,
		logger:      logger,
	}, nil
}

// GetAccessToken returns the access token used for API authentication.
func (c *Client) GetAccessToken() string {
	return c.accessToken
}

// GetHTTPClient returns the HTTP client used for API requests.
func (c *Client) GetHTTPClient() *http.Client {
	return c.httpClient
}

// GetLogger returns the logger used by the SDK.
func (c *Client) GetLogger() Logger {
	return c.logger
}

// TrackingID generates a fresh request tracking id.
func TrackingID() string {
	return fmt.Sprintf("vuesip-go-sdk_%s", uuid.New().String())
}

// SetStandardHeaders sets the authentication and identification headers
// every gateway request carries.
func (c *Client) SetStandardHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("trackingid", TrackingID())
	if c.Config.DeviceURI != "" {
		req.Header.Set("client-device-url", c.Config.DeviceURI)
	}
	for k, v := range c.Config.DefaultHeaders {
		req.Header.Set(k, v)
	}
}

// Request performs an HTTP request against the gateway.
// The caller is responsible for closing the response body when done.
func (c *Client) Request(method, path string, params url.Values, body interface{}) (*http.Response, error) {
	return c.RequestWithContext(context.Background(), method, path, params, body)
}

// RequestWithContext performs an HTTP request against the gateway with
// the given context. The context can be used for per-request timeouts
// and cancellation. The caller is responsible for closing the response
// body when done.
func (c *Client) RequestWithContext(ctx context.Context, method, path string, params url.Values, body interface{}) (*http.Response, error) {
	u, err := url.Parse(c.BaseURL.String() + "/" + path)
	if err != nil {
		return nil, err
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("error marshaling request body: %w", err)
		}
		reqBody = bytes.NewBuffer(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, err
	}
	c.SetStandardHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, NewAPIError(resp, respBody)
	}

	return resp, nil
}

// RequestJSON performs a request and decodes the JSON response into out.
// A nil out discards the response body.
func (c *Client) RequestJSON(ctx context.Context, method, path string, params url.Values, body, out interface{}) error {
	resp, err := c.RequestWithContext(ctx, method, path, params, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, err = io.Copy(io.Discard, resp.Body)
		return err
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
