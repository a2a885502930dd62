/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 VueSip Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package signaling

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{}

// startServer runs a WebSocket endpoint that feeds each accepted
// connection to serve.
func startServer(t *testing.T, serve func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serve(conn)
	}))
	t.Cleanup(server.Close)
	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func testConfig() *Config {
	config := DefaultConfig()
	config.BackoffTimeReset = 10 * time.Millisecond
	config.BackoffTimeMax = 20 * time.Millisecond
	config.MaxRetries = 1
	return config
}

func TestChannelConnect(t *testing.T) {
	t.Run("connects and reports state", func(t *testing.T) {
		server := startServer(t, func(conn *websocket.Conn) {
			// Hold the connection open until the client closes it.
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		})

		channel := New(wsURL(server), testConfig())
		if err := channel.Connect(); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		defer func() { _ = channel.Disconnect() }()

		if !channel.IsConnected() {
			t.Error("Expected channel to report connected")
		}
	})

	t.Run("retries then fails against dead endpoint", func(t *testing.T) {
		channel := New("ws://127.0.0.1:1/events", testConfig())
		err := channel.Connect()
		if err == nil {
			t.Fatal("Expected connection failure")
		}
		if !strings.Contains(err.Error(), "failed to connect after 2 attempts") {
			t.Errorf("Expected retry count in error, got %v", err)
		}
	})

	t.Run("disconnect during backoff aborts the attempt", func(t *testing.T) {
		config := testConfig()
		config.BackoffTimeReset = time.Second
		config.MaxRetries = 3
		channel := New("ws://127.0.0.1:1/events", config)

		done := make(chan error, 1)
		go func() { done <- channel.Connect() }()

		// Let the first dial fail and the backoff wait begin.
		time.Sleep(50 * time.Millisecond)
		if err := channel.Disconnect(); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}

		select {
		case err := <-done:
			if !errors.Is(err, ErrChannelClosed) {
				t.Errorf("Expected ErrChannelClosed, got %v", err)
			}
		case <-time.After(500 * time.Millisecond):
			t.Fatal("Connect did not return after disconnect")
		}
		if channel.IsConnected() {
			t.Error("Expected channel to report disconnected")
		}
	})

	t.Run("disconnect is idempotent", func(t *testing.T) {
		channel := New("ws://127.0.0.1:1/events", testConfig())
		if err := channel.Disconnect(); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if err := channel.Disconnect(); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
	})
}

func TestChannelDispatch(t *testing.T) {
	send := make(chan string, 4)
	server := startServer(t, func(conn *websocket.Conn) {
		for msg := range send {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		}
	})

	channel := New(wsURL(server), testConfig())

	var mu sync.Mutex
	var connected []string
	var progress []bool
	channel.On(EventCallConnected, func(event *CallEvent) {
		mu.Lock()
		connected = append(connected, event.CallID)
		mu.Unlock()
	})
	channel.On(EventCallProgress, func(event *CallEvent) {
		mu.Lock()
		progress = append(progress, event.Data.Alerting)
		mu.Unlock()
	})

	if err := channel.Connect(); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	defer func() { _ = channel.Disconnect() }()

	send <- `{"eventType":"call.progress","callId":"c1","data":{"alerting":true}}`
	send <- `not even json`
	send <- `{"eventType":"call.connected","callId":"c1"}`
	close(send)

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		done := len(connected) == 1 && len(progress) == 1
		mu.Unlock()
		if done {
			break
		}
		select {
		case <-deadline:
			t.Fatal("Timed out waiting for events")
		case <-time.After(5 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if connected[0] != "c1" {
		t.Errorf("Expected call id c1, got %q", connected[0])
	}
	if !progress[0] {
		t.Error("Expected alerting flag to survive decoding")
	}
}

func TestChannelHandlerPanicIsolation(t *testing.T) {
	send := make(chan string, 2)
	server := startServer(t, func(conn *websocket.Conn) {
		for msg := range send {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		}
	})

	channel := New(wsURL(server), testConfig())
	channel.On(EventCallConnected, func(*CallEvent) { panic("handler bug") })

	survived := make(chan struct{})
	var once sync.Once
	channel.On(EventCallConnected, func(*CallEvent) {
		once.Do(func() { close(survived) })
	})

	if err := channel.Connect(); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	defer func() { _ = channel.Disconnect() }()

	send <- `{"eventType":"call.connected","callId":"c1"}`
	close(send)

	select {
	case <-survived:
	case <-time.After(2 * time.Second):
		t.Fatal("Second handler did not run after first panicked")
	}
}
