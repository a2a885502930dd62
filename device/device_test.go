/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 VueSip Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package device

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ironyh/VueSip-sub004/vuesipsdk"
)

func newTestCore(t *testing.T, handler http.HandlerFunc) *vuesipsdk.Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	core, err := vuesipsdk.NewClient("token", &vuesipsdk.Config{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	return core
}

func TestRegister(t *testing.T) {
	t.Run("stores registration info", func(t *testing.T) {
		core := newTestCore(t, func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				t.Errorf("Expected POST, got %s", r.Method)
			}
			var payload map[string]interface{}
			_ = json.NewDecoder(r.Body).Decode(&payload)
			if payload["deviceType"] != "SOFTPHONE" {
				t.Errorf("Expected SOFTPHONE device type, got %v", payload["deviceType"])
			}
			_ = json.NewEncoder(w).Encode(Info{
				DeviceID:     "d1",
				URL:          "https://gateway.example.com/devices/d1",
				WebSocketURL: "wss://gateway.example.com/devices/d1/events",
				TTL:          3600,
			})
		})

		client := New(core, nil)
		if err := client.Register(); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if !client.IsRegistered() {
			t.Error("Expected registered state")
		}

		id, err := client.GetDeviceID()
		if err != nil || id != "d1" {
			t.Errorf("Expected device id d1, got %q (err %v)", id, err)
		}
		wsURL, err := client.GetWebSocketURL()
		if err != nil || wsURL != "wss://gateway.example.com/devices/d1/events" {
			t.Errorf("Expected websocket URL, got %q (err %v)", wsURL, err)
		}
	})

	t.Run("idempotent while registered", func(t *testing.T) {
		var calls int32
		core := newTestCore(t, func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			_ = json.NewEncoder(w).Encode(Info{DeviceID: "d1"})
		})

		client := New(core, &Config{DeviceType: "SOFTPHONE", TTL: 0})
		if err := client.Register(); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if err := client.Register(); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if got := atomic.LoadInt32(&calls); got != 1 {
			t.Errorf("Expected 1 registration request, got %d", got)
		}
	})

	t.Run("concurrent calls register once", func(t *testing.T) {
		var calls int32
		core := newTestCore(t, func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			// Hold the first request open long enough for the others to
			// pile up behind it.
			time.Sleep(20 * time.Millisecond)
			_ = json.NewEncoder(w).Encode(Info{DeviceID: "d1"})
		})

		client := New(core, &Config{DeviceType: "SOFTPHONE", TTL: 0})

		var wg sync.WaitGroup
		errs := make([]error, 5)
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = client.Register()
			}(i)
		}
		wg.Wait()

		for i, err := range errs {
			if err != nil {
				t.Errorf("Register %d failed: %v", i, err)
			}
		}
		if got := atomic.LoadInt32(&calls); got != 1 {
			t.Errorf("Expected 1 registration request, got %d", got)
		}
		if info := client.GetInfo(); info == nil || info.DeviceID != "d1" {
			t.Errorf("Expected single surviving registration, got %+v", info)
		}
	})

	t.Run("missing device id rejected", func(t *testing.T) {
		core := newTestCore(t, func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(Info{})
		})

		client := New(core, nil)
		if err := client.Register(); err == nil {
			t.Fatal("Expected error for empty device id")
		}
		if client.IsRegistered() {
			t.Error("Expected unregistered state after failure")
		}
	})

	t.Run("gateway error surfaces typed", func(t *testing.T) {
		core := newTestCore(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"message":"bad token"}`))
		})

		client := New(core, nil)
		err := client.Register()
		if err == nil {
			t.Fatal("Expected error")
		}
		if !vuesipsdk.IsAuthError(err) {
			t.Errorf("Expected auth error, got %v", err)
		}
	})
}

func TestUnregister(t *testing.T) {
	var deleted atomic.Bool
	core := newTestCore(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			_ = json.NewEncoder(w).Encode(Info{DeviceID: "d1"})
		case http.MethodDelete:
			if r.URL.Path != "/devices/d1" {
				t.Errorf("Expected delete of devices/d1, got %s", r.URL.Path)
			}
			deleted.Store(true)
			w.WriteHeader(http.StatusNoContent)
		}
	})

	client := New(core, &Config{DeviceType: "SOFTPHONE", TTL: 0})
	if err := client.Register(); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := client.Unregister(); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !deleted.Load() {
		t.Error("Expected DELETE request")
	}
	if client.IsRegistered() {
		t.Error("Expected unregistered state")
	}

	// Unregister again is a no-op.
	if err := client.Unregister(); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
}

func TestRefresh(t *testing.T) {
	t.Run("not registered", func(t *testing.T) {
		core := newTestCore(t, func(w http.ResponseWriter, r *http.Request) {})
		client := New(core, nil)
		if err := client.Refresh(); err == nil {
			t.Fatal("Expected error refreshing unregistered device")
		}
	})

	t.Run("renews registration", func(t *testing.T) {
		core := newTestCore(t, func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodPost:
				_ = json.NewEncoder(w).Encode(Info{DeviceID: "d1", TTL: 3600})
			case http.MethodPut:
				if r.URL.Path != "/devices/d1" {
					t.Errorf("Expected refresh of devices/d1, got %s", r.URL.Path)
				}
				_ = json.NewEncoder(w).Encode(Info{DeviceID: "d1", TTL: 7200})
			}
		})

		client := New(core, &Config{DeviceType: "SOFTPHONE", TTL: 0})
		if err := client.Register(); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if err := client.Refresh(); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if info := client.GetInfo(); info == nil || info.TTL != 7200 {
			t.Errorf("Expected renewed TTL, got %+v", info)
		}
	})
}

func TestWaitForRegistration(t *testing.T) {
	t.Run("unblocks on registration", func(t *testing.T) {
		core := newTestCore(t, func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(Info{DeviceID: "d1"})
		})

		client := New(core, &Config{DeviceType: "SOFTPHONE", TTL: 0})
		go func() {
			time.Sleep(10 * time.Millisecond)
			_ = client.Register()
		}()

		if err := client.WaitForRegistration(time.Second); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
	})

	t.Run("times out", func(t *testing.T) {
		core := newTestCore(t, func(w http.ResponseWriter, r *http.Request) {})
		client := New(core, nil)
		if err := client.WaitForRegistration(20 * time.Millisecond); err == nil {
			t.Fatal("Expected timeout error")
		}
	})
}
