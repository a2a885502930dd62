/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 VueSip Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package calling implements the client-side call-control layer: the
// capability-checked CallSession facade over a transport-level session
// object, the blind/attended TransferController, and the calling client
// that owns the active-call registry and feeds gateway signaling events
// into sessions. SIP wire encoding, ICE/SDP negotiation and audio
// capture are the transport's problem, not this package's.
package calling

import (
	"time"

	"github.com/ironyh/VueSip-sub004/vuesipsdk"
)

// Config holds configuration for the calling client.
type Config struct {
	// DeviceID is the registered gateway device id calls are placed
	// through.
	DeviceID string

	// LineURI is the local party URI stamped on outgoing sessions.
	LineURI string

	// TransferCompletionDelay is how long terminal Completed/Failed
	// transfer records stay readable before clearing.
	TransferCompletionDelay time.Duration

	// TransferCancelationDelay is the equivalent window for Canceled
	// records.
	TransferCancelationDelay time.Duration

	// MediaConfig is the WebRTC media configuration for gateway-backed
	// sessions.
	MediaConfig *MediaConfig

	// Logger for SDK operations. If nil, the core client's logger is
	// used.
	Logger vuesipsdk.Logger
}

// DefaultConfig returns a default configuration for the calling client.
func DefaultConfig() *Config {
	return &Config{
		TransferCompletionDelay:  5 * time.Second,
		TransferCancelationDelay: 2 * time.Second,
	}
}
