/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 VueSip Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/ironyh/VueSip-sub004/vuesipsdk"
)

// GatewaySession is the transport-level session implementation backing
// gateway-placed calls: call control is JSON over HTTP against the call
// gateway, media is the pion engine. It implements the full capability
// surface the CallSession facade probes for; other transports are free
// to implement less.
type GatewaySession struct {
	mu sync.Mutex

	core          *vuesipsdk.Client
	callID        string
	deviceID      string
	correlationID string
	media         *MediaEngine
}

// Interface checks: GatewaySession implements every optional capability.
var (
	_ TransportSession          = (*GatewaySession)(nil)
	_ HoldTransport             = (*GatewaySession)(nil)
	_ MuteTransport             = (*GatewaySession)(nil)
	_ DTMFTransport             = (*GatewaySession)(nil)
	_ TransferTransport         = (*GatewaySession)(nil)
	_ AttendedTransferTransport = (*GatewaySession)(nil)
	_ TerminateTransport        = (*GatewaySession)(nil)
)

// newGatewaySession creates an unplaced gateway session. The call id is
// assigned by Dial for outgoing calls or taken from the setup event for
// incoming ones.
func newGatewaySession(core *vuesipsdk.Client, deviceID string, media *MediaEngine) *GatewaySession {
	return &GatewaySession{
		core:          core,
		callID:        fmt.Sprintf("local-%s", uuid.New().String()),
		deviceID:      deviceID,
		correlationID: uuid.New().String(),
		media:         media,
	}
}

// ID returns the gateway call id.
func (g *GatewaySession) ID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.callID
}

// CorrelationID returns the client-generated correlation id.
func (g *GatewaySession) CorrelationID() string {
	return g.correlationID
}

// Media returns the media engine for direct RTP access.
func (g *GatewaySession) Media() *MediaEngine {
	return g.media
}

// gatewayCallResponse is the gateway's response to creating a call.
type gatewayCallResponse struct {
	CallID   string `json:"callId"`
	CallData *struct {
		CallState string `json:"callState"`
	} `json:"callData,omitempty"`
	LocalMedia *struct {
		SDP string `json:"sdp,omitempty"`
	} `json:"localMedia,omitempty"`
}

// Dial places the outgoing call: offer, POST, apply the answer when the
// gateway returns one inline. Returns the gateway-assigned call id.
func (g *GatewaySession) Dial(destination string, opts MakeCallOptions) (string, error) {
	if _, err := g.media.AddAudioTrack(); err != nil {
		return "", fmt.Errorf("failed to add audio track: %w", err)
	}
	sdp, err := g.media.CreateOffer()
	if err != nil {
		return "", fmt.Errorf("failed to create SDP offer: %w", err)
	}
	sdp = SanitizeSDP(sdp)

	payload := map[string]interface{}{
		"device": map[string]string{
			"deviceId":      g.deviceID,
			"correlationId": g.correlationID,
		},
		"callee": map[string]string{
			"type":    "uri",
			"address": destination,
		},
		"localMedia": map[string]interface{}{
			"sdp":     sdp,
			"mediaId": uuid.New().String(),
		},
		"video": opts.Video,
	}

	var resp gatewayCallResponse
	path := fmt.Sprintf("devices/%s/call", g.deviceID)
	if err := g.core.RequestJSON(context.Background(), http.MethodPost, path, nil, payload, &resp); err != nil {
		return "", fmt.Errorf("failed to post call to gateway: %w", err)
	}

	g.mu.Lock()
	if resp.CallID != "" {
		g.callID = resp.CallID
	}
	callID := g.callID
	g.mu.Unlock()

	if resp.LocalMedia != nil && resp.LocalMedia.SDP != "" {
		if err := g.media.SetRemoteAnswer(resp.LocalMedia.SDP); err != nil {
			g.core.GetLogger().Printf("calling: call %s: failed to set remote answer: %v", callID, err)
		}
	}

	return callID, nil
}

// attachIncoming binds the session to a gateway-assigned call id from a
// setup event.
func (g *GatewaySession) attachIncoming(callID string) {
	g.mu.Lock()
	g.callID = callID
	g.mu.Unlock()
}

// handleRemoteSDP applies a remote answer delivered over the signaling
// channel after the call was placed.
func (g *GatewaySession) handleRemoteSDP(sdp string) error {
	return g.media.SetRemoteAnswer(sdp)
}

// Hold asks the gateway to hold the call.
func (g *GatewaySession) Hold() error {
	return g.postService("callhold/hold", nil)
}

// Unhold asks the gateway to resume the call.
func (g *GatewaySession) Unhold() error {
	return g.postService("callhold/resume", nil)
}

// SetMuted toggles local audio. Purely local, no gateway round-trip.
func (g *GatewaySession) SetMuted(muted bool) {
	if g.media == nil {
		return
	}
	if muted {
		g.media.Mute()
	} else {
		g.media.Unmute()
	}
}

// SendDTMF forwards a tone to the gateway.
func (g *GatewaySession) SendDTMF(tone string) error {
	payload := map[string]interface{}{
		"device": map[string]string{
			"deviceId":      g.deviceID,
			"correlationId": g.correlationID,
		},
		"callId": g.ID(),
		"dtmf": map[string]string{
			"digit": tone,
		},
	}
	path := fmt.Sprintf("devices/%s/calls/%s/dtmf", g.deviceID, g.ID())
	return g.core.RequestJSON(context.Background(), http.MethodPost, path, nil, payload, nil)
}

// Transfer commits a blind transfer to target. Extra headers (e.g.
// Diversion for call forwarding) ride along when present.
func (g *GatewaySession) Transfer(target string, extraHeaders map[string]string) error {
	extra := map[string]interface{}{
		"transferType": string(TransferTypeBlind),
		"blindTransferContext": map[string]string{
			"transferorCallId": g.ID(),
			"destination":      target,
		},
	}
	if len(extraHeaders) > 0 {
		extra["extraHeaders"] = extraHeaders
	}
	return g.postService("calltransfer/commit", extra)
}

// AttendedTransfer commits a consultative transfer using the
// established consultation call.
func (g *GatewaySession) AttendedTransfer(target, consultationCallID string) error {
	return g.postService("calltransfer/commit", map[string]interface{}{
		"transferType": string(TransferTypeAttended),
		"consultTransferContext": map[string]string{
			"transferorCallId": g.ID(),
			"transferToCallId": consultationCallID,
			"destination":      target,
		},
	})
}

// Terminate disconnects the call on the gateway and closes media.
func (g *GatewaySession) Terminate() error {
	path := fmt.Sprintf("devices/%s/calls/%s", g.deviceID, g.ID())
	err := g.core.RequestJSON(context.Background(), http.MethodDelete, path, nil, nil, nil)

	if g.media != nil {
		if mediaErr := g.media.Close(); mediaErr != nil {
			g.core.GetLogger().Printf("calling: call %s: error closing media: %v", g.ID(), mediaErr)
		}
	}
	return err
}

// postService sends a supplementary service request (hold, resume,
// transfer commit) with the standard device envelope plus extra fields.
func (g *GatewaySession) postService(service string, extra map[string]interface{}) error {
	payload := map[string]interface{}{
		"device": map[string]string{
			"deviceId":      g.deviceID,
			"correlationId": g.correlationID,
		},
		"callId": g.ID(),
	}
	for k, v := range extra {
		payload[k] = v
	}
	return g.core.RequestJSON(context.Background(), http.MethodPost, "services/"+service, nil, payload, nil)
}
