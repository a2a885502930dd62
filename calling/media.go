/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 VueSip Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// MediaEngine manages the WebRTC peer connection and audio tracks for a
// gateway-backed session. Mute is purely local: the engine keeps the
// transceiver but stops feeding it samples, so no renegotiation happens.
type MediaEngine struct {
	mu             sync.Mutex
	peerConnection *webrtc.PeerConnection
	localTrack     *webrtc.TrackLocalStaticRTP
	remoteTrack    *webrtc.TrackRemote
	muted          bool
	onRemoteTrack  func(track *webrtc.TrackRemote)
}

// MediaConfig holds configuration for the media engine.
type MediaConfig struct {
	// ICEServers is the list of ICE servers (STUN/TURN) to use.
	ICEServers []webrtc.ICEServer
}

// DefaultMediaConfig returns a MediaConfig with a public STUN server.
// Unlike a browser client, a Go process behind NAT needs an explicit
// srflx candidate for the gateway's ice-lite stack to reach it.
func DefaultMediaConfig() *MediaConfig {
	return &MediaConfig{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	}
}

// NewMediaEngine creates a WebRTC media engine for one call.
func NewMediaEngine(config *MediaConfig) (*MediaEngine, error) {
	if config == nil {
		config = DefaultMediaConfig()
	}

	// Register only PCMU and PCMA. Telephony gateways negotiate G.711;
	// the default codec set adds Opus and video codecs that confuse
	// their answer.
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: 8000},
		PayloadType:        0,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("failed to register PCMU: %w", err)
	}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMA, ClockRate: 8000},
		PayloadType:        8,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("failed to register PCMA: %w", err)
	}

	// ice-lite gateways start sending RTP before the answer is fully
	// processed; accept undeclared SSRCs so OnTrack fires for early media.
	settings := webrtc.SettingEngine{}
	settings.SetHandleUndeclaredSSRCWithoutAnswer(true)

	// A custom MediaEngine loses the default interceptors; without them
	// incoming SRTP is not processed and OnTrack never fires.
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("failed to register default interceptors: %w", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithSettingEngine(settings),
		webrtc.WithInterceptorRegistry(registry),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: config.ICEServers,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	engine := &MediaEngine{peerConnection: pc}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		engine.mu.Lock()
		engine.remoteTrack = track
		handler := engine.onRemoteTrack
		engine.mu.Unlock()

		if handler != nil {
			handler(track)
		}
	})

	return engine, nil
}

// OnRemoteTrack sets the callback for when a remote audio track is
// received.
func (me *MediaEngine) OnRemoteTrack(handler func(track *webrtc.TrackRemote)) {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.onRemoteTrack = handler
}

// AddAudioTrack adds the local audio track to the peer connection.
func (me *MediaEngine) AddAudioTrack() (*webrtc.TrackLocalStaticRTP, error) {
	me.mu.Lock()
	defer me.mu.Unlock()

	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: 8000},
		"audio",
		"vuesip",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audio track: %w", err)
	}

	// Sendrecv transceiver: OnTrack only fires for the return direction
	// when the transceiver is bidirectional.
	transceiver, err := me.peerConnection.AddTransceiverFromTrack(track,
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendrecv},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to add audio transceiver: %w", err)
	}

	// Drain RTCP from the sender to keep the interceptors fed.
	go func() {
		sender := transceiver.Sender()
		rtcpBuf := make([]byte, 1500)
		for {
			if _, _, rtcpErr := sender.Read(rtcpBuf); rtcpErr != nil {
				return
			}
		}
	}()

	me.localTrack = track
	return track, nil
}

// CreateOffer creates a local SDP offer with ICE candidates gathered.
func (me *MediaEngine) CreateOffer() (string, error) {
	me.mu.Lock()
	defer me.mu.Unlock()

	offer, err := me.peerConnection.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create offer: %w", err)
	}
	if err := me.peerConnection.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}

	// Non-trickle: wait for gathering so the SDP carries the candidates.
	<-webrtc.GatheringCompletePromise(me.peerConnection)

	localDesc := me.peerConnection.LocalDescription()
	if localDesc == nil {
		return "", fmt.Errorf("local description is nil after gathering")
	}
	return localDesc.SDP, nil
}

// CreateAnswer creates a local SDP answer with ICE candidates gathered.
func (me *MediaEngine) CreateAnswer() (string, error) {
	me.mu.Lock()
	defer me.mu.Unlock()

	answer, err := me.peerConnection.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create answer: %w", err)
	}
	if err := me.peerConnection.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}

	<-webrtc.GatheringCompletePromise(me.peerConnection)

	localDesc := me.peerConnection.LocalDescription()
	if localDesc == nil {
		return "", fmt.Errorf("local description is nil after gathering")
	}
	return localDesc.SDP, nil
}

// SetRemoteOffer applies a remote SDP offer.
func (me *MediaEngine) SetRemoteOffer(sdp string) error {
	me.mu.Lock()
	defer me.mu.Unlock()

	return me.peerConnection.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	})
}

// SetRemoteAnswer applies a remote SDP answer. Duplicate answers (the
// signaling channel may redeliver after a reconnect) are ignored once
// the signaling state is stable.
func (me *MediaEngine) SetRemoteAnswer(sdp string) error {
	me.mu.Lock()
	defer me.mu.Unlock()

	if me.peerConnection.SignalingState() == webrtc.SignalingStateStable {
		return nil
	}
	return me.peerConnection.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
}

// Mute stops local audio without touching the network.
func (me *MediaEngine) Mute() {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.muted = true
}

// Unmute resumes local audio.
func (me *MediaEngine) Unmute() {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.muted = false
}

// IsMuted reports whether local audio is muted.
func (me *MediaEngine) IsMuted() bool {
	me.mu.Lock()
	defer me.mu.Unlock()
	return me.muted
}

// LocalTrack returns the local audio track, if one was added.
func (me *MediaEngine) LocalTrack() *webrtc.TrackLocalStaticRTP {
	me.mu.Lock()
	defer me.mu.Unlock()
	return me.localTrack
}

// RemoteTrack returns the remote audio track, if one arrived.
func (me *MediaEngine) RemoteTrack() *webrtc.TrackRemote {
	me.mu.Lock()
	defer me.mu.Unlock()
	return me.remoteTrack
}

// Close closes the peer connection and releases resources.
func (me *MediaEngine) Close() error {
	me.mu.Lock()
	defer me.mu.Unlock()

	if me.peerConnection != nil {
		if err := me.peerConnection.Close(); err != nil {
			return fmt.Errorf("failed to close peer connection: %w", err)
		}
	}
	return nil
}

// SanitizeSDP cleans a local offer for telephony gateways: IPv6
// candidates, rtcp-fb and extmap attributes all trip older G.711
// stacks.
func SanitizeSDP(sdp string) string {
	lines := strings.Split(sdp, "\r\n")
	filtered := make([]string, 0, len(lines))
	for _, line := range lines {
		if strings.HasPrefix(line, "a=candidate:") {
			parts := strings.Fields(line)
			if len(parts) >= 5 && strings.Contains(parts[4], ":") {
				continue
			}
		}
		if strings.HasPrefix(line, "a=rtcp-fb:") ||
			strings.HasPrefix(line, "a=extmap:") ||
			strings.HasPrefix(line, "a=extmap-allow-mixed") {
			continue
		}
		filtered = append(filtered, line)
	}
	return strings.Join(filtered, "\r\n")
}
