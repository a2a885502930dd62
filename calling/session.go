/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 VueSip Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/ironyh/VueSip-sub004/eventbus"
	"github.com/ironyh/VueSip-sub004/vuesipsdk"
)

// ---- Transport Capability Surface ----

// TransportSession is the minimal surface every transport-level session
// object exposes. Everything else is optional: the facade probes for the
// narrower capability interfaces below at call time and surfaces a typed
// NotImplementedError when the transport lacks one. This keeps the SDK
// usable with partially-capable transports and honest mocks.
type TransportSession interface {
	ID() string
}

// HoldTransport is implemented by transports that support hold/resume.
type HoldTransport interface {
	Hold() error
	Unhold() error
}

// MuteTransport is implemented by transports that support local mute.
// SetMuted is a synchronous side effect; no network round-trip is
// required by contract.
type MuteTransport interface {
	SetMuted(muted bool)
}

// DTMFTransport is implemented by transports that can send DTMF tones.
type DTMFTransport interface {
	SendDTMF(tone string) error
}

// TransferTransport is implemented by transports that support blind
// transfer.
type TransferTransport interface {
	Transfer(target string, extraHeaders map[string]string) error
}

// AttendedTransferTransport is implemented by transports that can
// complete a three-way handoff using an established consultation call.
type AttendedTransferTransport interface {
	AttendedTransfer(target, consultationCallID string) error
}

// TerminateTransport is implemented by transports that can end the call.
type TerminateTransport interface {
	Terminate() error
}

// ---- CallSession ----

// CallSession presents a uniform, capability-checked surface over a
// heterogeneous transport-level session object and translates its native
// events into session state transitions. Every successful or failed
// invocation is republished on the event bus, so any number of
// independent observers converge on the same truth without polling.
//
// A CallSession is owned exclusively by the call registry; borrow
// references by id, never store one beyond a single operation (the
// transfer controller's transient consultation reference excepted).
type CallSession struct {
	mu sync.RWMutex

	id        string
	direction CallDirection
	localURI  string
	remoteURI string
	isOnHold  bool
	isMuted   bool
	timing    SessionTiming

	transport TransportSession
	machine   *fsm.FSM
	bus       *eventbus.Bus
	logger    vuesipsdk.Logger
}

// SessionConfig configures a CallSession.
type SessionConfig struct {
	// Direction of the call. Defaults to outgoing.
	Direction CallDirection

	// LocalURI and RemoteURI identify the two parties.
	LocalURI  string
	RemoteURI string

	// Bus is the event bus state changes are republished on. If nil, a
	// private bus is created so emits are always safe.
	Bus *eventbus.Bus

	// Logger for invalid-transition and teardown noise. If nil, the
	// standard library's default logger is used.
	Logger vuesipsdk.Logger
}

// NewCallSession wraps a transport session in the capability-checked
// facade. The session id is taken from the transport.
func NewCallSession(transport TransportSession, config *SessionConfig) (*CallSession, error) {
	if transport == nil {
		return nil, NewPreconditionError("NewCallSession", "no transport session configured")
	}
	if config == nil {
		config = &SessionConfig{}
	}

	direction := config.Direction
	if direction == "" {
		direction = CallDirectionOutgoing
	}
	bus := config.Bus
	if bus == nil {
		bus = eventbus.New()
	}
	logger := config.Logger
	if logger == nil {
		logger = log.Default()
	}

	s := &CallSession{
		id:        transport.ID(),
		direction: direction,
		localURI:  config.LocalURI,
		remoteURI: config.RemoteURI,
		timing:    SessionTiming{StartedAt: time.Now()},
		transport: transport,
		bus:       bus,
		logger:    logger,
	}
	s.initStateMachine()

	return s, nil
}

// initStateMachine builds the session state machine. Outgoing calls
// start in Calling, incoming calls in Idle; the rest of the graph is
// shared.
func (s *CallSession) initStateMachine() {
	initial := string(SessionStateIdle)
	if s.direction == CallDirectionOutgoing {
		initial = string(SessionStateCalling)
	}

	live := []string{
		string(SessionStateIdle), string(SessionStateCalling),
		string(SessionStateRinging), string(SessionStateEarlyMedia),
		string(SessionStateActive), string(SessionStateHeld),
		string(SessionStateRemoteHeld),
	}

	s.machine = fsm.NewFSM(
		initial,
		fsm.Events{
			{Name: "ringing", Src: []string{string(SessionStateIdle), string(SessionStateCalling)}, Dst: string(SessionStateRinging)},
			{Name: "early_media", Src: []string{string(SessionStateIdle), string(SessionStateCalling), string(SessionStateRinging)}, Dst: string(SessionStateEarlyMedia)},
			{Name: "answer", Src: []string{string(SessionStateIdle), string(SessionStateCalling), string(SessionStateRinging), string(SessionStateEarlyMedia)}, Dst: string(SessionStateActive)},
			{Name: "hold", Src: []string{string(SessionStateActive)}, Dst: string(SessionStateHeld)},
			{Name: "unhold", Src: []string{string(SessionStateHeld)}, Dst: string(SessionStateActive)},
			{Name: "remote_hold", Src: []string{string(SessionStateActive)}, Dst: string(SessionStateRemoteHeld)},
			{Name: "remote_resume", Src: []string{string(SessionStateRemoteHeld)}, Dst: string(SessionStateActive)},
			{Name: "terminate", Src: live, Dst: string(SessionStateTerminating)},
			{Name: "terminated", Src: []string{string(SessionStateTerminating)}, Dst: string(SessionStateTerminated)},
			{Name: "fail", Src: append(append([]string{}, live...), string(SessionStateTerminating)), Dst: string(SessionStateFailed)},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				s.bus.Emit(EventCallStateChanged, SessionStateChange{
					CallID:    s.id,
					From:      SessionState(e.Src),
					To:        SessionState(e.Dst),
					Timestamp: time.Now(),
				})
			},
		},
	)
}

// transition fires a state machine event. Invalid transitions are logged
// and swallowed: operations like unhold are allowed to execute against a
// session that never reached the state they would leave.
func (s *CallSession) transition(event string) {
	if err := s.machine.Event(context.Background(), event); err != nil {
		s.logger.Printf("calling: session %s ignoring transition %q: %v", s.id, event, err)
	}
}

// ---- Accessors ----

// ID returns the session's call id.
func (s *CallSession) ID() string { return s.id }

// State returns the current session state.
func (s *CallSession) State() SessionState {
	return SessionState(s.machine.Current())
}

// Direction returns the call direction.
func (s *CallSession) Direction() CallDirection { return s.direction }

// LocalURI returns the local party URI.
func (s *CallSession) LocalURI() string { return s.localURI }

// RemoteURI returns the remote party URI.
func (s *CallSession) RemoteURI() string { return s.remoteURI }

// IsOnHold reports whether the call is locally held.
func (s *CallSession) IsOnHold() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnHold
}

// IsMuted reports whether local audio is muted.
func (s *CallSession) IsMuted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isMuted
}

// Timing returns the call lifecycle timestamps.
func (s *CallSession) Timing() SessionTiming {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.timing
}

// ---- Operations ----

// Hold asks the transport to put the call on hold. On success the hold
// flag flips and the state machine moves Active to Held.
func (s *CallSession) Hold() error {
	t, ok := s.transport.(HoldTransport)
	if !ok {
		return s.fail("hold", NewNotImplementedError("hold"))
	}
	if err := t.Hold(); err != nil {
		return s.fail("hold", NewOperationFailureError("CallSession.hold", "hold request failed", err))
	}

	s.mu.Lock()
	s.isOnHold = true
	s.mu.Unlock()
	s.transition("hold")
	return nil
}

// Unhold asks the transport to resume the call. On success the hold flag
// flips and the state machine moves Held to Active.
func (s *CallSession) Unhold() error {
	t, ok := s.transport.(HoldTransport)
	if !ok {
		return s.fail("unhold", NewNotImplementedError("unhold"))
	}
	if err := t.Unhold(); err != nil {
		return s.fail("unhold", NewOperationFailureError("CallSession.unhold", "resume request failed", err))
	}

	s.mu.Lock()
	s.isOnHold = false
	s.mu.Unlock()
	s.transition("unhold")
	return nil
}

// Mute mutes local audio. Synchronous side effect, no network
// round-trip.
func (s *CallSession) Mute() error {
	t, ok := s.transport.(MuteTransport)
	if !ok {
		return s.fail("mute", NewNotImplementedError("mute"))
	}
	t.SetMuted(true)

	s.mu.Lock()
	s.isMuted = true
	s.mu.Unlock()
	s.emitOperation("mute")
	return nil
}

// Unmute unmutes local audio.
func (s *CallSession) Unmute() error {
	t, ok := s.transport.(MuteTransport)
	if !ok {
		return s.fail("unmute", NewNotImplementedError("unmute"))
	}
	t.SetMuted(false)

	s.mu.Lock()
	s.isMuted = false
	s.mu.Unlock()
	s.emitOperation("unmute")
	return nil
}

// SendDTMF forwards a DTMF tone to the transport.
func (s *CallSession) SendDTMF(tone string) error {
	t, ok := s.transport.(DTMFTransport)
	if !ok {
		return s.fail("sendDTMF", NewNotImplementedError("sendDTMF"))
	}
	if err := t.SendDTMF(tone); err != nil {
		return s.fail("sendDTMF", NewOperationFailureError("CallSession.sendDTMF", "dtmf request failed", err))
	}
	s.emitOperation("sendDTMF")
	return nil
}

// Transfer instructs the transport to redirect the call to target (blind
// transfer). The session may or may not terminate as a side effect;
// that is transport-dependent.
func (s *CallSession) Transfer(target string, extraHeaders map[string]string) error {
	t, ok := s.transport.(TransferTransport)
	if !ok {
		return s.fail("transfer", NewNotImplementedError("transfer"))
	}
	if err := t.Transfer(target, extraHeaders); err != nil {
		return s.fail("transfer", NewOperationFailureError("CallSession.transfer", "transfer request failed", err))
	}
	s.emitOperation("transfer")
	return nil
}

// AttendedTransfer instructs the transport to complete a three-way
// handoff using an already-established consultation call.
func (s *CallSession) AttendedTransfer(target, consultationCallID string) error {
	t, ok := s.transport.(AttendedTransferTransport)
	if !ok {
		return s.fail("attendedTransfer", NewNotImplementedError("attendedTransfer"))
	}
	if err := t.AttendedTransfer(target, consultationCallID); err != nil {
		return s.fail("attendedTransfer", NewOperationFailureError("CallSession.attendedTransfer", "attended transfer request failed", err))
	}
	s.emitOperation("attendedTransfer")
	return nil
}

// Terminate ends the call unconditionally. The state machine always
// reaches Terminated, even when the transport rejects the hangup; the
// transport failure is still reported to the caller.
func (s *CallSession) Terminate() error {
	t, ok := s.transport.(TerminateTransport)
	if !ok {
		return s.fail("terminate", NewNotImplementedError("terminate"))
	}

	s.transition("terminate")
	err := t.Terminate()

	s.mu.Lock()
	s.timing.EndedAt = time.Now()
	s.mu.Unlock()
	s.transition("terminated")

	if err != nil {
		return s.fail("terminate", NewOperationFailureError("CallSession.terminate", "hangup request failed", err))
	}
	return nil
}

// ---- Transport-driven transitions ----

// The registry client calls these as gateway events arrive; they are the
// only way transport activity mutates the session.

func (s *CallSession) handleRinging() {
	s.transition("ringing")
}

func (s *CallSession) handleEarlyMedia() {
	s.transition("early_media")
}

func (s *CallSession) handleAnswered() {
	s.mu.Lock()
	s.timing.AnsweredAt = time.Now()
	s.mu.Unlock()
	s.transition("answer")
}

func (s *CallSession) handleRemoteHold(held bool) {
	if held {
		s.transition("remote_hold")
	} else {
		s.transition("remote_resume")
	}
}

func (s *CallSession) handleTerminated() {
	s.mu.Lock()
	s.timing.EndedAt = time.Now()
	s.mu.Unlock()
	s.transition("terminate")
	s.transition("terminated")
}

func (s *CallSession) handleFailed(err error) {
	s.mu.Lock()
	s.timing.EndedAt = time.Now()
	s.mu.Unlock()
	s.transition("fail")
	if err != nil {
		s.emitError("transport", err)
	}
}

// ---- Event helpers ----

// fail publishes the error event and returns err unchanged.
func (s *CallSession) fail(operation string, err error) error {
	s.emitError(operation, err)
	return err
}

func (s *CallSession) emitError(operation string, err error) {
	s.bus.Emit(EventCallError, SessionOperationError{
		CallID:    s.id,
		Operation: operation,
		Err:       err,
		Timestamp: time.Now(),
	})
}

func (s *CallSession) emitOperation(operation string) {
	s.bus.Emit(EventCallOperation, SessionOperation{
		CallID:    s.id,
		Operation: operation,
		Timestamp: time.Now(),
	})
}
