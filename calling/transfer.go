/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 VueSip Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ironyh/VueSip-sub004/eventbus"
	"github.com/ironyh/VueSip-sub004/vuesipsdk"
)

// SessionResolver is the slice of the calling client the transfer
// controller depends on: resolving live sessions by id and placing the
// consultation call of an attended transfer.
type SessionResolver interface {
	// GetActiveCall returns the session for the call id, or nil when it
	// is not in the registry.
	GetActiveCall(callID string) *CallSession

	// MakeCall places a new outgoing call and returns its call id.
	MakeCall(uri string, opts MakeCallOptions) (string, error)
}

// TransferControllerConfig configures a TransferController.
type TransferControllerConfig struct {
	// CompletionDelay is how long a Completed or Failed record stays
	// readable before the controller resets to no active record.
	CompletionDelay time.Duration

	// CancelationDelay is the equivalent window for Canceled records.
	CancelationDelay time.Duration

	// Logger for compensation and teardown noise. If nil, the standard
	// library's default logger is used.
	Logger vuesipsdk.Logger
}

// DefaultTransferControllerConfig returns the default delays.
func DefaultTransferControllerConfig() *TransferControllerConfig {
	return &TransferControllerConfig{
		CompletionDelay:  5 * time.Second,
		CancelationDelay: 2 * time.Second,
	}
}

// TransferController orchestrates blind and attended transfers across
// one or two call sessions. It owns exactly one mutable active-transfer
// slot: at most one non-terminal TransferRecord exists per controller at
// any time, and any attempt to start a second transfer while one is
// outstanding fails with a ConflictError before any network activity.
//
// Cancellation is not preemptive. CancelTransfer never aborts a request
// the transport has already been asked to perform; it only runs
// compensating actions (consultation hangup, unhold) and updates local
// bookkeeping.
type TransferController struct {
	mu sync.Mutex

	resolver SessionResolver
	bus      *eventbus.Bus
	logger   vuesipsdk.Logger

	completionDelay  time.Duration
	cancelationDelay time.Duration

	// record is the active transfer slot; nil means Idle.
	record *TransferRecord

	// consultation is the transient reference to the consultation
	// session of an attended transfer.
	consultation *CallSession

	// inFlight claims the slot during the pre-record phase of an
	// attended initiation (hold and consultation dial), so a concurrent
	// start observes the conflict deterministically even though no
	// record exists yet.
	inFlight bool

	clearTimer *time.Timer
	closed     bool
}

// NewTransferController creates a controller over the given resolver.
func NewTransferController(resolver SessionResolver, config *TransferControllerConfig) *TransferController {
	if config == nil {
		config = DefaultTransferControllerConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = log.Default()
	}
	completion := config.CompletionDelay
	if completion <= 0 {
		completion = DefaultTransferControllerConfig().CompletionDelay
	}
	cancelation := config.CancelationDelay
	if cancelation <= 0 {
		cancelation = DefaultTransferControllerConfig().CancelationDelay
	}

	return &TransferController{
		resolver:         resolver,
		bus:              eventbus.NewWithLogger(logger),
		logger:           logger,
		completionDelay:  completion,
		cancelationDelay: cancelation,
	}
}

// ---- Lifecycle operations ----

// BlindTransfer redirects the call to target without verifying
// reachability first. The record passes through Initiated and lands in
// Completed as soon as the transport accepts the redirect; no
// intermediate InProgress is observable. On transport failure the record
// lands in Failed with the error text preserved and the failure is
// returned.
func (tc *TransferController) BlindTransfer(callID, target string, extraHeaders map[string]string) error {
	return tc.blindTransfer("TransferController.blindTransfer", callID, target, extraHeaders)
}

// ForwardCall is sugar over BlindTransfer that injects a Diversion
// header: semantically "forward always / on no-answer" rather than an
// in-call transfer.
func (tc *TransferController) ForwardCall(callID, target string) error {
	headers := map[string]string{
		"Diversion": fmt.Sprintf("<%s>;reason=unconditional", target),
	}
	return tc.blindTransfer("TransferController.forwardCall", callID, target, headers)
}

func (tc *TransferController) blindTransfer(op, callID, target string, extraHeaders map[string]string) error {
	if err := tc.claim(op); err != nil {
		return err
	}

	session := tc.resolver.GetActiveCall(callID)
	if session == nil {
		tc.release()
		return NewNotFoundError(op, callID)
	}

	record := &TransferRecord{
		ID:          newTransferID(),
		Type:        TransferTypeBlind,
		CallID:      callID,
		Target:      target,
		State:       TransferStateInitiated,
		InitiatedAt: time.Now(),
	}
	tc.install(record)
	tc.emit(TransferEventInitiated)

	if err := session.Transfer(target, extraHeaders); err != nil {
		tc.failActive(err)
		return err
	}

	tc.completeActive(record)
	return nil
}

// InitiateAttendedTransfer puts the original call on hold, places an
// audio-only consultation call to target, and returns the consultation
// call id. Failures before the record exists (hold rejected, dial
// failed) leave the controller Idle with no record: they are visible
// only through the returned error, never through GetTransferProgress.
func (tc *TransferController) InitiateAttendedTransfer(callID, target string) (string, error) {
	const op = "TransferController.initiateAttendedTransfer"

	if err := tc.claim(op); err != nil {
		return "", err
	}

	session := tc.resolver.GetActiveCall(callID)
	if session == nil {
		tc.release()
		return "", NewNotFoundError(op, callID)
	}

	if err := session.Hold(); err != nil {
		tc.release()
		return "", err
	}

	consultationID, err := tc.resolver.MakeCall(target, MakeCallOptions{Video: false})
	if err != nil {
		tc.release()
		return "", err
	}

	record := &TransferRecord{
		ID:                 newTransferID(),
		Type:               TransferTypeAttended,
		CallID:             callID,
		ConsultationCallID: consultationID,
		Target:             target,
		State:              TransferStateInProgress,
		InitiatedAt:        time.Now(),
	}
	consultation := tc.resolver.GetActiveCall(consultationID)

	tc.mu.Lock()
	tc.record = record
	tc.consultation = consultation
	tc.inFlight = false
	tc.stopClearTimerLocked()
	tc.mu.Unlock()
	tc.emit(TransferEventInitiated)

	return consultationID, nil
}

// CompleteAttendedTransfer hands the original call off to the
// consultation call. The original session is re-resolved by id: if it
// has disappeared from the registry the operation fails with a
// NotFoundError and the record lands in Failed, even though the transfer
// was InProgress.
func (tc *TransferController) CompleteAttendedTransfer() error {
	const op = "TransferController.completeAttendedTransfer"

	tc.mu.Lock()
	if tc.closed {
		tc.mu.Unlock()
		return NewPreconditionError(op, "transfer controller is closed")
	}
	record := tc.record
	if record == nil || record.Type != TransferTypeAttended || record.State.Terminal() {
		tc.mu.Unlock()
		return NewPreconditionError(op, "No active attended transfer")
	}
	if tc.consultation == nil {
		tc.mu.Unlock()
		return NewPreconditionError(op, "No consultation call found")
	}
	tc.mu.Unlock()

	session := tc.resolver.GetActiveCall(record.CallID)
	if session == nil {
		err := NewNotFoundError(op, record.CallID)
		tc.failActive(err)
		return err
	}

	if err := session.AttendedTransfer(record.Target, record.ConsultationCallID); err != nil {
		tc.failActive(err)
		return err
	}

	tc.completeActive(record)
	return nil
}

// CancelTransfer cancels the active transfer. For an attended transfer
// the consultation call is hung up when a reference exists, and the
// original call is unconditionally resumed — even when the consultation
// reference was already cleared externally. For a blind transfer still
// in progress only local bookkeeping changes: a redirect already issued
// to the transport is not aborted. Compensation failures are logged,
// never fatal.
func (tc *TransferController) CancelTransfer() error {
	const op = "TransferController.cancelTransfer"

	tc.mu.Lock()
	record := tc.record
	if tc.closed || record == nil || record.State.Terminal() {
		tc.mu.Unlock()
		return NewPreconditionError(op, "No active transfer to cancel")
	}
	consultation := tc.consultation
	tc.mu.Unlock()

	if record.Type == TransferTypeAttended {
		if consultation != nil {
			if err := consultation.Terminate(); err != nil {
				tc.logger.Printf("calling: transfer %s: consultation hangup failed: %v", record.ID, err)
			}
		}
		if original := tc.resolver.GetActiveCall(record.CallID); original != nil {
			if err := original.Unhold(); err != nil {
				tc.logger.Printf("calling: transfer %s: unhold failed: %v", record.ID, err)
			}
		}
	}

	tc.mu.Lock()
	record.State = TransferStateCanceled
	tc.scheduleClearLocked(tc.cancelationDelay)
	tc.mu.Unlock()
	tc.emit(TransferEventCanceled)

	return nil
}

// HandleTransferAccepted marks the active transfer Accepted. Call it
// when the transport reports that the far end accepted the redirect.
// Terminal records and the empty slot are left untouched.
func (tc *TransferController) HandleTransferAccepted() {
	tc.mu.Lock()
	record := tc.record
	if tc.closed || record == nil || record.State.Terminal() {
		tc.mu.Unlock()
		return
	}
	record.State = TransferStateAccepted
	tc.mu.Unlock()
	tc.emit(TransferEventAccepted)
}

// ---- Observers ----

// GetTransferProgress returns nil when no record is active, otherwise a
// snapshot of the transfer type, state and progress percentage.
func (tc *TransferController) GetTransferProgress() *TransferProgress {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if tc.record == nil {
		return nil
	}
	return &TransferProgress{
		Type:     tc.record.Type,
		State:    tc.record.State,
		Progress: tc.record.State.Progress(),
	}
}

// ActiveTransfer returns a copy of the active record, or nil.
func (tc *TransferController) ActiveTransfer() *TransferRecord {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.record.clone()
}

// OnTransferEvent registers a listener invoked for every transfer
// lifecycle event and returns its unsubscribe function. Listener panics
// are isolated per listener, so one faulty observer cannot suppress the
// others.
func (tc *TransferController) OnTransferEvent(callback func(TransferEvent)) func() {
	if callback == nil {
		return func() {}
	}
	id := tc.bus.Register(transferTopic, func(payload interface{}) {
		if event, ok := payload.(TransferEvent); ok {
			callback(event)
		}
	})
	return func() { tc.bus.Unregister(id) }
}

// Close disposes the controller: the clearing timer is stopped
// unconditionally so no state mutates after teardown, and all listeners
// are removed. The controller rejects further operations.
func (tc *TransferController) Close() {
	tc.mu.Lock()
	tc.closed = true
	tc.stopClearTimerLocked()
	tc.record = nil
	tc.consultation = nil
	tc.mu.Unlock()
	tc.bus.RemoveAllListeners()
}

// ---- Internals ----

// claim takes the single-flight slot. It fails with ConflictError when a
// non-terminal record exists or another initiation is in flight, before
// any asynchronous work begins.
func (tc *TransferController) claim(op string) error {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if tc.closed {
		return NewPreconditionError(op, "transfer controller is closed")
	}
	if tc.resolver == nil {
		return NewPreconditionError(op, "no sip client configured")
	}
	if tc.inFlight || (tc.record != nil && !tc.record.State.Terminal()) {
		return NewConflictError(op, "Another transfer is already in progress")
	}
	tc.inFlight = true
	return nil
}

// release gives the slot back after a failure that left no record.
func (tc *TransferController) release() {
	tc.mu.Lock()
	tc.inFlight = false
	tc.mu.Unlock()
}

// install publishes a fresh record into the slot. A superseded cleared
// record's timer is stopped so it cannot fire against the new record.
func (tc *TransferController) install(record *TransferRecord) {
	tc.mu.Lock()
	tc.record = record
	tc.consultation = nil
	tc.inFlight = false
	tc.stopClearTimerLocked()
	tc.mu.Unlock()
}

// completeActive moves record to Completed after the transport accepted
// the operation. A record that went terminal while the request was in
// flight (a racing CancelTransfer) stays as it is: terminal states admit
// no further transitions, and no completed event is published after the
// canceled one.
func (tc *TransferController) completeActive(record *TransferRecord) {
	tc.mu.Lock()
	if tc.closed || tc.record != record || record.State.Terminal() {
		tc.mu.Unlock()
		return
	}
	record.State = TransferStateCompleted
	now := time.Now()
	record.CompletedAt = &now
	tc.scheduleClearLocked(tc.completionDelay)
	tc.mu.Unlock()
	tc.emit(TransferEventCompleted)
}

// failActive moves the active record to Failed, preserving the error
// text for passive readers, and schedules its clearing.
func (tc *TransferController) failActive(err error) {
	tc.mu.Lock()
	record := tc.record
	if record == nil || record.State.Terminal() {
		tc.mu.Unlock()
		return
	}
	record.State = TransferStateFailed
	record.Error = err.Error()
	tc.scheduleClearLocked(tc.completionDelay)
	tc.mu.Unlock()
	tc.emit(TransferEventFailed)
}

// scheduleClearLocked arms the cancellable clearing timer for the
// current record. Callers must hold tc.mu and the record must be
// terminal by the time the timer fires, or it does nothing.
func (tc *TransferController) scheduleClearLocked(delay time.Duration) {
	tc.stopClearTimerLocked()

	recordID := tc.record.ID
	tc.clearTimer = time.AfterFunc(delay, func() {
		tc.mu.Lock()
		if tc.closed || tc.record == nil || tc.record.ID != recordID || !tc.record.State.Terminal() {
			tc.mu.Unlock()
			return
		}
		cleared := tc.record.clone()
		tc.record = nil
		tc.consultation = nil
		tc.mu.Unlock()
		tc.emitRecord(TransferEventCleared, cleared)
	})
}

func (tc *TransferController) stopClearTimerLocked() {
	if tc.clearTimer != nil {
		tc.clearTimer.Stop()
		tc.clearTimer = nil
	}
}

// emit publishes a lifecycle event snapshotting the active record.
func (tc *TransferController) emit(kind TransferEventKind) {
	tc.mu.Lock()
	record := tc.record.clone()
	tc.mu.Unlock()
	if record == nil {
		return
	}
	tc.emitRecord(kind, record)
}

func (tc *TransferController) emitRecord(kind TransferEventKind, record *TransferRecord) {
	tc.bus.Emit(transferTopic, TransferEvent{
		Type:               kind,
		TransferID:         record.ID,
		State:              record.State,
		TransferType:       record.Type,
		Target:             record.Target,
		CallID:             record.CallID,
		ConsultationCallID: record.ConsultationCallID,
		Timestamp:          time.Now(),
		Error:              record.Error,
	})
}

// newTransferID generates a record id, prefixed "transfer-". Ids are
// never reused.
func newTransferID() string {
	return "transfer-" + uuid.New().String()
}
