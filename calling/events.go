/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 VueSip Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import "time"

// ---- EventBus Event Names ----

// Event names published on the shared event bus. Payloads are the typed
// structs below; each event family has its own payload so dispatch sites
// can switch exhaustively. Errors travel as a dedicated event, never
// folded into a state change.
const (
	// EventCallStateChanged carries a SessionStateChange.
	EventCallStateChanged = "call:state_changed"

	// EventCallOperation carries a SessionOperation for successful
	// operations that do not move the state machine (mute, DTMF,
	// transfer delegation).
	EventCallOperation = "call:operation"

	// EventCallError carries a SessionOperationError.
	EventCallError = "call:error"

	// EventCallIncoming carries the *CallSession admitted for an
	// incoming call.
	EventCallIncoming = "call:incoming"
)

// SessionStateChange is the payload of EventCallStateChanged.
type SessionStateChange struct {
	CallID    string
	From      SessionState
	To        SessionState
	Timestamp time.Time
}

// SessionOperation is the payload of EventCallOperation.
type SessionOperation struct {
	CallID    string
	Operation string
	Timestamp time.Time
}

// SessionOperationError is the payload of EventCallError.
type SessionOperationError struct {
	CallID    string
	Operation string
	Err       error
	Timestamp time.Time
}

// ---- Transfer Events ----

// transferTopic is the single topic of the controller-scoped bus; every
// transfer lifecycle event is published on it as a TransferEvent.
const transferTopic = "transfer"

// TransferEventKind identifies the transfer lifecycle event.
type TransferEventKind string

const (
	TransferEventInitiated TransferEventKind = "initiated"
	TransferEventAccepted  TransferEventKind = "accepted"
	TransferEventCompleted TransferEventKind = "completed"
	TransferEventFailed    TransferEventKind = "failed"
	TransferEventCanceled  TransferEventKind = "canceled"
	TransferEventCleared   TransferEventKind = "cleared"
)

// TransferEvent is delivered to OnTransferEvent listeners for every
// transfer lifecycle event.
type TransferEvent struct {
	Type               TransferEventKind
	TransferID         string
	State              TransferState
	TransferType       TransferType
	Target             string
	CallID             string
	ConsultationCallID string
	Timestamp          time.Time
	Error              string
}
