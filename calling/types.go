/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 VueSip Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import "time"

// ---- Call Session Enums ----

// SessionState represents the state of a call session in the state machine.
// The machine is linear apart from the Active/Held and Active/RemoteHeld
// back-edges; Terminated and Failed are terminal.
type SessionState string

const (
	SessionStateIdle        SessionState = "idle"
	SessionStateCalling     SessionState = "calling"
	SessionStateRinging     SessionState = "ringing"
	SessionStateEarlyMedia  SessionState = "early_media"
	SessionStateActive      SessionState = "active"
	SessionStateHeld        SessionState = "held"
	SessionStateRemoteHeld  SessionState = "remote_held"
	SessionStateTerminating SessionState = "terminating"
	SessionStateTerminated  SessionState = "terminated"
	SessionStateFailed      SessionState = "failed"
)

// Terminal reports whether no transitions leave the state.
func (s SessionState) Terminal() bool {
	return s == SessionStateTerminated || s == SessionStateFailed
}

// CallDirection indicates whether a call is outgoing or incoming.
type CallDirection string

const (
	CallDirectionOutgoing CallDirection = "outgoing"
	CallDirectionIncoming CallDirection = "incoming"
)

// SessionTiming records the call lifecycle timestamps. A zero value
// means the corresponding point has not been reached.
type SessionTiming struct {
	StartedAt  time.Time
	AnsweredAt time.Time
	EndedAt    time.Time
}

// ---- Transfer Enums ----

// TransferType indicates the type of call transfer.
type TransferType string

const (
	TransferTypeBlind    TransferType = "BLIND"
	TransferTypeAttended TransferType = "ATTENDED"
)

// TransferState represents the state of a transfer record.
// Completed, Failed and Canceled are terminal; a terminal record is
// cleared after a configurable delay so observers get a guaranteed
// window to read it.
type TransferState string

const (
	TransferStateIdle       TransferState = "idle"
	TransferStateInitiated  TransferState = "initiated"
	TransferStateInProgress TransferState = "in_progress"
	TransferStateAccepted   TransferState = "accepted"
	TransferStateCompleted  TransferState = "completed"
	TransferStateFailed     TransferState = "failed"
	TransferStateCanceled   TransferState = "canceled"
)

// Terminal reports whether the transfer state is terminal.
func (s TransferState) Terminal() bool {
	switch s {
	case TransferStateCompleted, TransferStateFailed, TransferStateCanceled:
		return true
	}
	return false
}

// Progress returns the percentage shown to progress observers.
func (s TransferState) Progress() int {
	switch s {
	case TransferStateInitiated:
		return 25
	case TransferStateInProgress:
		return 50
	case TransferStateAccepted:
		return 75
	case TransferStateCompleted:
		return 100
	default: // Idle, Failed, Canceled
		return 0
	}
}

// TransferRecord tracks a single transfer through its lifecycle. At most
// one non-terminal record exists per TransferController at any time.
type TransferRecord struct {
	// ID is the generated record id, prefixed "transfer-".
	ID string

	// Type is the transfer type.
	Type TransferType

	// CallID identifies the call being transferred.
	CallID string

	// ConsultationCallID identifies the consultation call. Populated
	// only for attended transfers, between initiation and the record's
	// terminal clearing.
	ConsultationCallID string

	// Target is the destination URI.
	Target string

	// State is the current transfer state.
	State TransferState

	// InitiatedAt is when the transfer began.
	InitiatedAt time.Time

	// CompletedAt is when the transfer completed, if it did.
	CompletedAt *time.Time

	// Error is the failure message, preserved for passive readers so
	// they need not catch the rejected operation to observe it.
	Error string
}

// clone returns a copy safe to hand to observers.
func (r *TransferRecord) clone() *TransferRecord {
	if r == nil {
		return nil
	}
	cp := *r
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// TransferProgress is the snapshot returned by GetTransferProgress.
type TransferProgress struct {
	Type     TransferType
	State    TransferState
	Progress int
}

// MakeCallOptions configures a call placed through the client. The
// consultation call of an attended transfer is always audio-only.
type MakeCallOptions struct {
	Video bool
}
