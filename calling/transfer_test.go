/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 VueSip Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeResolver is a scriptable SessionResolver over fakeTransport-backed
// sessions.
type fakeResolver struct {
	sessions map[string]*CallSession

	makeCallID  string
	makeCallErr error
	madeCalls   []string
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{sessions: make(map[string]*CallSession)}
}

func (r *fakeResolver) GetActiveCall(callID string) *CallSession {
	return r.sessions[callID]
}

func (r *fakeResolver) MakeCall(uri string, opts MakeCallOptions) (string, error) {
	r.madeCalls = append(r.madeCalls, uri)
	if r.makeCallErr != nil {
		return "", r.makeCallErr
	}
	return r.makeCallID, nil
}

// addSession registers a live session over a fresh fakeTransport and
// returns the transport for inspection.
func (r *fakeResolver) addSession(t *testing.T, callID string) *fakeTransport {
	t.Helper()
	transport := &fakeTransport{id: callID}
	session, err := NewCallSession(transport, &SessionConfig{Direction: CallDirectionOutgoing})
	require.NoError(t, err)
	session.handleAnswered()
	r.sessions[callID] = session
	return transport
}

func newTestController(resolver SessionResolver) *TransferController {
	return NewTransferController(resolver, &TransferControllerConfig{
		CompletionDelay:  30 * time.Millisecond,
		CancelationDelay: 20 * time.Millisecond,
	})
}

func collectEvents(tc *TransferController) *[]TransferEvent {
	events := &[]TransferEvent{}
	tc.OnTransferEvent(func(event TransferEvent) {
		*events = append(*events, event)
	})
	return events
}

func kinds(events []TransferEvent) []TransferEventKind {
	out := make([]TransferEventKind, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

// ---- Blind transfer ----

func TestBlindTransfer(t *testing.T) {
	t.Run("success completes the record", func(t *testing.T) {
		resolver := newFakeResolver()
		transport := resolver.addSession(t, "c1")
		tc := newTestController(resolver)
		defer tc.Close()
		events := collectEvents(tc)

		require.NoError(t, tc.BlindTransfer("c1", "sip:carol@example.com", nil))

		assert.Equal(t, "sip:carol@example.com", transport.transferTarget)

		record := tc.ActiveTransfer()
		require.NotNil(t, record)
		assert.True(t, strings.HasPrefix(record.ID, "transfer-"))
		assert.Equal(t, TransferTypeBlind, record.Type)
		assert.Equal(t, TransferStateCompleted, record.State)
		require.NotNil(t, record.CompletedAt)

		progress := tc.GetTransferProgress()
		require.NotNil(t, progress)
		assert.Equal(t, 100, progress.Progress)

		assert.Equal(t, []TransferEventKind{TransferEventInitiated, TransferEventCompleted}, kinds(*events))
	})

	t.Run("transport failure lands in failed", func(t *testing.T) {
		resolver := newFakeResolver()
		transport := resolver.addSession(t, "c1")
		transport.transferErr = errors.New("488 not acceptable")
		tc := newTestController(resolver)
		defer tc.Close()
		events := collectEvents(tc)

		err := tc.BlindTransfer("c1", "sip:carol@example.com", nil)
		require.Error(t, err)
		assert.True(t, IsOperationFailureError(err))

		record := tc.ActiveTransfer()
		require.NotNil(t, record)
		assert.Equal(t, TransferStateFailed, record.State)
		assert.Contains(t, record.Error, "488 not acceptable")
		assert.Equal(t, 0, tc.GetTransferProgress().Progress)

		assert.Equal(t, []TransferEventKind{TransferEventInitiated, TransferEventFailed}, kinds(*events))
	})

	t.Run("unknown call leaves controller idle", func(t *testing.T) {
		resolver := newFakeResolver()
		tc := newTestController(resolver)
		defer tc.Close()

		err := tc.BlindTransfer("ghost", "sip:carol@example.com", nil)
		require.Error(t, err)
		var nfe *NotFoundError
		require.ErrorAs(t, err, &nfe)
		assert.Equal(t, "call ghost not found", err.Error())
		assert.Nil(t, tc.GetTransferProgress())

		// The failed attempt must not wedge the single-flight slot.
		resolver.addSession(t, "c1")
		require.NoError(t, tc.BlindTransfer("c1", "sip:carol@example.com", nil))
	})

	t.Run("terminal record cleared after completion delay", func(t *testing.T) {
		resolver := newFakeResolver()
		resolver.addSession(t, "c1")
		tc := newTestController(resolver)
		defer tc.Close()
		events := collectEvents(tc)

		require.NoError(t, tc.BlindTransfer("c1", "sip:carol@example.com", nil))
		require.NotNil(t, tc.GetTransferProgress())

		time.Sleep(80 * time.Millisecond)
		assert.Nil(t, tc.GetTransferProgress())
		assert.Nil(t, tc.ActiveTransfer())

		got := kinds(*events)
		require.Len(t, got, 3)
		assert.Equal(t, TransferEventCleared, got[2])
	})
}

func TestForwardCall(t *testing.T) {
	resolver := newFakeResolver()
	transport := resolver.addSession(t, "c1")
	tc := newTestController(resolver)
	defer tc.Close()

	require.NoError(t, tc.ForwardCall("c1", "sip:voicemail@example.com"))

	assert.Equal(t, "sip:voicemail@example.com", transport.transferTarget)
	require.NotNil(t, transport.transferHeaders)
	assert.Equal(t, "<sip:voicemail@example.com>;reason=unconditional", transport.transferHeaders["Diversion"])
}

// ---- Attended transfer ----

func TestInitiateAttendedTransfer(t *testing.T) {
	t.Run("holds original and dials consultation", func(t *testing.T) {
		resolver := newFakeResolver()
		original := resolver.addSession(t, "c1")
		resolver.makeCallID = "c2"
		resolver.addSession(t, "c2")
		tc := newTestController(resolver)
		defer tc.Close()
		events := collectEvents(tc)

		consultationID, err := tc.InitiateAttendedTransfer("c1", "sip:carol@example.com")
		require.NoError(t, err)
		assert.Equal(t, "c2", consultationID)
		assert.Equal(t, 1, original.holds)
		assert.Equal(t, []string{"sip:carol@example.com"}, resolver.madeCalls)

		record := tc.ActiveTransfer()
		require.NotNil(t, record)
		assert.Equal(t, TransferTypeAttended, record.Type)
		assert.Equal(t, TransferStateInProgress, record.State)
		assert.Equal(t, "c2", record.ConsultationCallID)
		assert.Equal(t, 50, tc.GetTransferProgress().Progress)

		assert.Equal(t, []TransferEventKind{TransferEventInitiated}, kinds(*events))
	})

	t.Run("hold failure leaves no record", func(t *testing.T) {
		resolver := newFakeResolver()
		original := resolver.addSession(t, "c1")
		original.holdErr = errors.New("gateway 500")
		tc := newTestController(resolver)
		defer tc.Close()

		_, err := tc.InitiateAttendedTransfer("c1", "sip:carol@example.com")
		require.Error(t, err)
		assert.Nil(t, tc.GetTransferProgress())
		assert.Empty(t, resolver.madeCalls)
	})

	t.Run("dial failure leaves original held", func(t *testing.T) {
		resolver := newFakeResolver()
		original := resolver.addSession(t, "c1")
		resolver.makeCallErr = errors.New("503 service unavailable")
		tc := newTestController(resolver)
		defer tc.Close()

		_, err := tc.InitiateAttendedTransfer("c1", "sip:carol@example.com")
		require.Error(t, err)
		assert.Nil(t, tc.GetTransferProgress())
		// No compensating unhold: the caller decides what to do next.
		assert.Equal(t, 1, original.holds)
		assert.Equal(t, 0, original.unholds)

		// Slot released: a new transfer may start immediately.
		resolver.makeCallErr = nil
		resolver.makeCallID = "c2"
		resolver.addSession(t, "c2")
		_, err = tc.InitiateAttendedTransfer("c1", "sip:carol@example.com")
		require.NoError(t, err)
	})
}

func TestCompleteAttendedTransfer(t *testing.T) {
	setup := func(t *testing.T) (*fakeResolver, *TransferController, *fakeTransport) {
		resolver := newFakeResolver()
		original := resolver.addSession(t, "c1")
		resolver.makeCallID = "c2"
		resolver.addSession(t, "c2")
		tc := newTestController(resolver)
		_, err := tc.InitiateAttendedTransfer("c1", "sip:carol@example.com")
		require.NoError(t, err)
		return resolver, tc, original
	}

	t.Run("success hands off to consultation", func(t *testing.T) {
		_, tc, original := setup(t)
		defer tc.Close()

		require.NoError(t, tc.CompleteAttendedTransfer())
		assert.Equal(t, "sip:carol@example.com", original.attendedTarget)
		assert.Equal(t, "c2", original.attendedConsultation)
		assert.Equal(t, TransferStateCompleted, tc.ActiveTransfer().State)
		assert.Equal(t, 100, tc.GetTransferProgress().Progress)
	})

	t.Run("no active attended transfer", func(t *testing.T) {
		tc := newTestController(newFakeResolver())
		defer tc.Close()

		err := tc.CompleteAttendedTransfer()
		require.Error(t, err)
		assert.True(t, IsPreconditionError(err))
		assert.Equal(t, "No active attended transfer", err.Error())
	})

	t.Run("consultation never resolved", func(t *testing.T) {
		resolver := newFakeResolver()
		resolver.addSession(t, "c1")
		// MakeCall succeeds but the consultation id never appears in the
		// registry, so no consultation reference exists.
		resolver.makeCallID = "c2"
		tc := newTestController(resolver)
		defer tc.Close()

		_, err := tc.InitiateAttendedTransfer("c1", "sip:carol@example.com")
		require.NoError(t, err)

		err = tc.CompleteAttendedTransfer()
		require.Error(t, err)
		assert.True(t, IsPreconditionError(err))
		assert.Equal(t, "No consultation call found", err.Error())
	})

	t.Run("original vanished fails the record", func(t *testing.T) {
		resolver, tc, _ := setup(t)
		defer tc.Close()

		delete(resolver.sessions, "c1")

		err := tc.CompleteAttendedTransfer()
		require.Error(t, err)
		var nfe *NotFoundError
		require.ErrorAs(t, err, &nfe)
		assert.Equal(t, TransferStateFailed, tc.ActiveTransfer().State)
		assert.Contains(t, tc.ActiveTransfer().Error, "c1 not found")
	})

	t.Run("transport rejection fails the record", func(t *testing.T) {
		_, tc, original := setup(t)
		defer tc.Close()

		original.attendedErr = errors.New("603 decline")
		err := tc.CompleteAttendedTransfer()
		require.Error(t, err)
		assert.Equal(t, TransferStateFailed, tc.ActiveTransfer().State)
	})
}

func TestCancelTransfer(t *testing.T) {
	t.Run("attended cancel compensates", func(t *testing.T) {
		resolver := newFakeResolver()
		original := resolver.addSession(t, "c1")
		resolver.makeCallID = "c2"
		consultation := resolver.addSession(t, "c2")
		tc := newTestController(resolver)
		defer tc.Close()
		events := collectEvents(tc)

		_, err := tc.InitiateAttendedTransfer("c1", "sip:carol@example.com")
		require.NoError(t, err)

		require.NoError(t, tc.CancelTransfer())
		assert.True(t, consultation.terminated)
		assert.Equal(t, 1, original.unholds)
		assert.Equal(t, TransferStateCanceled, tc.ActiveTransfer().State)
		assert.Equal(t, 0, tc.GetTransferProgress().Progress)

		assert.Equal(t, []TransferEventKind{TransferEventInitiated, TransferEventCanceled}, kinds(*events))
	})

	t.Run("compensation failures are not fatal", func(t *testing.T) {
		resolver := newFakeResolver()
		original := resolver.addSession(t, "c1")
		original.unholdErr = errors.New("gateway 500")
		resolver.makeCallID = "c2"
		consultation := resolver.addSession(t, "c2")
		consultation.terminateErr = errors.New("gateway 500")
		tc := newTestController(resolver)
		defer tc.Close()

		_, err := tc.InitiateAttendedTransfer("c1", "sip:carol@example.com")
		require.NoError(t, err)

		require.NoError(t, tc.CancelTransfer())
		assert.Equal(t, TransferStateCanceled, tc.ActiveTransfer().State)
	})

	t.Run("no active transfer", func(t *testing.T) {
		tc := newTestController(newFakeResolver())
		defer tc.Close()

		err := tc.CancelTransfer()
		require.Error(t, err)
		assert.True(t, IsPreconditionError(err))
		assert.Equal(t, "No active transfer to cancel", err.Error())
	})

	t.Run("terminal record cannot be canceled", func(t *testing.T) {
		resolver := newFakeResolver()
		resolver.addSession(t, "c1")
		tc := newTestController(resolver)
		defer tc.Close()

		require.NoError(t, tc.BlindTransfer("c1", "sip:carol@example.com", nil))
		err := tc.CancelTransfer()
		require.Error(t, err)
		assert.True(t, IsPreconditionError(err))
	})

	t.Run("cancel wins over an in-flight blind transfer", func(t *testing.T) {
		resolver := newFakeResolver()
		transport := resolver.addSession(t, "c1")
		tc := NewTransferController(resolver, &TransferControllerConfig{
			CompletionDelay:  time.Second,
			CancelationDelay: time.Second,
		})
		defer tc.Close()

		var mu sync.Mutex
		var got []TransferEventKind
		tc.OnTransferEvent(func(event TransferEvent) {
			mu.Lock()
			got = append(got, event.Type)
			mu.Unlock()
		})

		inFlight := make(chan struct{})
		release := make(chan struct{})
		transport.transferHook = func() {
			close(inFlight)
			<-release
		}

		done := make(chan error, 1)
		go func() { done <- tc.BlindTransfer("c1", "sip:carol@example.com", nil) }()

		<-inFlight
		require.NoError(t, tc.CancelTransfer())
		close(release)

		// The redirect was already issued; the operation itself succeeds.
		require.NoError(t, <-done)

		// The terminal Canceled record stays canceled.
		record := tc.ActiveTransfer()
		require.NotNil(t, record)
		assert.Equal(t, TransferStateCanceled, record.State)
		assert.Nil(t, record.CompletedAt)

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []TransferEventKind{TransferEventInitiated, TransferEventCanceled}, got)
	})

	t.Run("cancel wins over an in-flight attended completion", func(t *testing.T) {
		resolver := newFakeResolver()
		original := resolver.addSession(t, "c1")
		resolver.makeCallID = "c2"
		consultation := resolver.addSession(t, "c2")
		tc := NewTransferController(resolver, &TransferControllerConfig{
			CompletionDelay:  time.Second,
			CancelationDelay: time.Second,
		})
		defer tc.Close()

		_, err := tc.InitiateAttendedTransfer("c1", "sip:carol@example.com")
		require.NoError(t, err)

		inFlight := make(chan struct{})
		release := make(chan struct{})
		original.attendedHook = func() {
			close(inFlight)
			<-release
		}

		done := make(chan error, 1)
		go func() { done <- tc.CompleteAttendedTransfer() }()

		<-inFlight
		require.NoError(t, tc.CancelTransfer())
		close(release)

		require.NoError(t, <-done)
		assert.True(t, consultation.terminated)
		assert.Equal(t, TransferStateCanceled, tc.ActiveTransfer().State)
	})

	t.Run("canceled record cleared after cancelation delay", func(t *testing.T) {
		resolver := newFakeResolver()
		resolver.addSession(t, "c1")
		resolver.makeCallID = "c2"
		resolver.addSession(t, "c2")
		tc := newTestController(resolver)
		defer tc.Close()

		_, err := tc.InitiateAttendedTransfer("c1", "sip:carol@example.com")
		require.NoError(t, err)
		require.NoError(t, tc.CancelTransfer())

		time.Sleep(60 * time.Millisecond)
		assert.Nil(t, tc.GetTransferProgress())
	})
}

func TestTransferConflict(t *testing.T) {
	resolver := newFakeResolver()
	resolver.addSession(t, "c1")
	resolver.addSession(t, "c3")
	resolver.makeCallID = "c2"
	resolver.addSession(t, "c2")
	tc := newTestController(resolver)
	defer tc.Close()

	_, err := tc.InitiateAttendedTransfer("c1", "sip:carol@example.com")
	require.NoError(t, err)

	err = tc.BlindTransfer("c3", "sip:dave@example.com", nil)
	require.Error(t, err)
	assert.True(t, IsConflictError(err))
	assert.Equal(t, "Another transfer is already in progress", err.Error())

	_, err = tc.InitiateAttendedTransfer("c3", "sip:dave@example.com")
	require.Error(t, err)
	assert.True(t, IsConflictError(err))

	// The active record is untouched by the rejected attempts.
	assert.Equal(t, TransferStateInProgress, tc.ActiveTransfer().State)
}

func TestHandleTransferAccepted(t *testing.T) {
	t.Run("marks active record accepted", func(t *testing.T) {
		resolver := newFakeResolver()
		resolver.addSession(t, "c1")
		resolver.makeCallID = "c2"
		resolver.addSession(t, "c2")
		tc := newTestController(resolver)
		defer tc.Close()
		events := collectEvents(tc)

		_, err := tc.InitiateAttendedTransfer("c1", "sip:carol@example.com")
		require.NoError(t, err)

		tc.HandleTransferAccepted()
		assert.Equal(t, TransferStateAccepted, tc.ActiveTransfer().State)
		assert.Equal(t, 75, tc.GetTransferProgress().Progress)
		assert.Equal(t, []TransferEventKind{TransferEventInitiated, TransferEventAccepted}, kinds(*events))
	})

	t.Run("terminal record untouched", func(t *testing.T) {
		resolver := newFakeResolver()
		resolver.addSession(t, "c1")
		tc := newTestController(resolver)
		defer tc.Close()

		require.NoError(t, tc.BlindTransfer("c1", "sip:carol@example.com", nil))
		tc.HandleTransferAccepted()
		assert.Equal(t, TransferStateCompleted, tc.ActiveTransfer().State)
	})

	t.Run("no record is a no-op", func(t *testing.T) {
		tc := newTestController(newFakeResolver())
		defer tc.Close()
		tc.HandleTransferAccepted()
		assert.Nil(t, tc.ActiveTransfer())
	})
}

func TestOnTransferEvent(t *testing.T) {
	t.Run("unsubscribe stops delivery", func(t *testing.T) {
		resolver := newFakeResolver()
		resolver.addSession(t, "c1")
		tc := newTestController(resolver)
		defer tc.Close()

		count := 0
		unsubscribe := tc.OnTransferEvent(func(TransferEvent) { count++ })
		unsubscribe()

		require.NoError(t, tc.BlindTransfer("c1", "sip:carol@example.com", nil))
		assert.Zero(t, count)
	})

	t.Run("panicking listener does not suppress others", func(t *testing.T) {
		resolver := newFakeResolver()
		resolver.addSession(t, "c1")
		tc := newTestController(resolver)
		defer tc.Close()

		tc.OnTransferEvent(func(TransferEvent) { panic("observer bug") })
		var got []TransferEventKind
		tc.OnTransferEvent(func(event TransferEvent) { got = append(got, event.Type) })

		require.NoError(t, tc.BlindTransfer("c1", "sip:carol@example.com", nil))
		assert.Equal(t, []TransferEventKind{TransferEventInitiated, TransferEventCompleted}, got)
	})

	t.Run("event snapshots carry record fields", func(t *testing.T) {
		resolver := newFakeResolver()
		resolver.addSession(t, "c1")
		tc := newTestController(resolver)
		defer tc.Close()

		var events []TransferEvent
		tc.OnTransferEvent(func(event TransferEvent) { events = append(events, event) })

		require.NoError(t, tc.BlindTransfer("c1", "sip:carol@example.com", nil))
		require.Len(t, events, 2)
		assert.Equal(t, "c1", events[0].CallID)
		assert.Equal(t, "sip:carol@example.com", events[0].Target)
		assert.Equal(t, TransferTypeBlind, events[0].TransferType)
		assert.Equal(t, TransferStateInitiated, events[0].State)
		assert.Equal(t, events[0].TransferID, events[1].TransferID)
	})
}

func TestTransferControllerClose(t *testing.T) {
	resolver := newFakeResolver()
	resolver.addSession(t, "c1")
	tc := newTestController(resolver)
	tc.Close()

	err := tc.BlindTransfer("c1", "sip:carol@example.com", nil)
	require.Error(t, err)
	assert.True(t, IsPreconditionError(err))

	_, err = tc.InitiateAttendedTransfer("c1", "sip:carol@example.com")
	require.Error(t, err)

	assert.Nil(t, tc.ActiveTransfer())
	assert.Nil(t, tc.GetTransferProgress())
}

func TestTransferControllerNoResolver(t *testing.T) {
	tc := NewTransferController(nil, nil)
	defer tc.Close()

	err := tc.BlindTransfer("c1", "sip:carol@example.com", nil)
	require.Error(t, err)
	assert.True(t, IsPreconditionError(err))
	assert.Equal(t, "no sip client configured", err.Error())
}
