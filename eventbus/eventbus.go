/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 VueSip Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package eventbus provides the named publish/subscribe dispatcher that
// decouples producers (call sessions, the transfer controller, the
// signaling channel) from consumers (UI layers, logging, other
// subsystems). Dispatch is synchronous: Emit invokes every handler
// registered for the event before returning. Handlers must not assume
// they can block the emitter.
package eventbus

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handler is a callback invoked with the event payload.
type Handler func(payload interface{})

// Logger is the minimal logging interface the bus needs. The standard
// library's *log.Logger satisfies it.
type Logger interface {
	Printf(format string, v ...any)
}

// TimeoutError is returned by WaitFor when the timeout elapses before
// the event fires.
type TimeoutError struct {
	// Event is the event name that was waited for.
	Event string
	// Timeout is the duration that elapsed.
	Timeout time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting for event %q", e.Timeout, e.Event)
}

// registration is a single handler registration. Registrations are
// handle-indexed so removal is O(1); ids are never reused.
type registration struct {
	id       string
	event    string
	handler  Handler
	priority int
	once     bool
	seq      uint64
}

// Option configures a registration.
type Option func(*registration)

// WithPriority sets the registration priority. Higher priorities run
// first; the default is 0. Equal priorities run in registration order.
func WithPriority(priority int) Option {
	return func(r *registration) { r.priority = priority }
}

// Once makes the registration fire at most one time. It is removed
// immediately before invocation, so a re-entrant Emit cannot fire it
// twice.
func Once() Option {
	return func(r *registration) { r.once = true }
}

// WithID sets a caller-supplied registration id instead of a generated
// one. Registering with an id that is already in use replaces the
// previous registration.
func WithID(id string) Option {
	return func(r *registration) { r.id = id }
}

// Bus is a named-event dispatcher. The zero value is not usable; create
// one with New.
type Bus struct {
	mu      sync.Mutex
	byEvent map[string]map[string]*registration
	byID    map[string]*registration
	seq     uint64
	logger  Logger
}

// New creates an empty Bus logging through the standard library's
// default logger.
func New() *Bus {
	return NewWithLogger(nil)
}

// NewWithLogger creates an empty Bus logging handler failures through
// the given logger. A nil logger falls back to log.Default().
func NewWithLogger(logger Logger) *Bus {
	if logger == nil {
		logger = log.Default()
	}
	return &Bus{
		byEvent: make(map[string]map[string]*registration),
		byID:    make(map[string]*registration),
		logger:  logger,
	}
}

// Register adds a handler for the named event and returns a stable
// handle for later removal. A nil handler is ignored and returns an
// empty id.
func (b *Bus) Register(event string, handler Handler, opts ...Option) string {
	if handler == nil {
		return ""
	}

	r := &registration{
		event:   event,
		handler: handler,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.id == "" {
		r.id = uuid.New().String()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if prev, ok := b.byID[r.id]; ok {
		b.removeLocked(prev)
	}

	b.seq++
	r.seq = b.seq

	regs := b.byEvent[event]
	if regs == nil {
		regs = make(map[string]*registration)
		b.byEvent[event] = regs
	}
	regs[r.id] = r
	b.byID[r.id] = r

	return r.id
}

// Unregister removes the registration with the given id. It is
// idempotent and reports whether a registration was removed.
func (b *Bus) Unregister(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.byID[id]
	if !ok {
		return false
	}
	b.removeLocked(r)
	return true
}

// removeLocked removes a registration from both indexes. Callers must
// hold b.mu.
func (b *Bus) removeLocked(r *registration) {
	delete(b.byID, r.id)
	if regs, ok := b.byEvent[r.event]; ok {
		delete(regs, r.id)
		if len(regs) == 0 {
			delete(b.byEvent, r.event)
		}
	}
}

// RemoveAllListeners clears the registrations for the named events, or
// every registration when called with no arguments.
func (b *Bus) RemoveAllListeners(events ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(events) == 0 {
		b.byEvent = make(map[string]map[string]*registration)
		b.byID = make(map[string]*registration)
		return
	}
	for _, event := range events {
		for _, r := range b.byEvent[event] {
			delete(b.byID, r.id)
		}
		delete(b.byEvent, event)
	}
}

// ListenerCount returns the number of handlers registered for the event.
func (b *Bus) ListenerCount(event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.byEvent[event])
}

// Emit synchronously invokes every handler registered for the event,
// ordered by descending priority then registration order. Once
// registrations are removed before their handler runs. A handler that
// panics is recovered and logged; it neither prevents the remaining
// handlers from running nor propagates to the emitter.
func (b *Bus) Emit(event string, payload interface{}) {
	b.mu.Lock()
	snapshot := make([]*registration, 0, len(b.byEvent[event]))
	for _, r := range b.byEvent[event] {
		snapshot = append(snapshot, r)
	}
	sort.Slice(snapshot, func(i, j int) bool {
		if snapshot[i].priority != snapshot[j].priority {
			return snapshot[i].priority > snapshot[j].priority
		}
		return snapshot[i].seq < snapshot[j].seq
	})
	for _, r := range snapshot {
		if r.once {
			b.removeLocked(r)
		}
	}
	b.mu.Unlock()

	// Handlers run outside the lock so they may register and unregister
	// re-entrantly.
	for _, r := range snapshot {
		b.dispatch(r, payload)
	}
}

// dispatch invokes a single handler, isolating panics.
func (b *Bus) dispatch(r *registration, payload interface{}) {
	defer func() {
		if rec := recover(); rec != nil {
			b.logger.Printf("eventbus: handler %s for event %q panicked: %v", r.id, r.event, rec)
		}
	}()
	r.handler(payload)
}

// WaitFor blocks until the next payload for the named event and returns
// it. If timeout is positive and elapses first, it returns a
// *TimeoutError. The temporary registration is removed on both paths,
// so an abandoned wait never leaks a handler.
func (b *Bus) WaitFor(event string, timeout time.Duration) (interface{}, error) {
	ch := make(chan interface{}, 1)
	id := b.Register(event, func(payload interface{}) {
		select {
		case ch <- payload:
		default:
		}
	}, Once())

	if timeout <= 0 {
		return <-ch, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case payload := <-ch:
		return payload, nil
	case <-timer.C:
		b.Unregister(id)
		// The handler may have fired between the timer expiring and the
		// unregister; prefer the payload if it did.
		select {
		case payload := <-ch:
			return payload, nil
		default:
		}
		return nil, &TimeoutError{Event: event, Timeout: timeout}
	}
}
