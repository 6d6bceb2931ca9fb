package engine

import (
	"fmt"
	"iter"
	"time"

	"github.com/jailfleet/jailfleet/pkg/errdefs"
)

// EventState is the lifecycle state of an Event.
type EventState string

const (
	// EventPending is the initial state of a created event.
	EventPending EventState = "pending"

	// EventRunning is the state between Begin and a terminal transition.
	EventRunning EventState = "running"

	// EventDone is the successful terminal state.
	EventDone EventState = "done"

	// EventSkipped is the terminal state of an operation that had nothing
	// to do.
	EventSkipped EventState = "skipped"

	// EventFailed is the terminal state of a failed operation.
	EventFailed EventState = "failed"
)

// Terminal reports whether the state is one of done, skipped or failed.
func (s EventState) Terminal() bool {
	return s == EventDone || s == EventSkipped || s == EventFailed
}

// Stream is a lazy sequence of event transitions. Workflows return Streams;
// pulling the next element performs the work leading up to it. The same
// *Event appears once per transition, so consumers see begin and terminal
// transitions separately.
type Stream = iter.Seq[*Event]

// RollbackStep is a compensating action. Running it produces its own event
// stream so rollback progress is observable like any other work.
type RollbackStep func() Stream

// Event is one named operation instance in a workflow. Child events created
// while an event is running reference it through a Scope, giving consumers
// enough structure to render nested progress from a flat stream.
type Event struct {
	// Name identifies the operation kind, e.g. "jail-clone".
	Name string

	// Identifier is the operation subject, e.g. the jail name.
	Identifier string

	// Message carries optional detail, e.g. the skip reason.
	Message string

	// Err is the error that caused a failed transition.
	Err error

	// CreatedAt is when the event was created.
	CreatedAt time.Time

	state    EventState
	scope    *Scope
	rollback []RollbackStep
}

// Scope links child events to the running operation they belong to.
type Scope struct {
	owner *Event
}

// NewEvent creates a pending event. scope is nil for a top-level operation.
func NewEvent(name, identifier string, scope *Scope) *Event {
	return &Event{
		Name:       name,
		Identifier: identifier,
		CreatedAt:  time.Now(),
		state:      EventPending,
		scope:      scope,
	}
}

// State returns the current lifecycle state.
func (e *Event) State() EventState {
	return e.state
}

// Scope returns the scope nesting child events under this event.
func (e *Event) Scope() *Scope {
	return &Scope{owner: e}
}

// Depth returns the nesting depth, 0 for a top-level event.
func (e *Event) Depth() int {
	depth := 0
	for s := e.scope; s != nil && s.owner != nil; s = s.owner.scope {
		depth++
	}
	return depth
}

// Begin transitions pending -> running and returns the event for emission.
func (e *Event) Begin() *Event {
	e.transition(EventPending, EventRunning)
	return e
}

// End transitions running -> done and returns the event for emission.
func (e *Event) End() *Event {
	e.transition(EventRunning, EventDone)
	return e
}

// Skip transitions running -> skipped. message is an optional reason.
func (e *Event) Skip(message string) *Event {
	e.transition(EventRunning, EventSkipped)
	e.Message = message
	return e
}

// Fail transitions running -> failed, carrying the triggering error.
func (e *Event) Fail(err error) *Event {
	e.transition(EventRunning, EventFailed)
	e.Err = err
	return e
}

func (e *Event) transition(from, to EventState) {
	// Terminal state is sticky and transitions are monotone; violating
	// either is a bug in the calling workflow.
	if e.state != from {
		panic(fmt.Sprintf("event %s(%s): illegal transition %s -> %s",
			e.Name, e.Identifier, e.state, to))
	}
	e.state = to
}

// AddRollbackStep registers a compensating action for work the next step is
// about to do. Steps run in reverse registration order when Rollback is
// invoked.
func (e *Event) AddRollbackStep(step RollbackStep) {
	e.rollback = append(e.rollback, step)
}

// RollbackSteps returns the number of registered rollback steps.
func (e *Event) RollbackSteps() int {
	return len(e.rollback)
}

// Rollback runs the registered rollback steps in reverse order, flattening
// their sub-events into the returned stream. Rollback is best-effort: a
// panicking step surfaces as a failed sub-event, never as a panic or error
// to the caller.
func (e *Event) Rollback() Stream {
	return func(yield func(*Event) bool) {
		s := NewSink(yield)
		for i := len(e.rollback) - 1; i >= 0; i-- {
			e.runRollbackStep(e.rollback[i], s)
		}
		e.rollback = nil
	}
}

func (e *Event) runRollbackStep(step RollbackStep, s *Sink) {
	defer func() {
		if r := recover(); r != nil {
			ev := NewEvent("rollback", e.Identifier, e.Scope())
			ev.Begin()
			s.Emit(ev.Fail(errdefs.RollbackFailure(e.Name, fmt.Errorf("%v", r))))
		}
	}()
	s.EmitAll(step())
}

// Sink adapts a push-style workflow body to the pull-style Stream contract.
// Once the consumer abandons the stream, emission becomes a no-op but the
// producing work, rollback included, keeps running to completion.
type Sink struct {
	yield func(*Event) bool
	alive bool
}

func NewSink(yield func(*Event) bool) *Sink {
	return &Sink{yield: yield, alive: true}
}

// Emit forwards one event to the consumer while it is still pulling.
func (s *Sink) Emit(ev *Event) {
	if s.alive {
		s.alive = s.yield(ev)
	}
}

// EmitAll drains a sub-stream, forwarding its events. The sub-stream is
// fully consumed even after the consumer has abandoned the outer stream so
// its side effects still happen.
func (s *Sink) EmitAll(stream Stream) {
	for ev := range stream {
		s.Emit(ev)
	}
}

// Collect drains a stream into a slice, driving all of its work. Intended
// for callers that want the full narrative rather than incremental
// consumption, and for tests.
func Collect(stream Stream) []*Event {
	var events []*Event
	for ev := range stream {
		events = append(events, ev)
	}
	return events
}

// Failed reports whether any event in the slice is in the failed state.
func Failed(events []*Event) bool {
	for _, ev := range events {
		if ev.State() == EventFailed {
			return true
		}
	}
	return false
}
