package engine

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jailfleet/jailfleet/pkg/errdefs"
)

func TestEventLifecycle(t *testing.T) {
	ev := NewEvent("jail-clone", "web01", nil)

	if ev.State() != EventPending {
		t.Fatalf("expected pending, got %s", ev.State())
	}

	ev.Begin()
	if ev.State() != EventRunning {
		t.Fatalf("expected running, got %s", ev.State())
	}

	ev.End()
	if ev.State() != EventDone {
		t.Fatalf("expected done, got %s", ev.State())
	}
	if !ev.State().Terminal() {
		t.Error("done should be terminal")
	}
}

func TestEventSkipCarriesMessage(t *testing.T) {
	ev := NewEvent("jail-migrate", "web01", nil)
	ev.Begin()
	ev.Skip("already migrated")

	if ev.State() != EventSkipped {
		t.Fatalf("expected skipped, got %s", ev.State())
	}
	if ev.Message != "already migrated" {
		t.Errorf("unexpected message %q", ev.Message)
	}
}

func TestEventFailCarriesError(t *testing.T) {
	ev := NewEvent("jail-start", "web01", nil)
	ev.Begin()
	cause := errors.New("devfs ruleset missing")
	ev.Fail(cause)

	if ev.State() != EventFailed {
		t.Fatalf("expected failed, got %s", ev.State())
	}
	if !errors.Is(ev.Err, cause) {
		t.Error("expected failure cause to be preserved")
	}
}

func TestEventIllegalTransitionPanics(t *testing.T) {
	tests := []struct {
		name string
		run  func(ev *Event)
	}{
		{
			name: "end without begin",
			run:  func(ev *Event) { ev.End() },
		},
		{
			name: "double begin",
			run:  func(ev *Event) { ev.Begin(); ev.Begin() },
		},
		{
			name: "fail after done",
			run: func(ev *Event) {
				ev.Begin()
				ev.End()
				ev.Fail(errors.New("late"))
			},
		},
		{
			name: "skip after failed",
			run: func(ev *Event) {
				ev.Begin()
				ev.Fail(errors.New("bad"))
				ev.Skip("too late")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("expected panic")
				}
			}()
			tt.run(NewEvent("jail-stop", "web01", nil))
		})
	}
}

func TestEventDepth(t *testing.T) {
	root := NewEvent("jail-create", "web01", nil)
	child := NewEvent("dataset-clone", "web01", root.Scope())
	grandchild := NewEvent("snapshot", "web01", child.Scope())

	if got := root.Depth(); got != 0 {
		t.Errorf("root depth = %d, want 0", got)
	}
	if got := child.Depth(); got != 1 {
		t.Errorf("child depth = %d, want 1", got)
	}
	if got := grandchild.Depth(); got != 2 {
		t.Errorf("grandchild depth = %d, want 2", got)
	}
}

func TestRollbackRunsInReverseOrder(t *testing.T) {
	ev := NewEvent("jail-create", "web01", nil)
	ev.Begin()

	var order []string
	step := func(name string) RollbackStep {
		return func() Stream {
			return func(yield func(*Event) bool) {
				order = append(order, name)
				sub := NewEvent("rollback-"+name, "web01", ev.Scope())
				sub.Begin()
				yield(sub.End())
			}
		}
	}
	ev.AddRollbackStep(step("dataset"))
	ev.AddRollbackStep(step("config"))
	ev.AddRollbackStep(step("fstab"))

	events := Collect(ev.Rollback())

	if len(order) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(order))
	}
	want := []string{"fstab", "config", "dataset"}
	for i, name := range want {
		if order[i] != name {
			t.Errorf("step %d = %s, want %s", i, order[i], name)
		}
	}
	if len(events) != 3 {
		t.Errorf("expected 3 sub-events, got %d", len(events))
	}
}

func TestRollbackPanicSurfacesAsFailedEvent(t *testing.T) {
	ev := NewEvent("jail-create", "web01", nil)
	ev.Begin()

	var second bool
	ev.AddRollbackStep(func() Stream {
		return func(yield func(*Event) bool) {
			second = true
		}
	})
	ev.AddRollbackStep(func() Stream {
		panic("unmount exploded")
	})

	events := Collect(ev.Rollback())

	if !second {
		t.Error("later steps should still run after a panicking step")
	}
	var failed *Event
	for _, e := range events {
		if e.State() == EventFailed {
			failed = e
		}
	}
	if failed == nil {
		t.Fatal("expected a failed rollback sub-event")
	}
	if !errdefs.IsRollbackFailure(failed.Err) {
		t.Errorf("expected rollback failure kind, got %v", failed.Err)
	}
}

func TestAbandonedStreamStillRunsToCompletion(t *testing.T) {
	var steps []string
	stream := Stream(func(yield func(*Event) bool) {
		s := NewSink(yield)
		for i := 0; i < 5; i++ {
			steps = append(steps, fmt.Sprintf("step-%d", i))
			ev := NewEvent("jail-fetch", "web01", nil)
			ev.Begin()
			s.Emit(ev.End())
		}
	})

	seen := 0
	for range stream {
		seen++
		if seen == 2 {
			break
		}
	}

	if seen != 2 {
		t.Fatalf("consumer saw %d events, want 2", seen)
	}
	if len(steps) != 5 {
		t.Errorf("producer ran %d steps, want all 5", len(steps))
	}
}
