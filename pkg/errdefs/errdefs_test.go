package errdefs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorMessageIncludesContext(t *testing.T) {
	err := DatasetFailed("clone", "zroot/jails/web", errors.New("device busy"))

	msg := err.Error()
	for _, want := range []string{"DATASET_OPERATION_FAILED", "zroot/jails/web", "clone", "device busy"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error message %q missing %q", msg, want)
		}
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("no such dataset")
	err := DatasetFailed("delete", "zroot/jails/web", cause)

	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}
}

func TestKindPredicates(t *testing.T) {
	tests := []struct {
		err  error
		pred func(error) bool
		name string
	}{
		{AlreadyExists("jail exists"), IsAlreadyExists, "already exists"},
		{NotFound("no such jail"), IsNotFound, "not found"},
		{InvalidSyntax("bad limit"), IsInvalidSyntax, "invalid syntax"},
		{JailAlreadyRunning("web01"), IsJailAlreadyRunning, "already running"},
		{DatasetFailed("mount", "zroot/x", nil), IsDatasetFailed, "dataset failed"},
		{IllegalAssetContent("absolute path"), IsIllegalAssetContent, "illegal asset"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.pred(tt.err) {
				t.Errorf("predicate did not match %v", tt.err)
			}
			if tt.pred(errors.New("plain")) {
				t.Error("predicate matched a plain error")
			}
		})
	}
}

func TestPredicateSeesThroughWrapping(t *testing.T) {
	err := fmt.Errorf("migrating web01: %w", JailAlreadyRunning("web01"))
	if !IsJailAlreadyRunning(err) {
		t.Error("predicate should see through fmt.Errorf wrapping")
	}
}
