package stores

import (
	"context"
	"time"
)

// RunStatus represents the final status of a workflow run
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusSkipped   RunStatus = "skipped"
	RunStatusFailed    RunStatus = "failed"
)

// Run represents one workflow invocation
type Run struct {
	ID          string     `json:"id"`
	Workflow    string     `json:"workflow"`
	Subject     string     `json:"subject"`
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       *string    `json:"error,omitempty"`
}

// History records workflow runs for the history command
type History interface {
	// CreateRun inserts a run in the running state.
	CreateRun(ctx context.Context, run *Run) error

	// FinishRun sets the terminal status of a run.
	FinishRun(ctx context.Context, id string, status RunStatus, errMsg *string) error

	// GetRun retrieves a run by ID.
	GetRun(ctx context.Context, id string) (*Run, error)

	// ListRuns lists runs, most recent first.
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)

	// Close releases the backing resources.
	Close() error
}

// NopHistory discards everything. Used when run persistence is disabled.
type NopHistory struct{}

func (NopHistory) CreateRun(context.Context, *Run) error { return nil }

func (NopHistory) FinishRun(context.Context, string, RunStatus, *string) error { return nil }

func (NopHistory) GetRun(context.Context, string) (*Run, error) { return nil, nil }

func (NopHistory) ListRuns(context.Context, int, int) ([]*Run, error) { return nil, nil }

func (NopHistory) Close() error { return nil }
