package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/jailfleet/jailfleet/pkg/errdefs"
	"github.com/jailfleet/jailfleet/pkg/jail"
	"github.com/jailfleet/jailfleet/pkg/stores"
	"github.com/jailfleet/jailfleet/pkg/telemetry"
	"github.com/jailfleet/jailfleet/pkg/zfs"
)

// Control is the jail control service contract. The engine never talks to
// jail(8) directly; it delegates start, stop and process execution here.
type Control interface {
	// Start starts a stopped jail, emitting progress events.
	Start(ctx context.Context, jailName string) Stream

	// Stop stops a running jail. force skips the graceful shutdown phase.
	Stop(ctx context.Context, jailName string, force bool) Stream

	// Exec runs argv inside a running jail.
	Exec(ctx context.Context, jailName string, argv []string) (exitCode int, stdout, stderr string, err error)

	// Running reports whether the jail is currently running.
	Running(ctx context.Context, jailName string) (bool, error)

	// JID returns the jail's runtime identifier, 0 when not running.
	JID(ctx context.Context, jailName string) (int, error)
}

// Options configures an Engine.
type Options struct {
	Datasets *zfs.Manager
	Control  Control
	Fleet    *jail.Fleet
	History  stores.History
	Logger   *telemetry.Logger
	Metrics  *telemetry.Metrics
	Tracer   *telemetry.Tracer
}

// Engine composes the dataset orchestrator, the jail control service and
// the configuration stores into the multi-step jail workflows. Every
// workflow is returned as a Stream; pulling events drives the work.
//
// The engine serializes nothing across invocations. A caller driving it
// from multiple goroutines must provide its own per-jail mutual exclusion.
type Engine struct {
	datasets *zfs.Manager
	control  Control
	fleet    *jail.Fleet
	history  stores.History
	log      *telemetry.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
}

// New creates an Engine. Datasets, Control, Fleet and Logger are required;
// History, Metrics and Tracer default to no-ops.
func New(opts Options) (*Engine, error) {
	if opts.Datasets == nil {
		return nil, fmt.Errorf("dataset manager is required")
	}
	if opts.Control == nil {
		return nil, fmt.Errorf("jail control service is required")
	}
	if opts.Fleet == nil {
		return nil, fmt.Errorf("fleet is required")
	}
	if opts.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	history := opts.History
	if history == nil {
		history = stores.NopHistory{}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewMetrics(telemetry.MetricsConfig{})
	}
	return &Engine{
		datasets: opts.Datasets,
		control:  opts.Control,
		fleet:    opts.Fleet,
		history:  history,
		log:      opts.Logger.NewComponentLogger("engine"),
		metrics:  metrics,
		tracer:   opts.Tracer,
	}, nil
}

// Fleet returns the fleet the engine operates on.
func (e *Engine) Fleet() *jail.Fleet {
	return e.fleet
}

// Control returns the jail control service.
func (e *Engine) Control() Control {
	return e.control
}

// skipWorkflow is returned by a workflow body that found nothing to do. The
// driver turns it into a skipped terminal event instead of a failure.
type skipWorkflow struct {
	reason string
}

func (s skipWorkflow) Error() string {
	return s.reason
}

// runWorkflow drives one workflow event through its lifecycle: history row,
// begin, body, terminal transition and rollback on failure. The returned
// event is terminal.
func (e *Engine) runWorkflow(ctx context.Context, s *Sink, name, subject string, scope *Scope, body func(ev *Event) error) *Event {
	runID := uuid.NewString()
	log := e.log.WithWorkflow(name).WithJail(subject).WithRunID(runID)

	var span trace.Span
	if e.tracer != nil {
		ctx, span = e.tracer.StartWorkflowSpan(ctx, name, subject, runID)
		defer span.End()
	}

	start := time.Now()
	e.metrics.WorkflowStarted(name)
	if err := e.history.CreateRun(ctx, &stores.Run{
		ID:        runID,
		Workflow:  name,
		Subject:   subject,
		Status:    stores.RunStatusRunning,
		StartedAt: start,
	}); err != nil {
		log.WithError(err).Warn("failed to record run start")
	}

	ev := NewEvent(name, subject, scope)
	s.Emit(ev.Begin())

	err := body(ev)

	switch err := err.(type) {
	case nil:
		s.Emit(ev.End())
		e.finishRun(ctx, log, runID, stores.RunStatusCompleted, nil)
		e.metrics.WorkflowCompleted(name, "completed", time.Since(start))
		if span != nil {
			telemetry.RecordSuccess(span)
		}
		log.Info("workflow completed")
	case skipWorkflow:
		s.Emit(ev.Skip(err.reason))
		e.finishRun(ctx, log, runID, stores.RunStatusSkipped, nil)
		e.metrics.WorkflowCompleted(name, "skipped", time.Since(start))
		if span != nil {
			telemetry.RecordSuccess(span)
		}
		log.Infof("workflow skipped: %s", err.reason)
	default:
		log.WithError(err).Error("workflow failed, rolling back")
		if kerr, ok := err.(*errdefs.Error); ok {
			e.metrics.ErrorByKind(string(kerr.Kind))
		}
		e.rollback(s, ev, name)
		s.Emit(ev.Fail(err))
		msg := err.Error()
		e.finishRun(ctx, log, runID, stores.RunStatusFailed, &msg)
		e.metrics.WorkflowCompleted(name, "failed", time.Since(start))
		if span != nil {
			telemetry.RecordError(span, err)
		}
	}
	return ev
}

// rollback flattens the event's compensating actions into the stream and
// counts them. Failed rollback sub-events are counted but never escalate.
func (e *Engine) rollback(s *Sink, ev *Event, workflow string) {
	if ev.RollbackSteps() == 0 {
		return
	}
	for sub := range ev.Rollback() {
		if sub.State() == EventFailed {
			e.metrics.RollbackFailed()
			e.log.WithWorkflow(workflow).WithError(sub.Err).Warn("rollback step failed")
		}
		e.metrics.RollbackStep(workflow)
		s.Emit(sub)
	}
}

func (e *Engine) finishRun(ctx context.Context, log *telemetry.Logger, runID string, status stores.RunStatus, errMsg *string) {
	if err := e.history.FinishRun(ctx, runID, status, errMsg); err != nil {
		log.WithError(err).Warn("failed to record run finish")
	}
}

// step runs one nested operation, emitting its begin and terminal events
// under the given scope.
func (e *Engine) step(s *Sink, scope *Scope, name, subject string, fn func() error) error {
	ev := NewEvent(name, subject, scope)
	s.Emit(ev.Begin())
	if err := fn(); err != nil {
		s.Emit(ev.Fail(err))
		return err
	}
	s.Emit(ev.End())
	return nil
}
