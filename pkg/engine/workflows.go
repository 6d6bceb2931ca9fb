package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/jailfleet/jailfleet/pkg/config"
	"github.com/jailfleet/jailfleet/pkg/errdefs"
	"github.com/jailfleet/jailfleet/pkg/jail"
	"github.com/jailfleet/jailfleet/pkg/zfs"
)

// CloneRequest describes a clone-from-template invocation.
type CloneRequest struct {
	// Source is the jail to clone, usually a template.
	Source *jail.Jail

	// Target is the new jail's name.
	Target string

	// Properties are configuration overrides applied to the new jail.
	Properties map[string]string
}

// CloneFromTemplate creates a new jail by snapshotting and cloning the
// source jail's dataset tree, writing a fresh configuration, and promoting
// the clone so the source can be destroyed independently afterwards. On any
// failure the partially created target is destroyed again.
func (e *Engine) CloneFromTemplate(ctx context.Context, req CloneRequest) Stream {
	return func(yield func(*Event) bool) {
		s := NewSink(yield)
		e.runWorkflow(ctx, s, "jail-clone", req.Target, nil, func(ev *Event) error {
			return e.cloneFromTemplate(ctx, s, ev, req)
		})
	}
}

func (e *Engine) cloneFromTemplate(ctx context.Context, s *Sink, ev *Event, req CloneRequest) error {
	if !config.ValidName(req.Target) {
		return errdefs.InvalidSyntax(fmt.Sprintf("invalid jail name %q", req.Target)).WithJail(req.Target)
	}

	targetDataset := e.fleet.DatasetName(req.Target)
	if _, err := e.datasets.Backend().GetDataset(ctx, targetDataset); err == nil {
		return errdefs.AlreadyExists(fmt.Sprintf("jail %s already exists", req.Target)).WithJail(req.Target)
	}

	// Registered before any dataset is touched so a failure at any later
	// step removes whatever part of the target came into existence.
	ev.AddRollbackStep(func() Stream {
		return e.destroyDataset(ctx, targetDataset, ev.Scope())
	})

	source, err := e.datasets.Backend().GetDataset(ctx, req.Source.Dataset)
	if err != nil {
		return errdefs.NotFound(fmt.Sprintf("source dataset %s does not exist", req.Source.Dataset)).
			WithJail(req.Source.Name)
	}

	err = e.step(s, ev.Scope(), "dataset-clone", req.Target, func() error {
		return e.datasets.Clone(ctx, source, targetDataset, req.Target, false)
	})
	if err != nil {
		return err
	}

	err = e.step(s, ev.Scope(), "config-write", req.Target, func() error {
		return e.writeCloneConfig(ctx, req, targetDataset)
	})
	if err != nil {
		return err
	}

	return e.step(s, ev.Scope(), "dataset-promote", req.Target, func() error {
		target, err := e.datasets.Backend().GetDataset(ctx, targetDataset)
		if err != nil {
			return errdefs.DatasetFailed("get dataset", targetDataset, err)
		}
		return e.datasets.PromoteRecursive(ctx, target)
	})
}

// writeCloneConfig builds the new jail's configuration from the source's,
// reset to a fresh identity, and persists it inside the cloned dataset.
func (e *Engine) writeCloneConfig(ctx context.Context, req CloneRequest, targetDataset string) error {
	target, err := e.datasets.Backend().GetDataset(ctx, targetDataset)
	if err != nil {
		return errdefs.DatasetFailed("get dataset", targetDataset, err)
	}

	store := config.New(jail.ConfigPath(target.Mountpoint()), req.Target)
	cfg := store.Config()
	src := req.Source.Config.Config()
	cfg.ID = uuid.NewString()
	cfg.Release = src.Release
	cfg.Priority = src.Priority
	for key, value := range src.Properties {
		cfg.Properties[key] = value
	}

	for key, value := range req.Properties {
		if _, err := store.Set(key, value); err != nil {
			return err
		}
	}
	return store.Save()
}

// Migrate converts legacy-format jails to the current format, one at a
// time. A jail whose configuration is already current is skipped; a running
// jail fails with JailAlreadyRunning. One jail's failure never aborts the
// rest of the batch.
func (e *Engine) Migrate(ctx context.Context, jails []*jail.Jail) Stream {
	return func(yield func(*Event) bool) {
		s := NewSink(yield)
		for _, j := range jails {
			e.runWorkflow(ctx, s, "jail-migrate", j.Name, nil, func(ev *Event) error {
				return e.migrateOne(ctx, s, ev, j)
			})
		}
	}
}

func (e *Engine) migrateOne(ctx context.Context, s *Sink, ev *Event, j *jail.Jail) error {
	if j.Template() {
		return skipWorkflow{reason: "templates are not migrated"}
	}
	if !j.Config.Legacy() {
		return skipWorkflow{reason: "configuration is already current"}
	}

	running, err := e.control.Running(ctx, j.Name)
	if err != nil {
		return err
	}
	if running {
		return errdefs.JailAlreadyRunning(j.Name)
	}

	// A syntactically valid tag becomes the jail's name; otherwise the
	// clone lands under a scratch name and is renamed back at the end.
	finalName := j.Name
	if tag := j.Config.Tag(); tag != "" && config.ValidName(tag) {
		finalName = tag
	}
	target := finalName
	if target == j.Name {
		target = temporaryName()
	}

	// The migration target is unwound even when a step after the clone
	// fails. When the clone's own rollback already removed it, this one
	// skips on not-found.
	targetDataset := e.fleet.DatasetName(target)
	ev.AddRollbackStep(func() Stream {
		return e.destroyDataset(ctx, targetDataset, ev.Scope())
	})

	cloneEv := e.runWorkflow(ctx, s, "jail-clone", target, ev.Scope(), func(cev *Event) error {
		return e.cloneFromTemplate(ctx, s, cev, CloneRequest{Source: j, Target: target})
	})
	if cloneEv.State() == EventFailed {
		return cloneEv.Err
	}

	destroyEv := e.runWorkflow(ctx, s, "jail-destroy", j.Name, ev.Scope(), func(dev *Event) error {
		return e.destroyJail(ctx, s, dev, j, DestroyOptions{Force: true})
	})
	if destroyEv.State() == EventFailed {
		return destroyEv.Err
	}

	if target != finalName {
		migrated, err := e.fleet.Get(ctx, target)
		if err != nil {
			return err
		}
		renameEv := e.runWorkflow(ctx, s, "jail-rename", target, ev.Scope(), func(rev *Event) error {
			return e.renameJail(ctx, s, rev, migrated, finalName)
		})
		if renameEv.State() == EventFailed {
			return renameEv.Err
		}
	}
	return nil
}

// temporaryName synthesizes a scratch jail name for a migration whose final
// name collides with the legacy jail still occupying it.
func temporaryName() string {
	return "migrate-" + uuid.NewString()[:8]
}

// Promote severs the jail's dataset tree from its clone origins. Promotion
// has no inverse; the workflow registers no rollback.
func (e *Engine) Promote(ctx context.Context, j *jail.Jail) Stream {
	return func(yield func(*Event) bool) {
		s := NewSink(yield)
		e.runWorkflow(ctx, s, "jail-promote", j.Name, nil, func(ev *Event) error {
			ds, err := e.datasets.Backend().GetDataset(ctx, j.Dataset)
			if err != nil {
				return errdefs.NotFound(fmt.Sprintf("dataset %s does not exist", j.Dataset)).WithJail(j.Name)
			}
			return e.step(s, ev.Scope(), "dataset-promote", j.Name, func() error {
				return e.datasets.PromoteRecursive(ctx, ds)
			})
		})
	}
}

// DestroyOptions controls Destroy.
type DestroyOptions struct {
	// Force stops a running jail before destruction instead of failing.
	Force bool
}

// Destroy removes a jail and its whole dataset tree. A running jail is an
// error unless Force is set, in which case it is stopped first.
func (e *Engine) Destroy(ctx context.Context, j *jail.Jail, opts DestroyOptions) Stream {
	return func(yield func(*Event) bool) {
		s := NewSink(yield)
		e.runWorkflow(ctx, s, "jail-destroy", j.Name, nil, func(ev *Event) error {
			return e.destroyJail(ctx, s, ev, j, opts)
		})
	}
}

func (e *Engine) destroyJail(ctx context.Context, s *Sink, ev *Event, j *jail.Jail, opts DestroyOptions) error {
	running, err := e.control.Running(ctx, j.Name)
	if err != nil {
		return err
	}
	if running {
		if !opts.Force {
			return errdefs.JailAlreadyRunning(j.Name)
		}
		if err := e.drain(s, e.control.Stop(ctx, j.Name, true)); err != nil {
			return err
		}
	}

	ds, err := e.datasets.Backend().GetDataset(ctx, j.Dataset)
	if err != nil {
		return errdefs.NotFound(fmt.Sprintf("dataset %s does not exist", j.Dataset)).WithJail(j.Name)
	}
	return e.step(s, ev.Scope(), "dataset-destroy", j.Name, func() error {
		return e.datasets.DeleteRecursive(ctx, ds, zfs.DeleteRecursiveOptions{
			DeleteSnapshots:      true,
			DeleteOriginSnapshot: true,
		})
	})
}

// Rename moves a jail to a new name: dataset tree first, then the
// configuration identity.
func (e *Engine) Rename(ctx context.Context, j *jail.Jail, newName string) Stream {
	return func(yield func(*Event) bool) {
		s := NewSink(yield)
		e.runWorkflow(ctx, s, "jail-rename", j.Name, nil, func(ev *Event) error {
			return e.renameJail(ctx, s, ev, j, newName)
		})
	}
}

func (e *Engine) renameJail(ctx context.Context, s *Sink, ev *Event, j *jail.Jail, newName string) error {
	if !config.ValidName(newName) {
		return errdefs.InvalidSyntax(fmt.Sprintf("invalid jail name %q", newName)).WithJail(j.Name)
	}
	newDataset := e.fleet.DatasetName(newName)
	if _, err := e.datasets.Backend().GetDataset(ctx, newDataset); err == nil {
		return errdefs.AlreadyExists(fmt.Sprintf("jail %s already exists", newName)).WithJail(newName)
	}

	err := e.step(s, ev.Scope(), "dataset-rename", j.Name, func() error {
		ds, err := e.datasets.Backend().GetDataset(ctx, j.Dataset)
		if err != nil {
			return errdefs.NotFound(fmt.Sprintf("dataset %s does not exist", j.Dataset)).WithJail(j.Name)
		}
		return e.datasets.Rename(ctx, ds, newDataset)
	})
	if err != nil {
		return err
	}

	return e.step(s, ev.Scope(), "config-update", newName, func() error {
		ds, err := e.datasets.Backend().GetDataset(ctx, newDataset)
		if err != nil {
			return errdefs.DatasetFailed("get dataset", newDataset, err)
		}
		j.Config.SetPath(jail.ConfigPath(ds.Mountpoint()))
		if _, err := j.Config.Set("name", newName); err != nil {
			return err
		}
		if err := j.Config.Save(); err != nil {
			return err
		}
		j.Name = newName
		j.Dataset = newDataset
		j.Mountpoint = ds.Mountpoint()
		return nil
	})
}

// Start starts a jail through the control service. A template jail refuses
// to start; an already running jail is a skip, not an error.
func (e *Engine) Start(ctx context.Context, j *jail.Jail) Stream {
	return func(yield func(*Event) bool) {
		s := NewSink(yield)
		e.runWorkflow(ctx, s, "jail-start", j.Name, nil, func(ev *Event) error {
			if j.Template() {
				return fmt.Errorf("jail %s is a template and cannot be started", j.Name)
			}
			running, err := e.control.Running(ctx, j.Name)
			if err != nil {
				return err
			}
			if running {
				return skipWorkflow{reason: "already running"}
			}
			return e.drain(s, e.control.Start(ctx, j.Name))
		})
	}
}

// Stop stops a jail through the control service. A stopped jail is a skip.
func (e *Engine) Stop(ctx context.Context, j *jail.Jail, force bool) Stream {
	return func(yield func(*Event) bool) {
		s := NewSink(yield)
		e.runWorkflow(ctx, s, "jail-stop", j.Name, nil, func(ev *Event) error {
			running, err := e.control.Running(ctx, j.Name)
			if err != nil {
				return err
			}
			if !running {
				return skipWorkflow{reason: "not running"}
			}
			return e.drain(s, e.control.Stop(ctx, j.Name, force))
		})
	}
}

// drain forwards a collaborator's event stream and reports the first
// failure it carried.
func (e *Engine) drain(s *Sink, stream Stream) error {
	var failure error
	for ev := range stream {
		if ev.State() == EventFailed && failure == nil {
			failure = ev.Err
		}
		s.Emit(ev)
	}
	return failure
}

// destroyDataset is the rollback producer for clone-from-template: it
// removes the target dataset tree if any of it exists.
func (e *Engine) destroyDataset(ctx context.Context, name string, scope *Scope) Stream {
	return func(yield func(*Event) bool) {
		s := NewSink(yield)
		ev := NewEvent("dataset-destroy", name, scope)
		s.Emit(ev.Begin())

		ds, err := e.datasets.Backend().GetDataset(ctx, name)
		if errdefs.IsNotFound(err) {
			s.Emit(ev.Skip("dataset does not exist"))
			return
		}
		if err != nil {
			s.Emit(ev.Fail(errdefs.RollbackFailure("destroy dataset", err)))
			return
		}

		err = e.datasets.DeleteRecursive(ctx, ds, zfs.DeleteRecursiveOptions{
			DeleteSnapshots:      true,
			DeleteOriginSnapshot: true,
		})
		if err != nil {
			s.Emit(ev.Fail(errdefs.RollbackFailure("destroy dataset", err)))
			return
		}
		s.Emit(ev.End())
	}
}
