package release

import (
	"context"
	"fmt"

	"github.com/jailfleet/jailfleet/pkg/engine"
	"github.com/jailfleet/jailfleet/pkg/errdefs"
	"github.com/jailfleet/jailfleet/pkg/jail"
	"github.com/jailfleet/jailfleet/pkg/telemetry"
	"github.com/jailfleet/jailfleet/pkg/zfs"
)

// Service runs release updates against jail dataset trees.
type Service struct {
	datasets *zfs.Manager
	updater  Updater
	log      *telemetry.Logger
}

// NewService creates an update service using the given updater strategy.
func NewService(datasets *zfs.Manager, updater Updater, log *telemetry.Logger) *Service {
	return &Service{
		datasets: datasets,
		updater:  updater,
		log:      log.NewComponentLogger("release"),
	}
}

// Update patches the jail's userland in place with the distribution's
// update tool. A recursive checkpoint snapshot is taken before anything is
// modified; when the update fails the root dataset is rolled back to that
// checkpoint. The rollback outcome never masks the update error.
func (s *Service) Update(ctx context.Context, j *jail.Jail) engine.Stream {
	return func(yield func(*engine.Event) bool) {
		sink := engine.NewSink(yield)
		ev := engine.NewEvent("release-update", j.Name, nil)
		sink.Emit(ev.Begin())

		if err := s.update(ctx, sink, ev, j); err != nil {
			sink.Emit(ev.Fail(err))
			return
		}
		sink.Emit(ev.End())
	}
}

func (s *Service) update(ctx context.Context, sink *engine.Sink, ev *engine.Event, j *jail.Jail) error {
	releaseName := j.Config.Config().Release
	if releaseName == "" {
		return errdefs.InvalidSyntax(fmt.Sprintf("jail %s has no release set", j.Name)).WithJail(j.Name)
	}

	fetch := engine.NewEvent("release-fetch", j.Name, ev.Scope())
	sink.Emit(fetch.Begin())
	fetched, err := s.updater.FetchUpdates(ctx, j.Mountpoint, releaseName)
	switch {
	case err != nil:
		sink.Emit(fetch.Fail(err))
		return err
	case !fetched:
		sink.Emit(fetch.Skip(s.updater.Name() + " applies updates directly"))
	default:
		sink.Emit(fetch.End())
	}

	ds, err := s.datasets.Backend().GetDataset(ctx, j.Dataset)
	if err != nil {
		return errdefs.DatasetFailed("get dataset", j.Dataset, err)
	}
	snapName := zfs.AppendTimestamp("pre-update-")
	if err := ds.Snapshot(ctx, snapName, true); err != nil {
		return errdefs.DatasetFailed("snapshot", j.Dataset, err)
	}

	apply := engine.NewEvent("release-apply", j.Name, ev.Scope())
	sink.Emit(apply.Begin())
	if err := s.updater.ApplyUpdate(ctx, j.Mountpoint, releaseName); err != nil {
		s.revert(ctx, j, snapName)
		sink.Emit(apply.Fail(err))
		return err
	}
	sink.Emit(apply.End())
	return nil
}

// revert rolls the jail's root dataset back to the checkpoint snapshot.
// Failure to roll back is logged only; the update error stays primary.
func (s *Service) revert(ctx context.Context, j *jail.Jail, snapName string) {
	log := s.log.WithJail(j.Name)
	log.Warn("update failed, reverting to checkpoint snapshot")

	snap, err := s.datasets.Backend().GetSnapshot(ctx, j.Dataset+"@"+snapName)
	if err != nil {
		log.WithError(err).Error("checkpoint snapshot not found")
		return
	}
	if err := snap.Rollback(ctx, true); err != nil {
		log.WithError(err).Error("checkpoint rollback failed")
	}
}
