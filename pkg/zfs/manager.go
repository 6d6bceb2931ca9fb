package zfs

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jailfleet/jailfleet/pkg/errdefs"
	"github.com/jailfleet/jailfleet/pkg/telemetry"
)

// Manager is the dataset orchestrator. It turns the primitive backend
// operations into the recursive operations used by the workflow engine:
// recursive delete, snapshot-and-clone with child fan-out, recursive
// promote, and idempotent ensure-exists.
//
// Manager performs no rollback of its own. A failure leaves whatever the
// backend has already done in place; compensation is the caller's
// responsibility.
type Manager struct {
	backend Backend
	log     *telemetry.Logger
	metrics *telemetry.Metrics
}

// NewManager creates a Manager over the given backend.
func NewManager(backend Backend, log *telemetry.Logger, metrics *telemetry.Metrics) *Manager {
	if metrics == nil {
		metrics = telemetry.NewMetrics(telemetry.MetricsConfig{})
	}
	return &Manager{
		backend: backend,
		log:     log.NewComponentLogger("zfs"),
		metrics: metrics,
	}
}

// Backend returns the underlying volume backend.
func (m *Manager) Backend() Backend {
	return m.backend
}

// DeleteRecursiveOptions controls DeleteRecursive.
type DeleteRecursiveOptions struct {
	// DeleteSnapshots deletes every snapshot of the node before the node
	// itself. Each child deletes its own snapshots in its own recursion.
	DeleteSnapshots bool

	// DeleteOriginSnapshot deletes the node's origin snapshot after the
	// node is gone. A promoted node has no origin and the step is skipped.
	DeleteOriginSnapshot bool
}

// DeleteRecursive deletes a dataset subtree depth-first: children before
// the node, unmount before delete, own snapshots before the node delete,
// and the origin snapshot last. Deleting the clone before its origin keeps
// the origin snapshot intact if the clone delete fails partway.
func (m *Manager) DeleteRecursive(ctx context.Context, ds Dataset, opts DeleteRecursiveOptions) error {
	start := time.Now()
	err := m.deleteRecursive(ctx, ds, opts)
	m.metrics.DatasetOperation("delete_recursive", err, time.Since(start))
	return err
}

func (m *Manager) deleteRecursive(ctx context.Context, ds Dataset, opts DeleteRecursiveOptions) error {
	children, err := ds.Children(ctx)
	if err != nil {
		return errdefs.DatasetFailed("list children", ds.Name(), err)
	}
	for _, child := range children {
		childOpts := DeleteRecursiveOptions{DeleteSnapshots: true, DeleteOriginSnapshot: true}
		if err := m.deleteRecursive(ctx, child, childOpts); err != nil {
			return err
		}
	}

	if ds.Mounted() {
		m.log.Tracef("unmounting %s", ds.Name())
		if err := ds.Unmount(ctx); err != nil {
			return errdefs.DatasetFailed("unmount", ds.Name(), err)
		}
	}

	if opts.DeleteSnapshots {
		snapshots, err := ds.Snapshots(ctx)
		if err != nil {
			return errdefs.DatasetFailed("list snapshots", ds.Name(), err)
		}
		for _, snap := range snapshots {
			m.log.Debugf("deleting snapshot %s", snap.Name())
			if err := snap.Delete(ctx); err != nil {
				return errdefs.DatasetFailed("delete snapshot", snap.Name(), err)
			}
		}
	}

	origin := ""
	if opts.DeleteOriginSnapshot {
		origin = ds.Origin()
	}

	m.log.Debugf("deleting dataset %s", ds.Name())
	if err := ds.Delete(ctx); err != nil {
		return errdefs.DatasetFailed("delete", ds.Name(), err)
	}

	if origin != "" {
		m.log.Debugf("deleting origin snapshot %s", origin)
		snap, err := m.backend.GetSnapshot(ctx, origin)
		if err != nil {
			return errdefs.DatasetFailed("get origin snapshot", origin, err)
		}
		if err := snap.Delete(ctx); err != nil {
			return errdefs.DatasetFailed("delete origin snapshot", origin, err)
		}
	}

	return nil
}

// Clone snapshots a source subtree under one snapshot name and clones it,
// descendants included, to the target name. Snapshot names are a single
// logical vintage: any existing snapshot with the same name anywhere under
// source is deleted before the new recursive snapshot is taken.
//
// A step failure aborts the remaining descendant loop. Partially cloned
// descendants are left in place for the caller's rollback to clean up.
func (m *Manager) Clone(ctx context.Context, source Dataset, target, snapshotName string, deleteExisting bool) error {
	start := time.Now()
	err := m.clone(ctx, source, target, snapshotName, deleteExisting)
	m.metrics.DatasetOperation("clone", err, time.Since(start))
	return err
}

func (m *Manager) clone(ctx context.Context, source Dataset, target, snapshotName string, deleteExisting bool) error {
	fullSnapshotName := fmt.Sprintf("%s@%s", source.Name(), snapshotName)

	// delete the target dataset if it already exists
	if existing, err := m.backend.GetDataset(ctx, target); err == nil {
		if !deleteExisting {
			return errdefs.AlreadyExists(
				fmt.Sprintf("dataset %s already exists", target)).WithDataset(target)
		}
		m.log.Debugf("deleting existing dataset %s", target)
		opts := DeleteRecursiveOptions{DeleteSnapshots: true, DeleteOriginSnapshot: true}
		if err := m.deleteRecursive(ctx, existing, opts); err != nil {
			return err
		}
	}

	// delete snapshots of the same vintage anywhere under source
	existingSnapshots, err := source.SnapshotsRecursive(ctx)
	if err != nil {
		return errdefs.DatasetFailed("list snapshots", source.Name(), err)
	}
	for _, snap := range existingSnapshots {
		if snap.SnapshotName() != snapshotName {
			continue
		}
		m.log.Debugf("deleting existing snapshot %s", snap.Name())
		if err := snap.Delete(ctx); err != nil {
			return errdefs.DatasetFailed("delete snapshot", snap.Name(), err)
		}
	}

	if err := source.Snapshot(ctx, snapshotName, true); err != nil {
		return errdefs.DatasetFailed("snapshot", fullSnapshotName, err)
	}

	rootSnapshot, err := m.backend.GetSnapshot(ctx, fullSnapshotName)
	if err != nil {
		return errdefs.DatasetFailed("get snapshot", fullSnapshotName, err)
	}

	m.log.Debugf("cloning snapshot %s to %s", fullSnapshotName, target)
	if err := m.cloneAndMount(ctx, rootSnapshot, target); err != nil {
		return err
	}

	descendants, err := source.ChildrenRecursive(ctx)
	if err != nil {
		return errdefs.DatasetFailed("list children", source.Name(), err)
	}
	// A parent's clone must be mounted before a child clone is attempted:
	// child mount paths nest under the parent's mountpoint.
	sort.Slice(descendants, func(i, j int) bool {
		return descendants[i].Name() < descendants[j].Name()
	})

	for _, descendant := range descendants {
		suffix := strings.Trim(strings.TrimPrefix(descendant.Name(), source.Name()), "/")
		descendantTarget := fmt.Sprintf("%s/%s", target, suffix)
		descendantSnapshotName := fmt.Sprintf("%s@%s", descendant.Name(), snapshotName)

		descendantSnapshot, err := m.backend.GetSnapshot(ctx, descendantSnapshotName)
		if err != nil {
			return errdefs.DatasetFailed("get snapshot", descendantSnapshotName, err)
		}
		if err := m.cloneAndMount(ctx, descendantSnapshot, descendantTarget); err != nil {
			return err
		}
	}

	m.log.Debugf("successfully cloned %s to %s", source.Name(), target)
	return nil
}

// PromoteRecursive promotes a dataset subtree in reverse depth order:
// deepest descendants first, the node itself last. Promoting a parent
// before a child whose origin chain passes through the parent can fail or
// be a no-op.
func (m *Manager) PromoteRecursive(ctx context.Context, ds Dataset) error {
	start := time.Now()
	err := m.promoteRecursive(ctx, ds)
	m.metrics.DatasetOperation("promote_recursive", err, time.Since(start))
	return err
}

func (m *Manager) promoteRecursive(ctx context.Context, ds Dataset) error {
	descendants, err := ds.ChildrenRecursive(ctx)
	if err != nil {
		return errdefs.DatasetFailed("list children", ds.Name(), err)
	}
	sort.Slice(descendants, func(i, j int) bool {
		return descendants[i].Name() > descendants[j].Name()
	})

	for _, descendant := range append(descendants, ds) {
		m.log.Debugf("promoting dataset %s", descendant.Name())
		if err := descendant.Promote(ctx); err != nil {
			return errdefs.DatasetFailed("promote", descendant.Name(), err)
		}
	}
	return nil
}

// GetOrCreate returns the named dataset, creating it and any missing
// ancestors when absent.
func (m *Manager) GetOrCreate(ctx context.Context, name string, opts DatasetOptions) (Dataset, error) {
	if ds, err := m.backend.GetDataset(ctx, name); err == nil {
		return ds, nil
	}

	ds, err := m.backend.CreateDataset(ctx, name, opts)
	if err != nil {
		return nil, errdefs.DatasetFailed("create", name, err)
	}
	return ds, nil
}

// Rename renames a dataset subtree.
func (m *Manager) Rename(ctx context.Context, ds Dataset, newName string) error {
	start := time.Now()
	m.log.Debugf("renaming dataset %s to %s", ds.Name(), newName)
	err := ds.Rename(ctx, newName)
	m.metrics.DatasetOperation("rename", err, time.Since(start))
	if err != nil {
		return errdefs.DatasetFailed("rename", ds.Name(), err)
	}
	return nil
}

func (m *Manager) cloneAndMount(ctx context.Context, snap Snapshot, target string) error {
	if parent := ParentName(target); parent != "" {
		if _, err := m.GetOrCreate(ctx, parent, DatasetOptions{}); err != nil {
			return err
		}
	}
	if err := snap.Clone(ctx, target); err != nil {
		return errdefs.DatasetFailed("clone to "+target, snap.Name(), err)
	}
	ds, err := m.backend.GetDataset(ctx, target)
	if err != nil {
		return errdefs.DatasetFailed("get dataset", target, err)
	}
	if err := ds.Mount(ctx); err != nil {
		return errdefs.DatasetFailed("mount", target, err)
	}
	return nil
}
