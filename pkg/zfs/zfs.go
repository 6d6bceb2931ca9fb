// Package zfs provides the dataset orchestrator and the volume backend
// contract it runs against. The orchestrator composes primitive backend
// operations (snapshot, clone, promote, delete) into the recursive
// multi-dataset operations the workflow engine needs. The backend itself has
// no multi-step transaction support; callers requiring atomicity register
// compensating actions with the workflow engine.
package zfs

import (
	"context"
	"strings"
	"time"
)

// Backend is the volume manager contract. ExecBackend implements it against
// the zfs(8) command line tools; zfstest.MemoryBackend implements it in
// memory for tests.
type Backend interface {
	// GetDataset returns the dataset with the given hierarchical name.
	GetDataset(ctx context.Context, name string) (Dataset, error)

	// GetSnapshot returns the snapshot with the given "dataset@snap" name.
	GetSnapshot(ctx context.Context, name string) (Snapshot, error)

	// GetPool returns the pool a dataset name belongs to.
	GetPool(ctx context.Context, name string) (Pool, error)

	// CreateDataset creates a dataset, including missing ancestors, and
	// mounts it.
	CreateDataset(ctx context.Context, name string, opts DatasetOptions) (Dataset, error)
}

// Dataset is a copy-on-write volume node. Children form the same hierarchy
// as the name paths: every child of "a/b" is named "a/b/<suffix>".
type Dataset interface {
	// Name returns the hierarchical dataset name.
	Name() string

	// PoolName returns the name of the pool the dataset belongs to.
	PoolName() string

	// Mountpoint returns the mountpoint path, empty when none is set.
	Mountpoint() string

	// Mounted reports whether the dataset is currently mounted.
	Mounted() bool

	// Origin returns the origin snapshot name, empty for a dataset that is
	// not a clone (or has been promoted).
	Origin() string

	// Children returns the direct child datasets.
	Children(ctx context.Context) ([]Dataset, error)

	// ChildrenRecursive returns all descendants, parents before children.
	ChildrenRecursive(ctx context.Context) ([]Dataset, error)

	// Snapshots returns the snapshots of this dataset only.
	Snapshots(ctx context.Context) ([]Snapshot, error)

	// SnapshotsRecursive returns the snapshots of this dataset and of every
	// descendant.
	SnapshotsRecursive(ctx context.Context) ([]Snapshot, error)

	// Snapshot takes a snapshot named "<dataset>@<name>"; when recursive is
	// set the whole subtree is snapshotted atomically.
	Snapshot(ctx context.Context, name string, recursive bool) error

	// Mount mounts the dataset.
	Mount(ctx context.Context) error

	// Unmount unmounts the dataset.
	Unmount(ctx context.Context) error

	// Promote severs the dataset's dependency on its origin snapshot.
	Promote(ctx context.Context) error

	// Rename renames the dataset and its subtree.
	Rename(ctx context.Context, newName string) error

	// Delete destroys the dataset. The backend rejects deletion of datasets
	// with children or dependent clones.
	Delete(ctx context.Context) error
}

// Snapshot is an immutable point-in-time reference to a dataset's state.
type Snapshot interface {
	// Name returns the full "<dataset>@<snap>" name.
	Name() string

	// DatasetName returns the dataset part of the name.
	DatasetName() string

	// SnapshotName returns the part after the "@".
	SnapshotName() string

	// Clone creates a writable dataset from the snapshot. The clone stays
	// dependent on the snapshot until promoted.
	Clone(ctx context.Context, target string) error

	// Rollback reverts the dataset to this snapshot, discarding later
	// writes when force is set.
	Rollback(ctx context.Context, force bool) error

	// Delete destroys the snapshot.
	Delete(ctx context.Context) error
}

// Pool is a storage pool.
type Pool interface {
	Name() string
}

// DatasetOptions carries creation options for new datasets.
type DatasetOptions struct {
	// Mountpoint overrides the inherited mountpoint when non-empty.
	Mountpoint string

	// Properties are additional dataset properties.
	Properties map[string]string
}

// PoolName returns the pool part of a dataset name.
func PoolName(datasetName string) string {
	pool, _, _ := strings.Cut(datasetName, "/")
	return pool
}

// ParentName returns the parent dataset name, or the empty string for a
// pool root.
func ParentName(datasetName string) string {
	idx := strings.LastIndex(datasetName, "/")
	if idx < 0 {
		return ""
	}
	return datasetName[:idx]
}

// SplitSnapshotName splits a "<dataset>@<snap>" name into its parts.
func SplitSnapshotName(name string) (dataset, snapshot string) {
	dataset, snapshot, _ = strings.Cut(name, "@")
	return dataset, snapshot
}

// AppendTimestamp appends the current UTC time to a snapshot label so that
// repeated operations produce unique snapshot names. This is the only
// uniqueness mechanism; no collision check happens beforehand.
func AppendTimestamp(label string) string {
	return label + time.Now().UTC().Format("20060102150405.000000")
}
