// Package zfstest provides an in-memory volume backend for tests. It models
// the dataset hierarchy, snapshots, clone origins and promotion semantics
// closely enough to exercise the orchestrator and the workflow engine
// without a real pool, and journals every mutating operation so tests can
// assert ordering.
package zfstest

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/jailfleet/jailfleet/pkg/errdefs"
	"github.com/jailfleet/jailfleet/pkg/zfs"
)

// MemoryBackend is an in-memory zfs.Backend.
type MemoryBackend struct {
	mu        sync.Mutex
	datasets  map[string]*memoryDataset
	snapshots map[string]*memorySnapshot
	pools     map[string]bool

	// Journal records every mutating operation as "op name" lines, in
	// execution order.
	Journal []string

	failures map[failKey]error
}

type failKey struct {
	op   string
	name string
}

// NewMemoryBackend creates a backend with the given pools. Each pool gets a
// mounted root dataset of the same name.
func NewMemoryBackend(pools ...string) *MemoryBackend {
	b := &MemoryBackend{
		datasets:  make(map[string]*memoryDataset),
		snapshots: make(map[string]*memorySnapshot),
		pools:     make(map[string]bool),
		failures:  make(map[failKey]error),
	}
	for _, pool := range pools {
		b.pools[pool] = true
		b.datasets[pool] = &memoryDataset{
			backend:    b,
			name:       pool,
			mountpoint: "/" + pool,
			mounted:    true,
		}
	}
	return b
}

// FailWith makes the named operation fail with err. name may be empty to
// fail every operation of that kind.
func (b *MemoryBackend) FailWith(op, name string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[failKey{op: op, name: name}] = err
}

// MustAddDataset creates a dataset (ancestors included) for test setup and
// returns it. It does not journal.
func (b *MemoryBackend) MustAddDataset(name string) zfs.Dataset {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.addDatasetLocked(name, "")
}

// MustAddSnapshot creates a snapshot "dataset@snap" for test setup.
func (b *MemoryBackend) MustAddSnapshot(name string) zfs.Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	dsName, _ := zfs.SplitSnapshotName(name)
	if _, ok := b.datasets[dsName]; !ok {
		b.addDatasetLocked(dsName, "")
	}
	snap := &memorySnapshot{backend: b, name: name}
	b.snapshots[name] = snap
	return snap
}

// SetOrigin marks a dataset as a clone of the given snapshot for test setup.
func (b *MemoryBackend) SetOrigin(dataset, originSnapshot string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ds, ok := b.datasets[dataset]; ok {
		ds.origin = originSnapshot
	}
}

// HasDataset reports whether the named dataset exists.
func (b *MemoryBackend) HasDataset(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.datasets[name]
	return ok
}

// HasSnapshot reports whether the named snapshot exists.
func (b *MemoryBackend) HasSnapshot(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.snapshots[name]
	return ok
}

// DatasetNames returns all dataset names, sorted.
func (b *MemoryBackend) DatasetNames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.datasets))
	for name := range b.datasets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SnapshotNames returns all snapshot names, sorted.
func (b *MemoryBackend) SnapshotNames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.snapshots))
	for name := range b.snapshots {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetDataset implements zfs.Backend.
func (b *MemoryBackend) GetDataset(_ context.Context, name string) (zfs.Dataset, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ds, ok := b.datasets[name]
	if !ok {
		return nil, errdefs.NotFound(fmt.Sprintf("dataset %s does not exist", name)).WithDataset(name)
	}
	return ds, nil
}

// GetSnapshot implements zfs.Backend.
func (b *MemoryBackend) GetSnapshot(_ context.Context, name string) (zfs.Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap, ok := b.snapshots[name]
	if !ok {
		return nil, errdefs.NotFound(fmt.Sprintf("snapshot %s does not exist", name)).WithDataset(name)
	}
	return snap, nil
}

// GetPool implements zfs.Backend.
func (b *MemoryBackend) GetPool(_ context.Context, name string) (zfs.Pool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pool := zfs.PoolName(name)
	if !b.pools[pool] {
		return nil, errdefs.NotFound(fmt.Sprintf("pool %s does not exist", pool))
	}
	return memoryPool(pool), nil
}

// CreateDataset implements zfs.Backend.
func (b *MemoryBackend) CreateDataset(_ context.Context, name string, opts zfs.DatasetOptions) (zfs.Dataset, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.failureLocked("create", name); err != nil {
		return nil, err
	}
	if !b.pools[zfs.PoolName(name)] {
		return nil, errdefs.NotFound(fmt.Sprintf("pool %s does not exist", zfs.PoolName(name)))
	}
	if _, ok := b.datasets[name]; ok {
		return nil, errdefs.AlreadyExists(fmt.Sprintf("dataset %s already exists", name)).WithDataset(name)
	}
	b.journalLocked("create", name)
	return b.addDatasetLocked(name, opts.Mountpoint), nil
}

func (b *MemoryBackend) addDatasetLocked(name, mountpoint string) *memoryDataset {
	if parent := zfs.ParentName(name); parent != "" {
		if _, ok := b.datasets[parent]; !ok {
			b.addDatasetLocked(parent, "")
		}
	}
	if mountpoint == "" {
		mountpoint = b.inheritedMountpointLocked(name)
	}
	ds := &memoryDataset{
		backend:    b,
		name:       name,
		mountpoint: mountpoint,
		mounted:    true,
	}
	b.datasets[name] = ds
	return ds
}

// inheritedMountpointLocked mirrors mountpoint inheritance: a dataset
// without an explicit mountpoint mounts under its parent's mountpoint.
func (b *MemoryBackend) inheritedMountpointLocked(name string) string {
	if parent := zfs.ParentName(name); parent != "" {
		if p, ok := b.datasets[parent]; ok && p.mountpoint != "" {
			return p.mountpoint + "/" + path.Base(name)
		}
	}
	return "/" + name
}

func (b *MemoryBackend) journalLocked(op, name string) {
	b.Journal = append(b.Journal, op+" "+name)
}

func (b *MemoryBackend) failureLocked(op, name string) error {
	if err, ok := b.failures[failKey{op: op, name: name}]; ok {
		delete(b.failures, failKey{op: op, name: name})
		return err
	}
	if err, ok := b.failures[failKey{op: op}]; ok {
		return err
	}
	return nil
}

type memoryDataset struct {
	backend    *MemoryBackend
	name       string
	mountpoint string
	mounted    bool
	origin     string
}

func (d *memoryDataset) Name() string       { return d.name }
func (d *memoryDataset) PoolName() string   { return zfs.PoolName(d.name) }
func (d *memoryDataset) Mountpoint() string { return d.mountpoint }
func (d *memoryDataset) Mounted() bool      { return d.mounted }
func (d *memoryDataset) Origin() string     { return d.origin }

func (d *memoryDataset) Children(_ context.Context) ([]zfs.Dataset, error) {
	d.backend.mu.Lock()
	defer d.backend.mu.Unlock()
	var children []zfs.Dataset
	prefix := d.name + "/"
	for name, ds := range d.backend.datasets {
		if strings.HasPrefix(name, prefix) && !strings.Contains(name[len(prefix):], "/") {
			children = append(children, ds)
		}
	}
	sort.Slice(children, func(i, j int) bool { return children[i].Name() < children[j].Name() })
	return children, nil
}

func (d *memoryDataset) ChildrenRecursive(_ context.Context) ([]zfs.Dataset, error) {
	d.backend.mu.Lock()
	defer d.backend.mu.Unlock()
	var descendants []zfs.Dataset
	prefix := d.name + "/"
	for name, ds := range d.backend.datasets {
		if strings.HasPrefix(name, prefix) {
			descendants = append(descendants, ds)
		}
	}
	sort.Slice(descendants, func(i, j int) bool { return descendants[i].Name() < descendants[j].Name() })
	return descendants, nil
}

func (d *memoryDataset) Snapshots(_ context.Context) ([]zfs.Snapshot, error) {
	d.backend.mu.Lock()
	defer d.backend.mu.Unlock()
	return d.snapshotsLocked(d.name + "@"), nil
}

func (d *memoryDataset) SnapshotsRecursive(_ context.Context) ([]zfs.Snapshot, error) {
	d.backend.mu.Lock()
	defer d.backend.mu.Unlock()
	snapshots := d.snapshotsLocked(d.name + "@")
	snapshots = append(snapshots, d.snapshotsLocked(d.name+"/")...)
	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].Name() < snapshots[j].Name() })
	return snapshots, nil
}

func (d *memoryDataset) snapshotsLocked(prefix string) []zfs.Snapshot {
	var snapshots []zfs.Snapshot
	for name, snap := range d.backend.snapshots {
		if strings.HasPrefix(name, prefix) {
			snapshots = append(snapshots, snap)
		}
	}
	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].Name() < snapshots[j].Name() })
	return snapshots
}

func (d *memoryDataset) Snapshot(_ context.Context, name string, recursive bool) error {
	d.backend.mu.Lock()
	defer d.backend.mu.Unlock()
	full := d.name + "@" + name
	if err := d.backend.failureLocked("snapshot", full); err != nil {
		return err
	}
	targets := []string{d.name}
	if recursive {
		prefix := d.name + "/"
		for dsName := range d.backend.datasets {
			if strings.HasPrefix(dsName, prefix) {
				targets = append(targets, dsName)
			}
		}
	}
	for _, dsName := range targets {
		snapName := dsName + "@" + name
		if _, ok := d.backend.snapshots[snapName]; ok {
			return errdefs.AlreadyExists(fmt.Sprintf("snapshot %s already exists", snapName)).WithDataset(snapName)
		}
	}
	for _, dsName := range targets {
		snapName := dsName + "@" + name
		d.backend.snapshots[snapName] = &memorySnapshot{backend: d.backend, name: snapName}
	}
	d.backend.journalLocked("snapshot", full)
	return nil
}

func (d *memoryDataset) Mount(_ context.Context) error {
	d.backend.mu.Lock()
	defer d.backend.mu.Unlock()
	if err := d.backend.failureLocked("mount", d.name); err != nil {
		return err
	}
	d.mounted = true
	d.backend.journalLocked("mount", d.name)
	return nil
}

func (d *memoryDataset) Unmount(_ context.Context) error {
	d.backend.mu.Lock()
	defer d.backend.mu.Unlock()
	if err := d.backend.failureLocked("unmount", d.name); err != nil {
		return err
	}
	d.mounted = false
	d.backend.journalLocked("unmount", d.name)
	return nil
}

// Promote severs the clone dependency: the origin snapshot moves to the
// promoted dataset and the former origin dataset becomes a clone of it.
func (d *memoryDataset) Promote(_ context.Context) error {
	d.backend.mu.Lock()
	defer d.backend.mu.Unlock()
	if err := d.backend.failureLocked("promote", d.name); err != nil {
		return err
	}
	d.backend.journalLocked("promote", d.name)
	if d.origin == "" {
		return nil
	}
	originDataset, snapName := zfs.SplitSnapshotName(d.origin)
	movedName := d.name + "@" + snapName
	if snap, ok := d.backend.snapshots[d.origin]; ok {
		delete(d.backend.snapshots, d.origin)
		snap.name = movedName
		d.backend.snapshots[movedName] = snap
	}
	if former, ok := d.backend.datasets[originDataset]; ok {
		former.origin = movedName
	}
	d.origin = ""
	return nil
}

func (d *memoryDataset) Rename(_ context.Context, newName string) error {
	d.backend.mu.Lock()
	defer d.backend.mu.Unlock()
	if err := d.backend.failureLocked("rename", d.name); err != nil {
		return err
	}
	if _, ok := d.backend.datasets[newName]; ok {
		return errdefs.AlreadyExists(fmt.Sprintf("dataset %s already exists", newName)).WithDataset(newName)
	}
	d.backend.journalLocked("rename", d.name+" -> "+newName)

	oldName := d.name
	rename := func(name string) string {
		if name == oldName {
			return newName
		}
		if strings.HasPrefix(name, oldName+"/") {
			return newName + name[len(oldName):]
		}
		return name
	}
	// Mountpoints move with the rename the way an inherited mountpoint
	// does: the subtree root keeps its parent directory, children follow.
	oldMount := d.mountpoint
	newMount := path.Join(path.Dir(oldMount), path.Base(newName))

	for name, ds := range d.backend.datasets {
		if moved := rename(name); moved != name {
			delete(d.backend.datasets, name)
			ds.name = moved
			if ds.mountpoint == oldMount {
				ds.mountpoint = newMount
			} else if strings.HasPrefix(ds.mountpoint, oldMount+"/") {
				ds.mountpoint = newMount + ds.mountpoint[len(oldMount):]
			}
			d.backend.datasets[moved] = ds
		}
	}
	for name, snap := range d.backend.snapshots {
		dsName, snapName := zfs.SplitSnapshotName(name)
		if moved := rename(dsName); moved != dsName {
			delete(d.backend.snapshots, name)
			snap.name = moved + "@" + snapName
			d.backend.snapshots[snap.name] = snap
		}
	}
	for _, ds := range d.backend.datasets {
		if ds.origin == "" {
			continue
		}
		dsName, snapName := zfs.SplitSnapshotName(ds.origin)
		if moved := rename(dsName); moved != dsName {
			ds.origin = moved + "@" + snapName
		}
	}
	return nil
}

func (d *memoryDataset) Delete(_ context.Context) error {
	d.backend.mu.Lock()
	defer d.backend.mu.Unlock()
	if err := d.backend.failureLocked("delete", d.name); err != nil {
		return err
	}
	prefix := d.name + "/"
	for name := range d.backend.datasets {
		if strings.HasPrefix(name, prefix) {
			return errdefs.DatasetFailed("delete", d.name,
				fmt.Errorf("dataset has children"))
		}
	}
	snapPrefix := d.name + "@"
	for name := range d.backend.snapshots {
		if strings.HasPrefix(name, snapPrefix) {
			if clone := d.backend.cloneOfLocked(name); clone != "" {
				return errdefs.DatasetFailed("delete", d.name,
					fmt.Errorf("snapshot %s has dependent clone %s", name, clone))
			}
			delete(d.backend.snapshots, name)
		}
	}
	delete(d.backend.datasets, d.name)
	d.backend.journalLocked("delete", d.name)
	return nil
}

func (b *MemoryBackend) cloneOfLocked(snapshotName string) string {
	for _, ds := range b.datasets {
		if ds.origin == snapshotName {
			return ds.name
		}
	}
	return ""
}

type memorySnapshot struct {
	backend *MemoryBackend
	name    string
}

func (s *memorySnapshot) Name() string { return s.name }

func (s *memorySnapshot) DatasetName() string {
	ds, _ := zfs.SplitSnapshotName(s.name)
	return ds
}

func (s *memorySnapshot) SnapshotName() string {
	_, snap := zfs.SplitSnapshotName(s.name)
	return snap
}

func (s *memorySnapshot) Clone(_ context.Context, target string) error {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	if err := s.backend.failureLocked("clone", target); err != nil {
		return err
	}
	if _, ok := s.backend.datasets[target]; ok {
		return errdefs.AlreadyExists(fmt.Sprintf("dataset %s already exists", target)).WithDataset(target)
	}
	if parent := zfs.ParentName(target); parent != "" {
		if _, ok := s.backend.datasets[parent]; !ok {
			return errdefs.NotFound(fmt.Sprintf("parent dataset %s does not exist", parent)).WithDataset(parent)
		}
	}
	ds := &memoryDataset{
		backend:    s.backend,
		name:       target,
		mountpoint: s.backend.inheritedMountpointLocked(target),
		mounted:    false,
		origin:     s.name,
	}
	s.backend.datasets[target] = ds
	s.backend.journalLocked("clone", s.name+" -> "+target)
	return nil
}

func (s *memorySnapshot) Rollback(_ context.Context, force bool) error {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	if err := s.backend.failureLocked("rollback", s.name); err != nil {
		return err
	}
	s.backend.journalLocked("rollback", fmt.Sprintf("%s force=%v", s.name, force))
	return nil
}

func (s *memorySnapshot) Delete(_ context.Context) error {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	if err := s.backend.failureLocked("delete-snapshot", s.name); err != nil {
		return err
	}
	if clone := s.backend.cloneOfLocked(s.name); clone != "" {
		return errdefs.DatasetFailed("delete", s.name,
			fmt.Errorf("snapshot has dependent clone %s", clone))
	}
	delete(s.backend.snapshots, s.name)
	s.backend.journalLocked("delete-snapshot", s.name)
	return nil
}

type memoryPool string

func (p memoryPool) Name() string { return string(p) }
