package zfs

import (
	"context"
	"fmt"
	"strings"

	"github.com/jailfleet/jailfleet/pkg/errdefs"
	"github.com/jailfleet/jailfleet/pkg/runner"
	"github.com/jailfleet/jailfleet/pkg/telemetry"
	"github.com/jailfleet/jailfleet/pkg/zfs/listparse"
)

// datasetColumns are the list columns an ExecBackend dataset is built from.
const datasetColumns = "name,mountpoint,mounted,origin"

// ExecBackend implements Backend against the zfs(8) and zpool(8) command
// line tools. Dataset values carry the property state observed at lookup
// time; mutating operations run commands immediately.
type ExecBackend struct {
	run runner.Runner
	log *telemetry.Logger
}

// NewExecBackend creates a Backend over the host's ZFS tools.
func NewExecBackend(run runner.Runner, log *telemetry.Logger) *ExecBackend {
	return &ExecBackend{
		run: run,
		log: log.NewComponentLogger("zfs-exec"),
	}
}

// GetDataset implements Backend.
func (b *ExecBackend) GetDataset(ctx context.Context, name string) (Dataset, error) {
	out, err := b.run.Output(ctx, "zfs", "list", "-H", "-o", datasetColumns, name)
	if err != nil {
		return nil, errdefs.NotFound(fmt.Sprintf("dataset %s does not exist", name)).WithDataset(name)
	}
	rows, err := listparse.Rows(out, 4)
	if err != nil || len(rows) != 1 {
		return nil, errdefs.DatasetFailed("list", name, fmt.Errorf("unexpected zfs list output: %v", err))
	}
	return b.datasetFromRow(rows[0]), nil
}

// GetSnapshot implements Backend.
func (b *ExecBackend) GetSnapshot(ctx context.Context, name string) (Snapshot, error) {
	_, err := b.run.Output(ctx, "zfs", "list", "-H", "-t", "snapshot", "-o", "name", name)
	if err != nil {
		return nil, errdefs.NotFound(fmt.Sprintf("snapshot %s does not exist", name)).WithDataset(name)
	}
	return &execSnapshot{backend: b, name: name}, nil
}

// GetPool implements Backend.
func (b *ExecBackend) GetPool(ctx context.Context, name string) (Pool, error) {
	pool := PoolName(name)
	if _, err := b.run.Output(ctx, "zpool", "list", "-H", "-o", "name", pool); err != nil {
		return nil, errdefs.NotFound(fmt.Sprintf("pool %s does not exist", pool))
	}
	return execPool(pool), nil
}

// CreateDataset implements Backend. Missing ancestors are created along
// with the dataset.
func (b *ExecBackend) CreateDataset(ctx context.Context, name string, opts DatasetOptions) (Dataset, error) {
	args := []string{"create", "-p"}
	if opts.Mountpoint != "" {
		args = append(args, "-o", "mountpoint="+opts.Mountpoint)
	}
	for key, value := range opts.Properties {
		args = append(args, "-o", key+"="+value)
	}
	args = append(args, name)
	b.log.WithDataset(name).Debug("creating dataset")
	if _, err := b.run.Output(ctx, "zfs", args...); err != nil {
		return nil, err
	}
	return b.GetDataset(ctx, name)
}

func (b *ExecBackend) datasetFromRow(row []string) *execDataset {
	return &execDataset{
		backend:    b,
		name:       row[0],
		mountpoint: listparse.Value(row[1]),
		mounted:    listparse.YesNo(row[2]),
		origin:     listparse.Value(row[3]),
	}
}

// listDatasets runs a dataset listing and drops the subject's own row.
func (b *ExecBackend) listDatasets(ctx context.Context, name string, extra ...string) ([]Dataset, error) {
	args := append([]string{"list", "-H", "-o", datasetColumns}, extra...)
	args = append(args, name)
	out, err := b.run.Output(ctx, "zfs", args...)
	if err != nil {
		return nil, err
	}
	rows, err := listparse.Rows(out, 4)
	if err != nil {
		return nil, err
	}
	var datasets []Dataset
	for _, row := range rows {
		if row[0] == name {
			continue
		}
		datasets = append(datasets, b.datasetFromRow(row))
	}
	return datasets, nil
}

func (b *ExecBackend) listSnapshots(ctx context.Context, name string, extra ...string) ([]Snapshot, error) {
	args := append([]string{"list", "-H", "-t", "snapshot", "-o", "name"}, extra...)
	args = append(args, name)
	out, err := b.run.Output(ctx, "zfs", args...)
	if err != nil {
		return nil, err
	}
	rows, err := listparse.Rows(out, 1)
	if err != nil {
		return nil, err
	}
	var snapshots []Snapshot
	for _, row := range rows {
		snapshots = append(snapshots, &execSnapshot{backend: b, name: row[0]})
	}
	return snapshots, nil
}

type execDataset struct {
	backend    *ExecBackend
	name       string
	mountpoint string
	mounted    bool
	origin     string
}

func (d *execDataset) Name() string       { return d.name }
func (d *execDataset) PoolName() string   { return PoolName(d.name) }
func (d *execDataset) Mountpoint() string { return d.mountpoint }
func (d *execDataset) Mounted() bool      { return d.mounted }
func (d *execDataset) Origin() string     { return d.origin }

func (d *execDataset) Children(ctx context.Context) ([]Dataset, error) {
	return d.backend.listDatasets(ctx, d.name, "-r", "-d", "1")
}

func (d *execDataset) ChildrenRecursive(ctx context.Context) ([]Dataset, error) {
	return d.backend.listDatasets(ctx, d.name, "-r")
}

func (d *execDataset) Snapshots(ctx context.Context) ([]Snapshot, error) {
	return d.backend.listSnapshots(ctx, d.name, "-d", "1")
}

func (d *execDataset) SnapshotsRecursive(ctx context.Context) ([]Snapshot, error) {
	return d.backend.listSnapshots(ctx, d.name, "-r")
}

func (d *execDataset) Snapshot(ctx context.Context, name string, recursive bool) error {
	args := []string{"snapshot"}
	if recursive {
		args = append(args, "-r")
	}
	args = append(args, d.name+"@"+name)
	_, err := d.backend.run.Output(ctx, "zfs", args...)
	return err
}

func (d *execDataset) Mount(ctx context.Context) error {
	_, err := d.backend.run.Output(ctx, "zfs", "mount", d.name)
	if err != nil && strings.Contains(err.Error(), "already mounted") {
		err = nil
	}
	if err == nil {
		d.mounted = true
	}
	return err
}

func (d *execDataset) Unmount(ctx context.Context) error {
	_, err := d.backend.run.Output(ctx, "zfs", "unmount", d.name)
	if err == nil {
		d.mounted = false
	}
	return err
}

func (d *execDataset) Promote(ctx context.Context) error {
	_, err := d.backend.run.Output(ctx, "zfs", "promote", d.name)
	if err == nil {
		d.origin = ""
	}
	return err
}

func (d *execDataset) Rename(ctx context.Context, newName string) error {
	_, err := d.backend.run.Output(ctx, "zfs", "rename", d.name, newName)
	if err == nil {
		d.name = newName
	}
	return err
}

func (d *execDataset) Delete(ctx context.Context) error {
	_, err := d.backend.run.Output(ctx, "zfs", "destroy", d.name)
	return err
}

type execSnapshot struct {
	backend *ExecBackend
	name    string
}

func (s *execSnapshot) Name() string { return s.name }

func (s *execSnapshot) DatasetName() string {
	ds, _ := SplitSnapshotName(s.name)
	return ds
}

func (s *execSnapshot) SnapshotName() string {
	_, snap := SplitSnapshotName(s.name)
	return snap
}

func (s *execSnapshot) Clone(ctx context.Context, target string) error {
	_, err := s.backend.run.Output(ctx, "zfs", "clone", s.name, target)
	return err
}

func (s *execSnapshot) Rollback(ctx context.Context, force bool) error {
	args := []string{"rollback"}
	if force {
		// Discard intermediate snapshots and dependent clones, unmounting
		// as needed.
		args = append(args, "-R", "-f")
	}
	args = append(args, s.name)
	_, err := s.backend.run.Output(ctx, "zfs", args...)
	return err
}

func (s *execSnapshot) Delete(ctx context.Context) error {
	_, err := s.backend.run.Output(ctx, "zfs", "destroy", s.name)
	return err
}

type execPool string

func (p execPool) Name() string { return string(p) }
