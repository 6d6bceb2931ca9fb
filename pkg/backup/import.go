// Package backup restores jails from tar archives. An archive holds the
// jail's root filesystem plus its configuration file; Import replays it
// into a freshly created dataset and adopts the configuration under the
// new jail's identity.
package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/jailfleet/jailfleet/pkg/config"
	"github.com/jailfleet/jailfleet/pkg/engine"
	"github.com/jailfleet/jailfleet/pkg/errdefs"
	"github.com/jailfleet/jailfleet/pkg/jail"
	"github.com/jailfleet/jailfleet/pkg/telemetry"
	"github.com/jailfleet/jailfleet/pkg/zfs"
)

// Importer restores jails from backup archives.
type Importer struct {
	datasets *zfs.Manager
	fleet    *jail.Fleet
	log      *telemetry.Logger
}

// NewImporter creates an Importer over the fleet's dataset tree.
func NewImporter(datasets *zfs.Manager, fleet *jail.Fleet, log *telemetry.Logger) *Importer {
	return &Importer{
		datasets: datasets,
		fleet:    fleet,
		log:      log.NewComponentLogger("backup"),
	}
}

// Import restores the archive at source as a new jail. The jail must not
// exist yet. On any failure the partially imported dataset is destroyed
// again before the failure is reported.
func (i *Importer) Import(ctx context.Context, name, source string) engine.Stream {
	return func(yield func(*engine.Event) bool) {
		sink := engine.NewSink(yield)
		ev := engine.NewEvent("jail-import", name, nil)
		sink.Emit(ev.Begin())

		if err := i.importJail(ctx, sink, ev, name, source); err != nil {
			sink.EmitAll(ev.Rollback())
			sink.Emit(ev.Fail(err))
			return
		}
		sink.Emit(ev.End())
	}
}

func (i *Importer) importJail(ctx context.Context, sink *engine.Sink, ev *engine.Event, name, source string) error {
	if !config.ValidName(name) {
		return errdefs.InvalidSyntax(fmt.Sprintf("invalid jail name %q", name)).WithJail(name)
	}

	datasetName := i.fleet.DatasetName(name)
	if _, err := i.datasets.Backend().GetDataset(ctx, datasetName); err == nil {
		return errdefs.AlreadyExists(fmt.Sprintf("jail %s already exists", name)).WithJail(name)
	}

	ev.AddRollbackStep(func() engine.Stream {
		return i.removePartial(ctx, datasetName, ev.Scope())
	})

	create := engine.NewEvent("dataset-create", name, ev.Scope())
	sink.Emit(create.Begin())
	ds, err := i.datasets.GetOrCreate(ctx, datasetName, zfs.DatasetOptions{})
	if err != nil {
		sink.Emit(create.Fail(err))
		return err
	}
	sink.Emit(create.End())

	extract := engine.NewEvent("archive-extract", name, ev.Scope())
	sink.Emit(extract.Begin())
	if err := i.extract(source, ds.Mountpoint()); err != nil {
		sink.Emit(extract.Fail(err))
		return err
	}
	sink.Emit(extract.End())

	write := engine.NewEvent("config-write", name, ev.Scope())
	sink.Emit(write.Begin())
	if err := i.adoptConfig(ds.Mountpoint(), name); err != nil {
		sink.Emit(write.Fail(err))
		return err
	}
	sink.Emit(write.End())
	return nil
}

// adoptConfig rewrites the archived configuration under the imported
// jail's identity, or creates a fresh one when the archive carried none.
func (i *Importer) adoptConfig(mountpoint, name string) error {
	path := jail.ConfigPath(mountpoint)
	store, err := config.Load(path)
	switch {
	case errdefs.IsNotFound(err):
		store = config.New(path, name)
	case err != nil:
		return err
	default:
		if _, err := store.Set("name", name); err != nil {
			return err
		}
	}
	store.Config().ID = uuid.NewString()
	return store.Save()
}

func (i *Importer) removePartial(ctx context.Context, datasetName string, scope *engine.Scope) engine.Stream {
	return func(yield func(*engine.Event) bool) {
		sink := engine.NewSink(yield)
		ev := engine.NewEvent("dataset-destroy", datasetName, scope)
		sink.Emit(ev.Begin())

		ds, err := i.datasets.Backend().GetDataset(ctx, datasetName)
		if errdefs.IsNotFound(err) {
			sink.Emit(ev.Skip("dataset does not exist"))
			return
		}
		if err != nil {
			sink.Emit(ev.Fail(errdefs.RollbackFailure("destroy dataset", err)))
			return
		}

		err = i.datasets.DeleteRecursive(ctx, ds, zfs.DeleteRecursiveOptions{
			DeleteSnapshots:      true,
			DeleteOriginSnapshot: true,
		})
		if err != nil {
			sink.Emit(ev.Fail(errdefs.RollbackFailure("destroy dataset", err)))
			return
		}
		sink.Emit(ev.End())
	}
}

// extract unpacks the archive at source into root. Member paths are
// validated before anything is written; a single bad member aborts the
// whole extraction.
func (i *Importer) extract(source, root string) error {
	f, err := os.Open(source)
	if os.IsNotExist(err) {
		return errdefs.NotFound(fmt.Sprintf("no archive at %s", source))
	}
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer f.Close()

	reader, err := archiveReader(f)
	if err != nil {
		return err
	}

	tr := tar.NewReader(reader)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return errdefs.IllegalAssetContent(fmt.Sprintf("corrupt archive %s: %v", source, err))
		}
		if err := i.extractMember(root, hdr, tr); err != nil {
			return err
		}
	}
}

// archiveReader returns a reader for the archive payload, transparently
// decompressing gzip.
func archiveReader(f *os.File) (io.Reader, error) {
	var magic [2]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		return nil, errdefs.IllegalAssetContent(fmt.Sprintf("archive %s is truncated", f.Name()))
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	if magic[0] == 0x1f && magic[1] == 0x8b {
		return gzip.NewReader(f)
	}
	return f, nil
}

func (i *Importer) extractMember(root string, hdr *tar.Header, tr *tar.Reader) error {
	target, err := memberPath(root, hdr.Name)
	if err != nil {
		return err
	}

	switch hdr.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(target, os.FileMode(hdr.Mode).Perm())

	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(hdr.Mode).Perm())
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return fmt.Errorf("extracting %s: %w", hdr.Name, err)
		}
		return out.Close()

	case tar.TypeSymlink:
		if escapesRoot(filepath.Dir(hdr.Name), hdr.Linkname) {
			return errdefs.IllegalAssetContent(
				fmt.Sprintf("archive member %s links outside the jail root", hdr.Name))
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		return os.Symlink(hdr.Linkname, target)

	default:
		// Device nodes and other special members are not portable across
		// hosts; the jail recreates them through devfs at start.
		i.log.Debugf("skipping archive member %s of type %d", hdr.Name, hdr.Typeflag)
		return nil
	}
}

// memberPath resolves an archive member name below root, rejecting
// absolute names and names that escape the root.
func memberPath(root, name string) (string, error) {
	if filepath.IsAbs(name) {
		return "", errdefs.IllegalAssetContent(
			fmt.Sprintf("archive member %s has an absolute path", name))
	}
	if escapesRoot(".", name) {
		return "", errdefs.IllegalAssetContent(
			fmt.Sprintf("archive member %s escapes the jail root", name))
	}
	return filepath.Join(root, name), nil
}

// escapesRoot reports whether target, resolved relative to dir, leaves the
// archive root.
func escapesRoot(dir, target string) bool {
	if filepath.IsAbs(target) {
		return true
	}
	joined := filepath.Clean(filepath.Join(dir, target))
	return joined == ".." || strings.HasPrefix(joined, ".."+string(filepath.Separator))
}
