// Package jail models individual jails and fleet enumeration over the root
// dataset. A jail is one direct child dataset of the fleet root carrying a
// configuration file at its mountpoint.
package jail

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jailfleet/jailfleet/pkg/config"
	"github.com/jailfleet/jailfleet/pkg/errdefs"
	"github.com/jailfleet/jailfleet/pkg/telemetry"
	"github.com/jailfleet/jailfleet/pkg/zfs"
)

// Jail is one managed jail.
type Jail struct {
	// Name is the jail name, equal to the dataset suffix under the fleet
	// root.
	Name string

	// Dataset is the jail's root dataset name.
	Dataset string

	// Mountpoint is the root dataset's mountpoint.
	Mountpoint string

	// Config is the jail's configuration store.
	Config *config.Store
}

// ConfigPath returns the configuration file path for a jail mounted at
// mountpoint.
func ConfigPath(mountpoint string) string {
	return filepath.Join(mountpoint, config.FileName)
}

// Template reports whether the jail is a template.
func (j *Jail) Template() bool {
	return j.Config.Config().Template
}

// Boot reports whether the jail starts at host boot.
func (j *Jail) Boot() bool {
	return j.Config.Config().Boot
}

// Priority returns the boot ordering priority. Lower starts first.
func (j *Jail) Priority() int {
	return j.Config.Config().Priority
}

// Fleet enumerates jails under a root dataset.
type Fleet struct {
	manager *zfs.Manager
	root    string
	log     *telemetry.Logger
}

// NewFleet creates a fleet over the direct children of the root dataset,
// e.g. "tank/jails".
func NewFleet(manager *zfs.Manager, root string, log *telemetry.Logger) *Fleet {
	return &Fleet{
		manager: manager,
		root:    root,
		log:     log.NewComponentLogger("fleet"),
	}
}

// Root returns the fleet root dataset name.
func (f *Fleet) Root() string {
	return f.root
}

// DatasetName returns the root dataset name a jail of the given name
// occupies.
func (f *Fleet) DatasetName(jailName string) string {
	return f.root + "/" + jailName
}

// Get loads a single jail by name.
func (f *Fleet) Get(ctx context.Context, name string) (*Jail, error) {
	ds, err := f.manager.Backend().GetDataset(ctx, f.DatasetName(name))
	if err != nil {
		return nil, errdefs.NotFound(fmt.Sprintf("jail %s does not exist", name)).WithJail(name)
	}
	return f.load(name, ds)
}

// Jails enumerates every jail under the fleet root, sorted by name. A child
// dataset without a readable configuration is logged and skipped rather
// than failing the whole enumeration.
func (f *Fleet) Jails(ctx context.Context) ([]*Jail, error) {
	root, err := f.manager.Backend().GetDataset(ctx, f.root)
	if err != nil {
		return nil, errdefs.NotFound(fmt.Sprintf("fleet root dataset %s does not exist", f.root))
	}
	children, err := root.Children(ctx)
	if err != nil {
		return nil, errdefs.DatasetFailed("list children", f.root, err)
	}

	var jails []*Jail
	for _, child := range children {
		name := strings.TrimPrefix(child.Name(), f.root+"/")
		j, err := f.load(name, child)
		if err != nil {
			f.log.WithError(err).WithJail(name).Warn("skipping jail with unreadable configuration")
			continue
		}
		jails = append(jails, j)
	}
	sort.Slice(jails, func(i, j int) bool { return jails[i].Name < jails[j].Name })
	return jails, nil
}

func (f *Fleet) load(name string, ds zfs.Dataset) (*Jail, error) {
	store, err := config.Load(ConfigPath(ds.Mountpoint()))
	if err != nil {
		return nil, err
	}
	return &Jail{
		Name:       name,
		Dataset:    ds.Name(),
		Mountpoint: ds.Mountpoint(),
		Config:     store,
	}, nil
}

// Filter narrows a jail list by "key=value" expressions. Supported keys:
// name (exact match), template and boot (on/off). Unknown keys are an
// InvalidSyntax error.
func Filter(jails []*Jail, expressions []string) ([]*Jail, error) {
	matchers := make([]func(*Jail) bool, 0, len(expressions))
	for _, expr := range expressions {
		key, value, ok := strings.Cut(expr, "=")
		if !ok {
			// A bare word filters by name.
			key, value = "name", expr
		}
		switch key {
		case "name":
			want := value
			matchers = append(matchers, func(j *Jail) bool { return j.Name == want })
		case "template":
			want, err := onOff(key, value)
			if err != nil {
				return nil, err
			}
			matchers = append(matchers, func(j *Jail) bool { return j.Template() == want })
		case "boot":
			want, err := onOff(key, value)
			if err != nil {
				return nil, err
			}
			matchers = append(matchers, func(j *Jail) bool { return j.Boot() == want })
		default:
			return nil, errdefs.InvalidSyntax(fmt.Sprintf("unknown filter key %q", key))
		}
	}

	var out []*Jail
	for _, j := range jails {
		keep := true
		for _, match := range matchers {
			if !match(j) {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, j)
		}
	}
	return out, nil
}

func onOff(key, value string) (bool, error) {
	switch value {
	case "on", "yes", "true":
		return true, nil
	case "off", "no", "false":
		return false, nil
	}
	return false, errdefs.InvalidSyntax(fmt.Sprintf("filter %s wants on or off, got %q", key, value))
}

// SortByBootPriority orders jails for boot: lower priority value first,
// name as tie-breaker.
func SortByBootPriority(jails []*Jail) {
	sort.SliceStable(jails, func(i, j int) bool {
		if jails[i].Priority() != jails[j].Priority() {
			return jails[i].Priority() < jails[j].Priority()
		}
		return jails[i].Name < jails[j].Name
	})
}
