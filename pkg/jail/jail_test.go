package jail_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jailfleet/jailfleet/pkg/config"
	"github.com/jailfleet/jailfleet/pkg/errdefs"
	"github.com/jailfleet/jailfleet/pkg/jail"
	"github.com/jailfleet/jailfleet/pkg/telemetry"
	"github.com/jailfleet/jailfleet/pkg/zfs"
	"github.com/jailfleet/jailfleet/pkg/zfs/zfstest"
)

type fixture struct {
	backend *zfstest.MemoryBackend
	fleet   *jail.Fleet
	dir     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	backend := zfstest.NewMemoryBackend("tank")
	if _, err := backend.CreateDataset(context.Background(), "tank/jails",
		zfs.DatasetOptions{Mountpoint: dir}); err != nil {
		t.Fatal(err)
	}
	manager := zfs.NewManager(backend, telemetry.NewNopLogger(), nil)
	return &fixture{
		backend: backend,
		fleet:   jail.NewFleet(manager, "tank/jails", telemetry.NewNopLogger()),
		dir:     dir,
	}
}

// addJail creates the dataset and a saved configuration for a jail.
func (f *fixture) addJail(t *testing.T, name string, mutate func(*config.JailConfig)) {
	t.Helper()
	mountpoint := filepath.Join(f.dir, name)
	_, err := f.backend.CreateDataset(context.Background(), "tank/jails/"+name,
		zfs.DatasetOptions{Mountpoint: mountpoint})
	if err != nil {
		t.Fatal(err)
	}
	store := config.New(jail.ConfigPath(mountpoint), name)
	if mutate != nil {
		mutate(store.Config())
	}
	if err := store.Save(); err != nil {
		t.Fatal(err)
	}
}

func TestFleetEnumeratesJails(t *testing.T) {
	f := newFixture(t)
	f.addJail(t, "web01", nil)
	f.addJail(t, "db01", nil)

	jails, err := f.fleet.Jails(context.Background())
	if err != nil {
		t.Fatalf("Jails: %v", err)
	}
	if len(jails) != 2 {
		t.Fatalf("expected 2 jails, got %d", len(jails))
	}
	// Sorted by name.
	if jails[0].Name != "db01" || jails[1].Name != "web01" {
		t.Errorf("unexpected order: %s, %s", jails[0].Name, jails[1].Name)
	}
	if jails[1].Dataset != "tank/jails/web01" {
		t.Errorf("dataset = %s", jails[1].Dataset)
	}
}

func TestFleetSkipsUnreadableConfig(t *testing.T) {
	f := newFixture(t)
	f.addJail(t, "web01", nil)
	// Dataset without a configuration file.
	if _, err := f.backend.CreateDataset(context.Background(), "tank/jails/broken",
		zfs.DatasetOptions{Mountpoint: filepath.Join(f.dir, "broken")}); err != nil {
		t.Fatal(err)
	}

	jails, err := f.fleet.Jails(context.Background())
	if err != nil {
		t.Fatalf("Jails: %v", err)
	}
	if len(jails) != 1 || jails[0].Name != "web01" {
		t.Fatalf("expected only web01, got %v", jails)
	}
}

func TestFleetGet(t *testing.T) {
	f := newFixture(t)
	f.addJail(t, "web01", nil)

	j, err := f.fleet.Get(context.Background(), "web01")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if j.Config.Config().Name != "web01" {
		t.Errorf("config name = %s", j.Config.Config().Name)
	}

	if _, err := f.fleet.Get(context.Background(), "nosuch"); !errdefs.IsNotFound(err) {
		t.Errorf("expected not-found, got %v", err)
	}
}

func TestFilter(t *testing.T) {
	f := newFixture(t)
	f.addJail(t, "base", func(c *config.JailConfig) { c.Template = true })
	f.addJail(t, "web01", func(c *config.JailConfig) { c.Boot = true })
	f.addJail(t, "db01", nil)

	jails, err := f.fleet.Jails(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		exprs   []string
		want    []string
		wantErr bool
	}{
		{name: "no filter", exprs: nil, want: []string{"base", "db01", "web01"}},
		{name: "by name", exprs: []string{"web01"}, want: []string{"web01"}},
		{name: "templates only", exprs: []string{"template=on"}, want: []string{"base"}},
		{name: "non-templates", exprs: []string{"template=off"}, want: []string{"db01", "web01"}},
		{name: "boot and non-template", exprs: []string{"boot=on", "template=off"}, want: []string{"web01"}},
		{name: "unknown key", exprs: []string{"color=blue"}, wantErr: true},
		{name: "bad bool", exprs: []string{"boot=maybe"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := jail.Filter(jails, tt.exprs)
			if tt.wantErr {
				if !errdefs.IsInvalidSyntax(err) {
					t.Fatalf("expected invalid-syntax, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			var names []string
			for _, j := range got {
				names = append(names, j.Name)
			}
			if len(names) != len(tt.want) {
				t.Fatalf("got %v, want %v", names, tt.want)
			}
			for i := range names {
				if names[i] != tt.want[i] {
					t.Fatalf("got %v, want %v", names, tt.want)
				}
			}
		})
	}
}

func TestSortByBootPriority(t *testing.T) {
	f := newFixture(t)
	f.addJail(t, "web01", func(c *config.JailConfig) { c.Priority = 20 })
	f.addJail(t, "db01", func(c *config.JailConfig) { c.Priority = 10 })
	f.addJail(t, "cache01", func(c *config.JailConfig) { c.Priority = 10 })

	jails, err := f.fleet.Jails(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	jail.SortByBootPriority(jails)

	want := []string{"cache01", "db01", "web01"}
	for i, name := range want {
		if jails[i].Name != name {
			t.Errorf("position %d = %s, want %s", i, jails[i].Name, name)
		}
	}
}
