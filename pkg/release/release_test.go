package release_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jailfleet/jailfleet/pkg/config"
	"github.com/jailfleet/jailfleet/pkg/engine"
	"github.com/jailfleet/jailfleet/pkg/errdefs"
	"github.com/jailfleet/jailfleet/pkg/jail"
	"github.com/jailfleet/jailfleet/pkg/release"
	"github.com/jailfleet/jailfleet/pkg/telemetry"
	"github.com/jailfleet/jailfleet/pkg/zfs"
	"github.com/jailfleet/jailfleet/pkg/zfs/zfstest"
)

type fakeUpdater struct {
	prefetch bool
	fetchErr error
	applyErr error
	applied  []string
}

func (u *fakeUpdater) Name() string { return "fake-update" }

func (u *fakeUpdater) FetchUpdates(_ context.Context, root, releaseName string) (bool, error) {
	return u.prefetch, u.fetchErr
}

func (u *fakeUpdater) ApplyUpdate(_ context.Context, root, releaseName string) error {
	u.applied = append(u.applied, root+" "+releaseName)
	return u.applyErr
}

type fakeRunner struct {
	outputs map[string]string
	calls   []string
}

func (r *fakeRunner) Output(_ context.Context, name string, args ...string) ([]byte, error) {
	cmdline := name + " " + strings.Join(args, " ")
	r.calls = append(r.calls, cmdline)
	out, ok := r.outputs[cmdline]
	if !ok {
		return nil, errors.New("command failed: " + cmdline)
	}
	return []byte(out), nil
}

func newFixture(t *testing.T, updater release.Updater, releaseName string) (*release.Service, *zfstest.MemoryBackend, *jail.Jail) {
	t.Helper()

	backend := zfstest.NewMemoryBackend("tank")
	_, err := backend.CreateDataset(context.Background(), "tank/jails", zfs.DatasetOptions{
		Mountpoint: t.TempDir(),
	})
	if err != nil {
		t.Fatal(err)
	}
	ds, err := backend.CreateDataset(context.Background(), "tank/jails/web", zfs.DatasetOptions{})
	if err != nil {
		t.Fatal(err)
	}

	store := config.New(jail.ConfigPath(ds.Mountpoint()), "web")
	store.Config().Release = releaseName
	if err := store.Save(); err != nil {
		t.Fatal(err)
	}

	j := &jail.Jail{
		Name:       "web",
		Dataset:    ds.Name(),
		Mountpoint: ds.Mountpoint(),
		Config:     store,
	}

	manager := zfs.NewManager(backend, telemetry.NewNopLogger(), nil)
	return release.NewService(manager, updater, telemetry.NewNopLogger()), backend, j
}

func terminal(t *testing.T, events []*engine.Event, name string) *engine.Event {
	t.Helper()
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Name == name && events[i].State().Terminal() {
			return events[i]
		}
	}
	t.Fatalf("no terminal %s event", name)
	return nil
}

func TestUpdateTakesCheckpointSnapshot(t *testing.T) {
	updater := &fakeUpdater{prefetch: true}
	svc, backend, j := newFixture(t, updater, "13.2-RELEASE")

	events := engine.Collect(svc.Update(context.Background(), j))

	if engine.Failed(events) {
		t.Fatalf("update failed: %v", terminal(t, events, "release-update").Err)
	}
	if got := terminal(t, events, "release-fetch").State(); got != engine.EventDone {
		t.Errorf("fetch state = %s", got)
	}
	if len(updater.applied) != 1 || updater.applied[0] != j.Mountpoint+" 13.2-RELEASE" {
		t.Errorf("applied = %v", updater.applied)
	}

	var checkpoints int
	for _, name := range backend.SnapshotNames() {
		if strings.HasPrefix(name, "tank/jails/web@pre-update-") {
			checkpoints++
		}
	}
	if checkpoints != 1 {
		t.Errorf("checkpoint snapshots = %d, want 1", checkpoints)
	}
}

func TestUpdateRollsBackOnApplyFailure(t *testing.T) {
	applyErr := errors.New("install failed")
	updater := &fakeUpdater{prefetch: true, applyErr: applyErr}
	svc, backend, j := newFixture(t, updater, "13.2-RELEASE")

	events := engine.Collect(svc.Update(context.Background(), j))

	root := terminal(t, events, "release-update")
	if root.State() != engine.EventFailed {
		t.Fatalf("state = %s, want failed", root.State())
	}
	if !errors.Is(root.Err, applyErr) {
		t.Errorf("err = %v, want %v", root.Err, applyErr)
	}

	var rolledBack bool
	for _, entry := range backend.Journal {
		if strings.HasPrefix(entry, "rollback tank/jails/web@pre-update-") {
			rolledBack = true
		}
	}
	if !rolledBack {
		t.Error("expected a forced rollback to the checkpoint")
	}
}

func TestUpdateSkipsFetchForDirectUpdaters(t *testing.T) {
	updater := &fakeUpdater{prefetch: false}
	svc, _, j := newFixture(t, updater, "13-STABLE")

	events := engine.Collect(svc.Update(context.Background(), j))

	if engine.Failed(events) {
		t.Fatal("update should succeed")
	}
	fetch := terminal(t, events, "release-fetch")
	if fetch.State() != engine.EventSkipped {
		t.Errorf("fetch state = %s, want skipped", fetch.State())
	}
	if !strings.Contains(fetch.Message, "fake-update") {
		t.Errorf("skip message = %q", fetch.Message)
	}
}

func TestUpdateRequiresRelease(t *testing.T) {
	updater := &fakeUpdater{prefetch: true}
	svc, _, j := newFixture(t, updater, "")

	events := engine.Collect(svc.Update(context.Background(), j))

	root := terminal(t, events, "release-update")
	if root.State() != engine.EventFailed {
		t.Fatalf("state = %s, want failed", root.State())
	}
	if !errdefs.IsInvalidSyntax(root.Err) {
		t.Errorf("err = %v, want InvalidSyntax", root.Err)
	}
	if len(updater.applied) != 0 {
		t.Errorf("nothing should have been applied, got %v", updater.applied)
	}
}

func TestFreeBSDUpdaterCommands(t *testing.T) {
	run := &fakeRunner{outputs: map[string]string{
		"freebsd-update -b /jails/web --currently-running 13.2-RELEASE --not-running-from-cron fetch":   "",
		"freebsd-update -b /jails/web --currently-running 13.2-RELEASE --not-running-from-cron install": "",
	}}
	updater := release.FreeBSD.Updater(run, telemetry.NewNopLogger())

	fetched, err := updater.FetchUpdates(context.Background(), "/jails/web", "13.2-RELEASE")
	if err != nil {
		t.Fatalf("FetchUpdates: %v", err)
	}
	if !fetched {
		t.Error("freebsd-update should pre-fetch")
	}
	if err := updater.ApplyUpdate(context.Background(), "/jails/web", "13.2-RELEASE"); err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}
	if len(run.calls) != 2 {
		t.Errorf("calls = %v", run.calls)
	}
}

func TestHardenedBSDUpdaterSkipsFetch(t *testing.T) {
	run := &fakeRunner{outputs: map[string]string{
		"hbsd-update -t /jails/web": "",
	}}
	updater := release.HardenedBSD.Updater(run, telemetry.NewNopLogger())

	fetched, err := updater.FetchUpdates(context.Background(), "/jails/web", "13-STABLE")
	if err != nil {
		t.Fatalf("FetchUpdates: %v", err)
	}
	if fetched {
		t.Error("hbsd-update has nothing to pre-fetch")
	}
	if len(run.calls) != 0 {
		t.Errorf("fetch should run no commands, got %v", run.calls)
	}

	if err := updater.ApplyUpdate(context.Background(), "/jails/web", "13-STABLE"); err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}
}

func TestParseDistribution(t *testing.T) {
	tests := []struct {
		name    string
		want    release.Distribution
		wantErr bool
	}{
		{name: "FreeBSD", want: release.FreeBSD},
		{name: "HardenedBSD", want: release.HardenedBSD},
		{name: "OpenBSD", wantErr: true},
		{name: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := release.ParseDistribution(tt.name)
		if tt.wantErr {
			if !errdefs.IsInvalidSyntax(err) {
				t.Errorf("%q: err = %v, want InvalidSyntax", tt.name, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: %v", tt.name, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%q: got %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestDetect(t *testing.T) {
	run := &fakeRunner{outputs: map[string]string{
		"uname -s": "HardenedBSD\n",
	}}

	got, err := release.Detect(context.Background(), run)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if got != release.HardenedBSD {
		t.Errorf("got %s", got)
	}
}
