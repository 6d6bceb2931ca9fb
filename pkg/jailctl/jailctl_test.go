package jailctl_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jailfleet/jailfleet/pkg/config"
	"github.com/jailfleet/jailfleet/pkg/engine"
	"github.com/jailfleet/jailfleet/pkg/errdefs"
	"github.com/jailfleet/jailfleet/pkg/jail"
	"github.com/jailfleet/jailfleet/pkg/jailctl"
	"github.com/jailfleet/jailfleet/pkg/telemetry"
	"github.com/jailfleet/jailfleet/pkg/zfs"
	"github.com/jailfleet/jailfleet/pkg/zfs/zfstest"
)

type execResult struct {
	code   int
	stdout string
	stderr string
	err    error
}

type fakeRunner struct {
	outputs map[string]string
	execs   map[string]execResult
	calls   []string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		outputs: make(map[string]string),
		execs:   make(map[string]execResult),
	}
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

func (r *fakeRunner) Exec(_ context.Context, name string, args ...string) (int, string, string, error) {
	cmdline := name + " " + strings.Join(args, " ")
	r.calls = append(r.calls, cmdline)
	res, ok := r.execs[cmdline]
	if !ok {
		return -1, "", "", errors.New("command failed: " + cmdline)
	}
	return res.code, res.stdout, res.stderr, res.err
}

func (r *fakeRunner) called(cmdline string) bool {
	for _, call := range r.calls {
		if call == cmdline {
			return true
		}
	}
	return false
}

func newService(t *testing.T) (*jailctl.Service, *fakeRunner, string) {
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
	store.Config().Properties["allow.raw_sockets"] = "1"
	store.Config().Properties["ip4.addr"] = "10.0.0.2"
	if err := store.Save(); err != nil {
		t.Fatal(err)
	}

	manager := zfs.NewManager(backend, telemetry.NewNopLogger(), nil)
	fleet := jail.NewFleet(manager, "tank/jails", telemetry.NewNopLogger())
	run := newFakeRunner()
	return jailctl.NewService(run, fleet, telemetry.NewNopLogger()), run, ds.Mountpoint()
}

func TestStartBuildsJailCommand(t *testing.T) {
	svc, run, mountpoint := newService(t)
	cmdline := "jail -c name=web path=" + mountpoint +
		" host.hostname=web allow.raw_sockets=1 ip4.addr=10.0.0.2 persist"
	run.outputs[cmdline] = ""

	events := engine.Collect(svc.Start(context.Background(), "web"))

	if engine.Failed(events) {
		t.Fatalf("start failed: %v", events[len(events)-1].Err)
	}
	if !run.called(cmdline) {
		t.Errorf("jail command not run, calls: %v", run.calls)
	}
}

func TestStartOverrides(t *testing.T) {
	svc, run, mountpoint := newService(t)
	svc.Override("ip4.addr", "10.0.0.9")
	svc.Override("vnet", "new")
	cmdline := "jail -c name=web path=" + mountpoint +
		" host.hostname=web allow.raw_sockets=1 ip4.addr=10.0.0.9 vnet=new persist"
	run.outputs[cmdline] = ""

	events := engine.Collect(svc.Start(context.Background(), "web"))

	if engine.Failed(events) {
		t.Fatalf("start failed: %v", events[len(events)-1].Err)
	}
	if !run.called(cmdline) {
		t.Errorf("override not applied, calls: %v", run.calls)
	}
}

func TestStartUnknownJail(t *testing.T) {
	svc, _, _ := newService(t)

	events := engine.Collect(svc.Start(context.Background(), "nope"))

	if !engine.Failed(events) {
		t.Fatal("expected failure")
	}
	last := events[len(events)-1]
	if !errdefs.IsNotFound(last.Err) {
		t.Errorf("err = %v, want NotFound", last.Err)
	}
}

func TestStopGraceful(t *testing.T) {
	svc, run, _ := newService(t)
	run.execs["jexec web /bin/sh /etc/rc.shutdown"] = execResult{code: 0}
	run.outputs["jail -r web"] = ""

	events := engine.Collect(svc.Stop(context.Background(), "web", false))

	if engine.Failed(events) {
		t.Fatalf("stop failed: %v", events[len(events)-1].Err)
	}
	want := []string{"jexec web /bin/sh /etc/rc.shutdown", "jail -r web"}
	if len(run.calls) != 2 || run.calls[0] != want[0] || run.calls[1] != want[1] {
		t.Errorf("calls = %v, want %v", run.calls, want)
	}
}

func TestStopForceSkipsShutdownScripts(t *testing.T) {
	svc, run, _ := newService(t)
	run.outputs["jail -r web"] = ""

	events := engine.Collect(svc.Stop(context.Background(), "web", true))

	if engine.Failed(events) {
		t.Fatalf("stop failed: %v", events[len(events)-1].Err)
	}
	if len(run.calls) != 1 || run.calls[0] != "jail -r web" {
		t.Errorf("calls = %v", run.calls)
	}
}

func TestStopRemovesJailDespiteBrokenShutdown(t *testing.T) {
	svc, run, _ := newService(t)
	run.execs["jexec web /bin/sh /etc/rc.shutdown"] = execResult{code: 1, stderr: "boom"}
	run.outputs["jail -r web"] = ""

	events := engine.Collect(svc.Stop(context.Background(), "web", false))

	if engine.Failed(events) {
		t.Fatalf("stop failed: %v", events[len(events)-1].Err)
	}
	if !run.called("jail -r web") {
		t.Error("jail must still be removed")
	}

	var skipped bool
	for _, ev := range events {
		if ev.Name == "rc-shutdown" && ev.State() == engine.EventSkipped {
			skipped = true
		}
	}
	if !skipped {
		t.Error("broken rc.shutdown should surface as a skip")
	}
}

func TestRunningAndJID(t *testing.T) {
	svc, run, _ := newService(t)
	run.outputs["jls -j web jid"] = "42\n"

	jid, err := svc.JID(context.Background(), "web")
	if err != nil {
		t.Fatalf("JID: %v", err)
	}
	if jid != 42 {
		t.Errorf("jid = %d", jid)
	}

	running, err := svc.Running(context.Background(), "web")
	if err != nil {
		t.Fatal(err)
	}
	if !running {
		t.Error("web should be running")
	}

	running, err = svc.Running(context.Background(), "db")
	if err != nil {
		t.Fatal(err)
	}
	if running {
		t.Error("db should not be running")
	}
}

func TestExec(t *testing.T) {
	svc, run, _ := newService(t)
	run.outputs["jls -j web jid"] = "42\n"
	run.execs["jexec web uname -r"] = execResult{code: 0, stdout: "13.2-RELEASE\n"}

	code, stdout, stderr, err := svc.Exec(context.Background(), "web", []string{"uname", "-r"})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if code != 0 {
		t.Errorf("code = %d", code)
	}
	if stdout != "13.2-RELEASE\n" {
		t.Errorf("stdout = %q", stdout)
	}
	if stderr != "" {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestExecStoppedJail(t *testing.T) {
	svc, _, _ := newService(t)

	_, _, _, err := svc.Exec(context.Background(), "web", []string{"true"})
	if !errdefs.IsNotFound(err) {
		t.Errorf("err = %v, want NotFound", err)
	}
}
