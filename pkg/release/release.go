// Package release maintains the FreeBSD userland inside jail datasets. An
// Updater applies the distribution's own update tooling to a jail's root
// filesystem; the Service wraps that in a workflow with a snapshot
// checkpoint so a failed update never leaves a half-patched tree behind.
package release

import (
	"context"
	"fmt"
	"strings"

	"github.com/jailfleet/jailfleet/pkg/errdefs"
	"github.com/jailfleet/jailfleet/pkg/runner"
	"github.com/jailfleet/jailfleet/pkg/telemetry"
)

// Distribution identifies the operating system flavor a release belongs
// to. The set is closed; there is no user-extensible registry.
type Distribution string

const (
	FreeBSD     Distribution = "FreeBSD"
	HardenedBSD Distribution = "HardenedBSD"
)

// ParseDistribution maps a distribution name to its Distribution value.
func ParseDistribution(name string) (Distribution, error) {
	switch Distribution(name) {
	case FreeBSD, HardenedBSD:
		return Distribution(name), nil
	}
	return "", errdefs.InvalidSyntax(fmt.Sprintf("unknown distribution %q", name))
}

// Detect returns the host's distribution from uname(1).
func Detect(ctx context.Context, run runner.Runner) (Distribution, error) {
	out, err := run.Output(ctx, "uname", "-s")
	if err != nil {
		return "", err
	}
	return ParseDistribution(strings.TrimSpace(string(out)))
}

// Updater applies operating system updates to a release tree rooted at a
// jail dataset mountpoint. Implementations wrap the distribution's native
// update tool.
type Updater interface {
	// Name returns the update tool's name.
	Name() string

	// FetchUpdates downloads update assets for the given release ahead of
	// application. It reports false when the tool applies updates directly
	// and has nothing to pre-fetch.
	FetchUpdates(ctx context.Context, root, release string) (bool, error)

	// ApplyUpdate applies pending updates to the tree at root.
	ApplyUpdate(ctx context.Context, root, release string) error
}

// Updater returns the update strategy for the distribution.
func (d Distribution) Updater(run runner.Runner, log *telemetry.Logger) Updater {
	switch d {
	case HardenedBSD:
		return &hbsdUpdater{run: run, log: log.NewComponentLogger("hbsd-update")}
	default:
		return &freebsdUpdater{run: run, log: log.NewComponentLogger("freebsd-update")}
	}
}

// freebsdUpdater drives freebsd-update(8) against a foreign root.
type freebsdUpdater struct {
	run runner.Runner
	log *telemetry.Logger
}

func (u *freebsdUpdater) Name() string { return "freebsd-update" }

func (u *freebsdUpdater) FetchUpdates(ctx context.Context, root, release string) (bool, error) {
	u.log.WithField("release", release).Debugf("fetching updates into %s", root)
	_, err := u.run.Output(ctx, "freebsd-update",
		"-b", root,
		"--currently-running", release,
		"--not-running-from-cron",
		"fetch")
	return true, err
}

func (u *freebsdUpdater) ApplyUpdate(ctx context.Context, root, release string) error {
	_, err := u.run.Output(ctx, "freebsd-update",
		"-b", root,
		"--currently-running", release,
		"--not-running-from-cron",
		"install")
	return err
}

// hbsdUpdater drives hbsd-update(8). HardenedBSD applies updates in one
// step, so there is nothing to pre-fetch.
type hbsdUpdater struct {
	run runner.Runner
	log *telemetry.Logger
}

func (u *hbsdUpdater) Name() string { return "hbsd-update" }

func (u *hbsdUpdater) FetchUpdates(ctx context.Context, root, release string) (bool, error) {
	u.log.Debug("hbsd-update applies directly, nothing to pre-fetch")
	return false, nil
}

func (u *hbsdUpdater) ApplyUpdate(ctx context.Context, root, release string) error {
	_, err := u.run.Output(ctx, "hbsd-update", "-t", root)
	return err
}
