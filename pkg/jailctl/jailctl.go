// Package jailctl drives jail(8), jls(8) and jexec(8) to start, stop and
// inspect jails. It implements the engine's Control contract; the engine
// itself never shells out.
package jailctl

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/jailfleet/jailfleet/pkg/engine"
	"github.com/jailfleet/jailfleet/pkg/errdefs"
	"github.com/jailfleet/jailfleet/pkg/jail"
	"github.com/jailfleet/jailfleet/pkg/runner"
	"github.com/jailfleet/jailfleet/pkg/telemetry"
)

// commandRunner is what jailctl needs from the runner package.
type commandRunner interface {
	runner.Runner
	runner.Execer
}

// Service implements engine.Control over the FreeBSD jail tools.
type Service struct {
	run       commandRunner
	fleet     *jail.Fleet
	log       *telemetry.Logger
	overrides map[string]string
}

// NewService creates a jail control service for the given fleet.
func NewService(run commandRunner, fleet *jail.Fleet, log *telemetry.Logger) *Service {
	return &Service{
		run:       run,
		fleet:     fleet,
		log:       log.NewComponentLogger("jailctl"),
		overrides: make(map[string]string),
	}
}

// Override sets a jail parameter for subsequent Start calls without
// touching the persisted configuration. Overrides win over configured
// properties of the same name.
func (s *Service) Override(key, value string) {
	s.overrides[key] = value
}

var _ engine.Control = (*Service)(nil)

// Start implements engine.Control. The jail's configuration properties are
// passed through as jail(8) parameters on top of the identity parameters
// derived from the dataset.
func (s *Service) Start(ctx context.Context, jailName string) engine.Stream {
	return func(yield func(*engine.Event) bool) {
		sink := engine.NewSink(yield)
		ev := engine.NewEvent("control-start", jailName, nil)
		sink.Emit(ev.Begin())

		j, err := s.fleet.Get(ctx, jailName)
		if err != nil {
			sink.Emit(ev.Fail(err))
			return
		}
		if _, err := s.run.Output(ctx, "jail", s.createArgs(j)...); err != nil {
			sink.Emit(ev.Fail(err))
			return
		}
		s.log.WithJail(jailName).Info("jail started")
		sink.Emit(ev.End())
	}
}

// createArgs builds the jail -c parameter list. Properties are emitted in
// sorted order so the command line is stable.
func (s *Service) createArgs(j *jail.Jail) []string {
	args := []string{"-c",
		"name=" + j.Name,
		"path=" + j.Mountpoint,
		"host.hostname=" + j.Name,
	}

	props := make(map[string]string, len(j.Config.Config().Properties)+len(s.overrides))
	for key, value := range j.Config.Config().Properties {
		props[key] = value
	}
	for key, value := range s.overrides {
		props[key] = value
	}
	keys := make([]string, 0, len(props))
	for key := range props {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		args = append(args, key+"="+props[key])
	}
	return append(args, "persist")
}

// Stop implements engine.Control. A graceful stop runs the jail's shutdown
// scripts through jexec first; force goes straight to removal.
func (s *Service) Stop(ctx context.Context, jailName string, force bool) engine.Stream {
	return func(yield func(*engine.Event) bool) {
		sink := engine.NewSink(yield)
		ev := engine.NewEvent("control-stop", jailName, nil)
		sink.Emit(ev.Begin())

		if !force {
			shutdown := engine.NewEvent("rc-shutdown", jailName, ev.Scope())
			sink.Emit(shutdown.Begin())
			code, _, stderr, err := s.run.Exec(ctx, "jexec", jailName, "/bin/sh", "/etc/rc.shutdown")
			switch {
			case err != nil:
				sink.Emit(shutdown.Fail(err))
				sink.Emit(ev.Fail(err))
				return
			case code != 0:
				// The jail is removed regardless; a broken rc.shutdown must
				// not leave the jail running forever.
				s.log.WithJail(jailName).Warnf("rc.shutdown exited %d: %s", code, strings.TrimSpace(stderr))
				sink.Emit(shutdown.Skip(fmt.Sprintf("rc.shutdown exited %d", code)))
			default:
				sink.Emit(shutdown.End())
			}
		}

		if _, err := s.run.Output(ctx, "jail", "-r", jailName); err != nil {
			sink.Emit(ev.Fail(err))
			return
		}
		s.log.WithJail(jailName).Info("jail stopped")
		sink.Emit(ev.End())
	}
}

// Exec implements engine.Control.
func (s *Service) Exec(ctx context.Context, jailName string, argv []string) (int, string, string, error) {
	if len(argv) == 0 {
		return -1, "", "", errdefs.InvalidSyntax("empty command").WithJail(jailName)
	}
	running, err := s.Running(ctx, jailName)
	if err != nil {
		return -1, "", "", err
	}
	if !running {
		return -1, "", "", errdefs.NotFound(fmt.Sprintf("jail %s is not running", jailName)).WithJail(jailName)
	}
	args := append([]string{jailName}, argv...)
	return s.run.Exec(ctx, "jexec", args...)
}

// Running implements engine.Control.
func (s *Service) Running(ctx context.Context, jailName string) (bool, error) {
	jid, err := s.JID(ctx, jailName)
	if err != nil {
		return false, err
	}
	return jid != 0, nil
}

// JID implements engine.Control. jls exits non-zero for unknown jails,
// which maps to jid 0 here rather than an error.
func (s *Service) JID(ctx context.Context, jailName string) (int, error) {
	out, err := s.run.Output(ctx, "jls", "-j", jailName, "jid")
	if err != nil {
		return 0, nil
	}
	jid, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil {
		return 0, fmt.Errorf("parsing jls output for %s: %w", jailName, err)
	}
	return jid, nil
}
