package commands

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/jailfleet/jailfleet/pkg/engine"
	"github.com/jailfleet/jailfleet/pkg/jail"
	"github.com/jailfleet/jailfleet/pkg/jailctl"
	"github.com/jailfleet/jailfleet/pkg/runner"
	"github.com/jailfleet/jailfleet/pkg/stores"
	"github.com/jailfleet/jailfleet/pkg/telemetry"
	"github.com/jailfleet/jailfleet/pkg/zfs"
)

// defaultConfigPath is where settings are read from when --config is not
// given. A missing file falls back to defaults.
const defaultConfigPath = "/usr/local/etc/jailfleet.yml"

// settings is the host-level configuration file schema.
type settings struct {
	// RootDataset is the dataset all jails live under.
	RootDataset string `yaml:"root_dataset"`

	// HistoryDB is the path of the workflow history database. Empty
	// disables history recording.
	HistoryDB string `yaml:"history_db"`

	// Tracing enables the stdout trace exporter.
	Tracing bool `yaml:"tracing"`
}

func defaultSettings() settings {
	return settings{
		RootDataset: "zroot/jailfleet/jails",
		HistoryDB:   "/var/db/jailfleet/history.db",
	}
}

func loadSettings(path string) (settings, error) {
	s := defaultSettings()
	explicit := path != ""
	if !explicit {
		path = defaultConfigPath
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if explicit {
			return s, fmt.Errorf("config file %s does not exist", path)
		}
		return s, nil
	}
	if err != nil {
		return s, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("malformed config %s: %w", path, err)
	}
	if s.RootDataset == "" {
		return s, fmt.Errorf("config %s: root_dataset must not be empty", path)
	}
	return s, nil
}

// app wires the engine and its collaborators from the loaded settings.
type app struct {
	settings settings
	log      *telemetry.Logger
	run      *runner.ExecRunner
	datasets *zfs.Manager
	fleet    *jail.Fleet
	control  *jailctl.Service
	engine   *engine.Engine
	history  *stores.SQLiteStore
	tracer   *telemetry.Tracer
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadSettings(configPath)
	if err != nil {
		return nil, err
	}

	logCfg := telemetry.DefaultConfig().Logging
	if verbose {
		logCfg.Level = "debug"
	}
	if jsonOutput {
		// Event lines go to stdout as JSON; logs must not interleave with
		// them in console format.
		logCfg.Format = "json"
	}
	log, err := telemetry.NewLogger(logCfg)
	if err != nil {
		return nil, err
	}

	metrics := telemetry.NewMetrics(telemetry.DefaultConfig().Metrics)

	var tracer *telemetry.Tracer
	if cfg.Tracing {
		tracingCfg := telemetry.DefaultConfig().Tracing
		tracingCfg.Enabled = true
		tracer, err = telemetry.NewTracer(tracingCfg, "jailfleet", "")
		if err != nil {
			return nil, err
		}
	}

	run := runner.NewExecRunner(log)
	backend := zfs.NewExecBackend(run, log)
	datasets := zfs.NewManager(backend, log, metrics)
	fleet := jail.NewFleet(datasets, cfg.RootDataset, log)
	control := jailctl.NewService(run, fleet, log)

	var history *stores.SQLiteStore
	var engineHistory stores.History = stores.NopHistory{}
	if cfg.HistoryDB != "" {
		history, err = stores.NewSQLiteStore(stores.Config{Path: cfg.HistoryDB})
		if err != nil {
			return nil, err
		}
		if err := history.Init(ctx); err != nil {
			return nil, err
		}
		if err := history.Migrate(ctx); err != nil {
			history.Close()
			return nil, err
		}
		engineHistory = history
	}

	eng, err := engine.New(engine.Options{
		Datasets: datasets,
		Control:  control,
		Fleet:    fleet,
		History:  engineHistory,
		Logger:   log,
		Metrics:  metrics,
		Tracer:   tracer,
	})
	if err != nil {
		if history != nil {
			history.Close()
		}
		return nil, err
	}

	return &app{
		settings: cfg,
		log:      log,
		run:      run,
		datasets: datasets,
		fleet:    fleet,
		control:  control,
		engine:   eng,
		history:  history,
		tracer:   tracer,
	}, nil
}

func (a *app) Close(ctx context.Context) {
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			a.log.WithError(err).Warn("closing history store")
		}
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.log.WithError(err).Warn("shutting down tracer")
		}
	}
}

// resolveJails turns CLI arguments into jails. No arguments means every
// jail in the fleet; arguments are filter expressions (a bare word filters
// by name).
func (a *app) resolveJails(ctx context.Context, args []string) ([]*jail.Jail, error) {
	jails, err := a.fleet.Jails(ctx)
	if err != nil {
		return nil, err
	}
	if len(args) == 0 {
		return jails, nil
	}
	matched, err := jail.Filter(jails, args)
	if err != nil {
		return nil, err
	}
	if len(matched) == 0 {
		return nil, fmt.Errorf("no jails match %v", args)
	}
	return matched, nil
}
