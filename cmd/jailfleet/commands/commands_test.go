package commands

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jailfleet/jailfleet/pkg/engine"
)

func TestLoadSettingsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jailfleet.yml")
	err := os.WriteFile(path, []byte(
		"root_dataset: tank/jails\nhistory_db: /tmp/history.db\ntracing: true\n"), 0o644)
	if err != nil {
		t.Fatal(err)
	}

	s, err := loadSettings(path)
	if err != nil {
		t.Fatalf("loadSettings: %v", err)
	}
	if s.RootDataset != "tank/jails" {
		t.Errorf("root_dataset = %q", s.RootDataset)
	}
	if s.HistoryDB != "/tmp/history.db" {
		t.Errorf("history_db = %q", s.HistoryDB)
	}
	if !s.Tracing {
		t.Error("tracing should be enabled")
	}
}

func TestLoadSettingsExplicitMissing(t *testing.T) {
	_, err := loadSettings(filepath.Join(t.TempDir(), "nope.yml"))
	if err == nil {
		t.Fatal("expected error for missing explicit config path")
	}
}

func TestLoadSettingsEmptyRootDataset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jailfleet.yml")
	if err := os.WriteFile(path, []byte("root_dataset: \"\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := loadSettings(path); err == nil {
		t.Fatal("expected error for empty root_dataset")
	}
}

func testStream() engine.Stream {
	return func(yield func(*engine.Event) bool) {
		s := engine.NewSink(yield)
		root := engine.NewEvent("jail-clone", "web", nil)
		s.Emit(root.Begin())
		step := engine.NewEvent("dataset-clone", "web", root.Scope())
		s.Emit(step.Begin())
		s.Emit(step.Fail(errors.New("no space left")))
		s.Emit(root.Fail(errors.New("no space left")))
	}
}

func TestPrinterHumanLines(t *testing.T) {
	var buf bytes.Buffer
	p := &printer{out: &buf}

	if p.Print(testStream()) {
		t.Error("failing stream should print as failed")
	}
	if p.Err() == nil {
		t.Error("Err should report the failure")
	}
	out := buf.String()
	for _, want := range []string{
		"> jail-clone web",
		"  dataset-clone web: failed: no space left",
		// Nested steps are indented under their parent.
		"\n  > dataset-clone web",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestPrinterJSONLines(t *testing.T) {
	var buf bytes.Buffer
	p := &printer{out: &buf, json: true}

	p.Print(testStream())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("got %d lines, want 4:\n%s", len(lines), buf.String())
	}
	var last eventLine
	if err := json.Unmarshal([]byte(lines[3]), &last); err != nil {
		t.Fatal(err)
	}
	if last.Event != "jail-clone" {
		t.Errorf("event = %q", last.Event)
	}
	if last.State != "failed" {
		t.Errorf("state = %q", last.State)
	}
	if last.Error != "no space left" {
		t.Errorf("error = %q", last.Error)
	}
}

func TestPrinterSucceedingStreamExitsZero(t *testing.T) {
	var buf bytes.Buffer
	p := &printer{out: &buf}

	ok := p.Print(func(yield func(*engine.Event) bool) {
		s := engine.NewSink(yield)
		ev := engine.NewEvent("jail-start", "web", nil)
		s.Emit(ev.Begin())
		s.Emit(ev.Skip("already running"))
	})

	if !ok {
		t.Error("skipped stream should still succeed")
	}
	if err := p.Err(); err != nil {
		t.Errorf("Err = %v", err)
	}
	if !strings.Contains(buf.String(), "skipped (already running)") {
		t.Errorf("output missing skip message:\n%s", buf.String())
	}
}
