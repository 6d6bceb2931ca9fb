package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jailfleet/jailfleet/pkg/engine"
)

// printer flattens workflow event streams into progress lines. It tracks
// whether any event in any stream it printed has failed, which decides the
// process exit code.
type printer struct {
	out    io.Writer
	json   bool
	failed bool
}

func newPrinter() *printer {
	return &printer{out: os.Stdout, json: jsonOutput}
}

// eventLine is the JSON shape of one event transition.
type eventLine struct {
	Time       time.Time `json:"time"`
	Event      string    `json:"event"`
	Identifier string    `json:"identifier"`
	State      string    `json:"state"`
	Message    string    `json:"message,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Print drains the stream, printing each transition, and reports whether
// the stream completed without failures.
func (p *printer) Print(stream engine.Stream) bool {
	ok := true
	for ev := range stream {
		if ev.State() == engine.EventFailed {
			ok = false
			p.failed = true
		}
		p.line(ev)
	}
	return ok
}

func (p *printer) line(ev *engine.Event) {
	if p.json {
		line := eventLine{
			Time:       time.Now().UTC(),
			Event:      ev.Name,
			Identifier: ev.Identifier,
			State:      string(ev.State()),
		}
		if ev.Message != "" {
			line.Message = ev.Message
		}
		if ev.Err != nil {
			line.Error = ev.Err.Error()
		}
		data, err := json.Marshal(line)
		if err != nil {
			return
		}
		fmt.Fprintln(p.out, string(data))
		return
	}

	indent := strings.Repeat("  ", ev.Depth())
	switch ev.State() {
	case engine.EventRunning:
		fmt.Fprintf(p.out, "%s> %s %s\n", indent, ev.Name, ev.Identifier)
	case engine.EventDone:
		fmt.Fprintf(p.out, "%s  %s %s: done\n", indent, ev.Name, ev.Identifier)
	case engine.EventSkipped:
		fmt.Fprintf(p.out, "%s  %s %s: skipped (%s)\n", indent, ev.Name, ev.Identifier, ev.Message)
	case engine.EventFailed:
		fmt.Fprintf(p.out, "%s  %s %s: failed: %v\n", indent, ev.Name, ev.Identifier, ev.Err)
	}
}

// Err returns the error that makes the process exit non-zero, or nil when
// everything printed so far succeeded or was skipped.
func (p *printer) Err() error {
	if p.failed {
		return fmt.Errorf("one or more operations failed")
	}
	return nil
}
