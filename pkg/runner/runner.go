// Package runner abstracts external command execution so the zfs(8) and
// jail(8) wrappers can be tested against a fake.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/jailfleet/jailfleet/pkg/telemetry"
)

// Runner executes an external command and returns its standard output.
type Runner interface {
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

// Execer executes an external command and reports its exit code along with
// the separated output streams. A non-zero exit is not an error here;
// callers that care inspect the code.
type Execer interface {
	Exec(ctx context.Context, name string, args ...string) (exitCode int, stdout, stderr string, err error)
}

// ExecRunner runs commands through os/exec.
type ExecRunner struct {
	log *telemetry.Logger
}

// NewExecRunner creates a Runner backed by the host's command line tools.
func NewExecRunner(log *telemetry.Logger) *ExecRunner {
	return &ExecRunner{log: log.NewComponentLogger("exec")}
}

// Output implements Runner.
func (r *ExecRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	r.log.Tracef("executing %s %s", name, strings.Join(args, " "))

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return stdout.Bytes(), fmt.Errorf("%s %s: %s", name, strings.Join(args, " "), msg)
	}
	return stdout.Bytes(), nil
}

// Exec implements Execer.
func (r *ExecRunner) Exec(ctx context.Context, name string, args ...string) (int, string, string, error) {
	r.log.Tracef("executing %s %s", name, strings.Join(args, " "))

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), stdout.String(), stderr.String(), nil
	}
	if err != nil {
		return -1, stdout.String(), stderr.String(), err
	}
	return 0, stdout.String(), stderr.String(), nil
}
