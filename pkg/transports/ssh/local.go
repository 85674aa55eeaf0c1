package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/openfroyo/smartpipeline/pkg/engine"
)

// LocalRunner runs commands with /bin/sh on this host. It is used when the
// pipeline runs on the hypervisor itself.
type LocalRunner struct {
	// Shell is the shell commands are passed to with -c. Defaults to /bin/sh.
	Shell string

	// DefaultTimeout applies when Run is called without a timeout.
	DefaultTimeout time.Duration
}

var _ engine.CommandRunner = (*LocalRunner)(nil)

// NewLocalRunner creates a LocalRunner.
func NewLocalRunner(defaultTimeout time.Duration) *LocalRunner {
	return &LocalRunner{Shell: "/bin/sh", DefaultTimeout: defaultTimeout}
}

// Host returns "localhost".
func (r *LocalRunner) Host() string { return "localhost" }

// Run implements engine.CommandRunner.
func (r *LocalRunner) Run(ctx context.Context, command string, timeout time.Duration) (*engine.CommandResult, error) {
	if timeout <= 0 {
		timeout = r.DefaultTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	shell := r.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, shell, "-c", command)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	start := time.Now()
	err := cmd.Run()
	result := &engine.CommandResult{
		Stdout:   strings.TrimSpace(stdout.String()),
		Stderr:   strings.TrimSpace(stderr.String()),
		Duration: time.Since(start),
	}

	var exitErr *exec.ExitError
	switch {
	case ctx.Err() != nil:
		result.ExitCode = -1
		return result, &TransportError{Op: "execute", Err: fmt.Errorf("command timed out after %s: %w", timeout, ctx.Err()), IsTemporary: true}
	case err == nil:
		return result, nil
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	default:
		result.ExitCode = -1
		return result, &TransportError{Op: "execute", Err: err}
	}
}
