package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/smartpipeline/pkg/engine"
)

var _ engine.CommandRunner = (*Client)(nil)

// Run implements engine.CommandRunner. A non-zero exit is reported in the
// result; an error means the command could not run or did not finish within
// timeout.
func (c *Client) Run(ctx context.Context, command string, timeout time.Duration) (*engine.CommandResult, error) {
	if timeout <= 0 {
		timeout = c.config.CommandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	c.logger.Debug().Str("command", command).Msg("Executing command")

	session, err := c.session(ctx)
	if err != nil {
		return nil, err
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	var execErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		time.Sleep(100 * time.Millisecond)
		_ = session.Signal(ssh.SIGKILL)
		execErr = ctx.Err()
	case execErr = <-done:
	}

	result := &engine.CommandResult{
		Stdout:   strings.TrimSpace(stdoutBuf.String()),
		Stderr:   strings.TrimSpace(stderrBuf.String()),
		Duration: time.Since(start),
	}

	c.logger.Debug().
		Str("command", command).
		Int("stdout_len", len(result.Stdout)).
		Int("stderr_len", len(result.Stderr)).
		Dur("duration", result.Duration).
		Err(execErr).
		Msg("Command completed")

	var exitErr *ssh.ExitError
	switch {
	case execErr == nil:
		return result, nil
	case errors.As(execErr, &exitErr):
		result.ExitCode = exitErr.ExitStatus()
		return result, nil
	case errors.Is(execErr, context.DeadlineExceeded):
		result.ExitCode = -1
		return result, &TransportError{Op: "execute", Err: fmt.Errorf("command timed out after %s", timeout), IsTemporary: true}
	default:
		result.ExitCode = -1
		return result, &TransportError{Op: "execute", Err: execErr, IsTemporary: true}
	}
}
