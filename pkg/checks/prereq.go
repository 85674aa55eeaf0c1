package checks

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/openfroyo/smartpipeline/pkg/engine"
)

type prereqBase struct {
	name      string
	mandatory bool
}

func (b prereqBase) Name() string    { return b.name }
func (b prereqBase) Mandatory() bool { return b.mandatory }

func (b prereqBase) result(status engine.CheckStatus, msg string) engine.PrerequisiteResult {
	return engine.PrerequisiteResult{Name: b.name, Status: status, Mandatory: b.mandatory, Message: msg}
}

func (b prereqBase) fixed(msg, fix string) engine.PrerequisiteResult {
	res := b.result(engine.CheckFixed, msg)
	res.FixApplied = fix
	return res
}

// TCPPrerequisite requires a TCP port to accept connections.
type TCPPrerequisite struct {
	prereqBase
	address string
	timeout time.Duration
}

// NewTCPPrerequisite creates a TCP reachability check.
func NewTCPPrerequisite(name, address string, mandatory bool, timeout time.Duration) *TCPPrerequisite {
	return &TCPPrerequisite{prereqBase: prereqBase{name: name, mandatory: mandatory}, address: address, timeout: timeout}
}

// Run implements engine.PrerequisiteCheck.
func (c *TCPPrerequisite) Run(ctx context.Context, _ *engine.ExecutionPlan) (engine.PrerequisiteResult, error) {
	open, detail := dialTCP(ctx, c.address, c.timeout)
	if !open {
		return c.result(engine.CheckError, detail), nil
	}
	return c.result(engine.CheckOK, detail), nil
}

// CommandPrerequisite requires a command to exit 0.
type CommandPrerequisite struct {
	prereqBase
	command string
	runner  engine.CommandRunner
	timeout time.Duration
}

// NewCommandPrerequisite creates a command check.
func NewCommandPrerequisite(name, command string, mandatory bool, runner engine.CommandRunner, timeout time.Duration) *CommandPrerequisite {
	return &CommandPrerequisite{
		prereqBase: prereqBase{name: name, mandatory: mandatory},
		command:    command,
		runner:     runner,
		timeout:    timeout,
	}
}

// Run implements engine.PrerequisiteCheck.
func (c *CommandPrerequisite) Run(ctx context.Context, _ *engine.ExecutionPlan) (engine.PrerequisiteResult, error) {
	res, err := c.runner.Run(ctx, c.command, c.timeout)
	if err != nil {
		return engine.PrerequisiteResult{}, fmt.Errorf("run %q: %w", c.command, err)
	}
	if res.ExitCode != 0 {
		return c.result(engine.CheckError, fmt.Sprintf("%q exited %d: %s", c.command, res.ExitCode, truncate(res.Stderr+res.Stdout, 300))), nil
	}
	return c.result(engine.CheckOK, fmt.Sprintf("%q succeeded", c.command)), nil
}

// HTTPPrerequisite requires an endpoint to answer 2xx.
type HTTPPrerequisite struct {
	prereqBase
	url    string
	client HTTPDoer
}

// NewHTTPPrerequisite creates an endpoint check.
func NewHTTPPrerequisite(name, url string, mandatory bool, client HTTPDoer, timeout time.Duration) *HTTPPrerequisite {
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPPrerequisite{prereqBase: prereqBase{name: name, mandatory: mandatory}, url: url, client: client}
}

// Run implements engine.PrerequisiteCheck.
func (c *HTTPPrerequisite) Run(ctx context.Context, _ *engine.ExecutionPlan) (engine.PrerequisiteResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return engine.PrerequisiteResult{}, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return c.result(engine.CheckError, fmt.Sprintf("GET %s: %v", c.url, err)), nil
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.result(engine.CheckError, fmt.Sprintf("GET %s: HTTP %d", c.url, resp.StatusCode)), nil
	}
	return c.result(engine.CheckOK, fmt.Sprintf("GET %s: HTTP %d", c.url, resp.StatusCode)), nil
}

// EngineHealthAPI reports the workflow engine's health.
type EngineHealthAPI interface {
	Health(ctx context.Context) error
}

// EngineHealthPrerequisite requires the workflow engine to be healthy. An
// unreachable or unhealthy engine means the check could not execute.
type EngineHealthPrerequisite struct {
	prereqBase
	api EngineHealthAPI
}

// NewEngineHealthPrerequisite creates an engine health check.
func NewEngineHealthPrerequisite(name string, api EngineHealthAPI) *EngineHealthPrerequisite {
	return &EngineHealthPrerequisite{prereqBase: prereqBase{name: name, mandatory: true}, api: api}
}

// Run implements engine.PrerequisiteCheck.
func (c *EngineHealthPrerequisite) Run(ctx context.Context, _ *engine.ExecutionPlan) (engine.PrerequisiteResult, error) {
	if err := c.api.Health(ctx); err != nil {
		return engine.PrerequisiteResult{}, err
	}
	return c.result(engine.CheckOK, "workflow engine healthy"), nil
}

// minChunksSize is the size below which a chunks file is considered empty.
const minChunksSize = 100

// ChunksFilePrerequisite warns when the local document chunks are missing,
// which leaves the keyword fallback without anything to search.
type ChunksFilePrerequisite struct {
	prereqBase
	path string
}

// NewChunksFilePrerequisite creates a chunks file check.
func NewChunksFilePrerequisite(name, path string) *ChunksFilePrerequisite {
	return &ChunksFilePrerequisite{prereqBase: prereqBase{name: name}, path: path}
}

// Run implements engine.PrerequisiteCheck.
func (c *ChunksFilePrerequisite) Run(_ context.Context, _ *engine.ExecutionPlan) (engine.PrerequisiteResult, error) {
	info, err := os.Stat(c.path)
	if err != nil {
		return c.result(engine.CheckWarning, fmt.Sprintf("no document chunks at %s; run 'smartpipe context ingest'", c.path)), nil
	}
	if info.Size() < minChunksSize {
		return c.result(engine.CheckWarning, fmt.Sprintf("document chunks at %s are empty (%d bytes)", c.path, info.Size())), nil
	}
	return c.result(engine.CheckOK, fmt.Sprintf("document chunks present (%d bytes)", info.Size())), nil
}

// invalidPrerequisite stands in for a catalog entry that cannot be built. It
// reports the build error every time it runs.
type invalidPrerequisite struct {
	prereqBase
	err error
}

func (c *invalidPrerequisite) Run(context.Context, *engine.ExecutionPlan) (engine.PrerequisiteResult, error) {
	return engine.PrerequisiteResult{}, c.err
}

// invalidOutcome stands in for an outcome check that cannot be built.
type invalidOutcome struct {
	outcomeBase
	err error
}

func (c *invalidOutcome) GatherEvidence(context.Context) (*engine.Observation, error) {
	return nil, c.err
}

func (c *invalidOutcome) Passed(*engine.Observation) bool { return false }
