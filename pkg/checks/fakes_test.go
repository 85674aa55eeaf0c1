package checks

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/openfroyo/smartpipeline/pkg/clients/airflow"
	"github.com/openfroyo/smartpipeline/pkg/clients/rag"
	"github.com/openfroyo/smartpipeline/pkg/engine"
)

// fakeRunner answers commands by the first matching substring rule.
type fakeRunner struct {
	mu       sync.Mutex
	rules    []runnerRule
	commands []string
	err      error
}

type runnerRule struct {
	contains string
	results  []engine.CommandResult
	calls    int
}

func (f *fakeRunner) on(contains string, results ...engine.CommandResult) *fakeRunner {
	f.rules = append(f.rules, runnerRule{contains: contains, results: results})
	return f
}

func (f *fakeRunner) Run(ctx context.Context, command string, timeout time.Duration) (*engine.CommandResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, command)
	if f.err != nil {
		return nil, f.err
	}
	for i := range f.rules {
		rule := &f.rules[i]
		if !strings.Contains(command, rule.contains) {
			continue
		}
		n := rule.calls
		if n >= len(rule.results) {
			n = len(rule.results) - 1
		}
		rule.calls++
		res := rule.results[n]
		return &res, nil
	}
	return &engine.CommandResult{ExitCode: 127, Stderr: "command not found"}, nil
}

func (f *fakeRunner) ran() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

func ok(stdout string) engine.CommandResult {
	return engine.CommandResult{ExitCode: 0, Stdout: stdout}
}

func fail(code int, stderr string) engine.CommandResult {
	return engine.CommandResult{ExitCode: code, Stderr: stderr}
}

// fakeConnections is an in-memory Airflow connection API.
type fakeConnections struct {
	mu        sync.Mutex
	conns     map[string]airflow.Connection
	getErr    error
	createErr error
	updateErr error
	testOK    bool
	testErr   error
	creates   int
	updates   int
}

func newFakeConnections(conns ...airflow.Connection) *fakeConnections {
	f := &fakeConnections{conns: map[string]airflow.Connection{}, testOK: true}
	for _, c := range conns {
		f.conns[c.ConnectionID] = c
	}
	return f
}

func (f *fakeConnections) GetConnection(ctx context.Context, id string) (*airflow.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	c, ok := f.conns[id]
	if !ok {
		return nil, airflow.ErrConnectionNotFound
	}
	return &c, nil
}

func (f *fakeConnections) CreateConnection(ctx context.Context, conn airflow.Connection) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if f.createErr != nil {
		return f.createErr
	}
	f.conns[conn.ConnectionID] = conn
	return nil
}

func (f *fakeConnections) UpdateConnectionLogin(ctx context.Context, conn airflow.Connection, login string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	if f.updateErr != nil {
		return f.updateErr
	}
	conn.Login = login
	f.conns[conn.ConnectionID] = conn
	return nil
}

func (f *fakeConnections) TestConnection(ctx context.Context, conn airflow.Connection) (bool, string, error) {
	if f.testErr != nil {
		return false, "", f.testErr
	}
	if f.testOK {
		return true, "Connection successfully tested", nil
	}
	return false, "Authentication failed", nil
}

// fakeRAG is a scripted documentation service.
type fakeRAG struct {
	health    *rag.Health
	healthErr error
	reload    *rag.ReloadResult
	reloadErr error
	reloads   int
}

func (f *fakeRAG) Health(ctx context.Context) (*rag.Health, error) {
	if f.healthErr != nil {
		return nil, f.healthErr
	}
	return f.health, nil
}

func (f *fakeRAG) Reload(ctx context.Context) (*rag.ReloadResult, error) {
	f.reloads++
	if f.reloadErr != nil {
		return nil, f.reloadErr
	}
	return f.reload, nil
}

type fakeEngine struct {
	state engine.RunState
	err   error
}

func (f *fakeEngine) Submit(ctx context.Context, workflowID, runID string, conf map[string]interface{}) (string, error) {
	return runID, nil
}

func (f *fakeEngine) Status(ctx context.Context, workflowID, runID string) (*engine.RunStatus, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &engine.RunStatus{State: f.state}, nil
}

func (f *fakeEngine) Cancel(ctx context.Context, workflowID, runID string) error {
	return nil
}

type fakeHealth struct{ err error }

func (f fakeHealth) Health(ctx context.Context) error { return f.err }

var errBoom = errors.New("boom")
