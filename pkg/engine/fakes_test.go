package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Test doubles shared by the engine tests.

type fakeEngine struct {
	mu          sync.Mutex
	submits     int
	cancels     int
	statusCalls int
	statuses    []RunState
	submitErr   error
	statusErr   error
	cancelErr   error
	onSubmit    func()
	lastConf    map[string]interface{}
}

func (f *fakeEngine) Submit(ctx context.Context, workflowID, runID string, conf map[string]interface{}) (string, error) {
	f.mu.Lock()
	f.submits++
	f.lastConf = conf
	hook := f.onSubmit
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return runID, nil
}

func (f *fakeEngine) Status(ctx context.Context, workflowID, runID string) (*RunStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.statusCalls
	f.statusCalls++
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	if len(f.statuses) == 0 {
		return &RunStatus{State: RunStateSuccess}, nil
	}
	if n >= len(f.statuses) {
		n = len(f.statuses) - 1
	}
	return &RunStatus{State: f.statuses[n]}, nil
}

func (f *fakeEngine) Cancel(ctx context.Context, workflowID, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	return f.cancelErr
}

func (f *fakeEngine) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits
}

// scriptedCheck is a process check whose result follows a script. The last
// entry repeats.
type scriptedCheck struct {
	name     string
	kind     string
	severity Severity
	results  []bool
	fixes    []FixCommand
	err      error
	block    chan struct{}
	calls    int32
}

func (c *scriptedCheck) Name() string { return c.name }

func (c *scriptedCheck) Kind() string {
	if c.kind == "" {
		return "process"
	}
	return c.kind
}

func (c *scriptedCheck) Predicate() string  { return "service " + c.name + " running" }
func (c *scriptedCheck) Severity() Severity { return c.severity }

func (c *scriptedCheck) GatherEvidence(ctx context.Context) (*Observation, error) {
	n := int(atomic.AddInt32(&c.calls, 1)) - 1
	if c.block != nil {
		<-c.block
	}
	if c.err != nil {
		return nil, c.err
	}
	ok := true
	if len(c.results) > 0 {
		if n >= len(c.results) {
			n = len(c.results) - 1
		}
		ok = c.results[n]
	}
	state := "inactive"
	if ok {
		state = "active"
	}
	return &Observation{
		Evidence: []Evidence{{Source: "systemctl is-active " + c.name, Detail: state}},
		Facts:    map[string]string{"state": state},
	}, nil
}

func (c *scriptedCheck) Passed(obs *Observation) bool { return obs.Facts["state"] == "active" }

func (c *scriptedCheck) FixCommands() []FixCommand { return c.fixes }

func (c *scriptedCheck) callCount() int { return int(atomic.LoadInt32(&c.calls)) }

type fakePrereq struct {
	name      string
	mandatory bool
	status    CheckStatus
	message   string
	err       error
}

func (p *fakePrereq) Name() string    { return p.name }
func (p *fakePrereq) Mandatory() bool { return p.mandatory }

func (p *fakePrereq) Run(ctx context.Context, plan *ExecutionPlan) (PrerequisiteResult, error) {
	if p.err != nil {
		return PrerequisiteResult{Name: p.name}, p.err
	}
	return PrerequisiteResult{Name: p.name, Status: p.status, Message: p.message}, nil
}

type fakeRegistry struct {
	outcome []OutcomeCheck
	prereq  []PrerequisiteCheck
}

func (r *fakeRegistry) OutcomeChecks(plan *ExecutionPlan) []OutcomeCheck           { return r.outcome }
func (r *fakeRegistry) PrerequisiteChecks(plan *ExecutionPlan) []PrerequisiteCheck { return r.prereq }

type fakeRunner struct {
	mu        sync.Mutex
	commands  []string
	exitCodes map[string]int
	err       error
}

func (r *fakeRunner) Run(ctx context.Context, command string, timeout time.Duration) (*CommandResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, command)
	if r.err != nil {
		return nil, r.err
	}
	code := r.exitCodes[command]
	res := &CommandResult{ExitCode: code}
	if code != 0 {
		res.Stderr = "unit failed"
	}
	return res, nil
}

func (r *fakeRunner) ran() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.commands...)
}

type fakeLineage struct {
	mu         sync.Mutex
	correlated []string
	emitted    map[string][]Assertion
}

func (l *fakeLineage) Correlate(ctx context.Context, runID, planID, workflowID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.correlated = append(l.correlated, runID)
}

func (l *fakeLineage) Emit(ctx context.Context, runID, dataset string, assertions []Assertion) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.emitted == nil {
		l.emitted = make(map[string][]Assertion)
	}
	l.emitted[runID] = assertions
}

type fakeQuerier struct {
	snippets []Snippet
	err      error
	calls    int
}

func (q *fakeQuerier) Query(ctx context.Context, text string, limit int) ([]Snippet, error) {
	q.calls++
	return q.snippets, q.err
}

type fakeContracts struct {
	fail map[string]bool
	seen []string
}

func (c *fakeContracts) ValidateContract(name string, v interface{}) error {
	c.seen = append(c.seen, name)
	if c.fail[name] {
		return errors.New("field target_workflow_id: incomplete value")
	}
	return nil
}

func testCatalog() StaticCatalog {
	return StaticCatalog{
		{
			ID:                 "freeipa_deployment",
			Description:        "Deploy FreeIPA identity management",
			Tags:               []string{"identity", "freeipa", "dns"},
			Domain:             "identity",
			DefaultConf:        map[string]interface{}{"action": "create"},
			EscalationTriggers: []string{"ipa_certificate"},
			EstimatedDuration:  "20m",
		},
		{
			ID:     "vyos_router_deployment",
			Tags:   []string{"network", "router"},
			Domain: "network",
		},
		{
			ID:     "harbor_deployment",
			Tags:   []string{"registry"},
			Domain: "registry",
		},
		{
			ID:         "vm_provisioning",
			Categories: []string{"vm.create"},
			Domain:     "vm",
		},
		{
			ID:     "legacy_identity_setup",
			Tags:   []string{"identity"},
			Paused: true,
		},
	}
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.PollInterval = time.Millisecond
	opts.MaxRunWait = 2 * time.Second
	opts.CheckTimeout = time.Second
	opts.CommandTimeout = time.Second
	return opts
}

// slowPrereq waits for its context and reports the deadline as an execution failure.
type slowPrereq struct{ name string }

func (p *slowPrereq) Name() string    { return p.name }
func (p *slowPrereq) Mandatory() bool { return true }

func (p *slowPrereq) Run(ctx context.Context, plan *ExecutionPlan) (PrerequisiteResult, error) {
	<-ctx.Done()
	return PrerequisiteResult{}, ctx.Err()
}

func testPlan() *ExecutionPlan {
	return &ExecutionPlan{
		ID:               "plan-1",
		Intent:           "deploy identity server",
		Category:         CategoryDAGTrigger,
		TargetWorkflowID: "freeipa_deployment",
		Steps:            defaultSteps,
		Conf:             map[string]interface{}{"action": "create"},
		Resource:         "freeipa",
		Domain:           "identity",
		Confidence:       1,
		CreatedAt:        time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC),
	}
}
