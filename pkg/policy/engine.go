package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/openfroyo/smartpipeline/pkg/engine"
)

// Engine evaluates fix commands against Rego policies. It implements
// engine.FixApprover.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger
	now      func() time.Time
}

// compiledPolicy is a policy with its prepared deny query.
type compiledPolicy struct {
	policy   Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

var _ engine.FixApprover = (*Engine)(nil)

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
		now:      time.Now,
	}

	if err := e.SetPolicies(context.Background(), nil); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}
	return e, nil
}

// ApproveFix implements engine.FixApprover. The reason lists every denial.
func (e *Engine) ApproveFix(ctx context.Context, runID string, fix engine.FixCommand, autoApprove bool) (bool, string, error) {
	decision, err := e.Evaluate(ctx, newFixInput(runID, fix, autoApprove, e.now()))
	if err != nil {
		return false, "", err
	}
	if decision.Allowed {
		return true, "", nil
	}

	reasons := make([]string, len(decision.Denials))
	for i, d := range decision.Denials {
		reasons[i] = d.Reason
	}
	reason := strings.Join(reasons, "; ")

	e.logger.Info().
		Str("run_id", runID).
		Str("command", fix.Command).
		Bool("destructive", fix.Destructive).
		Str("reason", reason).
		Msg("Fix denied by policy")

	return false, reason, nil
}

// Evaluate evaluates every enabled policy against input. A policy that fails
// to evaluate is reported as a warning; if no policy could be evaluated the
// fix is denied with an error.
func (e *Engine) Evaluate(ctx context.Context, input FixInput) (*Decision, error) {
	start := e.now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, 0, len(e.policies))
	for name, cp := range e.policies {
		if cp.policy.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	decision := &Decision{Allowed: true}
	failures := 0
	for _, name := range names {
		cp := e.policies[name]
		reasons, err := evaluateDeny(ctx, cp, input)
		if err != nil {
			failures++
			e.logger.Error().Err(err).Str("policy", name).Msg("Policy evaluation failed")
			decision.Warnings = append(decision.Warnings, fmt.Sprintf("policy %s evaluation failed: %v", name, err))
			continue
		}
		decision.EvaluatedPolicies = append(decision.EvaluatedPolicies, name)
		for _, r := range reasons {
			decision.Denials = append(decision.Denials, Denial{Policy: name, Reason: r})
		}
	}

	if len(names) > 0 && failures == len(names) {
		return nil, fmt.Errorf("no fix policy could be evaluated: %s", strings.Join(decision.Warnings, "; "))
	}

	decision.Allowed = len(decision.Denials) == 0
	decision.Duration = e.now().Sub(start)
	return decision, nil
}

// evaluateDeny returns the deny reasons of one policy, sorted.
func evaluateDeny(ctx context.Context, cp *compiledPolicy, input FixInput) ([]string, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var reasons []string
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		set, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, v := range set {
			reasons = append(reasons, denialText(v))
		}
	}
	sort.Strings(reasons)
	return reasons, nil
}

// denialText accepts either a string or an object with a message field.
func denialText(v interface{}) string {
	switch d := v.(type) {
	case string:
		return d
	case map[string]interface{}:
		if msg, ok := d["message"].(string); ok {
			return msg
		}
	}
	return fmt.Sprintf("%v", v)
}

// compile parses a policy and prepares its deny query.
func compile(ctx context.Context, policy Policy, now time.Time) (*compiledPolicy, error) {
	module, err := ast.ParseModule(policy.Name+".rego", policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	query, err := rego.New(
		rego.Module(policy.Name+".rego", policy.Rego),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	return &compiledPolicy{policy: policy, query: query, compiled: now}, nil
}

// SetPolicies replaces the loaded policies with the built-ins plus extra.
// A policy in extra with a built-in's name overrides it. Nothing changes when
// any policy fails to compile.
func (e *Engine) SetPolicies(ctx context.Context, extra []Policy) error {
	all := append(GetBuiltinPolicies(), extra...)
	compiled := make(map[string]*compiledPolicy, len(all))
	now := e.now()
	for _, p := range all {
		cp, err := compile(ctx, p, now)
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		compiled[p.Name] = cp
	}

	e.mu.Lock()
	e.policies = compiled
	e.mu.Unlock()

	e.logger.Debug().
		Int("count", len(compiled)).
		Int("custom", len(extra)).
		Msg("Fix policies loaded")
	return nil
}

// LoadPolicies loads .rego files from paths on top of the built-ins.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.SetPolicies(ctx, policies)
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	p := cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies ordered by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		policies = append(policies, cp.policy)
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Name < policies[j].Name })
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}
