package checks

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/openfroyo/smartpipeline/pkg/config"
	"github.com/openfroyo/smartpipeline/pkg/engine"
)

// factPredicate holds the predicate verdict computed while gathering.
const factPredicate = "predicate"

// ScriptCheck runs a command and evaluates a Starlark predicate over its
// result. Without a predicate the command must exit 0.
//
// The predicate sees a dict named facts with the keys exit_code, stdout and
// stderr and must assign the global passed:
//
//	passed = facts["exit_code"] == "0" and "Active" in facts["stdout"]
type ScriptCheck struct {
	outcomeBase
	command   string
	script    string
	runner    engine.CommandRunner
	evaluator *config.StarlarkEvaluator
	timeout   time.Duration
}

// NewScriptCheck creates a script check. Params: "command" (required), "via"
// (user@host for a second hop), "predicate" (Starlark), "description".
func NewScriptCheck(spec engine.CheckSpec, runner engine.CommandRunner, evaluator *config.StarlarkEvaluator, timeout time.Duration) (*ScriptCheck, error) {
	command := spec.Param("command", "")
	if command == "" {
		return nil, fmt.Errorf("script check %s: command is required", spec.Name)
	}
	if via := spec.Param("via", ""); via != "" {
		command = sshCommand(via, command)
	}
	if evaluator == nil {
		evaluator = config.NewStarlarkEvaluator(config.DefaultScriptTimeout)
	}
	script := spec.Param("predicate", "")
	predicate := spec.Param("description", "")
	if predicate == "" {
		predicate = fmt.Sprintf("%q exits 0", spec.Param("command", ""))
		if script != "" {
			predicate = fmt.Sprintf("%q satisfies predicate", spec.Param("command", ""))
		}
	}
	return &ScriptCheck{
		outcomeBase: outcomeBase{
			name:      spec.Name,
			kind:      KindScript,
			predicate: predicate,
			severity:  severityOf(spec, engine.SeverityWarning),
			fixes:     specFixes(spec),
		},
		command:   command,
		script:    script,
		runner:    runner,
		evaluator: evaluator,
		timeout:   durationParam(spec, "timeout", timeout),
	}, nil
}

// GatherEvidence implements engine.OutcomeCheck.
func (c *ScriptCheck) GatherEvidence(ctx context.Context) (*engine.Observation, error) {
	res, err := c.runner.Run(ctx, c.command, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", c.name, err)
	}

	facts := map[string]string{
		"exit_code": strconv.Itoa(res.ExitCode),
		"stdout":    res.Stdout,
		"stderr":    res.Stderr,
	}
	evidence := []engine.Evidence{c.evidence(fmt.Sprintf("exit %d: %s", res.ExitCode, truncate(res.Stdout+res.Stderr, 500)))}

	verdict := res.ExitCode == 0
	if c.script != "" {
		ok, err := c.evaluator.EvaluatePredicate(ctx, c.script, facts)
		if err != nil {
			ok = false
			evidence = append(evidence, c.evidence("predicate error: "+err.Error()))
		}
		verdict = ok
	}
	facts[factPredicate] = strconv.FormatBool(verdict)

	return &engine.Observation{Evidence: evidence, Facts: facts}, nil
}

// Passed implements engine.OutcomeCheck.
func (c *ScriptCheck) Passed(obs *engine.Observation) bool {
	return obs != nil && !obs.Unreachable && obs.Facts[factPredicate] == "true"
}

// EngineStateCheck records the workflow engine's own verdict as an
// informational outcome. It never drives correction.
type EngineStateCheck struct {
	outcomeBase
	engine     engine.WorkflowEngine
	workflowID string
	runID      string
}

// NewEngineStateCheck creates an engine state check for a plan's run.
func NewEngineStateCheck(name string, eng engine.WorkflowEngine, plan *engine.ExecutionPlan) *EngineStateCheck {
	return &EngineStateCheck{
		outcomeBase: outcomeBase{
			name:      name,
			kind:      KindEngineState,
			predicate: fmt.Sprintf("engine reports %s succeeded", plan.TargetWorkflowID),
			severity:  engine.SeverityInfo,
		},
		engine:     eng,
		workflowID: plan.TargetWorkflowID,
		runID:      engine.RunIDForPlan(plan),
	}
}

// GatherEvidence implements engine.OutcomeCheck.
func (c *EngineStateCheck) GatherEvidence(ctx context.Context) (*engine.Observation, error) {
	status, err := c.engine.Status(ctx, c.workflowID, c.runID)
	if err != nil {
		return nil, fmt.Errorf("engine status of %s: %w", c.runID, err)
	}
	return &engine.Observation{
		Evidence: []engine.Evidence{c.evidence(fmt.Sprintf("engine state of %s: %s", c.runID, status.State))},
		Facts:    map[string]string{"state": string(status.State)},
	}, nil
}

// Passed implements engine.OutcomeCheck.
func (c *EngineStateCheck) Passed(obs *engine.Observation) bool {
	return obs != nil && obs.Facts["state"] == string(engine.RunStateSuccess)
}
