package policy

import (
	"time"

	"github.com/openfroyo/smartpipeline/pkg/engine"
)

// Policy is a Rego module that denies fix commands. Every policy defines a
// set rule "deny" of reason strings; a fix runs only when no enabled policy
// denies it.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Source is the file the policy was loaded from; empty for built-ins.
	Source string `json:"source,omitempty"`
}

// FixInput is the input document a policy is evaluated against.
type FixInput struct {
	RunID       string    `json:"run_id"`
	Fix         FixDoc    `json:"fix"`
	AutoApprove bool      `json:"auto_approve"`
	Timestamp   time.Time `json:"timestamp"`
}

// FixDoc is the fix command as seen by policies.
type FixDoc struct {
	Command     string `json:"command"`
	Description string `json:"description,omitempty"`
	Destructive bool   `json:"destructive"`
}

// Decision is the outcome of evaluating all policies against one fix.
type Decision struct {
	// Allowed is true when no policy denied the fix.
	Allowed bool `json:"allowed"`

	// Denials lists every denial, ordered by policy name.
	Denials []Denial `json:"denials,omitempty"`

	// Warnings lists policies that could not be evaluated.
	Warnings []string `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Denial is one reason a policy gave for refusing a fix.
type Denial struct {
	Policy string `json:"policy"`
	Reason string `json:"reason"`
}

func newFixInput(runID string, fix engine.FixCommand, autoApprove bool, now time.Time) FixInput {
	return FixInput{
		RunID: runID,
		Fix: FixDoc{
			Command:     fix.Command,
			Description: fix.Description,
			Destructive: fix.Destructive,
		},
		AutoApprove: autoApprove,
		Timestamp:   now,
	}
}
