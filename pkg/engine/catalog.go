package engine

import (
	"sort"
	"strings"
	"time"
)

// WorkflowDefinition describes one workflow the engine can submit, together
// with the checks that verify it.
type WorkflowDefinition struct {
	// ID is the workflow (DAG) identifier.
	ID string `yaml:"id" json:"id" validate:"required"`

	// Description is a human-readable summary.
	Description string `yaml:"description" json:"description,omitempty"`

	// Tags are free-form tags. Specific tags become service keywords.
	Tags []string `yaml:"tags" json:"tags,omitempty"`

	// Categories are intent categories that resolve to this workflow when no
	// service keyword names a workflow (e.g. "vm.create").
	Categories []string `yaml:"categories" json:"categories,omitempty"`

	// Domain selects the outcome check family (identity, network, registry, ...).
	Domain string `yaml:"domain" json:"domain,omitempty"`

	// Resource is the VM or service the workflow changes.
	Resource string `yaml:"resource" json:"resource,omitempty"`

	// SSHUser is the login used for second-hop checks on Resource.
	SSHUser string `yaml:"ssh_user" json:"ssh_user,omitempty"`

	// Steps are the plan steps. Defaults apply when empty.
	Steps []PlanStep `yaml:"steps" json:"steps,omitempty"`

	// Capabilities are required capabilities of the target.
	Capabilities []string `yaml:"capabilities" json:"capabilities,omitempty"`

	// EstimatedDuration is the expected run time (e.g. "20m").
	EstimatedDuration string `yaml:"estimated_duration" json:"estimated_duration,omitempty"`

	// DefaultConf is merged under the extracted run configuration.
	DefaultConf map[string]interface{} `yaml:"default_conf" json:"default_conf,omitempty"`

	// EscalationTriggers are outcome check names whose failure is escalation-grade.
	EscalationTriggers []string `yaml:"escalation_triggers" json:"escalation_triggers,omitempty"`

	// Prerequisites are the pre-flight checks of this workflow.
	Prerequisites []CheckSpec `yaml:"prerequisites" json:"prerequisites,omitempty"`

	// OutcomeChecks are the post-execution checks of this workflow.
	OutcomeChecks []CheckSpec `yaml:"outcome_checks" json:"outcome_checks,omitempty"`

	// Paused workflows are never selected.
	Paused bool `yaml:"paused" json:"paused,omitempty"`
}

// Duration parses EstimatedDuration, returning zero when unset or invalid.
func (w WorkflowDefinition) Duration() time.Duration {
	d, err := time.ParseDuration(w.EstimatedDuration)
	if err != nil {
		return 0
	}
	return d
}

// CheckSpec declares a check in the catalog.
type CheckSpec struct {
	// Name identifies the check.
	Name string `yaml:"name" json:"name" validate:"required"`

	// Type selects the check variant.
	Type string `yaml:"type" json:"type" validate:"required"`

	// Mandatory marks pre-flight checks that block submission.
	Mandatory bool `yaml:"mandatory" json:"mandatory,omitempty"`

	// Severity is the shadow error severity for outcome checks.
	Severity Severity `yaml:"severity" json:"severity,omitempty"`

	// Params are variant-specific parameters.
	Params map[string]string `yaml:"params" json:"params,omitempty"`
}

// Param returns a parameter or fallback when unset.
func (c CheckSpec) Param(key, fallback string) string {
	if v, ok := c.Params[key]; ok && v != "" {
		return v
	}
	return fallback
}

// WorkflowCatalog lists the workflows known to the pipeline.
type WorkflowCatalog interface {
	// Workflows returns all workflow definitions.
	Workflows() []WorkflowDefinition

	// Workflow returns one definition by ID.
	Workflow(id string) (WorkflowDefinition, bool)
}

// genericWords are too generic to identify a workflow.
var genericWords = map[string]bool{
	"qubinode": true, "infrastructure": true, "deployment": true, "deploy": true,
	"kcli-pipelines": true, "ocp4-disconnected-helper": true, "disconnected": true,
	"utility": true, "workflow": true, "master": true, "ci": true, "openlineage": true,
	"enterprise": true, "kcli": true, "pipelines": true,
	"the": true, "and": true, "for": true,
}

const minKeywordLen = 2

// ServiceKeywords maps service keywords to workflow IDs. Keywords taken from
// workflow ID parts claim their slot before keywords taken from tags, so
// "freeipa" maps to freeipa_deployment rather than to a workflow that merely
// carries a "freeipa" tag.
func ServiceKeywords(catalog WorkflowCatalog) map[string]string {
	defs := activeWorkflows(catalog)
	mapping := make(map[string]string)

	for _, def := range defs {
		for _, part := range strings.Split(strings.ToLower(def.ID), "_") {
			if len(part) < 3 || genericWords[part] {
				continue
			}
			if _, taken := mapping[part]; !taken {
				mapping[part] = def.ID
			}
		}
	}

	for _, def := range defs {
		for _, tag := range def.Tags {
			tag = strings.ToLower(strings.TrimSpace(tag))
			if len(tag) < minKeywordLen || genericWords[tag] {
				continue
			}
			if _, taken := mapping[tag]; !taken {
				mapping[tag] = def.ID
			}
		}
	}

	return mapping
}

func activeWorkflows(catalog WorkflowCatalog) []WorkflowDefinition {
	if catalog == nil {
		return nil
	}
	all := catalog.Workflows()
	defs := make([]WorkflowDefinition, 0, len(all))
	for _, def := range all {
		if !def.Paused {
			defs = append(defs, def)
		}
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs
}

// VMTarget is the VM a workflow deploys and the user to reach it.
type VMTarget struct {
	Name    string
	SSHUser string
}

// defaultVMTargets maps well-known deployment workflows to their VMs.
var defaultVMTargets = map[string]VMTarget{
	"freeipa_deployment":         {Name: "freeipa", SSHUser: "cloud-user"},
	"vyos_router_deployment":     {Name: "vyos-router", SSHUser: "vyos"},
	"harbor_deployment":          {Name: "harbor", SSHUser: "cloud-user"},
	"step_ca_deployment":         {Name: "step-ca", SSHUser: "cloud-user"},
	"jumpserver_deployment":      {Name: "jumpserver", SSHUser: "cloud-user"},
	"mirror_registry_deployment": {Name: "mirror-registry", SSHUser: "cloud-user"},
}

// ResolveVMTarget returns the VM a plan targets. conf["vm_name"] overrides the
// catalog, which overrides the built-in map. ok is false when the workflow
// targets no VM.
func ResolveVMTarget(workflowID string, def *WorkflowDefinition, conf map[string]interface{}) (VMTarget, bool) {
	if name, _ := conf["vm_name"].(string); name != "" {
		user, _ := conf["ssh_user"].(string)
		if user == "" {
			user = "cloud-user"
		}
		return VMTarget{Name: name, SSHUser: user}, true
	}
	if def != nil && def.Resource != "" {
		user := def.SSHUser
		if user == "" {
			user = "cloud-user"
		}
		return VMTarget{Name: def.Resource, SSHUser: user}, true
	}
	t, ok := defaultVMTargets[workflowID]
	return t, ok
}

// StaticCatalog is an in-memory WorkflowCatalog.
type StaticCatalog []WorkflowDefinition

// Workflows implements WorkflowCatalog.
func (c StaticCatalog) Workflows() []WorkflowDefinition {
	return c
}

// Workflow implements WorkflowCatalog.
func (c StaticCatalog) Workflow(id string) (WorkflowDefinition, bool) {
	for _, def := range c {
		if def.ID == id {
			return def, true
		}
	}
	return WorkflowDefinition{}, false
}
