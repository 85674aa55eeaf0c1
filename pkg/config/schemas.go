package config

import (
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	json "github.com/goccy/go-json"

	"github.com/openfroyo/smartpipeline/pkg/engine"
)

// SchemaRegistry manages the CUE schemas of the records exchanged between
// pipeline stages. It implements engine.ContractValidator.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a schema registry with the built-in contracts.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	for name, src := range builtinSchemas {
		if err := sr.RegisterSchema(name, src); err != nil {
			// Built-in schemas are compiled into the binary.
			panic(err)
		}
	}

	return sr
}

// RegisterSchema compiles src and registers the definition #name it declares.
func (sr *SchemaRegistry) RegisterSchema(name, src string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(src, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	def := val.LookupPath(cue.MakePath(cue.Def(name)))
	if !def.Exists() {
		return fmt.Errorf("schema %s does not declare #%s", name, name)
	}
	if err := def.Err(); err != nil {
		return fmt.Errorf("invalid schema %s: %w", name, err)
	}

	sr.schemas[name] = def
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ListSchemas returns all registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateContract validates v against the named schema. The value is
// validated in its JSON form, which is the form other stages and the store
// see.
func (sr *SchemaRegistry) ValidateContract(name string, v interface{}) error {
	schema, ok := sr.GetSchema(name)
	if !ok {
		return fmt.Errorf("schema %s not found", name)
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}

	// cue.Context is not safe for concurrent evaluation.
	sr.mu.Lock()
	defer sr.mu.Unlock()

	dataVal := sr.ctx.CompileBytes(raw, cue.Filename(name+".json"))
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%s violates its contract: %w", name, err)
	}
	return nil
}

var builtinSchemas = map[string]string{
	engine.ContractExecutionPlan:    executionPlanSchema,
	engine.ContractValidationResult: validationResultSchema,
	engine.ContractObserverReport:   observerReportSchema,
	workflowSchemaName:              workflowSchema,
}

const executionPlanSchema = `
#ExecutionPlan: {
	id:                     string & !=""
	intent:                 string
	category:               string
	target_workflow_id:     string & =~"^[A-Za-z0-9_.-]+$"
	steps: [#Step, ...#Step]
	required_capabilities?: [...string] | null
	escalation_triggers?:   [...string] | null
	conf?:                  {...} | null
	resource?:              string
	domain?:                string
	estimated_duration:     int & >=0
	confidence:             number & >=0 & <=1
	context?:               [...#Snippet] | null
	created_at:             string
}

#Step: {
	name:         string & !=""
	description?: string
}

#Snippet: {
	source:  string
	title?:  string
	content: string
	score:   number & >=0 & <=1
}
`

const validationResultSchema = `
#ValidationResult: {
	prerequisites_met:      bool
	confidence:             number & >=0 & <=1
	validation_errors:      [...string] | null
	recommended_actions:    [...string] | null
	warnings?:              [...string] | null
	infrastructure_errors?: [...string] | null
	checks:                 [...#Check] | null
	validated_at:           string
}

#Check: {
	name:                  string & !=""
	status:                "ok" | "fixed" | "warning" | "error"
	mandatory:             bool
	message:               string
	fix_applied?:          string
	infrastructure_error?: string
	cached?:               bool
}
`

const observerReportSchema = `
#ObserverReport: {
	run_id:               string & !=""
	plan_id:              string
	workflow_id:          string
	engine_state:         "queued" | "running" | "success" | "failed" | "unknown" | ""
	execution_status:     "success" | "success_with_corrections" | "success_with_warnings" | "escalated" | "failed"
	shadow_error_history: [...#ShadowError] | null
	concern_level:        "none" | "info" | "warning" | "critical"
	recommendations:      [...string] | null
	retry_count:          int & >=0 & <=max_retries
	max_retries:          int & >=0
	attempts?:            [...{...}] | null
	state_trace:          [...#State] | null
	validation?:          {...} | null
	orphaned?:            bool
	created_at:           string
	completed_at:         string
}

#State: "validating" | "resolved" | "correction_needed" | "correcting" | "revalidating" | "escalated"

#ShadowError: {
	id:                  string
	run_id:              string
	attempt:             int & >=0
	kind:                string
	severity:            "info" | "warning" | "critical"
	detected_by:         string & !=""
	evidence:            [...{...}] | null
	fix_commands:        [...#Fix] | null
	escalation_trigger?: bool
	detected_at:         string
}

#Fix: {
	command:      string & !=""
	description?: string
	destructive:  bool
}
`

const workflowSchemaName = "Workflow"

const workflowSchema = `
#Workflow: {
	id:                  string & =~"^[A-Za-z0-9_.-]+$"
	description?:        string
	tags?:               [...string]
	categories?:         [...string]
	domain?:             string
	resource?:           string
	ssh_user?:           string
	steps?:              [...{name: string & !="", description?: string}]
	capabilities?:       [...string]
	estimated_duration?: string & =~"^[0-9]+(ns|us|ms|s|m|h)([0-9]+(ns|us|ms|s|m|h))*$"
	default_conf?:       {...}
	escalation_triggers?: [...string]
	prerequisites?:      [...#CheckSpec]
	outcome_checks?:     [...#CheckSpec]
	paused?:             bool
}

#CheckSpec: {
	name:       string & !=""
	type:       string & !=""
	mandatory?: bool
	severity?:  "info" | "warning" | "critical"
	params?:    {[string]: string}
}
`
