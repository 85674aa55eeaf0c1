package engine

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// defaultSteps are used when a catalog entry declares no steps.
var defaultSteps = []PlanStep{
	{Name: "validate", Description: "run pre-flight prerequisite checks"},
	{Name: "trigger", Description: "submit the workflow run"},
	{Name: "observe", Description: "verify the outcome independently of the engine"},
}

// paramsNotInConf are extracted parameters that steer planning and are never
// forwarded to the workflow run configuration.
var paramsNotInConf = map[string]bool{
	"dag_id": true, "conf": true, "query": true, "error_description": true, "component": true,
}

// Planner is the Manager stage. It turns an intent into exactly one
// ExecutionPlan or fails with an AmbiguousIntentError.
type Planner struct {
	catalog   WorkflowCatalog
	querier   ContextQuerier
	contracts ContractValidator
	opts      Options
	logger    zerolog.Logger
	now       func() time.Time
}

// PlannerOption configures a Planner.
type PlannerOption func(*Planner)

// WithContextQuerier lets the planner rank candidate workflows with the
// documentation interface and attach evidence to plans.
func WithContextQuerier(q ContextQuerier) PlannerOption {
	return func(p *Planner) { p.querier = q }
}

// WithPlanContracts validates every plan against the ExecutionPlan contract.
func WithPlanContracts(v ContractValidator) PlannerOption {
	return func(p *Planner) { p.contracts = v }
}

// WithPlannerLogger sets the planner logger.
func WithPlannerLogger(l zerolog.Logger) PlannerOption {
	return func(p *Planner) { p.logger = l }
}

// NewPlanner creates a planner over catalog.
func NewPlanner(catalog WorkflowCatalog, opts Options, options ...PlannerOption) *Planner {
	p := &Planner{
		catalog: catalog,
		opts:    opts.normalize(),
		logger:  zerolog.Nop(),
		now:     time.Now,
	}
	for _, o := range options {
		o(p)
	}
	return p
}

// Plan builds the execution plan for intent. The only external call it may
// make is the read-only context query.
func (p *Planner) Plan(ctx context.Context, intent Intent) (*ExecutionPlan, error) {
	text := strings.TrimSpace(intent.Text)

	cls := NewClassifier(serviceKeywordList(p.catalog)).Classify(text)

	params := Extract(cls.Category, text)
	if len(intent.Params) > 0 {
		if err := mergo.Merge(&params, cloneConf(intent.Params), mergo.WithOverride); err != nil {
			return nil, NewPermanentError("failed to merge intent params", err).
				WithCode(ErrCodeValidation).WithOperation("plan")
		}
	}

	category := cls.Category
	confidence := cls.Confidence
	if id, _ := params["dag_id"].(string); id != "" && !category.IsWrite() {
		// An explicit workflow id is a trigger request regardless of wording.
		category = CategoryDAGTrigger
		confidence = 1
	}

	if p.opts.ReadOnly && category.IsWrite() {
		return nil, NewReadOnlyError(category)
	}

	if category == CategoryHelp {
		return nil, NewAmbiguousIntentError(text, nil).
			WithDetail("category", string(category)).
			WithDetail("help", HelpText(p.catalog)).
			WithDetail("suggestions", UnresolvedSuggestions)
	}

	def, snippets, err := p.resolve(ctx, text, category, params)
	if err != nil {
		return nil, err
	}

	conf, err := buildConf(def, params)
	if err != nil {
		return nil, err
	}

	steps := def.Steps
	if len(steps) == 0 {
		steps = defaultSteps
	}

	resource := def.ID
	if target, ok := ResolveVMTarget(def.ID, &def, conf); ok {
		resource = target.Name
	}

	plan := &ExecutionPlan{
		ID:                   uuid.New().String(),
		Intent:               text,
		Category:             category,
		TargetWorkflowID:     def.ID,
		Steps:                append([]PlanStep(nil), steps...),
		RequiredCapabilities: append([]string(nil), def.Capabilities...),
		EscalationTriggers:   append([]string(nil), def.EscalationTriggers...),
		Conf:                 conf,
		Resource:             resource,
		Domain:               def.Domain,
		EstimatedDuration:    def.Duration(),
		Confidence:           clamp01(confidence),
		Context:              snippets,
		CreatedAt:            p.now(),
	}

	if err := plan.Validate(); err != nil {
		return nil, err
	}
	if p.contracts != nil {
		if err := p.contracts.ValidateContract(ContractExecutionPlan, plan); err != nil {
			return nil, NewPermanentError("execution plan violates its contract", err).
				WithCode(ErrCodeValidation).
				WithResource(plan.TargetWorkflowID).
				WithOperation("plan")
		}
	}

	p.logger.Info().
		Str("plan_id", plan.ID).
		Str("workflow_id", plan.TargetWorkflowID).
		Str("category", string(plan.Category)).
		Float64("confidence", plan.Confidence).
		Msg("Execution plan created")

	return plan, nil
}

// resolve selects exactly one workflow. Explicit ids win, then service
// keywords, then catalog categories, then documentation evidence.
func (p *Planner) resolve(ctx context.Context, text string, category Category, params map[string]interface{}) (WorkflowDefinition, []Snippet, error) {
	if p.catalog == nil {
		return WorkflowDefinition{}, nil, NewAmbiguousIntentError(text, nil).
			WithDetail("reason", "no workflow catalog configured")
	}

	if id, _ := params["dag_id"].(string); id != "" {
		def, ok := p.catalog.Workflow(id)
		if !ok || def.Paused {
			return WorkflowDefinition{}, nil, NewAmbiguousIntentError(text, nil).
				WithDetail("reason", fmt.Sprintf("workflow %q is not in the catalog or is paused", id))
		}
		return def, p.gatherContext(ctx, text), nil
	}

	var candidates []string
	if category == CategoryDAGTrigger || category == CategoryUnknown {
		candidates = keywordCandidates(p.catalog, text)
	}
	if len(candidates) == 0 && category != CategoryUnknown {
		candidates = categoryCandidates(p.catalog, category)
	}

	snippets := p.gatherContext(ctx, text)
	if len(candidates) == 0 && !category.AnswersFromContext() {
		candidates = evidenceCandidates(p.catalog, snippets)
	}

	switch len(candidates) {
	case 1:
		def, _ := p.catalog.Workflow(candidates[0])
		return def, snippets, nil
	case 0:
		err := NewAmbiguousIntentError(text, nil).
			WithDetail("category", string(category)).
			WithDetail("suggestions", UnresolvedSuggestions)
		if category.AnswersFromContext() && len(snippets) > 0 {
			err = err.WithDetail("context", snippets)
		}
		return WorkflowDefinition{}, nil, err
	default:
		return WorkflowDefinition{}, nil, NewAmbiguousIntentError(text, candidates).
			WithDetail("category", string(category))
	}
}

// gatherContext runs the read-only context query. Failures only reduce
// evidence quality.
func (p *Planner) gatherContext(ctx context.Context, text string) []Snippet {
	if p.querier == nil || text == "" {
		return nil
	}
	snippets, err := p.querier.Query(ctx, text, p.opts.ContextLimit)
	if err != nil {
		p.logger.Warn().Err(err).Msg("Context query failed, planning without documentation evidence")
		return nil
	}
	return snippets
}

func serviceKeywordList(catalog WorkflowCatalog) []string {
	mapping := ServiceKeywords(catalog)
	keys := make([]string, 0, len(mapping))
	for k := range mapping {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func keywordCandidates(catalog WorkflowCatalog, text string) []string {
	lower := strings.ToLower(text)
	seen := make(map[string]bool)
	for keyword, id := range ServiceKeywords(catalog) {
		if regexp.MustCompile(`\b` + regexp.QuoteMeta(keyword) + `\b`).MatchString(lower) {
			seen[id] = true
		}
	}
	return sortedKeys(seen)
}

func categoryCandidates(catalog WorkflowCatalog, category Category) []string {
	seen := make(map[string]bool)
	for _, def := range activeWorkflows(catalog) {
		for _, c := range def.Categories {
			if Category(c) == category {
				seen[def.ID] = true
			}
		}
	}
	return sortedKeys(seen)
}

// evidenceCandidates returns workflows named by documentation snippets.
func evidenceCandidates(catalog WorkflowCatalog, snippets []Snippet) []string {
	seen := make(map[string]bool)
	for _, s := range snippets {
		haystack := strings.ToLower(s.Source + " " + s.Title + " " + s.Content)
		for _, def := range activeWorkflows(catalog) {
			if strings.Contains(haystack, strings.ToLower(def.ID)) {
				seen[def.ID] = true
			}
		}
	}
	return sortedKeys(seen)
}

// buildConf layers catalog defaults, inline conf={...} and remaining params.
func buildConf(def WorkflowDefinition, params map[string]interface{}) (map[string]interface{}, error) {
	conf := cloneConf(def.DefaultConf)
	if conf == nil {
		conf = make(map[string]interface{})
	}

	if inline, ok := params["conf"].(map[string]interface{}); ok {
		if err := mergo.Merge(&conf, cloneConf(inline), mergo.WithOverride); err != nil {
			return nil, NewPermanentError("failed to merge run configuration", err).
				WithCode(ErrCodeValidation).WithResource(def.ID).WithOperation("plan")
		}
	}

	extra := make(map[string]interface{})
	for k, v := range params {
		if !paramsNotInConf[k] {
			extra[k] = v
		}
	}
	if err := mergo.Merge(&conf, extra, mergo.WithOverride); err != nil {
		return nil, NewPermanentError("failed to merge run configuration", err).
			WithCode(ErrCodeValidation).WithResource(def.ID).WithOperation("plan")
	}
	return conf, nil
}

// cloneConf deep-copies nested maps and slices so merges never touch the catalog.
func cloneConf(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return cloneConf(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	default:
		return v
	}
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
