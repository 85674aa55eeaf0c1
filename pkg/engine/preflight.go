package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Confidence weights.
const (
	weightPassRate        = 0.6
	weightEvidence        = 0.25
	weightClassification  = 0.15
	infrastructurePenalty = 0.1
	evidenceSnippets      = 3
)

// Preflight is the Developer stage. It runs the prerequisite checks of a
// plan and decides whether the plan may be submitted.
type Preflight struct {
	registry  CheckRegistry
	contracts ContractValidator
	opts      Options
	logger    zerolog.Logger
	now       func() time.Time
}

// PreflightOption configures a Preflight.
type PreflightOption func(*Preflight)

// WithValidationContracts validates every result against the ValidationResult contract.
func WithValidationContracts(v ContractValidator) PreflightOption {
	return func(p *Preflight) { p.contracts = v }
}

// WithPreflightLogger sets the logger.
func WithPreflightLogger(l zerolog.Logger) PreflightOption {
	return func(p *Preflight) { p.logger = l }
}

// NewPreflight creates a Developer stage over registry.
func NewPreflight(registry CheckRegistry, opts Options, options ...PreflightOption) *Preflight {
	p := &Preflight{
		registry: registry,
		opts:     opts.normalize(),
		logger:   zerolog.Nop(),
		now:      time.Now,
	}
	for _, o := range options {
		o(p)
	}
	return p
}

// Validate runs the prerequisite checks of plan. The result is always
// returned when the plan is well formed. The error is a PrerequisiteError
// when a mandatory check did not pass, or an InfrastructureError when every
// blocking check failed only because it could not execute.
func (p *Preflight) Validate(ctx context.Context, plan *ExecutionPlan) (*ValidationResult, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	result := &ValidationResult{
		ValidationErrors:   []string{},
		RecommendedActions: []string{},
		Checks:             []PrerequisiteResult{},
	}

	var (
		executed, passed int
		blocking         []string
		blockingInfra    []string
		infraCause       error
	)

	var checks []PrerequisiteCheck
	if p.registry != nil {
		checks = p.registry.PrerequisiteChecks(plan)
	}

	for _, check := range checks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		res := p.runCheck(ctx, check, plan)
		result.Checks = append(result.Checks, res)

		if !res.Executed() {
			result.InfrastructureErrors = append(result.InfrastructureErrors,
				fmt.Sprintf("%s: %s", res.Name, res.InfrastructureError))
			result.RecommendedActions = append(result.RecommendedActions,
				fmt.Sprintf("Restore access for check %s and retry", res.Name))
			if res.Mandatory {
				blocking = append(blocking, res.Name+": could not execute")
				blockingInfra = append(blockingInfra, res.Name)
				if infraCause == nil {
					infraCause = errors.New(res.InfrastructureError)
				}
			}
			continue
		}

		executed++
		switch {
		case res.Status.Passed():
			passed++
			if res.Status == CheckFixed {
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("%s: auto-fixed: %s", res.Name, res.FixApplied))
			}
		case res.Status == CheckWarning:
			result.Warnings = append(result.Warnings, fmt.Sprintf("%s: %s", res.Name, res.Message))
		default:
			msg := fmt.Sprintf("%s: %s", res.Name, res.Message)
			if res.Mandatory {
				result.ValidationErrors = append(result.ValidationErrors, msg)
				result.RecommendedActions = append(result.RecommendedActions,
					fmt.Sprintf("Resolve %s before resubmitting", res.Name))
				blocking = append(blocking, msg)
			} else {
				result.Warnings = append(result.Warnings, msg)
			}
		}
	}

	result.PrerequisitesMet = len(blocking) == 0
	result.Confidence = Confidence(executed, passed, plan.Context, plan.Confidence, len(result.InfrastructureErrors))

	// PrerequisitesMet stays the conjunction of the mandatory checks; a
	// required confidence blocks through the error alone.
	lowConfidence := false
	if result.Confidence < p.opts.ConfidenceThreshold {
		msg := fmt.Sprintf("confidence %.2f is below threshold %.2f", result.Confidence, p.opts.ConfidenceThreshold)
		if p.opts.RequireConfidence {
			result.ValidationErrors = append(result.ValidationErrors, msg)
			result.RecommendedActions = append(result.RecommendedActions,
				"Add context or parameters to the intent and resubmit")
			blocking = append(blocking, msg)
			lowConfidence = true
		} else {
			result.Warnings = append(result.Warnings, msg)
		}
	}
	result.ValidatedAt = p.now()

	if p.contracts != nil {
		if err := p.contracts.ValidateContract(ContractValidationResult, result); err != nil {
			return result, NewPermanentError("validation result violates its contract", err).
				WithCode(ErrCodeValidation).
				WithResource(plan.TargetWorkflowID).
				WithOperation("preflight")
		}
	}

	logEvent := p.logger.Info()
	if len(blocking) > 0 {
		logEvent = p.logger.Warn()
	}
	logEvent.
		Str("plan_id", plan.ID).
		Str("workflow_id", plan.TargetWorkflowID).
		Bool("prerequisites_met", result.PrerequisitesMet).
		Float64("confidence", result.Confidence).
		Int("checks", len(result.Checks)).
		Int("infrastructure_errors", len(result.InfrastructureErrors)).
		Msg("Pre-flight validation finished")

	if len(blocking) == 0 {
		return result, nil
	}
	if !lowConfidence && len(blockingInfra) == len(blocking) && infraCause != nil {
		return result, NewInfrastructureError(strings.Join(blockingInfra, ", "), infraCause).
			WithOperation("preflight").
			WithDetail("workflow_id", plan.TargetWorkflowID)
	}
	return result, NewPrerequisiteError(plan.TargetWorkflowID, blocking)
}

func (p *Preflight) runCheck(ctx context.Context, check PrerequisiteCheck, plan *ExecutionPlan) PrerequisiteResult {
	cctx, cancel := context.WithTimeout(ctx, p.opts.CheckTimeout)
	defer cancel()

	res, err := check.Run(cctx, plan)
	if res.Name == "" {
		res.Name = check.Name()
	}
	res.Mandatory = check.Mandatory()

	if err != nil {
		res.Status = CheckError
		res.InfrastructureError = err.Error()
		if res.Message == "" {
			res.Message = "check could not execute"
		}
		p.logger.Warn().Err(err).Str("check", res.Name).Msg("Prerequisite check could not execute")
		return res
	}
	if res.Status == "" {
		res.Status = CheckError
	}
	return res
}

// Confidence combines the prerequisite pass rate, the quality of the
// documentation evidence and the classification confidence. Every check that
// could not execute costs a fixed penalty. The result is clamped to [0,1].
func Confidence(executed, passed int, evidence []Snippet, classification float64, infraErrors int) float64 {
	passRate := 1.0
	if executed > 0 {
		passRate = float64(passed) / float64(executed)
	} else if infraErrors > 0 {
		passRate = 0
	}

	score := weightPassRate*passRate +
		weightEvidence*evidenceQuality(evidence) +
		weightClassification*clamp01(classification) -
		infrastructurePenalty*float64(infraErrors)

	return round2(clamp01(score))
}

// evidenceQuality is the mean score of the best snippets.
func evidenceQuality(snippets []Snippet) float64 {
	if len(snippets) == 0 {
		return 0
	}
	scores := make([]float64, len(snippets))
	for i, s := range snippets {
		scores[i] = clamp01(s.Score)
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(scores)))
	if len(scores) > evidenceSnippets {
		scores = scores[:evidenceSnippets]
	}
	sum := 0.0
	for _, s := range scores {
		sum += s
	}
	return sum / float64(len(scores))
}
