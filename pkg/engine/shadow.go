package engine

import (
	"time"

	"github.com/google/uuid"
)

// DetectShadowErrors converts the failed outcomes of one Observer pass into
// shadow errors. Checks named in the plan's escalation triggers are raised as
// critical. An all-passing pass yields an empty, non-nil slice.
func DetectShadowErrors(runID string, plan *ExecutionPlan, attempt int, outcomes []CheckOutcome, now time.Time) []ShadowError {
	triggers := make(map[string]bool)
	if plan != nil {
		for _, name := range plan.EscalationTriggers {
			triggers[name] = true
		}
	}

	errs := []ShadowError{}
	for _, out := range outcomes {
		if out.Passed {
			continue
		}
		check := out.Check

		severity := check.Severity()
		if severity == "" {
			severity = SeverityWarning
		}
		escalation := triggers[check.Name()]
		if escalation {
			severity = SeverityCritical
		}

		errs = append(errs, ShadowError{
			ID:                uuid.New().String(),
			RunID:             runID,
			Attempt:           attempt,
			Kind:              check.Kind(),
			Severity:          severity,
			DetectedBy:        check.Name(),
			Evidence:          append([]Evidence(nil), out.Evidence...),
			FixCommands:       append([]FixCommand(nil), check.FixCommands()...),
			EscalationTrigger: escalation,
			DetectedAt:        now,
		})
	}
	return errs
}

// ConcernLevelOf returns the concern level of a set of shadow errors: the
// highest severity, except that critical requires two critical errors or a
// failed escalation trigger. A lone critical error is a warning concern.
func ConcernLevelOf(errs []ShadowError) ConcernLevel {
	if len(errs) == 0 {
		return ConcernNone
	}

	criticals := 0
	highest := 0
	for _, e := range errs {
		if e.EscalationTrigger {
			return ConcernCritical
		}
		if e.Severity == SeverityCritical {
			criticals++
		}
		if r := e.Severity.Rank(); r > highest {
			highest = r
		}
	}

	switch {
	case criticals >= 2:
		return ConcernCritical
	case highest >= SeverityWarning.Rank():
		return ConcernWarning
	case highest >= SeverityInfo.Rank():
		return ConcernInfo
	default:
		return ConcernNone
	}
}

// actionable returns the shadow errors that drive correction: warning or worse.
func actionable(errs []*ShadowError) []*ShadowError {
	var out []*ShadowError
	for _, e := range errs {
		if e.Severity.Rank() >= SeverityWarning.Rank() {
			out = append(out, e)
		}
	}
	return out
}

func hasCritical(errs []*ShadowError) bool {
	for _, e := range errs {
		if e.Severity == SeverityCritical {
			return true
		}
	}
	return false
}
