package checks

import (
	"fmt"
	"strings"

	"github.com/openfroyo/smartpipeline/pkg/engine"
)

// Report labels.
const (
	LabelSSH   = "SSH Pre-flight"
	LabelVMSSH = "VM SSH Pre-flight"
	LabelRAG   = "RAG Pre-flight"
)

// FormatPreflight renders pre-flight results the way they are prepended to
// trigger output. It is brief when every check passed without a fix.
func FormatPreflight(label string, results []engine.PrerequisiteResult) string {
	if len(results) == 0 {
		return ""
	}

	allOK := true
	var fixed, warnings, errs []engine.PrerequisiteResult
	for _, r := range results {
		switch {
		case !r.Executed():
			errs = append(errs, r)
		case r.Status == engine.CheckFixed:
			fixed = append(fixed, r)
		case r.Status == engine.CheckWarning:
			warnings = append(warnings, r)
		case r.Status == engine.CheckError:
			errs = append(errs, r)
		}
		if r.Status != engine.CheckOK || !r.Executed() {
			allOK = false
		}
	}
	if allOK {
		return fmt.Sprintf("[%s] All checks passed.", label)
	}

	lines := []string{fmt.Sprintf("[%s]", label)}
	if len(fixed) > 0 {
		fixes := make([]string, 0, len(fixed))
		for _, r := range fixed {
			if r.FixApplied != "" {
				fixes = append(fixes, r.FixApplied)
			} else {
				fixes = append(fixes, r.Message)
			}
		}
		lines = append(lines, fmt.Sprintf("  Auto-fixed %d issue(s): %s", len(fixed), strings.Join(fixes, "; ")))
	}
	for _, r := range warnings {
		lines = append(lines, "  WARNING: "+r.Message)
	}
	for _, r := range errs {
		msg := r.Message
		if !r.Executed() {
			msg = fmt.Sprintf("%s: %s", r.Name, r.InfrastructureError)
		}
		lines = append(lines, "  ERROR: "+msg)
	}
	return strings.Join(lines, "\n")
}

// GroupResults splits validation checks into the SSH connection, VM SSH,
// RAG and remaining groups, keyed by report label. Remaining checks use
// the label "Pre-flight".
func GroupResults(results []engine.PrerequisiteResult) map[string][]engine.PrerequisiteResult {
	groups := make(map[string][]engine.PrerequisiteResult)
	for _, r := range results {
		label := "Pre-flight"
		switch r.Name {
		case CheckConnectionExists, CheckSSHUser, CheckSSHKey, CheckSSHDReachable:
			label = LabelSSH
		case CheckVMSSH:
			label = LabelVMSSH
		case CheckRAGDocuments, CheckRAGChunks:
			label = LabelRAG
		}
		groups[label] = append(groups[label], r)
	}
	return groups
}

// FormatValidation renders every group of a validation result, SSH first.
func FormatValidation(v *engine.ValidationResult) string {
	if v == nil {
		return ""
	}
	groups := GroupResults(v.Checks)
	var parts []string
	for _, label := range []string{LabelSSH, LabelVMSSH, LabelRAG, "Pre-flight"} {
		if s := FormatPreflight(label, groups[label]); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n")
}
