// Package checks implements the outcome and prerequisite checks the pipeline
// runs against real infrastructure.
//
// Outcome checks verify the effect of a workflow run independently of the
// workflow engine (a systemd unit is active, a name resolves, a certificate
// is valid, an endpoint answers). Prerequisite checks run before submission
// and may auto-fix what they find (a missing Airflow SSH connection, an empty
// RAG index).
//
// Checks are declared per workflow in the catalog as CheckSpec entries and
// resolved by Registry, which implements engine.CheckRegistry.
package checks

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/openfroyo/smartpipeline/pkg/engine"
)

// Outcome check kinds.
const (
	KindProcess     = "process"
	KindDNS         = "dns"
	KindCertificate = "certificate"
	KindHTTP        = "http"
	KindPort        = "port"
	KindScript      = "script"
	KindEngineState = "engine_state"
)

// Prerequisite check types.
const (
	TypeTCP               = "tcp"
	TypeCommand           = "command"
	TypeHTTP              = "http"
	TypeRAG               = "rag"
	TypeVMSSH             = "vm_ssh"
	TypeAirflowConnection = "airflow_connection"
)

// outcomeBase carries the fields every outcome check shares.
type outcomeBase struct {
	name      string
	kind      string
	predicate string
	severity  engine.Severity
	fixes     []engine.FixCommand
}

func (b outcomeBase) Name() string                     { return b.name }
func (b outcomeBase) Kind() string                     { return b.kind }
func (b outcomeBase) Predicate() string                { return b.predicate }
func (b outcomeBase) Severity() engine.Severity        { return b.severity }
func (b outcomeBase) FixCommands() []engine.FixCommand { return b.fixes }

func (b outcomeBase) evidence(detail string) engine.Evidence {
	return engine.Evidence{Source: b.name, Detail: detail}
}

// unreachable builds an observation for a resource that could not be observed.
func (b outcomeBase) unreachable(detail string) *engine.Observation {
	return &engine.Observation{
		Evidence:    []engine.Evidence{b.evidence(detail)},
		Facts:       map[string]string{},
		Unreachable: true,
	}
}

// severityOf returns the spec severity or fallback when unset or invalid.
func severityOf(spec engine.CheckSpec, fallback engine.Severity) engine.Severity {
	if spec.Severity != "" && spec.Severity.Validate() == nil {
		return spec.Severity
	}
	return fallback
}

// specFixes reads the generic fix parameters shared by every outcome check:
// "fix" is a safe command and "fix_destructive" needs approval.
func specFixes(spec engine.CheckSpec) []engine.FixCommand {
	var fixes []engine.FixCommand
	if cmd := spec.Param("fix", ""); cmd != "" {
		fixes = append(fixes, engine.FixCommand{Command: cmd, Description: "configured fix for " + spec.Name})
	}
	if cmd := spec.Param("fix_destructive", ""); cmd != "" {
		fixes = append(fixes, engine.FixCommand{Command: cmd, Description: "configured destructive fix for " + spec.Name, Destructive: true})
	}
	return fixes
}

// expandSpec substitutes ${key} references in params with values from the
// plan's run configuration. Unknown keys expand to the empty string.
func expandSpec(spec engine.CheckSpec, plan *engine.ExecutionPlan) engine.CheckSpec {
	if len(spec.Params) == 0 {
		return spec
	}
	var conf map[string]interface{}
	if plan != nil {
		conf = plan.Conf
	}
	params := make(map[string]string, len(spec.Params))
	for k, v := range spec.Params {
		params[k] = os.Expand(v, func(key string) string {
			if val, ok := conf[key]; ok && val != nil {
				return fmt.Sprint(val)
			}
			return ""
		})
	}
	spec.Params = params
	return spec
}

func intParam(spec engine.CheckSpec, key string, fallback int) int {
	if v, err := strconv.Atoi(spec.Param(key, "")); err == nil {
		return v
	}
	return fallback
}

func durationParam(spec engine.CheckSpec, key string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(spec.Param(key, "")); err == nil && d > 0 {
		return d
	}
	return fallback
}

func boolParam(spec engine.CheckSpec, key string) bool {
	b, _ := strconv.ParseBool(spec.Param(key, "false"))
	return b
}

// sortedFacts renders facts as "k=v" pairs for evidence.
func sortedFacts(facts map[string]string) string {
	keys := make([]string, 0, len(facts))
	for k := range facts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+facts[k])
	}
	return strings.Join(parts, " ")
}

// shellQuote quotes s for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// truncate shortens command output kept as evidence.
func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
