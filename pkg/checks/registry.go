package checks

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/smartpipeline/pkg/clients/rag"
	"github.com/openfroyo/smartpipeline/pkg/config"
	"github.com/openfroyo/smartpipeline/pkg/engine"
)

// Dependencies are the clients checks use. Any may be nil; checks that need
// a missing client are not registered.
type Dependencies struct {
	Runner       engine.CommandRunner
	Engine       engine.WorkflowEngine
	Connections  ConnectionAPI
	EngineHealth EngineHealthAPI
	RAG          RAGAPI
	Evaluator    *config.StarlarkEvaluator
	HTTPClient   HTTPDoer
	Logger       zerolog.Logger
}

// Settings tune the registry.
type Settings struct {
	CheckTimeout  time.Duration
	AutoFix       bool
	SSH           SSHConnectionSettings
	PublicKeyPath string
	ChunksPath    string
	SSHCacheTTL   time.Duration
	VMCacheTTL    time.Duration
	RAGCacheTTL   time.Duration
}

// SettingsFromConfig derives registry settings from the configuration.
func SettingsFromConfig(cfg *config.Config) Settings {
	s := Settings{
		CheckTimeout: time.Duration(cfg.Pipeline.CheckTimeoutSeconds) * time.Second,
		AutoFix:      cfg.Preflight.AutoFix,
		SSH: SSHConnectionSettings{
			ConnectionID: cfg.Engine.SSHConnectionID,
			User:         cfg.SSH.User,
			KeyPath:      cfg.SSH.KeyPath,
			AutoFix:      cfg.Preflight.AutoFix,
		},
		SSHCacheTTL: time.Duration(cfg.Preflight.SSHCacheTTLSeconds) * time.Second,
		VMCacheTTL:  time.Duration(cfg.Preflight.VMCacheTTLSeconds) * time.Second,
		RAGCacheTTL: time.Duration(cfg.Preflight.RAGCacheTTLSeconds) * time.Second,
	}
	if cfg.SSH.KeyPath != "" {
		s.PublicKeyPath = cfg.SSH.KeyPath + ".pub"
	}
	if cfg.Context.DataDir != "" {
		s.ChunksPath = filepath.Join(cfg.Context.DataDir, rag.ChunksDir, rag.ChunksFile)
	}
	return s
}

// Registry resolves the checks of a plan from the workflow catalog. It
// implements engine.CheckRegistry.
//
// Every plan gets the global pre-flight checks (engine health, the SSH
// connection, the RAG index), then the catalog prerequisites of its workflow,
// then the second-hop SSH check of the VM it deploys to. Outcome checks come
// from the catalog; a workflow without any gets a VM state check when it
// targets a VM. The engine state check is always added with info severity.
type Registry struct {
	catalog  engine.WorkflowCatalog
	deps     Dependencies
	settings Settings
	logger   zerolog.Logger

	global []engine.PrerequisiteCheck

	mu sync.Mutex
	vm map[string]engine.PrerequisiteCheck
}

// NewRegistry creates a Registry.
func NewRegistry(catalog engine.WorkflowCatalog, deps Dependencies, settings Settings) *Registry {
	if settings.CheckTimeout <= 0 {
		settings.CheckTimeout = 30 * time.Second
	}
	if deps.Evaluator == nil {
		deps.Evaluator = config.NewStarlarkEvaluator(config.DefaultScriptTimeout)
	}
	r := &Registry{
		catalog:  catalog,
		deps:     deps,
		settings: settings,
		logger:   deps.Logger.With().Str("component", "checks").Logger(),
		vm:       make(map[string]engine.PrerequisiteCheck),
	}

	if deps.EngineHealth != nil {
		r.global = append(r.global, NewEngineHealthPrerequisite("engine_health", deps.EngineHealth))
	}
	if deps.Connections != nil {
		for _, c := range SSHConnectionChecks(deps.Connections, settings.SSH, settings.CheckTimeout) {
			r.global = append(r.global, NewCachedPrerequisite(c, settings.SSHCacheTTL, nil))
		}
	}
	if deps.RAG != nil {
		r.global = append(r.global, NewCachedPrerequisite(NewRAGPrerequisite(deps.RAG, settings.AutoFix), settings.RAGCacheTTL, nil))
	}
	if settings.ChunksPath != "" {
		r.global = append(r.global, NewChunksFilePrerequisite(CheckRAGChunks, settings.ChunksPath))
	}
	return r
}

func (r *Registry) definition(plan *engine.ExecutionPlan) *engine.WorkflowDefinition {
	if r.catalog == nil || plan == nil {
		return nil
	}
	def, ok := r.catalog.Workflow(plan.TargetWorkflowID)
	if !ok {
		return nil
	}
	return &def
}

// PrerequisiteChecks implements engine.CheckRegistry.
func (r *Registry) PrerequisiteChecks(plan *engine.ExecutionPlan) []engine.PrerequisiteCheck {
	checks := append([]engine.PrerequisiteCheck(nil), r.global...)

	def := r.definition(plan)
	if def != nil {
		for _, spec := range def.Prerequisites {
			checks = append(checks, r.BuildPrerequisites(spec, plan)...)
		}
	}

	if r.deps.Runner != nil && plan != nil {
		if target, ok := engine.ResolveVMTarget(plan.TargetWorkflowID, def, plan.Conf); ok {
			checks = append(checks, r.vmCheck(target))
		}
	}
	return checks
}

// vmCheck returns the cached second-hop check of a VM, shared across plans.
func (r *Registry) vmCheck(target engine.VMTarget) engine.PrerequisiteCheck {
	key := target.SSHUser + "@" + target.Name
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.vm[key]; ok {
		return c
	}
	c := NewCachedPrerequisite(
		NewVMSSHPrerequisite(target, r.deps.Runner, r.settings.PublicKeyPath, r.settings.AutoFix, r.settings.CheckTimeout),
		r.settings.VMCacheTTL, nil)
	r.vm[key] = c
	return c
}

// OutcomeChecks implements engine.CheckRegistry.
func (r *Registry) OutcomeChecks(plan *engine.ExecutionPlan) []engine.OutcomeCheck {
	var checks []engine.OutcomeCheck

	def := r.definition(plan)
	if def != nil {
		for _, spec := range def.OutcomeChecks {
			checks = append(checks, r.BuildOutcome(spec, plan))
		}
	}

	if len(checks) == 0 && r.deps.Runner != nil && plan != nil {
		if target, ok := engine.ResolveVMTarget(plan.TargetWorkflowID, def, plan.Conf); ok {
			checks = append(checks, r.BuildOutcome(VMRunningSpec(target), plan))
		}
	}

	if r.deps.Engine != nil && plan != nil {
		checks = append(checks, NewEngineStateCheck("engine_state", r.deps.Engine, plan))
	}
	return checks
}

// VMRunningSpec is the default outcome check of a workflow that deploys a VM.
func VMRunningSpec(target engine.VMTarget) engine.CheckSpec {
	return engine.CheckSpec{
		Name:     "vm_running",
		Type:     KindScript,
		Severity: engine.SeverityCritical,
		Params: map[string]string{
			"command":     "virsh domstate " + shellQuote(target.Name),
			"predicate":   `passed = facts["exit_code"] == "0" and facts["stdout"].strip() == "running"`,
			"description": fmt.Sprintf("VM %s running", target.Name),
			"fix":         "virsh start " + shellQuote(target.Name),
		},
	}
}

// BuildOutcome builds an outcome check from a catalog entry. An entry that
// cannot be built yields a check that always reports the build error, so the
// problem surfaces as an infrastructure error rather than a silent pass.
func (r *Registry) BuildOutcome(spec engine.CheckSpec, plan *engine.ExecutionPlan) engine.OutcomeCheck {
	spec = expandSpec(spec, plan)
	timeout := r.settings.CheckTimeout

	var (
		check engine.OutcomeCheck
		err   error
	)
	switch spec.Type {
	case KindProcess:
		if r.deps.Runner == nil {
			err = fmt.Errorf("process check %s: no command runner configured", spec.Name)
			break
		}
		check, err = NewProcessCheck(spec, r.deps.Runner, timeout)
	case KindDNS:
		check, err = NewDNSCheck(spec, timeout)
	case KindCertificate:
		check, err = NewCertificateCheck(spec, timeout)
	case KindHTTP:
		check, err = NewHTTPCheck(spec, r.deps.HTTPClient, timeout)
	case KindPort:
		check, err = NewPortCheck(spec, timeout)
	case KindScript:
		if r.deps.Runner == nil {
			err = fmt.Errorf("script check %s: no command runner configured", spec.Name)
			break
		}
		check, err = NewScriptCheck(spec, r.deps.Runner, r.deps.Evaluator, timeout)
	case KindEngineState:
		if r.deps.Engine == nil {
			err = fmt.Errorf("engine state check %s: no workflow engine configured", spec.Name)
			break
		}
		check = NewEngineStateCheck(spec.Name, r.deps.Engine, plan)
	default:
		err = fmt.Errorf("outcome check %s: unknown type %q", spec.Name, spec.Type)
	}

	if err != nil {
		r.logger.Warn().Err(err).Str("check", spec.Name).Msg("Cannot build outcome check")
		return &invalidOutcome{
			outcomeBase: outcomeBase{
				name:      spec.Name,
				kind:      spec.Type,
				predicate: "check is buildable",
				severity:  severityOf(spec, engine.SeverityWarning),
			},
			err: err,
		}
	}
	return check
}

// BuildPrerequisites builds the prerequisite checks of a catalog entry. Most
// entries yield one check; an airflow_connection entry yields the full SSH
// connection sequence.
func (r *Registry) BuildPrerequisites(spec engine.CheckSpec, plan *engine.ExecutionPlan) []engine.PrerequisiteCheck {
	spec = expandSpec(spec, plan)
	timeout := durationParam(spec, "timeout", r.settings.CheckTimeout)

	invalid := func(err error) []engine.PrerequisiteCheck {
		r.logger.Warn().Err(err).Str("check", spec.Name).Msg("Cannot build prerequisite check")
		return []engine.PrerequisiteCheck{&invalidPrerequisite{prereqBase{name: spec.Name, mandatory: spec.Mandatory}, err}}
	}

	switch spec.Type {
	case TypeTCP:
		address := spec.Param("address", "")
		if address == "" {
			return invalid(fmt.Errorf("tcp check %s: address is required", spec.Name))
		}
		return []engine.PrerequisiteCheck{NewTCPPrerequisite(spec.Name, address, spec.Mandatory, timeout)}
	case TypeCommand:
		command := spec.Param("command", "")
		if command == "" || r.deps.Runner == nil {
			return invalid(fmt.Errorf("command check %s: needs a command and a command runner", spec.Name))
		}
		if via := spec.Param("via", ""); via != "" {
			command = sshCommand(via, command)
		}
		return []engine.PrerequisiteCheck{NewCommandPrerequisite(spec.Name, command, spec.Mandatory, r.deps.Runner, timeout)}
	case TypeHTTP:
		url := spec.Param("url", "")
		if url == "" {
			return invalid(fmt.Errorf("http check %s: url is required", spec.Name))
		}
		return []engine.PrerequisiteCheck{NewHTTPPrerequisite(spec.Name, url, spec.Mandatory, r.deps.HTTPClient, timeout)}
	case TypeRAG:
		if r.deps.RAG == nil {
			return invalid(fmt.Errorf("rag check %s: no RAG service configured", spec.Name))
		}
		return []engine.PrerequisiteCheck{NewRAGPrerequisite(r.deps.RAG, r.settings.AutoFix)}
	case TypeVMSSH:
		if r.deps.Runner == nil {
			return invalid(fmt.Errorf("vm_ssh check %s: no command runner configured", spec.Name))
		}
		vm := spec.Param("vm", "")
		if vm == "" {
			return invalid(fmt.Errorf("vm_ssh check %s: vm is required", spec.Name))
		}
		return []engine.PrerequisiteCheck{r.vmCheck(engine.VMTarget{Name: vm, SSHUser: spec.Param("ssh_user", "cloud-user")})}
	case TypeAirflowConnection:
		if r.deps.Connections == nil {
			return invalid(fmt.Errorf("airflow_connection check %s: no workflow engine configured", spec.Name))
		}
		settings := r.settings.SSH
		settings.ConnectionID = spec.Param("conn_id", settings.ConnectionID)
		settings.User = spec.Param("ssh_user", settings.User)
		settings.KeyPath = spec.Param("key_file", settings.KeyPath)
		return SSHConnectionChecks(r.deps.Connections, settings, timeout)
	default:
		return invalid(fmt.Errorf("prerequisite %s: unknown type %q", spec.Name, spec.Type))
	}
}
