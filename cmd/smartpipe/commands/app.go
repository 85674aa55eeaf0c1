package commands

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/smartpipeline/pkg/checks"
	"github.com/openfroyo/smartpipeline/pkg/clients/airflow"
	"github.com/openfroyo/smartpipeline/pkg/clients/lineage"
	"github.com/openfroyo/smartpipeline/pkg/clients/rag"
	"github.com/openfroyo/smartpipeline/pkg/config"
	"github.com/openfroyo/smartpipeline/pkg/engine"
	"github.com/openfroyo/smartpipeline/pkg/locks"
	"github.com/openfroyo/smartpipeline/pkg/policy"
	"github.com/openfroyo/smartpipeline/pkg/stores"
	"github.com/openfroyo/smartpipeline/pkg/telemetry"
	"github.com/openfroyo/smartpipeline/pkg/transports/ssh"
)

// app holds every wired component of one command invocation.
type app struct {
	cfg    *config.Config
	tel    *telemetry.Telemetry
	logger zerolog.Logger

	store    *stores.SQLiteStore
	schemas  *config.SchemaRegistry
	catalog  *config.FileCatalog
	airflow  *airflow.Client
	rag      *rag.Client
	lineage  *lineage.Emitter
	ssh      *ssh.Client
	runner   engine.CommandRunner
	checks   *checks.Registry
	policies *policy.Engine
	locker   *locks.Locker
	service  *engine.Service
}

// loadConfig loads the configuration named by --config.
func loadConfig() (*config.Config, error) {
	cfg, found, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if !found {
		log.Debug().Msg("No config file found, using defaults")
	}
	return cfg, nil
}

// newApp loads the configuration and wires the pipeline. Close releases
// everything it opened.
func newApp(ctx context.Context) (_ *app, err error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close(context.Background())
		}
	}()

	a.store, err = stores.Open(ctx, cfg.Paths.StorePath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	telCfg := telemetry.FromSettings(*cfg, buildVersion)
	if verbose {
		telCfg.Logging.Level = "debug"
	}
	a.tel, err = telemetry.New(telCfg, a.store)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	a.logger = a.tel.Logger.Zerolog()

	a.schemas = config.NewSchemaRegistry()
	a.catalog, err = config.LoadCatalog(cfg.Paths.CatalogPath, a.schemas, a.logger)
	if err != nil {
		return nil, err
	}

	a.airflow = airflow.New(airflow.Config{
		URL:      cfg.Engine.URL,
		User:     cfg.Engine.User,
		Password: cfg.Engine.Password,
		Timeout:  cfg.Engine.Timeout(),
	}, airflow.WithLogger(a.logger))

	if cfg.Context.Enabled {
		a.rag = rag.New(cfg.Context.RAGURL, cfg.Context.DataDir, cfg.Context.Timeout(), rag.WithLogger(a.logger))
	}

	a.lineage = a.newLineage()

	if err := a.newRunner(); err != nil {
		return nil, err
	}

	checkDeps := checks.Dependencies{
		Runner:       a.runner,
		Engine:       a.airflow,
		Connections:  a.airflow,
		EngineHealth: a.airflow,
		HTTPClient:   &http.Client{Timeout: cfg.Engine.Timeout()},
		Logger:       a.logger,
	}
	if a.rag != nil {
		checkDeps.RAG = a.rag
	}
	a.checks = checks.NewRegistry(a.catalog, checkDeps, checks.SettingsFromConfig(cfg))

	a.policies, err = policy.NewEngine(a.logger)
	if err != nil {
		return nil, err
	}
	if dir := cfg.Paths.PolicyDir; dir != "" {
		if _, statErr := os.Stat(dir); statErr == nil {
			if err := a.policies.LoadPolicies(ctx, []string{dir}); err != nil {
				return nil, err
			}
		} else if !errors.Is(statErr, fs.ErrNotExist) {
			return nil, fmt.Errorf("policy dir: %w", statErr)
		}
	}

	a.locker, err = locks.New(cfg.Paths.LockDir, a.logger)
	if err != nil {
		return nil, err
	}

	deps := engine.Dependencies{
		Catalog:   a.catalog,
		Engine:    a.airflow,
		Checks:    a.checks,
		Runner:    a.runner,
		Store:     a.store,
		Lineage:   a.lineage,
		Approver:  a.policies,
		Locker:    a.locker,
		Contracts: a.schemas,
		Events:    a.tel.Events,
		Metrics:   a.tel.Metrics,
		Logger:    &a.logger,
	}
	if a.rag != nil {
		deps.Context = a.rag
	}
	a.service, err = engine.NewService(deps, cfg.PipelineOptions())
	if err != nil {
		return nil, err
	}
	return a, nil
}

// newLineage builds the quality emitter over the configured sinks. A NATS
// server that cannot be reached only disables that sink.
func (a *app) newLineage() *lineage.Emitter {
	lc := a.cfg.Lineage
	var sinks []lineage.Sink
	if lc.Enabled {
		sinks = append(sinks, lineage.NewHTTPSink(lc.URL, &http.Client{Timeout: lc.Timeout()}))
		if lc.NATSURL != "" {
			sink, err := lineage.ConnectNATS(lc.NATSURL, lc.NATSSubject)
			if err != nil {
				a.logger.Warn().Err(err).Str("url", lc.NATSURL).Msg("NATS lineage sink disabled")
			} else {
				sinks = append(sinks, sink)
			}
		}
	}
	return lineage.NewEmitter(sinks,
		lineage.WithNamespace(lc.Namespace),
		lineage.WithAttempts(lc.Attempts),
		lineage.WithTimeout(lc.Timeout()),
		lineage.WithFailureRecorder(a.tel.Metrics),
		lineage.WithLogger(a.logger),
	)
}

// newRunner builds the audited command runner: local when configured,
// otherwise SSH to the configured host. The SSH connection is opened on
// first use.
func (a *app) newRunner() error {
	commandTimeout := time.Duration(a.cfg.Pipeline.CommandTimeoutSeconds) * time.Second

	var host ssh.HostRunner
	if a.cfg.SSH.Local {
		host = ssh.NewLocalRunner(commandTimeout)
	} else {
		sshCfg := ssh.FromSettings(a.cfg.SSH)
		sshCfg.CommandTimeout = commandTimeout
		client, err := ssh.NewClient(sshCfg, a.logger)
		if err != nil {
			return fmt.Errorf("ssh runner: %w", err)
		}
		a.ssh = client
		host = client
	}
	a.runner = ssh.NewAuditRunner(host, a.store, a.logger)
	return nil
}

// Close flushes telemetry and closes connections and the store.
func (a *app) Close(ctx context.Context) {
	if a == nil {
		return
	}
	if a.lineage != nil {
		if err := a.lineage.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to close lineage sinks")
		}
	}
	if a.ssh != nil && a.ssh.IsConnected() {
		_ = a.ssh.Disconnect()
	}
	if a.tel != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := a.tel.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Telemetry shutdown incomplete")
		}
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}

// withApp runs fn with a wired app and closes it afterwards.
func withApp(ctx context.Context, fn func(*app) error) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(ctx)
	return fn(a)
}
