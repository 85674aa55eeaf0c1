package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"

	"github.com/openfroyo/smartpipeline/pkg/engine"
)

// Engine configures the workflow engine (Airflow REST API) client.
type Engine struct {
	URL                 string `toml:"url" validate:"required,url"`
	User                string `toml:"user"`
	Password            string `toml:"password"`
	TimeoutSeconds      int    `toml:"timeout_seconds" validate:"gt=0"`
	PollIntervalSeconds int    `toml:"poll_interval_seconds" validate:"gt=0"`
	MaxWaitSeconds      int    `toml:"max_wait_seconds" validate:"gt=0"`
	SSHConnectionID     string `toml:"ssh_connection_id"`
}

// Lineage configures the quality emitter.
type Lineage struct {
	Enabled        bool   `toml:"enabled"`
	URL            string `toml:"url" validate:"required_if=Enabled true,omitempty,url"`
	Namespace      string `toml:"namespace"`
	NATSURL        string `toml:"nats_url" validate:"omitempty,url"`
	NATSSubject    string `toml:"nats_subject"`
	Attempts       int    `toml:"attempts" validate:"gte=1,lte=10"`
	TimeoutSeconds int    `toml:"timeout_seconds" validate:"gt=0"`
}

// Context configures the read-only documentation interface.
type Context struct {
	Enabled        bool   `toml:"enabled"`
	RAGURL         string `toml:"rag_url" validate:"omitempty,url"`
	DataDir        string `toml:"data_dir"`
	DropDir        string `toml:"drop_dir"`
	Limit          int    `toml:"limit" validate:"gte=1,lte=50"`
	TimeoutSeconds int    `toml:"timeout_seconds" validate:"gt=0"`
}

// SSH configures the command runner used by outcome checks and fixes.
type SSH struct {
	Local          bool   `toml:"local"`
	Host           string `toml:"host" validate:"required_if=Local false"`
	Port           int    `toml:"port" validate:"gte=1,lte=65535"`
	User           string `toml:"user"`
	KeyPath        string `toml:"key_path"`
	KnownHostsPath string `toml:"known_hosts_path"`
	TimeoutSeconds int    `toml:"timeout_seconds" validate:"gt=0"`
}

// Pipeline holds the tunables of the pipeline stages.
type Pipeline struct {
	MaxRetries            int     `toml:"max_retries" validate:"gte=0,lte=10"`
	ConfidenceThreshold   float64 `toml:"confidence_threshold" validate:"gt=0,lte=1"`
	RequireConfidence     bool    `toml:"require_confidence"`
	CheckTimeoutSeconds   int     `toml:"check_timeout_seconds" validate:"gt=0"`
	CommandTimeoutSeconds int     `toml:"command_timeout_seconds" validate:"gt=0"`
	MaxParallelChecks     int     `toml:"max_parallel_checks" validate:"gte=1,lte=64"`
	ReadOnly              bool    `toml:"read_only"`
	CancelOnAbort         bool    `toml:"cancel_on_abort"`
	Model                 string  `toml:"model"`
}

// Preflight configures pre-flight caching and auto-fixes.
type Preflight struct {
	SSHCacheTTLSeconds int  `toml:"ssh_cache_ttl_seconds" validate:"gte=0"`
	RAGCacheTTLSeconds int  `toml:"rag_cache_ttl_seconds" validate:"gte=0"`
	VMCacheTTLSeconds  int  `toml:"vm_cache_ttl_seconds" validate:"gte=0"`
	AutoFix            bool `toml:"auto_fix"`
}

// Paths holds file system locations.
type Paths struct {
	StorePath   string `toml:"store_path" validate:"required"`
	LockDir     string `toml:"lock_dir"`
	CatalogPath string `toml:"catalog_path" validate:"required"`
	PolicyDir   string `toml:"policy_dir"`
	LogFile     string `toml:"log_file"`
}

// Telemetry configures logging, metrics and tracing.
type Telemetry struct {
	LogLevel        string `toml:"log_level" validate:"oneof=trace debug info warn error"`
	LogFormat       string `toml:"log_format" validate:"oneof=console json auto"`
	MetricsEnabled  bool   `toml:"metrics_enabled"`
	TracingEnabled  bool   `toml:"tracing_enabled"`
	TracingExporter string `toml:"tracing_exporter" validate:"oneof=otlp stdout none"`
	OTLPEndpoint    string `toml:"otlp_endpoint"`
}

// API configures the HTTP server.
type API struct {
	Bind string `toml:"bind" validate:"required,hostname_port"`
}

// Config is the complete Smart Pipeline configuration. It is immutable after
// Load and passed explicitly to the components that need it.
//
// Configuration sections:
//   - Engine: workflow engine endpoint and polling
//   - Lineage: OpenLineage HTTP endpoint and NATS stream
//   - Context: RAG service and local document chunks
//   - SSH: command runner for checks and fixes
//   - Pipeline: retry budget, thresholds and timeouts
//   - Preflight: check caches and auto-fix
//   - Paths: store, locks, catalog and policies
//   - Telemetry: logging, metrics and tracing
//   - API: HTTP bind address
type Config struct {
	Engine    Engine    `toml:"engine"`
	Lineage   Lineage   `toml:"lineage"`
	Context   Context   `toml:"context"`
	SSH       SSH       `toml:"ssh"`
	Pipeline  Pipeline  `toml:"pipeline"`
	Preflight Preflight `toml:"preflight"`
	Paths     Paths     `toml:"paths"`
	Telemetry Telemetry `toml:"telemetry"`
	API       API       `toml:"api"`
}

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SMARTPIPE_"

// Default returns a Config populated with defaults.
func Default() Config {
	return Config{
		Engine: Engine{
			URL:                 "http://localhost:8888",
			User:                "admin",
			TimeoutSeconds:      30,
			PollIntervalSeconds: 10,
			MaxWaitSeconds:      7200,
			SSHConnectionID:     "localhost_ssh",
		},
		Lineage: Lineage{
			URL:            "http://localhost:5001",
			Namespace:      "smartpipe",
			NATSSubject:    "smartpipe.lineage",
			Attempts:       3,
			TimeoutSeconds: 10,
		},
		Context: Context{
			Enabled:        true,
			DataDir:        "~/.local/share/smartpipe/rag",
			DropDir:        "~/.local/share/smartpipe/rag-drop",
			Limit:          5,
			TimeoutSeconds: 10,
		},
		SSH: SSH{
			Host:           "localhost",
			Port:           22,
			User:           "root",
			KeyPath:        "~/.ssh/id_rsa",
			TimeoutSeconds: 30,
		},
		Pipeline: Pipeline{
			MaxRetries:            2,
			ConfidenceThreshold:   0.6,
			CheckTimeoutSeconds:   30,
			CommandTimeoutSeconds: 120,
			MaxParallelChecks:     8,
			CancelOnAbort:         true,
			Model:                 "deterministic",
		},
		Preflight: Preflight{
			SSHCacheTTLSeconds: 300,
			RAGCacheTTLSeconds: 120,
			VMCacheTTLSeconds:  120,
			AutoFix:            true,
		},
		Paths: Paths{
			StorePath:   "~/.local/share/smartpipe/smartpipe.db",
			LockDir:     "~/.local/share/smartpipe/locks",
			CatalogPath: "~/.config/smartpipe/workflows.yaml",
		},
		Telemetry: Telemetry{
			LogLevel:        "info",
			LogFormat:       "auto",
			MetricsEnabled:  true,
			TracingExporter: "none",
		},
		API: API{
			Bind: "127.0.0.1:8750",
		},
	}
}

// DefaultConfigPath returns the default configuration file location.
func DefaultConfigPath() (string, error) {
	return ExpandPath("~/.config/smartpipe/config.toml")
}

// Load reads path (or the default location when empty), applies environment
// overrides and validates the result. A missing file yields the defaults.
// The returned bool reports whether a file was read.
func Load(path string) (*Config, bool, error) {
	cfg := Default()

	if path == "" {
		p, err := DefaultConfigPath()
		if err != nil {
			return nil, false, err
		}
		path = p
	}
	resolved, err := ExpandPath(path)
	if err != nil {
		return nil, false, err
	}

	exists := true
	file, err := os.Open(resolved)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		exists = false
	case err != nil:
		return nil, false, fmt.Errorf("open config: %w", err)
	default:
		defer file.Close()
		if err := toml.NewDecoder(file).Decode(&cfg); err != nil {
			return nil, false, fmt.Errorf("parse config %s: %w", resolved, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, false, err
	}
	if err := cfg.normalize(); err != nil {
		return nil, false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, false, err
	}
	return &cfg, exists, nil
}

// Parse decodes TOML data over the defaults without environment overrides.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// PipelineOptions converts the configuration into engine options.
func (c *Config) PipelineOptions() engine.Options {
	return engine.Options{
		MaxRetries:          c.Pipeline.MaxRetries,
		ConfidenceThreshold: c.Pipeline.ConfidenceThreshold,
		RequireConfidence:   c.Pipeline.RequireConfidence,
		CheckTimeout:        seconds(c.Pipeline.CheckTimeoutSeconds),
		MaxParallelChecks:   c.Pipeline.MaxParallelChecks,
		CommandTimeout:      seconds(c.Pipeline.CommandTimeoutSeconds),
		PollInterval:        seconds(c.Engine.PollIntervalSeconds),
		MaxRunWait:          seconds(c.Engine.MaxWaitSeconds),
		ReadOnly:            c.Pipeline.ReadOnly,
		CancelOnAbort:       c.Pipeline.CancelOnAbort,
		ContextLimit:        c.Context.Limit,
		Model:               c.Pipeline.Model,
	}
}

// Duration helpers for the integer-second fields.
func (e Engine) Timeout() time.Duration  { return seconds(e.TimeoutSeconds) }
func (l Lineage) Timeout() time.Duration { return seconds(l.TimeoutSeconds) }
func (c Context) Timeout() time.Duration { return seconds(c.TimeoutSeconds) }
func (s SSH) Timeout() time.Duration     { return seconds(s.TimeoutSeconds) }

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

type lookupFunc func(string) (string, bool)

// applyEnv applies SMARTPIPE_* overrides.
func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	integer := func(name string, dst *int) error {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
			}
			*dst = n
		}
		return nil
	}
	boolean := func(name string, dst *bool) error {
		if v, ok := lookup(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
			}
			*dst = b
		}
		return nil
	}

	str("ENGINE_URL", &c.Engine.URL)
	str("ENGINE_USER", &c.Engine.User)
	str("ENGINE_PASSWORD", &c.Engine.Password)
	str("LINEAGE_URL", &c.Lineage.URL)
	str("NATS_URL", &c.Lineage.NATSURL)
	str("RAG_URL", &c.Context.RAGURL)
	str("SSH_HOST", &c.SSH.Host)
	str("SSH_USER", &c.SSH.User)
	str("SSH_KEY_PATH", &c.SSH.KeyPath)
	str("STORE_PATH", &c.Paths.StorePath)
	str("CATALOG_PATH", &c.Paths.CatalogPath)
	str("LOG_LEVEL", &c.Telemetry.LogLevel)
	str("MODEL", &c.Pipeline.Model)

	for _, f := range []func() error{
		func() error { return integer("MAX_RETRIES", &c.Pipeline.MaxRetries) },
		func() error { return integer("CHECK_TIMEOUT_SECONDS", &c.Pipeline.CheckTimeoutSeconds) },
		func() error { return boolean("READ_ONLY", &c.Pipeline.ReadOnly) },
		func() error { return boolean("LINEAGE_ENABLED", &c.Lineage.Enabled) },
		func() error { return boolean("SSH_LOCAL", &c.SSH.Local) },
	} {
		if err := f(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) normalize() error {
	c.Telemetry.LogLevel = strings.ToLower(strings.TrimSpace(c.Telemetry.LogLevel))
	c.Engine.URL = strings.TrimRight(strings.TrimSpace(c.Engine.URL), "/")
	c.Lineage.URL = strings.TrimRight(strings.TrimSpace(c.Lineage.URL), "/")
	c.Context.RAGURL = strings.TrimRight(strings.TrimSpace(c.Context.RAGURL), "/")

	paths := []struct {
		name string
		dst  *string
	}{
		{"context.data_dir", &c.Context.DataDir},
		{"context.drop_dir", &c.Context.DropDir},
		{"ssh.key_path", &c.SSH.KeyPath},
		{"ssh.known_hosts_path", &c.SSH.KnownHostsPath},
		{"paths.store_path", &c.Paths.StorePath},
		{"paths.lock_dir", &c.Paths.LockDir},
		{"paths.catalog_path", &c.Paths.CatalogPath},
		{"paths.policy_dir", &c.Paths.PolicyDir},
		{"paths.log_file", &c.Paths.LogFile},
	}
	for _, p := range paths {
		expanded, err := ExpandPath(*p.dst)
		if err != nil {
			return fmt.Errorf("%s: %w", p.name, err)
		}
		*p.dst = expanded
	}
	return nil
}

// EnsureDirectories creates the directories the pipeline writes to.
func (c *Config) EnsureDirectories() error {
	dirs := []string{filepath.Dir(c.Paths.StorePath), c.Paths.LockDir}
	if c.Context.Enabled {
		dirs = append(dirs, c.Context.DataDir, c.Context.DropDir)
	}
	for _, dir := range dirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// ExpandPath expands a leading ~ and makes the path absolute. Empty stays empty.
func ExpandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	absolute, err := filepath.Abs(filepath.Clean(pathValue))
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", pathValue, err)
	}
	return absolute, nil
}
