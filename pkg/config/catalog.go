package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"cuelang.org/go/cue"
	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/smartpipeline/pkg/engine"
)

// catalogFile is the on-disk layout of a workflow catalog.
type catalogFile struct {
	Workflows []engine.WorkflowDefinition `yaml:"workflows" json:"workflows" validate:"dive"`
}

// FileCatalog is a workflow catalog loaded from a YAML or CUE file. It
// implements engine.WorkflowCatalog and can reload itself when the file
// changes.
type FileCatalog struct {
	path    string
	schemas *SchemaRegistry
	logger  zerolog.Logger

	mu        sync.RWMutex
	workflows []engine.WorkflowDefinition
	loadedAt  time.Time
}

// LoadCatalog reads the catalog at path. Files ending in .cue are validated
// against the #Workflow schema, everything else is parsed as YAML.
func LoadCatalog(path string, schemas *SchemaRegistry, logger zerolog.Logger) (*FileCatalog, error) {
	if schemas == nil {
		schemas = NewSchemaRegistry()
	}
	c := &FileCatalog{
		path:    path,
		schemas: schemas,
		logger:  logger.With().Str("component", "catalog").Logger(),
	}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Path returns the catalog file.
func (c *FileCatalog) Path() string {
	return c.path
}

// Workflows implements engine.WorkflowCatalog.
func (c *FileCatalog) Workflows() []engine.WorkflowDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]engine.WorkflowDefinition, len(c.workflows))
	copy(out, c.workflows)
	return out
}

// Workflow implements engine.WorkflowCatalog.
func (c *FileCatalog) Workflow(id string) (engine.WorkflowDefinition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, def := range c.workflows {
		if def.ID == id {
			return def, true
		}
	}
	return engine.WorkflowDefinition{}, false
}

// LoadedAt returns when the catalog was last loaded.
func (c *FileCatalog) LoadedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loadedAt
}

// Reload re-reads the catalog file. The previous workflows stay in place when
// the file is invalid.
func (c *FileCatalog) Reload() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("read catalog: %w", err)
	}

	var workflows []engine.WorkflowDefinition
	if strings.EqualFold(filepath.Ext(c.path), ".cue") {
		workflows, err = c.parseCUE(data)
	} else {
		workflows, err = ParseCatalogYAML(data)
	}
	if err != nil {
		return fmt.Errorf("catalog %s: %w", c.path, err)
	}

	c.mu.Lock()
	c.workflows = workflows
	c.loadedAt = time.Now()
	c.mu.Unlock()

	c.logger.Info().
		Str("path", c.path).
		Int("workflows", len(workflows)).
		Msg("Workflow catalog loaded")
	return nil
}

// ParseCatalogYAML parses and validates a YAML catalog.
func ParseCatalogYAML(data []byte) ([]engine.WorkflowDefinition, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if err := validateCatalog(file); err != nil {
		return nil, err
	}
	return file.Workflows, nil
}

func (c *FileCatalog) parseCUE(data []byte) ([]engine.WorkflowDefinition, error) {
	schema, ok := c.schemas.GetSchema(workflowSchemaName)
	if !ok {
		return nil, fmt.Errorf("schema %s not found", workflowSchemaName)
	}

	c.schemas.mu.Lock()
	raw, err := func() ([]byte, error) {
		val := c.schemas.ctx.CompileBytes(data, cue.Filename(c.path))
		if err := val.Err(); err != nil {
			return nil, fmt.Errorf("compile cue: %w", err)
		}
		list := val.LookupPath(cue.ParsePath("workflows"))
		if !list.Exists() {
			return nil, fmt.Errorf("no workflows field")
		}
		iter, err := list.List()
		if err != nil {
			return nil, fmt.Errorf("workflows must be a list: %w", err)
		}
		for i := 0; iter.Next(); i++ {
			if err := schema.Unify(iter.Value()).Validate(cue.Concrete(true)); err != nil {
				return nil, fmt.Errorf("workflow %d: %w", i, err)
			}
		}
		return val.MarshalJSON()
	}()
	c.schemas.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var file catalogFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("decode cue: %w", err)
	}
	if err := validateCatalog(file); err != nil {
		return nil, err
	}
	return file.Workflows, nil
}

func validateCatalog(file catalogFile) error {
	if err := validator.New().Struct(file); err != nil {
		return fmt.Errorf("invalid workflow: %w", err)
	}

	seen := make(map[string]bool, len(file.Workflows))
	for _, def := range file.Workflows {
		if seen[def.ID] {
			return fmt.Errorf("duplicate workflow %q", def.ID)
		}
		seen[def.ID] = true
		for _, spec := range append(append([]engine.CheckSpec{}, def.Prerequisites...), def.OutcomeChecks...) {
			if spec.Severity != "" {
				if err := spec.Severity.Validate(); err != nil {
					return fmt.Errorf("workflow %s check %s: %w", def.ID, spec.Name, err)
				}
			}
		}
	}
	return nil
}

// Watch reloads the catalog whenever its file changes until ctx is done.
// onReload, when set, is called after every reload attempt.
func (c *FileCatalog) Watch(ctx context.Context, onReload func(error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	// Editors often replace the file, so the directory is watched.
	if err := watcher.Add(filepath.Dir(c.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", c.path, err)
	}

	go c.processEvents(ctx, watcher, onReload)

	c.logger.Info().Str("path", c.path).Msg("Watching workflow catalog")
	return nil
}

func (c *FileCatalog) processEvents(ctx context.Context, watcher *fsnotify.Watcher, onReload func(error)) {
	defer watcher.Close()

	var reloadTimer *time.Timer
	reloadDelay := 200 * time.Millisecond
	target := filepath.Clean(c.path)

	for {
		select {
		case <-ctx.Done():
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			c.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Catalog file changed")

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(reloadDelay, func() {
				err := c.Reload()
				if err != nil {
					c.logger.Error().Err(err).Msg("Failed to reload workflow catalog")
				}
				if onReload != nil {
					onReload(err)
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			c.logger.Error().Err(err).Msg("Catalog watcher error")
		}
	}
}

// WorkflowIDs returns the sorted IDs of all workflows, paused ones included.
func WorkflowIDs(catalog engine.WorkflowCatalog) []string {
	defs := catalog.Workflows()
	ids := make([]string, 0, len(defs))
	for _, def := range defs {
		ids = append(ids, def.ID)
	}
	sort.Strings(ids)
	return ids
}
