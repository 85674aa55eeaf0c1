package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/smartpipeline/pkg/engine"
)

const sampleCatalogYAML = `
workflows:
  - id: freeipa_deployment
    description: Deploy FreeIPA identity management
    tags: [freeipa, identity, dns]
    domain: identity
    resource: freeipa
    ssh_user: cloud-user
    estimated_duration: 20m
    default_conf:
      action: create
    escalation_triggers: [ipa_certificate]
    prerequisites:
      - name: airflow_connection
        type: airflow_connection
        mandatory: true
    outcome_checks:
      - name: ipa_service
        type: process
        severity: warning
        params:
          unit: ipa
      - name: ipa_certificate
        type: certificate
        severity: critical
        params:
          address: "freeipa.example.com:443"
  - id: legacy_identity_setup
    tags: [identity]
    paused: true
`

const sampleCatalogCUE = `
workflows: [{
	id:       "harbor_deployment"
	tags: ["harbor", "registry"]
	domain:   "registry"
	resource: "harbor"
	outcome_checks: [{
		name:     "harbor_http"
		type:     "http"
		severity: "critical"
		params: url: "https://harbor.example.com/api/v2.0/ping"
	}]
}]
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadCatalog_YAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "workflows.yaml", sampleCatalogYAML)

	catalog, err := LoadCatalog(path, nil, zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, []string{"freeipa_deployment", "legacy_identity_setup"}, WorkflowIDs(catalog))

	def, ok := catalog.Workflow("freeipa_deployment")
	require.True(t, ok)
	assert.Equal(t, 20*time.Minute, def.Duration())
	assert.Equal(t, "create", def.DefaultConf["action"])
	require.Len(t, def.OutcomeChecks, 2)
	assert.Equal(t, engine.SeverityCritical, def.OutcomeChecks[1].Severity)
	assert.Equal(t, "freeipa.example.com:443", def.OutcomeChecks[1].Param("address", ""))
	assert.True(t, def.Prerequisites[0].Mandatory)

	keywords := engine.ServiceKeywords(catalog)
	assert.Equal(t, "freeipa_deployment", keywords["identity"])
}

func TestLoadCatalog_CUE(t *testing.T) {
	path := writeFile(t, t.TempDir(), "workflows.cue", sampleCatalogCUE)

	catalog, err := LoadCatalog(path, NewSchemaRegistry(), zerolog.Nop())
	require.NoError(t, err)

	def, ok := catalog.Workflow("harbor_deployment")
	require.True(t, ok)
	assert.Equal(t, "registry", def.Domain)
	require.Len(t, def.OutcomeChecks, 1)
	assert.Equal(t, "https://harbor.example.com/api/v2.0/ping", def.OutcomeChecks[0].Params["url"])
}

func TestLoadCatalog_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{name: "yaml syntax", file: "c.yaml", content: "workflows: [\n"},
		{name: "missing id", file: "c.yaml", content: "workflows:\n  - description: nameless\n"},
		{name: "duplicate id", file: "c.yaml", content: "workflows:\n  - id: a\n  - id: a\n"},
		{name: "bad severity", file: "c.yaml", content: "workflows:\n  - id: a\n    outcome_checks:\n      - {name: x, type: port, severity: fatal}\n"},
		{name: "cue schema violation", file: "c.cue", content: `workflows: [{id: "bad id!"}]`},
		{name: "cue unknown field", file: "c.cue", content: `workflows: [{id: "a", colour: "red"}]`},
		{name: "cue without workflows", file: "c.cue", content: `other: 1`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), tt.file, tt.content)
			_, err := LoadCatalog(path, nil, zerolog.Nop())
			assert.Error(t, err)
		})
	}
}

func TestFileCatalog_ReloadKeepsPreviousOnError(t *testing.T) {
	path := writeFile(t, t.TempDir(), "workflows.yaml", sampleCatalogYAML)
	catalog, err := LoadCatalog(path, nil, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("workflows: [\n"), 0o600))
	assert.Error(t, catalog.Reload())
	assert.Len(t, catalog.Workflows(), 2)
}

func TestFileCatalog_Watch(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "workflows.yaml", sampleCatalogYAML)
	catalog, err := LoadCatalog(path, nil, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan error, 4)
	require.NoError(t, catalog.Watch(ctx, func(err error) { reloaded <- err }))

	require.NoError(t, os.WriteFile(path, []byte("workflows:\n  - id: step_ca_deployment\n"), 0o600))

	select {
	case err := <-reloaded:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("catalog was not reloaded")
	}
	assert.Equal(t, []string{"step_ca_deployment"}, WorkflowIDs(catalog))
}
