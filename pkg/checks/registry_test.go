package checks

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/smartpipeline/pkg/config"
	"github.com/openfroyo/smartpipeline/pkg/engine"
)

func names[T interface{ Name() string }](checks []T) []string {
	out := make([]string, 0, len(checks))
	for _, c := range checks {
		out = append(out, c.Name())
	}
	return out
}

func testCatalog() engine.StaticCatalog {
	return engine.StaticCatalog{
		{
			ID:       "freeipa_deployment",
			Resource: "freeipa",
			Prerequisites: []engine.CheckSpec{
				{Name: "ldap", Type: TypeTCP, Mandatory: true, Params: map[string]string{"address": "${ipa_host}:389"}},
				{Name: "kcli", Type: TypeCommand, Params: map[string]string{"command": "which kcli", "via": "root@hypervisor"}},
				{Name: "mystery", Type: "carrier_pigeon", Mandatory: true},
			},
			OutcomeChecks: []engine.CheckSpec{
				{Name: "ipa_running", Type: KindProcess, Severity: engine.SeverityCritical, Params: map[string]string{"service": "ipa"}},
				{Name: "broken", Type: "telepathy"},
			},
		},
		{ID: "noop_workflow"},
	}
}

func TestRegistryPrerequisiteChecks(t *testing.T) {
	runner := &fakeRunner{}
	reg := NewRegistry(testCatalog(), Dependencies{
		Runner:       runner,
		Engine:       &fakeEngine{state: engine.RunStateSuccess},
		Connections:  newFakeConnections(goodConnection()),
		EngineHealth: fakeHealth{},
		RAG:          &fakeRAG{},
		Logger:       zerolog.Nop(),
	}, Settings{ChunksPath: "/nonexistent/document_chunks.json", CheckTimeout: time.Second})

	plan := &engine.ExecutionPlan{TargetWorkflowID: "freeipa_deployment", Conf: map[string]interface{}{"ipa_host": "10.0.0.5"}}
	checks := reg.PrerequisiteChecks(plan)

	assert.Equal(t, []string{
		"engine_health",
		CheckConnectionExists, CheckSSHUser, CheckSSHKey, CheckSSHDReachable,
		CheckRAGDocuments, CheckRAGChunks,
		"ldap", "kcli", "mystery",
		CheckVMSSH,
	}, names(checks))

	tcp, ok := checks[7].(*TCPPrerequisite)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.5:389", tcp.address)
	assert.True(t, tcp.Mandatory())

	cmd, ok := checks[8].(*CommandPrerequisite)
	require.True(t, ok)
	_, err := cmd.Run(context.Background(), plan)
	require.NoError(t, err)
	require.Len(t, runner.ran(), 1)
	assert.Contains(t, runner.ran()[0], "root@hypervisor 'which kcli'")

	_, err = checks[9].Run(context.Background(), plan)
	assert.ErrorContains(t, err, "carrier_pigeon")
	assert.True(t, checks[9].Mandatory())

	again := reg.PrerequisiteChecks(&engine.ExecutionPlan{TargetWorkflowID: "freeipa_deployment"})
	assert.Same(t, checks[10], again[len(again)-1], "VM checks are shared so their cache is too")

	other := reg.PrerequisiteChecks(&engine.ExecutionPlan{TargetWorkflowID: "noop_workflow"})
	assert.Len(t, other, 7, "no catalog prerequisites and no VM")
}

func TestRegistryWithoutClients(t *testing.T) {
	reg := NewRegistry(nil, Dependencies{Logger: zerolog.Nop()}, Settings{})
	plan := &engine.ExecutionPlan{TargetWorkflowID: "freeipa_deployment"}
	assert.Empty(t, reg.PrerequisiteChecks(plan))
	assert.Empty(t, reg.OutcomeChecks(plan))
}

func TestRegistryOutcomeChecks(t *testing.T) {
	runner := (&fakeRunner{}).on("domstate", ok("running\n"))
	reg := NewRegistry(testCatalog(), Dependencies{
		Runner: runner,
		Engine: &fakeEngine{state: engine.RunStateSuccess},
		Logger: zerolog.Nop(),
	}, Settings{CheckTimeout: time.Second})

	t.Run("catalog checks", func(t *testing.T) {
		checks := reg.OutcomeChecks(&engine.ExecutionPlan{TargetWorkflowID: "freeipa_deployment"})
		require.Equal(t, []string{"ipa_running", "broken", "engine_state"}, names(checks))
		assert.Equal(t, KindProcess, checks[0].Kind())
		assert.Equal(t, engine.SeverityCritical, checks[0].Severity())

		_, err := checks[1].GatherEvidence(context.Background())
		assert.ErrorContains(t, err, "telepathy")
		assert.Equal(t, engine.SeverityInfo, checks[2].Severity())
	})

	t.Run("vm default", func(t *testing.T) {
		plan := &engine.ExecutionPlan{
			TargetWorkflowID: "noop_workflow",
			Conf:             map[string]interface{}{"vm_name": "jumpbox", "ssh_user": "centos"},
		}
		checks := reg.OutcomeChecks(plan)
		require.Equal(t, []string{"vm_running", "engine_state"}, names(checks))

		obs, err := checks[0].GatherEvidence(context.Background())
		require.NoError(t, err)
		assert.True(t, checks[0].Passed(obs))
		assert.Contains(t, runner.ran(), "virsh domstate 'jumpbox'")

		fixes := checks[0].FixCommands()
		require.Len(t, fixes, 1)
		assert.Equal(t, "virsh start 'jumpbox'", fixes[0].Command)
		assert.False(t, fixes[0].Destructive)
	})

	t.Run("no vm and no catalog checks", func(t *testing.T) {
		checks := reg.OutcomeChecks(&engine.ExecutionPlan{TargetWorkflowID: "noop_workflow"})
		assert.Equal(t, []string{"engine_state"}, names(checks))
	})
}

func TestBuildOutcomeNeedsClients(t *testing.T) {
	reg := NewRegistry(nil, Dependencies{Logger: zerolog.Nop()}, Settings{})
	plan := &engine.ExecutionPlan{TargetWorkflowID: "wf"}
	for _, kind := range []string{KindProcess, KindScript, KindEngineState} {
		check := reg.BuildOutcome(engine.CheckSpec{Name: "c", Type: kind, Params: map[string]string{"service": "x", "command": "true"}}, plan)
		_, err := check.GatherEvidence(context.Background())
		assert.Error(t, err, kind)
		assert.False(t, check.Passed(nil))
	}
}

func TestBuildPrerequisitesAirflowConnection(t *testing.T) {
	conn := goodConnection()
	conn.ConnectionID = "hypervisor_ssh"
	conn.Login = "admin"
	api := newFakeConnections(conn)
	reg := NewRegistry(nil, Dependencies{Connections: api, Logger: zerolog.Nop()}, Settings{
		SSH: SSHConnectionSettings{User: "root", KeyPath: "/root/.ssh/id_rsa"},
	})

	checks := reg.BuildPrerequisites(engine.CheckSpec{
		Name: "hypervisor",
		Type: TypeAirflowConnection,
		Params: map[string]string{
			"conn_id":  "hypervisor_ssh",
			"ssh_user": "admin",
		},
	}, &engine.ExecutionPlan{})

	results := runAll(t, checks)
	assert.Equal(t, engine.CheckOK, results[CheckConnectionExists].Status)
	assert.Equal(t, engine.CheckOK, results[CheckSSHUser].Status)
	assert.Zero(t, api.updates)
}

func TestSettingsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.SSH.KeyPath = "/root/.ssh/id_ed25519"
	cfg.Context.DataDir = "/var/lib/smartpipe/rag"

	s := SettingsFromConfig(&cfg)
	assert.Equal(t, 30*time.Second, s.CheckTimeout)
	assert.True(t, s.AutoFix)
	assert.Equal(t, "/root/.ssh/id_ed25519.pub", s.PublicKeyPath)
	assert.Equal(t, "/var/lib/smartpipe/rag/rag-docs/document_chunks.json", s.ChunksPath)
	assert.Equal(t, "localhost_ssh", s.SSH.ConnectionID)
	assert.Equal(t, "root", s.SSH.User)
	assert.Equal(t, 5*time.Minute, s.SSHCacheTTL)
	assert.Equal(t, 2*time.Minute, s.VMCacheTTL)
}
