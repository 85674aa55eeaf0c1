package checks

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/smartpipeline/pkg/clients/airflow"
	"github.com/openfroyo/smartpipeline/pkg/clients/rag"
	"github.com/openfroyo/smartpipeline/pkg/engine"
)

var sshSettings = SSHConnectionSettings{User: "root", KeyPath: "/root/.ssh/id_rsa", AutoFix: true}

func goodConnection() airflow.Connection {
	return airflow.Connection{
		ConnectionID: "localhost_ssh",
		ConnType:     "ssh",
		Host:         "localhost",
		Login:        "root",
		Port:         22,
		Extra:        `{"key_file": "/root/.ssh/id_rsa"}`,
	}
}

func runAll(t *testing.T, checks []engine.PrerequisiteCheck) map[string]engine.PrerequisiteResult {
	t.Helper()
	out := map[string]engine.PrerequisiteResult{}
	for _, c := range checks {
		res, err := c.Run(context.Background(), &engine.ExecutionPlan{})
		require.NoError(t, err, c.Name())
		out[c.Name()] = res
	}
	return out
}

func TestSSHConnectionChecks(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		api := newFakeConnections(goodConnection())
		results := runAll(t, SSHConnectionChecks(api, sshSettings, time.Second))

		for _, name := range []string{CheckConnectionExists, CheckSSHUser, CheckSSHKey, CheckSSHDReachable} {
			assert.Equal(t, engine.CheckOK, results[name].Status, name)
		}
		assert.Equal(t, "[SSH Pre-flight] All checks passed.", FormatPreflight(LabelSSH, values(results)))
	})

	t.Run("missing connection is created", func(t *testing.T) {
		api := newFakeConnections()
		results := runAll(t, SSHConnectionChecks(api, sshSettings, time.Second))

		assert.Equal(t, engine.CheckFixed, results[CheckConnectionExists].Status)
		assert.Equal(t, 1, api.creates)
		created := api.conns["localhost_ssh"]
		assert.Equal(t, "ssh", created.ConnType)
		assert.Equal(t, "localhost", created.Host)
		assert.Equal(t, 22, created.Port)
		assert.Equal(t, "/root/.ssh/id_rsa", created.ExtraField("key_file"))
		assert.Equal(t, engine.CheckOK, results[CheckSSHUser].Status)
	})

	t.Run("creation fails", func(t *testing.T) {
		api := newFakeConnections()
		api.createErr = errBoom
		results := runAll(t, SSHConnectionChecks(api, sshSettings, time.Second))
		assert.Equal(t, engine.CheckError, results[CheckConnectionExists].Status)
		assert.Equal(t, engine.CheckWarning, results[CheckSSHUser].Status)
	})

	t.Run("no auto-fix", func(t *testing.T) {
		api := newFakeConnections()
		settings := sshSettings
		settings.AutoFix = false
		results := runAll(t, SSHConnectionChecks(api, settings, time.Second))
		assert.Equal(t, engine.CheckError, results[CheckConnectionExists].Status)
		assert.Zero(t, api.creates)
	})

	t.Run("wrong login is patched", func(t *testing.T) {
		conn := goodConnection()
		conn.Login = "admin"
		api := newFakeConnections(conn)
		results := runAll(t, SSHConnectionChecks(api, sshSettings, time.Second))
		assert.Equal(t, engine.CheckFixed, results[CheckSSHUser].Status)
		assert.Contains(t, results[CheckSSHUser].FixApplied, `"admin" to "root"`)
		assert.Equal(t, "root", api.conns["localhost_ssh"].Login)
	})

	t.Run("failed patch warns", func(t *testing.T) {
		conn := goodConnection()
		conn.Login = "admin"
		api := newFakeConnections(conn)
		api.updateErr = errBoom
		results := runAll(t, SSHConnectionChecks(api, sshSettings, time.Second))
		assert.Equal(t, engine.CheckWarning, results[CheckSSHUser].Status)
	})

	t.Run("key problems warn", func(t *testing.T) {
		for _, extra := range []string{"", `{"key_file": "/home/other/.ssh/id_rsa"}`} {
			conn := goodConnection()
			conn.Extra = extra
			results := runAll(t, SSHConnectionChecks(newFakeConnections(conn), sshSettings, time.Second))
			assert.Equal(t, engine.CheckWarning, results[CheckSSHKey].Status, extra)
		}
	})

	t.Run("failed connection test warns", func(t *testing.T) {
		api := newFakeConnections(goodConnection())
		api.testOK = false
		results := runAll(t, SSHConnectionChecks(api, sshSettings, time.Second))
		assert.Equal(t, engine.CheckWarning, results[CheckSSHDReachable].Status)
		assert.Contains(t, results[CheckSSHDReachable].Message, "Authentication failed")
	})

	t.Run("falls back to tcp when the test cannot run", func(t *testing.T) {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer l.Close()
		host, portStr, _ := net.SplitHostPort(l.Addr().String())

		conn := goodConnection()
		conn.Host = host
		conn.Port = atoi(t, portStr)
		api := newFakeConnections(conn)
		api.testErr = errBoom

		results := runAll(t, SSHConnectionChecks(api, sshSettings, time.Second))
		assert.Equal(t, engine.CheckOK, results[CheckSSHDReachable].Status)
		assert.Contains(t, results[CheckSSHDReachable].Message, "port open")

		require.NoError(t, l.Close())
		results = runAll(t, SSHConnectionChecks(api, sshSettings, time.Second))
		assert.Equal(t, engine.CheckWarning, results[CheckSSHDReachable].Status)
	})

	t.Run("api errors mean the check could not execute", func(t *testing.T) {
		api := newFakeConnections()
		api.getErr = errBoom
		for _, c := range SSHConnectionChecks(api, sshSettings, time.Second) {
			_, err := c.Run(context.Background(), &engine.ExecutionPlan{})
			assert.ErrorIs(t, err, errBoom, c.Name())
		}
	})

	t.Run("only existence is mandatory", func(t *testing.T) {
		checks := SSHConnectionChecks(newFakeConnections(), sshSettings, time.Second)
		assert.True(t, checks[0].Mandatory())
		for _, c := range checks[1:] {
			assert.False(t, c.Mandatory(), c.Name())
		}
	})
}

func atoi(t *testing.T, s string) int {
	t.Helper()
	n := 0
	for _, r := range s {
		require.True(t, r >= '0' && r <= '9')
		n = n*10 + int(r-'0')
	}
	return n
}

func values(m map[string]engine.PrerequisiteResult) []engine.PrerequisiteResult {
	out := make([]engine.PrerequisiteResult, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}

func TestRAGPrerequisite(t *testing.T) {
	tests := []struct {
		name       string
		api        *fakeRAG
		autoFix    bool
		want       engine.CheckStatus
		wantReload int
	}{
		{name: "documents loaded", api: &fakeRAG{health: &rag.Health{DocumentCount: 12}}, autoFix: true, want: engine.CheckOK},
		{name: "unreachable", api: &fakeRAG{healthErr: errBoom}, autoFix: true, want: engine.CheckWarning},
		{name: "empty without auto-fix", api: &fakeRAG{health: &rag.Health{}}, want: engine.CheckWarning},
		{
			name:       "empty and reloaded",
			api:        &fakeRAG{health: &rag.Health{}, reload: &rag.ReloadResult{Success: true, ADRsLoaded: true, Documents: 30}},
			autoFix:    true,
			want:       engine.CheckFixed,
			wantReload: 1,
		},
		{
			name:       "reload without ADRs",
			api:        &fakeRAG{health: &rag.Health{}, reload: &rag.ReloadResult{Success: true}},
			autoFix:    true,
			want:       engine.CheckWarning,
			wantReload: 1,
		},
		{
			name:       "reload fails",
			api:        &fakeRAG{health: &rag.Health{}, reloadErr: errBoom},
			autoFix:    true,
			want:       engine.CheckWarning,
			wantReload: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check := NewRAGPrerequisite(tt.api, tt.autoFix)
			res, err := check.Run(context.Background(), &engine.ExecutionPlan{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Status)
			assert.Equal(t, tt.wantReload, tt.api.reloads)
			assert.False(t, check.Mandatory())
		})
	}
}

func TestVMSSHPrerequisite(t *testing.T) {
	target := engine.VMTarget{Name: "freeipa", SSHUser: "cloud-user"}
	lease := ok(" vnet0  52:54:00:aa:bb:cc  ipv4  192.168.122.10/24\n")

	tests := []struct {
		name    string
		runner  *fakeRunner
		autoFix bool
		want    engine.CheckStatus
		stage   string
		fix     string
	}{
		{
			name:   "no vm yet",
			runner: (&fakeRunner{}).on("domstate", fail(1, "failed to get domain")),
			want:   engine.CheckOK,
			stage:  CheckVMExists,
		},
		{
			name:   "no ip",
			runner: (&fakeRunner{}).on("domstate", ok("running")).on("domifaddr", ok("")),
			want:   engine.CheckWarning,
			stage:  CheckVMIP,
		},
		{
			name:   "port closed",
			runner: (&fakeRunner{}).on("domstate", ok("running")).on("domifaddr", lease).on("/dev/tcp", fail(1, "")),
			want:   engine.CheckWarning,
			stage:  CheckVMSSHPort,
		},
		{
			name: "ssh ok",
			runner: (&fakeRunner{}).on("domstate", ok("running")).on("domifaddr", lease).
				on("/dev/tcp", ok("")).on("cloud-user@192.168.122.10", ok("")),
			want:  engine.CheckOK,
			stage: CheckVMSSHAuth,
		},
		{
			name: "key injected",
			runner: (&fakeRunner{}).on("domstate", ok("running")).on("domifaddr", lease).
				on("/dev/tcp", ok("")).on("set-user-sshkeys", ok("")).
				on("cloud-user@192.168.122.10", fail(255, "Permission denied (publickey)"), ok("")),
			autoFix: true,
			want:    engine.CheckFixed,
			stage:   CheckVMSSHAuth,
			fix:     "injected host public key",
		},
		{
			name: "auth fails after fix",
			runner: (&fakeRunner{}).on("domstate", ok("running")).on("domifaddr", lease).
				on("/dev/tcp", ok("")).on("set-user-sshkeys", ok("")).
				on("cloud-user@192.168.122.10", fail(255, "Permission denied (publickey)")),
			autoFix: true,
			want:    engine.CheckWarning,
			stage:   CheckVMSSHAuth,
		},
		{
			name: "auth fails without auto-fix",
			runner: (&fakeRunner{}).on("domstate", ok("running")).on("domifaddr", lease).
				on("/dev/tcp", ok("")).on("cloud-user@192.168.122.10", fail(255, "Permission denied (publickey)")),
			want:  engine.CheckWarning,
			stage: CheckVMSSHAuth,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check := NewVMSSHPrerequisite(target, tt.runner, "/root/.ssh/id_rsa.pub", tt.autoFix, time.Second)
			res, err := check.Run(context.Background(), &engine.ExecutionPlan{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Status, res.Message)
			assert.True(t, strings.HasPrefix(res.Message, tt.stage+": "), res.Message)
			assert.Equal(t, tt.fix, res.FixApplied)
			assert.Equal(t, CheckVMSSH, res.Name)
		})
	}

	_, err := NewVMSSHPrerequisite(target, &fakeRunner{err: errBoom}, "", false, time.Second).
		Run(context.Background(), &engine.ExecutionPlan{})
	assert.ErrorIs(t, err, errBoom)
}

type countingCheck struct {
	prereqBase
	runs int
	err  error
}

func (c *countingCheck) Run(context.Context, *engine.ExecutionPlan) (engine.PrerequisiteResult, error) {
	c.runs++
	if c.err != nil {
		return engine.PrerequisiteResult{}, c.err
	}
	return c.result(engine.CheckOK, "fine"), nil
}

func TestCachedPrerequisite(t *testing.T) {
	inner := &countingCheck{prereqBase: prereqBase{name: "ssh_reachable", mandatory: true}}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cached := NewCachedPrerequisite(inner, time.Minute, func(p *engine.ExecutionPlan) string { return p.TargetWorkflowID })
	cached.now = func() time.Time { return now }

	ctx := context.Background()
	a := &engine.ExecutionPlan{TargetWorkflowID: "a"}
	b := &engine.ExecutionPlan{TargetWorkflowID: "b"}

	res, err := cached.Run(ctx, a)
	require.NoError(t, err)
	assert.False(t, res.Cached)

	res, err = cached.Run(ctx, a)
	require.NoError(t, err)
	assert.True(t, res.Cached)
	assert.Equal(t, 1, inner.runs)

	_, _ = cached.Run(ctx, b)
	assert.Equal(t, 2, inner.runs, "keys are cached separately")

	now = now.Add(2 * time.Minute)
	res, _ = cached.Run(ctx, a)
	assert.False(t, res.Cached, "expired entries are refreshed")
	assert.Equal(t, 3, inner.runs)

	cached.Clear()
	_, _ = cached.Run(ctx, a)
	assert.Equal(t, 4, inner.runs)

	assert.Equal(t, "ssh_reachable", cached.Name())
	assert.True(t, cached.Mandatory())

	failing := &countingCheck{prereqBase: prereqBase{name: "down"}, err: errBoom}
	cachedFailing := NewCachedPrerequisite(failing, time.Minute, nil)
	_, err = cachedFailing.Run(ctx, a)
	assert.Error(t, err)
	_, err = cachedFailing.Run(ctx, a)
	assert.Error(t, err)
	assert.Equal(t, 2, failing.runs, "errors are not cached")
}

func TestSimplePrerequisites(t *testing.T) {
	ctx := context.Background()
	plan := &engine.ExecutionPlan{}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	res, err := NewTCPPrerequisite("api", l.Addr().String(), true, time.Second).Run(ctx, plan)
	require.NoError(t, err)
	assert.Equal(t, engine.CheckOK, res.Status)

	res, err = NewTCPPrerequisite("api", closedAddress(t), true, time.Second).Run(ctx, plan)
	require.NoError(t, err)
	assert.Equal(t, engine.CheckError, res.Status)

	runner := (&fakeRunner{}).on("which kcli", ok("/usr/bin/kcli")).on("which virsh", fail(1, "no virsh"))
	res, err = NewCommandPrerequisite("kcli", "which kcli", true, runner, time.Second).Run(ctx, plan)
	require.NoError(t, err)
	assert.Equal(t, engine.CheckOK, res.Status)
	res, err = NewCommandPrerequisite("virsh", "which virsh", true, runner, time.Second).Run(ctx, plan)
	require.NoError(t, err)
	assert.Equal(t, engine.CheckError, res.Status)
	assert.Contains(t, res.Message, "no virsh")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bad" {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()
	res, err = NewHTTPPrerequisite("web", srv.URL+"/ok", false, nil, time.Second).Run(ctx, plan)
	require.NoError(t, err)
	assert.Equal(t, engine.CheckOK, res.Status)
	res, err = NewHTTPPrerequisite("web", srv.URL+"/bad", false, nil, time.Second).Run(ctx, plan)
	require.NoError(t, err)
	assert.Equal(t, engine.CheckError, res.Status)

	health := NewEngineHealthPrerequisite("engine_health", fakeHealth{})
	res, err = health.Run(ctx, plan)
	require.NoError(t, err)
	assert.Equal(t, engine.CheckOK, res.Status)
	assert.True(t, health.Mandatory())
	_, err = NewEngineHealthPrerequisite("engine_health", fakeHealth{err: errBoom}).Run(ctx, plan)
	assert.ErrorIs(t, err, errBoom)
}

func TestChunksFilePrerequisite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "document_chunks.json")
	check := NewChunksFilePrerequisite(CheckRAGChunks, path)

	res, err := check.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, engine.CheckWarning, res.Status)

	require.NoError(t, os.WriteFile(path, []byte("[]"), 0o644))
	res, _ = check.Run(context.Background(), nil)
	assert.Equal(t, engine.CheckWarning, res.Status)

	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("x", 200)), 0o644))
	res, _ = check.Run(context.Background(), nil)
	assert.Equal(t, engine.CheckOK, res.Status)
}
