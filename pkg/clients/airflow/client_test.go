package airflow

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/smartpipeline/pkg/engine"
)

type recorded struct {
	method string
	path   string
	query  string
	body   map[string]interface{}
	user   string
}

type callLog struct {
	mu    sync.Mutex
	calls []recorded
}

func (l *callLog) get(i int) recorded {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[i]
}

func (l *callLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.calls)
}

func newServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*Client, *callLog) {
	t.Helper()
	log := &callLog{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recorded{method: r.Method, path: r.URL.Path, query: r.URL.RawQuery}
		rec.user, _, _ = r.BasicAuth()
		if raw, _ := io.ReadAll(r.Body); len(raw) > 0 {
			assert.NoError(t, json.Unmarshal(raw, &rec.body))
		}
		log.mu.Lock()
		log.calls = append(log.calls, rec)
		log.mu.Unlock()
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return New(Config{URL: srv.URL + "/", User: "admin", Password: "secret", Timeout: 5 * time.Second}), log
}

func TestClient_Submit(t *testing.T) {
	client, calls := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"dag_run_id": "smartpipe__plan-1", "state": "queued"}`))
	})

	runID, err := client.Submit(context.Background(), "freeipa_deployment", "smartpipe__plan-1", map[string]interface{}{"action": "create"})
	require.NoError(t, err)
	assert.Equal(t, "smartpipe__plan-1", runID)

	require.Equal(t, 1, calls.len())
	call := calls.get(0)
	assert.Equal(t, http.MethodPost, call.method)
	assert.Equal(t, "/api/v1/dags/freeipa_deployment/dagRuns", call.path)
	assert.Equal(t, "admin", call.user)
	assert.Equal(t, "smartpipe__plan-1", call.body["dag_run_id"])
	assert.Equal(t, map[string]interface{}{"action": "create"}, call.body["conf"])
}

func TestClient_SubmitResponses(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantErr  func(error) bool
		wantCode string
	}{
		{name: "conflict means already submitted", status: http.StatusConflict},
		{name: "unknown dag", status: http.StatusNotFound, wantCode: engine.ErrCodeNotFound},
		{name: "rejected", status: http.StatusBadRequest, wantCode: engine.ErrCodeSubmissionFailed},
		{name: "server error", status: http.StatusBadGateway, wantErr: engine.IsInfrastructure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			})

			runID, err := client.Submit(context.Background(), "freeipa_deployment", "smartpipe__plan-1", nil)
			if tt.wantErr == nil && tt.wantCode == "" {
				require.NoError(t, err)
				assert.Equal(t, "smartpipe__plan-1", runID)
				return
			}
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.True(t, tt.wantErr(err), "unexpected error: %v", err)
			}
			if tt.wantCode != "" {
				var engineErr *engine.EngineError
				require.True(t, errors.As(err, &engineErr))
				assert.Equal(t, tt.wantCode, engineErr.Code)
			}
		})
	}
}

func TestClient_SubmitUnreachable(t *testing.T) {
	client := New(Config{URL: "http://127.0.0.1:1", Timeout: time.Second})
	_, err := client.Submit(context.Background(), "freeipa_deployment", "r", nil)
	require.Error(t, err)
	assert.True(t, engine.IsInfrastructure(err))
}

func TestClient_Status(t *testing.T) {
	client, calls := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/missing") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"dag_run_id": "r1", "state": "success",
			"start_date": "2026-01-02T03:04:05+00:00", "end_date": "2026-01-02T03:24:05+00:00"}`))
	})

	status, err := client.Status(context.Background(), "freeipa_deployment", "r1")
	require.NoError(t, err)
	assert.Equal(t, engine.RunStateSuccess, status.State)
	require.NotNil(t, status.StartedAt)
	require.NotNil(t, status.EndedAt)
	assert.Equal(t, 20*time.Minute, status.EndedAt.Sub(*status.StartedAt))
	assert.Equal(t, "/api/v1/dags/freeipa_deployment/dagRuns/r1", calls.get(0).path)

	_, err = client.Status(context.Background(), "freeipa_deployment", "missing")
	assert.ErrorIs(t, err, engine.ErrRunNotFound)
}

func TestClient_Cancel(t *testing.T) {
	client, calls := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	})

	require.NoError(t, client.Cancel(context.Background(), "freeipa_deployment", "r1"))
	call := calls.get(0)
	assert.Equal(t, http.MethodPatch, call.method)
	assert.Equal(t, "failed", call.body["state"])
}

func TestMapState(t *testing.T) {
	tests := map[string]engine.RunState{
		"queued":          engine.RunStateQueued,
		"running":         engine.RunStateRunning,
		"up_for_retry":    engine.RunStateRunning,
		"success":         engine.RunStateSuccess,
		"failed":          engine.RunStateFailed,
		"upstream_failed": engine.RunStateFailed,
		"":                engine.RunStateUnknown,
		"removed":         engine.RunStateUnknown,
	}
	for in, want := range tests {
		assert.Equal(t, want, MapState(in), in)
	}
}

func TestClient_Connections(t *testing.T) {
	client, calls := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/localhost_ssh"):
			_, _ = w.Write([]byte(`{"connection_id": "localhost_ssh", "conn_type": "ssh", "login": "root", "port": 22,
				"extra": "{\"key_file\": \"/root/.ssh/id_rsa\"}"}`))
		case r.Method == http.MethodGet:
			w.WriteHeader(http.StatusNotFound)
		case r.URL.Path == "/api/v1/connections/test":
			_, _ = w.Write([]byte(`{"status": true, "message": "Connection successfully tested"}`))
		default:
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{}`))
		}
	})
	ctx := context.Background()

	conn, err := client.GetConnection(ctx, "localhost_ssh")
	require.NoError(t, err)
	assert.Equal(t, "root", conn.Login)
	assert.Equal(t, "/root/.ssh/id_rsa", conn.ExtraField("key_file"))

	_, err = client.GetConnection(ctx, "absent")
	assert.ErrorIs(t, err, ErrConnectionNotFound)

	require.NoError(t, client.CreateConnection(ctx, Connection{ConnectionID: "absent", ConnType: "ssh", Host: "localhost"}))
	require.NoError(t, client.UpdateConnectionLogin(ctx, *conn, "admin"))

	ok, msg, err := client.TestConnection(ctx, *conn)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, msg, "successfully")

	patch := calls.get(3)
	assert.Equal(t, http.MethodPatch, patch.method)
	assert.Equal(t, "update_mask=login", patch.query)
	assert.Equal(t, "admin", patch.body["login"])
}

func TestClient_ListDAGs(t *testing.T) {
	client, _ := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"dags": [
			{"dag_id": "freeipa_deployment", "description": "FreeIPA", "is_paused": false, "tags": [{"name": "identity"}]},
			{"dag_id": "legacy", "is_paused": true, "tags": []}
		]}`))
	})

	dags, err := client.ListDAGs(context.Background())
	require.NoError(t, err)
	require.Len(t, dags, 2)
	assert.Equal(t, []string{"identity"}, dags[0].Tags)
	assert.True(t, dags[1].IsPaused)
}

func TestClient_Health(t *testing.T) {
	serve := func(body string) *Client {
		client, _ := newServer(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(body))
		})
		return client
	}

	healthy := serve(`{"metadatabase": {"status": "healthy"}, "scheduler": {"status": "healthy"}}`)
	require.NoError(t, healthy.Health(context.Background()))

	degraded := serve(`{"metadatabase": {"status": "healthy"}, "scheduler": {"status": "unhealthy"}}`)
	assert.Error(t, degraded.Health(context.Background()))
}
