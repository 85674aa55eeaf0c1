// Package airflow is a client for the Airflow stable REST API. It implements
// engine.WorkflowEngine and exposes the connection endpoints used by the
// pre-flight checks.
package airflow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/openfroyo/smartpipeline/pkg/engine"
)

// ErrConnectionNotFound is returned when an Airflow connection does not exist.
var ErrConnectionNotFound = errors.New("airflow connection not found")

// HTTPDoer describes the HTTP client used by Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config configures a Client.
type Config struct {
	URL      string
	User     string
	Password string
	Timeout  time.Duration
}

// Client talks to the Airflow REST API with basic auth.
type Client struct {
	baseURL  string
	user     string
	password string
	timeout  time.Duration
	client   HTTPDoer
	logger   zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c HTTPDoer) Option {
	return func(cl *Client) { cl.client = c }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(cl *Client) { cl.logger = l.With().Str("component", "airflow").Logger() }
}

// New creates a Client.
func New(cfg Config, opts ...Option) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &Client{
		baseURL:  strings.TrimRight(strings.TrimSpace(cfg.URL), "/"),
		user:     cfg.User,
		password: cfg.Password,
		timeout:  timeout,
		client:   &http.Client{Timeout: timeout},
		logger:   zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type dagRun struct {
	DAGRunID  string                 `json:"dag_run_id"`
	DAGID     string                 `json:"dag_id,omitempty"`
	State     string                 `json:"state,omitempty"`
	Conf      map[string]interface{} `json:"conf,omitempty"`
	StartDate *time.Time             `json:"start_date,omitempty"`
	EndDate   *time.Time             `json:"end_date,omitempty"`
}

// Submit implements engine.WorkflowEngine. A run that already exists under
// runID is treated as submitted.
func (c *Client) Submit(ctx context.Context, workflowID, runID string, conf map[string]interface{}) (string, error) {
	if conf == nil {
		conf = map[string]interface{}{}
	}
	body := dagRun{DAGRunID: runID, Conf: conf}

	var out dagRun
	status, err := c.do(ctx, http.MethodPost, c.dagRunsPath(workflowID), body, &out)
	switch {
	case err != nil:
		return "", engine.NewInfrastructureError("airflow", err).WithOperation("submit").WithResource(workflowID)
	case status == http.StatusConflict:
		c.logger.Info().Str("workflow_id", workflowID).Str("run_id", runID).Msg("DAG run already exists")
		return runID, nil
	case status == http.StatusNotFound:
		return "", engine.NewPermanentError(fmt.Sprintf("workflow %s does not exist in the engine", workflowID), nil).
			WithCode(engine.ErrCodeNotFound).
			WithResource(workflowID).
			WithOperation("submit")
	case status >= 500:
		return "", engine.NewInfrastructureError("airflow", fmt.Errorf("HTTP %d", status)).
			WithOperation("submit").WithResource(workflowID)
	case status >= 300:
		return "", engine.NewPermanentError(fmt.Sprintf("airflow rejected the run: HTTP %d", status), nil).
			WithCode(engine.ErrCodeSubmissionFailed).
			WithResource(workflowID).
			WithOperation("submit")
	}

	if out.DAGRunID == "" {
		out.DAGRunID = runID
	}
	c.logger.Info().Str("workflow_id", workflowID).Str("run_id", out.DAGRunID).Msg("DAG run submitted")
	return out.DAGRunID, nil
}

// Status implements engine.WorkflowEngine.
func (c *Client) Status(ctx context.Context, workflowID, runID string) (*engine.RunStatus, error) {
	var out dagRun
	status, err := c.do(ctx, http.MethodGet, c.dagRunPath(workflowID, runID), nil, &out)
	if err != nil {
		return nil, engine.NewInfrastructureError("airflow", err).WithOperation("status").WithResource(runID)
	}
	if status == http.StatusNotFound {
		return nil, engine.ErrRunNotFound
	}
	if status >= 300 {
		return nil, engine.NewInfrastructureError("airflow", fmt.Errorf("HTTP %d", status)).
			WithOperation("status").WithResource(runID)
	}

	return &engine.RunStatus{
		State:     MapState(out.State),
		StartedAt: out.StartDate,
		EndedAt:   out.EndDate,
	}, nil
}

// Cancel implements engine.WorkflowEngine by marking the run failed.
func (c *Client) Cancel(ctx context.Context, workflowID, runID string) error {
	status, err := c.do(ctx, http.MethodPatch, c.dagRunPath(workflowID, runID), map[string]string{"state": "failed"}, nil)
	if err != nil {
		return engine.NewInfrastructureError("airflow", err).WithOperation("cancel").WithResource(runID)
	}
	if status >= 300 {
		return engine.NewInfrastructureError("airflow", fmt.Errorf("HTTP %d", status)).
			WithOperation("cancel").WithResource(runID)
	}
	c.logger.Warn().Str("workflow_id", workflowID).Str("run_id", runID).Msg("DAG run cancelled")
	return nil
}

// MapState converts an Airflow DAG run state.
func MapState(state string) engine.RunState {
	switch strings.ToLower(state) {
	case "queued", "scheduled":
		return engine.RunStateQueued
	case "running", "restarting", "up_for_retry":
		return engine.RunStateRunning
	case "success":
		return engine.RunStateSuccess
	case "failed", "upstream_failed":
		return engine.RunStateFailed
	default:
		return engine.RunStateUnknown
	}
}

// DAG is a workflow registered in Airflow.
type DAG struct {
	ID          string   `json:"dag_id"`
	Description string   `json:"description"`
	IsPaused    bool     `json:"is_paused"`
	Tags        []string `json:"-"`
}

// ListDAGs returns the DAGs registered in Airflow.
func (c *Client) ListDAGs(ctx context.Context) ([]DAG, error) {
	var out struct {
		DAGs []struct {
			DAG
			Tags []struct {
				Name string `json:"name"`
			} `json:"tags"`
		} `json:"dags"`
	}
	status, err := c.do(ctx, http.MethodGet, "/api/v1/dags?limit=500", nil, &out)
	if err != nil {
		return nil, engine.NewInfrastructureError("airflow", err).WithOperation("list_dags")
	}
	if status >= 300 {
		return nil, engine.NewInfrastructureError("airflow", fmt.Errorf("HTTP %d", status)).WithOperation("list_dags")
	}

	dags := make([]DAG, 0, len(out.DAGs))
	for _, d := range out.DAGs {
		dag := d.DAG
		for _, t := range d.Tags {
			dag.Tags = append(dag.Tags, t.Name)
		}
		dags = append(dags, dag)
	}
	return dags, nil
}

// Connection is an Airflow connection.
type Connection struct {
	ConnectionID string `json:"connection_id"`
	ConnType     string `json:"conn_type"`
	Host         string `json:"host,omitempty"`
	Login        string `json:"login,omitempty"`
	Port         int    `json:"port,omitempty"`
	Extra        string `json:"extra,omitempty"`
}

// ExtraField returns a field of the connection's JSON extras.
func (c Connection) ExtraField(key string) string {
	if c.Extra == "" {
		return ""
	}
	var extra map[string]interface{}
	if err := json.Unmarshal([]byte(c.Extra), &extra); err != nil {
		return ""
	}
	v, _ := extra[key].(string)
	return v
}

// GetConnection returns a connection or ErrConnectionNotFound.
func (c *Client) GetConnection(ctx context.Context, id string) (*Connection, error) {
	var out Connection
	status, err := c.do(ctx, http.MethodGet, "/api/v1/connections/"+url.PathEscape(id), nil, &out)
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusNotFound:
		return nil, ErrConnectionNotFound
	case status >= 300:
		return nil, fmt.Errorf("get connection %s: HTTP %d", id, status)
	}
	return &out, nil
}

// CreateConnection creates a connection.
func (c *Client) CreateConnection(ctx context.Context, conn Connection) error {
	status, err := c.do(ctx, http.MethodPost, "/api/v1/connections", conn, nil)
	if err != nil {
		return err
	}
	if status >= 300 {
		return fmt.Errorf("create connection %s: HTTP %d", conn.ConnectionID, status)
	}
	c.logger.Info().Str("connection_id", conn.ConnectionID).Msg("Airflow connection created")
	return nil
}

// UpdateConnectionLogin changes the login of a connection.
func (c *Client) UpdateConnectionLogin(ctx context.Context, conn Connection, login string) error {
	conn.Login = login
	path := "/api/v1/connections/" + url.PathEscape(conn.ConnectionID) + "?update_mask=login"
	status, err := c.do(ctx, http.MethodPatch, path, conn, nil)
	if err != nil {
		return err
	}
	if status >= 300 {
		return fmt.Errorf("update connection %s: HTTP %d", conn.ConnectionID, status)
	}
	return nil
}

// TestConnection asks Airflow to test a connection. ok is false when the test
// ran and failed.
func (c *Client) TestConnection(ctx context.Context, conn Connection) (bool, string, error) {
	var out struct {
		Status  bool   `json:"status"`
		Message string `json:"message"`
	}
	status, err := c.do(ctx, http.MethodPost, "/api/v1/connections/test", conn, &out)
	if err != nil {
		return false, "", err
	}
	if status >= 300 {
		return false, "", fmt.Errorf("test connection %s: HTTP %d", conn.ConnectionID, status)
	}
	return out.Status, out.Message, nil
}

// Health reports whether the Airflow metadatabase and scheduler are healthy.
func (c *Client) Health(ctx context.Context) error {
	var out struct {
		Metadatabase struct {
			Status string `json:"status"`
		} `json:"metadatabase"`
		Scheduler struct {
			Status string `json:"status"`
		} `json:"scheduler"`
	}
	status, err := c.do(ctx, http.MethodGet, "/api/v1/health", nil, &out)
	if err != nil {
		return err
	}
	if status >= 300 {
		return fmt.Errorf("health: HTTP %d", status)
	}
	if out.Metadatabase.Status != "healthy" || out.Scheduler.Status != "healthy" {
		return fmt.Errorf("airflow unhealthy: metadatabase=%s scheduler=%s", out.Metadatabase.Status, out.Scheduler.Status)
	}
	return nil
}

func (c *Client) dagRunsPath(workflowID string) string {
	return "/api/v1/dags/" + url.PathEscape(workflowID) + "/dagRuns"
}

func (c *Client) dagRunPath(workflowID, runID string) string {
	return c.dagRunsPath(workflowID) + "/" + url.PathEscape(runID)
}

// do sends a JSON request and decodes a 2xx JSON response into out. The
// returned error is set only when the request could not be completed.
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) (int, error) {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.user != "" {
		req.SetBasicAuth(c.user, c.password)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("Airflow request")

	if out != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	} else {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	}
	return resp.StatusCode, nil
}
