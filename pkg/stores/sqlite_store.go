package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/openfroyo/smartpipeline/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const timeLayout = time.RFC3339Nano

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
	now func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store instance. Call Init and Migrate
// before use, or use Open.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	return &SQLiteStore{cfg: cfg, now: time.Now}, nil
}

// Open creates, initializes and migrates a store at path.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	store, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	if s.cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(s.cfg.Path), 0o755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)&_txlock=immediate",
		s.cfg.Path, s.cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	maxOpen := s.cfg.MaxOpenConns
	if s.cfg.Path == ":memory:" {
		// Every connection to :memory: is a separate database.
		maxOpen = 1
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)
	if s.cfg.Path == ":memory:" {
		db.SetConnMaxLifetime(0)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database is reachable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// SaveRun creates or updates a run.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *engine.WorkflowRun) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to encode run: %w", err)
	}

	query := `
		INSERT INTO runs (run_id, workflow_id, plan_id, resource, state, orphaned, submitted_at, updated_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			workflow_id = excluded.workflow_id,
			plan_id = excluded.plan_id,
			resource = excluded.resource,
			state = excluded.state,
			orphaned = excluded.orphaned,
			updated_at = excluded.updated_at,
			data = excluded.data
	`
	_, err = s.db.ExecContext(ctx, query,
		run.RunID,
		run.WorkflowID,
		run.PlanID,
		run.Resource,
		string(run.State),
		run.Orphaned,
		formatTime(run.SubmittedAt),
		formatTime(s.now()),
		string(data),
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*engine.WorkflowRun, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM runs WHERE run_id = ?`, runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return decodeRun(data)
}

// FindSubmission returns the run recorded under an idempotency key, or nil.
func (s *SQLiteStore) FindSubmission(ctx context.Context, key string) (*engine.WorkflowRun, error) {
	query := `
		SELECT r.data
		FROM submissions s
		JOIN runs r ON r.run_id = s.run_id
		WHERE s.idempotency_key = ?
	`
	var data string
	err := s.db.QueryRowContext(ctx, query, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find submission: %w", err)
	}
	return decodeRun(data)
}

// SaveSubmission records the run submitted under an idempotency key. The run
// is created when it does not exist yet.
func (s *SQLiteStore) SaveSubmission(ctx context.Context, key string, run *engine.WorkflowRun) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to encode run: %w", err)
	}
	now := formatTime(s.now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO runs (run_id, workflow_id, plan_id, resource, state, orphaned, submitted_at, updated_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.WorkflowID, run.PlanID, run.Resource, string(run.State), run.Orphaned,
		formatTime(run.SubmittedAt), now, string(data),
	)
	if err != nil {
		return fmt.Errorf("failed to save submission run: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO submissions (idempotency_key, run_id, created_at) VALUES (?, ?, ?)
		ON CONFLICT(idempotency_key) DO UPDATE SET run_id = excluded.run_id`,
		key, run.RunID, now,
	)
	if err != nil {
		return fmt.Errorf("failed to save submission: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit submission: %w", err)
	}
	return nil
}

// SaveReport creates or replaces the report of a run.
func (s *SQLiteStore) SaveReport(ctx context.Context, report *engine.ObserverReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}

	query := `
		INSERT INTO reports (run_id, plan_id, workflow_id, execution_status, concern_level, retry_count, updated_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			plan_id = excluded.plan_id,
			workflow_id = excluded.workflow_id,
			execution_status = excluded.execution_status,
			concern_level = excluded.concern_level,
			retry_count = excluded.retry_count,
			updated_at = excluded.updated_at,
			data = excluded.data
	`
	_, err = s.db.ExecContext(ctx, query,
		report.RunID,
		report.PlanID,
		report.WorkflowID,
		string(report.ExecutionStatus),
		string(report.ConcernLevel),
		report.RetryCount,
		formatTime(s.now()),
		string(data),
	)
	if err != nil {
		return fmt.Errorf("failed to save report: %w", err)
	}
	return nil
}

// GetReport retrieves the report of a run.
func (s *SQLiteStore) GetReport(ctx context.Context, runID string) (*engine.ObserverReport, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM reports WHERE run_id = ?`, runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get report: %w", err)
	}

	report := &engine.ObserverReport{}
	if err := json.Unmarshal([]byte(data), report); err != nil {
		return nil, fmt.Errorf("failed to decode report %s: %w", runID, err)
	}
	return report, nil
}

// AppendShadowErrors records shadow errors. Records already stored under the
// same ID are left untouched.
func (s *SQLiteStore) AppendShadowErrors(ctx context.Context, errs []engine.ShadowError) error {
	if len(errs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO shadow_errors (id, run_id, attempt, kind, severity, detected_by, detected_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare shadow error insert: %w", err)
	}
	defer stmt.Close()

	for i := range errs {
		e := &errs[i]
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to encode shadow error %s: %w", e.ID, err)
		}
		_, err = stmt.ExecContext(ctx,
			e.ID, e.RunID, e.Attempt, e.Kind, string(e.Severity), e.DetectedBy,
			formatTime(e.DetectedAt), string(data),
		)
		if err != nil {
			return fmt.Errorf("failed to insert shadow error %s: %w", e.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit shadow errors: %w", err)
	}
	return nil
}

// ListShadowErrors returns all shadow errors of a run in detection order.
func (s *SQLiteStore) ListShadowErrors(ctx context.Context, runID string) ([]engine.ShadowError, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM shadow_errors WHERE run_id = ? ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list shadow errors: %w", err)
	}
	defer rows.Close()

	errs := []engine.ShadowError{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan shadow error: %w", err)
		}
		var e engine.ShadowError
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			return nil, fmt.Errorf("failed to decode shadow error: %w", err)
		}
		errs = append(errs, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating shadow errors: %w", err)
	}
	return errs, nil
}

// RecordCommand appends a command audit record.
func (s *SQLiteStore) RecordCommand(ctx context.Context, audit *engine.CommandAudit) error {
	query := `
		INSERT INTO command_audit (id, run_id, host, command, exit_code, stdout, stderr, error, duration_ms, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		audit.ID,
		audit.RunID,
		audit.Host,
		audit.Command,
		audit.ExitCode,
		audit.Stdout,
		audit.Stderr,
		audit.Error,
		audit.Duration.Milliseconds(),
		formatTime(audit.ExecutedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to record command: %w", err)
	}
	return nil
}

// ListCommands returns the audit records of a run in execution order.
func (s *SQLiteStore) ListCommands(ctx context.Context, runID string) ([]engine.CommandAudit, error) {
	query := `
		SELECT id, run_id, host, command, exit_code, stdout, stderr, error, duration_ms, executed_at
		FROM command_audit
		WHERE run_id = ?
		ORDER BY seq ASC
	`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list commands: %w", err)
	}
	defer rows.Close()

	audits := []engine.CommandAudit{}
	for rows.Next() {
		var (
			a          engine.CommandAudit
			durationMS int64
			executedAt string
		)
		err := rows.Scan(&a.ID, &a.RunID, &a.Host, &a.Command, &a.ExitCode,
			&a.Stdout, &a.Stderr, &a.Error, &durationMS, &executedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan command audit: %w", err)
		}
		a.Duration = time.Duration(durationMS) * time.Millisecond
		a.ExecutedAt = parseTime(executedAt)
		audits = append(audits, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating command audit: %w", err)
	}
	return audits, nil
}

// SaveEvent appends an event to the timeline.
func (s *SQLiteStore) SaveEvent(ctx context.Context, event *engine.Event) error {
	data := "{}"
	if len(event.Data) > 0 {
		b, err := json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("failed to encode event data: %w", err)
		}
		data = string(b)
	}

	query := `
		INSERT INTO events (id, type, run_id, plan_id, message, data, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		string(event.Type),
		event.RunID,
		event.PlanID,
		event.Message,
		data,
		formatTime(event.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to save event: %w", err)
	}
	return nil
}

// ListEvents returns the events of a run in publish order. Events recorded
// against the run's plan before the run existed are included.
func (s *SQLiteStore) ListEvents(ctx context.Context, runID string) ([]engine.Event, error) {
	query := `
		SELECT id, type, run_id, plan_id, message, data, timestamp
		FROM events
		WHERE run_id = ?
		   OR (plan_id != '' AND plan_id = (SELECT plan_id FROM runs WHERE run_id = ?))
		   OR plan_id = ?
		ORDER BY seq ASC
	`
	rows, err := s.db.QueryContext(ctx, query, runID, runID, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []engine.Event{}
	for rows.Next() {
		var (
			e         engine.Event
			eventType string
			data      string
			timestamp string
		)
		if err := rows.Scan(&e.ID, &eventType, &e.RunID, &e.PlanID, &e.Message, &data, &timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Type = engine.EventType(eventType)
		e.Timestamp = parseTime(timestamp)
		if data != "" && data != "{}" {
			if err := json.Unmarshal([]byte(data), &e.Data); err != nil {
				return nil, fmt.Errorf("failed to decode event data: %w", err)
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

// ListRuns returns the most recent runs first, with their verdict when a
// report exists.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT r.run_id, r.workflow_id, r.plan_id, r.state, COALESCE(rep.execution_status, ''), r.orphaned, r.submitted_at
		FROM runs r
		LEFT JOIN reports rep ON rep.run_id = r.run_id
		ORDER BY r.submitted_at DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []RunSummary{}
	for rows.Next() {
		var (
			r           RunSummary
			state       string
			status      string
			submittedAt string
		)
		if err := rows.Scan(&r.RunID, &r.WorkflowID, &r.PlanID, &state, &status, &r.Orphaned, &submittedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.State = engine.RunState(state)
		r.ExecutionStatus = engine.ExecutionStatus(status)
		r.SubmittedAt = parseTime(submittedAt)
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

func decodeRun(data string) (*engine.WorkflowRun, error) {
	run := &engine.WorkflowRun{}
	if err := json.Unmarshal([]byte(data), run); err != nil {
		return nil, fmt.Errorf("failed to decode run: %w", err)
	}
	return run, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
