package stores

import (
	"context"
	"time"

	"github.com/openfroyo/smartpipeline/pkg/engine"
)

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	BusyTimeout     time.Duration
}

// RunSummary is a row of the run listing.
type RunSummary struct {
	RunID           string                 `json:"run_id"`
	WorkflowID      string                 `json:"workflow_id"`
	PlanID          string                 `json:"plan_id"`
	State           engine.RunState        `json:"state"`
	ExecutionStatus engine.ExecutionStatus `json:"execution_status,omitempty"`
	Orphaned        bool                   `json:"orphaned"`
	SubmittedAt     time.Time              `json:"submitted_at"`
}

// Store is everything the Smart Pipeline persists: runs, reports and shadow
// errors for the pipeline, command audit records for the runners and the
// event timeline for telemetry.
type Store interface {
	engine.ReportStore

	// RecordCommand appends a command audit record.
	RecordCommand(ctx context.Context, audit *engine.CommandAudit) error

	// ListCommands returns the audit records of a run in execution order.
	ListCommands(ctx context.Context, runID string) ([]engine.CommandAudit, error)

	// SaveEvent appends an event to the timeline.
	SaveEvent(ctx context.Context, event *engine.Event) error

	// ListEvents returns the events of a run, or of a plan when runID is a
	// plan ID, in publish order.
	ListEvents(ctx context.Context, runID string) ([]engine.Event, error)

	// ListRuns returns the most recent runs first.
	ListRuns(ctx context.Context, limit int) ([]RunSummary, error)

	// HealthCheck verifies the database is reachable.
	HealthCheck(ctx context.Context) error

	Close() error
}
