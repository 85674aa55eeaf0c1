package ssh

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/smartpipeline/pkg/engine"
)

// MaxAuditOutput bounds the stdout and stderr kept per audit record.
const MaxAuditOutput = 2048

// AuditSink persists command audit records.
type AuditSink interface {
	RecordCommand(ctx context.Context, audit *engine.CommandAudit) error
}

// HostRunner is a command runner that knows where it runs commands.
type HostRunner interface {
	engine.CommandRunner
	Host() string
}

// AuditRunner logs every command a runner executes and records it in a sink.
// Recording failures are logged and never fail the command.
type AuditRunner struct {
	runner HostRunner
	sink   AuditSink
	logger zerolog.Logger
	now    func() time.Time
}

var _ engine.CommandRunner = (*AuditRunner)(nil)

// NewAuditRunner wraps runner. sink may be nil to only log.
func NewAuditRunner(runner HostRunner, sink AuditSink, logger zerolog.Logger) *AuditRunner {
	return &AuditRunner{
		runner: runner,
		sink:   sink,
		logger: logger.With().Str("component", "audit").Logger(),
		now:    time.Now,
	}
}

// Run implements engine.CommandRunner.
func (a *AuditRunner) Run(ctx context.Context, command string, timeout time.Duration) (*engine.CommandResult, error) {
	started := a.now()
	result, err := a.runner.Run(ctx, command, timeout)

	record := &engine.CommandAudit{
		ID:         uuid.New().String(),
		RunID:      engine.RunIDFromContext(ctx),
		Host:       a.runner.Host(),
		Command:    command,
		ExitCode:   -1,
		ExecutedAt: started,
		Duration:   a.now().Sub(started),
	}
	if result != nil {
		record.ExitCode = result.ExitCode
		record.Stdout = clip(result.Stdout, MaxAuditOutput)
		record.Stderr = clip(result.Stderr, MaxAuditOutput)
		record.Duration = result.Duration
	}
	if err != nil {
		record.Error = err.Error()
	}

	event := a.logger.Info()
	if err != nil || record.ExitCode != 0 {
		event = a.logger.Warn()
	}
	event.
		Str("run_id", record.RunID).
		Str("host", record.Host).
		Str("command", command).
		Int("exit_code", record.ExitCode).
		Dur("duration", record.Duration).
		Str("stdout", clip(record.Stdout, 200)).
		Str("stderr", clip(record.Stderr, 200)).
		AnErr("error", err).
		Bool("temporary", err != nil && temporary(err)).
		Msg("Command executed")

	if a.sink != nil {
		// Recording outlives a cancelled command context.
		if serr := a.sink.RecordCommand(context.WithoutCancel(ctx), record); serr != nil {
			a.logger.Warn().Err(serr).Str("command", command).Msg("Failed to record command audit")
		}
	}
	return result, err
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...[truncated]"
}
