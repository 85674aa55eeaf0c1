package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/smartpipeline/pkg/engine"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool

	buildVersion = "dev"
)

// Exit codes returned by the smartpipe binary.
const (
	ExitFailure      = 1
	ExitAmbiguous    = 2
	ExitPrerequisite = 3
	ExitUnresolved   = 4
	ExitInterrupted  = 130
)

// statusError reports a run that finished without a successful verdict.
type statusError struct {
	runID  string
	status engine.ExecutionStatus
}

func (e *statusError) Error() string {
	return fmt.Sprintf("run %s finished with status %s", e.runID, e.status)
}

// ExitCode maps a command error to the process exit code.
func ExitCode(err error) int {
	var se *statusError
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled):
		return ExitInterrupted
	case engine.IsAmbiguousIntent(err):
		return ExitAmbiguous
	case engine.IsPrerequisite(err), engine.IsReadOnly(err):
		return ExitPrerequisite
	case errors.As(err, &se):
		return ExitUnresolved
	default:
		return ExitFailure
	}
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	buildVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "smartpipe",
		Short: "Smart Pipeline - verified workflow orchestration",
		Long: `Smart Pipeline turns an operator intent into a workflow run and does not
trust the engine's verdict: it checks prerequisites before submitting, observes
the real outcome after the run, and retries bounded corrections before it
escalates.

Stages:
  - Manager: classify the intent and build an execution plan
  - Developer: pre-flight prerequisite checks
  - Trigger: idempotent submission to the workflow engine
  - Observer: outcome checks and shadow error detection
  - Self-correction: approved fixes, revalidation and escalation`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newSubmitCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newPreflightCommand())
	rootCmd.AddCommand(newReportCommand())
	rootCmd.AddCommand(newShadowErrorsCommand())
	rootCmd.AddCommand(newRunsCommand())
	rootCmd.AddCommand(newRecheckCommand())
	rootCmd.AddCommand(newWorkflowsCommand())
	rootCmd.AddCommand(newPoliciesCommand())
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newContextCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}

func newVersionCommand(version, commit, buildDate string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, map[string]string{
					"version":    version,
					"commit":     commit,
					"build_date": buildDate,
				})
			}
			fmt.Fprintf(out, "smartpipe %s (commit: %s, built: %s)\n", version, commit, buildDate)
			return nil
		},
	}
}
