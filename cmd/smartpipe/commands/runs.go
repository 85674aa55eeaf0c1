package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newReportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "report <run-id>",
		Short: "Show the final report of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				report, err := a.service.GetReport(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), report)
				}
				printReport(cmd.OutOrStdout(), report)
				return nil
			})
		},
	}
}

func newShadowErrorsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "shadow-errors <run-id>",
		Short: "List the shadow errors detected for a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				errs, err := a.service.ListShadowErrors(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if jsonOutput {
					return printJSON(out, errs)
				}
				if len(errs) == 0 {
					fmt.Fprintln(out, "No shadow errors recorded.")
					return nil
				}
				printShadowErrors(out, errs)
				for _, se := range errs {
					for _, fix := range se.FixCommands {
						marker := ""
						if fix.Destructive {
							marker = " [destructive]"
						}
						fmt.Fprintf(out, "  %s: %s%s\n", se.Kind, fix.Command, marker)
					}
				}
				return nil
			})
		},
	}
}

func newRunsCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				runs, err := a.store.ListRuns(cmd.Context(), limit)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if jsonOutput {
					return printJSON(out, runs)
				}
				rows := make([][]string, 0, len(runs))
				for _, r := range runs {
					status := string(r.ExecutionStatus)
					if status == "" {
						status = "-"
					}
					if r.Orphaned {
						status += " (orphaned)"
					}
					rows = append(rows, []string{r.RunID, r.WorkflowID, string(r.State), status, formatTime(r.SubmittedAt)})
				}
				printTable(out, []string{"Run", "Workflow", "Engine state", "Status", "Submitted"}, rows)
				return nil
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")
	return cmd
}

func newRecheckCommand() *cobra.Command {
	var autoApprove bool

	cmd := &cobra.Command{
		Use:   "recheck <run-id>",
		Short: "Re-run the outcome checks and corrections of a finished run",
		Long: `Observe a stored run again and run the self-correction loop with a fresh
retry budget. Shadow errors from earlier passes stay in the history.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				report, err := a.service.Recheck(cmd.Context(), args[0], autoApprove)
				if report != nil {
					if jsonOutput {
						if perr := printJSON(cmd.OutOrStdout(), report); perr != nil {
							return perr
						}
					} else {
						printReport(cmd.OutOrStdout(), report)
					}
				}
				if err != nil {
					return err
				}
				if !report.ExecutionStatus.IsSuccess() {
					return &statusError{runID: report.RunID, status: report.ExecutionStatus}
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "allow destructive fix commands")
	return cmd
}
