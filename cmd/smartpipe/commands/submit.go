package commands

import (
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/openfroyo/smartpipeline/pkg/checks"
	"github.com/openfroyo/smartpipeline/pkg/engine"
)

// parseParams turns key=value flags into intent parameters. Values that parse
// as JSON keep their type; anything else is a string.
func parseParams(pairs []string) (map[string]interface{}, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	params := make(map[string]interface{}, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q: expected key=value", pair)
		}
		var decoded interface{}
		if err := json.Unmarshal([]byte(value), &decoded); err == nil {
			params[key] = decoded
		} else {
			params[key] = value
		}
	}
	return params, nil
}

func buildIntent(args, params []string, autoApprove, autoExecute bool) (engine.Intent, error) {
	text := strings.TrimSpace(strings.Join(args, " "))
	if text == "" {
		return engine.Intent{}, fmt.Errorf("intent text is required")
	}
	p, err := parseParams(params)
	if err != nil {
		return engine.Intent{}, err
	}
	return engine.Intent{
		Text:        text,
		Params:      p,
		AutoApprove: autoApprove,
		AutoExecute: autoExecute,
	}, nil
}

func newSubmitCommand() *cobra.Command {
	var (
		params      []string
		autoApprove bool
		planOnly    bool
	)

	cmd := &cobra.Command{
		Use:   "submit <intent>",
		Short: "Plan, validate, run and verify an intent",
		Long: `Submit an intent to the pipeline. The intent is classified into a workflow,
pre-flight checks gate the submission, and the outcome of the run is verified
independently of the engine's own state. Shadow errors found after the run are
corrected with approved fix commands up to the retry budget.`,
		Example: `  # Deploy FreeIPA and verify it
  smartpipe submit "deploy freeipa"

  # Override the VM name and allow destructive fixes
  smartpipe submit "deploy freeipa" --param vm_name=ipa2 --auto-approve

  # Only show the plan
  smartpipe submit "rebuild the registry" --plan-only`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			intent, err := buildIntent(args, params, autoApprove, !planOnly)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(a *app) error {
				result, err := a.service.SubmitIntent(cmd.Context(), intent)
				out := cmd.OutOrStdout()
				if jsonOutput {
					if result != nil {
						if perr := printJSON(out, result); perr != nil {
							return perr
						}
					}
					return submitError(result, err)
				}

				if result != nil && result.Plan != nil {
					printPlan(out, result.Plan)
				}
				if result != nil && result.Validation != nil {
					fmt.Fprintln(out, checks.FormatValidation(result.Validation))
				}
				if result != nil && result.Report != nil {
					printReport(out, result.Report)
				}
				printGuidance(out, err)
				return submitError(result, err)
			})
		},
	}

	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "workflow parameter as key=value (repeatable)")
	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "allow destructive fix commands")
	cmd.Flags().BoolVar(&planOnly, "plan-only", false, "return the plan without submitting it")

	return cmd
}

// submitError turns a finished run without a successful verdict into an error.
func submitError(result *engine.SubmitResult, err error) error {
	if err != nil {
		return err
	}
	if result == nil || result.Report == nil {
		return nil
	}
	switch result.Report.ExecutionStatus {
	case engine.StatusEscalated, engine.StatusFailed:
		return &statusError{runID: result.Report.RunID, status: result.Report.ExecutionStatus}
	}
	return nil
}

func newPlanCommand() *cobra.Command {
	var params []string

	cmd := &cobra.Command{
		Use:   "plan <intent>",
		Short: "Show the execution plan for an intent",
		Long: `Classify an intent and build its execution plan without running any check
or submitting anything.`,
		Example: `  smartpipe plan "deploy freeipa"
  smartpipe plan "create a vm" --param vm_name=build01 --json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			intent, err := buildIntent(args, params, false, false)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(a *app) error {
				plan, err := a.service.Plan(cmd.Context(), intent)
				if err != nil {
					if !jsonOutput {
						printGuidance(cmd.OutOrStdout(), err)
					}
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), plan)
				}
				printPlan(cmd.OutOrStdout(), plan)
				return nil
			})
		},
	}

	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "workflow parameter as key=value (repeatable)")
	return cmd
}

func newPreflightCommand() *cobra.Command {
	var params []string

	cmd := &cobra.Command{
		Use:   "preflight <intent>",
		Short: "Run the pre-flight checks of an intent",
		Long: `Plan an intent and run its prerequisite checks without submitting it. Checks
that support auto-fix may repair what they find.`,
		Example: `  smartpipe preflight "deploy freeipa"`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			intent, err := buildIntent(args, params, false, false)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(a *app) error {
				plan, err := a.service.Plan(cmd.Context(), intent)
				if err != nil {
					return err
				}
				validation, err := a.service.Preflight(cmd.Context(), plan)
				if validation != nil {
					if jsonOutput {
						if perr := printJSON(cmd.OutOrStdout(), validation); perr != nil {
							return perr
						}
					} else {
						fmt.Fprintln(cmd.OutOrStdout(), checks.FormatValidation(validation))
					}
				}
				return err
			})
		},
	}

	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "workflow parameter as key=value (repeatable)")
	return cmd
}
