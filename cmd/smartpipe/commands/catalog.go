package commands

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/smartpipeline/pkg/config"
	"github.com/openfroyo/smartpipeline/pkg/engine"
)

func newWorkflowsCommand() *cobra.Command {
	var showKeywords bool

	cmd := &cobra.Command{
		Use:   "workflows",
		Short: "List the workflows in the catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			catalog, err := config.LoadCatalog(cfg.Paths.CatalogPath, config.NewSchemaRegistry(), log.Logger)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if showKeywords {
				keywords := engine.ServiceKeywords(catalog)
				if jsonOutput {
					return printJSON(out, keywords)
				}
				rows := make([][]string, 0, len(keywords))
				for _, k := range sortedStringKeys(keywords) {
					rows = append(rows, []string{k, keywords[k]})
				}
				printTable(out, []string{"Keyword", "Workflow"}, rows)
				return nil
			}

			defs := catalog.Workflows()
			if jsonOutput {
				return printJSON(out, defs)
			}
			rows := make([][]string, 0, len(defs))
			for _, id := range config.WorkflowIDs(catalog) {
				def, _ := catalog.Workflow(id)
				state := "active"
				if def.Paused {
					state = "paused"
				}
				rows = append(rows, []string{
					def.ID,
					def.Domain,
					def.Resource,
					strings.Join(def.Tags, ", "),
					fmt.Sprint(len(def.Prerequisites)),
					fmt.Sprint(len(def.OutcomeChecks)),
					state,
				})
			}
			printTable(out, []string{"Workflow", "Domain", "Resource", "Tags", "Prereqs", "Checks", "State"}, rows)
			return nil
		},
	}

	cmd.Flags().BoolVar(&showKeywords, "keywords", false, "show the service keyword map instead")
	return cmd
}

func newPoliciesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "policies",
		Short: "List the fix approval policies",
		Long: `List the Rego policies that decide whether a fix command may run during
self-correction. Custom policies are loaded from the policy directory.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				policies := a.policies.ListPolicies()
				out := cmd.OutOrStdout()
				if jsonOutput {
					return printJSON(out, policies)
				}
				rows := make([][]string, 0, len(policies))
				for _, p := range policies {
					source := p.Source
					if source == "" {
						source = "built-in"
					}
					rows = append(rows, []string{p.Name, fmt.Sprint(p.Enabled), source, p.Description})
				}
				printTable(out, []string{"Policy", "Enabled", "Source", "Description"}, rows)
				return nil
			})
		},
	}
}
