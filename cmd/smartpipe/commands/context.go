package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/smartpipeline/pkg/clients/rag"
	"github.com/openfroyo/smartpipeline/pkg/config"
)

func newContextCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "context",
		Short: "Manage the documentation context used while planning",
	}
	cmd.AddCommand(newContextIngestCommand())
	cmd.AddCommand(newContextSearchCommand())
	return cmd
}

func newContextIngestCommand() *cobra.Command {
	var reload bool

	cmd := &cobra.Command{
		Use:   "ingest [dir...]",
		Short: "Chunk documents into the local context index",
		Long: `Scan directories for markdown, YAML, reStructuredText and text files and
write their chunks to the local index used for keyword search. Without
arguments the configured drop directory is scanned.`,
		Example: `  smartpipe context ingest
  smartpipe context ingest ~/runbooks ~/kb --reload`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.EnsureDirectories(); err != nil {
				return err
			}

			dirs := args
			if len(dirs) == 0 {
				dirs = []string{cfg.Context.DropDir}
			}
			for i, d := range dirs {
				if dirs[i], err = config.ExpandPath(d); err != nil {
					return err
				}
			}

			files, chunks, err := rag.NewScanner(cfg.Context.DataDir, dirs, log.Logger).ScanAndProcess()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Indexed %d chunks from %d files.\n", chunks, files)

			if reload && cfg.Context.RAGURL != "" {
				client := rag.New(cfg.Context.RAGURL, cfg.Context.DataDir, cfg.Context.Timeout(), rag.WithLogger(log.Logger))
				result, err := client.Reload(cmd.Context())
				if err != nil {
					return fmt.Errorf("reload RAG service: %w", err)
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), result)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "RAG service reloaded.")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&reload, "reload", false, "ask the RAG service to reload its index")
	return cmd
}

func newContextSearchCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Query the documentation context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client := rag.New(cfg.Context.RAGURL, cfg.Context.DataDir, cfg.Context.Timeout(), rag.WithLogger(log.Logger))
			snippets, err := client.Query(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, snippets)
			}
			rows := make([][]string, 0, len(snippets))
			for _, s := range snippets {
				rows = append(rows, []string{fmt.Sprintf("%.2f", s.Score), s.Source, truncate(s.Content, 80)})
			}
			printTable(out, []string{"Score", "Source", "Content"}, rows)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 5, "maximum number of snippets")
	return cmd
}
