package commands

import (
	"github.com/spf13/cobra"

	"github.com/openfroyo/smartpipeline/pkg/api"
)

func newServeCommand() *cobra.Command {
	var (
		bind  string
		watch bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the pipeline over HTTP",
		Long: `Run the HTTP API until interrupted.

Routes:
  POST /v1/intents                   submit an intent
  GET  /v1/runs                      recent runs
  GET  /v1/runs/{id}/report          final report of a run
  GET  /v1/runs/{id}/shadow-errors   shadow errors of a run
  GET  /v1/runs/{id}/events          pipeline events of a run
  GET  /metrics                      Prometheus metrics
  GET  /healthz                      health`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, func(a *app) error {
				if bind == "" {
					bind = a.cfg.API.Bind
				}

				if watch {
					if err := a.catalog.Watch(ctx, nil); err != nil {
						a.logger.Warn().Err(err).Msg("Catalog hot reload disabled")
					}
					if dir := a.cfg.Paths.PolicyDir; dir != "" {
						if err := a.policies.Watch(ctx, dir); err != nil {
							a.logger.Warn().Err(err).Str("dir", dir).Msg("Policy hot reload disabled")
						}
					}
				}

				srv := api.NewServer(bind, a.service,
					api.WithHistory(a.store),
					api.WithMetrics(a.tel.Metrics.Handler()),
					api.WithLogger(a.logger),
				)
				if err := srv.Start(ctx); err != nil {
					return err
				}

				<-ctx.Done()
				a.logger.Info().Msg("API server stopping")
				srv.Stop()
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&bind, "bind", "", "listen address (defaults to api.bind)")
	cmd.Flags().BoolVar(&watch, "watch", true, "reload the catalog and policies when their files change")
	return cmd
}
