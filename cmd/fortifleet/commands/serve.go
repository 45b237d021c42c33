package commands

import (
	"context"

	"github.com/fortifleet/fortifleet/pkg/api"
	"github.com/fortifleet/fortifleet/pkg/inventory"
	"github.com/fortifleet/fortifleet/pkg/policy"
	"github.com/spf13/cobra"
)

func newServeCommand() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Run the HTTP API. Besides the REST endpoints the server exposes Prometheus
metrics on /metrics and streams fan-out progress on the /api/events websocket.

When enabled in the config, policy files and the inventory file are watched
and reloaded on change.`,
		Example: `  fortifleet serve --listen 0.0.0.0:8080`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			// The command context is already cancelled at shutdown
			defer a.Close(context.Background())

			cfg := a.cfg
			if listen == "" {
				listen = cfg.API.Listen
			}

			if a.guard != nil && cfg.Policy.Watch {
				loader := policy.NewLoader(a.tel.Logger.NewComponentLogger("policy").Zerolog())
				err := loader.Watch(ctx, cfg.Policy.Paths, func(policies []policy.Policy) error {
					return a.guard.ReplaceLoaded(ctx, policies)
				})
				if err != nil {
					return err
				}
			}

			if cfg.Inventory.Watch {
				err := a.syncer.Watch(ctx, cfg.Inventory.Path, func(report *inventory.Report, err error) {
					if err != nil {
						a.logger.Error().Err(err).Str("path", cfg.Inventory.Path).Msg("Inventory sync failed")
						return
					}
					if report.Changed() {
						a.logger.Info().
							Int("added", len(report.Added)).
							Int("updated", len(report.Updated)).
							Int("removed", len(report.Removed)).
							Msg("Inventory synced")
					}
				})
				if err != nil {
					return err
				}
			}

			server := api.NewServer(a.store, a.service,
				api.WithMetrics(a.tel.Metrics),
				api.WithEvents(a.tel.Events),
				api.WithDefaultVDOM(cfg.Device.DefaultVDOM),
				api.WithLogger(a.tel.Logger.NewComponentLogger("api").Zerolog()))
			return server.Serve(ctx, listen, cfg.API.ShutdownTimeout)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default from config)")

	return cmd
}
