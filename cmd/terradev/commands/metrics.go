package commands

import (
	"context"

	"github.com/spf13/cobra"
)

func newServeMetricsCommand() *cobra.Command {
	var watchJob string

	cmd := &cobra.Command{
		Use:   "serve-metrics",
		Short: "Expose Prometheus metrics until interrupted",
		Long: `Serve the Prometheus endpoint configured under telemetry.metrics.

With --watch-job the drift reconciler runs in the same process so its
detection, repair and provider metrics are exported.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				ctx, cancel := context.WithCancel(ctx)
				defer cancel()

				if watchJob != "" {
					go func() {
						err := a.reconciler.Watch(ctx, watchJob, a.cfg.Drift.WatchInterval, nil)
						if err != nil && ctx.Err() == nil {
							a.logger.Error().Err(err).Str("job", watchJob).Msg("Drift watch stopped")
						}
					}()
				}

				m := a.cfg.Telemetry.Metrics
				a.logger.Info().
					Str("address", m.ListenAddress).
					Str("path", m.Path).
					Bool("enabled", m.Enabled).
					Msg("Serving metrics")
				return a.metrics.Serve(ctx)
			})
		},
	}

	cmd.Flags().StringVar(&watchJob, "watch-job", "", "also repair drift for this job")

	return cmd
}
