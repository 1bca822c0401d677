package commands

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/terradev/terradev/pkg/config"
	"github.com/terradev/terradev/pkg/engine"
	"github.com/terradev/terradev/pkg/reconcile"
)

func newDriftCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drift",
		Short: "Drift detection and repair",
		Long: `Detect and repair drift between a job manifest and live provider state.

Drift occurs when a provisioned instance changes status, GPU count, GPU type
or region, disappears, or when an instance tagged with the job exists that
the manifest does not list.`,
	}

	cmd.AddCommand(newDriftDetectCommand())
	cmd.AddCommand(newDriftFixCommand())
	cmd.AddCommand(newDriftRollbackCommand())
	cmd.AddCommand(newDriftPreviewCommand())
	cmd.AddCommand(newDriftWatchCommand())

	return cmd
}

func newDriftDetectCommand() *cobra.Command {
	var (
		version     string
		failOnDrift bool
	)

	cmd := &cobra.Command{
		Use:   "detect <job>",
		Short: "Detect drift without changing anything",
		Example: `  # Compare the latest manifest with live state
  terradev drift detect train-llama

  # Compare a specific version and exit with status 2 on drift
  terradev drift detect train-llama --version v3 --fail-on-drift`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				report, err := a.detector.DetectDrift(ctx, args[0], version)
				if err != nil {
					return err
				}
				if err := output(cmd, report, func(w io.Writer) { printDriftReport(w, report) }); err != nil {
					return err
				}
				if failOnDrift && (report.HasDrift() || len(report.ExtraNodes) > 0 || report.DatasetDrift) {
					return ErrDriftDetected
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&version, "version", "", "manifest version (default: latest)")
	cmd.Flags().BoolVar(&failOnDrift, "fail-on-drift", false, "exit with status 2 when drift is found")

	return cmd
}

func newDriftFixCommand() *cobra.Command {
	var version string

	cmd := &cobra.Command{
		Use:   "fix <job>",
		Short: "Repair drift by recreating missing and drifted nodes",
		Long: `Repair drift for a job.

Extra instances and drifted instances are terminated; missing nodes and
successfully terminated drifted nodes are recreated from the manifest.
The repair is recorded in an audit trail.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				result, err := a.reconciler.FixDrift(ctx, args[0], version)
				if err != nil {
					return err
				}
				return output(cmd, result, func(w io.Writer) { printFixResult(w, result) })
			})
		},
	}

	cmd.Flags().StringVar(&version, "version", "", "manifest version (default: latest)")

	return cmd
}

func newDriftRollbackCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rollback <job> <version>",
		Short: "Roll live state back to an earlier manifest version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				result, err := a.reconciler.Rollback(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return output(cmd, result, func(w io.Writer) {
					fmt.Fprintf(w, "Rollback %s: %s -> %s (%s)\n", result.Job, result.FromVersion, result.TargetVersion, result.Status)
					fmt.Fprintf(w, "  terminated: %d  recreated: %d  failures: %d\n",
						len(result.Terminated), len(result.Recreated), len(result.Failures))
					printFailures(w, result.Failures)
				})
			})
		},
	}

	return cmd
}

func newDriftPreviewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "preview <job> <version>",
		Short: "Show the manifest diff a rollback would apply",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				diff, err := a.reconciler.PreviewRollback(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return output(cmd, map[string]string{"diff": diff}, func(w io.Writer) {
					fmt.Fprint(w, diff)
				})
			})
		},
	}

	return cmd
}

func newDriftWatchCommand() *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "watch <job>",
		Short: "Repair drift periodically until interrupted",
		Long: `Run drift repair for a job on a fixed interval.

When a config file is given it is watched; drift and decision settings are
reloaded on change. Custom policies under policy.dir are reloaded as well.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if interval <= 0 {
					interval = a.cfg.Drift.WatchInterval
				}

				ctx, cancel := context.WithCancel(ctx)
				defer cancel()

				if configPath != "" {
					go func() {
						if err := config.Watch(ctx, configPath, a.logger, a.reload); err != nil {
							a.logger.Warn().Err(err).Msg("Config watch stopped")
						}
					}()
				}
				if a.cfg.Policy.Dir != "" {
					go func() {
						if err := a.policies.Watch(ctx, []string{a.cfg.Policy.Dir}); err != nil {
							a.logger.Warn().Err(err).Msg("Policy watch stopped")
						}
					}()
				}

				a.logger.Info().
					Str("job", args[0]).
					Dur("interval", interval).
					Msg("Watching for drift")

				err := a.reconciler.Watch(ctx, args[0], interval, func(result *reconcile.FixResult) {
					if jsonOutput {
						_ = printJSON(cmd.OutOrStdout(), result)
						return
					}
					printFixResult(cmd.OutOrStdout(), result)
				})
				if ctx.Err() != nil {
					return nil
				}
				return err
			})
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 0, "time between passes (default: drift.watch_interval)")

	return cmd
}

func printDriftReport(w io.Writer, r *engine.DriftReport) {
	fmt.Fprintf(w, "Job %s@%s\n", r.Job, r.Version)
	for _, d := range r.DriftedNodes {
		fmt.Fprintf(w, "  ~ %s (%s)\n", d.Node.ID(), d.Node.Provider)
		for _, c := range d.Changes {
			fmt.Fprintf(w, "      %s: %v -> %v\n", c.Field, c.Expected, c.Actual)
		}
	}
	for _, n := range r.MissingNodes {
		fmt.Fprintf(w, "  - %s (%s) missing\n", n.ID(), n.Provider)
	}
	for _, inst := range r.ExtraNodes {
		fmt.Fprintf(w, "  + %s (%s) not in manifest\n", inst.ID, inst.Provider)
	}
	if r.DatasetDrift {
		fmt.Fprintln(w, "  dataset hash changed")
	}
	for provider, msg := range r.ProviderErrors {
		fmt.Fprintf(w, "  ! %s: %s\n", provider, msg)
	}
	if !r.HasDrift() && len(r.ExtraNodes) == 0 && !r.DatasetDrift {
		fmt.Fprintln(w, "  no drift")
	}
}

func printFixResult(w io.Writer, r *reconcile.FixResult) {
	fmt.Fprintf(w, "Fix %s@%s: %s\n", r.Job, r.Version, r.Status)
	fmt.Fprintf(w, "  terminated: %d  recreated: %d  failures: %d\n",
		len(r.Terminated), len(r.Recreated), len(r.Failures))
	printFailures(w, r.Failures)
}

func printFailures(w io.Writer, failures []reconcile.Failure) {
	for _, f := range failures {
		fmt.Fprintf(w, "  ! %s %s/%s: %s\n", f.Action, f.Provider, f.NodeID, f.Error)
	}
}
