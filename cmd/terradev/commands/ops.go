package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/terradev/terradev/pkg/engine"
	"github.com/terradev/terradev/pkg/operations"
)

var opsActor string

func newOpsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ops",
		Short: "Permission-scoped IaC operations",
		Long: `Run infrastructure operations through the configured executor.

Each operation requires the permission scopes of its mode. Plan, apply and
destroy snapshot the executor state first so they can be rolled back.
Every operation is recorded in an audit trail.`,
	}

	cmd.PersistentFlags().StringVar(&opsActor, "actor", os.Getenv("USER"), "actor recorded in the audit trail")

	cmd.AddCommand(newOpsReadOnlyCommand())
	cmd.AddCommand(newOpsDryRunCommand())
	cmd.AddCommand(newOpsPlanCommand())
	cmd.AddCommand(newOpsApplyCommand())
	cmd.AddCommand(newOpsDestroyCommand())
	cmd.AddCommand(newOpsRollbackCommand())
	cmd.AddCommand(newOpsPinCommand())
	cmd.AddCommand(newOpsUnpinCommand())
	cmd.AddCommand(newOpsShowCommand())
	cmd.AddCommand(newOpsListCommand())
	cmd.AddCommand(newOpsSnapshotsCommand())
	cmd.AddCommand(newOpsExportCommand())

	return cmd
}

// runOperation runs one manager call inside an audit trail and prints the result.
func runOperation(cmd *cobra.Command, mode engine.OperationMode, run func(ctx context.Context, m *operations.Manager) (*engine.Operation, error)) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		m, err := a.operations(ctx)
		if err != nil {
			return err
		}

		trail, err := a.audit.StartTrail(ctx, opsActor, string(mode))
		if err != nil {
			return err
		}
		log := a.log.WithTrailID(trail.ID)
		defer func() {
			if _, err := trail.Finish(ctx); err != nil {
				log.WithError(err).Warn("Failed to finish audit trail")
			}
		}()

		ok, missing := m.ValidatePermissions(mode)
		if _, err := trail.LogPermissionCheck(ctx, opsActor, string(mode),
			engine.ScopeStrings(mode.RequiredPermissions()), granted(a), missing); err != nil {
			return err
		}

		op, runErr := run(ctx, m)
		if op != nil {
			if op.ID != "" {
				log = log.WithOperationID(op.ID)
				if _, err := trail.LogOperation(ctx, opsActor, op); err != nil {
					log.WithError(err).Warn("Failed to audit operation")
				}
				log.Debug("Operation recorded")
			}
			if err := output(cmd, op, func(w io.Writer) { printOperation(w, op) }); err != nil {
				return err
			}
		}
		if runErr != nil {
			return runErr
		}
		if !ok {
			return engine.NewPermanentError(fmt.Sprintf("missing permissions for %s: %v", mode, missing), nil).
				WithCode(engine.ErrCodePermissionDenied)
		}
		if op != nil && op.Status != engine.OperationSuccess {
			return fmt.Errorf("operation %s %s", op.ID, op.Status)
		}
		return nil
	})
}

func granted(a *app) []string {
	return append([]string(nil), a.cfg.Operations.Permissions...)
}

func newOpsReadOnlyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "readonly",
		Short: "Inspect current state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOperation(cmd, engine.ModeReadOnly, func(ctx context.Context, m *operations.Manager) (*engine.Operation, error) {
				return m.ReadOnly(ctx)
			})
		},
	}
}

func newOpsDryRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "dry-run",
		Short: "Compute pending changes without saving a plan",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOperation(cmd, engine.ModeDryRun, func(ctx context.Context, m *operations.Manager) (*engine.Operation, error) {
				return m.DryRun(ctx)
			})
		},
	}
}

func newOpsPlanCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Compute and save a plan",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOperation(cmd, engine.ModePlan, func(ctx context.Context, m *operations.Manager) (*engine.Operation, error) {
				return m.Plan(ctx, operations.PlanOptions{})
			})
		},
	}
}

func newOpsApplyCommand() *cobra.Command {
	var opts operations.ApplyOptions

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply a saved plan",
		Example: `  # Apply the plan saved by a plan operation
  terradev ops apply --from 4b1f... --auto-approve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOperation(cmd, engine.ModeApply, func(ctx context.Context, m *operations.Manager) (*engine.Operation, error) {
				return m.Apply(ctx, opts)
			})
		},
	}

	cmd.Flags().StringVar(&opts.FromOperationID, "from", "", "plan operation to apply")
	cmd.Flags().StringVar(&opts.PlanFile, "plan-file", "", "plan file (default: the plan of --from)")
	cmd.Flags().BoolVar(&opts.AutoApprove, "auto-approve", false, "skip interactive approval")

	return cmd
}

func newOpsDestroyCommand() *cobra.Command {
	var opts operations.DestroyOptions

	cmd := &cobra.Command{
		Use:   "destroy",
		Short: "Destroy managed resources",
		Long: `Destroy managed resources. Requires the destroy permission.
A destroy cannot be rolled back.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOperation(cmd, engine.ModeDestroy, func(ctx context.Context, m *operations.Manager) (*engine.Operation, error) {
				return m.Destroy(ctx, opts)
			})
		},
	}

	cmd.Flags().StringVar(&opts.Target, "target", "", "single resource address to destroy")
	cmd.Flags().BoolVar(&opts.AutoApprove, "auto-approve", false, "skip interactive approval")

	return cmd
}

func newOpsRollbackCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <operation-id>",
		Short: "Restore the state captured before an operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOperation(cmd, engine.ModeRollback, func(ctx context.Context, m *operations.Manager) (*engine.Operation, error) {
				return m.Rollback(ctx, args[0])
			})
		},
	}
}

func newOpsPinCommand() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "pin <operation-id>",
		Short: "Pin an operation so its plan cannot be applied",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setPin(cmd, args[0], true, reason)
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "why the operation is pinned")

	return cmd
}

func newOpsUnpinCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "unpin <operation-id>",
		Short: "Remove the pin from an operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setPin(cmd, args[0], false, "")
		},
	}
}

func setPin(cmd *cobra.Command, id string, enabled bool, reason string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		m, err := a.operations(ctx)
		if err != nil {
			return err
		}

		var ok bool
		if enabled {
			ok, err = m.Pin(ctx, id, reason)
		} else {
			ok, err = m.Unpin(ctx, id)
		}
		if err != nil {
			return err
		}
		if !ok {
			return engine.NewNotFoundError(engine.ErrCodeNotFound, fmt.Sprintf("operation %s not found", id))
		}

		if enabled {
			trail, err := a.audit.StartTrail(ctx, opsActor, "pin")
			if err != nil {
				return err
			}
			if _, err := trail.LogPin(ctx, opsActor, id, reason, []string{string(engine.PermissionModifyState)}); err != nil {
				return err
			}
			if _, err := trail.Finish(ctx); err != nil {
				return err
			}
		}

		return output(cmd, map[string]interface{}{"operation_id": id, "pinned": enabled}, func(w io.Writer) {
			if enabled {
				fmt.Fprintf(w, "Pinned %s\n", id)
			} else {
				fmt.Fprintf(w, "Unpinned %s\n", id)
			}
		})
	})
}

func newOpsShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <operation-id>",
		Short: "Show an operation record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				m, err := a.operations(ctx)
				if err != nil {
					return err
				}
				op, err := m.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), op)
			})
		},
	}
}

func newOpsListCommand() *cobra.Command {
	var mode string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List operations, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				m, err := a.operations(ctx)
				if err != nil {
					return err
				}
				ops, err := m.List(ctx, engine.OperationMode(mode))
				if err != nil {
					return err
				}
				return output(cmd, ops, func(w io.Writer) {
					tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "ID\tMODE\tSTATUS\tPINNED\tCREATED")
					for _, op := range ops {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n",
							op.ID, op.Mode, op.Status, op.PinEnabled, op.CreatedAt.Format("2006-01-02 15:04:05"))
					}
					_ = tw.Flush()
				})
			})
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "", "only list operations of this mode")

	return cmd
}

func newOpsSnapshotsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshots",
		Short: "List state snapshots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				m, err := a.operations(ctx)
				if err != nil {
					return err
				}
				snaps, err := m.Snapshots(ctx)
				if err != nil {
					return err
				}
				return output(cmd, snaps, func(w io.Writer) {
					for _, s := range snaps {
						fmt.Fprintf(w, "%s\t%s\tserial=%d\t%s\n", s.ID, s.Mode, s.Serial, s.CreatedAt.Format("2006-01-02 15:04:05"))
					}
				})
			})
		},
	}
}

func newOpsExportCommand() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export every operation record as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				m, err := a.operations(ctx)
				if err != nil {
					return err
				}
				if out == "" || out == "-" {
					return m.Export(ctx, cmd.OutOrStdout())
				}
				f, err := os.Create(out)
				if err != nil {
					return fmt.Errorf("failed to create %s: %w", out, err)
				}
				if err := m.Export(ctx, f); err != nil {
					_ = f.Close()
					return err
				}
				return f.Close()
			})
		},
	}

	cmd.Flags().StringVarP(&out, "output", "o", "", "output file (default: stdout)")

	return cmd
}

func printOperation(w io.Writer, op *engine.Operation) {
	fmt.Fprintf(w, "Operation %s (%s): %s\n", op.ID, op.Mode, op.Status)
	if op.ErrorCode != "" {
		fmt.Fprintf(w, "  error: %s\n", op.ErrorCode)
	}
	if op.Plan != nil {
		fmt.Fprintf(w, "  plan: +%d ~%d -%d\n",
			len(op.Plan.ResourcesToAdd), len(op.Plan.ResourcesToChange), len(op.Plan.ResourcesToDestroy))
	}
	if op.ResourcesAffected > 0 {
		fmt.Fprintf(w, "  resources affected: %d\n", op.ResourcesAffected)
	}
	if op.Stderr != "" {
		fmt.Fprintf(w, "  %s\n", op.Stderr)
	}
}
