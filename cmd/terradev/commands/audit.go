package commands

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/terradev/terradev/pkg/audit"
)

func newAuditCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect and export audit trails",
		Long: `Inspect and export audit trails.

Every provisioning run, operation, drift repair and rollback writes a trail
of append-only entries with a risk score and a compliance status.`,
	}

	cmd.AddCommand(newAuditListCommand())
	cmd.AddCommand(newAuditShowCommand())
	cmd.AddCommand(newAuditExportCommand())

	return cmd
}

func newAuditListCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List audit trails, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				trails, err := a.audit.List(ctx, limit)
				if err != nil {
					return err
				}
				return output(cmd, trails, func(w io.Writer) {
					tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "TRAIL\tACTOR\tTYPE\tENTRIES\tRISK\tCOMPLIANCE\tCREATED")
					for _, t := range trails {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%.2f\t%s\t%s\n",
							t.TrailID, t.Summary.Actor, t.Summary.OperationType, t.Summary.TotalEntries,
							t.RiskScore, t.ComplianceStatus, t.CreatedAt.Format("2006-01-02 15:04:05"))
					}
					_ = tw.Flush()
				})
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "maximum trails to list (0 for all)")

	return cmd
}

func newAuditShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <trail-id>",
		Short: "Show a trail with all of its entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				trail, err := a.audit.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return output(cmd, trail, func(w io.Writer) {
					s := trail.Summary
					fmt.Fprintf(w, "Trail %s (%s by %s)\n", trail.TrailID, s.OperationType, s.Actor)
					fmt.Fprintf(w, "  operations: %d total, %d ok, %d failed, %d rollbacks\n",
						s.TotalOperations, s.SuccessfulOperations, s.FailedOperations, s.RollbackOperations)
					fmt.Fprintf(w, "  risk %.2f, %s, finished=%t\n", trail.RiskScore, trail.ComplianceStatus, trail.Finished)
					for _, e := range trail.Entries {
						fmt.Fprintf(w, "  %s  %-20s %-12s %s\n",
							e.Timestamp.Format("15:04:05"), e.EventType, e.Actor, e.OperationID)
					}
				})
			})
		},
	}
}

func newAuditExportCommand() *cobra.Command {
	var (
		dir    string
		remote bool
	)

	cmd := &cobra.Command{
		Use:   "export <trail-id>",
		Short: "Export a trail as JSON to a directory or an object store",
		Example: `  # Write .terradev/audit/trail_<id>.json
  terradev audit export 5d0c...

  # Upload to the bucket configured under audit.object_store
  terradev audit export 5d0c... --remote`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				var (
					exp      audit.Exporter
					location string
				)
				if remote {
					oe, err := audit.ObjectExporterFromConfig(a.cfg.Audit.ObjectStore)
					if err != nil {
						return err
					}
					exp = oe
					location = fmt.Sprintf("%s/%s", a.cfg.Audit.ObjectStore.Bucket, oe.Key(args[0]))
				} else {
					if dir == "" {
						dir = a.cfg.Audit.ExportDir
					}
					fe := audit.NewFileExporter(dir)
					exp = fe
					location = fe.Path(args[0])
				}

				if err := a.audit.Export(ctx, args[0], exp); err != nil {
					return err
				}
				return output(cmd, map[string]string{"trail_id": args[0], "exporter": exp.Name(), "location": location}, func(w io.Writer) {
					fmt.Fprintf(w, "Exported %s to %s\n", args[0], location)
				})
			})
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "export directory (default: audit.export_dir)")
	cmd.Flags().BoolVar(&remote, "remote", false, "upload to the configured object store")

	return cmd
}
