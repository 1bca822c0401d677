package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/terradev/terradev/pkg/manifest"
)

func newManifestCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manifest",
		Short: "Manage versioned job manifests",
		Long: `Store, inspect and remove job manifests.

A manifest records the nodes provisioned for one version of a training job.
Drift detection and rollback compare live provider state against it.`,
	}

	cmd.AddCommand(newManifestPutCommand())
	cmd.AddCommand(newManifestGetCommand())
	cmd.AddCommand(newManifestListCommand())
	cmd.AddCommand(newManifestDeleteCommand())
	cmd.AddCommand(newManifestHashCommand())

	return cmd
}

func newManifestPutCommand() *cobra.Command {
	var datasetPath string

	cmd := &cobra.Command{
		Use:   "put <file>",
		Short: "Store a manifest from a .json or .cue file",
		Example: `  # Store a manifest
  terradev manifest put train-v1.json

  # Store a manifest and fingerprint its dataset
  terradev manifest put train-v1.cue --dataset ./data/train`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				m, err := a.manifests.LoadFile(ctx, args[0])
				if err != nil {
					return err
				}
				if datasetPath != "" {
					hash, err := manifest.DatasetHash(datasetPath)
					if err != nil {
						return err
					}
					m.DatasetHash = hash
					if m.Metadata == nil {
						m.Metadata = map[string]string{}
					}
					m.Metadata["dataset_path"] = datasetPath
				}

				location, err := a.manifests.Put(ctx, m)
				if err != nil {
					return err
				}

				return output(cmd, map[string]string{"job": m.Job, "version": m.Version, "location": location}, func(w io.Writer) {
					fmt.Fprintf(w, "Stored %s@%s at %s\n", m.Job, m.Version, location)
				})
			})
		},
	}

	cmd.Flags().StringVar(&datasetPath, "dataset", "", "dataset file or directory to fingerprint")

	return cmd
}

func newManifestGetCommand() *cobra.Command {
	var version string

	cmd := &cobra.Command{
		Use:   "get <job>",
		Short: "Show a manifest (latest version by default)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				m, err := a.manifests.Get(ctx, args[0], version)
				if err != nil {
					return err
				}
				// Manifests are always printed as JSON; --json only matters for lists.
				return printJSON(cmd.OutOrStdout(), m)
			})
		},
	}

	cmd.Flags().StringVar(&version, "version", "", "manifest version (default: latest)")

	return cmd
}

func newManifestListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list [job]",
		Short: "List jobs, or the versions of one job",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				var (
					items []string
					err   error
				)
				if len(args) == 1 {
					items, err = a.manifests.ListVersions(ctx, args[0])
				} else {
					items, err = a.manifests.ListJobs(ctx)
				}
				if err != nil {
					return err
				}
				return output(cmd, items, func(w io.Writer) {
					for _, item := range items {
						fmt.Fprintln(w, item)
					}
				})
			})
		},
	}

	return cmd
}

func newManifestDeleteCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <job> <version>",
		Short: "Delete one manifest version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				ok, err := a.manifests.Delete(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return output(cmd, map[string]bool{"deleted": ok}, func(w io.Writer) {
					if ok {
						fmt.Fprintf(w, "Deleted %s@%s\n", args[0], args[1])
					} else {
						fmt.Fprintf(w, "No manifest %s@%s\n", args[0], args[1])
					}
				})
			})
		},
	}

	return cmd
}

func newManifestHashCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hash <path>",
		Short: "Print the dataset fingerprint of a file or directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := manifest.DatasetHash(args[0])
			if err != nil {
				return err
			}
			return output(cmd, map[string]string{"path": args[0], "hash": hash}, func(w io.Writer) {
				fmt.Fprintln(w, hash)
			})
		},
	}

	return cmd
}
