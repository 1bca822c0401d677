package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// ErrDriftDetected is returned by `drift detect --fail-on-drift` when drift exists.
var ErrDriftDetected = errors.New("drift detected")

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

// ExitCode maps a command error to the process exit status.
func ExitCode(err error) int {
	if errors.Is(err, ErrDriftDetected) {
		return 2
	}
	return 1
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "terradev",
		Short: "terradev - GPU multi-cloud provisioning and reconciliation",
		Long: `terradev keeps GPU training infrastructure spread over several cloud
providers in line with what was provisioned.

Features:
  - Versioned job manifests with dataset fingerprints
  - Drift detection against live provider state
  - Drift repair and rollback to earlier manifest versions
  - Explainable instance selection with risk policies
  - Permission-scoped IaC operations with state snapshots
  - Append-only audit trails with compliance scoring`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (.yaml, .yml or .toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newManifestCommand())
	rootCmd.AddCommand(newDriftCommand())
	rootCmd.AddCommand(newDecideCommand())
	rootCmd.AddCommand(newProvisionCommand())
	rootCmd.AddCommand(newOpsCommand())
	rootCmd.AddCommand(newAuditCommand())
	rootCmd.AddCommand(newServeMetricsCommand())

	return rootCmd
}

// withApp opens the application for the duration of fn and traces the
// command as one span.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) (err error) {
	ctx := cmd.Context()
	a, err := openApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	run := a.tel.StartCommand(ctx, cmd.CommandPath())
	defer func() { run.End(err) }()
	return fn(run.Ctx, a)
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// output prints v as JSON with --json, otherwise calls text.
func output(cmd *cobra.Command, v interface{}, text func(w io.Writer)) error {
	w := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(w, v)
	}
	text(w)
	return nil
}
