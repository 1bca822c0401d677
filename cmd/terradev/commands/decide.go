package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/terradev/terradev/pkg/engine"
	"github.com/terradev/terradev/pkg/manifest"
	"github.com/terradev/terradev/pkg/orchestrator"
	"github.com/terradev/terradev/pkg/providers"
)

// requirementFlags are the selection constraints shared by decide and provision.
type requirementFlags struct {
	candidates string
	filterFile string
	req        engine.Requirements
}

func (f *requirementFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.candidates, "candidates", "", "candidates file (default: decision.candidates_file)")
	cmd.Flags().StringVar(&f.req.Job, "job", "", "job the instance is for")
	cmd.Flags().StringVar(&f.req.GPUType, "gpu-type", "", "required GPU type")
	cmd.Flags().IntVar(&f.req.GPUCount, "gpu-count", 0, "GPUs per instance")
	cmd.Flags().Float64Var(&f.req.GPUMemoryGB, "gpu-memory", 0, "minimum GPU memory in GB")
	cmd.Flags().StringVar(&f.req.Region, "region", "", "required region")
	cmd.Flags().Float64Var(&f.req.MaxPricePerHour, "max-price", 0, "maximum price per hour")
	cmd.Flags().BoolVar(&f.req.DryRun, "dry-run", false, "only plan; require read-only and dry-run permissions")
	cmd.Flags().StringVar(&f.filterFile, "filter", "", "Starlark file defining accept(candidate)")
}

// resolve loads the candidate source and the filter program.
func (f *requirementFlags) resolve(a *app) (*providers.StaticSource, engine.Requirements, error) {
	req := f.req

	path := f.candidates
	if path == "" {
		path = a.cfg.Decision.CandidatesFile
	}
	if path == "" {
		return nil, req, engine.NewPermanentError("no candidates file: pass --candidates or set decision.candidates_file", nil).
			WithCode(engine.ErrCodeValidation)
	}
	src, err := providers.LoadStaticSource(path)
	if err != nil {
		return nil, req, err
	}

	if f.filterFile != "" {
		data, err := os.ReadFile(f.filterFile)
		if err != nil {
			return nil, req, fmt.Errorf("failed to read filter: %w", err)
		}
		req.Filter = string(data)
	}
	return src, req, nil
}

func newDecideCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decide",
		Short: "Explainable instance selection",
	}

	cmd.AddCommand(newDecideSelectCommand())

	return cmd
}

func newDecideSelectCommand() *cobra.Command {
	var (
		flags     requirementFlags
		withPlan  bool
		exportDir string
	)

	cmd := &cobra.Command{
		Use:   "select",
		Short: "Score candidates and select an instance",
		Long: `Score every candidate on cost, performance, availability and latency,
select the best one, and explain the choice with its factors, alternatives
and risks. Nothing is provisioned.`,
		Example: `  # Cheapest fitting A100 in us-east-1
  terradev decide select --candidates prices.yaml --gpu-type A100 --region us-east-1

  # Also build the plan that provisioning would run
  terradev decide select --candidates prices.yaml --gpu-type H100 --plan --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				src, req, err := flags.resolve(a)
				if err != nil {
					return err
				}

				d, err := a.decisions.SelectFromSource(ctx, src, req)
				if err != nil {
					return err
				}

				result := map[string]interface{}{"decision": d}
				var plan *engine.Plan
				if withPlan {
					plan, err = a.decisions.CreatePlan(ctx, []*engine.DecisionLog{d})
					if err != nil {
						return err
					}
					result["plan"] = plan
				}
				if exportDir != "" {
					if err := exportDecisionLogs(a, exportDir); err != nil {
						return err
					}
				}

				return output(cmd, result, func(w io.Writer) {
					printDecision(w, d)
					if plan != nil {
						fmt.Fprintf(w, "Plan %s: +%d, estimated $%.2f/h, risk %.2f\n",
							plan.ID, len(plan.ResourcesToAdd), plan.CostEstimate, plan.RiskAssessment.TotalRiskScore)
					}
				})
			})
		},
	}

	flags.register(cmd)
	cmd.Flags().BoolVar(&withPlan, "plan", false, "also create an execution plan")
	cmd.Flags().StringVar(&exportDir, "export", "", "write decisions.json and plans.json to this directory")

	return cmd
}

// exportDecisionLogs writes the engine's decision and plan logs to dir.
func exportDecisionLogs(a *app, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}
	write := func(name string, fn func(io.Writer) error) error {
		f, err := os.Create(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		if err := fn(f); err != nil {
			_ = f.Close()
			return err
		}
		return f.Close()
	}
	if err := write("decisions.json", a.decisions.ExportDecisions); err != nil {
		return fmt.Errorf("failed to export decisions: %w", err)
	}
	if err := write("plans.json", a.decisions.ExportPlans); err != nil {
		return fmt.Errorf("failed to export plans: %w", err)
	}
	return nil
}

func newProvisionCommand() *cobra.Command {
	var (
		flags       requirementFlags
		actor       string
		count       int
		version     string
		ttl         int64
		datasetPath string
	)

	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Select, plan, apply and create GPU instances for a job",
		Long: `Run the full provisioning flow for a job:

  1. select an instance from the candidates
  2. evaluate the plan against the risk policies
  3. check the permissions of the apply (or plan, with --dry-run)
  4. run the plan and apply operations
  5. create the instances and store a new manifest version

Every step is recorded in one audit trail.`,
		Example: `  # Provision two 8xA100 nodes for a job
  terradev provision --job train-llama --candidates prices.yaml --gpu-type A100 --gpu-count 8 --count 2

  # Plan only
  terradev provision --job train-llama --candidates prices.yaml --dry-run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				src, req, err := flags.resolve(a)
				if err != nil {
					return err
				}

				var hash string
				var metadata map[string]string
				if datasetPath != "" {
					hash, err = manifest.DatasetHash(datasetPath)
					if err != nil {
						return err
					}
					metadata = map[string]string{"dataset_path": datasetPath}
				}

				p, err := a.provisioner(ctx, actor)
				if err != nil {
					return err
				}
				result, perr := p.Provision(ctx, orchestrator.ProvisionRequest{
					Actor:        actor,
					Requirements: req,
					Source:       src,
					Count:        count,
					Version:      version,
					TTL:          ttl,
					DatasetHash:  hash,
					Metadata:     metadata,
				})
				if result != nil {
					if err := output(cmd, result, func(w io.Writer) { printProvision(w, result) }); err != nil {
						return err
					}
				}
				return perr
			})
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&actor, "actor", os.Getenv("USER"), "actor recorded in the audit trail")
	cmd.Flags().IntVar(&count, "count", 1, "number of instances to create")
	cmd.Flags().StringVar(&version, "version", "", "manifest version (default: UTC timestamp)")
	cmd.Flags().Int64Var(&ttl, "ttl", 0, "manifest time-to-live in seconds")
	cmd.Flags().StringVar(&datasetPath, "dataset", "", "dataset file or directory to fingerprint")

	return cmd
}

func printDecision(w io.Writer, d *engine.DecisionLog) {
	sel := d.Selected
	fmt.Fprintf(w, "Selected %s (score %.3f, confidence %.2f)\n", sel.Candidate.Key(), sel.Score, d.Confidence)
	fmt.Fprintf(w, "  %s\n", d.Reasoning)
	for _, f := range sel.Factors {
		fmt.Fprintf(w, "  %-12s %.3f x %.2f  %s\n", f.Name, f.Value, f.Weight, f.Reason)
	}
	if len(d.Alternatives) > 0 {
		alts := make([]string, 0, len(d.Alternatives))
		for _, alt := range d.Alternatives {
			alts = append(alts, fmt.Sprintf("%s (%.3f)", alt.Candidate.Key(), alt.Score))
		}
		fmt.Fprintf(w, "  alternatives: %s\n", strings.Join(alts, ", "))
	}
	for _, r := range d.Risks {
		fmt.Fprintf(w, "  risk [%s] %s: %s\n", r.Severity, r.Type, r.Description)
	}
}

func printProvision(w io.Writer, r *orchestrator.ProvisionResult) {
	fmt.Fprintf(w, "Provisioning %s (trail %s)\n", r.Status, r.TrailID)
	if r.Decision != nil {
		printDecision(w, r.Decision)
	}
	for _, inst := range r.Instances {
		fmt.Fprintf(w, "  created %s on %s\n", inst.ID, inst.Provider)
	}
	if r.Location != "" {
		fmt.Fprintf(w, "  manifest %s\n", r.Location)
	}
	for _, f := range r.Failures {
		fmt.Fprintf(w, "  ! %s\n", f)
	}
	fmt.Fprintf(w, "  compliance %s, risk %.2f\n", r.Summary.ComplianceStatus, r.Summary.RiskScore)
}
