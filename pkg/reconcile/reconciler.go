package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/terradev/terradev/pkg/drift"
	"github.com/terradev/terradev/pkg/engine"
	"github.com/terradev/terradev/pkg/telemetry"
)

// Repair actions issued against the provider gateway.
const (
	ActionTerminate = "terminate"
	ActionCreate    = "create"
	ActionList      = "list"
	ActionDetect    = "detect"
)

var errNoInstance = engine.NewPermanentError("provider returned no instance", nil).
	WithCode(engine.ErrCodeProviderFailed)

// Detector is the drift detection surface the reconciler depends on.
// drift.Detector implements it.
type Detector interface {
	DetectDrift(ctx context.Context, job, version string) (*engine.DriftReport, error)
	LiveState(ctx context.Context, job string, providers []string) ([]engine.LiveInstance, map[string]string)
}

// ManifestReader loads manifests. manifest.Store implements it.
type ManifestReader interface {
	Get(ctx context.Context, job, version string) (*engine.Manifest, error)
}

// Recorder receives the outcome of every repair and rollback that mutated live
// state. Recording failures are logged and never fail the repair.
type Recorder interface {
	RecordFix(ctx context.Context, result *FixResult) error
	RecordRollback(ctx context.Context, result *RollbackResult) error
}

// Options configures a Reconciler.
type Options struct {
	// ActionTimeout bounds each terminate or create call. Zero means no bound.
	ActionTimeout time.Duration

	// MaxParallel bounds concurrent gateway calls.
	MaxParallel int

	Metrics  *telemetry.Metrics
	Recorder Recorder
}

// Failure is a single repair action that did not succeed.
type Failure struct {
	Action   string `json:"action"`
	Provider string `json:"provider"`
	NodeID   string `json:"node_id,omitempty"`
	Error    string `json:"error"`
}

// FixResult is the outcome of FixDrift.
type FixResult struct {
	Job     string           `json:"job"`
	Version string           `json:"version"`
	Status  engine.FixStatus `json:"status"`

	// Terminated lists the ids of drifted instances that were terminated.
	Terminated []string `json:"terminated"`

	// Recreated lists the instances created for missing and replaced nodes.
	Recreated []engine.LiveInstance `json:"recreated"`

	Failures []Failure `json:"failures,omitempty"`

	InitialReport *engine.DriftReport `json:"initial_report"`
	FinalReport   *engine.DriftReport `json:"final_report"`

	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// RollbackResult is the outcome of Rollback.
type RollbackResult struct {
	Job           string           `json:"job"`
	FromVersion   string           `json:"from_version,omitempty"`
	TargetVersion string           `json:"target_version"`
	Status        engine.FixStatus `json:"status"`

	Terminated []string              `json:"terminated"`
	Recreated  []engine.LiveInstance `json:"recreated"`
	Failures   []Failure             `json:"failures,omitempty"`

	FinalReport *engine.DriftReport `json:"final_report"`

	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// Reconciler repairs drift and rolls jobs back to earlier manifest versions.
type Reconciler struct {
	detector  Detector
	gateway   engine.ProviderGateway
	manifests ManifestReader
	opts      Options
	logger    zerolog.Logger
	now       func() time.Time
}

// NewReconciler creates a reconciler.
func NewReconciler(detector Detector, gateway engine.ProviderGateway, manifests ManifestReader, opts Options, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		detector:  detector,
		gateway:   gateway,
		manifests: manifests,
		opts:      opts,
		logger:    logger.With().Str("component", "reconciler").Logger(),
		now:       time.Now,
	}
}

// FixDrift repairs the job against its manifest (latest when version is empty).
//
// Detection runs first and, when it finds nothing drifted or missing, the result is
// no_drift and the gateway sees no mutation. Otherwise drifted instances are
// terminated, then missing nodes and successfully terminated drifted nodes are
// recreated from their manifest spec, and detection runs again. The result is fixed
// only when the final report has no drifted and no missing nodes.
func (r *Reconciler) FixDrift(ctx context.Context, job, version string) (*FixResult, error) {
	started := r.now().UTC()

	initial, err := r.detector.DetectDrift(ctx, job, version)
	if err != nil {
		return nil, err
	}

	result := &FixResult{
		Job:           job,
		Version:       initial.Version,
		Terminated:    []string{},
		Recreated:     []engine.LiveInstance{},
		InitialReport: initial,
		StartedAt:     started,
	}

	if !initial.HasDrift() {
		result.Status = engine.FixNoDrift
		result.FinalReport = initial
		result.CompletedAt = r.now().UTC()
		r.opts.Metrics.RecordReconcileResult(job, string(result.Status))
		r.logger.Debug().Str("job", job).Str("version", initial.Version).Msg("No drift to fix")
		return result, nil
	}

	r.logger.Info().
		Str("job", job).
		Str("version", initial.Version).
		Int("drifted", len(initial.DriftedNodes)).
		Int("missing", len(initial.MissingNodes)).
		Msg("Fixing drift")

	targets := make([]engine.LiveInstance, len(initial.DriftedNodes))
	for i, d := range initial.DriftedNodes {
		targets[i] = d.Live
		if targets[i].Provider == "" {
			targets[i].Provider = d.Node.Provider
		}
	}
	terminated, failures := r.terminate(ctx, targets)
	result.Terminated = terminated
	result.Failures = append(result.Failures, failures...)

	gone := make(map[string]bool, len(terminated))
	for _, id := range terminated {
		gone[id] = true
	}
	recreate := append([]engine.ManifestNode{}, initial.MissingNodes...)
	for _, d := range initial.DriftedNodes {
		if gone[d.Live.ID] {
			recreate = append(recreate, d.Node)
		}
	}
	created, failures := r.create(ctx, job, recreate)
	result.Recreated = created
	result.Failures = append(result.Failures, failures...)

	final, err := r.detector.DetectDrift(ctx, job, initial.Version)
	if err != nil {
		result.Failures = append(result.Failures, Failure{Action: ActionDetect, Error: err.Error()})
	}
	result.FinalReport = final

	result.Status = engine.FixPartial
	if final != nil && !final.HasDrift() {
		result.Status = engine.FixFixed
	}
	result.CompletedAt = r.now().UTC()

	r.opts.Metrics.RecordReconcileResult(job, string(result.Status))
	r.logger.Info().
		Str("job", job).
		Str("version", initial.Version).
		Str("status", string(result.Status)).
		Int("terminated", len(result.Terminated)).
		Int("recreated", len(result.Recreated)).
		Int("failures", len(result.Failures)).
		Msg("Drift fix completed")

	if r.opts.Recorder != nil {
		if err := r.opts.Recorder.RecordFix(ctx, result); err != nil {
			r.logger.Warn().Err(err).Str("job", job).Msg("Failed to record drift fix")
		}
	}

	return result, nil
}

// Rollback converges the job onto targetVersion. Every live instance tagged with
// the job is terminated first, across the target's providers, the latest
// manifest's providers and any extra providers, and then the target's nodes are
// recreated. The result is rolled_back when every action succeeded and the final
// report against the target shows no drifted or missing nodes.
func (r *Reconciler) Rollback(ctx context.Context, job, targetVersion string) (*RollbackResult, error) {
	if targetVersion == "" {
		return nil, engine.NewPermanentError("target version is required", nil).
			WithCode(engine.ErrCodeValidation).
			WithResource(job)
	}

	target, err := r.manifests.Get(ctx, job, targetVersion)
	if err != nil {
		if engine.IsNotFound(err) {
			return nil, engine.NewNotFoundError(engine.ErrCodeVersionNotFound,
				fmt.Sprintf("version %s not found for job %s", targetVersion, job)).
				WithResource(job)
		}
		return nil, err
	}

	result := &RollbackResult{
		Job:           job,
		TargetVersion: targetVersion,
		Terminated:    []string{},
		Recreated:     []engine.LiveInstance{},
		StartedAt:     r.now().UTC(),
	}

	providers := drift.Providers(target)
	if latest, err := r.manifests.Get(ctx, job, ""); err == nil {
		result.FromVersion = latest.Version
		providers = union(providers, drift.Providers(latest))
	}

	r.logger.Info().
		Str("job", job).
		Str("from_version", result.FromVersion).
		Str("target_version", targetVersion).
		Strs("providers", providers).
		Msg("Rolling back")

	live, listErrs := r.detector.LiveState(ctx, job, providers)
	for _, p := range providers {
		if msg, ok := listErrs[p]; ok {
			result.Failures = append(result.Failures, Failure{Action: ActionList, Provider: p, Error: msg})
		}
	}

	terminated, failures := r.terminate(ctx, jobInstances(job, live))
	result.Terminated = terminated
	result.Failures = append(result.Failures, failures...)

	created, failures := r.create(ctx, job, target.Nodes)
	result.Recreated = created
	result.Failures = append(result.Failures, failures...)

	final, err := r.detector.DetectDrift(ctx, job, targetVersion)
	if err != nil {
		result.Failures = append(result.Failures, Failure{Action: ActionDetect, Error: err.Error()})
	}
	result.FinalReport = final

	result.Status = engine.FixPartial
	if len(result.Failures) == 0 && final != nil && !final.HasDrift() {
		result.Status = engine.FixRolledBack
	}
	result.CompletedAt = r.now().UTC()

	r.opts.Metrics.RecordReconcileResult(job, string(result.Status))
	r.logger.Info().
		Str("job", job).
		Str("target_version", targetVersion).
		Str("status", string(result.Status)).
		Int("terminated", len(result.Terminated)).
		Int("recreated", len(result.Recreated)).
		Int("failures", len(result.Failures)).
		Msg("Rollback completed")

	if r.opts.Recorder != nil {
		if err := r.opts.Recorder.RecordRollback(ctx, result); err != nil {
			r.logger.Warn().Err(err).Str("job", job).Msg("Failed to record rollback")
		}
	}

	return result, nil
}

// Watch runs FixDrift every interval until ctx is done. A failing pass is logged
// and the next pass runs on schedule. onResult, when set, receives every result.
func (r *Reconciler) Watch(ctx context.Context, job string, interval time.Duration, onResult func(*FixResult)) error {
	if interval <= 0 {
		return engine.NewPermanentError("watch interval must be positive", nil).WithCode(engine.ErrCodeValidation)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		result, err := r.FixDrift(ctx, job, "")
		if err != nil {
			r.logger.Error().Err(err).Str("job", job).Msg("Drift fix pass failed")
		} else if onResult != nil {
			onResult(result)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// terminate issues Terminate for every instance concurrently and returns the ids
// that succeeded in input order.
func (r *Reconciler) terminate(ctx context.Context, instances []engine.LiveInstance) ([]string, []Failure) {
	results := engine.ParallelEach(ctx, instances, r.opts.MaxParallel, r.opts.ActionTimeout,
		func(ctx context.Context, inst engine.LiveInstance) (struct{}, error) {
			return struct{}{}, r.gateway.Terminate(ctx, inst.Provider, inst.ID)
		})

	terminated := []string{}
	var failures []Failure
	for _, res := range results {
		inst := instances[res.Index]
		r.opts.Metrics.RecordReconcileAction(inst.Provider, ActionTerminate, res.Err == nil)
		if res.Err != nil {
			failures = append(failures, Failure{
				Action:   ActionTerminate,
				Provider: inst.Provider,
				NodeID:   inst.ID,
				Error:    res.Err.Error(),
			})
			r.logger.Warn().Err(res.Err).
				Str("provider", inst.Provider).
				Str("instance_id", inst.ID).
				Msg("Terminate failed")
			continue
		}
		terminated = append(terminated, inst.ID)
	}
	return terminated, failures
}

// create recreates nodes concurrently from their manifest spec. Providers assign
// fresh ids.
func (r *Reconciler) create(ctx context.Context, job string, nodes []engine.ManifestNode) ([]engine.LiveInstance, []Failure) {
	results := engine.ParallelEach(ctx, nodes, r.opts.MaxParallel, r.opts.ActionTimeout,
		func(ctx context.Context, node engine.ManifestNode) (*engine.LiveInstance, error) {
			inst, err := r.gateway.Create(ctx, node.Provider, engine.SpecFromNode(job, node))
			if err == nil && inst == nil {
				err = errNoInstance
			}
			return inst, err
		})

	created := []engine.LiveInstance{}
	var failures []Failure
	for _, res := range results {
		node := nodes[res.Index]
		r.opts.Metrics.RecordReconcileAction(node.Provider, ActionCreate, res.Err == nil)
		if res.Err != nil {
			failures = append(failures, Failure{
				Action:   ActionCreate,
				Provider: node.Provider,
				NodeID:   node.ID(),
				Error:    res.Err.Error(),
			})
			r.logger.Warn().Err(res.Err).
				Str("provider", node.Provider).
				Str("node_id", node.ID()).
				Msg("Create failed")
			continue
		}
		inst := *res.Value
		if inst.Provider == "" {
			inst.Provider = node.Provider
		}
		if inst.Job == "" {
			inst.Job = job
		}
		created = append(created, inst)
	}
	return created, failures
}

// jobInstances returns the distinct instances tagged with job.
func jobInstances(job string, live []engine.LiveInstance) []engine.LiveInstance {
	seen := make(map[string]bool)
	var out []engine.LiveInstance
	for _, inst := range live {
		key := inst.Provider + "/" + inst.ID
		if inst.Job != job || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, inst)
	}
	return out
}

func union(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string{}, a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
