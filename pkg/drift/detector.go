package drift

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/terradev/terradev/pkg/engine"
	"github.com/terradev/terradev/pkg/manifest"
	"github.com/terradev/terradev/pkg/telemetry"
)

// Manifest metadata keys read by the detector.
const (
	// MetaExtraProviders lists providers to query beyond those in the manifest,
	// comma separated.
	MetaExtraProviders = "extra_providers"

	// MetaDatasetPath is the dataset location whose hash is checked.
	MetaDatasetPath = "dataset_path"
)

// ManifestReader loads manifests. manifest.Store implements it.
type ManifestReader interface {
	Get(ctx context.Context, job, version string) (*engine.Manifest, error)
}

// Options configures a Detector.
type Options struct {
	// ProviderTimeout bounds each provider query. Zero means no bound.
	ProviderTimeout time.Duration

	// MaxParallel bounds concurrent provider queries.
	MaxParallel int

	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
}

// Detector diffs desired state against live provider state.
type Detector struct {
	manifests ManifestReader
	gateway   engine.ProviderGateway
	logger    zerolog.Logger
	now       func() time.Time

	mu   sync.RWMutex
	opts Options
}

// NewDetector creates a drift detector.
func NewDetector(manifests ManifestReader, gateway engine.ProviderGateway, opts Options, logger zerolog.Logger) *Detector {
	return &Detector{
		manifests: manifests,
		gateway:   gateway,
		opts:      opts,
		logger:    logger.With().Str("component", "drift-detector").Logger(),
		now:       time.Now,
	}
}

// SetOptions replaces the detector options, e.g. after a configuration reload.
func (d *Detector) SetOptions(opts Options) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opts = opts
}

func (d *Detector) options() Options {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.opts
}

// DetectDrift compares the manifest for job (latest when version is empty) with live
// state. It performs no mutations. A provider whose query fails contributes no live
// nodes and is recorded in ProviderErrors; the pass continues.
func (d *Detector) DetectDrift(ctx context.Context, job, version string) (*engine.DriftReport, error) {
	opts := d.options()
	ctx, span := opts.Tracer.StartDriftSpan(ctx, job, version)
	defer span.End()

	m, err := d.manifests.Get(ctx, job, version)
	if err != nil {
		if engine.IsNotFound(err) && version == "" {
			err = engine.NewNotFoundError(engine.ErrCodeManifestNotFound,
				"no manifest found for job "+job).WithResource(job)
		}
		telemetry.RecordError(span, err)
		return nil, err
	}

	live, providerErrs := d.liveState(ctx, opts, job, Providers(m))
	report := Classify(m, live)
	report.ProviderErrors = providerErrs
	report.Timestamp = d.now().UTC()
	report.DatasetDrift = d.datasetDrift(m)

	status := "clean"
	if report.HasDrift() || len(report.ExtraNodes) > 0 || report.DatasetDrift {
		status = "drift"
	}
	opts.Metrics.RecordDriftDetection(job, status,
		len(report.DriftedNodes), len(report.MissingNodes), len(report.ExtraNodes))

	telemetry.SetAttributes(span,
		attribute.Int("drift.drifted", len(report.DriftedNodes)),
		attribute.Int("drift.missing", len(report.MissingNodes)),
		attribute.Int("drift.extra", len(report.ExtraNodes)),
		attribute.Bool("drift.dataset", report.DatasetDrift),
	)
	telemetry.RecordSuccess(span)

	d.logger.Info().
		Str("job", job).
		Str("version", m.Version).
		Int("drifted", len(report.DriftedNodes)).
		Int("missing", len(report.MissingNodes)).
		Int("extra", len(report.ExtraNodes)).
		Bool("dataset_drift", report.DatasetDrift).
		Int("provider_errors", len(providerErrs)).
		Msg("Drift detection completed")

	return report, nil
}

// LiveState queries every provider concurrently for the instances of job and
// waits for all of them. The returned snapshot is the concatenation of the
// successful queries in provider order. Each query is scoped to job, so
// instances a provider returns without a job tag are attributed to it.
func (d *Detector) LiveState(ctx context.Context, job string, providers []string) ([]engine.LiveInstance, map[string]string) {
	return d.liveState(ctx, d.options(), job, providers)
}

func (d *Detector) liveState(ctx context.Context, opts Options, job string, providers []string) ([]engine.LiveInstance, map[string]string) {
	results := engine.ParallelEach(ctx, providers, opts.MaxParallel, opts.ProviderTimeout,
		func(ctx context.Context, provider string) ([]engine.LiveInstance, error) {
			return d.gateway.ListInstances(ctx, provider, job)
		})

	var live []engine.LiveInstance
	var errs map[string]string
	for _, r := range results {
		provider := providers[r.Index]
		if r.Err != nil {
			if errs == nil {
				errs = make(map[string]string)
			}
			errs[provider] = r.Err.Error()
			d.logger.Warn().Err(r.Err).
				Str("job", job).
				Str("provider", provider).
				Dur("duration", r.Duration).
				Msg("Provider query failed")
			continue
		}
		for _, inst := range r.Value {
			if inst.Provider == "" {
				inst.Provider = provider
			}
			if inst.Job == "" {
				inst.Job = job
			}
			live = append(live, inst)
		}
	}

	return live, errs
}

// datasetDrift recomputes the dataset hash when the manifest names both a dataset
// path and a hash. An unreadable dataset counts as drift.
func (d *Detector) datasetDrift(m *engine.Manifest) bool {
	path := m.Metadata[MetaDatasetPath]
	if path == "" || m.DatasetHash == "" {
		return false
	}

	got, err := manifest.DatasetHash(path)
	if err != nil {
		d.logger.Warn().Err(err).
			Str("job", m.Job).
			Str("dataset_path", path).
			Msg("Dataset unreadable, reporting dataset drift")
		return true
	}
	return got != m.DatasetHash
}

// Providers returns the providers to query for m: those referenced by its nodes in
// first-seen order, followed by any extra providers from its metadata.
func Providers(m *engine.Manifest) []string {
	out := m.Providers()
	seen := make(map[string]bool, len(out))
	for _, p := range out {
		seen[p] = true
	}
	for _, p := range strings.Split(m.Metadata[MetaExtraProviders], ",") {
		p = strings.TrimSpace(p)
		if p != "" && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// Classify builds the three-way diff of m against a single live snapshot. Every
// manifest node is either missing, drifted or matching; extra nodes are live
// instances tagged with the job that no manifest node claims, so the three sets
// are disjoint.
//
// A node is matched by id first. A node whose id is absent is matched to an
// unclaimed live instance of the job with the same provider and an identical
// spec, since recreated nodes get fresh provider-assigned ids.
func Classify(m *engine.Manifest, live []engine.LiveInstance) *engine.DriftReport {
	report := &engine.DriftReport{
		Job:          m.Job,
		Version:      m.Version,
		DriftedNodes: []engine.DriftedNode{},
		MissingNodes: []engine.ManifestNode{},
		ExtraNodes:   []engine.LiveInstance{},
	}

	index := make(map[string]engine.LiveInstance, len(live))
	for _, inst := range live {
		if _, dup := index[inst.ID]; !dup {
			index[inst.ID] = inst
		}
	}

	claimed := make(map[string]bool, len(m.Nodes))
	for _, node := range m.Nodes {
		if id := node.ID(); id != "" {
			if _, ok := index[id]; ok {
				claimed[id] = true
			}
		}
	}

	spare := unclaimed(m.Job, live, claimed)
	for _, node := range m.Nodes {
		id := node.ID()
		if inst, ok := index[id]; ok && id != "" {
			if changes := Compare(node, inst); len(changes) > 0 {
				report.DriftedNodes = append(report.DriftedNodes, engine.DriftedNode{
					Node:    node,
					Live:    inst,
					Changes: changes,
				})
			}
			continue
		}

		if inst, ok := takeReplacement(&spare, node); ok {
			if report.Replacements == nil {
				report.Replacements = make(map[string]string)
			}
			report.Replacements[id] = inst.ID
			claimed[inst.ID] = true
			continue
		}
		report.MissingNodes = append(report.MissingNodes, node)
	}

	for _, inst := range unclaimed(m.Job, live, claimed) {
		report.ExtraNodes = append(report.ExtraNodes, inst)
	}

	return report
}

// unclaimed returns the distinct live instances of job not in claimed, sorted by
// provider then id.
func unclaimed(job string, live []engine.LiveInstance, claimed map[string]bool) []engine.LiveInstance {
	var out []engine.LiveInstance
	emitted := make(map[string]bool)
	for _, inst := range live {
		if inst.Job != job || claimed[inst.ID] || emitted[inst.ID] {
			continue
		}
		emitted[inst.ID] = true
		out = append(out, inst)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// takeReplacement removes and returns the first spare instance on the node's
// provider whose spec matches the node exactly.
func takeReplacement(spare *[]engine.LiveInstance, node engine.ManifestNode) (engine.LiveInstance, bool) {
	for i, inst := range *spare {
		if inst.Provider == node.Provider && len(Compare(node, inst)) == 0 {
			*spare = append((*spare)[:i], (*spare)[i+1:]...)
			return inst, true
		}
	}
	return engine.LiveInstance{}, false
}

// Compare lists the mismatched fields between a manifest node and its live record.
func Compare(node engine.ManifestNode, inst engine.LiveInstance) []engine.FieldChange {
	var changes []engine.FieldChange
	if node.Status != inst.Status {
		changes = append(changes, engine.FieldChange{Field: "status", Expected: node.Status, Actual: inst.Status})
	}
	if node.GPUs != inst.GPUs {
		changes = append(changes, engine.FieldChange{Field: "gpus", Expected: node.GPUs, Actual: inst.GPUs})
	}
	if node.GPUType != inst.GPUType {
		changes = append(changes, engine.FieldChange{Field: "gpu_type", Expected: node.GPUType, Actual: inst.GPUType})
	}
	if node.Region != inst.Region {
		changes = append(changes, engine.FieldChange{Field: "region", Expected: node.Region, Actual: inst.Region})
	}
	return changes
}
