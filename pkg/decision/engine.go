package decision

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/terradev/terradev/pkg/config"
	"github.com/terradev/terradev/pkg/engine"
	"github.com/terradev/terradev/pkg/policy"
	"github.com/terradev/terradev/pkg/telemetry"
)

// FilterFunc is the Starlark function a candidate filter must define.
const FilterFunc = "accept"

// Factor names.
const (
	FactorCost         = "cost"
	FactorPerformance  = "performance"
	FactorAvailability = "availability"
	FactorLatency      = "latency"
)

// RiskEvaluator flags risks for a selected candidate. policy.Engine implements it.
type RiskEvaluator interface {
	EvaluateRisks(ctx context.Context, in policy.RiskInput) ([]engine.Risk, error)
}

// Options configures the decision engine.
type Options struct {
	Weights          config.Weights
	NormalizeWeights bool

	// Thresholds are passed to the risk policies.
	Thresholds policy.Thresholds

	// DefaultAvailability and DefaultLatencyMs stand in for unreported values.
	DefaultAvailability float64
	DefaultLatencyMs    float64

	// FilterTimeout bounds each Starlark filter evaluation.
	FilterTimeout time.Duration

	Metrics *telemetry.Metrics
}

// OptionsFromConfig maps the decision section of the configuration to Options.
func OptionsFromConfig(cfg config.DecisionConfig) Options {
	t := policy.DefaultThresholds()
	if cfg.HighCostThreshold > 0 {
		t.HighCost = cfg.HighCostThreshold
	}
	if cfg.AvailabilityThreshold > 0 {
		t.Availability = cfg.AvailabilityThreshold
	}
	if cfg.LesserKnownProviders != nil {
		t.LesserKnownProviders = cfg.LesserKnownProviders
	}
	return Options{
		Weights:             cfg.Weights,
		NormalizeWeights:    cfg.NormalizeWeights,
		Thresholds:          t,
		DefaultAvailability: cfg.DefaultAvailability,
		DefaultLatencyMs:    cfg.DefaultLatencyMs,
		FilterTimeout:       cfg.FilterTimeout,
	}
}

// DefaultOptions returns the options of the default configuration.
func DefaultOptions() Options {
	return OptionsFromConfig(config.DefaultConfig().Decision)
}

// Engine scores candidates, selects one, and keeps an in-memory log of every
// decision and plan it produced.
type Engine struct {
	mu     sync.Mutex
	opts   Options
	risks  RiskEvaluator
	filter *config.StarlarkEvaluator
	logs   []*engine.DecisionLog
	plans  []*engine.Plan
	logger zerolog.Logger
	now    func() time.Time
}

// NewEngine creates a decision engine.
func NewEngine(risks RiskEvaluator, opts Options, logger zerolog.Logger) *Engine {
	if opts.FilterTimeout <= 0 {
		opts.FilterTimeout = 5 * time.Second
	}
	return &Engine{
		opts:   opts,
		risks:  risks,
		filter: config.NewStarlarkEvaluator(opts.FilterTimeout),
		logger: logger.With().Str("component", "decision-engine").Logger(),
		now:    time.Now,
	}
}

// SetOptions replaces the engine options, e.g. after a configuration reload.
func (e *Engine) SetOptions(opts Options) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if opts.FilterTimeout <= 0 {
		opts.FilterTimeout = 5 * time.Second
	}
	e.opts = opts
	e.filter = config.NewStarlarkEvaluator(opts.FilterTimeout)
}

// Weights returns the factor weights in effect, normalized when configured.
func (e *Engine) Weights() config.Weights {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.weights()
}

func (e *Engine) weights() config.Weights {
	w := e.opts.Weights
	if e.opts.NormalizeWeights {
		if sum := w.Sum(); sum > 0 {
			w = config.Weights{
				Cost:         w.Cost / sum,
				Performance:  w.Performance / sum,
				Availability: w.Availability / sum,
				Latency:      w.Latency / sum,
			}
		}
	}
	return w
}

// SelectFromSource pulls candidates for req from src and selects among them.
func (e *Engine) SelectFromSource(ctx context.Context, src engine.CandidateSource, req engine.Requirements) (*engine.DecisionLog, error) {
	candidates, err := src.Candidates(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to load candidates: %w", err)
	}
	return e.SelectInstance(ctx, req, candidates)
}

// SelectInstance scores every candidate, selects the highest total score and
// records the decision. Equal scores keep input order, so the earlier candidate
// wins a tie.
func (e *Engine) SelectInstance(ctx context.Context, req engine.Requirements, candidates []engine.Candidate) (*engine.DecisionLog, error) {
	if len(candidates) == 0 {
		return nil, engine.NewPermanentError("no candidates to select from", nil).
			WithCode(engine.ErrCodeValidation)
	}

	e.mu.Lock()
	opts := e.opts
	weights := e.weights()
	filter := e.filter
	e.mu.Unlock()

	accepted, rejected, err := e.applyFilter(ctx, filter, opts, req, candidates)
	if err != nil {
		return nil, err
	}
	if len(accepted) == 0 {
		return nil, engine.NewPermanentError("no candidate passed the filter", nil).
			WithCode(engine.ErrCodeValidation).
			WithDetail("rejected", rejected)
	}

	timestamp := e.now().UTC()
	ranked := Score(accepted, req, weights, opts, timestamp)
	selected := ranked[0]

	risks, err := e.risks.EvaluateRisks(ctx, policy.NewRiskInput(candidateInput(selected.Candidate, opts), opts.Thresholds))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate risks: %w", err)
	}

	permissions := Permissions(req.DryRun)
	log := &engine.DecisionLog{
		DecisionID: uuid.NewString(),
		Type:       engine.DecisionInstanceSelection,
		Timestamp:  timestamp,
		Context: map[string]interface{}{
			"requirements":              req,
			"available_instances_count": len(candidates),
			"dry_run_mode":              req.DryRun,
			"rejected_candidates":       rejected,
		},
		Options:      ranked,
		Selected:     selected,
		Reasoning:    reasoning(selected, ranked, opts),
		Confidence:   Confidence(ranked),
		Alternatives: alternatives(ranked),
		Risks:        risks,
		Permissions:  permissions,
	}
	log.DryRunResult = dryRun(log)
	log.RollbackPlan = rollbackPlan()

	e.mu.Lock()
	e.logs = append(e.logs, log)
	e.mu.Unlock()

	bySeverity := make(map[string]int)
	for _, r := range risks {
		bySeverity[string(r.Severity)]++
	}
	opts.Metrics.RecordDecision(string(log.Type), selected.Candidate.Provider, selected.Score, bySeverity)

	e.logger.Info().
		Str("decision_id", log.DecisionID).
		Str("selected", selected.Candidate.Key()).
		Float64("score", selected.Score).
		Float64("confidence", log.Confidence).
		Int("options", len(ranked)).
		Int("rejected", len(rejected)).
		Int("risks", len(risks)).
		Msg("Instance selected")

	return log, nil
}

// applyFilter runs the requirement's Starlark filter over every candidate.
func (e *Engine) applyFilter(ctx context.Context, filter *config.StarlarkEvaluator, opts Options, req engine.Requirements, candidates []engine.Candidate) ([]engine.Candidate, []string, error) {
	rejected := []string{}
	if strings.TrimSpace(req.Filter) == "" {
		return candidates, rejected, nil
	}

	pred, err := filter.Predicate(ctx, req.Filter, FilterFunc)
	if err != nil {
		return nil, nil, engine.NewPermanentError("invalid candidate filter", err).
			WithCode(engine.ErrCodeValidation)
	}

	var accepted []engine.Candidate
	for _, c := range candidates {
		ok, err := pred.Call(ctx, candidateArg(c, opts))
		if err != nil {
			return nil, nil, engine.NewPermanentError("candidate filter failed", err).
				WithCode(engine.ErrCodeValidation).
				WithResource(c.Key())
		}
		if !ok {
			rejected = append(rejected, c.Key())
			continue
		}
		accepted = append(accepted, c)
	}

	e.logger.Debug().
		Int("accepted", len(accepted)).
		Int("rejected", len(rejected)).
		Msg("Candidate filter applied")

	return accepted, rejected, nil
}

// Score computes the factor breakdown of every candidate and returns them ranked by
// total score, highest first, keeping input order among equal scores.
//
// Cost and latency are min-max normalized so that the cheapest (fastest) candidate
// scores 1.0, and every candidate scores 1.0 when all values are equal.
func Score(candidates []engine.Candidate, req engine.Requirements, w config.Weights, opts Options, ts time.Time) []engine.ScoredOption {
	minPrice, maxPrice := bounds(candidates, func(c engine.Candidate) float64 { return c.PricePerHour })
	minLat, maxLat := bounds(candidates, func(c engine.Candidate) float64 { return latencyOf(c, opts) })

	ranked := make([]engine.ScoredOption, len(candidates))
	for i, c := range candidates {
		avail := availabilityOf(c, opts)
		lat := latencyOf(c, opts)

		perf := 1.0
		if req.GPUMemoryGB > 0 {
			perf = c.GPUMemoryGB / req.GPUMemoryGB
			if perf > 1 {
				perf = 1
			}
		}

		factors := []engine.DecisionFactor{
			{
				Name:      FactorCost,
				Value:     normalizeLowerBetter(c.PricePerHour, minPrice, maxPrice),
				Weight:    w.Cost,
				Reason:    fmt.Sprintf("Cost per hour: $%.4f (lower is better)", c.PricePerHour),
				Source:    "provider_api",
				Timestamp: ts,
			},
			{
				Name:      FactorPerformance,
				Value:     perf,
				Weight:    w.Performance,
				Reason:    fmt.Sprintf("GPU memory: %gGB (required: %gGB)", c.GPUMemoryGB, req.GPUMemoryGB),
				Source:    "instance_specs",
				Timestamp: ts,
			},
			{
				Name:      FactorAvailability,
				Value:     avail,
				Weight:    w.Availability,
				Reason:    fmt.Sprintf("Availability: %.1f%%", avail*100),
				Source:    "provider_sla",
				Timestamp: ts,
			},
			{
				Name:      FactorLatency,
				Value:     normalizeLowerBetter(lat, minLat, maxLat),
				Weight:    w.Latency,
				Reason:    fmt.Sprintf("Latency: %gms (lower is better)", lat),
				Source:    "provider_metrics",
				Timestamp: ts,
			},
		}

		total := 0.0
		for _, f := range factors {
			total += f.Value * f.Weight
		}
		ranked[i] = engine.ScoredOption{Candidate: c, Factors: factors, Score: total}
	}

	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
	return ranked
}

// Confidence grades a ranking by the gap between the top two scores.
func Confidence(ranked []engine.ScoredOption) float64 {
	if len(ranked) < 2 {
		return 0.5
	}
	gap := ranked[0].Score - ranked[1].Score
	switch {
	case gap > 0.2:
		return 0.9
	case gap > 0.1:
		return 0.7
	case gap > 0.05:
		return 0.6
	default:
		return 0.4
	}
}

// Permissions returns the scopes acting on an instance selection requires.
func Permissions(dryRun bool) []engine.PermissionScope {
	if dryRun {
		return []engine.PermissionScope{engine.PermissionReadOnly, engine.PermissionDryRun}
	}
	return []engine.PermissionScope{engine.PermissionReadOnly, engine.PermissionPlanOnly, engine.PermissionApply}
}

func normalizeLowerBetter(v, lo, hi float64) float64 {
	if hi <= lo {
		return 1.0
	}
	return 1.0 - (v-lo)/(hi-lo)
}

func bounds(candidates []engine.Candidate, value func(engine.Candidate) float64) (lo, hi float64) {
	lo, hi = value(candidates[0]), value(candidates[0])
	for _, c := range candidates[1:] {
		v := value(c)
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return lo, hi
}

func availabilityOf(c engine.Candidate, opts Options) float64 {
	if c.Availability != nil {
		return *c.Availability
	}
	return opts.DefaultAvailability
}

func latencyOf(c engine.Candidate, opts Options) float64 {
	if c.LatencyMs != nil {
		return *c.LatencyMs
	}
	return opts.DefaultLatencyMs
}

func candidateInput(c engine.Candidate, opts Options) policy.CandidateInput {
	return policy.CandidateInput{
		Provider:     c.Provider,
		InstanceType: c.InstanceType,
		GPUType:      c.GPUType,
		GPUMemoryGB:  c.GPUMemoryGB,
		PricePerHour: c.PricePerHour,
		Availability: availabilityOf(c, opts),
		LatencyMs:    latencyOf(c, opts),
		Region:       c.Region,
	}
}

// candidateArg is the dict passed to a Starlark filter.
func candidateArg(c engine.Candidate, opts Options) map[string]interface{} {
	return map[string]interface{}{
		"provider":       c.Provider,
		"instance_type":  c.InstanceType,
		"gpu_type":       c.GPUType,
		"gpu_memory_gb":  c.GPUMemoryGB,
		"price_per_hour": c.PricePerHour,
		"availability":   availabilityOf(c, opts),
		"latency_ms":     latencyOf(c, opts),
		"region":         c.Region,
	}
}

func alternatives(ranked []engine.ScoredOption) []engine.ScoredOption {
	end := len(ranked)
	if end > 3 {
		end = 3
	}
	return append([]engine.ScoredOption{}, ranked[1:end]...)
}

func reasoning(selected engine.ScoredOption, ranked []engine.ScoredOption, opts Options) string {
	c := selected.Candidate
	avail := availabilityOf(c, opts)

	lines := []string{
		fmt.Sprintf("Selected %s with score %.3f", c.Key(), selected.Score),
		"Key factors:",
		fmt.Sprintf("  - Cost: $%.4f/hour", c.PricePerHour),
		fmt.Sprintf("  - GPU: %s", c.GPUType),
		fmt.Sprintf("  - Memory: %gGB", c.GPUMemoryGB),
		fmt.Sprintf("  - Availability: %.1f%%", avail*100),
	}
	if len(ranked) > 1 {
		lines = append(lines, fmt.Sprintf("Score advantage: +%.3f over %s",
			selected.Score-ranked[1].Score, ranked[1].Candidate.Key()))
	}
	if avail < opts.Thresholds.Availability {
		lines = append(lines, "Lower availability, consider backup options")
	}
	return strings.Join(lines, "\n")
}

func dryRun(log *engine.DecisionLog) engine.DryRunResult {
	c := log.Selected.Candidate
	res := engine.DryRunResult{
		WouldCreate:          fmt.Sprintf("Create instance: %s (%s)", c.Key(), c.GPUType),
		EstimatedCostPerHour: c.PricePerHour,
		PermissionsRequired:  log.Permissions,
		RiskCount:            len(log.Risks),
	}
	if dry, _ := log.Context["dry_run_mode"].(bool); dry {
		res.Warnings = append(res.Warnings, "This is a dry run - no actual changes will be made")
	}
	for _, r := range log.Risks {
		res.Warnings = append(res.Warnings, r.Description)
	}
	return res
}

func rollbackPlan() engine.RollbackPlan {
	return engine.RollbackPlan{
		Available: true,
		Steps: []string{
			"Stop instance if running",
			"Terminate instance",
			"Clean up associated resources",
			"Restore previous state if needed",
		},
		RequiredPermissions: []engine.PermissionScope{engine.PermissionReadOnly, engine.PermissionDestroy},
	}
}
