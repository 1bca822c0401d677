package decision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/rs/zerolog"

	"github.com/terradev/terradev/pkg/engine"
	"github.com/terradev/terradev/pkg/policy"
)

func newTestEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	pe, err := policy.NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create policy engine: %v", err)
	}
	return NewEngine(pe, opts, zerolog.Nop())
}

func ptr(v float64) *float64 { return &v }

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func factor(o engine.ScoredOption, name string) float64 {
	for _, f := range o.Factors {
		if f.Name == name {
			return f.Value
		}
	}
	return math.NaN()
}

// demoCandidates are three offers with different price, memory, SLA and latency.
func demoCandidates() []engine.Candidate {
	return []engine.Candidate{
		{Provider: "vastai", InstanceType: "A5000", GPUType: "RTX A5000", GPUMemoryGB: 24, PricePerHour: 0.35, Availability: ptr(0.95), LatencyMs: ptr(45)},
		{Provider: "runpod", InstanceType: "A4000", GPUType: "RTX A4000", GPUMemoryGB: 16, PricePerHour: 0.29, Availability: ptr(0.97), LatencyMs: ptr(35)},
		{Provider: "aws", InstanceType: "g4dn.xlarge", GPUType: "T4", GPUMemoryGB: 16, PricePerHour: 0.526, Availability: ptr(0.99), LatencyMs: ptr(25)},
	}
}

func priced(prices ...float64) []engine.Candidate {
	out := make([]engine.Candidate, len(prices))
	for i, p := range prices {
		out[i] = engine.Candidate{
			Provider: "aws", InstanceType: string(rune('a' + i)), GPUType: "A100",
			GPUMemoryGB: 40, PricePerHour: p, Availability: ptr(0.995), LatencyMs: ptr(20),
		}
	}
	return out
}

func TestSelectInstance_CheapestWinsWhenOtherwiseEqual(t *testing.T) {
	e := newTestEngine(t, DefaultOptions())

	d, err := e.SelectInstance(context.Background(), engine.Requirements{GPUMemoryGB: 40}, priced(0.29, 0.35, 0.526))
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}

	if d.Selected.Candidate.PricePerHour != 0.29 {
		t.Errorf("expected the 0.29 candidate, got %+v", d.Selected.Candidate)
	}
	if got := factor(d.Selected, FactorCost); got != 1.0 {
		t.Errorf("expected cost factor 1.0, got %v", got)
	}
	if len(d.Alternatives) != 2 || d.Alternatives[0].Candidate.PricePerHour != 0.35 || d.Alternatives[1].Candidate.PricePerHour != 0.526 {
		t.Errorf("unexpected alternatives %+v", d.Alternatives)
	}
	if d.Confidence != 0.6 {
		t.Errorf("expected confidence 0.6 for a gap of about 0.076, got %v", d.Confidence)
	}
	if len(d.Risks) != 0 {
		t.Errorf("expected no risks, got %+v", d.Risks)
	}
}

func TestSelectInstance_MonotonicCost(t *testing.T) {
	e := newTestEngine(t, DefaultOptions())
	prices := []float64{1.2, 0.4, 3.1, 0.4, 2.2, 0.05}

	d, err := e.SelectInstance(context.Background(), engine.Requirements{}, priced(prices...))
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}

	for _, a := range d.Options {
		for _, b := range d.Options {
			if a.Candidate.PricePerHour >= b.Candidate.PricePerHour {
				continue
			}
			if factor(a, FactorCost) < factor(b, FactorCost) {
				t.Errorf("cost factor not monotonic: $%v -> %v, $%v -> %v",
					a.Candidate.PricePerHour, factor(a, FactorCost), b.Candidate.PricePerHour, factor(b, FactorCost))
			}
			if a.Score < b.Score {
				t.Errorf("score not monotonic: $%v -> %v, $%v -> %v",
					a.Candidate.PricePerHour, a.Score, b.Candidate.PricePerHour, b.Score)
			}
		}
	}
	for i := 1; i < len(d.Options); i++ {
		if d.Options[i-1].Score < d.Options[i].Score {
			t.Errorf("options not ranked at %d", i)
		}
	}
}

func TestSelectInstance_FactorBreakdown(t *testing.T) {
	e := newTestEngine(t, DefaultOptions())

	d, err := e.SelectInstance(context.Background(), engine.Requirements{GPUMemoryGB: 16, DryRun: true}, demoCandidates())
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}

	if d.Selected.Candidate.Provider != "runpod" {
		t.Fatalf("expected runpod selected, got %s", d.Selected.Candidate.Key())
	}
	// cost 1.0*0.30 + performance 1.0*0.25 + availability 0.97*0.20 + latency 0.5*0.15
	if !approx(d.Selected.Score, 0.819) {
		t.Errorf("expected score 0.819, got %v", d.Selected.Score)
	}
	if d.Confidence != 0.7 {
		t.Errorf("expected confidence 0.7, got %v", d.Confidence)
	}

	byProvider := make(map[string]engine.ScoredOption)
	for _, o := range d.Options {
		byProvider[o.Candidate.Provider] = o
	}
	if got := factor(byProvider["aws"], FactorCost); got != 0 {
		t.Errorf("expected the most expensive candidate to score 0 on cost, got %v", got)
	}
	if got := factor(byProvider["aws"], FactorLatency); got != 1 {
		t.Errorf("expected the fastest candidate to score 1 on latency, got %v", got)
	}
	if got := factor(byProvider["vastai"], FactorPerformance); got != 1 {
		t.Errorf("expected performance capped at 1, got %v", got)
	}

	if len(d.Risks) != 1 || d.Risks[0].Type != "availability" || d.Risks[0].Severity != engine.RiskSeverityMedium {
		t.Errorf("expected one medium availability risk, got %+v", d.Risks)
	}
	if len(d.Permissions) != 2 || d.Permissions[1] != engine.PermissionDryRun {
		t.Errorf("expected dry-run permissions, got %v", d.Permissions)
	}
	if d.DryRunResult.RiskCount != 1 || d.DryRunResult.EstimatedCostPerHour != 0.29 || len(d.DryRunResult.Warnings) != 2 {
		t.Errorf("unexpected dry run result %+v", d.DryRunResult)
	}
	if !d.RollbackPlan.Available || len(d.RollbackPlan.Steps) == 0 {
		t.Errorf("expected a rollback plan, got %+v", d.RollbackPlan)
	}
	if d.DecisionID == "" || d.Type != engine.DecisionInstanceSelection {
		t.Errorf("expected id and type to be set, got %q %q", d.DecisionID, d.Type)
	}
	if d.Reasoning == "" {
		t.Error("expected reasoning")
	}
}

func TestSelectInstance_TieKeepsInputOrder(t *testing.T) {
	e := newTestEngine(t, DefaultOptions())
	candidates := []engine.Candidate{
		{Provider: "gcp", InstanceType: "a2-highgpu-1g", GPUMemoryGB: 40, PricePerHour: 1.1},
		{Provider: "aws", InstanceType: "p4d", GPUMemoryGB: 40, PricePerHour: 1.1},
	}

	for i := 0; i < 5; i++ {
		d, err := e.SelectInstance(context.Background(), engine.Requirements{}, candidates)
		if err != nil {
			t.Fatalf("select failed: %v", err)
		}
		if d.Selected.Candidate.Provider != "gcp" {
			t.Fatalf("expected the first candidate to win a tie, got %s", d.Selected.Candidate.Provider)
		}
		if d.Confidence != 0.4 {
			t.Errorf("expected confidence 0.4 for a tie, got %v", d.Confidence)
		}
	}
}

func TestSelectInstance_SingleCandidate(t *testing.T) {
	e := newTestEngine(t, DefaultOptions())

	d, err := e.SelectInstance(context.Background(), engine.Requirements{}, priced(0.8))
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if d.Confidence != 0.5 {
		t.Errorf("expected confidence 0.5, got %v", d.Confidence)
	}
	if len(d.Alternatives) != 0 {
		t.Errorf("expected no alternatives, got %d", len(d.Alternatives))
	}
	if factor(d.Selected, FactorCost) != 1 || factor(d.Selected, FactorLatency) != 1 {
		t.Errorf("expected cost and latency of 1.0, got %+v", d.Selected.Factors)
	}
}

func TestSelectInstance_NoCandidates(t *testing.T) {
	e := newTestEngine(t, DefaultOptions())

	_, err := e.SelectInstance(context.Background(), engine.Requirements{}, nil)
	if engine.CodeOf(err) != engine.ErrCodeValidation {
		t.Errorf("expected VALIDATION_ERROR, got %v", err)
	}
}

func TestSelectInstance_Defaults(t *testing.T) {
	e := newTestEngine(t, DefaultOptions())
	candidates := []engine.Candidate{{Provider: "lambda", InstanceType: "gpu_1x_a100", PricePerHour: 1.29}}

	d, err := e.SelectInstance(context.Background(), engine.Requirements{}, candidates)
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if got := factor(d.Selected, FactorAvailability); got != 0.95 {
		t.Errorf("expected default availability 0.95, got %v", got)
	}
	if len(d.Risks) != 1 || d.Risks[0].Severity != engine.RiskSeverityHigh {
		t.Errorf("expected a high availability risk at the default SLA, got %+v", d.Risks)
	}
}

func TestSelectInstance_Weights(t *testing.T) {
	tests := []struct {
		name      string
		normalize bool
		want      float64
	}{
		{name: "preserved", normalize: false, want: 0.9},
		{name: "normalized", normalize: true, want: 1.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			opts.NormalizeWeights = tt.normalize
			e := newTestEngine(t, opts)

			c := engine.Candidate{Provider: "aws", InstanceType: "p5", PricePerHour: 1, Availability: ptr(1)}
			d, err := e.SelectInstance(context.Background(), engine.Requirements{}, []engine.Candidate{c})
			if err != nil {
				t.Fatalf("select failed: %v", err)
			}
			if !approx(d.Selected.Score, tt.want) {
				t.Errorf("expected score %v, got %v", tt.want, d.Selected.Score)
			}
			if !approx(e.Weights().Sum(), tt.want) {
				t.Errorf("expected weights to sum to %v, got %v", tt.want, e.Weights().Sum())
			}
		})
	}
}

func TestSelectInstance_Filter(t *testing.T) {
	e := newTestEngine(t, DefaultOptions())

	req := engine.Requirements{Filter: "def accept(c):\n    return c[\"provider\"] != \"vastai\" and c[\"latency_ms\"] < 40\n"}
	d, err := e.SelectInstance(context.Background(), req, demoCandidates())
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if len(d.Options) != 2 {
		t.Errorf("expected two scored options, got %d", len(d.Options))
	}
	rejected, _ := d.Context["rejected_candidates"].([]string)
	if len(rejected) != 1 || rejected[0] != "vastai/A5000" {
		t.Errorf("expected vastai rejected, got %v", d.Context["rejected_candidates"])
	}

	req.Filter = "def accept(c):\n    return False\n"
	if _, err := e.SelectInstance(context.Background(), req, demoCandidates()); engine.CodeOf(err) != engine.ErrCodeValidation {
		t.Errorf("expected VALIDATION_ERROR when everything is rejected, got %v", err)
	}

	req.Filter = "def keep(c):\n    return True\n"
	if _, err := e.SelectInstance(context.Background(), req, demoCandidates()); engine.CodeOf(err) != engine.ErrCodeValidation {
		t.Errorf("expected VALIDATION_ERROR for a filter without accept, got %v", err)
	}
}

type failingRisks struct{}

func (failingRisks) EvaluateRisks(context.Context, policy.RiskInput) ([]engine.Risk, error) {
	return nil, errors.New("policy engine unavailable")
}

func TestSelectInstance_RiskEvaluationFails(t *testing.T) {
	e := NewEngine(failingRisks{}, DefaultOptions(), zerolog.Nop())

	if _, err := e.SelectInstance(context.Background(), engine.Requirements{}, priced(1)); err == nil {
		t.Fatal("expected an error")
	}
	if len(e.Decisions("")) != 0 {
		t.Error("expected no decision to be recorded")
	}
}

type staticSource []engine.Candidate

func (s staticSource) Candidates(context.Context, engine.Requirements) ([]engine.Candidate, error) {
	return s, nil
}

func TestSelectFromSource(t *testing.T) {
	e := newTestEngine(t, DefaultOptions())

	d, err := e.SelectFromSource(context.Background(), staticSource(demoCandidates()), engine.Requirements{GPUMemoryGB: 16})
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if d.Selected.Candidate.Provider != "runpod" {
		t.Errorf("expected runpod, got %s", d.Selected.Candidate.Provider)
	}
}

func TestCreatePlan(t *testing.T) {
	e := newTestEngine(t, DefaultOptions())
	ctx := context.Background()

	first, err := e.SelectInstance(ctx, engine.Requirements{GPUMemoryGB: 16, DryRun: true}, demoCandidates())
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	risky := []engine.Candidate{{Provider: "vastai", InstanceType: "H100", PricePerHour: 2.5, Availability: ptr(0.9)}}
	second, err := e.SelectInstance(ctx, engine.Requirements{}, risky)
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}

	plan, err := e.CreatePlan(ctx, []*engine.DecisionLog{first, second})
	if err != nil {
		t.Fatalf("create plan failed: %v", err)
	}

	if len(plan.ResourcesToAdd) != 2 || plan.ResourcesToAdd[0].Name != "runpod-a4000" || plan.ResourcesToAdd[1].DecisionID != second.DecisionID {
		t.Errorf("unexpected resources %+v", plan.ResourcesToAdd)
	}
	if plan.CostEstimate != 2.79 {
		t.Errorf("expected cost 2.79, got %v", plan.CostEstimate)
	}
	wantPerms := []engine.PermissionScope{engine.PermissionReadOnly, engine.PermissionDryRun, engine.PermissionPlanOnly, engine.PermissionApply}
	if len(plan.PermissionsRequired) != len(wantPerms) {
		t.Fatalf("expected permissions %v, got %v", wantPerms, plan.PermissionsRequired)
	}
	for i, p := range wantPerms {
		if plan.PermissionsRequired[i] != p {
			t.Errorf("permission %d: expected %s, got %s", i, p, plan.PermissionsRequired[i])
		}
	}

	// (1-0.7+0)/2 = 0.15 and (1-0.5+0.2)/2 = 0.35
	if !approx(plan.RiskAssessment.TotalRiskScore, 0.25) {
		t.Errorf("expected risk 0.25, got %v", plan.RiskAssessment.TotalRiskScore)
	}
	if len(plan.RiskAssessment.HighRiskItems) != 1 || !plan.RiskAssessment.MitigationRequired {
		t.Errorf("expected one high risk requiring mitigation, got %+v", plan.RiskAssessment)
	}
	if !plan.RollbackAvailable {
		t.Error("expected rollback to be available")
	}
	if len(e.Plans()) != 1 {
		t.Errorf("expected the plan to be recorded, got %d", len(e.Plans()))
	}
}

func TestPlanRisk_CapsSeverity(t *testing.T) {
	d := &engine.DecisionLog{Confidence: 0.4}
	for i := 0; i < 5; i++ {
		d.Risks = append(d.Risks, engine.Risk{Severity: engine.RiskSeverityHigh})
	}
	if got := PlanRisk([]*engine.DecisionLog{d}); !approx(got, 0.6) {
		t.Errorf("expected (0.6+0.6)/2 = 0.6, got %v", got)
	}
	if got := PlanRisk(nil); got != 0 {
		t.Errorf("expected zero risk for no decisions, got %v", got)
	}
}

func TestDecisionsAndExport(t *testing.T) {
	e := newTestEngine(t, DefaultOptions())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := e.SelectInstance(ctx, engine.Requirements{}, priced(0.5, 0.7)); err != nil {
			t.Fatalf("select failed: %v", err)
		}
	}

	if got := len(e.Decisions(engine.DecisionInstanceSelection)); got != 3 {
		t.Errorf("expected 3 instance selections, got %d", got)
	}
	if got := len(e.Decisions(engine.DecisionRegionSelection)); got != 0 {
		t.Errorf("expected no region selections, got %d", got)
	}

	var buf bytes.Buffer
	if err := e.ExportDecisions(&buf); err != nil {
		t.Fatalf("export failed: %v", err)
	}
	var exported []engine.DecisionLog
	if err := json.Unmarshal(buf.Bytes(), &exported); err != nil {
		t.Fatalf("export is not valid JSON: %v", err)
	}
	if len(exported) != 3 || exported[0].Selected.Candidate.PricePerHour != 0.5 {
		t.Errorf("unexpected export %+v", exported)
	}
}
