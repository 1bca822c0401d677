package policy

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/terradev/terradev/pkg/engine"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.ListPolicies()
	expected := []string{"availability-risk", "cost-risk", "provider-risk", "plan-risk-guard"}
	if len(policies) != len(expected) {
		t.Fatalf("Expected %d built-in policies, got %d", len(expected), len(policies))
	}
	for i, name := range expected {
		if policies[i].Name != name {
			t.Errorf("Expected policy %d to be %s, got %s", i, name, policies[i].Name)
		}
		if !policies[i].Builtin {
			t.Errorf("Expected %s to be builtin", name)
		}
	}
}

func TestEvaluateRisks_Builtin(t *testing.T) {
	eng := newTestEngine(t)

	tests := []struct {
		name      string
		candidate CandidateInput
		want      []engine.Risk
	}{
		{
			name:      "no risks",
			candidate: CandidateInput{Provider: "aws", PricePerHour: 1.5, Availability: 0.999},
			want:      nil,
		},
		{
			name:      "medium availability",
			candidate: CandidateInput{Provider: "aws", PricePerHour: 1.5, Availability: 0.97},
			want: []engine.Risk{{
				Type: "availability", Severity: engine.RiskSeverityMedium,
				Description: "Availability is 97.0% (below 99%)",
				Mitigation:  "Consider backup instances or SLA monitoring",
			}},
		},
		{
			name:      "high availability risk at the boundary",
			candidate: CandidateInput{Provider: "aws", PricePerHour: 1.5, Availability: 0.95},
			want: []engine.Risk{{
				Type: "availability", Severity: engine.RiskSeverityHigh,
				Description: "Availability is 95.0% (below 99%)",
				Mitigation:  "Consider backup instances or SLA monitoring",
			}},
		},
		{
			name:      "all three",
			candidate: CandidateInput{Provider: "vastai", PricePerHour: 2.5, Availability: 0.9},
			want: []engine.Risk{
				{Type: "availability", Severity: engine.RiskSeverityHigh},
				{Type: "cost", Severity: engine.RiskSeverityMedium, Description: "High cost per hour: $2.5000"},
				{Type: "provider", Severity: engine.RiskSeverityMedium, Description: "Lesser-known provider: vastai"},
			},
		},
		{
			name:      "price at threshold is not a risk",
			candidate: CandidateInput{Provider: "tensor_dock", PricePerHour: 2.0, Availability: 0.99},
			want: []engine.Risk{
				{Type: "provider", Severity: engine.RiskSeverityMedium},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			risks, err := eng.EvaluateRisks(context.Background(), NewRiskInput(tt.candidate, DefaultThresholds()))
			if err != nil {
				t.Fatalf("Evaluation failed: %v", err)
			}
			if len(risks) != len(tt.want) {
				t.Fatalf("Expected %d risks, got %d: %+v", len(tt.want), len(risks), risks)
			}
			for i, want := range tt.want {
				got := risks[i]
				if got.Type != want.Type || got.Severity != want.Severity {
					t.Errorf("risk %d: expected %s/%s, got %s/%s", i, want.Type, want.Severity, got.Type, got.Severity)
				}
				if want.Description != "" && got.Description != want.Description {
					t.Errorf("risk %d: expected description %q, got %q", i, want.Description, got.Description)
				}
				if want.Mitigation != "" && got.Mitigation != want.Mitigation {
					t.Errorf("risk %d: expected mitigation %q, got %q", i, want.Mitigation, got.Mitigation)
				}
			}
		})
	}
}

func TestEvaluateRisks_Thresholds(t *testing.T) {
	eng := newTestEngine(t)

	th := DefaultThresholds()
	th.HighCost = 5
	th.LesserKnownProviders = nil

	risks, err := eng.EvaluateRisks(context.Background(),
		NewRiskInput(CandidateInput{Provider: "vastai", PricePerHour: 3, Availability: 0.999}, th))
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if len(risks) != 0 {
		t.Errorf("Expected no risks with raised thresholds, got %+v", risks)
	}
}

func TestEvaluateRisks_DisabledPolicy(t *testing.T) {
	eng := newTestEngine(t)
	if err := eng.DisablePolicy("cost-risk"); err != nil {
		t.Fatalf("Failed to disable policy: %v", err)
	}

	risks, _ := eng.EvaluateRisks(context.Background(),
		NewRiskInput(CandidateInput{Provider: "aws", PricePerHour: 9, Availability: 1}, DefaultThresholds()))
	if len(risks) != 0 {
		t.Errorf("Expected disabled cost policy to be skipped, got %+v", risks)
	}

	if err := eng.EnablePolicy("cost-risk"); err != nil {
		t.Fatalf("Failed to enable policy: %v", err)
	}
	risks, _ = eng.EvaluateRisks(context.Background(),
		NewRiskInput(CandidateInput{Provider: "aws", PricePerHour: 9, Availability: 1}, DefaultThresholds()))
	if len(risks) != 1 {
		t.Errorf("Expected one cost risk after re-enabling, got %+v", risks)
	}

	if err := eng.EnablePolicy("missing"); err == nil {
		t.Error("Expected error for unknown policy")
	}
}

func TestEvaluateRisks_FailingPolicyBecomesRisk(t *testing.T) {
	eng := newTestEngine(t)

	err := eng.AddPolicy(context.Background(), Policy{
		Name:    "conflicting",
		Enabled: true,
		Rego: `package custom.conflict

import rego.v1

risk contains r if {
	r := {"type": "x", "severity": sev}
}

sev = "low" if input.candidate.provider == "aws"

sev = "high" if input.candidate.price_per_hour > 0
`,
	})
	if err != nil {
		t.Fatalf("Failed to add policy: %v", err)
	}

	risks, err := eng.EvaluateRisks(context.Background(),
		NewRiskInput(CandidateInput{Provider: "aws", PricePerHour: 1, Availability: 1}, DefaultThresholds()))
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	found := false
	for _, r := range risks {
		if r.Type == "policy" && r.Severity == engine.RiskSeverityHigh {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected failing policy to surface as a high risk, got %+v", risks)
	}
}

func TestAddPolicy_Custom(t *testing.T) {
	eng := newTestEngine(t)

	if err := eng.AddPolicy(context.Background(), Policy{Name: "region", Enabled: true, Rego: regionRiskRego}); err != nil {
		t.Fatalf("Failed to add policy: %v", err)
	}

	risks, err := eng.EvaluateRisks(context.Background(),
		NewRiskInput(CandidateInput{Provider: "aws", Region: "us-east-1", PricePerHour: 1, Availability: 1}, DefaultThresholds()))
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if len(risks) != 1 || risks[0].Type != "region" || risks[0].Severity != engine.RiskSeverityLow {
		t.Errorf("Expected one low region risk, got %+v", risks)
	}
}

func TestAddPolicy_Invalid(t *testing.T) {
	eng := newTestEngine(t)

	if err := eng.AddPolicy(context.Background(), Policy{Name: "bad", Rego: "package x\nrisk contains"}); err == nil {
		t.Error("Expected parse error")
	}
	if err := eng.AddPolicy(context.Background(), Policy{Name: "empty", Rego: "package x\nimport rego.v1\nallow := true"}); err == nil ||
		!strings.Contains(err.Error(), "defines neither") {
		t.Errorf("Expected missing-rule error, got %v", err)
	}
}

func TestEvaluatePlan(t *testing.T) {
	eng := newTestEngine(t)
	high := engine.Risk{Type: "availability", Severity: engine.RiskSeverityHigh}

	tests := []struct {
		name         string
		plan         *engine.Plan
		dryRun       bool
		wantAllowed  bool
		wantWarnings int
	}{
		{
			name:        "clean plan",
			plan:        &engine.Plan{ID: "p1", RiskAssessment: engine.RiskAssessment{TotalRiskScore: 0.3}},
			wantAllowed: true,
		},
		{
			name: "mitigation below guard",
			plan: &engine.Plan{ID: "p2", RiskAssessment: engine.RiskAssessment{
				TotalRiskScore: 0.4, HighRiskItems: []engine.Risk{high}, MitigationRequired: true,
			}},
			wantAllowed:  true,
			wantWarnings: 1,
		},
		{
			name: "mitigation above guard",
			plan: &engine.Plan{ID: "p3", RiskAssessment: engine.RiskAssessment{
				TotalRiskScore: 0.5, HighRiskItems: []engine.Risk{high, high}, MitigationRequired: true,
			}},
			wantAllowed: false,
		},
		{
			name: "dry-run destroy",
			plan: &engine.Plan{ID: "p4", ResourcesToDestroy: []engine.PlanResource{{
				Type: "gpu_instance", Name: "old", Action: "destroy",
			}}},
			dryRun:      true,
			wantAllowed: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := eng.EvaluatePlan(context.Background(), tt.plan, &PolicyContext{DryRun: tt.dryRun})
			if err != nil {
				t.Fatalf("Evaluation failed: %v", err)
			}
			if result.Allowed != tt.wantAllowed {
				t.Errorf("Expected allowed=%v, got %v (%+v)", tt.wantAllowed, result.Allowed, result.Violations)
			}
			if len(result.Warnings) != tt.wantWarnings {
				t.Errorf("Expected %d warnings, got %+v", tt.wantWarnings, result.Warnings)
			}
			if len(result.EvaluatedPolicies) != 1 || result.EvaluatedPolicies[0] != "plan-risk-guard" {
				t.Errorf("Expected only the plan guard to run, got %v", result.EvaluatedPolicies)
			}
		})
	}
}

func TestLoadPolicies_ReplacesCustom(t *testing.T) {
	eng := newTestEngine(t)
	dir := t.TempDir()
	writePolicyFile(t, dir, "region.rego", regionRiskRego)

	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("Failed to load policies: %v", err)
	}
	if _, err := eng.GetPolicy("region"); err != nil {
		t.Fatalf("Expected region policy: %v", err)
	}

	empty := t.TempDir()
	if err := eng.LoadPolicies(context.Background(), []string{empty}); err != nil {
		t.Fatalf("Failed to load policies: %v", err)
	}
	if _, err := eng.GetPolicy("region"); err == nil {
		t.Error("Expected custom policy to be dropped on reload")
	}
	if len(eng.ListPolicies()) != 4 {
		t.Errorf("Expected built-ins to survive reload, got %d policies", len(eng.ListPolicies()))
	}
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	eng := newTestEngine(t)
	dir := t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Watch(ctx, []string{dir}); err != nil {
		t.Fatalf("Failed to watch: %v", err)
	}

	writePolicyFile(t, dir, "region.rego", regionRiskRego)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := eng.GetPolicy("region"); err == nil {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("Expected region policy to be loaded after file creation")
}
