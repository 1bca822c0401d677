package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/terradev/terradev/pkg/engine"
)

// ResourceType is the plan resource type of a selected GPU instance.
const ResourceType = "gpu_instance"

// CreatePlan aggregates decisions into a plan. Each instance selection becomes one
// resource to add. The hourly cost is summed exactly and rounded to four places,
// permissions are unioned in first-seen order, and the plan risk is the mean over
// decisions of (1 - confidence + min(0.2 * high risks, 0.6)) / 2.
func (e *Engine) CreatePlan(ctx context.Context, decisions []*engine.DecisionLog) (*engine.Plan, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	plan := &engine.Plan{
		ID:                  uuid.NewString(),
		CreatedAt:           e.now().UTC(),
		ResourcesToAdd:      []engine.PlanResource{},
		ResourcesToChange:   []engine.PlanResource{},
		ResourcesToDestroy:  []engine.PlanResource{},
		PermissionsRequired: []engine.PermissionScope{},
		RollbackAvailable:   true,
	}

	cost := decimal.Zero
	seen := make(map[engine.PermissionScope]bool)
	for _, d := range decisions {
		if d.Type == engine.DecisionInstanceSelection {
			c := d.Selected.Candidate
			plan.ResourcesToAdd = append(plan.ResourcesToAdd, engine.PlanResource{
				Type:         ResourceType,
				Name:         ResourceName(c),
				Action:       "create",
				Provider:     c.Provider,
				InstanceType: c.InstanceType,
				CostPerHour:  c.PricePerHour,
				DecisionID:   d.DecisionID,
				Reasoning:    d.Reasoning,
			})
			cost = cost.Add(decimal.NewFromFloat(c.PricePerHour))
		}

		for _, p := range d.Permissions {
			if !seen[p] {
				seen[p] = true
				plan.PermissionsRequired = append(plan.PermissionsRequired, p)
			}
		}

		for _, r := range d.Risks {
			if r.Severity == engine.RiskSeverityHigh {
				plan.RiskAssessment.HighRiskItems = append(plan.RiskAssessment.HighRiskItems, r)
			}
		}
	}

	plan.CostEstimate = cost.Round(4).InexactFloat64()
	plan.RiskAssessment.TotalRiskScore = PlanRisk(decisions)
	plan.RiskAssessment.MitigationRequired = len(plan.RiskAssessment.HighRiskItems) > 0

	e.mu.Lock()
	e.plans = append(e.plans, plan)
	e.mu.Unlock()

	e.logger.Info().
		Str("plan_id", plan.ID).
		Int("resources_to_add", len(plan.ResourcesToAdd)).
		Float64("cost_estimate", plan.CostEstimate).
		Float64("risk_score", plan.RiskAssessment.TotalRiskScore).
		Msg("Plan created")

	return plan, nil
}

// PlanRisk is the mean per-decision risk. An empty list has zero risk.
func PlanRisk(decisions []*engine.DecisionLog) float64 {
	if len(decisions) == 0 {
		return 0
	}
	total := 0.0
	for _, d := range decisions {
		severity := math.Min(0.2*float64(d.HighRiskCount()), 0.6)
		total += (1 - d.Confidence + severity) / 2
	}
	return total / float64(len(decisions))
}

// ResourceName derives a plan resource name from a candidate.
func ResourceName(c engine.Candidate) string {
	name := strings.ToLower(c.Provider + "-" + c.InstanceType)
	return strings.NewReplacer(".", "-", "/", "-", " ", "-").Replace(name)
}

// Decisions returns the recorded decisions in order, limited to typ when it is set.
func (e *Engine) Decisions(typ engine.DecisionType) []*engine.DecisionLog {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*engine.DecisionLog, 0, len(e.logs))
	for _, d := range e.logs {
		if typ == "" || d.Type == typ {
			out = append(out, d)
		}
	}
	return out
}

// Plans returns the plans created so far in order.
func (e *Engine) Plans() []*engine.Plan {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*engine.Plan{}, e.plans...)
}

// ExportDecisions writes every recorded decision to w as an indented JSON array.
func (e *Engine) ExportDecisions(w io.Writer) error {
	return writeJSON(w, e.Decisions(""))
}

// ExportPlans writes every plan to w as an indented JSON array.
func (e *Engine) ExportPlans(w io.Writer) error {
	return writeJSON(w, e.Plans())
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to export: %w", err)
	}
	return nil
}
