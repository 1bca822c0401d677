// Package decision selects GPU instances among candidate offers and explains why.
//
// Every candidate gets four factors in [0,1]:
//
//	cost          1 for the cheapest offer, 0 for the most expensive
//	performance   offered GPU memory over required, capped at 1
//	availability  the provider SLA (0.95 when unreported)
//	latency       1 for the fastest offer, 0 for the slowest (50ms when unreported)
//
// The score is the weighted sum with fixed weights (0.30, 0.25, 0.20, 0.15 by
// default). The highest score wins and ties go to the earlier candidate. Risks of
// the selection come from the policy engine's risk rules. CreatePlan folds
// decisions into an engine.Plan for the operation manager.
//
// Usage:
//
//	pe, _ := policy.NewEngine(logger)
//	de := decision.NewEngine(pe, decision.DefaultOptions(), logger)
//	d, err := de.SelectInstance(ctx, engine.Requirements{GPUMemoryGB: 40}, candidates)
//	plan, err := de.CreatePlan(ctx, []*engine.DecisionLog{d})
package decision
