// Package policy provides Open Policy Agent (OPA) integration for terradev.
//
// Policies are Rego modules that define one or both of two partial set rules:
//
//   - risk: objects raised against a selected GPU candidate. Each member has
//     type, severity (low, medium or high), description and mitigation keys.
//   - deny: violations raised against a provisioning plan. Each member is a
//     message string or an object with message and severity keys.
//
// # Built-in policies
//
// The engine always loads four built-in policies, evaluated in this order:
//
//  1. availability-risk - availability below the SLA threshold
//  2. cost-risk - hourly price above the high-cost threshold
//  3. provider-risk - candidate from a lesser-known provider
//  4. plan-risk-guard - blocks plans whose high-severity risks need mitigation
//
// Thresholds are passed in the input document so the built-ins never need to be
// recompiled when configuration changes.
//
// # Usage
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//
//	in := policy.NewRiskInput(policy.CandidateInput{
//	    Provider:     "vastai",
//	    PricePerHour: 2.5,
//	    Availability: 0.97,
//	}, policy.DefaultThresholds())
//
//	risks, err := eng.EvaluateRisks(ctx, in)
//
// Custom policies are loaded from .rego or .json files and replace the previous
// custom set atomically:
//
//	if err := eng.Watch(ctx, []string{"/etc/terradev/policies"}); err != nil {
//	    return err
//	}
package policy
