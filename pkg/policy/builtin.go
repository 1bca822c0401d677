package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in policies in evaluation order. Risk order in a
// decision follows this order.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		availabilityRiskPolicy(),
		costRiskPolicy(),
		providerRiskPolicy(),
		planRiskGuardPolicy(),
	}
}

func builtin(name, description string, severity Severity, tags []string, rego string) Policy {
	now := time.Now()
	return Policy{
		Name:        name,
		Description: description,
		Severity:    severity,
		Enabled:     true,
		Builtin:     true,
		Tags:        tags,
		CreatedAt:   now,
		UpdatedAt:   now,
		Rego:        rego,
	}
}

// availabilityRiskPolicy flags candidates whose SLA is below the availability threshold.
func availabilityRiskPolicy() Policy {
	return builtin(
		"availability-risk",
		"Flags candidates whose availability is below the configured SLA threshold",
		SeverityWarning,
		[]string{"risk", "availability"},
		`package terradev.risks.availability

import rego.v1

risk contains r if {
	input.candidate.availability < input.thresholds.availability
	r := {
		"type": "availability",
		"severity": severity,
		"description": sprintf("Availability is %s (below %s)", [input.display.availability, input.display.availability_threshold]),
		"mitigation": "Consider backup instances or SLA monitoring",
	}
}

severity := "medium" if {
	input.candidate.availability > input.thresholds.availability_high
} else := "high"
`)
}

// costRiskPolicy flags candidates above the hourly cost threshold.
func costRiskPolicy() Policy {
	return builtin(
		"cost-risk",
		"Flags candidates whose hourly price exceeds the high-cost threshold",
		SeverityWarning,
		[]string{"risk", "cost"},
		`package terradev.risks.cost

import rego.v1

risk contains r if {
	input.candidate.price_per_hour > input.thresholds.high_cost
	r := {
		"type": "cost",
		"severity": "medium",
		"description": sprintf("High cost per hour: %s", [input.display.price_per_hour]),
		"mitigation": "Set budget alerts and monitor usage",
	}
}
`)
}

// providerRiskPolicy flags candidates from lesser-known providers.
func providerRiskPolicy() Policy {
	return builtin(
		"provider-risk",
		"Flags candidates from lesser-known providers",
		SeverityWarning,
		[]string{"risk", "provider"},
		`package terradev.risks.provider

import rego.v1

risk contains r if {
	input.candidate.provider in input.thresholds.lesser_known_providers
	r := {
		"type": "provider",
		"severity": "medium",
		"description": sprintf("Lesser-known provider: %s", [input.candidate.provider]),
		"mitigation": "Monitor provider stability and have alternatives",
	}
}
`)
}

// planRiskGuardPolicy blocks plans whose high-severity risks push the score to 0.5
// or above and warns on any plan that requires mitigation.
func planRiskGuardPolicy() Policy {
	return builtin(
		"plan-risk-guard",
		"Blocks high-risk plans that require mitigation",
		SeverityError,
		[]string{"plan", "risk"},
		`package terradev.plans.risk

import rego.v1

high_risk_count := count(object.get(input.plan.risk_assessment, "high_risk_items", []))

destroy_count := count(object.get(input.plan, "resources_to_destroy", [])) if {
	is_array(input.plan.resources_to_destroy)
} else := 0

deny contains v if {
	input.plan.risk_assessment.mitigation_required
	input.plan.risk_assessment.total_risk_score >= 0.5
	v := {
		"message": sprintf("Plan risk score %v with %d high-severity risks requires mitigation before apply", [input.plan.risk_assessment.total_risk_score, high_risk_count]),
		"severity": "error",
	}
}

deny contains v if {
	input.plan.risk_assessment.mitigation_required
	input.plan.risk_assessment.total_risk_score < 0.5
	v := {
		"message": sprintf("%d high-severity risks flagged; review mitigations", [high_risk_count]),
		"severity": "warning",
	}
}

deny contains v if {
	destroy_count > 0
	input.context.dry_run
	v := {
		"message": "Dry-run plan must not destroy resources",
		"severity": "error",
	}
}
`)
}
