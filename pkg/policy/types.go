package policy

import (
	"time"

	"github.com/terradev/terradev/pkg/engine"
)

// Severity represents the severity level of a plan policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that should block operations.
	SeverityError Severity = "error"

	// SeverityCritical is for critical violations that must be addressed immediately.
	SeverityCritical Severity = "critical"
)

// IsBlocking returns true if a violation of this severity denies the plan.
func (s Severity) IsBlocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Rule names a policy module may define. A module defines either or both.
const (
	// RuleRisk is a partial set of risk objects raised against a selected candidate.
	RuleRisk = "risk"

	// RuleDeny is a partial set of violations raised against a plan.
	RuleDeny = "deny"
)

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for plan violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with terradev.
	Builtin bool `json:"builtin"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// CreatedAt is when the policy was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the policy was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// Thresholds parameterize the built-in risk policies.
type Thresholds struct {
	// HighCost is the hourly price above which a cost risk is raised.
	HighCost float64 `json:"high_cost"`

	// Availability is the SLA below which an availability risk is raised.
	Availability float64 `json:"availability"`

	// AvailabilityHigh is the SLA at or below which the availability risk is high.
	AvailabilityHigh float64 `json:"availability_high"`

	// LesserKnownProviders raise a provider risk.
	LesserKnownProviders []string `json:"lesser_known_providers"`
}

// DefaultThresholds returns the thresholds used when none are configured.
func DefaultThresholds() Thresholds {
	return Thresholds{
		HighCost:             2.0,
		Availability:         0.99,
		AvailabilityHigh:     0.95,
		LesserKnownProviders: []string{"vastai", "tensor_dock"},
	}
}

// CandidateInput is the policy input for risk evaluation. Availability and latency
// are already resolved to their defaults.
type CandidateInput struct {
	Provider     string  `json:"provider"`
	InstanceType string  `json:"instance_type"`
	GPUType      string  `json:"gpu_type"`
	GPUMemoryGB  float64 `json:"gpu_memory_gb"`
	PricePerHour float64 `json:"price_per_hour"`
	Availability float64 `json:"availability"`
	LatencyMs    float64 `json:"latency_ms"`
	Region       string  `json:"region"`
}

// RiskInput is the input document for the risk rule.
type RiskInput struct {
	Candidate  CandidateInput `json:"candidate"`
	Thresholds Thresholds     `json:"thresholds"`

	// Display holds preformatted values for messages.
	Display map[string]string `json:"display"`

	Context *PolicyContext `json:"context"`
}

// PlanInput is the input document for the deny rule.
type PlanInput struct {
	Plan    *engine.Plan   `json:"plan"`
	Context *PolicyContext `json:"context"`
}

// PolicyContext provides context information for policy evaluation.
type PolicyContext struct {
	// Actor is the user or system performing the operation.
	Actor string `json:"actor,omitempty"`

	// Job is the job being provisioned, when known.
	Job string `json:"job,omitempty"`

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`

	// DryRun indicates if this is a dry-run evaluation.
	DryRun bool `json:"dry_run"`

	// Metadata contains additional context metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// PolicyViolation represents a single plan policy violation.
type PolicyViolation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`

	// Details contains additional violation details.
	Details map[string]interface{} `json:"details,omitempty"`
}

// PolicyResult represents the result of plan policy evaluation.
type PolicyResult struct {
	// Allowed indicates if the plan may proceed.
	Allowed bool `json:"allowed"`

	// Violations lists blocking violations.
	Violations []PolicyViolation `json:"violations,omitempty"`

	// Warnings lists non-blocking violations and evaluation failures.
	Warnings []PolicyViolation `json:"warnings,omitempty"`

	// EvaluatedAt is when the policy was evaluated.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Messages returns the violation messages of r.
func (r *PolicyResult) Messages() []string {
	out := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		out = append(out, v.Policy+": "+v.Message)
	}
	return out
}
