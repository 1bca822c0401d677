package engine

import (
	"fmt"
)

// OperationMode is the kind of IaC operation being run.
type OperationMode string

const (
	// ModeReadOnly inspects state without planning changes.
	ModeReadOnly OperationMode = "read_only"

	// ModeDryRun validates the configuration without touching state.
	ModeDryRun OperationMode = "dry_run"

	// ModePlan computes the changes an apply would make.
	ModePlan OperationMode = "plan"

	// ModeApply applies changes to live infrastructure.
	ModeApply OperationMode = "apply"

	// ModeDestroy tears down managed infrastructure.
	ModeDestroy OperationMode = "destroy"

	// ModeRollback restores state captured before an earlier operation.
	ModeRollback OperationMode = "rollback"
)

// IsMutating returns true if the mode changes state and therefore takes a snapshot first.
func (m OperationMode) IsMutating() bool {
	return m == ModePlan || m == ModeApply || m == ModeDestroy
}

// Validate checks if the mode is valid.
func (m OperationMode) Validate() error {
	switch m {
	case ModeReadOnly, ModeDryRun, ModePlan, ModeApply, ModeDestroy, ModeRollback:
		return nil
	default:
		return fmt.Errorf("invalid operation mode: %s", m)
	}
}

// RequiredPermissions returns the scopes an operation in this mode needs.
func (m OperationMode) RequiredPermissions() []PermissionScope {
	switch m {
	case ModeReadOnly:
		return []PermissionScope{PermissionReadOnly}
	case ModeDryRun:
		return []PermissionScope{PermissionReadOnly, PermissionDryRun}
	case ModePlan:
		return []PermissionScope{PermissionReadOnly, PermissionPlanOnly}
	case ModeApply:
		return []PermissionScope{PermissionReadOnly, PermissionPlanOnly, PermissionApply}
	case ModeDestroy:
		return []PermissionScope{PermissionReadOnly, PermissionDestroy}
	case ModeRollback:
		return []PermissionScope{PermissionReadOnly, PermissionModifyState}
	default:
		return nil
	}
}

// OperationStatus is the lifecycle state of an operation.
type OperationStatus string

const (
	// OperationPending indicates the operation has been created but not started.
	OperationPending OperationStatus = "pending"

	// OperationRunning indicates the executor is running.
	OperationRunning OperationStatus = "running"

	// OperationSuccess indicates the executor exited zero.
	OperationSuccess OperationStatus = "success"

	// OperationFailed indicates a permission, snapshot, executor or timeout failure.
	OperationFailed OperationStatus = "failed"

	// OperationCancelled indicates the operation was blocked before execution, e.g. by a pin.
	OperationCancelled OperationStatus = "cancelled"

	// OperationRolledBack indicates a later rollback operation restored this operation's pre-state.
	OperationRolledBack OperationStatus = "rolled_back"
)

// IsTerminal returns true if the status is a final state.
func (s OperationStatus) IsTerminal() bool {
	return s == OperationSuccess || s == OperationFailed ||
		s == OperationCancelled || s == OperationRolledBack
}

// Validate checks if the status is valid.
func (s OperationStatus) Validate() error {
	switch s {
	case OperationPending, OperationRunning, OperationSuccess,
		OperationFailed, OperationCancelled, OperationRolledBack:
		return nil
	default:
		return fmt.Errorf("invalid operation status: %s", s)
	}
}

// PermissionScope is a capability an operation may require.
type PermissionScope string

const (
	PermissionReadOnly    PermissionScope = "read_only"
	PermissionDryRun      PermissionScope = "dry_run"
	PermissionPlanOnly    PermissionScope = "plan_only"
	PermissionApply       PermissionScope = "apply"
	PermissionDestroy     PermissionScope = "destroy"
	PermissionModifyState PermissionScope = "modify_state"
)

// Validate checks if the scope is valid.
func (p PermissionScope) Validate() error {
	switch p {
	case PermissionReadOnly, PermissionDryRun, PermissionPlanOnly,
		PermissionApply, PermissionDestroy, PermissionModifyState:
		return nil
	default:
		return fmt.Errorf("invalid permission scope: %s", p)
	}
}

// ScopeStrings converts scopes to plain strings.
func ScopeStrings(scopes []PermissionScope) []string {
	out := make([]string, len(scopes))
	for i, s := range scopes {
		out[i] = string(s)
	}
	return out
}

// DecisionType classifies a decision log.
type DecisionType string

const (
	DecisionProviderSelection       DecisionType = "provider_selection"
	DecisionInstanceSelection       DecisionType = "instance_selection"
	DecisionRegionSelection         DecisionType = "region_selection"
	DecisionCostOptimization        DecisionType = "cost_optimization"
	DecisionPerformanceOptimization DecisionType = "performance_optimization"
	DecisionAvailabilityCheck       DecisionType = "availability_check"
	DecisionRiskAssessment          DecisionType = "risk_assessment"
	DecisionPermissionCheck         DecisionType = "permission_check"
)

// RiskSeverity grades a decision risk.
type RiskSeverity string

const (
	RiskSeverityLow    RiskSeverity = "low"
	RiskSeverityMedium RiskSeverity = "medium"
	RiskSeverityHigh   RiskSeverity = "high"
)

// FixStatus is the outcome of a drift repair or rollback.
type FixStatus string

const (
	// FixNoDrift indicates nothing needed repair; no side effects were performed.
	FixNoDrift FixStatus = "no_drift"

	// FixFixed indicates the final report showed no drifted and no missing nodes.
	FixFixed FixStatus = "fixed"

	// FixPartial indicates some repairs failed or did not converge.
	FixPartial FixStatus = "partial"

	// FixRolledBack indicates a rollback converged on the target version.
	FixRolledBack FixStatus = "rolled_back"
)

// AuditEvent is the type of an audit entry.
type AuditEvent string

const (
	AuditDecisionMade       AuditEvent = "decision_made"
	AuditOperationStarted   AuditEvent = "operation_started"
	AuditOperationCompleted AuditEvent = "operation_completed"
	AuditStateChanged       AuditEvent = "state_changed"
	AuditPermissionChecked  AuditEvent = "permission_checked"
	AuditRollbackExecuted   AuditEvent = "rollback_executed"
	AuditPinnedOperation    AuditEvent = "pinned_operation"
	AuditErrorOccurred      AuditEvent = "error_occurred"
)

// Validate checks if the event type is valid.
func (e AuditEvent) Validate() error {
	switch e {
	case AuditDecisionMade, AuditOperationStarted, AuditOperationCompleted,
		AuditStateChanged, AuditPermissionChecked, AuditRollbackExecuted,
		AuditPinnedOperation, AuditErrorOccurred:
		return nil
	default:
		return fmt.Errorf("invalid audit event: %s", e)
	}
}

// ComplianceStatus is derived from a trail's risk score and failure count.
type ComplianceStatus string

const (
	ComplianceInProgress   ComplianceStatus = "in_progress"
	ComplianceCompliant    ComplianceStatus = "compliant"
	ComplianceWarning      ComplianceStatus = "warning"
	ComplianceNonCompliant ComplianceStatus = "non_compliant"
)
