package audit

import (
	"context"
	"time"

	"github.com/terradev/terradev/pkg/decision"
	"github.com/terradev/terradev/pkg/engine"
)

// RollbackRecord describes a rollback for LogRollback.
type RollbackRecord struct {
	OriginalOperationID string
	RollbackOperationID string
	Status              string
	ResourcesAffected   int
	DurationSeconds     float64
}

// LogDecision records an instance selection with its alternatives, factors and
// risk. operationID may be empty when no operation has been created yet.
func (t *Trail) LogDecision(ctx context.Context, actor string, d *engine.DecisionLog, operationID string) (string, error) {
	selected := d.Selected.Candidate
	alternatives := make([]map[string]interface{}, 0, len(d.Alternatives))
	for _, alt := range d.Alternatives {
		alternatives = append(alternatives, map[string]interface{}{
			"name":  alt.Candidate.Key(),
			"type":  decision.ResourceType,
			"score": alt.Score,
		})
	}
	factors := make([]map[string]interface{}, 0, len(d.Selected.Factors))
	for _, f := range d.Selected.Factors {
		factors = append(factors, map[string]interface{}{
			"name":   f.Name,
			"value":  f.Value,
			"weight": f.Weight,
			"reason": f.Reason,
		})
	}

	highRisks := make([]string, 0)
	for _, r := range d.Risks {
		if r.Severity == engine.RiskSeverityHigh {
			highRisks = append(highRisks, r.Type)
		}
	}

	return t.AddEntry(ctx, Entry{
		EventType:    engine.AuditDecisionMade,
		Actor:        actor,
		OperationID:  operationID,
		ResourceType: decision.ResourceType,
		ResourceID:   selected.Key(),
		Details: map[string]interface{}{
			"decision_id":   d.DecisionID,
			"decision_type": string(d.Type),
			"selected_option": map[string]interface{}{
				"name":           selected.Key(),
				"provider":       selected.Provider,
				"instance_type":  selected.InstanceType,
				"price_per_hour": selected.PricePerHour,
				"score":          d.Selected.Score,
			},
			"alternatives":       alternatives,
			"factors":            factors,
			"alternatives_count": len(alternatives),
			"confidence":         d.Confidence,
		},
		DecisionReasoning:   d.Reasoning,
		PermissionsRequired: engine.ScopeStrings(d.Permissions),
		RiskAssessment: map[string]interface{}{
			"total_risk_score": decision.PlanRisk([]*engine.DecisionLog{d}),
			"high_risk_items":  highRisks,
		},
		RollbackAvailable: true,
		Metadata: map[string]interface{}{
			"why_this_instance":  d.Reasoning,
			"factors_considered": len(factors),
		},
	})
}

// LogOperation records a finished operation. Failed and cancelled operations
// are recorded as error_occurred.
func (t *Trail) LogOperation(ctx context.Context, actor string, op *engine.Operation) (string, error) {
	event := engine.AuditOperationCompleted
	var errMsg interface{}
	if op.Status == engine.OperationFailed || op.Status == engine.OperationCancelled {
		event = engine.AuditErrorOccurred
		msg := op.Stderr
		if msg == "" {
			msg = op.ErrorCode
		}
		errMsg = msg
	}

	return t.AddEntry(ctx, Entry{
		EventType:   event,
		Actor:       actor,
		OperationID: op.ID,
		Details: map[string]interface{}{
			"operation_type":     string(op.Mode),
			"status":             string(op.Status),
			"resources_affected": op.ResourcesAffected,
			"cost_impact":        op.CostImpact,
			"duration_seconds":   op.DurationSeconds,
			"error_code":         op.ErrorCode,
			"error_message":      errMsg,
		},
		PermissionsRequired: engine.ScopeStrings(op.Mode.RequiredPermissions()),
		RollbackAvailable:   op.Status == engine.OperationSuccess && op.RollbackAvailable,
		Metadata: map[string]interface{}{
			"cost_impact":      op.CostImpact,
			"duration_seconds": op.DurationSeconds,
		},
	})
}

// LogRollback records a rollback of one operation or manifest version by another.
func (t *Trail) LogRollback(ctx context.Context, actor string, rb RollbackRecord) (string, error) {
	return t.AddEntry(ctx, Entry{
		EventType:   engine.AuditRollbackExecuted,
		Actor:       actor,
		OperationID: rb.RollbackOperationID,
		Details: map[string]interface{}{
			"original_operation_id": rb.OriginalOperationID,
			"rollback_operation_id": rb.RollbackOperationID,
			"status":                rb.Status,
			"resources_affected":    rb.ResourcesAffected,
			"duration_seconds":      rb.DurationSeconds,
		},
		PermissionsRequired: []string{string(engine.PermissionModifyState)},
		Metadata: map[string]interface{}{
			"original_operation": rb.OriginalOperationID,
		},
	})
}

// LogPermissionCheck records the outcome of a permission check. Any denied
// scope raises the trail risk.
func (t *Trail) LogPermissionCheck(ctx context.Context, actor, operationType string, required, granted, denied []string) (string, error) {
	if denied == nil {
		denied = []string{}
	}
	return t.AddEntry(ctx, Entry{
		EventType: engine.AuditPermissionChecked,
		Actor:     actor,
		Details: map[string]interface{}{
			"operation_type":       operationType,
			"permissions_required": required,
			"permissions_granted":  granted,
			"permissions_denied":   denied,
			"check_passed":         len(denied) == 0,
		},
		PermissionsRequired: required,
	})
}

// LogStateChange records a state transition with a line diff of before and after.
func (t *Trail) LogStateChange(ctx context.Context, actor, operationID string, before, after interface{}, changed []string) (string, error) {
	diff, err := engine.JSONDiff(before, after)
	if err != nil {
		return "", err
	}
	if changed == nil {
		changed = []string{}
	}
	return t.AddEntry(ctx, Entry{
		EventType:   engine.AuditStateChanged,
		Actor:       actor,
		OperationID: operationID,
		Details: map[string]interface{}{
			"operation_id":      operationID,
			"state_before":      before,
			"state_after":       after,
			"resources_changed": changed,
			"changes_count":     len(changed),
			"diff":              diff,
		},
		PermissionsRequired: []string{string(engine.PermissionModifyState)},
		RollbackAvailable:   true,
	})
}

// LogPin records that an operation was pinned.
func (t *Trail) LogPin(ctx context.Context, actor, operationID, reason string, permissions []string) (string, error) {
	return t.AddEntry(ctx, Entry{
		EventType:   engine.AuditPinnedOperation,
		Actor:       actor,
		OperationID: operationID,
		Details: map[string]interface{}{
			"operation_id": operationID,
			"pin_reason":   reason,
			"pinned_at":    t.rec.now().UTC().Format(time.RFC3339),
		},
		PermissionsRequired: permissions,
	})
}
