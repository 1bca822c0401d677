// Package operations runs permission-scoped IaC operations with state snapshots.
//
// Each mode requires a fixed set of permission scopes. An operation whose
// scopes are not all granted fails before anything runs. Plan, Apply and
// Destroy snapshot the backend state first under the key pre-{mode}-{id};
// Rollback restores exactly that snapshot. A pinned plan operation cannot be
// applied. Executor timeouts fail the operation and clear the state lock.
//
// Operation failures are reported in the returned engine.Operation (status,
// stderr and error code). A returned error means the store failed or the
// referenced operation does not exist.
//
// Usage:
//
//	m := operations.NewManager(store, operations.NewLocalExecutor("terraform"),
//		operations.NewLocalStateBackend(), opts, logger)
//	plan, err := m.Plan(ctx, operations.PlanOptions{})
//	apply, err := m.Apply(ctx, operations.ApplyOptions{FromOperationID: plan.ID, AutoApprove: true})
//	rb, err := m.Rollback(ctx, apply.ID)
package operations
