package audit

import (
	"context"
	"errors"

	"github.com/terradev/terradev/pkg/engine"
	"github.com/terradev/terradev/pkg/reconcile"
)

// ReconcileRecorder writes one audit trail per drift repair or rollback. It
// implements reconcile.Recorder.
type ReconcileRecorder struct {
	rec   *Recorder
	actor string
}

var _ reconcile.Recorder = (*ReconcileRecorder)(nil)

// NewReconcileRecorder creates a reconcile.Recorder attributing entries to actor.
func NewReconcileRecorder(rec *Recorder, actor string) *ReconcileRecorder {
	if actor == "" {
		actor = "reconciler"
	}
	return &ReconcileRecorder{rec: rec, actor: actor}
}

// RecordFix records the terminated and recreated instances of a repair as a
// state change, and every failed action as an error.
func (r *ReconcileRecorder) RecordFix(ctx context.Context, result *reconcile.FixResult) error {
	trail, err := r.rec.StartTrail(ctx, r.actor, "drift_fix")
	if err != nil {
		return err
	}

	ref := result.Job + "@" + result.Version
	_, err = trail.LogStateChange(ctx, r.actor, ref,
		result.InitialReport, result.FinalReport, changedIDs(result.Terminated, result.Recreated))
	if err != nil {
		return err
	}

	if err := r.logFailures(ctx, trail, ref, result.Failures); err != nil {
		return err
	}
	_, err = trail.Finish(ctx)
	return err
}

// RecordRollback records a manifest rollback from the latest version to the target.
func (r *ReconcileRecorder) RecordRollback(ctx context.Context, result *reconcile.RollbackResult) error {
	trail, err := r.rec.StartTrail(ctx, r.actor, "rollback")
	if err != nil {
		return err
	}

	ref := result.Job + "@" + result.TargetVersion
	_, err = trail.LogRollback(ctx, r.actor, RollbackRecord{
		OriginalOperationID: result.Job + "@" + result.FromVersion,
		RollbackOperationID: ref,
		Status:              string(result.Status),
		ResourcesAffected:   len(result.Terminated) + len(result.Recreated),
		DurationSeconds:     result.CompletedAt.Sub(result.StartedAt).Seconds(),
	})
	if err != nil {
		return err
	}

	if err := r.logFailures(ctx, trail, ref, result.Failures); err != nil {
		return err
	}
	_, err = trail.Finish(ctx)
	return err
}

func (r *ReconcileRecorder) logFailures(ctx context.Context, trail *Trail, ref string, failures []reconcile.Failure) error {
	var errs []error
	for _, f := range failures {
		_, err := trail.AddEntry(ctx, Entry{
			EventType:    engine.AuditErrorOccurred,
			Actor:        r.actor,
			OperationID:  ref,
			ResourceType: f.Provider,
			ResourceID:   f.NodeID,
			Details: map[string]interface{}{
				"action":        f.Action,
				"error_message": f.Error,
			},
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func changedIDs(terminated []string, recreated []engine.LiveInstance) []string {
	out := make([]string, 0, len(terminated)+len(recreated))
	out = append(out, terminated...)
	for _, inst := range recreated {
		out = append(out, inst.ID)
	}
	return out
}
