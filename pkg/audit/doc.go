// Package audit records append-only audit trails of decisions, operations,
// permission checks, state changes, rollbacks and pins.
//
// A trail is an explicit handle returned by Recorder.StartTrail. Entries are
// persisted as they are added and the trail's summary, risk score and
// compliance status are recomputed after every entry. Finish adds the
// completion entry and closes the handle; later AddEntry calls fail with
// ErrTrailClosed. Independent trails may be written concurrently.
//
// Usage:
//
//	rec := audit.NewRecorder(store, metrics, logger)
//	trail, err := rec.StartTrail(ctx, "admin", "provision")
//	_, err = trail.LogDecision(ctx, "admin", decision, "")
//	summary, err := trail.Finish(ctx)
//	err = rec.Export(ctx, trail.ID, audit.NewFileExporter(".terradev/audit"))
package audit
