// Package reconcile brings live provider state back in line with a manifest.
//
// FixDrift repairs the drift found by a detection pass and re-detects to decide
// between fixed and partial. Rollback converges a job onto an earlier manifest
// version by terminating everything the job runs and recreating the target's
// nodes. Both fan out with engine.ParallelEach and never abort a batch on a single
// failed call; failures are collected in the result instead.
//
// Recreated nodes receive fresh provider-assigned ids. The drift detector matches
// them back to their manifest nodes by spec, so a repaired job reports no drift on
// the next pass.
package reconcile
