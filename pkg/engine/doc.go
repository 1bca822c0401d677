// Package engine provides the core types and interfaces shared by the terradev
// components.
//
// # Overview
//
// terradev provisions GPU training jobs across several cloud providers and keeps
// them in line with what was provisioned. The flow is:
//
//  1. Decide - score candidates and select an instance (DecisionLog)
//  2. Plan - turn decisions into a Plan with cost and risk (Plan)
//  3. Operate - run permission-scoped IaC operations (Operation)
//  4. Record - store the provisioned nodes as a versioned Manifest
//  5. Drift - compare a Manifest with live provider state (DriftReport)
//  6. Audit - record every step in an append-only trail (AuditTrail)
//
// # Interfaces
//
// The packages built on engine meet external systems through narrow interfaces:
//
//   - ProviderGateway: list, terminate and create instances per provider
//   - Executor: run an IaC command with a timeout
//   - StateBackend: capture and restore executor state
//   - CandidateSource: pull pricing candidates for requirements
//
// # Error Classification
//
// Errors are classified for retry decisions:
//
//   - Transient: Temporary failures that may succeed on retry
//   - Throttled: Rate limiting that requires backoff
//   - Conflict: Conflicting state requiring a retry or operator action
//   - Permanent: Non-recoverable errors
//
// Each EngineError also carries a machine-readable code such as
// ErrCodeManifestNotFound or ErrCodePermissionDenied:
//
//	if engine.IsNotFound(err) {
//	    // report the missing manifest, version or snapshot
//	}
//
// # Fan-out
//
// ParallelEach runs a function over items with a bounded worker pool and a
// per-unit timeout. A failing unit never cancels its siblings, so drift
// detection and repair can report every provider's outcome in one pass.
package engine
