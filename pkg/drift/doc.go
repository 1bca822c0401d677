// Package drift compares a job's manifest with what providers report.
//
// Detection loads the manifest, queries every provider it references in
// parallel, and classifies the consolidated live snapshot:
//
//   - missing: a manifest node with no live instance of the same id
//   - drifted: a live instance whose status, GPU count, GPU type or region differs
//   - extra: a live instance tagged with the job that the manifest does not declare
//
// A failing provider never aborts a pass. Its nodes show up as missing and the
// failure is recorded in the report's ProviderErrors.
package drift
