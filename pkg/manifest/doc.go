// Package manifest records the desired state of every job as an append-only
// history of versioned manifests.
//
// A manifest version is written once and never overwritten. Reads without a
// version resolve to the most recently created manifest, with ties broken by
// insertion order. Persistence is delegated to a Repository, normally a
// stores.SQLiteStore.
//
// DatasetHash fingerprints the dataset a job trains on so drift detection can
// notice when it changes.
package manifest
