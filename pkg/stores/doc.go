// Package stores provides the persistence layer for terradev.
// It includes SQLite-based storage with WAL mode, connection pooling,
// and embedded migrations for manifests, operations, state snapshots,
// and audit trails.
package stores
