package stores

import (
	"context"
	"errors"

	"github.com/terradev/terradev/pkg/engine"
)

var (
	// ErrNotFound is wrapped by every lookup that finds no row.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is wrapped by inserts into append-only tables that hit an existing key.
	ErrAlreadyExists = errors.New("already exists")
)

// OperationFilter narrows ListOperations.
type OperationFilter struct {
	Mode  *engine.OperationMode
	Limit int
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Manifest operations. Manifests are append-only: there is no update.
	InsertManifest(ctx context.Context, m *engine.Manifest) error
	GetManifest(ctx context.Context, job, version string) (*engine.Manifest, error)
	LatestManifest(ctx context.Context, job string) (*engine.Manifest, error)
	ListManifestVersions(ctx context.Context, job string) ([]string, error)
	DeleteManifest(ctx context.Context, job, version string) (bool, error)
	ListJobs(ctx context.Context) ([]string, error)

	// Operation operations
	SaveOperation(ctx context.Context, op *engine.Operation) error
	GetOperation(ctx context.Context, id string) (*engine.Operation, error)
	ListOperations(ctx context.Context, filter OperationFilter) ([]*engine.Operation, error)

	// Snapshot operations. Snapshots are immutable once inserted.
	InsertSnapshot(ctx context.Context, snap *engine.StateSnapshot) error
	GetSnapshot(ctx context.Context, id string) (*engine.StateSnapshot, error)
	ListSnapshots(ctx context.Context) ([]*engine.StateSnapshot, error)
	DeleteSnapshot(ctx context.Context, id string) error

	// Audit operations. Entries are append-only.
	CreateTrail(ctx context.Context, trail *engine.AuditTrail) error
	UpdateTrail(ctx context.Context, trail *engine.AuditTrail) error
	AppendAuditEntry(ctx context.Context, entry *engine.AuditEntry) (int64, error)
	GetTrail(ctx context.Context, trailID string) (*engine.AuditTrail, error)
	ListTrails(ctx context.Context, limit, offset int) ([]*engine.AuditTrail, error)

	// Utility
	HealthCheck(ctx context.Context) error
	Path() string
}
