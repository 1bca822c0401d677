package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/terradev/terradev/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	// Every connection to :memory: opens a distinct database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		path: cfg.Path,
		cfg:  cfg,
	}, nil
}

// Open creates, initializes and migrates a store in one call.
func Open(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Path returns the database path the store was opened with.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// InsertManifest stores a new manifest version. An existing (job, version) pair is never overwritten.
func (s *SQLiteStore) InsertManifest(ctx context.Context, m *engine.Manifest) error {
	doc, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}

	query := `
		INSERT INTO manifests (job, version, created_at_ns, document)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (job, version) DO NOTHING
	`

	result, err := s.db.ExecContext(ctx, query, m.Job, m.Version, m.CreatedAt.UnixNano(), string(doc))
	if err != nil {
		return fmt.Errorf("failed to insert manifest: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("manifest %s/%s: %w", m.Job, m.Version, ErrAlreadyExists)
	}

	return nil
}

// GetManifest retrieves a manifest by job and version
func (s *SQLiteStore) GetManifest(ctx context.Context, job, version string) (*engine.Manifest, error) {
	query := `SELECT document FROM manifests WHERE job = ? AND version = ?`
	return s.scanManifest(s.db.QueryRowContext(ctx, query, job, version), job+"/"+version)
}

// LatestManifest retrieves the most recently created manifest for a job.
func (s *SQLiteStore) LatestManifest(ctx context.Context, job string) (*engine.Manifest, error) {
	query := `
		SELECT document FROM manifests
		WHERE job = ?
		ORDER BY created_at_ns DESC, id DESC
		LIMIT 1
	`
	return s.scanManifest(s.db.QueryRowContext(ctx, query, job), job)
}

func (s *SQLiteStore) scanManifest(row *sql.Row, key string) (*engine.Manifest, error) {
	var doc string
	err := row.Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("manifest %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get manifest: %w", err)
	}

	m := &engine.Manifest{}
	if err := json.Unmarshal([]byte(doc), m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest %s: %w", key, err)
	}
	return m, nil
}

// ListManifestVersions lists a job's versions, newest first.
func (s *SQLiteStore) ListManifestVersions(ctx context.Context, job string) ([]string, error) {
	query := `
		SELECT version FROM manifests
		WHERE job = ?
		ORDER BY created_at_ns DESC, id DESC
	`

	rows, err := s.db.QueryContext(ctx, query, job)
	if err != nil {
		return nil, fmt.Errorf("failed to list manifest versions: %w", err)
	}
	defer rows.Close()

	versions := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan manifest version: %w", err)
		}
		versions = append(versions, v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating manifest versions: %w", err)
	}

	return versions, nil
}

// DeleteManifest deletes one manifest version and reports whether it existed.
func (s *SQLiteStore) DeleteManifest(ctx context.Context, job, version string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM manifests WHERE job = ? AND version = ?`, job, version)
	if err != nil {
		return false, fmt.Errorf("failed to delete manifest: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows > 0, nil
}

// ListJobs lists every job with at least one manifest.
func (s *SQLiteStore) ListJobs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT job FROM manifests ORDER BY job`)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []string{}
	for rows.Next() {
		var j string
		if err := rows.Scan(&j); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, j)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}

	return jobs, nil
}

// SaveOperation inserts or updates an operation record
func (s *SQLiteStore) SaveOperation(ctx context.Context, op *engine.Operation) error {
	doc, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("failed to encode operation: %w", err)
	}

	query := `
		INSERT INTO operations (id, mode, status, pinned, created_at_ns, document)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			pinned = excluded.pinned,
			document = excluded.document
	`

	_, err = s.db.ExecContext(ctx, query,
		op.ID,
		op.Mode,
		op.Status,
		boolToInt(op.PinEnabled),
		op.CreatedAt.UnixNano(),
		string(doc),
	)
	if err != nil {
		return fmt.Errorf("failed to save operation: %w", err)
	}

	return nil
}

// GetOperation retrieves an operation by ID
func (s *SQLiteStore) GetOperation(ctx context.Context, id string) (*engine.Operation, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM operations WHERE id = ?`, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("operation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get operation: %w", err)
	}

	op := &engine.Operation{}
	if err := json.Unmarshal([]byte(doc), op); err != nil {
		return nil, fmt.Errorf("failed to decode operation %s: %w", id, err)
	}
	return op, nil
}

// ListOperations lists operations in creation order with an optional mode filter
func (s *SQLiteStore) ListOperations(ctx context.Context, filter OperationFilter) ([]*engine.Operation, error) {
	var mode *string
	if filter.Mode != nil {
		m := string(*filter.Mode)
		mode = &m
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}

	query := `
		SELECT document FROM operations
		WHERE (? IS NULL OR mode = ?)
		ORDER BY created_at_ns ASC, rowid ASC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, mode, mode, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	defer rows.Close()

	ops := []*engine.Operation{}
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		op := &engine.Operation{}
		if err := json.Unmarshal([]byte(doc), op); err != nil {
			return nil, fmt.Errorf("failed to decode operation: %w", err)
		}
		ops = append(ops, op)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating operations: %w", err)
	}

	return ops, nil
}

// InsertSnapshot stores an immutable state snapshot
func (s *SQLiteStore) InsertSnapshot(ctx context.Context, snap *engine.StateSnapshot) error {
	query := `
		INSERT INTO snapshots (id, operation_id, mode, workspace, data, serial, lineage, created_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`

	result, err := s.db.ExecContext(ctx, query,
		snap.ID,
		snap.OperationID,
		snap.Mode,
		snap.Workspace,
		snap.Data,
		snap.Serial,
		snap.Lineage,
		snap.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("snapshot %s: %w", snap.ID, ErrAlreadyExists)
	}

	return nil
}

// GetSnapshot retrieves a snapshot by ID
func (s *SQLiteStore) GetSnapshot(ctx context.Context, id string) (*engine.StateSnapshot, error) {
	query := `
		SELECT id, operation_id, mode, workspace, data, serial, lineage, created_at_ns
		FROM snapshots
		WHERE id = ?
	`

	snap, err := scanSnapshot(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("snapshot %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return snap, nil
}

// ListSnapshots lists all snapshots, oldest first
func (s *SQLiteStore) ListSnapshots(ctx context.Context) ([]*engine.StateSnapshot, error) {
	query := `
		SELECT id, operation_id, mode, workspace, data, serial, lineage, created_at_ns
		FROM snapshots
		ORDER BY created_at_ns ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	snaps := []*engine.StateSnapshot{}
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snaps = append(snaps, snap)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshots: %w", err)
	}

	return snaps, nil
}

// DeleteSnapshot deletes a snapshot by ID
func (s *SQLiteStore) DeleteSnapshot(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("snapshot %s: %w", id, ErrNotFound)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSnapshot(row rowScanner) (*engine.StateSnapshot, error) {
	snap := &engine.StateSnapshot{}
	var mode string
	var createdNs int64
	err := row.Scan(
		&snap.ID,
		&snap.OperationID,
		&mode,
		&snap.Workspace,
		&snap.Data,
		&snap.Serial,
		&snap.Lineage,
		&createdNs,
	)
	if err != nil {
		return nil, err
	}
	snap.Mode = engine.OperationMode(mode)
	snap.CreatedAt = time.Unix(0, createdNs).UTC()
	return snap, nil
}

// CreateTrail stores a newly opened audit trail
func (s *SQLiteStore) CreateTrail(ctx context.Context, trail *engine.AuditTrail) error {
	summary, err := json.Marshal(trail.Summary)
	if err != nil {
		return fmt.Errorf("failed to encode trail summary: %w", err)
	}

	query := `
		INSERT INTO audit_trails (trail_id, created_at_ns, summary, compliance_status, risk_score, finished)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		trail.TrailID,
		trail.CreatedAt.UnixNano(),
		string(summary),
		trail.ComplianceStatus,
		trail.RiskScore,
		boolToInt(trail.Finished),
	)
	if err != nil {
		return fmt.Errorf("failed to create trail: %w", err)
	}

	return nil
}

// UpdateTrail updates the derived fields of a trail. Entries are never touched.
func (s *SQLiteStore) UpdateTrail(ctx context.Context, trail *engine.AuditTrail) error {
	summary, err := json.Marshal(trail.Summary)
	if err != nil {
		return fmt.Errorf("failed to encode trail summary: %w", err)
	}

	query := `
		UPDATE audit_trails
		SET summary = ?, compliance_status = ?, risk_score = ?, finished = ?
		WHERE trail_id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		string(summary),
		trail.ComplianceStatus,
		trail.RiskScore,
		boolToInt(trail.Finished),
		trail.TrailID,
	)
	if err != nil {
		return fmt.Errorf("failed to update trail: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("trail %s: %w", trail.TrailID, ErrNotFound)
	}

	return nil
}

// AppendAuditEntry appends an entry to a trail and returns its sequence number
func (s *SQLiteStore) AppendAuditEntry(ctx context.Context, entry *engine.AuditEntry) (int64, error) {
	doc, err := json.Marshal(entry)
	if err != nil {
		return 0, fmt.Errorf("failed to encode audit entry: %w", err)
	}

	query := `
		INSERT INTO audit_entries (entry_id, trail_id, event_type, actor, timestamp_ns, document)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		entry.EntryID,
		entry.TrailID,
		entry.EventType,
		entry.Actor,
		entry.Timestamp.UnixNano(),
		string(doc),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create audit entry: %w", err)
	}

	// Get the auto-generated ID
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get audit entry ID: %w", err)
	}

	return id, nil
}

// GetTrail retrieves a trail with all of its entries in append order
func (s *SQLiteStore) GetTrail(ctx context.Context, trailID string) (*engine.AuditTrail, error) {
	query := `
		SELECT trail_id, created_at_ns, summary, compliance_status, risk_score, finished
		FROM audit_trails
		WHERE trail_id = ?
	`

	trail, err := scanTrail(s.db.QueryRowContext(ctx, query, trailID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("trail %s: %w", trailID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trail: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT document FROM audit_entries WHERE trail_id = ? ORDER BY id ASC`, trailID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		var entry engine.AuditEntry
		if err := json.Unmarshal([]byte(doc), &entry); err != nil {
			return nil, fmt.Errorf("failed to decode audit entry: %w", err)
		}
		trail.Entries = append(trail.Entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return trail, nil
}

// ListTrails lists trails newest first without their entries
func (s *SQLiteStore) ListTrails(ctx context.Context, limit, offset int) ([]*engine.AuditTrail, error) {
	if limit <= 0 {
		limit = -1
	}

	query := `
		SELECT trail_id, created_at_ns, summary, compliance_status, risk_score, finished
		FROM audit_trails
		ORDER BY created_at_ns DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list trails: %w", err)
	}
	defer rows.Close()

	trails := []*engine.AuditTrail{}
	for rows.Next() {
		trail, err := scanTrail(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trail: %w", err)
		}
		trails = append(trails, trail)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trails: %w", err)
	}

	return trails, nil
}

func scanTrail(row rowScanner) (*engine.AuditTrail, error) {
	trail := &engine.AuditTrail{}
	var createdNs int64
	var summary, compliance string
	var finished int
	if err := row.Scan(&trail.TrailID, &createdNs, &summary, &compliance, &trail.RiskScore, &finished); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(summary), &trail.Summary); err != nil {
		return nil, fmt.Errorf("failed to decode trail summary: %w", err)
	}
	trail.CreatedAt = time.Unix(0, createdNs).UTC()
	trail.ComplianceStatus = engine.ComplianceStatus(compliance)
	trail.Finished = finished != 0
	return trail, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
