package manifest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/terradev/terradev/pkg/config"
	"github.com/terradev/terradev/pkg/engine"
	"github.com/terradev/terradev/pkg/stores"
)

// Repository is the persistence the manifest store needs. stores.SQLiteStore
// implements it.
type Repository interface {
	InsertManifest(ctx context.Context, m *engine.Manifest) error
	GetManifest(ctx context.Context, job, version string) (*engine.Manifest, error)
	LatestManifest(ctx context.Context, job string) (*engine.Manifest, error)
	ListManifestVersions(ctx context.Context, job string) ([]string, error)
	DeleteManifest(ctx context.Context, job, version string) (bool, error)
	ListJobs(ctx context.Context) ([]string, error)
	Path() string
}

// Store is the append-only history of desired state per job.
type Store struct {
	repo   Repository
	parser *config.CUEParser
	logger zerolog.Logger

	// now is replaced in tests.
	now func() time.Time
}

// NewStore creates a manifest store over repo.
func NewStore(repo Repository, logger zerolog.Logger) *Store {
	return &Store{
		repo:   repo,
		parser: config.NewCUEParser(),
		logger: logger.With().Str("component", "manifest-store").Logger(),
		now:    time.Now,
	}
}

// Put validates and records a new manifest version and returns its location.
// CreatedAt is assigned when zero. An existing (job, version) pair is never
// overwritten; Put fails with ALREADY_EXISTS instead.
func (s *Store) Put(ctx context.Context, m *engine.Manifest) (string, error) {
	if m == nil {
		return "", engine.NewPermanentError("manifest is nil", nil).WithCode(engine.ErrCodeValidation)
	}

	rec := *m
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}

	if err := s.Validate(ctx, &rec); err != nil {
		return "", engine.NewPermanentError("invalid manifest", err).
			WithCode(engine.ErrCodeValidation).
			WithResource(rec.Job)
	}

	if err := s.repo.InsertManifest(ctx, &rec); err != nil {
		if errors.Is(err, stores.ErrAlreadyExists) {
			return "", engine.NewConflictError(
				fmt.Sprintf("manifest %s/%s already exists", rec.Job, rec.Version), err).
				WithCode(engine.ErrCodeAlreadyExists).
				WithResource(rec.Job)
		}
		return "", fmt.Errorf("failed to store manifest: %w", err)
	}

	m.CreatedAt = rec.CreatedAt
	location := s.Location(rec.Job, rec.Version)

	s.logger.Info().
		Str("job", rec.Job).
		Str("version", rec.Version).
		Int("nodes", len(rec.Nodes)).
		Str("location", location).
		Msg("Manifest stored")

	return location, nil
}

// Get returns the manifest for job at version, or the most recently created one when
// version is empty. It never returns an empty manifest: an absent job fails with
// MANIFEST_NOT_FOUND and an absent version with VERSION_NOT_FOUND, both NotFound.
func (s *Store) Get(ctx context.Context, job, version string) (*engine.Manifest, error) {
	var (
		m   *engine.Manifest
		err error
	)
	if version == "" {
		m, err = s.repo.LatestManifest(ctx, job)
	} else {
		m, err = s.repo.GetManifest(ctx, job, version)
	}

	if errors.Is(err, stores.ErrNotFound) {
		if version == "" {
			return nil, engine.NewNotFoundError(engine.ErrCodeManifestNotFound,
				fmt.Sprintf("no manifest found for job %s", job)).WithResource(job)
		}
		return nil, engine.NewNotFoundError(engine.ErrCodeVersionNotFound,
			fmt.Sprintf("no manifest version %s for job %s", version, job)).WithResource(job)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load manifest: %w", err)
	}

	return m, nil
}

// ListVersions returns a job's versions, newest first.
func (s *Store) ListVersions(ctx context.Context, job string) ([]string, error) {
	versions, err := s.repo.ListManifestVersions(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}
	return versions, nil
}

// ListJobs returns every job with at least one manifest.
func (s *Store) ListJobs(ctx context.Context) ([]string, error) {
	jobs, err := s.repo.ListJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// Delete removes one version and reports whether it existed.
func (s *Store) Delete(ctx context.Context, job, version string) (bool, error) {
	ok, err := s.repo.DeleteManifest(ctx, job, version)
	if err != nil {
		return false, fmt.Errorf("failed to delete manifest: %w", err)
	}
	if ok {
		s.logger.Info().Str("job", job).Str("version", version).Msg("Manifest deleted")
	}
	return ok, nil
}

// Validate checks struct rules and the #Manifest schema.
func (s *Store) Validate(ctx context.Context, m *engine.Manifest) error {
	return s.parser.ValidateManifest(ctx, m)
}

// LoadFile reads a manifest from a .json or .cue file.
func (s *Store) LoadFile(ctx context.Context, path string) (*engine.Manifest, error) {
	if !config.IsManifestFile(path) {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("unsupported manifest file %s: expected .json or .cue", path), nil).
			WithCode(engine.ErrCodeValidation)
	}
	return s.parser.LoadManifestFile(ctx, path)
}

// Location returns the stable address of a stored version.
func (s *Store) Location(job, version string) string {
	return fmt.Sprintf("sqlite://%s#%s/%s", s.repo.Path(), job, version)
}
