package operations

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/terradev/terradev/pkg/engine"
)

// Default terraform state artifacts.
const (
	DefaultStateFile = "terraform.tfstate"
	DefaultLockFile  = ".terraform.tfstate.lock.info"
)

// LocalStateBackend reads and writes the state file in a local work dir.
type LocalStateBackend struct {
	StateFile string
	LockFile  string
}

// NewLocalStateBackend creates a backend for the default terraform file names.
func NewLocalStateBackend() *LocalStateBackend {
	return &LocalStateBackend{StateFile: DefaultStateFile, LockFile: DefaultLockFile}
}

// Capture returns the current state, or engine.ErrNoState if the file is absent.
func (b *LocalStateBackend) Capture(ctx context.Context, workDir string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(workDir, b.StateFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, engine.ErrNoState
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state: %w", err)
	}
	return data, nil
}

// Restore replaces the state file with data. The write goes through a
// temporary file so a crash never leaves a truncated state behind.
func (b *LocalStateBackend) Restore(ctx context.Context, workDir string, data []byte) error {
	path := filepath.Join(workDir, b.StateFile)

	tmp, err := os.CreateTemp(workDir, ".tfstate-restore-*")
	if err != nil {
		return fmt.Errorf("failed to create temp state: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp state: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return fmt.Errorf("failed to chmod temp state: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace state: %w", err)
	}
	return nil
}

// ClearLock removes a lock file left behind by an interrupted run.
func (b *LocalStateBackend) ClearLock(ctx context.Context, workDir string) error {
	err := os.Remove(filepath.Join(workDir, b.LockFile))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove lock: %w", err)
	}
	return nil
}
