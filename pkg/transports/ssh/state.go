package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"

	"github.com/terradev/terradev/pkg/engine"
)

// StateBackend reads and writes the remote state file over SFTP. It implements
// engine.StateBackend. Remote paths are slash-separated.
type StateBackend struct {
	client    *Client
	StateFile string
	LockFile  string
}

// NewStateBackend creates a backend for the default terraform file names.
func NewStateBackend(client *Client) *StateBackend {
	return &StateBackend{
		client:    client,
		StateFile: "terraform.tfstate",
		LockFile:  ".terraform.tfstate.lock.info",
	}
}

// Capture downloads the state file, or returns engine.ErrNoState if it is absent.
func (b *StateBackend) Capture(ctx context.Context, workDir string) ([]byte, error) {
	sc, err := b.client.openSFTP(ctx)
	if err != nil {
		return nil, err
	}
	defer sc.Close()

	f, err := sc.Open(path.Join(workDir, b.StateFile))
	if isNotExist(err) {
		return nil, engine.ErrNoState
	}
	if err != nil {
		return nil, &TransportError{Op: "sftp-open", Err: err, IsTemporary: true}
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, &TransportError{Op: "sftp-read", Err: err, IsTemporary: true}
	}
	return data, nil
}

// Restore uploads data to a temporary file and renames it over the state file.
func (b *StateBackend) Restore(ctx context.Context, workDir string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	sc, err := b.client.openSFTP(ctx)
	if err != nil {
		return err
	}
	defer sc.Close()

	target := path.Join(workDir, b.StateFile)
	tmp := target + ".restore"

	f, err := sc.Create(tmp)
	if err != nil {
		return &TransportError{Op: "sftp-create", Err: err, IsTemporary: true}
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = sc.Remove(tmp)
		return &TransportError{Op: "sftp-write", Err: err, IsTemporary: true}
	}
	if err := f.Close(); err != nil {
		_ = sc.Remove(tmp)
		return &TransportError{Op: "sftp-write", Err: err, IsTemporary: true}
	}
	if err := sc.Chmod(tmp, 0o600); err != nil {
		log.Warn().Err(err).Str("path", tmp).Msg("failed to chmod restored state")
	}

	if err := replace(sc, tmp, target); err != nil {
		_ = sc.Remove(tmp)
		return &TransportError{Op: "sftp-rename", Err: fmt.Errorf("failed to replace state: %w", err)}
	}

	log.Info().Str("path", target).Int("bytes", len(data)).Msg("remote state restored")
	return nil
}

// ClearLock removes the remote lock file. A missing lock is not an error.
func (b *StateBackend) ClearLock(ctx context.Context, workDir string) error {
	sc, err := b.client.openSFTP(ctx)
	if err != nil {
		return err
	}
	defer sc.Close()

	err = sc.Remove(path.Join(workDir, b.LockFile))
	if err != nil && !isNotExist(err) {
		return &TransportError{Op: "sftp-remove", Err: err}
	}
	return nil
}

// replace renames tmp over target, falling back to remove-then-rename on
// servers without the posix-rename extension.
func replace(sc *sftp.Client, tmp, target string) error {
	if err := sc.PosixRename(tmp, target); err == nil {
		return nil
	}
	if err := sc.Remove(target); err != nil && !isNotExist(err) {
		return err
	}
	return sc.Rename(tmp, target)
}

func isNotExist(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, fs.ErrNotExist) {
		return true
	}
	var status *sftp.StatusError
	return errors.As(err, &status) && status.FxCode() == sftp.ErrSSHFxNoSuchFile
}
