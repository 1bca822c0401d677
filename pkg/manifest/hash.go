package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
)

// HashPrefix prefixes every dataset hash.
const HashPrefix = "sha256:"

// DatasetHash returns the "sha256:<hex>" fingerprint of a dataset.
//
// A directory is hashed over its regular files in lexical walk order, feeding each
// file's slash-separated relative path followed by its decimal size. File contents are
// not read, so an edit that keeps a file's size is not detected. A single file is
// hashed over its full content.
func DatasetHash(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("failed to stat dataset: %w", err)
	}

	h := sha256.New()
	if info.IsDir() {
		err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.Type().IsRegular() {
				return nil
			}
			fi, err := d.Info()
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(path, p)
			if err != nil {
				return err
			}
			h.Write([]byte(filepath.ToSlash(rel)))
			h.Write([]byte(strconv.FormatInt(fi.Size(), 10)))
			return nil
		})
		if err != nil {
			return "", fmt.Errorf("failed to walk dataset: %w", err)
		}
	} else {
		f, err := os.Open(path)
		if err != nil {
			return "", fmt.Errorf("failed to open dataset: %w", err)
		}
		defer f.Close()
		if _, err := io.Copy(h, f); err != nil {
			return "", fmt.Errorf("failed to read dataset: %w", err)
		}
	}

	return HashPrefix + hex.EncodeToString(h.Sum(nil)), nil
}
