package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrStorageUnavailable means neither the disk copy nor the inline blob
// could serve the bytes.
var ErrStorageUnavailable = errors.New("storage: no backend available")

// Store keeps artifact bytes on local disk under a content-hash-derived
// layout: {base}/{hh}/{hash}.{ext}, where hh is the first two hex chars of
// the SHA-256. Disk is the fast path; the database blob column is the
// durable fallback, owned by the caller.
type Store struct {
	base string
}

func New(base string) (*Store, error) {
	if base == "" {
		base = "./uploads"
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, err
	}
	return &Store{base: base}, nil
}

// Hash returns the hex SHA-256 of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Put writes data to disk and returns the relative path, content hash and
// size. A disk write failure is reported; the caller decides whether the
// blob copy makes it non-fatal. Writes go to a temp name first and are
// renamed into place, so concurrent puts of the same content are safe.
func (s *Store) Put(data []byte, ext string) (path, hash string, size int64, err error) {
	hash = Hash(data)
	ext = strings.TrimPrefix(ext, ".")
	rel := filepath.Join(hash[:2], fmt.Sprintf("%s.%s", hash, ext))
	dst := filepath.Join(s.base, rel)

	if err = os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return rel, hash, int64(len(data)), err
	}
	tmp := dst + ".tmp"
	if err = os.WriteFile(tmp, data, 0o644); err != nil {
		return rel, hash, int64(len(data)), err
	}
	if err = os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return rel, hash, int64(len(data)), err
	}
	return rel, hash, int64(len(data)), nil
}

// Get serves bytes for an artifact: disk first, inline blob on any disk
// failure (missing file, permission error, zero length). The blob survives
// ephemeral-disk wipes between deploys.
func (s *Store) Get(diskPath string, blob []byte) ([]byte, error) {
	if diskPath != "" {
		data, err := os.ReadFile(filepath.Join(s.base, filepath.Clean(diskPath)))
		if err == nil && len(data) > 0 {
			return data, nil
		}
	}
	if len(blob) > 0 {
		return blob, nil
	}
	return nil, ErrStorageUnavailable
}

// Exists reports whether either backend holds bytes for the artifact.
func (s *Store) Exists(diskPath string, blob []byte) bool {
	if diskPath != "" {
		if fi, err := os.Stat(filepath.Join(s.base, filepath.Clean(diskPath))); err == nil && fi.Size() > 0 {
			return true
		}
	}
	return len(blob) > 0
}

// Delete removes the disk copy. Missing files are not an error; the blob
// column is deleted with the row.
func (s *Store) Delete(diskPath string) error {
	if diskPath == "" {
		return nil
	}
	err := os.Remove(filepath.Join(s.base, filepath.Clean(diskPath)))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
