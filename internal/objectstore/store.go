// Package objectstore stores raw uploaded document bytes on the local
// filesystem and hands out stable references. It is the boundary to durable
// object storage; swapping in a bucket-backed implementation only needs the
// same three operations.
package objectstore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned when a reference does not resolve to an object.
var ErrNotFound = errors.New("object not found")

// Store writes objects under a root directory. References are
// content-addressed (sha256 of the bytes plus the original extension), so
// re-uploading identical bytes yields the identical reference — which is what
// makes ingestion enqueue idempotent per upload.
type Store struct {
	root string
}

// New creates a Store rooted at dir, creating it if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating object store root: %w", err)
	}
	return &Store{root: dir}, nil
}

// Put stores data and returns its reference.
func (s *Store) Put(data []byte, filename string) (string, error) {
	sum := sha256.Sum256(data)
	ref := hex.EncodeToString(sum[:])
	if ext := sanitizeExt(filepath.Ext(filename)); ext != "" {
		ref += ext
	}

	path := filepath.Join(s.root, ref)
	if _, err := os.Stat(path); err == nil {
		return ref, nil // identical bytes already stored
	}

	// Write via temp file + rename so a crash never leaves a torn object.
	tmp, err := os.CreateTemp(s.root, ".put-*")
	if err != nil {
		return "", fmt.Errorf("creating temp object: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("writing object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("closing object: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("committing object: %w", err)
	}
	return ref, nil
}

// Get reads the object bytes for a reference.
func (s *Store) Get(ref string) ([]byte, error) {
	path, err := s.resolve(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("reading object %s: %w", ref, err)
	}
	return data, nil
}

// Delete removes the object for a reference. Deleting a missing object is
// not an error.
func (s *Store) Delete(ref string) error {
	path, err := s.resolve(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("deleting object %s: %w", ref, err)
	}
	return nil
}

// resolve validates a reference and maps it to a path under the root.
// References never contain path separators, so traversal is impossible.
func (s *Store) resolve(ref string) (string, error) {
	if ref == "" || strings.ContainsAny(ref, `/\`) || strings.Contains(ref, "..") {
		return "", fmt.Errorf("invalid object reference %q", ref)
	}
	return filepath.Join(s.root, ref), nil
}

func sanitizeExt(ext string) string {
	ext = strings.ToLower(ext)
	for _, r := range ext {
		if r != '.' && (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}
