// Package artifacts stores large payloads outside the causal chain.
// Ledger rows carry only the content-addressed reference; the bytes live in
// a companion directory keyed by their SHA-256 digest.
package artifacts

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrNotFound   = errors.New("artifacts: not found")
	ErrInvalidRef = errors.New("artifacts: invalid reference")
)

const refPrefix = "sha256:"

// Store is a content-addressed file store rooted at a single directory.
// Writes are idempotent: identical content maps to the same reference.
type Store struct {
	root string
}

// NewStore creates the root directory if needed.
func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("artifacts: create root: %w", err)
	}
	return &Store{root: root}, nil
}

// Put writes content and returns its reference ("sha256:<hex>").
func (s *Store) Put(content []byte) (string, error) {
	sum := sha256.Sum256(content)
	ref := refPrefix + hex.EncodeToString(sum[:])

	path, err := s.Path(ref)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err == nil {
		// Content-addressed: already present means identical bytes.
		return ref, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("artifacts: create shard dir: %w", err)
	}

	// Write-then-rename so a crash never leaves a partial artifact at the
	// addressed path.
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("artifacts: create temp: %w", err)
	}
	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("artifacts: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("artifacts: close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("artifacts: finalize: %w", err)
	}
	return ref, nil
}

// Get reads the content for ref.
func (s *Store) Get(ref string) ([]byte, error) {
	path, err := s.Path(ref)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("artifacts: read: %w", err)
	}
	return content, nil
}

// Has reports whether ref is present.
func (s *Store) Has(ref string) bool {
	path, err := s.Path(ref)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Path resolves ref to its on-disk location (<root>/<aa>/<hash>).
func (s *Store) Path(ref string) (string, error) {
	digest, ok := strings.CutPrefix(ref, refPrefix)
	if !ok || len(digest) != 64 {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	return filepath.Join(s.root, digest[:2], digest), nil
}
