// Package blob provides content-addressed durable storage for snapshot
// manifests and captured component payloads. Every write returns a
// "sha256:<hex>" address; reads verify nothing beyond address shape, since
// integrity checking is the snapshot manager's job.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Store is the contract for content-addressed blob storage.
type Store interface {
	// Store persists data and returns its content address.
	Store(ctx context.Context, data []byte) (string, error)
	// Get retrieves data by content address.
	Get(ctx context.Context, addr string) ([]byte, error)
	// Exists checks whether a blob is present.
	Exists(ctx context.Context, addr string) (bool, error)
}

const addrPrefix = "sha256:"

// Address computes the content address for data.
func Address(data []byte) string {
	sum := sha256.Sum256(data)
	return addrPrefix + hex.EncodeToString(sum[:])
}

func parseAddress(addr string) (string, error) {
	raw, ok := strings.CutPrefix(addr, addrPrefix)
	if !ok {
		return "", fmt.Errorf("blob: invalid address format: %s", addr)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("blob: invalid address hex: %w", err)
	}
	return raw, nil
}

// FileStore is a filesystem-backed Store.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates a blob store rooted at baseDir.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("blob: ensure dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) Store(ctx context.Context, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	addr := Address(data)
	raw := strings.TrimPrefix(addr, addrPrefix)
	path := filepath.Join(s.baseDir, raw+".blob")

	// Idempotent: content addressing makes duplicate writes no-ops.
	if _, err := os.Stat(path); err == nil {
		return addr, nil
	}

	// Write to temp, then rename for atomicity.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("blob: write failed: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("blob: commit failed: %w", err)
	}
	return addr, nil
}

func (s *FileStore) Get(ctx context.Context, addr string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, err := parseAddress(addr)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(s.baseDir, raw+".blob"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("blob: not found: %s", addr)
		}
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (s *FileStore) Exists(ctx context.Context, addr string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, err := parseAddress(addr)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(filepath.Join(s.baseDir, raw+".blob"))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
