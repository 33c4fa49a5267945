// Package core provides the on-disk snapshot formats for the metadata cache.
//
// INVARIANTS:
// - Writes go to <path>.tmp and are renamed over <path>
// - A crash before the rename leaves the previous snapshot loadable
// - Stores never merge: Save replaces the whole snapshot
package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dupescan/dupescan/internal/model"
)

// SnapshotVersion is the current snapshot schema version.
const SnapshotVersion = 1

var (
	// ErrSnapshotNotFound means no snapshot has been written yet.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrSnapshotCorrupt means the snapshot exists but cannot be read.
	ErrSnapshotCorrupt = errors.New("snapshot corrupt")
)

// Snapshot is the persisted form of a MetadataCache.
type Snapshot struct {
	Version     int                         `json:"version"`
	Fingerprint string                      `json:"fingerprint"`
	PersistedAt time.Time                   `json:"persisted_at"`
	Entries     map[string]model.CacheEntry `json:"entries"`
}

// SnapshotStore reads and writes cache snapshots.
type SnapshotStore interface {
	Load() (*Snapshot, error)
	Save(snap *Snapshot) error
	Path() string
}

// JSONSnapshotStore keeps the snapshot as a single JSON document.
// encoding/json sorts map keys, so output is deterministic.
type JSONSnapshotStore struct {
	path string
}

// NewJSONSnapshotStore creates a store at path.
func NewJSONSnapshotStore(path string) *JSONSnapshotStore {
	return &JSONSnapshotStore{path: path}
}

// Path returns the snapshot file path.
func (s *JSONSnapshotStore) Path() string {
	return s.path
}

// Load reads the snapshot.
func (s *JSONSnapshotStore) Load() (*Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSnapshotCorrupt, err)
	}
	if snap.Version != SnapshotVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrSnapshotCorrupt, snap.Version)
	}
	if snap.Entries == nil {
		snap.Entries = make(map[string]model.CacheEntry)
	}
	return &snap, nil
}

// Save writes the snapshot atomically.
func (s *JSONSnapshotStore) Save(snap *Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return writeFileAtomic(s.path, func(f *os.File) error {
		_, err := f.Write(data)
		return err
	})
}

// writeFileAtomic writes via a temp file in the same directory, fsyncs it
// and renames it over path.
func writeFileAtomic(path string, write func(f *os.File) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}

	if err := write(f); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp snapshot: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}
	return nil
}
