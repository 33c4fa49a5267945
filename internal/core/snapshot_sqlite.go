package core

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dupescan/dupescan/internal/model"
)

const snapshotSchema = `
CREATE TABLE cache_meta (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE cache_entries (
    id           TEXT PRIMARY KEY,
    name         TEXT NOT NULL,
    mime_type    TEXT NOT NULL DEFAULT '',
    content_hash TEXT NOT NULL DEFAULT '',
    size         INTEGER NOT NULL DEFAULT 0,
    parents      TEXT NOT NULL DEFAULT '[]',
    trashed      INTEGER NOT NULL DEFAULT 0,
    modified_at  TEXT NOT NULL,
    created_at   TEXT NOT NULL DEFAULT '',
    fetched_at   TEXT NOT NULL
);

CREATE INDEX idx_cache_entries_hash ON cache_entries(content_hash);
`

// SQLiteSnapshotStore keeps the snapshot as a SQLCipher database.
// Each Save builds a fresh database in the temp path and renames it over the
// previous one, so the file is never updated in place.
type SQLiteSnapshotStore struct {
	path       string
	passphrase string
}

// NewSQLiteSnapshotStore creates a store at path. An empty passphrase
// stores the snapshot unencrypted.
func NewSQLiteSnapshotStore(path, passphrase string) *SQLiteSnapshotStore {
	return &SQLiteSnapshotStore{path: path, passphrase: passphrase}
}

// Path returns the snapshot file path.
func (s *SQLiteSnapshotStore) Path() string {
	return s.path
}

// Encrypted reports whether snapshots are written with a key.
func (s *SQLiteSnapshotStore) Encrypted() bool {
	return s.passphrase != ""
}

// Status opens the saved snapshot with the store's key and reports its
// encryption state.
func (s *SQLiteSnapshotStore) Status(ctx context.Context) (*EncryptionStatus, error) {
	if _, err := os.Stat(s.path); errors.Is(err, os.ErrNotExist) {
		return nil, ErrSnapshotNotFound
	}
	edb, err := OpenEncryptedDB(s.path, s.passphrase)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSnapshotCorrupt, err)
	}
	defer edb.Close()
	return edb.GetEncryptionStatus(ctx)
}

// Load reads the snapshot.
func (s *SQLiteSnapshotStore) Load() (*Snapshot, error) {
	if _, err := os.Stat(s.path); errors.Is(err, os.ErrNotExist) {
		return nil, ErrSnapshotNotFound
	}

	edb, err := OpenEncryptedDB(s.path, s.passphrase)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSnapshotCorrupt, err)
	}
	defer edb.Close()

	ctx := context.Background()
	snap := &Snapshot{Entries: make(map[string]model.CacheEntry)}

	meta, err := readMeta(ctx, edb.DB())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSnapshotCorrupt, err)
	}
	snap.Version, _ = strconv.Atoi(meta["version"])
	if snap.Version != SnapshotVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrSnapshotCorrupt, snap.Version)
	}
	snap.Fingerprint = meta["fingerprint"]
	snap.PersistedAt, _ = time.Parse(time.RFC3339Nano, meta["persisted_at"])

	rows, err := edb.DB().QueryContext(ctx, `
		SELECT id, name, mime_type, content_hash, size, parents, trashed, modified_at, created_at, fetched_at
		FROM cache_entries
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSnapshotCorrupt, err)
	}
	defer rows.Close()

	for rows.Next() {
		var rec model.FileRecord
		var parents, modifiedAt, createdAt, fetchedAt string
		var trashed int
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.MimeType, &rec.ContentHash, &rec.Size,
			&parents, &trashed, &modifiedAt, &createdAt, &fetchedAt); err != nil {
			return nil, fmt.Errorf("%w: failed to scan entry: %v", ErrSnapshotCorrupt, err)
		}
		if err := json.Unmarshal([]byte(parents), &rec.Parents); err != nil {
			return nil, fmt.Errorf("%w: bad parents for %s: %v", ErrSnapshotCorrupt, rec.ID, err)
		}
		rec.Trashed = trashed == 1
		rec.ModifiedAt, _ = time.Parse(time.RFC3339Nano, modifiedAt)
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)

		entry := model.CacheEntry{Record: rec}
		entry.FetchedAt, err = time.Parse(time.RFC3339Nano, fetchedAt)
		if err != nil {
			return nil, fmt.Errorf("%w: bad fetched_at for %s: %v", ErrSnapshotCorrupt, rec.ID, err)
		}
		snap.Entries[rec.ID] = entry
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSnapshotCorrupt, err)
	}

	return snap, nil
}

func readMeta(ctx context.Context, db *sql.DB) (map[string]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT key, value FROM cache_meta`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	meta := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		meta[k] = v
	}
	return meta, rows.Err()
}

// Save writes the snapshot atomically.
func (s *SQLiteSnapshotStore) Save(snap *Snapshot) error {
	tmpPath := s.path + ".tmp"
	os.Remove(tmpPath)
	os.Remove(tmpPath + "-journal")

	if err := s.build(tmpPath, snap); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}
	return nil
}

// build writes snap into a new database at path.
func (s *SQLiteSnapshotStore) build(path string, snap *Snapshot) error {
	edb, err := OpenEncryptedDB(path, s.passphrase)
	if err != nil {
		return fmt.Errorf("failed to create snapshot database: %w", err)
	}
	defer edb.Close()

	ctx := context.Background()
	tx, err := edb.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, snapshotSchema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	meta := map[string]string{
		"version":      strconv.Itoa(SnapshotVersion),
		"fingerprint":  snap.Fingerprint,
		"persisted_at": snap.PersistedAt.UTC().Format(time.RFC3339Nano),
	}
	for k, v := range meta {
		if _, err := tx.ExecContext(ctx, `INSERT INTO cache_meta (key, value) VALUES (?, ?)`, k, v); err != nil {
			return fmt.Errorf("failed to write snapshot meta: %w", err)
		}
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO cache_entries (id, name, mime_type, content_hash, size, parents, trashed, modified_at, created_at, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range snap.Entries {
		r := e.Record
		parents := r.Parents
		if parents == nil {
			parents = []string{}
		}
		parentsJSON, err := json.Marshal(parents)
		if err != nil {
			return fmt.Errorf("failed to encode parents for %s: %w", r.ID, err)
		}
		trashed := 0
		if r.Trashed {
			trashed = 1
		}
		var createdAt string
		if !r.CreatedAt.IsZero() {
			createdAt = r.CreatedAt.UTC().Format(time.RFC3339Nano)
		}
		if _, err := stmt.ExecContext(ctx, r.ID, r.Name, r.MimeType, r.ContentHash, r.Size,
			string(parentsJSON), trashed,
			r.ModifiedAt.UTC().Format(time.RFC3339Nano), createdAt,
			e.FetchedAt.UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("failed to write entry %s: %w", r.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return nil
}
