package core

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// sqliteHeader opens every unencrypted SQLite file.
var sqliteHeader = []byte("SQLite format 3\x00")

func saveSQLite(t *testing.T, passphrase string) (*SQLiteSnapshotStore, []byte) {
	t.Helper()
	store := NewSQLiteSnapshotStore(filepath.Join(t.TempDir(), "cache.db"), passphrase)
	if err := store.Save(testSnapshot()); err != nil {
		t.Fatalf("failed to save: %v", err)
	}
	data, err := os.ReadFile(store.Path())
	if err != nil {
		t.Fatalf("failed to read snapshot file: %v", err)
	}
	return store, data
}

func TestSQLiteSnapshotStore_EncryptedAtRest(t *testing.T) {
	_, data := saveSQLite(t, "test-passphrase-123")

	if bytes.HasPrefix(data, sqliteHeader) {
		t.Error("encrypted snapshot should not carry the plain SQLite header")
	}
	for _, plain := range []string{"fp-abc", "a.txt", "test-passphrase-123"} {
		if bytes.Contains(data, []byte(plain)) {
			t.Errorf("encrypted snapshot leaks %q", plain)
		}
	}
}

func TestSQLiteSnapshotStore_PlainIsReadable(t *testing.T) {
	_, data := saveSQLite(t, "")

	if !bytes.HasPrefix(data, sqliteHeader) {
		t.Error("plain snapshot should be an ordinary SQLite file")
	}
	if !bytes.Contains(data, []byte("fp-abc")) {
		t.Error("plain snapshot should store the fingerprint as text")
	}
}

func TestSQLiteSnapshotStore_Status(t *testing.T) {
	ctx := context.Background()

	encrypted, _ := saveSQLite(t, "test-passphrase-123")
	status, err := encrypted.Status(ctx)
	if err != nil {
		t.Fatalf("failed to get status: %v", err)
	}
	if !status.IsEncrypted {
		t.Error("expected the keyed snapshot to report encryption")
	}
	if status.CipherVersion == "" {
		t.Error("expected a cipher version for the keyed snapshot")
	}

	plain, _ := saveSQLite(t, "")
	status, err = plain.Status(ctx)
	if err != nil {
		t.Fatalf("failed to get status: %v", err)
	}
	if status.IsEncrypted || status.CipherVersion != "" {
		t.Errorf("expected an unencrypted status, got %+v", status)
	}

	missing := NewSQLiteSnapshotStore(filepath.Join(t.TempDir(), "none.db"), "")
	if _, err := missing.Status(ctx); !errors.Is(err, ErrSnapshotNotFound) {
		t.Errorf("expected ErrSnapshotNotFound, got %v", err)
	}
}

func TestSQLiteSnapshotStore_KeyMismatch(t *testing.T) {
	ctx := context.Background()

	encrypted, _ := saveSQLite(t, "right")
	noKey := NewSQLiteSnapshotStore(encrypted.Path(), "")
	if _, err := noKey.Load(); !errors.Is(err, ErrSnapshotCorrupt) {
		t.Errorf("expected ErrSnapshotCorrupt reading without a key, got %v", err)
	}
	if _, err := noKey.Status(ctx); !errors.Is(err, ErrSnapshotCorrupt) {
		t.Errorf("expected ErrSnapshotCorrupt for status without a key, got %v", err)
	}

	plain, _ := saveSQLite(t, "")
	keyed := NewSQLiteSnapshotStore(plain.Path(), "unexpected")
	if _, err := keyed.Load(); !errors.Is(err, ErrSnapshotCorrupt) {
		t.Errorf("expected ErrSnapshotCorrupt reading a plain file with a key, got %v", err)
	}

	// A key mismatch must not destroy the file.
	if _, err := NewSQLiteSnapshotStore(encrypted.Path(), "right").Load(); err != nil {
		t.Errorf("snapshot should still load with the right key: %v", err)
	}
}
