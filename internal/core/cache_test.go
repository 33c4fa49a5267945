package core

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dupescan/dupescan/internal/model"
)

type failingStore struct {
	*JSONSnapshotStore
	err   error
	saves int
}

func (s *failingStore) Save(*Snapshot) error {
	s.saves++
	return s.err
}

func TestMetadataCache_PersistAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	clock := newFakeClock()
	opts := CacheOptions{Now: clock.Now}

	c := LoadCache(NewJSONSnapshotStore(path), "fp-1", opts)
	if c.Status() != LoadStatusEmpty {
		t.Errorf("expected status 'empty', got '%s'", c.Status())
	}

	c.Put(rec("a1", "a.txt", "aaa", 10, "root"))
	c.Put(rec("a2", "b.txt", "aaa", 10, "root"))

	wrote, err := c.Persist(true)
	if err != nil {
		t.Fatalf("failed to persist: %v", err)
	}
	if !wrote {
		t.Error("forced persist of a dirty cache should write")
	}
	if c.Dirty() {
		t.Error("cache should be clean after persist")
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp snapshot should not survive a successful save")
	}

	reloaded := LoadCache(NewJSONSnapshotStore(path), "fp-1", opts)
	if reloaded.Status() != LoadStatusLoaded {
		t.Errorf("expected status 'loaded', got '%s'", reloaded.Status())
	}
	if reloaded.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", reloaded.Len())
	}
	entry, ok := reloaded.Get("a1")
	if !ok {
		t.Fatal("a1 should be cached")
	}
	if entry.Record.Name != "a.txt" {
		t.Errorf("expected name 'a.txt', got '%s'", entry.Record.Name)
	}
	if !entry.FetchedAt.Equal(baseTime) {
		t.Errorf("expected fetched_at %v, got %v", baseTime, entry.FetchedAt)
	}
	if !reloaded.LastPersisted().Equal(baseTime) {
		t.Errorf("expected last persisted %v, got %v", baseTime, reloaded.LastPersisted())
	}
}

func TestMetadataCache_TTL(t *testing.T) {
	clock := newFakeClock()
	store := NewJSONSnapshotStore(filepath.Join(t.TempDir(), "cache.json"))
	c := LoadCache(store, "fp", CacheOptions{TTL: 24 * time.Hour, Now: clock.Now})

	c.Put(rec("a1", "a", "aaa", 1))
	entry, _ := c.Get("a1")
	if !c.IsFresh(entry) {
		t.Error("new entry should be fresh")
	}

	clock.Advance(25 * time.Hour)
	entry, ok := c.Get("a1")
	if !ok {
		t.Fatal("stale entries are still returned")
	}
	if c.IsFresh(entry) {
		t.Error("entry older than TTL should be stale")
	}

	stats := c.Stats()
	if stats.StaleEntries != 1 || stats.FreshEntries != 0 {
		t.Errorf("expected 1 stale 0 fresh, got %d stale %d fresh", stats.StaleEntries, stats.FreshEntries)
	}
}

func TestMetadataCache_TTLBoundary(t *testing.T) {
	const ttl = time.Hour
	clock := newFakeClock()
	c := LoadCache(NewJSONSnapshotStore(filepath.Join(t.TempDir(), "cache.json")), "fp", CacheOptions{TTL: ttl, Now: clock.Now})
	c.Put(rec("a1", "a", "aaa", 1))
	entry, _ := c.Get("a1")

	clock.Advance(ttl - time.Nanosecond)
	if !c.IsFresh(entry) {
		t.Error("entry just inside the TTL should be fresh")
	}
	clock.Advance(time.Nanosecond)
	if c.IsFresh(entry) {
		t.Error("entry exactly at the TTL should be stale")
	}
	clock.Advance(time.Nanosecond)
	if c.IsFresh(entry) {
		t.Error("entry past the TTL should be stale")
	}
}

func TestMetadataCache_PersistIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	clock := newFakeClock()
	c := LoadCache(NewJSONSnapshotStore(path), "fp", CacheOptions{Now: clock.Now})
	records := []model.FileRecord{
		rec("a1", "a.txt", "aaa", 10, "root"),
		rec("a2", "b.txt", "aaa", 10, "p1", "p2"),
	}
	for _, r := range records {
		c.Put(r)
	}
	if _, err := c.Persist(true); err != nil {
		t.Fatalf("failed to persist: %v", err)
	}
	first, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read snapshot: %v", err)
	}

	wrote, err := c.Persist(true)
	if err != nil {
		t.Fatalf("failed to persist again: %v", err)
	}
	if wrote {
		t.Error("a clean cache should not be rewritten")
	}

	// Rewriting the same state at the same instant gives the same bytes.
	for _, r := range records {
		c.Put(r)
	}
	if wrote, err := c.Persist(true); err != nil || !wrote {
		t.Fatalf("expected a forced rewrite, got wrote=%v err=%v", wrote, err)
	}
	second, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read snapshot: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Errorf("expected identical snapshots:\n%s\n%s", first, second)
	}
}

func TestMetadataCache_FingerprintMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")

	c := LoadCache(NewJSONSnapshotStore(path), "account-a", CacheOptions{})
	c.Put(rec("a1", "a", "aaa", 1))
	if _, err := c.Persist(true); err != nil {
		t.Fatalf("failed to persist: %v", err)
	}

	other := LoadCache(NewJSONSnapshotStore(path), "account-b", CacheOptions{})
	if other.Status() != LoadStatusFingerprintMismatch {
		t.Errorf("expected status 'fingerprint_mismatch', got '%s'", other.Status())
	}
	if other.Len() != 0 {
		t.Errorf("expected empty cache, got %d entries", other.Len())
	}
	if !other.Dirty() {
		t.Error("discarded cache should be dirty so the next save replaces it")
	}

	if _, err := other.Persist(true); err != nil {
		t.Fatalf("failed to persist: %v", err)
	}
	again := LoadCache(NewJSONSnapshotStore(path), "account-b", CacheOptions{})
	if again.Status() != LoadStatusLoaded || again.Len() != 0 {
		t.Errorf("expected loaded empty cache, got '%s' with %d entries", again.Status(), again.Len())
	}
}

func TestMetadataCache_CorruptSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	c := LoadCache(NewJSONSnapshotStore(path), "fp", CacheOptions{})
	if c.Status() != LoadStatusCorrupt {
		t.Errorf("expected status 'corrupt', got '%s'", c.Status())
	}
	if c.Len() != 0 {
		t.Errorf("expected empty cache, got %d entries", c.Len())
	}

	c.Put(rec("a1", "a", "aaa", 1))
	if _, err := c.Persist(true); err != nil {
		t.Fatalf("failed to replace corrupt snapshot: %v", err)
	}
	if LoadCache(NewJSONSnapshotStore(path), "fp", CacheOptions{}).Len() != 1 {
		t.Error("replaced snapshot should load")
	}
}

func TestMetadataCache_PersistInterval(t *testing.T) {
	clock := newFakeClock()
	store := NewJSONSnapshotStore(filepath.Join(t.TempDir(), "cache.json"))
	c := LoadCache(store, "fp", CacheOptions{PersistInterval: 5 * time.Minute, Now: clock.Now})

	c.Put(rec("a1", "a", "aaa", 1))
	wrote, err := c.Persist(false)
	if err != nil {
		t.Fatalf("failed to persist: %v", err)
	}
	if wrote {
		t.Error("should not write before the interval elapses")
	}

	clock.Advance(6 * time.Minute)
	wrote, err = c.Persist(false)
	if err != nil {
		t.Fatalf("failed to persist: %v", err)
	}
	if !wrote {
		t.Error("should write once the interval elapses")
	}

	wrote, _ = c.Persist(true)
	if wrote {
		t.Error("a clean cache should never be written")
	}
}

func TestMetadataCache_PersistFailure(t *testing.T) {
	store := &failingStore{
		JSONSnapshotStore: NewJSONSnapshotStore(filepath.Join(t.TempDir(), "cache.json")),
		err:               errors.New("disk full"),
	}
	c := LoadCache(store, "fp", CacheOptions{})
	c.Put(rec("a1", "a", "aaa", 1))

	if _, err := c.Persist(true); err == nil {
		t.Fatal("expected persist error")
	}
	if !c.Dirty() {
		t.Error("cache should stay dirty after a failed save")
	}
	if c.Len() != 1 {
		t.Errorf("expected in-memory entry kept, got %d", c.Len())
	}
	if store.saves != 1 {
		t.Errorf("expected 1 save attempt, got %d", store.saves)
	}
}

func TestMetadataCache_InvalidateAndRecords(t *testing.T) {
	c := newTestCache(t, "fp")

	trashed := rec("t1", "t", "ttt", 4)
	trashed.Trashed = true
	c.Put(rec("b1", "b", "bbb", 2))
	c.Put(rec("a1", "a", "aaa", 1))
	c.Put(trashed)

	records := c.Records()
	if len(records) != 2 || records[0].ID != "a1" || records[1].ID != "b1" {
		t.Errorf("expected live records [a1 b1] in id order, got %v", records)
	}

	if !c.Invalidate("a1") {
		t.Error("invalidating a cached id should report true")
	}
	if c.Invalidate("a1") {
		t.Error("invalidating twice should report false")
	}
	if _, ok := c.Get("a1"); ok {
		t.Error("a1 should be gone")
	}

	stats := c.Stats()
	if stats.TotalEntries != 2 || stats.Trashed != 1 || stats.TotalSize != 6 {
		t.Errorf("unexpected stats: %+v", stats)
	}

	c.Clear()
	if c.Len() != 0 {
		t.Errorf("expected empty cache after clear, got %d", c.Len())
	}
}
