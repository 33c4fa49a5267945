package core

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dupescan/dupescan/internal/provider/memory"
)

func newTestFetcher(t *testing.T, src *memory.Source, opts FetchOptions) *BatchFetcher {
	t.Helper()
	if opts.Sleep == nil {
		opts.Sleep = noSleep
	}
	return NewBatchFetcher(src, newTestCache(t, src.Fingerprint()), opts)
}

func TestBatchFetcher_FetchesInBatches(t *testing.T) {
	src := memory.New("drive", seqRecords(250)...)
	f := newTestFetcher(t, src, FetchOptions{Concurrency: 1})

	res, err := f.RefreshAll(context.Background(), false)
	if err != nil {
		t.Fatalf("failed to refresh: %v", err)
	}
	if res.Listed != 250 || res.Fetched != 250 {
		t.Errorf("expected 250 listed and fetched, got %d and %d", res.Listed, res.Fetched)
	}
	if res.Batches != 3 {
		t.Errorf("expected 3 batches, got %d", res.Batches)
	}

	sizes := src.BatchSizes()
	want := []int{100, 100, 50}
	if len(sizes) != len(want) {
		t.Fatalf("expected batch sizes %v, got %v", want, sizes)
	}
	for i := range want {
		if sizes[i] != want[i] {
			t.Errorf("expected batch sizes %v, got %v", want, sizes)
			break
		}
	}

	if f.Cache().Len() != 250 {
		t.Errorf("expected 250 cached entries, got %d", f.Cache().Len())
	}
	if f.Cache().Dirty() {
		t.Error("cache should be persisted at the end of a refresh")
	}
	if _, err := os.Stat(f.Cache().Stats().Path); err != nil {
		t.Errorf("snapshot should exist: %v", err)
	}
}

func TestBatchFetcher_SkipsFreshEntries(t *testing.T) {
	src := memory.New("drive", seqRecords(30)...)
	f := newTestFetcher(t, src, FetchOptions{BatchSize: 10})
	ctx := context.Background()

	if _, err := f.RefreshAll(ctx, false); err != nil {
		t.Fatalf("failed to refresh: %v", err)
	}
	calls := src.BatchCalls()

	res, err := f.RefreshAll(ctx, false)
	if err != nil {
		t.Fatalf("failed to refresh again: %v", err)
	}
	if res.Skipped != 30 || res.Fetched != 0 {
		t.Errorf("expected 30 skipped 0 fetched, got %d and %d", res.Skipped, res.Fetched)
	}
	if src.BatchCalls() != calls {
		t.Errorf("expected no new batch calls, got %d", src.BatchCalls()-calls)
	}

	res, err = f.RefreshAll(ctx, true)
	if err != nil {
		t.Fatalf("failed to force refresh: %v", err)
	}
	if res.Fetched != 30 {
		t.Errorf("expected force to refetch 30, got %d", res.Fetched)
	}
}

func TestBatchFetcher_RefetchesStaleEntries(t *testing.T) {
	clock := newFakeClock()
	src := memory.New("drive", seqRecords(5)...)
	store := NewJSONSnapshotStore(filepath.Join(t.TempDir(), "cache.json"))
	cache := LoadCache(store, src.Fingerprint(), CacheOptions{TTL: time.Hour, Now: clock.Now})
	f := NewBatchFetcher(src, cache, FetchOptions{Sleep: noSleep})
	ctx := context.Background()

	if _, err := f.RefreshAll(ctx, false); err != nil {
		t.Fatalf("failed to refresh: %v", err)
	}
	clock.Advance(2 * time.Hour)

	res, err := f.RefreshAll(ctx, false)
	if err != nil {
		t.Fatalf("failed to refresh: %v", err)
	}
	if res.Fetched != 5 {
		t.Errorf("expected stale entries refetched, got %d", res.Fetched)
	}
}

func TestBatchFetcher_InvalidatesRemovedAndTrashed(t *testing.T) {
	src := memory.New("drive", seqRecords(4)...)
	f := newTestFetcher(t, src, FetchOptions{})
	ctx := context.Background()

	if _, err := f.RefreshAll(ctx, false); err != nil {
		t.Fatalf("failed to refresh: %v", err)
	}

	src.Remove("f000")
	r, _ := src.Record("f001")
	r.Trashed = true
	src.Put(r)

	res, err := f.RefreshAll(ctx, false)
	if err != nil {
		t.Fatalf("failed to refresh: %v", err)
	}
	if res.Invalidated != 2 {
		t.Errorf("expected 2 invalidated, got %d", res.Invalidated)
	}
	for _, id := range []string{"f000", "f001"} {
		if _, ok := f.Cache().Get(id); ok {
			t.Errorf("%s should be invalidated", id)
		}
	}
	if f.Cache().Len() != 2 {
		t.Errorf("expected 2 entries left, got %d", f.Cache().Len())
	}
}

func TestBatchFetcher_ConcurrencyBound(t *testing.T) {
	src := memory.New("drive", seqRecords(200)...)
	src.SetDelay(20 * time.Millisecond)
	f := newTestFetcher(t, src, FetchOptions{BatchSize: 10, Concurrency: 3})

	if _, err := f.RefreshAll(context.Background(), false); err != nil {
		t.Fatalf("failed to refresh: %v", err)
	}
	if src.MaxConcurrent() > 3 {
		t.Errorf("expected at most 3 calls in flight, saw %d", src.MaxConcurrent())
	}
	if f.Cache().Len() != 200 {
		t.Errorf("expected 200 cached, got %d", f.Cache().Len())
	}
}

func TestBatchFetcher_ConcurrencyClamped(t *testing.T) {
	src := memory.New("drive")
	f := NewBatchFetcher(src, newTestCache(t, "fp"), FetchOptions{Concurrency: 64})
	if f.opts.Concurrency != MaxConcurrency {
		t.Errorf("expected concurrency clamped to %d, got %d", MaxConcurrency, f.opts.Concurrency)
	}
}

func TestBatchFetcher_TrashFiles(t *testing.T) {
	src := memory.New("drive", seqRecords(5)...)
	f := newTestFetcher(t, src, FetchOptions{BatchSize: 2})
	ctx := context.Background()

	if _, err := f.RefreshAll(ctx, false); err != nil {
		t.Fatalf("failed to refresh: %v", err)
	}

	res, err := f.TrashFiles(ctx, []string{"f003", "f001", "f002"})
	if err != nil {
		t.Fatalf("failed to trash: %v", err)
	}
	if !equalStrings(res.Succeeded, []string{"f001", "f002", "f003"}) {
		t.Errorf("expected sorted successes, got %v", res.Succeeded)
	}
	if res.Batches != 2 {
		t.Errorf("expected 2 trash batches, got %d", res.Batches)
	}
	for _, id := range res.Succeeded {
		if _, ok := f.Cache().Get(id); ok {
			t.Errorf("%s should be invalidated after trash", id)
		}
		if r, _ := src.Record(id); !r.Trashed {
			t.Errorf("%s should be trashed remotely", id)
		}
	}
	if r, _ := src.Record("f000"); r.Trashed {
		t.Error("f000 was never requested")
	}
}
