package core

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dupescan/dupescan/internal/model"
)

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func rec(id, name, hash string, size int64, parents ...string) model.FileRecord {
	return model.FileRecord{
		ID:          id,
		Name:        name,
		MimeType:    "application/octet-stream",
		ContentHash: hash,
		Size:        size,
		Parents:     parents,
		ModifiedAt:  baseTime,
	}
}

// seqRecords returns n records with distinct hashes.
func seqRecords(n int) []model.FileRecord {
	out := make([]model.FileRecord, n)
	for i := range out {
		id := fmt.Sprintf("f%03d", i)
		out[i] = rec(id, id+".bin", "h"+id, int64(i+1), "root")
	}
	return out
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: baseTime}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func noSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

func newTestCache(t *testing.T, fingerprint string) *MetadataCache {
	t.Helper()
	store := NewJSONSnapshotStore(filepath.Join(t.TempDir(), "cache.json"))
	return LoadCache(store, fingerprint, CacheOptions{})
}

func groupIDs(g model.DuplicateGroup) []string {
	ids := make([]string, len(g.Members))
	for i, m := range g.Members {
		ids[i] = m.ID
	}
	return ids
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestComputeDuplicates_Basic(t *testing.T) {
	trashed := rec("t1", "a.txt", "aaa", 10)
	trashed.Trashed = true
	folder := rec("d1", "dir", "aaa", 10)
	folder.MimeType = model.MimeTypeFolder
	doc := rec("g1", "doc", "aaa", 10)
	doc.MimeType = "application/vnd.google-apps.document"

	records := []model.FileRecord{
		rec("a1", "a.txt", "aaa", 10),
		rec("a2", "a.txt", "aaa", 10),
		rec("b1", "b.txt", "bbb", 5),
		rec("n1", "nohash", "", 7),
		rec("n2", "nohash", "", 7),
		trashed, folder, doc,
	}

	groups := ComputeDuplicates(records, DefaultGroupPolicy())
	if len(groups) != 1 {
		t.Fatalf("expected 1 group, got %d", len(groups))
	}
	if !equalStrings(groupIDs(groups[0]), []string{"a1", "a2"}) {
		t.Errorf("expected members [a1 a2], got %v", groupIDs(groups[0]))
	}
	if groups[0].WastedBytes() != 10 {
		t.Errorf("expected 10 wasted bytes, got %d", groups[0].WastedBytes())
	}
}

func TestComputeDuplicates_SizeSplitsHash(t *testing.T) {
	records := []model.FileRecord{
		rec("a1", "a", "same", 10),
		rec("a2", "a", "same", 10),
		rec("b1", "b", "same", 20),
	}
	groups := ComputeDuplicates(records, DefaultGroupPolicy())
	if len(groups) != 1 {
		t.Fatalf("expected 1 group, got %d", len(groups))
	}
	if groups[0].Size() != 2 {
		t.Errorf("expected 2 members, got %d", groups[0].Size())
	}
}

func TestComputeDuplicates_ZeroSize(t *testing.T) {
	records := []model.FileRecord{
		rec("e1", "empty1", "d41d8", 0),
		rec("e2", "empty2", "d41d8", 0),
	}

	groups := ComputeDuplicates(records, DefaultGroupPolicy())
	if len(groups) != 1 {
		t.Fatalf("expected zero-byte files to group, got %d groups", len(groups))
	}
	if groups[0].WastedBytes() != 0 {
		t.Errorf("expected 0 wasted bytes, got %d", groups[0].WastedBytes())
	}

	policy := DefaultGroupPolicy()
	policy.SkipZeroSize = true
	if groups := ComputeDuplicates(records, policy); len(groups) != 0 {
		t.Errorf("expected no groups with SkipZeroSize, got %d", len(groups))
	}
}

func TestComputeDuplicates_Ordering(t *testing.T) {
	older := rec("z9", "x", "big", 100)
	older.ModifiedAt = baseTime.Add(-time.Hour)

	records := []model.FileRecord{
		rec("s2", "s", "small", 1),
		rec("s1", "s", "small", 1),
		rec("b2", "x", "big", 100),
		rec("b1", "x", "big", 100),
		older,
	}

	groups := ComputeDuplicates(records, DefaultGroupPolicy())
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}
	if groups[0].Hash != "big" {
		t.Errorf("expected largest waste first, got '%s'", groups[0].Hash)
	}
	if !equalStrings(groupIDs(groups[0]), []string{"z9", "b1", "b2"}) {
		t.Errorf("expected oldest then id order, got %v", groupIDs(groups[0]))
	}
	if !equalStrings(groupIDs(groups[1]), []string{"s1", "s2"}) {
		t.Errorf("expected id order on equal times, got %v", groupIDs(groups[1]))
	}
	if TotalWasted(groups) != 201 {
		t.Errorf("expected 201 total wasted, got %d", TotalWasted(groups))
	}
}

type countingResolver struct {
	calls int
	pick  func(g model.DuplicateGroup) (string, error)
}

func (r *countingResolver) ResolveKeeper(_ context.Context, g model.DuplicateGroup) (string, error) {
	r.calls++
	return r.pick(g)
}

func TestPlanDeletions_SameNameAutoKeeps(t *testing.T) {
	groups := ComputeDuplicates([]model.FileRecord{
		rec("a1", "photo.jpg", "aaa", 10),
		rec("a2", "photo.jpg", "aaa", 10),
		rec("a3", "photo.jpg", "aaa", 10),
	}, DefaultGroupPolicy())

	resolver := &countingResolver{pick: func(g model.DuplicateGroup) (string, error) {
		return g.Members[2].ID, nil
	}}
	plan, resolved, err := PlanDeletions(context.Background(), groups, resolver)
	if err != nil {
		t.Fatalf("failed to plan: %v", err)
	}
	if resolver.calls != 0 {
		t.Errorf("expected resolver unused for same-name group, got %d calls", resolver.calls)
	}
	if resolved[0].Keeper != "a1" {
		t.Errorf("expected keeper 'a1', got '%s'", resolved[0].Keeper)
	}
	if !equalStrings(plan.IDs(), []string{"a2", "a3"}) {
		t.Errorf("expected candidates [a2 a3], got %v", plan.IDs())
	}
	if plan.TotalBytes != 20 {
		t.Errorf("expected 20 bytes, got %d", plan.TotalBytes)
	}
	for _, c := range plan.Candidates {
		if c.Reason != model.DeletionReasonSameName {
			t.Errorf("expected reason same-name, got '%s'", c.Reason)
		}
	}
}

func TestPlanDeletions_ResolverChooses(t *testing.T) {
	groups := ComputeDuplicates([]model.FileRecord{
		rec("a1", "photo.jpg", "aaa", 10),
		rec("a2", "photo (1).jpg", "aaa", 10),
	}, DefaultGroupPolicy())

	resolver := &countingResolver{pick: func(g model.DuplicateGroup) (string, error) {
		return "a2", nil
	}}
	plan, resolved, err := PlanDeletions(context.Background(), groups, resolver)
	if err != nil {
		t.Fatalf("failed to plan: %v", err)
	}
	if resolver.calls != 1 {
		t.Errorf("expected 1 resolver call, got %d", resolver.calls)
	}
	if resolved[0].Keeper != "a2" {
		t.Errorf("expected keeper 'a2', got '%s'", resolved[0].Keeper)
	}
	if !equalStrings(plan.IDs(), []string{"a1"}) {
		t.Errorf("expected candidates [a1], got %v", plan.IDs())
	}
	if plan.Candidates[0].Reason != model.DeletionReasonKeeperSelected {
		t.Errorf("expected reason keeper-selected, got '%s'", plan.Candidates[0].Reason)
	}
}

func TestPlanDeletions_Skip(t *testing.T) {
	groups := ComputeDuplicates([]model.FileRecord{
		rec("a1", "one", "aaa", 10),
		rec("a2", "two", "aaa", 10),
	}, DefaultGroupPolicy())

	skip := KeeperFunc(func(context.Context, model.DuplicateGroup) (string, error) {
		return "", ErrSkipGroup
	})
	plan, resolved, err := PlanDeletions(context.Background(), groups, skip)
	if err != nil {
		t.Fatalf("failed to plan: %v", err)
	}
	if len(plan.Candidates) != 0 {
		t.Errorf("expected no candidates, got %d", len(plan.Candidates))
	}
	if !equalStrings(plan.Skipped, []string{"aaa"}) {
		t.Errorf("expected skipped [aaa], got %v", plan.Skipped)
	}
	if resolved[0].Keeper != "" {
		t.Errorf("expected no keeper on skipped group, got '%s'", resolved[0].Keeper)
	}
}

func TestPlanDeletions_Errors(t *testing.T) {
	groups := ComputeDuplicates([]model.FileRecord{
		rec("a1", "one", "aaa", 10),
		rec("a2", "two", "aaa", 10),
	}, DefaultGroupPolicy())
	ctx := context.Background()

	stranger := KeeperFunc(func(context.Context, model.DuplicateGroup) (string, error) {
		return "zzz", nil
	})
	if _, _, err := PlanDeletions(ctx, groups, stranger); err == nil {
		t.Error("expected error for keeper outside the group")
	}

	if _, _, err := PlanDeletions(ctx, groups, nil); err == nil {
		t.Error("expected error for differing names without a resolver")
	}

	boom := errors.New("tty closed")
	failing := KeeperFunc(func(context.Context, model.DuplicateGroup) (string, error) {
		return "", boom
	})
	if _, _, err := PlanDeletions(ctx, groups, failing); !errors.Is(err, boom) {
		t.Errorf("expected resolver error, got %v", err)
	}
}

func TestComputeFolderStats(t *testing.T) {
	folderA := rec("A", "Photos", "", 0)
	folderA.MimeType = model.MimeTypeFolder
	folderB := rec("B", "Backup", "", 0)
	folderB.MimeType = model.MimeTypeFolder

	records := []model.FileRecord{
		folderA, folderB,
		rec("a1", "x.jpg", "hx", 100, "A"),
		rec("a2", "y.jpg", "hy", 50, "A"),
		rec("b1", "x.jpg", "hx", 100, "B"),
		rec("b2", "y.jpg", "hy", 50, "B", "A", "B"),
	}

	groups := ComputeDuplicates(records, DefaultGroupPolicy())
	stats := ComputeFolderStats(records, groups, FolderNames(records))

	byID := make(map[string]model.FolderStat)
	for _, s := range stats {
		byID[s.FolderID] = s
	}

	b := byID["B"]
	if b.Name != "Backup" {
		t.Errorf("expected name 'Backup', got '%s'", b.Name)
	}
	if b.TotalFiles != 2 || b.DuplicateFiles != 2 || b.WastedBytes != 150 {
		t.Errorf("unexpected stats for B: %+v", b)
	}
	if !b.DuplicateOnly() {
		t.Error("B should be duplicate-only")
	}

	a := byID["A"]
	if a.TotalFiles != 3 || a.DuplicateFiles != 1 || a.WastedBytes != 50 {
		t.Errorf("unexpected stats for A: %+v", a)
	}
	if a.DuplicateOnly() {
		t.Error("A holds keepers and should not be duplicate-only")
	}

	if stats[0].FolderID != "B" {
		t.Errorf("expected B first by wasted bytes, got '%s'", stats[0].FolderID)
	}
}

func TestComputeFolderStats_WasteInOneFolder(t *testing.T) {
	records := []model.FileRecord{
		rec("c1", "x.bin", "hx", 10, "F"),
		rec("c2", "x.bin", "hx", 10, "F"),
		rec("c3", "x.bin", "hx", 10, "F"),
	}
	groups := ComputeDuplicates(records, DefaultGroupPolicy())
	if len(groups) != 1 || groups[0].WastedBytes() != 20 {
		t.Fatalf("expected one group wasting 20 bytes, got %+v", groups)
	}

	stats := ComputeFolderStats(records, groups, nil)
	if len(stats) != 1 {
		t.Fatalf("expected 1 folder, got %d", len(stats))
	}
	f := stats[0]
	if f.FolderID != "F" || f.TotalFiles != 3 || f.DuplicateFiles != 2 || f.WastedBytes != 20 {
		t.Errorf("unexpected stats for F: %+v", f)
	}
	if f.DuplicateOnly() {
		t.Error("F holds the keeper and should not be duplicate-only")
	}
}

func TestComputeFolderStats_ResolvedKeeper(t *testing.T) {
	records := []model.FileRecord{
		rec("k", "x", "hx", 10, "keep"),
		rec("d", "x", "hx", 10, "drop"),
	}
	groups := ComputeDuplicates(records, DefaultGroupPolicy())
	// Unresolved, "d" sorts first and would be the keeper.
	groups[0].Keeper = "k"

	stats := ComputeFolderStats(records, groups, nil)
	for _, s := range stats {
		switch s.FolderID {
		case "keep":
			if s.DuplicateFiles != 0 {
				t.Errorf("expected keeper folder clean, got %d", s.DuplicateFiles)
			}
		case "drop":
			if s.DuplicateFiles != 1 {
				t.Errorf("expected 1 duplicate in drop, got %d", s.DuplicateFiles)
			}
		}
	}
}
