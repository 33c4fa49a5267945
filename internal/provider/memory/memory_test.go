package memory

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/dupescan/dupescan/internal/model"
	"github.com/dupescan/dupescan/internal/provider"
)

func TestListOrderAndFault(t *testing.T) {
	s := New("t",
		model.FileRecord{ID: "b"},
		model.FileRecord{ID: "a"},
		model.FileRecord{ID: "c"},
	)
	boom := provider.Transient(errors.New("boom"))
	s.FailList(2, 1, boom)

	ctx := context.Background()
	it, err := s.List(ctx)
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if _, err := provider.Collect(ctx, it); !errors.Is(err, boom) {
		t.Errorf("expected listing to fail after 2 records, got %v", err)
	}

	it, err = s.List(ctx)
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	records, err := provider.Collect(ctx, it)
	if err != nil {
		t.Fatalf("failed to collect: %v", err)
	}
	if len(records) != 3 || records[0].ID != "a" || records[2].ID != "c" {
		t.Errorf("expected records in id order, got %+v", records)
	}
	if s.ListCalls() != 2 {
		t.Errorf("expected 2 list calls, got %d", s.ListCalls())
	}
}

func TestGetBatch(t *testing.T) {
	s := New("t", model.FileRecord{ID: "a", Name: "one"}, model.FileRecord{ID: "b"})
	s.FailID("b", 1, provider.Transient(errors.New("flaky")))

	res, err := s.GetBatch(context.Background(), []string{"a", "b", "gone"})
	if err != nil {
		t.Fatalf("failed to get batch: %v", err)
	}
	if res["a"].Err != nil || res["a"].Record.Name != "one" {
		t.Errorf("unexpected result for a: %+v", res["a"])
	}
	if !provider.IsTransient(res["b"].Err) {
		t.Errorf("expected transient error for b, got %v", res["b"].Err)
	}
	if !errors.Is(res["gone"].Err, provider.ErrNotFound) {
		t.Errorf("expected not found for gone, got %v", res["gone"].Err)
	}

	res, err = s.GetBatch(context.Background(), []string{"b"})
	if err != nil {
		t.Fatalf("failed to get batch: %v", err)
	}
	if res["b"].Err != nil {
		t.Errorf("fault should fire once, got %v", res["b"].Err)
	}
	if sizes := s.BatchSizes(); len(sizes) != 2 || sizes[0] != 3 || sizes[1] != 1 {
		t.Errorf("unexpected batch sizes: %v", sizes)
	}
}

func TestTrashBatch(t *testing.T) {
	s := New("t", model.FileRecord{ID: "a"}, model.FileRecord{ID: "b"})
	s.FailTrashID("b", -1, provider.Permanent(errors.New("denied")))

	res, err := s.TrashBatch(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("failed to trash: %v", err)
	}
	if res["a"] != nil {
		t.Errorf("expected a trashed, got %v", res["a"])
	}
	if res["b"] == nil {
		t.Error("expected b to fail")
	}
	if r, _ := s.Record("a"); !r.Trashed {
		t.Error("a should be flagged trashed")
	}
	if r, _ := s.Record("b"); r.Trashed {
		t.Error("b should not be trashed")
	}
}

func TestCancelledCall(t *testing.T) {
	s := New("t", model.FileRecord{ID: "a"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.GetBatch(ctx, []string{"a"}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestOpenSeedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.json")
	body := `[{"id": "x", "name": "x.txt", "content_hash": "h", "size": 3}]`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("failed to write seed: %v", err)
	}

	src, err := Open(path)
	if err != nil {
		t.Fatalf("failed to open: %v", err)
	}
	if src.Name() != "memory:"+path {
		t.Errorf("expected name 'memory:%s', got '%s'", path, src.Name())
	}
	again, _ := Open(path)
	if src.Fingerprint() != again.Fingerprint() {
		t.Error("fingerprint should be stable for the same seed")
	}

	if _, err := Open(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing seed file")
	}
	empty, err := Open("")
	if err != nil {
		t.Fatalf("failed to open empty source: %v", err)
	}
	if empty.Name() != "memory:empty" {
		t.Errorf("expected 'memory:empty', got '%s'", empty.Name())
	}
}
