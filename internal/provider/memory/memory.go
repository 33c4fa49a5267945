// Package memory provides an in-process Source with scripted failures.
// It backs the test suites and the "memory:<file.json>" demo source.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dupescan/dupescan/internal/model"
	"github.com/dupescan/dupescan/internal/provider"
)

// fault is an error returned for the next n matching calls. n < 0 means forever.
type fault struct {
	err   error
	times int
	after int // list faults only: records yielded before failing
}

func (f *fault) fire() (bool, error) {
	if f == nil || f.times == 0 {
		return false, nil
	}
	if f.times > 0 {
		f.times--
	}
	return true, f.err
}

// Source is a thread-safe in-memory file collection.
type Source struct {
	name        string
	fingerprint string
	delay       time.Duration

	mu      sync.Mutex
	records map[string]model.FileRecord

	listFaults  []*fault
	batchFaults []*fault
	trashFaults []*fault
	idFaults    map[string]*fault
	trashIDErrs map[string]*fault

	listCalls  atomic.Int64
	batchCalls atomic.Int64
	trashCalls atomic.Int64
	inFlight   atomic.Int64
	maxFlight  atomic.Int64

	batchSizes []int
}

// New creates a source holding records.
func New(name string, records ...model.FileRecord) *Source {
	s := &Source{
		name:        name,
		fingerprint: provider.Fingerprint("memory", name),
		records:     make(map[string]model.FileRecord),
		idFaults:    make(map[string]*fault),
		trashIDErrs: make(map[string]*fault),
	}
	for _, r := range records {
		s.records[r.ID] = r
	}
	return s
}

// Open is the registry factory for "memory:<path>". The optional path is a
// JSON array of records to seed the source with.
func Open(target string) (provider.Source, error) {
	if target == "" {
		return New("empty"), nil
	}
	data, err := os.ReadFile(target)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	var records []model.FileRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}
	return New(target, records...), nil
}

// Name returns the source URI.
func (s *Source) Name() string {
	return "memory:" + s.name
}

// Fingerprint returns the configured fingerprint.
func (s *Source) Fingerprint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fingerprint
}

// SetFingerprint changes the fingerprint, simulating a credential switch.
func (s *Source) SetFingerprint(fp string) {
	s.mu.Lock()
	s.fingerprint = fp
	s.mu.Unlock()
}

// SetDelay makes every remote call take at least d.
func (s *Source) SetDelay(d time.Duration) {
	s.delay = d
}

// Put adds or replaces a record.
func (s *Source) Put(r model.FileRecord) {
	s.mu.Lock()
	s.records[r.ID] = r
	s.mu.Unlock()
}

// Remove deletes a record outright, as if it were purged remotely.
func (s *Source) Remove(id string) {
	s.mu.Lock()
	delete(s.records, id)
	s.mu.Unlock()
}

// Record returns the current state of id.
func (s *Source) Record(id string) (model.FileRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	return r, ok
}

// FailList makes the next times List enumerations fail with err after
// yielding after records.
func (s *Source) FailList(after, times int, err error) {
	s.mu.Lock()
	s.listFaults = append(s.listFaults, &fault{err: err, times: times, after: after})
	s.mu.Unlock()
}

// FailBatch makes the next times GetBatch calls fail as a whole.
func (s *Source) FailBatch(times int, err error) {
	s.mu.Lock()
	s.batchFaults = append(s.batchFaults, &fault{err: err, times: times})
	s.mu.Unlock()
}

// FailTrash makes the next times TrashBatch calls fail as a whole.
func (s *Source) FailTrash(times int, err error) {
	s.mu.Lock()
	s.trashFaults = append(s.trashFaults, &fault{err: err, times: times})
	s.mu.Unlock()
}

// FailID makes GetBatch report err for id the next times calls.
func (s *Source) FailID(id string, times int, err error) {
	s.mu.Lock()
	s.idFaults[id] = &fault{err: err, times: times}
	s.mu.Unlock()
}

// FailTrashID makes TrashBatch report err for id the next times calls.
func (s *Source) FailTrashID(id string, times int, err error) {
	s.mu.Lock()
	s.trashIDErrs[id] = &fault{err: err, times: times}
	s.mu.Unlock()
}

// ListCalls returns how many enumerations were started.
func (s *Source) ListCalls() int { return int(s.listCalls.Load()) }

// BatchCalls returns how many GetBatch calls were made.
func (s *Source) BatchCalls() int { return int(s.batchCalls.Load()) }

// TrashCalls returns how many TrashBatch calls were made.
func (s *Source) TrashCalls() int { return int(s.trashCalls.Load()) }

// MaxConcurrent returns the highest number of calls observed in flight at once.
func (s *Source) MaxConcurrent() int { return int(s.maxFlight.Load()) }

// BatchSizes returns the id count of every GetBatch call so far.
func (s *Source) BatchSizes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.batchSizes...)
}

// nextFault pops the first live fault in list.
func nextFault(list []*fault) *fault {
	for _, f := range list {
		if f.times != 0 {
			return f
		}
	}
	return nil
}

func (s *Source) enter(ctx context.Context) error {
	n := s.inFlight.Add(1)
	for {
		cur := s.maxFlight.Load()
		if n <= cur || s.maxFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.delay):
		}
	}
	return ctx.Err()
}

func (s *Source) leave() {
	s.inFlight.Add(-1)
}

// List snapshots the records in id order.
func (s *Source) List(ctx context.Context) (provider.RecordIterator, error) {
	s.listCalls.Add(1)

	s.mu.Lock()
	defer s.mu.Unlock()

	records := make([]model.FileRecord, 0, len(s.records))
	for _, r := range s.records {
		records = append(records, r)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })

	it := &iterator{records: records, failAt: -1}
	if f := nextFault(s.listFaults); f != nil {
		_, err := f.fire()
		it.failAt = f.after
		it.failErr = err
	}
	return it, nil
}

type iterator struct {
	records []model.FileRecord
	pos     int
	failAt  int
	failErr error
}

func (it *iterator) Next(ctx context.Context) (model.FileRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return model.FileRecord{}, false, err
	}
	if it.failAt >= 0 && it.pos >= it.failAt {
		return model.FileRecord{}, false, it.failErr
	}
	if it.pos >= len(it.records) {
		return model.FileRecord{}, false, nil
	}
	r := it.records[it.pos]
	it.pos++
	return r, true, nil
}

func (it *iterator) Close() error { return nil }

// GetBatch returns the current state of each id.
func (s *Source) GetBatch(ctx context.Context, ids []string) (map[string]provider.BatchResult, error) {
	s.batchCalls.Add(1)
	defer s.leave()
	if err := s.enter(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.batchSizes = append(s.batchSizes, len(ids))
	if f := nextFault(s.batchFaults); f != nil {
		_, err := f.fire()
		return nil, err
	}

	result := make(map[string]provider.BatchResult, len(ids))
	for _, id := range ids {
		if fired, err := s.idFaults[id].fire(); fired {
			result[id] = provider.BatchResult{Err: err}
			continue
		}
		r, ok := s.records[id]
		if !ok {
			result[id] = provider.BatchResult{Err: provider.NotFound(id)}
			continue
		}
		result[id] = provider.BatchResult{Record: r}
	}
	return result, nil
}

// TrashBatch flags each id as trashed.
func (s *Source) TrashBatch(ctx context.Context, ids []string) (map[string]error, error) {
	s.trashCalls.Add(1)
	defer s.leave()
	if err := s.enter(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if f := nextFault(s.trashFaults); f != nil {
		_, err := f.fire()
		return nil, err
	}

	result := make(map[string]error, len(ids))
	for _, id := range ids {
		if fired, err := s.trashIDErrs[id].fire(); fired {
			result[id] = err
			continue
		}
		r, ok := s.records[id]
		if !ok {
			result[id] = provider.NotFound(id)
			continue
		}
		r.Trashed = true
		s.records[id] = r
		result[id] = nil
	}
	return result, nil
}
