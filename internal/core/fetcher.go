// Package core provides the batch fetch engine.
//
// INVARIANTS:
// - Every remote call goes through the retry machine and the rate limiter
// - At most Concurrency batches are in flight
// - An exhausted batch marks its ids failed and never aborts the run
// - No new batch starts after the context is cancelled
// - The cache is persisted after every batch and forced at the end
package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/dupescan/dupescan/internal/logging"
	"github.com/dupescan/dupescan/internal/metrics"
	"github.com/dupescan/dupescan/internal/model"
	"github.com/dupescan/dupescan/internal/provider"
)

// Fetch defaults.
const (
	DefaultBatchSize   = 100
	DefaultConcurrency = 4
	MaxConcurrency     = 8
	DefaultCallTimeout = 2 * time.Minute
)

// FetchOptions configures a BatchFetcher.
type FetchOptions struct {
	BatchSize   int
	Concurrency int
	Retry       RetryPolicy
	// RequestsPerSecond caps remote calls across all workers. 0 means no limit.
	RequestsPerSecond float64
	// CallTimeout bounds one remote call. In-flight calls are not cancelled
	// with the run context, only by this timeout.
	CallTimeout time.Duration
	Progress    bool
	// Sleep overrides the backoff sleeper. Used by tests.
	Sleep Sleeper
}

func (o FetchOptions) withDefaults() FetchOptions {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.Concurrency > MaxConcurrency {
		o.Concurrency = MaxConcurrency
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = DefaultCallTimeout
	}
	o.Retry = o.Retry.withDefaults()
	return o
}

// BatchFetcher moves metadata between a Source and a MetadataCache.
type BatchFetcher struct {
	src     provider.Source
	cache   *MetadataCache
	opts    FetchOptions
	limiter *rate.Limiter
}

// NewBatchFetcher creates a fetcher.
func NewBatchFetcher(src provider.Source, cache *MetadataCache, opts FetchOptions) *BatchFetcher {
	opts = opts.withDefaults()

	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RequestsPerSecond > 0 {
		burst := int(opts.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}

	return &BatchFetcher{
		src:     src,
		cache:   cache,
		opts:    opts,
		limiter: limiter,
	}
}

// Source returns the remote the fetcher talks to.
func (f *BatchFetcher) Source() provider.Source {
	return f.src
}

// Cache returns the cache the fetcher writes to.
func (f *BatchFetcher) Cache() *MetadataCache {
	return f.cache
}

// RefreshResult reports one RefreshAll run.
type RefreshResult struct {
	Listed      int
	Fetched     int
	Skipped     int // fresh in cache, not fetched
	Invalidated int // trashed or gone remotely
	Failed      []string
	Cancelled   []string // never attempted because the run was cancelled
	Batches     int
	Retries     int
	PersistErr  error

	mu sync.Mutex
}

func (r *RefreshResult) addFailed(ids ...string) {
	r.mu.Lock()
	r.Failed = append(r.Failed, ids...)
	r.mu.Unlock()
}

// TrashResult reports one TrashFiles run.
type TrashResult struct {
	Succeeded  []string
	Failed     []string
	Errors     map[string]error
	Cancelled  []string
	Batches    int
	Retries    int
	PersistErr error

	mu sync.Mutex
}

func (r *TrashResult) fail(id string, err error) {
	r.mu.Lock()
	r.Failed = append(r.Failed, id)
	r.Errors[id] = err
	r.mu.Unlock()
}

// ErrListFailed wraps a listing that exhausted its retries. The cache is left
// as it was loaded.
var ErrListFailed = errors.New("failed to list source")

// RefreshAll lists the source and brings the cache up to date.
// Ids whose cache entry is still fresh are skipped unless force is set.
// The returned result is valid even when err is a context error.
func (f *BatchFetcher) RefreshAll(ctx context.Context, force bool) (*RefreshResult, error) {
	res := &RefreshResult{}

	listed, err := f.listAll(ctx)
	if err != nil {
		return res, fmt.Errorf("%w: %w", ErrListFailed, err)
	}
	res.Listed = len(listed)

	seen := make(map[string]struct{}, len(listed))
	var toFetch []string
	for _, rec := range listed {
		seen[rec.ID] = struct{}{}
		if rec.Trashed {
			if f.cache.Invalidate(rec.ID) {
				res.Invalidated++
			}
			continue
		}
		if entry, ok := f.cache.Get(rec.ID); ok && !force && f.cache.IsFresh(entry) {
			res.Skipped++
			metrics.RecordCacheEvent("hit")
			continue
		}
		metrics.RecordCacheEvent("miss")
		toFetch = append(toFetch, rec.ID)
	}

	// Anything cached but no longer listed is gone remotely.
	for _, id := range f.cache.IDs() {
		if _, ok := seen[id]; !ok && f.cache.Invalidate(id) {
			res.Invalidated++
		}
	}

	logging.WithContext(ctx).Info("listing complete",
		logging.Int("listed", res.Listed),
		logging.Int("fresh", res.Skipped),
		logging.Int("to_fetch", len(toFetch)))

	bar := f.newBar(len(toFetch), "Fetching metadata")
	res.Cancelled, res.Batches = f.forEachBatch(ctx, toFetch, func(batch []string) {
		f.fetchBatch(ctx, batch, res)
		bar.Add(len(batch))
		if _, err := f.cache.Persist(false); err != nil {
			logging.WithContext(ctx).Warn("cache persist failed", logging.Err(err))
			res.mu.Lock()
			res.PersistErr = err
			res.mu.Unlock()
		}
	})
	bar.Finish()

	if _, err := f.cache.Persist(true); err != nil {
		logging.WithContext(ctx).Warn("final cache persist failed", logging.Err(err))
		res.PersistErr = err
	} else {
		res.PersistErr = nil
	}

	sort.Strings(res.Failed)
	metrics.RecordItems("fetch", "success", res.Fetched)
	metrics.RecordItems("fetch", "failed", len(res.Failed))
	metrics.RecordItems("fetch", "cached", res.Skipped)

	if err := ctx.Err(); err != nil {
		return res, err
	}
	return res, nil
}

// listAll enumerates the source. A failed enumeration restarts from the
// beginning under the retry policy.
func (f *BatchFetcher) listAll(ctx context.Context) ([]model.FileRecord, error) {
	var records []model.FileRecord
	bar := f.newBar(-1, "Listing files")
	defer bar.Finish()

	state := runRetry(ctx, "list", f.opts.Retry, f.opts.Sleep, func(ctx context.Context) error {
		records = records[:0]
		bar.Reset()

		start := time.Now()
		it, err := f.src.List(ctx)
		if err != nil {
			metrics.RecordRemoteCall("list", time.Since(start), err)
			return err
		}
		defer it.Close()

		for {
			if err := f.limiterWaitEvery(ctx, len(records)); err != nil {
				return err
			}
			rec, ok, err := it.Next(ctx)
			if err != nil {
				metrics.RecordRemoteCall("list", time.Since(start), err)
				logging.WithContext(ctx).Warn("listing interrupted, will restart",
					logging.Int("records_so_far", len(records)), logging.Err(err))
				return err
			}
			if !ok {
				break
			}
			records = append(records, rec)
			bar.Add(1)
		}
		metrics.RecordRemoteCall("list", time.Since(start), nil)
		return nil
	})
	if state.Phase != PhaseSucceeded {
		return nil, state.LastErr
	}
	return records, nil
}

// limiterWaitEvery takes a limiter token once per listing page, assuming a
// page holds BatchSize records.
func (f *BatchFetcher) limiterWaitEvery(ctx context.Context, n int) error {
	if n%f.opts.BatchSize != 0 {
		return nil
	}
	return f.limiter.Wait(ctx)
}

// forEachBatch splits ids into batches and runs do on each with at most
// Concurrency in flight. No batch starts once ctx is done; the ids of those
// batches are returned.
func (f *BatchFetcher) forEachBatch(ctx context.Context, ids []string, do func(batch []string)) ([]string, int) {
	var mu sync.Mutex
	var cancelled []string
	started := 0

	g := new(errgroup.Group)
	g.SetLimit(f.opts.Concurrency)
	for i := 0; i < len(ids); i += f.opts.BatchSize {
		batch := ids[i:min(i+f.opts.BatchSize, len(ids))]

		if ctx.Err() != nil {
			mu.Lock()
			cancelled = append(cancelled, ids[i:]...)
			mu.Unlock()
			break
		}

		g.Go(func() error {
			// The slot may have opened after cancellation.
			if ctx.Err() != nil {
				mu.Lock()
				cancelled = append(cancelled, batch...)
				mu.Unlock()
				return nil
			}
			mu.Lock()
			started++
			mu.Unlock()
			do(batch)
			return nil
		})
	}
	g.Wait()

	sort.Strings(cancelled)
	return cancelled, started
}

// callContext detaches a remote call from run cancellation so an in-flight
// batch completes, bounded by CallTimeout.
func (f *BatchFetcher) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), f.opts.CallTimeout)
}

// fetchBatch runs one GetBatch unit through the retry machine. Only ids
// that failed transiently are sent again on retry.
func (f *BatchFetcher) fetchBatch(ctx context.Context, batch []string, res *RefreshResult) {
	remaining := batch
	var fetched, invalidated int
	var permanent []string

	state := runRetry(ctx, "get_batch", f.opts.Retry, f.opts.Sleep, func(ctx context.Context) error {
		if err := f.limiter.Wait(ctx); err != nil {
			return err
		}

		callCtx, cancel := f.callContext(ctx)
		defer cancel()

		start := time.Now()
		out, err := f.src.GetBatch(callCtx, remaining)
		metrics.RecordRemoteCall("get_batch", time.Since(start), err)
		if err != nil {
			return err
		}

		var retry []string
		var lastErr error
		for _, id := range remaining {
			r, ok := out[id]
			if !ok {
				r.Err = provider.Transient(fmt.Errorf("missing from batch response: %s", id))
			}
			switch {
			case r.Err == nil && r.Record.Trashed:
				if f.cache.Invalidate(id) {
					invalidated++
				}
			case r.Err == nil:
				rec := r.Record
				if rec.ID != "" && rec.ID != id {
					logging.WithContext(ctx).Warn("batch returned a record under another id, keeping the requested id",
						logging.String("requested", id), logging.String("returned", rec.ID))
					metrics.RecordCacheEvent("id_mismatch")
				}
				rec.ID = id
				f.cache.Put(rec)
				fetched++
			case errors.Is(r.Err, provider.ErrNotFound):
				if f.cache.Invalidate(id) {
					invalidated++
				}
			case provider.IsTransient(r.Err):
				retry = append(retry, id)
				lastErr = r.Err
			default:
				logging.WithContext(ctx).Warn("metadata fetch failed",
					logging.String("id", id), logging.Err(r.Err))
				permanent = append(permanent, id)
			}
		}

		remaining = retry
		if len(retry) > 0 {
			return provider.Transient(fmt.Errorf("%d items need retry: %w", len(retry), lastErr))
		}
		return nil
	})

	if state.Phase != PhaseSucceeded && len(remaining) > 0 {
		logging.WithContext(ctx).Warn("batch exhausted",
			logging.Int("ids", len(remaining)),
			logging.Int("attempts", state.Attempt),
			logging.Err(state.LastErr))
		permanent = append(permanent, remaining...)
	}

	res.mu.Lock()
	res.Fetched += fetched
	res.Invalidated += invalidated
	res.Retries += state.Attempt - 1
	res.mu.Unlock()
	if len(permanent) > 0 {
		res.addFailed(permanent...)
	}
}

// TrashFiles moves ids to the remote trash. Every success is invalidated
// in the cache.
func (f *BatchFetcher) TrashFiles(ctx context.Context, ids []string) (*TrashResult, error) {
	res := &TrashResult{Errors: make(map[string]error)}

	bar := f.newBar(len(ids), "Moving to trash")
	res.Cancelled, res.Batches = f.forEachBatch(ctx, ids, func(batch []string) {
		f.trashBatch(ctx, batch, res)
		bar.Add(len(batch))
		if _, err := f.cache.Persist(false); err != nil {
			logging.WithContext(ctx).Warn("cache persist failed", logging.Err(err))
		}
	})
	bar.Finish()

	if _, err := f.cache.Persist(true); err != nil {
		logging.WithContext(ctx).Warn("final cache persist failed", logging.Err(err))
		res.PersistErr = err
	}

	sort.Strings(res.Succeeded)
	sort.Strings(res.Failed)
	metrics.RecordItems("trash", "success", len(res.Succeeded))
	metrics.RecordItems("trash", "failed", len(res.Failed))

	if err := ctx.Err(); err != nil {
		return res, err
	}
	return res, nil
}

// trashBatch runs one TrashBatch unit through the retry machine.
func (f *BatchFetcher) trashBatch(ctx context.Context, batch []string, res *TrashResult) {
	remaining := batch
	lastErrs := make(map[string]error)

	state := runRetry(ctx, "trash_batch", f.opts.Retry, f.opts.Sleep, func(ctx context.Context) error {
		if err := f.limiter.Wait(ctx); err != nil {
			return err
		}

		callCtx, cancel := f.callContext(ctx)
		defer cancel()

		start := time.Now()
		out, err := f.src.TrashBatch(callCtx, remaining)
		metrics.RecordRemoteCall("trash_batch", time.Since(start), err)
		if err != nil {
			return err
		}

		var retry []string
		for _, id := range remaining {
			itemErr, ok := out[id]
			if !ok {
				itemErr = provider.Transient(fmt.Errorf("missing from trash response: %s", id))
			}
			switch {
			case itemErr == nil:
				f.cache.Invalidate(id)
				res.mu.Lock()
				res.Succeeded = append(res.Succeeded, id)
				res.mu.Unlock()
			case provider.IsTransient(itemErr):
				retry = append(retry, id)
				lastErrs[id] = itemErr
			default:
				logging.WithContext(ctx).Warn("trash failed", logging.String("id", id), logging.Err(itemErr))
				res.fail(id, itemErr)
			}
		}

		remaining = retry
		if len(retry) > 0 {
			return provider.Transient(fmt.Errorf("%d items need retry", len(retry)))
		}
		return nil
	})

	if state.Phase != PhaseSucceeded {
		for _, id := range remaining {
			err := lastErrs[id]
			if err == nil {
				err = state.LastErr
			}
			res.fail(id, err)
		}
		if len(remaining) > 0 {
			logging.WithContext(ctx).Warn("trash batch exhausted",
				logging.Int("ids", len(remaining)),
				logging.Int("attempts", state.Attempt),
				logging.Err(state.LastErr))
		}
	}

	res.mu.Lock()
	res.Retries += state.Attempt - 1
	res.mu.Unlock()
}

// progress wraps an optional progress bar.
type progress struct {
	bar *progressbar.ProgressBar
}

func (p progress) Add(n int) {
	if p.bar != nil {
		p.bar.Add(n)
	}
}

func (p progress) Reset() {
	if p.bar != nil {
		p.bar.Reset()
	}
}

func (p progress) Finish() {
	if p.bar != nil {
		p.bar.Finish()
	}
}

// newBar returns a progress bar on stderr, inert when progress is off.
func (f *BatchFetcher) newBar(total int, desc string) progress {
	if !f.opts.Progress {
		return progress{}
	}
	return progress{bar: progressbar.NewOptions(total,
		progressbar.OptionSetDescription(desc),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(total > 0),
		progressbar.OptionFullWidth(),
		progressbar.OptionClearOnFinish(),
	)}
}
