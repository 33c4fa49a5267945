// Package core provides the metadata cache for dupescan.
//
// Cache rules:
// - Durable across runs via a SnapshotStore
// - Bound to one credential fingerprint; a different fingerprint discards it
// - Entries older than the TTL are stale but still returned by Get
// - A corrupt or unreadable snapshot yields an empty cache, never an error
//
// One instance per run, owned by the caller. All mutation goes through the
// cache mutex so workers may Put and Invalidate concurrently.
package core

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tidwall/btree"

	"github.com/dupescan/dupescan/internal/logging"
	"github.com/dupescan/dupescan/internal/metrics"
	"github.com/dupescan/dupescan/internal/model"
)

// Cache defaults.
const (
	DefaultCacheTTL        = 24 * time.Hour
	DefaultPersistInterval = 5 * time.Minute
)

// LoadStatus says how a cache came to hold what it holds.
type LoadStatus string

const (
	LoadStatusLoaded              LoadStatus = "loaded"
	LoadStatusEmpty               LoadStatus = "empty"
	LoadStatusCorrupt             LoadStatus = "corrupt"
	LoadStatusFingerprintMismatch LoadStatus = "fingerprint_mismatch"
)

// CacheOptions configures a MetadataCache.
type CacheOptions struct {
	TTL             time.Duration
	PersistInterval time.Duration
	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

func (o CacheOptions) withDefaults() CacheOptions {
	if o.TTL <= 0 {
		o.TTL = DefaultCacheTTL
	}
	if o.PersistInterval <= 0 {
		o.PersistInterval = DefaultPersistInterval
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// MetadataCache is the durable id -> CacheEntry map.
type MetadataCache struct {
	mu        sync.RWMutex
	persistMu sync.Mutex

	store       SnapshotStore
	entries     *btree.Map[string, model.CacheEntry]
	fingerprint string
	lastPersist time.Time
	dirty       bool
	gen         uint64 // bumped on every mutation
	status      LoadStatus

	ttl      time.Duration
	interval time.Duration
	now      func() time.Time
}

// LoadCache reads the snapshot from store and binds it to fingerprint.
func LoadCache(store SnapshotStore, fingerprint string, opts CacheOptions) *MetadataCache {
	opts = opts.withDefaults()

	c := &MetadataCache{
		store:       store,
		entries:     btree.NewMap[string, model.CacheEntry](0),
		fingerprint: fingerprint,
		lastPersist: opts.Now(),
		ttl:         opts.TTL,
		interval:    opts.PersistInterval,
		now:         opts.Now,
	}

	snap, err := store.Load()
	switch {
	case errors.Is(err, ErrSnapshotNotFound):
		c.status = LoadStatusEmpty
		logging.Debug("no cache snapshot, starting empty", logging.String("path", store.Path()))
	case err != nil:
		c.status = LoadStatusCorrupt
		c.dirty = true
		logging.Warn("cache snapshot unreadable, starting empty",
			logging.String("path", store.Path()), logging.Err(err))
	case snap.Fingerprint != fingerprint:
		// Never merge across credentials.
		c.status = LoadStatusFingerprintMismatch
		c.dirty = true
		logging.Info("cache fingerprint changed, discarding cache",
			logging.String("cached", snap.Fingerprint), logging.String("current", fingerprint))
	default:
		c.status = LoadStatusLoaded
		for id, e := range snap.Entries {
			c.entries.Set(id, e)
		}
		if !snap.PersistedAt.IsZero() {
			c.lastPersist = snap.PersistedAt
		}
		logging.Debug("cache loaded",
			logging.String("path", store.Path()), logging.Int("entries", c.entries.Len()))
	}

	metrics.SetCacheEntries(c.entries.Len())
	return c
}

// Status reports how the cache was loaded.
func (c *MetadataCache) Status() LoadStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Fingerprint returns the credential fingerprint the cache is bound to.
func (c *MetadataCache) Fingerprint() string {
	return c.fingerprint
}

// TTL returns the freshness window.
func (c *MetadataCache) TTL() time.Duration {
	return c.ttl
}

// Get returns the entry for id regardless of freshness.
func (c *MetadataCache) Get(id string) (model.CacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries.Get(id)
}

// Put stores rec stamped with the current time.
func (c *MetadataCache) Put(rec model.FileRecord) model.CacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := model.CacheEntry{Record: rec, FetchedAt: c.now()}
	c.entries.Set(rec.ID, entry)
	c.touch()
	return entry
}

// Invalidate removes id. It reports whether an entry was removed.
func (c *MetadataCache) Invalidate(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries.Delete(id); !ok {
		return false
	}
	c.touch()
	metrics.RecordCacheEvent("invalidate")
	return true
}

// Clear removes every entry.
func (c *MetadataCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = btree.NewMap[string, model.CacheEntry](0)
	c.touch()
}

// touch marks the cache dirty. Caller holds mu.
func (c *MetadataCache) touch() {
	c.dirty = true
	c.gen++
}

// IsFresh reports whether entry is within the TTL.
func (c *MetadataCache) IsFresh(entry model.CacheEntry) bool {
	return entry.IsFresh(c.now(), c.ttl)
}

// Len returns the number of entries.
func (c *MetadataCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries.Len()
}

// Dirty reports whether there are changes not yet persisted.
func (c *MetadataCache) Dirty() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dirty
}

// LastPersisted returns when the cache was last written, or loaded.
func (c *MetadataCache) LastPersisted() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastPersist
}

// IDs returns every cached id in order.
func (c *MetadataCache) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, c.entries.Len())
	c.entries.Scan(func(id string, _ model.CacheEntry) bool {
		ids = append(ids, id)
		return true
	})
	return ids
}

// Records returns every non-trashed record in id order.
func (c *MetadataCache) Records() []model.FileRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]model.FileRecord, 0, c.entries.Len())
	c.entries.Scan(func(_ string, e model.CacheEntry) bool {
		if !e.Record.Trashed {
			out = append(out, e.Record)
		}
		return true
	})
	return out
}

// Persist writes the cache if it is dirty and either force is set or the
// persist interval has elapsed. It reports whether a write happened.
// On failure the in-memory state is untouched and stays dirty.
func (c *MetadataCache) Persist(force bool) (bool, error) {
	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	c.mu.RLock()
	now := c.now()
	if !c.dirty || (!force && now.Sub(c.lastPersist) < c.interval) {
		c.mu.RUnlock()
		return false, nil
	}
	snap := &Snapshot{
		Version:     SnapshotVersion,
		Fingerprint: c.fingerprint,
		PersistedAt: now,
		Entries:     make(map[string]model.CacheEntry, c.entries.Len()),
	}
	c.entries.Scan(func(id string, e model.CacheEntry) bool {
		snap.Entries[id] = e
		return true
	})
	gen := c.gen
	c.mu.RUnlock()

	if err := c.store.Save(snap); err != nil {
		metrics.RecordCacheEvent("persist_error")
		return false, fmt.Errorf("failed to persist cache: %w", err)
	}

	c.mu.Lock()
	c.lastPersist = now
	if c.gen == gen {
		c.dirty = false
	}
	c.mu.Unlock()

	metrics.RecordCacheEvent("persist")
	metrics.SetCacheEntries(len(snap.Entries))
	return true, nil
}

// CacheStats holds cache statistics.
type CacheStats struct {
	Path          string
	Fingerprint   string
	Status        LoadStatus
	TotalEntries  int
	FreshEntries  int
	StaleEntries  int
	Trashed       int
	TotalSize     int64
	LastPersisted time.Time
}

// Stats returns cache statistics.
func (c *MetadataCache) Stats() *CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	stats := &CacheStats{
		Path:          c.store.Path(),
		Fingerprint:   c.fingerprint,
		Status:        c.status,
		TotalEntries:  c.entries.Len(),
		LastPersisted: c.lastPersist,
	}
	c.entries.Scan(func(_ string, e model.CacheEntry) bool {
		if e.IsFresh(now, c.ttl) {
			stats.FreshEntries++
		} else {
			stats.StaleEntries++
		}
		if e.Record.Trashed {
			stats.Trashed++
		}
		stats.TotalSize += e.Record.Size
		return true
	})
	return stats
}
