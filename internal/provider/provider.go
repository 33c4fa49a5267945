// Package provider defines the remote Source contract and its error taxonomy.
// Sources are PLUGINS: no remote-specific logic lives in core.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/dupescan/dupescan/internal/model"
)

// Error classes. Sources wrap their failures with one of these so the
// retry engine can tell what is worth another attempt.
var (
	ErrTransient   = errors.New("transient remote error")
	ErrPermanent   = errors.New("permanent remote error")
	ErrNotFound    = errors.New("not found")
	ErrPermission  = errors.New("permission denied")
	ErrRateLimited = errors.New("rate limited")
)

// classified attaches an error class to an underlying error.
type classified struct {
	class error
	err   error
}

func (c *classified) Error() string {
	return fmt.Sprintf("%v: %v", c.class, c.err)
}

func (c *classified) Unwrap() []error {
	return []error{c.class, c.err}
}

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classified{class: ErrTransient, err: err}
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classified{class: ErrPermanent, err: err}
}

// NotFound reports a missing id. Always permanent.
func NotFound(id string) error {
	return Permanent(fmt.Errorf("%w: %s", ErrNotFound, id))
}

// IsTransient reports whether err should be retried.
// Unclassified errors are assumed transient; network failures are the
// common case and a wasted retry is cheaper than a lost batch.
// Context cancellation is never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrPermanent) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrPermission) {
		return false
	}
	return true
}

// BatchResult is the per-id outcome of a GetBatch call.
// Exactly one of Record or Err is meaningful.
type BatchResult struct {
	Record model.FileRecord
	Err    error
}

// RecordIterator lazily yields listed records. Next returns ok=false once
// the listing is exhausted.
type RecordIterator interface {
	Next(ctx context.Context) (rec model.FileRecord, ok bool, err error)
	Close() error
}

// Source is a remote file collection.
//
// A call-level error means the whole batch failed. Per-id errors in the
// returned map mean only that item failed.
type Source interface {
	// Name returns the source URI this instance was opened from.
	Name() string

	// Fingerprint identifies the credentials or account in use.
	// A cache written under a different fingerprint is discarded.
	Fingerprint() string

	// List starts a fresh enumeration of every file. Calling List again
	// restarts from the beginning.
	List(ctx context.Context) (RecordIterator, error)

	// GetBatch fetches full metadata for ids.
	GetBatch(ctx context.Context, ids []string) (map[string]BatchResult, error)

	// TrashBatch moves ids to the remote trash. A nil error for an id
	// means it was trashed.
	TrashBatch(ctx context.Context, ids []string) (map[string]error, error)
}

// SliceIterator iterates over an in-memory slice of records.
type SliceIterator struct {
	records []model.FileRecord
	pos     int
}

// NewSliceIterator returns an iterator over records.
func NewSliceIterator(records []model.FileRecord) *SliceIterator {
	return &SliceIterator{records: records}
}

// Next returns the next record.
func (it *SliceIterator) Next(ctx context.Context) (model.FileRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return model.FileRecord{}, false, err
	}
	if it.pos >= len(it.records) {
		return model.FileRecord{}, false, nil
	}
	rec := it.records[it.pos]
	it.pos++
	return rec, true, nil
}

// Close is a no-op.
func (it *SliceIterator) Close() error {
	return nil
}

// Collect drains an iterator into a slice and closes it.
func Collect(ctx context.Context, it RecordIterator) ([]model.FileRecord, error) {
	defer it.Close()

	var out []model.FileRecord
	for {
		rec, ok, err := it.Next(ctx)
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, rec)
	}
}
