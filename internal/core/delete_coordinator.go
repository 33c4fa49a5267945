// Package core provides the DeleteCoordinator, the only path to the remote trash.
//
// INVARIANTS:
// - NO Source.TrashBatch() calls outside DeleteCoordinator
// - Execution requires explicit confirmation
// - A group's keeper is never trashed
// - Partial failures are reported per file, never hidden
package core

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dupescan/dupescan/internal/logging"
	"github.com/dupescan/dupescan/internal/model"
)

// DeleteRequest specifies what to trash.
type DeleteRequest struct {
	Plan   *model.DeletionPlan
	DryRun bool
}

// DeleteItem represents a single file to be trashed.
type DeleteItem struct {
	ID       string
	Name     string
	Parent   string
	Size     int64
	KeeperID string
}

// DeletePreview shows what would be trashed.
type DeletePreview struct {
	Files                []DeleteItem
	TotalSize            int64
	ByFolder             map[string]int
	RequiresConfirmation bool // UX flag for prompts
}

// DeleteResult reports what was trashed.
type DeleteResult struct {
	Trashed   []string
	Failed    []string
	Cancelled []string
	Errors    []error
	DryRun    bool
}

// DeleteCoordinator centralizes all trash operations.
type DeleteCoordinator struct {
	fetcher *BatchFetcher
	mu      sync.Mutex
}

// NewDeleteCoordinator creates a new delete coordinator.
func NewDeleteCoordinator(fetcher *BatchFetcher) *DeleteCoordinator {
	return &DeleteCoordinator{fetcher: fetcher}
}

// Preview generates a dry-run preview of what would be trashed.
func (dc *DeleteCoordinator) Preview(req *DeleteRequest) *DeletePreview {
	preview := &DeletePreview{
		Files:                make([]DeleteItem, 0, len(req.Plan.Candidates)),
		ByFolder:             make(map[string]int),
		RequiresConfirmation: true,
	}

	for _, c := range req.Plan.Candidates {
		parent := ""
		if len(c.Record.Parents) > 0 {
			parent = c.Record.Parents[0]
		}
		preview.Files = append(preview.Files, DeleteItem{
			ID:       c.Record.ID,
			Name:     c.Record.Name,
			Parent:   parent,
			Size:     c.Record.Size,
			KeeperID: c.KeeperID,
		})
		preview.TotalSize += c.Record.Size
		for _, p := range c.Record.Parents {
			preview.ByFolder[p]++
		}
	}

	return preview
}

// validatePlan refuses plans that would trash a keeper.
func validatePlan(plan *model.DeletionPlan) error {
	keepers := make(map[string]struct{})
	for _, c := range plan.Candidates {
		keepers[c.KeeperID] = struct{}{}
	}
	for _, c := range plan.Candidates {
		if _, ok := keepers[c.Record.ID]; ok {
			return fmt.Errorf("refusing to trash %s: it is the keeper of a duplicate group", c.Record.ID)
		}
	}
	return nil
}

// Execute trashes every candidate in the plan.
func (dc *DeleteCoordinator) Execute(ctx context.Context, req *DeleteRequest, confirmed bool) (*DeleteResult, error) {
	if !confirmed {
		return nil, fmt.Errorf("deletion requires explicit confirmation")
	}
	if err := validatePlan(req.Plan); err != nil {
		return nil, err
	}

	ids := req.Plan.IDs()
	if req.DryRun {
		sort.Strings(ids)
		return &DeleteResult{Trashed: ids, DryRun: true}, nil
	}

	dc.mu.Lock()
	defer dc.mu.Unlock()

	logging.WithContext(ctx).Info("moving duplicates to trash", logging.Int("files", len(ids)))

	tr, err := dc.fetcher.TrashFiles(ctx, ids)
	result := &DeleteResult{
		Trashed:   tr.Succeeded,
		Failed:    tr.Failed,
		Cancelled: tr.Cancelled,
	}
	for _, id := range tr.Failed {
		result.Errors = append(result.Errors, fmt.Errorf("failed to trash %s: %w", id, tr.Errors[id]))
	}
	if tr.PersistErr != nil {
		result.Errors = append(result.Errors, fmt.Errorf("warning: %w", tr.PersistErr))
	}
	return result, err
}
