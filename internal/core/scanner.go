// Package core provides the Scanner, which runs one full duplicate scan.
//
// A run is:
//
//	refresh cache -> group -> plan keepers -> folder stats -> optional trash
//
// INVARIANTS:
// - Analysis only ever reads the cache, never the remote
// - Nothing is trashed unless Trash is set and Confirm approves the preview
// - Fetch and persist problems become report warnings, not run failures
// - A failed listing falls back to the cached snapshot and never trashes
package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dupescan/dupescan/internal/logging"
	"github.com/dupescan/dupescan/internal/metrics"
	"github.com/dupescan/dupescan/internal/model"
)

// ErrNotConfirmed is recorded when the deletion preview was declined.
var ErrNotConfirmed = errors.New("deletion not confirmed")

// RunOptions controls one Scanner.Run.
type RunOptions struct {
	Force  bool // refetch even fresh cache entries
	Trash  bool // plan keepers and move duplicates to trash
	DryRun bool // plan and preview but never call TrashBatch
	// Confirm is shown the preview before anything is trashed. A nil
	// Confirm declines.
	Confirm func(*DeletePreview) bool
}

// Scanner wires the fetcher, grouping, planning and deletion together.
type Scanner struct {
	fetcher  *BatchFetcher
	deleter  *DeleteCoordinator
	resolver KeeperResolver
	policy   GroupPolicy
	now      func() time.Time
}

// NewScanner creates a scanner. resolver is consulted only for groups whose
// members have differing names, and only when trashing.
func NewScanner(fetcher *BatchFetcher, resolver KeeperResolver, policy GroupPolicy) *Scanner {
	return &Scanner{
		fetcher:  fetcher,
		deleter:  NewDeleteCoordinator(fetcher),
		resolver: resolver,
		policy:   policy,
		now:      time.Now,
	}
}

// Run performs one scan. The report is always returned, partially filled
// when err is non-nil.
func (s *Scanner) Run(ctx context.Context, opts RunOptions) (*model.RunReport, error) {
	report := &model.RunReport{
		RunID:     uuid.NewString(),
		Source:    s.fetcher.Source().Name(),
		StartedAt: s.now(),
	}
	ctx = logging.WithRun(ctx, report.RunID)
	log := logging.WithContext(ctx)
	defer func() { report.FinishedAt = s.now() }()

	log.Info("scan started",
		logging.String("source", report.Source),
		logging.String("cache_status", string(s.fetcher.Cache().Status())))

	stage := time.Now()
	refresh, err := s.fetcher.RefreshAll(ctx, opts.Force)
	metrics.RecordStage("refresh", time.Since(stage))
	report.Fetched = refresh.Fetched
	report.FromCache = refresh.Skipped
	report.FetchFailed = refresh.Failed
	if len(refresh.Failed) > 0 {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("%d files could not be fetched and were left out", len(refresh.Failed)))
	}
	if refresh.PersistErr != nil {
		report.Warnings = append(report.Warnings, fmt.Sprintf("cache not saved: %v", refresh.PersistErr))
	}
	offline := false
	if err != nil {
		if len(refresh.Cancelled) > 0 {
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("%d files were not fetched before cancellation", len(refresh.Cancelled)))
		}
		if !s.canUseSnapshot(err) {
			return report, err
		}
		offline = true
		log.Warn("listing failed, analysing cached snapshot", logging.Err(err))
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("listing failed; analysed cached snapshot from %s: %v", snapshotAge(s.fetcher.Cache()), err))
	}

	stage = time.Now()
	records := s.fetcher.Cache().Records()
	report.TotalScanned = len(records)
	groups := ComputeDuplicates(records, s.policy)
	metrics.RecordStage("group", time.Since(stage))

	if opts.Trash && offline {
		report.Warnings = append(report.Warnings, "trash skipped: the remote could not be listed")
	}
	if opts.Trash && !offline && len(groups) > 0 {
		plan, resolved, err := PlanDeletions(ctx, groups, s.resolver)
		if err != nil {
			report.Groups = groups
			return report, fmt.Errorf("failed to plan deletions: %w", err)
		}
		report.Plan = plan
		groups = resolved
	}
	report.Groups = groups
	report.TotalWastedBytes = TotalWasted(groups)
	metrics.SetDuplicates(len(groups), report.TotalWastedBytes)

	stage = time.Now()
	report.Folders = ComputeFolderStats(records, groups, FolderNames(records))
	metrics.RecordStage("folders", time.Since(stage))

	log.Info("analysis complete",
		logging.Int("records", report.TotalScanned),
		logging.Int("groups", len(groups)),
		logging.Int64("wasted_bytes", report.TotalWastedBytes))

	if report.Plan == nil || len(report.Plan.Candidates) == 0 {
		return report, nil
	}

	req := &DeleteRequest{Plan: report.Plan, DryRun: opts.DryRun}
	preview := s.deleter.Preview(req)
	if opts.Confirm == nil || !opts.Confirm(preview) {
		log.Info("deletion declined", logging.Int("candidates", len(preview.Files)))
		report.Warnings = append(report.Warnings, ErrNotConfirmed.Error())
		return report, nil
	}

	stage = time.Now()
	result, err := s.deleter.Execute(ctx, req, true)
	metrics.RecordStage("trash", time.Since(stage))
	if result != nil {
		if !result.DryRun {
			report.TrashSucceeded = result.Trashed
		}
		report.TrashFailed = result.Failed
		for _, e := range result.Errors {
			report.Warnings = append(report.Warnings, e.Error())
		}
		if len(result.Cancelled) > 0 {
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("%d files were not trashed before cancellation", len(result.Cancelled)))
		}
	}
	return report, err
}

// canUseSnapshot reports whether a refresh error still leaves a cached
// snapshot worth analysing. Cancellation always stops the run.
func (s *Scanner) canUseSnapshot(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errors.Is(err, ErrListFailed) && s.fetcher.Cache().Len() > 0
}

func snapshotAge(c *MetadataCache) string {
	last := c.LastPersisted()
	if last.IsZero() {
		return "an unsaved cache"
	}
	return last.Format(time.RFC3339)
}
