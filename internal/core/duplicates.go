// Package core provides duplicate grouping and deletion planning.
//
// INVARIANTS:
// - A group holds two or more live records with the same non-empty hash
// - Members are ordered by modified time ascending, then id
// - Same-name groups keep their first member without asking anyone
// - Every other group blocks on the KeeperResolver
package core

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/dupescan/dupescan/internal/model"
)

// ErrSkipGroup is returned by a KeeperResolver to leave a group untouched.
var ErrSkipGroup = errors.New("group skipped")

// GroupPolicy filters records before grouping.
type GroupPolicy struct {
	SkipZeroSize   bool // empty files all share one hash
	SkipFolders    bool
	SkipNativeDocs bool // remote-native documents have no stable bytes
}

// DefaultGroupPolicy keeps zero-byte files and drops folders and native docs.
func DefaultGroupPolicy() GroupPolicy {
	return GroupPolicy{
		SkipFolders:    true,
		SkipNativeDocs: true,
	}
}

func (p GroupPolicy) eligible(r model.FileRecord) bool {
	switch {
	case r.Trashed || !r.HasHash():
		return false
	case p.SkipFolders && r.IsFolder():
		return false
	case p.SkipNativeDocs && r.IsNativeDoc():
		return false
	case p.SkipZeroSize && r.Size == 0:
		return false
	}
	return true
}

// groupKey buckets by size as well as hash so a hash collision across
// different sizes never forms a group.
type groupKey struct {
	hash string
	size int64
}

// ComputeDuplicates groups records by content hash.
func ComputeDuplicates(records []model.FileRecord, policy GroupPolicy) []model.DuplicateGroup {
	buckets := make(map[groupKey][]model.FileRecord)
	for _, r := range records {
		if !policy.eligible(r) {
			continue
		}
		k := groupKey{hash: r.ContentHash, size: r.Size}
		buckets[k] = append(buckets[k], r)
	}

	groups := make([]model.DuplicateGroup, 0)
	for k, members := range buckets {
		if len(members) < 2 {
			continue
		}
		sortMembers(members)
		groups = append(groups, model.DuplicateGroup{Hash: k.hash, Members: members})
	}

	sortGroups(groups)
	return groups
}

// sortMembers orders by modified time ascending, then id.
func sortMembers(members []model.FileRecord) {
	sort.Slice(members, func(i, j int) bool {
		a, b := members[i], members[j]
		if !a.ModifiedAt.Equal(b.ModifiedAt) {
			return a.ModifiedAt.Before(b.ModifiedAt)
		}
		return a.ID < b.ID
	})
}

// sortGroups orders by wasted bytes descending, then hash and size.
func sortGroups(groups []model.DuplicateGroup) {
	sort.Slice(groups, func(i, j int) bool {
		wi, wj := groups[i].WastedBytes(), groups[j].WastedBytes()
		if wi != wj {
			return wi > wj
		}
		if groups[i].Hash != groups[j].Hash {
			return groups[i].Hash < groups[j].Hash
		}
		return groups[i].Members[0].Size < groups[j].Members[0].Size
	})
}

// TotalWasted sums wasted bytes across groups.
func TotalWasted(groups []model.DuplicateGroup) int64 {
	var total int64
	for _, g := range groups {
		total += g.WastedBytes()
	}
	return total
}

// KeeperResolver chooses which member of a group survives.
// Returning ErrSkipGroup leaves the whole group alone.
type KeeperResolver interface {
	ResolveKeeper(ctx context.Context, group model.DuplicateGroup) (string, error)
}

// KeeperFunc adapts a function to KeeperResolver.
type KeeperFunc func(ctx context.Context, group model.DuplicateGroup) (string, error)

// ResolveKeeper calls fn.
func (fn KeeperFunc) ResolveKeeper(ctx context.Context, group model.DuplicateGroup) (string, error) {
	return fn(ctx, group)
}

// FirstKeeper always keeps the oldest member.
var FirstKeeper = KeeperFunc(func(_ context.Context, g model.DuplicateGroup) (string, error) {
	return g.Members[0].ID, nil
})

// PlanDeletions assigns a keeper to every group and lists the rest as
// deletion candidates. The returned groups carry their keeper; skipped
// groups keep an empty Keeper.
func PlanDeletions(ctx context.Context, groups []model.DuplicateGroup, resolver KeeperResolver) (*model.DeletionPlan, []model.DuplicateGroup, error) {
	plan := &model.DeletionPlan{}
	resolved := make([]model.DuplicateGroup, 0, len(groups))

	for _, g := range groups {
		if len(g.Members) < 2 {
			continue
		}

		reason := model.DeletionReasonSameName
		keeper := g.Members[0].ID
		if !g.SameName() {
			if resolver == nil {
				return nil, nil, fmt.Errorf("group %s has differing names and no keeper resolver", g.Hash)
			}
			if err := ctx.Err(); err != nil {
				return nil, nil, err
			}
			id, err := resolver.ResolveKeeper(ctx, g)
			if errors.Is(err, ErrSkipGroup) {
				plan.Skipped = append(plan.Skipped, g.Hash)
				g.Keeper = ""
				resolved = append(resolved, g)
				continue
			}
			if err != nil {
				return nil, nil, fmt.Errorf("failed to resolve keeper for group %s: %w", g.Hash, err)
			}
			if _, ok := g.Member(id); !ok {
				return nil, nil, fmt.Errorf("keeper %s is not a member of group %s", id, g.Hash)
			}
			keeper = id
			reason = model.DeletionReasonKeeperSelected
		}

		g.Keeper = keeper
		for _, m := range g.Members {
			if m.ID == keeper {
				continue
			}
			plan.Candidates = append(plan.Candidates, model.DeletionCandidate{
				Record:   m,
				Hash:     g.Hash,
				KeeperID: keeper,
				Reason:   reason,
			})
			plan.TotalBytes += m.Size
		}
		resolved = append(resolved, g)
	}

	return plan, resolved, nil
}
