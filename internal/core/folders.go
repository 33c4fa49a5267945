package core

import (
	"sort"

	"github.com/dupescan/dupescan/internal/model"
)

// ComputeFolderStats counts files, non-keeper duplicates and wasted bytes
// per parent folder. A record with several parents counts in each of them.
// Groups without a resolved keeper treat their first member as the keeper.
func ComputeFolderStats(records []model.FileRecord, groups []model.DuplicateGroup, names map[string]string) []model.FolderStat {
	dups := make(map[string]struct{})
	for _, g := range groups {
		keeper := g.KeeperID()
		for _, m := range g.Members {
			if m.ID != keeper {
				dups[m.ID] = struct{}{}
			}
		}
	}

	byFolder := make(map[string]*model.FolderStat)
	stat := func(id string) *model.FolderStat {
		s, ok := byFolder[id]
		if !ok {
			s = &model.FolderStat{FolderID: id, Name: names[id]}
			byFolder[id] = s
		}
		return s
	}

	for _, r := range records {
		if r.Trashed || r.IsFolder() {
			continue
		}
		_, isDup := dups[r.ID]
		for _, parent := range uniqueParents(r.Parents) {
			s := stat(parent)
			s.TotalFiles++
			if isDup {
				s.DuplicateFiles++
				s.WastedBytes += r.Size
			}
		}
	}

	out := make([]model.FolderStat, 0, len(byFolder))
	for _, s := range byFolder {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.WastedBytes != b.WastedBytes {
			return a.WastedBytes > b.WastedBytes
		}
		if a.DuplicateFiles != b.DuplicateFiles {
			return a.DuplicateFiles > b.DuplicateFiles
		}
		return a.FolderID < b.FolderID
	})
	return out
}

// uniqueParents drops repeated parent ids so a record counts once per folder.
func uniqueParents(parents []string) []string {
	if len(parents) < 2 {
		return parents
	}
	seen := make(map[string]struct{}, len(parents))
	out := make([]string, 0, len(parents))
	for _, p := range parents {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// FolderNames maps folder record ids to their names.
func FolderNames(records []model.FileRecord) map[string]string {
	names := make(map[string]string)
	for _, r := range records {
		if r.IsFolder() {
			names[r.ID] = r.Name
		}
	}
	return names
}
