// Package core provides the cache Overview behind `cache status`.
//
// INVARIANTS:
// - Read-only operations only
// - NO remote calls
// - Human-readable summary
package core

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/dupescan/dupescan/internal/model"
)

// Overview summarises what the cache currently holds.
type Overview struct {
	GeneratedAt time.Time
	Stats       *CacheStats

	// Record Summary
	Files      int
	Folders    int
	NativeDocs int
	Hashless   int // files the remote gave no hash for
	FileBytes  int64

	// Duplicate Summary (from cache only)
	DuplicateGroups int
	WastedBytes     int64

	Largest []model.FileRecord
}

// BuildOverview computes an Overview from the cache. top caps Largest.
func BuildOverview(c *MetadataCache, policy GroupPolicy, top int) *Overview {
	o := &Overview{
		GeneratedAt: c.now(),
		Stats:       c.Stats(),
	}

	records := c.Records()
	var files []model.FileRecord
	for _, r := range records {
		switch {
		case r.IsFolder():
			o.Folders++
		case r.IsNativeDoc():
			o.NativeDocs++
		default:
			o.Files++
			o.FileBytes += r.Size
			if !r.HasHash() {
				o.Hashless++
			}
			files = append(files, r)
		}
	}

	groups := ComputeDuplicates(records, policy)
	o.DuplicateGroups = len(groups)
	o.WastedBytes = TotalWasted(groups)

	sort.Slice(files, func(i, j int) bool {
		if files[i].Size != files[j].Size {
			return files[i].Size > files[j].Size
		}
		return files[i].ID < files[j].ID
	})
	if top > len(files) {
		top = len(files)
	}
	if top > 0 {
		o.Largest = files[:top]
	}
	return o
}

// FormatSize renders bytes the way every dupescan summary does.
func FormatSize(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.IBytes(uint64(n))
}

// Write prints the overview.
func (o *Overview) Write(w io.Writer) {
	s := o.Stats
	fmt.Fprintf(w, "Cache:        %s\n", s.Path)
	fmt.Fprintf(w, "Status:       %s\n", s.Status)
	fmt.Fprintf(w, "Fingerprint:  %s\n", s.Fingerprint)
	if !s.LastPersisted.IsZero() {
		fmt.Fprintf(w, "Last saved:   %s (%s)\n",
			s.LastPersisted.Format(time.RFC3339), humanize.RelTime(s.LastPersisted, o.GeneratedAt, "ago", "from now"))
	}
	fmt.Fprintf(w, "Entries:      %s (%s fresh, %s stale)\n",
		humanize.Comma(int64(s.TotalEntries)), humanize.Comma(int64(s.FreshEntries)), humanize.Comma(int64(s.StaleEntries)))
	fmt.Fprintf(w, "Files:        %s (%s)\n", humanize.Comma(int64(o.Files)), FormatSize(o.FileBytes))
	fmt.Fprintf(w, "Folders:      %s\n", humanize.Comma(int64(o.Folders)))
	if o.NativeDocs > 0 {
		fmt.Fprintf(w, "Native docs:  %s (never grouped)\n", humanize.Comma(int64(o.NativeDocs)))
	}
	if o.Hashless > 0 {
		fmt.Fprintf(w, "No hash:      %s (never grouped)\n", humanize.Comma(int64(o.Hashless)))
	}
	fmt.Fprintf(w, "Duplicates:   %s groups, %s reclaimable\n",
		humanize.Comma(int64(o.DuplicateGroups)), FormatSize(o.WastedBytes))

	if len(o.Largest) > 0 {
		fmt.Fprintln(w, "\nLargest files:")
		for _, r := range o.Largest {
			fmt.Fprintf(w, "  %10s  %s\n", FormatSize(r.Size), r.Name)
		}
	}
}
