// Package report renders a RunReport as a text summary or a CSV file.
package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/dupescan/dupescan/internal/model"
)

// MaxTextGroups caps how many groups WriteText lists in full.
const MaxTextGroups = 20

// CSVHeader is the column set of WriteCSV, one row per keeper/duplicate pair.
var CSVHeader = []string{
	"File Name",
	"Full Path",
	"Size (Bytes)",
	"Size (Human Readable)",
	"File ID",
	"MD5 Checksum",
	"Duplicate Group ID",
	"Parent Folder",
	"Parent Folder ID",
	"Duplicate File Name",
	"Duplicate File Path",
	"Duplicate File Size",
	"Duplicate File ID",
}

func size(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.IBytes(uint64(n))
}

func firstParent(r model.FileRecord) string {
	if len(r.Parents) == 0 {
		return ""
	}
	return r.Parents[0]
}

// fullPath joins the parent folder's display name and the file name.
func fullPath(report *model.RunReport, r model.FileRecord) string {
	parent := firstParent(r)
	if parent == "" {
		return r.Name
	}
	name := report.FolderName(parent)
	if name == "/" {
		return "/" + r.Name
	}
	return name + "/" + r.Name
}

// DuplicateCount is the number of non-keeper members across all groups.
func DuplicateCount(groups []model.DuplicateGroup) int {
	n := 0
	for _, g := range groups {
		n += len(g.Members) - 1
	}
	return n
}

// CSVFilename returns the default export name for a run finished at now.
func CSVFilename(now time.Time) string {
	return fmt.Sprintf("duplicate_files_%s.csv", now.Format("20060102_150405"))
}

// WriteCSV writes one row per duplicate, paired with its group's keeper.
func WriteCSV(w io.Writer, report *model.RunReport) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}

	for _, g := range report.Groups {
		keeper, ok := g.Member(g.KeeperID())
		if !ok {
			continue
		}
		for _, dup := range g.Members {
			if dup.ID == keeper.ID {
				continue
			}
			parent := firstParent(keeper)
			row := []string{
				keeper.Name,
				fullPath(report, keeper),
				strconv.FormatInt(keeper.Size, 10),
				size(keeper.Size),
				keeper.ID,
				keeper.ContentHash,
				g.Hash,
				report.FolderName(parent),
				parent,
				dup.Name,
				fullPath(report, dup),
				strconv.FormatInt(dup.Size, 10),
				dup.ID,
			}
			if err := cw.Write(row); err != nil {
				return fmt.Errorf("failed to write csv row: %w", err)
			}
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("failed to flush csv: %w", err)
	}
	return nil
}

// WriteText prints the human summary of a run.
func WriteText(w io.Writer, report *model.RunReport) {
	fmt.Fprintf(w, "Scan %s of %s\n", report.RunID, report.Source)
	if !report.FinishedAt.IsZero() {
		fmt.Fprintf(w, "Took %s\n", report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))
	}
	fmt.Fprintf(w, "Scanned %s records (%s fetched, %s from cache)\n",
		humanize.Comma(int64(report.TotalScanned)),
		humanize.Comma(int64(report.Fetched)),
		humanize.Comma(int64(report.FromCache)))

	fmt.Fprintf(w, "\nFound %d duplicate groups\n", len(report.Groups))
	fmt.Fprintf(w, "Total duplicate files: %d\n", DuplicateCount(report.Groups))
	fmt.Fprintf(w, "Total wasted space: %s\n", size(report.TotalWastedBytes))

	if len(report.Groups) > 0 {
		fmt.Fprintln(w, "\nDuplicate groups:")
		for i, g := range report.Groups {
			if i == MaxTextGroups {
				fmt.Fprintf(w, "  ... and %d more\n", len(report.Groups)-MaxTextGroups)
				break
			}
			fmt.Fprintf(w, "  [%d] %d copies of %s, %s wasted\n",
				i+1, g.Size(), size(g.Members[0].Size), size(g.WastedBytes()))
			keeper := g.KeeperID()
			for _, m := range g.Members {
				mark := "dup "
				if m.ID == keeper {
					mark = "keep"
				}
				fmt.Fprintf(w, "      %s  %s\n", mark, fullPath(report, m))
			}
		}
	}

	var withDups []model.FolderStat
	for _, f := range report.Folders {
		if f.DuplicateFiles > 0 {
			withDups = append(withDups, f)
		}
	}
	if len(withDups) > 0 {
		fmt.Fprintln(w, "\nFolders with duplicates:")
		for _, f := range withDups {
			fmt.Fprintf(w, "  %-40s %d/%d duplicates, %s\n",
				report.FolderName(f.FolderID), f.DuplicateFiles, f.TotalFiles, size(f.WastedBytes))
		}
	}

	if only := report.DuplicateOnlyFolders(); len(only) > 0 {
		fmt.Fprintln(w, "\nFolders containing only duplicates:")
		for _, f := range only {
			fmt.Fprintf(w, "  %s\n", report.FolderName(f.FolderID))
		}
	}

	if p := report.Plan; p != nil {
		fmt.Fprintf(w, "\nDeletion plan: %d files, %s", len(p.Candidates), size(p.TotalBytes))
		if len(p.Skipped) > 0 {
			fmt.Fprintf(w, " (%d groups skipped)", len(p.Skipped))
		}
		fmt.Fprintln(w)
	}
	if len(report.TrashSucceeded) > 0 || len(report.TrashFailed) > 0 {
		fmt.Fprintf(w, "Moved to trash: %d, failed: %d\n", len(report.TrashSucceeded), len(report.TrashFailed))
	}
	for _, id := range report.TrashFailed {
		fmt.Fprintf(w, "  failed to trash %s\n", id)
	}

	if len(report.FetchFailed) > 0 {
		fmt.Fprintf(w, "\nCould not fetch %d files:\n", len(report.FetchFailed))
		for _, id := range report.FetchFailed {
			fmt.Fprintf(w, "  %s\n", id)
		}
	}

	if len(report.Warnings) > 0 {
		fmt.Fprintln(w, "\nWarnings:")
		for _, warn := range report.Warnings {
			fmt.Fprintf(w, "  - %s\n", warn)
		}
	}
}
