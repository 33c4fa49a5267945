// Package model defines the core domain models for dupescan.
package model

import (
	"strings"
	"time"
)

// Mime types that never carry a content hash on Drive-like remotes.
const (
	MimeTypeFolder      = "application/vnd.google-apps.folder"
	NativeDocMimePrefix = "application/vnd.google-apps."
)

// FileRecord is the metadata for one remote file or folder.
// Immutable once fetched, except Trashed.
type FileRecord struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	MimeType    string    `json:"mime_type,omitempty"`
	ContentHash string    `json:"content_hash,omitempty"` // empty means the remote reports no hash
	Size        int64     `json:"size"`
	Parents     []string  `json:"parents,omitempty"`
	Trashed     bool      `json:"trashed"`
	ModifiedAt  time.Time `json:"modified_at"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
}

// HasHash reports whether the remote supplied a content hash.
func (r FileRecord) HasHash() bool {
	return r.ContentHash != ""
}

// IsFolder reports whether the record is a folder.
func (r FileRecord) IsFolder() bool {
	return r.MimeType == MimeTypeFolder || r.MimeType == "inode/directory"
}

// IsNativeDoc reports whether the record is a remote-native document
// (Docs, Sheets, ...) with no downloadable bytes.
func (r FileRecord) IsNativeDoc() bool {
	return strings.HasPrefix(r.MimeType, NativeDocMimePrefix) && !r.IsFolder()
}

// CacheEntry is a cached record plus the time it was fetched.
type CacheEntry struct {
	Record    FileRecord `json:"record"`
	FetchedAt time.Time  `json:"fetched_at"`
}

// IsFresh reports whether the entry is younger than ttl at now.
func (e CacheEntry) IsFresh(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.FetchedAt) < ttl
}

// DuplicateGroup is a set of live records sharing one content hash.
// Members are ordered by ModifiedAt ascending, then ID.
type DuplicateGroup struct {
	Hash    string       `json:"hash"`
	Members []FileRecord `json:"members"`
	Keeper  string       `json:"keeper,omitempty"` // empty until resolved
}

// Size returns the number of members.
func (g DuplicateGroup) Size() int {
	return len(g.Members)
}

// KeeperID returns the resolved keeper, or the first member when unresolved.
func (g DuplicateGroup) KeeperID() string {
	if g.Keeper != "" {
		return g.Keeper
	}
	if len(g.Members) == 0 {
		return ""
	}
	return g.Members[0].ID
}

// WastedBytes is the summed size of every member except the keeper.
func (g DuplicateGroup) WastedBytes() int64 {
	keeper := g.KeeperID()
	var total int64
	for _, m := range g.Members {
		if m.ID != keeper {
			total += m.Size
		}
	}
	return total
}

// SameName reports whether every member has an identical name.
func (g DuplicateGroup) SameName() bool {
	if len(g.Members) < 2 {
		return true
	}
	for _, m := range g.Members[1:] {
		if m.Name != g.Members[0].Name {
			return false
		}
	}
	return true
}

// Member returns the member with the given id.
func (g DuplicateGroup) Member(id string) (FileRecord, bool) {
	for _, m := range g.Members {
		if m.ID == id {
			return m, true
		}
	}
	return FileRecord{}, false
}

// FolderStat summarises duplication inside one folder.
type FolderStat struct {
	FolderID       string `json:"folder_id"`
	Name           string `json:"name,omitempty"`
	TotalFiles     int    `json:"total_files"`
	DuplicateFiles int    `json:"duplicate_files"`
	WastedBytes    int64  `json:"wasted_bytes"`
}

// DuplicateOnly reports whether every file in the folder is a non-keeper duplicate.
func (s FolderStat) DuplicateOnly() bool {
	return s.TotalFiles >= 1 && s.DuplicateFiles == s.TotalFiles
}

// DeletionReason says why a record was chosen for deletion.
type DeletionReason string

const (
	DeletionReasonSameName       DeletionReason = "same-name"
	DeletionReasonKeeperSelected DeletionReason = "keeper-selected"
)

// DeletionCandidate is a record planned to move to trash.
type DeletionCandidate struct {
	Record   FileRecord     `json:"record"`
	Hash     string         `json:"hash"`
	KeeperID string         `json:"keeper_id"`
	Reason   DeletionReason `json:"reason"`
}

// DeletionPlan is the ordered set of candidates produced for one run.
type DeletionPlan struct {
	Candidates []DeletionCandidate `json:"candidates"`
	Skipped    []string            `json:"skipped,omitempty"` // hashes of groups left alone
	TotalBytes int64               `json:"total_bytes"`
}

// IDs returns the candidate record ids in plan order.
func (p *DeletionPlan) IDs() []string {
	ids := make([]string, 0, len(p.Candidates))
	for _, c := range p.Candidates {
		ids = append(ids, c.Record.ID)
	}
	return ids
}

// RunReport collects everything one scan produced.
type RunReport struct {
	RunID            string           `json:"run_id"`
	Source           string           `json:"source"`
	StartedAt        time.Time        `json:"started_at"`
	FinishedAt       time.Time        `json:"finished_at"`
	TotalScanned     int              `json:"total_scanned"`
	Fetched          int              `json:"fetched"`
	FromCache        int              `json:"from_cache"`
	Groups           []DuplicateGroup `json:"groups"`
	Folders          []FolderStat     `json:"folders"`
	TotalWastedBytes int64            `json:"total_wasted_bytes"`
	Plan             *DeletionPlan    `json:"plan,omitempty"`
	FetchFailed      []string         `json:"fetch_failed,omitempty"`
	TrashSucceeded   []string         `json:"trash_succeeded,omitempty"`
	TrashFailed      []string         `json:"trash_failed,omitempty"`
	Warnings         []string         `json:"warnings,omitempty"`
}

// FolderName returns the display name for a folder id, falling back to the id.
func (r *RunReport) FolderName(id string) string {
	for _, f := range r.Folders {
		if f.FolderID == id && f.Name != "" {
			return f.Name
		}
	}
	return id
}

// DuplicateOnlyFolders returns the folders where every file is a duplicate.
func (r *RunReport) DuplicateOnlyFolders() []FolderStat {
	var out []FolderStat
	for _, f := range r.Folders {
		if f.DuplicateOnly() {
			out = append(out, f)
		}
	}
	return out
}
