// Package rclone provides an rclone-based Source implementation.
// Any remote rclone can reach (Google Drive, OneDrive, S3, ...) can be
// scanned, provided the backend reports an MD5 hash.
package rclone

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dupescan/dupescan/internal/model"
	"github.com/dupescan/dupescan/internal/provider"
)

// RootFolder is the parent id reported for files at the top of the remote.
const RootFolder = "/"

// Source implements provider.Source by shelling out to rclone.
//
// Records are keyed by the backend ID when rclone reports one (Drive does),
// otherwise by path. Parents are directory paths, so folder statistics read
// as paths without a second listing of folders.
type Source struct {
	remoteName string // rclone remote, e.g. "gdrive:" or "gdrive:Photos"
	configPath string
	binary     string

	mu     sync.RWMutex
	paths  map[string]string              // record id -> path relative to remote
	atPath map[string]map[string]struct{} // path -> ids listed there

	fpOnce      sync.Once
	fingerprint string
}

// New creates a Source for remoteName.
func New(remoteName, configPath string) *Source {
	if !strings.Contains(remoteName, ":") {
		remoteName += ":"
	}
	return &Source{
		remoteName: remoteName,
		configPath: configPath,
		binary:     "rclone",
		paths:      make(map[string]string),
		atPath:     make(map[string]map[string]struct{}),
	}
}

// Open is the registry factory for "rclone:<remote>".
func Open(target string) (provider.Source, error) {
	if target == "" {
		return nil, fmt.Errorf("rclone source requires a remote name")
	}
	if _, err := exec.LookPath("rclone"); err != nil {
		return nil, fmt.Errorf("rclone not found in PATH: %w", err)
	}
	return New(target, os.Getenv("RCLONE_CONFIG")), nil
}

// Name returns the source URI.
func (s *Source) Name() string {
	return "rclone:" + s.remoteName
}

// Fingerprint hashes the remote's rclone config section, which holds the
// token and account the listing was made with.
func (s *Source) Fingerprint() string {
	s.fpOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		remote, _, _ := strings.Cut(s.remoteName, ":")
		out, err := s.rcloneCmd(ctx, "config", "show", remote).Output()
		if err != nil {
			s.fingerprint = provider.Fingerprint(s.remoteName)
			return
		}
		s.fingerprint = provider.Fingerprint(s.remoteName, string(out))
	})
	return s.fingerprint
}

// lsjsonItem is one element of `rclone lsjson` output.
type lsjsonItem struct {
	Path     string            `json:"Path"`
	Name     string            `json:"Name"`
	Size     int64             `json:"Size"`
	MimeType string            `json:"MimeType"`
	ModTime  time.Time         `json:"ModTime"`
	IsDir    bool              `json:"IsDir"`
	ID       string            `json:"ID"`
	Hashes   map[string]string `json:"Hashes"`
}

// id is the backend ID, or the path on backends that report none.
func (it lsjsonItem) id() string {
	if it.ID == "" {
		return it.Path
	}
	return it.ID
}

// record converts a listing item into a FileRecord.
func (it lsjsonItem) record() model.FileRecord {
	id := it.id()
	parent := path.Dir(it.Path)
	if parent == "." || parent == "" {
		parent = RootFolder
	}
	rec := model.FileRecord{
		ID:          id,
		Name:        it.Name,
		MimeType:    it.MimeType,
		ContentHash: strings.ToLower(it.Hashes["md5"]),
		Size:        it.Size,
		Parents:     []string{parent},
		ModifiedAt:  it.ModTime,
	}
	if it.IsDir {
		rec.MimeType = "inode/directory"
		rec.ContentHash = ""
	}
	if rec.Size < 0 {
		// Native documents report -1.
		rec.Size = 0
	}
	return rec
}

// listingDecoder streams items out of a JSON array without buffering it.
type listingDecoder struct {
	dec     *json.Decoder
	started bool
}

func newListingDecoder(r io.Reader) *listingDecoder {
	return &listingDecoder{dec: json.NewDecoder(r)}
}

// next returns the next item, or ok=false at the end of the array.
func (d *listingDecoder) next() (lsjsonItem, bool, error) {
	if !d.started {
		tok, err := d.dec.Token()
		if err != nil {
			return lsjsonItem{}, false, fmt.Errorf("failed to read listing: %w", err)
		}
		if delim, ok := tok.(json.Delim); !ok || delim != '[' {
			return lsjsonItem{}, false, fmt.Errorf("unexpected listing token %v", tok)
		}
		d.started = true
	}
	if !d.dec.More() {
		return lsjsonItem{}, false, nil
	}
	var item lsjsonItem
	if err := d.dec.Decode(&item); err != nil {
		return lsjsonItem{}, false, fmt.Errorf("failed to parse listing entry: %w", err)
	}
	return item, true, nil
}

// iterator yields records while `rclone lsjson -R` is still running.
type iterator struct {
	src    *Source
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *bytes.Buffer
	dec    *listingDecoder
	done   bool
}

// List starts a recursive listing of the remote.
func (s *Source) List(ctx context.Context) (provider.RecordIterator, error) {
	cmd := s.rcloneCmd(ctx, "lsjson", "-R", "--files-only", "--hash", "--hash-type", "md5", s.remoteName)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open listing pipe: %w", err)
	}
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, provider.Permanent(fmt.Errorf("failed to start rclone: %w", err))
	}
	return &iterator{
		src:    s,
		cmd:    cmd,
		stdout: stdout,
		stderr: stderr,
		dec:    newListingDecoder(stdout),
	}, nil
}

// Next returns the next listed file.
func (it *iterator) Next(ctx context.Context) (model.FileRecord, bool, error) {
	if it.done {
		return model.FileRecord{}, false, nil
	}
	if err := ctx.Err(); err != nil {
		return model.FileRecord{}, false, err
	}
	item, ok, err := it.dec.next()
	if err != nil {
		// rclone may still be writing; stop it before reaping.
		it.Close()
		return model.FileRecord{}, false, provider.Transient(err)
	}
	if !ok {
		it.done = true
		if err := it.cmd.Wait(); err != nil {
			return model.FileRecord{}, false, classify("lsjson", err, it.stderr.String())
		}
		return model.FileRecord{}, false, nil
	}
	rec := item.record()
	it.src.remember(rec.ID, item.Path)
	return rec, true, nil
}

// Close stops the listing if it is still running.
func (it *iterator) Close() error {
	if it.done {
		return nil
	}
	it.done = true
	it.stdout.Close()
	if it.cmd.Process != nil {
		it.cmd.Process.Kill()
	}
	it.cmd.Wait()
	return nil
}

func (s *Source) remember(id, p string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.paths[id]; ok && old != p {
		s.unlink(id, old)
	}
	s.paths[id] = p
	if s.atPath[p] == nil {
		s.atPath[p] = make(map[string]struct{})
	}
	s.atPath[p][id] = struct{}{}
}

func (s *Source) forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.paths[id]; ok {
		s.unlink(id, p)
		delete(s.paths, id)
	}
}

// unlink drops id from the path index. Caller holds mu.
func (s *Source) unlink(id, p string) {
	delete(s.atPath[p], id)
	if len(s.atPath[p]) == 0 {
		delete(s.atPath, p)
	}
}

// resolve groups ids by their listed path. Unknown ids are returned separately.
// Drive allows several files with one name in a folder, so a path may carry
// more than one id.
func (s *Source) resolve(ids []string) (map[string][]string, []string) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byPath := make(map[string][]string, len(ids))
	var unknown []string
	for _, id := range ids {
		p, ok := s.paths[id]
		if !ok {
			unknown = append(unknown, id)
			continue
		}
		byPath[p] = append(byPath[p], id)
	}
	return byPath, unknown
}

// sharedWith returns the other listed ids at p.
func (s *Source) sharedWith(p, id string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var others []string
	for other := range s.atPath[p] {
		if other != id {
			others = append(others, other)
		}
	}
	sort.Strings(others)
	return others
}

func pathsOf[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for p := range m {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// findID picks the object carrying id out of the objects listed at one path.
func findID(items []lsjsonItem, id string) (lsjsonItem, bool) {
	for _, it := range items {
		if it.id() == id {
			return it, true
		}
	}
	return lsjsonItem{}, false
}

// GetBatch lists exactly the batch's paths with --files-from-raw and matches
// the objects found back to ids.
func (s *Source) GetBatch(ctx context.Context, ids []string) (map[string]provider.BatchResult, error) {
	result := make(map[string]provider.BatchResult, len(ids))
	byPath, unknown := s.resolve(ids)
	for _, id := range unknown {
		result[id] = provider.BatchResult{Err: provider.NotFound(id)}
	}
	if len(byPath) == 0 {
		return result, nil
	}

	items, err := s.lookup(ctx, pathsOf(byPath))
	if err != nil {
		return nil, err
	}
	for p, group := range byPath {
		for _, id := range group {
			item, ok := findID(items[p], id)
			if !ok {
				result[id] = provider.BatchResult{Err: provider.NotFound(id)}
				continue
			}
			result[id] = provider.BatchResult{Record: item.record()}
		}
	}
	return result, nil
}

// TrashBatch deletes the batch with Drive's trash semantics, then re-lists
// to find out which deletions actually took effect.
//
// rclone deletes by path. Only a path currently holding exactly the one
// object is handed to `rclone delete`; an object sharing its path is first
// moved by id to a path of its own, and is refused if that move fails.
func (s *Source) TrashBatch(ctx context.Context, ids []string) (map[string]error, error) {
	result := make(map[string]error, len(ids))
	byPath, unknown := s.resolve(ids)
	for _, id := range unknown {
		result[id] = provider.NotFound(id)
	}
	if len(byPath) == 0 {
		return result, nil
	}

	before, err := s.lookup(ctx, pathsOf(byPath))
	if err != nil {
		return nil, err
	}

	targets := make(map[string]string, len(ids)) // unique path -> id
	for p, group := range byPath {
		items := before[p]
		for _, id := range group {
			if _, ok := findID(items, id); !ok {
				result[id] = provider.NotFound(id)
				s.forget(id)
				continue
			}
			if len(items) == 1 {
				targets[p] = id
				continue
			}
			dest, err := s.isolate(ctx, id, p)
			if err != nil {
				result[id] = err
				continue
			}
			targets[dest] = id
		}
	}
	if len(targets) == 0 {
		return result, nil
	}

	paths := pathsOf(targets)
	listFile, err := writeFilesFrom(paths)
	if err != nil {
		return nil, err
	}
	defer os.Remove(listFile)

	cmd := s.rcloneCmd(ctx, "delete", "--drive-use-trash=true", "--files-from-raw", listFile, s.remoteName)
	output, runErr := cmd.CombinedOutput()

	// Verify deletion regardless of exit status: rclone exits non-zero
	// when any single file fails, but the rest are already gone.
	remaining, err := s.lookup(ctx, paths)
	if err != nil {
		if runErr != nil {
			return nil, classify("delete", runErr, string(output))
		}
		return nil, err
	}
	for p, id := range targets {
		if _, still := findID(remaining[p], id); still {
			if runErr != nil {
				result[id] = classify("delete", runErr, string(output))
			} else {
				result[id] = provider.Transient(fmt.Errorf("verification failed: %s (%s) still exists", p, id))
			}
			continue
		}
		result[id] = nil
		s.forget(id)
	}
	return result, nil
}

// isolate moves id, by id, to a path no other object uses.
func (s *Source) isolate(ctx context.Context, id, p string) (string, error) {
	dest := isolatedPath(p, id)
	out, err := s.rcloneCmd(ctx, "backend", "moveid", s.remoteName, id, dest).CombinedOutput()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", provider.Permanent(fmt.Errorf("refusing to trash %s: %s is shared with %s and moving it by id failed: %w (%s)",
			id, p, strings.Join(s.sharedWith(p, id), ", "), err, strings.TrimSpace(string(out))))
	}
	s.remember(id, dest)
	return dest, nil
}

// isolatedPath renames "dir/a.jpg" to "dir/a (dupescan <id>).jpg".
func isolatedPath(p, id string) string {
	dir, name := path.Split(p)
	ext := path.Ext(name)
	return dir + strings.TrimSuffix(name, ext) + " (dupescan " + id + ")" + ext
}

// lookup lists the given paths and returns the objects found at each.
func (s *Source) lookup(ctx context.Context, paths []string) (map[string][]lsjsonItem, error) {
	listFile, err := writeFilesFrom(paths)
	if err != nil {
		return nil, err
	}
	defer os.Remove(listFile)

	cmd := s.rcloneCmd(ctx, "lsjson", "-R", "--files-only", "--no-traverse", "--hash", "--hash-type", "md5",
		"--files-from-raw", listFile, s.remoteName)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, classify("lsjson", err, stderr.String())
	}

	found := make(map[string][]lsjsonItem)
	dec := newListingDecoder(bytes.NewReader(out))
	for {
		item, ok, err := dec.next()
		if err != nil {
			return nil, provider.Transient(err)
		}
		if !ok {
			break
		}
		found[item.Path] = append(found[item.Path], item)
	}
	return found, nil
}

// writeFilesFrom writes one path per line into a temp file for --files-from-raw.
func writeFilesFrom(paths []string) (string, error) {
	f, err := os.CreateTemp("", "dupescan-files-*.txt")
	if err != nil {
		return "", fmt.Errorf("failed to create file list: %w", err)
	}
	defer f.Close()

	for _, p := range paths {
		if _, err := fmt.Fprintln(f, p); err != nil {
			os.Remove(f.Name())
			return "", fmt.Errorf("failed to write file list: %w", err)
		}
	}
	return f.Name(), nil
}

// rcloneCmd creates an rclone command with common flags.
func (s *Source) rcloneCmd(ctx context.Context, args ...string) *exec.Cmd {
	allArgs := args
	if s.configPath != "" {
		allArgs = append([]string{"--config", s.configPath}, args...)
	}
	return exec.CommandContext(ctx, s.binary, allArgs...)
}

// classify maps an rclone failure onto the provider error classes.
// See `rclone help flags` exit code list: 1 usage, 3 dir not found,
// 4 file not found, 5 temporary, 6 less serious, 7 fatal, 8 transfer limit.
func classify(op string, err error, stderr string) error {
	msg := strings.TrimSpace(stderr)
	base := fmt.Errorf("rclone %s failed: %w (%s)", op, err, msg)

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "ratelimitexceeded") || strings.Contains(lower, "userratelimitexceeded") ||
		strings.Contains(lower, "too many requests") {
		return provider.Transient(fmt.Errorf("%w: %w", provider.ErrRateLimited, base))
	}
	if strings.Contains(lower, "insufficientfilepermissions") || strings.Contains(lower, "permission denied") {
		return provider.Permanent(fmt.Errorf("%w: %w", provider.ErrPermission, base))
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return provider.Transient(base)
	}
	switch exitErr.ExitCode() {
	case 1, 7:
		return provider.Permanent(base)
	case 3, 4:
		return provider.Permanent(fmt.Errorf("%w: %w", provider.ErrNotFound, base))
	default:
		return provider.Transient(base)
	}
}
