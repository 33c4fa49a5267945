// Package cli provides the engine integration for the dupescan CLI.
// This file contains the core initialization and command implementations.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dupescan/dupescan/internal/config"
	"github.com/dupescan/dupescan/internal/core"
	"github.com/dupescan/dupescan/internal/logging"
	"github.com/dupescan/dupescan/internal/metrics"
	"github.com/dupescan/dupescan/internal/model"
	"github.com/dupescan/dupescan/internal/provider"
	"github.com/dupescan/dupescan/internal/provider/memory"
	"github.com/dupescan/dupescan/internal/provider/rclone"
	"github.com/dupescan/dupescan/internal/provider/s3"
	"github.com/dupescan/dupescan/internal/report"
)

// PassphraseEnv holds the optional SQLCipher key for sqlite caches.
const PassphraseEnv = "DUPESCAN_PASSPHRASE"

// Engine holds the dupescan core components for one command.
type Engine struct {
	Config  *config.Config
	Sources *provider.Registry
	Source  provider.Source
	Store   core.SnapshotStore
	Cache   *core.MetadataCache
	Fetcher *core.BatchFetcher
}

// Console streams. Tests swap them.
var (
	stdin  io.Reader = os.Stdin
	stdout io.Writer = os.Stdout

	inputOnce sync.Once
	input     *bufio.Reader
)

// reader returns the shared stdin reader so prompts never lose buffered input.
func reader() *bufio.Reader {
	inputOnce.Do(func() { input = bufio.NewReader(stdin) })
	return input
}

// sourceInfo describes a registered scheme for `dupescan sources`.
type sourceInfo struct {
	scheme  string
	example string
	summary string
	open    provider.Factory
}

var builtinSources = []sourceInfo{
	{"memory", "memory:fixtures.json", "in-memory records, optionally seeded from a JSON file", memory.Open},
	{"rclone", "rclone:gdrive:", "any rclone remote that reports MD5 hashes", rclone.Open},
	{"s3", "s3://bucket/prefix", "S3-compatible bucket via minio-go (ETag as MD5)", s3.Open},
}

// NewRegistry returns a registry with every built-in source.
func NewRegistry() *provider.Registry {
	r := provider.NewRegistry()
	for _, s := range builtinSources {
		if err := r.Register(s.scheme, s.open); err != nil {
			panic(err)
		}
	}
	return r
}

// InitEngine opens the source and loads the cache bound to it.
func InitEngine(cfg *config.Config) (*Engine, error) {
	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}

	sources := NewRegistry()
	src, err := sources.Open(cfg.Source)
	if err != nil {
		return nil, err
	}

	fingerprint, err := credentialFingerprint(src, cfg.CredentialsFile)
	if err != nil {
		return nil, err
	}

	store := openStore(cfg)
	cache := core.LoadCache(store, fingerprint, core.CacheOptions{
		TTL:             time.Duration(cfg.CacheTTL),
		PersistInterval: time.Duration(cfg.PersistInterval),
	})

	fetcher := core.NewBatchFetcher(src, cache, core.FetchOptions{
		BatchSize:   cfg.BatchSize,
		Concurrency: cfg.Concurrency,
		Retry: core.RetryPolicy{
			MaxAttempts: cfg.MaxRetries,
			BaseDelay:   time.Duration(cfg.RetryBaseDelay),
			MaxDelay:    time.Duration(cfg.RetryMaxDelay),
			Multiplier:  2.0,
			Jitter:      0.2,
		},
		RequestsPerSecond: cfg.RequestsPerSecond,
		Progress:          cfg.Progress,
	})

	return &Engine{
		Config:  cfg,
		Sources: sources,
		Source:  src,
		Store:   store,
		Cache:   cache,
		Fetcher: fetcher,
	}, nil
}

// openStore picks the snapshot format.
func openStore(cfg *config.Config) core.SnapshotStore {
	if cfg.CacheFormat == config.CacheFormatSQLite {
		return core.NewSQLiteSnapshotStore(cfg.CachePath(), os.Getenv(PassphraseEnv))
	}
	return core.NewJSONSnapshotStore(cfg.CachePath())
}

// credentialFingerprint binds the cache to the source identity and, when
// configured, the credentials file contents.
func credentialFingerprint(src provider.Source, credentialsFile string) (string, error) {
	if credentialsFile == "" {
		return src.Fingerprint(), nil
	}
	data, err := os.ReadFile(credentialsFile)
	if err != nil {
		return "", fmt.Errorf("failed to read credentials file: %w", err)
	}
	return provider.Fingerprint(src.Fingerprint(), string(data)), nil
}

// finish flushes metrics and logs for a command.
func (e *Engine) finish() {
	if e.Config.MetricsFile != "" {
		if err := metrics.WriteTextfile(e.Config.MetricsFile); err != nil {
			logging.Warn("failed to write metrics file", logging.Err(err))
		}
	}
	_ = logging.Sync()
}

// ConfirmAction prompts the user for confirmation.
func ConfirmAction(prompt string) bool {
	fmt.Fprintf(stdout, "%s [y/N]: ", prompt)
	response, _ := reader().ReadString('\n')
	response = strings.TrimSpace(strings.ToLower(response))
	return response == "y" || response == "yes"
}

// --- Command Implementations ---

// RunScan runs the full pipeline and prints the report.
func RunScan(ctx context.Context, cfg *config.Config) error {
	e, err := InitEngine(cfg)
	if err != nil {
		return err
	}
	defer e.finish()

	var resolver core.KeeperResolver = core.FirstKeeper
	if cfg.Keep == config.KeepPrompt {
		resolver = NewPromptResolver(reader(), stdout, func() map[string]string {
			return core.FolderNames(e.Cache.Records())
		})
	}

	policy := core.DefaultGroupPolicy()
	policy.SkipZeroSize = cfg.SkipEmpty

	scanner := core.NewScanner(e.Fetcher, resolver, policy)
	rep, runErr := scanner.Run(ctx, core.RunOptions{
		Force:  cfg.ForceRefresh,
		Trash:  cfg.Trash,
		DryRun: cfg.DryRun,
		Confirm: func(p *core.DeletePreview) bool {
			printPreview(stdout, p, cfg.DryRun)
			if cfg.Yes || cfg.DryRun {
				return true
			}
			return ConfirmAction(fmt.Sprintf("Move %d files (%s) to trash?", len(p.Files), core.FormatSize(p.TotalSize)))
		},
	})

	if rep != nil {
		fmt.Fprintln(stdout)
		report.WriteText(stdout, rep)

		if cfg.CSVOutput != "" && len(rep.Groups) > 0 {
			if err := writeCSV(cfg.CSVOutput, rep); err != nil {
				logging.Error("csv export failed", logging.Err(err))
				if runErr == nil {
					runErr = err
				}
			}
		}
	}

	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			return fmt.Errorf("scan interrupted: %w", runErr)
		}
		return runErr
	}
	return nil
}

func writeCSV(path string, rep *model.RunReport) error {
	if path == "auto" {
		path = report.CSVFilename(rep.FinishedAt)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create csv: %w", err)
	}
	if err := report.WriteCSV(f, rep); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close csv: %w", err)
	}
	fmt.Fprintf(stdout, "\n✓ Exported duplicate information to %s\n", path)
	return nil
}

// printPreview lists what a confirmed deletion would trash.
func printPreview(w io.Writer, p *core.DeletePreview, dry bool) {
	if dry {
		fmt.Fprintln(w, "\nDry run: nothing will be trashed.")
	}
	fmt.Fprintf(w, "\nFiles to move to trash (%d, %s):\n", len(p.Files), core.FormatSize(p.TotalSize))
	for _, f := range p.Files {
		fmt.Fprintf(w, "  %10s  %s  (keeping %s)\n", core.FormatSize(f.Size), f.Name, f.KeeperID)
	}
}

// sqliteMode describes the on-disk protection of a sqlite snapshot.
func sqliteMode(ctx context.Context, s *core.SQLiteSnapshotStore) string {
	status, err := s.Status(ctx)
	switch {
	case errors.Is(err, core.ErrSnapshotNotFound):
		return "no snapshot yet"
	case err != nil:
		return fmt.Sprintf("unreadable with the configured key: %v", err)
	case status.IsEncrypted:
		return "SQLCipher " + status.CipherVersion
	default:
		return "plain"
	}
}

// RunCacheStatus shows cache statistics.
func RunCacheStatus(ctx context.Context, cfg *config.Config) error {
	e, err := InitEngine(cfg)
	if err != nil {
		return err
	}
	defer e.finish()

	policy := core.DefaultGroupPolicy()
	policy.SkipZeroSize = cfg.SkipEmpty

	fmt.Fprintln(stdout, "Cache Status")
	fmt.Fprintln(stdout, "============")
	fmt.Fprintf(stdout, "Source:       %s\n", e.Source.Name())
	if s, ok := e.Store.(*core.SQLiteSnapshotStore); ok {
		fmt.Fprintf(stdout, "Format:       sqlite (%s)\n", sqliteMode(ctx, s))
	} else {
		fmt.Fprintln(stdout, "Format:       json")
	}
	fmt.Fprintf(stdout, "TTL:          %s\n", e.Cache.TTL())
	core.BuildOverview(e.Cache, policy, 10).Write(stdout)
	return nil
}

// RunCacheClear invalidates every entry after confirmation.
func RunCacheClear(cfg *config.Config) error {
	e, err := InitEngine(cfg)
	if err != nil {
		return err
	}
	defer e.finish()

	count := e.Cache.Len()
	if count == 0 {
		fmt.Fprintln(stdout, "Cache is empty.")
		return nil
	}

	stats := e.Cache.Stats()
	fmt.Fprintf(stdout, "Will clear %d entries (%s of file metadata)\n", count, core.FormatSize(stats.TotalSize))

	if !cfg.Yes && !ConfirmAction("Clear cache?") {
		fmt.Fprintln(stdout, "Cancelled.")
		return nil
	}

	e.Cache.Clear()
	if _, err := e.Cache.Persist(true); err != nil {
		return err
	}

	fmt.Fprintf(stdout, "✓ Cleared %d cache entries\n", count)
	return nil
}

// RunSources lists the supported source schemes.
func RunSources() error {
	r := NewRegistry()
	byScheme := make(map[string]sourceInfo, len(builtinSources))
	for _, s := range builtinSources {
		byScheme[s.scheme] = s
	}

	fmt.Fprintln(stdout, "Supported sources:")
	for _, scheme := range r.Schemes() {
		s := byScheme[scheme]
		fmt.Fprintf(stdout, "  %-8s %-24s %s\n", scheme, s.example, s.summary)
	}
	return nil
}
