// Package cli implements the dupescan command-line interface.
// Built with cobra following the operational rules:
// - Report only unless --trash is given
// - All destructive actions require confirmation
// - Every run reads through the local metadata cache
package cli

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dupescan/dupescan/internal/config"
)

var (
	// Global flags
	verbose     bool
	quiet       bool
	configFile  string
	dryRun      bool
	cacheDir    string
	cacheFormat string
	logLevel    string
	logFile     string
	metricsFile string
	batchSize   int
	concurrency int
	maxRetries  int
	rps         float64

	// Scan flags
	sourceURI    string
	refreshCache bool
	trash        bool
	yes          bool
	keepMode     string
	skipEmpty    bool
	csvOutput    string
)

// rootCmd is the base command for dupescan.
var rootCmd = &cobra.Command{
	Use:   "dupescan",
	Short: "Find and trash duplicate files in remote storage",
	Long: `dupescan finds duplicate files in a remote file collection.

It provides:
  • Duplicate detection from the content hashes the remote reports
  • A local metadata cache so repeat scans skip unchanged files
  • Batched, rate-limited fetching with retry and backoff
  • Per-folder duplicate statistics and CSV export
  • Confirmed, reversible cleanup through the remote trash

Sources: rclone remotes, S3-compatible buckets, in-memory fixtures`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. SIGINT and SIGTERM cancel the run; the
// batches already in flight finish and the cache is saved.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	// Global flags available to all commands
	pf := rootCmd.PersistentFlags()
	pf.BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	pf.BoolVarP(&quiet, "quiet", "q", false, "Suppress non-essential output")
	pf.StringVar(&configFile, "config", "", "Use alternate config file")
	pf.BoolVar(&dryRun, "dry-run", false, "Show what would be done without doing it")
	pf.StringVar(&cacheDir, "cache-dir", "", "Directory holding the metadata cache")
	pf.StringVar(&cacheFormat, "cache-format", "", "Cache snapshot format (json|sqlite)")
	pf.StringVar(&logLevel, "log-level", "", "Log level (debug|info|warn|error)")
	pf.StringVar(&logFile, "log-file", "", "Also write JSON logs to this rotating file")
	pf.StringVar(&metricsFile, "metrics-file", "", "Write Prometheus metrics to this file on exit")
	pf.IntVar(&batchSize, "batch-size", 0, "Ids per remote batch call")
	pf.IntVar(&concurrency, "concurrency", 0, "Batches in flight at once")
	pf.IntVar(&maxRetries, "max-retries", 0, "Attempts per remote call")
	pf.Float64Var(&rps, "rps", 0, "Remote calls per second (0 for unlimited)")

	scanCmd.Flags().StringVarP(&sourceURI, "source", "s", "", "Source URI (rclone:<remote>:, s3://bucket/prefix, memory:<file>)")
	scanCmd.Flags().BoolVar(&refreshCache, "refresh-cache", false, "Refetch every file even if cached")
	scanCmd.Flags().BoolVar(&trash, "trash", false, "Move duplicates to the remote trash")
	scanCmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask before trashing")
	scanCmd.Flags().StringVar(&keepMode, "keep", "", "Keeper selection for differing names (prompt|first)")
	scanCmd.Flags().BoolVar(&skipEmpty, "skip-empty", false, "Ignore zero-byte files")
	scanCmd.Flags().StringVar(&csvOutput, "csv", "", "Export duplicates to CSV (\"auto\" for a timestamped name)")

	for _, c := range []*cobra.Command{cacheStatusCmd, cacheClearCmd} {
		c.Flags().StringVarP(&sourceURI, "source", "s", "", "Source URI the cache belongs to")
	}
	cacheClearCmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")

	cacheCmd.AddCommand(cacheStatusCmd)
	cacheCmd.AddCommand(cacheClearCmd)

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(sourcesCmd)
}

// getConfigFile returns the configuration file path.
// First checks the current directory for .dupescan (repo-local), then falls
// back to the user config directory.
func getConfigFile() string {
	if configFile != "" {
		return configFile
	}

	cwd, err := os.Getwd()
	if err == nil {
		local := filepath.Join(cwd, ".dupescan", "config.json")
		if _, err := os.Stat(local); err == nil {
			return local
		}
	}

	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".dupescan", "config.json")
	}
	return filepath.Join(dir, "dupescan", "config.json")
}

// loadConfig layers defaults, the config file, the environment and finally
// the flags the user actually set.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if err := cfg.LoadFile(getConfigFile()); err != nil {
		return nil, err
	}
	cfg.ApplyEnv()

	flags := cmd.Flags()
	set := func(name string, apply func()) {
		if flags.Lookup(name) != nil && flags.Changed(name) {
			apply()
		}
	}
	set("source", func() { cfg.Source = sourceURI })
	set("cache-dir", func() { cfg.CacheDir = cacheDir })
	set("cache-format", func() { cfg.CacheFormat = cacheFormat })
	set("log-level", func() { cfg.LogLevel = logLevel })
	set("log-file", func() { cfg.LogFile = logFile })
	set("metrics-file", func() { cfg.MetricsFile = metricsFile })
	set("batch-size", func() { cfg.BatchSize = batchSize })
	set("concurrency", func() { cfg.Concurrency = concurrency })
	set("max-retries", func() { cfg.MaxRetries = maxRetries })
	set("rps", func() { cfg.RequestsPerSecond = rps })
	set("refresh-cache", func() { cfg.ForceRefresh = refreshCache })
	set("trash", func() { cfg.Trash = trash })
	set("yes", func() { cfg.Yes = yes })
	set("keep", func() { cfg.Keep = keepMode })
	set("skip-empty", func() { cfg.SkipEmpty = skipEmpty })
	set("csv", func() { cfg.CSVOutput = csvOutput })
	set("dry-run", func() { cfg.DryRun = dryRun })

	if verbose {
		cfg.LogLevel = "debug"
	}
	if quiet {
		cfg.LogLevel = "warn"
		cfg.Progress = false
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan a source for duplicate files",
	Long: `Scan lists the source, refreshes the metadata cache and reports
every group of files sharing a content hash.

With --trash, one file per group is kept and the rest are moved to the
remote trash after confirmation. Groups whose files share a name keep the
oldest copy automatically; otherwise you choose (or --keep first).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		return RunScan(cmd.Context(), cfg)
	},
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Metadata cache commands",
}

var cacheStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show what the metadata cache holds",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		return RunCacheStatus(cmd.Context(), cfg)
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Invalidate every cached entry",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		return RunCacheClear(cfg)
	},
}

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List supported source types",
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunSources()
	},
}
