package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/nvandessel/acoupipe/internal/acoustics"
	"github.com/nvandessel/acoupipe/internal/config"
	"github.com/nvandessel/acoupipe/internal/features"
	"github.com/nvandessel/acoupipe/internal/logging"
	"github.com/nvandessel/acoupipe/internal/pipeline"
	"github.com/nvandessel/acoupipe/internal/seeds"
	"github.com/nvandessel/acoupipe/internal/store"
	"github.com/nvandessel/acoupipe/internal/telemetry"
	"github.com/nvandessel/acoupipe/internal/writer"
)

func newGenerateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate dataset files",
		Long: `Generate one dataset file per split.

Settings come from the config file and ACOUPIPE_* environment variables;
flags given on the command line override both.

Examples:
  acoupipe generate --datasets training,validation --samples training=1000,validation=100
  acoupipe generate --features loc,nsources,csmtriu --he 4 --workers 8
  acoupipe generate --format arrow --cache sqlite --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := applyGenerateFlags(cmd, cfg); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			shutdown, err := telemetry.Setup(ctx, "acoupipe", version)
			if err != nil {
				return fmt.Errorf("failed to set up tracing: %w", err)
			}
			defer shutdown(context.Background())

			results, err := generate(ctx, cfg, newLogger(cfg))
			jsonOut, _ := cmd.Flags().GetBool("json")
			printResults(cmd.OutOrStdout(), results, jsonOut)
			return err
		},
	}

	cmd.Flags().StringSlice("datasets", nil, "Splits to generate (training, validation, test)")
	cmd.Flags().StringToInt("samples", nil, "Samples per split, e.g. training=1000,test=100")
	cmd.Flags().StringSlice("features", nil, "Features to write (loc, nsources, p2, csm, csmtriu, eigmode, sourcemap, f, noise)")
	cmd.Flags().Float64("he", 0, "Helmholtz number of the single frequency to keep (0 keeps all)")
	cmd.Flags().Int("nsources", 0, "Fixed number of sources (0 samples it)")
	cmd.Flags().Uint64("seed", 0, "Base seed")
	cmd.Flags().Int("workers", 1, "Concurrent workers")
	cmd.Flags().String("policy", "", "Failure policy: abort or skip")
	cmd.Flags().Bool("ordered", false, "Write records in sample order when running workers")
	cmd.Flags().String("format", "", "Output format: tfrecord, arrow or jsonl")
	cmd.Flags().String("compression", "", "TFRecord compression: zstd")
	cmd.Flags().String("dir", "", "Output directory")
	cmd.Flags().String("cache", "", "Feature cache: none, memory or sqlite")
	cmd.Flags().Bool("journal", false, "Write a run journal next to each output file")

	return cmd
}

// applyGenerateFlags copies the flags given on the command line onto cfg.
func applyGenerateFlags(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	if f.Changed("datasets") {
		cfg.Datasets, _ = f.GetStringSlice("datasets")
	}
	if f.Changed("samples") {
		samples, err := f.GetStringToInt("samples")
		if err != nil {
			return err
		}
		for split, n := range samples {
			cfg.Samples[split] = n
		}
	}
	if f.Changed("features") {
		cfg.Features, _ = f.GetStringSlice("features")
	}
	if f.Changed("he") {
		cfg.Acoustics.He, _ = f.GetFloat64("he")
	}
	if f.Changed("nsources") {
		cfg.Acoustics.NumSources, _ = f.GetInt("nsources")
	}
	if f.Changed("seed") {
		cfg.Seed, _ = f.GetUint64("seed")
	}
	if f.Changed("workers") {
		cfg.Run.Workers, _ = f.GetInt("workers")
	}
	if f.Changed("policy") {
		cfg.Run.Policy, _ = f.GetString("policy")
	}
	if f.Changed("ordered") {
		cfg.Run.Ordered, _ = f.GetBool("ordered")
	}
	if f.Changed("format") {
		cfg.Output.Format, _ = f.GetString("format")
	}
	if f.Changed("compression") {
		cfg.Output.Compression, _ = f.GetString("compression")
	}
	if f.Changed("dir") {
		cfg.Output.Dir, _ = f.GetString("dir")
	}
	if f.Changed("cache") {
		cfg.Cache.Mode, _ = f.GetString("cache")
	}
	if f.Changed("journal") {
		cfg.Logging.Journal, _ = f.GetBool("journal")
	}
	return nil
}

// splitResult reports one generated file.
type splitResult struct {
	Split    string        `json:"split"`
	Path     string        `json:"path"`
	Records  int           `json:"records"`
	Skipped  []int         `json:"skipped,omitempty"`
	Retries  int           `json:"retries"`
	Bytes    int64         `json:"bytes"`
	Elapsed  time.Duration `json:"elapsed_ns"`
	RunID    string        `json:"run_id"`
	Hits     int64         `json:"cache_hits,omitempty"`
	Misses   int64         `json:"cache_misses,omitempty"`
	ErrorMsg string        `json:"error,omitempty"`
}

// statsCache is a feature cache that counts lookups.
type statsCache interface {
	features.Cache
	Stats() (hits, misses int64)
}

// generate writes one file per configured split. Splits are generated in
// order and the first failing split stops the run.
func generate(ctx context.Context, cfg *config.Config, logger *slog.Logger) ([]splitResult, error) {
	runID := uuid.NewString()
	logger = logger.With("run", runID)

	var (
		cache features.Cache
		sc    statsCache
		db    *store.Cache
	)
	switch cfg.Cache.Mode {
	case config.CacheMemory:
		mc := features.NewMemoryCache()
		cache, sc = mc, mc
	case config.CacheSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.Cache.Path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
		c, err := store.Open(ctx, cfg.Cache.Path)
		if err != nil {
			return nil, err
		}
		defer c.Close()
		cache, sc, db = c, c, c
	}

	all, err := acoustics.Features(cache)
	if err != nil {
		return nil, err
	}
	coll, err := all.Select(cfg.Features...)
	if err != nil {
		return nil, err
	}
	bcfg := cfg.Acoustics.Backend()
	proto, err := acoustics.New(bcfg)
	if err != nil {
		return nil, err
	}
	policy, err := pipeline.ParsePolicy(cfg.Run.Policy)
	if err != nil {
		return nil, err
	}
	kind, err := writer.ParseKind(cfg.Output.Format)
	if err != nil {
		return nil, err
	}
	enc, err := cfg.Encoders()
	if err != nil {
		return nil, err
	}

	var results []splitResult
	for _, split := range cfg.Datasets {
		path, err := cfg.OutputPath(split)
		if err != nil {
			return results, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return results, fmt.Errorf("failed to create output directory: %w", err)
		}

		var journal *logging.Journal
		if cfg.Logging.Journal {
			journal, err = logging.NewJournal(filepath.Dir(path), runID)
			if err != nil {
				return results, fmt.Errorf("failed to open journal: %w", err)
			}
		}
		p, err := pipeline.New(pipeline.Config{
			Schedule: seeds.New(cfg.Seed),
			Samplers: acoustics.Dataset1(proto),
			Logger:   logger,
			Journal:  journal,
			Tracer:   otel.Tracer("github.com/nvandessel/acoupipe"),

			ProgressEvery: cfg.Logging.Progress,
		}, coll)
		if err != nil {
			journal.Close()
			return results, err
		}

		run := pipeline.Run{
			Split:       split,
			NumSamples:  cfg.Samples[split],
			Workers:     cfg.Run.Workers,
			MaxAttempts: cfg.Run.MaxAttempts,
			Policy:      policy,
			Ordered:     cfg.Run.Ordered,
		}
		if db != nil {
			if err := db.RecordRun(ctx, runID, split, cfg.Seed, run.NumSamples); err != nil {
				logger.Warn("failed to record run in cache", "error", err)
			}
		}

		sink, err := writer.Create(kind, path, writer.Options{
			Compression: cfg.Output.Compression,
			BatchSize:   cfg.Output.BatchSize,
		})
		if err != nil {
			journal.Close()
			return results, err
		}
		var h0, m0 int64
		if sc != nil {
			h0, m0 = sc.Stats()
		}
		stats, err := writer.Drain(ctx, p.Bind(run, acoustics.Factory(bcfg)), sink, enc)
		journal.Close()

		res := splitResult{
			Split:   split,
			Path:    path,
			Records: stats.Emitted,
			Retries: stats.Retries,
			Elapsed: stats.Elapsed,
			RunID:   runID,
		}
		for _, f := range stats.Failures {
			res.Skipped = append(res.Skipped, f.Idx)
		}
		if fi, serr := os.Stat(path); serr == nil {
			res.Bytes = fi.Size()
		}
		if sc != nil {
			h, m := sc.Stats()
			res.Hits, res.Misses = h-h0, m-m0
		}
		if err != nil {
			res.ErrorMsg = err.Error()
			results = append(results, res)
			if errors.Is(err, context.Canceled) {
				return results, fmt.Errorf("generation of %s interrupted after %d records: %w", split, stats.Emitted, err)
			}
			return results, fmt.Errorf("generation of %s failed: %w", split, err)
		}
		results = append(results, res)
	}
	return results, nil
}

func printResults(w io.Writer, results []splitResult, jsonOut bool) {
	if jsonOut {
		if results == nil {
			results = []splitResult{}
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"splits": results,
		})
		return
	}
	for _, r := range results {
		fmt.Fprintf(w, "%s: %s records, %s in %s\n",
			r.Split, humanize.Comma(int64(r.Records)), humanize.Bytes(uint64(r.Bytes)), r.Elapsed.Round(time.Millisecond))
		fmt.Fprintf(w, "  file:    %s\n", r.Path)
		if len(r.Skipped) > 0 {
			fmt.Fprintf(w, "  skipped: %d samples %v\n", len(r.Skipped), r.Skipped)
		}
		if r.Retries > 0 {
			fmt.Fprintf(w, "  retries: %d\n", r.Retries)
		}
		if r.Hits+r.Misses > 0 {
			fmt.Fprintf(w, "  cache:   %s hits, %s misses\n", humanize.Comma(r.Hits), humanize.Comma(r.Misses))
		}
		if r.ErrorMsg != "" {
			fmt.Fprintf(w, "  error:   %s\n", r.ErrorMsg)
		}
	}
}
