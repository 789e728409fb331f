// Package config provides unified configuration loading for acoupipe.
// It supports loading from YAML files and environment variables.
//
// The core packages never see this type: the CLI turns a validated Config
// into seed schedules, pipeline runs, sink options and an acoustics.Config.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/nvandessel/acoupipe/internal/acoustics"
	"github.com/nvandessel/acoupipe/internal/errdefs"
	"github.com/nvandessel/acoupipe/internal/pipeline"
	"github.com/nvandessel/acoupipe/internal/seeds"
	"github.com/nvandessel/acoupipe/internal/writer"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ACOUPIPE_"

// DefaultFile is loaded from the working directory when no file is named.
const DefaultFile = "acoupipe.yaml"

// Config contains all acoupipe configuration settings.
type Config struct {
	// Seed is the base seed of the seed schedule.
	Seed uint64 `json:"seed" yaml:"seed" env:"SEED"`

	// Datasets lists the splits to generate, in order.
	Datasets []string `json:"datasets" yaml:"datasets" env:"DATASETS" envSeparator:","`

	// Samples is the number of samples per split.
	Samples map[string]int `json:"samples" yaml:"samples" env:"SAMPLES"`

	// Features lists the features written to every record.
	Features []string `json:"features" yaml:"features" env:"FEATURES" envSeparator:","`

	Acoustics AcousticsConfig `json:"acoustics" yaml:"acoustics" envPrefix:"ACOUSTICS_"`
	Run       RunConfig       `json:"run" yaml:"run" envPrefix:"RUN_"`
	Output    OutputConfig    `json:"output" yaml:"output" envPrefix:"OUTPUT_"`
	Cache     CacheConfig     `json:"cache" yaml:"cache" envPrefix:"CACHE_"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging" envPrefix:"LOG_"`
}

// AcousticsConfig configures the simulation backend.
type AcousticsConfig struct {
	// He selects a single frequency by Helmholtz number; 0 keeps all bins.
	He float64 `json:"he" yaml:"he" env:"HE"`
	// NumSources fixes the number of sources; 0 samples it.
	NumSources int `json:"nsources" yaml:"nsources" env:"NSOURCES"`
	// GridIncrement is the focus grid spacing of the sourcemap feature.
	GridIncrement float64 `json:"grid_increment" yaml:"grid_increment" env:"GRID_INCREMENT"`
}

// Backend returns the backend configuration.
func (c AcousticsConfig) Backend() acoustics.Config {
	return acoustics.Config{He: c.He, NumSources: c.NumSources, GridIncrement: c.GridIncrement}
}

// RunConfig configures sample scheduling.
type RunConfig struct {
	// Workers is the number of concurrent workers; 1 runs sequentially.
	Workers int `json:"workers" yaml:"workers" env:"WORKERS"`
	// MaxAttempts bounds the attempts per sample on transient errors.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	// Policy is "abort" or "skip".
	Policy string `json:"policy" yaml:"policy" env:"POLICY"`
	// Ordered emits records in idx order in distributed mode.
	Ordered bool `json:"ordered" yaml:"ordered" env:"ORDERED"`
}

// OutputConfig configures the dataset files.
type OutputConfig struct {
	// Dir is the output directory of every split without an entry in Paths.
	Dir string `json:"dir" yaml:"dir" env:"DIR"`
	// Paths overrides the output directory per split.
	Paths map[string]string `json:"paths,omitempty" yaml:"paths,omitempty" env:"PATHS"`
	// Format is "tfrecord", "arrow" or "jsonl".
	Format string `json:"format" yaml:"format" env:"FORMAT"`
	// Compression is "" or "zstd" (tfrecord only).
	Compression string `json:"compression,omitempty" yaml:"compression,omitempty" env:"COMPRESSION"`
	// BatchSize is the number of rows per Arrow record batch.
	BatchSize int `json:"batch_size" yaml:"batch_size" env:"BATCH_SIZE"`
	// Encodings overrides the encoder of individual features.
	Encodings map[string]string `json:"encodings,omitempty" yaml:"encodings,omitempty" env:"ENCODINGS"`
}

// CacheConfig configures the feature cache.
type CacheConfig struct {
	// Mode is "none", "memory" or "sqlite".
	Mode string `json:"mode" yaml:"mode" env:"MODE"`
	// Path is the SQLite database of the sqlite mode.
	Path string `json:"path" yaml:"path" env:"PATH"`
}

// LoggingConfig configures logging behavior.
type LoggingConfig struct {
	// Level sets the log verbosity: "error", "warn", "info" (default),
	// "debug" or "trace".
	Level string `json:"level" yaml:"level" env:"LEVEL"`
	// Journal writes run events to a JSONL file next to each output.
	Journal bool `json:"journal" yaml:"journal" env:"JOURNAL"`
	// Progress is the interval between progress lines of a run; 0 disables
	// them.
	Progress time.Duration `json:"progress" yaml:"progress" env:"PROGRESS"`
}

// Cache modes.
const (
	CacheNone   = "none"
	CacheMemory = "memory"
	CacheSQLite = "sqlite"
)

// Default returns a Config with the settings of the ds1 reference dataset.
func Default() *Config {
	return &Config{
		Seed:     0,
		Datasets: []string{seeds.Training},
		Samples: map[string]int{
			seeds.Training:   500000,
			seeds.Validation: 10000,
			seeds.Test:       10000,
		},
		Features: slices.Clone(acoustics.DefaultFeatures),
		Acoustics: AcousticsConfig{
			GridIncrement: acoustics.DefaultGridIncrement,
		},
		Run: RunConfig{
			Workers:     1,
			MaxAttempts: 3,
			Policy:      "abort",
		},
		Output: OutputConfig{
			Dir:       ".",
			Format:    string(writer.KindTFRecord),
			BatchSize: writer.DefaultBatchSize,
		},
		Cache: CacheConfig{
			Mode: CacheNone,
			Path: filepath.Join("cache", "features.db"),
		},
		Logging: LoggingConfig{
			Level:    "info",
			Progress: 10 * time.Second,
		},
	}
}

// Load loads configuration in order: defaults -> YAML file -> environment
// variables. An empty path loads DefaultFile when it exists.
func Load(path string) (*Config, error) {
	config := Default()
	if path == "" {
		if _, err := os.Stat(DefaultFile); err == nil {
			path = DefaultFile
		}
	}
	if path != "" {
		fileConfig, err := LoadFromFile(path)
		if err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
		config = fileConfig
	}
	if err := ApplyEnv(config); err != nil {
		return nil, err
	}
	return config, nil
}

// LoadFromFile loads configuration from a specific YAML file on top of the
// defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	config.Output.Dir = expandEnvVars(config.Output.Dir)
	config.Cache.Path = expandEnvVars(config.Cache.Path)
	for split, p := range config.Output.Paths {
		config.Output.Paths[split] = expandEnvVars(p)
	}
	return config, nil
}

// ApplyEnv applies ACOUPIPE_* environment variable overrides.
func ApplyEnv(config *Config) error {
	if err := env.ParseWithOptions(config, env.Options{Prefix: EnvPrefix}); err != nil {
		return errdefs.Configf("config", "parse env: %v", err)
	}
	return nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if len(c.Datasets) == 0 {
		return errdefs.Configf("config", "no datasets selected")
	}
	sched := seeds.New(c.Seed)
	seen := map[string]bool{}
	for _, split := range c.Datasets {
		if _, err := sched.SplitIndex(split); err != nil {
			return err
		}
		if seen[split] {
			return errdefs.Configf("config", "dataset %q listed twice", split)
		}
		seen[split] = true
		if err := seeds.CheckCapacity(c.Samples[split]); err != nil {
			return errdefs.Configf("config", "samples of %s: %v", split, err)
		}
	}

	if len(c.Features) == 0 {
		return errdefs.Configf("config", "no features selected")
	}
	for _, f := range c.Features {
		if !slices.Contains(acoustics.FeatureNames, f) {
			return errdefs.Configf("config", "unknown feature %q (valid: %s)", f, strings.Join(acoustics.FeatureNames, ", "))
		}
	}
	if err := c.Acoustics.Backend().Validate(); err != nil {
		return err
	}

	if c.Run.Workers < 1 {
		return errdefs.Configf("config", "workers must be at least 1, got %d", c.Run.Workers)
	}
	if c.Run.MaxAttempts < 1 {
		return errdefs.Configf("config", "max_attempts must be at least 1, got %d", c.Run.MaxAttempts)
	}
	if _, err := pipeline.ParsePolicy(c.Run.Policy); err != nil {
		return err
	}

	kind, err := writer.ParseKind(c.Output.Format)
	if err != nil {
		return err
	}
	if c.Output.Compression != "" && (kind != writer.KindTFRecord || c.Output.Compression != "zstd") {
		return errdefs.Configf("config", "compression %q is not supported for %s output", c.Output.Compression, kind)
	}
	if c.Output.BatchSize < 0 {
		return errdefs.Configf("config", "batch_size must be non-negative, got %d", c.Output.BatchSize)
	}
	for name, enc := range c.Output.Encodings {
		if _, err := writer.ParseFormat(enc); err != nil {
			return errdefs.Configf("config", "encoding of %q: %v", name, err)
		}
	}

	switch c.Cache.Mode {
	case "", CacheNone, CacheMemory:
	case CacheSQLite:
		if c.Cache.Path == "" {
			return errdefs.Configf("config", "sqlite cache needs a path")
		}
	default:
		return errdefs.Configf("config", "invalid cache mode: %s (valid: none, memory, sqlite)", c.Cache.Mode)
	}

	if c.Logging.Progress < 0 {
		return errdefs.Configf("config", "progress interval must be non-negative, got %s", c.Logging.Progress)
	}
	validLevels := map[string]bool{"error": true, "warn": true, "info": true, "debug": true, "trace": true}
	if c.Logging.Level != "" && !validLevels[c.Logging.Level] {
		return errdefs.Configf("config", "invalid log level: %s (valid: error, warn, info, debug, trace, or empty for default)", c.Logging.Level)
	}
	return nil
}

// Encoders returns the writer encoders of the configured overrides.
func (c *Config) Encoders() (writer.Encoders, error) {
	out := writer.Encoders{}
	for name, s := range c.Output.Encodings {
		enc, err := writer.ParseFormat(s)
		if err != nil {
			return nil, err
		}
		out[name] = enc
	}
	return out, nil
}

// OutputPath returns the dataset file of a split. The name records the
// split, the sample count, the features, the source count and the
// frequency selection.
func (c *Config) OutputPath(split string) (string, error) {
	kind, err := writer.ParseKind(c.Output.Format)
	if err != nil {
		return "", err
	}
	dir := c.Output.Dir
	if p, ok := c.Output.Paths[split]; ok && p != "" {
		dir = p
	}
	ns := c.Acoustics.Backend().Padding()
	he := "all"
	if c.Acoustics.He > 0 {
		he = fmt.Sprintf("%g", c.Acoustics.He)
	}
	parts := []string{split, fmt.Sprint(c.Samples[split])}
	parts = append(parts, c.Features...)
	parts = append(parts, fmt.Sprintf("%dsrc", ns), "he"+he, acoustics.DatasetVersion)
	name := strings.Join(parts, "_") + kind.Ext()
	if c.Output.Compression == "zstd" {
		name += ".zst"
	}
	return filepath.Join(dir, name), nil
}

// expandEnvVars expands ${VAR} patterns in a string with environment variable values.
func expandEnvVars(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, os.Getenv)
}
