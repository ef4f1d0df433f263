package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/INLOpen/nexuslog/core"
)

// StorageConfig holds the segmented log storage configuration.
type StorageConfig struct {
	// DataDir is the directory holding segment files.
	DataDir string `yaml:"data_dir"`
	// SegmentCapacity is the slot capacity of freshly created segments.
	SegmentCapacity uint64 `yaml:"segment_capacity"`
	// Compression selects the entry payload codec: none, snappy, lz4, zstd.
	Compression string `yaml:"compression"`
	// SyncMode controls append durability: "always" fsyncs every append,
	// "interval" relies on the OS and explicit seals.
	SyncMode string `yaml:"sync_mode"`
	// Preallocate reserves segment file space up front where the
	// filesystem supports it.
	Preallocate bool `yaml:"preallocate"`
}

// CompactionConfig holds the minor compaction configuration.
type CompactionConfig struct {
	// Threshold is the generational cleaning threshold in (0,1]. A
	// version-1 segment needs a clean ratio at or above it before being
	// rewritten; a segment at version v needs only Threshold/v.
	Threshold float64 `yaml:"threshold"`
	// MinorInterval is the planning tick interval.
	MinorInterval string `yaml:"minor_interval"`
	// MaxConcurrentRewrites bounds parallel rewrite tasks. Groups are
	// index-disjoint, so any positive value is safe.
	MaxConcurrentRewrites int `yaml:"max_concurrent_rewrites"`
	// MinFreeBytes aborts a compaction cycle when the data volume has
	// less free space, before any rewrite starts.
	MinFreeBytes uint64 `yaml:"min_free_bytes"`
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Output string `yaml:"output"` // "stdout", "stderr", "file", "none"
	File   string `yaml:"file"`
}

// Config is the top-level configuration struct.
type Config struct {
	Storage    StorageConfig    `yaml:"storage"`
	Compaction CompactionConfig `yaml:"compaction"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// CompactionThreshold returns the configured generational threshold.
func (c *Config) CompactionThreshold() float64 {
	return c.Compaction.Threshold
}

// MinorCompactionInterval returns the parsed planning tick interval.
func (c *Config) MinorCompactionInterval() time.Duration {
	return ParseDuration(c.Compaction.MinorInterval, 60*time.Second, nil)
}

// CompressionType returns the parsed payload codec.
func (c *Config) CompressionType() (core.CompressionType, error) {
	return core.ParseCompressionType(c.Storage.Compression)
}

// ParseDuration parses a duration string, falling back to the default for
// empty or invalid input. Invalid non-empty input logs a warning.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

// Load reads configuration from an io.Reader, layered over defaults.
func Load(r io.Reader) (*Config, error) {
	cfg := &Config{
		Storage: StorageConfig{
			DataDir:         "./data",
			SegmentCapacity: 1024,
			Compression:     "snappy",
			SyncMode:        "interval",
			Preallocate:     true,
		},
		Compaction: CompactionConfig{
			Threshold:             0.5,
			MinorInterval:         "60s",
			MaxConcurrentRewrites: 2,
			MinFreeBytes:          64 * 1024 * 1024, // 64 MiB
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			File:   "nexuslog.log",
		},
	}

	if r == nil {
		return cfg, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig reads configuration from a YAML file by path. A missing file
// yields the defaults.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}

// Validate checks the configuration for values the storage layer cannot
// operate with.
func (c *Config) Validate() error {
	if c.Storage.SegmentCapacity < 2 {
		return fmt.Errorf("storage.segment_capacity must be at least 2, got %d", c.Storage.SegmentCapacity)
	}
	if c.Compaction.Threshold <= 0 || c.Compaction.Threshold > 1 {
		return fmt.Errorf("compaction.threshold must be in (0,1], got %g", c.Compaction.Threshold)
	}
	if c.Compaction.MaxConcurrentRewrites < 1 {
		return fmt.Errorf("compaction.max_concurrent_rewrites must be positive, got %d", c.Compaction.MaxConcurrentRewrites)
	}
	if _, err := core.ParseCompressionType(c.Storage.Compression); err != nil {
		return fmt.Errorf("storage.compression: %w", err)
	}
	switch c.Storage.SyncMode {
	case "", "always", "interval":
	default:
		return fmt.Errorf("storage.sync_mode must be \"always\" or \"interval\", got %q", c.Storage.SyncMode)
	}
	return nil
}

// NewLogger builds a slog.Logger from the logging configuration.
func NewLogger(cfg LoggingConfig) (*slog.Logger, error) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "", "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", cfg.Level)
	}

	var w io.Writer
	switch cfg.Output {
	case "", "stdout":
		w = os.Stdout
	case "stderr":
		w = os.Stderr
	case "file":
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", cfg.File, err)
		}
		w = f
	case "none":
		return slog.New(slog.NewTextHandler(io.Discard, nil)), nil
	default:
		return nil, fmt.Errorf("unknown log output %q", cfg.Output)
	}

	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), nil
}
