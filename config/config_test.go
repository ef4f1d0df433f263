package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexuslog/core"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, "./data", cfg.Storage.DataDir)
	assert.Equal(t, uint64(1024), cfg.Storage.SegmentCapacity)
	assert.Equal(t, 0.5, cfg.CompactionThreshold())
	assert.Equal(t, 60*time.Second, cfg.MinorCompactionInterval())

	ct, err := cfg.CompressionType()
	require.NoError(t, err)
	assert.Equal(t, core.CompressionSnappy, ct)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	yaml := `
storage:
  data_dir: /var/lib/nexuslog
  segment_capacity: 256
  compression: zstd
  sync_mode: always
compaction:
  threshold: 0.25
  minor_interval: 30s
  max_concurrent_rewrites: 4
logging:
  level: warn
`
	cfg, err := Load(strings.NewReader(yaml))
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/nexuslog", cfg.Storage.DataDir)
	assert.Equal(t, uint64(256), cfg.Storage.SegmentCapacity)
	assert.Equal(t, "always", cfg.Storage.SyncMode)
	assert.Equal(t, 0.25, cfg.CompactionThreshold())
	assert.Equal(t, 30*time.Second, cfg.MinorCompactionInterval())
	assert.Equal(t, 4, cfg.Compaction.MaxConcurrentRewrites)
	assert.Equal(t, "warn", cfg.Logging.Level)

	// Untouched keys keep their defaults.
	assert.True(t, cfg.Storage.Preallocate)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"ThresholdTooHigh", "compaction:\n  threshold: 1.5\n"},
		{"ThresholdZero", "compaction:\n  threshold: 0\n"},
		{"CapacityTooSmall", "storage:\n  segment_capacity: 1\n"},
		{"UnknownCompression", "storage:\n  compression: brotli\n"},
		{"UnknownSyncMode", "storage:\n  sync_mode: sometimes\n"},
		{"ZeroRewrites", "compaction:\n  max_concurrent_rewrites: 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(strings.NewReader(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestParseDuration(t *testing.T) {
	assert.Equal(t, 5*time.Second, ParseDuration("5s", time.Minute, nil))
	assert.Equal(t, time.Minute, ParseDuration("", time.Minute, nil))
	assert.Equal(t, time.Minute, ParseDuration("not-a-duration", time.Minute, nil))
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(LoggingConfig{Level: "debug", Output: "none"})
	require.NoError(t, err)
	require.NotNil(t, logger)

	_, err = NewLogger(LoggingConfig{Level: "verbose"})
	assert.Error(t, err)
}
