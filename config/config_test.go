package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediasense/embedstore/index"
	"github.com/mediasense/embedstore/persistence"
)

func TestNew(t *testing.T) {
	cfg, err := New(512, "/tmp/index.bin", "/tmp/metadata.json")
	require.NoError(t, err)

	assert.Equal(t, 512, cfg.Dimension)
	assert.Equal(t, index.KindFlat, cfg.Kind())
	assert.Equal(t, 0.8, cfg.SimilarityThreshold)
	assert.True(t, cfg.EnforceThreshold)
	assert.Equal(t, persistence.CodecNone, cfg.Codec())
}

func TestNewWithOptions(t *testing.T) {
	cfg, err := New(64, "/tmp/index.bin", "/tmp/metadata.json", func(c *Config) {
		c.IndexType = "hnsw"
		c.MaxVectors = 1000
		c.Compression = "lz4"
		c.EnforceThreshold = false
	})
	require.NoError(t, err)

	assert.Equal(t, index.KindHNSW, cfg.Kind())
	assert.Equal(t, int64(1000), cfg.MaxVectors)
	assert.Equal(t, persistence.CodecLZ4, cfg.Codec())
	assert.False(t, cfg.EnforceThreshold)
}

func TestValidate(t *testing.T) {
	base := func() Config {
		cfg := Default()
		cfg.Dimension = 8
		cfg.IndexPath = "/tmp/index.bin"
		cfg.MetadataPath = "/tmp/metadata.json"
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"ZeroDimension", func(c *Config) { c.Dimension = 0 }},
		{"HugeDimension", func(c *Config) { c.Dimension = 10001 }},
		{"UnknownIndexType", func(c *Config) { c.IndexType = "annoy" }},
		{"MissingIndexPath", func(c *Config) { c.IndexPath = "" }},
		{"MissingMetadataPath", func(c *Config) { c.MetadataPath = "" }},
		{"ThresholdTooHigh", func(c *Config) { c.SimilarityThreshold = 1.1 }},
		{"ThresholdNegative", func(c *Config) { c.SimilarityThreshold = -0.1 }},
		{"NegativeMaxVectors", func(c *Config) { c.MaxVectors = -1 }},
		{"NegativeCache", func(c *Config) { c.CacheSizeBytes = -1 }},
		{"NegativeSearches", func(c *Config) { c.MaxConcurrentSearches = -1 }},
		{"NegativeInterval", func(c *Config) { c.SampleInterval = -time.Second }},
		{"UnknownCodec", func(c *Config) { c.Compression = "zstd" }},
		{"NegativeIOLimit", func(c *Config) { c.IOLimitBytesPerSec = -1 }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}

	t.Run("Valid", func(t *testing.T) {
		cfg := base()
		assert.NoError(t, cfg.Validate())
	})
}

func TestFromMap(t *testing.T) {
	cfg, err := FromMap(map[string]any{
		"dimension":     128,
		"index_type":    "ivf",
		"index_path":    "/tmp/index.bin",
		"metadata_path": "/tmp/metadata.json",
		"auto_save":     true,
	})
	require.NoError(t, err)

	assert.Equal(t, 128, cfg.Dimension)
	assert.Equal(t, index.KindIVF, cfg.Kind())
	assert.True(t, cfg.AutoSave)
	// Untouched fields keep their defaults.
	assert.Equal(t, 0.8, cfg.SimilarityThreshold)
	assert.True(t, cfg.EnforceThreshold)
}

func TestFromMapMissingRequired(t *testing.T) {
	_, err := FromMap(map[string]any{"dimension": 128})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestFromJSON(t *testing.T) {
	doc := `{
		"dimension": 256,
		"index_type": "hnsw",
		"index_path": "/tmp/index.bin",
		"metadata_path": "/tmp/metadata.json",
		"similarity_threshold": 0.5,
		"sample_interval": "5s",
		"compression": "s2"
	}`

	cfg, err := FromJSON([]byte(doc))
	require.NoError(t, err)

	assert.Equal(t, 256, cfg.Dimension)
	assert.Equal(t, 0.5, cfg.SimilarityThreshold)
	assert.Equal(t, 5*time.Second, cfg.SampleInterval)
	assert.Equal(t, persistence.CodecS2, cfg.Codec())
}

func TestFromJSONMalformed(t *testing.T) {
	_, err := FromJSON([]byte(`{"dimension": `))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestFromEnv(t *testing.T) {
	t.Setenv("STORAGE_DIMENSION", "32")
	t.Setenv("STORAGE_INDEX_TYPE", "flat")
	t.Setenv("STORAGE_INDEX_PATH", "/tmp/index.bin")
	t.Setenv("STORAGE_METADATA_PATH", "/tmp/metadata.json")
	t.Setenv("STORAGE_SIMILARITY_THRESHOLD", "0.25")
	t.Setenv("STORAGE_MAX_VECTORS", "10")
	t.Setenv("STORAGE_CACHE_SIZE_BYTES", "4096")
	t.Setenv("STORAGE_AUTO_SAVE", "true")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, 32, cfg.Dimension)
	assert.Equal(t, "/tmp/index.bin", cfg.IndexPath)
	assert.Equal(t, 0.25, cfg.SimilarityThreshold)
	assert.Equal(t, int64(10), cfg.MaxVectors)
	assert.Equal(t, int64(4096), cfg.CacheSizeBytes)
	assert.True(t, cfg.AutoSave)
}

func TestFromEnvMissingRequired(t *testing.T) {
	t.Setenv("STORAGE_DIMENSION", "32")

	_, err := FromEnv()
	assert.ErrorIs(t, err, ErrInvalid)
}
