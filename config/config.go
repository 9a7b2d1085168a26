// Package config defines the immutable storage configuration and its
// construction paths: explicit fields, maps, JSON documents, and
// environment variables.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/mediasense/embedstore/index"
	"github.com/mediasense/embedstore/persistence"
)

// EnvPrefix is the prefix of all recognized environment variables, e.g.
// STORAGE_DIMENSION or STORAGE_INDEX_TYPE.
const EnvPrefix = "STORAGE_"

// ErrInvalid is the root of all configuration validation failures.
var ErrInvalid = errors.New("invalid configuration")

// Config holds every knob of a store. Validate once at construction; a
// Config that fails validation never reaches a store.
type Config struct {
	// Dimension is the fixed embedding dimensionality, 1 to 10000.
	Dimension int `koanf:"dimension" json:"dimension"`

	// IndexType selects the nearest-neighbor index: flat, hnsw, or ivf.
	IndexType string `koanf:"index_type" json:"index_type"`

	// IndexPath is the index snapshot location.
	IndexPath string `koanf:"index_path" json:"index_path"`

	// MetadataPath is the metadata document location.
	MetadataPath string `koanf:"metadata_path" json:"metadata_path"`

	// SimilarityThreshold drops search results scoring below it when
	// EnforceThreshold is set.
	SimilarityThreshold float64 `koanf:"similarity_threshold" json:"similarity_threshold"`

	// EnforceThreshold applies SimilarityThreshold to search results.
	EnforceThreshold bool `koanf:"enforce_threshold" json:"enforce_threshold"`

	// MaxVectors caps the stored vector count. Zero means unlimited.
	MaxVectors int64 `koanf:"max_vectors" json:"max_vectors"`

	// CacheSizeBytes caps the tracked vector memory. Zero means unlimited.
	CacheSizeBytes int64 `koanf:"cache_size_bytes" json:"cache_size_bytes"`

	// AutoSave persists metadata synchronously on every mutation.
	AutoSave bool `koanf:"auto_save" json:"auto_save"`

	// MaxConcurrentSearches caps in-flight searches. Zero means unlimited.
	MaxConcurrentSearches int64 `koanf:"max_concurrent_searches" json:"max_concurrent_searches"`

	// SampleInterval is the resource monitor sampling period. Zero
	// disables sampling.
	SampleInterval time.Duration `koanf:"sample_interval" json:"sample_interval"`

	// Compression selects the index snapshot codec: none, lz4, or s2.
	Compression string `koanf:"compression" json:"compression"`

	// IOLimitBytesPerSec throttles snapshot writes. Zero means unlimited.
	IOLimitBytesPerSec int64 `koanf:"io_limit_bytes_per_sec" json:"io_limit_bytes_per_sec"`
}

// Default returns a Config with every optional field at its default.
// Dimension and the two paths stay empty and must be provided.
func Default() Config {
	return Config{
		IndexType:           string(index.KindFlat),
		SimilarityThreshold: 0.8,
		EnforceThreshold:    true,
		Compression:         "none",
	}
}

// New builds a Config from the required fields plus functional options.
func New(dimension int, indexPath, metadataPath string, optFns ...func(c *Config)) (Config, error) {
	cfg := Default()
	cfg.Dimension = dimension
	cfg.IndexPath = indexPath
	cfg.MetadataPath = metadataPath

	for _, fn := range optFns {
		fn(&cfg)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FromMap builds a Config from a generic map, e.g. decoded YAML or JSON.
// Missing optional keys keep their defaults.
func FromMap(m map[string]any) (Config, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return FromJSON(data)
}

// FromJSON builds a Config from a JSON document.
func FromJSON(data []byte) (Config, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(data), kjson.Parser()); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return unmarshal(k)
}

// FromEnv builds a Config from STORAGE_* environment variables, e.g.
// STORAGE_DIMENSION=512 STORAGE_INDEX_TYPE=hnsw.
func FromEnv() (Config, error) {
	k := koanf.New(".")
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}), nil); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return unmarshal(k)
}

func unmarshal(k *koanf.Koanf) (Config, error) {
	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Kind returns the parsed index kind. Call after Validate.
func (c Config) Kind() index.Kind {
	k, _ := index.ParseKind(c.IndexType)
	return k
}

// Codec returns the parsed snapshot codec. Call after Validate.
func (c Config) Codec() persistence.Codec {
	codec, _ := persistence.ParseCodec(c.Compression)
	return codec
}

// Validate checks every field. All failures wrap ErrInvalid.
func (c Config) Validate() error {
	if c.Dimension < 1 || c.Dimension > 10000 {
		return fmt.Errorf("%w: dimension must be in [1, 10000], got %d", ErrInvalid, c.Dimension)
	}
	if _, err := index.ParseKind(c.IndexType); err != nil {
		return fmt.Errorf("%w: index_type %q (want flat, hnsw, or ivf)", ErrInvalid, c.IndexType)
	}
	if c.IndexPath == "" {
		return fmt.Errorf("%w: index_path is required", ErrInvalid)
	}
	if c.MetadataPath == "" {
		return fmt.Errorf("%w: metadata_path is required", ErrInvalid)
	}
	if c.SimilarityThreshold < 0 || c.SimilarityThreshold > 1 {
		return fmt.Errorf("%w: similarity_threshold must be in [0, 1], got %v", ErrInvalid, c.SimilarityThreshold)
	}
	if c.MaxVectors < 0 {
		return fmt.Errorf("%w: max_vectors must not be negative", ErrInvalid)
	}
	if c.CacheSizeBytes < 0 {
		return fmt.Errorf("%w: cache_size_bytes must not be negative", ErrInvalid)
	}
	if c.MaxConcurrentSearches < 0 {
		return fmt.Errorf("%w: max_concurrent_searches must not be negative", ErrInvalid)
	}
	if c.SampleInterval < 0 {
		return fmt.Errorf("%w: sample_interval must not be negative", ErrInvalid)
	}
	if _, err := persistence.ParseCodec(c.Compression); err != nil {
		return fmt.Errorf("%w: compression %q (want none, lz4, or s2)", ErrInvalid, c.Compression)
	}
	if c.IOLimitBytesPerSec < 0 {
		return fmt.Errorf("%w: io_limit_bytes_per_sec must not be negative", ErrInvalid)
	}
	return nil
}
