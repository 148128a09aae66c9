// Package config provides the configuration system for hf-dataset.
// A single Config structure is shared by the library, the fetch backends
// and the CLI, ensuring consistent defaults everywhere.
//
// The configuration is organized into logical sections:
//   - Dataset: which dataset, which revision, which credential
//   - Hub: where snapshots come from and where they are cached
//   - Reader: buffer sizes and limits used by the format adapters
//   - Observability: logging, metrics and tracing
//
// Example usage:
//
//	cfg := config.NewConfig()
//	cfg.Dataset.Name = "org/dataset"
//	cfg.Reader.MaxLineSize = 16 << 20
//
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

const (
	// DefaultRevision is the branch used when no revision is given.
	DefaultRevision = "main"
	// DefaultEndpoint is the Hugging Face Hub endpoint.
	DefaultEndpoint = "https://huggingface.co"
)

// Environment variables consulted as fallbacks.
const (
	EnvToken       = "HF_TOKEN"
	EnvLegacyToken = "HUGGING_FACE_HUB_TOKEN"
	EnvEndpoint    = "HF_ENDPOINT"
	EnvHubCache    = "HF_HUB_CACHE"
	EnvHome        = "HF_HOME"
)

// Backend names accepted in HubConfig.Backend.
const (
	BackendHub   = "hub"
	BackendLocal = "local"
	BackendS3    = "s3"
	BackendGCS   = "gcs"
)

// Config is the single configuration structure used throughout hf-dataset.
type Config struct {
	// Dataset identifies what to read
	Dataset DatasetConfig `yaml:"dataset" json:"dataset"`

	// Hub configures the snapshot fetch backend
	Hub HubConfig `yaml:"hub" json:"hub"`

	// Reader tunes the format adapters
	Reader ReaderConfig `yaml:"reader" json:"reader"`

	// Observability settings for logging, metrics and tracing
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

// DatasetConfig identifies a dataset on the remote store.
type DatasetConfig struct {
	// Name is the repository id, e.g. "org/dataset"
	Name string `yaml:"name" json:"name"`
	// Revision is a branch, tag or commit; defaults to "main"
	Revision string `yaml:"revision" json:"revision"`
	// Credential is an access token; falls back to HF_TOKEN
	Credential string `yaml:"credential" json:"-"`
}

// HubConfig configures where snapshots are fetched from and cached.
type HubConfig struct {
	// Backend selects the fetcher: hub, local, s3 or gcs
	Backend string `yaml:"backend" json:"backend"`
	// Endpoint is the base URL of the Hugging Face Hub
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	// CacheDir is where snapshots are materialized
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`
	// LocalRoot is the directory holding datasets for the local backend
	LocalRoot string `yaml:"local_root" json:"local_root"`
	// Bucket is the bucket for the s3 and gcs backends
	Bucket string `yaml:"bucket" json:"bucket"`
	// Prefix is prepended to object keys for the s3 and gcs backends
	Prefix string `yaml:"prefix" json:"prefix"`
	// Region is the AWS region for the s3 backend
	Region string `yaml:"region" json:"region"`
	// Concurrency bounds parallel file downloads
	Concurrency int `yaml:"concurrency" json:"concurrency"`
	// RetryAttempts is the number of HTTP retries for transient failures
	RetryAttempts int `yaml:"retry_attempts" json:"retry_attempts"`
	// RetryWaitMin is the initial backoff between HTTP retries
	RetryWaitMin time.Duration `yaml:"retry_wait_min" json:"retry_wait_min"`
	// RetryWaitMax caps the backoff between HTTP retries
	RetryWaitMax time.Duration `yaml:"retry_wait_max" json:"retry_wait_max"`
	// RequestTimeout bounds a single HTTP request (0 = none)
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
}

// ReaderConfig tunes the format adapters.
type ReaderConfig struct {
	// BufferSize is the initial read buffer size in bytes
	BufferSize int `yaml:"buffer_size" json:"buffer_size"`
	// MaxLineSize caps a single line-JSON line in bytes
	MaxLineSize int `yaml:"max_line_size" json:"max_line_size"`
	// BatchSize is the number of rows decoded per columnar batch
	BatchSize int64 `yaml:"batch_size" json:"batch_size"`
}

// ObservabilityConfig contains logging, metrics and tracing settings.
type ObservabilityConfig struct {
	// LogLevel sets logging verbosity (debug, info, warn, error)
	LogLevel string `yaml:"log_level" json:"log_level"`
	// LogEncoding is json or console
	LogEncoding string `yaml:"log_encoding" json:"log_encoding"`
	// MetricsAddr serves Prometheus metrics when non-empty (CLI only)
	MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr"`
	// EnableTracing installs the stdout OpenTelemetry exporter
	EnableTracing bool `yaml:"enable_tracing" json:"enable_tracing"`
	// TracingSampleRate controls trace sampling (0.0-1.0)
	TracingSampleRate float64 `yaml:"tracing_sample_rate" json:"tracing_sample_rate"`
}

// NewConfig creates a Config with defaults. Endpoint and cache directory
// honour HF_ENDPOINT, HF_HUB_CACHE and HF_HOME.
func NewConfig() *Config {
	return &Config{
		Dataset: DatasetConfig{
			Revision: DefaultRevision,
		},
		Hub: HubConfig{
			Backend:       BackendHub,
			Endpoint:      DefaultEndpointURL(),
			CacheDir:      DefaultCacheDir(),
			Concurrency:   runtime.NumCPU(),
			RetryAttempts: 3,
			RetryWaitMin:  500 * time.Millisecond,
			RetryWaitMax:  30 * time.Second,
		},
		Reader: ReaderConfig{
			BufferSize:  64 * 1024,
			MaxLineSize: 8 * 1024 * 1024,
			BatchSize:   1024,
		},
		Observability: ObservabilityConfig{
			LogLevel:          "info",
			LogEncoding:       "json",
			TracingSampleRate: 1.0,
		},
	}
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	switch c.Hub.Backend {
	case BackendHub:
		if c.Hub.Endpoint == "" {
			return fmt.Errorf("hub.endpoint is required for the hub backend")
		}
	case BackendLocal:
		if c.Hub.LocalRoot == "" {
			return fmt.Errorf("hub.local_root is required for the local backend")
		}
	case BackendS3, BackendGCS:
		if c.Hub.Bucket == "" {
			return fmt.Errorf("hub.bucket is required for the %s backend", c.Hub.Backend)
		}
	default:
		return fmt.Errorf("unknown hub.backend %q", c.Hub.Backend)
	}
	if c.Hub.Backend != BackendLocal && c.Hub.CacheDir == "" {
		return fmt.Errorf("hub.cache_dir is required")
	}
	if c.Hub.Concurrency <= 0 {
		return fmt.Errorf("hub.concurrency must be positive")
	}
	if c.Hub.RetryAttempts < 0 {
		return fmt.Errorf("hub.retry_attempts cannot be negative")
	}
	if c.Reader.BufferSize <= 0 {
		return fmt.Errorf("reader.buffer_size must be positive")
	}
	if c.Reader.MaxLineSize < c.Reader.BufferSize {
		return fmt.Errorf("reader.max_line_size must be at least reader.buffer_size")
	}
	if c.Reader.BatchSize <= 0 {
		return fmt.Errorf("reader.batch_size must be positive")
	}
	if r := c.Observability.TracingSampleRate; r < 0 || r > 1 {
		return fmt.Errorf("observability.tracing_sample_rate must be within [0, 1]")
	}
	return nil
}

// RevisionOrDefault returns the configured revision or the default branch.
func (d *DatasetConfig) RevisionOrDefault() string {
	if d.Revision == "" {
		return DefaultRevision
	}
	return d.Revision
}

// ResolveCredential returns explicit when set, otherwise the first
// non-empty token environment variable.
func ResolveCredential(explicit string) string {
	if explicit != "" {
		return explicit
	}
	for _, key := range []string{EnvToken, EnvLegacyToken} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return ""
}

// DefaultEndpointURL returns HF_ENDPOINT or the public hub.
func DefaultEndpointURL() string {
	if v := os.Getenv(EnvEndpoint); v != "" {
		return v
	}
	return DefaultEndpoint
}

// DefaultCacheDir mirrors the Hugging Face cache resolution order:
// HF_HUB_CACHE, then HF_HOME/hub, then ~/.cache/huggingface/hub.
func DefaultCacheDir() string {
	if v := os.Getenv(EnvHubCache); v != "" {
		return v
	}
	if v := os.Getenv(EnvHome); v != "" {
		return filepath.Join(v, "hub")
	}
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "huggingface", "hub")
	}
	return filepath.Join(os.TempDir(), "huggingface", "hub")
}
