// Package config provides unified configuration for the cartograph services.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the configuration for the ingestion service and collectors.
type Config struct {
	// ConsumerGroup names the checkpoint namespace of this ingestion instance
	ConsumerGroup string `json:"consumer_group" yaml:"consumer_group"`

	// StreamURI locates the durable record stream (file://, nats://)
	StreamURI string `json:"stream_uri" yaml:"stream_uri"`

	// GraphStoreURI locates the property graph (sqlite://, neo4j://, bolt://)
	GraphStoreURI string `json:"graph_store_uri" yaml:"graph_store_uri"`

	// CheckpointStoreURI locates the checkpoint store
	// (sqlite://, file://, postgres://, s3://, nats-kv://)
	CheckpointStoreURI string `json:"checkpoint_store_uri" yaml:"checkpoint_store_uri"`

	// Window configures the deduplication and ordering window
	Window WindowConfig `json:"window" yaml:"window"`

	// Batch configures the batch upsert engine
	Batch BatchConfig `json:"batch" yaml:"batch"`

	// Retry configures graph store retries
	Retry RetryConfig `json:"retry" yaml:"retry"`

	// Stream configures the stream consumer
	Stream StreamConfig `json:"stream" yaml:"stream"`

	// Checkpoint configures checkpoint persistence
	Checkpoint CheckpointConfig `json:"checkpoint" yaml:"checkpoint"`

	// HTTP configuration for health and metrics
	HTTP HTTPConfig `json:"http" yaml:"http"`

	// GRPC configuration for the health service
	GRPC GRPCConfig `json:"grpc" yaml:"grpc"`

	// Shutdown configuration
	Shutdown ShutdownConfig `json:"shutdown" yaml:"shutdown"`

	// Log configuration
	Log LogConfig `json:"log" yaml:"log"`

	// Collect configures the intel collectors
	Collect CollectConfig `json:"collect" yaml:"collect"`
}

// WindowConfig holds deduplication window configuration.
type WindowConfig struct {
	// Size is how long candidates for one key accumulate before admission
	Size time.Duration `json:"size" yaml:"size"`

	// MaxCandidates closes a key's window early once it holds this many
	// candidates (0 disables the count limit)
	MaxCandidates int `json:"max_candidates" yaml:"max_candidates"`

	// MaxPending bounds buffered candidates across all keys; readers block
	// when it is reached
	MaxPending int `json:"max_pending" yaml:"max_pending"`

	// SweepInterval is how often expired windows are closed (default: Size/4)
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
}

// BatchConfig holds batch upsert engine configuration.
type BatchConfig struct {
	// MaxSize is the maximum number of upserts per transaction
	MaxSize int `json:"max_size" yaml:"max_size"`

	// MaxLatency is the longest a record waits in an open batch
	MaxLatency time.Duration `json:"max_latency" yaml:"max_latency"`

	// Concurrency is the number of batches that may be in flight at once
	Concurrency int `json:"concurrency" yaml:"concurrency"`
}

// RetryConfig holds retry configuration for transient graph store failures.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts per batch
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`

	// InitialBackoff is the delay after the first failure
	InitialBackoff time.Duration `json:"initial_backoff" yaml:"initial_backoff"`

	// MaxBackoff caps the delay between attempts
	MaxBackoff time.Duration `json:"max_backoff" yaml:"max_backoff"`
}

// StreamConfig holds stream consumer configuration.
type StreamConfig struct {
	// Partitions restricts consumption to these partitions (empty = all)
	Partitions []int `json:"partitions" yaml:"partitions"`

	// ReconnectMaxBackoff caps the delay between reconnect attempts
	ReconnectMaxBackoff time.Duration `json:"reconnect_max_backoff" yaml:"reconnect_max_backoff"`

	// StartupTimeout bounds the initial connection to the stream
	StartupTimeout time.Duration `json:"startup_timeout" yaml:"startup_timeout"`
}

// CheckpointConfig holds checkpoint persistence configuration.
type CheckpointConfig struct {
	// FlushInterval is how often advanced watermarks are persisted
	FlushInterval time.Duration `json:"flush_interval" yaml:"flush_interval"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	// Addr is the HTTP address for /health, /ready and /metrics (empty disables)
	Addr string `json:"addr" yaml:"addr"`

	// ReadTimeout is the HTTP read timeout
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout is the HTTP write timeout
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`

	// IdleTimeout is the HTTP idle timeout
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// GRPCConfig holds gRPC server configuration.
type GRPCConfig struct {
	// Addr is the gRPC server address
	Addr string `json:"addr" yaml:"addr"`

	// Enabled controls whether the gRPC health service runs
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// ShutdownConfig holds graceful shutdown configuration.
type ShutdownConfig struct {
	// DrainTimeout bounds how long in-flight batches may take to commit
	DrainTimeout time.Duration `json:"drain_timeout" yaml:"drain_timeout"`
}

// LogConfig holds logger configuration.
type LogConfig struct {
	// Level is one of debug, info, warn, error
	Level string `json:"level" yaml:"level"`

	// Format is json or console
	Format string `json:"format" yaml:"format"`
}

// CollectConfig holds collector configuration.
type CollectConfig struct {
	// AWSRegion is the region scanned by the EC2 collector
	AWSRegion string `json:"aws_region" yaml:"aws_region"`

	// GCPProject is the project scanned by the storage collector
	GCPProject string `json:"gcp_project" yaml:"gcp_project"`

	// GCPCredentialsFile is an optional service account key path
	GCPCredentialsFile string `json:"gcp_credentials_file" yaml:"gcp_credentials_file"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		ConsumerGroup:      "graph-ingestion",
		StreamURI:          "file://./data/cartograph/stream?partitions=4",
		GraphStoreURI:      "sqlite://./data/cartograph/graph.db",
		CheckpointStoreURI: "sqlite://./data/cartograph/checkpoints.db",
		Window: WindowConfig{
			Size:          30 * time.Second,
			MaxCandidates: 0,
			MaxPending:    100000,
		},
		Batch: BatchConfig{
			MaxSize:     500,
			MaxLatency:  time.Second,
			Concurrency: 4,
		},
		Retry: RetryConfig{
			MaxAttempts:    5,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     10 * time.Second,
		},
		Stream: StreamConfig{
			ReconnectMaxBackoff: 30 * time.Second,
			StartupTimeout:      10 * time.Second,
		},
		Checkpoint: CheckpointConfig{
			FlushInterval: time.Second,
		},
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		GRPC: GRPCConfig{
			Addr:    ":9090",
			Enabled: false,
		},
		Shutdown: ShutdownConfig{
			DrainTimeout: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Collect: CollectConfig{
			AWSRegion: "us-east-1",
		},
	}
}

// Resolve fills derived defaults.
func (c *Config) Resolve() {
	if c.Window.SweepInterval <= 0 && c.Window.Size > 0 {
		c.Window.SweepInterval = c.Window.Size / 4
		if c.Window.SweepInterval < 10*time.Millisecond {
			c.Window.SweepInterval = 10 * time.Millisecond
		}
	}
	if c.Batch.Concurrency <= 0 {
		c.Batch.Concurrency = 1
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.ConsumerGroup == "" {
		return fmt.Errorf("consumer_group is required")
	}
	if c.StreamURI == "" {
		return fmt.Errorf("stream_uri is required")
	}
	if c.GraphStoreURI == "" {
		return fmt.Errorf("graph_store_uri is required")
	}
	if c.CheckpointStoreURI == "" {
		return fmt.Errorf("checkpoint_store_uri is required")
	}
	if c.Window.Size <= 0 {
		return fmt.Errorf("window.size must be positive, got %s", c.Window.Size)
	}
	if c.Window.MaxCandidates < 0 {
		return fmt.Errorf("window.max_candidates must not be negative, got %d", c.Window.MaxCandidates)
	}
	if c.Window.MaxPending <= 0 {
		return fmt.Errorf("window.max_pending must be positive, got %d", c.Window.MaxPending)
	}
	if c.Batch.MaxSize <= 0 {
		return fmt.Errorf("batch.max_size must be positive, got %d", c.Batch.MaxSize)
	}
	if c.Batch.MaxLatency <= 0 {
		return fmt.Errorf("batch.max_latency must be positive, got %s", c.Batch.MaxLatency)
	}
	if c.Batch.Concurrency < 1 || c.Batch.Concurrency > 256 {
		return fmt.Errorf("batch.concurrency must be between 1 and 256, got %d", c.Batch.Concurrency)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Checkpoint.FlushInterval <= 0 {
		return fmt.Errorf("checkpoint.flush_interval must be positive, got %s", c.Checkpoint.FlushInterval)
	}
	if c.Shutdown.DrainTimeout <= 0 {
		return fmt.Errorf("shutdown.drain_timeout must be positive, got %s", c.Shutdown.DrainTimeout)
	}
	for _, p := range c.Stream.Partitions {
		if p < 0 {
			return fmt.Errorf("stream.partitions must not contain negative ids, got %d", p)
		}
	}
	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file on top of the
// defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the CARTOGRAPH_ prefix. Malformed values are
// reported rather than silently ignored.
func LoadFromEnv(cfg *Config) error {
	str := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	var errs []string
	dur := func(name string, dst *time.Duration) {
		if v := os.Getenv(name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", name, err))
				return
			}
			*dst = d
		}
	}
	num := func(name string, dst *int) {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", name, err))
				return
			}
			*dst = n
		}
	}

	str("CARTOGRAPH_CONSUMER_GROUP", &cfg.ConsumerGroup)
	str("CARTOGRAPH_STREAM_URI", &cfg.StreamURI)
	str("CARTOGRAPH_GRAPH_STORE_URI", &cfg.GraphStoreURI)
	str("CARTOGRAPH_CHECKPOINT_STORE_URI", &cfg.CheckpointStoreURI)

	dur("CARTOGRAPH_WINDOW_SIZE", &cfg.Window.Size)
	num("CARTOGRAPH_WINDOW_MAX_CANDIDATES", &cfg.Window.MaxCandidates)
	num("CARTOGRAPH_WINDOW_MAX_PENDING", &cfg.Window.MaxPending)

	num("CARTOGRAPH_BATCH_MAX_SIZE", &cfg.Batch.MaxSize)
	dur("CARTOGRAPH_BATCH_MAX_LATENCY", &cfg.Batch.MaxLatency)
	num("CARTOGRAPH_BATCH_CONCURRENCY", &cfg.Batch.Concurrency)

	num("CARTOGRAPH_RETRY_MAX_ATTEMPTS", &cfg.Retry.MaxAttempts)
	dur("CARTOGRAPH_RETRY_INITIAL_BACKOFF", &cfg.Retry.InitialBackoff)
	dur("CARTOGRAPH_RETRY_MAX_BACKOFF", &cfg.Retry.MaxBackoff)

	dur("CARTOGRAPH_CHECKPOINT_FLUSH_INTERVAL", &cfg.Checkpoint.FlushInterval)
	dur("CARTOGRAPH_SHUTDOWN_DRAIN_TIMEOUT", &cfg.Shutdown.DrainTimeout)

	str("CARTOGRAPH_HTTP_ADDR", &cfg.HTTP.Addr)
	str("CARTOGRAPH_GRPC_ADDR", &cfg.GRPC.Addr)
	if v := os.Getenv("CARTOGRAPH_GRPC_ENABLED"); v != "" {
		cfg.GRPC.Enabled = v == "true" || v == "1"
	}

	str("CARTOGRAPH_LOG_LEVEL", &cfg.Log.Level)
	str("CARTOGRAPH_LOG_FORMAT", &cfg.Log.Format)

	str("CARTOGRAPH_AWS_REGION", &cfg.Collect.AWSRegion)
	str("CARTOGRAPH_GCP_PROJECT", &cfg.Collect.GCPProject)
	str("CARTOGRAPH_GCP_CREDENTIALS_FILE", &cfg.Collect.GCPCredentialsFile)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %s", strings.Join(errs, "; "))
	}
	return nil
}
