// Package config loads engine configuration from file, environment, and
// defaults.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable of the sync engine. All values have working
// defaults; a config file and INSPECTSYNC_* environment variables override
// them.
type Config struct {
	// DataDir is where the durable local store keeps its database.
	DataDir string `mapstructure:"data_dir"`

	// ScopeID is the tenant/company identifier stamped on every mutation.
	ScopeID string `mapstructure:"scope_id"`

	// MaxRetries is the retry ceiling before dead-lettering.
	MaxRetries int `mapstructure:"max_retries"`

	// QueueCapacity bounds the active mutation queue.
	QueueCapacity int `mapstructure:"queue_capacity"`

	// RemoteBatchLimit is the remote store's documented maximum batch size.
	RemoteBatchLimit int `mapstructure:"remote_batch_limit"`

	// VerificationBatchSize bounds each offline-verification commit batch.
	VerificationBatchSize int `mapstructure:"verification_batch_size"`

	// UploadConcurrency bounds parallel image uploads.
	UploadConcurrency int `mapstructure:"upload_concurrency"`

	// NetworkTimeout bounds every remote call.
	NetworkTimeout time.Duration `mapstructure:"network_timeout"`

	// ConnectivityFeedURL is the websocket reachability feed, empty when the
	// host pushes transitions directly.
	ConnectivityFeedURL string `mapstructure:"connectivity_feed_url"`

	// BlobBaseURL is the blob store endpoint.
	BlobBaseURL string `mapstructure:"blob_base_url"`

	// BlobToken authenticates blob uploads.
	BlobToken string `mapstructure:"blob_token"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir:               ".",
		MaxRetries:            3,
		QueueCapacity:         1000,
		RemoteBatchLimit:      500,
		VerificationBatchSize: 20,
		UploadConcurrency:     3,
		NetworkTimeout:        30 * time.Second,
	}
}

// Load reads configuration from the optional file path plus environment.
// An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()

	def := Default()
	v.SetDefault("data_dir", def.DataDir)
	v.SetDefault("max_retries", def.MaxRetries)
	v.SetDefault("queue_capacity", def.QueueCapacity)
	v.SetDefault("remote_batch_limit", def.RemoteBatchLimit)
	v.SetDefault("verification_batch_size", def.VerificationBatchSize)
	v.SetDefault("upload_concurrency", def.UploadConcurrency)
	v.SetDefault("network_timeout", def.NetworkTimeout)

	v.SetEnvPrefix("INSPECTSYNC")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be at least 1, got %d", c.MaxRetries)
	}
	if c.QueueCapacity < 1 {
		return fmt.Errorf("queue_capacity must be at least 1, got %d", c.QueueCapacity)
	}
	if c.RemoteBatchLimit < 1 {
		return fmt.Errorf("remote_batch_limit must be at least 1, got %d", c.RemoteBatchLimit)
	}
	if c.VerificationBatchSize < 1 {
		return fmt.Errorf("verification_batch_size must be at least 1, got %d", c.VerificationBatchSize)
	}
	if c.VerificationBatchSize > c.RemoteBatchLimit {
		return fmt.Errorf("verification_batch_size %d exceeds remote_batch_limit %d",
			c.VerificationBatchSize, c.RemoteBatchLimit)
	}
	if c.UploadConcurrency < 1 {
		return fmt.Errorf("upload_concurrency must be at least 1, got %d", c.UploadConcurrency)
	}
	if c.NetworkTimeout <= 0 {
		return fmt.Errorf("network_timeout must be positive, got %s", c.NetworkTimeout)
	}
	return nil
}
