package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestDefaults verifies the built-in configuration is valid.
func TestDefaults(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	if cfg.MaxRetries != 3 {
		t.Errorf("expected retry ceiling 3, got %d", cfg.MaxRetries)
	}
	if cfg.RemoteBatchLimit != 500 {
		t.Errorf("expected remote batch limit 500, got %d", cfg.RemoteBatchLimit)
	}
}

// TestLoadFile verifies file values override defaults.
func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	content := []byte("max_retries: 5\nverification_batch_size: 10\nnetwork_timeout: 10s\nscope_id: acme\n")
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.MaxRetries != 5 {
		t.Errorf("expected max_retries 5, got %d", cfg.MaxRetries)
	}
	if cfg.VerificationBatchSize != 10 {
		t.Errorf("expected verification_batch_size 10, got %d", cfg.VerificationBatchSize)
	}
	if cfg.NetworkTimeout != 10*time.Second {
		t.Errorf("expected network_timeout 10s, got %s", cfg.NetworkTimeout)
	}
	if cfg.ScopeID != "acme" {
		t.Errorf("expected scope_id acme, got %q", cfg.ScopeID)
	}
	// Untouched key keeps its default.
	if cfg.UploadConcurrency != 3 {
		t.Errorf("expected default upload_concurrency 3, got %d", cfg.UploadConcurrency)
	}
}

// TestValidateRejectsBadValues exercises each validation rule.
func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero retries", func(c *Config) { c.MaxRetries = 0 }},
		{"zero capacity", func(c *Config) { c.QueueCapacity = 0 }},
		{"zero batch limit", func(c *Config) { c.RemoteBatchLimit = 0 }},
		{"zero verification batch", func(c *Config) { c.VerificationBatchSize = 0 }},
		{"verification batch above remote limit", func(c *Config) {
			c.RemoteBatchLimit = 10
			c.VerificationBatchSize = 11
		}},
		{"zero upload concurrency", func(c *Config) { c.UploadConcurrency = 0 }},
		{"zero timeout", func(c *Config) { c.NetworkTimeout = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

// TestLoadMissingFile verifies a bad path errors out.
func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Error("expected error for missing config file")
	}
}
