// Package rqconfig implements TOML-backed configuration for the RQ caching
// tree, mirroring the teacher's internal/config package structure: a
// Config struct decoded from TOML over a DefaultConfig() baseline.
package rqconfig

import "time"

// Config is the top-level configuration structure recognized by a share
// (SPEC_FULL.md ยง6 "Configuration").
type Config struct {
	ContentCacheTTLMS   int64  `toml:"content_cache_ttl_ms"`
	ChunkUploadSizeMB   int64  `toml:"chunk_upload_size_mb"`
	MaxRetries          int    `toml:"max_retries"`
	RetryDelayMS        int64  `toml:"retry_delay_ms"`
	WorkPath            string `toml:"work_path"`
	NoProcessor         bool   `toml:"noprocessor"`
	NoUnicodeNormalize  bool   `toml:"no_unicode_normalize"`

	// Ambient knobs carried regardless of spec Non-goals (SPEC_FULL.md ยง2).
	SyncCadenceMS      int64 `toml:"sync_cadence_ms"`
	PurgeAfterFailures int   `toml:"purge_after_failures"`
	CacheSweepMS       int64 `toml:"cache_sweep_ms"`
	ConnectTimeoutMS   int64 `toml:"connect_timeout_ms"`
	DataTimeoutMS      int64 `toml:"data_timeout_ms"`
}

// ContentCacheTTL returns the configured list-cache lifetime as a Duration.
func (c *Config) ContentCacheTTL() time.Duration {
	return time.Duration(c.ContentCacheTTLMS) * time.Millisecond
}

// ChunkUploadSize returns the configured upload chunk size in bytes.
func (c *Config) ChunkUploadSize() int64 {
	return c.ChunkUploadSizeMB * 1024 * 1024
}

// RetryDelay returns the configured uploader retry delay as a Duration.
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMS) * time.Millisecond
}

// SyncCadence returns the sync processor's drain interval.
func (c *Config) SyncCadence() time.Duration {
	return time.Duration(c.SyncCadenceMS) * time.Millisecond
}

// CacheSweepInterval returns the CheckCacheSizeAndConflicts sweep interval.
func (c *Config) CacheSweepInterval() time.Duration {
	return time.Duration(c.CacheSweepMS) * time.Millisecond
}

// ConnectTimeout returns the configured connect timeout.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMS) * time.Millisecond
}

// DataTimeout returns the configured data-transfer timeout.
func (c *Config) DataTimeout() time.Duration {
	return time.Duration(c.DataTimeoutMS) * time.Millisecond
}
