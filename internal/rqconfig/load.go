package rqconfig

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/BurntSushi/toml"
)

// Load reads and decodes a TOML config file over DefaultConfig(), mirroring
// the teacher's internal/config.Load: decode onto the default baseline so
// unset fields retain their defaults, then validate.
func Load(path string, logger *slog.Logger) (*Config, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Debug("rqconfig: loading config file", slog.String("path", path))

	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rqconfig: reading config file %s: %w", path, err)
	}

	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("rqconfig: parsing config file %s: %w", path, err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("rqconfig: validation failed: %w", err)
	}

	logger.Debug("rqconfig: config file parsed", slog.String("path", path))

	return cfg, nil
}

// Validate checks invariants on a decoded Config, mirroring the teacher's
// internal/config/validate.go fail-fast style.
func Validate(cfg *Config) error {
	if cfg.MaxRetries < 0 {
		return fmt.Errorf("rqconfig: max_retries must be >= 0, got %d", cfg.MaxRetries)
	}

	if cfg.ChunkUploadSizeMB <= 0 {
		return fmt.Errorf("rqconfig: chunk_upload_size_mb must be > 0, got %d", cfg.ChunkUploadSizeMB)
	}

	if cfg.WorkPath == "" {
		return fmt.Errorf("rqconfig: work_path must not be empty")
	}

	if cfg.ContentCacheTTLMS < 0 {
		return fmt.Errorf("rqconfig: content_cache_ttl_ms must be >= 0, got %d", cfg.ContentCacheTTLMS)
	}

	return nil
}
