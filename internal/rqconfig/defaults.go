package rqconfig

// Default values for configuration options (SPEC_FULL.md ยง6
// "Configuration"). Mirrors the teacher's internal/config/defaults.go
// "layer 0" pattern: safe values usable without any config file.
const (
	defaultContentCacheTTLMS   = 30_000
	defaultChunkUploadSizeMB   = 10
	defaultMaxRetries          = 3
	defaultRetryDelayMS        = 3_000
	defaultWorkPath            = ".rqtree"
	defaultSyncCadenceMS       = 5_000
	defaultPurgeAfterFailures  = 10
	defaultCacheSweepMS        = 60_000
	defaultConnectTimeoutMS    = 10_000
	defaultDataTimeoutMS       = 60_000
)

// DefaultConfig returns a Config populated with all default values. Used
// both as the TOML-decode baseline and as the fallback when no config file
// exists.
func DefaultConfig() *Config {
	return &Config{
		ContentCacheTTLMS:  defaultContentCacheTTLMS,
		ChunkUploadSizeMB:  defaultChunkUploadSizeMB,
		MaxRetries:         defaultMaxRetries,
		RetryDelayMS:       defaultRetryDelayMS,
		WorkPath:           defaultWorkPath,
		NoProcessor:        false,
		NoUnicodeNormalize: false,
		SyncCadenceMS:      defaultSyncCadenceMS,
		PurgeAfterFailures: defaultPurgeAfterFailures,
		CacheSweepMS:       defaultCacheSweepMS,
		ConnectTimeoutMS:   defaultConnectTimeoutMS,
		DataTimeoutMS:      defaultDataTimeoutMS,
	}
}
