package config

import (
	"strings"
	"time"

	"github.com/unkn0wn-root/progcache"
)

// Default returns a complete configuration backed by an in-process store.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero values; explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	if cfg.Cache.MaxSize == 0 {
		cfg.Cache.MaxSize = ByteSize(progcache.DefaultMaxCacheSize)
	}
	if cfg.Retrieval.Preset == "" && len(cfg.Retrieval.Stages) == 0 {
		cfg.Retrieval.Preset = "interleaved"
	}
	cfg.Retrieval.Preset = strings.ToLower(cfg.Retrieval.Preset)
	applySourceDefaults(&cfg.Source)
	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = ":9090"
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// normalized so validation and backends see one spelling
	cfg.Level = strings.ToUpper(cfg.Level)
	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Backend == "" {
		cfg.Backend = "slog"
	}
}

func applySourceDefaults(cfg *SourceConfig) {
	if cfg.Provider == "" {
		cfg.Provider = "ristretto"
	}
	if cfg.Codec == "" {
		cfg.Codec = "cbor"
	}
	if cfg.Ristretto.NumCounters == 0 {
		cfg.Ristretto.NumCounters = 1e6
	}
	if cfg.Ristretto.MaxCost == 0 {
		cfg.Ristretto.MaxCost = 1 << 30
	}
	if cfg.Ristretto.BufferItems == 0 {
		cfg.Ristretto.BufferItems = 64
	}
	if cfg.BigCache.LifeWindow == 0 {
		cfg.BigCache.LifeWindow = 10 * time.Minute
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = "progcache:asset:"
	}
}
