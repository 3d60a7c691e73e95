// Package config loads progcache settings from a YAML/TOML file and
// PROGCACHE_* environment variables.
//
// Precedence (highest to lowest): environment, file, defaults.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/unkn0wn-root/progcache"
)

// Config is the root configuration.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Cache     CacheConfig     `mapstructure:"cache" yaml:"cache"`
	Pool      PoolConfig      `mapstructure:"pool" yaml:"pool"`
	Retrieval RetrievalConfig `mapstructure:"retrieval" yaml:"retrieval"`
	Source    SourceConfig    `mapstructure:"source" yaml:"source"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
}

type LoggingConfig struct {
	// Level: DEBUG, INFO, WARN or ERROR.
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR" yaml:"level"`
	// Format: text or json (slog and logrus backends).
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`
	// Backend: slog, zap or logrus.
	Backend string `mapstructure:"backend" validate:"required,oneof=slog zap logrus" yaml:"backend"`
}

type CacheConfig struct {
	// MaxSize accepts human sizes such as "3GiB" or "512MB".
	MaxSize ByteSize `mapstructure:"max_size" validate:"gt=0" yaml:"max_size"`
}

type PoolConfig struct {
	// Limits caps concurrent requests per class (interaction, thumbnail,
	// prefetch, compute). Missing classes use the package default.
	Limits map[string]int `mapstructure:"limits" validate:"dive,keys,oneof=interaction thumbnail prefetch compute,endkeys,gt=0" yaml:"limits,omitempty"`
}

type RetrievalConfig struct {
	// Preset names a built-in plan; ignored when Stages is set.
	Preset string            `mapstructure:"preset" validate:"omitempty,oneof=single sequential interleaved" yaml:"preset,omitempty"`
	Stages []progcache.Stage `mapstructure:"stages" validate:"dive" yaml:"stages,omitempty"`
}

type SourceConfig struct {
	// Provider: ristretto, bigcache or redis.
	Provider   string          `mapstructure:"provider" validate:"required,oneof=ristretto bigcache redis" yaml:"provider"`
	Codec      string          `mapstructure:"codec" validate:"required,oneof=cbor msgpack json protobuf" yaml:"codec"`
	FrameDelay time.Duration   `mapstructure:"frame_delay" validate:"gte=0" yaml:"frame_delay,omitempty"`
	MaxHeader  ByteSize        `mapstructure:"max_header" validate:"gte=0" yaml:"max_header,omitempty"`
	Ristretto  RistrettoConfig `mapstructure:"ristretto" yaml:"ristretto"`
	BigCache   BigCacheConfig  `mapstructure:"bigcache" yaml:"bigcache"`
	Redis      RedisConfig     `mapstructure:"redis" yaml:"redis"`
}

type RistrettoConfig struct {
	NumCounters int64    `mapstructure:"num_counters" validate:"gte=0" yaml:"num_counters"`
	MaxCost     ByteSize `mapstructure:"max_cost" validate:"gte=0" yaml:"max_cost"`
	BufferItems int64    `mapstructure:"buffer_items" validate:"gte=0" yaml:"buffer_items"`
}

type BigCacheConfig struct {
	LifeWindow   time.Duration `mapstructure:"life_window" validate:"gte=0" yaml:"life_window"`
	HardMaxSize  ByteSize      `mapstructure:"hard_max_size" validate:"gte=0" yaml:"hard_max_size,omitempty"`
	MaxEntrySize ByteSize      `mapstructure:"max_entry_size" validate:"gte=0" yaml:"max_entry_size,omitempty"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr" validate:"required,hostname_port" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`
	DB       int    `mapstructure:"db" validate:"gte=0" yaml:"db"`
	Prefix   string `mapstructure:"prefix" yaml:"prefix"`
	// RefreshTTL extends an asset's expiry on every read; 0 keeps the seed TTL.
	RefreshTTL time.Duration `mapstructure:"refresh_ttl" validate:"gte=0" yaml:"refresh_ttl,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" validate:"required_if=Enabled true" yaml:"listen,omitempty"`
}

// ByteSize is a byte count that reads and writes human sizes.
type ByteSize int64

func (b ByteSize) String() string { return humanize.IBytes(uint64(b)) }

func (b ByteSize) MarshalYAML() (any, error) { return b.String(), nil }

// Load reads path (empty: ./progcache.yaml or $XDG_CONFIG_HOME/progcache),
// applies defaults and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setupViper(v, path)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	// without a file, bound environment variables still apply
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// Save writes cfg as YAML with owner-only permissions.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func setupViper(v *viper.Viper, path string) {
	// PROGCACHE_CACHE_MAX_SIZE=1GiB overrides cache.max_size
	v.SetEnvPrefix("PROGCACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	if path != "" {
		v.SetConfigFile(path)
		return
	}
	v.SetConfigName("progcache")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath(configDir())
}

// envKeys are bound explicitly so environment overrides apply even when the
// file omits the key.
var envKeys = []string{
	"logging.level", "logging.format", "logging.backend",
	"cache.max_size",
	"retrieval.preset",
	"source.provider", "source.codec", "source.frame_delay",
	"source.redis.addr", "source.redis.password", "source.redis.db", "source.redis.prefix",
	"metrics.enabled", "metrics.listen",
}

func readConfigFile(v *viper.Viper) error {
	err := v.ReadInConfig()
	if err == nil {
		return nil
	}
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) || os.IsNotExist(err) {
		return nil
	}
	return fmt.Errorf("failed to read config file: %w", err)
}

func configDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "progcache")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "progcache")
	}
	return "."
}

func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		enumDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// byteSizeDecodeHook accepts "3GiB", "512MB" or plain numbers.
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(_ reflect.Type, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(ByteSize(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			n, err := humanize.ParseBytes(v)
			if err != nil {
				return nil, fmt.Errorf("invalid size %q: %w", v, err)
			}
			return ByteSize(n), nil
		case int:
			return ByteSize(v), nil
		case int64:
			return ByteSize(v), nil
		case uint64:
			return ByteSize(v), nil
		case float64:
			// YAML often deserializes numbers as float64
			return ByteSize(v), nil
		}
		return data, nil
	}
}

// enumDecodeHook maps class and quality names onto their progcache types.
func enumDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String {
			return data, nil
		}
		switch to {
		case reflect.TypeOf(progcache.Class(0)):
			return progcache.ParseClass(data.(string))
		case reflect.TypeOf(progcache.Quality(0)):
			return progcache.ParseQuality(data.(string))
		}
		return data, nil
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct constraints and the retrieval plan.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return err
	}
	if len(cfg.Retrieval.Stages) > 0 {
		if err := progcache.ValidateStages(cfg.Retrieval.Stages); err != nil {
			return err
		}
	}
	return nil
}

// Stages resolves the retrieval plan: explicit stages, else the preset.
func (c *Config) Stages() ([]progcache.Stage, error) {
	if len(c.Retrieval.Stages) > 0 {
		return c.Retrieval.Stages, nil
	}
	return progcache.Preset(c.Retrieval.Preset)
}

// Limits converts pool limits to progcache classes.
func (c *Config) Limits() (map[progcache.Class]int, error) {
	out := make(map[progcache.Class]int, len(c.Pool.Limits))
	for name, n := range c.Pool.Limits {
		cls, err := progcache.ParseClass(name)
		if err != nil {
			return nil, err
		}
		out[cls] = n
	}
	return out, nil
}

// CoreOptions builds progcache.Options around loader. obs and pm may be nil.
func (c *Config) CoreOptions(loader progcache.Loader, obs progcache.Observer, pm progcache.PoolMetrics) (progcache.Options, error) {
	stages, err := c.Stages()
	if err != nil {
		return progcache.Options{}, err
	}
	limits, err := c.Limits()
	if err != nil {
		return progcache.Options{}, err
	}
	log, err := c.Logger(os.Stderr, nil)
	if err != nil {
		return progcache.Options{}, err
	}
	return progcache.Options{
		MaxCacheSize:      int64(c.Cache.MaxSize),
		ConcurrencyLimits: limits,
		Loader:            loader,
		Stages:            stages,
		Observer:          obs,
		Logger:            log,
		PoolMetrics:       pm,
	}, nil
}

// shutdownTimeout bounds Core.Close in CLI commands.
const shutdownTimeout = 10 * time.Second

// ShutdownContext returns a context bounded by the shutdown timeout.
func ShutdownContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), shutdownTimeout)
}
