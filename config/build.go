package config

import (
	"context"
	"fmt"
	"io"
	stdslog "log/slog"
	"strings"

	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/unkn0wn-root/progcache"
	"github.com/unkn0wn-root/progcache/codec"
	logruslog "github.com/unkn0wn-root/progcache/log/logrus"
	slogadapter "github.com/unkn0wn-root/progcache/log/slog"
	zaplog "github.com/unkn0wn-root/progcache/log/zap"
	"github.com/unkn0wn-root/progcache/provider"
	"github.com/unkn0wn-root/progcache/provider/bigcache"
	"github.com/unkn0wn-root/progcache/provider/redis"
	"github.com/unkn0wn-root/progcache/provider/ristretto"
	"github.com/unkn0wn-root/progcache/source"
)

// Logger builds the configured backend writing to w. A non-nil zapCore
// replaces the zap encoder (tests).
func (c *Config) Logger(w io.Writer, zapCore zapcore.Core) (progcache.Logger, error) {
	switch c.Logging.Backend {
	case "slog", "":
		opts := &stdslog.HandlerOptions{Level: slogLevel(c.Logging.Level)}
		var h stdslog.Handler = stdslog.NewTextHandler(w, opts)
		if c.Logging.Format == "json" {
			h = stdslog.NewJSONHandler(w, opts)
		}
		return slogadapter.New(stdslog.New(h)), nil
	case "zap":
		core := zapCore
		if core == nil {
			enc := zap.NewProductionEncoderConfig()
			var e zapcore.Encoder = zapcore.NewConsoleEncoder(enc)
			if c.Logging.Format == "json" {
				e = zapcore.NewJSONEncoder(enc)
			}
			core = zapcore.NewCore(e, zapcore.AddSync(w), zapLevel(c.Logging.Level))
		}
		return zaplog.New(zap.New(core)), nil
	case "logrus":
		l := logrus.New()
		l.SetOutput(w)
		lvl, err := logrus.ParseLevel(strings.ToLower(c.Logging.Level))
		if err != nil {
			return nil, fmt.Errorf("%w: logging level: %v", progcache.ErrInvalidConfig, err)
		}
		l.SetLevel(lvl)
		if c.Logging.Format == "json" {
			l.SetFormatter(&logrus.JSONFormatter{})
		}
		return logruslog.New(l), nil
	}
	return nil, fmt.Errorf("%w: unknown logging backend %q", progcache.ErrInvalidConfig, c.Logging.Backend)
}

func slogLevel(s string) stdslog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return stdslog.LevelDebug
	case "WARN":
		return stdslog.LevelWarn
	case "ERROR":
		return stdslog.LevelError
	}
	return stdslog.LevelInfo
}

func zapLevel(s string) zapcore.Level {
	lvl, err := zapcore.ParseLevel(strings.ToLower(s))
	if err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

// OpenProvider constructs the asset store. Redis is pinged before returning.
func (c *Config) OpenProvider(ctx context.Context) (provider.Provider, error) {
	s := c.Source
	var (
		p   provider.Provider
		err error
	)
	switch s.Provider {
	case "ristretto":
		p, err = ristretto.New(ristretto.Config{
			NumCounters: s.Ristretto.NumCounters,
			MaxCost:     int64(s.Ristretto.MaxCost),
			BufferItems: s.Ristretto.BufferItems,
		})
	case "bigcache":
		p, err = bigcache.New(bigcache.Config{
			LifeWindow:   s.BigCache.LifeWindow,
			MaxEntrySize: int(s.BigCache.MaxEntrySize),
			HardMaxBytes: int64(s.BigCache.HardMaxSize),
		})
	case "redis":
		p, err = openRedis(ctx, s.Redis)
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", progcache.ErrInvalidConfig, s.Provider)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func openRedis(ctx context.Context, cfg RedisConfig) (provider.Provider, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis %s: %w", cfg.Addr, err)
	}
	return redis.New(redis.Config{Client: rdb, Prefix: cfg.Prefix, RefreshTTL: cfg.RefreshTTL, CloseClient: true})
}

// Source wires p into a frame loader that admits handles into cache.
func (c *Config) Source(p provider.Provider, cache *progcache.Cache, log progcache.Logger) (*source.Loader, error) {
	hc, err := codec.ByName(c.Source.Codec)
	if err != nil {
		return nil, err
	}
	return source.New(source.Options{
		Provider:       p,
		Codec:          hc,
		Cache:          cache,
		Logger:         log,
		FrameDelay:     c.Source.FrameDelay,
		MaxHeaderBytes: int(c.Source.MaxHeader),
	})
}
