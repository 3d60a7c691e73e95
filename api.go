package progcache

import (
	"context"
	"errors"
	"sync"
)

// Options configure a Core. Zero values fall back to the package defaults.
type Options struct {
	MaxCacheSize      int64
	ConcurrencyLimits map[Class]int // per class; missing or non-positive entries use DefaultConcurrencyLimit
	Loader            Loader        // required
	Stages            []Stage       // default retrieval plan; SinglePass() when empty
	Observer          Observer
	Logger            Logger
	PoolMetrics       PoolMetrics
}

// Core owns one Cache, one Pool and one Retriever wired together. Independent
// Cores share nothing.
type Core struct {
	Cache     *Cache
	Pool      *Pool
	Retriever *Retriever

	log       Logger
	closeOnce sync.Once
	closeErr  error
}

func New(opts Options) (*Core, error) {
	if opts.Loader == nil {
		return nil, invalidConfig("loader is required")
	}
	log := coalesce[Logger](opts.Logger, NopLogger{})
	obs := coalesce[Observer](opts.Observer, NopObserver{})

	cache, err := NewCache(CacheOptions{MaxCacheSize: opts.MaxCacheSize, Logger: log, Observer: obs})
	if err != nil {
		return nil, err
	}
	pool := NewPool(PoolOptions{Limits: opts.ConcurrencyLimits, Logger: log, Metrics: opts.PoolMetrics})
	r, err := NewRetriever(RetrieverOptions{
		Loader:   opts.Loader,
		Pool:     pool,
		Cache:    cache,
		Observer: obs,
		Logger:   log,
		Stages:   opts.Stages,
	})
	if err != nil {
		_ = cache.Close(context.Background())
		return nil, err
	}
	log.Info("progcache: core started", Fields{"max_cache_size": cache.Stats().MaxCacheSize})
	return &Core{Cache: cache, Pool: pool, Retriever: r, log: log}, nil
}

// Retrieve is shorthand for c.Retriever.Retrieve.
func (c *Core) Retrieve(ctx context.Context, req Request) (*Completion, error) {
	return c.Retriever.Retrieve(ctx, req)
}

// Close cancels active retrievals, drains the pool and purges the cache.
// In-flight loads are waited for until ctx ends.
func (c *Core) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		shutdownErr := c.Retriever.Shutdown(ctx)
		dropped := c.Pool.Close()
		c.closeErr = errors.Join(shutdownErr, c.Cache.Close(ctx))
		c.log.Info("progcache: core closed", Fields{"dropped": len(dropped), "err": c.closeErr})
	})
	return c.closeErr
}
