// Package bigcache is an in-process asset store on allegro/bigcache, suited to
// many small frame sets. BigCache has no per-entry TTL: every blob lives for
// LifeWindow regardless of the ttl passed to Set.
package bigcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	bc "github.com/allegro/bigcache/v3"

	pr "github.com/unkn0wn-root/progcache/provider"
)

const defaultLifeWindow = 10 * time.Minute

type Store struct {
	c *bc.BigCache
}

var (
	_ pr.Provider      = (*Store)(nil)
	_ pr.StatsReporter = (*Store)(nil)
)

type Config struct {
	LifeWindow   time.Duration // 0 => 10m
	CleanWindow  time.Duration // 0 => expired blobs are only overwritten, never swept
	MaxEntrySize int           // bytes; initial shard sizing hint
	HardMaxBytes int64         // total memory ceiling; 0 = unlimited
}

func New(cfg Config) (*Store, error) {
	conf := bc.DefaultConfig(cmpOr(cfg.LifeWindow, defaultLifeWindow))
	conf.Verbose = false
	conf.CleanWindow = cfg.CleanWindow
	if cfg.MaxEntrySize > 0 {
		conf.MaxEntrySize = cfg.MaxEntrySize
	}
	if cfg.HardMaxBytes > 0 {
		// bigcache sizes in MiB; round up so tiny ceilings still admit data
		conf.HardMaxCacheSize = int((cfg.HardMaxBytes + 1<<20 - 1) >> 20)
	}
	c, err := bc.New(context.Background(), conf)
	if err != nil {
		return nil, fmt.Errorf("bigcache: %w", err)
	}
	return &Store{c: c}, nil
}

func cmpOr(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}

func (s *Store) Get(_ context.Context, id string) ([]byte, bool, error) {
	blob, err := s.c.Get(id)
	switch {
	case errors.Is(err, bc.ErrEntryNotFound):
		return nil, false, nil
	case err != nil:
		return nil, false, err
	}
	return blob, true, nil
}

func (s *Store) Set(_ context.Context, id string, blob []byte, _ time.Duration) error {
	if err := s.c.Set(id, blob); err != nil {
		return fmt.Errorf("%w: %q: %v", pr.ErrRejected, id, err)
	}
	return nil
}

func (s *Store) Del(_ context.Context, id string) error {
	err := s.c.Delete(id)
	if errors.Is(err, bc.ErrEntryNotFound) {
		return nil
	}
	return err
}

// Stats reports Bytes as the allocated shard capacity, not the payload total.
func (s *Store) Stats(context.Context) (pr.Stats, error) {
	st := s.c.Stats()
	return pr.Stats{
		Hits:   st.Hits,
		Misses: st.Misses,
		Keys:   int64(s.c.Len()),
		Bytes:  int64(s.c.Capacity()),
	}, nil
}

func (s *Store) Close(context.Context) error {
	return s.c.Close()
}
