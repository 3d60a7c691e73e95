// Package ristretto is an in-process asset store on dgraph-io/ristretto.
// Blobs are charged by their length against MaxCost, so a frame set larger
// than the whole budget is refused up front.
package ristretto

import (
	"context"
	"errors"
	"fmt"
	"time"

	rc "github.com/dgraph-io/ristretto"

	pr "github.com/unkn0wn-root/progcache/provider"
)

type Store struct {
	c       *rc.Cache
	maxCost int64
}

var (
	_ pr.Provider      = (*Store)(nil)
	_ pr.StatsReporter = (*Store)(nil)
)

type Config struct {
	NumCounters int64 // ~10x the expected number of assets
	MaxCost     int64 // bytes
	BufferItems int64
}

func New(cfg Config) (*Store, error) {
	if cfg.NumCounters <= 0 || cfg.MaxCost <= 0 || cfg.BufferItems <= 0 {
		return nil, errors.New("ristretto: NumCounters, MaxCost and BufferItems must be positive")
	}
	c, err := rc.NewCache(&rc.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
		Metrics:     true,
	})
	if err != nil {
		return nil, err
	}
	return &Store{c: c, maxCost: cfg.MaxCost}, nil
}

func (s *Store) Get(_ context.Context, id string) ([]byte, bool, error) {
	v, ok := s.c.Get(id)
	if !ok {
		return nil, false, nil
	}
	blob, ok := v.([]byte)
	if !ok {
		s.c.Del(id)
		return nil, false, nil
	}
	return blob, true, nil
}

// Set stores blob and waits until it is readable. The admission policy may
// still drop it, which is reported as ErrRejected.
func (s *Store) Set(_ context.Context, id string, blob []byte, ttl time.Duration) error {
	cost := int64(len(blob))
	if cost > s.maxCost {
		return fmt.Errorf("%w: %q is %d bytes, store holds %d", pr.ErrRejected, id, cost, s.maxCost)
	}
	if !s.c.SetWithTTL(id, blob, cost, max(ttl, 0)) {
		return fmt.Errorf("%w: %q dropped by admission", pr.ErrRejected, id)
	}
	s.c.Wait()
	if _, ok := s.c.Get(id); !ok {
		return fmt.Errorf("%w: %q evicted on insert", pr.ErrRejected, id)
	}
	return nil
}

func (s *Store) Del(_ context.Context, id string) error {
	s.c.Del(id)
	return nil
}

func (s *Store) Stats(context.Context) (pr.Stats, error) {
	m := s.c.Metrics
	return pr.Stats{
		Hits:   int64(m.Hits()),
		Misses: int64(m.Misses()),
		Keys:   int64(m.KeysAdded()) - int64(m.KeysEvicted()),
		Bytes:  int64(m.CostAdded()) - int64(m.CostEvicted()),
	}, nil
}

func (s *Store) Close(context.Context) error {
	s.c.Wait()
	s.c.Close()
	return nil
}
