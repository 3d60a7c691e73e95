// Package redis is a shared asset store on redis/go-redis, so several
// processes can serve the same seeded frame sets.
package redis

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"

	pr "github.com/unkn0wn-root/progcache/provider"
)

var ErrNilClient = errors.New("redis: nil client")

const scanBatch = 512

type Store struct {
	rdb         goredis.UniversalClient
	prefix      string
	refresh     time.Duration
	closeClient bool

	hits   atomic.Int64
	misses atomic.Int64
}

var (
	_ pr.Provider      = (*Store)(nil)
	_ pr.StatsReporter = (*Store)(nil)
)

type Config struct {
	Client goredis.UniversalClient
	Prefix string // prepended to every asset id, e.g. "progcache:asset:"
	// RefreshTTL, when positive, resets the expiry of every blob that is read
	// (GETEX), so assets in active use outlive their seed TTL.
	RefreshTTL  time.Duration
	CloseClient bool // set only if this store exclusively owns the client
}

func New(cfg Config) (*Store, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	return &Store{
		rdb:         cfg.Client,
		prefix:      cfg.Prefix,
		refresh:     cfg.RefreshTTL,
		closeClient: cfg.CloseClient,
	}, nil
}

func (s *Store) key(id string) string { return s.prefix + id }

func (s *Store) Get(ctx context.Context, id string) ([]byte, bool, error) {
	var cmd *goredis.StringCmd
	if s.refresh > 0 {
		cmd = s.rdb.GetEx(ctx, s.key(id), s.refresh)
	} else {
		cmd = s.rdb.Get(ctx, s.key(id))
	}
	blob, err := cmd.Bytes()
	switch {
	case errors.Is(err, goredis.Nil):
		s.misses.Add(1)
		return nil, false, nil
	case err != nil:
		return nil, false, err
	}
	s.hits.Add(1)
	return blob, true, nil
}

func (s *Store) Set(ctx context.Context, id string, blob []byte, ttl time.Duration) error {
	return s.rdb.Set(ctx, s.key(id), blob, max(ttl, 0)).Err()
}

func (s *Store) Del(ctx context.Context, id string) error {
	return s.rdb.Del(ctx, s.key(id)).Err()
}

// Stats counts keys under the prefix with SCAN; hits and misses are local to
// this process. Bytes is not tracked (-1).
func (s *Store) Stats(ctx context.Context) (pr.Stats, error) {
	var (
		keys   int64
		cursor uint64
	)
	for {
		batch, next, err := s.rdb.Scan(ctx, cursor, s.prefix+"*", scanBatch).Result()
		if err != nil {
			return pr.Stats{}, err
		}
		keys += int64(len(batch))
		if cursor = next; cursor == 0 {
			break
		}
	}
	return pr.Stats{Hits: s.hits.Load(), Misses: s.misses.Load(), Keys: keys, Bytes: -1}, nil
}

// Close releases the client only when this store owns it. Repeated calls are
// no-ops.
func (s *Store) Close(context.Context) error {
	if !s.closeClient {
		return nil
	}
	if err := s.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
		return err
	}
	return nil
}
