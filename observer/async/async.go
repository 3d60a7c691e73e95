// Package async decouples a slow Observer from the cache and retrieval paths.
//
//	raw := slogobs.New(slog.Default(), slogobs.Options{ImprovedEvery: 10})
//	obs := async.New(raw, 4, 1024) // 4 workers; 1024 queued events each
//	defer obs.Close()
//
//	core, _ := progcache.New(progcache.Options{Loader: loader, Observer: obs})
//
// Events for the same asset id always go to the same worker, so their order is
// preserved. With more than one worker there is no order across asset ids: a
// neighbor fill and the delivery that triggered it may reach inner in either
// order. A single worker keeps the emission order of every event. When a
// worker's queue is full the event is dropped and counted.
package async

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/progcache"
	"github.com/unkn0wn-root/progcache/internal/keys"
)

type Observer struct {
	inner   progcache.Observer
	shards  []chan func()
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

var _ progcache.Observer = (*Observer)(nil)

func New(inner progcache.Observer, workers, qlen int) *Observer {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	o := &Observer{inner: inner, shards: make([]chan func(), workers)}
	o.wg.Add(workers)
	for i := range o.shards {
		q := make(chan func(), qlen)
		o.shards[i] = q
		go func() {
			defer o.wg.Done()
			for f := range q {
				f()
			}
		}()
	}
	return o
}

// Close stops accepting events and waits until queued ones were delivered.
func (o *Observer) Close() {
	o.once.Do(func() {
		o.mu.Lock()
		o.closed = true
		for _, q := range o.shards {
			close(q)
		}
		o.mu.Unlock()
		o.wg.Wait()
	})
}

// Dropped returns how many events were discarded because a queue was full
// or the observer was closed.
func (o *Observer) Dropped() uint64 { return o.dropped.Load() }

func (o *Observer) try(id string, f func()) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		o.dropped.Add(1)
		return
	}
	q := o.shards[keys.Hash(id)%uint64(len(o.shards))]
	select {
	case q <- f:
	default:
		o.dropped.Add(1)
	}
}

func (o *Observer) OnEntryAdded(t progcache.Tier, id string, n int64) {
	o.try(id, func() { o.inner.OnEntryAdded(t, id, n) })
}
func (o *Observer) OnEntryRemoved(t progcache.Tier, id string) {
	o.try(id, func() { o.inner.OnEntryRemoved(t, id) })
}
func (o *Observer) OnAssetImproved(id string, v progcache.Value, q progcache.Quality) {
	o.try(id, func() { o.inner.OnAssetImproved(id, v, q) })
}
func (o *Observer) OnAssetFailed(id string, permanent bool, err error) {
	o.try(id, func() { o.inner.OnAssetFailed(id, permanent, err) })
}
func (o *Observer) OnStageCompleted(stage string, total, failures int, elapsed time.Duration) {
	o.try(stage, func() { o.inner.OnStageCompleted(stage, total, failures, elapsed) })
}
