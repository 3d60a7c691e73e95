package progcache

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Tier separates cheap, freely evictable single assets from expensive
// composites that are only removed explicitly by their owner.
type Tier int

const (
	TierVolatile Tier = iota
	TierReserved
)

func (t Tier) String() string {
	if t == TierReserved {
		return "reserved"
	}
	return "volatile"
}

// Kind is the asset kind of a cache entry; it selects the tier.
type Kind int

const (
	KindImage  Kind = iota // volatile tier
	KindVolume             // reserved tier
)

func (k Kind) Tier() Tier {
	if k == KindVolume {
		return TierReserved
	}
	return TierVolatile
}

func (k Kind) String() string {
	if k == KindVolume {
		return "volume"
	}
	return "image"
}

type CacheOptions struct {
	MaxCacheSize int64    // 0 => DefaultMaxCacheSize
	Logger       Logger   // nil => NopLogger
	Observer     Observer // nil => NopObserver
}

// CacheStats is a point-in-time view of the byte accounting.
type CacheStats struct {
	MaxCacheSize  int64
	VolatileBytes int64
	ReservedBytes int64
	Available     int64
	Images        int
	Volumes       int
	Pending       int // entries whose result has not settled yet
}

type entry struct {
	id      string
	kind    Kind
	handle  Handle
	loaded  bool
	size    int64
	touched uint64   // logical clock, bumped on every read
	members []string // volume member image ids (protected during the volume's own eviction)
}

// PutOption customizes a single Put.
type PutOption func(*entry)

// WithMembers declares the image ids contained in a volume. When the volume's
// bytes are admitted, eviction prefers unrelated images over its members.
func WithMembers(ids ...string) PutOption {
	return func(e *entry) { e.members = append([]string(nil), ids...) }
}

// Cache is a byte-budgeted store of loader handles. Every successful admission
// leaves volatile+reserved bytes at or below the configured ceiling.
type Cache struct {
	mu     sync.Mutex
	max    int64
	tiers  [2]map[string]*entry
	bytes  [2]int64
	clock  uint64
	closed bool

	log Logger
	obs Observer

	// resolution goroutines
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewCache(opts CacheOptions) (*Cache, error) {
	if opts.MaxCacheSize < 0 {
		return nil, invalidConfig("max cache size must be positive, got %d", opts.MaxCacheSize)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Cache{
		max:    coalesce(opts.MaxCacheSize, DefaultMaxCacheSize),
		log:    coalesce[Logger](opts.Logger, NopLogger{}),
		obs:    coalesce[Observer](opts.Observer, NopObserver{}),
		ctx:    ctx,
		cancel: cancel,
	}
	c.tiers[TierVolatile] = make(map[string]*entry)
	c.tiers[TierReserved] = make(map[string]*entry)
	return c, nil
}

// Put registers an unloaded entry and admits its bytes once h.Result settles.
// A duplicate id in the same tier fails immediately with ErrDuplicateID.
// The returned completion reports ErrInvalidSize, a *SizeError or a *LoadError;
// on any of those the entry is rolled back. If the entry is removed before the
// result settles the resolution is discarded and the completion succeeds.
func (c *Cache) Put(kind Kind, id string, h Handle, opts ...PutOption) (*Completion, error) {
	if id == "" {
		return nil, invalidConfig("empty id")
	}
	if h.Result == nil {
		return nil, invalidConfig("handle for %q has no result", id)
	}
	e := &entry{id: id, kind: kind, handle: h}
	for _, o := range opts {
		o(e)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	tier := c.tiers[kind.Tier()]
	if _, ok := tier[id]; ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s %q", ErrDuplicateID, kind, id)
	}
	e.touched = c.tickLocked()
	tier[id] = e
	c.wg.Add(1)
	c.mu.Unlock()

	done := newCompletion()
	go c.resolve(e, done)
	return done, nil
}

func (c *Cache) resolve(e *entry, done *Completion) {
	defer c.wg.Done()
	v, loadErr := e.handle.Result.AwaitFinal(c.ctx)

	var post []func()
	c.mu.Lock()
	if !c.ownsLocked(e) {
		c.mu.Unlock()
		c.log.Warn("cache: result settled after entry was removed; discarding", Fields{"id": e.id, "kind": e.kind.String()})
		done.resolve(nil)
		return
	}
	err := c.admitLocked(e, v, loadErr, &post)
	c.mu.Unlock()

	runAll(post)
	if err != nil {
		c.log.Debug("cache: admission rejected", Fields{"id": e.id, "kind": e.kind.String(), "err": err})
	}
	done.resolve(err)
}

func (c *Cache) admitLocked(e *entry, v Value, loadErr error, post *[]func()) error {
	if loadErr != nil {
		c.rollbackLocked(e, post)
		return &LoadError{ID: e.id, Permanent: true, Err: loadErr}
	}
	size := v.SizeInBytes
	if size < 0 {
		c.rollbackLocked(e, post)
		return fmt.Errorf("%w: %q reported %d bytes", ErrInvalidSize, e.id, size)
	}
	if !c.isCacheableLocked(size) {
		c.rollbackLocked(e, post)
		return &SizeError{ID: e.id, Requested: size, Available: c.max - c.bytes[TierReserved]}
	}
	c.evictLocked(size, e.members, post)

	e.loaded = true
	e.size = size
	tier := e.kind.Tier()
	c.bytes[tier] += size
	*post = append(*post, func() { c.obs.OnEntryAdded(tier, e.id, size) })
	return nil
}

// rollbackLocked drops an entry that never got admitted; no removal event.
func (c *Cache) rollbackLocked(e *entry, post *[]func()) {
	delete(c.tiers[e.kind.Tier()], e.id)
	if e.handle.Decache != nil {
		*post = append(*post, e.handle.Decache)
	}
}

func (c *Cache) ownsLocked(e *entry) bool {
	cur, ok := c.tiers[e.kind.Tier()][e.id]
	return ok && cur == e
}

func (c *Cache) tickLocked() uint64 {
	c.clock++
	return c.clock
}

// Get returns the handle cached under id and marks it as recently used.
func (c *Cache) Get(kind Kind, id string) (Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.tiers[kind.Tier()][id]
	if !ok {
		return Handle{}, false
	}
	e.touched = c.tickLocked()
	return e.handle, true
}

// Contains reports whether id is cached without touching it.
func (c *Cache) Contains(kind Kind, id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.tiers[kind.Tier()][id]
	return ok
}

// Loaded reports whether id is cached and its bytes have been admitted.
func (c *Cache) Loaded(kind Kind, id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.tiers[kind.Tier()][id]
	return ok && e.loaded
}

// Remove cancels an unsettled request, releases the handle and drops the entry.
func (c *Cache) Remove(kind Kind, id string) error {
	var post []func()
	c.mu.Lock()
	e, ok := c.tiers[kind.Tier()][id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s %q", ErrNotFound, kind, id)
	}
	c.removeLocked(e, &post)
	c.mu.Unlock()
	runAll(post)
	return nil
}

func (c *Cache) removeLocked(e *entry, post *[]func()) {
	tier := e.kind.Tier()
	delete(c.tiers[tier], e.id)
	if e.loaded {
		c.bytes[tier] -= e.size
	}
	if !e.loaded && e.handle.Cancel != nil && !e.handle.Result.Settled() {
		*post = append(*post, e.handle.Cancel)
	}
	if e.handle.Decache != nil {
		*post = append(*post, e.handle.Decache)
	}
	id := e.id
	*post = append(*post, func() { c.obs.OnEntryRemoved(tier, id) })
}

// EvictUntilAvailable evicts loaded volatile entries, least recently used
// first, until needed bytes are available. Entries in protected are evicted
// only once every other candidate is gone; callers depending on them must be
// prepared to re-fetch. Reserved entries are never evicted. It returns the
// number of bytes freed.
func (c *Cache) EvictUntilAvailable(needed int64, protected ...string) int64 {
	var post []func()
	c.mu.Lock()
	freed := c.evictLocked(needed, protected, &post)
	c.mu.Unlock()
	runAll(post)
	return freed
}

func (c *Cache) evictLocked(needed int64, protected []string, post *[]func()) int64 {
	if c.bytesAvailableLocked() >= needed {
		return 0
	}
	cands := make([]*entry, 0, len(c.tiers[TierVolatile]))
	for _, e := range c.tiers[TierVolatile] {
		if e.loaded {
			cands = append(cands, e)
		}
	}
	// Oldest first
	sort.Slice(cands, func(i, j int) bool { return cands[i].touched < cands[j].touched })

	prot := make(map[string]struct{}, len(protected))
	for _, id := range protected {
		prot[id] = struct{}{}
	}

	var freed int64
	for pass := 0; pass < 2; pass++ {
		for _, e := range cands {
			if c.bytesAvailableLocked() >= needed {
				return freed
			}
			_, isProt := prot[e.id]
			if isProt != (pass == 1) {
				continue
			}
			if pass == 1 {
				c.log.Debug("cache: evicting protected entry", Fields{"id": e.id})
			}
			freed += e.size
			c.removeLocked(e, post)
		}
	}
	return freed
}

// IsCacheable reports whether n bytes could be admitted after evicting every
// volatile entry.
func (c *Cache) IsCacheable(n int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isCacheableLocked(n)
}

func (c *Cache) isCacheableLocked(n int64) bool {
	return c.bytesAvailableLocked()+c.bytes[TierVolatile] >= n
}

// BytesAvailable returns the unallocated part of the ceiling.
func (c *Cache) BytesAvailable() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytesAvailableLocked()
}

func (c *Cache) bytesAvailableLocked() int64 {
	return c.max - (c.bytes[TierVolatile] + c.bytes[TierReserved])
}

// SetMaxCacheSize changes the ceiling. Shrinking below current usage evicts
// volatile entries; reserved bytes above the new ceiling stay until removed.
func (c *Cache) SetMaxCacheSize(n int64) error {
	if n <= 0 {
		return invalidConfig("max cache size must be positive, got %d", n)
	}
	var post []func()
	c.mu.Lock()
	c.max = n
	c.evictLocked(0, nil, &post)
	over := -c.bytesAvailableLocked()
	c.mu.Unlock()
	runAll(post)
	if over > 0 {
		c.log.Warn("cache: reserved tier exceeds new ceiling", Fields{"max": n, "over": over})
	}
	return nil
}

func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := CacheStats{
		MaxCacheSize:  c.max,
		VolatileBytes: c.bytes[TierVolatile],
		ReservedBytes: c.bytes[TierReserved],
		Available:     c.bytesAvailableLocked(),
		Images:        len(c.tiers[TierVolatile]),
		Volumes:       len(c.tiers[TierReserved]),
	}
	for _, t := range c.tiers {
		for _, e := range t {
			if !e.loaded {
				s.Pending++
			}
		}
	}
	return s
}

// Purge removes every entry of both tiers.
func (c *Cache) Purge() {
	var post []func()
	c.mu.Lock()
	for _, t := range c.tiers {
		for _, e := range t {
			c.removeLocked(e, &post)
		}
	}
	c.mu.Unlock()
	runAll(post)
}

// Close purges the cache, stops pending resolutions and refuses new entries.
func (c *Cache) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.Purge()
	c.cancel()

	waited := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func runAll(fns []func()) {
	for _, f := range fns {
		f()
	}
}
