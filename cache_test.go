package progcache

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/unkn0wn-root/progcache/progressive"
)

// eventLog is an Observer that records every event as a string.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

var _ Observer = (*eventLog)(nil)

func (l *eventLog) add(format string, args ...any) {
	l.mu.Lock()
	l.events = append(l.events, fmt.Sprintf(format, args...))
	l.mu.Unlock()
}

func (l *eventLog) OnEntryAdded(t Tier, id string, n int64) { l.add("added %s %s %d", t, id, n) }
func (l *eventLog) OnEntryRemoved(t Tier, id string)        { l.add("removed %s %s", t, id) }
func (l *eventLog) OnAssetImproved(id string, _ Value, q Quality) {
	l.add("improved %s %d", id, int(q))
}
func (l *eventLog) OnAssetFailed(id string, permanent bool, _ error) {
	l.add("failed %s %v", id, permanent)
}
func (l *eventLog) OnStageCompleted(stage string, total, failures int, _ time.Duration) {
	l.add("stage %s %d %d", stage, total, failures)
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *eventLog) has(ev string) bool {
	for _, e := range l.snapshot() {
		if e == ev {
			return true
		}
	}
	return false
}

func sizedHandle(size int64) Handle {
	return Handle{Result: progressive.Settled(Value{SizeInBytes: size, Quality: QualityFull})}
}

func newTestCache(t *testing.T, max int64, obs Observer) *Cache {
	t.Helper()
	c, err := NewCache(CacheOptions{MaxCacheSize: max, Observer: obs})
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func mustPut(t *testing.T, c *Cache, kind Kind, id string, h Handle, opts ...PutOption) {
	t.Helper()
	done, err := c.Put(kind, id, h, opts...)
	if err != nil {
		t.Fatalf("Put(%s): %v", id, err)
	}
	if err := done.Wait(context.Background()); err != nil {
		t.Fatalf("Put(%s) resolution: %v", id, err)
	}
}

func assertWithinBudget(t *testing.T, c *Cache) {
	t.Helper()
	s := c.Stats()
	if s.VolatileBytes+s.ReservedBytes > s.MaxCacheSize {
		t.Fatalf("byte invariant broken: volatile=%d reserved=%d max=%d", s.VolatileBytes, s.ReservedBytes, s.MaxCacheSize)
	}
}

// ==============================
// Admission
// ==============================

func TestCachePutGetRemove(t *testing.T) {
	obs := &eventLog{}
	c := newTestCache(t, 1000, obs)

	mustPut(t, c, KindImage, "img:1", sizedHandle(100))
	if _, ok := c.Get(KindImage, "img:1"); !ok {
		t.Fatalf("Get after put should hit")
	}
	if _, ok := c.Get(KindVolume, "img:1"); ok {
		t.Fatalf("tiers must not share ids")
	}
	if got := c.BytesAvailable(); got != 900 {
		t.Fatalf("BytesAvailable=%d want=900", got)
	}

	if err := c.Remove(KindImage, "img:1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := c.Remove(KindImage, "img:1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Remove err=%v want ErrNotFound", err)
	}
	if got := c.BytesAvailable(); got != 1000 {
		t.Fatalf("BytesAvailable after remove=%d want=1000", got)
	}
	if !obs.has("added volatile img:1 100") || !obs.has("removed volatile img:1") {
		t.Fatalf("events=%v", obs.snapshot())
	}
}

func TestCacheDuplicateRejected(t *testing.T) {
	c := newTestCache(t, 1000, nil)
	orig := sizedHandle(10)
	mustPut(t, c, KindImage, "x", orig)

	if _, err := c.Put(KindImage, "x", sizedHandle(20)); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("duplicate Put err=%v want ErrDuplicateID", err)
	}
	h, ok := c.Get(KindImage, "x")
	if !ok || h.Result != orig.Result {
		t.Fatalf("original entry must survive duplicate put")
	}
	if s := c.Stats(); s.VolatileBytes != 10 {
		t.Fatalf("VolatileBytes=%d want=10", s.VolatileBytes)
	}
}

func TestCacheInvalidSizeRollsBack(t *testing.T) {
	var decached atomic.Bool
	c := newTestCache(t, 1000, nil)
	h := Handle{
		Result:  progressive.Settled(Value{SizeInBytes: -1}),
		Decache: func() { decached.Store(true) },
	}
	done, err := c.Put(KindImage, "bad", h)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := done.Wait(context.Background()); !errors.Is(err, ErrInvalidSize) {
		t.Fatalf("resolution err=%v want ErrInvalidSize", err)
	}
	if c.Contains(KindImage, "bad") {
		t.Fatalf("invalid entry must be rolled back")
	}
	if !decached.Load() {
		t.Fatalf("rolled back handle should be decached")
	}
}

func TestCacheLoadFailureRollsBack(t *testing.T) {
	c := newTestCache(t, 1000, nil)
	boom := errors.New("boom")
	done, _ := c.Put(KindImage, "f", Handle{Result: progressive.Failed[Value](boom)})
	err := done.Wait(context.Background())
	var le *LoadError
	if !errors.As(err, &le) || !errors.Is(err, boom) || !errors.Is(err, ErrAssetLoadFailed) {
		t.Fatalf("err=%v want *LoadError wrapping boom", err)
	}
	if c.Contains(KindImage, "f") {
		t.Fatalf("failed entry must be rolled back")
	}
}

func TestCacheSizeExceededLeavesStateIntact(t *testing.T) {
	c := newTestCache(t, 100, nil)
	mustPut(t, c, KindVolume, "vol", sizedHandle(80))
	mustPut(t, c, KindImage, "small", sizedHandle(10))
	before := c.Stats()

	done, err := c.Put(KindImage, "big", sizedHandle(50))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	err = done.Wait(context.Background())
	var se *SizeError
	if !errors.As(err, &se) || !errors.Is(err, ErrCacheSizeExceeded) {
		t.Fatalf("err=%v want *SizeError", err)
	}
	if se.Available != 20 {
		t.Fatalf("SizeError.Available=%d want=20", se.Available)
	}
	if c.Contains(KindImage, "big") {
		t.Fatalf("oversized entry must be rolled back")
	}
	after := c.Stats()
	if after.VolatileBytes != before.VolatileBytes || after.ReservedBytes != before.ReservedBytes {
		t.Fatalf("stats changed: before=%+v after=%+v", before, after)
	}
	if !c.Contains(KindImage, "small") {
		t.Fatalf("no eviction should happen for an uncacheable request")
	}
}

func TestCacheRemoveBeforeSettleDiscardsResolution(t *testing.T) {
	c := newTestCache(t, 1000, nil)
	it := progressive.New[Value]()
	var cancelled, decached atomic.Bool
	done, err := c.Put(KindImage, "slow", Handle{
		Result:  it,
		Cancel:  func() { cancelled.Store(true) },
		Decache: func() { decached.Store(true) },
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if s := c.Stats(); s.Pending != 1 {
		t.Fatalf("Pending=%d want=1", s.Pending)
	}
	if err := c.Remove(KindImage, "slow"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if !cancelled.Load() || !decached.Load() {
		t.Fatalf("Remove of unsettled entry must cancel and decache (cancel=%v decache=%v)", cancelled.Load(), decached.Load())
	}

	_ = it.Push(Value{SizeInBytes: 500}, true)
	if err := done.Wait(context.Background()); err != nil {
		t.Fatalf("discarded resolution should not error, got %v", err)
	}
	if s := c.Stats(); s.VolatileBytes != 0 || s.Images != 0 {
		t.Fatalf("late resolution leaked into cache: %+v", s)
	}
}

func TestCacheRemovedAndReputIsNotConfusedWithOldResolution(t *testing.T) {
	c := newTestCache(t, 1000, nil)
	old := progressive.New[Value]()
	oldDone, _ := c.Put(KindImage, "a", Handle{Result: old})
	_ = c.Remove(KindImage, "a")
	mustPut(t, c, KindImage, "a", sizedHandle(30))

	_ = old.Push(Value{SizeInBytes: 700}, true)
	_ = oldDone.Wait(context.Background())
	if s := c.Stats(); s.VolatileBytes != 30 {
		t.Fatalf("VolatileBytes=%d want=30", s.VolatileBytes)
	}
}

// ==============================
// Eviction
// ==============================

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	obs := &eventLog{}
	c := newTestCache(t, 300, obs)
	mustPut(t, c, KindImage, "A", sizedHandle(100)) // t=1
	mustPut(t, c, KindImage, "B", sizedHandle(100)) // t=2
	mustPut(t, c, KindImage, "C", sizedHandle(100)) // t=3

	mustPut(t, c, KindImage, "D", sizedHandle(100))
	if c.Contains(KindImage, "A") {
		t.Fatalf("A (least recently used) should be evicted")
	}
	for _, id := range []string{"B", "C", "D"} {
		if !c.Contains(KindImage, id) {
			t.Fatalf("%s should still be cached", id)
		}
	}

	// reading B makes C the oldest
	c.Get(KindImage, "B")
	mustPut(t, c, KindImage, "E", sizedHandle(100))
	if c.Contains(KindImage, "C") || !c.Contains(KindImage, "B") {
		t.Fatalf("expected C evicted and B kept; stats=%+v", c.Stats())
	}
	assertWithinBudget(t, c)

	evs := obs.snapshot()
	idxRemoved, idxAdded := -1, -1
	for i, e := range evs {
		if e == "removed volatile A" {
			idxRemoved = i
		}
		if e == "added volatile D 100" {
			idxAdded = i
		}
	}
	if idxRemoved < 0 || idxAdded < 0 || idxRemoved > idxAdded {
		t.Fatalf("eviction must be reported before admission: %v", evs)
	}
}

func TestCacheNeverEvictsReservedTier(t *testing.T) {
	c := newTestCache(t, 300, nil)
	mustPut(t, c, KindVolume, "V", sizedHandle(200))
	mustPut(t, c, KindImage, "i1", sizedHandle(100))

	done, _ := c.Put(KindImage, "i2", sizedHandle(150))
	if err := done.Wait(context.Background()); !errors.Is(err, ErrCacheSizeExceeded) {
		t.Fatalf("err=%v want ErrCacheSizeExceeded", err)
	}
	if !c.Contains(KindVolume, "V") {
		t.Fatalf("reserved entry must not be evicted")
	}

	// A request that fits after evicting i1 succeeds.
	mustPut(t, c, KindImage, "i3", sizedHandle(100))
	if c.Contains(KindImage, "i1") || !c.Contains(KindVolume, "V") {
		t.Fatalf("expected i1 evicted; stats=%+v", c.Stats())
	}
}

func TestCacheVolumeEvictsUnrelatedImagesFirst(t *testing.T) {
	c := newTestCache(t, 400, nil)
	mustPut(t, c, KindImage, "m1", sizedHandle(100)) // oldest, but a member
	mustPut(t, c, KindImage, "m2", sizedHandle(100))
	mustPut(t, c, KindImage, "u1", sizedHandle(100))
	mustPut(t, c, KindImage, "u2", sizedHandle(100))

	mustPut(t, c, KindVolume, "vol", sizedHandle(200), WithMembers("m1", "m2"))
	if !c.Contains(KindImage, "m1") || !c.Contains(KindImage, "m2") {
		t.Fatalf("members should survive while unrelated images can be evicted")
	}
	if c.Contains(KindImage, "u1") || c.Contains(KindImage, "u2") {
		t.Fatalf("unrelated images should be evicted first")
	}

	// Not enough unrelated bytes left: members are evicted too.
	mustPut(t, c, KindVolume, "vol2", sizedHandle(100), WithMembers("m1", "m2"))
	if c.Contains(KindImage, "m1") {
		t.Fatalf("oldest member should be evicted as a last resort")
	}
	assertWithinBudget(t, c)
}

func TestCacheEvictUntilAvailableExplicit(t *testing.T) {
	c := newTestCache(t, 300, nil)
	mustPut(t, c, KindImage, "a", sizedHandle(100))
	mustPut(t, c, KindImage, "b", sizedHandle(100))
	mustPut(t, c, KindImage, "c", sizedHandle(100))

	if freed := c.EvictUntilAvailable(150, "a"); freed != 200 {
		t.Fatalf("freed=%d want=200", freed)
	}
	if !c.Contains(KindImage, "a") {
		t.Fatalf("protected entry evicted while others were available")
	}
	if freed := c.EvictUntilAvailable(10); freed != 0 {
		t.Fatalf("no eviction needed, freed=%d", freed)
	}
}

func TestCachePendingEntriesAreNotEvicted(t *testing.T) {
	c := newTestCache(t, 200, nil)
	pending := progressive.New[Value]()
	_, _ = c.Put(KindImage, "pending", Handle{Result: pending})
	mustPut(t, c, KindImage, "a", sizedHandle(100))
	mustPut(t, c, KindImage, "b", sizedHandle(100))
	mustPut(t, c, KindImage, "c", sizedHandle(100))
	if !c.Contains(KindImage, "pending") {
		t.Fatalf("unsettled entry should not be evicted")
	}
	_ = pending.Push(Value{SizeInBytes: 1}, true)
}

// ==============================
// Configuration
// ==============================

func TestCacheSetMaxCacheSize(t *testing.T) {
	c := newTestCache(t, 300, nil)
	if err := c.SetMaxCacheSize(0); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("SetMaxCacheSize(0) err=%v want ErrInvalidConfig", err)
	}
	mustPut(t, c, KindImage, "a", sizedHandle(100))
	mustPut(t, c, KindImage, "b", sizedHandle(100))
	if err := c.SetMaxCacheSize(150); err != nil {
		t.Fatalf("SetMaxCacheSize: %v", err)
	}
	if c.Contains(KindImage, "a") || !c.Contains(KindImage, "b") {
		t.Fatalf("shrinking should evict the oldest entry")
	}
	assertWithinBudget(t, c)
	if !c.IsCacheable(150) || c.IsCacheable(151) {
		t.Fatalf("IsCacheable boundaries wrong; stats=%+v", c.Stats())
	}
}

func TestCacheClosedRefusesPuts(t *testing.T) {
	c, _ := NewCache(CacheOptions{MaxCacheSize: 100})
	mustPut(t, c, KindImage, "a", sizedHandle(10))
	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := c.Put(KindImage, "b", sizedHandle(10)); !errors.Is(err, ErrClosed) {
		t.Fatalf("Put after Close err=%v want ErrClosed", err)
	}
	if c.Contains(KindImage, "a") {
		t.Fatalf("Close should purge entries")
	}
}

// ==============================
// Properties
// ==============================

func TestCacheByteInvariantUnderRandomOperations(t *testing.T) {
	const max = 1000
	c := newTestCache(t, max, nil)
	rng := rand.New(rand.NewSource(42))
	var live []string

	for i := 0; i < 2000; i++ {
		switch op := rng.Intn(10); {
		case op < 7:
			id := fmt.Sprintf("i%d", i)
			kind := KindImage
			if rng.Intn(10) == 0 {
				kind = KindVolume
			}
			done, err := c.Put(kind, id, sizedHandle(int64(rng.Intn(400))))
			if err != nil {
				t.Fatalf("Put: %v", err)
			}
			if err := done.Wait(context.Background()); err == nil && kind == KindVolume {
				live = append(live, id)
			}
		case len(live) > 0:
			j := rng.Intn(len(live))
			_ = c.Remove(KindVolume, live[j])
			live = append(live[:j], live[j+1:]...)
		}
		assertWithinBudget(t, c)
	}
}

// Volumes admitted under sustained pressure evict their own members, which the
// next round re-fetches. The loop must terminate and stay within budget.
func TestCacheVolumeMemberThrashStaysBounded(t *testing.T) {
	const (
		members = 10
		rounds  = 50
	)
	obs := &eventLog{}
	c := newTestCache(t, 1000, obs)
	ids := make([]string, members)
	for i := range ids {
		ids[i] = fmt.Sprintf("m%d", i)
	}

	memberEvictions := 0
	for r := 0; r < rounds; r++ {
		for _, id := range ids {
			if !c.Contains(KindImage, id) {
				mustPut(t, c, KindImage, id, sizedHandle(100))
			}
		}
		vol := fmt.Sprintf("vol%d", r)
		mustPut(t, c, KindVolume, vol, sizedHandle(600), WithMembers(ids...))
		assertWithinBudget(t, c)
		for _, id := range ids {
			if !c.Contains(KindImage, id) {
				memberEvictions++
			}
		}
		if err := c.Remove(KindVolume, vol); err != nil {
			t.Fatalf("Remove(%s): %v", vol, err)
		}
	}
	// Each round needs 600 bytes while members fill the whole budget.
	if want := rounds * 6; memberEvictions != want {
		t.Fatalf("member evictions=%d want=%d", memberEvictions, want)
	}
	t.Logf("member re-fetches over %d rounds: %d", rounds, memberEvictions)
}
