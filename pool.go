package progcache

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Class partitions requests into independent concurrency budgets.
type Class int

const (
	ClassInteraction Class = iota
	ClassThumbnail
	ClassPrefetch
	ClassCompute
)

// Classes lists the built-in request classes.
var Classes = []Class{ClassInteraction, ClassThumbnail, ClassPrefetch, ClassCompute}

func (c Class) String() string {
	switch c {
	case ClassInteraction:
		return "interaction"
	case ClassThumbnail:
		return "thumbnail"
	case ClassPrefetch:
		return "prefetch"
	case ClassCompute:
		return "compute"
	}
	return fmt.Sprintf("class(%d)", int(c))
}

// ParseClass accepts the names returned by Class.String (case-insensitive).
func ParseClass(s string) (Class, error) {
	for _, c := range Classes {
		if strings.EqualFold(s, c.String()) {
			return c, nil
		}
	}
	return 0, invalidConfig("unknown request class %q", s)
}

// Work starts one request. A nil channel means the work already finished;
// otherwise the class slot stays occupied until the channel is closed or
// receives. A returned error is logged and releases the slot.
type Work func() (<-chan struct{}, error)

// PoolMetrics is an optional sink for scheduler observability
// (see metrics/prometheus). Calls happen outside the pool lock.
type PoolMetrics interface {
	RecordQueue(class Class, queued, executing int)
	ObserveWait(class Class, wait time.Duration)
}

type PoolOptions struct {
	Limits  map[Class]int // missing or non-positive entries => DefaultConcurrencyLimit
	Logger  Logger        // nil => NopLogger
	Metrics PoolMetrics   // nil => disabled
}

type request struct {
	work     Work
	class    Class
	tag      any
	priority int
	queuedAt time.Time
}

type classQueue struct {
	buckets   map[int][]*request
	prios     []int // ascending, only non-empty buckets
	queued    int
	limit     int
	executing int
	running   bool // a scheduling pass is active
}

func (q *classQueue) push(r *request) {
	b, ok := q.buckets[r.priority]
	if !ok || len(b) == 0 {
		i := sort.SearchInts(q.prios, r.priority)
		q.prios = append(q.prios, 0)
		copy(q.prios[i+1:], q.prios[i:])
		q.prios[i] = r.priority
	}
	q.buckets[r.priority] = append(b, r)
	q.queued++
}

func (q *classQueue) pop() *request {
	if q.queued == 0 {
		return nil
	}
	p := q.prios[0]
	b := q.buckets[p]
	r := b[0]
	b[0] = nil
	if len(b) == 1 {
		delete(q.buckets, p)
		q.prios = q.prios[1:]
	} else {
		q.buckets[p] = b[1:]
	}
	q.queued--
	return r
}

// filter removes every queued request for which drop returns true.
func (q *classQueue) filter(drop func(*request) bool) []any {
	var tags []any
	prios := q.prios[:0]
	for _, p := range q.prios {
		kept := q.buckets[p][:0]
		for _, r := range q.buckets[p] {
			if drop(r) {
				tags = append(tags, r.tag)
				q.queued--
				continue
			}
			kept = append(kept, r)
		}
		if len(kept) == 0 {
			delete(q.buckets, p)
			continue
		}
		q.buckets[p] = kept
		prios = append(prios, p)
	}
	q.prios = prios
	return tags
}

// Pool is a priority- and class-stratified concurrency limiter over opaque work.
// Classes never share a budget and there is no fairness across classes.
type Pool struct {
	mu      sync.Mutex
	classes map[Class]*classQueue
	limits  map[Class]int
	log     Logger
	metrics PoolMetrics
	closed  bool
}

// NewPool builds a pool. Unlike SetConcurrencyLimit, which rejects a limit
// below one, NewPool falls back to DefaultConcurrencyLimit for such entries
// and logs a warning.
func NewPool(opts PoolOptions) *Pool {
	p := &Pool{
		classes: make(map[Class]*classQueue),
		limits:  make(map[Class]int),
		log:     coalesce[Logger](opts.Logger, NopLogger{}),
		metrics: opts.Metrics,
	}
	for c, n := range opts.Limits {
		if n < 1 {
			p.log.Warn("pool: non-positive concurrency limit, using default", Fields{"class": c.String(), "limit": n, "default": DefaultConcurrencyLimit})
			continue
		}
		p.limits[c] = n
	}
	return p
}

func (p *Pool) queueLocked(c Class) *classQueue {
	q, ok := p.classes[c]
	if !ok {
		limit, ok := p.limits[c]
		if !ok {
			limit = DefaultConcurrencyLimit
		}
		q = &classQueue{buckets: make(map[int][]*request), limit: limit}
		p.classes[c] = q
	}
	return q
}

// SetConcurrencyLimit bounds how many requests of class may execute at once.
func (p *Pool) SetConcurrencyLimit(c Class, n int) error {
	if n < 1 {
		return invalidConfig("concurrency limit for %s must be positive, got %d", c, n)
	}
	p.mu.Lock()
	p.limits[c] = n
	p.queueLocked(c).limit = n
	p.mu.Unlock()
	p.schedule(c)
	return nil
}

// ConcurrencyLimit returns the effective limit for class.
func (p *Pool) ConcurrencyLimit(c Class) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queueLocked(c).limit
}

// Submit enqueues work and runs a scheduling pass for its class.
// Lower priority values run first; equal priorities run in submission order.
func (p *Pool) Submit(work Work, c Class, tag any, priority int) error {
	if work == nil {
		return invalidConfig("nil work")
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.queueLocked(c).push(&request{work: work, class: c, tag: tag, priority: priority, queuedAt: time.Now()})
	p.mu.Unlock()
	p.schedule(c)
	return nil
}

// CancelWhere removes every queued (not yet executing) request matching pred
// and returns their tags. Executing work is unaffected. pred runs under the
// pool lock and must not call back into the pool.
func (p *Pool) CancelWhere(pred func(tag any, c Class) bool) []any {
	p.mu.Lock()
	var tags []any
	touched := make([]Class, 0, len(p.classes))
	for _, c := range p.sortedClassesLocked() {
		removed := p.classes[c].filter(func(r *request) bool { return pred(r.tag, r.class) })
		if len(removed) > 0 {
			tags = append(tags, removed...)
			touched = append(touched, c)
		}
	}
	p.mu.Unlock()
	for _, c := range touched {
		p.record(c)
	}
	return tags
}

// Drain discards all queued requests of class without running them.
func (p *Pool) Drain(c Class) []any {
	p.mu.Lock()
	tags := p.queueLocked(c).filter(func(*request) bool { return true })
	p.mu.Unlock()
	p.record(c)
	return tags
}

// Queued returns the number of waiting requests of class.
func (p *Pool) Queued(c Class) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queueLocked(c).queued
}

// Executing returns the number of requests of class holding a slot.
func (p *Pool) Executing(c Class) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queueLocked(c).executing
}

// Close refuses further submissions and drains every class. In-flight work
// is left to settle. It returns the tags of discarded requests.
func (p *Pool) Close() []any {
	p.mu.Lock()
	p.closed = true
	classes := p.sortedClassesLocked()
	p.mu.Unlock()
	var tags []any
	for _, c := range classes {
		tags = append(tags, p.Drain(c)...)
	}
	return tags
}

func (p *Pool) sortedClassesLocked() []Class {
	out := make([]Class, 0, len(p.classes))
	for c := range p.classes {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// schedule runs one scheduling pass for class. Passes are trampolined: if a
// pass is already active for the class (for example a work item submitting
// more work synchronously), the caller returns and the active pass picks up
// the new state, so bursts of synchronously-settling work never recurse.
func (p *Pool) schedule(c Class) {
	p.mu.Lock()
	q := p.queueLocked(c)
	if q.running {
		p.mu.Unlock()
		return
	}
	q.running = true
	for q.executing < q.limit && q.queued > 0 {
		r := q.pop()
		q.executing++
		p.mu.Unlock()

		if p.metrics != nil {
			p.metrics.ObserveWait(c, time.Since(r.queuedAt))
		}
		p.record(c)
		done, err := p.invoke(r)
		if err != nil {
			p.log.Error("pool: work failed", Fields{"class": c.String(), "priority": r.priority, "err": err})
		}

		p.mu.Lock()
		if err != nil || done == nil {
			q.executing--
			continue
		}
		go p.await(c, done)
	}
	q.running = false
	p.mu.Unlock()
	p.record(c)
}

func (p *Pool) await(c Class, done <-chan struct{}) {
	<-done
	p.mu.Lock()
	p.queueLocked(c).executing--
	p.mu.Unlock()
	p.schedule(c)
}

func (p *Pool) invoke(r *request) (done <-chan struct{}, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			done, err = nil, fmt.Errorf("progcache: work panicked: %v", rec)
		}
	}()
	return r.work()
}

func (p *Pool) record(c Class) {
	if p.metrics == nil {
		return
	}
	p.mu.Lock()
	q := p.queueLocked(c)
	queued, executing := q.queued, q.executing
	p.mu.Unlock()
	p.metrics.RecordQueue(c, queued, executing)
}
