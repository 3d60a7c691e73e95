package progcache

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/unkn0wn-root/progcache/internal/keys"
)

// RetrieverOptions configure a Retriever. Loader is required; a nil Pool gets
// a private one with default limits. Cache, when set, is used to drop entries
// left behind by a superseded stage.
type RetrieverOptions struct {
	Loader   Loader
	Pool     *Pool
	Cache    *Cache
	Observer Observer
	Logger   Logger
	Stages   []Stage // used when a Request carries none; default SinglePass()
}

// Request describes one progressive retrieval.
type Request struct {
	IDs    []string `validate:"required,min=1,dive,required"`
	Stages []Stage
	// CompositeID groups the call for Cancel. Empty derives one from IDs.
	CompositeID string
	// Target is the shared destination buffer; asset i owns the region at
	// Offset+i*FrameLength. FrameLength 0 keeps Target.Length.
	Target      *TargetBuffer
	FrameLength int `validate:"gte=0"`
	Details     map[string]any
	// KindOptions are merged into LoadOptions.Details for stages of the
	// matching retrieve kind.
	KindOptions map[string]map[string]any
}

// Retriever runs multi-stage progressive retrievals over a Loader and a Pool.
type Retriever struct {
	loader   Loader
	pool     *Pool
	cache    *Cache
	obs      Observer
	log      Logger
	defaults []Stage

	mu    sync.Mutex
	calls map[*call]struct{}
}

func NewRetriever(opts RetrieverOptions) (*Retriever, error) {
	if opts.Loader == nil {
		return nil, invalidConfig("retriever: loader is required")
	}
	defaults := opts.Stages
	if len(defaults) == 0 {
		defaults = SinglePass()
	}
	if err := ValidateStages(defaults); err != nil {
		return nil, err
	}
	r := &Retriever{
		loader:   opts.Loader,
		pool:     opts.Pool,
		cache:    opts.Cache,
		obs:      opts.Observer,
		log:      opts.Logger,
		defaults: defaults,
		calls:    make(map[*call]struct{}),
	}
	if r.pool == nil {
		r.pool = NewPool(PoolOptions{Logger: opts.Logger})
	}
	if r.obs == nil {
		r.obs = NopObserver{}
	}
	if r.log == nil {
		r.log = NopLogger{}
	}
	return r, nil
}

// call is the state of one Retrieve invocation. All fields below mu are
// guarded by it; observer callbacks for the call are issued while holding it
// so that per-asset notifications stay ordered.
type call struct {
	r         *Retriever
	ctx       context.Context
	req       Request
	composite string
	target    *TargetBuffer
	start     time.Time
	done      *Completion

	mu          sync.Mutex
	ledger      map[string]Quality
	statuses    []*StageStatus
	outstanding int
	cancelled   map[string]bool
	aborted     bool
}

// Retrieve plans req and submits the head of every asset chain. The returned
// completion resolves once every chain finished, failed or was cancelled;
// per-asset failures are reported to the observer, not through the completion.
// Cancelling ctx cancels the call's queued work.
func (r *Retriever) Retrieve(ctx context.Context, req Request) (*Completion, error) {
	if err := validate.Struct(req); err != nil {
		return nil, invalidConfig("request: %s", validationMessage(err))
	}
	stages := req.Stages
	if len(stages) == 0 {
		stages = r.defaults
	} else if err := ValidateStages(stages); err != nil {
		return nil, err
	}
	stages = append([]Stage(nil), stages...)

	c := &call{
		r:         r,
		ctx:       ctx,
		req:       req,
		composite: req.CompositeID,
		target:    req.Target,
		start:     time.Now(),
		done:      newCompletion(),
		ledger:    make(map[string]Quality, len(req.IDs)),
		cancelled: make(map[string]bool),
	}
	if c.composite == "" {
		c.composite = keys.Composite("retrieve", req.IDs)
	}
	if c.target != nil && req.FrameLength > 0 {
		t := *c.target
		t.Length = req.FrameLength
		c.target = &t
	}

	p := buildPlan(req.IDs, stages)
	c.statuses = p.statuses
	for _, st := range c.statuses {
		st.Started = c.start
	}
	if len(p.heads) == 0 {
		c.done.resolve(nil)
		return c.done, nil
	}
	c.outstanding = len(p.heads)
	for _, nd := range p.nodes {
		nd.call = c
	}

	r.mu.Lock()
	r.calls[c] = struct{}{}
	r.mu.Unlock()

	r.log.Debug("retrieve: planned", Fields{"composite": c.composite, "assets": len(req.IDs), "nodes": len(p.nodes), "chains": len(p.heads)})

	go c.watch()
	for _, h := range p.heads {
		c.mu.Lock()
		h.state = nodeQueued
		c.mu.Unlock()
		c.submit(h)
	}
	return c.done, nil
}

// Cancel removes queued nodes whose asset id or composite id equals id from
// every active call of r, together with the chain nodes behind them, and
// returns how many nodes that skipped. A node that is already running
// finishes its load; the nodes behind it are skipped when it settles and are
// not part of the returned count.
func (r *Retriever) Cancel(id string) int {
	r.mu.Lock()
	calls := make([]*call, 0, len(r.calls))
	for c := range r.calls {
		calls = append(calls, c)
	}
	r.mu.Unlock()

	for _, c := range calls {
		c.mu.Lock()
		if c.composite == id {
			c.aborted = true
		} else {
			c.cancelled[id] = true
		}
		c.mu.Unlock()
	}

	tags := r.pool.CancelWhere(func(tag any, _ Class) bool {
		nd, ok := tag.(*node)
		return ok && nd.call.r == r && (nd.asset == id || nd.call.composite == id)
	})
	skipped := 0
	for _, tag := range tags {
		nd := tag.(*node)
		skipped += nd.call.abandon(nd)
	}
	if skipped > 0 {
		r.log.Debug("retrieve: cancelled", Fields{"id": id, "skipped": skipped})
	}
	return skipped
}

// Shutdown cancels every active call and waits for in-flight nodes to settle.
func (r *Retriever) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	calls := make([]*call, 0, len(r.calls))
	for c := range r.calls {
		calls = append(calls, c)
	}
	r.mu.Unlock()

	for _, c := range calls {
		c.abort()
	}
	for _, c := range calls {
		if err := c.done.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Active reports the number of unfinished calls.
func (r *Retriever) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (c *call) watch() {
	select {
	case <-c.done.Done():
	case <-c.ctx.Done():
		c.abort()
		<-c.done.Done()
	}
	c.r.mu.Lock()
	delete(c.r.calls, c)
	c.r.mu.Unlock()
}

// abort marks the whole call cancelled and pulls its queued nodes.
func (c *call) abort() {
	c.mu.Lock()
	c.aborted = true
	c.mu.Unlock()
	tags := c.r.pool.CancelWhere(func(tag any, _ Class) bool {
		nd, ok := tag.(*node)
		return ok && nd.call == c
	})
	for _, tag := range tags {
		c.abandon(tag.(*node))
	}
}

func (c *call) submit(nd *node) {
	err := c.r.pool.Submit(c.work(nd), nd.stage.Class, nd, nd.stage.Priority)
	if err == nil {
		return
	}
	c.r.log.Warn("retrieve: submit failed", Fields{"id": nd.asset, "stage": nd.stage.ID, "err": err})
	c.mu.Lock()
	c.failLocked(nd, err)
	c.mu.Unlock()
}

func (c *call) work(nd *node) Work {
	return func() (<-chan struct{}, error) {
		c.mu.Lock()
		if nd.state != nodeQueued {
			c.mu.Unlock()
			return nil, nil
		}
		if c.stoppedLocked(nd.asset) {
			c.skipChainLocked(nd)
			c.endChainLocked()
			c.mu.Unlock()
			return nil, nil
		}
		if c.ledger[nd.asset] >= MaxQuality {
			c.completeLocked(nd)
			c.mu.Unlock()
			return nil, nil
		}
		nd.state = nodeRunning
		c.mu.Unlock()

		done := make(chan struct{})
		go func() {
			defer close(done)
			c.run(nd)
		}()
		return done, nil
	}
}

func (c *call) loadOptions(nd *node) LoadOptions {
	details := make(map[string]any, len(c.req.Details)+4)
	maps.Copy(details, c.req.Details)
	maps.Copy(details, c.req.KindOptions[nd.stage.RetrieveKind])
	details["stageId"] = nd.stage.ID
	details["compositeId"] = c.composite
	details["index"] = nd.index
	// The loader decodes into private memory; only accepted values reach the
	// shared target, under c.mu, so neighbor fills and stale frames cannot
	// interleave with a running load.
	if region := c.target.region(nd.index); region != nil {
		nd.scratch = &TargetBuffer{Buffer: make([]byte, region.Length), Length: region.Length, ElementType: region.ElementType}
	}
	return LoadOptions{
		Target:       nd.scratch,
		RetrieveKind: nd.stage.RetrieveKind,
		Class:        nd.stage.Class,
		Priority:     nd.stage.Priority,
		Details:      details,
	}
}

func (c *call) run(nd *node) {
	h, err := c.r.loader.Load(c.ctx, nd.asset, c.loadOptions(nd))
	if err == nil && h.Result == nil {
		err = fmt.Errorf("loader returned no result for %q", nd.asset)
	}
	if err != nil {
		c.settle(nd, Value{}, false, err)
		return
	}

	var last Value
	var final bool
	err = h.Result.ConsumeAll(c.ctx, func(v Value, isFinal bool) error {
		c.deliver(nd, v)
		if isFinal {
			last, final = v, true
		}
		return nil
	})
	if err != nil && c.ctx.Err() != nil && h.Cancel != nil {
		h.Cancel()
	}
	c.settle(nd, last, final, err)
}

// deliver records v in the ledger if it improves the asset, fills eligible
// neighbors and notifies the observer. Neighbor fills are reported before the
// delivery that triggered them.
func (c *call) deliver(nd *node, v Value) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v.ID == "" {
		v.ID = nd.asset
	}
	q := v.Quality
	if q <= c.ledger[nd.asset] {
		c.r.log.Debug("retrieve: stale delivery discarded", Fields{"id": nd.asset, "quality": q.String(), "have": c.ledger[nd.asset].String()})
		return
	}
	c.ledger[nd.asset] = q
	v = c.placeLocked(nd, v)

	for _, nb := range nd.neighbors {
		if q < nb.floor || c.ledger[nb.id] >= nb.floor {
			continue
		}
		fill := c.replicate(nd, nb, v)
		c.ledger[nb.id] = nb.floor
		c.r.obs.OnAssetImproved(nb.id, fill, nb.floor)
	}
	c.r.obs.OnAssetImproved(nd.asset, v, q)
}

// placeLocked copies an accepted value's Data into the asset's region of the
// shared target and re-points Data at the region when it fits. A value
// without Data leaves the region untouched.
func (c *call) placeLocked(nd *node, v Value) Value {
	dst := c.target.region(nd.index)
	if dst == nil || v.Data == nil {
		return v
	}
	buf := dst.Bytes()
	if n := copy(buf, v.Data); n == len(v.Data) {
		v.Data = buf[:n]
	}
	return v
}

// replicate copies the delivered region into the neighbor's region of the
// shared target, or re-tags the delivered data when there is no target.
func (c *call) replicate(nd *node, nb neighborTarget, v Value) Value {
	out := Value{ID: nb.id, Quality: nb.floor, Meta: v.Meta, Data: v.Data, SizeInBytes: v.SizeInBytes}
	dst := c.target.region(nb.index)
	if dst == nil {
		return out
	}
	src := v.Data
	if src == nil {
		src = c.target.region(nd.index).Bytes()
	}
	buf := dst.Bytes()
	copy(buf, src)
	out.Data = buf
	out.SizeInBytes = int64(len(buf))
	return out
}

// settle finishes a node after its loader result ended.
func (c *call) settle(nd *node, last Value, final bool, loadErr error) {
	var next *node
	c.mu.Lock()
	switch {
	case loadErr == nil && final && (last.Quality >= MaxQuality || c.ledger[nd.asset] >= MaxQuality):
		c.completeLocked(nd)
	case c.stoppedLocked(nd.asset):
		c.finishNodeLocked(nd, false)
		c.skipChainLocked(nd.next)
		c.endChainLocked()
	case nd.next != nil:
		if loadErr != nil {
			c.r.log.Debug("retrieve: stage failed, advancing", Fields{"id": nd.asset, "stage": nd.stage.ID, "err": loadErr})
		}
		c.finishNodeLocked(nd, loadErr != nil)
		next = nd.next
		next.state = nodeQueued
	default:
		if loadErr == nil {
			loadErr = fmt.Errorf("final quality %s below %s", c.ledger[nd.asset], MaxQuality)
		}
		c.failLocked(nd, loadErr)
	}
	c.mu.Unlock()

	if next == nil {
		return
	}
	if c.r.cache != nil {
		if err := c.r.cache.Remove(KindImage, nd.asset); err != nil && !errors.Is(err, ErrNotFound) {
			c.r.log.Warn("retrieve: dropping superseded entry failed", Fields{"id": nd.asset, "err": err})
		}
	}
	c.submit(next)
}

func (c *call) stoppedLocked(asset string) bool {
	return c.aborted || c.cancelled[asset] || c.ctx.Err() != nil
}

// abandon accounts for a node pulled from the pool before it ran. It returns
// the number of nodes skipped, successors included.
func (c *call) abandon(nd *node) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if nd.state != nodeQueued {
		return 0
	}
	n := c.skipChainLocked(nd)
	c.endChainLocked()
	return n
}

// completeLocked finishes nd successfully and skips the rest of its chain.
func (c *call) completeLocked(nd *node) {
	c.finishNodeLocked(nd, false)
	c.skipChainLocked(nd.next)
	c.endChainLocked()
}

// failLocked reports a permanent failure for nd's asset and ends its chain.
func (c *call) failLocked(nd *node, err error) {
	lerr := &LoadError{ID: nd.asset, Stage: nd.stage.ID, Permanent: true, Err: err}
	c.r.log.Warn("retrieve: asset failed", Fields{"id": nd.asset, "stage": nd.stage.ID, "err": err})
	c.r.obs.OnAssetFailed(nd.asset, true, lerr)
	c.finishNodeLocked(nd, true)
	c.skipChainLocked(nd.next)
	c.endChainLocked()
}

func (c *call) finishNodeLocked(nd *node, failed bool) {
	nd.state = nodeDone
	if failed {
		nd.status.Failures++
	}
	c.stageStepLocked(nd.status)
}

func (c *call) skipChainLocked(nd *node) int {
	n := 0
	for ; nd != nil; nd = nd.next {
		if nd.state == nodeDone || nd.state == nodeSkipped {
			continue
		}
		nd.state = nodeSkipped
		nd.status.Skipped++
		c.stageStepLocked(nd.status)
		n++
	}
	return n
}

func (c *call) stageStepLocked(st *StageStatus) {
	st.Pending--
	if st.Pending > 0 {
		return
	}
	st.Elapsed = time.Since(st.Started)
	c.r.log.Debug("retrieve: stage completed", Fields{"stage": st.StageID, "total": st.Total, "failures": st.Failures, "skipped": st.Skipped, "elapsed": st.Elapsed})
	c.r.obs.OnStageCompleted(st.StageID, st.Total, st.Failures, st.Elapsed)
}

func (c *call) endChainLocked() {
	c.outstanding--
	if c.outstanding > 0 {
		return
	}
	c.r.log.Debug("retrieve: done", Fields{"composite": c.composite, "elapsed": time.Since(c.start)})
	c.done.resolve(nil)
}
