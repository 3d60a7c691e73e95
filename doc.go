// Package progcache is the data-management core of an imaging application:
// a byte-budgeted cache for large binary assets (2-D images and 3-D volumes),
// a priority- and class-stratified request pool, and a progressive retrieval
// orchestrator that delivers improving versions of each asset over time.
//
// Components:
//   - Cache: volatile tier (images, LRU-evicted under byte pressure) and
//     reserved tier (volumes, removed only explicitly).
//   - Pool: per-class concurrency limits, lowest priority value first, FIFO
//     within a priority.
//   - Retriever: expands a list of Stage rules into per-asset chains, runs them
//     through a Pool, keeps a per-call quality ledger and fills neighbors.
//   - progressive.Iterator: most-recent-wins result cell returned by loaders.
//
// Collaborators are supplied by the host: a Loader (transport, decode) and an
// Observer (rendering layer). Subpackages provide ready-made ones: source (a
// Loader over the stores in provider/), observer/async, observer/slogobs and
// metrics/prometheus; config assembles Options from a file and environment.
//
// Typical wiring:
//
//	core, _ := progcache.New(progcache.Options{
//	    MaxCacheSize: 2 << 30,
//	    Loader:       registry,
//	    Observer:     obs,
//	})
//	defer core.Close(ctx)
//	done, _ := core.Retriever.Retrieve(ctx, progcache.Request{IDs: ids, Stages: progcache.Interleaved()})
//	_ = done.Wait(ctx)
package progcache
