package progcache

import "time"

// Observer receives lifecycle events. Events for one asset arrive in causal
// order. Across assets, events of one retrieval are emitted in causal order
// too (a neighbor fill before the delivery that triggered it), but wrappers
// that fan out by asset id, like observer/async with several workers, only
// keep the per-asset order.
//
// Implementations MUST be cheap and non-blocking and must not call back into
// the Cache or Retriever: retrieval events are delivered while the call's
// bookkeeping lock is held. Wrap slow sinks with observer/async.
type Observer interface {
	OnEntryAdded(tier Tier, id string, sizeInBytes int64)
	OnEntryRemoved(tier Tier, id string)
	OnAssetImproved(id string, v Value, q Quality)
	OnAssetFailed(id string, permanent bool, err error)
	OnStageCompleted(stageID string, total, failures int, elapsed time.Duration)
}

// NopObserver is the default no-op.
type NopObserver struct{}

func (NopObserver) OnEntryAdded(Tier, string, int64)                 {}
func (NopObserver) OnEntryRemoved(Tier, string)                      {}
func (NopObserver) OnAssetImproved(string, Value, Quality)           {}
func (NopObserver) OnAssetFailed(string, bool, error)                {}
func (NopObserver) OnStageCompleted(string, int, int, time.Duration) {}

// Observers fans every event out to each member in order.
type Observers []Observer

var _ Observer = Observers(nil)

func (obs Observers) OnEntryAdded(t Tier, id string, n int64) {
	for _, o := range obs {
		o.OnEntryAdded(t, id, n)
	}
}

func (obs Observers) OnEntryRemoved(t Tier, id string) {
	for _, o := range obs {
		o.OnEntryRemoved(t, id)
	}
}

func (obs Observers) OnAssetImproved(id string, v Value, q Quality) {
	for _, o := range obs {
		o.OnAssetImproved(id, v, q)
	}
}

func (obs Observers) OnAssetFailed(id string, permanent bool, err error) {
	for _, o := range obs {
		o.OnAssetFailed(id, permanent, err)
	}
}

func (obs Observers) OnStageCompleted(stageID string, total, failures int, elapsed time.Duration) {
	for _, o := range obs {
		o.OnStageCompleted(stageID, total, failures, elapsed)
	}
}
