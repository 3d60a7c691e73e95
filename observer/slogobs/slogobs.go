// Package slogobs logs progcache lifecycle events through log/slog.
package slogobs

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/progcache"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	ImprovedEvery uint64
	EntryEvery    uint64
	// Optional id redactor, e.g. HashID for ids carrying credentials.
	Redact func(string) string
}

type Observer struct {
	l    *slog.Logger
	opts Options

	improvedCtr atomic.Uint64
	entryCtr    atomic.Uint64
}

var _ progcache.Observer = (*Observer)(nil)

func New(l *slog.Logger, opts Options) *Observer {
	return &Observer{l: l, opts: opts}
}

// HashID replaces an id with a short SHA-256 prefix.
func HashID(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:8])
}

func (o *Observer) id(id string) string {
	if o.opts.Redact != nil {
		return o.opts.Redact(id)
	}
	return id
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (o *Observer) OnEntryAdded(t progcache.Tier, id string, n int64) {
	if o.l == nil || !sample(o.opts.EntryEvery, &o.entryCtr) {
		return
	}
	o.l.Debug("progcache.entry_added",
		"tier", t.String(),
		"id", o.id(id),
		"bytes", n)
}

func (o *Observer) OnEntryRemoved(t progcache.Tier, id string) {
	if o.l == nil || !sample(o.opts.EntryEvery, &o.entryCtr) {
		return
	}
	o.l.Debug("progcache.entry_removed",
		"tier", t.String(),
		"id", o.id(id))
}

func (o *Observer) OnAssetImproved(id string, v progcache.Value, q progcache.Quality) {
	if o.l == nil {
		return
	}
	// full quality is always logged, intermediate levels are sampled
	if q < progcache.MaxQuality && !sample(o.opts.ImprovedEvery, &o.improvedCtr) {
		return
	}
	o.l.Debug("progcache.asset_improved",
		"id", o.id(id),
		"quality", q.String(),
		"bytes", v.SizeInBytes)
}

func (o *Observer) OnAssetFailed(id string, permanent bool, err error) {
	if o.l == nil {
		return
	}
	o.l.Warn("progcache.asset_failed",
		"id", o.id(id),
		"permanent", permanent,
		"err", err)
}

func (o *Observer) OnStageCompleted(stage string, total, failures int, elapsed time.Duration) {
	if o.l == nil {
		return
	}
	o.l.Info("progcache.stage_completed",
		"stage", stage,
		"total", total,
		"failures", failures,
		"elapsed", elapsed)
}
