// Package source serves progressive assets out of a provider.Provider.
//
// Each asset is stored as one wire frame set: a codec-encoded header followed
// by frames of increasing quality. Load streams the frames selected by the
// retrieve kind into the handle's iterator, copying them into the caller's
// target region when one is given.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/unkn0wn-root/progcache"
	"github.com/unkn0wn-root/progcache/codec"
	"github.com/unkn0wn-root/progcache/internal/wire"
	"github.com/unkn0wn-root/progcache/progressive"
	"github.com/unkn0wn-root/progcache/provider"
)

const defaultMaxHeaderBytes = 64 << 10

type Options struct {
	Provider provider.Provider // required
	// Codec for headers; nil => deterministic CBOR.
	Codec codec.Codec[codec.Header]
	// Cache, when set, receives every handle as a KindImage entry.
	Cache  *progcache.Cache
	Logger progcache.Logger
	// FrameDelay paces frames of one asset, e.g. to emulate a slow link.
	FrameDelay     time.Duration
	MaxHeaderBytes int // 0 => 64 KiB
}

type Loader struct {
	p     provider.Provider
	codec codec.Codec[codec.Header]
	cache *progcache.Cache
	log   progcache.Logger
	delay time.Duration
}

var _ progcache.Loader = (*Loader)(nil)

func New(opts Options) (*Loader, error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("%w: source: provider is required", progcache.ErrInvalidConfig)
	}
	c := opts.Codec
	if c == nil {
		cb, err := codec.NewCBOR[codec.Header](true)
		if err != nil {
			return nil, err
		}
		c = cb
	}
	max := opts.MaxHeaderBytes
	if max <= 0 {
		max = defaultMaxHeaderBytes
	}
	l := &Loader{
		p:     opts.Provider,
		codec: codec.LimitCodec[codec.Header]{Inner: c, MaxDecode: max},
		cache: opts.Cache,
		log:   opts.Logger,
		delay: opts.FrameDelay,
	}
	if l.log == nil {
		l.log = progcache.NopLogger{}
	}
	return l, nil
}

// Seed stores an asset. Frames must have strictly increasing quality.
func (l *Loader) Seed(ctx context.Context, id string, header codec.Header, frames []wire.Frame, ttl time.Duration) error {
	hb, err := l.codec.Encode(header)
	if err != nil {
		return fmt.Errorf("source: encode header for %q: %w", id, err)
	}
	blob, err := wire.Encode(hb, frames)
	if err != nil {
		return fmt.Errorf("source: %q: %w", id, err)
	}
	if err := l.p.Set(ctx, id, blob, ttl); err != nil {
		return fmt.Errorf("source: store %q: %w", id, err)
	}
	return nil
}

// Load implements progcache.Loader.
func (l *Loader) Load(ctx context.Context, id string, opts progcache.LoadOptions) (progcache.Handle, error) {
	blob, ok, err := l.p.Get(ctx, id)
	if err != nil {
		return progcache.Handle{}, fmt.Errorf("source: get %q: %w", id, err)
	}
	if !ok {
		return progcache.Handle{}, fmt.Errorf("%w: asset %q", progcache.ErrNotFound, id)
	}
	r, err := wire.NewReader(blob)
	if err != nil {
		return progcache.Handle{}, fmt.Errorf("source: %q: %w", id, err)
	}
	header, err := l.codec.Decode(r.Header())
	if err != nil {
		return progcache.Handle{}, fmt.Errorf("source: decode header of %q: %w", id, err)
	}
	frames, err := selectFrames(r, opts.RetrieveKind)
	if err != nil {
		return progcache.Handle{}, fmt.Errorf("source: %q: %w", id, err)
	}

	it := progressive.New[progcache.Value]()
	fctx, cancel := context.WithCancel(ctx)
	go func() {
		defer cancel()
		l.feed(fctx, it, id, header, frames, opts.Target)
	}()

	h := progcache.Handle{Result: it, Cancel: cancel}
	l.remember(id, h)
	return h, nil
}

// selectFrames picks the frames a retrieve kind delivers: "final" (or empty)
// all of them, "lossy" those below full quality, "thumbnail" the first one.
func selectFrames(r *wire.Reader, kind string) ([]wire.Frame, error) {
	var all []wire.Frame
	for {
		f, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		all = append(all, f)
	}
	switch kind {
	case "", progcache.RetrieveFinal:
		return all, nil
	case progcache.RetrieveThumbnail:
		return all[:1], nil
	case progcache.RetrieveLossy:
		n := 0
		for n < len(all) && progcache.Quality(all[n].Quality) < progcache.QualityFull {
			n++
		}
		if n == 0 {
			n = 1
		}
		return all[:n], nil
	}
	return nil, fmt.Errorf("%w: unknown retrieve kind %q", progcache.ErrInvalidConfig, kind)
}

func (l *Loader) feed(ctx context.Context, it *progressive.Iterator[progcache.Value], id string, header codec.Header, frames []wire.Frame, target *progcache.TargetBuffer) {
	for i, f := range frames {
		if i > 0 && l.delay > 0 {
			t := time.NewTimer(l.delay)
			select {
			case <-ctx.Done():
				t.Stop()
				it.Fail(ctx.Err())
				return
			case <-t.C:
			}
		}
		if err := ctx.Err(); err != nil {
			it.Fail(err)
			return
		}
		final := i == len(frames)-1
		v := progcache.Value{ID: id, Quality: progcache.Quality(f.Quality), Meta: header}
		// only the last rendition lands in the target; earlier ones may still
		// be read by consumers after the next frame arrived
		if dst := target.Bytes(); dst != nil && final {
			n := copy(dst, f.Payload)
			v.Data = dst[:n]
		} else {
			v.Data = append([]byte(nil), f.Payload...)
		}
		v.SizeInBytes = int64(len(v.Data))
		if err := it.Push(v, final); err != nil {
			return
		}
	}
}

// remember hands h to the cache; a duplicate means another stage still owns
// the entry, which is fine.
func (l *Loader) remember(id string, h progcache.Handle) {
	if l.cache == nil {
		return
	}
	done, err := l.cache.Put(progcache.KindImage, id, h)
	if err != nil {
		if !errors.Is(err, progcache.ErrDuplicateID) {
			l.log.Debug("source: not cached", progcache.Fields{"id": id, "err": err})
		}
		return
	}
	go func() {
		<-done.Done()
		if err := done.Err(); err != nil {
			l.log.Debug("source: cache admission failed", progcache.Fields{"id": id, "err": err})
		}
	}()
}
