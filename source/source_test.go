package source

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/unkn0wn-root/progcache"
	"github.com/unkn0wn-root/progcache/codec"
	"github.com/unkn0wn-root/progcache/internal/wire"
)

// memProvider is an in-memory provider.Provider.
type memProvider struct {
	mu   sync.Mutex
	m    map[string][]byte
	gets int
	err  error
}

func newMem() *memProvider { return &memProvider{m: map[string][]byte{}} }

func (p *memProvider) Get(_ context.Context, k string) ([]byte, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gets++
	if p.err != nil {
		return nil, false, p.err
	}
	b, ok := p.m[k]
	return b, ok, nil
}

func (p *memProvider) Set(_ context.Context, k string, v []byte, _ time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.m[k] = append([]byte(nil), v...)
	return nil
}

func (p *memProvider) Del(_ context.Context, k string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.m, k)
	return nil
}

func (p *memProvider) Close(context.Context) error { return nil }

func frames() []wire.Frame {
	return []wire.Frame{
		{Quality: uint8(progcache.QualitySubResolution), Payload: []byte{1, 1, 1, 1}},
		{Quality: uint8(progcache.QualityLossy), Payload: []byte{2, 2, 2, 2}},
		{Quality: uint8(progcache.QualityFull), Payload: []byte{3, 3, 3, 3}},
	}
}

func newSeeded(t *testing.T, opts Options) *Loader {
	t.Helper()
	if opts.Provider == nil {
		opts.Provider = newMem()
	}
	l, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := l.Seed(context.Background(), "a", codec.Header{"rows": 2, "columns": 2}, frames(), 0); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	return l
}

func qualities(t *testing.T, h progcache.Handle) []progcache.Quality {
	t.Helper()
	var out []progcache.Quality
	cur := h.Result.Cursor()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		v, final, err := cur.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		out = append(out, v.Quality)
		if final {
			return out
		}
	}
}

func TestLoadKinds(t *testing.T) {
	// pacing keeps every frame observable by a single cursor
	l := newSeeded(t, Options{FrameDelay: 20 * time.Millisecond})
	cases := map[string][]progcache.Quality{
		progcache.RetrieveFinal:     {progcache.QualitySubResolution, progcache.QualityLossy, progcache.QualityFull},
		progcache.RetrieveLossy:     {progcache.QualitySubResolution, progcache.QualityLossy},
		progcache.RetrieveThumbnail: {progcache.QualitySubResolution},
	}
	for kind, want := range cases {
		t.Run(kind, func(t *testing.T) {
			h, err := l.Load(context.Background(), "a", progcache.LoadOptions{RetrieveKind: kind})
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			got := qualities(t, h)
			if len(got) != len(want) {
				t.Fatalf("qualities=%v want=%v", got, want)
			}
			for i := range want {
				if got[i] != want[i] {
					t.Fatalf("qualities=%v want=%v", got, want)
				}
			}
		})
	}
	if _, err := l.Load(context.Background(), "a", progcache.LoadOptions{RetrieveKind: "bogus"}); !errors.Is(err, progcache.ErrInvalidConfig) {
		t.Fatalf("unknown kind err=%v", err)
	}
}

func TestLoadCopiesIntoTarget(t *testing.T) {
	l := newSeeded(t, Options{})
	buf := make([]byte, 8)
	target := &progcache.TargetBuffer{Buffer: buf, Offset: 4, Length: 4}

	h, err := l.Load(context.Background(), "a", progcache.LoadOptions{Target: target})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	v, err := h.Result.AwaitFinal(context.Background())
	if err != nil {
		t.Fatalf("AwaitFinal: %v", err)
	}
	if !bytes.Equal(buf, []byte{0, 0, 0, 0, 3, 3, 3, 3}) {
		t.Fatalf("buffer=%v", buf)
	}
	if v.SizeInBytes != 4 || &v.Data[0] != &buf[4] {
		t.Fatalf("value should alias the target region")
	}
	if hdr, ok := v.Meta.(codec.Header); !ok || hdr["rows"] == nil {
		t.Fatalf("meta=%v want decoded header", v.Meta)
	}
}

func TestLoadMissingAndCorrupt(t *testing.T) {
	mem := newMem()
	l := newSeeded(t, Options{Provider: mem})
	if _, err := l.Load(context.Background(), "nope", progcache.LoadOptions{}); !errors.Is(err, progcache.ErrNotFound) {
		t.Fatalf("missing err=%v want ErrNotFound", err)
	}
	_ = mem.Set(context.Background(), "junk", []byte("not a frame set"), 0)
	if _, err := l.Load(context.Background(), "junk", progcache.LoadOptions{}); !errors.Is(err, wire.ErrCorrupt) {
		t.Fatalf("corrupt err=%v want ErrCorrupt", err)
	}
	mem.err = errors.New("conn reset")
	if _, err := l.Load(context.Background(), "a", progcache.LoadOptions{}); err == nil {
		t.Fatalf("expected provider error")
	}
}

func TestCancelStopsFeeding(t *testing.T) {
	l := newSeeded(t, Options{FrameDelay: time.Hour})
	h, err := l.Load(context.Background(), "a", progcache.LoadOptions{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	h.Cancel()
	if _, err := h.Result.AwaitFinal(context.Background()); !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v want context.Canceled", err)
	}
}

func TestLoaderDrivesRetrieval(t *testing.T) {
	cache, err := progcache.NewCache(progcache.CacheOptions{MaxCacheSize: 1 << 10})
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	defer cache.Close(context.Background())
	mem := newMem()
	l, err := New(Options{Provider: mem, Cache: cache})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ids := []string{"a", "b", "c", "d"}
	for _, id := range ids {
		if err := l.Seed(context.Background(), id, codec.Header{"id": id}, frames(), 0); err != nil {
			t.Fatalf("Seed: %v", err)
		}
	}

	r, err := progcache.NewRetriever(progcache.RetrieverOptions{Loader: l, Cache: cache})
	if err != nil {
		t.Fatalf("NewRetriever: %v", err)
	}
	target := &progcache.TargetBuffer{Buffer: make([]byte, 16)}
	done, err := r.Retrieve(context.Background(), progcache.Request{IDs: ids, Target: target, FrameLength: 4, Stages: progcache.Sequential()})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := done.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !bytes.Equal(target.Buffer, bytes.Repeat([]byte{3}, 16)) {
		t.Fatalf("target=%v want every region at full quality", target.Buffer)
	}
	deadline := time.Now().Add(2 * time.Second)
	for cache.Stats().Pending > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if s := cache.Stats(); s.Images != 4 || s.VolatileBytes != 16 {
		t.Fatalf("stats=%+v want 4 images of 4 bytes", s)
	}
}
