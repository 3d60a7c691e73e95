package ristretto

import (
	"bytes"
	"context"
	"errors"
	"testing"

	pr "github.com/unkn0wn-root/progcache/provider"
)

func newTestStore(t *testing.T, maxCost int64) *Store {
	t.Helper()
	s, err := New(Config{NumCounters: 1000, MaxCost: maxCost, BufferItems: 64})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func TestStoreRoundTrip(t *testing.T) {
	s := newTestStore(t, 1<<20)
	ctx := context.Background()

	blob := []byte("frame-set")
	if err := s.Set(ctx, "a", blob, 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok, err := s.Get(ctx, "a")
	if err != nil || !ok || !bytes.Equal(got, blob) {
		t.Fatalf("Get=%q ok=%v err=%v", got, ok, err)
	}
	if err := s.Del(ctx, "a"); err != nil {
		t.Fatalf("Del: %v", err)
	}
	s.c.Wait()
	if _, ok, _ := s.Get(ctx, "a"); ok {
		t.Fatalf("hit after Del")
	}
}

func TestStoreRejectsOversized(t *testing.T) {
	s := newTestStore(t, 8)
	if err := s.Set(context.Background(), "big", make([]byte, 64), 0); !errors.Is(err, pr.ErrRejected) {
		t.Fatalf("err=%v want ErrRejected", err)
	}
}

func TestStoreStats(t *testing.T) {
	s := newTestStore(t, 1<<20)
	ctx := context.Background()
	_ = s.Set(ctx, "a", make([]byte, 100), 0)
	_, _, _ = s.Get(ctx, "a")
	_, _, _ = s.Get(ctx, "missing")

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Keys != 1 || st.Bytes != 100 {
		t.Fatalf("keys=%d bytes=%d want=1/100", st.Keys, st.Bytes)
	}
	if st.Misses < 1 {
		t.Fatalf("misses=%d want>=1", st.Misses)
	}
}

func TestInvalidConfig(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error for zero config")
	}
}
