package bigcache

import (
	"bytes"
	"context"
	"testing"
)

func TestStoreRoundTrip(t *testing.T) {
	s, err := New(Config{MaxEntrySize: 64})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close(context.Background())
	ctx := context.Background()

	if _, ok, err := s.Get(ctx, "missing"); ok || err != nil {
		t.Fatalf("miss ok=%v err=%v", ok, err)
	}
	blob := bytes.Repeat([]byte{7}, 100)
	if err := s.Set(ctx, "a", blob, 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok, err := s.Get(ctx, "a")
	if err != nil || !ok || !bytes.Equal(got, blob) {
		t.Fatalf("Get ok=%v err=%v", ok, err)
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Keys != 1 || st.Hits != 1 || st.Misses != 1 {
		t.Fatalf("stats=%+v want keys=1 hits=1 misses=1", st)
	}

	if err := s.Del(ctx, "a"); err != nil {
		t.Fatalf("Del: %v", err)
	}
	if err := s.Del(ctx, "a"); err != nil {
		t.Fatalf("Del of missing key: %v", err)
	}
}

func TestHardMaxRoundsUp(t *testing.T) {
	s, err := New(Config{HardMaxBytes: 1000})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close(context.Background())
	if err := s.Set(context.Background(), "a", make([]byte, 512), 0); err != nil {
		t.Fatalf("Set under a sub-MiB ceiling: %v", err)
	}
}
