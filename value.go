package progcache

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/unkn0wn-root/progcache/progressive"
)

// Quality is the ordered fidelity of a delivered value. Higher is better.
type Quality int

const (
	QualityNone              Quality = 0
	QualityFarReplicate      Quality = 1
	QualityAdjacentReplicate Quality = 3
	QualitySubResolution     Quality = 6
	QualityLossy             Quality = 7
	QualityFull              Quality = 8

	// MaxQuality is the level at which an asset is fully retrieved.
	MaxQuality = QualityFull
)

func (q Quality) String() string {
	switch q {
	case QualityNone:
		return "none"
	case QualityFarReplicate:
		return "far_replicate"
	case QualityAdjacentReplicate:
		return "adjacent_replicate"
	case QualitySubResolution:
		return "subresolution"
	case QualityLossy:
		return "lossy"
	case QualityFull:
		return "full"
	}
	return "q" + strconv.Itoa(int(q))
}

// ParseQuality accepts the names returned by Quality.String and plain integers.
func ParseQuality(s string) (Quality, error) {
	for q := QualityNone; q <= MaxQuality; q++ {
		if name := q.String(); name[0] != 'q' && strings.EqualFold(s, name) {
			return q, nil
		}
	}
	n, err := strconv.Atoi(strings.TrimPrefix(s, "q"))
	if err != nil || n < 0 || Quality(n) > MaxQuality {
		return 0, invalidConfig("unknown quality %q", s)
	}
	return Quality(n), nil
}

// Value is one (possibly intermediate) version of an asset.
type Value struct {
	ID          string
	Quality     Quality
	Data        []byte // raw pixel/voxel region
	SizeInBytes int64  // resident size charged to the cache; negative is invalid
	Meta        any    // loader-defined (e.g. decoded header)
}

// Handle is what a Loader returns for one request. Result may yield several
// improving values; Cancel aborts an unsettled request and Decache releases
// resources once the cache drops the entry. Both are optional.
type Handle struct {
	Result  *progressive.Iterator[Value]
	Cancel  func()
	Decache func()
}

// TargetBuffer describes a destination region shared by all assets of a call
// (e.g. the voxel buffer of a volume). Asset i of a request owns
// Buffer[Offset+i*Length : Offset+(i+1)*Length].
type TargetBuffer struct {
	Buffer      []byte
	Offset      int
	Length      int
	ElementType string
}

// region returns the sub-buffer description for the asset at index.
func (t *TargetBuffer) region(index int) *TargetBuffer {
	if t == nil || t.Length <= 0 {
		return nil
	}
	off := t.Offset + index*t.Length
	if off < 0 || off+t.Length > len(t.Buffer) {
		return nil
	}
	return &TargetBuffer{Buffer: t.Buffer, Offset: off, Length: t.Length, ElementType: t.ElementType}
}

// Bytes returns the slice addressed by the description.
func (t *TargetBuffer) Bytes() []byte {
	if t == nil {
		return nil
	}
	return t.Buffer[t.Offset : t.Offset+t.Length]
}

// Completion resolves once an asynchronous operation settles.
type Completion struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newCompletion() *Completion { return &Completion{done: make(chan struct{})} }

func (c *Completion) resolve(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
}

// Done is closed once the operation settled.
func (c *Completion) Done() <-chan struct{} { return c.done }

// Err is valid after Done is closed.
func (c *Completion) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Wait blocks until the operation settles or ctx ends.
func (c *Completion) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
