// Package wire frames a stored asset: a metadata header followed by frames of
// strictly increasing quality, each a complete rendition of the asset.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

const (
	version    byte = 1
	kindFrames byte = 1
	hdrLen          = 4 + 1 + 1 + 4 // magic | ver | kind | header length
	frameHdr        = 1 + 4         // quality | payload length
)

var (
	ErrCorrupt = errors.New("progcache: corrupt frame set")
	magic4     = [...]byte{'P', 'C', 'F', 'S'}
)

// Frame is one rendition; Quality is the progcache quality level.
type Frame struct {
	Quality uint8
	Payload []byte
}

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Encode lays out:
//
//	magic(4) | ver(1) | kind(1) | hlen(u32 be) | header(hlen) | n(u16 be)
//	quality(u8) | flen(u32 be) | payload(flen) * n
func Encode(header []byte, frames []Frame) ([]byte, error) {
	if len(frames) == 0 || len(frames) > math.MaxUint16 {
		return nil, fmt.Errorf("wire: frame count %d out of range", len(frames))
	}
	total := hdrLen + len(header) + 2
	for i, f := range frames {
		if i > 0 && f.Quality <= frames[i-1].Quality {
			return nil, fmt.Errorf("wire: frame %d quality %d does not improve on %d", i, f.Quality, frames[i-1].Quality)
		}
		if uint64(len(f.Payload)) > math.MaxUint32 {
			return nil, fmt.Errorf("wire: frame %d too large", i)
		}
		total += frameHdr + len(f.Payload)
	}

	var buf bytes.Buffer
	buf.Grow(total)
	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kindFrames)

	var u4 [4]byte
	var u2 [2]byte
	binary.BigEndian.PutUint32(u4[:], uint32(len(header)))
	buf.Write(u4[:])
	buf.Write(header)

	binary.BigEndian.PutUint16(u2[:], uint16(len(frames)))
	buf.Write(u2[:])
	for _, f := range frames {
		buf.WriteByte(f.Quality)
		binary.BigEndian.PutUint32(u4[:], uint32(len(f.Payload)))
		buf.Write(u4[:])
		buf.Write(f.Payload)
	}
	return buf.Bytes(), nil
}

// Reader walks a frame set one frame at a time. Payloads alias the input.
type Reader struct {
	b      []byte
	off    int
	header []byte
	n      int
	read   int
	last   int
}

// NewReader validates the envelope and header; frames are checked as they
// are read.
func NewReader(b []byte) (*Reader, error) {
	if len(b) < hdrLen || !hasMagic(b) || b[4] != version || b[5] != kindFrames {
		return nil, ErrCorrupt
	}
	off := 6
	hlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if hlen < 0 || hlen > len(b)-off { // overflow-safe bound check
		return nil, ErrCorrupt
	}
	header := b[off : off+hlen]
	off += hlen

	if off+2 > len(b) {
		return nil, ErrCorrupt
	}
	n := int(binary.BigEndian.Uint16(b[off : off+2]))
	off += 2
	if n == 0 {
		return nil, ErrCorrupt
	}
	return &Reader{b: b, off: off, header: header, n: n, last: -1}, nil
}

func (r *Reader) Header() []byte { return r.header }

// Len is the number of frames announced by the envelope.
func (r *Reader) Len() int { return r.n }

// Next returns the next frame, io.EOF after the last one, or ErrCorrupt.
func (r *Reader) Next() (Frame, error) {
	if r.read == r.n {
		if r.off != len(r.b) {
			return Frame{}, ErrCorrupt // trailing bytes
		}
		return Frame{}, io.EOF
	}
	if r.off+frameHdr > len(r.b) {
		return Frame{}, ErrCorrupt
	}
	q := r.b[r.off]
	flen := int(binary.BigEndian.Uint32(r.b[r.off+1 : r.off+frameHdr]))
	r.off += frameHdr
	if flen < 0 || flen > len(r.b)-r.off || int(q) <= r.last {
		return Frame{}, ErrCorrupt
	}
	f := Frame{Quality: q, Payload: r.b[r.off : r.off+flen]}
	r.off += flen
	r.read++
	r.last = int(q)
	return f, nil
}

// Decode reads a whole frame set.
func Decode(b []byte) (header []byte, frames []Frame, err error) {
	r, err := NewReader(b)
	if err != nil {
		return nil, nil, err
	}
	frames = make([]Frame, 0, r.Len())
	for {
		f, err := r.Next()
		if err == io.EOF {
			return r.Header(), frames, nil
		}
		if err != nil {
			return nil, nil, err
		}
		frames = append(frames, f)
	}
}
