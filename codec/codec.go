// Package codec serializes the metadata header stored in front of an asset's
// progressive frames.
package codec

import (
	"fmt"
	"sort"
)

// Codec encodes/decodes values V to []byte for storage.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}

// Header is decoded asset metadata (dimensions, transfer syntax, ...). Number
// types after decoding depend on the codec.
type Header = map[string]any

var registry = map[string]func() (Codec[Header], error){
	"cbor":     func() (Codec[Header], error) { return NewCBOR[Header](true) },
	"msgpack":  func() (Codec[Header], error) { return Msgpack[Header]{}, nil },
	"json":     func() (Codec[Header], error) { return JSON[Header]{}, nil },
	"protobuf": func() (Codec[Header], error) { return StructPB{}, nil },
}

// Names lists the header codecs accepted by ByName.
func Names() []string {
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// ByName returns the header codec registered under name.
func ByName(name string) (Codec[Header], error) {
	mk, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("codec: unknown header codec %q (want one of %v)", name, Names())
	}
	return mk()
}
