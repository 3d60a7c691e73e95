package codec

import (
	"bytes"
	"encoding/json"
)

// JSON is a Codec on encoding/json. Numbers in untyped values decode as
// json.Number to keep integer precision.
type JSON[V any] struct{}

func (JSON[V]) Encode(v V) ([]byte, error) { return json.Marshal(v) }

func (JSON[V]) Decode(b []byte) (V, error) {
	var v V
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	err := dec.Decode(&v)
	return v, err
}
