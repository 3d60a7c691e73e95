package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

func header() Header {
	return Header{"rows": 512, "columns": 512, "transferSyntax": "1.2.840.10008.1.2.4.201", "signed": false}
}

// asInt normalizes the number type each codec decodes to.
func asInt(t *testing.T, v any) int64 {
	t.Helper()
	switch n := v.(type) {
	case int64:
		return n
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	case uint64:
		return int64(n)
	case float64:
		return int64(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			t.Fatalf("json number %q: %v", n, err)
		}
		return i
	}
	t.Fatalf("unexpected number type %T", v)
	return 0
}

func TestHeaderCodecsByName(t *testing.T) {
	for _, name := range Names() {
		t.Run(name, func(t *testing.T) {
			c, err := ByName(name)
			if err != nil {
				t.Fatalf("ByName: %v", err)
			}
			b, err := c.Encode(header())
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			got, err := c.Decode(b)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if asInt(t, got["rows"]) != 512 || got["transferSyntax"] != "1.2.840.10008.1.2.4.201" || got["signed"] != false {
				t.Fatalf("decoded=%v", got)
			}
		})
	}
	if _, err := ByName("xml"); err == nil {
		t.Fatalf("expected error for unknown codec")
	}
}

func TestDeterministicEncodings(t *testing.T) {
	for _, name := range []string{"cbor", "msgpack"} {
		c, _ := ByName(name)
		first, _ := c.Encode(header())
		for i := 0; i < 20; i++ {
			again, _ := c.Encode(header())
			if !bytes.Equal(first, again) {
				t.Fatalf("%s: encoding not stable", name)
			}
		}
	}
}

func TestLimitCodec(t *testing.T) {
	c := LimitCodec[Header]{Inner: JSON[Header]{}, MaxDecode: 8}
	b, _ := c.Encode(header())
	if _, err := c.Decode(b); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("err=%v want ErrTooLarge", err)
	}
	c.MaxDecode = 0
	if _, err := c.Decode(b); err != nil {
		t.Fatalf("unlimited decode: %v", err)
	}
}

func TestStructPBRejectsUnsupportedValues(t *testing.T) {
	if _, err := (StructPB{}).Encode(Header{"ch": make(chan int)}); err == nil {
		t.Fatalf("expected error for non-JSON value")
	}
}
