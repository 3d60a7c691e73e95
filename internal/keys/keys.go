// Package keys derives identifiers used by the retrieval core.
package keys

import (
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Composite returns a deterministic id for an ordered list of member ids:
// prefix + ":" + 16 hex chars of a hash over the members. Order matters, a
// volume built from the same slices in another order is a different volume.
func Composite(prefix string, ids []string) string {
	d := xxhash.New()
	for _, id := range ids {
		_, _ = d.WriteString(id)
		_, _ = d.Write([]byte{0})
	}
	h := strconv.FormatUint(d.Sum64(), 16)
	return prefix + ":" + strings.Repeat("0", 16-len(h)) + h
}

// Scheme splits "scheme:rest" ids. Ids without a scheme return ("", id).
// A scheme is a non-empty run of letters, digits, '+', '-' or '.' that
// starts with a letter.
func Scheme(id string) (scheme, rest string) {
	i := strings.IndexByte(id, ':')
	if i <= 0 {
		return "", id
	}
	for j := 0; j < i; j++ {
		c := id[j]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case j > 0 && (c >= '0' && c <= '9' || c == '+' || c == '-' || c == '.'):
		default:
			return "", id
		}
	}
	return id[:i], id[i+1:]
}

// Hash returns a stable 64-bit hash of id, used to shard per-asset work.
func Hash(id string) uint64 { return xxhash.Sum64String(id) }
