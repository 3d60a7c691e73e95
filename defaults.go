package progcache

const (
	// DefaultMaxCacheSize is the byte ceiling used when none is configured (3 GiB).
	DefaultMaxCacheSize int64 = 3 << 30
	// DefaultConcurrencyLimit applies to every class without an explicit limit.
	DefaultConcurrencyLimit = 1000
)

// coalesce returns def when v is the zero value of T - otherwise v.
func coalesce[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}
