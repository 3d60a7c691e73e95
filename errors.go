package progcache

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateID       = errors.New("progcache: duplicate id")
	ErrNotFound          = errors.New("progcache: not found")
	ErrInvalidSize       = errors.New("progcache: invalid size")
	ErrInvalidConfig     = errors.New("progcache: invalid config")
	ErrCacheSizeExceeded = errors.New("progcache: cache size exceeded")
	ErrAssetLoadFailed   = errors.New("progcache: asset load failed")
	ErrClosed            = errors.New("progcache: closed")
	ErrNoLoader          = errors.New("progcache: no loader registered")
)

// SizeError reports an insertion that cannot fit even after evicting every
// volatile entry.
type SizeError struct {
	ID        string
	Requested int64
	Available int64 // unallocated + volatile bytes at the time of the check
}

func (e *SizeError) Error() string {
	return fmt.Sprintf("progcache: %q needs %d bytes, only %d can be made available", e.ID, e.Requested, e.Available)
}

func (e *SizeError) Unwrap() error { return ErrCacheSizeExceeded }

// LoadError wraps a loader failure for one asset. Permanent is false while
// another retrieval stage can still be attempted for the asset.
type LoadError struct {
	ID        string
	Stage     string
	Permanent bool
	Err       error
}

func (e *LoadError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	switch {
	case e.Stage != "" && e.Err != nil:
		return fmt.Sprintf("progcache: load %q (stage %s, %s): %v", e.ID, e.Stage, kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("progcache: load %q (%s): %v", e.ID, kind, e.Err)
	default:
		return fmt.Sprintf("progcache: load %q (%s) failed", e.ID, kind)
	}
}

func (e *LoadError) Unwrap() []error {
	errs := []error{ErrAssetLoadFailed}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func invalidConfig(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}
