package progcache

import (
	"context"
	"fmt"
	"sync"

	"github.com/unkn0wn-root/progcache/internal/keys"
)

// LoadOptions accompany every loader call.
type LoadOptions struct {
	// Target is private decode memory sized like the asset's region of the
	// request's shared buffer; nil => loader allocates. Values must point Data
	// at the decoded bytes: the retriever copies accepted values into the
	// shared buffer itself.
	Target       *TargetBuffer
	RetrieveKind string        // opaque fetch strategy selector, e.g. "lossy" or "final"
	Class        Class
	Priority     int
	// Details carries caller-defined data (stage id, composite id, request
	// details, per-kind options). The core only uses it for cancellation matching.
	Details map[string]any
}

// Loader fetches one asset. It must eventually settle the returned Result and,
// once it reported a value at MaxQuality, report nothing further for that call.
type Loader interface {
	Load(ctx context.Context, id string, opts LoadOptions) (Handle, error)
}

// LoaderFunc adapts a plain function to Loader.
type LoaderFunc func(ctx context.Context, id string, opts LoadOptions) (Handle, error)

func (f LoaderFunc) Load(ctx context.Context, id string, opts LoadOptions) (Handle, error) {
	return f(ctx, id, opts)
}

// Registry dispatches on the scheme prefix of an id ("wadors:...", "http:...")
// with one default fallback for ids without a registered scheme.
type Registry struct {
	mu      sync.RWMutex
	schemes map[string]Loader
	def     Loader
}

var _ Loader = (*Registry)(nil)

func NewRegistry() *Registry {
	return &Registry{schemes: make(map[string]Loader)}
}

// Register binds scheme to l, replacing any previous binding.
func (r *Registry) Register(scheme string, l Loader) error {
	if scheme == "" || l == nil {
		return invalidConfig("register: scheme and loader are required")
	}
	r.mu.Lock()
	r.schemes[scheme] = l
	r.mu.Unlock()
	return nil
}

// SetDefault sets the loader used when no scheme matches.
func (r *Registry) SetDefault(l Loader) {
	r.mu.Lock()
	r.def = l
	r.mu.Unlock()
}

// Resolve returns the loader for id.
func (r *Registry) Resolve(id string) (Loader, error) {
	scheme, _ := keys.Scheme(id)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if l, ok := r.schemes[scheme]; ok && scheme != "" {
		return l, nil
	}
	if r.def != nil {
		return r.def, nil
	}
	return nil, fmt.Errorf("%w for %q", ErrNoLoader, id)
}

func (r *Registry) Load(ctx context.Context, id string, opts LoadOptions) (Handle, error) {
	l, err := r.Resolve(id)
	if err != nil {
		return Handle{}, err
	}
	return l.Load(ctx, id, opts)
}
