package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/jdziat/adaptive-jobs/pkg/cache"
	"github.com/jdziat/adaptive-jobs/pkg/core"
	"github.com/jdziat/adaptive-jobs/pkg/security"
)

// Result is what an engine produced for one job.
type Result struct {
	OutputRef string
	Metadata  map[string]string
}

// Engine executes a single job with the resources it borrowed.
// Engines must not retain res after Execute returns.
type Engine interface {
	Execute(ctx context.Context, job *core.Job, res Resources) (Result, error)
}

// EngineFunc adapts a function to the Engine interface.
type EngineFunc func(ctx context.Context, job *core.Job, res Resources) (Result, error)

func (f EngineFunc) Execute(ctx context.Context, job *core.Job, res Resources) (Result, error) {
	return f(ctx, job, res)
}

// ResourceSpec names a cached resource a handler needs and how to build it.
type ResourceSpec struct {
	Key     string
	Factory cache.Factory
}

// Handler binds an engine and its resources to one job kind.
type Handler struct {
	Engine    Engine
	Resources []ResourceSpec
}

// Resources are the borrowed values for one execution, keyed by cache key.
type Resources map[string]any

// Get returns the resource for key.
func (r Resources) Get(key string) (any, bool) {
	v, ok := r[key]
	return v, ok
}

// Registry holds one handler per job kind.
type Registry struct {
	mu       sync.RWMutex
	handlers map[core.Kind]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[core.Kind]Handler)}
}

// Register binds h to kind, replacing any previous handler.
func (r *Registry) Register(kind core.Kind, h Handler) error {
	if !kind.Valid() {
		return fmt.Errorf("register %q: %w", kind, core.ErrUnknownKind)
	}
	if h.Engine == nil {
		return errors.New("engine: handler engine cannot be nil")
	}
	for _, spec := range h.Resources {
		if err := security.ValidateCacheKey(spec.Key); err != nil {
			return fmt.Errorf("register %q: %w", kind, err)
		}
		if spec.Factory == nil {
			return fmt.Errorf("register %q: resource %q has no factory", kind, spec.Key)
		}
	}

	r.mu.Lock()
	r.handlers[kind] = h
	r.mu.Unlock()
	return nil
}

// Lookup returns the handler bound to kind.
func (r *Registry) Lookup(kind core.Kind) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}

// Has reports whether kind has a handler.
func (r *Registry) Has(kind core.Kind) bool {
	_, ok := r.Lookup(kind)
	return ok
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []core.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]core.Kind, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ResourceKeys returns every distinct resource key across handlers, sorted.
func (r *Registry) ResourceKeys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	var keys []string
	for _, h := range r.handlers {
		for _, spec := range h.Resources {
			if _, ok := seen[spec.Key]; ok {
				continue
			}
			seen[spec.Key] = struct{}{}
			keys = append(keys, spec.Key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Resolver exposes registered resource factories to the cache.
func (r *Registry) Resolver() cache.Resolver {
	return func(key string) (cache.Factory, bool) {
		r.mu.RLock()
		defer r.mu.RUnlock()
		for _, h := range r.handlers {
			for _, spec := range h.Resources {
				if spec.Key == key {
					return spec.Factory, true
				}
			}
		}
		return nil, false
	}
}
