package task

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Constructor builds a fresh handler instance per resolution.
type Constructor func() Handler

// Registry maps handler kinds to implementations.
//
// A kind can be bound either to a shared instance or to a constructor.
// Resolution prefers the instance; the constructor is the fallback for
// handlers that want per-task state. Registration is typically done once at
// startup, but the registry is safe for concurrent use so tests and plugins
// may register late.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]Handler
	ctors     map[string]Constructor
}

func NewRegistry() *Registry {
	return &Registry{
		instances: map[string]Handler{},
		ctors:     map[string]Constructor{},
	}
}

func (r *Registry) Register(kind string, h Handler) {
	kind = strings.TrimSpace(kind)
	if kind == "" || h == nil {
		return
	}
	r.mu.Lock()
	r.instances[kind] = h
	r.mu.Unlock()
}

// RegisterFunc binds a plain function as the handler for kind.
func (r *Registry) RegisterFunc(kind string, fn HandlerFunc) {
	r.Register(kind, fn)
}

// RegisterConstructor binds a constructor used when no instance is bound.
func (r *Registry) RegisterConstructor(kind string, fn Constructor) {
	kind = strings.TrimSpace(kind)
	if kind == "" || fn == nil {
		return
	}
	r.mu.Lock()
	r.ctors[kind] = fn
	r.mu.Unlock()
}

// Resolve returns the handler for kind, or ErrUnknownHandler when neither an
// instance nor a constructor is bound. How the caller reacts to the error is
// policy (fail the task vs. leave it pending).
func (r *Registry) Resolve(kind string) (Handler, error) {
	kind = strings.TrimSpace(kind)

	r.mu.RLock()
	h := r.instances[kind]
	ctor := r.ctors[kind]
	r.mu.RUnlock()

	if h != nil {
		return h, nil
	}
	if ctor != nil {
		if built := ctor(); built != nil {
			return built, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownHandler, kind)
}

// Kinds returns the registered kinds, sorted, for diagnostics.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	seen := make(map[string]struct{}, len(r.instances)+len(r.ctors))
	for k := range r.instances {
		seen[k] = struct{}{}
	}
	for k := range r.ctors {
		seen[k] = struct{}{}
	}
	r.mu.RUnlock()

	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
