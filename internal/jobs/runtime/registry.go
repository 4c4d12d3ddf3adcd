package runtime

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps job-function names to their implementations. Registration
// happens once during worker startup; dispatch reads are concurrent.
type Registry struct {
	mu sync.RWMutex
	m  map[string]JobFunc
}

func NewRegistry() *Registry {
	return &Registry{m: map[string]JobFunc{}}
}

func (r *Registry) Register(name string, fn JobFunc) error {
	if name == "" || fn == nil {
		return fmt.Errorf("registry: name and function required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.m[name]; exists {
		return fmt.Errorf("registry: %q already registered", name)
	}
	r.m[name] = fn
	return nil
}

func (r *Registry) Get(name string) (JobFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.m[name]
	return fn, ok
}

// Names returns the registered function names sorted, one poller each.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.m))
	for name := range r.m {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
