// pkg/service/registry.go
package service

import (
	"sync"
	"weak"

	"github.com/cmatc13/homeserver/pkg/errors"
	"github.com/cmatc13/homeserver/pkg/logging"
)

// entry holds type-erased weak accessors for one service. Both return nil
// once the service has been collected.
type entry struct {
	name     string
	service  func() Service
	concrete func() any
}

// Registry is a bundle's directory of services by name. It holds only weak
// references and never keeps a service alive. Snapshots are ordered by
// insertion, which is build order.
type Registry struct {
	mutex   sync.RWMutex
	entries []entry
	index   map[string]int
	logger  *logging.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *logging.Logger) *Registry {
	return &Registry{
		index:  make(map[string]int),
		logger: logger,
	}
}

// Insert adds svc to the registry under svc.Name(). Names are unique within
// a registry; a duplicate is a build error.
func Insert[T any, PT interface {
	*T
	Service
}](r *Registry, svc PT) error {
	wp := weak.Make((*T)(svc))
	e := entry{
		name: svc.Name(),
		service: func() Service {
			if p := wp.Value(); p != nil {
				return PT(p)
			}
			return nil
		},
		concrete: func() any {
			if p := wp.Value(); p != nil {
				return p
			}
			return nil
		},
	}
	return r.insert(e)
}

func (r *Registry) insert(e entry) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.index[e.name]; exists {
		return errors.ServiceErrorf(errors.ServiceErrBuild, "service %s is already registered", e.name)
	}
	r.index[e.name] = len(r.entries)
	r.entries = append(r.entries, e)
	return nil
}

// copyEntries returns the entries under the read lock. Callers upgrade the
// weak handles after the lock is released.
func (r *Registry) copyEntries() []entry {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	out := make([]entry, len(r.entries))
	copy(out, r.entries)
	return out
}

func (r *Registry) lookup(name string) (entry, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	i, ok := r.index[name]
	if !ok {
		return entry{}, false
	}
	return r.entries[i], true
}

// Snapshot returns the live services in build order. Services inserted
// after the call do not appear in the result.
func (r *Registry) Snapshot() []Service {
	entries := r.copyEntries()
	out := make([]Service, 0, len(entries))
	for _, e := range entries {
		if svc := e.service(); svc != nil {
			out = append(out, svc)
		}
	}
	return out
}

// Lookup returns the live service registered under name.
func (r *Registry) Lookup(name string) (Service, bool) {
	e, ok := r.lookup(name)
	if !ok {
		return nil, false
	}
	svc := e.service()
	return svc, svc != nil
}

// Names returns the names of the live services in build order.
func (r *Registry) Names() []string {
	entries := r.copyEntries()
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.service() != nil {
			names = append(names, e.name)
		}
	}
	return names
}

// Len returns the number of live services.
func (r *Registry) Len() int {
	return len(r.Names())
}

// Get returns the service registered under name as a *T. It reports false
// when the name is unknown, the service is gone, or the type differs.
func Get[T any](r *Registry, name string) (*T, bool) {
	e, ok := r.lookup(name)
	if !ok {
		return nil, false
	}
	p, ok := e.concrete().(*T)
	return p, ok && p != nil
}

// Merge returns a read-only view over the entries of every registry in
// order. On a name collision the first entry wins and the collision is
// logged.
func Merge(logger *logging.Logger, regs ...*Registry) *Registry {
	merged := NewRegistry(logger)
	for _, reg := range regs {
		for _, e := range reg.copyEntries() {
			if err := merged.insert(e); err != nil {
				logger.Warn("Duplicate service name across bundles", "service", e.name)
			}
		}
	}
	return merged
}
