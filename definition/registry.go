package definition

import (
	"fmt"
	"sort"
	"sync"

	"github.com/xraph/conductor"
)

// Resolver resolves a definition by key and version.
type Resolver interface {
	Resolve(key string, version int) (*Definition, error)
}

// Registry maps definition keys to their registered versions. Multiple
// versions of the same key can coexist; running instances keep resolving
// the version they started with. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	versions map[string][]*Definition // key → versions
}

var _ Resolver = (*Registry)(nil)

// NewRegistry creates an empty definition registry.
func NewRegistry() *Registry {
	return &Registry{versions: make(map[string][]*Definition)}
}

// Register validates and registers a definition. A Version of 0 is
// treated as version 1; registering an existing version replaces it.
func (r *Registry) Register(def *Definition) error {
	if def.Version <= 0 {
		def.Version = 1
	}
	if err := def.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing := r.versions[def.Key]
	for i, v := range existing {
		if v.Version == def.Version {
			existing[i] = def
			return nil
		}
	}
	r.versions[def.Key] = append(existing, def)
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(def *Definition) {
	if err := r.Register(def); err != nil {
		panic(fmt.Sprintf("definition: register %q: %v", def.Key, err))
	}
}

// Resolve returns the given version of a definition, or the latest when
// version <= 0. A missing definition wraps conductor.ErrDefinitionNotFound.
func (r *Registry) Resolve(key string, version int) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *Definition
	for _, v := range r.versions[key] {
		if version > 0 {
			if v.Version == version {
				return v, nil
			}
			continue
		}
		if best == nil || v.Version > best.Version {
			best = v
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: %s@%d", conductor.ErrDefinitionNotFound, key, version)
	}
	return best, nil
}

// LatestVersion returns the highest registered version of a key, or 0.
func (r *Registry) LatestVersion(key string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	best := 0
	for _, v := range r.versions[key] {
		if v.Version > best {
			best = v.Version
		}
	}
	return best
}

// Keys returns all registered definition keys, sorted.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.versions))
	for k := range r.versions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
