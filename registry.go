package saga

import (
	"sort"
	"strings"
	"sync"

	"github.com/goliatone/go-errors"
)

// Registry maps saga type names to definitions. It is filled at startup and
// frozen before sweepers or dispatchers start reading from it.
type Registry struct {
	mu     sync.RWMutex
	defs   map[string]Descriptor
	frozen bool
}

func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Descriptor)}
}

func (r *Registry) Register(def Descriptor) error {
	if def == nil {
		return errors.New("saga definition cannot be nil", errors.CategoryBadInput).
			WithTextCode("NIL_DEFINITION")
	}
	name := strings.TrimSpace(def.Name())
	if name == "" {
		return errors.New("saga definition requires a name", errors.CategoryBadInput).
			WithTextCode("NIL_DEFINITION")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return errors.New("cannot register sagas after registry has been frozen", errors.CategoryConflict).
			WithTextCode("REGISTRY_FROZEN").
			WithMetadata(map[string]any{"saga_type": name})
	}
	if _, exists := r.defs[name]; exists {
		return errors.New("saga type already registered", errors.CategoryConflict).
			WithTextCode("REGISTRY_DUPLICATE").
			WithMetadata(map[string]any{"saga_type": name})
	}
	r.defs[name] = def
	return nil
}

// RegisterAll registers every definition and returns the joined errors.
func (r *Registry) RegisterAll(defs ...Descriptor) error {
	var errs error
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	return errs
}

// Freeze rejects any later registration.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

func (r *Registry) Lookup(sagaType string) (Descriptor, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[sagaType]
	return def, ok
}

// Names returns the registered saga types, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.defs))
	for name := range r.defs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
