package crews

import (
	"sort"
	"sync"

	"github.com/IncludeBrake/TractionBuild-sub002/pkg/schema"
)

var _ CrewRegistry = (*Registry)(nil)

// Registry is the concrete thread-safe CrewRegistry implementation.
type Registry struct {
	mu    sync.RWMutex
	crews map[string]Crew
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		crews: make(map[string]Crew),
	}
}

// Register adds a crew to the registry. Returns error on duplicate name.
func (r *Registry) Register(crew Crew) error {
	if crew == nil {
		return schema.NewError(schema.ErrCodeValidation, "crew is nil")
	}
	name := crew.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "crew name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.crews[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "crew %q already registered", name)
	}

	r.crews[name] = crew
	return nil
}

// Get retrieves a crew by name.
func (r *Registry) Get(name string) (Crew, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	crew, ok := r.crews[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeCrewUnavailable, "crew %q not registered", name)
	}
	return crew, nil
}

// Has reports whether a crew is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.crews[name]
	return ok
}

// List returns info for all registered crews, sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.crews))
	for _, c := range r.crews {
		if d, ok := c.(Describer); ok {
			infos = append(infos, d.Describe())
		} else {
			infos = append(infos, Info{Name: c.Name()})
		}
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}
