package flowengine

import (
	"fmt"
	"sort"
	"sync"
)

// ActivityRegistry maps activity names to implementations. Domain packages
// register their activities at startup; the step executor resolves them by
// name at run time.
type ActivityRegistry struct {
	mu         sync.RWMutex
	activities map[string]ActivityFunc
}

// NewActivityRegistry creates an empty registry.
func NewActivityRegistry() *ActivityRegistry {
	return &ActivityRegistry{activities: make(map[string]ActivityFunc)}
}

// Register adds a named activity. Duplicate names are rejected.
func (r *ActivityRegistry) Register(name string, fn ActivityFunc) error {
	if name == "" {
		return fmt.Errorf("activity name cannot be empty")
	}
	if fn == nil {
		return fmt.Errorf("activity function cannot be nil for %q", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.activities[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateActivity, name)
	}
	r.activities[name] = fn
	return nil
}

// MustRegister panics on registration failure. Use at startup, where a
// duplicate name is a programming error that should prevent boot.
func (r *ActivityRegistry) MustRegister(name string, fn ActivityFunc) {
	if err := r.Register(name, fn); err != nil {
		panic(fmt.Sprintf("flowengine: register activity %q: %v", name, err))
	}
}

// Get resolves an activity by name.
func (r *ActivityRegistry) Get(name string) (ActivityFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.activities[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrActivityNotFound, name)
	}
	return fn, nil
}

// List returns all registered activity names, sorted.
func (r *ActivityRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.activities))
	for name := range r.activities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered activities.
func (r *ActivityRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.activities)
}
